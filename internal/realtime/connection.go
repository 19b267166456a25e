package realtime

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/auth"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 8192
	sendBufferSize = 64
)

// Connection is one authenticated websocket client.
type Connection struct {
	id       string
	identity auth.Identity
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

func newConnection(ws *websocket.Conn, identity auth.Identity, logger *zap.Logger) *Connection {
	id := uuid.NewString()
	if generated, err := uuid.NewV7(); err == nil {
		id = generated.String()
	}
	return &Connection{
		id:       id,
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("connection_id", id), zap.Int64("user_id", identity.UserID)),
	}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) UserID() int64 { return c.identity.UserID }

func (c *Connection) Identity() auth.Identity { return c.identity }

// Send queues a frame for the write pump. Frames are dropped when the connection
// is closed or its buffer is full.
func (c *Connection) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close stops both pumps. It is safe to call from any goroutine, any number of times.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("realtime write failed", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("realtime ping failed", zap.Error(err))
				c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}

// readPump blocks until the peer disconnects, the pong deadline passes or the
// connection is closed locally.
func (c *Connection) readPump(handle func(frame []byte)) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("realtime connection dropped", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		handle(frame)
	}
}
