package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/agora/internal/auth"
	"github.com/MarcoPoloResearchLab/agora/internal/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	errorCodeUnauthorized  = "unauthorized"
	errorCodeInvalidRoom   = "invalid_room"
	errorCodeMalformed     = "malformed_frame"
	errorCodeUnknown       = "unknown_command"
	errorCodeSendRejected  = "send_rejected"
	errorCodeSendDisabled  = "send_disabled"
	errorCodeHandshakeSlow = "handshake_timeout"
)

var (
	errMissingAuthenticator = errors.New("realtime: authenticator required")
	errMissingHub           = errors.New("realtime: hub required")
	errMissingPresence      = errors.New("realtime: presence registry required")
)

// Authenticator verifies the credential presented at handshake time.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (auth.Identity, error)
}

// SendMessageFunc persists and broadcasts a message submitted over the socket.
type SendMessageFunc func(ctx context.Context, identity auth.Identity, topicID int64, content string) error

// GatewayConfig wires the websocket entry point.
type GatewayConfig struct {
	Authenticator Authenticator
	Hub           *Hub
	Presence      *Presence
	OnSendMessage SendMessageFunc
	CheckOrigin   func(r *http.Request) bool
	Logger        *zap.Logger
}

// Gateway upgrades authenticated requests to websocket connections and runs
// their lifecycle.
type Gateway struct {
	authenticator Authenticator
	hub           *Hub
	presence      *Presence
	onSendMessage SendMessageFunc
	upgrader      websocket.Upgrader
	logger        *zap.Logger
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		authenticator: cfg.Authenticator,
		hub:           cfg.Hub,
		presence:      cfg.Presence,
		onSendMessage: cfg.OnSendMessage,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
	}, nil
}

// ServeHTTP authenticates before upgrading; a refused handshake leaves no state behind.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.authenticator.Authenticate(r.Context(), auth.CredentialFromRequest(r))
	if err != nil {
		code := errorCodeUnauthorized
		switch {
		case errors.Is(err, auth.ErrHandshakeTimeout):
			code = errorCodeHandshakeSlow
			g.logger.Warn("realtime handshake timed out", zap.Error(err))
		case errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrMissingCredential):
			g.logger.Info("realtime handshake refused", zap.Error(err))
		default:
			g.logger.Warn("realtime handshake refused", zap.Error(err))
		}
		writeHandshakeError(w, code)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("realtime upgrade failed", zap.Int64("user_id", identity.UserID), zap.Error(err))
		return
	}

	g.serve(newConnection(ws, identity, g.logger))
}

func (g *Gateway) serve(conn *Connection) {
	g.attach(conn)
	defer g.detach(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-conn.Done()
		cancel()
	}()

	go conn.writePump()
	conn.readPump(func(frame []byte) {
		g.handleFrame(ctx, conn, frame)
	})
}

func (g *Gateway) attach(conn *Connection) {
	if previous := g.presence.Register(conn); previous != nil {
		g.logger.Info("realtime presence replaced",
			zap.Int64("user_id", conn.UserID()),
			zap.String("previous_connection_id", previous.ID()),
			zap.String("connection_id", conn.ID()),
		)
	}
	metrics.ConnectionsActive.Inc()
	g.logger.Debug("realtime connection attached", zap.Int64("user_id", conn.UserID()), zap.String("connection_id", conn.ID()))
}

// detach runs exactly once per connection, however the read loop ended.
func (g *Gateway) detach(conn *Connection) {
	conn.Close()
	for room, remaining := range g.hub.LeaveAll(conn) {
		g.hub.Broadcast(room, UserCount{Room: room, Count: remaining})
	}
	g.presence.Unregister(conn)
	metrics.ConnectionsActive.Dec()
	g.logger.Debug("realtime connection detached", zap.Int64("user_id", conn.UserID()), zap.String("connection_id", conn.ID()))
}

func (g *Gateway) handleFrame(ctx context.Context, conn *Connection, frame []byte) {
	command, err := DecodeCommand(frame)
	if err != nil {
		code := errorCodeMalformed
		if errors.Is(err, ErrUnknownCommand) {
			code = errorCodeUnknown
		}
		g.logger.Debug("realtime frame rejected", zap.String("connection_id", conn.ID()), zap.Error(err))
		g.reply(conn, ErrorEvent{Code: code})
		return
	}

	switch cmd := command.(type) {
	case JoinRoom:
		size, err := g.hub.Join(conn, cmd.Room)
		if err != nil {
			g.reply(conn, ErrorEvent{Command: cmd.Name(), Code: errorCodeInvalidRoom})
			return
		}
		metrics.RoomJoinsTotal.Inc()
		g.hub.Broadcast(cmd.Room, UserCount{Room: cmd.Room, Count: size})
	case LeaveRoom:
		size, left := g.hub.Leave(conn, cmd.Room)
		if left {
			g.hub.Broadcast(cmd.Room, UserCount{Room: cmd.Room, Count: size})
		}
	case SendMessage:
		g.handleSendMessage(ctx, conn, cmd)
	default:
		g.reply(conn, ErrorEvent{Command: command.Name(), Code: errorCodeUnknown})
	}
}

func (g *Gateway) handleSendMessage(ctx context.Context, conn *Connection, cmd SendMessage) {
	topicID, err := ParseRoom(cmd.Room)
	if err != nil || topicID == 0 {
		g.reply(conn, ErrorEvent{Command: cmd.Name(), Code: errorCodeInvalidRoom})
		return
	}
	if g.onSendMessage == nil {
		g.reply(conn, ErrorEvent{Command: cmd.Name(), Code: errorCodeSendDisabled})
		return
	}
	if err := g.onSendMessage(ctx, conn.Identity(), topicID, cmd.Message); err != nil {
		g.reply(conn, ErrorEvent{Command: cmd.Name(), Code: errorCode(err)})
	}
}

func (g *Gateway) reply(conn *Connection, event Event) {
	frame, err := EncodeEvent(event)
	if err != nil {
		g.logger.Error("encode realtime reply", zap.Error(err))
		return
	}
	if !conn.Send(frame) {
		metrics.FramesDroppedTotal.Inc()
	}
}

type codedError interface {
	Code() string
}

func errorCode(err error) string {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return errorCodeSendRejected
}

func writeHandshakeError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
