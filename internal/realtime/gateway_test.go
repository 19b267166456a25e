package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type stubAuthenticator struct {
	users map[string]int64
}

func (s stubAuthenticator) Authenticate(_ context.Context, credential string) (auth.Identity, error) {
	if credential == "" {
		return auth.Identity{}, auth.ErrMissingCredential
	}
	if credential == "expired" {
		return auth.Identity{}, auth.ErrExpiredToken
	}
	userID, ok := s.users[credential]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return auth.Identity{UserID: userID}, nil
}

type sentMessage struct {
	userID  int64
	topicID int64
	content string
}

type gatewayHarness struct {
	server   *httptest.Server
	hub      *Hub
	presence *Presence

	mu   sync.Mutex
	sent []sentMessage
}

func newGatewayHarness(t *testing.T, logger *zap.Logger) *gatewayHarness {
	t.Helper()
	harness := &gatewayHarness{hub: NewHub(logger), presence: NewPresence()}
	gateway, err := NewGateway(GatewayConfig{
		Authenticator: stubAuthenticator{users: map[string]int64{"alice": 1, "bob": 2}},
		Hub:           harness.hub,
		Presence:      harness.presence,
		Logger:        logger,
		OnSendMessage: func(_ context.Context, identity auth.Identity, topicID int64, content string) error {
			if strings.TrimSpace(content) == "" {
				return errors.New("empty")
			}
			harness.mu.Lock()
			harness.sent = append(harness.sent, sentMessage{userID: identity.UserID, topicID: topicID, content: content})
			harness.mu.Unlock()
			harness.hub.Broadcast(TopicRoom(topicID), ReceiveMessage{ID: 1, Author: "alice", Message: content})
			return nil
		},
	})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	harness.server = httptest.NewServer(gateway)
	t.Cleanup(harness.server.Close)
	return harness
}

func (h *gatewayHarness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendCommand(t *testing.T, conn *websocket.Conn, event CommandName, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{"event": event, "data": data})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) decodedFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame decodedFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return frame
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestGatewayRefusesBadCredentialBeforeUpgrade(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	harness := newGatewayHarness(t, zap.New(core))

	url := "ws" + strings.TrimPrefix(harness.server.URL, "http") + "/?token=expired"
	_, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake to fail")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %#v", response)
	}
	if harness.presence.Count() != 0 {
		t.Fatalf("refused handshake must not register presence")
	}
	if logs.FilterMessage("realtime handshake refused").Len() != 1 {
		t.Fatalf("expected refusal log entry")
	}
}

func TestGatewayRegistersPresenceAndCleansUpOnDisconnect(t *testing.T) {
	harness := newGatewayHarness(t, nil)
	conn := harness.dial(t, "alice")

	waitFor(t, func() bool {
		_, ok := harness.presence.Lookup(1)
		return ok
	})

	sendCommand(t, conn, CommandJoinRoom, TopicRoom(5))
	frame := readFrame(t, conn)
	if frame.Event != EventUserCount {
		t.Fatalf("expected user_count after join, got %s", frame.Event)
	}

	_ = conn.Close()
	waitFor(t, func() bool {
		_, ok := harness.presence.Lookup(1)
		return !ok && harness.hub.RoomSize(TopicRoom(5)) == 0
	})
}

func TestGatewayRoomScopedBroadcast(t *testing.T) {
	harness := newGatewayHarness(t, nil)
	alice := harness.dial(t, "alice")
	bob := harness.dial(t, "bob")

	sendCommand(t, alice, CommandJoinRoom, TopicRoom(5))
	if frame := readFrame(t, alice); frame.Event != EventUserCount {
		t.Fatalf("expected user_count, got %s", frame.Event)
	}
	sendCommand(t, bob, CommandJoinRoom, TopicRoom(6))
	if frame := readFrame(t, bob); frame.Event != EventUserCount {
		t.Fatalf("expected user_count, got %s", frame.Event)
	}

	harness.hub.Broadcast(TopicRoom(6), MessageHidden{MessageID: 77})
	frame := readFrame(t, bob)
	if frame.Event != EventMessageHidden {
		t.Fatalf("expected message_hidden for bob, got %s", frame.Event)
	}

	harness.hub.Broadcast(TopicRoom(5), MessageDeleted{MessageID: 78})
	frame = readFrame(t, alice)
	if frame.Event != EventMessageDeleted {
		t.Fatalf("alice should only see topic-5 traffic, got %s", frame.Event)
	}
}

func TestGatewaySendMessageRoutesThroughPipeline(t *testing.T) {
	harness := newGatewayHarness(t, nil)
	conn := harness.dial(t, "alice")

	sendCommand(t, conn, CommandJoinRoom, TopicRoom(3))
	readFrame(t, conn)

	sendCommand(t, conn, CommandSendMessage, map[string]string{"room": TopicRoom(3), "message": "first"})
	frame := readFrame(t, conn)
	if frame.Event != EventReceiveMessage {
		t.Fatalf("expected receive_message, got %s", frame.Event)
	}

	harness.mu.Lock()
	sent := append([]sentMessage(nil), harness.sent...)
	harness.mu.Unlock()
	if len(sent) != 1 || sent[0].userID != 1 || sent[0].topicID != 3 || sent[0].content != "first" {
		t.Fatalf("unexpected pipeline calls %#v", sent)
	}

	sendCommand(t, conn, CommandSendMessage, map[string]string{"room": DefaultRoom, "message": "nope"})
	frame = readFrame(t, conn)
	if frame.Event != EventError {
		t.Fatalf("expected error for default room send, got %s", frame.Event)
	}
	var rejection ErrorEvent
	if err := json.Unmarshal(frame.Data, &rejection); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if rejection.Code != errorCodeInvalidRoom {
		t.Fatalf("unexpected error code %q", rejection.Code)
	}
}

func TestGatewayRejectsInvalidRoomJoin(t *testing.T) {
	harness := newGatewayHarness(t, nil)
	conn := harness.dial(t, "bob")

	sendCommand(t, conn, CommandJoinRoom, "topic-zero")
	frame := readFrame(t, conn)
	if frame.Event != EventError {
		t.Fatalf("expected error event, got %s", frame.Event)
	}
	if harness.hub.RoomSize("topic-zero") != 0 {
		t.Fatalf("invalid room must not be created")
	}
}

func TestGatewayStaleDisconnectKeepsNewerPresence(t *testing.T) {
	harness := newGatewayHarness(t, nil)
	first := harness.dial(t, "alice")
	waitFor(t, func() bool { return harness.presence.Count() == 1 })
	initial, _ := harness.presence.Lookup(1)

	second := harness.dial(t, "alice")
	waitFor(t, func() bool {
		current, ok := harness.presence.Lookup(1)
		return ok && current != initial
	})
	latest, _ := harness.presence.Lookup(1)

	_ = first.Close()
	time.Sleep(100 * time.Millisecond)
	current, ok := harness.presence.Lookup(1)
	if !ok || current != latest {
		t.Fatalf("closing the older connection evicted the newer registration")
	}
	_ = second.Close()
	waitFor(t, func() bool { return harness.presence.Count() == 0 })
}
