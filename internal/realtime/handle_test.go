package realtime

import (
	"encoding/json"
	"sync"
	"testing"
)

type recordingHandle struct {
	id     string
	userID int64
	reject bool

	mu     sync.Mutex
	frames [][]byte
}

func newRecordingHandle(id string, userID int64) *recordingHandle {
	return &recordingHandle{id: id, userID: userID}
}

func (h *recordingHandle) ID() string    { return h.id }
func (h *recordingHandle) UserID() int64 { return h.userID }

func (h *recordingHandle) Send(frame []byte) bool {
	if h.reject {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frame)
	return true
}

func (h *recordingHandle) events(t *testing.T) []decodedFrame {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	decoded := make([]decodedFrame, 0, len(h.frames))
	for _, frame := range h.frames {
		var value decodedFrame
		if err := json.Unmarshal(frame, &value); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		decoded = append(decoded, value)
	}
	return decoded
}

type decodedFrame struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data"`
}
