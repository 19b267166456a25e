package realtime

import (
	"sync"

	"github.com/MarcoPoloResearchLab/agora/internal/metrics"
	"go.uber.org/zap"
)

// Handle is the in-memory reach of one live connection.
type Handle interface {
	ID() string
	UserID() int64
	// Send queues a frame without blocking and reports whether it was accepted.
	Send(frame []byte) bool
}

// Broadcaster delivers events to every member of a room.
type Broadcaster interface {
	Broadcast(room string, event Event) int
}

// Hub is the room router: it tracks room membership and fans events out to members.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]map[Handle]struct{}
	memberships map[Handle]map[string]struct{}
	logger      *zap.Logger
}

// NewHub constructs an empty room router.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:       make(map[string]map[Handle]struct{}),
		memberships: make(map[Handle]map[string]struct{}),
		logger:      logger,
	}
}

// Join adds the handle to a room and returns the room size afterwards.
func (h *Hub) Join(handle Handle, room string) (int, error) {
	if _, err := ParseRoom(room); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[Handle]struct{})
		h.rooms[room] = members
	}
	members[handle] = struct{}{}
	joined, ok := h.memberships[handle]
	if !ok {
		joined = make(map[string]struct{})
		h.memberships[handle] = joined
	}
	joined[room] = struct{}{}
	return len(members), nil
}

// Leave removes the handle from a room. It reports the remaining size and whether
// the handle was a member.
func (h *Hub) Leave(handle Handle, room string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(handle, room)
}

// LeaveAll removes the handle from every room it joined and returns the remaining
// size of each affected room.
func (h *Hub) LeaveAll(handle Handle) map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	joined := h.memberships[handle]
	remaining := make(map[string]int, len(joined))
	for room := range joined {
		size, _ := h.leaveLocked(handle, room)
		remaining[room] = size
	}
	return remaining
}

func (h *Hub) leaveLocked(handle Handle, room string) (int, bool) {
	members := h.rooms[room]
	if _, ok := members[handle]; !ok {
		return len(members), false
	}
	delete(members, handle)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	if joined := h.memberships[handle]; joined != nil {
		delete(joined, room)
		if len(joined) == 0 {
			delete(h.memberships, handle)
		}
	}
	return len(members), true
}

// Rooms lists the rooms a handle currently belongs to.
func (h *Hub) Rooms(handle Handle) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]string, 0, len(h.memberships[handle]))
	for room := range h.memberships[handle] {
		rooms = append(rooms, room)
	}
	return rooms
}

// RoomSize returns the number of handles joined to a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast delivers the event to every current member of the room and returns the
// number of handles that accepted the frame.
func (h *Hub) Broadcast(room string, event Event) int {
	return h.BroadcastExcept(nil, room, event)
}

// BroadcastExcept delivers the event to every member of the room other than except.
func (h *Hub) BroadcastExcept(except Handle, room string, event Event) int {
	frame, err := EncodeEvent(event)
	if err != nil {
		h.logger.Error("encode realtime event", zap.String("room", room), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	members := h.rooms[room]
	if len(members) == 0 {
		h.mu.RUnlock()
		return 0
	}
	targets := make([]Handle, 0, len(members))
	for member := range members {
		if except != nil && member == except {
			continue
		}
		targets = append(targets, member)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, target := range targets {
		if target.Send(frame) {
			delivered++
			continue
		}
		metrics.FramesDroppedTotal.Inc()
		h.logger.Debug("realtime frame dropped",
			zap.String("room", room),
			zap.String("connection_id", target.ID()),
			zap.String("event", string(event.Name())),
		)
	}
	return delivered
}
