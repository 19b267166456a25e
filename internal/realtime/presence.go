package realtime

import "sync"

// Presence maps a user id to the one connection that currently reaches them.
// A later Register for the same user replaces the earlier handle.
type Presence struct {
	mu      sync.RWMutex
	entries map[int64]Handle
}

func NewPresence() *Presence {
	return &Presence{entries: make(map[int64]Handle)}
}

// Register records the handle for its user and returns the handle it replaced, if any.
func (p *Presence) Register(handle Handle) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	previous := p.entries[handle.UserID()]
	p.entries[handle.UserID()] = handle
	return previous
}

// Unregister removes the user's entry only while it still points at handle,
// so a stale disconnect cannot evict a newer registration.
func (p *Presence) Unregister(handle Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	current, ok := p.entries[handle.UserID()]
	if !ok || current != handle {
		return false
	}
	delete(p.entries, handle.UserID())
	return true
}

// Lookup returns the handle that currently reaches the user.
func (p *Presence) Lookup(userID int64) (Handle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	handle, ok := p.entries[userID]
	return handle, ok
}

// Count returns the number of users with a registered connection.
func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
