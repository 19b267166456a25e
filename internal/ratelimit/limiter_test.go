package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memoryCounter struct {
	mu        sync.Mutex
	values    map[string]int64
	ttls      map[string]time.Duration
	incrErr   error
	expireErr error
	deleted   []string
}

func newMemoryCounter() *memoryCounter {
	return &memoryCounter{values: map[string]int64{}, ttls: map[string]time.Duration{}}
}

func (c *memoryCounter) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.incrErr != nil {
		return 0, c.incrErr
	}
	c.values[key]++
	return c.values[key], nil
}

func (c *memoryCounter) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expireErr != nil {
		return c.expireErr
	}
	c.ttls[key] = ttl
	return nil
}

func (c *memoryCounter) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	c.deleted = append(c.deleted, key)
	return nil
}

func TestLimiterBlocksAfterLimit(t *testing.T) {
	counter := newMemoryCounter()
	limiter, err := NewLimiter(counter, Rule{Limit: 3, Window: 10 * time.Second}, nil)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	ctx := context.Background()
	for attempt := 1; attempt <= 3; attempt++ {
		if !limiter.Allow(ctx, 7) {
			t.Fatalf("attempt %d should be allowed", attempt)
		}
	}
	if limiter.Allow(ctx, 7) {
		t.Fatalf("fourth attempt should be limited")
	}
	if !limiter.Allow(ctx, 8) {
		t.Fatalf("other users keep their own window")
	}
	if counter.ttls["agora:rl:msg:7"] != 10*time.Second {
		t.Fatalf("expected window ttl on first increment, got %v", counter.ttls)
	}
}

func TestLimiterFailsOpen(t *testing.T) {
	counter := newMemoryCounter()
	counter.incrErr = errors.New("connection refused")
	limiter, err := NewLimiter(counter, Rule{Limit: 1, Window: time.Second}, nil)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	for attempt := 0; attempt < 3; attempt++ {
		if !limiter.Allow(context.Background(), 1) {
			t.Fatalf("counter failure must not block posting")
		}
	}
}

func TestLimiterDropsKeyWhenExpiryFails(t *testing.T) {
	counter := newMemoryCounter()
	counter.expireErr = errors.New("timeout")
	limiter, err := NewLimiter(counter, Rule{Limit: 1, Window: time.Second}, nil)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	if !limiter.Allow(context.Background(), 5) {
		t.Fatalf("expected fail open")
	}
	if len(counter.deleted) != 1 || counter.deleted[0] != "agora:rl:msg:5" {
		t.Fatalf("expected key without ttl to be removed, got %v", counter.deleted)
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var limiter *Limiter
	if !limiter.Allow(context.Background(), 1) {
		t.Fatalf("nil limiter should allow")
	}
}
