package cache

import (
	"context"
	"sync"
	"time"

	id "gatekeeper/pkg/domain"
)

type entry struct {
	verified  bool
	expiresAt time.Time
}

// MemoryCache is the in-process variant used when Redis is not configured.
type MemoryCache struct {
	mu          sync.Mutex
	entries     map[id.UserID]entry
	positiveTTL time.Duration
	negativeTTL time.Duration
	now         func() time.Time
}

func NewMemory(positiveTTL, negativeTTL time.Duration) *MemoryCache {
	return &MemoryCache{
		entries:     make(map[id.UserID]entry),
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
		now:         time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, user id.UserID) (bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[user]
	if !ok {
		return false, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, user)
		return false, false, nil
	}
	return e.verified, true, nil
}

func (c *MemoryCache) Set(_ context.Context, user id.UserID, verified bool) error {
	ttl := c.negativeTTL
	if verified {
		ttl = c.positiveTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[user] = entry{verified: verified, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, user id.UserID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, user)
	return nil
}
