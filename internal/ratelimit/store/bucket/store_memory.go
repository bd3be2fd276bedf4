package bucket

import (
	"context"
	"sync"
	"time"

	"gatekeeper/internal/ratelimit/models"
)

// InMemoryBucketStore is a sliding-window counter for a single replica.
type InMemoryBucketStore struct {
	mu      sync.Mutex
	buckets map[string]*slidingWindow
	now     func() time.Time
}

type slidingWindow struct {
	timestamps []time.Time
	window     time.Duration
}

type MemoryOption func(*InMemoryBucketStore)

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryBucketStore) {
		s.now = now
	}
}

func NewInMemoryBucketStore(opts ...MemoryOption) *InMemoryBucketStore {
	s := &InMemoryBucketStore{
		buckets: make(map[string]*slidingWindow),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allow records one event for key when the window still has room.
func (s *InMemoryBucketStore) Allow(_ context.Context, key string, limit int, window time.Duration) (*models.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sw := s.buckets[key]
	if sw == nil {
		sw = &slidingWindow{window: window}
		s.buckets[key] = sw
	}
	sw.cleanup(now)

	if len(sw.timestamps) >= limit {
		res := &models.Result{Allowed: false, Limit: limit, ResetAt: now.Add(window)}
		if len(sw.timestamps) > 0 {
			res.ResetAt = sw.timestamps[0].Add(window)
		}
		return res, nil
	}
	sw.timestamps = append(sw.timestamps, now)
	return &models.Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(sw.timestamps),
		ResetAt:   sw.timestamps[0].Add(window),
	}, nil
}

// Reset clears the counter for key.
func (s *InMemoryBucketStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, key)
	return nil
}

// Prune drops windows with no live events and returns how many it removed.
func (s *InMemoryBucketStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, sw := range s.buckets {
		sw.cleanup(now)
		if len(sw.timestamps) == 0 {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed
}

func (sw *slidingWindow) cleanup(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for ; i < len(sw.timestamps); i++ {
		if sw.timestamps[i].After(cutoff) {
			break
		}
	}
	sw.timestamps = sw.timestamps[i:]
}
