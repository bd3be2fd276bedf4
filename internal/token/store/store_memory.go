package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gatekeeper/internal/token/models"
	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/platform/sentinel"
)

// Error Contract:
// - Return ErrNotFound when no token has the hash
// - Return ErrAlreadyUsed / ErrExpired when a consume loses or comes too late
// - Return wrapped errors with context for infrastructure failures

// InMemoryTokenStore stores deep-link tokens in memory for tests/dev.
type InMemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*models.Token
}

// New constructs an empty in-memory token store.
func New() *InMemoryTokenStore {
	return &InMemoryTokenStore{tokens: make(map[string]*models.Token)}
}

func (s *InMemoryTokenStore) Create(_ context.Context, token *models.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[token.Hash]; exists {
		return fmt.Errorf("token hash collision: %w", sentinel.ErrConflict)
	}
	cp := *token
	s.tokens[token.Hash] = &cp
	return nil
}

func (s *InMemoryTokenStore) FindByHash(_ context.Context, hash string) (*models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[hash]
	if !ok {
		return nil, fmt.Errorf("token not found: %w", sentinel.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

// ConsumeByHash marks the token used if it is live. Exactly one of any set
// of concurrent callers succeeds.
func (s *InMemoryTokenStore) ConsumeByHash(_ context.Context, hash string, now time.Time) (*models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[hash]
	if !ok {
		return nil, fmt.Errorf("token not found: %w", sentinel.ErrNotFound)
	}
	if t.IsConsumed() {
		return nil, fmt.Errorf("token consumed: %w", sentinel.ErrAlreadyUsed)
	}
	if t.IsExpired(now) {
		return nil, fmt.Errorf("token expired: %w", sentinel.ErrExpired)
	}
	consumedAt := now
	t.ConsumedAt = &consumedAt
	cp := *t
	return &cp, nil
}

// ConsumeForPending marks every outstanding token bound to the pending record used.
func (s *InMemoryTokenStore) ConsumeForPending(_ context.Context, pendingID id.PendingID, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, t := range s.tokens {
		if t.Scope.PendingID == pendingID && !t.IsConsumed() {
			consumedAt := now
			t.ConsumedAt = &consumedAt
			count++
		}
	}
	return count, nil
}

// DeleteExpiredBefore removes tokens whose expiry is before cutoff.
func (s *InMemoryTokenStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for hash, t := range s.tokens {
		if t.ExpiresAt.Before(cutoff) {
			delete(s.tokens, hash)
			deleted++
		}
	}
	return deleted, nil
}
