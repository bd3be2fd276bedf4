package store

import (
	"context"
	"fmt"
	"sync"

	"gatekeeper/internal/identity/models"
	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/platform/sentinel"
)

// InMemoryStore keeps verified identities and bans in memory for tests/dev.
type InMemoryStore struct {
	mu         sync.RWMutex
	byUser     map[id.UserID]models.VerifiedIdentity
	byExternal map[string]id.UserID
	bans       map[string]models.Ban
}

func New() *InMemoryStore {
	return &InMemoryStore{
		byUser:     make(map[id.UserID]models.VerifiedIdentity),
		byExternal: make(map[string]id.UserID),
		bans:       make(map[string]models.Ban),
	}
}

func (s *InMemoryStore) FindByUser(_ context.Context, user id.UserID) (*models.VerifiedIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.byUser[user]
	if !ok {
		return nil, fmt.Errorf("verified identity not found: %w", sentinel.ErrNotFound)
	}
	return &ident, nil
}

// Bind records the identity. Re-binding the same user refreshes the record;
// an external identity already bound to another user is a conflict.
func (s *InMemoryStore) Bind(_ context.Context, ident models.VerifiedIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.byExternal[ident.ExternalID]; ok && owner != ident.UserID {
		return fmt.Errorf("external identity bound to another user: %w", sentinel.ErrConflict)
	}
	if prev, ok := s.byUser[ident.UserID]; ok && prev.ExternalID != ident.ExternalID {
		delete(s.byExternal, prev.ExternalID)
	}
	s.byUser[ident.UserID] = ident
	s.byExternal[ident.ExternalID] = ident.UserID
	return nil
}

// OwnerOf returns the user the external identity is bound to.
func (s *InMemoryStore) OwnerOf(_ context.Context, externalID string) (id.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.byExternal[externalID]
	if !ok {
		return 0, fmt.Errorf("external identity not bound: %w", sentinel.ErrNotFound)
	}
	return owner, nil
}

func (s *InMemoryStore) IsBanned(_ context.Context, externalID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bans[externalID]
	return ok, nil
}

func (s *InMemoryStore) AddBan(_ context.Context, ban models.Ban) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans[ban.ExternalID] = ban
	return nil
}

func (s *InMemoryStore) RemoveBan(_ context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bans, externalID)
	return nil
}
