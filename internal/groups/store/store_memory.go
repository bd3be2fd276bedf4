package store

import (
	"context"
	"fmt"
	"sync"

	"gatekeeper/internal/groups/models"
	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/platform/sentinel"
)

type whitelistKey struct {
	group id.GroupID
	user  id.UserID
}

// InMemoryStore keeps group settings and whitelists in memory for tests/dev.
type InMemoryStore struct {
	mu        sync.RWMutex
	settings  map[id.GroupID]models.Settings
	whitelist map[whitelistKey]models.WhitelistEntry
}

func New() *InMemoryStore {
	return &InMemoryStore{
		settings:  make(map[id.GroupID]models.Settings),
		whitelist: make(map[whitelistKey]models.WhitelistEntry),
	}
}

func (s *InMemoryStore) Get(_ context.Context, group id.GroupID) (*models.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.settings[group]
	if !ok {
		return nil, fmt.Errorf("group settings not found: %w", sentinel.ErrNotFound)
	}
	return &settings, nil
}

func (s *InMemoryStore) Save(_ context.Context, settings models.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.GroupID] = settings
	return nil
}

func (s *InMemoryStore) IsWhitelisted(_ context.Context, group id.GroupID, user id.UserID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.whitelist[whitelistKey{group, user}]
	return ok, nil
}

func (s *InMemoryStore) AddWhitelist(_ context.Context, entry models.WhitelistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.whitelist[whitelistKey{entry.GroupID, entry.UserID}] = entry
	return nil
}

func (s *InMemoryStore) RemoveWhitelist(_ context.Context, group id.GroupID, user id.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.whitelist, whitelistKey{group, user})
	return nil
}
