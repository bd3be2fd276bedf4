//go:build integration

package containers

import (
	"sync"
	"testing"
)

// Manager shares one container per backend across all suites in a test binary.
type Manager struct {
	pgOnce    sync.Once
	pg        *PostgresContainer
	redisOnce sync.Once
	redis     *RedisContainer
}

var (
	managerOnce sync.Once
	manager     *Manager
)

// GetManager returns the process-wide container manager.
func GetManager() *Manager {
	managerOnce.Do(func() {
		manager = &Manager{}
	})
	return manager
}

// GetPostgres starts Postgres on first use and returns the shared instance.
func (m *Manager) GetPostgres(t *testing.T) *PostgresContainer {
	t.Helper()
	m.pgOnce.Do(func() {
		m.pg = NewPostgresContainer(t)
	})
	if m.pg == nil {
		t.Fatal("postgres container failed to start earlier in this run")
	}
	return m.pg
}

// GetRedis starts Redis on first use and returns the shared instance.
func (m *Manager) GetRedis(t *testing.T) *RedisContainer {
	t.Helper()
	m.redisOnce.Do(func() {
		m.redis = NewRedisContainer(t)
	})
	if m.redis == nil {
		t.Fatal("redis container failed to start earlier in this run")
	}
	return m.redis
}
