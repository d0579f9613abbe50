// Package schema coordinates schema deployment across stores and gates
// dispatch startup on its completion.
package schema

import (
	"context"
	"fmt"
	"sync"

	"github.com/sqlbus/sqlbus/internal/logger"
	"github.com/sqlbus/sqlbus/pkg/store/postgres"
)

// Manager tracks whether every configured store has its schema deployed.
//
// Dispatchers and the readiness probe wait on the Ready channel; it is
// closed exactly once, either by Deploy succeeding or by MarkReady when
// migrations are applied out of band.
type Manager struct {
	ready chan struct{}
	once  sync.Once
}

// NewManager returns a Manager in the not-ready state.
func NewManager() *Manager {
	return &Manager{ready: make(chan struct{})}
}

// Ready returns a channel closed once schema deployment is complete.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// IsReady reports whether deployment has completed.
func (m *Manager) IsReady() bool {
	select {
	case <-m.ready:
		return true
	default:
		return false
	}
}

// MarkReady closes the latch. Idempotent. Used when schema deployment is
// disabled and migrations are managed externally, or when stores were
// migrated during open.
func (m *Manager) MarkReady() {
	m.once.Do(func() { close(m.ready) })
}

// Await blocks until deployment completes or the context ends.
func (m *Manager) Await(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deploy runs migrations against every store configuration, then marks
// the latch ready. golang-migrate holds an advisory lock per database, so
// concurrent nodes deploying the same store serialize safely.
func (m *Manager) Deploy(ctx context.Context, configs []postgres.Config) error {
	for i := range configs {
		cfg := configs[i]
		log := logger.Component("schema").With(logger.KeyStore, cfg.StoreID)
		if err := postgres.RunMigrations(ctx, &cfg, log); err != nil {
			return fmt.Errorf("schema deployment failed for store %q: %w", cfg.StoreID, err)
		}
	}
	m.MarkReady()
	return nil
}
