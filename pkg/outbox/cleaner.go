package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/sqlbus/sqlbus/internal/logger"
	"github.com/sqlbus/sqlbus/pkg/store"
)

// CleanerConfig holds retention settings for one store's outbox.
type CleanerConfig struct {
	// Retention is how long Done rows are kept. Default: 168h (7 days).
	Retention time.Duration

	// Interval between cleanup passes. Default: 1h.
	Interval time.Duration
}

func (c *CleanerConfig) applyDefaults() {
	if c.Retention <= 0 {
		c.Retention = 168 * time.Hour
	}
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
}

// Cleaner deletes Done outbox rows past the retention window in the
// background. Failed rows are never deleted; they are the audit trail.
type Cleaner struct {
	outbox store.OutboxStore
	cfg    CleanerConfig

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewCleaner creates a retention cleaner over one store's outbox.
func NewCleaner(outbox store.OutboxStore, cfg CleanerConfig) *Cleaner {
	cfg.applyDefaults()
	return &Cleaner{
		outbox: outbox,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start begins the cleanup loop.
func (c *Cleaner) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	logger.Info("Starting outbox retention cleaner",
		logger.KeyInterval, c.cfg.Interval.String(),
		"retention", c.cfg.Retention.String())

	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop halts the loop and waits for the in-flight pass.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanOnce(ctx)
		}
	}
}

func (c *Cleaner) cleanOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-c.cfg.Retention)
	deleted, err := c.outbox.DeleteDoneBefore(ctx, cutoff)
	if err != nil {
		logger.Warn("Outbox cleanup pass failed", logger.Err(err))
		return
	}
	if deleted > 0 {
		logger.Info("Deleted done outbox rows past retention", "deleted", deleted)
	}
}
