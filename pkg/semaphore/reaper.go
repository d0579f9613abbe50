package semaphore

import (
	"context"
	"sync"
	"time"

	"github.com/sqlbus/sqlbus/internal/logger"
	"github.com/sqlbus/sqlbus/pkg/store"
)

// ReaperConfig holds configuration for the background reaper.
type ReaperConfig struct {
	// Interval between reap passes. Default: 30s
	Interval time.Duration

	// BatchLimit caps deletions per pass. Default: 1000
	BatchLimit int
}

func (c *ReaperConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 1000
	}
}

// Reaper deletes expired semaphore leases in the background. Expired leases
// already count as free during acquire; the reaper only keeps the table
// from accumulating dead rows.
type Reaper struct {
	store store.SemaphoreStore
	cfg   ReaperConfig

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewReaper creates a reaper over one store's semaphore leases.
func NewReaper(s store.SemaphoreStore, cfg ReaperConfig) *Reaper {
	cfg.applyDefaults()
	return &Reaper{
		store:  s,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start begins the reap loop.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	logger.Info("Starting semaphore reaper",
		logger.KeyInterval, r.cfg.Interval.String())

	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop halts the loop and waits for the in-flight pass.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapOnce(ctx)
		}
	}
}

func (r *Reaper) reapOnce(ctx context.Context) {
	reaped, err := r.store.ReapExpired(ctx, r.cfg.BatchLimit)
	if err != nil {
		logger.Warn("Semaphore reap pass failed", logger.Err(err))
		return
	}
	if reaped > 0 {
		logger.Debug("Reaped expired semaphore leases", logger.KeyReaped, reaped)
	}
}
