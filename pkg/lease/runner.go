// Package lease keeps a named database lease alive in the background.
//
// A Runner owns one acquired lease. It renews ahead of expiry on a jittered
// schedule and exposes a Done channel that closes the moment the lease can
// no longer be trusted. Holders must stop their guarded work when Done
// fires; the fencing token lets downstream writes reject a stale holder
// that missed the signal.
package lease

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sqlbus/sqlbus/internal/clock"
	"github.com/sqlbus/sqlbus/internal/logger"
	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
)

// ErrNotAcquired reports that the lease is held by someone else.
var ErrNotAcquired = errors.New("lease not acquired")

// ErrLost reports that the lease expired or renewal failed twice.
var ErrLost = errors.New("lease lost")

const (
	// MinDuration is the shortest lease a Runner accepts. Shorter leases
	// leave no room for a renewal round trip plus one retry.
	MinDuration = 10 * time.Second

	// DefaultDuration matches the dispatcher and scheduler lease length.
	DefaultDuration = 30 * time.Second

	// renewFraction of the lease duration is the base renewal interval.
	renewFraction = 0.6
)

// Config configures an acquisition.
type Config struct {
	// Name is the lease resource name.
	Name string

	// Duration is the lease length requested on acquire and every renewal.
	// Default 30s, minimum 10s.
	Duration time.Duration

	// Owner identifies this holder. Zero means a fresh random token.
	Owner ids.OwnerToken

	// Clock drives the renewal schedule. Defaults to the process monotonic
	// clock; tests substitute a fake to fire renewals on demand.
	Clock clock.Monotonic
}

func (c *Config) applyDefaults() {
	if c.Duration == 0 {
		c.Duration = DefaultDuration
	}
	if c.Owner.IsZero() {
		c.Owner = ids.NewOwnerToken()
	}
	if c.Clock == nil {
		c.Clock = clock.NewMonotonic()
	}
}

func (c *Config) validate() error {
	if c.Name == "" {
		return errors.New("lease name is required")
	}
	if c.Duration < MinDuration {
		return fmt.Errorf("lease duration %s is below the %s minimum", c.Duration, MinDuration)
	}
	return nil
}

// Runner holds one lease and renews it until released or lost.
type Runner struct {
	leases   store.LeaseStore
	name     string
	owner    ids.OwnerToken
	duration time.Duration
	fencing  int64
	clk      clock.Monotonic

	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Acquire takes the lease and starts the renewal loop. Returns
// ErrNotAcquired (wrapped) when another holder is active; callers poll or
// back off as fits their loop.
func Acquire(ctx context.Context, leases store.LeaseStore, cfg Config) (*Runner, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	grant, err := leases.Acquire(ctx, cfg.Name, cfg.Owner, cfg.Duration)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %q: %w", cfg.Name, err)
	}
	if !grant.Acquired {
		return nil, fmt.Errorf("lease %q held until %s: %w",
			cfg.Name, grant.LeaseUntilUTC.Format(time.RFC3339), ErrNotAcquired)
	}

	r := &Runner{
		leases:   leases,
		name:     cfg.Name,
		owner:    cfg.Owner,
		duration: cfg.Duration,
		fencing:  grant.FencingToken,
		clk:      cfg.Clock,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}

	r.wg.Add(1)
	go r.renewLoop()
	return r, nil
}

// FencingToken is the monotonic token granted with this acquisition. Pass
// it to guarded writes so stale holders are rejected at the store.
func (r *Runner) FencingToken() int64 { return r.fencing }

// Owner is the token renewals and the final release authenticate with.
func (r *Runner) Owner() ids.OwnerToken { return r.owner }

// Done closes when the lease is lost or released. It never closes while
// the holder may still act under the lease.
func (r *Runner) Done() <-chan struct{} { return r.done }

// EnsureHeld reports ErrLost once Done has fired. Hot paths call it before
// each batch instead of selecting on Done.
func (r *Runner) EnsureHeld() error {
	select {
	case <-r.done:
		return fmt.Errorf("lease %q: %w", r.name, ErrLost)
	default:
		return nil
	}
}

// Close stops renewing and releases the lease. Safe to call multiple times
// and after loss. The release failure is logged, not returned: the lease
// expires on its own either way.
func (r *Runner) Close(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()

	if err := r.leases.Release(ctx, r.name, r.owner); err != nil {
		logger.Warn("Lease release failed, lease will expire on its own",
			logger.KeyResource, r.name, logger.Err(err))
	}
}

// renewLoop renews at ~60% of the duration with ±50% jitter so a fleet of
// holders does not synchronize its renewal writes.
func (r *Runner) renewLoop() {
	defer r.wg.Done()
	defer r.closeDone()

	for {
		select {
		case <-r.stop:
			return
		case <-r.clk.After(r.nextInterval()):
		}

		if !r.renewOnce() {
			// One immediate retry covers a transient blip. A second
			// failure means the remaining lease time cannot be trusted.
			if !r.renewOnce() {
				logger.Warn("Lease renewal failed twice, treating lease as lost",
					logger.KeyResource, r.name, logger.KeyFencing, r.fencing)
				return
			}
		}
	}
}

func (r *Runner) renewOnce() bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.duration/2)
	defer cancel()

	renewal, err := r.leases.Renew(ctx, r.name, r.owner, r.duration)
	if err != nil {
		logger.Debug("Lease renewal attempt failed",
			logger.KeyResource, r.name, logger.Err(err))
		return false
	}
	return renewal.Renewed
}

func (r *Runner) nextInterval() time.Duration {
	base := float64(r.duration) * renewFraction
	jitter := 0.5 + rand.Float64() // 0.5x to 1.5x
	return time.Duration(base * jitter)
}

func (r *Runner) closeDone() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}
