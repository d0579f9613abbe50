package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// semaphoreStore implements store.SemaphoreStore.
type semaphoreStore struct {
	s *Store
	t tables
}

var _ store.SemaphoreStore = (*semaphoreStore)(nil)

const (
	// MaxSemaphoreLimit bounds holder_limit.
	MaxSemaphoreLimit = 1024
	// MinSemaphoreTTL and MaxSemaphoreTTL bound a holder lease.
	MinSemaphoreTTL = time.Second
	MaxSemaphoreTTL = time.Hour
)

var semaphoreNamePattern = regexp.MustCompile(`^[A-Za-z0-9\-_:/.]{1,200}$`)

func validateSemaphoreName(name string) error {
	if !semaphoreNamePattern.MatchString(name) {
		return workqueue.NewValidationError("semaphore name must be 1-200 characters of [A-Za-z0-9-_:/.]")
	}
	return nil
}

func validateSemaphoreTTL(ttl time.Duration) error {
	if ttl < MinSemaphoreTTL || ttl > MaxSemaphoreTTL {
		return workqueue.NewValidationError("semaphore ttl must be between 1s and 1h")
	}
	return nil
}

// EnsureExists creates the semaphore or updates its holder limit. Lowering
// the limit never revokes active holders; the new limit only gates further
// acquisitions.
func (m *semaphoreStore) EnsureExists(ctx context.Context, name string, limit int) error {
	if err := validateSemaphoreName(name); err != nil {
		return err
	}
	if limit < 1 || limit > MaxSemaphoreLimit {
		return workqueue.NewValidationError("semaphore limit must be between 1 and 1024")
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (name, holder_limit)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET holder_limit = EXCLUDED.holder_limit
	`, m.t.semaphores)

	if _, err := m.s.pool.Exec(ctx, query, name, limit); err != nil {
		return mapPgError(err, "semaphores.ensure")
	}
	return nil
}

// TryAcquire runs purge, idempotency lookup, count and insert inside one
// transaction while holding the semaphore row lock, so the holder count can
// never exceed the limit under concurrency.
func (m *semaphoreStore) TryAcquire(ctx context.Context, name string, ttl time.Duration, ownerID, clientRequestID string) (*store.SemaphoreGrant, error) {
	if err := validateSemaphoreName(name); err != nil {
		return nil, err
	}
	if err := validateSemaphoreTTL(ttl); err != nil {
		return nil, err
	}

	lockRow := fmt.Sprintf(`
		SELECT holder_limit, next_fencing_counter FROM %s WHERE name = $1 FOR UPDATE
	`, m.t.semaphores)
	purge := fmt.Sprintf(`
		DELETE FROM %s WHERE name = $1 AND lease_until <= now()
	`, m.t.semaphoreLease)
	lookup := fmt.Sprintf(`
		SELECT token, fencing, lease_until FROM %s
		WHERE name = $1 AND client_request_id = $2
	`, m.t.semaphoreLease)
	countActive := fmt.Sprintf(`
		SELECT count(*) FROM %s WHERE name = $1
	`, m.t.semaphoreLease)
	bumpCounter := fmt.Sprintf(`
		UPDATE %s SET next_fencing_counter = next_fencing_counter + 1 WHERE name = $1
	`, m.t.semaphores)
	insertLease := fmt.Sprintf(`
		INSERT INTO %s (name, token, fencing, owner_id, lease_until, client_request_id)
		VALUES ($1, $2, $3, $4, now() + make_interval(secs => $5), NULLIF($6, ''))
		RETURNING lease_until
	`, m.t.semaphoreLease)

	grant := &store.SemaphoreGrant{}
	err := m.s.WithTx(ctx, func(txn store.Txn) error {
		tx, err := asTx(txn)
		if err != nil {
			return err
		}

		var limit int
		var fencing int64
		if err := tx.QueryRow(ctx, lockRow, name).Scan(&limit, &fencing); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				grant.Status = store.SemaphoreNotFound
				return nil
			}
			return err
		}

		if _, err := tx.Exec(ctx, purge, name); err != nil {
			return err
		}

		if clientRequestID != "" {
			var token uuid.UUID
			err := tx.QueryRow(ctx, lookup, name, clientRequestID).
				Scan(&token, &grant.FencingToken, &grant.LeaseUntilUTC)
			if err == nil {
				grant.Status = store.SemaphoreAcquired
				grant.Token = token.String()
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}

		var active int
		if err := tx.QueryRow(ctx, countActive, name).Scan(&active); err != nil {
			return err
		}
		if active >= limit {
			grant.Status = store.SemaphoreNotAcquired
			return nil
		}

		if _, err := tx.Exec(ctx, bumpCounter, name); err != nil {
			return err
		}

		token := uuid.New()
		err = tx.QueryRow(ctx, insertLease,
			name, token, fencing, ownerID, ttl.Seconds(), clientRequestID,
		).Scan(&grant.LeaseUntilUTC)
		if err != nil {
			return err
		}

		grant.Status = store.SemaphoreAcquired
		grant.Token = token.String()
		grant.FencingToken = fencing
		return nil
	})
	if err != nil {
		return nil, mapPgError(err, "semaphores.try_acquire")
	}
	return grant, nil
}

// Renew extends a holder lease that has not yet expired on the server clock.
func (m *semaphoreStore) Renew(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	if err := validateSemaphoreName(name); err != nil {
		return false, err
	}
	if err := validateSemaphoreTTL(ttl); err != nil {
		return false, err
	}
	tok, err := uuid.Parse(token)
	if err != nil {
		return false, workqueue.NewValidationError("semaphore token is not a valid uuid")
	}

	query := fmt.Sprintf(`
		UPDATE %s SET lease_until = now() + make_interval(secs => $3)
		WHERE name = $1 AND token = $2 AND lease_until > now()
	`, m.t.semaphoreLease)

	tag, err := m.s.pool.Exec(ctx, query, name, tok, ttl.Seconds())
	if err != nil {
		return false, mapPgError(err, "semaphores.renew")
	}
	return tag.RowsAffected() == 1, nil
}

// Release drops a holder lease. Releasing an expired or unknown token is a
// no-op.
func (m *semaphoreStore) Release(ctx context.Context, name, token string) error {
	if err := validateSemaphoreName(name); err != nil {
		return err
	}
	tok, err := uuid.Parse(token)
	if err != nil {
		return workqueue.NewValidationError("semaphore token is not a valid uuid")
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1 AND token = $2`, m.t.semaphoreLease)
	if _, err := m.s.pool.Exec(ctx, query, name, tok); err != nil {
		return mapPgError(err, "semaphores.release")
	}
	return nil
}

// ReapExpired deletes leases past expiry, bounded per call so a large
// backlog cannot stall the reaper loop.
func (m *semaphoreStore) ReapExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, workqueue.NewValidationError("reap limit must be positive")
	}

	query := fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE ctid IN (
			SELECT ctid FROM %[1]s WHERE lease_until <= now() LIMIT $1
		)
	`, m.t.semaphoreLease)

	tag, err := m.s.pool.Exec(ctx, query, limit)
	if err != nil {
		return 0, mapPgError(err, "semaphores.reap")
	}
	return int(tag.RowsAffected()), nil
}
