package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// leaseStore implements store.LeaseStore. Expiry is judged on the server
// clock only; callers never compare lease_until against their own clock.
type leaseStore struct {
	s *Store
	t tables
}

var _ store.LeaseStore = (*leaseStore)(nil)

const maxLeaseNameLength = 200

func validateLeaseName(name string) error {
	if name == "" {
		return workqueue.NewValidationError("lease name must not be empty")
	}
	if len(name) > maxLeaseNameLength {
		return workqueue.NewValidationError("lease name exceeds 200 characters")
	}
	return nil
}

// Acquire grants the lease when it is free, expired, or already held by
// owner. The fencing token increments only when ownership changes, so a
// holder re-acquiring keeps its token.
func (l *leaseStore) Acquire(ctx context.Context, name string, owner ids.OwnerToken, duration time.Duration) (*store.LeaseGrant, error) {
	if err := validateLeaseName(name); err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, workqueue.NewValidationError("lease duration must be positive")
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (resource_name, owner_token, lease_until, fencing_token, version)
		VALUES ($1, $2, now() + make_interval(secs => $3), 1, 1)
		ON CONFLICT (resource_name) DO UPDATE SET
			owner_token = EXCLUDED.owner_token,
			lease_until = EXCLUDED.lease_until,
			fencing_token = %[1]s.fencing_token
				+ CASE WHEN %[1]s.owner_token = EXCLUDED.owner_token THEN 0 ELSE 1 END,
			version = %[1]s.version + 1
		WHERE %[1]s.owner_token IS NULL
		   OR %[1]s.owner_token = EXCLUDED.owner_token
		   OR %[1]s.lease_until IS NULL
		   OR %[1]s.lease_until <= now()
		RETURNING lease_until, fencing_token, now()
	`, l.t.leases)

	grant := &store.LeaseGrant{}
	err := l.s.pool.QueryRow(ctx, query, name, owner.UUID(), duration.Seconds()).
		Scan(&grant.LeaseUntilUTC, &grant.FencingToken, &grant.ServerNowUTC)
	if err != nil {
		if mapped := mapPgError(err, "leases.acquire"); isNotFound(mapped) {
			// The conflict guard rejected us: someone else holds it.
			return l.contendedGrant(ctx, name)
		}
		return nil, mapPgError(err, "leases.acquire")
	}

	grant.Acquired = true
	return grant, nil
}

// contendedGrant reports the current holder's expiry so callers can back
// off until the lease frees up.
func (l *leaseStore) contendedGrant(ctx context.Context, name string) (*store.LeaseGrant, error) {
	query := fmt.Sprintf(`
		SELECT lease_until, fencing_token, now() FROM %s WHERE resource_name = $1
	`, l.t.leases)

	grant := &store.LeaseGrant{}
	err := l.s.pool.QueryRow(ctx, query, name).
		Scan(&grant.LeaseUntilUTC, &grant.FencingToken, &grant.ServerNowUTC)
	if err != nil {
		return nil, mapPgError(err, "leases.acquire")
	}
	return grant, nil
}

// Renew extends the lease only while owner still holds it unexpired. An
// expired lease is never resurrected by renewal, even by its last owner.
func (l *leaseStore) Renew(ctx context.Context, name string, owner ids.OwnerToken, duration time.Duration) (*store.LeaseRenewal, error) {
	if err := validateLeaseName(name); err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, workqueue.NewValidationError("lease duration must be positive")
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			lease_until = now() + make_interval(secs => $3),
			version = version + 1
		WHERE resource_name = $1 AND owner_token = $2 AND lease_until > now()
		RETURNING lease_until, now()
	`, l.t.leases)

	renewal := &store.LeaseRenewal{}
	err := l.s.pool.QueryRow(ctx, query, name, owner.UUID(), duration.Seconds()).
		Scan(&renewal.LeaseUntilUTC, &renewal.ServerNowUTC)
	if err != nil {
		if mapped := mapPgError(err, "leases.renew"); isNotFound(mapped) {
			return &store.LeaseRenewal{Renewed: false}, nil
		}
		return nil, mapPgError(err, "leases.renew")
	}

	renewal.Renewed = true
	return renewal, nil
}

// Release clears ownership only when owner matches. Releasing a lease held
// by someone else, or one that no longer exists, is a silent no-op.
func (l *leaseStore) Release(ctx context.Context, name string, owner ids.OwnerToken) error {
	if err := validateLeaseName(name); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET owner_token = NULL, lease_until = NULL, version = version + 1
		WHERE resource_name = $1 AND owner_token = $2
	`, l.t.leases)

	if _, err := l.s.pool.Exec(ctx, query, name, owner.UUID()); err != nil {
		return mapPgError(err, "leases.release")
	}
	return nil
}
