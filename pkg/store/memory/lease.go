package memory

import (
	"context"
	"time"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// leaseStore implements store.LeaseStore.
type leaseStore struct {
	s *Store
}

var _ store.LeaseStore = (*leaseStore)(nil)

func validLeaseName(name string) error {
	if name == "" {
		return workqueue.NewValidationError("lease name must not be empty")
	}
	if len(name) > 200 {
		return workqueue.NewValidationError("lease name exceeds 200 characters")
	}
	return nil
}

func (l *leaseStore) Acquire(ctx context.Context, name string, owner ids.OwnerToken, duration time.Duration) (*store.LeaseGrant, error) {
	if err := validLeaseName(name); err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, workqueue.NewValidationError("lease duration must be positive")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	now := l.s.now()
	row, ok := l.s.leases[name]
	if !ok {
		row = &leaseRow{}
		l.s.leases[name] = row
	}

	ownerUUID := owner.UUID()
	sameOwner := row.owner != nil && *row.owner == ownerUUID
	free := row.owner == nil || row.leaseUntil == nil || !row.leaseUntil.After(now)

	if !sameOwner && !free {
		return &store.LeaseGrant{
			LeaseUntilUTC: *row.leaseUntil,
			FencingToken:  row.fencing,
			ServerNowUTC:  now,
		}, nil
	}

	if !sameOwner {
		row.fencing++
	}
	until := now.Add(duration)
	row.owner = &ownerUUID
	row.leaseUntil = &until

	return &store.LeaseGrant{
		Acquired:      true,
		LeaseUntilUTC: until,
		FencingToken:  row.fencing,
		ServerNowUTC:  now,
	}, nil
}

func (l *leaseStore) Renew(ctx context.Context, name string, owner ids.OwnerToken, duration time.Duration) (*store.LeaseRenewal, error) {
	if err := validLeaseName(name); err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, workqueue.NewValidationError("lease duration must be positive")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	now := l.s.now()
	row, ok := l.s.leases[name]
	ownerUUID := owner.UUID()
	if !ok || row.owner == nil || *row.owner != ownerUUID ||
		row.leaseUntil == nil || !row.leaseUntil.After(now) {
		return &store.LeaseRenewal{Renewed: false, ServerNowUTC: now}, nil
	}

	until := now.Add(duration)
	row.leaseUntil = &until
	return &store.LeaseRenewal{Renewed: true, LeaseUntilUTC: until, ServerNowUTC: now}, nil
}

func (l *leaseStore) Release(ctx context.Context, name string, owner ids.OwnerToken) error {
	if err := validLeaseName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	row, ok := l.s.leases[name]
	if !ok || row.owner == nil {
		return nil
	}
	if ownerUUID := owner.UUID(); *row.owner != ownerUUID {
		return nil
	}
	row.owner = nil
	row.leaseUntil = nil
	return nil
}
