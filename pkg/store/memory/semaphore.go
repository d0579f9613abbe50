package memory

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// semaphoreStore implements store.SemaphoreStore.
type semaphoreStore struct {
	s *Store
}

var _ store.SemaphoreStore = (*semaphoreStore)(nil)

var semaphoreNamePattern = regexp.MustCompile(`^[A-Za-z0-9\-_:/.]{1,200}$`)

func validSemaphoreName(name string) error {
	if !semaphoreNamePattern.MatchString(name) {
		return workqueue.NewValidationError("semaphore name must be 1-200 characters of [A-Za-z0-9-_:/.]")
	}
	return nil
}

func validSemaphoreTTL(ttl time.Duration) error {
	if ttl < time.Second || ttl > time.Hour {
		return workqueue.NewValidationError("semaphore ttl must be between 1s and 1h")
	}
	return nil
}

func (m *semaphoreStore) EnsureExists(ctx context.Context, name string, limit int) error {
	if err := validSemaphoreName(name); err != nil {
		return err
	}
	if limit < 1 || limit > 1024 {
		return workqueue.NewValidationError("semaphore limit must be between 1 and 1024")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if row, ok := m.s.semaphores[name]; ok {
		row.limit = limit
		return nil
	}
	m.s.semaphores[name] = &semaphoreRow{limit: limit, nextFencing: 1}
	return nil
}

func (m *semaphoreStore) TryAcquire(ctx context.Context, name string, ttl time.Duration, ownerID, clientRequestID string) (*store.SemaphoreGrant, error) {
	if err := validSemaphoreName(name); err != nil {
		return nil, err
	}
	if err := validSemaphoreTTL(ttl); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	row, ok := m.s.semaphores[name]
	if !ok {
		return &store.SemaphoreGrant{Status: store.SemaphoreNotFound}, nil
	}

	now := m.s.now()
	m.purgeLocked(name, now)

	if clientRequestID != "" {
		for _, lease := range m.s.semaphoreLeases[name] {
			if lease.clientRequestID == clientRequestID {
				return &store.SemaphoreGrant{
					Status:        store.SemaphoreAcquired,
					Token:         lease.token.String(),
					FencingToken:  lease.fencing,
					LeaseUntilUTC: lease.leaseUntil,
				}, nil
			}
		}
	}

	if len(m.s.semaphoreLeases[name]) >= row.limit {
		return &store.SemaphoreGrant{Status: store.SemaphoreNotAcquired}, nil
	}

	lease := &semaphoreLease{
		token:           uuid.New(),
		fencing:         row.nextFencing,
		ownerID:         ownerID,
		leaseUntil:      now.Add(ttl),
		clientRequestID: clientRequestID,
	}
	row.nextFencing++
	m.s.semaphoreLeases[name] = append(m.s.semaphoreLeases[name], lease)

	return &store.SemaphoreGrant{
		Status:        store.SemaphoreAcquired,
		Token:         lease.token.String(),
		FencingToken:  lease.fencing,
		LeaseUntilUTC: lease.leaseUntil,
	}, nil
}

func (m *semaphoreStore) Renew(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	if err := validSemaphoreName(name); err != nil {
		return false, err
	}
	if err := validSemaphoreTTL(ttl); err != nil {
		return false, err
	}
	tok, err := uuid.Parse(token)
	if err != nil {
		return false, workqueue.NewValidationError("semaphore token is not a valid uuid")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	now := m.s.now()
	for _, lease := range m.s.semaphoreLeases[name] {
		if lease.token == tok && lease.leaseUntil.After(now) {
			lease.leaseUntil = now.Add(ttl)
			return true, nil
		}
	}
	return false, nil
}

func (m *semaphoreStore) Release(ctx context.Context, name, token string) error {
	if err := validSemaphoreName(name); err != nil {
		return err
	}
	tok, err := uuid.Parse(token)
	if err != nil {
		return workqueue.NewValidationError("semaphore token is not a valid uuid")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	leases := m.s.semaphoreLeases[name]
	for i, lease := range leases {
		if lease.token == tok {
			m.s.semaphoreLeases[name] = append(leases[:i], leases[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *semaphoreStore) ReapExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, workqueue.NewValidationError("reap limit must be positive")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	now := m.s.now()
	reaped := 0
	for name := range m.s.semaphoreLeases {
		if reaped >= limit {
			break
		}
		kept := m.s.semaphoreLeases[name][:0]
		for _, lease := range m.s.semaphoreLeases[name] {
			if reaped < limit && !lease.leaseUntil.After(now) {
				reaped++
				continue
			}
			kept = append(kept, lease)
		}
		m.s.semaphoreLeases[name] = kept
	}
	return reaped, nil
}

// purgeLocked drops expired leases of one semaphore. Caller holds s.mu.
func (m *semaphoreStore) purgeLocked(name string, now time.Time) {
	kept := m.s.semaphoreLeases[name][:0]
	for _, lease := range m.s.semaphoreLeases[name] {
		if lease.leaseUntil.After(now) {
			kept = append(kept, lease)
		}
	}
	m.s.semaphoreLeases[name] = kept
}
