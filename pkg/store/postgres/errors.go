package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sqlbus/sqlbus/pkg/store"
)

// StoreError is the typed error returned by the postgres backend.
type StoreError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StoreError) Error() string {
	if e.Transient {
		return fmt.Sprintf("%s: transient storage error: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// TransientError satisfies store.IsTransient's classification check.
func (e *StoreError) TransientError() bool { return e.Transient }

// ErrNotFound aliases the backend-neutral sentinel so existing errors.Is
// checks against either spelling match.
var ErrNotFound = store.ErrNotFound

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether err is a retryable storage failure
// (deadlock, serialization conflict, connection loss, timeout).
func IsTransient(err error) bool {
	return store.IsTransient(err)
}

// mapPgError classifies an error from pgx into a StoreError.
// PostgreSQL error codes: https://www.postgresql.org/docs/current/errcodes-appendix.html
func mapPgError(err error, op string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return &StoreError{Op: op, Err: ErrNotFound}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &StoreError{Op: op, Transient: true, Err: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		// 40001: serialization_failure, 40P01: deadlock_detected
		case "40001", "40P01":
			return &StoreError{Op: op, Transient: true, Err: err}
		// 08xxx: connection exceptions
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return &StoreError{Op: op, Transient: true, Err: err}
		}
		return &StoreError{Op: op, Err: err}
	}

	if pgconn.Timeout(err) {
		return &StoreError{Op: op, Transient: true, Err: err}
	}

	return &StoreError{Op: op, Err: err}
}
