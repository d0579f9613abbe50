package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sqlbus/sqlbus/pkg/ids"
)

// Shared helpers for the work-queue lifecycle statements. Every table with
// WorkItem columns (outbox, inbox, timers, job_runs) uses the same abandon
// and reap shapes; only the table name differs.

// qualify prefixes each column in a comma-separated list with an alias.
func qualify(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// uuidSlice converts work-item ids for ANY($n) binding.
func uuidSlice(itemIDs []ids.WorkItemID) []uuid.UUID {
	out := make([]uuid.UUID, len(itemIDs))
	for i, id := range itemIDs {
		out[i] = id.UUID()
	}
	return out
}

// collectIDs runs a RETURNING id statement and gathers the ids.
func collectIDs(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// abandonDelayExpr is the retry delay in seconds. Without an explicit
// delay the default exponential backoff min(2^retryCount, 60)s is computed
// in SQL from the row's own retry count.
func abandonDelayExpr(retryDelay *time.Duration) string {
	if retryDelay != nil {
		return `$4`
	}
	return `LEAST(power(2, retry_count), 60)`
}

// abandonSQL builds the Ready-with-backoff statement.
func abandonSQL(table string, retryDelay *time.Duration) string {
	return fmt.Sprintf(`
		UPDATE %s SET
			status = 0,
			owner_token = NULL,
			locked_until = NULL,
			retry_count = retry_count + 1,
			last_error = NULLIF($3, ''),
			next_attempt_at = now() + make_interval(secs => %s)
		WHERE id = ANY($2) AND status = 1 AND owner_token = $1
	`, table, abandonDelayExpr(retryDelay))
}

func abandonArgs(owner ids.OwnerToken, itemIDs []ids.WorkItemID, lastError string, retryDelay *time.Duration) []any {
	args := []any{owner.UUID(), uuidSlice(itemIDs), lastError}
	if retryDelay != nil {
		args = append(args, retryDelay.Seconds())
	}
	return args
}

// reapExpired resets expired InProgress rows to Ready. Idempotent and safe
// to run concurrently with claimers: the lock check and reset happen in one
// statement on the server clock.
func reapExpired(ctx context.Context, q querier, table string) (int, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET
			status = 0,
			owner_token = NULL,
			locked_until = NULL
		WHERE status = 1 AND locked_until <= now()
	`, table)

	tag, err := q.Exec(ctx, query)
	if err != nil {
		return 0, mapPgError(err, "reap_expired")
	}
	return int(tag.RowsAffected()), nil
}
