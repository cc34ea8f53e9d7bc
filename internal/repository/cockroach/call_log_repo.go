// Package cockroach persists the call history the couple can browse later.
package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pairchat-backend/internal/domain"
	"pairchat-backend/pkg/errors"
)

// CallLogRepository records terminal calls
type CallLogRepository struct {
	pool *pgxpool.Pool
}

// NewCallLogRepository creates a new call log repository
func NewCallLogRepository(pool *pgxpool.Pool) *CallLogRepository {
	return &CallLogRepository{pool: pool}
}

// Record writes one terminal call to the log. Upserts on call ID so a
// replayed terminal update does not duplicate the row.
func (r *CallLogRepository) Record(ctx context.Context, session *domain.CallSession) error {
	if !session.Status.Terminal() {
		return errors.InvalidStateError("only terminal calls are logged")
	}

	query := `
		INSERT INTO call_log (
			call_id, caller_id, callee_id, call_type, status, started_at, ended_at, duration_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (call_id) DO UPDATE
		SET status = EXCLUDED.status,
		    ended_at = EXCLUDED.ended_at,
		    duration_seconds = EXCLUDED.duration_seconds
	`

	_, err := r.pool.Exec(ctx, query,
		session.ID,
		session.CallerID,
		session.CalleeID,
		string(session.Type),
		string(session.Status),
		session.CreatedAt,
		session.EndedAt,
		int64(session.Duration().Seconds()),
	)

	if err != nil {
		return errors.DatabaseError(fmt.Errorf("failed to record call: %w", err))
	}

	return nil
}

// GetByID retrieves one logged call
func (r *CallLogRepository) GetByID(ctx context.Context, callID string) (*domain.CallLogEntry, error) {
	query := `
		SELECT call_id, caller_id, callee_id, call_type, status, started_at, ended_at, duration_seconds
		FROM call_log
		WHERE call_id = $1
	`

	entry := &domain.CallLogEntry{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&entry.CallID,
		&entry.CallerID,
		&entry.CalleeID,
		&entry.Type,
		&entry.Status,
		&entry.StartedAt,
		&entry.EndedAt,
		&entry.DurationSeconds,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.CallNotFoundError()
		}
		return nil, errors.DatabaseError(fmt.Errorf("failed to get call: %w", err))
	}

	return entry, nil
}

// GetUserCalls retrieves a user's call history, newest first
func (r *CallLogRepository) GetUserCalls(ctx context.Context, userID string, limit, offset int) ([]*domain.CallLogEntry, error) {
	query := `
		SELECT call_id, caller_id, callee_id, call_type, status, started_at, ended_at, duration_seconds
		FROM call_log
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, errors.DatabaseError(fmt.Errorf("failed to get user calls: %w", err))
	}
	defer rows.Close()

	var entries []*domain.CallLogEntry
	for rows.Next() {
		entry := &domain.CallLogEntry{}
		err := rows.Scan(
			&entry.CallID,
			&entry.CallerID,
			&entry.CalleeID,
			&entry.Type,
			&entry.Status,
			&entry.StartedAt,
			&entry.EndedAt,
			&entry.DurationSeconds,
		)
		if err != nil {
			return nil, errors.DatabaseError(fmt.Errorf("failed to scan call: %w", err))
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// MissedCallCount returns how many missed calls a user has in the log
func (r *CallLogRepository) MissedCallCount(ctx context.Context, userID string) (int, error) {
	query := `
		SELECT count(*)
		FROM call_log
		WHERE callee_id = $1 AND status = 'missed'
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, errors.DatabaseError(fmt.Errorf("failed to count missed calls: %w", err))
	}
	return count, nil
}
