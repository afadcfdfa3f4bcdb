package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callcore-backend/internal/domain"
)

const callColumns = `call_id, caller_id, receiver_id, kind, status, start_time, end_time, duration,
	       caller_device_id, answered_device_id, end_reason, version, created_at, updated_at`

// CallRepository handles one-to-one call persistence
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts a new call
func (r *CallRepository) Create(ctx context.Context, call *domain.CallSession) error {
	query := `
		INSERT INTO calls (
			call_id, caller_id, receiver_id, kind, status, start_time, end_time, duration,
			caller_device_id, answered_device_id, end_reason, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.pool.Exec(ctx, query,
		call.ID,
		call.CallerID,
		call.ReceiverID,
		call.Kind,
		call.Status,
		call.StartTime,
		call.EndTime,
		call.Duration,
		call.CallerDeviceID,
		call.AnsweredDeviceID,
		call.EndReason,
		call.Version,
		call.CreatedAt,
		call.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}
	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return call, nil
}

// Update writes the call if nobody changed it since it was read. On success
// call.Version is incremented.
func (r *CallRepository) Update(ctx context.Context, call *domain.CallSession) error {
	query := `
		UPDATE calls
		SET status = $3,
		    end_time = $4,
		    duration = $5,
		    answered_device_id = $6,
		    end_reason = $7,
		    updated_at = $8,
		    version = version + 1
		WHERE call_id = $1 AND version = $2
	`

	tag, err := r.pool.Exec(ctx, query,
		call.ID,
		call.Version,
		call.Status,
		call.EndTime,
		call.Duration,
		call.AnsweredDeviceID,
		call.EndReason,
		call.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}

	call.Version++
	return nil
}

// ListByUser returns a page of calls the user took part in plus the total count
func (r *CallRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int, ascending bool) ([]*domain.CallSession, int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM calls WHERE caller_id = $1 OR receiver_id = $1`, userID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count calls: %w", err)
	}

	order := "DESC"
	if ascending {
		order = "ASC"
	}
	query := `SELECT ` + callColumns + `
		FROM calls
		WHERE caller_id = $1 OR receiver_id = $1
		ORDER BY start_time ` + order + `
		LIMIT $2 OFFSET $3`

	calls, err := r.query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return calls, total, nil
}

// ListOpenByUser returns the user's calls that have not reached a terminal state
func (r *CallRepository) ListOpenByUser(ctx context.Context, userID uuid.UUID) ([]*domain.CallSession, error) {
	query := `SELECT ` + callColumns + `
		FROM calls
		WHERE (caller_id = $1 OR receiver_id = $1)
		  AND status IN ('initiated', 'ringing', 'ongoing')`
	return r.query(ctx, query, userID)
}

// ListStale returns initiated or ringing calls created before createdBefore
func (r *CallRepository) ListStale(ctx context.Context, createdBefore time.Time) ([]*domain.CallSession, error) {
	query := `SELECT ` + callColumns + `
		FROM calls
		WHERE status IN ('initiated', 'ringing') AND created_at < $1
		ORDER BY created_at ASC
		LIMIT 500`
	return r.query(ctx, query, createdBefore)
}

// Delete removes a call
func (r *CallRepository) Delete(ctx context.Context, callID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM calls WHERE call_id = $1`, callID)
	if err != nil {
		return fmt.Errorf("failed to delete call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCallNotFound
	}
	return nil
}

func (r *CallRepository) query(ctx context.Context, query string, args ...interface{}) ([]*domain.CallSession, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.CallSession
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

func scanCall(row pgx.Row) (*domain.CallSession, error) {
	call := &domain.CallSession{}
	err := row.Scan(
		&call.ID,
		&call.CallerID,
		&call.ReceiverID,
		&call.Kind,
		&call.Status,
		&call.StartTime,
		&call.EndTime,
		&call.Duration,
		&call.CallerDeviceID,
		&call.AnsweredDeviceID,
		&call.EndReason,
		&call.Version,
		&call.CreatedAt,
		&call.UpdatedAt,
	)
	return call, err
}
