package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"callcore-backend/internal/domain"
)

// uniqueViolation is raised by the partial unique index on open group calls
// per conversation (status IN connecting, ringing, active).
const uniqueViolation = "23505"

const groupCallColumns = `group_call_id, conversation_id, initiator_id, kind, status, start_time, end_time,
	       duration, max_participants, end_reason, version, created_at, updated_at`

const openGroupStatuses = `('connecting', 'ringing', 'active')`

// GroupCallRepository handles group call and roster persistence
type GroupCallRepository struct {
	pool *pgxpool.Pool
}

// NewGroupCallRepository creates a new group call repository
func NewGroupCallRepository(pool *pgxpool.Pool) *GroupCallRepository {
	return &GroupCallRepository{pool: pool}
}

// Create inserts the group call and its initial roster in one transaction
func (r *GroupCallRepository) Create(ctx context.Context, gc *domain.GroupCall) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO group_calls (
			group_call_id, conversation_id, initiator_id, kind, status, start_time, end_time,
			duration, max_participants, end_reason, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = tx.Exec(ctx, query,
		gc.ID,
		gc.ConversationID,
		gc.InitiatorID,
		gc.Kind,
		gc.Status,
		gc.StartTime,
		gc.EndTime,
		gc.Duration,
		gc.MaxParticipants,
		gc.EndReason,
		gc.Version,
		gc.CreatedAt,
		gc.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrActiveCallExists
		}
		return fmt.Errorf("failed to create group call: %w", err)
	}

	if err := upsertParticipants(ctx, tx, gc); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit group call: %w", err)
	}
	return nil
}

// GetByID retrieves a group call with its roster
func (r *GroupCallRepository) GetByID(ctx context.Context, groupCallID uuid.UUID) (*domain.GroupCall, error) {
	query := `SELECT ` + groupCallColumns + ` FROM group_calls WHERE group_call_id = $1`
	return r.getOne(ctx, query, groupCallID)
}

// GetOpenByConversation returns the conversation's open group call
func (r *GroupCallRepository) GetOpenByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.GroupCall, error) {
	query := `SELECT ` + groupCallColumns + `
		FROM group_calls
		WHERE conversation_id = $1 AND status IN ` + openGroupStatuses + `
		LIMIT 1`
	return r.getOne(ctx, query, conversationID)
}

// Update writes the group call and its roster if the stored version still
// matches gc.Version. On success gc.Version is incremented.
func (r *GroupCallRepository) Update(ctx context.Context, gc *domain.GroupCall) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE group_calls
		SET status = $3,
		    start_time = $4,
		    end_time = $5,
		    duration = $6,
		    end_reason = $7,
		    updated_at = $8,
		    version = version + 1
		WHERE group_call_id = $1 AND version = $2
	`
	tag, err := tx.Exec(ctx, query,
		gc.ID,
		gc.Version,
		gc.Status,
		gc.StartTime,
		gc.EndTime,
		gc.Duration,
		gc.EndReason,
		gc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update group call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}

	if err := upsertParticipants(ctx, tx, gc); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit group call: %w", err)
	}

	gc.Version++
	return nil
}

// ListOpenByUser returns open group calls where the user is an active participant
func (r *GroupCallRepository) ListOpenByUser(ctx context.Context, userID uuid.UUID) ([]*domain.GroupCall, error) {
	query := `
		SELECT g.group_call_id, g.conversation_id, g.initiator_id, g.kind, g.status, g.start_time,
		       g.end_time, g.duration, g.max_participants, g.end_reason, g.version, g.created_at, g.updated_at
		FROM group_calls g
		JOIN group_call_participants p ON p.group_call_id = g.group_call_id
		WHERE p.user_id = $1 AND p.is_active = true AND g.status IN ` + openGroupStatuses
	return r.list(ctx, query, userID)
}

// ListByUser returns a page of group calls the user was on the roster of plus the total count
func (r *GroupCallRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int, ascending bool) ([]*domain.GroupCall, int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM group_call_participants WHERE user_id = $1`, userID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count group calls: %w", err)
	}

	order := "DESC"
	if ascending {
		order = "ASC"
	}
	query := `
		SELECT g.group_call_id, g.conversation_id, g.initiator_id, g.kind, g.status, g.start_time,
		       g.end_time, g.duration, g.max_participants, g.end_reason, g.version, g.created_at, g.updated_at
		FROM group_calls g
		JOIN group_call_participants p ON p.group_call_id = g.group_call_id
		WHERE p.user_id = $1
		ORDER BY g.created_at ` + order + `
		LIMIT $2 OFFSET $3`

	calls, err := r.list(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return calls, total, nil
}

// ListStale returns connecting or ringing group calls created before createdBefore
func (r *GroupCallRepository) ListStale(ctx context.Context, createdBefore time.Time) ([]*domain.GroupCall, error) {
	query := `SELECT ` + groupCallColumns + `
		FROM group_calls
		WHERE status IN ('connecting', 'ringing') AND created_at < $1
		ORDER BY created_at ASC
		LIMIT 500`
	return r.list(ctx, query, createdBefore)
}

func (r *GroupCallRepository) getOne(ctx context.Context, query string, arg interface{}) (*domain.GroupCall, error) {
	gc, err := scanGroupCall(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrGroupCallNotFound
		}
		return nil, fmt.Errorf("failed to get group call: %w", err)
	}

	if gc.Participants, err = r.participants(ctx, gc.ID); err != nil {
		return nil, err
	}
	return gc, nil
}

func (r *GroupCallRepository) list(ctx context.Context, query string, args ...interface{}) ([]*domain.GroupCall, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list group calls: %w", err)
	}

	var calls []*domain.GroupCall
	for rows.Next() {
		gc, err := scanGroupCall(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan group call: %w", err)
		}
		calls = append(calls, gc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list group calls: %w", err)
	}

	for _, gc := range calls {
		if gc.Participants, err = r.participants(ctx, gc.ID); err != nil {
			return nil, err
		}
	}
	return calls, nil
}

func (r *GroupCallRepository) participants(ctx context.Context, groupCallID uuid.UUID) ([]domain.Participant, error) {
	query := `
		SELECT user_id, device_id, is_active, joined_at, left_at,
		       is_muted, is_video_off, is_sharing_screen, status
		FROM group_call_participants
		WHERE group_call_id = $1
		ORDER BY position ASC
	`

	rows, err := r.pool.Query(ctx, query, groupCallID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participants []domain.Participant
	for rows.Next() {
		var p domain.Participant
		err := rows.Scan(
			&p.UserID,
			&p.DeviceID,
			&p.IsActive,
			&p.JoinedAt,
			&p.LeftAt,
			&p.IsMuted,
			&p.IsVideoOff,
			&p.IsSharingScreen,
			&p.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// upsertParticipants writes every roster entry in a single batch
func upsertParticipants(ctx context.Context, tx pgx.Tx, gc *domain.GroupCall) error {
	query := `
		UPSERT INTO group_call_participants (
			group_call_id, user_id, position, device_id, is_active, joined_at, left_at,
			is_muted, is_video_off, is_sharing_screen, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	batch := &pgx.Batch{}
	for i, p := range gc.Participants {
		batch.Queue(query,
			gc.ID,
			p.UserID,
			i,
			p.DeviceID,
			p.IsActive,
			p.JoinedAt,
			p.LeftAt,
			p.IsMuted,
			p.IsVideoOff,
			p.IsSharingScreen,
			p.Status,
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save participants: %w", err)
	}
	return nil
}

func scanGroupCall(row pgx.Row) (*domain.GroupCall, error) {
	gc := &domain.GroupCall{}
	err := row.Scan(
		&gc.ID,
		&gc.ConversationID,
		&gc.InitiatorID,
		&gc.Kind,
		&gc.Status,
		&gc.StartTime,
		&gc.EndTime,
		&gc.Duration,
		&gc.MaxParticipants,
		&gc.EndReason,
		&gc.Version,
		&gc.CreatedAt,
		&gc.UpdatedAt,
	)
	return gc, err
}
