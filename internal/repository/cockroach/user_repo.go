package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callcore-backend/internal/domain"
)

// UserRepository reads the call-relevant user profile from CockroachDB
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	query := `
		SELECT user_id, username, display_name, avatar_url, active_device_id, created_at, updated_at
		FROM users
		WHERE user_id = $1
	`

	user := &domain.User{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&user.UserID,
		&user.Username,
		&user.DisplayName,
		&user.AvatarURL,
		&user.ActiveDeviceID,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// SetActiveDevice stores the device the user wants calls pushed to first.
// An empty deviceID clears it.
func (r *UserRepository) SetActiveDevice(ctx context.Context, userID uuid.UUID, deviceID string) error {
	query := `
		UPDATE users
		SET active_device_id = NULLIF($2, ''), updated_at = NOW()
		WHERE user_id = $1
	`

	tag, err := r.pool.Exec(ctx, query, userID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to set active device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// GetActiveDevice returns the user's active device, or "" when none is set
func (r *UserRepository) GetActiveDevice(ctx context.Context, userID uuid.UUID) (string, error) {
	query := `SELECT COALESCE(active_device_id, '') FROM users WHERE user_id = $1`

	var deviceID string
	err := r.pool.QueryRow(ctx, query, userID).Scan(&deviceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrUserNotFound
		}
		return "", fmt.Errorf("failed to get active device: %w", err)
	}
	return deviceID, nil
}
