package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"callcore-backend/internal/database"
	"callcore-backend/pkg/constants"
)

// ActiveDeviceRepository caches each user's active device
type ActiveDeviceRepository struct {
	client *database.RedisClient
}

// NewActiveDeviceRepository creates a new ActiveDeviceRepository
func NewActiveDeviceRepository(client *database.RedisClient) *ActiveDeviceRepository {
	return &ActiveDeviceRepository{client: client}
}

func activeDeviceKey(userID uuid.UUID) string {
	return fmt.Sprintf("device:active:%s", userID)
}

// Get returns the cached device and whether the cache had an entry
func (r *ActiveDeviceRepository) Get(ctx context.Context, userID uuid.UUID) (string, bool, error) {
	deviceID, err := r.client.SafeGet(ctx, activeDeviceKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get active device: %w", err)
	}
	return deviceID, true, nil
}

// Set caches deviceID. An empty deviceID is cached too so that lookups for
// users without an active device stay off the database.
func (r *ActiveDeviceRepository) Set(ctx context.Context, userID uuid.UUID, deviceID string) error {
	if err := r.client.SafeSet(ctx, activeDeviceKey(userID), deviceID, constants.ActiveDeviceTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache active device: %w", err)
	}
	return nil
}
