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

// PresenceRepository mirrors device connections into Redis so that every
// node can find the node holding a device.
//
//	presence:devices:{userID}  hash  deviceID -> nodeID
//	presence:device:{deviceID} string nodeID
type PresenceRepository struct {
	client *database.RedisClient
	nodeID string
}

// NewPresenceRepository creates a new PresenceRepository for nodeID
func NewPresenceRepository(client *database.RedisClient, nodeID string) *PresenceRepository {
	return &PresenceRepository{client: client, nodeID: nodeID}
}

func userDevicesKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:devices:%s", userID)
}

func deviceKey(deviceID string) string {
	return fmt.Sprintf("presence:device:%s", deviceID)
}

// DeviceOnline records that deviceID is connected to this node
func (r *PresenceRepository) DeviceOnline(ctx context.Context, userID uuid.UUID, deviceID string) error {
	key := userDevicesKey(userID)
	if err := r.client.SafeHSet(ctx, key, deviceID, r.nodeID).Err(); err != nil {
		return fmt.Errorf("failed to set device online: %w", err)
	}
	if err := r.client.SafeExpire(ctx, key, constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	if err := r.client.SafeSet(ctx, deviceKey(deviceID), r.nodeID, constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set device location: %w", err)
	}
	return nil
}

// DeviceOffline removes deviceID unless another node has claimed it since
func (r *PresenceRepository) DeviceOffline(ctx context.Context, userID uuid.UUID, deviceID string) error {
	key := userDevicesKey(userID)
	owner, err := r.client.SafeHGet(ctx, key, deviceID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read device location: %w", err)
	}
	if owner != "" && owner != r.nodeID {
		return nil
	}

	if err := r.client.SafeHDel(ctx, key, deviceID).Err(); err != nil {
		return fmt.Errorf("failed to set device offline: %w", err)
	}
	if err := r.client.SafeDel(ctx, deviceKey(deviceID)).Err(); err != nil {
		return fmt.Errorf("failed to delete device location: %w", err)
	}
	return nil
}

// RemoteDevices maps every connected device of userID to its node
func (r *PresenceRepository) RemoteDevices(ctx context.Context, userID uuid.UUID) (map[string]string, error) {
	devices, err := r.client.SafeHGetAll(ctx, userDevicesKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user devices: %w", err)
	}
	return devices, nil
}

// LocateDevice returns the node holding deviceID, or "" when it is offline
func (r *PresenceRepository) LocateDevice(ctx context.Context, deviceID string) (string, error) {
	nodeID, err := r.client.SafeGet(ctx, deviceKey(deviceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to locate device: %w", err)
	}
	return nodeID, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
