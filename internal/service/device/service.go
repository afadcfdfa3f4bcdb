// Package device manages per-user device state: the active device used for
// push-first targeting, push tokens and cluster-wide presence.
package device

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"callcore-backend/internal/domain"
	apperrors "callcore-backend/pkg/errors"
	"callcore-backend/pkg/logger"
	"callcore-backend/pkg/push"
)

// Store persists the active device
type Store interface {
	SetActiveDevice(ctx context.Context, userID uuid.UUID, deviceID string) error
	GetActiveDevice(ctx context.Context, userID uuid.UUID) (string, error)
}

// Cache fronts Store
type Cache interface {
	Get(ctx context.Context, userID uuid.UUID) (string, bool, error)
	Set(ctx context.Context, userID uuid.UUID, deviceID string) error
}

// TokenRegistrar stores push tokens
type TokenRegistrar interface {
	RegisterToken(ctx context.Context, token *push.Token) error
	UnregisterToken(ctx context.Context, userID uuid.UUID, token string) error
}

// LocalPresence is the node's own connection registry
type LocalPresence interface {
	Devices(userID uuid.UUID) []string
}

// ClusterPresence lists devices connected anywhere in the cluster
type ClusterPresence interface {
	RemoteDevices(ctx context.Context, userID uuid.UUID) (map[string]string, error)
}

// Service handles device operations
type Service struct {
	store   Store
	cache   Cache
	tokens  TokenRegistrar
	local   LocalPresence
	cluster ClusterPresence
}

// NewService creates a device service. cache, tokens and cluster may be nil.
func NewService(store Store, cache Cache, tokens TokenRegistrar, local LocalPresence, cluster ClusterPresence) *Service {
	return &Service{
		store:   store,
		cache:   cache,
		tokens:  tokens,
		local:   local,
		cluster: cluster,
	}
}

// SetActive marks deviceID as the user's active device. An empty deviceID clears it.
func (s *Service) SetActive(ctx context.Context, userID uuid.UUID, deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if len(deviceID) > 128 {
		return apperrors.ValidationError("deviceId is too long")
	}

	if err := s.store.SetActiveDevice(ctx, userID, deviceID); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return apperrors.UserNotFoundError()
		}
		return apperrors.DatabaseError(err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, userID, deviceID); err != nil {
			logger.Warn("Failed to cache active device",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}

	logger.Info("Active device updated",
		zap.String("user_id", userID.String()),
		zap.String("device_id", deviceID))
	return nil
}

// GetActiveDevice returns the user's active device, reading through the cache
func (s *Service) GetActiveDevice(ctx context.Context, userID uuid.UUID) (string, error) {
	if s.cache != nil {
		deviceID, ok, err := s.cache.Get(ctx, userID)
		if err == nil && ok {
			return deviceID, nil
		}
		if err != nil {
			logger.Debug("Active device cache miss on error",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}

	deviceID, err := s.store.GetActiveDevice(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return "", apperrors.UserNotFoundError()
		}
		return "", apperrors.DatabaseError(err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, userID, deviceID); err != nil {
			logger.Debug("Failed to cache active device", zap.Error(err))
		}
	}
	return deviceID, nil
}

// RegisterPushToken stores an FCM or APNs token for one of the user's devices
func (s *Service) RegisterPushToken(ctx context.Context, userID uuid.UUID, deviceID, token string, tokenType push.TokenType, platform string) error {
	if s.tokens == nil {
		return apperrors.ServiceUnavailableError("Push notifications are not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return apperrors.MissingFieldError("token")
	}
	if tokenType != push.TokenTypeFCM && tokenType != push.TokenTypeAPNs {
		return apperrors.ValidationError("type must be fcm or apns")
	}

	err := s.tokens.RegisterToken(ctx, &push.Token{
		UserID:   userID,
		Token:    token,
		Type:     tokenType,
		DeviceID: deviceID,
		Platform: platform,
	})
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	return nil
}

// UnregisterPushToken removes a push token
func (s *Service) UnregisterPushToken(ctx context.Context, userID uuid.UUID, token string) error {
	if s.tokens == nil {
		return nil
	}
	if err := s.tokens.UnregisterToken(ctx, userID, token); err != nil {
		return apperrors.DatabaseError(err)
	}
	return nil
}

// Presence reports whether the user has a connected device on any node
func (s *Service) Presence(ctx context.Context, userID uuid.UUID) *domain.PresenceStatus {
	devices := s.local.Devices(userID)

	if s.cluster != nil {
		remote, err := s.cluster.RemoteDevices(ctx, userID)
		if err != nil {
			logger.Warn("Cluster presence lookup failed",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
		devices = append(devices, lo.Keys(remote)...)
	}

	devices = lo.Uniq(devices)
	return &domain.PresenceStatus{
		UserID:  userID,
		Online:  len(devices) > 0,
		Devices: devices,
	}
}
