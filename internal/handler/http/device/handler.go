package device

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"callcore-backend/internal/domain"
	apperrors "callcore-backend/pkg/errors"
	"callcore-backend/pkg/push"
	"callcore-backend/pkg/response"
)

// Service manages devices and reports presence
type Service interface {
	SetActive(ctx context.Context, userID uuid.UUID, deviceID string) error
	GetActiveDevice(ctx context.Context, userID uuid.UUID) (string, error)
	RegisterPushToken(ctx context.Context, userID uuid.UUID, deviceID, token string, tokenType push.TokenType, platform string) error
	UnregisterPushToken(ctx context.Context, userID uuid.UUID, token string) error
	Presence(ctx context.Context, userID uuid.UUID) *domain.PresenceStatus
}

// ICEDirectory lists STUN/TURN servers
type ICEDirectory interface {
	List(ctx context.Context, region string) []webrtc.ICEServer
}

// Handler handles device, presence and ICE server requests
type Handler struct {
	devices Service
	ice     ICEDirectory
}

// NewHandler creates a new device handler
func NewHandler(devices Service, ice ICEDirectory) *Handler {
	return &Handler{
		devices: devices,
		ice:     ice,
	}
}

// ListICEServers returns the servers a client should use
// GET /v1/ice-servers?region=eu
func (h *Handler) ListICEServers(c *gin.Context) {
	servers := h.ice.List(c.Request.Context(), c.Query("region"))
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	response.Success(c, http.StatusOK, gin.H{"ice_servers": servers})
}

// SetActiveRequest designates the device that receives pushes first
type SetActiveRequest struct {
	DeviceID string `json:"device_id" binding:"required,max=128"`
}

// SetActive stores the user's active device
// PUT /v1/devices/active
func (h *Handler) SetActive(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req SetActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.devices.SetActive(c.Request.Context(), userID, req.DeviceID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"device_id": req.DeviceID})
}

// GetActive returns the user's active device
// GET /v1/devices/active
func (h *Handler) GetActive(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	deviceID, err := h.devices.GetActiveDevice(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if deviceID == "" {
		response.FromError(c, apperrors.NotFoundError("Active device"))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"device_id": deviceID})
}

// RegisterTokenRequest represents request to register a push token
type RegisterTokenRequest struct {
	Token    string         `json:"token" binding:"required"`
	Type     push.TokenType `json:"type" binding:"required,oneof=fcm apns"`
	DeviceID string         `json:"device_id" binding:"required,max=128"`
	Platform string         `json:"platform" binding:"omitempty,oneof=ios android web"`
}

// RegisterPushToken registers a push token for one of the user's devices
// POST /v1/devices/push-token
func (h *Handler) RegisterPushToken(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	err := h.devices.RegisterPushToken(c.Request.Context(), userID, req.DeviceID, req.Token, req.Type, req.Platform)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"message": "Push token registered"})
}

// UnregisterTokenRequest identifies a push token
type UnregisterTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// UnregisterPushToken removes a push token
// DELETE /v1/devices/push-token
func (h *Handler) UnregisterPushToken(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req UnregisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.devices.UnregisterPushToken(c.Request.Context(), userID, req.Token); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Push token removed"})
}

// GetPresence reports which devices of a user are connected
// GET /v1/presence/:userId
func (h *Handler) GetPresence(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}

	target, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		response.ValidationError(c, "Invalid user ID")
		return
	}

	response.Success(c, http.StatusOK, h.devices.Presence(c.Request.Context(), target))
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}
