package groupcall

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callcore-backend/internal/domain"
	groupsvc "callcore-backend/internal/service/groupcall"
	"callcore-backend/pkg/pagination"
	"callcore-backend/pkg/response"
)

// Service is the group call service surface used over HTTP
type Service interface {
	Create(ctx context.Context, in groupsvc.CreateInput) (*domain.GroupCall, bool, error)
	Get(ctx context.Context, groupCallID, requesterID uuid.UUID) (*domain.GroupCall, error)
	ActiveForConversation(ctx context.Context, conversationID, requesterID uuid.UUID) (*domain.GroupCall, error)
	History(ctx context.Context, userID uuid.UUID, params *pagination.Params) (*pagination.Page, error)
	Join(ctx context.Context, groupCallID, userID uuid.UUID, deviceID string) (*domain.GroupCall, error)
	Leave(ctx context.Context, groupCallID, userID uuid.UUID) (*domain.GroupCall, error)
	End(ctx context.Context, groupCallID, requesterID uuid.UUID) (*domain.GroupCall, error)
	SetParticipantStatus(ctx context.Context, groupCallID, requesterID, targetID uuid.UUID, status domain.ParticipantStatus) (*domain.GroupCall, error)
	ToggleScreenShare(ctx context.Context, groupCallID, userID uuid.UUID, sharing bool) (*domain.GroupCall, error)
}

// Handler handles group call HTTP requests
type Handler struct {
	groupCalls Service
}

// NewHandler creates a new group call handler
func NewHandler(groupCalls Service) *Handler {
	return &Handler{groupCalls: groupCalls}
}

// CreateRequest represents a group call creation request
type CreateRequest struct {
	ConversationID  string   `json:"conversation_id" binding:"required,uuid"`
	Kind            string   `json:"kind" binding:"required,oneof=audio video"`
	Invitees        []string `json:"invitees" binding:"dive,uuid"`
	MaxParticipants int      `json:"max_participants" binding:"gte=0"`
	DeviceID        string   `json:"device_id" binding:"max=128"`
}

// Create starts a group call, or returns the conversation's open one
// POST /v1/group-calls
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := currentUser(c)
	if !ok {
		return
	}

	invitees := make([]uuid.UUID, 0, len(req.Invitees))
	for _, id := range req.Invitees {
		invitees = append(invitees, uuid.MustParse(id))
	}

	gc, created, err := h.groupCalls.Create(c.Request.Context(), groupsvc.CreateInput{
		InitiatorID:       userID,
		InitiatorDeviceID: req.DeviceID,
		ConversationID:    uuid.MustParse(req.ConversationID),
		Kind:              domain.CallKind(req.Kind),
		Invitees:          invitees,
		MaxParticipants:   req.MaxParticipants,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	response.Success(c, status, gin.H{
		"group_call": gc,
		"created":    created,
	})
}

// Get returns a group call
// GET /v1/group-calls/:id
func (h *Handler) Get(c *gin.Context) {
	userID, groupCallID, ok := userAndGroupCall(c)
	if !ok {
		return
	}
	gc, err := h.groupCalls.Get(c.Request.Context(), groupCallID, userID)
	respond(c, gc, err)
}

// GetActiveForConversation returns the conversation's open group call
// GET /v1/group-calls/conversation/:id
func (h *Handler) GetActiveForConversation(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	gc, err := h.groupCalls.ActiveForConversation(c.Request.Context(), conversationID, userID)
	respond(c, gc, err)
}

// History returns the user's group calls
// GET /v1/group-calls?page=1&limit=20&order=desc
func (h *Handler) History(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	params, err := pagination.Parse(c.Query("page"), c.Query("limit"), c.Query("order"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	page, err := h.groupCalls.History(c.Request.Context(), userID, params)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, page)
}

// JoinRequest carries the joining device
type JoinRequest struct {
	DeviceID string `json:"device_id" binding:"max=128"`
}

// Join adds the user to the call
// POST /v1/group-calls/:id/join
func (h *Handler) Join(c *gin.Context) {
	userID, groupCallID, ok := userAndGroupCall(c)
	if !ok {
		return
	}

	var req JoinRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}

	gc, err := h.groupCalls.Join(c.Request.Context(), groupCallID, userID, req.DeviceID)
	respond(c, gc, err)
}

// Leave removes the user from the call
// POST /v1/group-calls/:id/leave
func (h *Handler) Leave(c *gin.Context) {
	userID, groupCallID, ok := userAndGroupCall(c)
	if !ok {
		return
	}
	gc, err := h.groupCalls.Leave(c.Request.Context(), groupCallID, userID)
	respond(c, gc, err)
}

// End terminates the call for everyone
// POST /v1/group-calls/:id/end
func (h *Handler) End(c *gin.Context) {
	userID, groupCallID, ok := userAndGroupCall(c)
	if !ok {
		return
	}
	gc, err := h.groupCalls.End(c.Request.Context(), groupCallID, userID)
	respond(c, gc, err)
}

// ParticipantStatusRequest records how an invitee declined
type ParticipantStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=missed rejected"`
}

// SetParticipantStatus marks an invitee missed or rejected
// PATCH /v1/group-calls/:id/participants/:userId
func (h *Handler) SetParticipantStatus(c *gin.Context) {
	userID, groupCallID, ok := userAndGroupCall(c)
	if !ok {
		return
	}

	targetID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		response.ValidationError(c, "Invalid user ID")
		return
	}

	var req ParticipantStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	gc, err := h.groupCalls.SetParticipantStatus(c.Request.Context(), groupCallID, userID, targetID, domain.ParticipantStatus(req.Status))
	respond(c, gc, err)
}

// ScreenShareRequest toggles screen sharing
type ScreenShareRequest struct {
	Sharing *bool `json:"sharing" binding:"required"`
}

// ScreenShare starts or stops the user's screen share
// POST /v1/group-calls/:id/screen-share
func (h *Handler) ScreenShare(c *gin.Context) {
	userID, groupCallID, ok := userAndGroupCall(c)
	if !ok {
		return
	}

	var req ScreenShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	gc, err := h.groupCalls.ToggleScreenShare(c.Request.Context(), groupCallID, userID, *req.Sharing)
	respond(c, gc, err)
}

func respond(c *gin.Context, gc *domain.GroupCall, err error) {
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gc)
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

func userAndGroupCall(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	groupCallID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid group call ID")
		return uuid.Nil, uuid.Nil, false
	}
	userID, ok := currentUser(c)
	return userID, groupCallID, ok
}
