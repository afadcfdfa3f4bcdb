package call

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"callcore-backend/internal/domain"
	callsvc "callcore-backend/internal/service/call"
	apperrors "callcore-backend/pkg/errors"
	"callcore-backend/pkg/pagination"
	"callcore-backend/pkg/response"
)

// defaultEventLimit caps GET /calls/:id/events
const defaultEventLimit = 200

// Service is the call service surface used over HTTP
type Service interface {
	Initiate(ctx context.Context, in callsvc.InitiateInput) (*domain.CallSession, error)
	Get(ctx context.Context, callID, requesterID uuid.UUID) (*domain.CallSession, error)
	History(ctx context.Context, userID uuid.UUID, params *pagination.Params) (*pagination.Page, error)
	Transition(ctx context.Context, callID, requesterID uuid.UUID, status domain.CallStatus, endTime *time.Time) (*domain.CallSession, error)
	Delete(ctx context.Context, callID, requesterID uuid.UUID) error
}

// GroupLookup authorizes access to group call records
type GroupLookup interface {
	Get(ctx context.Context, groupCallID, requesterID uuid.UUID) (*domain.GroupCall, error)
}

// EventLog reads and appends a call's event log
type EventLog interface {
	ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallEvent, error)
	Append(ctx context.Context, event *domain.CallEvent) error
}

// QualityReader summarizes quality samples per call and per user
type QualityReader interface {
	Summary(ctx context.Context, callID uuid.UUID) (*domain.QualitySummary, error)
	UserStats(ctx context.Context, userID uuid.UUID, timeframe domain.StatsTimeframe) (*domain.QualityStats, error)
}

// Handler handles call HTTP requests
type Handler struct {
	calls   Service
	groups  GroupLookup
	events  EventLog
	quality QualityReader
}

// NewHandler creates a new call handler. groups may be nil.
func NewHandler(calls Service, groups GroupLookup, events EventLog, quality QualityReader) *Handler {
	return &Handler{
		calls:   calls,
		groups:  groups,
		events:  events,
		quality: quality,
	}
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	ReceiverID string                     `json:"receiver_id" binding:"required,uuid"`
	Kind       string                     `json:"kind" binding:"required,oneof=audio video"`
	Offer      *webrtc.SessionDescription `json:"offer"`
	DeviceID   string                     `json:"device_id" binding:"max=128"`
}

// InitiateCall creates a call
// POST /v1/calls
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := currentUser(c)
	if !ok {
		return
	}

	call, err := h.calls.Initiate(c.Request.Context(), callsvc.InitiateInput{
		CallerID:       userID,
		ReceiverID:     uuid.MustParse(req.ReceiverID),
		Kind:           domain.CallKind(req.Kind),
		Offer:          req.Offer,
		CallerDeviceID: req.DeviceID,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, call)
}

// ListCalls returns the user's call history
// GET /v1/calls?page=1&limit=20&order=desc
func (h *Handler) ListCalls(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	params, err := pagination.Parse(c.Query("page"), c.Query("limit"), c.Query("order"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	page, err := h.calls.History(c.Request.Context(), userID, params)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, page)
}

// GetCall returns call details
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	userID, callID, ok := userAndCall(c)
	if !ok {
		return
	}

	call, err := h.calls.Get(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// UpdateStatusRequest represents a status change request
type UpdateStatusRequest struct {
	Status  string     `json:"status" binding:"required"`
	EndTime *time.Time `json:"end_time"`
}

// UpdateStatus applies a state transition
// PATCH /v1/calls/:id/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	userID, callID, ok := userAndCall(c)
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	call, err := h.calls.Transition(c.Request.Context(), callID, userID, domain.CallStatus(req.Status), req.EndTime)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// DeleteCall removes a finished call
// DELETE /v1/calls/:id
func (h *Handler) DeleteCall(c *gin.Context) {
	userID, callID, ok := userAndCall(c)
	if !ok {
		return
	}

	if err := h.calls.Delete(c.Request.Context(), callID, userID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call deleted",
		"call_id": callID,
	})
}

// ListEvents returns the call's event log
// GET /v1/calls/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	userID, callID, ok := userAndCall(c)
	if !ok {
		return
	}
	if _, err := h.authorize(c.Request.Context(), callID, userID); err != nil {
		response.FromError(c, err)
		return
	}

	events, err := h.events.ListByCall(c.Request.Context(), callID, defaultEventLimit)
	if err != nil {
		response.FromError(c, apperrors.DatabaseError(err))
		return
	}
	if events == nil {
		events = []*domain.CallEvent{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id": callID,
		"events":  events,
	})
}

// LogEventRequest is a client-reported call event
type LogEventRequest struct {
	Type     string            `json:"type" binding:"required,max=64"`
	DeviceID string            `json:"device_id" binding:"max=128"`
	Details  map[string]string `json:"details" binding:"max=32"`
}

// LogEvent appends a client-reported event to the call's log
// POST /v1/calls/:id/events
func (h *Handler) LogEvent(c *gin.Context) {
	userID, callID, ok := userAndCall(c)
	if !ok {
		return
	}

	var req LogEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	eventType := domain.CallEventType(req.Type)
	if !eventType.ClientReported() {
		response.ValidationError(c, "event type cannot be reported by clients: "+req.Type)
		return
	}

	category, err := h.authorize(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	event := &domain.CallEvent{
		CallID:   callID,
		Category: category,
		Type:     eventType,
		UserID:   userID,
		DeviceID: req.DeviceID,
		Details:  req.Details,
	}
	if err := h.events.Append(c.Request.Context(), event); err != nil {
		response.FromError(c, apperrors.DatabaseError(err))
		return
	}

	response.Success(c, http.StatusCreated, event)
}

// GetQualityStats returns the user's own quality statistics
// GET /v1/quality/stats?timeframe=week
func (h *Handler) GetQualityStats(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	stats, err := h.quality.UserStats(c.Request.Context(), userID, domain.StatsTimeframe(c.Query("timeframe")))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, stats)
}

// GetQuality returns the call's quality summary
// GET /v1/calls/:id/quality
func (h *Handler) GetQuality(c *gin.Context) {
	userID, callID, ok := userAndCall(c)
	if !ok {
		return
	}
	if _, err := h.authorize(c.Request.Context(), callID, userID); err != nil {
		response.FromError(c, err)
		return
	}

	summary, err := h.quality.Summary(c.Request.Context(), callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, summary)
}

// authorize accepts participants of a one-to-one call or members of a group
// call and reports which kind of call callID is
func (h *Handler) authorize(ctx context.Context, callID, userID uuid.UUID) (domain.CallCategory, error) {
	_, err := h.calls.Get(ctx, callID, userID)
	if err == nil {
		return domain.CallCategoryOneToOne, nil
	}
	if h.groups == nil || !apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) {
		return "", err
	}
	if _, err = h.groups.Get(ctx, callID, userID); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeGroupCallNotFound) {
			return "", apperrors.CallNotFoundError()
		}
		return "", err
	}
	return domain.CallCategoryGroup, nil
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

func userAndCall(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, uuid.Nil, false
	}
	userID, ok := currentUser(c)
	return userID, callID, ok
}
