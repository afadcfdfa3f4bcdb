package call

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callcore-backend/internal/domain"
	callsvc "callcore-backend/internal/service/call"
	apperrors "callcore-backend/pkg/errors"
	"callcore-backend/pkg/pagination"
)

// MockService is a mock implementation of Service
type MockService struct {
	mock.Mock
}

func (m *MockService) Initiate(ctx context.Context, in callsvc.InitiateInput) (*domain.CallSession, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockService) Get(ctx context.Context, callID, requesterID uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, callID, requesterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockService) History(ctx context.Context, userID uuid.UUID, params *pagination.Params) (*pagination.Page, error) {
	args := m.Called(ctx, userID, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pagination.Page), args.Error(1)
}

func (m *MockService) Transition(ctx context.Context, callID, requesterID uuid.UUID, status domain.CallStatus, endTime *time.Time) (*domain.CallSession, error) {
	args := m.Called(ctx, callID, requesterID, status, endTime)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockService) Delete(ctx context.Context, callID, requesterID uuid.UUID) error {
	return m.Called(ctx, callID, requesterID).Error(0)
}

// MockGroupLookup is a mock implementation of GroupLookup
type MockGroupLookup struct {
	mock.Mock
}

func (m *MockGroupLookup) Get(ctx context.Context, groupCallID, requesterID uuid.UUID) (*domain.GroupCall, error) {
	args := m.Called(ctx, groupCallID, requesterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.GroupCall), args.Error(1)
}

// MockEvents is a mock implementation of EventLog
type MockEvents struct {
	mock.Mock
}

func (m *MockEvents) ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallEvent, error) {
	args := m.Called(ctx, callID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallEvent), args.Error(1)
}

func (m *MockEvents) Append(ctx context.Context, event *domain.CallEvent) error {
	return m.Called(ctx, event).Error(0)
}

// MockQuality is a mock implementation of QualityReader
type MockQuality struct {
	mock.Mock
}

func (m *MockQuality) Summary(ctx context.Context, callID uuid.UUID) (*domain.QualitySummary, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.QualitySummary), args.Error(1)
}

func (m *MockQuality) UserStats(ctx context.Context, userID uuid.UUID, timeframe domain.StatsTimeframe) (*domain.QualityStats, error) {
	args := m.Called(ctx, userID, timeframe)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.QualityStats), args.Error(1)
}

type envelope struct {
	Success bool                `json:"success"`
	Data    jsoniter.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type fixture struct {
	calls   *MockService
	groups  *MockGroupLookup
	events  *MockEvents
	quality *MockQuality
	router  *gin.Engine
	userID  uuid.UUID
}

func newFixture() *fixture {
	gin.SetMode(gin.TestMode)
	f := &fixture{
		calls:   new(MockService),
		groups:  new(MockGroupLookup),
		events:  new(MockEvents),
		quality: new(MockQuality),
		userID:  uuid.New(),
	}

	h := NewHandler(f.calls, f.groups, f.events, f.quality)
	f.router = gin.New()
	v1 := f.router.Group("/v1", func(c *gin.Context) {
		c.Set("user_id", f.userID)
		c.Next()
	})
	v1.POST("/calls", h.InitiateCall)
	v1.GET("/calls", h.ListCalls)
	v1.GET("/calls/:id", h.GetCall)
	v1.PATCH("/calls/:id/status", h.UpdateStatus)
	v1.DELETE("/calls/:id", h.DeleteCall)
	v1.GET("/calls/:id/events", h.ListEvents)
	v1.POST("/calls/:id/events", h.LogEvent)
	v1.GET("/calls/:id/quality", h.GetQuality)
	v1.GET("/quality/stats", h.GetQualityStats)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, jsoniter.Unmarshal(w.Body.Bytes(), &env))
	return w, env
}

func TestInitiateCall(t *testing.T) {
	f := newFixture()
	receiver := uuid.New()
	session := &domain.CallSession{ID: uuid.New(), CallerID: f.userID, ReceiverID: receiver, Status: domain.CallStatusInitiated}

	// Setup expectations
	f.calls.On("Initiate", mock.Anything, mock.MatchedBy(func(in callsvc.InitiateInput) bool {
		return in.CallerID == f.userID && in.ReceiverID == receiver && in.Kind == domain.CallKindVideo
	})).Return(session, nil).Once()

	// Execute
	w, env := f.do(t, http.MethodPost, "/v1/calls", `{"receiver_id":"`+receiver.String()+`","kind":"video"}`)

	// Assert
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, env.Success)
	f.calls.AssertExpectations(t)
}

func TestInitiateCall_BadKind(t *testing.T) {
	f := newFixture()

	w, env := f.do(t, http.MethodPost, "/v1/calls", `{"receiver_id":"`+uuid.NewString()+`","kind":"hologram"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	f.calls.AssertNotCalled(t, "Initiate", mock.Anything, mock.Anything)
}

func TestListCalls_ParsesPagination(t *testing.T) {
	f := newFixture()

	f.calls.On("History", mock.Anything, f.userID, mock.MatchedBy(func(p *pagination.Params) bool {
		return p.Page == 2 && p.Limit == 10 && p.Offset == 10 && p.Ascending
	})).Return(&pagination.Page{Page: 2, Limit: 10, Data: []*domain.CallSession{}}, nil).Once()

	w, _ := f.do(t, http.MethodGet, "/v1/calls?page=2&limit=10&order=asc", "")

	assert.Equal(t, http.StatusOK, w.Code)
	f.calls.AssertExpectations(t)

	w, _ = f.do(t, http.MethodGet, "/v1/calls?page=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateStatus_InvalidTransitionCarriesState(t *testing.T) {
	f := newFixture()
	callID := uuid.New()

	f.calls.On("Transition", mock.Anything, callID, f.userID, domain.CallStatusOngoing, (*time.Time)(nil)).
		Return(nil, apperrors.InvalidTransitionError("completed", "ongoing")).Once()

	w, env := f.do(t, http.MethodPatch, "/v1/calls/"+callID.String()+"/status", `{"status":"ongoing"}`)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeInvalidTransition), env.Error.Code)
}

func TestGetCall_InvalidID(t *testing.T) {
	f := newFixture()

	w, env := f.do(t, http.MethodGet, "/v1/calls/not-a-uuid", "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid call ID", env.Error.Message)
}

func TestListEvents_FallsBackToGroupCall(t *testing.T) {
	f := newFixture()
	groupCallID := uuid.New()
	events := []*domain.CallEvent{{CallID: groupCallID, Type: domain.EventParticipantJoined}}

	f.calls.On("Get", mock.Anything, groupCallID, f.userID).Return(nil, apperrors.CallNotFoundError()).Once()
	f.groups.On("Get", mock.Anything, groupCallID, f.userID).Return(&domain.GroupCall{ID: groupCallID}, nil).Once()
	f.events.On("ListByCall", mock.Anything, groupCallID, defaultEventLimit).Return(events, nil).Once()

	w, env := f.do(t, http.MethodGet, "/v1/calls/"+groupCallID.String()+"/events", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), "participant_joined")
	f.groups.AssertExpectations(t)
	f.events.AssertExpectations(t)
}

func TestListEvents_Forbidden(t *testing.T) {
	f := newFixture()
	callID := uuid.New()

	f.calls.On("Get", mock.Anything, callID, f.userID).
		Return(nil, apperrors.ForbiddenError("not a participant of this call")).Once()

	w, _ := f.do(t, http.MethodGet, "/v1/calls/"+callID.String()+"/events", "")

	assert.Equal(t, http.StatusForbidden, w.Code)
	f.groups.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything)
	f.events.AssertNotCalled(t, "ListByCall", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetQuality(t *testing.T) {
	f := newFixture()
	callID := uuid.New()

	f.calls.On("Get", mock.Anything, callID, f.userID).Return(&domain.CallSession{ID: callID}, nil).Once()
	f.quality.On("Summary", mock.Anything, callID).Return(&domain.QualitySummary{CallID: callID, SampleCount: 4}, nil).Once()

	w, env := f.do(t, http.MethodGet, "/v1/calls/"+callID.String()+"/quality", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
	f.quality.AssertExpectations(t)
}

func TestDeleteCall(t *testing.T) {
	f := newFixture()
	callID := uuid.New()

	f.calls.On("Delete", mock.Anything, callID, f.userID).Return(nil).Once()

	w, env := f.do(t, http.MethodDelete, "/v1/calls/"+callID.String(), "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
}

func TestLogEvent(t *testing.T) {
	t.Run("one-to-one call", func(t *testing.T) {
		f := newFixture()
		callID := uuid.New()

		// Setup expectations
		f.calls.On("Get", mock.Anything, callID, f.userID).Return(&domain.CallSession{ID: callID}, nil).Once()
		f.events.On("Append", mock.Anything, mock.MatchedBy(func(e *domain.CallEvent) bool {
			return e.CallID == callID &&
				e.UserID == f.userID &&
				e.Category == domain.CallCategoryOneToOne &&
				e.Type == domain.EventNetworkChange &&
				e.DeviceID == "phone" &&
				e.Details["network"] == "cellular"
		})).Return(nil).Once()

		// Execute
		body := `{"type":"network_change","device_id":"phone","details":{"network":"cellular"}}`
		w, env := f.do(t, http.MethodPost, "/v1/calls/"+callID.String()+"/events", body)

		// Assert
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, string(env.Data), "network_change")
		f.events.AssertExpectations(t)
	})

	t.Run("group call", func(t *testing.T) {
		f := newFixture()
		groupCallID := uuid.New()

		f.calls.On("Get", mock.Anything, groupCallID, f.userID).Return(nil, apperrors.CallNotFoundError()).Once()
		f.groups.On("Get", mock.Anything, groupCallID, f.userID).Return(&domain.GroupCall{ID: groupCallID}, nil).Once()
		f.events.On("Append", mock.Anything, mock.MatchedBy(func(e *domain.CallEvent) bool {
			return e.Category == domain.CallCategoryGroup && e.Type == domain.EventQualityIssue
		})).Return(nil).Once()

		w, _ := f.do(t, http.MethodPost, "/v1/calls/"+groupCallID.String()+"/events", `{"type":"quality_issue"}`)

		assert.Equal(t, http.StatusCreated, w.Code)
		f.events.AssertExpectations(t)
	})

	t.Run("server-only type", func(t *testing.T) {
		f := newFixture()
		callID := uuid.New()

		w, env := f.do(t, http.MethodPost, "/v1/calls/"+callID.String()+"/events", `{"type":"answered"}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
		f.calls.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything)
		f.events.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
	})

	t.Run("not a participant", func(t *testing.T) {
		f := newFixture()
		callID := uuid.New()

		f.calls.On("Get", mock.Anything, callID, f.userID).
			Return(nil, apperrors.ForbiddenError("not a participant of this call")).Once()

		w, _ := f.do(t, http.MethodPost, "/v1/calls/"+callID.String()+"/events", `{"type":"fallback_activated"}`)

		assert.Equal(t, http.StatusForbidden, w.Code)
		f.events.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
	})
}

func TestGetQualityStats(t *testing.T) {
	t.Run("timeframe passed through", func(t *testing.T) {
		f := newFixture()

		// Setup expectations
		f.quality.On("UserStats", mock.Anything, f.userID, domain.TimeframeMonth).
			Return(&domain.QualityStats{UserID: f.userID, Timeframe: domain.TimeframeMonth, SampleCount: 12}, nil).Once()

		// Execute
		w, env := f.do(t, http.MethodGet, "/v1/quality/stats?timeframe=month", "")

		// Assert
		assert.Equal(t, http.StatusOK, w.Code)
		var stats domain.QualityStats
		require.NoError(t, jsoniter.Unmarshal(env.Data, &stats))
		assert.Equal(t, 12, stats.SampleCount)
		f.quality.AssertExpectations(t)
	})

	t.Run("invalid timeframe", func(t *testing.T) {
		f := newFixture()

		f.quality.On("UserStats", mock.Anything, f.userID, domain.StatsTimeframe("decade")).
			Return(nil, apperrors.ValidationError("timeframe must be day, week, month or year")).Once()

		w, env := f.do(t, http.MethodGet, "/v1/quality/stats?timeframe=decade", "")

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	})
}
