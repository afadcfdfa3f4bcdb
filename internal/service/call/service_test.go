package call

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callcore-backend/internal/domain"
	"callcore-backend/internal/presence"
	"callcore-backend/internal/signaling"
	"callcore-backend/pkg/constants"
	apperrors "callcore-backend/pkg/errors"
	"callcore-backend/pkg/pagination"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const testSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

var (
	testOffer  = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}
	testAnswer = &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}
)

// memRepo is an in-memory Repository with version checks
type memRepo struct {
	mu    sync.Mutex
	calls map[uuid.UUID]*domain.CallSession
}

func newMemRepo() *memRepo {
	return &memRepo{calls: make(map[uuid.UUID]*domain.CallSession)}
}

func (r *memRepo) Create(ctx context.Context, call *domain.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[call.ID] = call.Clone()
	return nil
}

func (r *memRepo) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	return c.Clone(), nil
}

func (r *memRepo) Update(ctx context.Context, call *domain.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.calls[call.ID]
	if !ok {
		return domain.ErrCallNotFound
	}
	if stored.Version != call.Version {
		return domain.ErrVersionConflict
	}
	call.Version++
	r.calls[call.ID] = call.Clone()
	return nil
}

func (r *memRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int, ascending bool) ([]*domain.CallSession, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.CallSession
	for _, c := range r.calls {
		if c.IsParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ascending {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	total := int64(len(out))
	if offset >= len(out) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], total, nil
}

func (r *memRepo) ListOpenByUser(ctx context.Context, userID uuid.UUID) ([]*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.CallSession
	for _, c := range r.calls {
		if c.IsParticipant(userID) && !c.Status.IsTerminal() {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (r *memRepo) ListStale(ctx context.Context, createdBefore time.Time) ([]*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.CallSession
	for _, c := range r.calls {
		if (c.Status == domain.CallStatusInitiated || c.Status == domain.CallStatusRinging) && c.CreatedAt.Before(createdBefore) {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (r *memRepo) Delete(ctx context.Context, callID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, callID)
	return nil
}

// MockRepository is a mock implementation of Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, call *domain.CallSession) error {
	return m.Called(ctx, call).Error(0)
}

func (m *MockRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession).Clone(), args.Error(1)
}

func (m *MockRepository) Update(ctx context.Context, call *domain.CallSession) error {
	return m.Called(ctx, call).Error(0)
}

func (m *MockRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int, ascending bool) ([]*domain.CallSession, int64, error) {
	args := m.Called(ctx, userID, limit, offset, ascending)
	return args.Get(0).([]*domain.CallSession), args.Get(1).(int64), args.Error(2)
}

func (m *MockRepository) ListOpenByUser(ctx context.Context, userID uuid.UUID) ([]*domain.CallSession, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

func (m *MockRepository) ListStale(ctx context.Context, createdBefore time.Time) ([]*domain.CallSession, error) {
	args := m.Called(ctx, createdBefore)
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

func (m *MockRepository) Delete(ctx context.Context, callID uuid.UUID) error {
	return m.Called(ctx, callID).Error(0)
}

type staticUsers map[uuid.UUID]*domain.User

func (u staticUsers) GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	if user, ok := u[userID]; ok {
		return user, nil
	}
	return nil, domain.ErrUserNotFound
}

type memEvents struct {
	mu     sync.Mutex
	events []*domain.CallEvent
}

func (e *memEvents) Append(ctx context.Context, event *domain.CallEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *memEvents) types() []domain.CallEventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.CallEventType, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

// device records frames delivered to one connection
type device struct {
	mu     sync.Mutex
	frames []*signaling.Envelope
}

func (d *device) Send(frame []byte) bool {
	env, err := signaling.Decode(frame)
	if err != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, env)
	return true
}

func (d *device) Close() {}

func (d *device) kinds() []signaling.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]signaling.Kind, 0, len(d.frames))
	for _, env := range d.frames {
		out = append(out, env.Type)
	}
	return out
}

func (d *device) last() *signaling.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) == 0 {
		return nil
	}
	return d.frames[len(d.frames)-1]
}

type fixture struct {
	svc      *Service
	repo     *memRepo
	events   *memEvents
	registry *presence.Registry
	alice    uuid.UUID
	bob      uuid.UUID
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newMemRepo(),
		events:   &memEvents{},
		registry: presence.NewRegistry(nil, nil),
		alice:    uuid.New(),
		bob:      uuid.New(),
		clock:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	users := staticUsers{
		f.alice: {UserID: f.alice, Username: "alice", DisplayName: "Alice"},
		f.bob:   {UserID: f.bob, Username: "bob", DisplayName: "Bob"},
	}
	router := signaling.NewRouter(f.registry, nil, nil, "node-a", nil)
	f.svc = NewService(f.repo, users, f.events, router, nil)
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) connect(userID uuid.UUID, deviceID string) *device {
	d := &device{}
	f.registry.Register(userID, deviceID, d)
	return d
}

func (f *fixture) initiate(t *testing.T) *domain.CallSession {
	t.Helper()
	call, err := f.svc.Initiate(context.Background(), InitiateInput{
		CallerID:       f.alice,
		ReceiverID:     f.bob,
		Kind:           domain.CallKindVideo,
		Offer:          testOffer,
		CallerDeviceID: "alice-phone",
	})
	require.NoError(t, err)
	return call
}

func TestInitiate_RingsReceiverDevices(t *testing.T) {
	f := newFixture(t)
	alicePhone := f.connect(f.alice, "alice-phone")
	bobPhone := f.connect(f.bob, "bob-phone")
	bobLaptop := f.connect(f.bob, "bob-laptop")

	// Execute
	call := f.initiate(t)

	// Assert
	assert.Equal(t, domain.CallStatusRinging, call.Status)
	assert.Equal(t, []signaling.Kind{signaling.KindCallInitiate}, bobPhone.kinds())
	assert.Equal(t, []signaling.Kind{signaling.KindCallInitiate}, bobLaptop.kinds())
	assert.Equal(t, []signaling.Kind{signaling.KindCallRinging}, alicePhone.kinds())

	env := bobPhone.last()
	assert.Equal(t, f.alice.String(), env.From)
	var p signaling.CallInitiatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, call.ID.String(), p.CallID)
	assert.Equal(t, "Alice", p.Caller.DisplayName)

	assert.Equal(t, []domain.CallEventType{domain.EventInitiated, domain.EventRinging}, f.events.types())
}

func TestInitiate_WithoutOfferStaysInitiated(t *testing.T) {
	f := newFixture(t)
	bob := f.connect(f.bob, "bob-phone")

	call, err := f.svc.Initiate(context.Background(), InitiateInput{
		CallerID:   f.alice,
		ReceiverID: f.bob,
		Kind:       domain.CallKindAudio,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusInitiated, call.Status)
	assert.Empty(t, bob.kinds())
}

func TestInitiate_ReceiverOfflineStaysInitiated(t *testing.T) {
	f := newFixture(t)

	call := f.initiate(t)

	assert.Equal(t, domain.CallStatusInitiated, call.Status)
}

func TestInitiate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   InitiateInput
	}{
		{"self call", InitiateInput{CallerID: f.alice, ReceiverID: f.alice, Kind: domain.CallKindAudio}},
		{"bad kind", InitiateInput{CallerID: f.alice, ReceiverID: f.bob, Kind: "hologram"}},
		{"unknown receiver", InitiateInput{CallerID: f.alice, ReceiverID: uuid.New(), Kind: domain.CallKindAudio}},
		{"answer as offer", InitiateInput{CallerID: f.alice, ReceiverID: f.bob, Kind: domain.CallKindAudio, Offer: testAnswer}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Initiate(ctx, tt.in)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation), "got %v", err)
		})
	}
}

func TestAccept_FirstDeviceWins(t *testing.T) {
	f := newFixture(t)
	alicePhone := f.connect(f.alice, "alice-phone")
	bobPhone := f.connect(f.bob, "bob-phone")
	bobLaptop := f.connect(f.bob, "bob-laptop")
	call := f.initiate(t)
	ctx := context.Background()

	// Execute: both receiver devices answer at once
	var wg sync.WaitGroup
	results := make(map[string]error)
	var mu sync.Mutex
	for _, deviceID := range []string{"bob-phone", "bob-laptop"} {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			_, err := f.svc.Accept(ctx, AcceptInput{CallID: call.ID, UserID: f.bob, DeviceID: deviceID, Answer: testAnswer})
			mu.Lock()
			results[deviceID] = err
			mu.Unlock()
		}(deviceID)
	}
	wg.Wait()

	// Assert: exactly one winner
	var winner, loser string
	for deviceID, err := range results {
		if err == nil {
			winner = deviceID
		} else {
			loser = deviceID
		}
	}
	require.NotEmpty(t, winner)
	require.NotEmpty(t, loser)

	appErr := apperrors.GetAppError(results[loser])
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeInvalidTransition, appErr.Code)
	current, ok := appErr.Details.(*domain.CallSession)
	require.True(t, ok)
	assert.Equal(t, domain.CallStatusOngoing, current.Status)
	assert.Equal(t, winner, current.AnsweredDeviceID)

	stored, err := f.repo.GetByID(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusOngoing, stored.Status)
	assert.Equal(t, winner, stored.AnsweredDeviceID)

	// Caller hears the answer once; the other receiver device is told to stop ringing
	assert.Equal(t, []signaling.Kind{signaling.KindCallRinging, signaling.KindCallAccept}, alicePhone.kinds())

	losingDevice := bobPhone
	if loser == "bob-laptop" {
		losingDevice = bobLaptop
	}
	cancel := losingDevice.last()
	require.NotNil(t, cancel)
	assert.Equal(t, signaling.KindCallCancel, cancel.Type)
	var p signaling.CallCancelPayload
	require.NoError(t, json.Unmarshal(cancel.Payload, &p))
	assert.Equal(t, "answered_elsewhere", p.Reason)
	assert.Equal(t, winner, p.AnsweredOn)
}

func TestAccept_OnlyReceiver(t *testing.T) {
	f := newFixture(t)
	call := f.initiate(t)

	_, err := f.svc.Accept(context.Background(), AcceptInput{CallID: call.ID, UserID: f.alice, Answer: testAnswer})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))
}

func TestAccept_RequiresAnswer(t *testing.T) {
	f := newFixture(t)
	call := f.initiate(t)

	_, err := f.svc.Accept(context.Background(), AcceptInput{CallID: call.ID, UserID: f.bob})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestReject_NotifiesCallerAndOtherDevices(t *testing.T) {
	f := newFixture(t)
	alicePhone := f.connect(f.alice, "alice-phone")
	f.connect(f.bob, "bob-phone")
	bobLaptop := f.connect(f.bob, "bob-laptop")
	call := f.initiate(t)

	finalized := make(chan uuid.UUID, 1)
	f.svc.OnFinalized(func(ctx context.Context, callID uuid.UUID, category domain.CallCategory) {
		finalized <- callID
	})

	// Execute
	rejected, err := f.svc.Reject(context.Background(), call.ID, f.bob, "bob-phone", "busy")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRejected, rejected.Status)
	assert.Equal(t, 0, rejected.Duration)
	require.NotNil(t, rejected.EndTime)
	assert.Equal(t, signaling.KindCallReject, alicePhone.last().Type)
	assert.Equal(t, signaling.KindCallCancel, bobLaptop.last().Type)

	select {
	case id := <-finalized:
		assert.Equal(t, call.ID, id)
	case <-time.After(time.Second):
		t.Fatal("finalizer not called")
	}
}

func TestEnd_CompletedDuration(t *testing.T) {
	f := newFixture(t)
	f.connect(f.alice, "alice-phone")
	bob := f.connect(f.bob, "bob-phone")
	call := f.initiate(t)
	ctx := context.Background()

	_, err := f.svc.Accept(ctx, AcceptInput{CallID: call.ID, UserID: f.bob, DeviceID: "bob-phone", Answer: testAnswer})
	require.NoError(t, err)

	f.clock = f.clock.Add(95 * time.Second)
	ended, err := f.svc.End(ctx, call.ID, f.alice, "alice-phone", " <i>hangup</i>\n")

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCompleted, ended.Status)
	assert.Equal(t, 95, ended.Duration)
	assert.Equal(t, "hangup", ended.EndReason, "reason is sanitized")
	assert.Equal(t, signaling.KindCallEnd, bob.last().Type)

	// Ending twice is rejected with the current state attached
	_, err = f.svc.End(ctx, call.ID, f.bob, "bob-phone", "hangup")
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeInvalidTransition, appErr.Code)
}

func TestEnd_BeforeAnswer(t *testing.T) {
	ctx := context.Background()

	t.Run("caller cancels becomes missed", func(t *testing.T) {
		f := newFixture(t)
		bob := f.connect(f.bob, "bob-phone")
		call := f.initiate(t)

		ended, err := f.svc.End(ctx, call.ID, f.alice, "alice-phone", "cancelled")

		require.NoError(t, err)
		assert.Equal(t, domain.CallStatusMissed, ended.Status)
		assert.Equal(t, []signaling.Kind{signaling.KindCallInitiate, signaling.KindCallEnd, signaling.KindCallMissed}, bob.kinds())
	})

	t.Run("receiver hangs up becomes rejected", func(t *testing.T) {
		f := newFixture(t)
		f.connect(f.bob, "bob-phone")
		call := f.initiate(t)

		ended, err := f.svc.End(ctx, call.ID, f.bob, "bob-phone", "declined")

		require.NoError(t, err)
		assert.Equal(t, domain.CallStatusRejected, ended.Status)
	})
}

func TestTransition_Rules(t *testing.T) {
	f := newFixture(t)
	call := f.initiate(t)
	ctx := context.Background()

	_, err := f.svc.Transition(ctx, call.ID, uuid.New(), domain.CallStatusOngoing, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	_, err = f.svc.Transition(ctx, call.ID, f.bob, "paused", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	_, err = f.svc.Transition(ctx, call.ID, f.bob, domain.CallStatusCompleted, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))

	early := f.clock.Add(-time.Minute)
	_, err = f.svc.Transition(ctx, call.ID, f.bob, domain.CallStatusFailed, &early)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	failed, err := f.svc.Transition(ctx, call.ID, f.bob, domain.CallStatusFailed, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusFailed, failed.Status)
}

func TestMutate_RetriesVersionConflicts(t *testing.T) {
	repo := new(MockRepository)
	caller, receiver := uuid.New(), uuid.New()
	call := domain.NewCallSession(caller, receiver, domain.CallKindAudio, "", time.Now())
	svc := NewService(repo, staticUsers{}, nil, signaling.NewRouter(presence.NewRegistry(nil, nil), nil, nil, "n", nil), nil)

	// Setup expectations
	repo.On("GetByID", mock.Anything, call.ID).Return(call, nil)
	repo.On("Update", mock.Anything, mock.Anything).Return(domain.ErrVersionConflict).Times(2)
	repo.On("Update", mock.Anything, mock.Anything).Return(nil).Once()

	// Execute
	updated, err := svc.Transition(context.Background(), call.ID, receiver, domain.CallStatusFailed, nil)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusFailed, updated.Status)
	repo.AssertNumberOfCalls(t, "Update", 3)
}

func TestMutate_GivesUpAfterRetries(t *testing.T) {
	repo := new(MockRepository)
	caller, receiver := uuid.New(), uuid.New()
	call := domain.NewCallSession(caller, receiver, domain.CallKindAudio, "", time.Now())
	svc := NewService(repo, staticUsers{}, nil, signaling.NewRouter(presence.NewRegistry(nil, nil), nil, nil, "n", nil), nil)

	// Setup expectations
	repo.On("GetByID", mock.Anything, call.ID).Return(call, nil)
	repo.On("Update", mock.Anything, mock.Anything).Return(domain.ErrVersionConflict)

	// Execute
	_, err := svc.Transition(context.Background(), call.ID, receiver, domain.CallStatusFailed, nil)

	// Assert
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
	repo.AssertNumberOfCalls(t, "Update", 3)
}

func TestMutate_DatabaseError(t *testing.T) {
	repo := new(MockRepository)
	svc := NewService(repo, staticUsers{}, nil, signaling.NewRouter(presence.NewRegistry(nil, nil), nil, nil, "n", nil), nil)
	id := uuid.New()

	repo.On("GetByID", mock.Anything, id).Return(nil, errors.New("connection refused"))

	_, err := svc.Transition(context.Background(), id, uuid.New(), domain.CallStatusFailed, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabase))

	_, err = svc.Get(context.Background(), id, uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabase))
}

func TestRelayICE(t *testing.T) {
	f := newFixture(t)
	alicePhone := f.connect(f.alice, "alice-phone")
	f.connect(f.bob, "bob-phone")
	bobLaptop := f.connect(f.bob, "bob-laptop")
	call := f.initiate(t)
	ctx := context.Background()

	_, err := f.svc.Accept(ctx, AcceptInput{CallID: call.ID, UserID: f.bob, DeviceID: "bob-laptop", Answer: testAnswer})
	require.NoError(t, err)

	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 192.168.1.2 54321 typ host"}

	// Caller's candidate reaches only the answering device
	err = f.svc.RelayICE(ctx, ICEInput{CallID: call.ID, FromUserID: f.alice, FromDeviceID: "alice-phone", Candidate: candidate, TargetUserID: f.bob})
	require.NoError(t, err)
	assert.Equal(t, signaling.KindICECandidate, bobLaptop.last().Type)

	err = f.svc.RelayICE(ctx, ICEInput{CallID: call.ID, FromUserID: f.bob, FromDeviceID: "bob-laptop", Candidate: candidate, TargetUserID: f.alice})
	require.NoError(t, err)
	assert.Equal(t, signaling.KindICECandidate, alicePhone.last().Type)

	err = f.svc.RelayICE(ctx, ICEInput{CallID: call.ID, FromUserID: uuid.New(), Candidate: candidate, TargetUserID: f.alice})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	_, err = f.svc.End(ctx, call.ID, f.alice, "alice-phone", "")
	require.NoError(t, err)
	err = f.svc.RelayICE(ctx, ICEInput{CallID: call.ID, FromUserID: f.alice, Candidate: candidate, TargetUserID: f.bob})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
}

func TestExpireRinging(t *testing.T) {
	f := newFixture(t)
	alicePhone := f.connect(f.alice, "alice-phone")
	bobPhone := f.connect(f.bob, "bob-phone")
	stale := f.initiate(t)

	f.clock = f.clock.Add(40 * time.Second)
	fresh := f.initiate(t)

	// Execute
	n, err := f.svc.ExpireRinging(context.Background(), 30*time.Second)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.repo.GetByID(context.Background(), stale.ID)
	assert.Equal(t, domain.CallStatusMissed, got.Status)
	assert.Equal(t, "timeout", got.EndReason)
	got, _ = f.repo.GetByID(context.Background(), fresh.ID)
	assert.Equal(t, domain.CallStatusRinging, got.Status)

	assert.Contains(t, alicePhone.kinds(), signaling.KindCallStatus)
	assert.Contains(t, bobPhone.kinds(), signaling.KindCallMissed)
}

func TestHistoryAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.initiate(t)
	f.clock = f.clock.Add(time.Minute)
	second := f.initiate(t)

	params, err := pagination.Parse("1", "1", "")
	require.NoError(t, err)
	page, err := f.svc.History(ctx, f.bob, params)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	assert.True(t, page.HasMore)
	assert.Equal(t, second.ID, page.Data.([]*domain.CallSession)[0].ID)

	err = f.svc.Delete(ctx, first.ID, f.bob)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))

	_, err = f.svc.End(ctx, first.ID, f.alice, "", "")
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, first.ID, f.bob))

	_, err = f.svc.Get(ctx, first.ID, f.bob)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
}

func TestParticipants_Cached(t *testing.T) {
	repo := new(MockRepository)
	svc := NewService(repo, staticUsers{}, nil, signaling.NewRouter(presence.NewRegistry(nil, nil), nil, nil, "n", nil), nil)
	call := domain.NewCallSession(uuid.New(), uuid.New(), domain.CallKindAudio, "", time.Now())

	repo.On("GetByID", mock.Anything, call.ID).Return(call, nil).Once()

	for i := 0; i < 3; i++ {
		ids, err := svc.Participants(context.Background(), call.ID)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{call.CallerID, call.ReceiverID}, ids)
	}
	repo.AssertExpectations(t)
}

func TestHandleDisconnect_EndsOpenCalls(t *testing.T) {
	f := newFixture(t)
	alicePhone := f.connect(f.alice, "alice-phone")
	f.connect(f.bob, "bob-phone")
	call := f.initiate(t)
	_, err := f.svc.Accept(context.Background(), AcceptInput{CallID: call.ID, UserID: f.bob, DeviceID: "bob-phone", Answer: testAnswer})
	require.NoError(t, err)

	f.svc.HandleDisconnect(context.Background(), f.bob)

	got, _ := f.repo.GetByID(context.Background(), call.ID)
	assert.Equal(t, domain.CallStatusCompleted, got.Status)
	assert.Equal(t, constants.EndReasonConnectionLost, got.EndReason)
	assert.Equal(t, signaling.KindCallEnd, alicePhone.last().Type)
}

func TestHandleDisconnect_RingingReceiverMissesCall(t *testing.T) {
	f := newFixture(t)
	alicePhone := f.connect(f.alice, "alice-phone")
	f.connect(f.bob, "bob-phone")
	call := f.initiate(t)
	require.Equal(t, domain.CallStatusRinging, call.Status)

	// Execute
	f.svc.HandleDisconnect(context.Background(), f.bob)

	// Assert
	got, _ := f.repo.GetByID(context.Background(), call.ID)
	assert.Equal(t, domain.CallStatusMissed, got.Status, "a vanished receiver did not decline")
	assert.Equal(t, constants.EndReasonConnectionLost, got.EndReason)
	assert.Equal(t, 0, got.Duration)
	assert.Equal(t, signaling.KindCallEnd, alicePhone.last().Type)
}

func TestEnd_RingingReceiverRejects(t *testing.T) {
	f := newFixture(t)
	f.connect(f.alice, "alice-phone")
	f.connect(f.bob, "bob-phone")
	call := f.initiate(t)

	ended, err := f.svc.End(context.Background(), call.ID, f.bob, "bob-phone", "")

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRejected, ended.Status)
}
