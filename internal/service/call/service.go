package call

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"callcore-backend/internal/domain"
	"callcore-backend/internal/lock"
	"callcore-backend/internal/signaling"
	"callcore-backend/pkg/cache"
	"callcore-backend/pkg/constants"
	apperrors "callcore-backend/pkg/errors"
	"callcore-backend/pkg/logger"
	"callcore-backend/pkg/metrics"
	"callcore-backend/pkg/sanitize"
)

// Repository persists call sessions
type Repository interface {
	Create(ctx context.Context, call *domain.CallSession) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error)
	// Update writes call if its stored version still equals call.Version and
	// increments the version. domain.ErrVersionConflict otherwise.
	Update(ctx context.Context, call *domain.CallSession) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int, ascending bool) ([]*domain.CallSession, int64, error)
	ListOpenByUser(ctx context.Context, userID uuid.UUID) ([]*domain.CallSession, error)
	ListStale(ctx context.Context, createdBefore time.Time) ([]*domain.CallSession, error)
	Delete(ctx context.Context, callID uuid.UUID) error
}

// UserRepository resolves call participants
type UserRepository interface {
	GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

// EventLog records call events
type EventLog interface {
	Append(ctx context.Context, event *domain.CallEvent) error
}

// Router delivers envelopes to devices
type Router interface {
	Route(ctx context.Context, userID uuid.UUID, env *signaling.Envelope, targetDeviceID string) signaling.Delivery
	RouteExcept(ctx context.Context, userID uuid.UUID, env *signaling.Envelope, exceptDeviceID string) signaling.Delivery
}

// FinalizeFunc runs once a call reached a terminal state
type FinalizeFunc func(ctx context.Context, callID uuid.UUID, category domain.CallCategory)

// Service implements the one-to-one call state machine
type Service struct {
	repo       Repository
	users      UserRepository
	events     EventLog
	router     Router
	locks      *lock.KeyedMutex
	cache      *cache.MemoryCache
	metrics    *metrics.Metrics
	finalizers []FinalizeFunc
	now        func() time.Time
}

// NewService creates a new call service. events and m may be nil.
func NewService(repo Repository, users UserRepository, events EventLog, router Router, m *metrics.Metrics) *Service {
	return &Service{
		repo:    repo,
		users:   users,
		events:  events,
		router:  router,
		locks:   lock.NewKeyedMutex(),
		cache:   cache.NewMemoryCache(constants.ParticipantCacheTTL, 10000),
		metrics: m,
		now:     time.Now,
	}
}

// OnFinalized registers fn to run after every terminal transition
func (s *Service) OnFinalized(fn FinalizeFunc) {
	s.finalizers = append(s.finalizers, fn)
}

// InitiateInput contains call initiation data
type InitiateInput struct {
	CallerID       uuid.UUID
	ReceiverID     uuid.UUID
	Kind           domain.CallKind
	Offer          *webrtc.SessionDescription
	CallerDeviceID string
}

// Initiate creates a call and rings the receiver's devices when an offer is supplied
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (*domain.CallSession, error) {
	if !in.Kind.Valid() {
		return nil, apperrors.ValidationError("kind must be audio or video")
	}
	if in.CallerID == in.ReceiverID {
		return nil, apperrors.ValidationError("cannot call yourself")
	}
	if in.Offer != nil {
		if err := signaling.ValidateDescription(in.Offer, webrtc.SDPTypeOffer); err != nil {
			return nil, apperrors.ValidationError("invalid offer: " + err.Error())
		}
	}

	if _, err := s.users.GetByID(ctx, in.ReceiverID); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, apperrors.ValidationError("receiver does not exist")
		}
		return nil, apperrors.DatabaseError(err)
	}

	call := domain.NewCallSession(in.CallerID, in.ReceiverID, in.Kind, in.CallerDeviceID, s.now())
	if err := s.repo.Create(ctx, call); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	s.metrics.RecordCall(string(call.Status))
	s.metrics.AddActiveCalls(1)
	s.appendEvent(ctx, call, domain.EventInitiated, in.CallerID, in.CallerDeviceID, nil)

	logger.Info("Call initiated",
		zap.String("call_id", call.ID.String()),
		zap.String("caller_id", in.CallerID.String()),
		zap.String("receiver_id", in.ReceiverID.String()),
		zap.String("kind", string(in.Kind)))

	if in.Offer == nil {
		return call, nil
	}

	env := signaling.MustEnvelope(signaling.KindCallInitiate, &signaling.CallInitiatePayload{
		CallID:         call.ID.String(),
		ReceiverID:     in.ReceiverID,
		Kind:           in.Kind,
		Offer:          in.Offer,
		CallerDeviceID: in.CallerDeviceID,
		Caller:         s.callerSummary(ctx, in.CallerID),
	}).WithSender(in.CallerID, in.CallerDeviceID)

	delivery := s.router.Route(ctx, in.ReceiverID, env, "")
	if !delivery.Delivered() {
		return call, nil
	}

	ringing, _, err := s.mutate(ctx, call.ID, func(c *domain.CallSession) error {
		if c.Status != domain.CallStatusInitiated {
			return errAlreadyMoved
		}
		return s.apply(c, domain.CallStatusRinging, nil)
	})
	if err != nil {
		if errors.Is(err, errAlreadyMoved) {
			return s.load(ctx, call.ID)
		}
		logger.Warn("Failed to mark call ringing",
			zap.String("call_id", call.ID.String()),
			zap.Error(err))
		return call, nil
	}

	s.appendEvent(ctx, ringing, domain.EventRinging, in.ReceiverID, "", nil)
	s.router.Route(ctx, in.CallerID, signaling.MustEnvelope(signaling.KindCallRinging, &signaling.CallRingingPayload{
		CallID:     ringing.ID,
		ReceiverID: in.ReceiverID,
		Devices:    delivery.Local + delivery.Remote,
	}), in.CallerDeviceID)
	return ringing, nil
}

// errAlreadyMoved stops a mutation that no longer applies
var errAlreadyMoved = errors.New("call already moved on")

// Transition applies status on behalf of requesterID
func (s *Service) Transition(ctx context.Context, callID, requesterID uuid.UUID, status domain.CallStatus, endTime *time.Time) (*domain.CallSession, error) {
	if !status.Valid() {
		return nil, apperrors.ValidationError("unknown status " + string(status))
	}

	call, prev, err := s.mutate(ctx, callID, func(c *domain.CallSession) error {
		if !c.IsParticipant(requesterID) {
			return apperrors.ForbiddenError("not a participant of this call")
		}
		return s.apply(c, status, endTime)
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, call, prev, requesterID, "")
	s.router.Route(ctx, call.OtherParty(requesterID), statusEnvelope(call), "")
	return call, nil
}

// AcceptInput contains an answer from one of the receiver's devices
type AcceptInput struct {
	CallID   uuid.UUID
	UserID   uuid.UUID
	DeviceID string
	Answer   *webrtc.SessionDescription
}

// Accept answers the call. The first device wins; later devices get
// an InvalidTransition error carrying the current session.
func (s *Service) Accept(ctx context.Context, in AcceptInput) (*domain.CallSession, error) {
	if err := signaling.ValidateDescription(in.Answer, webrtc.SDPTypeAnswer); err != nil {
		return nil, apperrors.ValidationError("invalid answer: " + err.Error())
	}

	call, prev, err := s.mutate(ctx, in.CallID, func(c *domain.CallSession) error {
		if c.ReceiverID != in.UserID {
			return apperrors.ForbiddenError("only the receiver can accept the call")
		}
		if err := s.apply(c, domain.CallStatusOngoing, nil); err != nil {
			return err
		}
		c.AnsweredDeviceID = in.DeviceID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, call, prev, in.UserID, in.DeviceID)

	answer := signaling.MustEnvelope(signaling.KindCallAccept, &signaling.CallAcceptPayload{
		CallID:   call.ID,
		CallerID: call.CallerID,
		Answer:   in.Answer,
		DeviceID: in.DeviceID,
	}).WithSender(in.UserID, in.DeviceID)
	s.router.Route(ctx, call.CallerID, answer, call.CallerDeviceID)

	s.router.RouteExcept(ctx, call.ReceiverID, signaling.MustEnvelope(signaling.KindCallCancel, &signaling.CallCancelPayload{
		CallID:     call.ID,
		Reason:     "answered_elsewhere",
		AnsweredOn: in.DeviceID,
	}), in.DeviceID)
	return call, nil
}

// Reject declines the call on behalf of the receiver
func (s *Service) Reject(ctx context.Context, callID, userID uuid.UUID, deviceID, reason string) (*domain.CallSession, error) {
	reason = sanitize.Reason(reason)
	call, prev, err := s.mutate(ctx, callID, func(c *domain.CallSession) error {
		if c.ReceiverID != userID {
			return apperrors.ForbiddenError("only the receiver can reject the call")
		}
		if err := s.apply(c, domain.CallStatusRejected, nil); err != nil {
			return err
		}
		c.EndReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, call, prev, userID, deviceID)

	s.router.Route(ctx, call.CallerID, signaling.MustEnvelope(signaling.KindCallReject, &signaling.CallRejectPayload{
		CallID:   call.ID,
		CallerID: call.CallerID,
		Reason:   reason,
	}).WithSender(userID, deviceID), call.CallerDeviceID)

	s.router.RouteExcept(ctx, call.ReceiverID, signaling.MustEnvelope(signaling.KindCallCancel, &signaling.CallCancelPayload{
		CallID: call.ID,
		Reason: "rejected",
	}), deviceID)
	return call, nil
}

// End hangs up. An answered call completes; before the answer the caller's
// hang-up makes it missed and the receiver's makes it rejected.
func (s *Service) End(ctx context.Context, callID, userID uuid.UUID, deviceID, reason string) (*domain.CallSession, error) {
	return s.hangUp(ctx, callID, userID, deviceID, sanitize.Reason(reason), false)
}

// hangUp ends the call on behalf of userID. A participant who vanished never
// declined, so an unanswered call becomes missed whichever side dropped.
func (s *Service) hangUp(ctx context.Context, callID, userID uuid.UUID, deviceID, reason string, vanished bool) (*domain.CallSession, error) {
	call, prev, err := s.mutate(ctx, callID, func(c *domain.CallSession) error {
		if !c.IsParticipant(userID) {
			return apperrors.ForbiddenError("not a participant of this call")
		}
		next := domain.CallStatusCompleted
		switch c.Status {
		case domain.CallStatusInitiated, domain.CallStatusRinging:
			next = domain.CallStatusRejected
			if vanished || userID == c.CallerID {
				next = domain.CallStatusMissed
			}
		}
		if err := s.apply(c, next, nil); err != nil {
			return err
		}
		c.EndReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, call, prev, userID, deviceID)

	other := call.OtherParty(userID)
	s.router.Route(ctx, other, signaling.MustEnvelope(signaling.KindCallEnd, &signaling.CallEndPayload{
		CallID:       call.ID,
		OtherPartyID: userID,
		Reason:       reason,
	}).WithSender(userID, deviceID), "")

	if call.Status == domain.CallStatusMissed {
		s.router.Route(ctx, call.ReceiverID, s.missedEnvelope(ctx, call), "")
	}
	return call, nil
}

// ICEInput carries one trickled candidate
type ICEInput struct {
	CallID         uuid.UUID
	FromUserID     uuid.UUID
	FromDeviceID   string
	Candidate      webrtc.ICECandidateInit
	TargetUserID   uuid.UUID
	TargetDeviceID string
}

// RelayICE forwards a candidate between the two participants of a live call
func (s *Service) RelayICE(ctx context.Context, in ICEInput) error {
	call, err := s.load(ctx, in.CallID)
	if err != nil {
		return err
	}
	if !call.IsParticipant(in.FromUserID) || call.OtherParty(in.FromUserID) != in.TargetUserID || in.FromUserID == in.TargetUserID {
		return apperrors.ForbiddenError("candidates can only be sent to the other participant")
	}
	if call.Status.IsTerminal() {
		return apperrors.InvalidStateError("call has ended").WithDetails(call)
	}

	target := in.TargetDeviceID
	if target == "" {
		switch in.TargetUserID {
		case call.CallerID:
			target = call.CallerDeviceID
		case call.ReceiverID:
			target = call.AnsweredDeviceID
		}
	}

	s.router.Route(ctx, in.TargetUserID, signaling.MustEnvelope(signaling.KindICECandidate, &signaling.ICECandidatePayload{
		CallID:         call.ID,
		Candidate:      in.Candidate,
		TargetUserID:   in.TargetUserID,
		TargetDeviceID: target,
	}).WithSender(in.FromUserID, in.FromDeviceID), target)
	return nil
}

// mutate loads, changes and conditionally writes a call under its lock,
// reloading on version conflicts.
func (s *Service) mutate(ctx context.Context, callID uuid.UUID, fn func(*domain.CallSession) error) (*domain.CallSession, domain.CallStatus, error) {
	unlock := s.locks.Lock(callID.String())
	defer unlock()

	for attempt := 0; attempt < constants.MaxTransitionRetries; attempt++ {
		call, err := s.load(ctx, callID)
		if err != nil {
			return nil, "", err
		}
		prev := call.Status

		if err := fn(call); err != nil {
			return nil, prev, err
		}

		err = s.repo.Update(ctx, call)
		if errors.Is(err, domain.ErrVersionConflict) {
			s.metrics.RecordCallConflict()
			logger.Debug("Call version conflict, retrying",
				zap.String("call_id", callID.String()),
				zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, prev, apperrors.DatabaseError(err)
		}
		return call, prev, nil
	}

	call, err := s.load(ctx, callID)
	if err != nil {
		return nil, "", err
	}
	return nil, call.Status, apperrors.ConflictError("call was modified concurrently").WithDetails(call)
}

// apply maps domain transition errors onto AppErrors carrying the session
func (s *Service) apply(c *domain.CallSession, next domain.CallStatus, endTime *time.Time) error {
	from := c.Status
	snapshot := c.Clone()
	err := c.Apply(next, endTime, s.now())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrTransitionNotAllowed):
		s.metrics.RecordRejectedTransition(string(from), string(next))
		return apperrors.InvalidTransitionError(string(from), string(next)).WithDetails(snapshot)
	case errors.Is(err, domain.ErrEndBeforeStart):
		return apperrors.ValidationError("end time is before start time")
	default:
		return apperrors.InternalError(err.Error())
	}
}

func (s *Service) load(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	call, err := s.repo.GetByID(ctx, callID)
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}
	return call, nil
}

// afterTransition records the persisted change and runs terminal hooks
func (s *Service) afterTransition(ctx context.Context, call *domain.CallSession, prev domain.CallStatus, actorID uuid.UUID, deviceID string) {
	s.metrics.RecordCall(string(call.Status))

	var details map[string]string
	if call.EndReason != "" {
		details = map[string]string{"reason": call.EndReason}
	}
	s.appendEvent(ctx, call, domain.EventTypeForStatus(call.Status), actorID, deviceID, details)

	logger.Info("Call status changed",
		zap.String("call_id", call.ID.String()),
		zap.String("from", string(prev)),
		zap.String("to", string(call.Status)),
		zap.String("actor_id", actorID.String()))

	if !call.Status.IsTerminal() || prev.IsTerminal() {
		return
	}

	s.metrics.AddActiveCalls(-1)
	if call.Status == domain.CallStatusCompleted {
		s.metrics.RecordCallDuration(call.Duration)
	}
	s.cache.Delete(participantsKey(call.ID))

	for _, fn := range s.finalizers {
		go fn(context.Background(), call.ID, domain.CallCategoryOneToOne)
	}
}

func (s *Service) appendEvent(ctx context.Context, call *domain.CallSession, t domain.CallEventType, userID uuid.UUID, deviceID string, details map[string]string) {
	if s.events == nil {
		return
	}
	err := s.events.Append(ctx, &domain.CallEvent{
		CallID:    call.ID,
		Category:  domain.CallCategoryOneToOne,
		Type:      t,
		UserID:    userID,
		DeviceID:  deviceID,
		Details:   details,
		CreatedAt: s.now(),
	})
	if err != nil {
		logger.Warn("Failed to append call event",
			zap.String("call_id", call.ID.String()),
			zap.String("event", string(t)),
			zap.Error(err))
	}
}

func (s *Service) callerSummary(ctx context.Context, userID uuid.UUID) *domain.CallerSummary {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return &domain.CallerSummary{UserID: userID}
	}
	summary := u.Summary()
	return &summary
}

func (s *Service) missedEnvelope(ctx context.Context, call *domain.CallSession) *signaling.Envelope {
	return signaling.MustEnvelope(signaling.KindCallMissed, &signaling.CallMissedPayload{
		CallID: call.ID,
		Caller: s.callerSummary(ctx, call.CallerID),
		Kind:   call.Kind,
	})
}

func statusEnvelope(call *domain.CallSession) *signaling.Envelope {
	return signaling.MustEnvelope(signaling.KindCallStatus, &signaling.CallStatusPayload{
		CallID: call.ID,
		Status: call.Status,
		Call:   call,
	})
}
