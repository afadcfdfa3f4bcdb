package groupcall

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"callcore-backend/internal/domain"
	"callcore-backend/internal/lock"
	"callcore-backend/internal/signaling"
	"callcore-backend/pkg/constants"
	apperrors "callcore-backend/pkg/errors"
	"callcore-backend/pkg/logger"
	"callcore-backend/pkg/metrics"
)

// Repository persists group calls together with their rosters
type Repository interface {
	// Create fails with domain.ErrActiveCallExists when the conversation
	// already has an open call.
	Create(ctx context.Context, gc *domain.GroupCall) error
	GetByID(ctx context.Context, groupCallID uuid.UUID) (*domain.GroupCall, error)
	GetOpenByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.GroupCall, error)
	// Update writes gc and its roster if the stored version equals gc.Version
	Update(ctx context.Context, gc *domain.GroupCall) error
	ListOpenByUser(ctx context.Context, userID uuid.UUID) ([]*domain.GroupCall, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int, ascending bool) ([]*domain.GroupCall, int64, error)
	ListStale(ctx context.Context, createdBefore time.Time) ([]*domain.GroupCall, error)
}

// ConversationRepository answers membership questions
type ConversationRepository interface {
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

// UserRepository resolves initiator details for invitations
type UserRepository interface {
	GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

// EventLog records call events
type EventLog interface {
	Append(ctx context.Context, event *domain.CallEvent) error
}

// Router delivers envelopes
type Router interface {
	Route(ctx context.Context, userID uuid.UUID, env *signaling.Envelope, targetDeviceID string) signaling.Delivery
	RouteDevice(ctx context.Context, deviceID string, env *signaling.Envelope) signaling.Delivery
}

// FinalizeFunc runs once a group call reached a terminal state
type FinalizeFunc func(ctx context.Context, callID uuid.UUID, category domain.CallCategory)

// Service manages group call membership
type Service struct {
	repo          Repository
	conversations ConversationRepository
	users         UserRepository
	events        EventLog
	router        Router
	locks         *lock.KeyedMutex
	metrics       *metrics.Metrics
	defaultMax    int
	finalizers    []FinalizeFunc
	now           func() time.Time
}

// NewService creates a new group call service. defaultMax applies when a
// request does not name a size.
func NewService(repo Repository, conversations ConversationRepository, users UserRepository, events EventLog, router Router, defaultMax int, m *metrics.Metrics) *Service {
	return &Service{
		repo:          repo,
		conversations: conversations,
		users:         users,
		events:        events,
		router:        router,
		locks:         lock.NewKeyedMutex(),
		metrics:       m,
		defaultMax:    defaultMax,
		now:           time.Now,
	}
}

// OnFinalized registers fn to run after a call ends or fails
func (s *Service) OnFinalized(fn FinalizeFunc) {
	s.finalizers = append(s.finalizers, fn)
}

// CreateInput contains group call creation data
type CreateInput struct {
	InitiatorID       uuid.UUID
	InitiatorDeviceID string
	ConversationID    uuid.UUID
	Kind              domain.CallKind
	Invitees          []uuid.UUID
	MaxParticipants   int
}

// Create starts a group call in a conversation. When the conversation already
// has an open call that call is returned with created=false.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.GroupCall, bool, error) {
	if !in.Kind.Valid() {
		return nil, false, apperrors.ValidationError("kind must be audio or video")
	}
	if err := s.requireMember(ctx, in.ConversationID, in.InitiatorID); err != nil {
		return nil, false, err
	}
	invitees := lo.Uniq(lo.Without(in.Invitees, in.InitiatorID))
	for _, id := range invitees {
		ok, err := s.conversations.IsParticipant(ctx, in.ConversationID, id)
		if err != nil {
			return nil, false, apperrors.DatabaseError(err)
		}
		if !ok {
			return nil, false, apperrors.ForbiddenError("invitee is not a member of the conversation").
				WithDetails(map[string]string{"userId": id.String()})
		}
	}

	unlock := s.locks.Lock("conversation:" + in.ConversationID.String())
	defer unlock()

	existing, err := s.repo.GetOpenByConversation(ctx, in.ConversationID)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, domain.ErrGroupCallNotFound):
		return nil, false, apperrors.DatabaseError(err)
	}

	max := domain.ClampMaxParticipants(in.MaxParticipants, s.defaultMax)
	gc := domain.NewGroupCall(in.InitiatorID, in.ConversationID, in.Kind, invitees, max, s.now())
	gc.Participants[0].DeviceID = in.InitiatorDeviceID

	if err := s.repo.Create(ctx, gc); err != nil {
		if errors.Is(err, domain.ErrActiveCallExists) {
			winner, getErr := s.repo.GetOpenByConversation(ctx, in.ConversationID)
			if getErr != nil {
				return nil, false, apperrors.DatabaseError(getErr)
			}
			return winner, false, nil
		}
		return nil, false, apperrors.DatabaseError(err)
	}

	s.metrics.RecordGroupCall(string(gc.Status))
	s.appendEvent(ctx, gc.ID, domain.EventInitiated, in.InitiatorID, "", nil)

	logger.Info("Group call created",
		zap.String("group_call_id", gc.ID.String()),
		zap.String("conversation_id", in.ConversationID.String()),
		zap.String("initiator_id", in.InitiatorID.String()),
		zap.Int("invitees", len(invitees)),
		zap.Int("max_participants", max))

	invite := signaling.MustEnvelope(signaling.KindGroupInvite, &signaling.GroupInvitePayload{
		GroupCallID:    gc.ID,
		ConversationID: gc.ConversationID,
		Kind:           gc.Kind,
		Initiator:      s.summary(ctx, in.InitiatorID),
	}).WithSender(in.InitiatorID, in.InitiatorDeviceID)
	for _, id := range invitees {
		s.router.Route(ctx, id, invite, "")
	}

	return gc, true, nil
}

// Join activates userID from deviceID. The other active participants are
// told the joiner's connection so they can send mesh offers.
func (s *Service) Join(ctx context.Context, groupCallID, userID uuid.UUID, deviceID string) (*domain.GroupCall, error) {
	gc, err := s.mutate(ctx, groupCallID, func(g *domain.GroupCall) error {
		if !g.IsActiveParticipant(userID) {
			if err := s.requireMember(ctx, g.ConversationID, userID); err != nil {
				return err
			}
		}
		return g.Join(userID, deviceID, s.now())
	})
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeCapacity) {
			s.metrics.RecordCapacityRejection()
		}
		return nil, err
	}

	s.metrics.RecordGroupCall(string(gc.Status))
	s.metrics.RecordGroupCallParticipants(gc.ActiveCount())
	s.appendEvent(ctx, gc.ID, domain.EventParticipantJoined, userID, deviceID, nil)

	logger.Info("Participant joined group call",
		zap.String("group_call_id", gc.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("device_id", deviceID),
		zap.Int("active", gc.ActiveCount()))

	s.broadcast(ctx, gc, userID, signaling.MustEnvelope(signaling.KindParticipantJoined, &signaling.GroupParticipantPayload{
		GroupCallID:  gc.ID,
		UserID:       userID,
		ConnectionID: deviceID,
	}))
	return gc, nil
}

// Leave deactivates userID. The last participant leaving ends the call.
func (s *Service) Leave(ctx context.Context, groupCallID, userID uuid.UUID) (*domain.GroupCall, error) {
	var (
		ended    bool
		deviceID string
	)
	gc, err := s.mutate(ctx, groupCallID, func(g *domain.GroupCall) error {
		if p := g.Participant(userID); p != nil {
			deviceID = p.DeviceID
		}
		var err error
		ended, err = g.Leave(userID, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	s.appendEvent(ctx, gc.ID, domain.EventParticipantLeft, userID, deviceID, nil)
	s.broadcast(ctx, gc, userID, signaling.MustEnvelope(signaling.KindParticipantLeft, &signaling.GroupParticipantPayload{
		GroupCallID:  gc.ID,
		UserID:       userID,
		ConnectionID: deviceID,
	}))

	if ended {
		s.closed(ctx, gc, userID, nil)
	}
	return gc, nil
}

// End terminates the call on behalf of its initiator
func (s *Service) End(ctx context.Context, groupCallID, requesterID uuid.UUID) (*domain.GroupCall, error) {
	var wereActive []uuid.UUID
	gc, err := s.mutate(ctx, groupCallID, func(g *domain.GroupCall) error {
		wereActive = g.ActiveUserIDs()
		return g.End(requesterID, s.now())
	})
	if err != nil {
		return nil, err
	}

	s.closed(ctx, gc, requesterID, wereActive)
	return gc, nil
}

// mutate applies fn to a fresh copy of the call under its lock and writes it
// back with a version check, retrying on conflicts.
func (s *Service) mutate(ctx context.Context, groupCallID uuid.UUID, fn func(*domain.GroupCall) error) (*domain.GroupCall, error) {
	unlock := s.locks.Lock(groupCallID.String())
	defer unlock()

	for attempt := 0; attempt < constants.MaxTransitionRetries; attempt++ {
		gc, err := s.load(ctx, groupCallID)
		if err != nil {
			return nil, err
		}
		snapshot := gc.Clone()

		if err := fn(gc); err != nil {
			return nil, mapDomainError(err, snapshot)
		}

		err = s.repo.Update(ctx, gc)
		if errors.Is(err, domain.ErrVersionConflict) {
			s.metrics.RecordCallConflict()
			logger.Debug("Group call version conflict, retrying",
				zap.String("group_call_id", groupCallID.String()),
				zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		return gc, nil
	}

	current, err := s.load(ctx, groupCallID)
	if err != nil {
		return nil, err
	}
	return nil, apperrors.ConflictError("group call was modified concurrently").WithDetails(current)
}

func (s *Service) load(ctx context.Context, groupCallID uuid.UUID) (*domain.GroupCall, error) {
	gc, err := s.repo.GetByID(ctx, groupCallID)
	if err != nil {
		if errors.Is(err, domain.ErrGroupCallNotFound) {
			return nil, apperrors.GroupCallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}
	return gc, nil
}

func (s *Service) requireMember(ctx context.Context, conversationID, userID uuid.UUID) error {
	ok, err := s.conversations.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	if !ok {
		return apperrors.ForbiddenError("not a member of the conversation")
	}
	return nil
}

// mapDomainError translates roster errors, attaching the state they were checked against
func mapDomainError(err error, gc *domain.GroupCall) error {
	switch {
	case errors.Is(err, domain.ErrGroupCallClosed):
		return apperrors.InvalidStateError("group call has ended").WithDetails(gc)
	case errors.Is(err, domain.ErrGroupCallNotActive):
		return apperrors.InvalidStateError("group call is not active").WithDetails(gc)
	case errors.Is(err, domain.ErrGroupCallFull):
		return apperrors.CapacityError(gc.MaxParticipants).WithDetails(gc)
	case errors.Is(err, domain.ErrNotParticipant):
		return apperrors.ForbiddenError("not an active participant of this group call")
	case errors.Is(err, domain.ErrNotInitiator):
		return apperrors.ForbiddenError("only the initiator can end the group call")
	case errors.Is(err, domain.ErrScreenShareTaken):
		return apperrors.ConflictError("another participant is already sharing their screen").WithDetails(gc)
	case errors.Is(err, domain.ErrAlreadyJoined):
		return apperrors.InvalidStateError("participant already joined").WithDetails(gc)
	}
	return err
}

// broadcast sends env to every active participant except userID, addressed
// to the device they joined from.
func (s *Service) broadcast(ctx context.Context, gc *domain.GroupCall, except uuid.UUID, env *signaling.Envelope) {
	for _, p := range gc.ActiveParticipants() {
		if p.UserID == except {
			continue
		}
		s.router.Route(ctx, p.UserID, env, p.DeviceID)
	}
}

// closed announces a terminal call to everyone that was in it or still ringing
func (s *Service) closed(ctx context.Context, gc *domain.GroupCall, actorID uuid.UUID, wereActive []uuid.UUID) {
	s.metrics.RecordGroupCall(string(gc.Status))

	eventType := domain.EventEnded
	if gc.Status == domain.GroupCallStatusFailed {
		eventType = domain.EventFailed
	}
	s.appendEvent(ctx, gc.ID, eventType, actorID, "", map[string]string{"reason": gc.EndReason})

	logger.Info("Group call closed",
		zap.String("group_call_id", gc.ID.String()),
		zap.String("status", string(gc.Status)),
		zap.String("reason", gc.EndReason),
		zap.Int("duration", gc.Duration))

	ended := signaling.MustEnvelope(signaling.KindGroupEnded, &signaling.GroupEndedPayload{
		GroupCallID: gc.ID,
		Reason:      gc.EndReason,
	})
	notify := lo.Uniq(append(append([]uuid.UUID{gc.InitiatorID}, wereActive...), pendingOrMissed(gc)...))
	for _, id := range notify {
		if id == actorID {
			continue
		}
		s.router.Route(ctx, id, ended, "")
	}

	for _, fn := range s.finalizers {
		go fn(context.Background(), gc.ID, domain.CallCategoryGroup)
	}
}

// pendingOrMissed returns invitees that never joined and did not reject
func pendingOrMissed(gc *domain.GroupCall) []uuid.UUID {
	return lo.FilterMap(gc.Participants, func(p domain.Participant, _ int) (uuid.UUID, bool) {
		return p.UserID, p.JoinedAt == nil && (p.Status == nil || *p.Status == domain.ParticipantStatusMissed)
	})
}

func (s *Service) appendEvent(ctx context.Context, groupCallID uuid.UUID, t domain.CallEventType, userID uuid.UUID, deviceID string, details map[string]string) {
	if s.events == nil {
		return
	}
	err := s.events.Append(ctx, &domain.CallEvent{
		CallID:    groupCallID,
		Category:  domain.CallCategoryGroup,
		Type:      t,
		UserID:    userID,
		DeviceID:  deviceID,
		Details:   details,
		CreatedAt: s.now(),
	})
	if err != nil {
		logger.Warn("Failed to append group call event",
			zap.String("group_call_id", groupCallID.String()),
			zap.String("event", string(t)),
			zap.Error(err))
	}
}

func (s *Service) summary(ctx context.Context, userID uuid.UUID) *domain.CallerSummary {
	if s.users == nil {
		return &domain.CallerSummary{UserID: userID}
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return &domain.CallerSummary{UserID: userID}
	}
	summary := u.Summary()
	return &summary
}
