package groupcall

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"callcore-backend/internal/domain"
	"callcore-backend/internal/signaling"
	apperrors "callcore-backend/pkg/errors"
	"callcore-backend/pkg/logger"
	"callcore-backend/pkg/pagination"
)

// errNotStale stops an expiry that raced with a join
var errNotStale = errors.New("group call no longer stale")

// SetParticipantStatus records that targetID missed or rejected the invitation.
// Invitees answer for themselves; the initiator may mark anyone.
func (s *Service) SetParticipantStatus(ctx context.Context, groupCallID, requesterID, targetID uuid.UUID, status domain.ParticipantStatus) (*domain.GroupCall, error) {
	if !status.Valid() {
		return nil, apperrors.ValidationError("status must be missed or rejected")
	}

	var failed bool
	gc, err := s.mutate(ctx, groupCallID, func(g *domain.GroupCall) error {
		if requesterID != targetID && requesterID != g.InitiatorID {
			return apperrors.ForbiddenError("cannot change another participant's status")
		}
		var err error
		failed, err = g.SetParticipantStatus(targetID, status, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Group call invitation answered",
		zap.String("group_call_id", gc.ID.String()),
		zap.String("user_id", targetID.String()),
		zap.String("status", string(status)))

	if failed {
		s.closed(ctx, gc, requesterID, nil)
		return gc, nil
	}

	s.broadcast(ctx, gc, targetID, statusEnvelope(gc))
	return gc, nil
}

// ToggleScreenShare sets or clears the screen share flag. Only one active
// participant may share at a time.
func (s *Service) ToggleScreenShare(ctx context.Context, groupCallID, userID uuid.UUID, sharing bool) (*domain.GroupCall, error) {
	gc, err := s.mutate(ctx, groupCallID, func(g *domain.GroupCall) error {
		return g.SetScreenShare(userID, sharing, s.now())
	})
	if err != nil {
		return nil, err
	}

	eventType := domain.EventScreenShareEnded
	if sharing {
		eventType = domain.EventScreenShareStarted
		s.metrics.RecordScreenShare()
	}
	p := gc.Participant(userID)
	s.appendEvent(ctx, gc.ID, eventType, userID, p.DeviceID, nil)

	s.broadcast(ctx, gc, userID, signaling.MustEnvelope(signaling.KindGroupScreenShare, &signaling.GroupScreenSharePayload{
		GroupCallID: gc.ID,
		Sharing:     sharing,
		UserID:      userID.String(),
	}).WithSender(userID, p.DeviceID))
	return gc, nil
}

// SetMedia updates the mute and camera flags of an active participant
func (s *Service) SetMedia(ctx context.Context, groupCallID, userID uuid.UUID, muted, videoOff bool) (*domain.GroupCall, error) {
	gc, err := s.mutate(ctx, groupCallID, func(g *domain.GroupCall) error {
		return g.SetMedia(userID, muted, videoOff, s.now())
	})
	if err != nil {
		return nil, err
	}

	p := gc.Participant(userID)
	s.broadcast(ctx, gc, userID, signaling.MustEnvelope(signaling.KindGroupMedia, &signaling.GroupMediaPayload{
		GroupCallID: gc.ID,
		Muted:       muted,
		VideoOff:    videoOff,
		UserID:      userID.String(),
	}).WithSender(userID, p.DeviceID))
	return gc, nil
}

// AuthorizeRelay checks that both ends of a mesh message are active participants
func (s *Service) AuthorizeRelay(ctx context.Context, groupCallID, fromUserID uuid.UUID, toDeviceID string) (*domain.GroupCall, error) {
	gc, err := s.load(ctx, groupCallID)
	if err != nil {
		return nil, err
	}
	if !gc.Status.IsOpen() {
		return nil, apperrors.InvalidStateError("group call has ended").WithDetails(gc)
	}
	if !gc.IsActiveParticipant(fromUserID) {
		return nil, apperrors.ForbiddenError("not an active participant of this group call")
	}
	if gc.ParticipantByDevice(toDeviceID) == nil {
		return nil, apperrors.ForbiddenError("target connection is not in this group call").
			WithDetails(map[string]string{"connectionId": toDeviceID})
	}
	return gc, nil
}

// RelayInput is one mesh negotiation message between two connections
type RelayInput struct {
	GroupCallID  uuid.UUID
	FromUserID   uuid.UUID
	FromDeviceID string
	ToDeviceID   string
	Payload      jsoniter.RawMessage
}

// Relay forwards a group.offer, group.answer or group.ice message to one connection
func (s *Service) Relay(ctx context.Context, kind signaling.Kind, in RelayInput) error {
	if _, err := s.AuthorizeRelay(ctx, in.GroupCallID, in.FromUserID, in.ToDeviceID); err != nil {
		return err
	}

	env := signaling.MustEnvelope(kind, &signaling.GroupRelayPayload{
		GroupCallID:      in.GroupCallID,
		ToConnectionID:   in.ToDeviceID,
		FromConnectionID: in.FromDeviceID,
		FromUserID:       in.FromUserID.String(),
		Payload:          in.Payload,
	}).WithSender(in.FromUserID, in.FromDeviceID)

	if !s.router.RouteDevice(ctx, in.ToDeviceID, env).Delivered() {
		logger.Debug("Mesh message not delivered",
			zap.String("group_call_id", in.GroupCallID.String()),
			zap.String("to_device_id", in.ToDeviceID),
			zap.String("kind", string(kind)))
	}
	return nil
}

// Get returns a group call visible to members of its conversation
func (s *Service) Get(ctx context.Context, groupCallID, requesterID uuid.UUID) (*domain.GroupCall, error) {
	gc, err := s.load(ctx, groupCallID)
	if err != nil {
		return nil, err
	}
	if gc.Participant(requesterID) == nil {
		if err := s.requireMember(ctx, gc.ConversationID, requesterID); err != nil {
			return nil, err
		}
	}
	return gc, nil
}

// ActiveForConversation returns the open group call of a conversation to one
// of its members
func (s *Service) ActiveForConversation(ctx context.Context, conversationID, requesterID uuid.UUID) (*domain.GroupCall, error) {
	if err := s.requireMember(ctx, conversationID, requesterID); err != nil {
		return nil, err
	}
	gc, err := s.repo.GetOpenByConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, domain.ErrGroupCallNotFound) {
			return nil, apperrors.NotFoundError("Active group call")
		}
		return nil, apperrors.DatabaseError(err)
	}
	return gc, nil
}

// History returns a page of the group calls the user was invited to or joined
func (s *Service) History(ctx context.Context, userID uuid.UUID, params *pagination.Params) (*pagination.Page, error) {
	calls, total, err := s.repo.ListByUser(ctx, userID, params.Limit, params.Offset, params.Ascending)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if calls == nil {
		calls = []*domain.GroupCall{}
	}
	return pagination.Build(params, total, calls), nil
}

// ActiveParticipants returns the participants currently in the call
func (s *Service) ActiveParticipants(ctx context.Context, groupCallID uuid.UUID) ([]domain.Participant, error) {
	gc, err := s.load(ctx, groupCallID)
	if err != nil {
		return nil, err
	}
	return gc.ActiveParticipants(), nil
}

// ExpireStale fails connecting or ringing calls older than olderThan. Pending
// invitees are marked missed.
func (s *Service) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := s.repo.ListStale(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, apperrors.DatabaseError(err)
	}

	expired := 0
	for _, candidate := range stale {
		var missed []uuid.UUID
		gc, err := s.mutate(ctx, candidate.ID, func(g *domain.GroupCall) error {
			if g.Status != domain.GroupCallStatusConnecting && g.Status != domain.GroupCallStatusRinging {
				return errNotStale
			}
			missed = g.Expire(s.now())
			return nil
		})
		if err != nil {
			if !errors.Is(err, errNotStale) {
				logger.Warn("Failed to expire group call",
					zap.String("group_call_id", candidate.ID.String()),
					zap.Error(err))
			}
			continue
		}

		expired++
		for _, id := range missed {
			s.appendEvent(ctx, gc.ID, domain.EventMissed, id, "", nil)
		}
		s.closed(ctx, gc, uuid.Nil, nil)
	}
	return expired, nil
}

// HandleDisconnect removes a user that lost every device from their open group calls
func (s *Service) HandleDisconnect(ctx context.Context, userID uuid.UUID) {
	open, err := s.repo.ListOpenByUser(ctx, userID)
	if err != nil {
		logger.Warn("Failed to list open group calls for disconnected user",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	for _, gc := range open {
		if !gc.IsActiveParticipant(userID) {
			continue
		}
		if _, err := s.Leave(ctx, gc.ID, userID); err != nil {
			logger.Debug("Could not leave group call after disconnect",
				zap.String("group_call_id", gc.ID.String()),
				zap.Error(err))
		}
	}
}

func statusEnvelope(gc *domain.GroupCall) *signaling.Envelope {
	return signaling.MustEnvelope(signaling.KindGroupStatus, &signaling.GroupStatusPayload{GroupCall: gc})
}
