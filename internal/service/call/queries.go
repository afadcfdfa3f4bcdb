package call

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callcore-backend/internal/domain"
	"callcore-backend/internal/signaling"
	"callcore-backend/pkg/constants"
	apperrors "callcore-backend/pkg/errors"
	"callcore-backend/pkg/logger"
	"callcore-backend/pkg/pagination"
)

// Get returns a call the requester took part in
func (s *Service) Get(ctx context.Context, callID, requesterID uuid.UUID) (*domain.CallSession, error) {
	call, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.IsParticipant(requesterID) {
		return nil, apperrors.ForbiddenError("not a participant of this call")
	}
	return call, nil
}

// History returns a page of the user's calls
func (s *Service) History(ctx context.Context, userID uuid.UUID, params *pagination.Params) (*pagination.Page, error) {
	calls, total, err := s.repo.ListByUser(ctx, userID, params.Limit, params.Offset, params.Ascending)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if calls == nil {
		calls = []*domain.CallSession{}
	}
	return pagination.Build(params, total, calls), nil
}

// Participants returns caller and receiver of a call. Results are cached
// until the call ends.
func (s *Service) Participants(ctx context.Context, callID uuid.UUID) ([]uuid.UUID, error) {
	v, err := s.cache.GetOrLoad(participantsKey(callID), constants.ParticipantCacheTTL, func() (interface{}, error) {
		call, err := s.load(ctx, callID)
		if err != nil {
			return nil, err
		}
		return []uuid.UUID{call.CallerID, call.ReceiverID}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]uuid.UUID), nil
}

// Delete removes a finished call from the requester's history
func (s *Service) Delete(ctx context.Context, callID, requesterID uuid.UUID) error {
	unlock := s.locks.Lock(callID.String())
	defer unlock()

	call, err := s.load(ctx, callID)
	if err != nil {
		return err
	}
	if !call.IsParticipant(requesterID) {
		return apperrors.ForbiddenError("not a participant of this call")
	}
	if !call.Status.IsTerminal() {
		return apperrors.InvalidStateError("only finished calls can be deleted").WithDetails(call)
	}
	if err := s.repo.Delete(ctx, callID); err != nil {
		return apperrors.DatabaseError(err)
	}
	s.cache.Delete(participantsKey(callID))
	return nil
}

// ExpireRinging marks calls that rang for longer than timeout as missed and
// returns how many were expired.
func (s *Service) ExpireRinging(ctx context.Context, timeout time.Duration) (int, error) {
	stale, err := s.repo.ListStale(ctx, s.now().Add(-timeout))
	if err != nil {
		return 0, apperrors.DatabaseError(err)
	}

	expired := 0
	for _, candidate := range stale {
		call, prev, err := s.mutate(ctx, candidate.ID, func(c *domain.CallSession) error {
			if c.Status != domain.CallStatusInitiated && c.Status != domain.CallStatusRinging {
				return errAlreadyMoved
			}
			if err := s.apply(c, domain.CallStatusMissed, nil); err != nil {
				return err
			}
			c.EndReason = "timeout"
			return nil
		})
		if err != nil {
			if !errors.Is(err, errAlreadyMoved) {
				logger.Warn("Failed to expire ringing call",
					zap.String("call_id", candidate.ID.String()),
					zap.Error(err))
			}
			continue
		}

		expired++
		s.afterTransition(ctx, call, prev, call.ReceiverID, "")
		s.router.Route(ctx, call.CallerID, statusEnvelope(call), call.CallerDeviceID)
		s.router.Route(ctx, call.ReceiverID, s.missedEnvelope(ctx, call), "")
	}

	return expired, nil
}

// HandleDisconnect ends the open calls of a user whose last device went
// away and did not come back within the grace period.
func (s *Service) HandleDisconnect(ctx context.Context, userID uuid.UUID) {
	open, err := s.repo.ListOpenByUser(ctx, userID)
	if err != nil {
		logger.Warn("Failed to list open calls for disconnected user",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	for _, call := range open {
		if _, err := s.hangUp(ctx, call.ID, userID, "", constants.EndReasonConnectionLost, true); err != nil {
			logger.Debug("Could not end call after disconnect",
				zap.String("call_id", call.ID.String()),
				zap.Error(err))
		}
	}
}

// Notify forwards an arbitrary envelope to the other participant of a live call
func (s *Service) Notify(ctx context.Context, callID, fromUserID uuid.UUID, env *signaling.Envelope) error {
	call, err := s.load(ctx, callID)
	if err != nil {
		return err
	}
	if !call.IsParticipant(fromUserID) {
		return apperrors.ForbiddenError("not a participant of this call")
	}
	s.router.Route(ctx, call.OtherParty(fromUserID), env, "")
	return nil
}

func participantsKey(callID uuid.UUID) string {
	return "call:participants:" + callID.String()
}
