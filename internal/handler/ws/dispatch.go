// Package ws serves device connections and dispatches their signaling frames.
package ws

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callcore-backend/internal/domain"
	"callcore-backend/internal/service/call"
	"callcore-backend/internal/service/groupcall"
	"callcore-backend/internal/signaling"
	apperrors "callcore-backend/pkg/errors"
	"callcore-backend/pkg/logger"
	"callcore-backend/pkg/metrics"
)

// CallService handles one-to-one call requests
type CallService interface {
	Initiate(ctx context.Context, in call.InitiateInput) (*domain.CallSession, error)
	Accept(ctx context.Context, in call.AcceptInput) (*domain.CallSession, error)
	Reject(ctx context.Context, callID, userID uuid.UUID, deviceID, reason string) (*domain.CallSession, error)
	End(ctx context.Context, callID, userID uuid.UUID, deviceID, reason string) (*domain.CallSession, error)
	RelayICE(ctx context.Context, in call.ICEInput) error
}

// GroupCallService handles group call requests
type GroupCallService interface {
	Join(ctx context.Context, groupCallID, userID uuid.UUID, deviceID string) (*domain.GroupCall, error)
	Leave(ctx context.Context, groupCallID, userID uuid.UUID) (*domain.GroupCall, error)
	ToggleScreenShare(ctx context.Context, groupCallID, userID uuid.UUID, sharing bool) (*domain.GroupCall, error)
	SetMedia(ctx context.Context, groupCallID, userID uuid.UUID, muted, videoOff bool) (*domain.GroupCall, error)
	Relay(ctx context.Context, kind signaling.Kind, in groupcall.RelayInput) error
}

// QualityService handles quality reports
type QualityService interface {
	Record(ctx context.Context, sample *domain.QualitySample) (*domain.Recommendation, error)
	ReportFallback(ctx context.Context, callID uuid.UUID, category domain.CallCategory, userID uuid.UUID, deviceID string, action domain.RecommendationAction) error
}

// Peer is the connection a frame arrived on
type Peer interface {
	UserID() uuid.UUID
	DeviceID() string
	Send(frame []byte) bool
}

// Dispatcher routes inbound envelopes to services and replies to the sender
type Dispatcher struct {
	calls   CallService
	groups  GroupCallService
	quality QualityService
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher
func NewDispatcher(calls CallService, groups GroupCallService, quality QualityService, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		calls:   calls,
		groups:  groups,
		quality: quality,
		metrics: m,
	}
}

// Dispatch handles one envelope from p. Failures are reported to p as an
// error frame carrying the request ID.
func (d *Dispatcher) Dispatch(ctx context.Context, p Peer, env *signaling.Envelope) {
	payload, err := signaling.DecodePayload(env)
	if err != nil {
		d.reject(p, env.ID, err)
		return
	}

	reply, err := d.handle(ctx, p, env.Type, payload)
	if err != nil {
		d.reject(p, env.ID, err)
		return
	}
	if reply != nil {
		reply.ID = env.ID
		d.send(p, reply)
	}
}

func (d *Dispatcher) handle(ctx context.Context, p Peer, kind signaling.Kind, payload interface{}) (*signaling.Envelope, error) {
	userID, deviceID := p.UserID(), p.DeviceID()

	// group kinds share payload types
	switch kind {
	case signaling.KindGroupJoin:
		m := payload.(*signaling.GroupRefPayload)
		gc, err := d.groups.Join(ctx, m.GroupCallID, userID, deviceID)
		return groupStatus(gc), err

	case signaling.KindGroupLeave:
		m := payload.(*signaling.GroupRefPayload)
		gc, err := d.groups.Leave(ctx, m.GroupCallID, userID)
		return groupStatus(gc), err

	case signaling.KindGroupOffer, signaling.KindGroupAnswer, signaling.KindGroupICE:
		m := payload.(*signaling.GroupRelayPayload)
		return nil, d.groups.Relay(ctx, kind, groupcall.RelayInput{
			GroupCallID:  m.GroupCallID,
			FromUserID:   userID,
			FromDeviceID: deviceID,
			ToDeviceID:   m.ToConnectionID,
			Payload:      m.Payload,
		})
	}

	switch m := payload.(type) {
	case *signaling.PingPayload:
		return signaling.MustEnvelope(signaling.KindPong, nil), nil

	case *signaling.CallInitiatePayload:
		c, err := d.calls.Initiate(ctx, call.InitiateInput{
			CallerID:       userID,
			ReceiverID:     m.ReceiverID,
			Kind:           m.Kind,
			Offer:          m.Offer,
			CallerDeviceID: deviceID,
		})
		return callStatus(c), err

	case *signaling.CallAcceptPayload:
		c, err := d.calls.Accept(ctx, call.AcceptInput{
			CallID:   m.CallID,
			UserID:   userID,
			DeviceID: deviceID,
			Answer:   m.Answer,
		})
		return callStatus(c), err

	case *signaling.CallRejectPayload:
		c, err := d.calls.Reject(ctx, m.CallID, userID, deviceID, m.Reason)
		return callStatus(c), err

	case *signaling.CallEndPayload:
		c, err := d.calls.End(ctx, m.CallID, userID, deviceID, m.Reason)
		return callStatus(c), err

	case *signaling.ICECandidatePayload:
		return nil, d.calls.RelayICE(ctx, call.ICEInput{
			CallID:         m.CallID,
			FromUserID:     userID,
			FromDeviceID:   deviceID,
			Candidate:      m.Candidate,
			TargetUserID:   m.TargetUserID,
			TargetDeviceID: m.TargetDeviceID,
		})

	case *signaling.GroupScreenSharePayload:
		gc, err := d.groups.ToggleScreenShare(ctx, m.GroupCallID, userID, m.Sharing)
		return groupStatus(gc), err

	case *signaling.GroupMediaPayload:
		gc, err := d.groups.SetMedia(ctx, m.GroupCallID, userID, m.Muted, m.VideoOff)
		return groupStatus(gc), err

	case *signaling.QualitySamplePayload:
		sample := &domain.QualitySample{
			CallID:   m.CallID,
			UserID:   userID,
			DeviceID: deviceID,
			Category: m.CallType,
			Metrics:  m.Metrics,
		}
		rec, err := d.quality.Record(ctx, sample)
		if err != nil || rec == nil {
			return nil, err
		}
		return signaling.MustEnvelope(signaling.KindQualityIssue, &signaling.QualityIssuePayload{
			CallID:         m.CallID,
			UserID:         userID,
			Metrics:        m.Metrics,
			Recommendation: rec,
		}), nil

	case *signaling.QualityFallbackPayload:
		return nil, d.quality.ReportFallback(ctx, m.CallID, m.CallType, userID, deviceID, m.Action)
	}

	return nil, apperrors.ValidationError("unsupported message type")
}

// reject sends an error frame for err to p
func (d *Dispatcher) reject(p Peer, requestID string, err error) {
	var appErr *apperrors.AppError
	switch {
	case errors.Is(err, signaling.ErrUnknownKind), errors.Is(err, signaling.ErrMalformedFrame):
		appErr = apperrors.ValidationError(err.Error())
	default:
		appErr = apperrors.GetAppError(err)
	}

	if appErr.Code == apperrors.ErrCodeInternal || appErr.Code == apperrors.ErrCodeDatabase {
		logger.Error("Signaling request failed",
			zap.String("user_id", p.UserID().String()),
			zap.String("device_id", p.DeviceID()),
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	d.metrics.RecordWebSocketError(string(appErr.Code))

	d.send(p, signaling.MustEnvelope(signaling.KindError, &signaling.ErrorPayload{
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		Details:   appErr.Details,
		RequestID: requestID,
	}))
}

func (d *Dispatcher) send(p Peer, env *signaling.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		logger.Error("Failed to encode reply", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	if p.Send(frame) {
		d.metrics.RecordWebSocketMessage(string(env.Type), "outbound")
	}
}

func callStatus(c *domain.CallSession) *signaling.Envelope {
	if c == nil {
		return nil
	}
	return signaling.MustEnvelope(signaling.KindCallStatus, &signaling.CallStatusPayload{
		CallID: c.ID,
		Status: c.Status,
		Call:   c,
	})
}

func groupStatus(gc *domain.GroupCall) *signaling.Envelope {
	if gc == nil {
		return nil
	}
	return signaling.MustEnvelope(signaling.KindGroupStatus, &signaling.GroupStatusPayload{GroupCall: gc})
}
