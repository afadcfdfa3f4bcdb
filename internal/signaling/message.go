// Package signaling defines the device protocol and routes envelopes to
// connected devices, other nodes or push.
package signaling

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"callcore-backend/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind tags an envelope
type Kind string

// Client to server kinds. The call and group kinds are also relayed to peers.
const (
	KindCallInitiate     Kind = "call.initiate"
	KindCallAccept       Kind = "call.accept"
	KindCallReject       Kind = "call.reject"
	KindCallEnd          Kind = "call.end"
	KindICECandidate     Kind = "ice.candidate"
	KindGroupJoin        Kind = "group.join"
	KindGroupLeave       Kind = "group.leave"
	KindGroupOffer       Kind = "group.offer"
	KindGroupAnswer      Kind = "group.answer"
	KindGroupICE         Kind = "group.ice"
	KindGroupScreenShare Kind = "group.screen_share"
	KindGroupMedia       Kind = "group.media"
	KindQualitySample    Kind = "quality.sample"
	KindQualityFallback  Kind = "quality.fallback"
	KindPing             Kind = "ping"
)

// Server to client kinds
const (
	KindCallRinging        Kind = "call.ringing"
	KindCallCancel         Kind = "call.cancel"
	KindCallStatus         Kind = "call.status"
	KindCallMissed         Kind = "call.missed"
	KindGroupInvite        Kind = "group.invite"
	KindParticipantJoined  Kind = "group.participant_joined"
	KindParticipantLeft    Kind = "group.participant_left"
	KindGroupEnded         Kind = "group.ended"
	KindGroupStatus        Kind = "group.status"
	KindQualityIssue       Kind = "quality.issue"
	KindPresenceReady      Kind = "presence.ready"
	KindPong               Kind = "pong"
	KindError              Kind = "error"
)

// Pushable reports whether an undeliverable envelope of this kind falls back to push
func (k Kind) Pushable() bool {
	return k == KindCallInitiate || k == KindGroupInvite || k == KindCallMissed
}

// Envelope is the frame exchanged with devices
type Envelope struct {
	Type       Kind                `json:"type"`
	ID         string              `json:"id,omitempty"`
	From       string              `json:"from,omitempty"`
	FromDevice string              `json:"fromDevice,omitempty"`
	Payload    jsoniter.RawMessage `json:"payload,omitempty"`
	Timestamp  int64               `json:"timestamp"`
}

// Errors returned while decoding frames
var (
	ErrUnknownKind    = errors.New("unknown message type")
	ErrMalformedFrame = errors.New("malformed frame")
)

// NewEnvelope builds a server envelope around payload
func NewEnvelope(kind Kind, payload interface{}) (*Envelope, error) {
	env := &Envelope{Type: kind, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env.Payload = raw
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads that always marshal
func MustEnvelope(kind Kind, payload interface{}) *Envelope {
	env, err := NewEnvelope(kind, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// WithSender stamps the originating user and device
func (e *Envelope) WithSender(userID uuid.UUID, deviceID string) *Envelope {
	e.From = userID.String()
	e.FromDevice = deviceID
	return e
}

// Encode marshals the envelope
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a frame
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return &env, nil
}

// DecodePayload unmarshals the payload into the struct registered for its kind
func DecodePayload(env *Envelope) (interface{}, error) {
	var target interface{}
	switch env.Type {
	case KindCallInitiate:
		target = &CallInitiatePayload{}
	case KindCallAccept:
		target = &CallAcceptPayload{}
	case KindCallReject:
		target = &CallRejectPayload{}
	case KindCallEnd:
		target = &CallEndPayload{}
	case KindICECandidate:
		target = &ICECandidatePayload{}
	case KindGroupJoin, KindGroupLeave:
		target = &GroupRefPayload{}
	case KindGroupOffer, KindGroupAnswer, KindGroupICE:
		target = &GroupRelayPayload{}
	case KindGroupScreenShare:
		target = &GroupScreenSharePayload{}
	case KindGroupMedia:
		target = &GroupMediaPayload{}
	case KindQualitySample:
		target = &QualitySamplePayload{}
	case KindQualityFallback:
		target = &QualityFallbackPayload{}
	case KindPing:
		return &PingPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, env.Type)
	}

	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s requires a payload", ErrMalformedFrame, env.Type)
	}
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return target, nil
}

// CallInitiatePayload starts a call. The server adds CallID and Caller when relaying.
type CallInitiatePayload struct {
	CallID         string                     `json:"callId,omitempty"`
	ReceiverID     uuid.UUID                  `json:"receiverId"`
	Kind           domain.CallKind            `json:"kind"`
	Offer          *webrtc.SessionDescription `json:"offer,omitempty"`
	CallerDeviceID string                     `json:"callerDeviceId,omitempty"`
	Caller         *domain.CallerSummary      `json:"caller,omitempty"`
}

// CallAcceptPayload answers a call from one of the receiver's devices
type CallAcceptPayload struct {
	CallID   uuid.UUID                  `json:"callId"`
	CallerID uuid.UUID                  `json:"callerId"`
	Answer   *webrtc.SessionDescription `json:"answer"`
	DeviceID string                     `json:"deviceId,omitempty"`
}

// CallRejectPayload declines a call
type CallRejectPayload struct {
	CallID   uuid.UUID `json:"callId"`
	CallerID uuid.UUID `json:"callerId,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// CallEndPayload hangs up
type CallEndPayload struct {
	CallID       uuid.UUID `json:"callId"`
	OtherPartyID uuid.UUID `json:"otherPartyId,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// ICECandidatePayload trickles a candidate to the other participant
type ICECandidatePayload struct {
	CallID         uuid.UUID               `json:"callId"`
	Candidate      webrtc.ICECandidateInit `json:"candidate"`
	TargetUserID   uuid.UUID               `json:"targetUserId"`
	TargetDeviceID string                  `json:"targetDeviceId,omitempty"`
}

// GroupRefPayload names a group call
type GroupRefPayload struct {
	GroupCallID uuid.UUID `json:"groupCallId"`
}

// GroupRelayPayload carries mesh negotiation between two connections
type GroupRelayPayload struct {
	GroupCallID      uuid.UUID           `json:"groupCallId"`
	ToConnectionID   string              `json:"toConnectionId"`
	FromConnectionID string              `json:"fromConnectionId,omitempty"`
	FromUserID       string              `json:"fromUserId,omitempty"`
	Payload          jsoniter.RawMessage `json:"payload"`
}

// GroupScreenSharePayload toggles screen sharing
type GroupScreenSharePayload struct {
	GroupCallID uuid.UUID `json:"groupCallId"`
	Sharing     bool      `json:"sharing"`
	UserID      string    `json:"userId,omitempty"`
}

// GroupMediaPayload updates mute and camera flags
type GroupMediaPayload struct {
	GroupCallID uuid.UUID `json:"groupCallId"`
	Muted       bool      `json:"muted"`
	VideoOff    bool      `json:"videoOff"`
	UserID      string    `json:"userId,omitempty"`
}

// QualitySamplePayload reports client-side connection metrics
type QualitySamplePayload struct {
	CallID   uuid.UUID             `json:"callId"`
	CallType domain.CallCategory   `json:"callType"`
	Metrics  domain.QualityMetrics `json:"metrics"`
}

// QualityFallbackPayload reports a fallback the client applied
type QualityFallbackPayload struct {
	CallID   uuid.UUID                   `json:"callId"`
	CallType domain.CallCategory         `json:"callType"`
	Action   domain.RecommendationAction `json:"action"`
	UserID   string                      `json:"userId,omitempty"`
}

// PingPayload is empty
type PingPayload struct{}

// CallRingingPayload tells the caller that at least one device is ringing
type CallRingingPayload struct {
	CallID     uuid.UUID `json:"callId"`
	ReceiverID uuid.UUID `json:"receiverId"`
	Devices    int       `json:"devices"`
}

// CallCancelPayload stops ringing on devices that did not answer
type CallCancelPayload struct {
	CallID     uuid.UUID `json:"callId"`
	Reason     string    `json:"reason"`
	AnsweredOn string    `json:"answeredOn,omitempty"`
}

// CallStatusPayload carries the authoritative session after a state change
type CallStatusPayload struct {
	CallID uuid.UUID           `json:"callId"`
	Status domain.CallStatus   `json:"status"`
	Call   *domain.CallSession `json:"call"`
}

// CallMissedPayload is sent to both parties when ringing times out
type CallMissedPayload struct {
	CallID uuid.UUID             `json:"callId"`
	Caller *domain.CallerSummary `json:"caller,omitempty"`
	Kind   domain.CallKind       `json:"kind"`
}

// GroupInvitePayload invites a conversation member to a group call
type GroupInvitePayload struct {
	GroupCallID    uuid.UUID             `json:"groupCallId"`
	ConversationID uuid.UUID             `json:"conversationId"`
	Kind           domain.CallKind       `json:"kind"`
	Initiator      *domain.CallerSummary `json:"initiator,omitempty"`
}

// GroupParticipantPayload announces a join or leave
type GroupParticipantPayload struct {
	GroupCallID  uuid.UUID `json:"groupCallId"`
	UserID       uuid.UUID `json:"userId"`
	ConnectionID string    `json:"connectionId,omitempty"`
}

// GroupEndedPayload announces the end of a group call
type GroupEndedPayload struct {
	GroupCallID uuid.UUID `json:"groupCallId"`
	Reason      string    `json:"reason"`
}

// GroupStatusPayload carries the authoritative group call
type GroupStatusPayload struct {
	GroupCall *domain.GroupCall `json:"groupCall"`
}

// QualityIssuePayload forwards a recommendation to the other participants
type QualityIssuePayload struct {
	CallID         uuid.UUID              `json:"callId"`
	UserID         uuid.UUID              `json:"userId"`
	Metrics        domain.QualityMetrics  `json:"metrics"`
	Recommendation *domain.Recommendation `json:"recommendation"`
}

// PresenceReadyPayload confirms registration of a device
type PresenceReadyPayload struct {
	UserID       uuid.UUID          `json:"userId"`
	DeviceID     string             `json:"deviceId"`
	ConnectionID string             `json:"connectionId"`
	ICEServers   []webrtc.ICEServer `json:"iceServers,omitempty"`
}

// ErrorPayload reports a failed request
type ErrorPayload struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// SDP validation errors
var (
	ErrMissingSDP = errors.New("session description is required")
	ErrSDPType    = errors.New("unexpected session description type")
	ErrSDPNoMedia = errors.New("session description has no media sections")
)

// ValidateDescription checks that desc is a parseable SDP of the wanted type
func ValidateDescription(desc *webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc == nil || desc.SDP == "" {
		return ErrMissingSDP
	}
	if desc.Type != want {
		return fmt.Errorf("%w: got %s, want %s", ErrSDPType, desc.Type, want)
	}

	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(desc.SDP); err != nil {
		return fmt.Errorf("invalid sdp: %w", err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return ErrSDPNoMedia
	}
	return nil
}
