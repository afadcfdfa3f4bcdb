package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallEventType labels an entry of the call event log
type CallEventType string

const (
	EventInitiated          CallEventType = "initiated"
	EventRinging            CallEventType = "ringing"
	EventAnswered           CallEventType = "answered"
	EventRejected           CallEventType = "rejected"
	EventMissed             CallEventType = "missed"
	EventEnded              CallEventType = "ended"
	EventFailed             CallEventType = "failed"
	EventParticipantJoined  CallEventType = "participant_joined"
	EventParticipantLeft    CallEventType = "participant_left"
	EventScreenShareStarted CallEventType = "screen_share_started"
	EventScreenShareEnded   CallEventType = "screen_share_ended"
	EventQualityIssue       CallEventType = "quality_issue"
	EventFallbackActivated  CallEventType = "fallback_activated"
	EventNetworkChange      CallEventType = "network_change"
)

// ClientReported reports whether clients may log this event type themselves.
// Lifecycle and roster events are written by the server only.
func (t CallEventType) ClientReported() bool {
	switch t {
	case EventQualityIssue, EventFallbackActivated, EventNetworkChange:
		return true
	}
	return false
}

// CallEvent is an append-only audit entry for a call or group call
// Maps to Cassandra call_events table
type CallEvent struct {
	CallID    uuid.UUID         `json:"callId"`
	EventID   string            `json:"eventId"`
	Category  CallCategory      `json:"callType"`
	Type      CallEventType     `json:"type"`
	UserID    uuid.UUID         `json:"userId"`
	DeviceID  string            `json:"deviceId,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// EventTypeForStatus maps a terminal or ringing call status onto its event type
func EventTypeForStatus(s CallStatus) CallEventType {
	switch s {
	case CallStatusRinging:
		return EventRinging
	case CallStatusOngoing:
		return EventAnswered
	case CallStatusRejected:
		return EventRejected
	case CallStatusMissed:
		return EventMissed
	case CallStatusFailed:
		return EventFailed
	case CallStatusCompleted:
		return EventEnded
	}
	return EventInitiated
}
