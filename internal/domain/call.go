package domain

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// Repository sentinels. Services translate them into AppErrors.
var (
	ErrCallNotFound      = errors.New("call not found")
	ErrGroupCallNotFound = errors.New("group call not found")
	ErrVersionConflict   = errors.New("version conflict")
	ErrActiveCallExists  = errors.New("conversation already has an active group call")
	ErrUserNotFound      = errors.New("user not found")
)

// CallKind is the media kind of a call
type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

// Valid reports whether k is audio or video
func (k CallKind) Valid() bool {
	return k == CallKindAudio || k == CallKindVideo
}

// CallStatus is the lifecycle state of a one-to-one call
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusOngoing   CallStatus = "ongoing"
	CallStatusCompleted CallStatus = "completed"
	CallStatusMissed    CallStatus = "missed"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusFailed    CallStatus = "failed"
)

var callTransitions = map[CallStatus][]CallStatus{
	CallStatusInitiated: {CallStatusRinging, CallStatusOngoing, CallStatusMissed, CallStatusRejected, CallStatusFailed},
	CallStatusRinging:   {CallStatusOngoing, CallStatusMissed, CallStatusRejected, CallStatusFailed},
	CallStatusOngoing:   {CallStatusCompleted, CallStatusFailed},
}

// Valid reports whether s is a known status
func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusInitiated, CallStatusRinging, CallStatusOngoing,
		CallStatusCompleted, CallStatusMissed, CallStatusRejected, CallStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusMissed, CallStatusRejected, CallStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> next is in the transition table
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	for _, allowed := range callTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CallSession represents a one-to-one call
// Maps to CockroachDB calls table
type CallSession struct {
	ID               uuid.UUID  `json:"id" db:"call_id"`
	CallerID         uuid.UUID  `json:"callerId" db:"caller_id"`
	ReceiverID       uuid.UUID  `json:"receiverId" db:"receiver_id"`
	Kind             CallKind   `json:"kind" db:"kind"`
	Status           CallStatus `json:"status" db:"status"`
	StartTime        time.Time  `json:"startTime" db:"start_time"`
	EndTime          *time.Time `json:"endTime,omitempty" db:"end_time"`
	Duration         int        `json:"duration" db:"duration"`
	CallerDeviceID   string     `json:"callerDeviceId,omitempty" db:"caller_device_id"`
	AnsweredDeviceID string     `json:"answeredDeviceId,omitempty" db:"answered_device_id"`
	EndReason        string     `json:"endReason,omitempty" db:"end_reason"`
	Version          int        `json:"version" db:"version"`
	CreatedAt        time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time  `json:"updatedAt" db:"updated_at"`
}

// NewCallSession creates a session in the initiated state
func NewCallSession(callerID, receiverID uuid.UUID, kind CallKind, callerDeviceID string, now time.Time) *CallSession {
	return &CallSession{
		ID:             uuid.New(),
		CallerID:       callerID,
		ReceiverID:     receiverID,
		Kind:           kind,
		Status:         CallStatusInitiated,
		StartTime:      now,
		CallerDeviceID: callerDeviceID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsParticipant reports whether userID is the caller or the receiver
func (c *CallSession) IsParticipant(userID uuid.UUID) bool {
	return userID == c.CallerID || userID == c.ReceiverID
}

// OtherParty returns the participant that is not userID
func (c *CallSession) OtherParty(userID uuid.UUID) uuid.UUID {
	if userID == c.CallerID {
		return c.ReceiverID
	}
	return c.CallerID
}

// ErrEndBeforeStart is returned by Apply when the end time precedes the start time
var ErrEndBeforeStart = errors.New("end time before start time")

// ErrTransitionNotAllowed is returned by Apply for transitions outside the table
var ErrTransitionNotAllowed = errors.New("transition not allowed")

// Apply moves the session to next. Entering a terminal state sets the end
// time; only completed calls get a non-zero duration.
func (c *CallSession) Apply(next CallStatus, endTime *time.Time, now time.Time) error {
	if !c.Status.CanTransitionTo(next) {
		return ErrTransitionNotAllowed
	}

	if next.IsTerminal() {
		end := now
		if endTime != nil {
			end = *endTime
		}
		if end.Before(c.StartTime) {
			return ErrEndBeforeStart
		}
		c.EndTime = &end
		if next == CallStatusCompleted {
			c.Duration = int(math.Round(end.Sub(c.StartTime).Seconds()))
		}
	}

	c.Status = next
	c.UpdatedAt = now
	return nil
}

// Clone returns a copy safe to mutate
func (c *CallSession) Clone() *CallSession {
	cp := *c
	if c.EndTime != nil {
		end := *c.EndTime
		cp.EndTime = &end
	}
	return &cp
}
