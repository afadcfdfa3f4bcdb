package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"callcore-backend/pkg/constants"
)

// GroupCallStatus is the lifecycle state of a group call
type GroupCallStatus string

const (
	GroupCallStatusConnecting GroupCallStatus = "connecting"
	GroupCallStatusRinging    GroupCallStatus = "ringing"
	GroupCallStatusActive     GroupCallStatus = "active"
	GroupCallStatusEnded      GroupCallStatus = "ended"
	GroupCallStatusFailed     GroupCallStatus = "failed"
	GroupCallStatusCompleted  GroupCallStatus = "completed"
)

// IsOpen reports whether the call still accepts joins
func (s GroupCallStatus) IsOpen() bool {
	return s == GroupCallStatusConnecting || s == GroupCallStatusRinging || s == GroupCallStatusActive
}

// ParticipantStatus records how an invitee declined. Nil means pending.
type ParticipantStatus string

const (
	ParticipantStatusMissed   ParticipantStatus = "missed"
	ParticipantStatusRejected ParticipantStatus = "rejected"
)

// Valid reports whether s is missed or rejected
func (s ParticipantStatus) Valid() bool {
	return s == ParticipantStatusMissed || s == ParticipantStatusRejected
}

// DefaultMaxGroupParticipants applies when neither the request nor config sets a size
const DefaultMaxGroupParticipants = 8

// Errors returned by GroupCall mutations
var (
	ErrGroupCallClosed    = errors.New("group call is not open")
	ErrGroupCallNotActive = errors.New("group call is not active")
	ErrGroupCallFull      = errors.New("group call is full")
	ErrNotParticipant     = errors.New("user is not an active participant")
	ErrNotInitiator       = errors.New("only the initiator can end the call")
	ErrScreenShareTaken   = errors.New("another participant is sharing their screen")
	ErrAlreadyJoined      = errors.New("participant already joined")
)

// Participant is one roster entry of a group call
// Maps to CockroachDB group_call_participants table
type Participant struct {
	UserID          uuid.UUID          `json:"userId" db:"user_id"`
	DeviceID        string             `json:"deviceId,omitempty" db:"device_id"`
	IsActive        bool               `json:"isActive" db:"is_active"`
	JoinedAt        *time.Time         `json:"joinedAt,omitempty" db:"joined_at"`
	LeftAt          *time.Time         `json:"leftAt,omitempty" db:"left_at"`
	IsMuted         bool               `json:"isMuted" db:"is_muted"`
	IsVideoOff      bool               `json:"isVideoOff" db:"is_video_off"`
	IsSharingScreen bool               `json:"isSharingScreen" db:"is_sharing_screen"`
	Status          *ParticipantStatus `json:"status,omitempty" db:"status"`
}

// IsPending reports whether the entry is an invitee that has not answered
func (p *Participant) IsPending() bool {
	return !p.IsActive && p.JoinedAt == nil && p.Status == nil
}

// GroupCall represents a multi-party call bound to a conversation
// Maps to CockroachDB group_calls table
type GroupCall struct {
	ID              uuid.UUID       `json:"id" db:"group_call_id"`
	ConversationID  uuid.UUID       `json:"conversationId" db:"conversation_id"`
	InitiatorID     uuid.UUID       `json:"initiatorId" db:"initiator_id"`
	Kind            CallKind        `json:"kind" db:"kind"`
	Status          GroupCallStatus `json:"status" db:"status"`
	StartTime       *time.Time      `json:"startTime,omitempty" db:"start_time"`
	EndTime         *time.Time      `json:"endTime,omitempty" db:"end_time"`
	Duration        int             `json:"duration" db:"duration"`
	MaxParticipants int             `json:"maxParticipants" db:"max_participants"`
	EndReason       string          `json:"endReason,omitempty" db:"end_reason"`
	Participants    []Participant   `json:"participants"`
	Version         int             `json:"version" db:"version"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time       `json:"updatedAt" db:"updated_at"`
}

// ClampMaxParticipants applies the default and the hard cap
func ClampMaxParticipants(requested, fallback int) int {
	if fallback < 2 {
		fallback = DefaultMaxGroupParticipants
	}
	if requested <= 0 {
		requested = fallback
	}
	if requested < 2 {
		requested = 2
	}
	return lo.Min([]int{requested, constants.GroupCallHardCap})
}

// NewGroupCall creates a call with the initiator active and every invitee pending
func NewGroupCall(initiatorID, conversationID uuid.UUID, kind CallKind, invitees []uuid.UUID, maxParticipants int, now time.Time) *GroupCall {
	joined := now
	gc := &GroupCall{
		ID:              uuid.New(),
		ConversationID:  conversationID,
		InitiatorID:     initiatorID,
		Kind:            kind,
		Status:          GroupCallStatusConnecting,
		MaxParticipants: maxParticipants,
		Participants: []Participant{
			{UserID: initiatorID, IsActive: true, JoinedAt: &joined},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	invitees = lo.Uniq(lo.Without(invitees, initiatorID))
	for _, id := range invitees {
		gc.Participants = append(gc.Participants, Participant{UserID: id})
	}
	if len(invitees) > 0 {
		gc.Status = GroupCallStatusRinging
	}
	return gc
}

// Participant returns the roster entry for userID
func (g *GroupCall) Participant(userID uuid.UUID) *Participant {
	for i := range g.Participants {
		if g.Participants[i].UserID == userID {
			return &g.Participants[i]
		}
	}
	return nil
}

// ParticipantByDevice returns the active entry connected from deviceID
func (g *GroupCall) ParticipantByDevice(deviceID string) *Participant {
	for i := range g.Participants {
		if g.Participants[i].IsActive && g.Participants[i].DeviceID == deviceID {
			return &g.Participants[i]
		}
	}
	return nil
}

// IsActiveParticipant reports whether userID currently holds an active entry
func (g *GroupCall) IsActiveParticipant(userID uuid.UUID) bool {
	p := g.Participant(userID)
	return p != nil && p.IsActive
}

// ActiveParticipants returns the active entries in roster order
func (g *GroupCall) ActiveParticipants() []Participant {
	return lo.Filter(g.Participants, func(p Participant, _ int) bool { return p.IsActive })
}

// ActiveUserIDs returns the user IDs of the active entries
func (g *GroupCall) ActiveUserIDs() []uuid.UUID {
	return lo.Map(g.ActiveParticipants(), func(p Participant, _ int) uuid.UUID { return p.UserID })
}

// ActiveCount returns the number of active entries
func (g *GroupCall) ActiveCount() int {
	return lo.CountBy(g.Participants, func(p Participant) bool { return p.IsActive })
}

// PendingUserIDs returns invitees that have not answered
func (g *GroupCall) PendingUserIDs() []uuid.UUID {
	return lo.FilterMap(g.Participants, func(p Participant, _ int) (uuid.UUID, bool) {
		return p.UserID, p.IsPending()
	})
}

// EverJoinedCount returns the number of entries that were active at some point
func (g *GroupCall) EverJoinedCount() int {
	return lo.CountBy(g.Participants, func(p Participant) bool { return p.JoinedAt != nil })
}

// ScreenSharer returns the active participant holding the screen share flag
func (g *GroupCall) ScreenSharer() *Participant {
	for i := range g.Participants {
		if g.Participants[i].IsActive && g.Participants[i].IsSharingScreen {
			return &g.Participants[i]
		}
	}
	return nil
}

// Join activates userID. The first join of a connecting or ringing call
// flips it to active; the start time is set only once.
func (g *GroupCall) Join(userID uuid.UUID, deviceID string, now time.Time) error {
	if !g.Status.IsOpen() {
		return ErrGroupCallClosed
	}

	p := g.Participant(userID)
	if p != nil && p.IsActive {
		p.DeviceID = deviceID
		g.UpdatedAt = now
		return nil
	}
	if g.ActiveCount() >= g.MaxParticipants {
		return ErrGroupCallFull
	}

	joined := now
	if p == nil {
		g.Participants = append(g.Participants, Participant{UserID: userID})
		p = &g.Participants[len(g.Participants)-1]
	}
	p.IsActive = true
	p.DeviceID = deviceID
	p.JoinedAt = &joined
	p.LeftAt = nil
	p.Status = nil
	p.IsMuted = false
	p.IsVideoOff = false
	p.IsSharingScreen = false

	if g.Status != GroupCallStatusActive {
		g.Status = GroupCallStatusActive
		if g.StartTime == nil {
			start := now
			g.StartTime = &start
		}
	}
	g.UpdatedAt = now
	return nil
}

// Leave deactivates userID. It reports whether the call ended because the
// last active participant left.
func (g *GroupCall) Leave(userID uuid.UUID, now time.Time) (bool, error) {
	if !g.Status.IsOpen() {
		return false, ErrGroupCallClosed
	}
	p := g.Participant(userID)
	if p == nil || !p.IsActive {
		return false, ErrNotParticipant
	}

	left := now
	p.IsActive = false
	p.IsSharingScreen = false
	p.LeftAt = &left
	g.UpdatedAt = now

	if g.ActiveCount() == 0 {
		g.finish(GroupCallStatusEnded, constants.EndReasonAllLeft, now)
		return true, nil
	}
	return false, nil
}

// End terminates the call on behalf of its initiator
func (g *GroupCall) End(requesterID uuid.UUID, now time.Time) error {
	if requesterID != g.InitiatorID {
		return ErrNotInitiator
	}
	if !g.Status.IsOpen() {
		return ErrGroupCallClosed
	}

	left := now
	for i := range g.Participants {
		if g.Participants[i].IsActive {
			g.Participants[i].IsActive = false
			g.Participants[i].IsSharingScreen = false
			g.Participants[i].LeftAt = &left
		}
	}
	g.finish(GroupCallStatusEnded, constants.EndReasonInitiator, now)
	return nil
}

// SetParticipantStatus records a missed or rejected invitation. It reports
// whether the call failed because nobody besides the initiator joined.
func (g *GroupCall) SetParticipantStatus(userID uuid.UUID, status ParticipantStatus, now time.Time) (bool, error) {
	if !g.Status.IsOpen() {
		return false, ErrGroupCallClosed
	}
	p := g.Participant(userID)
	if p == nil {
		return false, ErrNotParticipant
	}
	if p.IsActive {
		return false, ErrAlreadyJoined
	}

	s := status
	p.Status = &s
	g.UpdatedAt = now

	if len(g.PendingUserIDs()) == 0 && g.EverJoinedCount() < 2 {
		g.failNoParticipants(now)
		return true, nil
	}
	return false, nil
}

// SetScreenShare sets or clears the screen share flag of userID
func (g *GroupCall) SetScreenShare(userID uuid.UUID, sharing bool, now time.Time) error {
	if g.Status != GroupCallStatusActive {
		return ErrGroupCallNotActive
	}
	p := g.Participant(userID)
	if p == nil || !p.IsActive {
		return ErrNotParticipant
	}
	if sharing {
		if holder := g.ScreenSharer(); holder != nil && holder.UserID != userID {
			return ErrScreenShareTaken
		}
	}
	p.IsSharingScreen = sharing
	g.UpdatedAt = now
	return nil
}

// SetMedia updates the mute and video flags of userID
func (g *GroupCall) SetMedia(userID uuid.UUID, muted, videoOff bool, now time.Time) error {
	if !g.Status.IsOpen() {
		return ErrGroupCallClosed
	}
	p := g.Participant(userID)
	if p == nil || !p.IsActive {
		return ErrNotParticipant
	}
	p.IsMuted = muted
	p.IsVideoOff = videoOff
	g.UpdatedAt = now
	return nil
}

// Expire fails a call that was never answered; pending invitees become missed
func (g *GroupCall) Expire(now time.Time) []uuid.UUID {
	pending := g.PendingUserIDs()
	missed := ParticipantStatusMissed
	for _, id := range pending {
		s := missed
		g.Participant(id).Status = &s
	}
	g.failNoParticipants(now)
	return pending
}

func (g *GroupCall) failNoParticipants(now time.Time) {
	left := now
	for i := range g.Participants {
		if g.Participants[i].IsActive {
			g.Participants[i].IsActive = false
			g.Participants[i].LeftAt = &left
		}
	}
	g.finish(GroupCallStatusFailed, constants.EndReasonNoParticipants, now)
}

func (g *GroupCall) finish(status GroupCallStatus, reason string, now time.Time) {
	end := now
	g.Status = status
	g.EndTime = &end
	g.EndReason = reason
	if g.StartTime != nil {
		g.Duration = int(end.Sub(*g.StartTime).Round(time.Second).Seconds())
	}
	g.UpdatedAt = now
}

// Clone returns a deep copy safe to mutate
func (g *GroupCall) Clone() *GroupCall {
	cp := *g
	cp.Participants = make([]Participant, len(g.Participants))
	copy(cp.Participants, g.Participants)
	return &cp
}
