// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// ShortTimeout bounds cache and presence lookups
	ShortTimeout = 5 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// WebSocket constants
const (
	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 30 * time.Second

	// WebSocketPongWait is how long a connection may stay silent before it is dropped
	WebSocketPongWait = 2 * WebSocketPingInterval

	// WebSocketWriteWait is the deadline for a single frame write
	WebSocketWriteWait = 10 * time.Second

	// MaxSignalingMessageSize caps inbound frames (SDP bodies can be large)
	MaxSignalingMessageSize = 64 * 1024

	// PresenceTTL bounds how long a device stays in the cluster mirror without
	// a refresh. Connections refresh it on every ping.
	PresenceTTL = 10 * WebSocketPingInterval
)

// Call-related constants
const (
	// MaxTransitionRetries bounds optimistic retries on concurrent call updates
	MaxTransitionRetries = 3

	// ParticipantCacheTTL is how long call participant lists are cached
	ParticipantCacheTTL = 30 * time.Second

	// GroupCallHardCap is the largest MaxParticipants a group call may request
	GroupCallHardCap = 16
)

// Group call end reasons
const (
	EndReasonNoParticipants = "No participants joined"
	EndReasonAllLeft        = "All participants left"
	EndReasonInitiator      = "Call ended by initiator"
)

// EndReasonConnectionLost is recorded when a participant's devices stayed
// offline past the disconnect grace period
const EndReasonConnectionLost = "connection lost"

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days

	// ActiveDeviceTTL is how long the last active device hint is kept
	ActiveDeviceTTL = 7 * 24 * time.Hour
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)
