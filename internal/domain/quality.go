package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// CallCategory distinguishes one-to-one calls from group calls in shared tables
type CallCategory string

const (
	CallCategoryOneToOne CallCategory = "one-to-one"
	CallCategoryGroup    CallCategory = "group"
)

// Valid reports whether c is a known category
func (c CallCategory) Valid() bool {
	return c == CallCategoryOneToOne || c == CallCategoryGroup
}

// ICE connection states reported by clients
const (
	ICEStateNew          = "new"
	ICEStateChecking     = "checking"
	ICEStateConnected    = "connected"
	ICEStateCompleted    = "completed"
	ICEStateFailed       = "failed"
	ICEStateDisconnected = "disconnected"
	ICEStateClosed       = "closed"
	ICEStateUnknown      = "unknown"
)

// QualityScore holds client-computed MOS-like scores in [0,5]
type QualityScore struct {
	Audio *float64 `json:"audio,omitempty"`
	Video *float64 `json:"video,omitempty"`
}

// Bitrate in kbit/s
type Bitrate struct {
	Audio float64 `json:"audio,omitempty"`
	Video float64 `json:"video,omitempty"`
}

// QualityMetrics is one client-side measurement of a media connection
type QualityMetrics struct {
	RTT                float64      `json:"rtt"`
	Jitter             float64      `json:"jitter"`
	PacketLoss         float64      `json:"packetLoss"`
	ConnectionType     string       `json:"connectionType,omitempty"`
	NetworkType        string       `json:"networkType,omitempty"`
	ICEConnectionState string       `json:"iceConnectionState,omitempty"`
	FrameRate          float64      `json:"frameRate,omitempty"`
	Bitrate            Bitrate      `json:"bitrate"`
	QualityScore       QualityScore `json:"qualityScore"`
}

// ErrInvalidMetrics is returned by Validate
var ErrInvalidMetrics = errors.New("invalid quality metrics")

// Validate checks the metric ranges
func (m *QualityMetrics) Validate() error {
	if m.RTT < 0 || m.Jitter < 0 || m.FrameRate < 0 {
		return ErrInvalidMetrics
	}
	if m.PacketLoss < 0 || m.PacketLoss > 100 {
		return ErrInvalidMetrics
	}
	for _, s := range []*float64{m.QualityScore.Audio, m.QualityScore.Video} {
		if s != nil && (*s < 0 || *s > 5) {
			return ErrInvalidMetrics
		}
	}
	return nil
}

// QualitySample is a stored measurement
// Maps to Cassandra call_quality_samples table
type QualitySample struct {
	CallID     uuid.UUID      `json:"callId"`
	UserID     uuid.UUID      `json:"userId"`
	DeviceID   string         `json:"deviceId,omitempty"`
	Category   CallCategory   `json:"callType"`
	Metrics    QualityMetrics `json:"metrics"`
	RecordedAt time.Time      `json:"recordedAt"`
}

// RecommendationAction is the remedy suggested to clients
type RecommendationAction string

const (
	ActionICERestart         RecommendationAction = "ice-restart"
	ActionRelayFallback      RecommendationAction = "relay-fallback"
	ActionBandwidthReduction RecommendationAction = "bandwidth-reduction"
)

// Valid reports whether a is a known action
func (a RecommendationAction) Valid() bool {
	switch a {
	case ActionICERestart, ActionRelayFallback, ActionBandwidthReduction:
		return true
	}
	return false
}

// Network issue labels used in reasons and summaries
const (
	IssueICEFailure  = "ice_failure"
	IssueHighLatency = "high_latency"
	IssueHighJitter  = "high_jitter"
	IssuePacketLoss  = "packet_loss"
)

// Recommendation is the advisor's verdict for one sample
type Recommendation struct {
	Action  RecommendationAction `json:"action"`
	Reasons []string             `json:"reasons"`
}

// QualitySummary aggregates every sample of a call
type QualitySummary struct {
	CallID          uuid.UUID      `json:"callId"`
	Category        CallCategory   `json:"callType,omitempty"`
	SampleCount     int            `json:"sampleCount"`
	AvgRTT          float64        `json:"avgRtt"`
	AvgJitter       float64        `json:"avgJitter"`
	AvgPacketLoss   float64        `json:"avgPacketLoss"`
	AvgAudioScore   *float64       `json:"avgAudioScore,omitempty"`
	AvgVideoScore   *float64       `json:"avgVideoScore,omitempty"`
	ICEStates       map[string]int `json:"iceStates"`
	NetworkIssues   map[string]int `json:"networkIssues"`
	Participants    int            `json:"participants"`
	FirstSampleAt   *time.Time     `json:"firstSampleAt,omitempty"`
	LastSampleAt    *time.Time     `json:"lastSampleAt,omitempty"`
	GeneratedAt     time.Time      `json:"generatedAt"`
	Recommendations int            `json:"recommendations"`
}

// StatsTimeframe selects the window of per-user quality statistics
type StatsTimeframe string

const (
	TimeframeDay   StatsTimeframe = "day"
	TimeframeWeek  StatsTimeframe = "week"
	TimeframeMonth StatsTimeframe = "month"
	TimeframeYear  StatsTimeframe = "year"
)

// Window returns the covered duration and the width of one trend bucket
func (t StatsTimeframe) Window() (span, bucket time.Duration, ok bool) {
	const day = 24 * time.Hour
	switch t {
	case TimeframeDay:
		return day, time.Hour, true
	case TimeframeWeek:
		return 7 * day, day, true
	case TimeframeMonth:
		return 30 * day, day, true
	case TimeframeYear:
		return 365 * day, 30 * day, true
	}
	return 0, 0, false
}

// QualityStats aggregates a user's samples over a timeframe
type QualityStats struct {
	UserID          uuid.UUID           `json:"userId"`
	Timeframe       StatsTimeframe      `json:"timeframe"`
	Since           time.Time           `json:"since"`
	TotalCalls      int                 `json:"totalCalls"`
	SampleCount     int                 `json:"totalSamples"`
	AvgRTT          *float64            `json:"avgRtt,omitempty"`
	AvgJitter       *float64            `json:"avgJitter,omitempty"`
	AvgPacketLoss   *float64            `json:"avgPacketLoss,omitempty"`
	AvgAudioScore   *float64            `json:"avgAudioScore,omitempty"`
	AvgVideoScore   *float64            `json:"avgVideoScore,omitempty"`
	ConnectionTypes map[string]int      `json:"connectionTypes"`
	NetworkIssues   map[string]int      `json:"networkIssues"`
	Trend           []QualityTrendPoint `json:"qualityTrend"`
}

// QualityTrendPoint averages the samples of one bucket
type QualityTrendPoint struct {
	Start         time.Time `json:"time"`
	Samples       int       `json:"samples"`
	AvgRTT        float64   `json:"rtt"`
	AvgPacketLoss float64   `json:"packetLoss"`
	AvgAudioScore *float64  `json:"audioQuality,omitempty"`
	AvgVideoScore *float64  `json:"videoQuality,omitempty"`
}
