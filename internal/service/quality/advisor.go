package quality

import (
	"callcore-backend/internal/domain"
	"callcore-backend/pkg/config"
)

// Thresholds above which a metric counts as degraded
type Thresholds struct {
	RTT        float64
	Jitter     float64
	PacketLoss float64
}

// ThresholdsFromConfig converts the quality config section
func ThresholdsFromConfig(cfg config.QualityConfig) Thresholds {
	return Thresholds{
		RTT:        cfg.RTTThresholdMs,
		Jitter:     cfg.JitterThresholdMs,
		PacketLoss: cfg.PacketLossPercent,
	}
}

// Advisor turns a single measurement into a fallback recommendation
type Advisor struct {
	thresholds Thresholds
}

// NewAdvisor creates an advisor. Zero thresholds fall back to 300ms RTT,
// 50ms jitter and 5% loss.
func NewAdvisor(t Thresholds) *Advisor {
	if t.RTT <= 0 {
		t.RTT = 300
	}
	if t.Jitter <= 0 {
		t.Jitter = 50
	}
	if t.PacketLoss <= 0 {
		t.PacketLoss = 5
	}
	return &Advisor{thresholds: t}
}

// Issues lists every degraded aspect of m
func (a *Advisor) Issues(m domain.QualityMetrics) []string {
	var issues []string
	if m.ICEConnectionState == domain.ICEStateFailed || m.ICEConnectionState == domain.ICEStateDisconnected {
		issues = append(issues, domain.IssueICEFailure)
	}
	if m.PacketLoss > a.thresholds.PacketLoss {
		issues = append(issues, domain.IssuePacketLoss)
	}
	if m.RTT > a.thresholds.RTT {
		issues = append(issues, domain.IssueHighLatency)
	}
	if m.Jitter > a.thresholds.Jitter {
		issues = append(issues, domain.IssueHighJitter)
	}
	return issues
}

// Evaluate returns nil for a healthy sample. ICE failure wins over packet
// loss, which wins over latency and jitter.
func (a *Advisor) Evaluate(m domain.QualityMetrics) *domain.Recommendation {
	issues := a.Issues(m)
	if len(issues) == 0 {
		return nil
	}

	action := domain.ActionBandwidthReduction
	switch issues[0] {
	case domain.IssueICEFailure:
		action = domain.ActionICERestart
	case domain.IssuePacketLoss:
		action = domain.ActionRelayFallback
	}
	return &domain.Recommendation{Action: action, Reasons: issues}
}
