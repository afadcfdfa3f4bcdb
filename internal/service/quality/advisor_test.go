package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callcore-backend/internal/domain"
	"callcore-backend/pkg/config"
)

func TestAdvisor_Evaluate(t *testing.T) {
	advisor := NewAdvisor(ThresholdsFromConfig(config.Default().Quality))

	tests := []struct {
		name    string
		metrics domain.QualityMetrics
		action  domain.RecommendationAction
		reasons []string
	}{
		{
			name:    "healthy",
			metrics: domain.QualityMetrics{RTT: 120, Jitter: 10, PacketLoss: 0.5, ICEConnectionState: domain.ICEStateConnected},
		},
		{
			name:    "values at the threshold are healthy",
			metrics: domain.QualityMetrics{RTT: 300, Jitter: 50, PacketLoss: 5},
		},
		{
			name:    "high latency",
			metrics: domain.QualityMetrics{RTT: 450, ICEConnectionState: domain.ICEStateConnected},
			action:  domain.ActionBandwidthReduction,
			reasons: []string{domain.IssueHighLatency},
		},
		{
			name:    "high jitter",
			metrics: domain.QualityMetrics{Jitter: 80},
			action:  domain.ActionBandwidthReduction,
			reasons: []string{domain.IssueHighJitter},
		},
		{
			name:    "packet loss beats latency",
			metrics: domain.QualityMetrics{RTT: 450, PacketLoss: 12},
			action:  domain.ActionRelayFallback,
			reasons: []string{domain.IssuePacketLoss, domain.IssueHighLatency},
		},
		{
			name:    "ice failure beats everything",
			metrics: domain.QualityMetrics{RTT: 900, Jitter: 200, PacketLoss: 30, ICEConnectionState: domain.ICEStateFailed},
			action:  domain.ActionICERestart,
			reasons: []string{domain.IssueICEFailure, domain.IssuePacketLoss, domain.IssueHighLatency, domain.IssueHighJitter},
		},
		{
			name:    "ice failure alone",
			metrics: domain.QualityMetrics{ICEConnectionState: domain.ICEStateFailed},
			action:  domain.ActionICERestart,
			reasons: []string{domain.IssueICEFailure},
		},
		{
			name:    "disconnected counts as failure",
			metrics: domain.QualityMetrics{ICEConnectionState: domain.ICEStateDisconnected},
			action:  domain.ActionICERestart,
			reasons: []string{domain.IssueICEFailure},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := advisor.Evaluate(tt.metrics)
			if tt.action == "" {
				assert.Nil(t, rec)
				return
			}
			require.NotNil(t, rec)
			assert.Equal(t, tt.action, rec.Action)
			assert.Equal(t, tt.reasons, rec.Reasons)
		})
	}
}

func TestNewAdvisor_DefaultsZeroThresholds(t *testing.T) {
	advisor := NewAdvisor(Thresholds{RTT: 100})

	assert.Nil(t, advisor.Evaluate(domain.QualityMetrics{Jitter: 50, PacketLoss: 5}))
	require.NotNil(t, advisor.Evaluate(domain.QualityMetrics{RTT: 150}))
}
