package quality

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callcore-backend/internal/domain"
	"callcore-backend/internal/presence"
	"callcore-backend/internal/signaling"
	apperrors "callcore-backend/pkg/errors"
)

type memSamples struct {
	mu      sync.Mutex
	samples []*domain.QualitySample
	err     error
}

func (m *memSamples) Append(ctx context.Context, sample *domain.QualitySample) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample)
	return nil
}

func (m *memSamples) ListByCall(ctx context.Context, callID uuid.UUID) ([]*domain.QualitySample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.QualitySample
	for _, s := range m.samples {
		if s.CallID == callID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSamples) ListByUser(ctx context.Context, userID uuid.UUID, since time.Time) ([]*domain.QualitySample, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.QualitySample
	for _, s := range m.samples {
		if s.UserID == userID && !s.RecordedAt.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

// MockArchive is a mock implementation of Archive
type MockArchive struct {
	mock.Mock
}

func (m *MockArchive) StoreSummary(ctx context.Context, summary *domain.QualitySummary) error {
	return m.Called(ctx, summary).Error(0)
}

type memEvents struct {
	events []*domain.CallEvent
}

func (e *memEvents) Append(ctx context.Context, event *domain.CallEvent) error {
	e.events = append(e.events, event)
	return nil
}

type device struct {
	mu     sync.Mutex
	frames []*signaling.Envelope
}

func (d *device) Send(frame []byte) bool {
	env, err := signaling.Decode(frame)
	if err != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, env)
	return true
}

func (d *device) Close() {}

func (d *device) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

func (d *device) last() *signaling.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) == 0 {
		return nil
	}
	return d.frames[len(d.frames)-1]
}

type fixture struct {
	svc     *Service
	samples *memSamples
	events  *memEvents
	archive *MockArchive
	callID  uuid.UUID
	alice   uuid.UUID
	bob     uuid.UUID
	aliceD  *device
	bobD    *device
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		samples: &memSamples{},
		events:  &memEvents{},
		archive: new(MockArchive),
		callID:  uuid.New(),
		alice:   uuid.New(),
		bob:     uuid.New(),
		aliceD:  &device{},
		bobD:    &device{},
	}
	registry := presence.NewRegistry(nil, nil)
	registry.Register(f.alice, "alice-phone", f.aliceD)
	registry.Register(f.bob, "bob-phone", f.bobD)

	oneToOne := func(ctx context.Context, callID uuid.UUID) ([]uuid.UUID, error) {
		if callID != f.callID {
			return nil, apperrors.CallNotFoundError()
		}
		return []uuid.UUID{f.alice, f.bob}, nil
	}

	f.svc = NewService(Deps{
		Samples:  f.samples,
		Events:   f.events,
		Archive:  f.archive,
		Router:   signaling.NewRouter(registry, nil, nil, "node-a", nil),
		Advisor:  NewAdvisor(Thresholds{RTT: 300, Jitter: 50, PacketLoss: 5}),
		OneToOne: oneToOne,
	})
	return f
}

func (f *fixture) sample(m domain.QualityMetrics) *domain.QualitySample {
	return &domain.QualitySample{
		CallID:   f.callID,
		UserID:   f.alice,
		DeviceID: "alice-phone",
		Category: domain.CallCategoryOneToOne,
		Metrics:  m,
	}
}

func TestRecord_RelaysRecommendationToOtherParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Execute: high latency on a connected call
	rec, err := f.svc.Record(ctx, f.sample(domain.QualityMetrics{RTT: 450, ICEConnectionState: domain.ICEStateConnected}))

	// Assert
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.ActionBandwidthReduction, rec.Action)

	env := f.bobD.last()
	require.NotNil(t, env)
	assert.Equal(t, signaling.KindQualityIssue, env.Type)
	var p signaling.QualityIssuePayload
	require.NoError(t, jsoniter.Unmarshal(env.Payload, &p))
	assert.Equal(t, f.callID, p.CallID)
	assert.Equal(t, domain.ActionBandwidthReduction, p.Recommendation.Action)
	assert.Equal(t, 450.0, p.Metrics.RTT)
	assert.Equal(t, 0, f.aliceD.count(), "reporter is not notified")

	// ICE failure wins regardless of the other metrics
	rec, err = f.svc.Record(ctx, f.sample(domain.QualityMetrics{RTT: 450, PacketLoss: 40, ICEConnectionState: domain.ICEStateFailed}))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.ActionICERestart, rec.Action)

	require.Len(t, f.events.events, 2)
	assert.Equal(t, domain.EventQualityIssue, f.events.events[1].Type)
	assert.Equal(t, "ice-restart", f.events.events[1].Details["action"])
	assert.Len(t, f.samples.samples, 2)
}

func TestRecord_HealthySampleIsStoredQuietly(t *testing.T) {
	f := newFixture(t)

	rec, err := f.svc.Record(context.Background(), f.sample(domain.QualityMetrics{RTT: 80, Jitter: 5}))

	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Len(t, f.samples.samples, 1)
	assert.False(t, f.samples.samples[0].RecordedAt.IsZero())
	assert.Equal(t, 0, f.bobD.count())
	assert.Empty(t, f.events.events)
}

func TestRecord_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := f.sample(domain.QualityMetrics{PacketLoss: 140})
	_, err := f.svc.Record(ctx, bad)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	noType := f.sample(domain.QualityMetrics{})
	noType.Category = "conference"
	_, err = f.svc.Record(ctx, noType)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	outsider := f.sample(domain.QualityMetrics{})
	outsider.UserID = uuid.New()
	_, err = f.svc.Record(ctx, outsider)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	unknown := f.sample(domain.QualityMetrics{})
	unknown.CallID = uuid.New()
	_, err = f.svc.Record(ctx, unknown)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))

	f.samples.err = errors.New("cassandra down")
	_, err = f.svc.Record(ctx, f.sample(domain.QualityMetrics{}))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabase))
}

func TestReportFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.ReportFallback(ctx, f.callID, domain.CallCategoryOneToOne, f.alice, "alice-phone", domain.ActionRelayFallback)

	require.NoError(t, err)
	assert.Equal(t, signaling.KindQualityFallback, f.bobD.last().Type)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, domain.EventFallbackActivated, f.events.events[0].Type)

	err = f.svc.ReportFallback(ctx, f.callID, domain.CallCategoryOneToOne, f.alice, "", "audio-only")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	audio := func(v float64) *float64 { return &v }

	inputs := []domain.QualityMetrics{
		{RTT: 100, Jitter: 10, PacketLoss: 0, ICEConnectionState: domain.ICEStateConnected, QualityScore: domain.QualityScore{Audio: audio(4)}},
		{RTT: 500, Jitter: 70, PacketLoss: 8, ICEConnectionState: domain.ICEStateConnected, QualityScore: domain.QualityScore{Audio: audio(2)}},
		{RTT: 300, Jitter: 20, PacketLoss: 1, ICEConnectionState: domain.ICEStateFailed},
	}
	for i, m := range inputs {
		s := f.sample(m)
		s.RecordedAt = base.Add(time.Duration(i) * time.Second)
		if i == 2 {
			s.UserID = f.bob
		}
		_, err := f.svc.Record(ctx, s)
		require.NoError(t, err)
	}

	summary, err := f.svc.Summary(ctx, f.callID)

	require.NoError(t, err)
	assert.Equal(t, 3, summary.SampleCount)
	assert.Equal(t, 300.0, summary.AvgRTT)
	assert.InDelta(t, 33.33, summary.AvgJitter, 0.01)
	assert.Equal(t, 3.0, summary.AvgPacketLoss)
	require.NotNil(t, summary.AvgAudioScore)
	assert.Equal(t, 3.0, *summary.AvgAudioScore)
	assert.Nil(t, summary.AvgVideoScore)
	assert.Equal(t, map[string]int{"connected": 2, "failed": 1}, summary.ICEStates)
	assert.Equal(t, map[string]int{
		domain.IssueHighLatency: 1,
		domain.IssueHighJitter:  1,
		domain.IssuePacketLoss:  1,
		domain.IssueICEFailure:  1,
	}, summary.NetworkIssues)
	assert.Equal(t, 2, summary.Participants)
	assert.Equal(t, 2, summary.Recommendations)
	assert.Equal(t, base, *summary.FirstSampleAt)
	assert.Equal(t, base.Add(2*time.Second), *summary.LastSampleAt)
}

func TestFinalize_ArchivesSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Record(ctx, f.sample(domain.QualityMetrics{RTT: 90}))
	require.NoError(t, err)

	// Setup expectations
	f.archive.On("StoreSummary", mock.Anything, mock.MatchedBy(func(s *domain.QualitySummary) bool {
		return s.CallID == f.callID && s.SampleCount == 1 && s.Category == domain.CallCategoryOneToOne
	})).Return(nil).Once()

	// Execute
	f.svc.Finalize(ctx, f.callID, domain.CallCategoryOneToOne)

	// Assert
	f.archive.AssertExpectations(t)
}

func TestFinalize_SkipsCallsWithoutSamples(t *testing.T) {
	f := newFixture(t)

	f.svc.Finalize(context.Background(), uuid.New(), domain.CallCategoryGroup)

	f.archive.AssertNotCalled(t, "StoreSummary", mock.Anything, mock.Anything)
}

func TestUserStats(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 5, 8, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }
	score := func(v float64) *float64 { return &v }
	otherCall := uuid.New()

	add := func(callID, userID uuid.UUID, at time.Time, m domain.QualityMetrics) {
		f.samples.samples = append(f.samples.samples, &domain.QualitySample{
			CallID: callID, UserID: userID, Category: domain.CallCategoryOneToOne, Metrics: m, RecordedAt: at,
		})
	}
	day1 := now.Add(-48 * time.Hour)
	add(f.callID, f.alice, day1, domain.QualityMetrics{RTT: 100, Jitter: 10, PacketLoss: 0, ConnectionType: "host", QualityScore: domain.QualityScore{Audio: score(4)}})
	add(f.callID, f.alice, day1.Add(time.Minute), domain.QualityMetrics{RTT: 500, Jitter: 10, PacketLoss: 8, ConnectionType: "relay", QualityScore: domain.QualityScore{Audio: score(2)}})
	add(otherCall, f.alice, now.Add(-time.Hour), domain.QualityMetrics{RTT: 300, Jitter: 70, PacketLoss: 1, ConnectionType: "relay", ICEConnectionState: domain.ICEStateFailed})
	add(f.callID, f.bob, day1, domain.QualityMetrics{RTT: 900})
	add(otherCall, f.alice, now.Add(-10*24*time.Hour), domain.QualityMetrics{RTT: 1000})

	// Execute
	stats, err := f.svc.UserStats(context.Background(), f.alice, "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, domain.TimeframeWeek, stats.Timeframe)
	assert.Equal(t, now.Add(-7*24*time.Hour), stats.Since)
	assert.Equal(t, 3, stats.SampleCount, "older and foreign samples are excluded")
	assert.Equal(t, 2, stats.TotalCalls)
	require.NotNil(t, stats.AvgRTT)
	assert.Equal(t, 300.0, *stats.AvgRTT)
	require.NotNil(t, stats.AvgAudioScore)
	assert.Equal(t, 3.0, *stats.AvgAudioScore)
	assert.Nil(t, stats.AvgVideoScore)
	assert.Equal(t, map[string]int{"host": 1, "relay": 2}, stats.ConnectionTypes)
	assert.Equal(t, 1, stats.NetworkIssues[domain.IssuePacketLoss])
	assert.Equal(t, 1, stats.NetworkIssues[domain.IssueHighLatency])
	assert.Equal(t, 1, stats.NetworkIssues[domain.IssueICEFailure])
	assert.Equal(t, 1, stats.NetworkIssues[domain.IssueHighJitter])

	require.Len(t, stats.Trend, 2)
	assert.Equal(t, day1, stats.Trend[0].Start)
	assert.Equal(t, 2, stats.Trend[0].Samples)
	assert.Equal(t, 300.0, stats.Trend[0].AvgRTT)
	assert.Equal(t, 1, stats.Trend[1].Samples)
	assert.Nil(t, stats.Trend[1].AvgAudioScore)
}

func TestUserStats_Empty(t *testing.T) {
	f := newFixture(t)

	stats, err := f.svc.UserStats(context.Background(), f.bob, domain.TimeframeDay)

	require.NoError(t, err)
	assert.Zero(t, stats.SampleCount)
	assert.Empty(t, stats.Trend)
	assert.Nil(t, stats.AvgRTT)
}

func TestUserStats_Errors(t *testing.T) {
	t.Run("unknown timeframe", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.UserStats(context.Background(), f.alice, "decade")

		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
	})

	t.Run("store failure", func(t *testing.T) {
		f := newFixture(t)
		f.samples.err = errors.New("cassandra down")

		_, err := f.svc.UserStats(context.Background(), f.alice, domain.TimeframeMonth)

		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabase))
	})
}
