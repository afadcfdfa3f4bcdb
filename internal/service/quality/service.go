package quality

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"callcore-backend/internal/domain"
	"callcore-backend/internal/signaling"
	apperrors "callcore-backend/pkg/errors"
	"callcore-backend/pkg/logger"
	"callcore-backend/pkg/metrics"
)

// SampleStore is the append-only sample log
type SampleStore interface {
	Append(ctx context.Context, sample *domain.QualitySample) error
	ListByCall(ctx context.Context, callID uuid.UUID) ([]*domain.QualitySample, error)
	ListByUser(ctx context.Context, userID uuid.UUID, since time.Time) ([]*domain.QualitySample, error)
}

// EventLog records call events
type EventLog interface {
	Append(ctx context.Context, event *domain.CallEvent) error
}

// Archive keeps finished call summaries in object storage
type Archive interface {
	StoreSummary(ctx context.Context, summary *domain.QualitySummary) error
}

// Router delivers envelopes
type Router interface {
	Route(ctx context.Context, userID uuid.UUID, env *signaling.Envelope, targetDeviceID string) signaling.Delivery
}

// ParticipantsFunc lists the users currently taking part in a call
type ParticipantsFunc func(ctx context.Context, callID uuid.UUID) ([]uuid.UUID, error)

// Service records connection quality and advises on fallbacks. It never
// changes call state.
type Service struct {
	samples      SampleStore
	events       EventLog
	archive      Archive
	router       Router
	advisor      *Advisor
	participants map[domain.CallCategory]ParticipantsFunc
	metrics      *metrics.Metrics
	now          func() time.Time
}

// Deps groups the collaborators of Service. Archive and Events may be nil.
type Deps struct {
	Samples  SampleStore
	Events   EventLog
	Archive  Archive
	Router   Router
	Advisor  *Advisor
	OneToOne ParticipantsFunc
	Group    ParticipantsFunc
	Metrics  *metrics.Metrics
}

// NewService creates a new quality service
func NewService(d Deps) *Service {
	advisor := d.Advisor
	if advisor == nil {
		advisor = NewAdvisor(Thresholds{})
	}
	return &Service{
		samples: d.Samples,
		events:  d.Events,
		archive: d.Archive,
		router:  d.Router,
		advisor: advisor,
		participants: map[domain.CallCategory]ParticipantsFunc{
			domain.CallCategoryOneToOne: d.OneToOne,
			domain.CallCategoryGroup:    d.Group,
		},
		metrics: d.Metrics,
		now:     time.Now,
	}
}

// Record stores a sample and, when the connection is degraded, tells the
// other participants what to do about it.
func (s *Service) Record(ctx context.Context, sample *domain.QualitySample) (*domain.Recommendation, error) {
	if !sample.Category.Valid() {
		return nil, apperrors.ValidationError("callType must be one-to-one or group")
	}
	if err := sample.Metrics.Validate(); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}

	others, err := s.otherParticipants(ctx, sample.CallID, sample.Category, sample.UserID)
	if err != nil {
		return nil, err
	}

	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = s.now()
	}
	if err := s.samples.Append(ctx, sample); err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	s.metrics.RecordQualitySample()

	rec := s.advisor.Evaluate(sample.Metrics)
	if rec == nil {
		return nil, nil
	}

	s.metrics.RecordRecommendation(string(rec.Action))
	s.appendEvent(ctx, sample.CallID, sample.Category, domain.EventQualityIssue, sample.UserID, sample.DeviceID, map[string]string{
		"action":  string(rec.Action),
		"reasons": strings.Join(rec.Reasons, ","),
	})

	logger.Info("Call quality degraded",
		zap.String("call_id", sample.CallID.String()),
		zap.String("user_id", sample.UserID.String()),
		zap.String("action", string(rec.Action)),
		zap.Strings("reasons", rec.Reasons))

	env := signaling.MustEnvelope(signaling.KindQualityIssue, &signaling.QualityIssuePayload{
		CallID:         sample.CallID,
		UserID:         sample.UserID,
		Metrics:        sample.Metrics,
		Recommendation: rec,
	}).WithSender(sample.UserID, sample.DeviceID)
	for _, id := range others {
		s.router.Route(ctx, id, env, "")
	}
	return rec, nil
}

// ReportFallback logs a fallback the client applied and informs the others
func (s *Service) ReportFallback(ctx context.Context, callID uuid.UUID, category domain.CallCategory, userID uuid.UUID, deviceID string, action domain.RecommendationAction) error {
	if !category.Valid() {
		return apperrors.ValidationError("callType must be one-to-one or group")
	}
	if !action.Valid() {
		return apperrors.ValidationError("unknown fallback action " + string(action))
	}

	others, err := s.otherParticipants(ctx, callID, category, userID)
	if err != nil {
		return err
	}

	s.appendEvent(ctx, callID, category, domain.EventFallbackActivated, userID, deviceID, map[string]string{
		"action": string(action),
	})

	env := signaling.MustEnvelope(signaling.KindQualityFallback, &signaling.QualityFallbackPayload{
		CallID:   callID,
		CallType: category,
		Action:   action,
		UserID:   userID.String(),
	}).WithSender(userID, deviceID)
	for _, id := range others {
		s.router.Route(ctx, id, env, "")
	}
	return nil
}

// Summary aggregates every sample recorded for a call
func (s *Service) Summary(ctx context.Context, callID uuid.UUID) (*domain.QualitySummary, error) {
	samples, err := s.samples.ListByCall(ctx, callID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return s.summarize(callID, samples), nil
}

// Finalize archives the summary of a finished call. Failures are logged.
func (s *Service) Finalize(ctx context.Context, callID uuid.UUID, category domain.CallCategory) {
	if s.archive == nil {
		return
	}

	summary, err := s.Summary(ctx, callID)
	if err != nil {
		logger.Warn("Failed to build quality summary",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return
	}
	if summary.SampleCount == 0 {
		return
	}
	summary.Category = category

	if err := s.archive.StoreSummary(ctx, summary); err != nil {
		logger.Error("Failed to archive quality summary",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return
	}
	logger.Debug("Quality summary archived",
		zap.String("call_id", callID.String()),
		zap.Int("samples", summary.SampleCount))
}

func (s *Service) summarize(callID uuid.UUID, samples []*domain.QualitySample) *domain.QualitySummary {
	summary := &domain.QualitySummary{
		CallID:        callID,
		SampleCount:   len(samples),
		ICEStates:     map[string]int{},
		NetworkIssues: map[string]int{},
		GeneratedAt:   s.now(),
	}
	if len(samples) == 0 {
		return summary
	}

	n := float64(len(samples))
	summary.Category = samples[0].Category
	summary.AvgRTT = lo.SumBy(samples, func(q *domain.QualitySample) float64 { return q.Metrics.RTT }) / n
	summary.AvgJitter = lo.SumBy(samples, func(q *domain.QualitySample) float64 { return q.Metrics.Jitter }) / n
	summary.AvgPacketLoss = lo.SumBy(samples, func(q *domain.QualitySample) float64 { return q.Metrics.PacketLoss }) / n
	summary.AvgAudioScore = meanOf(samples, func(q *domain.QualitySample) *float64 { return q.Metrics.QualityScore.Audio })
	summary.AvgVideoScore = meanOf(samples, func(q *domain.QualitySample) *float64 { return q.Metrics.QualityScore.Video })
	summary.Participants = len(lo.UniqBy(samples, func(q *domain.QualitySample) uuid.UUID { return q.UserID }))

	first, last := samples[0].RecordedAt, samples[0].RecordedAt
	for _, q := range samples {
		state := q.Metrics.ICEConnectionState
		if state == "" {
			state = domain.ICEStateUnknown
		}
		summary.ICEStates[state]++

		issues := s.advisor.Issues(q.Metrics)
		for _, issue := range issues {
			summary.NetworkIssues[issue]++
		}
		if len(issues) > 0 {
			summary.Recommendations++
		}

		if q.RecordedAt.Before(first) {
			first = q.RecordedAt
		}
		if q.RecordedAt.After(last) {
			last = q.RecordedAt
		}
	}
	summary.FirstSampleAt = &first
	summary.LastSampleAt = &last
	return summary
}

// UserStats aggregates the user's own samples over timeframe. An empty
// timeframe means a week.
func (s *Service) UserStats(ctx context.Context, userID uuid.UUID, timeframe domain.StatsTimeframe) (*domain.QualityStats, error) {
	if timeframe == "" {
		timeframe = domain.TimeframeWeek
	}
	span, bucket, ok := timeframe.Window()
	if !ok {
		return nil, apperrors.ValidationError("timeframe must be day, week, month or year")
	}

	now := s.now()
	since := now.Add(-span)
	samples, err := s.samples.ListByUser(ctx, userID, since)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	stats := &domain.QualityStats{
		UserID:          userID,
		Timeframe:       timeframe,
		Since:           since,
		SampleCount:     len(samples),
		ConnectionTypes: map[string]int{},
		NetworkIssues:   map[string]int{},
		Trend:           []domain.QualityTrendPoint{},
	}
	if len(samples) == 0 {
		return stats, nil
	}

	stats.TotalCalls = len(lo.UniqBy(samples, func(q *domain.QualitySample) uuid.UUID { return q.CallID }))
	stats.AvgRTT = meanOf(samples, func(q *domain.QualitySample) *float64 { return &q.Metrics.RTT })
	stats.AvgJitter = meanOf(samples, func(q *domain.QualitySample) *float64 { return &q.Metrics.Jitter })
	stats.AvgPacketLoss = meanOf(samples, func(q *domain.QualitySample) *float64 { return &q.Metrics.PacketLoss })
	stats.AvgAudioScore = meanOf(samples, func(q *domain.QualitySample) *float64 { return q.Metrics.QualityScore.Audio })
	stats.AvgVideoScore = meanOf(samples, func(q *domain.QualitySample) *float64 { return q.Metrics.QualityScore.Video })

	for _, q := range samples {
		if q.Metrics.ConnectionType != "" {
			stats.ConnectionTypes[q.Metrics.ConnectionType]++
		}
		for _, issue := range s.advisor.Issues(q.Metrics) {
			stats.NetworkIssues[issue]++
		}
	}
	stats.Trend = trend(samples, bucket)
	return stats, nil
}

// trend buckets samples by RecordedAt starting at the first sample. Empty
// buckets are skipped.
func trend(samples []*domain.QualitySample, bucket time.Duration) []domain.QualityTrendPoint {
	origin := samples[0].RecordedAt
	for _, q := range samples {
		if q.RecordedAt.Before(origin) {
			origin = q.RecordedAt
		}
	}

	groups := lo.GroupBy(samples, func(q *domain.QualitySample) int64 {
		return int64(q.RecordedAt.Sub(origin) / bucket)
	})
	keys := lo.Keys(groups)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	points := make([]domain.QualityTrendPoint, 0, len(keys))
	for _, k := range keys {
		group := groups[k]
		n := float64(len(group))
		points = append(points, domain.QualityTrendPoint{
			Start:         origin.Add(time.Duration(k) * bucket),
			Samples:       len(group),
			AvgRTT:        lo.SumBy(group, func(q *domain.QualitySample) float64 { return q.Metrics.RTT }) / n,
			AvgPacketLoss: lo.SumBy(group, func(q *domain.QualitySample) float64 { return q.Metrics.PacketLoss }) / n,
			AvgAudioScore: meanOf(group, func(q *domain.QualitySample) *float64 { return q.Metrics.QualityScore.Audio }),
			AvgVideoScore: meanOf(group, func(q *domain.QualitySample) *float64 { return q.Metrics.QualityScore.Video }),
		})
	}
	return points
}

func meanOf(samples []*domain.QualitySample, pick func(*domain.QualitySample) *float64) *float64 {
	values := lo.FilterMap(samples, func(q *domain.QualitySample, _ int) (float64, bool) {
		v := pick(q)
		if v == nil {
			return 0, false
		}
		return *v, true
	})
	if len(values) == 0 {
		return nil
	}
	mean := lo.Sum(values) / float64(len(values))
	return &mean
}

func (s *Service) otherParticipants(ctx context.Context, callID uuid.UUID, category domain.CallCategory, userID uuid.UUID) ([]uuid.UUID, error) {
	resolve := s.participants[category]
	if resolve == nil {
		return nil, nil
	}
	ids, err := resolve(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !lo.Contains(ids, userID) {
		return nil, apperrors.ForbiddenError("not a participant of this call")
	}
	return lo.Without(ids, userID), nil
}

func (s *Service) appendEvent(ctx context.Context, callID uuid.UUID, category domain.CallCategory, t domain.CallEventType, userID uuid.UUID, deviceID string, details map[string]string) {
	if s.events == nil {
		return
	}
	err := s.events.Append(ctx, &domain.CallEvent{
		CallID:    callID,
		Category:  category,
		Type:      t,
		UserID:    userID,
		DeviceID:  deviceID,
		Details:   details,
		CreatedAt: s.now(),
	})
	if err != nil {
		logger.Warn("Failed to append quality event",
			zap.String("call_id", callID.String()),
			zap.String("event", string(t)),
			zap.Error(err))
	}
}
