// Package sweeper expires calls that were never answered.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"callcore-backend/pkg/logger"
	"callcore-backend/pkg/metrics"
)

// RingingExpirer expires unanswered one-to-one calls
type RingingExpirer interface {
	ExpireRinging(ctx context.Context, timeout time.Duration) (int, error)
}

// GroupExpirer expires group calls nobody joined
type GroupExpirer interface {
	ExpireStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config holds sweep timing
type Config struct {
	Interval           time.Duration
	RingingTimeout     time.Duration
	GroupInviteTimeout time.Duration
}

// Sweeper periodically expires stale ringing and connecting calls
type Sweeper struct {
	cron    *cron.Cron
	calls   RingingExpirer
	groups  GroupExpirer
	cfg     Config
	metrics *metrics.Metrics
}

// New creates a sweeper scheduled every cfg.Interval. Runs never overlap.
func New(calls RingingExpirer, groups GroupExpirer, cfg Config, m *metrics.Metrics) (*Sweeper, error) {
	cl := cronLogger{}
	s := &Sweeper{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		calls:   calls,
		groups:  groups,
		cfg:     cfg,
		metrics: m,
	}

	spec := fmt.Sprintf("@every %s", cfg.Interval)
	if _, err := s.cron.AddFunc(spec, func() { s.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("failed to schedule sweep %q: %w", spec, err)
	}
	return s, nil
}

// Start begins the schedule in its own goroutine
func (s *Sweeper) Start() {
	s.cron.Start()
	logger.Info("Call sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("ringing_timeout", s.cfg.RingingTimeout),
		zap.Duration("group_invite_timeout", s.cfg.GroupInviteTimeout))
}

// Stop halts the schedule and waits for a running sweep
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one expiry pass over both call kinds
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.calls != nil {
		n, err := s.calls.ExpireRinging(ctx, s.cfg.RingingTimeout)
		if err != nil {
			logger.Warn("Ringing sweep failed", zap.Error(err))
		}
		if n > 0 {
			s.metrics.RecordExpired("call", n)
			logger.Info("Expired unanswered calls", zap.Int("count", n))
		}
	}

	if s.groups != nil {
		n, err := s.groups.ExpireStale(ctx, s.cfg.GroupInviteTimeout)
		if err != nil {
			logger.Warn("Group call sweep failed", zap.Error(err))
		}
		if n > 0 {
			s.metrics.RecordExpired("group_call", n)
			logger.Info("Expired unjoined group calls", zap.Int("count", n))
		}
	}
}

// cronLogger routes cron's own messages through zap
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Sugar.Debugw(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
