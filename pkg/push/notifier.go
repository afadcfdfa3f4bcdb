package push

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callcore-backend/pkg/constants"
	"callcore-backend/pkg/logger"
	"callcore-backend/pkg/metrics"
	"callcore-backend/pkg/resilience"
)

// Sender delivers a notification to all devices of a user
type Sender interface {
	SendToUser(ctx context.Context, userID uuid.UUID, notification *Notification, preferDevice string) (*SendResult, error)
}

// DeviceResolver returns the device a user marked as primary, or ""
type DeviceResolver interface {
	GetActiveDevice(ctx context.Context, userID uuid.UUID) (string, error)
}

// Job is one queued push delivery
type Job struct {
	UserID       uuid.UUID
	Kind         string
	Notification *Notification
}

// NotifierConfig sizes the delivery queue
type NotifierConfig struct {
	QueueSize   int
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
}

// Notifier delivers push jobs on a bounded queue so that signaling never
// waits on a push provider.
type Notifier struct {
	sender  Sender
	devices DeviceResolver
	breaker *resilience.Breaker
	metrics *metrics.Metrics
	queue   chan Job
	workers int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewNotifier creates a notifier. devices may be nil, in which case every
// device is treated alike. Call Start before enqueueing.
func NewNotifier(sender Sender, devices DeviceResolver, cfg NotifierConfig, m *metrics.Metrics) *Notifier {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}

	rc := resilience.DefaultConfig()
	if cfg.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.Backoff > 0 {
		rc.InitialBackoff = cfg.Backoff
	}

	return &Notifier{
		sender:  sender,
		devices: devices,
		breaker: resilience.NewBreaker("push", rc),
		metrics: m,
		queue:   make(chan Job, cfg.QueueSize),
		workers: cfg.Workers,
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled or Stop is called.
func (n *Notifier) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go n.worker(ctx)
	}
	logger.Info("Push notifier started",
		zap.Int("workers", n.workers),
		zap.Int("queue_size", cap(n.queue)))
}

// Stop stops the workers and waits for in-flight sends to finish
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

// Enqueue schedules a job. It never blocks; when the queue is full the job
// is dropped and false is returned.
func (n *Notifier) Enqueue(job Job) bool {
	select {
	case n.queue <- job:
		return true
	default:
		n.metrics.RecordPushDropped()
		logger.Warn("Push queue full, dropping notification",
			zap.String("user_id", job.UserID.String()),
			zap.String("kind", job.Kind))
		return false
	}
}

func (n *Notifier) worker(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-n.queue:
			n.deliver(ctx, job)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, job Job) {
	prefer := n.preferredDevice(ctx, job.UserID)

	var result *SendResult
	err := n.breaker.Execute(ctx, job.Kind, func(ctx context.Context) error {
		var err error
		result, err = n.sender.SendToUser(ctx, job.UserID, job.Notification, prefer)
		return err
	})
	if err != nil {
		n.metrics.RecordPushNotificationFailure(job.Kind, "any", "send_failed")
		logger.Warn("Push delivery failed",
			zap.String("user_id", job.UserID.String()),
			zap.String("kind", job.Kind),
			zap.Error(err))
		return
	}

	if result != nil && result.SuccessCount > 0 {
		n.metrics.RecordPushNotification(job.Kind, "any")
	}
}

// preferredDevice looks up the active device on the worker. A failed lookup
// only loses the ordering hint.
func (n *Notifier) preferredDevice(ctx context.Context, userID uuid.UUID) string {
	if n.devices == nil {
		return ""
	}
	lookupCtx, cancel := context.WithTimeout(ctx, constants.ShortTimeout)
	defer cancel()

	deviceID, err := n.devices.GetActiveDevice(lookupCtx, userID)
	if err != nil {
		logger.Debug("Active device lookup failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return ""
	}
	return deviceID
}
