package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	apperrors "callcore-backend/pkg/errors"
	"callcore-backend/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned while the breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config tunes retry and breaker behaviour for one dependency
type Config struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultConfig mirrors the limits used for object storage calls
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		InitialBackoff:   100 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 3,
		Cooldown:         10 * time.Second,
	}
}

// Breaker wraps calls to an unreliable dependency (push providers, object
// storage) with bounded retries and a circuit breaker.
type Breaker struct {
	name string
	cfg  Config

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type breakerMetrics struct {
	requestsTotal       *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
}

var (
	metricsInstance *breakerMetrics
	metricsOnce     sync.Once
)

func getMetrics() *breakerMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &breakerMetrics{
			requestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dependency_requests_total",
					Help: "Total number of calls to external dependencies",
				},
				[]string{"dependency", "operation", "status"},
			),
			errorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dependency_errors_total",
					Help: "Total number of failed calls to external dependencies",
				},
				[]string{"dependency", "operation", "error_type"},
			),
			circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dependency_circuit_breaker_state",
				Help: "State of the circuit breaker (0=closed, 1=half_open, 2=open)",
			}, []string{"dependency"}),
		}
		prometheus.MustRegister(metricsInstance.requestsTotal)
		prometheus.MustRegister(metricsInstance.errorsTotal)
		prometheus.MustRegister(metricsInstance.circuitBreakerState)
	})
	return metricsInstance
}

// NewBreaker creates a breaker for the named dependency
func NewBreaker(name string, cfg Config) *Breaker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: CircuitBreakerClosed,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Execute runs fn with retry, timeout, and circuit breaker. Errors that are
// AppErrors marked non-retryable are returned after the first attempt.
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	m := getMetrics()

	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if !b.allow() {
			m.requestsTotal.WithLabelValues(b.name, operation, "circuit_breaker_open").Inc()
			logger.Warn("Circuit breaker is OPEN - request blocked",
				zap.String("dependency", b.name),
				zap.String("operation", operation),
			)
			if lastErr != nil {
				return fmt.Errorf("%s %s: %w (last error: %v)", b.name, operation, ErrCircuitOpen, lastErr)
			}
			return fmt.Errorf("%s %s: %w", b.name, operation, ErrCircuitOpen)
		}

		if attempt > 1 {
			logger.Debug("Dependency call retry",
				zap.String("dependency", b.name),
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		}

		err := fn(ctx)
		if err == nil {
			b.onSuccess()
			m.requestsTotal.WithLabelValues(b.name, operation, "success").Inc()
			return nil
		}
		lastErr = err

		m.errorsTotal.WithLabelValues(b.name, operation, classifyError(err)).Inc()
		m.requestsTotal.WithLabelValues(b.name, operation, "failure").Inc()

		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && !appErr.Retryable() {
			return err
		}
		b.onFailure(operation)

		if attempt == b.cfg.MaxAttempts {
			break
		}
		backoff := time.Duration(attempt) * b.cfg.InitialBackoff
		if b.cfg.MaxBackoff > 0 && backoff > b.cfg.MaxBackoff {
			backoff = b.cfg.MaxBackoff
		}
		if err := b.sleep(ctx, backoff); err != nil {
			return fmt.Errorf("%s %s timed out: %w", b.name, operation, lastErr)
		}
	}

	return fmt.Errorf("%s %s failed after %d attempts: %w", b.name, operation, b.cfg.MaxAttempts, lastErr)
}

// State returns the current circuit breaker state
func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != CircuitBreakerOpen {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = CircuitBreakerHalfOpen
		getMetrics().circuitBreakerState.WithLabelValues(b.name).Set(1)
		return true
	}
	return false
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != CircuitBreakerClosed {
		logger.Info("Circuit breaker CLOSED - dependency recovered", zap.String("dependency", b.name))
		getMetrics().circuitBreakerState.WithLabelValues(b.name).Set(0)
	}
	b.state = CircuitBreakerClosed
	b.consecutiveFailures = 0
}

func (b *Breaker) onFailure(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.cfg.FailureThreshold {
		if b.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker OPEN - too many consecutive failures",
				zap.String("dependency", b.name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", b.consecutiveFailures),
			)
		}
		b.state = CircuitBreakerOpen
		b.openedAt = b.now()
		getMetrics().circuitBreakerState.WithLabelValues(b.name).Set(2)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "not found"):
		return "not_found"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "access denied"):
		return "permission"
	case strings.Contains(errMsg, "unregistered") || strings.Contains(errMsg, "invalid token"):
		return "invalid_token"
	default:
		return "unknown"
	}
}
