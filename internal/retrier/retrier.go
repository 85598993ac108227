package retrier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/weft/internal/backoff"
	"github.com/haasonsaas/weft/internal/observability"
	"github.com/haasonsaas/weft/pkg/models"
)

// ErrRetryCancelled is the final error when a retry cycle is aborted.
var ErrRetryCancelled = errors.New("Retry cancelled")

// state tracks the supervisor's position in its lifecycle.
type state int

const (
	stateIdle state = iota
	stateBackingOff
	stateRetrying
)

// Config configures the supervisor.
type Config struct {
	// MaxRetries bounds attempts; 0 means fail immediately.
	MaxRetries int

	// Policy shapes the backoff sleeps.
	Policy backoff.Policy
}

// DriveFunc re-runs the turn engine for one retry attempt. It returns the
// resulting assistant message; a nil message with an error means the drive
// itself failed (not a provider-level error message).
type DriveFunc func(ctx context.Context) (*models.AssistantMessage, error)

// Supervisor owns one retry lifecycle at a time. Exactly one retry cycle
// is outstanding; WaitForRetry blocks callers until it resolves.
type Supervisor struct {
	config  Config
	emit    func(models.AgentEvent)
	log     *observability.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	st      state
	cancel  context.CancelFunc
	waitCh  chan struct{}
}

// New creates a supervisor. emit receives auto_retry_start/auto_retry_end
// lifecycle events; it may be nil.
func New(config Config, emit func(models.AgentEvent), log *observability.Logger, metrics *observability.Metrics) *Supervisor {
	if emit == nil {
		emit = func(models.AgentEvent) {}
	}
	if config.Policy == (backoff.Policy{}) {
		config.Policy = backoff.DefaultPolicy()
	}
	return &Supervisor{
		config:  config,
		emit:    emit,
		log:     log.Or(),
		metrics: metrics,
	}
}

// Active reports whether a retry cycle is in flight.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st != stateIdle
}

// WaitForRetry blocks until the in-flight retry cycle resolves. It returns
// immediately when the supervisor is idle.
func (s *Supervisor) WaitForRetry() {
	s.mu.Lock()
	ch := s.waitCh
	s.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

// Abort cancels the in-flight retry cycle, including a backoff sleep in
// progress. The cycle resolves with success=false.
func (s *Supervisor) Abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Retry runs the recovery cycle for an error-terminated assistant message.
// The caller has already classified the error as transient (IsTransient)
// and removed the failed message from the in-memory context. Returns the
// successful assistant message, or nil with the final error when the
// supervisor gave up or was aborted.
func (s *Supervisor) Retry(ctx context.Context, errMsg string, drive DriveFunc) (*models.AssistantMessage, error) {
	s.mu.Lock()
	if s.st != stateIdle {
		s.mu.Unlock()
		return nil, errors.New("retry already in progress")
	}
	retryCtx, cancel := context.WithCancel(ctx)
	s.st = stateBackingOff
	s.cancel = cancel
	s.waitCh = make(chan struct{})
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.st = stateIdle
		s.cancel = nil
		close(s.waitCh)
		s.waitCh = nil
		s.mu.Unlock()
		cancel()
	}()

	if s.config.MaxRetries <= 0 {
		s.finish(false, 0, errMsg)
		return nil, errors.New(errMsg)
	}

	lastErr := errMsg
	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		delay := backoff.Compute(s.config.Policy, attempt)
		s.emit(models.AgentEvent{
			Type: models.EventAutoRetryStart,
			Time: time.Now(),
			Retry: &models.RetryEventPayload{
				Attempt:      attempt,
				MaxAttempts:  s.config.MaxRetries,
				Delay:        delay,
				ErrorMessage: lastErr,
			},
		})
		s.log.Info(retryCtx, "retrying after provider error",
			"attempt", attempt, "max", s.config.MaxRetries, "delay", delay.String())

		s.setState(stateBackingOff)
		if err := backoff.Sleep(retryCtx, delay); err != nil {
			s.finish(false, attempt, ErrRetryCancelled.Error())
			return nil, ErrRetryCancelled
		}

		s.setState(stateRetrying)
		msg, err := drive(retryCtx)
		if err != nil {
			if retryCtx.Err() != nil {
				s.finish(false, attempt, ErrRetryCancelled.Error())
				return nil, ErrRetryCancelled
			}
			lastErr = err.Error()
			if !IsTransient(lastErr) {
				s.finish(false, attempt, lastErr)
				return nil, err
			}
			continue
		}

		if msg != nil && msg.StopReason == models.StopError {
			if retryCtx.Err() != nil {
				s.finish(false, attempt, ErrRetryCancelled.Error())
				return nil, ErrRetryCancelled
			}
			lastErr = msg.ErrorMessage
			if !IsTransient(lastErr) {
				s.finish(false, attempt, lastErr)
				return nil, errors.New(lastErr)
			}
			continue
		}

		s.finish(true, attempt, "")
		return msg, nil
	}

	s.finish(false, s.config.MaxRetries, lastErr)
	return nil, errors.New(lastErr)
}

func (s *Supervisor) setState(st state) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
}

func (s *Supervisor) finish(success bool, attempt int, finalErr string) {
	outcome := "success"
	if !success {
		if finalErr == ErrRetryCancelled.Error() {
			outcome = "cancelled"
		} else {
			outcome = "gave_up"
		}
	}
	if s.metrics != nil {
		s.metrics.RetryCounter.WithLabelValues(outcome).Inc()
	}
	s.emit(models.AgentEvent{
		Type: models.EventAutoRetryEnd,
		Time: time.Now(),
		Retry: &models.RetryEventPayload{
			Attempt:     attempt,
			MaxAttempts: s.config.MaxRetries,
			Success:     success,
			FinalError:  finalErr,
		},
	})
}
