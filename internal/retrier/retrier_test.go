package retrier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/weft/internal/backoff"
	"github.com/haasonsaas/weft/pkg/models"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"Overloaded, please retry", true},
		{"rate limit exceeded", true},
		{"HTTP 429 Too Many Requests", true},
		{"HTTP 503 service unavailable", true},
		{"500 internal server error", true},
		{"connection reset by peer", true},
		{"dial tcp: connection refused", true},
		{"request timed out", true},
		{"invalid api key", false},
		{"model not found", false},
		{"", false},
		// Overflow routes to the compactor, never the retrier.
		{"prompt is too long: 250000 tokens > maximum context", false},
		{"input length and max_tokens exceed context window", false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.msg); got != tt.want {
			t.Errorf("IsTransient(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestIsContextOverflow(t *testing.T) {
	if !IsContextOverflow("prompt is too long for the context window") {
		t.Fatal("overflow not detected")
	}
	if IsContextOverflow("overloaded") {
		t.Fatal("overloaded misclassified as overflow")
	}
}

type eventSink struct {
	mu     sync.Mutex
	events []models.AgentEvent
}

func (s *eventSink) emit(ev models.AgentEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) byType(t models.AgentEventType) []models.AgentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AgentEvent
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func fastPolicy() backoff.Policy {
	return backoff.Policy{InitialMs: 1, MaxMs: 5, Factor: 2}
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	sink := &eventSink{}
	s := New(Config{MaxRetries: 3, Policy: fastPolicy()}, sink.emit, nil, nil)

	attempts := 0
	msg, err := s.Retry(context.Background(), "overloaded", func(ctx context.Context) (*models.AssistantMessage, error) {
		attempts++
		if attempts == 1 {
			return &models.AssistantMessage{StopReason: models.StopError, ErrorMessage: "overloaded"}, nil
		}
		return &models.AssistantMessage{StopReason: models.StopEndTurn}, nil
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if msg == nil || msg.StopReason != models.StopEndTurn {
		t.Fatalf("msg = %+v", msg)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}

	starts := sink.byType(models.EventAutoRetryStart)
	if len(starts) != 2 {
		t.Fatalf("auto_retry_start count = %d, want 2", len(starts))
	}
	if starts[0].Retry.Attempt != 1 || starts[0].Retry.MaxAttempts != 3 {
		t.Fatalf("first start payload = %+v", starts[0].Retry)
	}
	ends := sink.byType(models.EventAutoRetryEnd)
	if len(ends) != 1 || !ends[0].Retry.Success {
		t.Fatalf("auto_retry_end = %+v", ends)
	}
}

func TestRetryZeroMaxRetriesFailsImmediately(t *testing.T) {
	sink := &eventSink{}
	s := New(Config{MaxRetries: 0, Policy: fastPolicy()}, sink.emit, nil, nil)

	called := false
	_, err := s.Retry(context.Background(), "overloaded", func(ctx context.Context) (*models.AssistantMessage, error) {
		called = true
		return nil, nil
	})
	if err == nil {
		t.Fatal("want error with maxRetries=0")
	}
	if called {
		t.Fatal("drive must not run with maxRetries=0")
	}
	ends := sink.byType(models.EventAutoRetryEnd)
	if len(ends) != 1 || ends[0].Retry.Success {
		t.Fatalf("auto_retry_end = %+v", ends)
	}
}

func TestRetryGivesUpAfterMax(t *testing.T) {
	sink := &eventSink{}
	s := New(Config{MaxRetries: 2, Policy: fastPolicy()}, sink.emit, nil, nil)

	attempts := 0
	_, err := s.Retry(context.Background(), "overloaded", func(ctx context.Context) (*models.AssistantMessage, error) {
		attempts++
		return &models.AssistantMessage{StopReason: models.StopError, ErrorMessage: "overloaded again"}, nil
	})
	if err == nil {
		t.Fatal("want final error")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want maxRetries", attempts)
	}
	ends := sink.byType(models.EventAutoRetryEnd)
	if len(ends) != 1 || ends[0].Retry.Success || ends[0].Retry.FinalError == "" {
		t.Fatalf("auto_retry_end = %+v", ends)
	}
}

func TestRetryStopsOnNonTransientError(t *testing.T) {
	s := New(Config{MaxRetries: 5, Policy: fastPolicy()}, nil, nil, nil)

	attempts := 0
	_, err := s.Retry(context.Background(), "overloaded", func(ctx context.Context) (*models.AssistantMessage, error) {
		attempts++
		return &models.AssistantMessage{StopReason: models.StopError, ErrorMessage: "invalid api key"}, nil
	})
	if err == nil || attempts != 1 {
		t.Fatalf("err=%v attempts=%d, want give-up after first non-transient", err, attempts)
	}
}

func TestAbortDuringBackoff(t *testing.T) {
	sink := &eventSink{}
	s := New(Config{
		MaxRetries: 3,
		Policy:     backoff.Policy{InitialMs: 60000, MaxMs: 60000, Factor: 1},
	}, sink.emit, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Retry(context.Background(), "overloaded", func(ctx context.Context) (*models.AssistantMessage, error) {
			t.Error("drive must not run: sleep was aborted")
			return nil, nil
		})
		done <- err
	}()

	deadline := time.After(5 * time.Second)
	for !s.Active() {
		select {
		case <-deadline:
			t.Fatal("retry never became active")
		case <-time.After(time.Millisecond):
		}
	}
	s.Abort()

	select {
	case err := <-done:
		if !errors.Is(err, ErrRetryCancelled) {
			t.Fatalf("err = %v, want ErrRetryCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not resolve the retry")
	}

	ends := sink.byType(models.EventAutoRetryEnd)
	if len(ends) != 1 || ends[0].Retry.FinalError != ErrRetryCancelled.Error() {
		t.Fatalf("auto_retry_end = %+v", ends)
	}
}

func TestWaitForRetryBlocksUntilResolved(t *testing.T) {
	s := New(Config{MaxRetries: 1, Policy: fastPolicy()}, nil, nil, nil)

	release := make(chan struct{})
	go s.Retry(context.Background(), "overloaded", func(ctx context.Context) (*models.AssistantMessage, error) {
		<-release
		return &models.AssistantMessage{StopReason: models.StopEndTurn}, nil
	})

	deadline := time.After(5 * time.Second)
	for !s.Active() {
		select {
		case <-deadline:
			t.Fatal("retry never became active")
		case <-time.After(time.Millisecond):
		}
	}

	waited := make(chan struct{})
	go func() {
		s.WaitForRetry()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("WaitForRetry returned while retry in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForRetry never resolved")
	}
}
