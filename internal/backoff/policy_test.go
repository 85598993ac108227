package backoff

import (
	"context"
	"testing"
	"time"
)

func TestComputeWithRand(t *testing.T) {
	policy := Policy{InitialMs: 100, MaxMs: 30000, Factor: 2, Jitter: 0.1}

	tests := []struct {
		attempt int
		random  float64
		want    time.Duration
	}{
		{1, 0, 100 * time.Millisecond},
		{2, 0, 200 * time.Millisecond},
		{3, 0, 400 * time.Millisecond},
		{1, 1.0, 110 * time.Millisecond},
		{10, 0, 30 * time.Second}, // clamped to max
		{0, 0, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := ComputeWithRand(policy, tt.attempt, tt.random); got != tt.want {
			t.Errorf("ComputeWithRand(attempt=%d, rand=%v) = %v, want %v", tt.attempt, tt.random, got, tt.want)
		}
	}
}

func TestComputeNoJitter(t *testing.T) {
	policy := Policy{InitialMs: 2000, MaxMs: 60000, Factor: 2}
	if got := Compute(policy, 1); got != 2*time.Second {
		t.Fatalf("attempt 1 = %v, want 2s", got)
	}
	if got := Compute(policy, 6); got != 60*time.Second {
		t.Fatalf("attempt 6 = %v, want clamped 60s", got)
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Sleep(ctx, 10*time.Second)
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep did not return promptly on cancellation")
	}
}

func TestSleepZeroReturnsImmediately(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("err = %v", err)
	}
}
