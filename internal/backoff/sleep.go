package backoff

import (
	"context"
	"time"
)

// Sleep sleeps for the specified duration, respecting context cancellation.
// Returns nil if the sleep completed, or ctx.Err() if cancelled.
func Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepBackoff computes the backoff for the given attempt and sleeps.
func SleepBackoff(ctx context.Context, policy Policy, attempt int) error {
	return Sleep(ctx, Compute(policy, attempt))
}
