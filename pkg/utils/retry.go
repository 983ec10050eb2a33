package utils

import (
	"context"
	"time"
)

// RetryFixed calls attempt up to 1+retryCount times, sleeping delay between
// calls. attempt receives the zero-based attempt number and reports whether
// it is done. The loop also stops when ctx is cancelled during a delay.
// It returns the number of attempts made.
func RetryFixed(ctx context.Context, retryCount int, delay time.Duration, attempt func(n int) bool) int {
	if retryCount < 0 {
		retryCount = 0
	}
	if delay < 0 {
		delay = 0
	}

	made := 0
	for n := 0; n <= retryCount; n++ {
		made++
		if attempt(n) {
			return made
		}
		if n == retryCount {
			break
		}
		if err := Sleep(ctx, delay); err != nil {
			break
		}
	}
	return made
}

// Sleep blocks for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
