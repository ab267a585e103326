package utils

import (
	"context"
	"time"
)

// SleepWithContext blocks for d, returning early with ctx.Err() if the
// context is cancelled first.
func SleepWithContext(ctx context.Context, d time.Duration) error {
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
