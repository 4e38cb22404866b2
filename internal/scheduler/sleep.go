package scheduler

import (
	"context"
	"time"
)

// SleepUntil blocks until t or until ctx is done. A past t returns
// immediately. Returns ctx.Err() if cancelled first.
func SleepUntil(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d := time.Until(t)
	if d <= 0 {
		return nil
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
