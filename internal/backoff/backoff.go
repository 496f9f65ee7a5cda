// Package backoff computes retry delays for reconnect and resubscribe loops.
package backoff

import (
	"context"
	"time"
)

const (
	Base = 1 * time.Second
	Max  = 30 * time.Second
)

// Exponential returns Base doubled attempt times, capped at Max.
func Exponential(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= Max {
			return Max
		}
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
