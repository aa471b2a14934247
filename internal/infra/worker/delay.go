package worker

import (
	"context"
	"math/rand/v2"
	"time"
)

// Bounds of the jittered reconnect delay.
const (
	MinJitter = 100 * time.Millisecond
	MaxJitter = 500 * time.Millisecond
)

// Delay sleeps for d or until ctx is done, returning ctx.Err() in the latter case.
func Delay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jitter returns a duration drawn uniformly from [MinJitter, MaxJitter].
func Jitter() time.Duration {
	return MinJitter + rand.N(MaxJitter-MinJitter+1)
}

// JitterDelay sleeps for Jitter().
func JitterDelay(ctx context.Context) error {
	return Delay(ctx, Jitter())
}
