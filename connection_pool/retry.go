package connection_pool

import (
	"context"
	"math/rand"
	"time"
)

const (
	backoffBase   = 100 * time.Millisecond
	backoffMax    = 10 * time.Second
	backoffJitter = 0.1
)

// backoffDelay returns the delay before retry number attempt (0-based):
// exponential growth from backoffBase capped at backoffMax, with a random
// jitter so a herd of clients does not reconnect in lockstep.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << uint(attempt)
	if d > backoffMax || d <= 0 {
		d = backoffMax
	}
	f := float64(d) * (1 + backoffJitter*(2*rand.Float64()-1))
	return time.Duration(f)
}

// sleepBackoff waits out the backoff delay for attempt, honoring ctx.
func sleepBackoff(ctx context.Context, attempt int) error {
	t := time.NewTimer(backoffDelay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
