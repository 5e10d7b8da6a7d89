package generation

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// backoffWithJitter returns a wait in [wait/2, wait) where wait doubles per
// attempt from base and is capped at max.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retry runs fn until it succeeds, fails with a non-transient error, or the
// attempts run out.
func (c *HTTPClient) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		if attempt == c.maxAttempts {
			break
		}
		wait := backoffWithJitter(c.backoffBase, c.backoffMax, attempt)
		c.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("wait", wait).Msg("generation: retrying")
		if serr := c.sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return err
}
