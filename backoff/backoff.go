// Package backoff provides exponential backoff with jitter for the retry
// loops that keep protocol connections alive.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff before the first retry.
	Initial time.Duration
	// Max caps the computed backoff.
	Max time.Duration
	// Factor is the multiplier applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to the base.
	Jitter float64
	// MaxAttempts bounds the number of retries; 0 means a single attempt.
	MaxAttempts int
}

// DefaultPolicy returns the policy used when configuration does not
// override it: 500ms initial, 30s cap, factor 2, 10% jitter, 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     500 * time.Millisecond,
		Max:         30 * time.Second,
		Factor:      2,
		Jitter:      0.1,
		MaxAttempts: 5,
	}
}

// Delay computes the backoff for a 1-indexed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64())
}

// delayWithRand computes the backoff using a supplied random value in
// [0.0, 1.0), which keeps tests deterministic.
func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * random
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total)
}

// Sleep waits for the attempt's backoff or until the context is cancelled.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry runs fn until it succeeds, the policy's attempts are exhausted, or
// the context is cancelled. fn receives the 1-indexed attempt number.
// The last error is returned when all attempts fail.
func Retry(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
		if attempt < attempts {
			if err := p.Sleep(ctx, attempt); err != nil {
				return err
			}
		}
	}
	return lastErr
}
