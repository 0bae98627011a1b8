// Package resilience wraps operations that may fail with a transient
// ConcurrencyConflict in a retry policy, the same shape the donor
// codebase's config layer expects call sites to bring themselves (the
// donor has no equivalent package — this generalizes the retry-with-
// jittered-backoff idiom used ad hoc across its store and kms clients into
// a single reusable pipeline, per spec.md §4.2).
package resilience

import (
	"context"
	"math/rand"
	"time"

	"promisedb/pkg/apierrors"
	"promisedb/pkg/metrics"
)

// backoffSchedule is the fixed per-attempt delay before retry N, per
// spec.md §4.2: no delay before the first retry, 30ms before the second,
// then a flat 1s for every attempt after that.
var backoffSchedule = []time.Duration{0, 30 * time.Millisecond}

const flatBackoff = time.Second

// MaxAttempts is the maximum number of attempts (the original call plus
// retries) the pipeline makes before giving up.
const MaxAttempts = 5

func delayFor(attempt int) time.Duration {
	// attempt is 1-based; attempt 1 never waits (it's the first try).
	idx := attempt - 1
	if idx < len(backoffSchedule) {
		return backoffSchedule[idx]
	}
	return flatBackoff
}

// jitter returns d scaled by a random factor in [0.85, 1.15], keeping
// concurrent retries from lining up in lockstep.
func jitter(d time.Duration) time.Duration {
	if d == 0 {
		return 0
	}
	factor := 0.85 + rand.Float64()*0.3
	return time.Duration(float64(d) * factor)
}

// Do runs fn, retrying up to MaxAttempts times while fn returns a
// ConcurrencyConflict error. Every attempt (including the first) records
// its 1-based ordinal on the resilience retry histogram, matching
// spec.md §4.2 ("emits a histogram sample equal to the 1-based attempt
// number on every retry"). Non-conflict errors, including context
// cancellation, are returned immediately without retrying.
func Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return apierrors.Canceled("resilience pipeline: " + ctx.Err().Error())
		}
		metrics.ResilienceAttempts.WithLabelValues(name).Observe(float64(attempt))

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !apierrors.Is(err, apierrors.KindConcurrencyConflict) {
			return err
		}
		if attempt == MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return apierrors.Canceled("resilience pipeline: " + ctx.Err().Error())
		case <-time.After(jitter(delayFor(attempt))):
		}
	}
	return lastErr
}
