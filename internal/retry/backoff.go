// Package retry provides the exponential-backoff retry loop shared by
// the ingestion pipeline and the alert dispatcher, each configured with
// its own base/cap/attempt budget.
package retry

import (
	"context"
	"time"
)

// Policy is an exponential backoff schedule: base * 2^attempt, capped.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Backoff returns the delay before the given 0-indexed retry attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.Base * time.Duration(uint64(1)<<uint(attempt))
	if d > p.Cap || d <= 0 {
		d = p.Cap
	}
	return d
}

// Permanent wraps an error to signal Do should not retry it.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Do runs fn, retrying on error per the policy's schedule, sleeping
// between attempts unless ctx is canceled. A *Permanent error returned
// by fn stops retrying immediately.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *Permanent
		if asPermanent(err, &perm) {
			return perm.Err
		}

		if attempt == p.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff(attempt)):
		}
	}
	return lastErr
}

func asPermanent(err error, target **Permanent) bool {
	for err != nil {
		if p, ok := err.(*Permanent); ok {
			*target = p
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// IngestionPolicy is spec's ingestion job retry schedule: base 500ms,
// cap 30s, at most 8 attempts.
var IngestionPolicy = Policy{Base: 500 * time.Millisecond, Cap: 30 * time.Second, MaxAttempts: 8}

// AlertDispatchPolicy is spec's outbound alert webhook retry schedule:
// base 60s, cap 1h, at most 5 attempts.
var AlertDispatchPolicy = Policy{Base: 60 * time.Second, Cap: time.Hour, MaxAttempts: 5}
