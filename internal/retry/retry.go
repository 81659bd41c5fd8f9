// Package retry implements the exponential-backoff policy applied between
// failed iterations.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Defaults produce the sequence 30s, 60s, 120s, ... capped at 1h.
const (
	DefaultBase       = 30 * time.Second
	DefaultMax        = time.Hour
	DefaultMultiplier = 2.0
)

// Policy is a per-session backoff state machine. Each supervisor owns one;
// it is not safe for concurrent use. State is process-local and resets on
// supervisor restart, which is safe because backoff is a mitigation, not a
// correctness condition.
type Policy struct {
	base       time.Duration
	max        time.Duration
	multiplier float64
	failures   int
}

// NewPolicy returns a policy with the default base, max, and multiplier.
func NewPolicy() *Policy {
	return NewPolicyWith(DefaultBase, DefaultMax, DefaultMultiplier)
}

// NewPolicyWith returns a policy with explicit parameters. Non-positive or
// sub-one values fall back to the defaults.
func NewPolicyWith(base, max time.Duration, multiplier float64) *Policy {
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	if multiplier < 1 {
		multiplier = DefaultMultiplier
	}
	return &Policy{base: base, max: max, multiplier: multiplier}
}

// NextDelay returns min(base · multiplier^failures, max).
// The cap is returned exactly, never an overflowed product.
func (p *Policy) NextDelay() time.Duration {
	d := float64(p.base) * math.Pow(p.multiplier, float64(p.failures))
	if math.IsNaN(d) || math.IsInf(d, 1) || d >= float64(p.max) {
		return p.max
	}
	return time.Duration(d)
}

// RecordFailure increments the consecutive-failure counter.
func (p *Policy) RecordFailure() {
	p.failures++
}

// RecordSuccess resets the consecutive-failure counter.
func (p *Policy) RecordSuccess() {
	p.failures = 0
}

// Failures returns the consecutive-failure count.
func (p *Policy) Failures() int {
	return p.failures
}

// Sleep waits for d or until ctx is done, whichever comes first.
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

// Do runs fn up to maxAttempts times. fn reporting true records a success and
// returns nil; false or an error records a failure and sleeps NextDelay before
// the next attempt. After maxAttempts the last error (if any) is returned.
//
// The supervisor's main loop does not use Do - it drives the primitives
// directly so it can interleave session-state checks.
func (p *Policy) Do(ctx context.Context, maxAttempts int, fn func() (bool, error)) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ok, err := fn()
		if err == nil && ok {
			p.RecordSuccess()
			return nil
		}
		lastErr = err
		p.RecordFailure()
		if attempt == maxAttempts {
			break
		}
		if serr := Sleep(ctx, p.NextDelay()); serr != nil {
			return serr
		}
	}
	if lastErr != nil {
		return fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
	}
	return fmt.Errorf("all %d attempts failed", maxAttempts)
}
