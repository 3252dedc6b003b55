// Package retry provides bounded exponential backoff for pipeline stages.
// The schedule is a pure function of the attempt number so tests can verify
// it without waiting.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Cap bounds every delay in the schedule.
	Cap time.Duration

	// Attempts is the total number of tries, including the first.
	Attempts int

	// Jitter is the maximum fraction randomly shaved off a delay to spread
	// concurrent retries (0 disables, 0.2 = up to 20%).
	Jitter float64
}

// DefaultPolicy matches the publish contract: five attempts with delays
// doubling from one second, capped at thirty.
func DefaultPolicy() Policy {
	return Policy{
		Base:     1 * time.Second,
		Cap:      30 * time.Second,
		Attempts: 5,
		Jitter:   0.2,
	}
}

// Delay returns the backoff before retry number attempt (0-based), without
// jitter. Pure: the same attempt always yields the same delay. The sequence
// is non-decreasing and never exceeds Cap.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.Base <= 0 {
		return 0
	}
	if attempt > 62 {
		return p.Cap
	}

	d := p.Base << uint(attempt)
	if d <= 0 || (p.Cap > 0 && d > p.Cap) {
		// Overflowed or passed the cap.
		return p.Cap
	}
	return d
}

// Jittered returns Delay(attempt) with up to the Jitter fraction subtracted.
// Subtracting keeps every jittered delay within the cap.
func (p Policy) Jittered(attempt int, rnd *rand.Rand) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	shave := p.Jitter * rnd.Float64()
	return d - time.Duration(shave*float64(d))
}

// PermanentError marks an error Do must not retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do runs fn until it succeeds, returns a permanent error, the attempt
// budget is exhausted, or ctx is done. It returns nil on success, ctx.Err()
// on cancellation, and otherwise the last error fn returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.Jittered(attempt-1, rnd)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err = fn(ctx); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
	}
	return err
}
