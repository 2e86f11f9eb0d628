// Package retry provides shared retry policies with pluggable backoff and clock.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Clock abstracts time so backoff can be driven by tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Backoff returns the wait before the given retry. attempt starts at 1 for
// the first retry.
type Backoff func(attempt int) time.Duration

// Linear waits attempt*base before each retry.
func Linear(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * base
	}
}

// Exponential doubles base on each retry with +-25% jitter.
func Exponential(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		delay := base << (attempt - 1)
		jitter := delay / 4
		return delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
	}
}

// Policy bounds a retried operation.
type Policy struct {
	MaxAttempts int
	Delay       Backoff
	Clock       Clock
}

func (p Policy) clock() Clock {
	if p.Clock == nil {
		return RealClock{}
	}
	return p.Clock
}

// Do calls fn until it succeeds, returns a *PermanentError, the attempts
// run out, or ctx is cancelled. fn receives the zero-based attempt index.
// The last error from fn is returned when attempts are exhausted.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		var wait time.Duration
		if p.Delay != nil {
			wait = p.Delay(attempt + 1)
		}
		if serr := Sleep(ctx, p.clock(), wait); serr != nil {
			return serr
		}
	}
	return err
}

// Sleep waits d on clock or until ctx is done.
func Sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	p := Policy{MaxAttempts: maxAttempts, Delay: Exponential(baseDelay)}
	return p.Do(ctx, func(int) error { return fn() })
}

// InstantClock fires every timer immediately and records the requested
// waits. Now advances by each wait.
type InstantClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

// NewInstantClock returns an InstantClock starting at start.
func NewInstantClock(start time.Time) *InstantClock {
	return &InstantClock{now: start}
}

func (c *InstantClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *InstantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves Now forward without recording a wait.
func (c *InstantClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Waits returns a copy of every duration passed to After.
func (c *InstantClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}
