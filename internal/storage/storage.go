// Package storage classifies store failures and bounds every store call with
// a per-attempt timeout and a retry budget. Exhausted budgets surface as
// ErrUnavailable.
package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/replikanto/internal/retry"
)

// ErrUnavailable reports a store that timed out, throttled, or refused
// connections after the retry budget ran out.
var ErrUnavailable = errors.New("storage unavailable")

// Bounds limits a store call.
type Bounds struct {
	Timeout time.Duration
	Policy  retry.Policy
}

// NewBounds builds Bounds with linear backoff.
func NewBounds(timeout time.Duration, attempts int, base time.Duration) Bounds {
	return Bounds{
		Timeout: timeout,
		Policy:  retry.Policy{MaxAttempts: attempts, Delay: retry.Linear(base)},
	}
}

// Once keeps the timeout but allows a single attempt.
func (b Bounds) Once() Bounds {
	b.Policy.MaxAttempts = 1
	return b
}

// Do runs fn under the bounds. Non-transient errors return immediately and
// unwrapped so callers can match their sentinels. Transient errors are
// retried and, once the budget is spent, wrapped with ErrUnavailable.
func (b Bounds) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var last error
	err := b.Policy.Do(ctx, func(int) error {
		actx, cancel := b.attemptContext(ctx)
		defer cancel()

		err := fn(actx)
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return retry.Permanent(err)
		}
		last = err
		return err
	})
	if err == nil {
		return nil
	}
	if last != nil && (errors.Is(err, last) || ctx.Err() != nil) {
		if errors.Is(last, ErrUnavailable) {
			return fmt.Errorf("%s: %w", op, last)
		}
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, last)
	}
	return err
}

func (b Bounds) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.Timeout)
}

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, redis.TxFailedErr) {
		return true
	}
	if errors.Is(err, redis.Nil) {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"40", // serialization failure, deadlock
			"53", // insufficient resources
			"57": // operator intervention
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
