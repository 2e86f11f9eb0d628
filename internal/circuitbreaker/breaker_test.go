package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("upstream down")

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(Config{Threshold: threshold, Cooldown: time.Minute, Now: clock.Now}), clock
}

func fail(context.Context) error { return errDown }
func ok(context.Context) error   { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newBreaker(3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(ctx, "license", fail), errDown)
	}
	assert.Equal(t, StateClosed, b.State("license"))

	assert.ErrorIs(t, b.Do(ctx, "license", fail), errDown)
	assert.Equal(t, StateOpen, b.State("license"))

	before := testutil.ToFloat64(rejections.WithLabelValues("license"))
	called := false
	err := b.Do(ctx, "license", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, before+1, testutil.ToFloat64(rejections.WithLabelValues("license")))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newBreaker(2)
	ctx := context.Background()

	_ = b.Do(ctx, "license", fail)
	require.NoError(t, b.Do(ctx, "license", ok))
	_ = b.Do(ctx, "license", fail)

	assert.Equal(t, StateClosed, b.State("license"))
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b, clock := newBreaker(1)
	ctx := context.Background()

	_ = b.Do(ctx, "telegram", fail)
	require.Equal(t, StateOpen, b.State("telegram"))

	clock.advance(30 * time.Second)
	assert.ErrorIs(t, b.Do(ctx, "telegram", ok), ErrOpen, "still cooling down")

	clock.advance(31 * time.Second)
	inFlight := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, "telegram", func(context.Context) error {
			close(inFlight)
			<-release
			return nil
		})
	}()
	<-inFlight
	assert.Equal(t, StateHalfOpen, b.State("telegram"))
	assert.ErrorIs(t, b.Do(ctx, "telegram", ok), ErrOpen, "one trial call at a time")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State("telegram"))
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b, clock := newBreaker(1)
	ctx := context.Background()

	_ = b.Do(ctx, "license", fail)
	clock.advance(2 * time.Minute)

	assert.ErrorIs(t, b.Do(ctx, "license", fail), errDown)
	assert.Equal(t, StateOpen, b.State("license"))
	assert.ErrorIs(t, b.Do(ctx, "license", ok), ErrOpen)
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	b, _ := newBreaker(1)

	err := b.Do(context.Background(), "license", func(context.Context) error {
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State("license"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Do(ctx, "license", ok), context.Canceled)
}

func TestBreaker_CustomCounts(t *testing.T) {
	notMine := errors.New("no license on file")
	b := New(Config{Threshold: 1, Counts: func(err error) bool { return !errors.Is(err, notMine) }})

	_ = b.Do(context.Background(), "license", func(context.Context) error { return notMine })
	assert.Equal(t, StateClosed, b.State("license"))
}

func TestBreaker_IndependentUpstreams(t *testing.T) {
	b, _ := newBreaker(1)
	ctx := context.Background()

	_ = b.Do(ctx, "license", fail)

	assert.Equal(t, StateOpen, b.State("license"))
	assert.NoError(t, b.Do(ctx, "telegram", ok))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
