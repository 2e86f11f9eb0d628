// Package circuitbreaker guards calls to the relay's external upstreams,
// the license vendor and the Telegram bot API, so a dead upstream costs one
// fast rejection instead of a timeout on every connect or notification.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replikanto",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Upstream circuit transitions by upstream, from-state, and to-state.",
	}, []string{"upstream", "from_state", "to_state"})

	rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replikanto",
		Subsystem: "circuitbreaker",
		Name:      "rejections_total",
		Help:      "Calls refused because the upstream circuit was open.",
	}, []string{"upstream"})
)

func init() {
	prometheus.MustRegister(stateTransitions, rejections)
}

// ErrOpen is returned by Do when the upstream's circuit refuses the call.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// Config tunes a Breaker. Zero values take the defaults.
type Config struct {
	// Threshold is the number of consecutive failures that opens a circuit.
	Threshold int
	// Cooldown is how long an open circuit waits before letting a trial call
	// through.
	Cooldown time.Duration
	// Now replaces the wall clock in tests.
	Now func() time.Time
	// Counts decides which errors count against the upstream. By default
	// every error does except the caller's own cancellation.
	Counts func(error) bool
}

const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
)

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker holds one circuit per upstream name.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	circuits map[string]*circuit
}

func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Counts == nil {
		cfg.Counts = countsAgainstUpstream
	}
	return &Breaker{cfg: cfg, circuits: make(map[string]*circuit)}
}

func countsAgainstUpstream(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Do runs fn when the upstream's circuit allows it and records the outcome.
// fn receives ctx unchanged.
func (b *Breaker) Do(ctx context.Context, upstream string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.allow(upstream) {
		rejections.WithLabelValues(upstream).Inc()
		return ErrOpen
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.succeeded(upstream)
	case b.cfg.Counts(err):
		b.failed(upstream)
	default:
		b.released(upstream)
	}
	return err
}

// State reports the upstream's circuit. Unknown upstreams are closed.
func (b *Breaker) State(upstream string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[upstream]; ok {
		return c.state
	}
	return StateClosed
}

func (b *Breaker) get(upstream string) *circuit {
	c, ok := b.circuits[upstream]
	if !ok {
		c = &circuit{}
		b.circuits[upstream] = c
	}
	return c
}

func (b *Breaker) allow(upstream string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(upstream)
	switch c.state {
	case StateOpen:
		if b.cfg.Now().Sub(c.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.move(c, upstream, StateHalfOpen)
		return true
	case StateHalfOpen:
		// One trial call at a time.
		return false
	default:
		return true
	}
}

func (b *Breaker) succeeded(upstream string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(upstream)
	c.failures = 0
	b.move(c, upstream, StateClosed)
}

func (b *Breaker) failed(upstream string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(upstream)
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.cfg.Threshold {
		c.openedAt = b.cfg.Now()
		b.move(c, upstream, StateOpen)
	}
}

// released hands back a half-open trial call that ended without a verdict.
func (b *Breaker) released(upstream string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(upstream)
	if c.state == StateHalfOpen {
		b.move(c, upstream, StateOpen)
	}
}

// Caller holds b.mu.
func (b *Breaker) move(c *circuit, upstream string, to State) {
	if c.state == to {
		return
	}
	stateTransitions.WithLabelValues(upstream, c.state.String(), to.String()).Inc()
	c.state = to
}
