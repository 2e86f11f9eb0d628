// Package delivery pushes payloads to live endpoints.
//
// A delivery resolves endpoints, sends, and classifies the transport result.
// Timeouts and rate limits are retried with the configured policy. A gone
// endpoint is chased through the transition log: a completed transition
// redirects the send, an open one queues the payload for replay, and no
// record at all means the directory entry is stale and is dropped.
//
// The engine returns Outcome values and never logs; callers decide what to
// report.
package delivery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/replikanto/internal/directory"
	"github.com/mbd888/replikanto/internal/metrics"
	"github.com/mbd888/replikanto/internal/realtime"
	"github.com/mbd888/replikanto/internal/retry"
	"github.com/mbd888/replikanto/internal/transition"
)

// Transport pushes bytes to one endpoint.
type Transport interface {
	Send(ctx context.Context, ref directory.EndpointRef, payload []byte) error
	Ping(ctx context.Context, ref directory.EndpointRef) error
}

// Transitions is the part of the transition log the engine reads.
type Transitions interface {
	Lookup(ctx context.Context, oldHandle string) (transition.Record, bool, error)
	AppendLost(ctx context.Context, subscriberID string, payload []byte) error
}

// Config tunes the engine.
type Config struct {
	// Policy bounds resend attempts; MaxAttempts counts the first send.
	Policy retry.Policy
	// ReadyTries and ReadyBase bound the wait for a redirected endpoint to
	// become reachable. The n-th wait is n*ReadyBase.
	ReadyTries int
	ReadyBase  time.Duration
	// Parallel caps concurrent sends within one call.
	Parallel int
}

// DefaultConfig retries three times with linear backoff.
func DefaultConfig(retries int, base time.Duration) Config {
	return Config{
		Policy:     retry.Policy{MaxAttempts: retries + 1, Delay: retry.Linear(base)},
		ReadyTries: 10,
		ReadyBase:  50 * time.Millisecond,
		Parallel:   16,
	}
}

// Options vary one delivery.
type Options struct {
	// Exclude skips the sender's own connection.
	Exclude string
	// Replay marks a resend of queued payloads; it is never queued again.
	Replay bool
	// NoRetry reports timeouts and rate limits as failures at once.
	NoRetry bool
}

// Engine runs deliveries.
type Engine struct {
	transport   Transport
	dir         *directory.Directory
	transitions Transitions
	cfg         Config
}

// New creates an engine.
func New(transport Transport, dir *directory.Directory, transitions Transitions, cfg Config) *Engine {
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy.MaxAttempts = 1
	}
	if cfg.ReadyTries <= 0 {
		cfg.ReadyTries = 10
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 16
	}
	return &Engine{transport: transport, dir: dir, transitions: transitions, cfg: cfg}
}

func (e *Engine) clock() retry.Clock {
	if e.cfg.Policy.Clock == nil {
		return retry.RealClock{}
	}
	return e.cfg.Policy.Clock
}

func (e *Engine) wait(ctx context.Context, attempt int) error {
	if e.cfg.Policy.Delay == nil {
		return ctx.Err()
	}
	return retry.Sleep(ctx, e.clock(), e.cfg.Policy.Delay(attempt))
}

// attempt is the classified result of one send.
type attempt struct {
	outcome   Outcome
	retryable bool
}

// DeliverDirect sends payload to every live endpoint of subscriber node.
// Endpoints are re-resolved before each retry, so a subscriber that
// reconnects during the backoff is still reached.
func (e *Engine) DeliverDirect(ctx context.Context, node string, payload []byte, opts Options) DirectResult {
	res := DirectResult{Node: node}
	done := make(map[string]Outcome)
	retrying := make(map[string]Outcome)
	resolved := false

	for n := 0; n < e.cfg.Policy.MaxAttempts; n++ {
		if n > 0 {
			metrics.DeliveryRetries.Inc()
			if err := e.wait(ctx, n); err != nil {
				break
			}
		}

		eps, err := e.dir.Endpoints(ctx, node)
		if err != nil {
			res.Outcomes = []Outcome{{Target: node, Status: Failed, Reason: err.Error()}}
			e.count("direct", res.Outcomes)
			return res
		}
		var todo []directory.EndpointRef
		for _, ep := range eps {
			if ep.Handle == opts.Exclude {
				continue
			}
			if _, ok := done[ep.Handle]; !ok {
				todo = append(todo, ep.Ref())
			}
		}
		if !resolved && len(todo) > 0 {
			res.Endpoints = len(todo)
			resolved = true
		}
		if len(todo) == 0 {
			if len(done) > 0 {
				break
			}
			continue
		}

		results := e.sendAll(ctx, node, "", todo, payload, opts, n)
		again := false
		for i, a := range results {
			h := todo[i].Handle
			if a.retryable && !opts.NoRetry {
				again = true
				retrying[h] = a.outcome
				continue
			}
			delete(retrying, h)
			done[h] = a.outcome
		}
		if !again {
			break
		}
	}

	for h, o := range retrying {
		if _, ok := done[h]; !ok {
			done[h] = o
		}
	}
	if len(done) == 0 {
		res.Outcomes = []Outcome{{Target: node, Status: Failed, Reason: ReasonDisconnected}}
	} else {
		res.Outcomes = sortedOutcomes(done)
	}
	e.count("direct", res.Outcomes)
	return res
}

// DeliverEndpoints sends payload to each ref of a list chunk. Each ref is
// retried on its own.
func (e *Engine) DeliverEndpoints(ctx context.Context, listID string, refs []directory.EndpointRef, payload []byte, opts Options) []Outcome {
	out := make([]Outcome, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallel)
	for i, ref := range refs {
		g.Go(func() error {
			out[i] = e.deliverRef(gctx, listID, listID, ref, payload, opts)
			return nil
		})
	}
	_ = g.Wait()
	e.count("broadcast", out)
	return out
}

// Replay resends payloads queued while the subscriber was offline.
func (e *Engine) Replay(ctx context.Context, ref directory.EndpointRef, payloads [][]byte) error {
	if err := e.awaitReady(ctx, ref); err != nil {
		return err
	}
	var errs []error
	for _, p := range payloads {
		o := e.deliverRef(ctx, ref.Handle, "", ref, p, Options{Replay: true})
		e.count("replay", []Outcome{o})
		if o.Status != Delivered {
			errs = append(errs, errors.New(o.Reason))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) deliverRef(ctx context.Context, target, listID string, ref directory.EndpointRef, payload []byte, opts Options) Outcome {
	var last attempt
	for n := 0; n < e.cfg.Policy.MaxAttempts; n++ {
		if n > 0 {
			metrics.DeliveryRetries.Inc()
			if err := e.wait(ctx, n); err != nil {
				break
			}
		}
		last = e.send(ctx, target, listID, ref, payload, opts, n)
		if !last.retryable || opts.NoRetry {
			break
		}
	}
	if last.retryable {
		last.outcome.Status = Failed
	}
	return last.outcome
}

func (e *Engine) sendAll(ctx context.Context, target, listID string, refs []directory.EndpointRef, payload []byte, opts Options, n int) []attempt {
	out := make([]attempt, len(refs))
	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = e.send(ctx, target, listID, ref, payload, opts, n)
		}()
	}
	wg.Wait()
	return out
}

// send is one pass through Sending and its classification.
func (e *Engine) send(ctx context.Context, target, listID string, ref directory.EndpointRef, payload []byte, opts Options, n int) attempt {
	o := Outcome{Target: target, Endpoint: ref, Retries: n}
	err := e.transport.Send(ctx, ref, payload)
	switch {
	case err == nil:
		o.Status = Delivered
		return attempt{outcome: o}
	case errors.Is(err, realtime.ErrTimeout):
		o.Status, o.Reason = Failed, ReasonDisconnected
		return attempt{outcome: o, retryable: true}
	case errors.Is(err, realtime.ErrRateLimited):
		o.Status, o.Reason = Failed, ReasonRateLimited
		return attempt{outcome: o, retryable: true}
	case errors.Is(err, realtime.ErrGone):
		return attempt{outcome: e.chase(ctx, o, listID, payload, opts)}
	default:
		o.Status, o.Reason = Failed, err.Error()
		return attempt{outcome: o}
	}
}

// chase follows the transition log after a gone endpoint.
func (e *Engine) chase(ctx context.Context, o Outcome, listID string, payload []byte, opts Options) Outcome {
	bounds := e.dir.Bounds()

	var (
		rec   transition.Record
		found bool
	)
	if err := bounds.Do(ctx, "transition.lookup", func(ctx context.Context) error {
		var err error
		rec, found, err = e.transitions.Lookup(ctx, o.Endpoint.Handle)
		return err
	}); err != nil {
		o.Status, o.Reason = Failed, err.Error()
		return o
	}

	if !found {
		e.dropStale(ctx, listID, o.Endpoint)
		o.Status, o.Reason = Failed, ReasonDisconnected
		return o
	}

	if rec.IsOpen() {
		if opts.Replay {
			o.Status, o.Reason = Failed, ReasonNotReconnected
			return o
		}
		err := bounds.Do(ctx, "transition.append_lost", func(ctx context.Context) error {
			return e.transitions.AppendLost(ctx, rec.SubscriberID, payload)
		})
		if err != nil {
			// A reconnect may have closed the record between lookup and
			// append; the payload is then reported, not queued.
			o.Status, o.Reason = Failed, ReasonNotReconnected
			return o
		}
		metrics.LostPayloads.WithLabelValues("queued").Inc()
		o.Status = Pending
		return o
	}

	if err := e.awaitReady(ctx, rec.New); err != nil {
		o.Status, o.Reason = Failed, ReasonNotReady
		return o
	}
	o.Endpoint, o.Redirected = rec.New, true
	if err := e.transport.Send(ctx, rec.New, payload); err != nil {
		o.Status, o.Reason = Failed, "Unable to send to new connection "+rec.New.Handle
		return o
	}
	o.Status = Delivered
	return o
}

// awaitReady pings ref until it answers, waiting n*ReadyBase after the
// n-th miss.
func (e *Engine) awaitReady(ctx context.Context, ref directory.EndpointRef) error {
	var err error
	for tries := 0; ; {
		if err = e.transport.Ping(ctx, ref); err == nil {
			return nil
		}
		tries++
		if tries >= e.cfg.ReadyTries {
			return err
		}
		if serr := retry.Sleep(ctx, e.clock(), time.Duration(tries)*e.cfg.ReadyBase); serr != nil {
			return serr
		}
	}
}

// dropStale removes an endpoint the transport no longer knows and no
// transition explains.
func (e *Engine) dropStale(ctx context.Context, listID string, ref directory.EndpointRef) {
	bounds := e.dir.Bounds()
	if listID != "" {
		_ = bounds.Do(ctx, "directory.remove_list_endpoint", func(ctx context.Context) error {
			return e.dir.Lists().RemoveEndpoint(ctx, listID, ref)
		})
	}
	_ = bounds.Do(ctx, "directory.delete_endpoint", func(ctx context.Context) error {
		_, err := e.dir.Connections().Delete(ctx, ref.Handle)
		if errors.Is(err, directory.ErrEndpointNotFound) {
			return nil
		}
		return err
	})
	_ = bounds.Do(ctx, "directory.remove_endpoint_everywhere", func(ctx context.Context) error {
		return e.dir.Lists().RemoveEndpointEverywhere(ctx, ref)
	})
}

func (e *Engine) count(mode string, outs []Outcome) {
	for _, o := range outs {
		metrics.DeliveriesTotal.WithLabelValues(mode, o.Status.String()).Inc()
	}
}

func sortedOutcomes(m map[string]Outcome) []Outcome {
	out := make([]Outcome, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint.Handle < out[j].Endpoint.Handle })
	return out
}
