// Package fanout splits a broadcast list's live endpoints into fixed-size
// chunks and hands each chunk to the worker pool as an independent delivery.
// The caller waits only for every chunk to be accepted, never for delivery.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/replikanto/internal/delivery"
	"github.com/mbd888/replikanto/internal/directory"
	"github.com/mbd888/replikanto/internal/logging"
	"github.com/mbd888/replikanto/internal/metrics"
)

// Chunks slices items into runs of at most size.
func Chunks[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// Deliverer sends one chunk.
type Deliverer interface {
	DeliverEndpoints(ctx context.Context, listID string, refs []directory.EndpointRef, payload []byte, opts delivery.Options) []delivery.Outcome
}

// BroadcastRequest asks for a list fan-out on behalf of Origin, a device id
// that must own the list.
type BroadcastRequest struct {
	Origin  string
	ListID  string
	Payload []byte
}

// Result summarizes one list fan-out.
type Result struct {
	ListID    string
	Name      string
	Endpoints int
	Chunks    int
	// Broadcast is set once at least one chunk was accepted and none was
	// refused.
	Broadcast bool
	// Skipped is set when the list is missing or not owned by the origin.
	Skipped bool
}

// Status is the node status reported to the sender.
func (r Result) Status() string {
	if r.Broadcast {
		return "broadcast"
	}
	return "not broadcast"
}

// Dispatcher fans list payloads out through a Pool.
type Dispatcher struct {
	dir           *directory.Directory
	pool          *Pool
	deliverer     Deliverer
	chunkSize     int
	submitTimeout time.Duration
	logger        *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(dir *directory.Directory, pool *Pool, deliverer Deliverer, chunkSize int, submitTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	if chunkSize <= 0 {
		chunkSize = 50
	}
	return &Dispatcher{
		dir:           dir,
		pool:          pool,
		deliverer:     deliverer,
		chunkSize:     chunkSize,
		submitTimeout: submitTimeout,
		logger:        logger,
	}
}

// Broadcast fans out to a list the origin owns. Lists the origin does not
// own are skipped without error.
func (d *Dispatcher) Broadcast(ctx context.Context, req BroadcastRequest) (Result, error) {
	l, err := d.dir.List(ctx, req.ListID)
	if errors.Is(err, directory.ErrListNotFound) {
		return Result{ListID: req.ListID, Skipped: true}, nil
	}
	if err != nil {
		return Result{ListID: req.ListID}, err
	}
	if !l.IsOwner(req.Origin) {
		return Result{ListID: req.ListID, Name: l.Name, Skipped: true}, nil
	}
	return d.fanout(ctx, l, req.Payload)
}

// BroadcastState fans out server-originated state to every follower.
func (d *Dispatcher) BroadcastState(ctx context.Context, l *directory.List, payload []byte) (Result, error) {
	return d.fanout(ctx, l, payload)
}

func (d *Dispatcher) fanout(ctx context.Context, l *directory.List, payload []byte) (Result, error) {
	refs := directory.SortedRefs(l.Endpoints)
	chunks := Chunks(refs, d.chunkSize)
	res := Result{ListID: l.ID, Name: l.Name, Endpoints: len(refs), Chunks: len(chunks)}
	if len(chunks) == 0 {
		return res, nil
	}

	d.logger.Info("broadcasting", "broadcast_list_id", l.ID, "connections", len(refs), "chunks", len(chunks), "chunk_size", d.chunkSize)

	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		g.Go(func() error {
			sctx, cancel := d.submitContext(gctx)
			defer cancel()
			_, err := d.pool.Submit(sctx, "broadcast "+l.ID, func(ctx context.Context) {
				d.runChunk(ctx, l.ID, i, chunk, payload)
			})
			if err == nil {
				metrics.FanoutChunks.Inc()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	res.Broadcast = true
	return res, nil
}

func (d *Dispatcher) submitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.submitTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.submitTimeout)
}

func (d *Dispatcher) runChunk(ctx context.Context, listID string, index int, refs []directory.EndpointRef, payload []byte) {
	outs := d.deliverer.DeliverEndpoints(ctx, listID, refs, payload, delivery.Options{})

	var delivered, pending, failed int
	for _, o := range outs {
		switch o.Status {
		case delivery.Delivered:
			delivered++
		case delivery.Pending:
			pending++
		default:
			failed++
			d.logger.Warn("broadcast delivery failed",
				"broadcast_list_id", listID,
				"connection_id", o.Endpoint.Handle,
				"reason", o.Reason)
		}
	}
	d.logger.Info("broadcast chunk done",
		"broadcast_list_id", listID,
		"chunk", index+1,
		"sent", delivered,
		"queued", pending,
		"failed", failed)
}
