package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mbd888/replikanto/internal/logging"
	"github.com/mbd888/replikanto/internal/metrics"
)

var ErrQueueFull = errors.New("work queue full")

// Task is one unit of off-path work.
type Task struct {
	ID   string
	Name string
	Run  func(ctx context.Context)
}

// Pool runs submitted tasks on a fixed set of workers fed by a bounded
// queue.
type Pool struct {
	workers int
	ch      chan Task
	logger  *slog.Logger
	running atomic.Bool
	dropped atomic.Int64
	done    atomic.Int64
}

// NewPool creates a pool. Call Start to begin draining the queue.
func NewPool(workers, queue int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pool{
		workers: workers,
		ch:      make(chan Task, queue),
		logger:  logger,
	}
}

// Submit queues fn and returns its task id. It waits for queue space until
// ctx is done and then fails with ErrQueueFull.
func (p *Pool) Submit(ctx context.Context, name string, fn func(ctx context.Context)) (string, error) {
	t := Task{ID: uuid.NewString(), Name: name, Run: fn}
	select {
	case p.ch <- t:
		metrics.WorkQueueDepth.Inc()
		return t.ID, nil
	case <-ctx.Done():
		p.dropped.Add(1)
		return "", fmt.Errorf("%w: %s", ErrQueueFull, name)
	}
}

// Start runs the workers until ctx is done. Call in a goroutine.
func (p *Pool) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	wg.Wait()

	if n := len(p.ch); n > 0 {
		p.logger.Warn("work pool stopped with queued tasks", "abandoned", n)
	}
}

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.ch:
			metrics.WorkQueueDepth.Dec()
			p.safeRun(ctx, t)
		}
	}
}

func (p *Pool) safeRun(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in work task", "task", t.Name, "task_id", t.ID, "panic", fmt.Sprint(r))
		}
		p.done.Add(1)
	}()
	t.Run(ctx)
}

// Running reports whether the workers are active.
func (p *Pool) Running() bool { return p.running.Load() }

// Dropped returns how many submissions gave up on a full queue.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// Completed returns how many tasks have finished, panicked ones included.
func (p *Pool) Completed() int64 { return p.done.Load() }
