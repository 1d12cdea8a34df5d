// Package pool provides the bounded worker pool the scheduler dispatches
// node executions onto. A fixed worker count keeps resource use bounded;
// I/O-bound tasks occupy a worker without blocking submission of other
// ready work as long as workers remain.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolClosed is returned when submitting to a closed pool.
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Task is a unit of work executed on a pool worker.
type Task func(ctx context.Context)

// WorkerPool runs tasks on a fixed set of worker goroutines.
type WorkerPool struct {
	tasks  chan submission
	closed atomic.Bool
	wg     sync.WaitGroup

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

type submission struct {
	ctx  context.Context
	task Task
}

// New creates a pool with the given worker count and queue capacity.
// Non-positive values fall back to 4 workers and a queue of 64.
func New(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	p := &WorkerPool{tasks: make(chan submission, queueSize)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a task, blocking while the queue is full. The task's
// context is observed while waiting so a cancelled run never wedges
// submission. A task accepted here always runs, even if its context is
// cancelled in the meantime; the task observes the context itself, which
// keeps completion accounting exact for callers.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.submitted.Add(1)
	select {
	case p.tasks <- submission{ctx: ctx, task: task}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for sub := range p.tasks {
		p.active.Add(1)
		p.runTask(sub)
		p.active.Add(-1)
		p.completed.Add(1)
	}
}

func (p *WorkerPool) runTask(sub submission) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
		}
	}()
	sub.task(sub.ctx)
}

// Close stops accepting tasks and waits for in-flight work to finish.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}

// Stats describes current pool load.
type Stats struct {
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Panicked  int64 `json:"panicked"`
}

// Stats returns a snapshot of pool counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Active:    int(p.active.Load()),
		Queued:    len(p.tasks),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
	}
}

// String implements fmt.Stringer for log fields.
func (p *WorkerPool) String() string {
	s := p.Stats()
	return fmt.Sprintf("pool(active=%d queued=%d)", s.Active, s.Queued)
}
