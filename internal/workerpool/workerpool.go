// Package workerpool implements the bounded parallel executor every
// per-server task runs on. Control loops stay sequential; parallelism
// comes exclusively from tasks the loops submit here.
package workerpool

import (
	"context"
	"sync"

	"github.com/pylonhq/fleetrunner/internal/metrics"
)

// Task is a unit of work submitted to the pool. It receives a context
// that is canceled on pool Shutdown, so a long-running SSH or HTTP call
// inside a task observes cancellation the same way it would observe its
// own deadline.
type Task func(ctx context.Context) error

// Pool runs submitted tasks on a fixed number of goroutines. Work items
// are pure functions of captured state and do not share mutable memory
// with each other; the pool itself holds no per-task state beyond the
// queue.
type Pool struct {
	tasks  chan taskEnvelope
	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
}

type taskEnvelope struct {
	task Task
	done chan error
}

// New starts a pool of size workers, each pulling from a shared unbounded
// queue. size must be at least 1.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan taskEnvelope),
		cancel: cancel,
		ctx:    ctx,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case env, ok := <-p.tasks:
			if !ok {
				return
			}
			env.done <- env.task(p.ctx)
		}
	}
}

// Submit enqueues a task and returns a channel that receives its result
// exactly once. The queue-depth gauge counts every task submitted but not
// yet completed, whether it is waiting for a free worker or already
// running.
func (p *Pool) Submit(t Task) <-chan error {
	result := make(chan error, 1)
	metrics.WorkerPoolQueueDepth.Inc()

	go func() {
		defer metrics.WorkerPoolQueueDepth.Dec()
		internal := make(chan error, 1)
		select {
		case p.tasks <- taskEnvelope{task: t, done: internal}:
			result <- <-internal
		case <-p.ctx.Done():
			result <- p.ctx.Err()
		}
	}()

	return result
}

// Shutdown cancels every in-flight task's context and waits for all
// worker goroutines to return. Tasks that ignore context cancellation are
// orphaned; Shutdown does not wait for them past ctx's own deadline.
func (p *Pool) Shutdown(ctx context.Context) {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
