// Package task runs deferred units of work against a shared block heap.
//
// A Runner queues Tasks with Submit and executes the whole queue with
// RunAll: every task gets its own goroutine and RunAll returns only after
// all of them have finished. Tasks have no ordering among themselves.
package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/lem/heap"
)

var log = commonlog.GetLogger("lem.task")

// Task is a unit of work. The pool is shared with every other task in the
// same drain; the pool's per-block locking is the only synchronization.
type Task func(ctx context.Context, pool *heap.Pool) error

// PanicError is returned by RunAll when a task panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxWorkers bounds the number of tasks running at once. n <= 0 means
// one goroutine per task with no bound.
func WithMaxWorkers(n int) Option {
	return func(r *Runner) { r.maxWorkers = n }
}

// Runner holds a queue of tasks bound to one pool.
type Runner struct {
	pool       *heap.Pool
	maxWorkers int

	mu    sync.Mutex
	queue []Task
}

// New creates a Runner over pool.
func New(pool *heap.Pool, opts ...Option) *Runner {
	r := &Runner{pool: pool}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit enqueues t. It never blocks on execution.
func (r *Runner) Submit(t Task) {
	r.mu.Lock()
	r.queue = append(r.queue, t)
	r.mu.Unlock()
}

// Pending returns the number of queued tasks.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// RunAll drains the queue and runs every task concurrently. It blocks until
// each started task has returned and reports the first error. Once a task
// fails, or ctx is cancelled, tasks that have not started yet are skipped.
// Tasks submitted while RunAll is in progress wait for the next drain.
func (r *Runner) RunAll(ctx context.Context) error {
	r.mu.Lock()
	tasks := r.queue
	r.queue = nil
	r.mu.Unlock()

	if len(tasks) == 0 {
		return ctx.Err()
	}
	log.Debugf("draining %d tasks", len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	if r.maxWorkers > 0 {
		g.SetLimit(r.maxWorkers)
	}
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return r.run(gctx, t)
		})
	}
	return g.Wait()
}

// run executes one task, converting a panic into a PanicError.
func (r *Runner) run(ctx context.Context, t Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("task panicked: %v", p)
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	return t(ctx, r.pool)
}
