package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/lem/heap"
)

// ErrWorkerStopped is returned by Do after Stop.
var ErrWorkerStopped = errors.New("worker stopped")

// poolRequest represents a unit of work to be executed on the worker goroutine.
type poolRequest struct {
	fn   func(*heap.Pool) (any, error)
	done chan poolResult
}

// poolResult holds the return value from a pool operation.
type poolResult struct {
	value any
	err   error
}

// PoolWorker serializes all runs against one pool through a single
// goroutine, so runs in one session never interleave.
type PoolWorker struct {
	pool     *heap.Pool
	requests chan poolRequest
	quit     chan struct{}
	stop     sync.Once
}

// NewPoolWorker creates a PoolWorker and starts the processing goroutine.
func NewPoolWorker(pool *heap.Pool) *PoolWorker {
	w := &PoolWorker{
		pool:     pool,
		requests: make(chan poolRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *PoolWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs a function on the pool, recovering from panics.
func (w *PoolWorker) execute(fn func(*heap.Pool) (any, error)) (result poolResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("worker panic: %v", r)
			result.err = fmt.Errorf("panic: %v", r)
		}
	}()
	result.value, result.err = fn(w.pool)
	return result
}

// Do submits fn for execution on the worker goroutine and blocks until it
// completes or ctx is done. A request abandoned because of ctx still runs
// if it was already queued.
func (w *PoolWorker) Do(ctx context.Context, fn func(*heap.Pool) (any, error)) (any, error) {
	select {
	case <-w.quit:
		return nil, ErrWorkerStopped
	default:
	}
	req := poolRequest{
		fn:   fn,
		done: make(chan poolResult, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.quit:
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts down the worker goroutine. It is safe to call more than once.
func (w *PoolWorker) Stop() {
	w.stop.Do(func() { close(w.quit) })
}

// Pool returns the pool the worker runs against.
func (w *PoolWorker) Pool() *heap.Pool {
	return w.pool
}
