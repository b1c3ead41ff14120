// Package scheduler runs query tasks on a shared, fixed-size worker pool. Tasks suspend
// cooperatively on full channels or unready sources and are re-queued by an explicit wake.
package scheduler

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Runtime owns the worker pool every query borrows its workers from. It must be closed once no
// query is running anymore.
type Runtime struct {
	pool    *ants.Pool
	workers int
	logger  *zap.Logger

	// Work loops are submitted by a dispatcher goroutine, so that a saturated pool blocks the
	// dispatcher instead of the worker or external goroutine that made a task runnable.
	mu       sync.Mutex
	cond     *sync.Cond
	requests []*Query
	closed   bool
	stopped  chan struct{}
}

// NewRuntime starts a pool of the given number of workers.
func NewRuntime(workers int, logger *zap.Logger) (*Runtime, error) {
	if workers <= 0 {
		return nil, errors.Newf("runtime needs a positive worker count, got %d", workers)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v any) {
		logger.Error("worker panic escaped task recovery", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, errors.Wrap(err, "creating worker pool")
	}
	rt := &Runtime{pool: pool, workers: workers, logger: logger, stopped: make(chan struct{})}
	rt.cond = sync.NewCond(&rt.mu)
	go rt.dispatch()
	return rt, nil
}

// Workers is the size of the pool.
func (rt *Runtime) Workers() int {
	return rt.workers
}

// request asks for one more work loop of q to be started.
func (rt *Runtime) request(q *Query) {
	rt.mu.Lock()
	rt.requests = append(rt.requests, q)
	rt.mu.Unlock()
	rt.cond.Signal()
}

func (rt *Runtime) dispatch() {
	defer close(rt.stopped)
	for {
		rt.mu.Lock()
		for len(rt.requests) == 0 && !rt.closed {
			rt.cond.Wait()
		}
		if len(rt.requests) == 0 {
			rt.mu.Unlock()
			return
		}
		q := rt.requests[0]
		rt.requests[0] = nil
		rt.requests = rt.requests[1:]
		rt.mu.Unlock()

		if err := rt.pool.Submit(q.workLoop); err != nil {
			// The pool only rejects work once released; run the loop inline so that the
			// query still reaches a terminal state.
			rt.logger.Warn("worker pool rejected a work loop", zap.Error(err))
			q.workLoop()
		}
	}
}

// Close stops the dispatcher and waits for the pool's workers to exit. Queries still running
// are not cancelled; callers tear them down first.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.mu.Unlock()
	rt.cond.Broadcast()
	<-rt.stopped
	return rt.pool.ReleaseTimeout(5 * time.Second)
}
