package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"mit.edu/dsg/morseldb/common"
)

// Status is what a task reports after one step.
type Status int

const (
	// Yield means the task made progress and wants to run again.
	Yield Status = iota
	// Blocked means the task registered itself with a channel or source and waits for a wake.
	Blocked
	// Done means the task has nothing left to do.
	Done
)

// Task is a unit of work driven one step at a time. A step processes at most one morsel.
type Task interface {
	Step(tc *TaskContext) (Status, error)
	// Close releases the task's resources. It is called exactly once, when the task reaches a
	// terminal state, including when it never ran because the query was cancelled.
	Close()
}

// TaskFunc adapts a function into a Task without resources.
type TaskFunc func(tc *TaskContext) (Status, error)

func (f TaskFunc) Step(tc *TaskContext) (Status, error) { return f(tc) }

func (f TaskFunc) Close() {}

type TaskState int32

const (
	Runnable TaskState = iota
	Running
	Suspended
	Completed
	Failed
)

func (s TaskState) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "?"
}

// Waker is notified when the condition a task or consumer waits for may have cleared.
type Waker interface {
	Wake()
}

// Handle is a task registered with a query.
type Handle struct {
	q    *Query
	task Task
	name string

	mu    sync.Mutex
	state TaskState
	// woken records a wake that arrived while the task was running, so that a step reporting
	// Blocked right after is re-queued instead of suspended.
	woken bool
}

// Wake makes a suspended task runnable again.
func (h *Handle) Wake() {
	h.mu.Lock()
	switch h.state {
	case Suspended:
		h.state = Runnable
		h.mu.Unlock()
		h.q.wakes.Add(1)
		h.q.enqueue(h, -1, false)
		return
	case Runnable, Running:
		h.woken = true
	}
	h.mu.Unlock()
}

func (h *Handle) State() TaskState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Name() string {
	return h.name
}

// TaskContext is passed to every step.
type TaskContext struct {
	q    *Query
	h    *Handle
	slot int
}

// Waker returns the running task's handle, for registration with channels and sources.
func (tc *TaskContext) Waker() Waker {
	return tc.h
}

// Spawn adds a task to the query, queued on the spawning worker.
func (tc *TaskContext) Spawn(name string, t Task) *Handle {
	return tc.q.spawn(name, t, tc.slot)
}

// Cancelled reports whether the query is being torn down.
func (tc *TaskContext) Cancelled() bool {
	return tc.q.cancelled.Load()
}

func (tc *TaskContext) Query() *Query {
	return tc.q
}

// QueryOptions configure one query.
type QueryOptions struct {
	// Parallelism is the number of work loops the query may run at once.
	Parallelism int
	// Timeout cancels the query with a TimeoutError once elapsed. Zero disables it.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Query is the scheduling state of one running query: its tasks, one run queue per worker
// slot, the cancellation flag and the first error.
type Query struct {
	rt          *Runtime
	parallelism int
	logger      *zap.Logger

	deques []deque
	queued atomic.Int64
	rr     atomic.Uint32

	mu        sync.Mutex
	loops     int
	freeSlots []int
	loopWG    sync.WaitGroup

	tasksMu sync.Mutex
	tasks   []*Handle
	// live counts tasks that have not reached a terminal state, plus one hold released by Start.
	live atomic.Int64

	cancelled atomic.Bool
	errOnce   sync.Once
	err       error
	done      chan struct{}
	doneOnce  sync.Once
	timer     *time.Timer

	steps       atomic.Int64
	suspensions atomic.Int64
	wakes       atomic.Int64
}

// NewQuery creates a query on the runtime. Tasks spawned before Start are queued right away,
// but the query cannot finish before Start is called.
func (rt *Runtime) NewQuery(opts QueryOptions) *Query {
	p := opts.Parallelism
	if p <= 0 || p > rt.workers {
		p = rt.workers
	}
	logger := opts.Logger
	if logger == nil {
		logger = rt.logger
	}
	q := &Query{
		rt:          rt,
		parallelism: p,
		logger:      logger,
		deques:      make([]deque, p),
		done:        make(chan struct{}),
	}
	for i := p - 1; i >= 0; i-- {
		q.freeSlots = append(q.freeSlots, i)
	}
	q.live.Store(1)
	if opts.Timeout > 0 {
		d := opts.Timeout
		q.timer = time.AfterFunc(d, func() {
			q.logger.Info("query deadline expired", zap.Duration("timeout", d))
			q.fail(common.NewTimeoutError(d))
		})
	}
	return q
}

func (q *Query) Parallelism() int {
	return q.parallelism
}

// Spawn adds a task to the query.
func (q *Query) Spawn(name string, t Task) *Handle {
	return q.spawn(name, t, -1)
}

func (q *Query) spawn(name string, t Task, slot int) *Handle {
	h := &Handle{q: q, task: t, name: name, state: Runnable}
	q.tasksMu.Lock()
	q.tasks = append(q.tasks, h)
	q.tasksMu.Unlock()
	q.live.Add(1)
	q.enqueue(h, slot, false)
	return h
}

// Start releases the hold that keeps a query alive while its initial tasks are spawned.
func (q *Query) Start() {
	q.taskFinished()
}

func (q *Query) enqueue(h *Handle, slot int, front bool) {
	if slot < 0 {
		slot = int(q.rr.Add(1) % uint32(q.parallelism))
	}
	if front {
		q.deques[slot].pushFront(h)
	} else {
		q.deques[slot].pushBack(h)
	}
	q.queued.Add(1)

	q.mu.Lock()
	start := q.loops < q.parallelism
	if start {
		q.loops++
		q.loopWG.Add(1)
	}
	q.mu.Unlock()
	if start {
		q.rt.request(q)
	}
}

// next pops from the worker's own queue, stealing the oldest task of another slot otherwise.
func (q *Query) next(slot int) *Handle {
	if h := q.deques[slot].popBack(); h != nil {
		q.queued.Add(-1)
		return h
	}
	for i := 1; i < len(q.deques); i++ {
		if h := q.deques[(slot+i)%len(q.deques)].popFront(); h != nil {
			q.queued.Add(-1)
			return h
		}
	}
	return nil
}

// workLoop runs tasks until no task of the query is runnable. It never waits for work: an
// idle loop returns its pool worker and a later enqueue requests a new loop.
func (q *Query) workLoop() {
	defer q.loopWG.Done()
	q.mu.Lock()
	slot := q.freeSlots[len(q.freeSlots)-1]
	q.freeSlots = q.freeSlots[:len(q.freeSlots)-1]
	q.mu.Unlock()

	for {
		h := q.next(slot)
		if h == nil {
			q.mu.Lock()
			if q.queued.Load() > 0 {
				q.mu.Unlock()
				continue
			}
			q.loops--
			q.freeSlots = append(q.freeSlots, slot)
			q.mu.Unlock()
			return
		}
		q.run(h, slot)
	}
}

func (q *Query) run(h *Handle, slot int) {
	h.mu.Lock()
	common.Assert(h.state == Runnable, "task %s dequeued in state %s", h.name, h.state)
	h.state = Running
	h.woken = false
	h.mu.Unlock()

	if q.cancelled.Load() {
		q.finishTask(h, Completed, nil)
		return
	}
	status, err := q.step(h, slot)
	q.steps.Add(1)
	switch {
	case err != nil:
		q.finishTask(h, Failed, err)
	case status == Done:
		q.finishTask(h, Completed, nil)
	case status == Yield:
		h.mu.Lock()
		h.state = Runnable
		h.mu.Unlock()
		q.enqueue(h, slot, true)
	default:
		h.mu.Lock()
		if h.woken {
			h.woken = false
			h.state = Runnable
			h.mu.Unlock()
			q.enqueue(h, slot, true)
			return
		}
		h.state = Suspended
		h.mu.Unlock()
		q.suspensions.Add(1)
	}
}

func (q *Query) step(h *Handle, slot int) (status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", zap.String("task", h.name), zap.Any("panic", r), zap.Stack("stack"))
			err = common.NewInternalError("task %s panicked: %v", h.name, r)
		}
	}()
	return h.task.Step(&TaskContext{q: q, h: h, slot: slot})
}

func (q *Query) finishTask(h *Handle, state TaskState, err error) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
	func() {
		defer func() {
			if r := recover(); r != nil {
				q.fail(common.NewInternalError("closing task %s panicked: %v", h.name, r))
			}
		}()
		h.task.Close()
	}()
	if err != nil {
		q.fail(err)
	}
	q.taskFinished()
}

func (q *Query) taskFinished() {
	if q.live.Add(-1) == 0 {
		q.doneOnce.Do(func() {
			if q.timer != nil {
				q.timer.Stop()
			}
			close(q.done)
		})
	}
}

// fail records err if it is the first error and cancels the query.
func (q *Query) fail(err error) {
	select {
	case <-q.done:
		return
	default:
	}
	q.errOnce.Do(func() { q.err = err })
	if q.cancelled.CompareAndSwap(false, true) {
		q.tasksMu.Lock()
		tasks := append([]*Handle(nil), q.tasks...)
		q.tasksMu.Unlock()
		for _, h := range tasks {
			h.Wake()
		}
	}
}

// Cancel stops the query. The query's error becomes a CancelledError unless it already failed.
func (q *Query) Cancel(cause error) {
	q.fail(common.NewCancelledError(cause))
}

// Cancelled reports whether the cancellation flag is set.
func (q *Query) Cancelled() bool {
	return q.cancelled.Load()
}

// Done is closed once every task reached a terminal state.
func (q *Query) Done() <-chan struct{} {
	return q.done
}

// Err returns the first error of the query. It is only meaningful after Done is closed.
func (q *Query) Err() error {
	select {
	case <-q.done:
		return q.err
	default:
		return nil
	}
}

// Wait blocks until every task finished and every work loop returned its worker, then reports
// the first error.
func (q *Query) Wait() error {
	<-q.done
	q.loopWG.Wait()
	return q.err
}

// Stats are scheduler counters of one query.
type Stats struct {
	Steps       int64
	Suspensions int64
	Wakes       int64
}

func (q *Query) Stats() Stats {
	return Stats{Steps: q.steps.Load(), Suspensions: q.suspensions.Load(), Wakes: q.wakes.Load()}
}
