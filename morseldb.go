// Package morseldb is an embeddable analytical query engine. Queries are built as lazy logical
// plans with the planner package, rewritten by the optimizer and run as parallel pipelines of
// morsels on a shared worker pool.
package morseldb

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/compute"
	"mit.edu/dsg/morseldb/config"
	"mit.edu/dsg/morseldb/execution"
	"mit.edu/dsg/morseldb/logging"
	"mit.edu/dsg/morseldb/metrics"
	"mit.edu/dsg/morseldb/optimizer"
	"mit.edu/dsg/morseldb/planner"
	"mit.edu/dsg/morseldb/scheduler"
	"mit.edu/dsg/morseldb/storage"
)

// ErrEngineClosed is returned by Execute after Close.
var ErrEngineClosed = errors.New("engine is closed")

// Engine is the top-level container: one worker pool, one memory budget and one expression cache
// shared by every query it runs. It holds no data between queries.
type Engine struct {
	cfg      config.Config
	runtime  *scheduler.Runtime
	budget   *storage.MemoryBudget
	programs *compute.Compiler
	metrics  *metrics.Registry
	logger   *zap.Logger

	closed atomic.Bool
	active *xsync.MapOf[string, *ResultHandle]
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger makes the engine log through l instead of a logger built from the config.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics makes the engine report to r, so several engines can share one registry.
func WithMetrics(r *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = r }
}

func NewEngine(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		budget:   storage.NewMemoryBudget(cfg.MemoryBudget),
		programs: compute.NewCompiler(cfg.ProgramCacheSize),
		active:   xsync.NewMapOf[string, *ResultHandle](),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		l, err := logging.NewLogger(cfg.LogLevel, cfg.LogDevelopment)
		if err != nil {
			return nil, err
		}
		e.logger = l
	}
	if e.metrics == nil {
		e.metrics = metrics.NewRegistry()
	}
	rt, err := scheduler.NewRuntime(cfg.Parallelism, e.logger)
	if err != nil {
		return nil, err
	}
	e.runtime = rt
	e.logger.Info("engine started",
		zap.Int("parallelism", cfg.Parallelism),
		zap.String("memory_budget", humanize.IBytes(cfg.MemoryBudget)),
		zap.Int("morsel_size", cfg.MorselSize))
	return e, nil
}

// Config returns the settings the engine was created with.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Metrics exposes the engine's collectors to an embedding host.
func (e *Engine) Metrics() prometheus.Gatherer {
	return e.metrics.Gatherer()
}

// MemoryInUse is the number of bytes pipeline breakers currently hold against the budget.
func (e *Engine) MemoryInUse() int64 {
	return e.budget.Used()
}

// Close cancels the queries still running, tears them down and stops the worker pool.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs error
	e.active.Range(func(_ string, h *ResultHandle) bool {
		errs = errors.CombineErrors(errs, h.Close())
		return true
	})
	errs = errors.CombineErrors(errs, e.runtime.Close())
	_ = e.logger.Sync()
	return errs
}

type execOptions struct {
	preserveOrder bool
	timeout       time.Duration
	passes        config.OptimizerConfig
}

// ExecOption overrides engine settings for one query.
type ExecOption func(*execOptions)

// WithPreserveOrder turns order preservation on or off for the query.
func WithPreserveOrder(on bool) ExecOption {
	return func(o *execOptions) { o.preserveOrder = on }
}

// WithTimeout bounds the query's run time. Zero disables the deadline.
func WithTimeout(d time.Duration) ExecOption {
	return func(o *execOptions) { o.timeout = d }
}

// WithOptimizer selects the optimizer passes the query runs.
func WithOptimizer(passes config.OptimizerConfig) ExecOption {
	return func(o *execOptions) { o.passes = passes }
}

// Execute optimizes plan, compiles it and starts running it. Rows are produced as the handle is
// read; the query keeps running in the background only as far as channel capacity allows.
// Plans ending in a sink produce no rows; their handle reports completion.
func (e *Engine) Execute(ctx context.Context, plan planner.PlanNode, opts ...ExecOption) (*ResultHandle, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	o := execOptions{preserveOrder: e.cfg.PreserveOrder, timeout: e.cfg.Timeout, passes: e.cfg.Optimizer}
	for _, opt := range opts {
		opt(&o)
	}
	if err := ctx.Err(); err != nil {
		return nil, common.NewCancelledError(err)
	}

	id := uuid.NewString()
	logger := logging.ForQuery(e.logger, id)
	start := time.Now()
	fail := func(err error) (*ResultHandle, error) {
		e.metrics.QueryFinished(status(err), time.Since(start))
		logger.Info("query rejected", zap.Error(err))
		return nil, err
	}

	res, err := optimizer.Optimize(plan, optimizer.Options{Passes: o.passes, PreserveOrder: o.preserveOrder})
	if err != nil {
		return fail(err)
	}
	logger.Info("query started",
		zap.Int("plan_nodes", planner.CountNodes(res.Plan)),
		zap.Int("parallelism", e.cfg.Parallelism),
		zap.Bool("preserve_order", o.preserveOrder),
		zap.Strings("rewrites", res.Changed))
	logger.Debug("optimized plan", zap.String("plan", planner.Explain(res.Plan)))

	ectx := &execution.ExecutorContext{
		Parallelism:     e.cfg.Parallelism,
		MorselSize:      e.cfg.MorselSize,
		ChannelCapacity: e.cfg.ChannelCapacity,
		PreserveOrder:   o.preserveOrder,
		NullsLast:       e.cfg.NullsLast,
		Budget:          e.budget,
		Spill:           storage.NewSpillManager(e.cfg.SpillDir),
		Programs:        e.programs,
		Logger:          logger,
		Metrics:         e.metrics,
	}
	phys, err := execution.Compile(ectx, res.Plan)
	if err != nil {
		return fail(err)
	}

	q := e.runtime.NewQuery(scheduler.QueryOptions{
		Parallelism: e.cfg.Parallelism,
		Timeout:     o.timeout,
		Logger:      logger,
	})
	h := &ResultHandle{
		id:     id,
		engine: e,
		q:      q,
		phys:   phys,
		result: phys.Result(),
		schema: phys.Schema(),
		signal: scheduler.NewSignal(),
		logger: logger,
		start:  start,
	}
	e.active.Store(id, h)
	phys.Start(q)
	q.Start()
	return h, nil
}

// ResultHandle is the lazy, single-pass output of one query. Read it with Next and Current, or
// collect everything with Drain. A handle is not safe for concurrent use, and it must be closed
// (or read to the end) to release the query's resources.
type ResultHandle struct {
	id     string
	engine *Engine
	q      *scheduler.Query
	phys   *execution.Physical
	result *scheduler.Channel[*execution.Morsel]
	schema *common.Schema
	signal scheduler.Signal
	logger *zap.Logger
	start  time.Time

	cur      arrow.Record
	rows     int64
	finished atomic.Bool
	once     sync.Once
	err      error
	closeErr error
}

// ID identifies the query in logs.
func (h *ResultHandle) ID() string {
	return h.id
}

func (h *ResultHandle) Schema() *common.Schema {
	return h.schema
}

// Next advances to the next batch of rows, waiting for the query to produce it. It returns false
// once the query ended, after which Err reports how it ended. Cancelling ctx cancels the query.
func (h *ResultHandle) Next(ctx context.Context) bool {
	h.cur = nil
	if h.finished.Load() {
		return false
	}
	queryDone := false
	for {
		if h.result != nil {
			m, res := h.result.TryRecv(h.signal)
			switch res {
			case scheduler.Received:
				if m.Rows == 0 {
					continue
				}
				h.rows += int64(m.Rows)
				h.cur = m.Record(h.schema)
				return true
			case scheduler.Closed:
				h.finish()
				return false
			}
		}
		if queryDone {
			// Every task ended and nothing more will arrive.
			h.finish()
			return false
		}
		select {
		case <-h.signal:
		case <-h.q.Done():
			if h.q.Err() != nil {
				h.finish()
				return false
			}
			queryDone = true
		case <-ctx.Done():
			h.q.Cancel(ctx.Err())
			h.finish()
			return false
		}
	}
}

// Current is the batch Next moved to. The record is valid until the next call to Next.
func (h *ResultHandle) Current() arrow.Record {
	return h.cur
}

// Err is the error that ended the query, annotated with the plan node it came from.
func (h *ResultHandle) Err() error {
	return h.err
}

// Rows is the number of rows delivered so far.
func (h *ResultHandle) Rows() int64 {
	return h.rows
}

// Drain reads every remaining batch into one table. Any error ends the query and no partial
// table is returned.
func (h *ResultHandle) Drain(ctx context.Context) (arrow.Table, error) {
	var recs []arrow.Record
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	for h.Next(ctx) {
		rec := h.Current()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := h.Err(); err != nil {
		return nil, err
	}
	return array.NewTableFromRecords(h.schema.ArrowSchema(), recs), nil
}

// Wait runs the query to completion, discarding any rows. It suits plans that end in a sink.
func (h *ResultHandle) Wait(ctx context.Context) error {
	for h.Next(ctx) {
	}
	return h.Err()
}

// Close cancels the query if it is still running and releases everything it holds. It is safe
// to call more than once.
func (h *ResultHandle) Close() error {
	if !h.finished.Load() {
		h.q.Cancel(errors.New("result handle closed"))
	}
	h.finish()
	return h.closeErr
}

// finish tears the query down once: no more rows are accepted, every task is waited for and
// the physical plan releases its memory, streams and spill files.
func (h *ResultHandle) finish() {
	h.once.Do(func() {
		h.finished.Store(true)
		if h.result != nil {
			h.result.Abandon()
		}
		h.err = h.q.Wait()
		h.closeErr = h.phys.Close()
		h.engine.active.Delete(h.id)

		elapsed := time.Since(h.start)
		stats := h.q.Stats()
		m := h.engine.metrics
		m.QueryFinished(status(h.err), elapsed)
		m.RowsOutput(int(h.rows))
		m.TaskSteps(stats.Steps)
		m.TaskSuspensions(stats.Suspensions)

		fields := []zap.Field{
			zap.Duration("elapsed", elapsed),
			zap.Int64("rows", h.rows),
			zap.Int64("steps", stats.Steps),
			zap.Int64("suspensions", stats.Suspensions),
		}
		switch {
		case h.err == nil:
			h.logger.Info("query finished", fields...)
		case common.IsCode(h.err, common.CancelledError), common.IsCode(h.err, common.TimeoutError):
			h.logger.Info("query stopped", append(fields, zap.Error(h.err))...)
		default:
			h.logger.Warn("query failed", append(fields, zap.Error(h.err))...)
		}
		if h.closeErr != nil {
			h.logger.Warn("query teardown failed", zap.Error(h.closeErr))
		}
	})
}

// status labels a query outcome for metrics.
func status(err error) string {
	if err == nil {
		return "ok"
	}
	if code, ok := common.CodeOf(err); ok {
		return code.String()
	}
	return common.InternalError.String()
}
