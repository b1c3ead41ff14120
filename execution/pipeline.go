package execution

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"mit.edu/dsg/morseldb/catalog"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/compute"
	"mit.edu/dsg/morseldb/planner"
	"mit.edu/dsg/morseldb/scheduler"
)

// A pipeline is a chain of operators that run without materializing: an input, any number of
// pipelined operators and an output. Every pipeline is run by one or more driver tasks, each
// moving one morsel per step from the input through the operators into the output. The last
// driver to finish spawns a finish task that flushes operator trailers and closes the output.
type pipeline struct {
	ctx    *ExecutorContext
	name   string
	in     input
	// schema describes the morsels the input produces.
	schema *common.Schema
	ops    []operator
	out    output
	// keepEmpty forwards morsels without rows that end a partition. Ordered consumers need
	// them to know a partition is complete.
	keepEmpty bool
	drivers   int

	// deps counts the breakers that must be finalized before the drivers are spawned.
	deps    atomic.Int32
	running atomic.Int32
	stopped atomic.Bool
	rows    atomic.Int64
}

func newPipeline(ctx *ExecutorContext, name string, in input) *pipeline {
	p := &pipeline{ctx: ctx, name: name, in: in}
	p.drivers = in.drivers(ctx.Parallelism)
	return p
}

// start spawns the drivers of the pipeline.
func (p *pipeline) start(spawn func(string, scheduler.Task) *scheduler.Handle) {
	p.running.Store(int32(p.drivers))
	for i := 0; i < p.drivers; i++ {
		spawn(fmt.Sprintf("%s/driver-%d", p.name, i), &driver{p: p, idx: i})
	}
}

// release marks one dependency as satisfied, starting the pipeline after the last one.
func (p *pipeline) release(tc *scheduler.TaskContext) {
	if p.deps.Add(-1) == 0 {
		p.start(tc.Spawn)
	}
}

// stop ends the pipeline early: drivers stop reading and upstream producers are told nobody
// consumes their output anymore.
func (p *pipeline) stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	switch in := p.in.(type) {
	case *channelInput:
		in.ch.Abandon()
	case *reorderInput:
		in.ch.Abandon()
	}
}

// apply runs m through the operators starting at index from. It reports whether an operator
// completed the stream.
func (p *pipeline) apply(from int, m *Morsel) (*Morsel, bool, error) {
	done := false
	for _, op := range p.ops[from:] {
		var err error
		switch o := op.(type) {
		case *filterOp:
			m, err = o.apply(m)
		case *projectOp:
			m, err = o.apply(m)
		case *probeOp:
			m, err = o.apply(m)
		case *sliceOp:
			var last bool
			m, last = o.apply(m)
			done = done || last
		default:
			err = common.NewInternalError("unknown pipelined operator %T", op)
		}
		if err != nil {
			n := op.PlanNode()
			return nil, false, common.Annotate(err, n.ID(), n.Kind())
		}
	}
	if done {
		m.Last = true
	}
	if o, ok := p.out.(*channelOutput); ok && o.base > 0 {
		m.Seq += uint64(o.base) << 32
	}
	return m, done, nil
}

func (p *pipeline) forward(m *Morsel) bool {
	return m.Rows > 0 || (m.Last && p.keepEmpty)
}

type sendStatus int

const (
	sendOK sendStatus = iota
	sendFull
	sendAbandoned
)

func (p *pipeline) send(tc *scheduler.TaskContext, driver int, m *Morsel) (sendStatus, error) {
	var err error
	switch o := p.out.(type) {
	case *channelOutput:
		switch o.ch.TrySend(m, tc.Waker()) {
		case scheduler.Full:
			return sendFull, nil
		case scheduler.Abandoned:
			return sendAbandoned, nil
		}
	case *sinkOutput:
		err = o.accept(m)
	case *joinBuild:
		err = o.consume(driver, m)
	case *aggregateBuild:
		err = o.consume(driver, m)
	case *sortBuild:
		err = o.consume(driver, m)
	case *windowBuild:
		err = o.consume(driver, m)
	case *tailBuild:
		err = o.consume(driver, m)
	default:
		err = common.NewInternalError("unknown pipeline output %T", p.out)
	}
	if err != nil {
		return sendOK, err
	}
	p.rows.Add(int64(m.Rows))
	return sendOK, nil
}

type inputStatus int

const (
	inputReady inputStatus = iota
	inputBlocked
	inputDone
)

// input produces the morsels a pipeline's drivers process. The set is closed.
type input interface {
	// drivers is the number of drivers the input supports.
	drivers(parallelism int) int
}

// channelInput reads morsels produced by other pipelines or breaker emitters.
type channelInput struct {
	ch *scheduler.Channel[*Morsel]
}

func (in *channelInput) drivers(parallelism int) int {
	return max(parallelism, 1)
}

func (in *channelInput) next(tc *scheduler.TaskContext) (*Morsel, inputStatus) {
	m, res := in.ch.TryRecv(tc.Waker())
	switch res {
	case scheduler.Empty:
		return nil, inputBlocked
	case scheduler.Closed:
		return nil, inputDone
	}
	return m, inputReady
}

// sourceInput reads the streams of a scan. Driver d reads streams d, d+D, d+2D, ... in turn and
// numbers the morsels of stream k as partition k. It applies the scan's predicate, projection
// and limit to whatever the source returns.
type sourceInput struct {
	node      *planner.ScanNode
	streams   []catalog.MorselStream
	readNames []string
	readTypes []common.DataType
	predicate *compute.Program
	// project selects the output columns among the read ones, or is nil to keep them all.
	project []int
	limit   int64
}

func newSourceInput(ctx *ExecutorContext, node *planner.ScanNode, src catalog.Source) (*sourceInput, error) {
	read := node.ReadColumns()
	readSchema, err := src.Schema().Project(read)
	if err != nil {
		return nil, common.Annotate(err, node.ID(), node.Kind())
	}
	in := &sourceInput{node: node, readNames: read, readTypes: schemaTypes(readSchema), limit: node.Limit}
	if node.Predicate != planner.NoExpr {
		if in.predicate, err = ctx.Programs.CompileOne(node.Arena(), readSchema, node.Predicate); err != nil {
			return nil, common.Annotate(err, node.ID(), node.Kind())
		}
	}
	if out := node.OutputSchema(); out.Len() != len(read) {
		in.project = make([]int, out.Len())
		for i, name := range out.Names() {
			in.project[i], _ = readSchema.Index(name)
		}
	}
	in.streams, err = src.Open(catalog.ScanHints{
		Columns:    read,
		Arena:      node.Arena(),
		Predicate:  node.Predicate,
		Limit:      node.Limit,
		MorselSize: ctx.MorselSize,
	})
	if err != nil {
		return nil, common.Annotate(common.WrapIOError(err, "opening source %q", src.Name()), node.ID(), node.Kind())
	}
	return in, nil
}

func (in *sourceInput) drivers(parallelism int) int {
	return max(1, min(parallelism, len(in.streams)))
}

func (in *sourceInput) close() error {
	var errs error
	for _, s := range in.streams {
		errs = errors.CombineErrors(errs, s.Close())
	}
	in.streams = nil
	return errs
}

func (in *sourceInput) fail(err error, format string, args ...any) error {
	return common.Annotate(common.WrapIOError(err, format, args...), in.node.ID(), in.node.Kind())
}

func (in *sourceInput) next(tc *scheduler.TaskContext, d *driver) (*Morsel, inputStatus, error) {
	for {
		k := d.idx + d.stream*d.p.drivers
		if k >= len(in.streams) {
			return nil, inputDone, nil
		}
		s := in.streams[k]
		notifier, canWait := s.(catalog.ReadyNotifier)
		if canWait && !d.registered {
			notifier.OnReady(tc.Waker().Wake)
			d.registered = true
		}
		rec, err := s.Next()
		switch {
		case err == io.EOF:
			m := emptyMorsel(in.outTypes(), MakeSeq(k, d.local))
			m.Last = true
			d.nextStream()
			return m, inputReady, nil
		case errors.Is(err, common.ErrNotReady):
			if !canWait {
				return nil, inputDone, common.Annotate(
					common.NewInternalError("stream %d of %q is not ready but cannot notify", k, in.node.Source.Name()),
					in.node.ID(), in.node.Kind())
			}
			return nil, inputBlocked, nil
		case err != nil:
			return nil, inputDone, in.fail(err, "reading source %q", in.node.Source.Name())
		}
		m, err := in.prepare(rec, d.emitted)
		if err != nil {
			return nil, inputDone, err
		}
		m.Seq = MakeSeq(k, d.local)
		d.local++
		d.emitted += int64(m.Rows)
		if in.limit != planner.NoLimit && d.emitted >= in.limit {
			m.Last = true
			d.nextStream()
		}
		return m, inputReady, nil
	}
}

func (in *sourceInput) outTypes() []common.DataType {
	if in.project == nil {
		return in.readTypes
	}
	types := make([]common.DataType, len(in.project))
	for i, c := range in.project {
		types[i] = in.readTypes[c]
	}
	return types
}

// prepare aligns a source record with the read columns and applies predicate, limit and
// projection.
func (in *sourceInput) prepare(rec arrow.Record, emitted int64) (*Morsel, error) {
	schema := rec.Schema()
	cols := make([]arrow.Array, len(in.readNames))
	for i, name := range in.readNames {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return nil, in.fail(errors.Newf("record has no column %q", name), "reading source %q", in.node.Source.Name())
		}
		cols[i] = rec.Column(idx[0])
	}
	m := &Morsel{Cols: cols, Rows: int(rec.NumRows())}
	if in.predicate != nil && m.Rows > 0 {
		mask, err := in.predicate.EvalMask(m.Cols, m.Rows)
		if err != nil {
			return nil, common.Annotate(err, in.node.ID(), in.node.Kind())
		}
		if compute.CountTrue(mask) != m.Rows {
			m = m.Take(in.readTypes, compute.Selection(mask))
		}
	}
	if in.limit != planner.NoLimit && emitted+int64(m.Rows) > in.limit {
		m = m.Slice(0, int(in.limit-emitted))
	}
	if in.project != nil {
		out := make([]arrow.Array, len(in.project))
		for i, c := range in.project {
			out[i] = m.Cols[c]
		}
		m.Cols = out
	}
	return m, nil
}

// driver is the task that runs a pipeline. A morsel the output cannot take yet is kept as
// pending and the driver blocks until the consumer frees capacity.
type driver struct {
	p        *pipeline
	idx      int
	pending  *Morsel
	stopping bool

	// source cursor
	stream     int
	local      int
	emitted    int64
	registered bool
}

func (d *driver) nextStream() {
	d.stream++
	d.local = 0
	d.emitted = 0
	d.registered = false
}

func (d *driver) Step(tc *scheduler.TaskContext) (scheduler.Status, error) {
	p := d.p
	if d.pending != nil {
		st, err := p.send(tc, d.idx, d.pending)
		if err != nil {
			return scheduler.Done, err
		}
		switch st {
		case sendFull:
			return scheduler.Blocked, nil
		case sendAbandoned:
			p.stop()
			return d.exit(tc)
		}
		d.pending = nil
	}
	if d.stopping || p.stopped.Load() {
		return d.exit(tc)
	}

	var (
		m   *Morsel
		st  inputStatus
		err error
	)
	switch in := p.in.(type) {
	case *sourceInput:
		m, st, err = in.next(tc, d)
	case *channelInput:
		m, st = in.next(tc)
	case *reorderInput:
		m, st = in.next(tc)
	default:
		err = common.NewInternalError("unknown pipeline input %T", p.in)
	}
	if err != nil {
		return scheduler.Done, err
	}
	switch st {
	case inputBlocked:
		return scheduler.Blocked, nil
	case inputDone:
		return d.exit(tc)
	}
	p.ctx.Metrics.MorselProcessed()

	out, done, err := p.apply(0, m)
	if err != nil {
		return scheduler.Done, err
	}
	if done {
		d.stopping = true
		p.stop()
	}
	if !p.forward(out) {
		return scheduler.Yield, nil
	}
	sent, err := p.send(tc, d.idx, out)
	if err != nil {
		return scheduler.Done, err
	}
	switch sent {
	case sendFull:
		d.pending = out
		return scheduler.Blocked, nil
	case sendAbandoned:
		p.stop()
		return d.exit(tc)
	}
	return scheduler.Yield, nil
}

func (d *driver) exit(tc *scheduler.TaskContext) (scheduler.Status, error) {
	if d.p.running.Add(-1) == 0 {
		tc.Spawn(d.p.name+"/finish", &finishTask{p: d.p})
	}
	return scheduler.Done, nil
}

func (d *driver) Close() {}

// finishTask emits the trailers of operators that produce rows after their input ended, such as
// the unmatched build rows of a full join, then closes the pipeline's output.
type finishTask struct {
	p       *pipeline
	op      int
	pending *Morsel
}

func (f *finishTask) Step(tc *scheduler.TaskContext) (scheduler.Status, error) {
	p := f.p
	if f.pending != nil {
		st, err := p.send(tc, 0, f.pending)
		if err != nil {
			return scheduler.Done, err
		}
		switch st {
		case sendFull:
			return scheduler.Blocked, nil
		case sendAbandoned:
			p.stop()
		}
		f.pending = nil
	}
	for !p.stopped.Load() && f.op < len(p.ops) {
		probe, ok := p.ops[f.op].(*probeOp)
		if !ok || !probe.hasTrailer() {
			f.op++
			continue
		}
		m, ok, err := probe.trailer()
		if err != nil {
			return scheduler.Done, common.Annotate(err, probe.node.ID(), probe.node.Kind())
		}
		if !ok {
			f.op++
			continue
		}
		out, done, err := p.apply(f.op+1, m)
		if err != nil {
			return scheduler.Done, err
		}
		if done {
			p.stop()
		}
		if p.forward(out) {
			st, err := p.send(tc, 0, out)
			if err != nil {
				return scheduler.Done, err
			}
			switch st {
			case sendFull:
				f.pending = out
				return scheduler.Blocked, nil
			case sendAbandoned:
				p.stop()
			}
		}
		return scheduler.Yield, nil
	}
	p.ctx.logger().Debug("pipeline finished",
		zap.String("pipeline", p.name),
		zap.Int64("rows", p.rows.Load()),
		zap.Bool("stopped", p.stopped.Load()))
	return scheduler.Done, p.out.finish(tc)
}

func (f *finishTask) Close() {}

// output receives the morsels of a pipeline. Sends are dispatched on the concrete type; finish
// is called once, by the pipeline's finish task.
type output interface {
	finish(tc *scheduler.TaskContext) error
}

// channelOutput forwards morsels to a channel, shifting their partitions by base.
type channelOutput struct {
	ch   *scheduler.Channel[*Morsel]
	base int
}

func (o *channelOutput) finish(*scheduler.TaskContext) error {
	o.ch.CloseSend()
	return nil
}

// sinkOutput writes morsels to an external sink. Drivers take turns calling Accept.
type sinkOutput struct {
	node   *planner.SinkNode
	sink   catalog.Sink
	schema *common.Schema
	mu     sync.Mutex
}

func (o *sinkOutput) accept(m *Morsel) error {
	if m.Rows == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.sink.Accept(m.Record(o.schema)); err != nil {
		return common.Annotate(common.WrapIOError(err, "writing to sink %q", o.sink.Name()), o.node.ID(), o.node.Kind())
	}
	return nil
}

func (o *sinkOutput) finish(*scheduler.TaskContext) error {
	if err := o.sink.Finish(); err != nil {
		return common.Annotate(common.WrapIOError(err, "finishing sink %q", o.sink.Name()), o.node.ID(), o.node.Kind())
	}
	return nil
}
