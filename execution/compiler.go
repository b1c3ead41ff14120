package execution

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"mit.edu/dsg/morseldb/catalog"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/planner"
	"mit.edu/dsg/morseldb/scheduler"
)

// Physical is a compiled query: the pipelines that run it, the breakers between them and the
// channel the result arrives on. It runs once.
type Physical struct {
	ctx       *ExecutorContext
	schema    *common.Schema
	pipelines []*pipeline
	result    *scheduler.Channel[*Morsel]

	sources []*sourceInput
	joins   []*joinBuild
	probes  []*probeOp
	aggs    []*aggregateBuild
	sorts   []*sortBuild
	windows []*windowBuild
	tails   []*tailBuild
}

// stream is the open end of a pipeline under construction.
type stream struct {
	p *pipeline
	// ordered streams carry morsels whose sequence numbers give the row order.
	ordered bool
	// parts is the number of partitions the stream's sequence numbers span.
	parts int
}

type compiler struct {
	ctx  *ExecutorContext
	phys *Physical
}

// Compile turns a validated plan into pipelines. The plan is moved onto a fresh arena first,
// since compiling adds expressions such as join key casts.
func Compile(ctx *ExecutorContext, plan planner.PlanNode) (*Physical, error) {
	rebased, err := planner.Rebase(plan, planner.NewArena())
	if err != nil {
		return nil, err
	}
	c := &compiler{ctx: ctx, phys: &Physical{ctx: ctx, schema: rebased.OutputSchema()}}
	if sink, ok := rebased.(*planner.SinkNode); ok {
		err = c.compileSink(sink)
	} else {
		err = c.compileResult(rebased)
	}
	if err != nil {
		_ = c.phys.Close()
		return nil, err
	}
	ctx.logger().Debug("compiled physical plan",
		zap.Int("pipelines", len(c.phys.pipelines)),
		zap.String("stages", c.phys.String()))
	return c.phys, nil
}

func (c *compiler) compileResult(root planner.PlanNode) error {
	s, err := c.build(root)
	if err != nil {
		return err
	}
	if s.ordered {
		s = c.reorder(s)
	}
	c.phys.result = scheduler.NewChannel[*Morsel](c.ctx.ChannelCapacity, 1)
	c.seal(s, &channelOutput{ch: c.phys.result})
	return nil
}

func (c *compiler) compileSink(node *planner.SinkNode) error {
	sink, ok := node.Sink.(catalog.Sink)
	if !ok {
		return common.Annotate(common.NewInternalError("sink %q cannot accept records", node.Sink.Name()), node.ID(), node.Kind())
	}
	s, err := c.build(node.Child)
	if err != nil {
		return err
	}
	if s.ordered {
		s = c.reorder(s)
	}
	c.seal(s, &sinkOutput{node: node, sink: sink, schema: node.OutputSchema()})
	return nil
}

// seal sets the output of the stream's pipeline and registers it.
func (c *compiler) seal(s *stream, out output) {
	s.p.out = out
	s.p.keepEmpty = s.ordered
	c.phys.pipelines = append(c.phys.pipelines, s.p)
}

func (c *compiler) newStream(name string, in input, schema *common.Schema, ordered bool, parts int) *stream {
	p := newPipeline(c.ctx, name, in)
	p.schema = schema
	return &stream{p: p, ordered: ordered, parts: parts}
}

// reorder ends the stream in a channel read by a single-driver stage that restores stream order.
func (c *compiler) reorder(s *stream) *stream {
	ch := scheduler.NewChannel[*Morsel](c.ctx.ChannelCapacity, 1)
	schema := c.outputSchema(s)
	c.seal(s, &channelOutput{ch: ch})
	return c.newStream(s.p.name+"/reorder", newReorderInput(ch, schemaTypes(schema)), schema, true, 1)
}

// outputSchema is the schema of the morsels leaving the stream's pipeline.
func (c *compiler) outputSchema(s *stream) *common.Schema {
	if n := len(s.p.ops); n > 0 {
		return s.p.ops[n-1].PlanNode().OutputSchema()
	}
	return s.p.schema
}

func (c *compiler) build(node planner.PlanNode) (*stream, error) {
	switch n := node.(type) {
	case *planner.ScanNode:
		return c.buildScan(n)
	case *planner.FilterNode:
		s, err := c.build(n.Child)
		if err != nil {
			return nil, err
		}
		op, err := newFilterOp(c.ctx, n, n.Child.OutputSchema(), n.Predicate)
		if err != nil {
			return nil, common.Annotate(err, n.ID(), n.Kind())
		}
		s.p.ops = append(s.p.ops, op)
		return s, nil
	case *planner.ProjectionNode:
		return c.buildProjection(n)
	case *planner.SliceNode:
		return c.buildSlice(n)
	case *planner.HashJoinNode:
		return c.buildJoin(n)
	case *planner.AggregateNode:
		return c.buildAggregate(n)
	case *planner.DistinctNode:
		lowered, err := lowerDistinct(n)
		if err != nil {
			return nil, common.Annotate(err, n.ID(), n.Kind())
		}
		return c.build(lowered)
	case *planner.SortNode:
		return c.buildSort(n)
	case *planner.WindowNode:
		return c.buildWindow(n)
	case *planner.UnionNode:
		return c.buildUnion(n)
	case *planner.SinkNode:
		return nil, common.Annotate(common.NewInternalError("sink below the plan root"), n.ID(), n.Kind())
	}
	return nil, common.Annotate(common.NewInternalError("cannot compile %T", node), node.ID(), node.Kind())
}

func (c *compiler) buildScan(n *planner.ScanNode) (*stream, error) {
	src, ok := n.Source.(catalog.Source)
	if !ok {
		return nil, common.Annotate(common.NewInternalError("source %q cannot be opened", n.Source.Name()), n.ID(), n.Kind())
	}
	in, err := newSourceInput(c.ctx, n, src)
	if err != nil {
		return nil, err
	}
	c.phys.sources = append(c.phys.sources, in)
	return c.newStream(fmt.Sprintf("scan#%d", n.ID()), in, n.OutputSchema(), c.ctx.PreserveOrder, max(len(in.streams), 1)), nil
}

func (c *compiler) buildProjection(n *planner.ProjectionNode) (*stream, error) {
	s, err := c.build(n.Child)
	if err != nil {
		return nil, err
	}
	exprs := n.Expressions
	if n.Extend {
		// Every output column gets an expression: the new one where a name is computed, a
		// column reference otherwise.
		a := n.Arena()
		computed := make(map[string]planner.ExprID, len(exprs))
		for _, e := range exprs {
			computed[a.OutputName(e)] = e
		}
		in := n.Child.OutputSchema()
		exprs = make([]planner.ExprID, 0, n.OutputSchema().Len())
		for _, f := range n.OutputSchema().Fields() {
			if e, ok := computed[f.Name]; ok {
				exprs = append(exprs, e)
				continue
			}
			inField, _ := in.Lookup(f.Name)
			exprs = append(exprs, a.AddColumn(inField))
		}
	}
	op, err := newProjectOp(c.ctx, n, n.Child.OutputSchema(), exprs)
	if err != nil {
		return nil, common.Annotate(err, n.ID(), n.Kind())
	}
	s.p.ops = append(s.p.ops, op)
	return s, nil
}

func (c *compiler) buildSlice(n *planner.SliceNode) (*stream, error) {
	s, err := c.build(n.Child)
	if err != nil {
		return nil, err
	}
	if n.Offset < 0 {
		b := newTailBuild(c.ctx, n, s.p.drivers)
		c.phys.tails = append(c.phys.tails, b)
		c.seal(s, b)
		return c.newStream(b.name, &channelInput{ch: b.out}, n.OutputSchema(), s.ordered, 1), nil
	}
	if s.ordered {
		s = c.reorder(s)
	}
	s.p.ops = append(s.p.ops, newSliceOp(n))
	return s, nil
}

func (c *compiler) buildJoin(n *planner.HashJoinNode) (*stream, error) {
	b, probe, err := newHashJoin(c.ctx, n)
	if err != nil {
		return nil, err
	}
	c.phys.joins = append(c.phys.joins, b)
	c.phys.probes = append(c.phys.probes, probe)
	probeSide, buildSide := n.Left, n.Right
	if n.Type == planner.JoinRight {
		probeSide, buildSide = buildSide, probeSide
	}
	bs, err := c.build(buildSide)
	if err != nil {
		return nil, err
	}
	c.seal(bs, b)
	s, err := c.build(probeSide)
	if err != nil {
		return nil, err
	}
	s.p.deps.Add(1)
	b.dependents = append(b.dependents, s.p)
	probe.trailerPart = s.parts
	if b.trackMatches {
		s.parts++
	}
	s.p.ops = append(s.p.ops, probe)
	s.ordered = c.ctx.PreserveOrder
	return s, nil
}

func (c *compiler) buildAggregate(n *planner.AggregateNode) (*stream, error) {
	s, err := c.build(n.Child)
	if err != nil {
		return nil, err
	}
	b, err := newAggregateBuild(c.ctx, n, s.p.drivers)
	if err != nil {
		return nil, err
	}
	c.phys.aggs = append(c.phys.aggs, b)
	c.seal(s, b)
	return c.newStream(b.name, &channelInput{ch: b.out}, n.OutputSchema(), c.ctx.PreserveOrder, b.shards), nil
}

func (c *compiler) buildSort(n *planner.SortNode) (*stream, error) {
	s, err := c.build(n.Child)
	if err != nil {
		return nil, err
	}
	b, err := newSortBuild(c.ctx, n, s.p.drivers)
	if err != nil {
		return nil, err
	}
	c.phys.sorts = append(c.phys.sorts, b)
	c.seal(s, b)
	return c.newStream(b.name, &channelInput{ch: b.out}, n.OutputSchema(), true, 1), nil
}

func (c *compiler) buildWindow(n *planner.WindowNode) (*stream, error) {
	s, err := c.build(n.Child)
	if err != nil {
		return nil, err
	}
	b, err := newWindowBuild(c.ctx, n, s.p.drivers)
	if err != nil {
		return nil, err
	}
	c.phys.windows = append(c.phys.windows, b)
	c.seal(s, b)
	return c.newStream(b.name, &channelInput{ch: b.out}, n.OutputSchema(), s.ordered, 1), nil
}

// buildUnion funnels every input into one channel. Input i's partitions are numbered after
// those of the inputs before it, so an ordered union yields its inputs one after another.
func (c *compiler) buildUnion(n *planner.UnionNode) (*stream, error) {
	ch := scheduler.NewChannel[*Morsel](c.ctx.ChannelCapacity, len(n.Inputs))
	base := 0
	ordered := true
	for _, child := range n.Inputs {
		s, err := c.build(child)
		if err != nil {
			return nil, err
		}
		ordered = ordered && s.ordered
		c.seal(s, &channelOutput{ch: ch, base: base})
		base += s.parts
	}
	return c.newStream(fmt.Sprintf("union#%d", n.ID()), &channelInput{ch: ch}, n.OutputSchema(), ordered || c.ctx.PreserveOrder, max(base, 1)), nil
}

// lowerDistinct rewrites a distinct into a grouped aggregate over the key columns that keeps one
// value of every other column, followed by a projection restoring the column order. Dropping
// duplicated groups counts the rows of every group and filters on the count.
func lowerDistinct(n *planner.DistinctNode) (planner.PlanNode, error) {
	a := n.Arena()
	in := n.Child.OutputSchema()
	keys := n.KeyColumns()
	isKey := make(map[string]bool, len(keys))
	groupBy := make([]planner.ExprID, len(keys))
	for i, k := range keys {
		f, _ := in.Lookup(k)
		groupBy[i] = a.AddColumn(f)
		isKey[k] = true
	}
	keep := planner.AggFirst
	if n.Keep == planner.KeepLast {
		keep = planner.AggLast
	}
	var aggs []planner.ExprID
	for _, f := range in.Fields() {
		if isKey[f.Name] {
			continue
		}
		id, err := a.Add(planner.ExprNode{Kind: planner.Aggregate, Agg: keep, Children: []planner.ExprID{a.AddColumn(f)}})
		if err != nil {
			return nil, err
		}
		aggs = append(aggs, id)
	}
	const countCol = "__distinct_len"
	if n.Keep == planner.KeepNone {
		id, err := a.Add(planner.ExprNode{Kind: planner.Aggregate, Agg: planner.AggLen})
		if err != nil {
			return nil, err
		}
		aggs = append(aggs, a.AddAlias(id, countCol))
	}
	var plan planner.PlanNode
	plan, err := planner.NewAggregateNode(n.Child, groupBy, aggs)
	if err != nil {
		return nil, err
	}
	if n.Keep == planner.KeepNone {
		count := a.AddColumn(common.NewField(countCol, common.Int64Type, false))
		pred, err := a.AddBinary(planner.OpEq, count, a.AddLiteral(common.NewInt64Value(1)))
		if err != nil {
			return nil, err
		}
		if plan, err = planner.NewFilterNode(plan, pred); err != nil {
			return nil, err
		}
	}
	cols := make([]planner.ExprID, in.Len())
	for i, f := range in.Fields() {
		out, _ := plan.OutputSchema().Lookup(f.Name)
		cols[i] = a.AddColumn(out)
	}
	return planner.NewProjectionNode(plan, cols, false)
}

// Start spawns every pipeline that does not wait for a breaker.
func (p *Physical) Start(q *scheduler.Query) {
	for _, pl := range p.pipelines {
		if pl.deps.Load() == 0 {
			pl.start(q.Spawn)
		}
	}
}

// Schema is the schema of the result rows.
func (p *Physical) Schema() *common.Schema {
	return p.schema
}

// Result is the channel the result morsels arrive on, in stream order when the plan is ordered.
// It is nil for plans that end in a sink.
func (p *Physical) Result() *scheduler.Channel[*Morsel] {
	return p.result
}

// String lists the pipelines with their inputs, operators and outputs.
func (p *Physical) String() string {
	var b strings.Builder
	for i, pl := range p.pipelines {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s x%d [", pl.name, pl.drivers)
		for k, op := range pl.ops {
			if k > 0 {
				b.WriteString(" -> ")
			}
			b.WriteString(op.PlanNode().Kind())
		}
		fmt.Fprintf(&b, "] -> %s", outputName(pl.out))
	}
	return b.String()
}

func outputName(o output) string {
	switch o := o.(type) {
	case *channelOutput:
		return "channel"
	case *sinkOutput:
		return "sink " + o.sink.Name()
	case *joinBuild:
		return o.name
	case *aggregateBuild:
		return o.name
	case *sortBuild:
		return o.name
	case *windowBuild:
		return o.name
	case *tailBuild:
		return o.name
	}
	return "?"
}

// Close releases everything the query still holds: source streams, breaker memory and spill
// files. It must be called once the query ended, however it ended.
func (p *Physical) Close() error {
	var errs error
	for _, in := range p.sources {
		errs = errors.CombineErrors(errs, in.close())
	}
	for _, o := range p.probes {
		o.close()
	}
	for _, b := range p.joins {
		b.close()
	}
	for _, b := range p.aggs {
		b.close()
	}
	for _, b := range p.sorts {
		b.close()
	}
	for _, b := range p.windows {
		b.close()
	}
	for _, b := range p.tails {
		b.close()
	}
	if p.ctx.Spill != nil {
		errs = errors.CombineErrors(errs, p.ctx.Spill.Cleanup())
	}
	return errs
}
