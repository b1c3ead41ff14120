package execution

import (
	"math"
	"sync/atomic"

	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/compute"
	"mit.edu/dsg/morseldb/planner"
)

// operator is a pipelined transformation: it maps one morsel to one morsel without buffering.
// The set is closed and pipeline drivers dispatch on the concrete type.
type operator interface {
	PlanNode() planner.PlanNode
}

// filterOp keeps the rows for which a predicate is true.
type filterOp struct {
	node  planner.PlanNode
	prog  *compute.Program
	types []common.DataType
}

func newFilterOp(ctx *ExecutorContext, node planner.PlanNode, input *common.Schema, pred planner.ExprID) (*filterOp, error) {
	prog, err := ctx.Programs.CompileOne(node.Arena(), input, pred)
	if err != nil {
		return nil, err
	}
	return &filterOp{node: node, prog: prog, types: schemaTypes(input)}, nil
}

func (o *filterOp) PlanNode() planner.PlanNode {
	return o.node
}

func (o *filterOp) apply(m *Morsel) (*Morsel, error) {
	if m.Rows == 0 {
		return m, nil
	}
	mask, err := o.prog.EvalMask(m.Cols, m.Rows)
	if err != nil {
		return nil, err
	}
	if compute.CountTrue(mask) == m.Rows {
		return m, nil
	}
	return m.Take(o.types, compute.Selection(mask)), nil
}

// projectOp computes the output columns of a projection. Subexpressions shared by several
// output columns are computed once per morsel.
type projectOp struct {
	node planner.PlanNode
	prog *compute.Program
}

func newProjectOp(ctx *ExecutorContext, node planner.PlanNode, input *common.Schema, exprs []planner.ExprID) (*projectOp, error) {
	prog, err := ctx.Programs.Compile(node.Arena(), input, exprs)
	if err != nil {
		return nil, err
	}
	return &projectOp{node: node, prog: prog}, nil
}

func (o *projectOp) PlanNode() planner.PlanNode {
	return o.node
}

func (o *projectOp) apply(m *Morsel) (*Morsel, error) {
	cols, err := o.prog.Eval(m.Cols, m.Rows)
	if err != nil {
		return nil, err
	}
	return &Morsel{Cols: cols, Rows: m.Rows, Seq: m.Seq, Last: m.Last}, nil
}

// sliceOp keeps the rows at positions [offset, end) of the stream. Drivers claim positions in
// the order they process morsels, so the rows kept follow input order only when a single driver
// runs the pipeline.
type sliceOp struct {
	node    *planner.SliceNode
	offset  int64
	end     int64
	claimed atomic.Int64
}

func newSliceOp(node *planner.SliceNode) *sliceOp {
	common.Assert(node.Offset >= 0, "streaming slice with negative offset %d", node.Offset)
	end := int64(math.MaxInt64)
	if node.Length != planner.NoLimit {
		end = node.Offset + node.Length
	}
	return &sliceOp{node: node, offset: node.Offset, end: end}
}

func (o *sliceOp) PlanNode() planner.PlanNode {
	return o.node
}

// apply returns the part of m inside the slice and whether the slice is complete.
func (o *sliceOp) apply(m *Morsel) (*Morsel, bool) {
	n := int64(m.Rows)
	start := o.claimed.Add(n) - n
	stop := start + n
	lo, hi := max(start, o.offset), min(stop, o.end)
	done := stop >= o.end
	if lo >= hi {
		return m.Slice(0, 0), done
	}
	if lo == start && hi == stop {
		return m, done
	}
	return m.Slice(int(lo-start), int(hi-start)), done
}

// exhausted reports whether no further row can be kept.
func (o *sliceOp) exhausted() bool {
	return o.claimed.Load() >= o.end
}
