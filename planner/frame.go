package planner

import (
	"fmt"

	"mit.edu/dsg/morseldb/common"
)

// LazyFrame builds a logical plan one operation at a time. Building never executes anything. The
// first error is kept and every later operation becomes a no-op, so chains can be checked once
// at the end through Plan.
type LazyFrame struct {
	plan PlanNode
	err  error
}

// Scan starts a plan reading src.
func Scan(src DataSource) LazyFrame {
	n, err := NewScanNode(NewArena(), src)
	if err != nil {
		return LazyFrame{err: err}
	}
	return LazyFrame{plan: n}
}

// FromPlan continues building on an existing plan.
func FromPlan(p PlanNode) LazyFrame {
	return LazyFrame{plan: p}
}

// Plan validates and returns the built plan.
func (lf LazyFrame) Plan() (PlanNode, error) {
	if lf.err != nil {
		return nil, lf.err
	}
	if err := Validate(lf.plan); err != nil {
		return nil, err
	}
	return lf.plan, nil
}

// Schema returns the output schema of the plan built so far.
func (lf LazyFrame) Schema() (*common.Schema, error) {
	if lf.err != nil {
		return nil, lf.err
	}
	return lf.plan.OutputSchema(), nil
}

// Explain renders the plan built so far.
func (lf LazyFrame) Explain() string {
	if lf.err != nil {
		return "error: " + lf.err.Error()
	}
	return Explain(lf.plan)
}

func (lf LazyFrame) then(kind string, build func(p PlanNode, a *Arena) (PlanNode, error)) LazyFrame {
	if lf.err != nil {
		return lf
	}
	p, err := build(lf.plan, lf.plan.Arena())
	if err != nil {
		return LazyFrame{err: common.Annotate(err, 0, kind)}
	}
	return LazyFrame{plan: p}
}

func lowerAll(a *Arena, schema *common.Schema, exprs []Expr) ([]ExprID, error) {
	ids := make([]ExprID, len(exprs))
	for i, e := range exprs {
		id, err := a.Lower(e, schema)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// Filter keeps rows for which pred is true.
func (lf LazyFrame) Filter(pred Expr) LazyFrame {
	return lf.then("Filter", func(p PlanNode, a *Arena) (PlanNode, error) {
		id, err := a.Lower(pred, p.OutputSchema())
		if err != nil {
			return nil, err
		}
		return NewFilterNode(p, id)
	})
}

// Select replaces the columns by the given expressions. Aggregates turn the selection into a
// global aggregation; window functions may appear anywhere in an expression.
func (lf LazyFrame) Select(exprs ...Expr) LazyFrame {
	return lf.project("Projection", exprs, false)
}

// WithColumns adds or replaces columns.
func (lf LazyFrame) WithColumns(exprs ...Expr) LazyFrame {
	return lf.project("WithColumns", exprs, true)
}

func (lf LazyFrame) project(kind string, exprs []Expr, extend bool) LazyFrame {
	return lf.then(kind, func(p PlanNode, a *Arena) (PlanNode, error) {
		in := p.OutputSchema()
		ids, err := lowerAll(a, in, exprs)
		if err != nil {
			return nil, err
		}
		hasAgg, hasWindow := false, false
		for _, id := range ids {
			n := a.Node(id)
			hasAgg = hasAgg || n.HasAggregate()
			hasWindow = hasWindow || n.HasWindow()
		}
		if hasAgg && !extend {
			return buildAggregate(p, nil, ids)
		}
		if !hasWindow {
			return NewProjectionNode(p, ids, extend)
		}

		windowed, rewritten, err := extractWindows(p, ids)
		if err != nil {
			return nil, err
		}
		if !extend {
			return NewProjectionNode(windowed, rewritten, false)
		}
		// Rebuild the full column list so the hidden window columns are dropped.
		var cols []ExprID
		used := make([]bool, len(rewritten))
		for _, f := range in.Fields() {
			col := a.AddColumn(f)
			for i, r := range rewritten {
				if a.OutputName(r) == f.Name {
					col, used[i] = r, true
				}
			}
			cols = append(cols, col)
		}
		for i, r := range rewritten {
			if !used[i] {
				cols = append(cols, r)
			}
		}
		return NewProjectionNode(windowed, cols, false)
	})
}

// extractWindows moves every window function of exprs into a WindowNode over p under a hidden
// column name and rewrites exprs to read those columns.
func extractWindows(p PlanNode, ids []ExprID) (PlanNode, []ExprID, error) {
	a := p.Arena()
	hidden := make(map[ExprID]ExprID)
	var windows []ExprID
	rewritten := make([]ExprID, len(ids))
	for i, id := range ids {
		name := a.OutputName(id)
		r, err := a.TransformUp(id, func(e ExprID) (ExprID, error) {
			if a.Node(e).Kind != WindowFn {
				return e, nil
			}
			if col, ok := hidden[e]; ok {
				return col, nil
			}
			alias := a.AddAlias(e, fmt.Sprintf("__window_%d", len(windows)))
			windows = append(windows, alias)
			col := a.AddColumn(a.Field(alias))
			hidden[e] = col
			return col, nil
		})
		if err != nil {
			return nil, nil, err
		}
		if a.OutputName(r) != name {
			r = a.AddAlias(a.StripAlias(r), name)
		}
		rewritten[i] = r
	}
	w, err := NewWindowNode(p, windows)
	if err != nil {
		return nil, nil, err
	}
	return w, rewritten, nil
}

// GroupBy starts a grouped aggregation.
func (lf LazyFrame) GroupBy(keys ...Expr) GroupBy {
	return GroupBy{lf: lf, keys: keys}
}

type GroupBy struct {
	lf   LazyFrame
	keys []Expr
}

// Agg aggregates each group. Expressions may combine several aggregates and group keys, for
// example col("a").Sum().Div(col("b").Count()).
func (g GroupBy) Agg(aggs ...Expr) LazyFrame {
	return g.lf.then("Aggregate", func(p PlanNode, a *Arena) (PlanNode, error) {
		in := p.OutputSchema()
		keys, err := lowerAll(a, in, g.keys)
		if err != nil {
			return nil, err
		}
		ids, err := lowerAll(a, in, aggs)
		if err != nil {
			return nil, err
		}
		return buildAggregate(p, keys, ids)
	})
}

// buildAggregate creates an AggregateNode, followed by a projection when some expressions do more
// than alias a single aggregate.
func buildAggregate(p PlanNode, keys, exprs []ExprID) (PlanNode, error) {
	a := p.Arena()
	var aggs []ExprID
	hidden := make(map[ExprID]ExprID)
	final := make([]ExprID, len(exprs))
	needProject := false
	for i, id := range exprs {
		n := a.Node(id)
		if a.Node(a.StripAlias(id)).Kind == Aggregate {
			aggs = append(aggs, id)
			final[i] = a.AddColumn(a.Field(id))
			continue
		}
		if !n.HasAggregate() {
			return nil, schemaErr(a.OutputName(id), "%s is neither an aggregate nor computed from aggregates", a.String(id))
		}
		needProject = true
		name := a.OutputName(id)
		r, err := a.TransformUp(id, func(e ExprID) (ExprID, error) {
			if a.Node(e).Kind != Aggregate {
				return e, nil
			}
			if col, ok := hidden[e]; ok {
				return col, nil
			}
			alias := a.AddAlias(e, fmt.Sprintf("__agg_%d", len(hidden)))
			aggs = append(aggs, alias)
			col := a.AddColumn(a.Field(alias))
			hidden[e] = col
			return col, nil
		})
		if err != nil {
			return nil, err
		}
		final[i] = a.AddAlias(a.StripAlias(r), name)
	}
	agg, err := NewAggregateNode(p, keys, aggs)
	if err != nil || !needProject {
		return agg, err
	}
	cols := make([]ExprID, 0, len(keys)+len(final))
	for _, k := range keys {
		cols = append(cols, a.AddColumn(a.Field(k)))
	}
	cols = append(cols, final...)
	return NewProjectionNode(agg, cols, false)
}

type joinOptions struct {
	suffix string
}

type JoinOption func(*joinOptions)

// WithSuffix sets the suffix for right columns whose names collide with left ones.
func WithSuffix(suffix string) JoinOption {
	return func(o *joinOptions) { o.suffix = suffix }
}

// Join joins lf (left) with other (right) on pairwise equal keys.
func (lf LazyFrame) Join(other LazyFrame, leftOn, rightOn []Expr, how JoinType, opts ...JoinOption) LazyFrame {
	if other.err != nil && lf.err == nil {
		return other
	}
	var o joinOptions
	for _, opt := range opts {
		opt(&o)
	}
	return lf.then("Join", func(p PlanNode, a *Arena) (PlanNode, error) {
		right, err := Rebase(other.plan, a)
		if err != nil {
			return nil, err
		}
		lk, err := lowerAll(a, p.OutputSchema(), leftOn)
		if err != nil {
			return nil, err
		}
		rk, err := lowerAll(a, right.OutputSchema(), rightOn)
		if err != nil {
			return nil, err
		}
		return NewHashJoinNode(p, right, lk, rk, how, o.suffix)
	})
}

// JoinOn joins on columns that have the same names on both sides.
func (lf LazyFrame) JoinOn(other LazyFrame, how JoinType, columns ...string) LazyFrame {
	keys := make([]Expr, len(columns))
	for i, c := range columns {
		keys[i] = Col(c)
	}
	return lf.Join(other, keys, keys, how)
}

// Sort orders rows by the keys, stably.
func (lf LazyFrame) Sort(keys ...SortExpr) LazyFrame {
	return lf.then("Sort", func(p PlanNode, a *Arena) (PlanNode, error) {
		order := make([]SortKey, len(keys))
		for i, k := range keys {
			id, err := a.Lower(k.Expr, p.OutputSchema())
			if err != nil {
				return nil, err
			}
			order[i] = SortKey{Expr: id, Descending: k.Descending, Nulls: k.Nulls}
		}
		return NewSortNode(p, order)
	})
}

// SortBy sorts ascending by the named columns.
func (lf LazyFrame) SortBy(columns ...string) LazyFrame {
	keys := make([]SortExpr, len(columns))
	for i, c := range columns {
		keys[i] = Asc(Col(c))
	}
	return lf.Sort(keys...)
}

// Union appends the rows of others after the rows of lf.
func (lf LazyFrame) Union(others ...LazyFrame) LazyFrame {
	for _, o := range others {
		if o.err != nil && lf.err == nil {
			return o
		}
	}
	return lf.then("Union", func(p PlanNode, a *Arena) (PlanNode, error) {
		inputs := []PlanNode{p}
		for _, o := range others {
			r, err := Rebase(o.plan, a)
			if err != nil {
				return nil, err
			}
			inputs = append(inputs, r)
		}
		return NewUnionNode(inputs)
	})
}

// Distinct removes duplicate rows, comparing only subset when given.
func (lf LazyFrame) Distinct(keep KeepStrategy, subset ...string) LazyFrame {
	return lf.then("Distinct", func(p PlanNode, _ *Arena) (PlanNode, error) {
		return NewDistinctNode(p, subset, keep)
	})
}

// Slice keeps length rows from offset; see SliceNode.
func (lf LazyFrame) Slice(offset, length int64) LazyFrame {
	return lf.then("Slice", func(p PlanNode, _ *Arena) (PlanNode, error) {
		return NewSliceNode(p, offset, length)
	})
}

// Head keeps the first n rows.
func (lf LazyFrame) Head(n int64) LazyFrame {
	return lf.Slice(0, n)
}

// Tail keeps the last n rows.
func (lf LazyFrame) Tail(n int64) LazyFrame {
	return lf.Slice(-n, NoLimit)
}

// Sink writes the rows to s instead of returning them.
func (lf LazyFrame) Sink(s DataSink) LazyFrame {
	return lf.then("Sink", func(p PlanNode, _ *Arena) (PlanNode, error) {
		return NewSinkNode(p, s)
	})
}
