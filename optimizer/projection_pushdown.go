package optimizer

import (
	"mit.edu/dsg/morseldb/planner"
)

// projectionPushdown prunes columns nobody reads. The set of columns required from each node is
// computed top-down from the root's output; scans read only what is required, and projections,
// window functions and aggregates drop outputs that are never used.
type projectionPushdown struct{}

func (projectionPushdown) Name() string {
	return "projection_pushdown"
}

func (p projectionPushdown) Apply(plan planner.PlanNode) (planner.PlanNode, error) {
	return p.prune(plan, allColumns(plan))
}

type columnSet map[string]bool

func allColumns(n planner.PlanNode) columnSet {
	return setOf(n.OutputSchema().Names()...)
}

func setOf(names ...string) columnSet {
	s := make(columnSet, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}

func (s columnSet) with(names ...string) columnSet {
	out := make(columnSet, len(s)+len(names))
	for n := range s {
		out[n] = true
	}
	for _, n := range names {
		out[n] = true
	}
	return out
}

// prune returns n rewritten to produce at least the columns in req.
func (p projectionPushdown) prune(n planner.PlanNode, req columnSet) (planner.PlanNode, error) {
	a := n.Arena()
	switch n := n.(type) {
	case *planner.ScanNode:
		return p.pruneScan(n, req)
	case *planner.FilterNode:
		return p.into(n, req.with(a.Columns(n.Predicate)...))
	case *planner.SortNode:
		return p.into(n, req.with(a.Columns(n.Exprs()...)...))
	case *planner.SliceNode:
		return p.into(n, req)
	case *planner.DistinctNode:
		if len(n.Subset) == 0 {
			return p.into(n, allColumns(n.Child))
		}
		return p.into(n, req.with(n.Subset...))
	case *planner.ProjectionNode:
		return p.pruneProjection(n, req)
	case *planner.WindowNode:
		return p.pruneWindow(n, req)
	case *planner.AggregateNode:
		return p.pruneAggregate(n, req)
	case *planner.HashJoinNode:
		return p.pruneJoin(n, req)
	case *planner.UnionNode:
		return p.pruneUnion(n, req)
	}
	return mapChildren(n, func(c planner.PlanNode) (planner.PlanNode, error) {
		return p.prune(c, allColumns(c))
	})
}

// into prunes the single child of n with childReq.
func (p projectionPushdown) into(n planner.PlanNode, childReq columnSet) (planner.PlanNode, error) {
	return mapChildren(n, func(c planner.PlanNode) (planner.PlanNode, error) {
		return p.prune(c, childReq)
	})
}

func (projectionPushdown) pruneScan(n *planner.ScanNode, req columnSet) (planner.PlanNode, error) {
	current := n.OutputSchema().Names()
	var cols []string
	for _, c := range current {
		if req[c] {
			cols = append(cols, c)
		}
	}
	// Something has to be read to count rows.
	if len(cols) == 0 {
		cols = current[:1]
	}
	if len(cols) == len(current) {
		return n, nil
	}
	return n.WithProjection(cols)
}

func (p projectionPushdown) pruneProjection(n *planner.ProjectionNode, req columnSet) (planner.PlanNode, error) {
	a := n.Arena()
	var kept []planner.ExprID
	for _, e := range n.Expressions {
		if req[a.OutputName(e)] {
			kept = append(kept, e)
		}
	}
	if !n.Extend {
		if len(kept) == 0 {
			kept = n.Expressions[:1]
		}
		child, err := p.prune(n.Child, setOf(a.Columns(kept...)...))
		if err != nil {
			return nil, err
		}
		return rebuildIfChanged(n, child, n.Expressions, kept)
	}

	childReq := make(columnSet)
	computed := setOf()
	for _, e := range kept {
		computed[a.OutputName(e)] = true
	}
	for c := range req {
		if !computed[c] {
			childReq[c] = true
		}
	}
	childReq = childReq.with(a.Columns(kept...)...)
	child, err := p.prune(n.Child, childReq)
	if err != nil {
		return nil, err
	}
	if len(kept) == 0 {
		return child, nil
	}
	return rebuildIfChanged(n, child, n.Expressions, kept)
}

func (p projectionPushdown) pruneWindow(n *planner.WindowNode, req columnSet) (planner.PlanNode, error) {
	a := n.Arena()
	var kept []planner.ExprID
	produced := setOf()
	for _, e := range n.Expressions {
		if req[a.OutputName(e)] {
			kept = append(kept, e)
			produced[a.OutputName(e)] = true
		}
	}
	childReq := make(columnSet)
	for c := range req {
		if !produced[c] {
			childReq[c] = true
		}
	}
	childReq = childReq.with(a.Columns(kept...)...)
	child, err := p.prune(n.Child, childReq)
	if err != nil {
		return nil, err
	}
	if len(kept) == 0 {
		return child, nil
	}
	return rebuildIfChanged(n, child, n.Expressions, kept)
}

// pruneAggregate drops unused aggregates but keeps every group key, since keys define the rows.
func (p projectionPushdown) pruneAggregate(n *planner.AggregateNode, req columnSet) (planner.PlanNode, error) {
	a := n.Arena()
	var kept []planner.ExprID
	for _, e := range n.Aggregates {
		if req[a.OutputName(e)] {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 && len(n.Aggregates) > 0 {
		kept = n.Aggregates[:1]
	}
	child, err := p.prune(n.Child, setOf(a.Columns(append(append([]planner.ExprID(nil), n.GroupBy...), kept...)...)...))
	if err != nil {
		return nil, err
	}
	if len(kept) == len(n.Aggregates) {
		if child == n.Child {
			return n, nil
		}
		return planner.WithChildren(n, child)
	}
	return n.Rebuild(a, []planner.PlanNode{child}, append(append([]planner.ExprID(nil), n.GroupBy...), kept...))
}

// pruneJoin splits the required columns by side. A left column whose name a surviving right
// column collides with is kept, so the right column's suffixed name does not change.
func (p projectionPushdown) pruneJoin(n *planner.HashJoinNode, req columnSet) (planner.PlanNode, error) {
	a := n.Arena()
	out := n.OutputSchema().Names()
	leftNames := n.Left.OutputSchema().Names()
	rightNames := n.Right.OutputSchema().Names()

	leftReq := setOf(a.Columns(n.LeftKeys...)...)
	rightReq := setOf(a.Columns(n.RightKeys...)...)
	for _, c := range leftNames {
		if req[c] {
			leftReq[c] = true
		}
	}
	for k, ri := range n.RightOutputColumns() {
		if req[out[len(leftNames)+k]] {
			rightReq[rightNames[ri]] = true
		}
	}
	for _, c := range leftNames {
		if rightReq[c] {
			leftReq[c] = true
		}
	}
	l, err := p.prune(n.Left, leftReq)
	if err != nil {
		return nil, err
	}
	r, err := p.prune(n.Right, rightReq)
	if err != nil {
		return nil, err
	}
	if l == n.Left && r == n.Right {
		return n, nil
	}
	return planner.WithChildren(n, l, r)
}

// pruneUnion prunes every input to the same columns, selecting them explicitly where an input
// ends up with a different column list.
func (p projectionPushdown) pruneUnion(n *planner.UnionNode, req columnSet) (planner.PlanNode, error) {
	a := n.Arena()
	var target []string
	for _, c := range n.OutputSchema().Names() {
		if req[c] {
			target = append(target, c)
		}
	}
	if len(target) == 0 {
		target = n.OutputSchema().Names()[:1]
	}
	return mapChildren(n, func(c planner.PlanNode) (planner.PlanNode, error) {
		pc, err := p.prune(c, setOf(target...))
		if err != nil {
			return nil, err
		}
		if equalNames(pc.OutputSchema().Names(), target) {
			return pc, nil
		}
		cols := make([]planner.ExprID, len(target))
		for i, name := range target {
			f, _ := pc.OutputSchema().Lookup(name)
			cols[i] = a.AddColumn(f)
		}
		return planner.NewProjectionNode(pc, cols, false)
	})
}

func equalNames(x, y []string) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// rebuildIfChanged rebuilds single-child n over child with exprs kept, or returns n when neither
// changed.
func rebuildIfChanged(n, child planner.PlanNode, all, kept []planner.ExprID) (planner.PlanNode, error) {
	if child == n.Children()[0] && len(kept) == len(all) {
		return n, nil
	}
	return n.Rebuild(n.Arena(), []planner.PlanNode{child}, kept)
}
