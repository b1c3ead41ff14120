package optimizer

import (
	"mit.edu/dsg/morseldb/planner"
)

// predicatePushdown moves filter conjuncts toward the scans. Conjuncts are carried down the tree
// and dropped into a node below whenever that node cannot change whether they hold; whatever
// cannot move further is applied by a filter at the deepest legal point. A scan without a limit
// absorbs the conjuncts that reach it as its predicate.
//
// A conjunct that can raise an error must only see the rows it saw before the rewrite. It moves
// through nodes that keep every row but stays above filters, joins and anything else that drops
// rows, and is never merged into a lower predicate.
type predicatePushdown struct{}

func (predicatePushdown) Name() string {
	return "predicate_pushdown"
}

func (p predicatePushdown) Apply(plan planner.PlanNode) (planner.PlanNode, error) {
	return p.push(plan, nil)
}

// push returns n with the conjuncts preds, written against n's output, applied on top.
func (p predicatePushdown) push(n planner.PlanNode, preds []planner.ExprID) (planner.PlanNode, error) {
	a := n.Arena()
	switch n := n.(type) {
	case *planner.FilterNode:
		safe, held := splitFallible(a, preds)
		child, err := p.push(n.Child, append(safe, a.SplitConjuncts(n.Predicate)...))
		if err != nil {
			return nil, err
		}
		return filterOver(child, held)
	case *planner.ScanNode:
		return p.pushScan(n, preds)
	case *planner.ProjectionNode:
		return p.pushProjection(n, preds)
	case *planner.SortNode:
		if n.Limit != planner.NoLimit {
			return p.stop(n, preds)
		}
		return p.through(n, preds)
	case *planner.HashJoinNode:
		return p.pushJoin(n, preds)
	case *planner.AggregateNode:
		return p.pushAggregate(n, preds)
	case *planner.WindowNode:
		return p.pushWindow(n, preds)
	case *planner.DistinctNode:
		keys := make(map[string]bool)
		for _, k := range n.KeyColumns() {
			keys[k] = true
		}
		var held []planner.ExprID
		if n.Keep == planner.KeepNone {
			preds, held = splitFallible(a, preds)
		}
		down, keep := p.split(a, preds, func(cols []string) bool { return subset(cols, keys) })
		child, err := p.push(n.Child, down)
		if err != nil {
			return nil, err
		}
		return p.wrap(n, child, append(keep, held...))
	case *planner.UnionNode:
		return p.pushUnion(n, preds)
	}
	return p.stop(n, preds)
}

// split partitions preds by whether ok holds for the columns they read. Constant conjuncts never
// move.
func (predicatePushdown) split(a *planner.Arena, preds []planner.ExprID, ok func(cols []string) bool) (down, keep []planner.ExprID) {
	for _, pred := range preds {
		cols := a.Columns(pred)
		if len(cols) > 0 && ok(cols) {
			down = append(down, pred)
		} else {
			keep = append(keep, pred)
		}
	}
	return down, keep
}

// splitFallible separates the conjuncts that can raise an error from the rest.
func splitFallible(a *planner.Arena, preds []planner.ExprID) (safe, fallible []planner.ExprID) {
	for _, pred := range preds {
		if a.CanFail(pred) {
			fallible = append(fallible, pred)
		} else {
			safe = append(safe, pred)
		}
	}
	return safe, fallible
}

// stop optimizes n's children on their own and applies preds above n.
func (p predicatePushdown) stop(n planner.PlanNode, preds []planner.ExprID) (planner.PlanNode, error) {
	rebuilt, err := mapChildren(n, func(c planner.PlanNode) (planner.PlanNode, error) {
		return p.push(c, nil)
	})
	if err != nil {
		return nil, err
	}
	return filterOver(rebuilt, preds)
}

// through pushes every conjunct into n's single child.
func (p predicatePushdown) through(n planner.PlanNode, preds []planner.ExprID) (planner.PlanNode, error) {
	child, err := p.push(n.Children()[0], preds)
	if err != nil {
		return nil, err
	}
	return p.wrap(n, child, nil)
}

// wrap rebuilds single-child n over child and applies keep above it.
func (predicatePushdown) wrap(n, child planner.PlanNode, keep []planner.ExprID) (planner.PlanNode, error) {
	var err error
	if child != n.Children()[0] {
		if n, err = planner.WithChildren(n, child); err != nil {
			return nil, err
		}
	}
	return filterOver(n, keep)
}

func filterOver(n planner.PlanNode, preds []planner.ExprID) (planner.PlanNode, error) {
	if len(preds) == 0 {
		return n, nil
	}
	pred, err := n.Arena().Conjoin(preds)
	if err != nil {
		return nil, err
	}
	return planner.NewFilterNode(n, pred)
}

func (p predicatePushdown) pushScan(n *planner.ScanNode, preds []planner.ExprID) (planner.PlanNode, error) {
	if len(preds) == 0 {
		return n, nil
	}
	// The limit counts rows after the predicate, so a limited scan cannot take more conjuncts.
	if n.Limit != planner.NoLimit {
		return filterOver(n, preds)
	}
	a := n.Arena()
	all, held := preds, []planner.ExprID(nil)
	if n.Predicate != planner.NoExpr {
		var safe []planner.ExprID
		safe, held = splitFallible(a, preds)
		if len(safe) == 0 {
			return filterOver(n, held)
		}
		all = append(a.SplitConjuncts(n.Predicate), safe...)
	}
	pred, err := a.Conjoin(all)
	if err != nil {
		return nil, err
	}
	scan, err := n.WithPredicate(pred)
	if err != nil {
		return nil, err
	}
	return filterOver(scan, held)
}

// pushProjection rewrites conjuncts in terms of the projection's input by substituting the
// computed expressions for the columns they produce.
func (p predicatePushdown) pushProjection(n *planner.ProjectionNode, preds []planner.ExprID) (planner.PlanNode, error) {
	a := n.Arena()
	repl := make(map[string]planner.ExprID, len(n.Expressions))
	for _, e := range n.Expressions {
		repl[a.OutputName(e)] = e
	}
	avail := make(map[string]bool)
	for _, f := range n.OutputSchema().Fields() {
		if _, ok := repl[f.Name]; ok || n.Extend {
			avail[f.Name] = true
		}
	}
	pushable, keep := p.split(a, preds, func(cols []string) bool { return subset(cols, avail) })
	down := make([]planner.ExprID, 0, len(pushable))
	for _, pred := range pushable {
		sub, err := a.Substitute(pred, repl)
		if err != nil {
			return nil, err
		}
		down = append(down, sub)
	}
	child, err := p.push(n.Child, down)
	if err != nil {
		return nil, err
	}
	return p.wrap(n, child, keep)
}

// pushJoin sends conjuncts that read one side only into that side, where the join type allows
// it: filtering the preserved side of an outer join is fine, filtering the null-extended side
// is not.
func (p predicatePushdown) pushJoin(n *planner.HashJoinNode, preds []planner.ExprID) (planner.PlanNode, error) {
	a := n.Arena()
	out := n.OutputSchema().Fields()
	leftLen := n.Left.OutputSchema().Len()
	rightFields := n.Right.OutputSchema().Fields()

	leftCols := make(map[string]bool, leftLen)
	for _, f := range out[:min(leftLen, len(out))] {
		leftCols[f.Name] = true
	}
	// Output name of a right column mapped to the right input column.
	rightCols := make(map[string]planner.ExprID)
	for k, ri := range n.RightOutputColumns() {
		rightCols[out[leftLen+k].Name] = a.AddColumn(rightFields[ri])
	}

	toLeft := n.Type == planner.JoinInner || n.Type == planner.JoinLeft || n.Type == planner.JoinSemi || n.Type == planner.JoinAnti
	toRight := n.Type == planner.JoinInner || n.Type == planner.JoinRight

	// A join drops unmatched rows on some side, so fallible conjuncts stay above it.
	preds, keep := splitFallible(a, preds)
	var left, right []planner.ExprID
	for _, pred := range preds {
		cols := a.Columns(pred)
		switch {
		case len(cols) == 0:
			keep = append(keep, pred)
		case toLeft && subset(cols, leftCols):
			left = append(left, pred)
		case toRight && subset(cols, rightCols):
			sub, err := a.Substitute(pred, rightCols)
			if err != nil {
				return nil, err
			}
			right = append(right, sub)
		default:
			keep = append(keep, pred)
		}
	}
	l, err := p.push(n.Left, left)
	if err != nil {
		return nil, err
	}
	r, err := p.push(n.Right, right)
	if err != nil {
		return nil, err
	}
	var rebuilt planner.PlanNode = n
	if l != n.Left || r != n.Right {
		if rebuilt, err = planner.WithChildren(n, l, r); err != nil {
			return nil, err
		}
	}
	return filterOver(rebuilt, keep)
}

// pushAggregate moves conjuncts on group keys below the aggregation: a group passes exactly when
// all of its rows do. A global aggregate always yields one row, so nothing crosses it.
func (p predicatePushdown) pushAggregate(n *planner.AggregateNode, preds []planner.ExprID) (planner.PlanNode, error) {
	if len(n.GroupBy) == 0 {
		return p.stop(n, preds)
	}
	a := n.Arena()
	repl := make(map[string]planner.ExprID, len(n.GroupBy))
	for _, g := range n.GroupBy {
		repl[a.OutputName(g)] = g
	}
	pushable, keep := p.split(a, preds, func(cols []string) bool { return subset(cols, repl) })
	down := make([]planner.ExprID, 0, len(pushable))
	for _, pred := range pushable {
		sub, err := a.Substitute(pred, repl)
		if err != nil {
			return nil, err
		}
		down = append(down, sub)
	}
	child, err := p.push(n.Child, down)
	if err != nil {
		return nil, err
	}
	return p.wrap(n, child, keep)
}

// pushWindow moves conjuncts that only read columns partitioning every window function: removing
// whole partitions does not change the values computed for the others.
func (p predicatePushdown) pushWindow(n *planner.WindowNode, preds []planner.ExprID) (planner.PlanNode, error) {
	a := n.Arena()
	var shared map[string]bool
	produced := make(map[string]bool)
	for _, e := range n.Expressions {
		produced[a.OutputName(e)] = true
		keys := make(map[string]bool)
		for _, pb := range a.Node(a.StripAlias(e)).PartitionBy {
			if pn := a.Node(pb); pn.Kind == planner.ColumnRef {
				keys[pn.Name] = true
			}
		}
		if shared == nil {
			shared = keys
			continue
		}
		for k := range shared {
			if !keys[k] {
				delete(shared, k)
			}
		}
	}
	for k := range produced {
		delete(shared, k)
	}
	down, keep := p.split(a, preds, func(cols []string) bool { return subset(cols, shared) })
	child, err := p.push(n.Child, down)
	if err != nil {
		return nil, err
	}
	return p.wrap(n, child, keep)
}

// pushUnion applies every conjunct to every input, re-resolving column references against each
// input's own schema.
func (p predicatePushdown) pushUnion(n *planner.UnionNode, preds []planner.ExprID) (planner.PlanNode, error) {
	a := n.Arena()
	down, keep := p.split(a, preds, func([]string) bool { return true })
	return mapChildrenThen(n, keep, func(c planner.PlanNode) (planner.PlanNode, error) {
		bound := make([]planner.ExprID, len(down))
		for i, pred := range down {
			b, err := a.Rebind(pred, c.OutputSchema())
			if err != nil {
				return nil, err
			}
			bound[i] = b
		}
		return p.push(c, bound)
	})
}

func mapChildrenThen(n planner.PlanNode, keep []planner.ExprID, fn func(planner.PlanNode) (planner.PlanNode, error)) (planner.PlanNode, error) {
	rebuilt, err := mapChildren(n, fn)
	if err != nil {
		return nil, err
	}
	return filterOver(rebuilt, keep)
}
