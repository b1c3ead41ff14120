package optimizer

import (
	"mit.edu/dsg/morseldb/planner"
)

const (
	// DefaultSourceRows is assumed for sources that cannot estimate their size.
	DefaultSourceRows = 1000

	conjunctSelectivity = 0.25
	equalitySelectivity = 0.1
	groupingFactor      = 0.5
	semiJoinFactor      = 0.5
)

// EstimateRows guesses the number of rows plan produces. The numbers only steer join ordering;
// no result depends on them.
func EstimateRows(plan planner.PlanNode) float64 {
	switch n := plan.(type) {
	case *planner.ScanNode:
		rows := float64(DefaultSourceRows)
		if est, ok := n.Source.(planner.RowEstimator); ok {
			rows = float64(est.EstimatedRows())
		}
		if n.Predicate != planner.NoExpr {
			rows *= selectivity(n.Arena(), n.Predicate)
		}
		return limited(rows, n.Limit)
	case *planner.FilterNode:
		return EstimateRows(n.Child) * selectivity(n.Arena(), n.Predicate)
	case *planner.AggregateNode:
		if len(n.GroupBy) == 0 {
			return 1
		}
		return EstimateRows(n.Child) * groupingFactor
	case *planner.DistinctNode:
		return EstimateRows(n.Child) * groupingFactor
	case *planner.HashJoinNode:
		l, r := EstimateRows(n.Left), EstimateRows(n.Right)
		switch n.Type {
		case planner.JoinSemi, planner.JoinAnti:
			return l * semiJoinFactor
		case planner.JoinFull:
			return l + r
		}
		return max(l, r)
	case *planner.SliceNode:
		rows := EstimateRows(n.Child)
		if n.Offset >= 0 {
			rows = max(rows-float64(n.Offset), 0)
		}
		return limited(rows, n.Length)
	case *planner.SortNode:
		return limited(EstimateRows(n.Child), n.Limit)
	case *planner.UnionNode:
		var rows float64
		for _, in := range n.Inputs {
			rows += EstimateRows(in)
		}
		return rows
	}
	children := plan.Children()
	if len(children) == 0 {
		return DefaultSourceRows
	}
	return EstimateRows(children[0])
}

func limited(rows float64, limit int64) float64 {
	if limit == planner.NoLimit {
		return rows
	}
	return min(rows, float64(limit))
}

// selectivity is the estimated fraction of rows pred keeps, treating conjuncts as independent.
func selectivity(a *planner.Arena, pred planner.ExprID) float64 {
	sel := 1.0
	for _, c := range a.SplitConjuncts(pred) {
		n := a.Node(c)
		if n.Kind == planner.BinaryOp && n.Op == planner.OpEq {
			sel *= equalitySelectivity
		} else {
			sel *= conjunctSelectivity
		}
	}
	return sel
}
