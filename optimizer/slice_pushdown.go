package optimizer

import (
	"mit.edu/dsg/morseldb/planner"
)

// slicePushdown propagates a bounded prefix (a slice with a non-negative offset and a length)
// toward the scans. The bound passes through row-preserving nodes (projections, unions and
// nested slices), becomes the limit of a sort (a top-k) and of a scan, and stops at anything
// that filters, groups or joins rows. The original slice stays in place; only a slice reading
// exactly the first rows of a limited sort is dropped.
type slicePushdown struct{}

func (slicePushdown) Name() string {
	return "slice_pushdown"
}

func (s slicePushdown) Apply(plan planner.PlanNode) (planner.PlanNode, error) {
	return transformUp(plan, func(n planner.PlanNode) (planner.PlanNode, error) {
		sl, ok := n.(*planner.SliceNode)
		if !ok || sl.Offset < 0 || sl.Length == planner.NoLimit {
			return n, nil
		}
		limit := sl.Offset + sl.Length
		child, err := s.limit(sl.Child, limit)
		if err != nil {
			return nil, err
		}
		if _, ok := child.(*planner.SortNode); ok && sl.Offset == 0 && bounded(child, sl.Length) {
			return child, nil
		}
		if child == sl.Child {
			return n, nil
		}
		return planner.WithChildren(n, child)
	})
}

// limit returns n rewritten so that producing its first limit rows is all that is needed.
func (s slicePushdown) limit(n planner.PlanNode, limit int64) (planner.PlanNode, error) {
	switch n := n.(type) {
	case *planner.SortNode:
		if n.Limit != planner.NoLimit && n.Limit <= limit {
			return n, nil
		}
		return n.WithLimit(limit), nil
	case *planner.ScanNode:
		if n.Limit != planner.NoLimit && n.Limit <= limit {
			return n, nil
		}
		return n.WithLimit(limit), nil
	case *planner.ProjectionNode:
		return mapChildren(n, func(c planner.PlanNode) (planner.PlanNode, error) {
			return s.limit(c, limit)
		})
	case *planner.SliceNode:
		if n.Offset < 0 {
			return n, nil
		}
		inner := limit
		if n.Length != planner.NoLimit {
			inner = min(inner, n.Length)
		}
		return mapChildren(n, func(c planner.PlanNode) (planner.PlanNode, error) {
			return s.limit(c, n.Offset+inner)
		})
	case *planner.UnionNode:
		return mapChildren(n, func(c planner.PlanNode) (planner.PlanNode, error) {
			pushed, err := s.limit(c, limit)
			if err != nil || bounded(pushed, limit) {
				return pushed, err
			}
			return planner.NewSliceNode(pushed, 0, limit)
		})
	}
	return n, nil
}

// bounded reports whether n already yields at most limit rows.
func bounded(n planner.PlanNode, limit int64) bool {
	switch n := n.(type) {
	case *planner.SliceNode:
		return n.Offset >= 0 && n.Length != planner.NoLimit && n.Length <= limit
	case *planner.SortNode:
		return n.Limit != planner.NoLimit && n.Limit <= limit
	}
	return false
}
