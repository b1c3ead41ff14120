package optimizer

import (
	"mit.edu/dsg/morseldb/planner"
)

// joinReorder puts the smaller estimated input of every inner join on the build side. Inner
// joins commute; a projection above a swapped join restores the original column order and names.
// Swapping changes the order rows come out in, so the pass does nothing when order is preserved.
type joinReorder struct {
	preserveOrder bool
}

func (joinReorder) Name() string {
	return "join_reorder"
}

func (j joinReorder) Apply(plan planner.PlanNode) (planner.PlanNode, error) {
	if j.preserveOrder {
		return plan, nil
	}
	return transformUp(plan, func(n planner.PlanNode) (planner.PlanNode, error) {
		join, ok := n.(*planner.HashJoinNode)
		if !ok || join.Type != planner.JoinInner {
			return n, nil
		}
		if EstimateRows(join.Right) <= EstimateRows(join.Left) {
			return n, nil
		}
		return j.swap(join)
	})
}

// swap rebuilds n with its inputs exchanged. n is kept when the swapped join cannot reproduce
// its schema exactly.
func (joinReorder) swap(n *planner.HashJoinNode) (planner.PlanNode, error) {
	a := n.Arena()
	for i, folded := range n.CoalescedKeys() {
		if folded && a.Node(n.LeftKeys[i]).Nullable != a.Node(n.RightKeys[i]).Nullable {
			return n, nil
		}
	}
	swapped, err := planner.NewHashJoinNode(n.Right, n.Left, n.RightKeys, n.LeftKeys, planner.JoinInner, n.Suffix)
	if err != nil {
		return n, nil
	}

	ls, rs := n.Left.OutputSchema(), n.Right.OutputSchema()
	out := swapped.OutputSchema().Fields()
	// Position in the swapped output of every left input column.
	leftAt := make(map[int]int, ls.Len())
	for k, li := range swapped.RightOutputColumns() {
		leftAt[li] = rs.Len() + k
	}
	for i, folded := range n.CoalescedKeys() {
		if !folded {
			continue
		}
		li, _ := ls.Index(a.Node(n.LeftKeys[i]).Name)
		ri, _ := rs.Index(a.Node(n.RightKeys[i]).Name)
		leftAt[li] = ri
	}

	orig := n.OutputSchema().Fields()
	cols := make([]planner.ExprID, len(orig))
	for i := range orig {
		var at int
		if i < ls.Len() {
			p, ok := leftAt[i]
			if !ok {
				return n, nil
			}
			at = p
		} else {
			at = n.RightOutputColumns()[i-ls.Len()]
		}
		f := out[at]
		if !f.Type.Equal(orig[i].Type) || f.Nullable != orig[i].Nullable {
			return n, nil
		}
		cols[i] = keepName(a, a.AddColumn(f), orig[i].Name)
	}
	return planner.NewProjectionNode(swapped, cols, false)
}
