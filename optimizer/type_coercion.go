package optimizer

import (
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/compute"
	"mit.edu/dsg/morseldb/planner"
)

// typeCoercion makes implicit operand conversions explicit. Operands of binary operators,
// conditional branches and function arguments are cast to the type the typing rules coerce them
// to: literals are converted in place, other operands get a cast node. Only conversions that
// cannot fail or lose values are made explicit, so the rewritten expression keeps its type and
// nullability. Join keys are left alone; the join compares them in their common type.
type typeCoercion struct{}

func (typeCoercion) Name() string {
	return "type_coercion"
}

func (t typeCoercion) Apply(plan planner.PlanNode) (planner.PlanNode, error) {
	return transformUp(plan, func(n planner.PlanNode) (planner.PlanNode, error) {
		if _, ok := n.(*planner.HashJoinNode); ok {
			return n, nil
		}
		a := n.Arena()
		return mapExprs(n, func(id planner.ExprID) (planner.ExprID, error) {
			return a.TransformUp(id, func(id planner.ExprID) (planner.ExprID, error) {
				return t.coerceNode(a, id)
			})
		})
	})
}

// coerceNode rewrites the direct operands of id.
func (t typeCoercion) coerceNode(a *planner.Arena, id planner.ExprID) (planner.ExprID, error) {
	n := a.Node(id)
	var want []common.DataType
	switch n.Kind {
	case planner.BinaryOp:
		lt, rt := a.BinaryOperandTypes(id)
		want = []common.DataType{lt, rt}
	case planner.Ternary:
		tt := a.TernaryType(id)
		want = []common.DataType{a.Type(n.Children[0]), tt, tt}
	case planner.FunctionCall:
		want = planner.FunctionArgTypes(a, id)
	}
	if len(want) != len(n.Children) {
		return id, nil
	}
	children := make([]planner.ExprID, len(n.Children))
	changed := false
	for i, c := range n.Children {
		children[i] = t.coerce(a, c, want[i])
		changed = changed || children[i] != c
	}
	if !changed {
		return id, nil
	}
	out, err := a.WithChildren(id, children)
	if err != nil {
		return planner.NoExpr, err
	}
	// Keep the original when the explicit form would type differently.
	if on := a.Node(out); !on.Type.Equal(n.Type) || on.Nullable != n.Nullable {
		return id, nil
	}
	return out, nil
}

// coerce returns c converted to to, or c itself when the conversion is not safe to spell out.
func (typeCoercion) coerce(a *planner.Arena, c planner.ExprID, to common.DataType) planner.ExprID {
	n := a.Node(c)
	from := n.Type
	if from.Equal(to) || from.IsNull() {
		return c
	}
	if n.Kind == planner.Literal {
		if v, ok := compute.CastValue(n.Value, to); ok && v.IsNull() == n.Value.IsNull() {
			return a.AddLiteral(v)
		}
		return c
	}
	var (
		out planner.ExprID
		err error
	)
	switch {
	case planner.IsLosslessCast(from, to):
		out, err = a.AddCast(c, to, false)
	case to.IsFloat() && (from.IsNumeric() || from.ID == common.Boolean) && from.ID != common.Decimal:
		// Every integer and float has a float image, so a strict cast never fails.
		out, err = a.AddCast(c, to, true)
	default:
		return c
	}
	if err != nil {
		return c
	}
	return out
}
