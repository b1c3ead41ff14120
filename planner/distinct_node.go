package planner

import (
	"fmt"
	"strings"
)

// KeepStrategy picks which row of a duplicate group Distinct keeps.
type KeepStrategy int

const (
	// KeepAny keeps an arbitrary row of each group.
	KeepAny KeepStrategy = iota
	// KeepFirst keeps the first row of each group in input order.
	KeepFirst
	// KeepLast keeps the last row of each group in input order.
	KeepLast
	// KeepNone drops every group that has more than one row.
	KeepNone
)

func (k KeepStrategy) String() string {
	switch k {
	case KeepAny:
		return "any"
	case KeepFirst:
		return "first"
	case KeepLast:
		return "last"
	case KeepNone:
		return "none"
	}
	return "?"
}

// DistinctNode removes duplicate rows, comparing the Subset columns (all columns when empty).
// Nulls compare equal to each other.
type DistinctNode struct {
	nodeBase
	Child  PlanNode
	Subset []string
	Keep   KeepStrategy
}

func NewDistinctNode(child PlanNode, subset []string, keep KeepStrategy) (*DistinctNode, error) {
	n := &DistinctNode{nodeBase: newBase(child.Arena()), Child: child, Subset: subset, Keep: keep}
	return n, n.derive()
}

func (n *DistinctNode) derive() error {
	in := n.Child.OutputSchema()
	for _, c := range n.Subset {
		if _, ok := in.Lookup(c); !ok {
			return n.fail(n.Kind(), schemaErr(c, "column %q not found", c))
		}
	}
	n.schema = in
	return nil
}

// KeyColumns returns the columns that define a duplicate.
func (n *DistinctNode) KeyColumns() []string {
	if len(n.Subset) == 0 {
		return n.schema.Names()
	}
	return n.Subset
}

func (n *DistinctNode) Kind() string {
	return "Distinct"
}

func (n *DistinctNode) Children() []PlanNode {
	return []PlanNode{n.Child}
}

func (n *DistinctNode) Exprs() []ExprID {
	return nil
}

func (n *DistinctNode) Rebuild(a *Arena, children []PlanNode, _ []ExprID) (PlanNode, error) {
	cp := *n
	cp.arena, cp.Child = a, children[0]
	return &cp, cp.derive()
}

func (n *DistinctNode) String() string {
	if len(n.Subset) == 0 {
		return fmt.Sprintf("Distinct: keep=%s", n.Keep)
	}
	return fmt.Sprintf("Distinct: keep=%s subset=[%s]", n.Keep, strings.Join(n.Subset, ", "))
}
