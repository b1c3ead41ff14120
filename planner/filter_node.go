package planner

import (
	"fmt"

	"mit.edu/dsg/morseldb/common"
)

// FilterNode filters rows from its child based on a predicate. Rows whose predicate is null are
// dropped.
type FilterNode struct {
	nodeBase
	Child     PlanNode
	Predicate ExprID
}

func NewFilterNode(child PlanNode, predicate ExprID) (*FilterNode, error) {
	n := &FilterNode{nodeBase: newBase(child.Arena()), Child: child, Predicate: predicate}
	return n, n.derive()
}

func (n *FilterNode) derive() error {
	schema := n.Child.OutputSchema()
	if err := validateRowExprs(n.arena, schema, "filter", n.Predicate); err != nil {
		return n.fail(n.Kind(), err)
	}
	if t := n.arena.Type(n.Predicate); t.ID != common.Boolean && !t.IsNull() {
		return n.fail(n.Kind(), schemaErr(n.arena.OutputName(n.Predicate), "filter predicate must be bool, got %s", t))
	}
	n.schema = schema
	return nil
}

func (n *FilterNode) Kind() string {
	return "Filter"
}

func (n *FilterNode) Children() []PlanNode {
	return []PlanNode{n.Child}
}

func (n *FilterNode) Exprs() []ExprID {
	return []ExprID{n.Predicate}
}

func (n *FilterNode) Rebuild(a *Arena, children []PlanNode, exprs []ExprID) (PlanNode, error) {
	cp := *n
	cp.arena, cp.Child, cp.Predicate = a, children[0], exprs[0]
	return &cp, cp.derive()
}

func (n *FilterNode) String() string {
	return fmt.Sprintf("Filter: %s", n.arena.String(n.Predicate))
}
