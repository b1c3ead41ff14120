package planner

import (
	"fmt"
	"strings"

	"mit.edu/dsg/morseldb/common"
)

// ProjectionNode computes expressions over its child. With Extend set the expressions are added to
// the child's columns (replacing same-named ones) instead of replacing the row.
type ProjectionNode struct {
	nodeBase
	Child       PlanNode
	Expressions []ExprID
	Extend      bool
}

func NewProjectionNode(child PlanNode, exprs []ExprID, extend bool) (*ProjectionNode, error) {
	n := &ProjectionNode{nodeBase: newBase(child.Arena()), Child: child, Expressions: exprs, Extend: extend}
	return n, n.derive()
}

func (n *ProjectionNode) derive() error {
	in := n.Child.OutputSchema()
	if len(n.Expressions) == 0 && !n.Extend {
		return n.fail(n.Kind(), schemaErr("", "select needs at least one expression"))
	}
	if err := validateRowExprs(n.arena, in, "select", n.Expressions...); err != nil {
		return n.fail(n.Kind(), err)
	}
	fields, err := fieldsOf(n.arena, n.Expressions)
	if err != nil {
		return n.fail(n.Kind(), err)
	}
	if n.Extend {
		fields = extendFields(in.Fields(), fields)
	}
	schema, err := common.NewSchema(fields...)
	if err != nil {
		return n.fail(n.Kind(), err)
	}
	n.schema = schema
	return nil
}

// IsPassthrough reports whether the projection only selects or reorders existing columns.
func (n *ProjectionNode) IsPassthrough() bool {
	for _, e := range n.Expressions {
		if n.arena.Node(e).Kind != ColumnRef {
			return false
		}
	}
	return true
}

func (n *ProjectionNode) Kind() string {
	if n.Extend {
		return "WithColumns"
	}
	return "Projection"
}

func (n *ProjectionNode) Children() []PlanNode {
	return []PlanNode{n.Child}
}

func (n *ProjectionNode) Exprs() []ExprID {
	return n.Expressions
}

func (n *ProjectionNode) Rebuild(a *Arena, children []PlanNode, exprs []ExprID) (PlanNode, error) {
	cp := *n
	cp.arena, cp.Child, cp.Expressions = a, children[0], exprs
	return &cp, cp.derive()
}

func (n *ProjectionNode) String() string {
	parts := make([]string, len(n.Expressions))
	for i, e := range n.Expressions {
		parts[i] = n.arena.String(e)
	}
	return fmt.Sprintf("%s: [%s]", n.Kind(), strings.Join(parts, ", "))
}
