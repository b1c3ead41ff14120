package planner

import (
	"fmt"
	"strings"

	"mit.edu/dsg/morseldb/common"
)

// WindowNode appends window function columns to its child's rows. Every expression is a window
// function, optionally aliased; a column of the same name is replaced in place.
type WindowNode struct {
	nodeBase
	Child       PlanNode
	Expressions []ExprID
}

func NewWindowNode(child PlanNode, exprs []ExprID) (*WindowNode, error) {
	n := &WindowNode{nodeBase: newBase(child.Arena()), Child: child, Expressions: exprs}
	return n, n.derive()
}

func (n *WindowNode) derive() error {
	a := n.arena
	in := n.Child.OutputSchema()
	if len(n.Expressions) == 0 {
		return n.fail(n.Kind(), schemaErr("", "window node without expressions"))
	}
	for _, id := range n.Expressions {
		if a.Node(a.StripAlias(id)).Kind != WindowFn {
			return n.fail(n.Kind(), schemaErr(a.OutputName(id), "%s is not a window function", a.String(id)))
		}
		if err := checkColumns(a, in, id); err != nil {
			return n.fail(n.Kind(), err)
		}
	}
	fields, err := fieldsOf(a, n.Expressions)
	if err != nil {
		return n.fail(n.Kind(), err)
	}
	schema, err := common.NewSchema(extendFields(in.Fields(), fields)...)
	if err != nil {
		return n.fail(n.Kind(), err)
	}
	n.schema = schema
	return nil
}

func (n *WindowNode) Kind() string {
	return "Window"
}

func (n *WindowNode) Children() []PlanNode {
	return []PlanNode{n.Child}
}

func (n *WindowNode) Exprs() []ExprID {
	return n.Expressions
}

func (n *WindowNode) Rebuild(a *Arena, children []PlanNode, exprs []ExprID) (PlanNode, error) {
	cp := *n
	cp.arena, cp.Child, cp.Expressions = a, children[0], exprs
	return &cp, cp.derive()
}

func (n *WindowNode) String() string {
	parts := make([]string, len(n.Expressions))
	for i, e := range n.Expressions {
		parts[i] = n.arena.String(e)
	}
	return fmt.Sprintf("Window: [%s]", strings.Join(parts, ", "))
}
