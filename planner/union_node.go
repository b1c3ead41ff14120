package planner

import (
	"fmt"

	"mit.edu/dsg/morseldb/common"
)

// UnionNode concatenates its inputs, which must agree on column names and types. With order
// preservation the rows of input i come before those of input i+1.
type UnionNode struct {
	nodeBase
	Inputs []PlanNode
}

func NewUnionNode(inputs []PlanNode) (*UnionNode, error) {
	if len(inputs) == 0 {
		return nil, schemaErr("", "union needs at least one input")
	}
	n := &UnionNode{nodeBase: newBase(inputs[0].Arena()), Inputs: inputs}
	return n, n.derive()
}

func (n *UnionNode) derive() error {
	first := n.Inputs[0].OutputSchema()
	fields := append([]common.Field(nil), first.Fields()...)
	for _, in := range n.Inputs[1:] {
		s := in.OutputSchema()
		if s.Len() != first.Len() {
			return n.fail(n.Kind(), schemaErr("", "union inputs have %d and %d columns", first.Len(), s.Len()))
		}
		for i, f := range s.Fields() {
			if f.Name != fields[i].Name || !f.Type.Equal(fields[i].Type) {
				return n.fail(n.Kind(), schemaErr(f.Name, "union input column %d is %s, expected %s", i, f, fields[i]))
			}
			fields[i].Nullable = fields[i].Nullable || f.Nullable
		}
	}
	schema, err := common.NewSchema(fields...)
	if err != nil {
		return n.fail(n.Kind(), err)
	}
	n.schema = schema
	return nil
}

func (n *UnionNode) Kind() string {
	return "Union"
}

func (n *UnionNode) Children() []PlanNode {
	return n.Inputs
}

func (n *UnionNode) Exprs() []ExprID {
	return nil
}

func (n *UnionNode) Rebuild(a *Arena, children []PlanNode, _ []ExprID) (PlanNode, error) {
	cp := *n
	cp.arena, cp.Inputs = a, children
	return &cp, cp.derive()
}

func (n *UnionNode) String() string {
	return fmt.Sprintf("Union: %d inputs", len(n.Inputs))
}
