package planner

import (
	"sync/atomic"

	"mit.edu/dsg/morseldb/common"
)

// PlanNode represents the static structure of a query plan.
// It is immutable and contains schema information and the plan tree structure.
type PlanNode interface {
	// ID identifies the node in error messages and explain output. Rebuilt nodes keep it.
	ID() common.NodeID

	// Kind is the node type name, for example "Join".
	Kind() string

	// Arena holds the node's expressions.
	Arena() *Arena

	// OutputSchema returns the schema of the rows produced by this node.
	OutputSchema() *common.Schema

	// Children returns the child plan nodes.
	Children() []PlanNode

	// Exprs returns the expression roots of the node in a fixed order.
	Exprs() []ExprID

	// Rebuild returns a copy of the node over new children and expressions, in the shapes
	// returned by Children and Exprs, and re-derives the output schema.
	Rebuild(arena *Arena, children []PlanNode, exprs []ExprID) (PlanNode, error)

	// String returns a string representation of the plan node.
	String() string
}

// DataSource is the planner's view of a scan input.
type DataSource interface {
	Name() string
	Schema() *common.Schema
}

// RowEstimator is implemented by sources that know roughly how many rows they hold.
type RowEstimator interface {
	EstimatedRows() int64
}

// DataSink is the planner's view of a sink output.
type DataSink interface {
	Name() string
}

var nodeIDs atomic.Int32

type nodeBase struct {
	id     common.NodeID
	arena  *Arena
	schema *common.Schema
}

func newBase(a *Arena) nodeBase {
	return nodeBase{id: common.NodeID(nodeIDs.Add(1)), arena: a}
}

func (b *nodeBase) ID() common.NodeID {
	return b.id
}

func (b *nodeBase) Arena() *Arena {
	return b.arena
}

func (b *nodeBase) OutputSchema() *common.Schema {
	return b.schema
}

// fail attributes err to the node.
func (b *nodeBase) fail(kind string, err error) error {
	return common.Annotate(err, b.id, kind)
}

// WithChildren rebuilds n over new children, keeping its expressions.
func WithChildren(n PlanNode, children ...PlanNode) (PlanNode, error) {
	return n.Rebuild(n.Arena(), children, n.Exprs())
}

// WithExprs rebuilds n with new expressions, keeping its children.
func WithExprs(n PlanNode, exprs []ExprID) (PlanNode, error) {
	return n.Rebuild(n.Arena(), n.Children(), exprs)
}

// Walk visits the plan in pre-order.
func Walk(n PlanNode, fn func(PlanNode) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.Children() {
		Walk(c, fn)
	}
}

// Rebase moves a plan onto another arena, importing every expression. Node identities are kept.
func Rebase(n PlanNode, a *Arena) (PlanNode, error) {
	if n.Arena() == a {
		return n, nil
	}
	children := make([]PlanNode, len(n.Children()))
	for i, c := range n.Children() {
		rc, err := Rebase(c, a)
		if err != nil {
			return nil, err
		}
		children[i] = rc
	}
	exprs := make([]ExprID, len(n.Exprs()))
	for i, e := range n.Exprs() {
		ie, err := a.Import(n.Arena(), e)
		if err != nil {
			return nil, err
		}
		exprs[i] = ie
	}
	return n.Rebuild(a, children, exprs)
}

// validateRowExprs checks that expressions evaluate row by row against the child schema.
func validateRowExprs(a *Arena, schema *common.Schema, what string, ids ...ExprID) error {
	for _, id := range ids {
		n := a.Node(id)
		if n.HasAggregate() {
			return schemaErr(a.OutputName(id), "aggregate in %s; aggregates are only allowed in group_by().agg()", what)
		}
		if n.HasWindow() {
			return schemaErr(a.OutputName(id), "window function in %s", what)
		}
		if err := checkColumns(a, schema, id); err != nil {
			return err
		}
	}
	return nil
}

// checkColumns verifies that every column the expression references exists in schema with the
// type it was resolved with.
func checkColumns(a *Arena, schema *common.Schema, id ExprID) error {
	var err error
	a.Walk(id, func(_ ExprID, n ExprNode) bool {
		if err != nil || n.Kind != ColumnRef {
			return err == nil
		}
		f, ok := schema.Lookup(n.Name)
		switch {
		case !ok:
			err = schemaErr(n.Name, "column %q not found", n.Name)
		case !f.Type.Equal(n.Type):
			err = schemaErr(n.Name, "column %q is %s, expression expects %s", n.Name, f.Type, n.Type)
		}
		return err == nil
	})
	return err
}

// fieldsOf returns the output fields of the expressions, failing on duplicate names.
func fieldsOf(a *Arena, ids []ExprID) ([]common.Field, error) {
	fields := make([]common.Field, len(ids))
	seen := make(map[string]bool, len(ids))
	for i, id := range ids {
		f := a.Field(id)
		if seen[f.Name] {
			return nil, schemaErr(f.Name, "duplicate output column %q; use Alias to rename", f.Name)
		}
		seen[f.Name] = true
		fields[i] = f
	}
	return fields, nil
}

// extendFields appends fields to base, replacing existing columns of the same name in place.
func extendFields(base []common.Field, extra []common.Field) []common.Field {
	out := append([]common.Field(nil), base...)
	for _, f := range extra {
		replaced := false
		for i := range out {
			if out[i].Name == f.Name {
				out[i] = f
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, f)
		}
	}
	return out
}
