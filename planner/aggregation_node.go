package planner

import (
	"fmt"
	"strings"

	"mit.edu/dsg/morseldb/common"
)

// AggregateNode represents a group-by and aggregation operation. Every entry of Aggregates is an
// aggregate expression, optionally aliased. Without group keys it produces exactly one row.
type AggregateNode struct {
	nodeBase
	Child      PlanNode
	GroupBy    []ExprID
	Aggregates []ExprID
}

func NewAggregateNode(child PlanNode, groupBy, aggregates []ExprID) (*AggregateNode, error) {
	n := &AggregateNode{nodeBase: newBase(child.Arena()), Child: child, GroupBy: groupBy, Aggregates: aggregates}
	return n, n.derive()
}

func (n *AggregateNode) derive() error {
	a := n.arena
	in := n.Child.OutputSchema()
	if err := validateRowExprs(a, in, "group keys", n.GroupBy...); err != nil {
		return n.fail(n.Kind(), err)
	}
	for _, id := range n.Aggregates {
		inner := a.Node(a.StripAlias(id))
		if inner.Kind != Aggregate {
			return n.fail(n.Kind(), schemaErr(a.OutputName(id),
				"%s is not an aggregate; agg() expressions must aggregate or be group keys", a.String(id)))
		}
		if inner.HasWindow() {
			return n.fail(n.Kind(), schemaErr(a.OutputName(id), "window function inside an aggregate"))
		}
		if err := checkColumns(a, in, id); err != nil {
			return n.fail(n.Kind(), err)
		}
	}
	for _, id := range n.GroupBy {
		if t := a.Type(id); t.IsNested() && t.ID != common.List {
			return n.fail(n.Kind(), schemaErr(a.OutputName(id), "cannot group by %s", t))
		}
	}
	fields, err := fieldsOf(a, append(append([]ExprID(nil), n.GroupBy...), n.Aggregates...))
	if err != nil {
		return n.fail(n.Kind(), err)
	}
	schema, err := common.NewSchema(fields...)
	if err != nil {
		return n.fail(n.Kind(), err)
	}
	n.schema = schema
	return nil
}

func (n *AggregateNode) Kind() string {
	return "Aggregate"
}

func (n *AggregateNode) Children() []PlanNode {
	return []PlanNode{n.Child}
}

func (n *AggregateNode) Exprs() []ExprID {
	return append(append([]ExprID(nil), n.GroupBy...), n.Aggregates...)
}

func (n *AggregateNode) Rebuild(a *Arena, children []PlanNode, exprs []ExprID) (PlanNode, error) {
	cp := *n
	k := len(n.GroupBy)
	cp.arena, cp.Child = a, children[0]
	cp.GroupBy, cp.Aggregates = exprs[:k:k], exprs[k:]
	return &cp, cp.derive()
}

func (n *AggregateNode) String() string {
	keys := make([]string, len(n.GroupBy))
	for i, e := range n.GroupBy {
		keys[i] = n.arena.String(e)
	}
	aggs := make([]string, len(n.Aggregates))
	for i, e := range n.Aggregates {
		aggs[i] = n.arena.String(e)
	}
	return fmt.Sprintf("Aggregate: GroupBy[%s] Agg[%s]", strings.Join(keys, ", "), strings.Join(aggs, ", "))
}
