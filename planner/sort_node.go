package planner

import (
	"fmt"
	"strings"
)

// SortNode sorts the input rows. The sort is stable: rows with equal keys keep their input order.
// A Limit other than NoLimit keeps only the first Limit rows (a fused top-k).
type SortNode struct {
	nodeBase
	Child   PlanNode
	OrderBy []SortKey
	Limit   int64
}

func NewSortNode(child PlanNode, orderBy []SortKey) (*SortNode, error) {
	n := &SortNode{nodeBase: newBase(child.Arena()), Child: child, OrderBy: orderBy, Limit: NoLimit}
	return n, n.derive()
}

func (n *SortNode) derive() error {
	in := n.Child.OutputSchema()
	if len(n.OrderBy) == 0 {
		return n.fail(n.Kind(), schemaErr("", "sort needs at least one key"))
	}
	for _, k := range n.OrderBy {
		if err := validateRowExprs(n.arena, in, "sort keys", k.Expr); err != nil {
			return n.fail(n.Kind(), err)
		}
		if t := n.arena.Type(k.Expr); !t.IsOrderable() {
			return n.fail(n.Kind(), schemaErr(n.arena.OutputName(k.Expr), "cannot sort by %s", t))
		}
	}
	n.schema = in
	return nil
}

// WithLimit returns a copy keeping only the first limit rows.
func (n *SortNode) WithLimit(limit int64) *SortNode {
	cp := *n
	cp.Limit = limit
	return &cp
}

func (n *SortNode) Kind() string {
	return "Sort"
}

func (n *SortNode) Children() []PlanNode {
	return []PlanNode{n.Child}
}

func (n *SortNode) Exprs() []ExprID {
	ids := make([]ExprID, len(n.OrderBy))
	for i, k := range n.OrderBy {
		ids[i] = k.Expr
	}
	return ids
}

func (n *SortNode) Rebuild(a *Arena, children []PlanNode, exprs []ExprID) (PlanNode, error) {
	cp := *n
	cp.arena, cp.Child = a, children[0]
	cp.OrderBy = make([]SortKey, len(n.OrderBy))
	for i, k := range n.OrderBy {
		k.Expr = exprs[i]
		cp.OrderBy[i] = k
	}
	return &cp, cp.derive()
}

func (n *SortNode) String() string {
	return "Sort: " + formatSortKeys(n.arena, n.OrderBy) + limitSuffix(n.Limit)
}

func formatSortKeys(a *Arena, keys []SortKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		s := a.String(k.Expr)
		if k.Descending {
			s += " desc"
		}
		switch k.Nulls {
		case NullsFirst:
			s += " nulls first"
		case NullsLast:
			s += " nulls last"
		}
		parts[i] = s
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func limitSuffix(limit int64) string {
	if limit == NoLimit {
		return ""
	}
	return fmt.Sprintf(" limit=%d", limit)
}

// ResolveNulls applies the engine default to keys without an explicit null placement.
func ResolveNulls(keys []SortKey, nullsLast bool) []SortKey {
	out := make([]SortKey, len(keys))
	for i, k := range keys {
		if k.Nulls == NullsDefault {
			k.Nulls = NullsFirst
			if nullsLast {
				k.Nulls = NullsLast
			}
		}
		out[i] = k
	}
	return out
}
