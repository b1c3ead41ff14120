package planner

import (
	"fmt"
	"strings"

	"mit.edu/dsg/morseldb/common"
)

// NoLimit marks an absent row limit.
const NoLimit int64 = -1

// ScanNode reads a data source. Projection, Predicate and Limit are filled in by the optimizer
// and passed to the source as hints; the scan applies them itself regardless.
type ScanNode struct {
	nodeBase
	Source DataSource
	// Projection lists the columns to read, in output order. Nil reads every column.
	Projection []string
	// Predicate is evaluated against the full source schema, or NoExpr.
	Predicate ExprID
	// Limit is the number of rows to produce after the predicate, or NoLimit.
	Limit int64
}

func NewScanNode(a *Arena, src DataSource) (*ScanNode, error) {
	n := &ScanNode{nodeBase: newBase(a), Source: src, Predicate: NoExpr, Limit: NoLimit}
	if err := n.derive(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *ScanNode) derive() error {
	schema := n.Source.Schema()
	if n.Projection != nil {
		projected, err := schema.Project(n.Projection)
		if err != nil {
			return n.fail(n.Kind(), err)
		}
		schema = projected
	}
	if n.Predicate != NoExpr {
		if err := validateRowExprs(n.arena, n.Source.Schema(), "scan predicate", n.Predicate); err != nil {
			return n.fail(n.Kind(), err)
		}
		if t := n.arena.Type(n.Predicate); t.ID != common.Boolean {
			return n.fail(n.Kind(), schemaErr("", "scan predicate must be bool, got %s", t))
		}
	}
	n.schema = schema
	return nil
}

// WithProjection returns a copy reading only the named columns.
func (n *ScanNode) WithProjection(columns []string) (*ScanNode, error) {
	cp := *n
	cp.Projection = columns
	return &cp, cp.derive()
}

// WithPredicate returns a copy filtering rows by pred.
func (n *ScanNode) WithPredicate(pred ExprID) (*ScanNode, error) {
	cp := *n
	cp.Predicate = pred
	return &cp, cp.derive()
}

// WithLimit returns a copy producing at most limit rows.
func (n *ScanNode) WithLimit(limit int64) *ScanNode {
	cp := *n
	cp.Limit = limit
	return &cp
}

// ReadColumns is the set of source columns the scan needs: the projection plus the predicate's
// inputs.
func (n *ScanNode) ReadColumns() []string {
	if n.Projection == nil {
		return n.Source.Schema().Names()
	}
	cols := append([]string(nil), n.Projection...)
	for _, c := range n.arena.Columns(n.Predicate) {
		found := false
		for _, p := range cols {
			if p == c {
				found = true
				break
			}
		}
		if !found {
			cols = append(cols, c)
		}
	}
	return cols
}

func (n *ScanNode) Kind() string {
	return "Scan"
}

func (n *ScanNode) Children() []PlanNode {
	return nil
}

func (n *ScanNode) Exprs() []ExprID {
	if n.Predicate == NoExpr {
		return nil
	}
	return []ExprID{n.Predicate}
}

func (n *ScanNode) Rebuild(a *Arena, _ []PlanNode, exprs []ExprID) (PlanNode, error) {
	cp := *n
	cp.arena = a
	cp.Predicate = NoExpr
	if len(exprs) > 0 {
		cp.Predicate = exprs[0]
	}
	return &cp, cp.derive()
}

func (n *ScanNode) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scan: %s", n.Source.Name())
	if n.Projection != nil {
		fmt.Fprintf(&b, " columns=[%s]", strings.Join(n.Projection, ", "))
	}
	if n.Predicate != NoExpr {
		fmt.Fprintf(&b, " predicate=%s", n.arena.String(n.Predicate))
	}
	if n.Limit != NoLimit {
		fmt.Fprintf(&b, " limit=%d", n.Limit)
	}
	return b.String()
}
