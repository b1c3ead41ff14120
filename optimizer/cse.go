package optimizer

import (
	"mit.edu/dsg/morseldb/planner"
)

// commonSubexpressions reuses columns a projection has already computed. The arena interns
// structurally equal subtrees, and a compiled program evaluates each interned subtree once per
// morsel, so duplicates within one node are already shared. What remains are expressions of a
// node that recompute a column its child projection produces; those are replaced by a
// reference to the column.
type commonSubexpressions struct{}

func (commonSubexpressions) Name() string {
	return "cse"
}

func (c commonSubexpressions) Apply(plan planner.PlanNode) (planner.PlanNode, error) {
	return transformUp(plan, c.rewrite)
}

func (commonSubexpressions) rewrite(n planner.PlanNode) (planner.PlanNode, error) {
	// Output names only matter where expressions define columns.
	named := false
	switch n.(type) {
	case *planner.ProjectionNode, *planner.AggregateNode, *planner.WindowNode:
		named = true
	case *planner.FilterNode, *planner.SortNode:
	default:
		return n, nil
	}
	child, ok := n.Children()[0].(*planner.ProjectionNode)
	if !ok {
		return n, nil
	}
	a := n.Arena()
	kept := passedThrough(a, child)
	repl := make(map[planner.ExprID]planner.ExprID)
	for _, e := range child.Expressions {
		inner := a.StripAlias(e)
		switch a.Node(inner).Kind {
		case planner.ColumnRef, planner.Literal:
			continue
		}
		// The parent reads the child's output under the same names, so the expression only
		// means the same thing there if the child leaves every column it reads unchanged.
		if !a.IsRowLocal(inner) || !subset(a.Columns(inner), kept) {
			continue
		}
		f, ok := child.OutputSchema().Lookup(a.OutputName(e))
		if !ok {
			continue
		}
		repl[inner] = a.AddColumn(f)
	}
	if len(repl) == 0 {
		return n, nil
	}
	return mapExprs(n, func(id planner.ExprID) (planner.ExprID, error) {
		out, err := a.ReplaceSubtrees(id, repl)
		if err != nil || out == id || !named {
			return out, err
		}
		return keepName(a, out, a.OutputName(id)), nil
	})
}

// passedThrough returns the columns a projection outputs unchanged from its input.
func passedThrough(a *planner.Arena, p *planner.ProjectionNode) map[string]bool {
	kept := make(map[string]bool)
	if p.Extend {
		for _, f := range p.Child.OutputSchema().Fields() {
			kept[f.Name] = true
		}
	}
	for _, e := range p.Expressions {
		name := a.OutputName(e)
		inner := a.Node(a.StripAlias(e))
		if inner.Kind == planner.ColumnRef && inner.Name == name {
			kept[name] = true
		} else {
			delete(kept, name)
		}
	}
	return kept
}
