package planner

import (
	"fmt"
	"slices"
	"strings"

	"mit.edu/dsg/morseldb/common"
)

// OutputName is the column name an expression produces: the alias if any, otherwise the name of
// its leftmost column reference.
func (a *Arena) OutputName(id ExprID) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return outputName(a.nodes, id)
}

func outputName(nodes []ExprNode, id ExprID) string {
	n := nodes[id]
	switch n.Kind {
	case ColumnRef, Alias:
		return n.Name
	case Literal:
		return "literal"
	case Aggregate:
		if len(n.Children) == 0 {
			return n.Agg.String()
		}
	case WindowFn:
		if len(n.Children) == 0 {
			if n.Win == WinAgg {
				return n.Agg.String()
			}
			return n.Win.String()
		}
	case Ternary:
		return outputName(nodes, n.Children[1])
	}
	if len(n.Children) == 0 {
		return n.Kind.String()
	}
	return outputName(nodes, n.Children[0])
}

// Field describes the output column of an expression.
func (a *Arena) Field(id ExprID) common.Field {
	n := a.Node(id)
	return common.NewField(a.OutputName(id), n.Type, n.Nullable)
}

// StripAlias returns the expression under any number of aliases.
func (a *Arena) StripAlias(id ExprID) ExprID {
	for {
		n := a.Node(id)
		if n.Kind != Alias {
			return id
		}
		id = n.Children[0]
	}
}

// Walk visits the subtree rooted at id in pre-order, including window partition and order
// expressions. Returning false from fn skips the node's children.
func (a *Arena) Walk(id ExprID, fn func(id ExprID, n ExprNode) bool) {
	n := a.Node(id)
	if !fn(id, n) {
		return
	}
	for _, c := range n.Children {
		a.Walk(c, fn)
	}
	for _, p := range n.PartitionBy {
		a.Walk(p, fn)
	}
	for _, k := range n.OrderBy {
		a.Walk(k.Expr, fn)
	}
}

// Columns returns the sorted set of column names referenced by the expressions.
func (a *Arena) Columns(ids ...ExprID) []string {
	var names []string
	for _, id := range ids {
		if id == NoExpr {
			continue
		}
		a.Walk(id, func(_ ExprID, n ExprNode) bool {
			if n.Kind == ColumnRef {
				names = append(names, n.Name)
			}
			return true
		})
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// Contains reports whether any node of the subtree satisfies pred.
func (a *Arena) Contains(id ExprID, pred func(ExprNode) bool) bool {
	found := false
	a.Walk(id, func(_ ExprID, n ExprNode) bool {
		if found || pred(n) {
			found = true
			return false
		}
		return true
	})
	return found
}

// IsRowLocal is true when the expression's value for a row depends only on that row.
func (a *Arena) IsRowLocal(id ExprID) bool {
	return !a.Contains(id, func(n ExprNode) bool { return n.Kind == WindowFn || n.Kind == Aggregate })
}

// CanFail reports whether evaluating the expression may raise an error for some input row:
// checked integer and decimal arithmetic, integer negation, strict casts and the rounding
// functions. Moving such an expression onto rows it was not evaluated on can make a query fail.
func (a *Arena) CanFail(id ExprID) bool {
	failing := false
	a.Walk(id, func(id ExprID, n ExprNode) bool {
		if failing {
			return false
		}
		switch n.Kind {
		case BinaryOp:
			if n.Op.IsArithmetic() {
				lt, _ := a.BinaryOperandTypes(id)
				failing = !lt.IsFloat() && !(n.Op == OpDiv && lt.IsInteger())
			}
		case UnaryOp:
			failing = n.Op == OpNeg && a.Node(n.Children[0]).Type.IsSigned()
		case Cast:
			failing = n.Strict
		case FunctionCall:
			switch n.Name {
			case "abs", "round", "floor", "ceil":
				failing = true
			}
		}
		return !failing
	})
	return failing
}

// SplitConjuncts flattens a tree of ANDs into its operands.
func (a *Arena) SplitConjuncts(id ExprID) []ExprID {
	n := a.Node(id)
	if n.Kind == BinaryOp && n.Op == OpAnd {
		return append(a.SplitConjuncts(n.Children[0]), a.SplitConjuncts(n.Children[1])...)
	}
	return []ExprID{id}
}

// Conjoin ANDs the predicates together, or returns NoExpr for an empty list.
func (a *Arena) Conjoin(ids []ExprID) (ExprID, error) {
	if len(ids) == 0 {
		return NoExpr, nil
	}
	acc := ids[0]
	for _, id := range ids[1:] {
		var err error
		if acc, err = a.AddBinary(OpAnd, acc, id); err != nil {
			return NoExpr, err
		}
	}
	return acc, nil
}

// TransformUp rebuilds the subtree bottom-up, applying fn to every node after its children have
// been transformed.
func (a *Arena) TransformUp(id ExprID, fn func(id ExprID) (ExprID, error)) (ExprID, error) {
	n := a.Node(id)
	changed := false
	mapIDs := func(ids []ExprID) ([]ExprID, error) {
		if len(ids) == 0 {
			return ids, nil
		}
		out := make([]ExprID, len(ids))
		for i, c := range ids {
			nc, err := a.TransformUp(c, fn)
			if err != nil {
				return nil, err
			}
			changed = changed || nc != c
			out[i] = nc
		}
		return out, nil
	}
	var err error
	if n.Children, err = mapIDs(n.Children); err != nil {
		return NoExpr, err
	}
	if n.PartitionBy, err = mapIDs(n.PartitionBy); err != nil {
		return NoExpr, err
	}
	if len(n.OrderBy) > 0 {
		keys := make([]SortKey, len(n.OrderBy))
		for i, k := range n.OrderBy {
			nk, err := a.TransformUp(k.Expr, fn)
			if err != nil {
				return NoExpr, err
			}
			changed = changed || nk != k.Expr
			keys[i] = SortKey{Expr: nk, Descending: k.Descending, Nulls: k.Nulls}
		}
		n.OrderBy = keys
	}
	if changed {
		if id, err = a.Add(n); err != nil {
			return NoExpr, err
		}
	}
	return fn(id)
}

// ReplaceSubtrees rebuilds the subtree top-down, replacing every subtree found in repl. A
// replaced subtree is not searched further.
func (a *Arena) ReplaceSubtrees(id ExprID, repl map[ExprID]ExprID) (ExprID, error) {
	if r, ok := repl[id]; ok {
		return r, nil
	}
	n := a.Node(id)
	changed := false
	mapIDs := func(ids []ExprID) ([]ExprID, error) {
		if len(ids) == 0 {
			return ids, nil
		}
		out := make([]ExprID, len(ids))
		for i, c := range ids {
			nc, err := a.ReplaceSubtrees(c, repl)
			if err != nil {
				return nil, err
			}
			changed = changed || nc != c
			out[i] = nc
		}
		return out, nil
	}
	var err error
	if n.Children, err = mapIDs(n.Children); err != nil {
		return NoExpr, err
	}
	if n.PartitionBy, err = mapIDs(n.PartitionBy); err != nil {
		return NoExpr, err
	}
	if len(n.OrderBy) > 0 {
		keys := make([]SortKey, len(n.OrderBy))
		for i, k := range n.OrderBy {
			nk, err := a.ReplaceSubtrees(k.Expr, repl)
			if err != nil {
				return NoExpr, err
			}
			changed = changed || nk != k.Expr
			keys[i] = SortKey{Expr: nk, Descending: k.Descending, Nulls: k.Nulls}
		}
		n.OrderBy = keys
	}
	if !changed {
		return id, nil
	}
	return a.Add(n)
}

// Substitute replaces column references by name with other expressions of the same arena.
func (a *Arena) Substitute(id ExprID, repl map[string]ExprID) (ExprID, error) {
	return a.TransformUp(id, func(id ExprID) (ExprID, error) {
		n := a.Node(id)
		if n.Kind == ColumnRef {
			if r, ok := repl[n.Name]; ok {
				return a.StripAlias(r), nil
			}
		}
		return id, nil
	})
}

// Rebind re-resolves column references against schema, picking up changed types or
// nullability after a child plan was rewritten.
func (a *Arena) Rebind(id ExprID, schema *common.Schema) (ExprID, error) {
	return a.TransformUp(id, func(id ExprID) (ExprID, error) {
		n := a.Node(id)
		if n.Kind != ColumnRef {
			return id, nil
		}
		f, ok := schema.Lookup(n.Name)
		if !ok {
			return NoExpr, schemaErr(n.Name, "column %q not found", n.Name)
		}
		return a.AddColumn(f), nil
	})
}

// Import copies the subtree rooted at id of another arena into a, returning the new root.
func (a *Arena) Import(src *Arena, id ExprID) (ExprID, error) {
	if src == a {
		return id, nil
	}
	n := src.Node(id)
	var err error
	importIDs := func(ids []ExprID) ([]ExprID, error) {
		if len(ids) == 0 {
			return nil, nil
		}
		out := make([]ExprID, len(ids))
		for i, c := range ids {
			if out[i], err = a.Import(src, c); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	if n.Children, err = importIDs(n.Children); err != nil {
		return NoExpr, err
	}
	if n.PartitionBy, err = importIDs(n.PartitionBy); err != nil {
		return NoExpr, err
	}
	if len(n.OrderBy) > 0 {
		keys := make([]SortKey, len(n.OrderBy))
		for i, k := range n.OrderBy {
			if keys[i].Expr, err = a.Import(src, k.Expr); err != nil {
				return NoExpr, err
			}
			keys[i].Descending, keys[i].Nulls = k.Descending, k.Nulls
		}
		n.OrderBy = keys
	}
	return a.Add(n)
}

// BinaryOperandTypes returns the types both operands of a binary node are coerced to.
func (a *Arena) BinaryOperandTypes(id ExprID) (common.DataType, common.DataType) {
	n := a.Node(id)
	common.Assert(n.Kind == BinaryOp, "BinaryOperandTypes on %s", n.Kind)
	lt, rt, _, err := binaryTypes(n.Op, a.Node(n.Children[0]), a.Node(n.Children[1]))
	common.Assert(err == nil, "interned binary node fails typing: %v", err)
	return lt, rt
}

// CommonType returns the type two expressions are compared in, as join keys are.
func (a *Arena) CommonType(l, r ExprID) (common.DataType, bool) {
	return operandSupertype(a.Node(l), a.Node(r))
}

// TernaryType returns the type both branches of a ternary node are coerced to.
func (a *Arena) TernaryType(id ExprID) common.DataType {
	return a.Node(id).Type
}

// String renders the expression in a compact infix notation.
func (a *Arena) String(id ExprID) string {
	var b strings.Builder
	a.format(&b, id)
	return b.String()
}

func (a *Arena) format(b *strings.Builder, id ExprID) {
	n := a.Node(id)
	list := func(ids []ExprID) {
		for i, c := range ids {
			if i > 0 {
				b.WriteString(", ")
			}
			a.format(b, c)
		}
	}
	switch n.Kind {
	case ColumnRef:
		b.WriteString(n.Name)
	case Literal:
		if n.Value.Type().IsStringLike() && !n.Value.IsNull() {
			fmt.Fprintf(b, "%q", n.Value.Str())
		} else {
			b.WriteString(n.Value.String())
		}
	case BinaryOp:
		b.WriteByte('(')
		a.format(b, n.Children[0])
		fmt.Fprintf(b, " %s ", n.Op)
		a.format(b, n.Children[1])
		b.WriteByte(')')
	case UnaryOp:
		if n.Op == OpIsNull || n.Op == OpIsNotNull {
			a.format(b, n.Children[0])
			fmt.Fprintf(b, ".%s()", n.Op)
			return
		}
		b.WriteString(n.Op.String())
		a.format(b, n.Children[0])
	case FunctionCall:
		b.WriteString(n.Name)
		b.WriteByte('(')
		list(n.Children)
		if n.Name == "round" {
			fmt.Fprintf(b, ", %d", n.Param)
		}
		b.WriteByte(')')
	case Aggregate:
		b.WriteString(n.Agg.String())
		b.WriteByte('(')
		list(n.Children)
		b.WriteByte(')')
	case WindowFn:
		if n.Win == WinAgg {
			b.WriteString(n.Agg.String())
		} else {
			b.WriteString(n.Win.String())
		}
		b.WriteByte('(')
		list(n.Children)
		if n.Win == WinLag || n.Win == WinLead {
			fmt.Fprintf(b, ", %d", n.Param)
		}
		b.WriteString(") over (")
		if len(n.PartitionBy) > 0 {
			b.WriteString("partition by ")
			list(n.PartitionBy)
		}
		if len(n.OrderBy) > 0 {
			if len(n.PartitionBy) > 0 {
				b.WriteByte(' ')
			}
			b.WriteString("order by ")
			for i, k := range n.OrderBy {
				if i > 0 {
					b.WriteString(", ")
				}
				a.format(b, k.Expr)
				if k.Descending {
					b.WriteString(" desc")
				}
			}
		}
		b.WriteByte(')')
	case Cast:
		b.WriteString("cast(")
		a.format(b, n.Children[0])
		fmt.Fprintf(b, " as %s", n.Target)
		if n.Strict {
			b.WriteString(" strict")
		}
		b.WriteByte(')')
	case Ternary:
		b.WriteString("when ")
		a.format(b, n.Children[0])
		b.WriteString(" then ")
		a.format(b, n.Children[1])
		b.WriteString(" otherwise ")
		a.format(b, n.Children[2])
	case Alias:
		a.format(b, n.Children[0])
		fmt.Fprintf(b, " AS %s", n.Name)
	}
}
