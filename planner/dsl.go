package planner

import (
	"fmt"
	"strings"

	"mit.edu/dsg/morseldb/common"
)

// Expr is a user-facing expression. Expressions are immutable trees built with Col, Lit and the
// chaining methods below; they are resolved against a schema and interned into an Arena when a
// plan node is built from them.
type Expr struct {
	n *dslNode
}

type dslNode struct {
	kind      ExprKind
	name      string
	op        Operator
	agg       AggFunc
	win       WindowFunc
	value     common.Value
	err       error
	target    common.DataType
	strict    bool
	param     int64
	args      []Expr
	partition []Expr
	order     []SortExpr
}

// Col references an input column by name.
func Col(name string) Expr {
	return Expr{&dslNode{kind: ColumnRef, name: name}}
}

// Lit wraps a Go value (see common.ValueOf) or a common.Value as a literal.
func Lit(v any) Expr {
	val, err := common.ValueOf(v)
	return Expr{&dslNode{kind: Literal, value: val, err: err}}
}

func binary(op Operator, l, r Expr) Expr {
	return Expr{&dslNode{kind: BinaryOp, op: op, args: []Expr{l, r}}}
}

func unary(op Operator, e Expr) Expr {
	return Expr{&dslNode{kind: UnaryOp, op: op, args: []Expr{e}}}
}

func (e Expr) Add(o Expr) Expr    { return binary(OpAdd, e, o) }
func (e Expr) Sub(o Expr) Expr    { return binary(OpSub, e, o) }
func (e Expr) Mul(o Expr) Expr    { return binary(OpMul, e, o) }
func (e Expr) Div(o Expr) Expr    { return binary(OpDiv, e, o) }
func (e Expr) IntDiv(o Expr) Expr { return binary(OpIntDiv, e, o) }
func (e Expr) Mod(o Expr) Expr    { return binary(OpMod, e, o) }
func (e Expr) Eq(o Expr) Expr     { return binary(OpEq, e, o) }
func (e Expr) NotEq(o Expr) Expr  { return binary(OpNotEq, e, o) }
func (e Expr) Lt(o Expr) Expr     { return binary(OpLt, e, o) }
func (e Expr) LtEq(o Expr) Expr   { return binary(OpLtEq, e, o) }
func (e Expr) Gt(o Expr) Expr     { return binary(OpGt, e, o) }
func (e Expr) GtEq(o Expr) Expr   { return binary(OpGtEq, e, o) }
func (e Expr) And(o Expr) Expr    { return binary(OpAnd, e, o) }
func (e Expr) Or(o Expr) Expr     { return binary(OpOr, e, o) }
func (e Expr) Not() Expr          { return unary(OpNot, e) }
func (e Expr) Neg() Expr          { return unary(OpNeg, e) }
func (e Expr) IsNull() Expr       { return unary(OpIsNull, e) }
func (e Expr) IsNotNull() Expr    { return unary(OpIsNotNull, e) }

// IsIn is true when e equals any of the values.
func (e Expr) IsIn(values ...any) Expr {
	if len(values) == 0 {
		return Lit(false)
	}
	acc := e.Eq(Lit(values[0]))
	for _, v := range values[1:] {
		acc = acc.Or(e.Eq(Lit(v)))
	}
	return acc
}

// Between is true when lo <= e <= hi.
func (e Expr) Between(lo, hi Expr) Expr {
	return e.GtEq(lo).And(e.LtEq(hi))
}

// Alias renames the expression's output column.
func (e Expr) Alias(name string) Expr {
	return Expr{&dslNode{kind: Alias, name: name, args: []Expr{e}}}
}

// Cast converts to t; values that do not convert become null.
func (e Expr) Cast(t common.DataType) Expr {
	return Expr{&dslNode{kind: Cast, target: t, args: []Expr{e}}}
}

// StrictCast converts to t and fails the query on the first value that does not convert.
func (e Expr) StrictCast(t common.DataType) Expr {
	return Expr{&dslNode{kind: Cast, target: t, strict: true, args: []Expr{e}}}
}

// Fn calls a scalar function by name.
func Fn(name string, args ...Expr) Expr {
	return Expr{&dslNode{kind: FunctionCall, name: name, args: args}}
}

func (e Expr) Abs() Expr   { return Fn("abs", e) }
func (e Expr) Floor() Expr { return Fn("floor", e) }
func (e Expr) Ceil() Expr  { return Fn("ceil", e) }
func (e Expr) Sqrt() Expr  { return Fn("sqrt", e) }
func (e Expr) Upper() Expr { return Fn("upper", e) }
func (e Expr) Lower() Expr { return Fn("lower", e) }
func (e Expr) Year() Expr  { return Fn("year", e) }
func (e Expr) Month() Expr { return Fn("month", e) }
func (e Expr) Day() Expr   { return Fn("day", e) }
func (e Expr) Hash() Expr  { return Fn("hash", e) }

// Round rounds half away from zero to the given number of decimal digits.
func (e Expr) Round(digits int) Expr {
	r := Fn("round", e)
	r.n.param = int64(digits)
	return r
}

func (e Expr) StrLen() Expr                  { return Fn("str_len", e) }
func (e Expr) Contains(sub string) Expr      { return Fn("contains", e, Lit(sub)) }
func (e Expr) StartsWith(prefix string) Expr { return Fn("starts_with", e, Lit(prefix)) }
func (e Expr) EndsWith(suffix string) Expr   { return Fn("ends_with", e, Lit(suffix)) }

// FillNull replaces nulls with v.
func (e Expr) FillNull(v Expr) Expr { return Fn("coalesce", e, v) }

// Coalesce returns the first non-null argument per row.
func Coalesce(args ...Expr) Expr { return Fn("coalesce", args...) }

// ConcatStr formats every argument as a string and concatenates them.
func ConcatStr(args ...Expr) Expr { return Fn("concat_str", args...) }

func aggregate(f AggFunc, args ...Expr) Expr {
	return Expr{&dslNode{kind: Aggregate, agg: f, args: args}}
}

func (e Expr) Count() Expr   { return aggregate(AggCount, e) }
func (e Expr) NUnique() Expr { return aggregate(AggNUnique, e) }
func (e Expr) Sum() Expr     { return aggregate(AggSum, e) }
func (e Expr) Min() Expr     { return aggregate(AggMin, e) }
func (e Expr) Max() Expr     { return aggregate(AggMax, e) }
func (e Expr) Mean() Expr    { return aggregate(AggMean, e) }
func (e Expr) Var() Expr     { return aggregate(AggVariance, e) }
func (e Expr) Std() Expr     { return aggregate(AggStd, e) }
func (e Expr) First() Expr   { return aggregate(AggFirst, e) }
func (e Expr) Last() Expr    { return aggregate(AggLast, e) }

// Len counts rows, nulls included.
func Len() Expr { return aggregate(AggLen) }

func window(w WindowFunc, args ...Expr) Expr {
	return Expr{&dslNode{kind: WindowFn, win: w, args: args}}
}

// RowNumber numbers the rows of each window partition from 1.
func RowNumber() Expr { return window(WinRowNumber) }

// Rank ranks rows by the window order; ties share a rank and leave gaps.
func Rank() Expr { return window(WinRank) }

// DenseRank ranks rows by the window order without gaps.
func DenseRank() Expr { return window(WinDenseRank) }

func (e Expr) CumSum() Expr   { return window(WinCumSum, e) }
func (e Expr) CumCount() Expr { return window(WinCumCount, e) }

// Lag returns the value n rows before the current row in its partition.
func (e Expr) Lag(n int) Expr {
	w := window(WinLag, e)
	w.n.param = int64(n)
	return w
}

// Lead returns the value n rows after the current row in its partition.
func (e Expr) Lead(n int) Expr {
	w := window(WinLead, e)
	w.n.param = int64(n)
	return w
}

// Over evaluates e per window partition. Aggregates are broadcast to every row of their
// partition; window functions restart at each partition.
func (e Expr) Over(partitionBy ...Expr) Expr {
	return e.OverOrdered(partitionBy, nil)
}

// OverOrdered is Over with an order inside each partition.
func (e Expr) OverOrdered(partitionBy []Expr, orderBy []SortExpr) Expr {
	inner, alias := e, ""
	if inner.n.kind == Alias {
		inner, alias = inner.n.args[0], inner.n.name
	}
	var w *dslNode
	switch inner.n.kind {
	case Aggregate:
		w = &dslNode{kind: WindowFn, win: WinAgg, agg: inner.n.agg, args: inner.n.args}
	case WindowFn:
		cp := *inner.n
		w = &cp
	default:
		w = &dslNode{kind: WindowFn, win: WinAgg, err: schemaErr("", "over() needs an aggregate or window function")}
	}
	w.partition = partitionBy
	w.order = orderBy
	out := Expr{w}
	if alias != "" {
		out = out.Alias(alias)
	}
	return out
}

// SortExpr orders rows by one expression.
type SortExpr struct {
	Expr       Expr
	Descending bool
	Nulls      NullPlacement
}

func Asc(e Expr) SortExpr  { return SortExpr{Expr: e} }
func Desc(e Expr) SortExpr { return SortExpr{Expr: e, Descending: true} }

func (s SortExpr) NullsFirst() SortExpr {
	s.Nulls = NullsFirst
	return s
}

func (s SortExpr) NullsLast() SortExpr {
	s.Nulls = NullsLast
	return s
}

// When starts a conditional expression.
func When(cond Expr) WhenThen {
	return WhenThen{cond: cond}
}

type WhenThen struct {
	cond     Expr
	branches []whenBranch
}

type whenBranch struct{ cond, then Expr }

func (w WhenThen) Then(e Expr) WhenChain {
	return WhenChain{branches: append(append([]whenBranch(nil), w.branches...), whenBranch{w.cond, e})}
}

// WhenChain is a conditional with at least one branch.
type WhenChain struct {
	branches []whenBranch
}

func (c WhenChain) When(cond Expr) WhenThen {
	return WhenThen{cond: cond, branches: c.branches}
}

// Otherwise closes the chain; rows matching no branch (or whose condition is null) take e.
func (c WhenChain) Otherwise(e Expr) Expr {
	acc := e
	for i := len(c.branches) - 1; i >= 0; i-- {
		b := c.branches[i]
		acc = Expr{&dslNode{kind: Ternary, args: []Expr{b.cond, b.then, acc}}}
	}
	return acc
}

// End closes the chain with a null otherwise branch.
func (c WhenChain) End() Expr {
	return c.Otherwise(Lit(nil))
}

// Name is the output column name the expression will produce, as far as it can be known without
// a schema.
func (e Expr) Name() string {
	n := e.n
	switch n.kind {
	case ColumnRef, Alias:
		return n.name
	case Literal:
		return "literal"
	case Ternary:
		return n.args[1].Name()
	}
	if len(n.args) == 0 {
		if n.kind == Aggregate || (n.kind == WindowFn && n.win == WinAgg) {
			return n.agg.String()
		}
		if n.kind == WindowFn {
			return n.win.String()
		}
		return n.kind.String()
	}
	return n.args[0].Name()
}

func (e Expr) String() string {
	var b strings.Builder
	e.format(&b)
	return b.String()
}

func (e Expr) format(b *strings.Builder) {
	n := e.n
	list := func(es []Expr) {
		for i, c := range es {
			if i > 0 {
				b.WriteString(", ")
			}
			c.format(b)
		}
	}
	switch n.kind {
	case ColumnRef:
		b.WriteString(n.name)
	case Literal:
		if n.value.Type().IsStringLike() && !n.value.IsNull() {
			fmt.Fprintf(b, "%q", n.value.Str())
		} else {
			b.WriteString(n.value.String())
		}
	case BinaryOp:
		b.WriteByte('(')
		n.args[0].format(b)
		fmt.Fprintf(b, " %s ", n.op)
		n.args[1].format(b)
		b.WriteByte(')')
	case UnaryOp:
		b.WriteString(n.op.String())
		b.WriteByte('(')
		n.args[0].format(b)
		b.WriteByte(')')
	case Alias:
		n.args[0].format(b)
		fmt.Fprintf(b, " AS %s", n.name)
	case Cast:
		b.WriteString("cast(")
		n.args[0].format(b)
		fmt.Fprintf(b, " as %s)", n.target)
	case Ternary:
		b.WriteString("when ")
		n.args[0].format(b)
		b.WriteString(" then ")
		n.args[1].format(b)
		b.WriteString(" otherwise ")
		n.args[2].format(b)
	case Aggregate:
		b.WriteString(n.agg.String())
		b.WriteByte('(')
		list(n.args)
		b.WriteByte(')')
	case WindowFn:
		if n.win == WinAgg {
			b.WriteString(n.agg.String())
		} else {
			b.WriteString(n.win.String())
		}
		b.WriteByte('(')
		list(n.args)
		b.WriteString(") over (")
		list(n.partition)
		b.WriteByte(')')
	default:
		b.WriteString(n.name)
		b.WriteByte('(')
		list(n.args)
		b.WriteByte(')')
	}
}

// Lower resolves e against schema and interns it into the arena.
func (a *Arena) Lower(e Expr, schema *common.Schema) (ExprID, error) {
	return lower(a, e, func(name string) (common.Field, error) {
		f, ok := schema.Lookup(name)
		if !ok {
			return common.Field{}, schemaErr(name, "column %q not found", name)
		}
		return f, nil
	})
}

func lower(a *Arena, e Expr, resolve func(string) (common.Field, error)) (ExprID, error) {
	if e.n == nil {
		return NoExpr, schemaErr("", "empty expression")
	}
	n := e.n
	if n.err != nil {
		return NoExpr, n.err
	}
	lowerAll := func(es []Expr) ([]ExprID, error) {
		if len(es) == 0 {
			return nil, nil
		}
		ids := make([]ExprID, len(es))
		for i, c := range es {
			id, err := lower(a, c, resolve)
			if err != nil {
				return nil, err
			}
			ids[i] = id
		}
		return ids, nil
	}

	switch n.kind {
	case ColumnRef:
		f, err := resolve(n.name)
		if err != nil {
			return NoExpr, err
		}
		return a.AddColumn(f), nil
	case Literal:
		return a.AddLiteral(n.value), nil
	}

	children, err := lowerAll(n.args)
	if err != nil {
		return NoExpr, err
	}
	node := ExprNode{
		Kind:     n.kind,
		Name:     n.name,
		Op:       n.op,
		Agg:      n.agg,
		Win:      n.win,
		Target:   n.target,
		Strict:   n.strict,
		Param:    n.param,
		Children: children,
	}
	if n.kind == WindowFn {
		if node.PartitionBy, err = lowerAll(n.partition); err != nil {
			return NoExpr, err
		}
		for _, o := range n.order {
			id, err := lower(a, o.Expr, resolve)
			if err != nil {
				return NoExpr, err
			}
			node.OrderBy = append(node.OrderBy, SortKey{Expr: id, Descending: o.Descending, Nulls: o.Nulls})
		}
	}
	return a.Add(node)
}
