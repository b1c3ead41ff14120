package planner

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"mit.edu/dsg/morseldb/common"
)

// ExprID is the stable index of an expression node inside its Arena.
type ExprID int32

// NoExpr marks an absent optional expression (for example a scan without a predicate).
const NoExpr ExprID = -1

type ExprKind uint8

const (
	ColumnRef ExprKind = iota
	Literal
	BinaryOp
	UnaryOp
	FunctionCall
	Aggregate
	WindowFn
	Cast
	Ternary
	Alias
)

func (k ExprKind) String() string {
	switch k {
	case ColumnRef:
		return "col"
	case Literal:
		return "lit"
	case BinaryOp:
		return "binary"
	case UnaryOp:
		return "unary"
	case FunctionCall:
		return "function"
	case Aggregate:
		return "agg"
	case WindowFn:
		return "window"
	case Cast:
		return "cast"
	case Ternary:
		return "ternary"
	case Alias:
		return "alias"
	}
	return "?"
}

// Operator is the operator of a BinaryOp or UnaryOp node.
type Operator uint8

const (
	OpAdd Operator = iota
	OpSub
	OpMul
	// OpDiv is true division: integer operands produce a float.
	OpDiv
	// OpIntDiv is floor division on integers.
	OpIntDiv
	OpMod
	OpEq
	OpNotEq
	OpLt
	OpLtEq
	OpGt
	OpGtEq
	OpAnd
	OpOr
	OpNot
	OpNeg
	OpIsNull
	OpIsNotNull
)

func (o Operator) String() string {
	switch o {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpIntDiv:
		return "//"
	case OpMod:
		return "%"
	case OpEq:
		return "=="
	case OpNotEq:
		return "!="
	case OpLt:
		return "<"
	case OpLtEq:
		return "<="
	case OpGt:
		return ">"
	case OpGtEq:
		return ">="
	case OpAnd:
		return "&"
	case OpOr:
		return "|"
	case OpNot:
		return "!"
	case OpNeg:
		return "-"
	case OpIsNull:
		return "is_null"
	case OpIsNotNull:
		return "is_not_null"
	}
	return "???"
}

func (o Operator) IsArithmetic() bool { return o <= OpMod }

func (o Operator) IsComparison() bool { return o >= OpEq && o <= OpGtEq }

func (o Operator) IsLogical() bool { return o == OpAnd || o == OpOr }

// Flip returns the comparison with its operands swapped (a < b  <=>  b > a).
func (o Operator) Flip() Operator {
	switch o {
	case OpLt:
		return OpGt
	case OpLtEq:
		return OpGtEq
	case OpGt:
		return OpLt
	case OpGtEq:
		return OpLtEq
	}
	return o
}

type AggFunc uint8

const (
	AggCount AggFunc = iota
	AggLen
	AggNUnique
	AggSum
	AggMin
	AggMax
	AggMean
	AggVariance
	AggStd
	AggFirst
	AggLast
)

func (f AggFunc) String() string {
	switch f {
	case AggCount:
		return "count"
	case AggLen:
		return "len"
	case AggNUnique:
		return "n_unique"
	case AggSum:
		return "sum"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	case AggMean:
		return "mean"
	case AggVariance:
		return "var"
	case AggStd:
		return "std"
	case AggFirst:
		return "first"
	case AggLast:
		return "last"
	}
	return "?"
}

type WindowFunc uint8

const (
	// WinAgg broadcasts an aggregate over each partition to the partition's rows.
	WinAgg WindowFunc = iota
	WinRowNumber
	WinRank
	WinDenseRank
	WinCumSum
	WinCumCount
	WinLag
	WinLead
)

func (w WindowFunc) String() string {
	switch w {
	case WinAgg:
		return "agg"
	case WinRowNumber:
		return "row_number"
	case WinRank:
		return "rank"
	case WinDenseRank:
		return "dense_rank"
	case WinCumSum:
		return "cum_sum"
	case WinCumCount:
		return "cum_count"
	case WinLag:
		return "lag"
	case WinLead:
		return "lead"
	}
	return "?"
}

// NullPlacement decides where nulls sort. NullsDefault defers to the engine configuration.
type NullPlacement uint8

const (
	NullsDefault NullPlacement = iota
	NullsFirst
	NullsLast
)

// SortKey orders rows by one expression.
type SortKey struct {
	Expr       ExprID
	Descending bool
	Nulls      NullPlacement
}

// ExprNode is one immutable node of the expression IR. Children reference other nodes of the
// same arena by index. Type and Nullable are inferred once, when the node is interned.
type ExprNode struct {
	Kind ExprKind
	// Name is the column name, function name or alias.
	Name   string
	Op     Operator
	Agg    AggFunc
	Win    WindowFunc
	Value  common.Value
	Target common.DataType
	// Strict casts fail with a ComputeError instead of producing null.
	Strict bool
	// Param is the lag/lead offset or the digits of round.
	Param       int64
	Children    []ExprID
	PartitionBy []ExprID
	OrderBy     []SortKey

	Type      common.DataType
	Nullable  bool
	key       string
	fp        uint64
	hasAgg    bool
	hasWindow bool
}

// Fingerprint is a hash of the node's structure, equal for structurally identical subtrees
// even when they live in different arenas.
func (n ExprNode) Fingerprint() uint64 {
	return n.fp
}

// HasAggregate reports whether the subtree rooted at n contains an aggregate outside a window.
func (n ExprNode) HasAggregate() bool { return n.hasAgg }

// HasWindow reports whether the subtree rooted at n contains a window function.
func (n ExprNode) HasWindow() bool { return n.hasWindow }

// Arena owns the expression nodes of a plan. Nodes are interned by structure, so building the
// same subtree twice yields the same ExprID; this is what deduplicates common subexpressions.
// An Arena is append-only and safe for concurrent use.
type Arena struct {
	mu    sync.RWMutex
	nodes []ExprNode
	index map[string]ExprID
}

func NewArena() *Arena {
	return &Arena{index: make(map[string]ExprID)}
}

// Node returns the node stored at id.
func (a *Arena) Node(id ExprID) ExprNode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	common.Assert(id >= 0 && int(id) < len(a.nodes), "expression %d out of range", id)
	return a.nodes[id]
}

// Type returns the cached output type of id.
func (a *Arena) Type(id ExprID) common.DataType {
	return a.Node(id).Type
}

func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.nodes)
}

// Add interns n, inferring its type. Children must already live in this arena. A node that is
// structurally identical to an existing one returns the existing ID.
func (a *Arena) Add(n ExprNode) (ExprID, error) {
	n.key = structuralKey(n, func(id ExprID) string { return strconv.Itoa(int(id)) })

	a.mu.RLock()
	id, ok := a.index[n.key]
	a.mu.RUnlock()
	if ok {
		return id, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.index[n.key]; ok {
		return id, nil
	}
	typ, nullable, err := inferType(a.nodes, n)
	if err != nil {
		return NoExpr, err
	}
	n.Type, n.Nullable = typ, nullable
	n.fp = common.HashString(structuralKey(n, func(id ExprID) string {
		return strconv.FormatUint(a.nodes[id].fp, 36)
	}))
	n.hasAgg = n.Kind == Aggregate
	n.hasWindow = n.Kind == WindowFn
	for _, c := range n.Children {
		if n.Kind != WindowFn {
			n.hasAgg = n.hasAgg || a.nodes[c].hasAgg
		}
		n.hasWindow = n.hasWindow || a.nodes[c].hasWindow
	}
	id = ExprID(len(a.nodes))
	a.nodes = append(a.nodes, n)
	a.index[n.key] = id
	return id, nil
}

// MustAdd is Add for nodes that cannot fail type inference.
func (a *Arena) MustAdd(n ExprNode) ExprID {
	id, err := a.Add(n)
	common.Assert(err == nil, "%v", err)
	return id
}

func (a *Arena) AddColumn(f common.Field) ExprID {
	return a.MustAdd(ExprNode{Kind: ColumnRef, Name: f.Name, Type: f.Type, Nullable: f.Nullable})
}

func (a *Arena) AddLiteral(v common.Value) ExprID {
	return a.MustAdd(ExprNode{Kind: Literal, Value: v})
}

func (a *Arena) AddBinary(op Operator, l, r ExprID) (ExprID, error) {
	return a.Add(ExprNode{Kind: BinaryOp, Op: op, Children: []ExprID{l, r}})
}

func (a *Arena) AddUnary(op Operator, c ExprID) (ExprID, error) {
	return a.Add(ExprNode{Kind: UnaryOp, Op: op, Children: []ExprID{c}})
}

func (a *Arena) AddCast(c ExprID, t common.DataType, strict bool) (ExprID, error) {
	return a.Add(ExprNode{Kind: Cast, Target: t, Strict: strict, Children: []ExprID{c}})
}

func (a *Arena) AddAlias(c ExprID, name string) ExprID {
	return a.MustAdd(ExprNode{Kind: Alias, Name: name, Children: []ExprID{c}})
}

// WithChildren re-interns the node at id over new children, keeping every other parameter.
func (a *Arena) WithChildren(id ExprID, children []ExprID) (ExprID, error) {
	n := a.Node(id)
	n.Children = children
	return a.Add(n)
}

// structuralKey serializes everything that defines a node except its derived type. Column
// references include their type so that a key fully determines the inferred type. ref renders
// child references: arena ids for interning, child fingerprints for Fingerprint.
func structuralKey(n ExprNode, ref func(ExprID) string) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(n.Kind)))
	b.WriteByte('|')
	switch n.Kind {
	case ColumnRef:
		b.WriteString(n.Name)
		b.WriteByte('|')
		b.WriteString(n.Type.String())
		if n.Nullable {
			b.WriteString("?")
		}
	case Literal:
		b.WriteString(n.Value.Type().String())
		b.WriteByte('|')
		b.Write(n.Value.AppendKey(nil))
	case BinaryOp, UnaryOp:
		b.WriteString(strconv.Itoa(int(n.Op)))
	case FunctionCall:
		b.WriteString(n.Name)
		fmt.Fprintf(&b, "|%d", n.Param)
	case Aggregate:
		b.WriteString(strconv.Itoa(int(n.Agg)))
	case WindowFn:
		fmt.Fprintf(&b, "%d|%d|%d", n.Win, n.Agg, n.Param)
	case Cast:
		b.WriteString(n.Target.String())
		if n.Strict {
			b.WriteString("!")
		}
	case Alias:
		b.WriteString(n.Name)
	}
	writeIDs(&b, '(', n.Children, ref)
	writeIDs(&b, '[', n.PartitionBy, ref)
	if len(n.OrderBy) > 0 {
		b.WriteByte('{')
		for _, k := range n.OrderBy {
			fmt.Fprintf(&b, "%s:%t:%d,", ref(k.Expr), k.Descending, k.Nulls)
		}
	}
	return b.String()
}

func writeIDs(b *strings.Builder, open byte, ids []ExprID, ref func(ExprID) string) {
	if len(ids) == 0 {
		return
	}
	b.WriteByte(open)
	for _, id := range ids {
		b.WriteString(ref(id))
		b.WriteByte(',')
	}
}
