package planner

import (
	"fmt"
	"strings"

	"mit.edu/dsg/morseldb/common"
)

type JoinType int

const (
	JoinInner JoinType = iota
	JoinLeft
	JoinRight
	JoinFull
	// JoinSemi keeps left rows with at least one match.
	JoinSemi
	// JoinAnti keeps left rows without a match.
	JoinAnti
)

func (t JoinType) String() string {
	switch t {
	case JoinInner:
		return "inner"
	case JoinLeft:
		return "left"
	case JoinRight:
		return "right"
	case JoinFull:
		return "full"
	case JoinSemi:
		return "semi"
	case JoinAnti:
		return "anti"
	}
	return "?"
}

// DefaultJoinSuffix is appended to right column names that collide with left ones.
const DefaultJoinSuffix = "_right"

// HashJoinNode represents an equi-join between two children. Null keys never match.
//
// The output holds the left columns followed by the right columns. For inner, left and right
// joins a right key that is a plain column of the same type as its left counterpart is folded
// into the left key column. Right columns whose names collide with left ones get Suffix.
type HashJoinNode struct {
	nodeBase
	Left      PlanNode
	Right     PlanNode
	LeftKeys  []ExprID
	RightKeys []ExprID
	Type      JoinType
	Suffix    string

	coalesced []bool
	rightCols []int
}

func NewHashJoinNode(left, right PlanNode, leftKeys, rightKeys []ExprID, typ JoinType, suffix string) (*HashJoinNode, error) {
	if suffix == "" {
		suffix = DefaultJoinSuffix
	}
	n := &HashJoinNode{
		nodeBase:  newBase(left.Arena()),
		Left:      left,
		Right:     right,
		LeftKeys:  leftKeys,
		RightKeys: rightKeys,
		Type:      typ,
		Suffix:    suffix,
	}
	return n, n.derive()
}

func (n *HashJoinNode) derive() error {
	a := n.arena
	ls, rs := n.Left.OutputSchema(), n.Right.OutputSchema()
	if len(n.LeftKeys) == 0 || len(n.LeftKeys) != len(n.RightKeys) {
		return n.fail(n.Kind(), schemaErr("", "join needs the same non-zero number of keys on both sides, got %d and %d",
			len(n.LeftKeys), len(n.RightKeys)))
	}
	if err := validateRowExprs(a, ls, "join keys", n.LeftKeys...); err != nil {
		return n.fail(n.Kind(), err)
	}
	if err := validateRowExprs(a, rs, "join keys", n.RightKeys...); err != nil {
		return n.fail(n.Kind(), err)
	}

	n.coalesced = make([]bool, len(n.LeftKeys))
	droppedRight := make(map[int]bool)
	for i := range n.LeftKeys {
		l, r := a.Node(n.LeftKeys[i]), a.Node(n.RightKeys[i])
		if _, ok := operandSupertype(l, r); !ok {
			return n.fail(n.Kind(), schemaErr(a.OutputName(n.RightKeys[i]), "cannot join %s with %s", l.Type, r.Type))
		}
		if n.Type == JoinInner || n.Type == JoinLeft || n.Type == JoinRight {
			if l.Kind == ColumnRef && r.Kind == ColumnRef && l.Type.Equal(r.Type) {
				ri, _ := rs.Index(r.Name)
				n.coalesced[i] = true
				droppedRight[ri] = true
			}
		}
	}

	if n.Type == JoinSemi || n.Type == JoinAnti {
		n.schema = ls
		n.rightCols = nil
		return nil
	}

	fields := append([]common.Field(nil), ls.Fields()...)
	leftNames := make(map[string]bool, len(fields))
	for i := range fields {
		leftNames[fields[i].Name] = true
		if n.Type == JoinRight || n.Type == JoinFull {
			fields[i].Nullable = true
		}
	}
	if n.Type == JoinRight {
		for i, ok := range n.coalesced {
			if ok {
				li, _ := ls.Index(a.Node(n.LeftKeys[i]).Name)
				fields[li].Nullable = a.Node(n.RightKeys[i]).Nullable
			}
		}
	}

	n.rightCols = nil
	for i, f := range rs.Fields() {
		if droppedRight[i] {
			continue
		}
		if leftNames[f.Name] {
			f.Name += n.Suffix
		}
		if n.Type == JoinLeft || n.Type == JoinFull {
			f.Nullable = true
		}
		fields = append(fields, f)
		n.rightCols = append(n.rightCols, i)
	}
	schema, err := common.NewSchema(fields...)
	if err != nil {
		return n.fail(n.Kind(), err)
	}
	n.schema = schema
	return nil
}

// CoalescedKeys reports, per key pair, whether the right key column was folded into the left one.
func (n *HashJoinNode) CoalescedKeys() []bool {
	return n.coalesced
}

// RightOutputColumns lists the indices of the right schema that appear in the output, in order.
func (n *HashJoinNode) RightOutputColumns() []int {
	return n.rightCols
}

// WithType returns a copy with another join type.
func (n *HashJoinNode) WithType(t JoinType) (*HashJoinNode, error) {
	cp := *n
	cp.Type = t
	cp.rightCols = nil
	return &cp, cp.derive()
}

func (n *HashJoinNode) Kind() string {
	return "Join"
}

func (n *HashJoinNode) Children() []PlanNode {
	return []PlanNode{n.Left, n.Right}
}

func (n *HashJoinNode) Exprs() []ExprID {
	return append(append([]ExprID(nil), n.LeftKeys...), n.RightKeys...)
}

func (n *HashJoinNode) Rebuild(a *Arena, children []PlanNode, exprs []ExprID) (PlanNode, error) {
	cp := *n
	k := len(exprs) / 2
	cp.arena, cp.Left, cp.Right = a, children[0], children[1]
	cp.LeftKeys, cp.RightKeys = exprs[:k:k], exprs[k:]
	cp.rightCols = nil
	return &cp, cp.derive()
}

func (n *HashJoinNode) String() string {
	lk := make([]string, len(n.LeftKeys))
	rk := make([]string, len(n.RightKeys))
	for i := range n.LeftKeys {
		lk[i] = n.arena.String(n.LeftKeys[i])
		rk[i] = n.arena.String(n.RightKeys[i])
	}
	return fmt.Sprintf("HashJoin(%s): [%s] = [%s]", n.Type, strings.Join(lk, ", "), strings.Join(rk, ", "))
}
