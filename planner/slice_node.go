package planner

import (
	"fmt"
)

// SliceNode keeps Length rows starting at Offset. A negative Offset counts from the end of the
// input; Length NoLimit keeps every remaining row. Without order preservation the rows kept are
// an arbitrary subset of the right size.
type SliceNode struct {
	nodeBase
	Child  PlanNode
	Offset int64
	Length int64
}

func NewSliceNode(child PlanNode, offset, length int64) (*SliceNode, error) {
	n := &SliceNode{nodeBase: newBase(child.Arena()), Child: child, Offset: offset, Length: length}
	return n, n.derive()
}

func (n *SliceNode) derive() error {
	if n.Length < 0 && n.Length != NoLimit {
		return n.fail(n.Kind(), schemaErr("", "slice length must not be negative, got %d", n.Length))
	}
	n.schema = n.Child.OutputSchema()
	return nil
}

// IsHead reports whether the slice keeps a prefix of its input.
func (n *SliceNode) IsHead() bool {
	return n.Offset == 0 && n.Length != NoLimit
}

func (n *SliceNode) Kind() string {
	return "Slice"
}

func (n *SliceNode) Children() []PlanNode {
	return []PlanNode{n.Child}
}

func (n *SliceNode) Exprs() []ExprID {
	return nil
}

func (n *SliceNode) Rebuild(a *Arena, children []PlanNode, _ []ExprID) (PlanNode, error) {
	cp := *n
	cp.arena, cp.Child = a, children[0]
	return &cp, cp.derive()
}

func (n *SliceNode) String() string {
	if n.Length == NoLimit {
		return fmt.Sprintf("Slice: offset=%d", n.Offset)
	}
	return fmt.Sprintf("Slice: offset=%d length=%d", n.Offset, n.Length)
}
