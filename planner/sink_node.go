package planner

import (
	"fmt"
)

// SinkNode writes its child's rows to an external sink. The query result it produces is empty;
// the output schema is the child's, which is what the sink receives.
type SinkNode struct {
	nodeBase
	Child PlanNode
	Sink  DataSink
}

func NewSinkNode(child PlanNode, sink DataSink) (*SinkNode, error) {
	n := &SinkNode{nodeBase: newBase(child.Arena()), Child: child, Sink: sink}
	return n, n.derive()
}

func (n *SinkNode) derive() error {
	if n.Sink == nil {
		return n.fail(n.Kind(), schemaErr("", "sink is nil"))
	}
	n.schema = n.Child.OutputSchema()
	return nil
}

func (n *SinkNode) Kind() string {
	return "Sink"
}

func (n *SinkNode) Children() []PlanNode {
	return []PlanNode{n.Child}
}

func (n *SinkNode) Exprs() []ExprID {
	return nil
}

func (n *SinkNode) Rebuild(a *Arena, children []PlanNode, _ []ExprID) (PlanNode, error) {
	cp := *n
	cp.arena, cp.Child = a, children[0]
	return &cp, cp.derive()
}

func (n *SinkNode) String() string {
	return fmt.Sprintf("Sink: %s", n.Sink.Name())
}
