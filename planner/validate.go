package planner

import (
	"fmt"
	"strings"

	"mit.edu/dsg/morseldb/common"
)

// Validate re-checks every node of the plan bottom-up: expressions resolve against their
// child's schema, every node shares the root's arena, each node's schema is what its children
// and parameters derive, and only the root may be a sink.
func Validate(plan PlanNode) error {
	if plan == nil {
		return schemaErr("", "empty plan")
	}
	_, err := validate(plan, plan.Arena())
	return err
}

func validate(n PlanNode, a *Arena) (PlanNode, error) {
	if n.Arena() != a {
		return nil, common.Annotate(common.NewInternalError("node belongs to another arena"), n.ID(), n.Kind())
	}
	children := make([]PlanNode, len(n.Children()))
	for i, c := range n.Children() {
		if _, ok := c.(*SinkNode); ok {
			return nil, common.Annotate(schemaErr("", "a sink must be the root of the plan"), c.ID(), c.Kind())
		}
		vc, err := validate(c, a)
		if err != nil {
			return nil, err
		}
		children[i] = vc
	}
	rebuilt, err := n.Rebuild(a, children, n.Exprs())
	if err != nil {
		return nil, err
	}
	if !rebuilt.OutputSchema().Equal(n.OutputSchema()) {
		return nil, common.Annotate(schemaErr("", "schema %s does not match derived %s", n.OutputSchema(), rebuilt.OutputSchema()),
			n.ID(), n.Kind())
	}
	return rebuilt, nil
}

// Explain renders the plan as an indented tree, one node per line with its output columns.
func Explain(plan PlanNode) string {
	var b strings.Builder
	explain(&b, plan, 0, func(PlanNode) string { return "" })
	return b.String()
}

// ExplainWith is Explain with an extra annotation per node.
func ExplainWith(plan PlanNode, annotate func(PlanNode) string) string {
	var b strings.Builder
	explain(&b, plan, 0, annotate)
	return b.String()
}

func explain(b *strings.Builder, n PlanNode, depth int, annotate func(PlanNode) string) {
	b.WriteString(strings.Repeat("  ", depth))
	fmt.Fprintf(b, "#%d %s", n.ID(), n.String())
	if extra := annotate(n); extra != "" {
		b.WriteString(" ")
		b.WriteString(extra)
	}
	b.WriteByte('\n')
	for _, c := range n.Children() {
		explain(b, c, depth+1, annotate)
	}
}

// CountNodes returns the number of nodes in the plan.
func CountNodes(plan PlanNode) int {
	count := 0
	Walk(plan, func(PlanNode) bool {
		count++
		return true
	})
	return count
}
