// Package optimizer rewrites logical plans before they are compiled. Optimize runs a fixed,
// ordered list of passes; every pass maps a plan to a plan with the same result multiset and is
// idempotent on its own output.
package optimizer

import (
	"strings"

	"github.com/cockroachdb/errors"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/config"
	"mit.edu/dsg/morseldb/planner"
)

// Pass is one rewrite of the plan.
type Pass interface {
	Name() string
	Apply(plan planner.PlanNode) (planner.PlanNode, error)
}

// Options selects the passes Optimize runs.
type Options struct {
	Passes config.OptimizerConfig
	// PreserveOrder forbids rewrites that change the order rows arrive in.
	PreserveOrder bool
}

// DefaultOptions runs every pass.
func DefaultOptions() Options {
	return Options{Passes: config.AllPasses()}
}

// Result is an optimized plan and the names of the passes that changed it.
type Result struct {
	Plan    planner.PlanNode
	Changed []string
}

// Passes returns the enabled passes in the order they run.
func Passes(opts Options) []Pass {
	var passes []Pass
	p := opts.Passes
	if p.PredicatePushdown {
		passes = append(passes, predicatePushdown{})
	}
	if p.ProjectionPushdown {
		passes = append(passes, projectionPushdown{})
	}
	if p.CSE {
		passes = append(passes, commonSubexpressions{})
	}
	if p.TypeCoercion {
		passes = append(passes, typeCoercion{})
	}
	if p.SlicePushdown {
		passes = append(passes, slicePushdown{})
	}
	if p.JoinReorder {
		passes = append(passes, joinReorder{preserveOrder: opts.PreserveOrder})
	}
	return passes
}

// Optimize copies the plan onto a fresh arena and runs the enabled passes over it. The input plan
// and its arena are left untouched.
func Optimize(plan planner.PlanNode, opts Options) (*Result, error) {
	if err := planner.Validate(plan); err != nil {
		return nil, err
	}
	cur, err := planner.Rebase(plan, planner.NewArena())
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, pass := range Passes(opts) {
		before := shape(cur)
		next, err := pass.Apply(cur)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", pass.Name())
		}
		if shape(next) != before {
			res.Changed = append(res.Changed, pass.Name())
		}
		cur = next
	}
	if err := planner.Validate(cur); err != nil {
		return nil, errors.Wrap(err, "optimized plan")
	}
	if !cur.OutputSchema().Equal(plan.OutputSchema()) {
		return nil, common.NewInternalError("optimizer changed the output schema from %s to %s",
			plan.OutputSchema(), cur.OutputSchema())
	}
	res.Plan = cur
	return res, nil
}

// shape renders the plan without node ids, so rewrites that rebuild nodes identically compare
// equal.
func shape(plan planner.PlanNode) string {
	var b strings.Builder
	var visit func(n planner.PlanNode, depth int)
	visit = func(n planner.PlanNode, depth int) {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(n.String())
		b.WriteByte('\n')
		for _, c := range n.Children() {
			visit(c, depth+1)
		}
	}
	visit(plan, 0)
	return b.String()
}

// mapChildren rebuilds n over fn applied to each child. n is returned as is when no child
// changed.
func mapChildren(n planner.PlanNode, fn func(planner.PlanNode) (planner.PlanNode, error)) (planner.PlanNode, error) {
	children := n.Children()
	if len(children) == 0 {
		return n, nil
	}
	out := make([]planner.PlanNode, len(children))
	changed := false
	for i, c := range children {
		nc, err := fn(c)
		if err != nil {
			return nil, err
		}
		out[i] = nc
		changed = changed || nc != c
	}
	if !changed {
		return n, nil
	}
	return planner.WithChildren(n, out...)
}

// mapExprs rebuilds n with fn applied to each expression root.
func mapExprs(n planner.PlanNode, fn func(planner.ExprID) (planner.ExprID, error)) (planner.PlanNode, error) {
	exprs := n.Exprs()
	if len(exprs) == 0 {
		return n, nil
	}
	out := make([]planner.ExprID, len(exprs))
	changed := false
	for i, e := range exprs {
		ne, err := fn(e)
		if err != nil {
			return nil, err
		}
		out[i] = ne
		changed = changed || ne != e
	}
	if !changed {
		return n, nil
	}
	return planner.WithExprs(n, out)
}

// transformUp applies fn to every node bottom-up.
func transformUp(n planner.PlanNode, fn func(planner.PlanNode) (planner.PlanNode, error)) (planner.PlanNode, error) {
	n, err := mapChildren(n, func(c planner.PlanNode) (planner.PlanNode, error) {
		return transformUp(c, fn)
	})
	if err != nil {
		return nil, err
	}
	return fn(n)
}

// keepName aliases id back to name if rewriting changed its output name.
func keepName(a *planner.Arena, id planner.ExprID, name string) planner.ExprID {
	if a.OutputName(id) == name {
		return id
	}
	return a.AddAlias(id, name)
}

// subset reports whether every column is a key of m.
func subset[V any](cols []string, m map[string]V) bool {
	for _, c := range cols {
		if _, ok := m[c]; !ok {
			return false
		}
	}
	return true
}
