package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/config"
	"mit.edu/dsg/morseldb/planner"
)

type testSource struct {
	name   string
	schema *common.Schema
	rows   int64
}

func (s testSource) Name() string           { return s.name }
func (s testSource) Schema() *common.Schema { return s.schema }
func (s testSource) EstimatedRows() int64   { return s.rows }

func numbers(rows int64) testSource {
	return testSource{name: "numbers", rows: rows, schema: common.MustSchema(
		common.NewField("a", common.Int64Type, false),
		common.NewField("b", common.Int64Type, false),
		common.NewField("c", common.Int64Type, true),
	)}
}

func people(rows int64) testSource {
	return testSource{name: "people", rows: rows, schema: common.MustSchema(
		common.NewField("id", common.Int64Type, false),
		common.NewField("name", common.StringType, true),
	)}
}

func scores(rows int64) testSource {
	return testSource{name: "scores", rows: rows, schema: common.MustSchema(
		common.NewField("id", common.Int64Type, false),
		common.NewField("name", common.StringType, true),
		common.NewField("score", common.Float64Type, false),
	)}
}

func mustPlan(t *testing.T, lf planner.LazyFrame) planner.PlanNode {
	t.Helper()
	p, err := lf.Plan()
	require.NoError(t, err)
	return p
}

func apply(t *testing.T, pass Pass, plan planner.PlanNode) planner.PlanNode {
	t.Helper()
	out, err := pass.Apply(plan)
	require.NoError(t, err)
	require.NoError(t, planner.Validate(out))
	require.True(t, out.OutputSchema().Equal(plan.OutputSchema()), "%s changed the schema", pass.Name())
	return out
}

func as[T planner.PlanNode](t *testing.T, n planner.PlanNode) T {
	t.Helper()
	v, ok := n.(T)
	require.True(t, ok, "unexpected node %s", n)
	return v
}

func TestPredicatePushdownThroughProjection(t *testing.T) {
	plan := mustPlan(t, planner.Scan(numbers(100)).
		Select(planner.Col("a"), planner.Col("b").Mul(planner.Lit(2)).Alias("d")).
		Filter(planner.Col("d").Gt(planner.Lit(10)).And(planner.Col("a").Lt(planner.Lit(5)))))

	out := apply(t, predicatePushdown{}, plan)
	proj := as[*planner.ProjectionNode](t, out)
	scan := as[*planner.ScanNode](t, proj.Child)
	require.NotEqual(t, planner.NoExpr, scan.Predicate)
	// d was replaced by the expression computing it.
	assert.Equal(t, []string{"a", "b"}, out.Arena().Columns(scan.Predicate))
	assert.Len(t, out.Arena().SplitConjuncts(scan.Predicate), 2)
}

func TestPredicatePushdownJoins(t *testing.T) {
	pred := planner.Col("name").IsNotNull().And(planner.Col("score").Gt(planner.Lit(1.5)))

	t.Run("inner", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(people(10)).JoinOn(planner.Scan(scores(10)), planner.JoinInner, "id").Filter(pred))
		join := as[*planner.HashJoinNode](t, apply(t, predicatePushdown{}, plan))
		left := as[*planner.ScanNode](t, join.Left)
		right := as[*planner.ScanNode](t, join.Right)
		assert.Equal(t, []string{"name"}, join.Arena().Columns(left.Predicate))
		assert.Equal(t, []string{"score"}, join.Arena().Columns(right.Predicate))
	})

	t.Run("left", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(people(10)).JoinOn(planner.Scan(scores(10)), planner.JoinLeft, "id").Filter(pred))
		filter := as[*planner.FilterNode](t, apply(t, predicatePushdown{}, plan))
		assert.Equal(t, []string{"score"}, filter.Arena().Columns(filter.Predicate))
		join := as[*planner.HashJoinNode](t, filter.Child)
		assert.NotEqual(t, planner.NoExpr, as[*planner.ScanNode](t, join.Left).Predicate)
		// The null-extended side must see every row.
		assert.Equal(t, planner.NoExpr, as[*planner.ScanNode](t, join.Right).Predicate)
	})
}

func TestPredicatePushdownAggregate(t *testing.T) {
	plan := mustPlan(t, planner.Scan(numbers(100)).
		GroupBy(planner.Col("a")).
		Agg(planner.Col("b").Sum().Alias("total")).
		Filter(planner.Col("a").Eq(planner.Lit(1)).And(planner.Col("total").Gt(planner.Lit(3)))))

	filter := as[*planner.FilterNode](t, apply(t, predicatePushdown{}, plan))
	a := filter.Arena()
	assert.Equal(t, []string{"total"}, a.Columns(filter.Predicate))
	agg := as[*planner.AggregateNode](t, filter.Child)
	scan := as[*planner.ScanNode](t, agg.Child)
	assert.Equal(t, []string{"a"}, a.Columns(scan.Predicate))
}

func TestPredicatePushdownKeepsFallibleConjunctsAboveGuards(t *testing.T) {
	a, b := planner.Col("a"), planner.Col("b")

	t.Run("guard below a projection", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(numbers(100)).
			Filter(b.NotEq(planner.Lit(0))).
			Select(a.IntDiv(b).Alias("x")).
			Filter(planner.Col("x").Gt(planner.Lit(1))))
		out := apply(t, predicatePushdown{}, plan)
		ar := out.Arena()
		proj := as[*planner.ProjectionNode](t, out)
		filter := as[*planner.FilterNode](t, proj.Child)
		assert.True(t, ar.CanFail(filter.Predicate))
		scan := as[*planner.ScanNode](t, filter.Child)
		assert.Equal(t, []string{"b"}, ar.Columns(scan.Predicate))
		assert.False(t, ar.CanFail(scan.Predicate))

		again := apply(t, predicatePushdown{}, out)
		assert.Equal(t, shape(out), shape(again))
	})

	t.Run("guard in the scan", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(numbers(100)).
			Filter(a.Lt(planner.Lit(100))).
			Filter(a.Mul(planner.Lit(10)).Gt(planner.Lit(5)).And(b.Gt(planner.Lit(0)))))
		out := apply(t, predicatePushdown{}, plan)
		ar := out.Arena()
		filter := as[*planner.FilterNode](t, out)
		assert.Equal(t, []string{"a"}, ar.Columns(filter.Predicate))
		scan := as[*planner.ScanNode](t, filter.Child)
		// The safe conjunct still reaches the scan.
		assert.Equal(t, []string{"a", "b"}, ar.Columns(scan.Predicate))
		assert.Len(t, ar.SplitConjuncts(scan.Predicate), 2)
	})

	t.Run("join", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(people(10)).
			JoinOn(planner.Scan(scores(10)), planner.JoinInner, "id").
			Filter(planner.Col("id").IntDiv(planner.Lit(2)).Eq(planner.Lit(1))))
		filter := as[*planner.FilterNode](t, apply(t, predicatePushdown{}, plan))
		join := as[*planner.HashJoinNode](t, filter.Child)
		assert.Equal(t, planner.NoExpr, as[*planner.ScanNode](t, join.Left).Predicate)
	})

	t.Run("same filter", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(numbers(100)).
			Filter(b.NotEq(planner.Lit(0)).And(a.IntDiv(b).Gt(planner.Lit(1)))))
		scan := as[*planner.ScanNode](t, apply(t, predicatePushdown{}, plan))
		assert.Len(t, scan.Arena().SplitConjuncts(scan.Predicate), 2)
	})
}

func TestCanFail(t *testing.T) {
	src := testSource{name: "mixed", rows: 10, schema: common.MustSchema(
		common.NewField("i", common.Int64Type, false),
		common.NewField("f", common.Float64Type, false),
		common.NewField("s", common.StringType, false),
	)}
	i, f, s := planner.Col("i"), planner.Col("f"), planner.Col("s")
	tests := []struct {
		name string
		expr planner.Expr
		want bool
	}{
		{"comparison", i.Gt(planner.Lit(1)), false},
		{"integer add", i.Add(planner.Lit(1)).Gt(planner.Lit(1)), true},
		{"integer floor division", i.IntDiv(planner.Lit(2)), true},
		{"true division", i.Div(planner.Lit(2)), false},
		{"float arithmetic", f.Mul(planner.Lit(2.0)), false},
		{"integer negation", i.Neg(), true},
		{"lenient cast", s.Cast(common.Int64Type), false},
		{"strict cast", s.StrictCast(common.Int64Type), true},
		{"abs", i.Abs(), true},
		{"string function", s.StrLen(), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan := mustPlan(t, planner.Scan(src).Select(tc.expr.Alias("out")))
			proj := as[*planner.ProjectionNode](t, plan)
			assert.Equal(t, tc.want, plan.Arena().CanFail(proj.Expressions[0]))
		})
	}
}

func TestPredicatePushdownStops(t *testing.T) {
	tests := []struct {
		name string
		lf   planner.LazyFrame
	}{
		{"slice", planner.Scan(numbers(100)).Head(3)},
		{"limited sort", planner.Scan(numbers(100)).SortBy("a").Head(3)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan := mustPlan(t, tc.lf.Filter(planner.Col("a").Gt(planner.Lit(1))))
			out := apply(t, predicatePushdown{}, plan)
			filter := as[*planner.FilterNode](t, out)
			as[*planner.SliceNode](t, filter.Child)
		})
	}

	t.Run("constant", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(numbers(100)).Filter(planner.Lit(true)))
		filter := as[*planner.FilterNode](t, apply(t, predicatePushdown{}, plan))
		assert.Equal(t, planner.NoExpr, as[*planner.ScanNode](t, filter.Child).Predicate)
	})
}

func TestProjectionPushdownScan(t *testing.T) {
	plan := mustPlan(t, planner.Scan(numbers(100)).Select(planner.Col("c").Add(planner.Col("a")).Alias("s")))
	out := apply(t, projectionPushdown{}, plan)
	scan := as[*planner.ScanNode](t, as[*planner.ProjectionNode](t, out).Child)
	// Source order, not the order of use.
	assert.Equal(t, []string{"a", "c"}, scan.Projection)
}

func TestProjectionPushdownJoin(t *testing.T) {
	join := planner.Scan(people(10)).JoinOn(planner.Scan(scores(10)), planner.JoinInner, "id")

	t.Run("prunes both sides", func(t *testing.T) {
		plan := mustPlan(t, join.Select(planner.Col("score")))
		out := apply(t, projectionPushdown{}, plan)
		j := as[*planner.HashJoinNode](t, as[*planner.ProjectionNode](t, out).Child)
		assert.Equal(t, []string{"id"}, as[*planner.ScanNode](t, j.Left).Projection)
		assert.Equal(t, []string{"id", "score"}, as[*planner.ScanNode](t, j.Right).Projection)
	})

	t.Run("keeps colliding left column", func(t *testing.T) {
		plan := mustPlan(t, join.Select(planner.Col("name_right")))
		out := apply(t, projectionPushdown{}, plan)
		j := as[*planner.HashJoinNode](t, as[*planner.ProjectionNode](t, out).Child)
		// Dropping the left name would rename name_right to name.
		assert.Nil(t, as[*planner.ScanNode](t, j.Left).Projection)
		assert.Equal(t, []string{"id", "name"}, as[*planner.ScanNode](t, j.Right).Projection)
	})
}

func TestProjectionPushdownDropsUnusedExtend(t *testing.T) {
	plan := mustPlan(t, planner.Scan(numbers(100)).
		WithColumns(planner.Col("a").Mul(planner.Lit(3)).Alias("unused")).
		Select(planner.Col("b")))
	out := apply(t, projectionPushdown{}, plan)
	proj := as[*planner.ProjectionNode](t, out)
	scan := as[*planner.ScanNode](t, proj.Child)
	assert.Equal(t, []string{"b"}, scan.Projection)
}

func TestCommonSubexpressions(t *testing.T) {
	sum := planner.Col("a").Add(planner.Col("b"))
	plan := mustPlan(t, planner.Scan(numbers(100)).
		WithColumns(sum.Alias("s")).
		Select(sum.Mul(planner.Lit(2)).Alias("d")))

	out := apply(t, commonSubexpressions{}, plan)
	proj := as[*planner.ProjectionNode](t, out)
	a := out.Arena()
	assert.Equal(t, []string{"s"}, a.Columns(proj.Expressions[0]))
	assert.Equal(t, "d", a.OutputName(proj.Expressions[0]))

	t.Run("filter keeps conjuncts", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(numbers(100)).
			WithColumns(sum.Alias("s")).
			Filter(sum.Gt(planner.Lit(1)).And(planner.Col("c").IsNull())))
		out := apply(t, commonSubexpressions{}, plan)
		filter := as[*planner.FilterNode](t, out)
		conj := out.Arena().SplitConjuncts(filter.Predicate)
		require.Len(t, conj, 2)
		assert.Equal(t, []string{"s"}, out.Arena().Columns(conj[0]))
	})

	t.Run("child redefines an input column", func(t *testing.T) {
		a, b := planner.Col("a"), planner.Col("b")
		tests := []struct {
			name string
			lf   planner.LazyFrame
		}{
			{"extend", planner.Scan(numbers(100)).
				WithColumns(a.Add(b).Alias("a")).
				Select(a.Add(b).Alias("c"))},
			{"select", planner.Scan(numbers(100)).
				Select(a.Add(b).Alias("a"), b).
				Select(a.Add(b).Alias("c"))},
			{"filter", planner.Scan(numbers(100)).
				WithColumns(a.Add(b).Alias("a")).
				Filter(a.Add(b).Gt(planner.Lit(1)))},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				plan := mustPlan(t, tc.lf)
				out := apply(t, commonSubexpressions{}, plan)
				assert.Equal(t, shape(plan), shape(out))
			})
		}
	})

	t.Run("child passes its inputs through", func(t *testing.T) {
		a, b := planner.Col("a"), planner.Col("b")
		plan := mustPlan(t, planner.Scan(numbers(100)).
			Select(a.Add(b).Alias("s"), a, b).
			Select(a.Add(b).Mul(planner.Lit(2)).Alias("d")))
		out := apply(t, commonSubexpressions{}, plan)
		proj := as[*planner.ProjectionNode](t, out)
		assert.Equal(t, []string{"s"}, out.Arena().Columns(proj.Expressions[0]))
	})
}

func TestTypeCoercion(t *testing.T) {
	src := testSource{name: "mixed", rows: 10, schema: common.MustSchema(
		common.NewField("x", common.Int32Type, false),
		common.NewField("y", common.Int64Type, false),
	)}

	t.Run("widening cast", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(src).Select(planner.Col("x").Add(planner.Col("y")).Alias("z")))
		out := apply(t, typeCoercion{}, plan)
		a := out.Arena()
		add := a.Node(a.StripAlias(as[*planner.ProjectionNode](t, out).Expressions[0]))
		lhs := a.Node(add.Children[0])
		require.Equal(t, planner.Cast, lhs.Kind)
		assert.True(t, lhs.Target.Equal(common.Int64Type))
		assert.False(t, lhs.Nullable)
	})

	t.Run("literal converted", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(src).Filter(planner.Col("x").Gt(planner.Lit(5))))
		out := apply(t, typeCoercion{}, plan)
		a := out.Arena()
		gt := a.Node(as[*planner.FilterNode](t, out).Predicate)
		lit := a.Node(gt.Children[1])
		require.Equal(t, planner.Literal, lit.Kind)
		assert.True(t, lit.Value.Type().Equal(common.Int32Type))
		assert.Equal(t, planner.ColumnRef, a.Node(gt.Children[0]).Kind)
	})
}

func TestSlicePushdown(t *testing.T) {
	t.Run("top k", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(numbers(100)).SortBy("a").Head(3))
		sort := as[*planner.SortNode](t, apply(t, slicePushdown{}, plan))
		assert.Equal(t, int64(3), sort.Limit)
	})

	t.Run("scan limit", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(numbers(100)).Select(planner.Col("a")).Slice(2, 3))
		sl := as[*planner.SliceNode](t, apply(t, slicePushdown{}, plan))
		scan := as[*planner.ScanNode](t, as[*planner.ProjectionNode](t, sl.Child).Child)
		assert.Equal(t, int64(5), scan.Limit)
	})

	t.Run("union inputs", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(numbers(100)).Union(planner.Scan(numbers(100))).Head(2))
		sl := as[*planner.SliceNode](t, apply(t, slicePushdown{}, plan))
		union := as[*planner.UnionNode](t, sl.Child)
		for _, in := range union.Inputs {
			inner := as[*planner.SliceNode](t, in)
			assert.Equal(t, int64(2), inner.Length)
			assert.Equal(t, int64(2), as[*planner.ScanNode](t, inner.Child).Limit)
		}
	})

	t.Run("tail untouched", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(numbers(100)).SortBy("a").Tail(3))
		out := apply(t, slicePushdown{}, plan)
		assert.Same(t, plan, out)
	})
}

func TestJoinReorder(t *testing.T) {
	t.Run("swaps larger build side", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(people(10)).JoinOn(planner.Scan(scores(1000)), planner.JoinInner, "id"))
		out := apply(t, joinReorder{}, plan)
		proj := as[*planner.ProjectionNode](t, out)
		join := as[*planner.HashJoinNode](t, proj.Child)
		assert.Equal(t, "scores", as[*planner.ScanNode](t, join.Left).Source.Name())
		assert.Equal(t, "people", as[*planner.ScanNode](t, join.Right).Source.Name())
		assert.Equal(t, []string{"id", "name", "name_right", "score"}, out.OutputSchema().Names())
	})

	t.Run("keeps smaller build side", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(people(1000)).JoinOn(planner.Scan(scores(10)), planner.JoinInner, "id"))
		assert.Same(t, plan, apply(t, joinReorder{}, plan))
	})

	t.Run("outer joins stay", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(people(10)).JoinOn(planner.Scan(scores(1000)), planner.JoinLeft, "id"))
		assert.Same(t, plan, apply(t, joinReorder{}, plan))
	})

	t.Run("order preserved", func(t *testing.T) {
		plan := mustPlan(t, planner.Scan(people(10)).JoinOn(planner.Scan(scores(1000)), planner.JoinInner, "id"))
		assert.Same(t, plan, apply(t, joinReorder{preserveOrder: true}, plan))
	})
}

func TestPassesIdempotent(t *testing.T) {
	plan := mustPlan(t, planner.Scan(people(10)).
		JoinOn(planner.Scan(scores(1000)), planner.JoinInner, "id").
		Filter(planner.Col("score").Gt(planner.Lit(1))).
		Select(planner.Col("name"), planner.Col("score").Mul(planner.Lit(2)).Alias("s2")).
		SortBy("s2").
		Head(5))

	for _, pass := range Passes(DefaultOptions()) {
		t.Run(pass.Name(), func(t *testing.T) {
			once := apply(t, pass, plan)
			twice := apply(t, pass, once)
			assert.Equal(t, shape(once), shape(twice))
		})
	}
}

func TestOptimize(t *testing.T) {
	lf := planner.Scan(numbers(100)).
		WithColumns(planner.Col("a").Add(planner.Col("b")).Alias("s")).
		Filter(planner.Col("s").Gt(planner.Lit(3))).
		Select(planner.Col("s"), planner.Col("a")).
		SortBy("s").
		Head(2)
	plan := mustPlan(t, lf)
	before := shape(plan)

	res, err := Optimize(plan, DefaultOptions())
	require.NoError(t, err)
	assert.Contains(t, res.Changed, "predicate_pushdown")
	assert.Contains(t, res.Changed, "slice_pushdown")
	assert.True(t, res.Plan.OutputSchema().Equal(plan.OutputSchema()))
	assert.NotSame(t, plan.Arena(), res.Plan.Arena())
	assert.Equal(t, before, shape(plan), "the input plan must not change")

	again, err := Optimize(res.Plan, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, again.Changed)
	assert.Equal(t, shape(res.Plan), shape(again.Plan))

	t.Run("no passes", func(t *testing.T) {
		res, err := Optimize(plan, Options{Passes: config.OptimizerConfig{}})
		require.NoError(t, err)
		assert.Empty(t, res.Changed)
		assert.Equal(t, before, shape(res.Plan))
	})
}

func TestEstimateRows(t *testing.T) {
	scan := planner.Scan(numbers(100))
	tests := []struct {
		name string
		lf   planner.LazyFrame
		want float64
	}{
		{"scan", scan, 100},
		{"equality", scan.Filter(planner.Col("a").Eq(planner.Lit(1))), 10},
		{"range", scan.Filter(planner.Col("a").Gt(planner.Lit(1))), 25},
		{"head", scan.Head(5), 5},
		{"grouped", scan.GroupBy(planner.Col("a")).Agg(planner.Col("b").Sum()), 50},
		{"global", scan.GroupBy().Agg(planner.Col("b").Sum()), 1},
		{"union", scan.Union(scan), 200},
		{"empty source", planner.Scan(people(0)), 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, EstimateRows(mustPlan(t, tc.lf)), 1e-9)
		})
	}
}
