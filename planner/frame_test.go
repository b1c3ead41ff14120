package planner

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/morseldb/common"
)

type testSource struct {
	name   string
	schema *common.Schema
}

func (s testSource) Name() string           { return s.name }
func (s testSource) Schema() *common.Schema { return s.schema }

type testSink struct{}

func (testSink) Name() string { return "test" }

func salesSource() testSource {
	return testSource{name: "sales", schema: common.MustSchema(
		common.NewField("g", common.StringType, false),
		common.NewField("v", common.Int64Type, false),
	)}
}

func peopleSources() (testSource, testSource) {
	left := testSource{name: "people", schema: common.MustSchema(
		common.NewField("id", common.Int64Type, false),
		common.NewField("name", common.StringType, true),
	)}
	right := testSource{name: "scores", schema: common.MustSchema(
		common.NewField("id", common.Int64Type, false),
		common.NewField("name", common.StringType, true),
		common.NewField("score", common.Float64Type, false),
	)}
	return left, right
}

type fieldSpec struct {
	name     string
	nullable bool
}

func fieldSpecs(s *common.Schema) []fieldSpec {
	out := make([]fieldSpec, s.Len())
	for i, f := range s.Fields() {
		out[i] = fieldSpec{f.Name, f.Nullable}
	}
	return out
}

func TestJoinSchemas(t *testing.T) {
	left, right := peopleSources()
	tests := []struct {
		how  JoinType
		want []fieldSpec
	}{
		{JoinInner, []fieldSpec{{"id", false}, {"name", true}, {"name_right", true}, {"score", false}}},
		{JoinLeft, []fieldSpec{{"id", false}, {"name", true}, {"name_right", true}, {"score", true}}},
		{JoinRight, []fieldSpec{{"id", false}, {"name", true}, {"name_right", true}, {"score", false}}},
		{JoinFull, []fieldSpec{{"id", true}, {"name", true}, {"id_right", true}, {"name_right", true}, {"score", true}}},
		{JoinSemi, []fieldSpec{{"id", false}, {"name", true}}},
		{JoinAnti, []fieldSpec{{"id", false}, {"name", true}}},
	}
	for _, tc := range tests {
		t.Run(tc.how.String(), func(t *testing.T) {
			plan, err := Scan(left).JoinOn(Scan(right), tc.how, "id").Plan()
			require.NoError(t, err)
			assert.Equal(t, tc.want, fieldSpecs(plan.OutputSchema()))

			// Both inputs now live in the arena of the root.
			Walk(plan, func(n PlanNode) bool {
				assert.Same(t, plan.Arena(), n.Arena())
				return true
			})
		})
	}
}

func TestJoinSuffixAndComputedKeys(t *testing.T) {
	left, right := peopleSources()
	plan, err := Scan(left).Join(Scan(right), []Expr{Col("id").Add(Lit(1))}, []Expr{Col("id")}, JoinInner,
		WithSuffix("_r")).Plan()
	require.NoError(t, err)
	// A computed key is never coalesced.
	assert.Equal(t, []string{"id", "name", "id_r", "name_r", "score"}, plan.OutputSchema().Names())
}

func TestJoinKeyErrors(t *testing.T) {
	left, right := peopleSources()
	_, err := Scan(left).Join(Scan(right), []Expr{Col("name")}, []Expr{Col("score")}, JoinInner).Plan()
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.SchemaError))

	_, err = Scan(left).Join(Scan(right), []Expr{Col("id")}, nil, JoinInner).Plan()
	require.Error(t, err)
}

func TestGroupByAgg(t *testing.T) {
	plan, err := Scan(salesSource()).
		GroupBy(Col("g")).
		Agg(Col("v").Sum().Alias("total"), Col("v").Sum().Div(Col("v").Count()).Alias("avg")).
		Plan()
	require.NoError(t, err)

	proj, ok := plan.(*ProjectionNode)
	require.True(t, ok, "combined aggregates need a projection, got %T", plan)
	agg, ok := proj.Child.(*AggregateNode)
	require.True(t, ok)
	// total, plus the hidden sum and count behind avg.
	assert.Len(t, agg.Aggregates, 3)

	s := plan.OutputSchema()
	assert.Equal(t, []string{"g", "total", "avg"}, s.Names())
	f, _ := s.Lookup("avg")
	assert.True(t, f.Type.Equal(common.Float64Type))
}

func TestGroupByAggWithoutProjection(t *testing.T) {
	plan, err := Scan(salesSource()).GroupBy(Col("g")).Agg(Col("v").Max(), Len()).Plan()
	require.NoError(t, err)
	_, ok := plan.(*AggregateNode)
	require.True(t, ok)
	assert.Equal(t, []fieldSpec{{"g", false}, {"v", true}, {"len", false}}, fieldSpecs(plan.OutputSchema()))
}

func TestAggregateErrors(t *testing.T) {
	_, err := Scan(salesSource()).GroupBy(Col("g")).Agg(Col("v")).Plan()
	require.Error(t, err)
	var qe *common.QueryError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, common.SchemaError, qe.Code)
	assert.Equal(t, "Aggregate", qe.Node)
}

func TestSelectGlobalAggregate(t *testing.T) {
	plan, err := Scan(salesSource()).Select(Col("v").Sum(), Col("v").Mean().Alias("mean")).Plan()
	require.NoError(t, err)
	agg, ok := plan.(*AggregateNode)
	require.True(t, ok)
	assert.Empty(t, agg.GroupBy)
	assert.Equal(t, []string{"v", "mean"}, plan.OutputSchema().Names())
}

func TestWindowExtraction(t *testing.T) {
	plan, err := Scan(salesSource()).
		WithColumns(
			Col("v").Sub(Col("v").Mean().Over(Col("g"))).Alias("centered"),
			RowNumber().Over(Col("g")).Alias("rn"),
		).Plan()
	require.NoError(t, err)

	proj, ok := plan.(*ProjectionNode)
	require.True(t, ok)
	w, ok := proj.Child.(*WindowNode)
	require.True(t, ok)
	assert.Len(t, w.Expressions, 2)

	assert.Equal(t, []fieldSpec{{"g", false}, {"v", false}, {"centered", true}, {"rn", false}},
		fieldSpecs(plan.OutputSchema()))
}

func TestWindowReplacesColumn(t *testing.T) {
	plan, err := Scan(salesSource()).WithColumns(Col("v").CumSum().Over(Col("g"))).Plan()
	require.NoError(t, err)
	assert.Equal(t, []string{"g", "v"}, plan.OutputSchema().Names())
}

func TestFilterErrors(t *testing.T) {
	tests := []struct {
		name   string
		frame  LazyFrame
		node   string
		column string
	}{
		{"unknown column", Scan(salesSource()).Filter(Col("nope").Gt(Lit(1))), "Filter", "nope"},
		{"non boolean", Scan(salesSource()).Filter(Col("v")), "Filter", ""},
		{"aggregate in filter", Scan(salesSource()).Filter(Col("v").Sum().Gt(Lit(1))), "Filter", ""},
		{"sort by unknown", Scan(salesSource()).SortBy("x"), "Sort", "x"},
		{"distinct unknown", Scan(salesSource()).Distinct(KeepAny, "x"), "Distinct", "x"},
		{"negative length", Scan(salesSource()).Slice(0, -5), "Slice", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.frame.Plan()
			require.Error(t, err)
			var qe *common.QueryError
			require.True(t, errors.As(err, &qe), "got %v", err)
			assert.Equal(t, common.SchemaError, qe.Code)
			assert.Equal(t, tc.node, qe.Node)
			if tc.column != "" {
				assert.Equal(t, tc.column, qe.Column)
			}
		})
	}
}

func TestErrorsAreSticky(t *testing.T) {
	lf := Scan(salesSource()).Filter(Col("nope")).Select(Col("v")).Head(3)
	_, err := lf.Plan()
	require.Error(t, err)
	_, err = lf.Schema()
	require.Error(t, err)
	assert.Contains(t, lf.Explain(), "error:")
}

func TestUnion(t *testing.T) {
	plan, err := Scan(salesSource()).Union(Scan(salesSource()), Scan(salesSource())).Plan()
	require.NoError(t, err)
	assert.Len(t, plan.Children(), 3)

	other := testSource{name: "other", schema: common.MustSchema(
		common.NewField("g", common.StringType, false),
		common.NewField("w", common.Int64Type, false),
	)}
	_, err = Scan(salesSource()).Union(Scan(other)).Plan()
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.SchemaError))
}

func TestExplain(t *testing.T) {
	lf := Scan(salesSource()).Filter(Col("v").Gt(Lit(10))).Sort(Desc(Col("v"))).Head(5)
	out := lf.Explain()
	assert.Contains(t, out, "Scan: sales")
	assert.Contains(t, out, "Filter: (v > 10)")
	assert.Contains(t, out, "Slice: offset=0 length=5")

	plan, err := lf.Plan()
	require.NoError(t, err)
	assert.Equal(t, 4, CountNodes(plan))
}

func TestSinkKeepsSchema(t *testing.T) {
	plan, err := Scan(salesSource()).Select(Col("v")).Sink(testSink{}).Plan()
	require.NoError(t, err)
	assert.Equal(t, "Sink", plan.Kind())
	assert.Equal(t, []string{"v"}, plan.OutputSchema().Names())
}

func TestSinkMustBeRoot(t *testing.T) {
	tests := []struct {
		name string
		lf   LazyFrame
	}{
		{"filter over sink", Scan(salesSource()).Sink(testSink{}).Filter(Col("v").Gt(Lit(1)))},
		{"union of sinks", Scan(salesSource()).Union(Scan(salesSource()).Sink(testSink{}))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.lf.Plan()
			require.Error(t, err)
			assert.True(t, common.IsCode(err, common.SchemaError), "got %v", err)
			var qe *common.QueryError
			require.True(t, errors.As(err, &qe))
			assert.Equal(t, "Sink", qe.Node)
		})
	}
}

func TestRebaseKeepsIdentity(t *testing.T) {
	left := Scan(salesSource()).Filter(Col("v").Gt(Lit(1)))
	p, err := left.Plan()
	require.NoError(t, err)
	a := NewArena()
	r, err := Rebase(p, a)
	require.NoError(t, err)
	assert.Equal(t, p.ID(), r.ID())
	assert.Same(t, a, r.Arena())
	assert.True(t, p.OutputSchema().Equal(r.OutputSchema()))
	require.NoError(t, Validate(r))
}
