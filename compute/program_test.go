package compute

import (
	"math"
	"sort"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/planner"
)

// column builds a column of type t. Entries are Go values or common.Values; nil is null.
func column(t common.DataType, vals ...any) arrow.Array {
	out := make([]common.Value, len(vals))
	for i, v := range vals {
		if v == nil {
			out[i] = common.NewNull(t)
			continue
		}
		out[i] = common.MustValueOf(v)
	}
	return common.ArrayFromValues(t, out)
}

// goValues reads a column back as Go values: int64, uint64, float64, string, bool or nil.
func goValues(arr arrow.Array) []any {
	out := make([]any, arr.Len())
	for i := range out {
		v := common.ValueAt(arr, i)
		t := v.Type()
		switch {
		case v.IsNull():
		case t.ID == common.Boolean:
			out[i] = v.Bool()
		case t.IsSigned(), t.IsTemporal():
			out[i] = v.Int64()
		case t.IsUnsigned():
			out[i] = v.Uint64()
		case t.IsFloat():
			out[i] = v.Float64()
		default:
			out[i] = v.String()
		}
	}
	return out
}

func compileExprs(t *testing.T, c *Compiler, schema *common.Schema, exprs ...planner.Expr) *Program {
	a := planner.NewArena()
	ids := make([]planner.ExprID, len(exprs))
	for i, e := range exprs {
		id, err := a.Lower(e, schema)
		require.NoError(t, err)
		ids[i] = id
	}
	p, err := c.Compile(a, schema, ids)
	require.NoError(t, err)
	return p
}

func evalExprs(t *testing.T, schema *common.Schema, cols []arrow.Array, exprs ...planner.Expr) ([]arrow.Array, error) {
	p := compileExprs(t, NewCompiler(0), schema, exprs...)
	return p.Eval(cols, cols[0].Len())
}

func TestKleeneLogic(t *testing.T) {
	schema := common.MustSchema(
		common.NewField("p", common.BoolType, true),
		common.NewField("q", common.BoolType, true),
	)
	cols := []arrow.Array{
		column(common.BoolType, true, true, true, false, false, false, nil, nil, nil),
		column(common.BoolType, true, false, nil, true, false, nil, true, false, nil),
	}
	p, q := planner.Col("p"), planner.Col("q")
	out, err := evalExprs(t, schema, cols, p.And(q), p.Or(q), p.Not())
	require.NoError(t, err)

	assert.Equal(t, []any{true, false, nil, false, false, false, nil, false, nil}, goValues(out[0]))
	assert.Equal(t, []any{true, true, true, true, false, nil, true, nil, nil}, goValues(out[1]))
	assert.Equal(t, []any{false, false, false, true, true, true, nil, nil, nil}, goValues(out[2]))
}

func TestArithmetic(t *testing.T) {
	schema := common.MustSchema(
		common.NewField("a", common.Int64Type, true),
		common.NewField("b", common.Int64Type, false),
		common.NewField("i", common.Int32Type, false),
	)
	cols := []arrow.Array{
		column(common.Int64Type, 1, nil, 3, -7),
		column(common.Int64Type, 2, 2, 0, 2),
		column(common.Int32Type, 10, 20, 30, 40),
	}
	a, b, i := planner.Col("a"), planner.Col("b"), planner.Col("i")

	tests := []struct {
		name string
		expr planner.Expr
		want []any
	}{
		{"add propagates null", a.Add(b), []any{int64(3), nil, int64(3), int64(-5)}},
		{"true division", a.Div(b), []any{0.5, nil, math.Inf(1), -3.5}},
		{"mixed widths widen", i.Add(a), []any{int64(11), nil, int64(33), int64(33)}},
		{"comparison with literal", a.Gt(planner.Lit(1)), []any{false, nil, true, false}},
		{"negation", a.Neg(), []any{int64(-1), nil, int64(-3), int64(7)}},
		{"is null", a.IsNull(), []any{false, true, false, false}},
		{"fill null", a.FillNull(planner.Lit(0)), []any{int64(1), int64(0), int64(3), int64(-7)}},
		{"ternary", planner.When(a.Gt(planner.Lit(1))).Then(planner.Lit("big")).Otherwise(planner.Lit("small")),
			[]any{"small", "small", "big", "small"}},
		{"int literal keeps column width", i.Mul(planner.Lit(2)), []any{int64(20), int64(40), int64(60), int64(80)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := evalExprs(t, schema, cols, tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, goValues(out[0]))
		})
	}
}

func TestFloorDivisionAndModulo(t *testing.T) {
	schema := common.MustSchema(
		common.NewField("x", common.Int64Type, false),
		common.NewField("y", common.Int64Type, false),
	)
	cols := []arrow.Array{column(common.Int64Type, -7, 7, 7, -7), column(common.Int64Type, 2, 2, -2, -2)}
	x, y := planner.Col("x"), planner.Col("y")
	out, err := evalExprs(t, schema, cols, x.IntDiv(y), x.Mod(y))
	require.NoError(t, err)
	assert.Equal(t, []any{int64(-4), int64(3), int64(-4), int64(3)}, goValues(out[0]))
	assert.Equal(t, []any{int64(1), int64(1), int64(-1), int64(-1)}, goValues(out[1]))
}

func TestComputeErrors(t *testing.T) {
	schema := common.MustSchema(
		common.NewField("a", common.Int64Type, true),
		common.NewField("z", common.Int64Type, false),
		common.NewField("s", common.StringType, false),
	)
	cols := []arrow.Array{
		column(common.Int64Type, int64(math.MaxInt64), nil),
		column(common.Int64Type, 0, 0),
		column(common.StringType, "12", "x"),
	}
	a, z, s := planner.Col("a"), planner.Col("z"), planner.Col("s")

	tests := []struct {
		name string
		expr planner.Expr
	}{
		{"add overflow", a.Add(planner.Lit(1))},
		{"mul overflow", a.Mul(planner.Lit(2))},
		{"integer division by zero", a.IntDiv(z)},
		{"modulo by zero", a.Mod(z)},
		{"strict cast", s.StrictCast(common.Int32Type)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := evalExprs(t, schema, cols, tt.expr)
			require.Error(t, err)
			assert.True(t, common.IsCode(err, common.ComputeError), "got %v", err)
		})
	}

	// Division by zero on a null row is not evaluated.
	out, err := evalExprs(t, schema, []arrow.Array{
		column(common.Int64Type, nil), column(common.Int64Type, 0), column(common.StringType, "1"),
	}, a.IntDiv(z))
	require.NoError(t, err)
	assert.Equal(t, []any{nil}, goValues(out[0]))
}

func TestTernaryEvaluatesOnlySelectedRows(t *testing.T) {
	schema := common.MustSchema(
		common.NewField("a", common.Int64Type, false),
		common.NewField("b", common.Int64Type, true),
		common.NewField("s", common.StringType, false),
	)
	cols := []arrow.Array{
		column(common.Int64Type, 7, 7, int64(math.MaxInt64), -9),
		column(common.Int64Type, 2, 0, nil, 3),
		column(common.StringType, "5", "x", "x", "x"),
	}
	a, b, s := planner.Col("a"), planner.Col("b"), planner.Col("s")
	zero := planner.Lit(0)

	tests := []struct {
		name string
		expr planner.Expr
		want []any
	}{
		{"guarded division", planner.When(b.NotEq(zero)).Then(a.IntDiv(b)).Otherwise(zero),
			[]any{int64(3), int64(0), int64(0), int64(-3)}},
		{"guard in the otherwise arm", planner.When(b.Eq(zero).Or(b.IsNull())).Then(zero).Otherwise(a.Mod(b)),
			[]any{int64(1), int64(0), int64(0), int64(0)}},
		{"guarded overflow", planner.When(b.IsNotNull()).Then(a.Add(planner.Lit(1))).Otherwise(planner.Lit(-1)),
			[]any{int64(8), int64(8), int64(-1), int64(-8)}},
		{"chained guards", planner.When(b.IsNull()).Then(zero).When(b.Eq(zero)).Then(planner.Lit(-1)).Otherwise(a.IntDiv(b)),
			[]any{int64(3), int64(-1), int64(0), int64(-3)}},
		{"guarded strict cast", planner.When(s.NotEq(planner.Lit("x"))).Then(s.StrictCast(common.Int64Type)).Otherwise(a),
			[]any{int64(5), int64(7), int64(math.MaxInt64), int64(-9)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := evalExprs(t, schema, cols, tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, goValues(out[0]))
		})
	}

	// A selected row still fails.
	_, err := evalExprs(t, schema, cols, planner.When(a.Gt(zero)).Then(a.IntDiv(b)).Otherwise(zero))
	assert.True(t, common.IsCode(err, common.ComputeError), "got %v", err)
}

func TestCasts(t *testing.T) {
	schema := common.MustSchema(
		common.NewField("s", common.StringType, true),
		common.NewField("f", common.Float64Type, false),
		common.NewField("l", common.Int64Type, false),
	)
	cols := []arrow.Array{
		column(common.StringType, "12", " 7", "x", nil),
		column(common.Float64Type, 3.7, -3.7, math.NaN(), 1e30),
		column(common.Int64Type, 300, -5, 127, 0),
	}
	s, f, l := planner.Col("s"), planner.Col("f"), planner.Col("l")

	out, err := evalExprs(t, schema, cols,
		s.Cast(common.Int32Type), f.Cast(common.Int64Type), l.Cast(common.Int8Type), l.Cast(common.StringType),
		l.Cast(common.UInt8Type))
	require.NoError(t, err)
	assert.Equal(t, []any{int64(12), int64(7), nil, nil}, goValues(out[0]))
	assert.Equal(t, []any{int64(3), int64(-3), nil, nil}, goValues(out[1]))
	assert.Equal(t, []any{nil, int64(-5), int64(127), int64(0)}, goValues(out[2]))
	assert.Equal(t, []any{"300", "-5", "127", "0"}, goValues(out[3]))
	assert.Equal(t, []any{nil, nil, uint64(127), uint64(0)}, goValues(out[4]))
}

func TestCastValueTemporal(t *testing.T) {
	day := int32(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC).Unix() / 86400)
	v, ok := CastValue(common.NewDateValue(day), common.DatetimeType(common.Milliseconds, ""))
	require.True(t, ok)
	assert.Equal(t, int64(day)*86_400_000, v.Int64())

	back, ok := CastValue(common.NewDatetimeValue(common.Milliseconds, "", int64(day)*86_400_000+5), common.DateType)
	require.True(t, ok)
	assert.Equal(t, int64(day), back.Int64())

	parsed, ok := CastValue(common.NewStringValue("2024-03-15 12:00:00"), common.DatetimeType(common.Microseconds, ""))
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC).UnixMicro(), parsed.Int64())

	_, ok = CastValue(common.NewStringValue("not a date"), common.DateType)
	assert.False(t, ok)
}

func TestFloatTotalOrder(t *testing.T) {
	schema := common.MustSchema(
		common.NewField("x", common.Float64Type, false),
		common.NewField("y", common.Float64Type, false),
	)
	cols := []arrow.Array{
		column(common.Float64Type, math.NaN(), math.NaN(), 1.0),
		column(common.Float64Type, math.NaN(), 1.0, math.Inf(1)),
	}
	x, y := planner.Col("x"), planner.Col("y")
	out, err := evalExprs(t, schema, cols, x.Eq(y), x.Gt(y))
	require.NoError(t, err)
	assert.Equal(t, []any{true, false, false}, goValues(out[0]))
	assert.Equal(t, []any{false, true, false}, goValues(out[1]))
}

func TestFunctions(t *testing.T) {
	day := common.NewDateValue(int32(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC).Unix() / 86400))
	schema := common.MustSchema(
		common.NewField("s", common.StringType, true),
		common.NewField("f", common.Float64Type, false),
		common.NewField("d", common.DateType, false),
		common.NewField("l", common.Int64Type, false),
	)
	cols := []arrow.Array{
		column(common.StringType, "héllo", nil),
		column(common.Float64Type, 2.25, -1.5),
		column(common.DateType, day, day),
		column(common.Int64Type, -4, int64(math.MinInt64)),
	}
	s, f, d := planner.Col("s"), planner.Col("f"), planner.Col("d")

	out, err := evalExprs(t, schema, cols,
		s.Upper(), s.StrLen(), s.Contains("ll"), f.Round(1), f.Floor(), f.Abs(), d.Year(), d.Month(), d.Day(),
		planner.ConcatStr(s, planner.Lit("!")))
	require.NoError(t, err)
	assert.Equal(t, []any{"HÉLLO", nil}, goValues(out[0]))
	assert.Equal(t, []any{int64(5), nil}, goValues(out[1]))
	assert.Equal(t, []any{true, nil}, goValues(out[2]))
	rounded := goValues(out[3])
	assert.InDelta(t, 2.3, rounded[0].(float64), 1e-12)
	assert.InDelta(t, -1.5, rounded[1].(float64), 1e-12)
	assert.Equal(t, []any{2.0, -2.0}, goValues(out[4]))
	assert.Equal(t, []any{2.25, 1.5}, goValues(out[5]))
	assert.Equal(t, []any{int64(2024), int64(2024)}, goValues(out[6]))
	assert.Equal(t, []any{int64(3), int64(3)}, goValues(out[7]))
	assert.Equal(t, []any{int64(15), int64(15)}, goValues(out[8]))
	assert.Equal(t, []any{"héllo!", nil}, goValues(out[9]))

	_, err = evalExprs(t, schema, cols, planner.Col("l").Abs())
	assert.True(t, common.IsCode(err, common.ComputeError))
}

func TestHashFunction(t *testing.T) {
	schema := common.MustSchema(common.NewField("s", common.StringType, true))
	cols := []arrow.Array{column(common.StringType, "a", "b", "a", nil)}
	out, err := evalExprs(t, schema, cols, planner.Col("s").Hash())
	require.NoError(t, err)
	h := goValues(out[0])
	assert.Equal(t, h[0], h[2])
	assert.NotEqual(t, h[0], h[1])
	assert.NotNil(t, h[3], "hash never produces null")
}

func TestSharedSubexpressionsComputedOnce(t *testing.T) {
	schema := common.MustSchema(common.NewField("a", common.Int64Type, false))
	a := planner.Col("a")
	inc := a.Add(planner.Lit(1))
	p := compileExprs(t, NewCompiler(0), schema, inc.Alias("x"), inc.Mul(planner.Lit(2)).Alias("y"))

	binaries := 0
	for _, s := range p.steps {
		if s.op == opBinary {
			binaries++
		}
	}
	assert.Equal(t, 2, binaries)
	assert.Equal(t, []string{"x", "y"}, []string{p.Fields()[0].Name, p.Fields()[1].Name})

	out, err := p.Eval([]arrow.Array{column(common.Int64Type, 1, 2)}, 2)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2), int64(3)}, goValues(out[0]))
	assert.Equal(t, []any{int64(4), int64(6)}, goValues(out[1]))
}

func TestCompilerCacheSharesPrograms(t *testing.T) {
	schema := common.MustSchema(common.NewField("a", common.Int64Type, false))
	c := NewCompiler(8)
	expr := planner.Col("a").Mul(planner.Lit(3)).Gt(planner.Lit(10))
	p1 := compileExprs(t, c, schema, expr)
	p2 := compileExprs(t, c, schema, expr)
	assert.Same(t, p1, p2)

	other := common.MustSchema(common.NewField("a", common.Int32Type, false))
	p3 := compileExprs(t, c, other, expr)
	assert.NotSame(t, p1, p3)
}

func TestCompileRejectsAggregates(t *testing.T) {
	schema := common.MustSchema(common.NewField("a", common.Int64Type, false))
	a := planner.NewArena()
	id, err := a.Lower(planner.Col("a").Sum(), schema)
	require.NoError(t, err)
	_, err = NewCompiler(0).CompileOne(a, schema, id)
	assert.True(t, common.IsCode(err, common.InternalError))
}

func TestEncodeKeys(t *testing.T) {
	narrow := column(common.Int32Type, 1, nil, 2)
	wide := column(common.Int64Type, 1, nil, 3)
	k1 := EncodeKeys([]common.DataType{common.Int32Type}, []arrow.Array{narrow}, 3)
	k2 := EncodeKeys([]common.DataType{common.Int64Type}, []arrow.Array{wide}, 3)
	assert.Equal(t, k1[0], k2[0])
	assert.Equal(t, k1[1], k2[1], "nulls encode alike")
	assert.NotEqual(t, k1[0], k1[1])
	assert.NotEqual(t, k1[2], k2[2])
	assert.Equal(t, []bool{true, false, true}, KeysValid([]arrow.Array{narrow}, 3))

	// The vectorized encoding agrees with the scalar one.
	strs := column(common.StringType, "x", nil)
	keys := EncodeKeys([]common.DataType{common.StringType}, []arrow.Array{strs}, 2)
	assert.Equal(t, string(common.NewStringValue("x").AppendKey(nil)), keys[0])
	assert.Equal(t, HashKeys(keys)[0], common.NewStringValue("x").Hash())
}

func TestCompareRows(t *testing.T) {
	col := column(common.Int64Type, 3, nil, 1, 2)
	keys := NewSortKeys([]common.DataType{common.Int64Type}, []arrow.Array{col})

	order := func(o SortOrder) []int {
		idx := []int{0, 1, 2, 3}
		sort.SliceStable(idx, func(i, j int) bool {
			return CompareRows([]SortOrder{o}, keys, idx[i], keys, idx[j]) < 0
		})
		return idx
	}
	assert.Equal(t, []int{1, 2, 3, 0}, order(SortOrder{}))
	assert.Equal(t, []int{2, 3, 0, 1}, order(SortOrder{NullsLast: true}))
	assert.Equal(t, []int{0, 3, 2, 1}, order(SortOrder{Descending: true, NullsLast: true}))
	assert.Equal(t, []int{1, 0, 3, 2}, order(SortOrder{Descending: true}))
}
