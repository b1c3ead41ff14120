package planner

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/morseldb/common"
)

// Schema used by most expression tests:
// [i i32, l i64?, f f64, s str, d date, ts datetime[us], b bool, dec decimal[10,2]]
func exprTestSchema() *common.Schema {
	return common.MustSchema(
		common.NewField("i", common.Int32Type, false),
		common.NewField("l", common.Int64Type, true),
		common.NewField("f", common.Float64Type, false),
		common.NewField("s", common.StringType, false),
		common.NewField("d", common.DateType, false),
		common.NewField("ts", common.DatetimeType(common.Microseconds, ""), false),
		common.NewField("b", common.BoolType, false),
		common.NewField("dec", common.DecimalType(10, 2), false),
	)
}

func TestArenaInterning(t *testing.T) {
	a := NewArena()
	s := exprTestSchema()

	id1, err := a.Lower(Col("i").Add(Lit(1)), s)
	require.NoError(t, err)
	size := a.Len()
	id2, err := a.Lower(Col("i").Add(Lit(1)), s)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, size, a.Len(), "re-lowering an identical tree must not add nodes")
	assert.Equal(t, a.Node(id1).Fingerprint(), a.Node(id2).Fingerprint())

	// Literal type is part of the structure.
	id3, err := a.Lower(Col("i").Add(Lit(int32(1))), s)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestTypeInference(t *testing.T) {
	tests := []struct {
		name     string
		expr     Expr
		want     common.DataType
		nullable bool
	}{
		{"int literal adopts column type", Col("i").Add(Lit(1)), common.Int32Type, false},
		{"integers widen", Col("i").Add(Col("l")), common.Int64Type, true},
		{"true division", Col("i").Div(Lit(2)), common.Float64Type, false},
		{"int times float", Col("i").Mul(Lit(1.5)), common.Float64Type, false},
		{"date difference", Col("d").Sub(Col("d")), common.DurationType(common.Milliseconds), false},
		{"datetime plus duration", Col("ts").Add(Lit(time.Hour)), common.DatetimeType(common.Microseconds, ""), false},
		{"string concat", Col("s").Add(Lit("x")), common.StringType, false},
		{"comparison", Col("i").Gt(Lit(5)), common.BoolType, false},
		{"nullable comparison", Col("l").Gt(Lit(5)), common.BoolType, true},
		{"conjunction", Col("b").And(Col("i").Gt(Lit(1))), common.BoolType, false},
		{"sum of i32", Col("i").Sum(), common.Int64Type, false},
		{"sum of decimal", Col("dec").Sum(), common.DecimalType(38, 2), false},
		{"mean", Col("f").Mean(), common.Float64Type, true},
		{"max of string", Col("s").Max(), common.StringType, true},
		{"count", Col("l").Count(), common.Int64Type, false},
		{"lossless cast", Col("i").Cast(common.Int64Type), common.Int64Type, false},
		{"lossy cast", Col("s").Cast(common.Int64Type), common.Int64Type, true},
		{"strict cast", Col("s").StrictCast(common.Int64Type), common.Int64Type, false},
		{"when otherwise null", When(Col("b")).Then(Col("i")).Otherwise(Lit(nil)), common.Int32Type, true},
		{"fill null", Col("l").FillNull(Lit(0)), common.Int64Type, false},
		{"str_len", Col("s").StrLen(), common.Int64Type, false},
		{"year", Col("d").Year(), common.Int32Type, false},
		{"is null", Col("l").IsNull(), common.BoolType, false},
		{"lag", Col("i").Lag(1).Over(Col("s")), common.Int32Type, true},
		{"row number", RowNumber().Over(Col("s")), common.Int64Type, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := NewArena()
			id, err := a.Lower(tc.expr, exprTestSchema())
			require.NoError(t, err)
			n := a.Node(id)
			assert.True(t, tc.want.Equal(n.Type), "got %s, want %s", n.Type, tc.want)
			assert.Equal(t, tc.nullable, n.Nullable)
		})
	}
}

func TestTypeErrors(t *testing.T) {
	tests := []struct {
		name string
		expr Expr
	}{
		{"bool arithmetic", Col("b").Add(Lit(1))},
		{"string vs int", Col("s").Gt(Lit(1))},
		{"and on int", Col("i").And(Col("b"))},
		{"impossible cast", Col("s").Cast(common.ListType(common.Int64Type))},
		{"nested aggregate", Col("i").Sum().Max()},
		{"rank without order", Rank().Over(Col("s"))},
		{"unknown function", Fn("frobnicate", Col("i"))},
		{"upper on int", Col("i").Upper()},
		{"unknown column", Col("nope").Add(Lit(1))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewArena().Lower(tc.expr, exprTestSchema())
			require.Error(t, err)
			assert.True(t, common.IsCode(err, common.SchemaError), "got %v", err)
		})
	}
}

func TestOutputNames(t *testing.T) {
	a := NewArena()
	s := exprTestSchema()
	tests := []struct {
		expr Expr
		want string
	}{
		{Col("i").Add(Lit(1)), "i"},
		{Lit(1).Add(Col("i")), "literal"},
		{Col("i").Alias("x"), "x"},
		{Col("f").Sum(), "f"},
		{Len(), "len"},
		{RowNumber().Over(Col("s")), "row_number"},
		{When(Col("b")).Then(Col("f")).Otherwise(Lit(0.0)), "f"},
	}
	for _, tc := range tests {
		id, err := a.Lower(tc.expr, s)
		require.NoError(t, err)
		assert.Equal(t, tc.want, a.OutputName(id), tc.expr.String())
		assert.Equal(t, tc.want, tc.expr.Name())
	}
}

func TestConjunctsAndSubstitute(t *testing.T) {
	a := NewArena()
	s := exprTestSchema()
	pred, err := a.Lower(Col("i").Gt(Lit(1)).And(Col("f").Lt(Lit(2.0))).And(Col("b")), s)
	require.NoError(t, err)

	parts := a.SplitConjuncts(pred)
	require.Len(t, parts, 3)
	assert.Equal(t, []string{"b", "f", "i"}, a.Columns(pred))

	back, err := a.Conjoin(parts)
	require.NoError(t, err)
	assert.Equal(t, pred, back)

	// Replace i by (l + 1): the comparison now runs on i64.
	repl, err := a.Lower(Col("l").Add(Lit(1)), s)
	require.NoError(t, err)
	sub, err := a.Substitute(parts[0], map[string]ExprID{"i": repl})
	require.NoError(t, err)
	assert.Equal(t, "((l + 1) > 1)", a.String(sub))
}

func TestImportAcrossArenas(t *testing.T) {
	src, dst := NewArena(), NewArena()
	s := exprTestSchema()
	id, err := src.Lower(Col("i").Sum().Over(Col("s")).Alias("total"), s)
	require.NoError(t, err)

	imported, err := dst.Import(src, id)
	require.NoError(t, err)
	assert.Equal(t, src.String(id), dst.String(imported))
	assert.Equal(t, src.Node(id).Fingerprint(), dst.Node(imported).Fingerprint())
}

func TestErrorsCarryColumn(t *testing.T) {
	_, err := NewArena().Lower(Col("missing"), exprTestSchema())
	var qe *common.QueryError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "missing", qe.Column)
}
