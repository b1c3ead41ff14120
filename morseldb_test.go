package morseldb

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"mit.edu/dsg/morseldb/catalog"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/config"
	"mit.edu/dsg/morseldb/logging"
	"mit.edu/dsg/morseldb/planner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T, parallelism int) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Parallelism = parallelism
	cfg.MorselSize = 2
	cfg.ChannelCapacity = 2
	cfg.SpillDir = t.TempDir()
	e, err := NewEngine(cfg, WithLogger(logging.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func recordRows(rec arrow.Record) []string {
	rows := make([]string, rec.NumRows())
	for i := range rows {
		vals := make([]string, rec.NumCols())
		for c := range vals {
			vals[c] = common.ValueAt(rec.Column(c), i).String()
		}
		rows[i] = strings.Join(vals, "|")
	}
	return rows
}

// run executes lf and returns its rows in arrival order.
func run(t *testing.T, e *Engine, lf planner.LazyFrame, opts ...ExecOption) ([]string, error) {
	t.Helper()
	plan, err := lf.Plan()
	require.NoError(t, err)
	h, err := e.Execute(context.Background(), plan, opts...)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	var rows []string
	for h.Next(context.Background()) {
		rows = append(rows, recordRows(h.Current())...)
	}
	return rows, h.Err()
}

func sorted(rows []string) []string {
	out := append([]string(nil), rows...)
	sort.Strings(out)
	return out
}

func partitioned(t *testing.T, name string, schema *common.Schema, parts ...[][]any) *catalog.MemorySource {
	t.Helper()
	recs := make([][]arrow.Record, len(parts))
	for i, p := range parts {
		for _, row := range p {
			recs[i] = append(recs[i], catalog.MustRecord(schema, row))
		}
	}
	src, err := catalog.NewMemorySource(name, schema, recs...)
	require.NoError(t, err)
	return src
}

var (
	numberSchema = common.MustSchema(common.NewField("a", common.Int64Type, false))
	leftSchema   = common.MustSchema(
		common.NewField("k", common.Int64Type, false),
		common.NewField("v", common.StringType, false),
	)
	rightSchema = common.MustSchema(
		common.NewField("k", common.Int64Type, false),
		common.NewField("w", common.StringType, false),
	)
	salesSchema = common.MustSchema(
		common.NewField("g", common.StringType, false),
		common.NewField("v", common.Int64Type, false),
	)
)

func TestFilterProject(t *testing.T) {
	e := newTestEngine(t, 4)
	src := partitioned(t, "numbers", numberSchema, [][]any{{1}, {2}, {3}})
	lf := planner.Scan(src).
		Filter(planner.Col("a").Gt(planner.Lit(1))).
		Select(planner.Col("a").Mul(planner.Lit(10)))

	rows, err := run(t, e, lf, WithPreserveOrder(true))
	require.NoError(t, err)
	assert.Equal(t, []string{"20", "30"}, rows)
}

func TestInnerJoin(t *testing.T) {
	e := newTestEngine(t, 4)
	left, err := catalog.NewTable("left", leftSchema, []any{1, "x"}, []any{2, "y"})
	require.NoError(t, err)
	right, err := catalog.NewTable("right", rightSchema, []any{1, "p"}, []any{1, "q"}, []any{3, "r"})
	require.NoError(t, err)

	rows, err := run(t, e, planner.Scan(left).JoinOn(planner.Scan(right), planner.JoinInner, "k"))
	require.NoError(t, err)
	assert.Equal(t, []string{"1|x|p", "1|x|q"}, sorted(rows))
}

func TestPartialAggregateMerge(t *testing.T) {
	e := newTestEngine(t, 2)
	src := partitioned(t, "sales", salesSchema,
		[][]any{{"A", 3}, {"B", 5}},
		[][]any{{"A", 2}, {"B", -1}},
	)
	lf := planner.Scan(src).GroupBy(planner.Col("g")).Agg(planner.Col("v").Sum())

	rows, err := run(t, e, lf)
	require.NoError(t, err)
	assert.Equal(t, []string{"A|5", "B|4"}, sorted(rows))
}

func TestOptimizerSoundness(t *testing.T) {
	e := newTestEngine(t, 3)
	var leftRows, rightRows [][]any
	for i := 0; i < 40; i++ {
		leftRows = append(leftRows, []any{i % 7, string(rune('a' + i%5))})
	}
	for i := 0; i < 25; i++ {
		rightRows = append(rightRows, []any{i % 9, string(rune('m' + i%4))})
	}
	left := partitioned(t, "left", leftSchema, leftRows[:20], leftRows[20:])
	right := partitioned(t, "right", rightSchema, rightRows)

	tests := []struct {
		name string
		lf   func() planner.LazyFrame
	}{
		{"filter over join", func() planner.LazyFrame {
			return planner.Scan(left).JoinOn(planner.Scan(right), planner.JoinInner, "k").
				Filter(planner.Col("k").Gt(planner.Lit(2)).And(planner.Col("w").NotEq(planner.Lit("n"))))
		}},
		{"left join with projection", func() planner.LazyFrame {
			return planner.Scan(left).JoinOn(planner.Scan(right), planner.JoinLeft, "k").
				Select(planner.Col("v"), planner.Col("w").IsNull().Alias("missing"))
		}},
		{"grouped filter", func() planner.LazyFrame {
			return planner.Scan(left).
				WithColumns(planner.Col("k").Mul(planner.Lit(2)).Alias("k2")).
				GroupBy(planner.Col("v")).
				Agg(planner.Col("k2").Sum().Alias("total"), planner.Len()).
				Filter(planner.Col("v").NotEq(planner.Lit("c")).And(planner.Col("total").Gt(planner.Lit(10))))
		}},
		{"top k", func() planner.LazyFrame {
			return planner.Scan(left).
				Select(planner.Col("k"), planner.Col("v")).
				Sort(planner.Desc(planner.Col("k")), planner.Asc(planner.Col("v"))).
				Head(6)
		}},
		{"union distinct", func() planner.LazyFrame {
			return planner.Scan(left).Select(planner.Col("k")).
				Union(planner.Scan(right).Select(planner.Col("k"))).
				Distinct(planner.KeepAny).
				Filter(planner.Col("k").LtEq(planner.Lit(4)))
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plain, err := run(t, e, tc.lf(), WithOptimizer(config.OptimizerConfig{}))
			require.NoError(t, err)
			optimized, err := run(t, e, tc.lf())
			require.NoError(t, err)
			assert.NotEmpty(t, plain)
			assert.Equal(t, sorted(plain), sorted(optimized))
		})
	}
}

func TestOptimizerKeepsExpressionsOnTheirRows(t *testing.T) {
	e := newTestEngine(t, 3)
	schema := common.MustSchema(
		common.NewField("a", common.Int64Type, false),
		common.NewField("b", common.Int64Type, false),
	)
	src := partitioned(t, "pairs", schema,
		[][]any{{6, 3}, {5, 0}, {9, 2}},
		[][]any{{4, 0}, {8, 4}, {1, 1}},
	)
	a, b := planner.Col("a"), planner.Col("b")

	tests := []struct {
		name string
		lf   planner.LazyFrame
		want []string
	}{
		{"division behind a filter", planner.Scan(src).
			Filter(b.NotEq(planner.Lit(0))).
			Select(a.IntDiv(b).Alias("x")).
			Filter(planner.Col("x").Gt(planner.Lit(1))),
			[]string{"2", "2", "4"}},
		{"division behind a condition", planner.Scan(src).
			Select(planner.When(b.NotEq(planner.Lit(0))).Then(a.IntDiv(b)).Otherwise(planner.Lit(0)).Alias("q")),
			[]string{"0", "0", "1", "2", "2", "4"}},
		{"column replaced by WithColumns", planner.Scan(src).
			WithColumns(a.Add(b).Alias("a")).
			Select(a.Add(b).Alias("c")),
			[]string{"12", "13", "16", "3", "4", "5"}},
		{"column replaced by Select", planner.Scan(src).
			Select(a.Add(b).Alias("a"), b).
			Select(a.Add(b).Alias("c")),
			[]string{"12", "13", "16", "3", "4", "5"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plain, err := run(t, e, tc.lf, WithOptimizer(config.OptimizerConfig{}))
			require.NoError(t, err)
			assert.Equal(t, tc.want, sorted(plain))

			optimized, err := run(t, e, tc.lf)
			require.NoError(t, err)
			assert.Equal(t, tc.want, sorted(optimized))
		})
	}
}

func TestDrain(t *testing.T) {
	e := newTestEngine(t, 2)
	src := partitioned(t, "numbers", numberSchema, [][]any{{1}, {2}, {3}}, [][]any{{4}, {5}})
	plan, err := planner.Scan(src).Filter(planner.Col("a").NotEq(planner.Lit(3))).Plan()
	require.NoError(t, err)

	h, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	table, err := h.Drain(context.Background())
	require.NoError(t, err)
	defer table.Release()
	assert.Equal(t, int64(4), table.NumRows())
	assert.Equal(t, int64(4), h.Rows())
	assert.False(t, h.Next(context.Background()), "a drained handle stays exhausted")
	require.NoError(t, h.Close())
}

func TestSinkPlan(t *testing.T) {
	e := newTestEngine(t, 2)
	src := partitioned(t, "numbers", numberSchema, [][]any{{1}, {2}, {3}})
	sink := catalog.NewMemorySink("out")
	plan, err := planner.Scan(src).Select(planner.Col("a").Add(planner.Lit(1))).Sink(sink).Plan()
	require.NoError(t, err)

	h, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))
	assert.True(t, sink.Finished())
	assert.Equal(t, int64(3), sink.Rows())
}

func TestComputeErrorIsAnnotated(t *testing.T) {
	e := newTestEngine(t, 2)
	src := partitioned(t, "numbers", numberSchema, [][]any{{1}, {2}, {3}})
	_, err := run(t, e, planner.Scan(src).Select(planner.Col("a").IntDiv(planner.Lit(0))))
	require.Error(t, err)
	var qe *common.QueryError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, common.ComputeError, qe.Code)
	assert.NotEmpty(t, qe.Node)
	assert.Zero(t, e.MemoryInUse())
}

func TestSourceErrorIsIOError(t *testing.T) {
	e := newTestEngine(t, 2)
	src := catalog.NewStreamSource("feed", numberSchema)
	require.NoError(t, src.Push(catalog.MustRecord(numberSchema, []any{1})))
	disk := errors.New("disk gone")
	src.Fail(disk)

	_, err := run(t, e, planner.Scan(src))
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.IOError))
	assert.True(t, errors.Is(err, disk))
}

func TestSchemaErrorBeforeExecution(t *testing.T) {
	e := newTestEngine(t, 2)
	src := partitioned(t, "numbers", numberSchema, [][]any{{1}})
	_, err := planner.Scan(src).Select(planner.Col("missing")).Plan()
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.SchemaError))

	// A valid plan still runs on the same engine.
	rows, err := run(t, e, planner.Scan(src))
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, rows)
}

func TestCancellation(t *testing.T) {
	e := newTestEngine(t, 2)
	src := catalog.NewStreamSource("feed", numberSchema)
	require.NoError(t, src.Push(catalog.MustRecord(numberSchema, []any{1}, []any{2})))
	plan, err := planner.Scan(src).Plan()
	require.NoError(t, err)

	h, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.True(t, h.Next(context.Background()))

	// The feed stays open, so the query waits for more input until cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for h.Next(ctx) {
	}
	require.Error(t, h.Err())
	assert.True(t, common.IsCode(h.Err(), common.CancelledError))
	assert.False(t, h.Next(context.Background()))
	require.NoError(t, h.Close())
}

func TestTimeout(t *testing.T) {
	e := newTestEngine(t, 2)
	src := catalog.NewStreamSource("feed", numberSchema)
	plan, err := planner.Scan(src).Plan()
	require.NoError(t, err)

	h, err := e.Execute(context.Background(), plan, WithTimeout(20*time.Millisecond))
	require.NoError(t, err)
	err = h.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.TimeoutError))
	require.NoError(t, h.Close())
}

func TestCloseBeforeReading(t *testing.T) {
	e := newTestEngine(t, 2)
	var rows [][]any
	for i := 0; i < 200; i++ {
		rows = append(rows, []any{i})
	}
	src := partitioned(t, "numbers", numberSchema, rows)
	plan, err := planner.Scan(src).SortBy("a").Plan()
	require.NoError(t, err)

	h, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Zero(t, e.MemoryInUse())
}

func TestEngineClose(t *testing.T) {
	cfg := config.Default()
	cfg.Parallelism = 2
	cfg.SpillDir = t.TempDir()
	e, err := NewEngine(cfg, WithLogger(logging.Nop()))
	require.NoError(t, err)

	src := catalog.NewStreamSource("feed", numberSchema)
	plan, err := planner.Scan(src).Plan()
	require.NoError(t, err)
	h, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)

	// Close tears down the query that is still waiting for input.
	require.NoError(t, e.Close())
	assert.False(t, h.Next(context.Background()))
	assert.True(t, common.IsCode(h.Err(), common.CancelledError))

	_, err = e.Execute(context.Background(), plan)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestMetrics(t *testing.T) {
	e := newTestEngine(t, 2)
	src := partitioned(t, "numbers", numberSchema, [][]any{{1}, {2}})
	_, err := run(t, e, planner.Scan(src))
	require.NoError(t, err)

	families, err := e.Metrics().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["morseldb_queries_total"])
	assert.True(t, names["morseldb_rows_output_total"])
}

func TestInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Parallelism = 0
	_, err := NewEngine(cfg, WithLogger(logging.Nop()))
	require.Error(t, err)
}
