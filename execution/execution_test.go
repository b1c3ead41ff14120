package execution

import (
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"mit.edu/dsg/morseldb/catalog"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/compute"
	"mit.edu/dsg/morseldb/logging"
	"mit.edu/dsg/morseldb/planner"
	"mit.edu/dsg/morseldb/scheduler"
	"mit.edu/dsg/morseldb/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	rt  *scheduler.Runtime
	ctx *ExecutorContext
	dir string
}

type harnessOption func(*ExecutorContext)

func preserveOrder(ctx *ExecutorContext) { ctx.PreserveOrder = true }

func withBudget(limit uint64) harnessOption {
	return func(ctx *ExecutorContext) { ctx.Budget = storage.NewMemoryBudget(limit) }
}

func newHarness(t *testing.T, parallelism int, opts ...harnessOption) *harness {
	t.Helper()
	rt, err := scheduler.NewRuntime(parallelism, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, rt.Close()) })
	dir := t.TempDir()
	ctx := &ExecutorContext{
		Parallelism:     parallelism,
		MorselSize:      4,
		ChannelCapacity: 2,
		Budget:          storage.NewMemoryBudget(1 << 30),
		Spill:           storage.NewSpillManager(dir),
		Programs:        compute.NewCompiler(64),
		Logger:          logging.Nop(),
	}
	for _, opt := range opts {
		opt(ctx)
	}
	return &harness{rt: rt, ctx: ctx, dir: dir}
}

// run compiles and executes lf, returning the result rows in arrival order.
func (h *harness) run(t *testing.T, lf planner.LazyFrame) ([]string, error) {
	t.Helper()
	plan, err := lf.Plan()
	require.NoError(t, err)
	phys, err := Compile(h.ctx, plan)
	if err != nil {
		return nil, err
	}
	q := h.rt.NewQuery(scheduler.QueryOptions{Parallelism: h.ctx.Parallelism})
	phys.Start(q)
	q.Start()

	var rows []string
	sig := scheduler.NewSignal()
	done := false
loop:
	for {
		m, res := phys.Result().TryRecv(sig)
		switch res {
		case scheduler.Received:
			rows = append(rows, morselRows(m)...)
			continue
		case scheduler.Closed:
			break loop
		}
		if done {
			break
		}
		select {
		case <-sig:
		case <-q.Done():
			if q.Err() != nil {
				break loop
			}
			done = true
		}
	}
	phys.Result().Abandon()
	err = q.Wait()
	require.NoError(t, phys.Close())
	return rows, err
}

func morselRows(m *Morsel) []string {
	rows := make([]string, m.Rows)
	for i := range rows {
		vals := make([]string, len(m.Cols))
		for c, col := range m.Cols {
			vals[c] = common.ValueAt(col, i).String()
		}
		rows[i] = strings.Join(vals, "|")
	}
	return rows
}

func sorted(rows []string) []string {
	out := append([]string(nil), rows...)
	sort.Strings(out)
	return out
}

// source splits rows into one partition per group, with one record per row.
func source(t *testing.T, name string, schema *common.Schema, parts ...[][]any) *catalog.MemorySource {
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

func sequence(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{i}
	}
	return rows
}

var (
	intSchema = common.MustSchema(common.NewField("a", common.Int64Type, false))
	kvSchema  = common.MustSchema(
		common.NewField("k", common.Int64Type, false),
		common.NewField("v", common.StringType, false),
	)
	kwSchema = common.MustSchema(
		common.NewField("k", common.Int64Type, false),
		common.NewField("w", common.StringType, false),
	)
	groupSchema = common.MustSchema(
		common.NewField("g", common.StringType, false),
		common.NewField("v", common.Int64Type, true),
	)
)

func TestSortKeysAndNulls(t *testing.T) {
	schema := common.MustSchema(
		common.NewField("a", common.Int64Type, true),
		common.NewField("b", common.StringType, false),
	)
	src := source(t, "t", schema,
		[][]any{{3, "x"}, {nil, "y"}, {1, "z"}},
		[][]any{{3, "y"}, {1, "a"}},
	)
	h := newHarness(t, 2)

	tests := []struct {
		name string
		keys []planner.SortExpr
		want []string
	}{
		{"asc nulls first", []planner.SortExpr{planner.Asc(planner.Col("a")), planner.Desc(planner.Col("b"))},
			[]string{"null|y", "1|z", "1|a", "3|y", "3|x"}},
		{"desc nulls last", []planner.SortExpr{planner.Desc(planner.Col("a")).NullsLast(), planner.Asc(planner.Col("b"))},
			[]string{"3|x", "3|y", "1|a", "1|z", "null|y"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rows, err := h.run(t, planner.Scan(src).Sort(tc.keys...))
			require.NoError(t, err)
			assert.Equal(t, tc.want, rows)
		})
	}
}

func TestSortIsStable(t *testing.T) {
	src := source(t, "t", kvSchema,
		[][]any{{1, "a"}, {0, "b"}},
		[][]any{{1, "c"}, {0, "d"}},
	)
	rows, err := newHarness(t, 2).run(t, planner.Scan(src).SortBy("k"))
	require.NoError(t, err)
	assert.Equal(t, []string{"0|b", "0|d", "1|a", "1|c"}, rows)
}

func TestSortSpills(t *testing.T) {
	rows := sequence(60)
	// Reverse each partition so every run needs sorting.
	var p1, p2 [][]any
	for i := len(rows) - 1; i >= 0; i-- {
		if i%2 == 0 {
			p1 = append(p1, rows[i])
		} else {
			p2 = append(p2, rows[i])
		}
	}
	src := source(t, "t", intSchema, p1, p2)
	h := newHarness(t, 2, withBudget(1))

	out, err := h.run(t, planner.Scan(src).SortBy("a"))
	require.NoError(t, err)
	require.Len(t, out, 60)
	for i, r := range out {
		assert.Equal(t, common.NewInt64Value(int64(i)).String(), r)
	}
	assert.Zero(t, h.ctx.Budget.Used())
	left, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Empty(t, left, "spill runs must be removed")
}

func TestTopK(t *testing.T) {
	src := source(t, "t", intSchema, sequence(30)[:15], sequence(30)[15:])
	plan := planner.Scan(src).Sort(planner.Desc(planner.Col("a"))).Head(3)
	rows, err := newHarness(t, 2).run(t, plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"29", "28", "27"}, rows)
}

func TestTopKCompactionSpillsWhenBudgetIsGone(t *testing.T) {
	h := newHarness(t, 1)
	src := source(t, "t", intSchema, sequence(1))
	plan, err := planner.Scan(src).Sort(planner.Asc(planner.Col("a"))).Plan()
	require.NoError(t, err)
	node := plan.(*planner.SortNode).WithLimit(2)

	b, err := newSortBuild(h.ctx, node, 1)
	require.NoError(t, err)
	for i, rows := range [][][]any{{{5}, {3}, {9}, {1}}, {{7}, {0}, {8}, {2}}} {
		rec := catalog.MustRecord(intSchema, rows...)
		require.NoError(t, b.consume(0, MorselFromRecord(rec, MakeSeq(0, i))))
	}
	l := b.locals[0]
	require.Equal(t, 8, l.rows)

	// Nothing is left in the budget for the compacted rows.
	l.res.Free()
	l.res = storage.NewMemoryBudget(1).NewReservation()
	require.NoError(t, b.compact(l))

	assert.Equal(t, 0, l.rows)
	assert.Empty(t, l.parts)
	assert.Zero(t, l.res.Held())
	require.Len(t, l.runs, 1)
	assert.EqualValues(t, 2, l.runs[0].rows)

	var got []string
	require.NoError(t, l.runs[0].read(h.ctx.Spill, func(cols []arrow.Array, rows int, _ []ord) error {
		for i := 0; i < rows; i++ {
			got = append(got, common.ValueAt(cols[0], i).String())
		}
		return nil
	}))
	assert.Equal(t, []string{"0", "1"}, got)
	assert.Zero(t, h.ctx.Budget.Used())
	require.NoError(t, h.ctx.Spill.Cleanup())
}

func TestHashJoinTypes(t *testing.T) {
	left := source(t, "left", kvSchema, [][]any{{1, "x"}, {2, "y"}}, [][]any{{3, "z"}})
	right := source(t, "right", kwSchema, [][]any{{1, "p"}, {1, "q"}, {4, "r"}})
	h := newHarness(t, 3)

	tests := []struct {
		how  planner.JoinType
		want []string
	}{
		{planner.JoinInner, []string{"1|x|p", "1|x|q"}},
		{planner.JoinLeft, []string{"1|x|p", "1|x|q", "2|y|null", "3|z|null"}},
		{planner.JoinRight, []string{"1|x|p", "1|x|q", "4|null|r"}},
		{planner.JoinFull, []string{"1|x|1|p", "1|x|1|q", "2|y|null|null", "3|z|null|null", "null|null|4|r"}},
		{planner.JoinSemi, []string{"1|x"}},
		{planner.JoinAnti, []string{"2|y", "3|z"}},
	}
	for _, tc := range tests {
		t.Run(tc.how.String(), func(t *testing.T) {
			rows, err := h.run(t, planner.Scan(left).JoinOn(planner.Scan(right), tc.how, "k"))
			require.NoError(t, err)
			assert.Equal(t, sorted(tc.want), sorted(rows))
		})
	}
}

func TestHashJoinPreservesProbeOrder(t *testing.T) {
	var leftRows [][]any
	for i := 0; i < 20; i++ {
		leftRows = append(leftRows, []any{i % 4, string(rune('a' + i))})
	}
	left := source(t, "left", kvSchema, leftRows[:10], leftRows[10:])
	right := source(t, "right", kwSchema, [][]any{{0, "p"}, {2, "q"}})

	rows, err := newHarness(t, 3, preserveOrder).run(t,
		planner.Scan(left).JoinOn(planner.Scan(right), planner.JoinInner, "k"))
	require.NoError(t, err)
	var want []string
	for _, r := range leftRows {
		switch r[0] {
		case 0:
			want = append(want, "0|"+r[1].(string)+"|p")
		case 2:
			want = append(want, "2|"+r[1].(string)+"|q")
		}
	}
	assert.Equal(t, want, rows)
}

func TestAggregateFunctions(t *testing.T) {
	src := source(t, "t", groupSchema,
		[][]any{{"A", 1}, {"B", 4}, {"A", 2}},
		[][]any{{"A", 3}, {"B", nil}, {"B", 4}},
	)
	v := planner.Col("v")
	plan := planner.Scan(src).GroupBy(planner.Col("g")).Agg(
		v.Count().Alias("count"),
		v.Sum().Alias("sum"),
		v.Min().Alias("min"),
		v.Max().Alias("max"),
		v.Mean().Alias("mean"),
		planner.Len(),
	)
	rows, err := newHarness(t, 2).run(t, plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"A|3|6|1|3|2|3", "B|2|8|4|4|4|3"}, sorted(rows))
}

func TestAggregateOverflowIsComputeError(t *testing.T) {
	schema := common.MustSchema(common.NewField("v", common.Int64Type, false))
	src := source(t, "t", schema, [][]any{{int64(1) << 62}, {int64(1) << 62}}, [][]any{{int64(1) << 62}})
	_, err := newHarness(t, 2).run(t, planner.Scan(src).GroupBy().Agg(planner.Col("v").Sum()))
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.ComputeError))
}

func TestWindow(t *testing.T) {
	src := source(t, "t", groupSchema,
		[][]any{{"A", 1}, {"B", 4}, {"A", 2}},
		[][]any{{"A", 3}, {"B", 5}},
	)
	plan := planner.Scan(src).WithColumns(
		planner.Col("v").Sum().Over(planner.Col("g")).Alias("total"),
		planner.RowNumber().OverOrdered([]planner.Expr{planner.Col("g")},
			[]planner.SortExpr{planner.Desc(planner.Col("v"))}).Alias("rn"),
	)
	rows, err := newHarness(t, 2).run(t, plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"A|1|6|3", "A|2|6|2", "A|3|6|1", "B|4|9|2", "B|5|9|1"}, sorted(rows))
}

func TestDistinct(t *testing.T) {
	src := source(t, "t", kvSchema,
		[][]any{{1, "a"}, {2, "b"}},
		[][]any{{1, "c"}, {3, "d"}},
	)
	tests := []struct {
		keep planner.KeepStrategy
		want []string
	}{
		{planner.KeepFirst, []string{"1|a", "2|b", "3|d"}},
		{planner.KeepLast, []string{"1|c", "2|b", "3|d"}},
		{planner.KeepNone, []string{"2|b", "3|d"}},
	}
	h := newHarness(t, 2)
	for _, tc := range tests {
		t.Run(tc.keep.String(), func(t *testing.T) {
			rows, err := h.run(t, planner.Scan(src).Distinct(tc.keep, "k"))
			require.NoError(t, err)
			assert.Equal(t, tc.want, sorted(rows))
		})
	}

	t.Run("all columns", func(t *testing.T) {
		dup := source(t, "dup", kvSchema, [][]any{{1, "a"}, {1, "a"}}, [][]any{{1, "a"}, {1, "b"}})
		rows, err := h.run(t, planner.Scan(dup).Distinct(planner.KeepAny))
		require.NoError(t, err)
		assert.Equal(t, []string{"1|a", "1|b"}, sorted(rows))
	})
}

func TestSlices(t *testing.T) {
	src := source(t, "t", intSchema, sequence(10)[:4], sequence(10)[4:7], sequence(10)[7:])
	h := newHarness(t, 3, preserveOrder)

	tests := []struct {
		name string
		lf   planner.LazyFrame
		want []string
	}{
		{"head", planner.Scan(src).Head(3), []string{"0", "1", "2"}},
		{"offset", planner.Scan(src).Slice(3, 4), []string{"3", "4", "5", "6"}},
		{"tail", planner.Scan(src).Tail(2), []string{"8", "9"}},
		{"past the end", planner.Scan(src).Slice(8, 5), []string{"8", "9"}},
		{"negative offset", planner.Scan(src).Slice(-4, 2), []string{"6", "7"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rows, err := h.run(t, tc.lf)
			require.NoError(t, err)
			assert.Equal(t, tc.want, rows)
		})
	}
}

func TestUnion(t *testing.T) {
	a := source(t, "a", intSchema, sequence(6)[:3], sequence(6)[3:])
	b := source(t, "b", intSchema, [][]any{{100}, {101}})

	t.Run("ordered", func(t *testing.T) {
		rows, err := newHarness(t, 2, preserveOrder).run(t, planner.Scan(a).Union(planner.Scan(b)))
		require.NoError(t, err)
		assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "100", "101"}, rows)
	})

	t.Run("unordered", func(t *testing.T) {
		rows, err := newHarness(t, 2).run(t, planner.Scan(a).Union(planner.Scan(b)))
		require.NoError(t, err)
		assert.Equal(t, []string{"0", "1", "100", "101", "2", "3", "4", "5"}, sorted(rows))
	})
}

func TestOrderPreservation(t *testing.T) {
	rows := sequence(50)
	src := source(t, "t", intSchema, rows[:17], rows[17:33], rows[33:])
	plan := planner.Scan(src).
		Filter(planner.Col("a").Mod(planner.Lit(3)).NotEq(planner.Lit(0))).
		Select(planner.Col("a").Add(planner.Lit(1000)))

	out, err := newHarness(t, 4, preserveOrder).run(t, plan)
	require.NoError(t, err)
	var want []string
	for i := 0; i < 50; i++ {
		if i%3 != 0 {
			want = append(want, common.NewInt64Value(int64(i+1000)).String())
		}
	}
	assert.Equal(t, want, out)
}

func TestJoinBudgetWithoutSpill(t *testing.T) {
	left := source(t, "left", kvSchema, [][]any{{1, "x"}})
	right := source(t, "right", kwSchema, [][]any{{1, "p"}, {2, "q"}, {3, "r"}})
	// Order preservation disables build-side spilling.
	h := newHarness(t, 2, preserveOrder, withBudget(1))
	_, err := h.run(t, planner.Scan(left).JoinOn(planner.Scan(right), planner.JoinInner, "k"))
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.ResourceError))
	assert.Zero(t, h.ctx.Budget.Used())
}
