package catalog

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/planner"
)

var testSchema = common.MustSchema(
	common.NewField("id", common.Int64Type, false),
	common.NewField("name", common.StringType, true),
)

func drain(t *testing.T, s MorselStream) []arrow.Record {
	t.Helper()
	var out []arrow.Record
	for {
		rec, err := s.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestCatalog_Registry(t *testing.T) {
	c := NewCatalog()
	users, err := NewTable("users", testSchema, []any{1, "a"})
	require.NoError(t, err)
	orders, err := NewTable("orders", common.MustSchema(common.NewField("id", common.Int64Type, false)), []any{1})
	require.NoError(t, err)

	require.NoError(t, c.Register(users))
	require.NoError(t, c.Register(orders))
	err = c.Register(users)
	assert.True(t, errors.Is(err, ErrSourceExists))

	got, err := c.Lookup("users")
	require.NoError(t, err)
	assert.Same(t, users, got)
	_, err = c.Lookup("missing")
	assert.True(t, errors.Is(err, ErrSourceNotFound))

	assert.Equal(t, []string{"orders", "users"}, c.Names())
	assert.Equal(t, []string{"orders", "users"}, c.SourcesWithColumn("id"))
	assert.Equal(t, []string{"users"}, c.SourcesWithColumn("name"))

	assert.True(t, c.Drop("orders"))
	assert.False(t, c.Drop("orders"))
	assert.Equal(t, []string{"users"}, c.Names())
}

func TestMemorySource_Hints(t *testing.T) {
	rows := make([][]any, 10)
	for i := range rows {
		rows[i] = []any{i, nil}
	}
	src, err := NewTable("t", testSchema, rows...)
	require.NoError(t, err)
	assert.Equal(t, int64(10), src.EstimatedRows())

	tests := []struct {
		name      string
		hints     ScanHints
		wantRecs  int
		wantRows  int64
		wantWidth int
	}{
		{"everything", ScanHints{Predicate: planner.NoExpr, Limit: planner.NoLimit}, 1, 10, 2},
		{"split into morsels", ScanHints{Predicate: planner.NoExpr, Limit: planner.NoLimit, MorselSize: 4}, 3, 10, 2},
		{"projected", ScanHints{Columns: []string{"name"}, Predicate: planner.NoExpr, Limit: planner.NoLimit}, 1, 10, 1},
		{"limited", ScanHints{Predicate: planner.NoExpr, Limit: 3, MorselSize: 2}, 2, 3, 2},
		{"limit ignored under a predicate", ScanHints{Predicate: 0, Limit: 3}, 1, 10, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			streams, err := src.Open(tt.hints)
			require.NoError(t, err)
			require.Len(t, streams, 1)
			recs := drain(t, streams[0])
			assert.Len(t, recs, tt.wantRecs)
			var n int64
			for _, r := range recs {
				n += r.NumRows()
				assert.Equal(t, tt.wantWidth, int(r.NumCols()))
			}
			assert.Equal(t, tt.wantRows, n)
		})
	}
	assert.Len(t, src.Hints(), len(tests))
}

func TestMemorySource_Partitions(t *testing.T) {
	p0 := MustRecord(testSchema, []any{1, "a"}, []any{2, "b"})
	p1 := MustRecord(testSchema, []any{3, nil})
	src, err := NewMemorySource("t", testSchema, []arrow.Record{p0}, []arrow.Record{p1}, nil)
	require.NoError(t, err)
	streams, err := src.Open(ScanHints{Predicate: planner.NoExpr, Limit: planner.NoLimit})
	require.NoError(t, err)
	require.Len(t, streams, 3)
	assert.Len(t, drain(t, streams[0]), 1)
	assert.Len(t, drain(t, streams[1]), 1)
	assert.Empty(t, drain(t, streams[2]))

	_, err = NewMemorySource("bad", common.MustSchema(common.NewField("x", common.BoolType, false)), []arrow.Record{p0})
	assert.Error(t, err)
}

func TestNewRecord_Validation(t *testing.T) {
	_, err := NewRecord(testSchema, []any{nil, "x"})
	assert.Error(t, err, "id is not nullable")
	_, err = NewRecord(testSchema, []any{1})
	assert.Error(t, err)

	rec, err := NewRecord(common.MustSchema(
		common.NewField("small", common.Int32Type, true),
		common.NewField("f", common.Float64Type, true),
		common.NewField("cat", common.CategoricalType, true),
	), []any{7, 2, "x"}, []any{nil, 1.5, "y"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.NumRows())
	assert.Equal(t, common.NewIntValue(common.Int32Type, 7), common.ValueAt(rec.Column(0), 0))
	assert.Equal(t, common.NewFloat64Value(2), common.ValueAt(rec.Column(1), 0))
	assert.Equal(t, "y", common.ValueAt(rec.Column(2), 1).Str())
}

func TestStreamSource_Readiness(t *testing.T) {
	src := NewStreamSource("feed", testSchema)
	streams, err := src.Open(ScanHints{Predicate: planner.NoExpr, Limit: planner.NoLimit})
	require.NoError(t, err)
	_, err = src.Open(ScanHints{})
	assert.Error(t, err, "single use")

	s := streams[0]
	var ready atomic.Int32
	s.(ReadyNotifier).OnReady(func() { ready.Add(1) })

	_, err = s.Next()
	assert.True(t, errors.Is(err, common.ErrNotReady))

	require.NoError(t, src.Push(MustRecord(testSchema, []any{1, "a"})))
	assert.Equal(t, int32(1), ready.Load())
	rec, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.NumRows())

	src.CloseFeed()
	assert.Equal(t, int32(2), ready.Load())
	_, err = s.Next()
	assert.Equal(t, io.EOF, err)
	assert.Error(t, src.Push(MustRecord(testSchema, []any{2, "b"})))
}

func TestStreamSource_Failure(t *testing.T) {
	src := NewStreamSource("feed", testSchema)
	streams, err := src.Open(ScanHints{})
	require.NoError(t, err)
	boom := errors.New("disk on fire")
	src.Fail(boom)
	_, err = streams[0].Next()
	assert.Same(t, boom, err)
}

func TestMemorySink(t *testing.T) {
	boom := errors.New("full")
	s := NewMemorySink("out").FailAfter(1, boom)
	require.NoError(t, s.Accept(MustRecord(testSchema, []any{1, "a"}, []any{2, "b"})))
	assert.Same(t, boom, s.Accept(MustRecord(testSchema, []any{3, "c"})))
	require.NoError(t, s.Finish())
	assert.True(t, s.Finished())
	assert.Equal(t, int64(2), s.Rows())
	assert.Len(t, s.Records(), 1)
}
