package storage

import (
	"io"
	"os"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/morseldb/common"
)

func TestMemoryBudget_Reservations(t *testing.T) {
	b := NewMemoryBudget(100)
	r1 := b.NewReservation()
	r2 := b.NewReservation()

	assert.True(t, r1.Grow(60))
	assert.False(t, r2.Grow(50), "only 40 bytes are left")
	assert.Equal(t, int64(0), r2.Held())
	assert.True(t, r2.Grow(40))
	assert.Equal(t, int64(100), b.Used())

	r1.Shrink(10)
	assert.Equal(t, int64(50), r1.Held())
	assert.True(t, r2.Grow(10))

	r1.Free()
	r2.Free()
	assert.Equal(t, int64(0), b.Used())
	assert.True(t, b.NewReservation().Grow(100))
}

func TestMemoryBudget_OversizedRequest(t *testing.T) {
	b := NewMemoryBudget(10)
	r := b.NewReservation()
	assert.False(t, r.Grow(11))
	assert.True(t, r.Grow(0))
	var nilRes *Reservation
	assert.True(t, nilRes.Grow(1<<40))
	nilRes.Free()
}

func TestMemoryBudget_Concurrent(t *testing.T) {
	b := NewMemoryBudget(1000)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := b.NewReservation()
			for j := 0; j < 1000; j++ {
				if r.Grow(7) {
					r.Shrink(7)
				}
			}
			r.Free()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(0), b.Used())
}

func testRecord(t *testing.T, vals ...int64) arrow.Record {
	t.Helper()
	b := array.NewInt64Builder(common.Allocator)
	defer b.Release()
	for _, v := range vals {
		b.Append(v)
	}
	b.AppendNull()
	schema := arrow.NewSchema([]arrow.Field{{Name: "a", Type: arrow.PrimitiveTypes.Int64, Nullable: true}}, nil)
	return array.NewRecord(schema, []arrow.Array{b.NewArray()}, int64(len(vals)+1))
}

func TestSpillManager_WriteReadRemove(t *testing.T) {
	m := NewSpillManager(t.TempDir())
	rec := testRecord(t, 1, 2, 3)

	w, err := m.Create(rec.Schema())
	require.NoError(t, err)
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Write(testRecord(t, 4)))
	run, err := w.Finish()
	require.NoError(t, err)
	assert.Equal(t, int64(6), run.Rows)
	assert.Positive(t, run.Bytes)
	assert.Equal(t, 1, m.Live())

	r, err := m.Open(run)
	require.NoError(t, err)
	var got []any
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		col := rec.Column(0).(*array.Int64)
		for i := 0; i < col.Len(); i++ {
			if col.IsNull(i) {
				got = append(got, nil)
			} else {
				got = append(got, col.Value(i))
			}
		}
	}
	require.NoError(t, r.Close())
	assert.Equal(t, []any{int64(1), int64(2), int64(3), nil, int64(4), nil}, got)

	require.NoError(t, m.Remove(run))
	assert.Equal(t, 0, m.Live())
	_, err = os.Stat(run.Path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, m.Remove(run), "removing twice is a no-op")
}

func TestSpillManager_CleanupRemovesEverything(t *testing.T) {
	dir := t.TempDir()
	m := NewSpillManager(dir)
	rec := testRecord(t, 7)
	var paths []string
	for i := 0; i < 5; i++ {
		w, err := m.Create(rec.Schema())
		require.NoError(t, err)
		require.NoError(t, w.Write(rec))
		if i%2 == 0 {
			run, err := w.Finish()
			require.NoError(t, err)
			paths = append(paths, run.Path)
		} else {
			// unfinished writers still leave a registered file behind
			paths = append(paths, w.run.Path)
			_ = w.file.Close()
		}
	}
	assert.Equal(t, 5, m.Live())
	require.NoError(t, m.Cleanup())
	assert.Equal(t, 0, m.Live())
	for _, p := range paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSpillManager_AbortDeletes(t *testing.T) {
	m := NewSpillManager(t.TempDir())
	w, err := m.Create(testRecord(t).Schema())
	require.NoError(t, err)
	path := w.run.Path
	w.Abort()
	assert.Equal(t, 0, m.Live())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
