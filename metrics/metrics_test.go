package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCounts(t *testing.T) {
	r := NewRegistry()
	r.QueryFinished("ok", 20*time.Millisecond)
	r.QueryFinished("ok", 10*time.Millisecond)
	r.QueryFinished("CancelledError", time.Millisecond)
	r.RowsOutput(7)
	r.Spilled("sort", 1024)
	r.Spilled("sort", 1024)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.queries.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.queries.WithLabelValues("CancelledError")))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.rowsOut))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.spills.WithLabelValues("sort")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(r.spilledBytes))

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.QueryFinished("ok", time.Second)
		r.MorselProcessed()
		r.RowsOutput(3)
		r.TaskSteps(4)
		r.TaskSuspensions(1)
		r.Spilled("join", 10)
	})
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	a.RowsOutput(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(a.rowsOut))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.rowsOut))
}
