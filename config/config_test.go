package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	def := Default()
	assert.Equal(t, def.Parallelism, cfg.Parallelism)
	assert.Equal(t, DefaultMorselSize, cfg.MorselSize)
	assert.Equal(t, DefaultChannelCapacity, cfg.ChannelCapacity)
	assert.False(t, cfg.PreserveOrder)
	assert.Zero(t, cfg.Timeout)
	assert.Equal(t, AllPasses(), cfg.Optimizer)
	assert.Positive(t, cfg.MemoryBudget)
}

func TestLoadFileEnvAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "morseldb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
parallelism: 3
memory_budget: 64MiB
morsel_size: 128
timeout: 2s
optimizer:
  join_reorder: false
`), 0o644))

	t.Setenv("MORSELDB_CHANNEL_CAPACITY", "9")
	t.Setenv("MORSELDB_PRESERVE_ORDER", "true")

	cfg, err := Load(WithFile(path), WithOverrides(map[string]any{"morsel_size": 256}))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Parallelism)
	assert.Equal(t, uint64(64<<20), cfg.MemoryBudget)
	assert.Equal(t, 256, cfg.MorselSize, "overrides win over the file")
	assert.Equal(t, 9, cfg.ChannelCapacity)
	assert.True(t, cfg.PreserveOrder)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.False(t, cfg.Optimizer.JoinReorder)
	assert.True(t, cfg.Optimizer.PredicatePushdown)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		kv   map[string]any
	}{
		{"zero parallelism", map[string]any{"parallelism": 0}},
		{"negative morsel size", map[string]any{"morsel_size": -1}},
		{"zero channel capacity", map[string]any{"channel_capacity": 0}},
		{"unparsable budget", map[string]any{"memory_budget": "lots"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(WithOverrides(tt.kv))
			assert.Error(t, err)
		})
	}
}
