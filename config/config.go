// Package config loads engine settings from defaults, an optional config file and MORSELDB_*
// environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "MORSELDB"

	DefaultMorselSize       = 4096
	DefaultChannelCapacity  = 4
	DefaultProgramCacheSize = 256

	// fallbackMemoryBudget is used when the process runs without a memory limit.
	fallbackMemoryBudget = 1 << 30
)

// Config holds every recognized engine option.
type Config struct {
	// Parallelism is the number of workers a query runs on and the shard count of partitioned
	// operators.
	Parallelism int `mapstructure:"parallelism"`
	// MemoryBudget bounds the bytes buffered by pipeline breakers before they spill.
	MemoryBudget uint64 `mapstructure:"-"`
	// MorselSize is the target number of rows per morsel.
	MorselSize int `mapstructure:"morsel_size"`
	// ChannelCapacity is the number of morsels a channel holds before producers suspend.
	ChannelCapacity int `mapstructure:"channel_capacity"`
	// PreserveOrder makes the result follow source order (or sort order) exactly.
	PreserveOrder bool          `mapstructure:"preserve_order"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// NullsLast is the default null placement for sorts.
	NullsLast        bool            `mapstructure:"nulls_last"`
	SpillDir         string          `mapstructure:"spill_dir"`
	LogLevel         string          `mapstructure:"log_level"`
	LogDevelopment   bool            `mapstructure:"log_development"`
	ProgramCacheSize int             `mapstructure:"program_cache_size"`
	Optimizer        OptimizerConfig `mapstructure:"optimizer"`
}

// OptimizerConfig toggles individual rewrite passes. All passes are on by default. Turning type
// coercion off leaves operand conversions implicit; the evaluator applies them either way.
type OptimizerConfig struct {
	PredicatePushdown  bool `mapstructure:"predicate_pushdown"`
	ProjectionPushdown bool `mapstructure:"projection_pushdown"`
	CSE                bool `mapstructure:"cse"`
	TypeCoercion       bool `mapstructure:"type_coercion"`
	SlicePushdown      bool `mapstructure:"slice_pushdown"`
	JoinReorder        bool `mapstructure:"join_reorder"`
}

// AllPasses enables every optimizer pass.
func AllPasses() OptimizerConfig {
	return OptimizerConfig{true, true, true, true, true, true}
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Parallelism:      runtime.GOMAXPROCS(0),
		MemoryBudget:     DefaultMemoryBudget(),
		MorselSize:       DefaultMorselSize,
		ChannelCapacity:  DefaultChannelCapacity,
		SpillDir:         os.TempDir(),
		LogLevel:         "info",
		ProgramCacheSize: DefaultProgramCacheSize,
		Optimizer:        AllPasses(),
	}
}

// DefaultMemoryBudget is a quarter of the process memory limit, or 1GiB without a limit.
func DefaultMemoryBudget() uint64 {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return fallbackMemoryBudget
	}
	return uint64(limit / 4)
}

type loadOptions struct {
	file      string
	overrides map[string]any
}

type Option func(*loadOptions)

// WithFile reads settings from a config file in any format viper understands.
func WithFile(path string) Option {
	return func(o *loadOptions) { o.file = path }
}

// WithOverrides sets keys explicitly; they win over the file and the environment.
func WithOverrides(kv map[string]any) Option {
	return func(o *loadOptions) { o.overrides = kv }
}

// Load resolves the configuration from defaults, the optional file, the environment and
// explicit overrides, in increasing order of precedence.
func Load(opts ...Option) (Config, error) {
	var lo loadOptions
	for _, opt := range opts {
		opt(&lo)
	}

	def := Default()
	v := viper.New()
	v.SetDefault("parallelism", def.Parallelism)
	v.SetDefault("memory_budget", humanize.IBytes(def.MemoryBudget))
	v.SetDefault("morsel_size", def.MorselSize)
	v.SetDefault("channel_capacity", def.ChannelCapacity)
	v.SetDefault("preserve_order", def.PreserveOrder)
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("nulls_last", def.NullsLast)
	v.SetDefault("spill_dir", def.SpillDir)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_development", def.LogDevelopment)
	v.SetDefault("program_cache_size", def.ProgramCacheSize)
	v.SetDefault("optimizer.predicate_pushdown", true)
	v.SetDefault("optimizer.projection_pushdown", true)
	v.SetDefault("optimizer.cse", true)
	v.SetDefault("optimizer.type_coercion", true)
	v.SetDefault("optimizer.slice_pushdown", true)
	v.SetDefault("optimizer.join_reorder", true)

	if lo.file != "" {
		v.SetConfigFile(lo.file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "reading config file %s", lo.file)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for k, val := range lo.overrides {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to unmarshal config")
	}
	budget, err := humanize.ParseBytes(v.GetString("memory_budget"))
	if err != nil {
		return Config{}, errors.Wrapf(err, "invalid memory_budget %q", v.GetString("memory_budget"))
	}
	cfg.MemoryBudget = budget

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Parallelism <= 0:
		return errors.Newf("parallelism must be positive, got %d", c.Parallelism)
	case c.MorselSize <= 0:
		return errors.Newf("morsel_size must be positive, got %d", c.MorselSize)
	case c.ChannelCapacity <= 0:
		return errors.Newf("channel_capacity must be positive, got %d", c.ChannelCapacity)
	case c.MemoryBudget == 0:
		return errors.New("memory_budget must be positive")
	case c.Timeout < 0:
		return errors.Newf("timeout must not be negative, got %s", c.Timeout)
	case c.ProgramCacheSize <= 0:
		return errors.Newf("program_cache_size must be positive, got %d", c.ProgramCacheSize)
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("parallelism=%d memory_budget=%s morsel_size=%d channel_capacity=%d preserve_order=%t",
		c.Parallelism, humanize.IBytes(c.MemoryBudget), c.MorselSize, c.ChannelCapacity, c.PreserveOrder)
}
