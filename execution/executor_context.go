package execution

import (
	"go.uber.org/zap"
	"mit.edu/dsg/morseldb/compute"
	"mit.edu/dsg/morseldb/metrics"
	"mit.edu/dsg/morseldb/storage"
)

// ExecutorContext holds the resources and settings one query is compiled and run with.
// It is passed to every operator during construction.
type ExecutorContext struct {
	// Parallelism is the number of drivers per pipeline and the shard count of partitioned
	// operators.
	Parallelism int
	// MorselSize is the number of rows sources are asked for and breakers emit per morsel.
	MorselSize      int
	ChannelCapacity int
	// PreserveOrder makes every stage keep input order and inserts reorder stages where
	// parallel stages would scramble it.
	PreserveOrder bool
	// NullsLast is the null placement of sort keys that do not choose one.
	NullsLast bool

	Budget   *storage.MemoryBudget
	Spill    *storage.SpillManager
	Programs *compute.Compiler
	Logger   *zap.Logger
	Metrics  *metrics.Registry
}

func (ctx *ExecutorContext) logger() *zap.Logger {
	if ctx.Logger == nil {
		return zap.NewNop()
	}
	return ctx.Logger
}

func (ctx *ExecutorContext) reservation() *storage.Reservation {
	if ctx.Budget == nil {
		return nil
	}
	return ctx.Budget.NewReservation()
}
