package execution

import (
	"fmt"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/compute"
	"mit.edu/dsg/morseldb/planner"
	"mit.edu/dsg/morseldb/scheduler"
	"mit.edu/dsg/morseldb/storage"
)

// The hash aggregate runs in two phases. While the input streams, every driver folds its morsels
// into private group tables, one per shard, so no table is shared between workers. Once the
// input is exhausted, one task per shard merges the drivers' tables of that shard and emits the
// groups.
//
// When a driver cannot reserve memory for a new group, the rows of groups it does not hold yet
// are written to a spill run of that driver and shard; rows of groups already in memory keep
// updating them. The shard's task folds the spilled rows back in after merging.

// groupTable maps encoded group keys to group numbers and holds the state of every group.
type groupTable struct {
	index *ExecutionHashTable[int32]
	keys  []string
	// vals holds the key values of every group, per key column.
	vals [][]common.Value
	// first is the stream position of the group's first row.
	first []ord
	accs  []accumulator
	bytes int64
}

func (b *aggregateBuild) newGroupTable() *groupTable {
	t := &groupTable{
		index: NewExecutionHashTable[int32](0),
		vals:  make([][]common.Value, len(b.keyTypes)),
		accs:  make([]accumulator, len(b.funcs)),
	}
	for k, f := range b.funcs {
		t.accs[k] = newAccumulator(f, b.inTypes[k], b.outTypes[k])
	}
	return t
}

func (t *groupTable) len() int {
	return len(t.keys)
}

func (t *groupTable) add(key string, vals func(c int) common.Value, first ord) int32 {
	g := int32(len(t.keys))
	t.index.Insert(key, g)
	t.keys = append(t.keys, key)
	for c := range t.vals {
		t.vals[c] = append(t.vals[c], vals(c))
	}
	t.first = append(t.first, first)
	for _, a := range t.accs {
		a.grow(len(t.keys))
	}
	return g
}

// absorb merges every group of src into t.
func (t *groupTable) absorb(src *groupTable) error {
	for g, key := range src.keys {
		dst, ok := t.index.Get(key)
		if !ok {
			dst = t.add(key, func(c int) common.Value { return src.vals[c][g] }, src.first[g])
		} else if src.first[g].less(t.first[dst]) {
			t.first[dst] = src.first[g]
		}
		for k, a := range t.accs {
			if err := a.merge(dst, src.accs[k], int32(g)); err != nil {
				return err
			}
		}
	}
	return nil
}

// aggLocal is the state of one driver.
type aggLocal struct {
	res    *storage.Reservation
	tables []*groupTable
	runs   []*spillRun
}

// aggregateBuild is the output of the pipeline feeding an AggregateNode.
type aggregateBuild struct {
	ctx  *ExecutorContext
	node *planner.AggregateNode
	name string

	keys     *compute.Program
	keyTypes []common.DataType
	args     *compute.Program
	argTypes []common.DataType
	// argOf maps every aggregate to its argument column, or -1 for len.
	argOf    []int
	funcs    []planner.AggFunc
	inTypes  []common.DataType
	outTypes []common.DataType

	global bool
	// perGroup estimates the memory of a group beyond its key.
	perGroup int64
	// ordered emits groups in the order of their first row.
	ordered bool
	codec   *spillCodec

	locals []*aggLocal
	shards int
	// merged holds the finalized table of every shard; shardRes accounts for replayed groups.
	merged   []*groupTable
	shardRes []*storage.Reservation
	out      *scheduler.Channel[*Morsel]
}

func newAggregateBuild(ctx *ExecutorContext, node *planner.AggregateNode, drivers int) (*aggregateBuild, error) {
	a := node.Arena()
	in := node.Child.OutputSchema()
	fail := func(err error) error { return common.Annotate(err, node.ID(), node.Kind()) }
	b := &aggregateBuild{
		ctx:     ctx,
		node:    node,
		name:    fmt.Sprintf("aggregate#%d", node.ID()),
		global:  len(node.GroupBy) == 0,
		ordered: ctx.PreserveOrder,
	}
	var err error
	if !b.global {
		if b.keys, err = ctx.Programs.Compile(a, in, node.GroupBy); err != nil {
			return nil, fail(err)
		}
		for _, id := range node.GroupBy {
			b.keyTypes = append(b.keyTypes, a.Type(id))
		}
	}
	var argExprs []planner.ExprID
	for _, id := range node.Aggregates {
		agg := a.Node(a.StripAlias(id))
		b.funcs = append(b.funcs, agg.Agg)
		b.outTypes = append(b.outTypes, agg.Type)
		if len(agg.Children) == 0 {
			b.argOf = append(b.argOf, -1)
			b.inTypes = append(b.inTypes, common.DataType{ID: common.NullType})
			continue
		}
		arg := agg.Children[0]
		k := slices.Index(argExprs, arg)
		if k < 0 {
			k = len(argExprs)
			argExprs = append(argExprs, arg)
			b.argTypes = append(b.argTypes, a.Type(arg))
		}
		b.argOf = append(b.argOf, k)
		b.inTypes = append(b.inTypes, a.Type(arg))
	}
	if len(argExprs) > 0 {
		if b.args, err = ctx.Programs.Compile(a, in, argExprs); err != nil {
			return nil, fail(err)
		}
	}
	b.shards = max(ctx.Parallelism, 1)
	if b.global || b.ordered {
		b.shards = 1
	}
	b.codec = newSpillCodec(append(slices.Clone(b.keyTypes), b.argTypes...), true)
	b.perGroup = 16 + 32*int64(len(b.keyTypes))
	for _, acc := range b.newGroupTable().accs {
		b.perGroup += acc.groupBytes()
	}
	for d := 0; d < max(drivers, 1); d++ {
		l := &aggLocal{res: ctx.reservation(), tables: make([]*groupTable, b.shards), runs: make([]*spillRun, b.shards)}
		for s := range l.tables {
			l.tables[s] = b.newGroupTable()
		}
		b.locals = append(b.locals, l)
	}
	b.merged = make([]*groupTable, b.shards)
	b.shardRes = make([]*storage.Reservation, b.shards)
	for s := range b.shardRes {
		b.shardRes[s] = ctx.reservation()
	}
	b.out = scheduler.NewChannel[*Morsel](ctx.ChannelCapacity, b.shards)
	return b, nil
}

func (b *aggregateBuild) fail(err error) error {
	return common.Annotate(err, b.node.ID(), b.node.Kind())
}

func (b *aggregateBuild) groupBytes(keyLen int) int64 {
	return int64(keyLen) + entryOverhead + b.perGroup
}

func (b *aggregateBuild) encode(keyCols []arrow.Array, rows int) []string {
	if b.global {
		return make([]string, rows)
	}
	return compute.EncodeKeys(b.keyTypes, keyCols, rows)
}

func (b *aggregateBuild) consume(d int, m *Morsel) error {
	if m.Rows == 0 {
		return nil
	}
	common.Assert(d < len(b.locals), "driver %d of %s out of range", d, b.name)
	l := b.locals[d]
	var keyCols, argCols []arrow.Array
	var err error
	if b.keys != nil {
		if keyCols, err = b.keys.Eval(m.Cols, m.Rows); err != nil {
			return b.fail(err)
		}
	}
	if b.args != nil {
		if argCols, err = b.args.Eval(m.Cols, m.Rows); err != nil {
			return b.fail(err)
		}
	}
	ords := make([]ord, m.Rows)
	for i := range ords {
		ords[i] = ord{seq: m.Seq, row: uint32(i)}
	}
	if b.shards == 1 {
		return b.fail(b.foldLocal(l, 0, keyCols, argCols, m.Rows, ords))
	}
	hashes := compute.HashKeys(b.encode(keyCols, m.Rows))
	idx := make([][]int, b.shards)
	for i, h := range hashes {
		s := common.ShardOf(h, b.shards)
		idx[s] = append(idx[s], i)
	}
	for s, rows := range idx {
		if len(rows) == 0 {
			continue
		}
		sk := takeColumns(b.keyTypes, keyCols, rows)
		sa := takeColumns(b.argTypes, argCols, rows)
		so := make([]ord, len(rows))
		for k, r := range rows {
			so[k] = ords[r]
		}
		if err := b.foldLocal(l, s, sk, sa, len(rows), so); err != nil {
			return b.fail(err)
		}
	}
	return nil
}

func takeColumns(types []common.DataType, cols []arrow.Array, rows []int) []arrow.Array {
	if cols == nil {
		return nil
	}
	out := make([]arrow.Array, len(cols))
	for c, col := range cols {
		out[c] = compute.Take(types[c], col, rows)
	}
	return out
}

// foldLocal folds rows of shard s into the driver's table, spilling rows of new groups that do
// not fit.
func (b *aggregateBuild) foldLocal(l *aggLocal, s int, keyCols, argCols []arrow.Array, rows int, ords []ord) error {
	t := l.tables[s]
	over, grown, err := b.fold(t, l.res, keyCols, argCols, rows, ords, l.runs[s] != nil)
	t.bytes += grown
	if err != nil || len(over) == 0 {
		return err
	}
	if b.global {
		return common.NewInternalError("global aggregate has no group to spill")
	}
	if l.runs[s] == nil {
		run, err := createSpillRun(b.ctx.Spill, b.codec)
		if err != nil {
			return err
		}
		l.runs[s] = run
	}
	run := l.runs[s]
	before := run.bytes
	cols := append(takeColumns(b.keyTypes, keyCols, over), takeColumns(b.argTypes, argCols, over)...)
	so := make([]ord, len(over))
	for k, r := range over {
		so[k] = ords[r]
	}
	if err := run.write(cols, len(over), so); err != nil {
		return err
	}
	logSpill(b.ctx, "aggregate", run.bytes-before, int64(len(over)))
	return nil
}

// fold adds rows to t and reports the bytes reserved for new groups. Rows that would start a new
// group are returned instead when full is set or the reservation cannot grow.
func (b *aggregateBuild) fold(t *groupTable, res *storage.Reservation, keyCols, argCols []arrow.Array, rows int, ords []ord, full bool) ([]int, int64, error) {
	keys := b.encode(keyCols, rows)
	groups := make([]int32, 0, rows)
	var (
		over  []int
		grown int64
	)
	for i := 0; i < rows; i++ {
		g, ok := t.index.Get(keys[i])
		if !ok {
			if !full {
				size := b.groupBytes(len(keys[i]))
				if res.Grow(size) {
					grown += size
					g = t.add(keys[i], func(c int) common.Value { return common.ValueAt(keyCols[c], i) }, ords[i])
					ok = true
				}
			}
			if !ok {
				over = append(over, i)
				continue
			}
		} else if ords[i].less(t.first[g]) {
			t.first[g] = ords[i]
		}
		groups = append(groups, g)
	}
	if len(groups) == 0 {
		return over, grown, nil
	}
	args, kept := argCols, ords
	if len(over) > 0 {
		sel := complement(over, rows)
		args = takeColumns(b.argTypes, argCols, sel)
		kept = make([]ord, len(sel))
		for k, r := range sel {
			kept[k] = ords[r]
		}
	}
	for k, a := range t.accs {
		var arg arrow.Array
		if j := b.argOf[k]; j >= 0 {
			arg = args[j]
		}
		if err := a.update(groups, arg, kept); err != nil {
			return nil, grown, err
		}
	}
	return over, grown, nil
}

// complement returns the rows in [0, n) that are not in the sorted list skip.
func complement(skip []int, n int) []int {
	out := make([]int, 0, n-len(skip))
	j := 0
	for i := 0; i < n; i++ {
		if j < len(skip) && skip[j] == i {
			j++
			continue
		}
		out = append(out, i)
	}
	return out
}

// finish starts one emitter per shard.
func (b *aggregateBuild) finish(tc *scheduler.TaskContext) error {
	for s := 0; s < b.shards; s++ {
		var (
			order []int32
			ck    chunker
		)
		tc.Spawn(fmt.Sprintf("%s/emit-%d", b.name, s), &emitTask{
			out: b.out,
			prepare: func() error {
				t, err := b.finalize(s)
				if err != nil {
					return b.fail(err)
				}
				order = b.groupOrder(t)
				ck = chunker{size: b.ctx.MorselSize, total: len(order)}
				return nil
			},
			next: func() (*Morsel, bool, error) {
				from, to, last, ok := ck.next()
				if !ok {
					return nil, false, nil
				}
				m := b.emit(b.merged[s], order[from:to])
				m.Seq = MakeSeq(s, ck.local)
				m.Last = last
				ck.local++
				return m, true, nil
			},
			release: func() { b.releaseShard(s) },
		})
	}
	return nil
}

// finalize merges the drivers' tables of shard s and folds the spilled rows back in.
func (b *aggregateBuild) finalize(s int) (*groupTable, error) {
	var t *groupTable
	for _, l := range b.locals {
		lt := l.tables[s]
		switch {
		case lt.len() == 0:
		case t == nil:
			t = lt
		default:
			if err := t.absorb(lt); err != nil {
				return nil, err
			}
		}
	}
	if t == nil {
		t = b.newGroupTable()
	}
	b.merged[s] = t
	if b.global && t.len() == 0 {
		t.add("", nil, ord{})
	}
	spilled := 0
	for _, l := range b.locals {
		run := l.runs[s]
		if run == nil {
			continue
		}
		l.runs[s] = nil
		err := run.read(b.ctx.Spill, func(cols []arrow.Array, rows int, ords []ord) error {
			nk := len(b.keyTypes)
			over, _, err := b.fold(t, b.shardRes[s], cols[:nk], cols[nk:], rows, ords, false)
			if err != nil {
				return err
			}
			if len(over) > 0 {
				return common.NewResourceError("spilled aggregate groups do not fit in the memory budget of %s",
					humanize.IBytes(uint64(b.ctx.Budget.Limit())))
			}
			spilled += rows
			return nil
		})
		if err != nil {
			run.abort()
			return nil, err
		}
	}
	b.ctx.logger().Debug("aggregate shard finalized",
		zap.String("aggregate", b.name),
		zap.Int("shard", s),
		zap.Int("groups", t.len()),
		zap.Int("replayed_rows", spilled))
	return t, nil
}

// groupOrder lists the groups of t in emission order.
func (b *aggregateBuild) groupOrder(t *groupTable) []int32 {
	order := make([]int32, t.len())
	for g := range order {
		order[g] = int32(g)
	}
	if b.ordered {
		slices.SortFunc(order, func(x, y int32) int {
			switch {
			case t.first[x].less(t.first[y]):
				return -1
			case t.first[y].less(t.first[x]):
				return 1
			}
			return 0
		})
	}
	return order
}

// emit builds the output rows of the listed groups.
func (b *aggregateBuild) emit(t *groupTable, groups []int32) *Morsel {
	cols := make([]arrow.Array, 0, len(b.keyTypes)+len(b.funcs))
	for c, kt := range b.keyTypes {
		vals := make([]common.Value, len(groups))
		for i, g := range groups {
			vals[i] = t.vals[c][g]
		}
		cols = append(cols, common.ArrayFromValues(kt, vals))
	}
	for _, a := range t.accs {
		cols = append(cols, a.result(groups))
	}
	return &Morsel{Cols: cols, Rows: len(groups)}
}

// releaseShard drops the state of shard s and hands its memory back.
func (b *aggregateBuild) releaseShard(s int) {
	b.merged[s] = nil
	for _, l := range b.locals {
		if t := l.tables[s]; t != nil {
			l.res.Shrink(t.bytes)
			l.tables[s] = nil
		}
		if run := l.runs[s]; run != nil {
			run.abort()
			l.runs[s] = nil
		}
	}
	b.shardRes[s].Free()
}

// close releases whatever the aggregate still holds when the query ends early.
func (b *aggregateBuild) close() {
	for _, l := range b.locals {
		for s, run := range l.runs {
			if run != nil {
				run.abort()
				l.runs[s] = nil
			}
		}
		l.res.Free()
	}
	for _, r := range b.shardRes {
		r.Free()
	}
}
