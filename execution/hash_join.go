package execution

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/compute"
	"mit.edu/dsg/morseldb/planner"
	"mit.edu/dsg/morseldb/scheduler"
	"mit.edu/dsg/morseldb/storage"
)

// The hash join builds a table over one input (the build side) and streams the other (the probe
// side) through it. Build rows are partitioned into shards by key hash; every shard table is
// built by its own task once the build input is exhausted, and the pipelines holding the probe
// are started after the last shard is ready.
//
// The build side is the right input, except for right joins, which run as left joins with the
// inputs swapped. Keys of both sides are cast to their common type before hashing, and null keys
// never match.
//
// When the memory budget is exhausted a shard is written to a spill run, and probe rows that hash
// to a spilled shard are deferred to a probe run. The probe's finish step then joins the spilled
// shards one at a time. Spilling is disabled when the query preserves order.

type probeMode int

const (
	probeInner probeMode = iota
	// probeOuter keeps probe rows without a match, padded with nulls.
	probeOuter
	probeSemi
	probeAnti
)

// joinColumn says where an output column of the join comes from.
type joinColumn struct {
	build bool
	idx   int
}

type joinShard struct {
	mu    sync.Mutex
	res   *storage.Reservation
	parts []*Morsel
	bytes int64
	// run receives the shard's build rows once it spilled.
	run *spillRun

	probeMu sync.Mutex
	probes  *spillRun

	// The built table. Build rows with equal keys are chained through next.
	cols    []arrow.Array
	rows    int
	heads   *ExecutionHashTable[int32]
	next    []int32
	matched *storage.Bitmap
}

// build indexes the buffered rows. Parts are taken in stream order, so matches of one key come
// in build input order.
func (sh *joinShard) build(b *joinBuild) {
	slices.SortStableFunc(sh.parts, func(x, y *Morsel) int {
		switch {
		case x.Seq < y.Seq:
			return -1
		case x.Seq > y.Seq:
			return 1
		}
		return 0
	})
	m := concatMorsels(b.codec.types, sh.parts)
	sh.parts = nil
	n := len(b.types)
	sh.cols, sh.rows = m.Cols[:n], m.Rows
	keyCols := m.Cols[n:]
	keys := compute.EncodeKeys(b.keyTypes, keyCols, m.Rows)
	valid := compute.KeysValid(keyCols, m.Rows)
	sh.heads = NewExecutionHashTable[int32](m.Rows)
	sh.next = make([]int32, m.Rows)
	for r := m.Rows - 1; r >= 0; r-- {
		sh.next[r] = -1
		if !valid[r] {
			continue
		}
		if head, ok := sh.heads.Get(keys[r]); ok {
			sh.next[r] = head
		}
		sh.heads.Insert(keys[r], int32(r))
	}
	if b.trackMatches {
		sh.matched = storage.NewBitmap(m.Rows)
	}
}

// release drops the table and the memory it held.
func (sh *joinShard) release() {
	sh.cols, sh.heads, sh.next, sh.matched = nil, nil, nil, nil
	sh.rows = 0
	sh.res.Free()
}

// joinBuild is the output of the build side's pipeline.
type joinBuild struct {
	ctx      *ExecutorContext
	node     *planner.HashJoinNode
	name     string
	keys     *compute.Program
	keyTypes []common.DataType
	// types are the build input's columns; buffered morsels carry the key columns after them.
	types []common.DataType
	codec *spillCodec

	keepNullKeys bool
	trackMatches bool
	canSpill     bool

	shards     []*joinShard
	building   atomic.Int32
	spilled    atomic.Int32
	dependents []*pipeline
}

func (b *joinBuild) fail(err error) error {
	return common.Annotate(err, b.node.ID(), b.node.Kind())
}

func (b *joinBuild) consume(_ int, m *Morsel) error {
	if m.Rows == 0 {
		return nil
	}
	keyCols, err := b.keys.Eval(m.Cols, m.Rows)
	if err != nil {
		return b.fail(err)
	}
	cols := make([]arrow.Array, 0, len(m.Cols)+len(keyCols))
	cols = append(append(cols, m.Cols...), keyCols...)
	all := &Morsel{Cols: cols, Rows: m.Rows, Seq: m.Seq}

	var valid []bool
	if !b.keepNullKeys {
		valid = compute.KeysValid(keyCols, m.Rows)
	}
	if len(b.shards) == 1 {
		if valid != nil && compute.CountTrue(valid) != m.Rows {
			all = all.Take(b.codec.types, compute.Selection(valid))
		}
		return b.append(b.shards[0], all)
	}
	hashes := compute.HashKeys(compute.EncodeKeys(b.keyTypes, keyCols, m.Rows))
	idx := make([][]int, len(b.shards))
	for i, h := range hashes {
		if valid != nil && !valid[i] {
			continue
		}
		s := common.ShardOf(h, len(b.shards))
		idx[s] = append(idx[s], i)
	}
	for s, rows := range idx {
		if len(rows) == 0 {
			continue
		}
		if err := b.append(b.shards[s], all.Take(b.codec.types, rows)); err != nil {
			return err
		}
	}
	return nil
}

func (b *joinBuild) append(sh *joinShard, m *Morsel) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.run != nil {
		return b.fail(sh.run.write(m.Cols, m.Rows, nil))
	}
	size := m.SizeBytes()
	if sh.res.Grow(size) {
		sh.parts = append(sh.parts, m)
		sh.bytes += size
		return nil
	}
	if !b.canSpill {
		return b.fail(common.NewResourceError("hash join build side exceeds the memory budget of %s",
			humanize.IBytes(uint64(b.ctx.Budget.Limit()))))
	}
	return b.fail(b.spillShard(sh, m))
}

// spillShard moves the shard's buffered rows and m into a run. The caller holds sh.mu.
func (b *joinBuild) spillShard(sh *joinShard, m *Morsel) error {
	run, err := createSpillRun(b.ctx.Spill, b.codec)
	if err != nil {
		return err
	}
	sh.run = run
	for _, p := range append(sh.parts, m) {
		if err := run.write(p.Cols, p.Rows, nil); err != nil {
			return err
		}
	}
	logSpill(b.ctx, "join", run.bytes, run.rows)
	sh.parts, sh.bytes = nil, 0
	sh.res.Free()
	b.spilled.Add(1)
	return nil
}

// finish builds every shard that stayed in memory, each in its own task.
func (b *joinBuild) finish(tc *scheduler.TaskContext) error {
	var todo []*joinShard
	for _, sh := range b.shards {
		if sh.run == nil {
			todo = append(todo, sh)
		}
	}
	if len(todo) == 0 {
		b.built(tc)
		return nil
	}
	b.building.Store(int32(len(todo)))
	for i, sh := range todo {
		tc.Spawn(fmt.Sprintf("%s/build-%d", b.name, i), scheduler.TaskFunc(func(tc *scheduler.TaskContext) (scheduler.Status, error) {
			sh.build(b)
			if b.building.Add(-1) == 0 {
				b.built(tc)
			}
			return scheduler.Done, nil
		}))
	}
	return nil
}

func (b *joinBuild) built(tc *scheduler.TaskContext) {
	rows := 0
	for _, sh := range b.shards {
		rows += sh.rows
	}
	b.ctx.logger().Debug("hash join build finished",
		zap.String("join", b.name),
		zap.Int("rows", rows),
		zap.Int("shards", len(b.shards)),
		zap.Int32("spilled_shards", b.spilled.Load()))
	for _, p := range b.dependents {
		p.release(tc)
	}
}

// load reads a spilled shard back and builds its table.
func (b *joinBuild) load(sh *joinShard) error {
	cur, err := sh.run.open(b.ctx.Spill)
	if err != nil {
		return err
	}
	defer func() { _ = cur.close() }()
	for {
		cols, rows, _, ok, err := cur.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		m := &Morsel{Cols: cols, Rows: rows, Seq: MakeSeq(0, len(sh.parts))}
		if !sh.res.Grow(m.SizeBytes()) {
			return common.NewResourceError("spilled hash join partition does not fit in the memory budget of %s",
				humanize.IBytes(uint64(b.ctx.Budget.Limit())))
		}
		sh.parts = append(sh.parts, m)
	}
	sh.build(b)
	return nil
}

func (b *joinBuild) close() {
	for _, sh := range b.shards {
		sh.res.Free()
		if sh.run != nil {
			sh.run.abort()
		}
		if sh.probes != nil {
			sh.probes.abort()
		}
	}
}

// joinResult lists the output rows of one probe batch: the probe row (or -1) and the build shard
// and row (or -1) of each.
type joinResult struct {
	pi []int
	bs []int
	br []int
}

func (j *joinResult) add(probe, shard, row int) {
	j.pi = append(j.pi, probe)
	j.bs = append(j.bs, shard)
	j.br = append(j.br, row)
}

type trailerPhase int

const (
	phaseLoad trailerPhase = iota
	phaseProbe
	phaseUnmatched
	phaseRelease
)

// probeOp streams the probe side through the join table.
type probeOp struct {
	node     *planner.HashJoinNode
	build    *joinBuild
	keys     *compute.Program
	types    []common.DataType
	mode     probeMode
	columns  []joinColumn
	outTypes []common.DataType
	codec    *spillCodec
	empty    *Morsel

	morselSize  int
	trailerPart int
	// trailer state, only touched by the pipeline's finish task
	shard  int
	phase  trailerPhase
	cursor *runCursor
	pos    int
	local  int
	ended  bool
}

func (o *probeOp) PlanNode() planner.PlanNode {
	return o.node
}

func (o *probeOp) apply(m *Morsel) (*Morsel, error) {
	return o.probe(m, false)
}

// probe joins the rows of m. With replay set, m holds deferred rows of a spilled shard that has
// been loaded again.
func (o *probeOp) probe(m *Morsel, replay bool) (*Morsel, error) {
	b := o.build
	keyCols, err := o.keys.Eval(m.Cols, m.Rows)
	if err != nil {
		return nil, err
	}
	keys := compute.EncodeKeys(b.keyTypes, keyCols, m.Rows)
	valid := compute.KeysValid(keyCols, m.Rows)
	var hashes []uint64
	if len(b.shards) > 1 {
		hashes = compute.HashKeys(keys)
	}
	var (
		j        joinResult
		deferred map[int][]int
	)
	for i := 0; i < m.Rows; i++ {
		if !valid[i] {
			o.unmatched(&j, i)
			continue
		}
		s := 0
		if hashes != nil {
			s = common.ShardOf(hashes[i], len(b.shards))
		}
		sh := b.shards[s]
		if sh.run != nil && !replay {
			if deferred == nil {
				deferred = make(map[int][]int)
			}
			deferred[s] = append(deferred[s], i)
			continue
		}
		o.probeRow(&j, sh, s, keys[i], i)
	}
	for s, rows := range deferred {
		if err := o.deferRows(b.shards[s], m.Take(o.types, rows)); err != nil {
			return nil, err
		}
	}
	return o.assemble(m, &j), nil
}

func (o *probeOp) probeRow(j *joinResult, sh *joinShard, s int, key string, i int) {
	r, ok := sh.heads.Get(key)
	if !ok {
		o.unmatched(j, i)
		return
	}
	switch o.mode {
	case probeSemi:
		j.add(i, -1, -1)
	case probeAnti:
	default:
		for ; r >= 0; r = sh.next[r] {
			j.add(i, s, int(r))
			if sh.matched != nil {
				sh.matched.SetBit(int(r))
			}
		}
	}
}

func (o *probeOp) unmatched(j *joinResult, i int) {
	if o.mode == probeOuter || o.mode == probeAnti {
		j.add(i, -1, -1)
	}
}

func (o *probeOp) deferRows(sh *joinShard, m *Morsel) error {
	sh.probeMu.Lock()
	defer sh.probeMu.Unlock()
	if sh.probes == nil {
		run, err := createSpillRun(o.build.ctx.Spill, o.codec)
		if err != nil {
			return err
		}
		sh.probes = run
	}
	return sh.probes.write(m.Cols, m.Rows, nil)
}

// assemble gathers the output columns of a join result.
func (o *probeOp) assemble(m *Morsel, j *joinResult) *Morsel {
	rows := len(j.pi)
	cols := make([]arrow.Array, len(o.columns))
	identity := rows == m.Rows
	for k := 0; identity && k < rows; k++ {
		identity = j.pi[k] == k
	}
	var split *shardSplit
	for c, src := range o.columns {
		t := o.outTypes[c]
		switch {
		case !src.build && identity:
			cols[c] = m.Cols[src.idx]
		case !src.build:
			cols[c] = compute.Take(t, m.Cols[src.idx], j.pi)
		default:
			if split == nil {
				split = o.splitByShard(j)
			}
			cols[c] = split.gather(o.build.shards, t, src.idx)
		}
	}
	return &Morsel{Cols: cols, Rows: rows, Seq: m.Seq, Last: m.Last}
}

// shardSplit routes the build rows of a join result to their shards. When every row comes from
// one shard, rows index that shard directly; otherwise the per-shard gathers are concatenated and
// perm picks the output rows from the concatenation.
type shardSplit struct {
	single int
	rows   []int
	lists  [][]int
	perm   []int
}

func (o *probeOp) splitByShard(j *joinResult) *shardSplit {
	single := -1
	multi := false
	for _, s := range j.bs {
		if s < 0 {
			continue
		}
		if single < 0 {
			single = s
		} else if s != single {
			multi = true
			break
		}
	}
	if !multi {
		if single < 0 {
			single = 0
		}
		return &shardSplit{single: single, rows: j.br}
	}
	n := len(o.build.shards)
	lists := make([][]int, n)
	for k, s := range j.bs {
		if s >= 0 {
			lists[s] = append(lists[s], j.br[k])
		}
	}
	offsets := make([]int, n)
	total := 0
	for s, l := range lists {
		offsets[s] = total
		total += len(l)
	}
	perm := make([]int, len(j.bs))
	seen := make([]int, n)
	for k, s := range j.bs {
		if s < 0 {
			perm[k] = -1
			continue
		}
		perm[k] = offsets[s] + seen[s]
		seen[s]++
	}
	return &shardSplit{single: -1, lists: lists, perm: perm}
}

func (sp *shardSplit) gather(shards []*joinShard, t common.DataType, col int) arrow.Array {
	if sp.single >= 0 {
		sh := shards[sp.single]
		if sh.cols == nil {
			return common.ArrayFromValues(t, nullValues(t, len(sp.rows)))
		}
		return compute.Take(t, sh.cols[col], sp.rows)
	}
	parts := make([]arrow.Array, 0, len(shards))
	for s, l := range sp.lists {
		if len(l) > 0 {
			parts = append(parts, compute.Take(t, shards[s].cols[col], l))
		}
	}
	return compute.Take(t, compute.Concat(t, parts), sp.perm)
}

func nullValues(t common.DataType, n int) []common.Value {
	vals := make([]common.Value, n)
	for i := range vals {
		vals[i] = common.NewNull(t)
	}
	return vals
}

// hasTrailer reports whether the join emits rows after the probe input ended: unmatched build
// rows of a full join and the results of spilled shards.
func (o *probeOp) hasTrailer() bool {
	return o.build.trackMatches || o.build.spilled.Load() > 0
}

// trailer returns the next morsel of the trailer; the last one has Last set. It reports false
// once the trailer is complete.
func (o *probeOp) trailer() (*Morsel, bool, error) {
	b := o.build
	for o.shard < len(b.shards) {
		sh := b.shards[o.shard]
		switch o.phase {
		case phaseLoad:
			if sh.run != nil {
				if err := b.load(sh); err != nil {
					return nil, false, err
				}
			}
			o.phase = phaseProbe
		case phaseProbe:
			if sh.probes == nil {
				o.phase = phaseUnmatched
				continue
			}
			if o.cursor == nil {
				cur, err := sh.probes.open(b.ctx.Spill)
				if err != nil {
					return nil, false, err
				}
				o.cursor = cur
			}
			cols, rows, _, ok, err := o.cursor.next()
			if err != nil {
				return nil, false, err
			}
			if !ok {
				o.cursor, sh.probes = nil, nil
				o.phase = phaseUnmatched
				continue
			}
			out, err := o.probe(&Morsel{Cols: cols, Rows: rows}, true)
			if err != nil {
				return nil, false, err
			}
			if out.Rows > 0 {
				return o.trailerMorsel(out), true, nil
			}
		case phaseUnmatched:
			if !b.trackMatches || o.pos >= sh.rows {
				o.phase = phaseRelease
				continue
			}
			var j joinResult
			for len(j.pi) < o.morselSize {
				r := sh.matched.NextZero(o.pos)
				if r < 0 {
					o.pos = sh.rows
					break
				}
				j.add(-1, o.shard, r)
				o.pos = r + 1
			}
			if len(j.pi) > 0 {
				return o.trailerMorsel(o.assemble(o.empty, &j)), true, nil
			}
		case phaseRelease:
			if sh.run != nil {
				sh.release()
			}
			o.shard++
			o.phase, o.pos = phaseLoad, 0
		}
	}
	if o.ended {
		return nil, false, nil
	}
	o.ended = true
	m := emptyMorsel(o.outTypes, 0)
	m.Last = true
	return o.trailerMorsel(m), true, nil
}

func (o *probeOp) trailerMorsel(m *Morsel) *Morsel {
	m.Seq = MakeSeq(o.trailerPart, o.local)
	o.local++
	return m
}

func (o *probeOp) close() {
	if o.cursor != nil {
		_ = o.cursor.close()
	}
}

// newHashJoin compiles a join into its build output and its probe operator.
func newHashJoin(ctx *ExecutorContext, node *planner.HashJoinNode) (*joinBuild, *probeOp, error) {
	a := node.Arena()
	swap := node.Type == planner.JoinRight
	probeSide, buildSide := node.Left, node.Right
	probeKeys, buildKeys := slices.Clone(node.LeftKeys), slices.Clone(node.RightKeys)
	if swap {
		probeSide, buildSide = buildSide, probeSide
		probeKeys, buildKeys = buildKeys, probeKeys
	}
	fail := func(err error) error { return common.Annotate(err, node.ID(), node.Kind()) }

	keyTypes := make([]common.DataType, len(probeKeys))
	for k := range probeKeys {
		t, ok := a.CommonType(probeKeys[k], buildKeys[k])
		if !ok {
			return nil, nil, fail(common.NewInternalError("join keys %s and %s have no common type",
				a.String(probeKeys[k]), a.String(buildKeys[k])))
		}
		keyTypes[k] = t
		for _, keys := range [][]planner.ExprID{probeKeys, buildKeys} {
			if !a.Type(keys[k]).Equal(t) {
				cast, err := a.AddCast(keys[k], t, false)
				if err != nil {
					return nil, nil, fail(err)
				}
				keys[k] = cast
			}
		}
	}
	buildProg, err := ctx.Programs.Compile(a, buildSide.OutputSchema(), buildKeys)
	if err != nil {
		return nil, nil, fail(err)
	}
	probeProg, err := ctx.Programs.Compile(a, probeSide.OutputSchema(), probeKeys)
	if err != nil {
		return nil, nil, fail(err)
	}

	buildTypes := schemaTypes(buildSide.OutputSchema())
	b := &joinBuild{
		ctx:          ctx,
		node:         node,
		name:         fmt.Sprintf("join#%d", node.ID()),
		keys:         buildProg,
		keyTypes:     keyTypes,
		types:        buildTypes,
		codec:        newSpillCodec(append(slices.Clone(buildTypes), keyTypes...), false),
		keepNullKeys: node.Type == planner.JoinFull,
		trackMatches: node.Type == planner.JoinFull,
		canSpill:     !ctx.PreserveOrder,
	}
	for i := 0; i < max(ctx.Parallelism, 1); i++ {
		b.shards = append(b.shards, &joinShard{res: ctx.reservation()})
	}

	probeTypes := schemaTypes(probeSide.OutputSchema())
	o := &probeOp{
		node:       node,
		build:      b,
		keys:       probeProg,
		types:      probeTypes,
		outTypes:   schemaTypes(node.OutputSchema()),
		codec:      newSpillCodec(probeTypes, false),
		empty:      emptyMorsel(probeTypes, 0),
		morselSize: max(ctx.MorselSize, 1),
	}
	switch node.Type {
	case planner.JoinInner:
		o.mode = probeInner
	case planner.JoinSemi:
		o.mode = probeSemi
	case planner.JoinAnti:
		o.mode = probeAnti
	default:
		o.mode = probeOuter
	}

	ls, rs := node.Left.OutputSchema(), node.Right.OutputSchema()
	if o.mode == probeSemi || o.mode == probeAnti {
		for i := 0; i < ls.Len(); i++ {
			o.columns = append(o.columns, joinColumn{idx: i})
		}
		return b, o, nil
	}
	for i := 0; i < ls.Len(); i++ {
		o.columns = append(o.columns, joinColumn{build: swap, idx: i})
	}
	if swap {
		for k, folded := range node.CoalescedKeys() {
			if !folded {
				continue
			}
			li, _ := ls.Index(a.Node(node.LeftKeys[k]).Name)
			ri, _ := rs.Index(a.Node(node.RightKeys[k]).Name)
			o.columns[li] = joinColumn{idx: ri}
		}
	}
	for _, ri := range node.RightOutputColumns() {
		o.columns = append(o.columns, joinColumn{build: !swap, idx: ri})
	}
	return b, o, nil
}
