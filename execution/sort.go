package execution

import (
	"fmt"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/tidwall/btree"
	"go.uber.org/zap"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/compute"
	"mit.edu/dsg/morseldb/planner"
	"mit.edu/dsg/morseldb/scheduler"
	"mit.edu/dsg/morseldb/storage"
)

// The sort buffers its input per driver. A driver that cannot reserve memory for a morsel sorts
// what it holds and writes it to a run. Once the input is exhausted the in-memory buffers are
// sorted and every sorted sequence, buffered or spilled, is merged. Rows with equal keys come out
// in the order of their stream positions, which makes the sort stable.

// sortBatch is a batch of rows with its decoded sort keys.
type sortBatch struct {
	cols []arrow.Array
	keys compute.SortKeys
	ords []ord
	rows int
}

type sortLocal struct {
	res   *storage.Reservation
	parts []*Morsel
	ords  [][]ord
	rows  int
	runs  []*spillRun
}

// sortBuild is the output of the pipeline feeding a SortNode.
type sortBuild struct {
	ctx      *ExecutorContext
	node     *planner.SortNode
	name     string
	keys     *compute.Program
	keyTypes []common.DataType
	orders   []compute.SortOrder
	types    []common.DataType
	// all are the buffered columns: the input's followed by the evaluated keys.
	all   []common.DataType
	codec *spillCodec
	limit int64

	locals []*sortLocal
	out    *scheduler.Channel[*Morsel]
}

func newSortBuild(ctx *ExecutorContext, node *planner.SortNode, drivers int) (*sortBuild, error) {
	a := node.Arena()
	keys := planner.ResolveNulls(node.OrderBy, ctx.NullsLast)
	b := &sortBuild{
		ctx:   ctx,
		node:  node,
		name:  fmt.Sprintf("sort#%d", node.ID()),
		types: schemaTypes(node.Child.OutputSchema()),
		limit: node.Limit,
	}
	exprs := make([]planner.ExprID, len(keys))
	for i, k := range keys {
		exprs[i] = k.Expr
		b.keyTypes = append(b.keyTypes, a.Type(k.Expr))
		b.orders = append(b.orders, compute.SortOrder{Descending: k.Descending, NullsLast: k.Nulls == planner.NullsLast})
	}
	prog, err := ctx.Programs.Compile(a, node.Child.OutputSchema(), exprs)
	if err != nil {
		return nil, common.Annotate(err, node.ID(), node.Kind())
	}
	b.keys = prog
	b.all = append(slices.Clone(b.types), b.keyTypes...)
	b.codec = newSpillCodec(b.all, true)
	for d := 0; d < max(drivers, 1); d++ {
		b.locals = append(b.locals, &sortLocal{res: ctx.reservation()})
	}
	b.out = scheduler.NewChannel[*Morsel](ctx.ChannelCapacity, 1)
	return b, nil
}

func (b *sortBuild) fail(err error) error {
	return common.Annotate(err, b.node.ID(), b.node.Kind())
}

func (b *sortBuild) consume(d int, m *Morsel) error {
	if m.Rows == 0 {
		return nil
	}
	common.Assert(d < len(b.locals), "driver %d of %s out of range", d, b.name)
	l := b.locals[d]
	keyCols, err := b.keys.Eval(m.Cols, m.Rows)
	if err != nil {
		return b.fail(err)
	}
	all := &Morsel{Cols: append(slices.Clone(m.Cols), keyCols...), Rows: m.Rows, Seq: m.Seq}
	ords := make([]ord, m.Rows)
	for i := range ords {
		ords[i] = ord{seq: m.Seq, row: uint32(i)}
	}
	if !l.res.Grow(all.SizeBytes()) {
		return b.fail(b.spill(l, all, ords))
	}
	l.parts = append(l.parts, all)
	l.ords = append(l.ords, ords)
	l.rows += m.Rows
	if b.limit != planner.NoLimit && int64(l.rows) > 2*b.limit+int64(b.ctx.MorselSize) {
		if err := b.compact(l); err != nil {
			return b.fail(err)
		}
	}
	return nil
}

// sortBuffered sorts the driver's buffered rows into one batch, keeping at most keep rows, and
// resets the buffer.
func (b *sortBuild) sortBuffered(l *sortLocal, keep int64) *sortBatch {
	m := concatMorsels(b.all, l.parts)
	ords := slices.Concat(l.ords...)
	l.parts, l.ords, l.rows = nil, nil, 0
	keys := compute.NewSortKeys(b.keyTypes, m.Cols[len(b.types):])
	perm := make([]int, m.Rows)
	for i := range perm {
		perm[i] = i
	}
	slices.SortFunc(perm, func(i, j int) int {
		if c := compute.CompareRows(b.orders, keys, i, keys, j); c != 0 {
			return c
		}
		return cmpOrd(ords[i], ords[j])
	})
	if keep != planner.NoLimit && int64(len(perm)) > keep {
		perm = perm[:keep]
	}
	sorted := m.Take(b.all, perm)
	sortedOrds := make([]ord, len(perm))
	for k, i := range perm {
		sortedOrds[k] = ords[i]
	}
	return &sortBatch{
		cols: sorted.Cols,
		keys: compute.NewSortKeys(b.keyTypes, sorted.Cols[len(b.types):]),
		ords: sortedOrds,
		rows: sorted.Rows,
	}
}

func cmpOrd(x, y ord) int {
	switch {
	case x.less(y):
		return -1
	case y.less(x):
		return 1
	}
	return 0
}

// compact drops buffered rows that cannot be among the first limit rows. The remaining rows
// go to a run when the budget cannot hold them.
func (b *sortBuild) compact(l *sortLocal) error {
	s := b.sortBuffered(l, b.limit)
	m := &Morsel{Cols: s.cols, Rows: s.rows}
	l.res.Free()
	if !l.res.Grow(m.SizeBytes()) {
		return b.writeRun(l, s)
	}
	l.parts = []*Morsel{m}
	l.ords = [][]ord{s.ords}
	l.rows = s.rows
	return nil
}

// spill writes the driver's buffered rows and m to a sorted run.
func (b *sortBuild) spill(l *sortLocal, m *Morsel, ords []ord) error {
	l.parts = append(l.parts, m)
	l.ords = append(l.ords, ords)
	s := b.sortBuffered(l, b.limit)
	l.res.Free()
	return b.writeRun(l, s)
}

// writeRun writes a sorted batch to a new run of the driver.
func (b *sortBuild) writeRun(l *sortLocal, s *sortBatch) error {
	run, err := createSpillRun(b.ctx.Spill, b.codec)
	if err != nil {
		return err
	}
	l.runs = append(l.runs, run)
	size := max(b.ctx.MorselSize, 1)
	for from := 0; from < s.rows; from += size {
		to := min(s.rows, from+size)
		cols := make([]arrow.Array, len(s.cols))
		for c, col := range s.cols {
			cols[c] = compute.Slice(col, from, to)
		}
		if err := run.write(cols, to-from, s.ords[from:to]); err != nil {
			return err
		}
	}
	if err := run.finish(); err != nil {
		return err
	}
	logSpill(b.ctx, "sort", run.bytes, run.rows)
	return nil
}

// finish starts the single task that merges and emits the sorted rows.
func (b *sortBuild) finish(tc *scheduler.TaskContext) error {
	var mg *sortMerge
	tc.Spawn(b.name+"/merge", &emitTask{
		out: b.out,
		prepare: func() error {
			var err error
			mg, err = b.newMerge()
			return b.fail(err)
		},
		next: func() (*Morsel, bool, error) {
			m, ok, err := mg.next()
			return m, ok, b.fail(err)
		},
		release: func() {
			if mg != nil {
				mg.close()
			}
			b.close()
		},
	})
	return nil
}

// mergeInput is one sorted sequence of the merge: a sorted in-memory batch or a spilled run read
// one batch at a time.
type mergeInput struct {
	id     int
	batch  *sortBatch
	pos    int
	cursor *runCursor
}

// advance moves to the next row, loading the next batch of a run when needed. It reports false
// once the input is exhausted.
func (in *mergeInput) advance(b *sortBuild) (bool, error) {
	in.pos++
	for in.batch == nil || in.pos >= in.batch.rows {
		if in.cursor == nil {
			return false, nil
		}
		cols, rows, ords, ok, err := in.cursor.next()
		if err != nil {
			return false, err
		}
		if !ok {
			in.cursor = nil
			return false, nil
		}
		in.batch = &sortBatch{cols: cols, keys: compute.NewSortKeys(b.keyTypes, cols[len(b.types):]), ords: ords, rows: rows}
		in.pos = 0
	}
	return true, nil
}

type sortMerge struct {
	b        *sortBuild
	frontier *btree.BTreeG[*mergeInput]
	inputs   []*mergeInput
	emitted  int64
	local    int
	ended    bool
}

func (b *sortBuild) newMerge() (*sortMerge, error) {
	mg := &sortMerge{b: b}
	mg.frontier = btree.NewBTreeG(func(x, y *mergeInput) bool {
		if c := compute.CompareRows(b.orders, x.batch.keys, x.pos, y.batch.keys, y.pos); c != 0 {
			return c < 0
		}
		if c := cmpOrd(x.batch.ords[x.pos], y.batch.ords[y.pos]); c != 0 {
			return c < 0
		}
		return x.id < y.id
	})
	runs := 0
	for _, l := range b.locals {
		if l.rows > 0 {
			mg.inputs = append(mg.inputs, &mergeInput{batch: b.sortBuffered(l, b.limit), pos: -1})
		}
		for _, run := range l.runs {
			cur, err := run.open(b.ctx.Spill)
			if err != nil {
				return mg, err
			}
			mg.inputs = append(mg.inputs, &mergeInput{cursor: cur, pos: -1})
			runs++
		}
		l.runs = nil
	}
	for i, in := range mg.inputs {
		in.id = i
		ok, err := in.advance(b)
		if err != nil {
			return mg, err
		}
		if ok {
			mg.frontier.Set(in)
		}
	}
	b.ctx.logger().Debug("sort merge started",
		zap.String("sort", b.name),
		zap.Int("sequences", len(mg.inputs)),
		zap.Int("spilled_runs", runs))
	return mg, nil
}

// segment is a range of consecutive rows of one batch.
type segment struct {
	cols     []arrow.Array
	from, to int
}

// next returns the next morsel of sorted rows. The last one has Last set.
func (mg *sortMerge) next() (*Morsel, bool, error) {
	b := mg.b
	if mg.ended {
		return nil, false, nil
	}
	want := max(b.ctx.MorselSize, 1)
	if b.limit != planner.NoLimit {
		want = int(min(int64(want), b.limit-mg.emitted))
	}
	var segs []segment
	rows := 0
	for rows < want {
		in, ok := mg.frontier.PopMin()
		if !ok {
			break
		}
		if n := len(segs); n > 0 && segs[n-1].to == in.pos && sameColumns(segs[n-1].cols, in.batch.cols) {
			segs[n-1].to++
		} else {
			segs = append(segs, segment{cols: in.batch.cols, from: in.pos, to: in.pos + 1})
		}
		rows++
		more, err := in.advance(b)
		if err != nil {
			return nil, false, err
		}
		if more {
			mg.frontier.Set(in)
		}
	}
	mg.emitted += int64(rows)
	m := &Morsel{Cols: make([]arrow.Array, len(b.types)), Rows: rows, Seq: MakeSeq(0, mg.local)}
	mg.local++
	for c, t := range b.types {
		parts := make([]arrow.Array, len(segs))
		for k, s := range segs {
			parts[k] = compute.Slice(s.cols[c], s.from, s.to)
		}
		if len(parts) == 0 {
			m.Cols[c] = common.ArrayFromValues(t, nil)
		} else {
			m.Cols[c] = compute.Concat(t, parts)
		}
	}
	if mg.frontier.Len() == 0 || (b.limit != planner.NoLimit && mg.emitted >= b.limit) {
		m.Last = true
		mg.ended = true
	}
	return m, true, nil
}

func sameColumns(x, y []arrow.Array) bool {
	return len(x) > 0 && len(y) > 0 && x[0] == y[0]
}

func (mg *sortMerge) close() {
	for _, in := range mg.inputs {
		if in.cursor != nil {
			_ = in.cursor.close()
			in.cursor = nil
		}
	}
}

// close releases the buffers and runs the sort still holds.
func (b *sortBuild) close() {
	for _, l := range b.locals {
		l.parts, l.ords, l.rows = nil, nil, 0
		for _, run := range l.runs {
			run.abort()
		}
		l.runs = nil
		l.res.Free()
	}
}
