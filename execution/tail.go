package execution

import (
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/planner"
	"mit.edu/dsg/morseldb/scheduler"
	"mit.edu/dsg/morseldb/storage"
)

// tailBuild implements slices with a negative offset, which count from the end of the input. Every
// driver keeps only the newest morsels that can still hold one of the last rows; once the input
// is exhausted the candidates are ordered and cut.
type tailBuild struct {
	ctx    *ExecutorContext
	node   *planner.SliceNode
	name   string
	types  []common.DataType
	keep   int
	length int64

	locals []*tailLocal
	out    *scheduler.Channel[*Morsel]
}

type tailLocal struct {
	res   *storage.Reservation
	parts []*Morsel
	rows  int
}

func newTailBuild(ctx *ExecutorContext, node *planner.SliceNode, drivers int) *tailBuild {
	common.Assert(node.Offset < 0, "tail slice needs a negative offset, got %d", node.Offset)
	b := &tailBuild{
		ctx:    ctx,
		node:   node,
		name:   fmt.Sprintf("tail#%d", node.ID()),
		types:  schemaTypes(node.OutputSchema()),
		keep:   int(-node.Offset),
		length: node.Length,
	}
	for d := 0; d < max(drivers, 1); d++ {
		b.locals = append(b.locals, &tailLocal{res: ctx.reservation()})
	}
	b.out = scheduler.NewChannel[*Morsel](ctx.ChannelCapacity, 1)
	return b
}

func bySeq(x, y *Morsel) int {
	switch {
	case x.Seq < y.Seq:
		return -1
	case x.Seq > y.Seq:
		return 1
	}
	return 0
}

func (b *tailBuild) consume(d int, m *Morsel) error {
	if m.Rows == 0 {
		return nil
	}
	common.Assert(d < len(b.locals), "driver %d of %s out of range", d, b.name)
	l := b.locals[d]
	if !l.res.Grow(m.SizeBytes()) {
		return common.Annotate(common.NewResourceError("slice buffer exceeds the memory budget of %s",
			humanize.IBytes(uint64(b.ctx.Budget.Limit()))), b.node.ID(), b.node.Kind())
	}
	i, _ := slices.BinarySearchFunc(l.parts, m, bySeq)
	l.parts = slices.Insert(l.parts, i, m)
	l.rows += m.Rows
	for len(l.parts) > 1 && l.rows-l.parts[0].Rows >= b.keep {
		old := l.parts[0]
		l.parts = l.parts[1:]
		l.rows -= old.Rows
		l.res.Shrink(old.SizeBytes())
	}
	return nil
}

// result orders the candidates and cuts the requested rows.
func (b *tailBuild) result() *Morsel {
	var parts []*Morsel
	for _, l := range b.locals {
		parts = append(parts, l.parts...)
		l.parts = nil
	}
	slices.SortFunc(parts, bySeq)
	m := concatMorsels(b.types, parts)
	from := max(0, m.Rows-b.keep)
	to := m.Rows
	if b.length != planner.NoLimit {
		to = int(min(int64(to), int64(from)+b.length))
	}
	return m.Slice(from, to)
}

func (b *tailBuild) finish(tc *scheduler.TaskContext) error {
	var (
		result *Morsel
		ck     chunker
	)
	tc.Spawn(b.name+"/emit", &emitTask{
		out: b.out,
		prepare: func() error {
			result = b.result()
			ck = chunker{size: b.ctx.MorselSize, total: result.Rows}
			return nil
		},
		next: func() (*Morsel, bool, error) {
			from, to, last, ok := ck.next()
			if !ok {
				return nil, false, nil
			}
			m := result.Slice(from, to)
			m.Seq = MakeSeq(0, ck.local)
			m.Last = last
			ck.local++
			return m, true, nil
		},
		release: b.close,
	})
	return nil
}

func (b *tailBuild) close() {
	for _, l := range b.locals {
		l.parts = nil
		l.res.Free()
	}
}
