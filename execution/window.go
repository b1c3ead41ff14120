package execution

import (
	"fmt"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/compute"
	"mit.edu/dsg/morseldb/planner"
	"mit.edu/dsg/morseldb/scheduler"
	"mit.edu/dsg/morseldb/storage"
)

// windowExpr is one compiled window function. Its program evaluates the argument (if any), then
// the partition keys, then the order keys.
type windowExpr struct {
	node      planner.ExprNode
	out       common.DataType
	prog      *compute.Program
	hasArg    bool
	argType   common.DataType
	partTypes []common.DataType
	ordTypes  []common.DataType
	orders    []compute.SortOrder
}

// windowBuild buffers the whole input, then computes every window column over it and emits the
// input rows, in stream order, with the window columns added.
type windowBuild struct {
	ctx   *ExecutorContext
	node  *planner.WindowNode
	name  string
	types []common.DataType
	exprs []windowExpr
	// columns maps every output column to an input column (>= 0) or a window expression (-k-1).
	columns  []int
	outTypes []common.DataType

	locals []*windowLocal
	out    *scheduler.Channel[*Morsel]
}

type windowLocal struct {
	res   *storage.Reservation
	parts []*Morsel
}

func newWindowBuild(ctx *ExecutorContext, node *planner.WindowNode, drivers int) (*windowBuild, error) {
	a := node.Arena()
	in := node.Child.OutputSchema()
	b := &windowBuild{
		ctx:      ctx,
		node:     node,
		name:     fmt.Sprintf("window#%d", node.ID()),
		types:    schemaTypes(in),
		outTypes: schemaTypes(node.OutputSchema()),
	}
	for _, id := range node.Expressions {
		n := a.Node(a.StripAlias(id))
		w := windowExpr{node: n, out: a.Type(id)}
		var exprs []planner.ExprID
		if len(n.Children) > 0 {
			w.hasArg = true
			w.argType = a.Type(n.Children[0])
			exprs = append(exprs, n.Children[0])
		}
		for _, p := range n.PartitionBy {
			exprs = append(exprs, p)
			w.partTypes = append(w.partTypes, a.Type(p))
		}
		for _, k := range planner.ResolveNulls(n.OrderBy, ctx.NullsLast) {
			exprs = append(exprs, k.Expr)
			w.ordTypes = append(w.ordTypes, a.Type(k.Expr))
			w.orders = append(w.orders, compute.SortOrder{Descending: k.Descending, NullsLast: k.Nulls == planner.NullsLast})
		}
		if len(exprs) > 0 {
			prog, err := ctx.Programs.Compile(a, in, exprs)
			if err != nil {
				return nil, common.Annotate(err, node.ID(), node.Kind())
			}
			w.prog = prog
		}
		b.exprs = append(b.exprs, w)
	}
	for _, name := range node.OutputSchema().Names() {
		k := slices.IndexFunc(node.Expressions, func(id planner.ExprID) bool { return a.OutputName(id) == name })
		if k >= 0 {
			b.columns = append(b.columns, -k-1)
			continue
		}
		i, _ := in.Index(name)
		b.columns = append(b.columns, i)
	}
	for d := 0; d < max(drivers, 1); d++ {
		b.locals = append(b.locals, &windowLocal{res: ctx.reservation()})
	}
	b.out = scheduler.NewChannel[*Morsel](ctx.ChannelCapacity, 1)
	return b, nil
}

func (b *windowBuild) fail(err error) error {
	return common.Annotate(err, b.node.ID(), b.node.Kind())
}

func (b *windowBuild) consume(d int, m *Morsel) error {
	if m.Rows == 0 {
		return nil
	}
	common.Assert(d < len(b.locals), "driver %d of %s out of range", d, b.name)
	l := b.locals[d]
	if !l.res.Grow(m.SizeBytes()) {
		return b.fail(common.NewResourceError("window input exceeds the memory budget of %s",
			humanize.IBytes(uint64(b.ctx.Budget.Limit()))))
	}
	l.parts = append(l.parts, m)
	return nil
}

func (b *windowBuild) finish(tc *scheduler.TaskContext) error {
	var (
		result *Morsel
		ck     chunker
	)
	tc.Spawn(b.name+"/emit", &emitTask{
		out: b.out,
		prepare: func() error {
			var err error
			result, err = b.compute()
			if err != nil {
				return b.fail(err)
			}
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

// compute concatenates the buffered input in stream order and adds the window columns.
func (b *windowBuild) compute() (*Morsel, error) {
	var parts []*Morsel
	for _, l := range b.locals {
		parts = append(parts, l.parts...)
		l.parts = nil
	}
	slices.SortFunc(parts, func(x, y *Morsel) int {
		switch {
		case x.Seq < y.Seq:
			return -1
		case x.Seq > y.Seq:
			return 1
		}
		return 0
	})
	m := concatMorsels(b.types, parts)
	results := make([]arrow.Array, len(b.exprs))
	for k := range b.exprs {
		col, err := b.exprs[k].eval(m)
		if err != nil {
			return nil, err
		}
		results[k] = col
	}
	cols := make([]arrow.Array, len(b.columns))
	for j, c := range b.columns {
		if c >= 0 {
			cols[j] = m.Cols[c]
		} else {
			cols[j] = results[-c-1]
		}
	}
	return &Morsel{Cols: cols, Rows: m.Rows}, nil
}

// eval computes the window column of every row of m.
func (w *windowExpr) eval(m *Morsel) (arrow.Array, error) {
	n := m.Rows
	var cols []arrow.Array
	if w.prog != nil {
		var err error
		if cols, err = w.prog.Eval(m.Cols, n); err != nil {
			return nil, err
		}
	}
	var arg arrow.Array
	if w.hasArg {
		arg, cols = cols[0], cols[1:]
	}
	partCols, ordCols := cols[:len(w.partTypes)], cols[len(w.partTypes):]

	// Partition ids, numbered by first appearance.
	pids := make([]int32, n)
	parts := 1
	if len(partCols) > 0 {
		ids := make(map[string]int32)
		for i, k := range compute.EncodeKeys(w.partTypes, partCols, n) {
			id, ok := ids[k]
			if !ok {
				id = int32(len(ids))
				ids[k] = id
			}
			pids[i] = id
		}
		parts = len(ids)
	}

	if w.node.Win == planner.WinAgg {
		acc := newAccumulator(w.node.Agg, w.argType, w.out)
		acc.grow(parts)
		ords := make([]ord, n)
		for i := range ords {
			ords[i] = ord{row: uint32(i)}
		}
		if err := acc.update(pids, arg, ords); err != nil {
			return nil, err
		}
		return acc.result(pids), nil
	}

	keys := compute.NewSortKeys(w.ordTypes, ordCols)
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	slices.SortStableFunc(perm, func(i, j int) int {
		if pids[i] != pids[j] {
			return int(pids[i]) - int(pids[j])
		}
		return compute.CompareRows(w.orders, keys, i, keys, j)
	})

	out := make([]common.Value, n)
	for start := 0; start < n; {
		end := start + 1
		for end < n && pids[perm[end]] == pids[perm[start]] {
			end++
		}
		if err := w.partition(perm[start:end], arg, keys, out); err != nil {
			return nil, err
		}
		start = end
	}
	return common.ArrayFromValues(w.out, out), nil
}

// partition computes the function over the rows of one partition, given in window order.
func (w *windowExpr) partition(rows []int, arg arrow.Array, keys compute.SortKeys, out []common.Value) error {
	switch w.node.Win {
	case planner.WinRowNumber:
		for k, r := range rows {
			out[r] = common.NewInt64Value(int64(k + 1))
		}
	case planner.WinRank, planner.WinDenseRank:
		rank, dense := int64(0), int64(0)
		for k, r := range rows {
			if k == 0 || compute.CompareRows(w.orders, keys, rows[k-1], keys, r) != 0 {
				rank = int64(k + 1)
				dense++
			}
			if w.node.Win == planner.WinRank {
				out[r] = common.NewInt64Value(rank)
			} else {
				out[r] = common.NewInt64Value(dense)
			}
		}
	case planner.WinCumCount:
		count := int64(0)
		for _, r := range rows {
			if arg == nil || arg.IsValid(r) {
				count++
			}
			out[r] = common.NewInt64Value(count)
		}
	case planner.WinCumSum:
		return w.cumSum(rows, arg, out)
	case planner.WinLag, planner.WinLead:
		off := int(w.node.Param)
		if w.node.Win == planner.WinLead {
			off = -off
		}
		for k, r := range rows {
			src := k - off
			if src < 0 || src >= len(rows) {
				out[r] = common.NewNull(w.out)
			} else {
				out[r] = common.ValueAt(arg, rows[src])
			}
		}
	default:
		return common.NewInternalError("unknown window function %s", w.node.Win)
	}
	return nil
}

// cumSum writes running sums; a null input row yields null and does not change the sum.
func (w *windowExpr) cumSum(rows []int, arg arrow.Array, out []common.Value) error {
	t := w.out
	if w.argType.IsNull() {
		for _, r := range rows {
			out[r] = common.NewNull(t)
		}
		return nil
	}
	var (
		ints  []int64
		uints []uint64
		flts  []float64
	)
	switch {
	case t.IsUnsigned():
		uints = compute.ColumnUint64s(w.argType, arg)
	case t.IsFloat():
		flts = compute.ColumnFloat64s(w.argType, arg)
	case t.ID == common.Decimal:
	default:
		ints = compute.ColumnInt64s(w.argType, arg)
	}
	var (
		si int64
		su uint64
		sf float64
		sd decimal.Decimal
		ok = true
	)
	for _, r := range rows {
		if arg.IsNull(r) {
			out[r] = common.NewNull(t)
			continue
		}
		switch {
		case uints != nil:
			next := su + uints[r]
			ok = next >= su
			su = next
			out[r] = common.NewUIntValue(t, su)
		case flts != nil:
			sf += flts[r]
			out[r] = common.NewFloatValue(t, sf)
		case t.ID == common.Decimal:
			sd = sd.Add(common.ValueAt(arg, r).AsDecimal())
			out[r] = common.NewDecimalValue(sd, t.Precision, t.Scale)
		default:
			si, ok = addChecked(si, ints[r])
			out[r] = common.NewIntValue(t, si)
		}
		if !ok {
			return common.NewComputeError("cum_sum overflows %s", t)
		}
	}
	return nil
}

func (b *windowBuild) close() {
	for _, l := range b.locals {
		l.parts = nil
		l.res.Free()
	}
}
