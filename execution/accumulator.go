package execution

import (
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/shopspring/decimal"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/compute"
	"mit.edu/dsg/morseldb/planner"
)

// accumulator holds the partial state of one aggregate function for a set of groups, stored
// column-wise. Partial states of the same function merge, so every driver can aggregate its own
// morsels and the shards combine the results.
type accumulator interface {
	// grow extends the state to n groups.
	grow(n int)
	// update folds rows into their groups: row i of arg belongs to group groups[i]. ords holds
	// the stream position of every row and is only read by first and last.
	update(groups []int32, arg arrow.Array, ords []ord) error
	// merge folds group src of other, an accumulator of the same function, into group dst.
	merge(dst int32, other accumulator, src int32) error
	// result returns the final values of the listed groups.
	result(groups []int32) arrow.Array
	// groupBytes estimates the state held per group.
	groupBytes() int64
}

// newAccumulator returns the state of aggregate f over input type in, producing type out.
func newAccumulator(f planner.AggFunc, in, out common.DataType) accumulator {
	switch f {
	case planner.AggCount:
		return &countAcc{}
	case planner.AggLen:
		return &countAcc{all: true}
	case planner.AggNUnique:
		return &nUniqueAcc{}
	case planner.AggSum:
		return &sumAcc{in: in, out: out}
	case planner.AggMin:
		return &minMaxAcc{t: in}
	case planner.AggMax:
		return &minMaxAcc{t: in, max: true}
	case planner.AggMean:
		return &varianceAcc{in: in, mean: true}
	case planner.AggVariance:
		return &varianceAcc{in: in}
	case planner.AggStd:
		return &varianceAcc{in: in, std: true}
	case planner.AggFirst:
		return &firstLastAcc{t: in}
	case planner.AggLast:
		return &firstLastAcc{t: in, last: true}
	}
	panic("unknown aggregate " + f.String())
}

func int64Column(t common.DataType, vals []int64, groups []int32, valid func(g int32) bool) arrow.Array {
	out := make([]common.Value, len(groups))
	for i, g := range groups {
		if valid != nil && !valid(g) {
			out[i] = common.NewNull(t)
		} else {
			out[i] = common.NewIntValue(t, vals[g])
		}
	}
	return common.ArrayFromValues(t, out)
}

// countAcc counts non-null rows, or every row for len.
type countAcc struct {
	all bool
	n   []int64
}

func (a *countAcc) grow(n int) {
	a.n = growSlice(a.n, n)
}

func (a *countAcc) update(groups []int32, arg arrow.Array, _ []ord) error {
	if a.all || arg == nil || arg.NullN() == 0 {
		for _, g := range groups {
			a.n[g]++
		}
		return nil
	}
	for i, g := range groups {
		if arg.IsValid(i) {
			a.n[g]++
		}
	}
	return nil
}

func (a *countAcc) merge(dst int32, other accumulator, src int32) error {
	a.n[dst] += other.(*countAcc).n[src]
	return nil
}

func (a *countAcc) result(groups []int32) arrow.Array {
	return int64Column(common.Int64Type, a.n, groups, nil)
}

func (a *countAcc) groupBytes() int64 {
	return 8
}

// nUniqueAcc counts distinct values; null counts as a value.
type nUniqueAcc struct {
	sets []map[string]struct{}
}

func (a *nUniqueAcc) grow(n int) {
	for len(a.sets) < n {
		a.sets = append(a.sets, make(map[string]struct{}))
	}
}

func (a *nUniqueAcc) update(groups []int32, arg arrow.Array, _ []ord) error {
	var buf []byte
	for i, g := range groups {
		buf = common.ValueAt(arg, i).AppendKey(buf[:0])
		a.sets[g][string(buf)] = struct{}{}
	}
	return nil
}

func (a *nUniqueAcc) merge(dst int32, other accumulator, src int32) error {
	for k := range other.(*nUniqueAcc).sets[src] {
		a.sets[dst][k] = struct{}{}
	}
	return nil
}

func (a *nUniqueAcc) result(groups []int32) arrow.Array {
	n := make([]int64, len(a.sets))
	for _, g := range groups {
		n[g] = int64(len(a.sets[g]))
	}
	return int64Column(common.Int64Type, n, groups, nil)
}

func (a *nUniqueAcc) groupBytes() int64 {
	return 64
}

// sumAcc adds values; an empty or all-null group sums to zero. Integer sums are checked for
// overflow.
type sumAcc struct {
	in, out common.DataType
	ints    []int64
	uints   []uint64
	flts    []float64
	decs    []decimal.Decimal
}

func (a *sumAcc) grow(n int) {
	switch {
	case a.out.IsUnsigned():
		a.uints = growSlice(a.uints, n)
	case a.out.IsFloat():
		a.flts = growSlice(a.flts, n)
	case a.out.ID == common.Decimal:
		a.decs = growSlice(a.decs, n)
	default:
		a.ints = growSlice(a.ints, n)
	}
}

func (a *sumAcc) overflow() error {
	return common.NewComputeError("sum overflows %s", a.out)
}

func (a *sumAcc) update(groups []int32, arg arrow.Array, _ []ord) error {
	if a.in.IsNull() {
		return nil
	}
	nulls := arg.NullN() > 0
	switch {
	case a.out.IsUnsigned():
		vals := compute.ColumnUint64s(a.in, arg)
		for i, g := range groups {
			if nulls && arg.IsNull(i) {
				continue
			}
			s := a.uints[g] + vals[i]
			if s < a.uints[g] {
				return a.overflow()
			}
			a.uints[g] = s
		}
	case a.out.IsFloat():
		vals := compute.ColumnFloat64s(a.in, arg)
		for i, g := range groups {
			if !nulls || arg.IsValid(i) {
				a.flts[g] += vals[i]
			}
		}
	case a.out.ID == common.Decimal:
		for i, g := range groups {
			if v := common.ValueAt(arg, i); !v.IsNull() {
				a.decs[g] = a.decs[g].Add(v.AsDecimal())
			}
		}
	default:
		vals := compute.ColumnInt64s(a.in, arg)
		for i, g := range groups {
			if nulls && arg.IsNull(i) {
				continue
			}
			s, ok := addChecked(a.ints[g], vals[i])
			if !ok {
				return a.overflow()
			}
			a.ints[g] = s
		}
	}
	return nil
}

func (a *sumAcc) merge(dst int32, other accumulator, src int32) error {
	o := other.(*sumAcc)
	switch {
	case a.out.IsUnsigned():
		s := a.uints[dst] + o.uints[src]
		if s < a.uints[dst] {
			return a.overflow()
		}
		a.uints[dst] = s
	case a.out.IsFloat():
		a.flts[dst] += o.flts[src]
	case a.out.ID == common.Decimal:
		a.decs[dst] = a.decs[dst].Add(o.decs[src])
	default:
		s, ok := addChecked(a.ints[dst], o.ints[src])
		if !ok {
			return a.overflow()
		}
		a.ints[dst] = s
	}
	return nil
}

func (a *sumAcc) result(groups []int32) arrow.Array {
	if !a.out.IsUnsigned() && !a.out.IsFloat() && a.out.ID != common.Decimal {
		return int64Column(a.out, a.ints, groups, nil)
	}
	out := make([]common.Value, len(groups))
	for i, g := range groups {
		switch {
		case a.out.IsUnsigned():
			out[i] = common.NewUIntValue(a.out, a.uints[g])
		case a.out.IsFloat():
			out[i] = common.NewFloatValue(a.out, a.flts[g])
		default:
			out[i] = common.NewDecimalValue(a.decs[g], a.out.Precision, a.out.Scale)
		}
	}
	return common.ArrayFromValues(a.out, out)
}

func (a *sumAcc) groupBytes() int64 {
	if a.out.ID == common.Decimal {
		return 40
	}
	return 8
}

func addChecked(x, y int64) (int64, bool) {
	s := x + y
	if (s > x) != (y > 0) {
		return s, false
	}
	return s, true
}

// minMaxAcc keeps the smallest or largest non-null value.
type minMaxAcc struct {
	t    common.DataType
	max  bool
	vals []common.Value
	set  []bool
}

func (a *minMaxAcc) grow(n int) {
	a.vals = growSlice(a.vals, n)
	a.set = growSlice(a.set, n)
}

func (a *minMaxAcc) offer(g int32, v common.Value) {
	if !a.set[g] {
		a.vals[g], a.set[g] = v, true
		return
	}
	c := v.Compare(a.vals[g])
	if (a.max && c > 0) || (!a.max && c < 0) {
		a.vals[g] = v
	}
}

func (a *minMaxAcc) update(groups []int32, arg arrow.Array, _ []ord) error {
	for i, g := range groups {
		if arg.IsValid(i) {
			a.offer(g, common.ValueAt(arg, i))
		}
	}
	return nil
}

func (a *minMaxAcc) merge(dst int32, other accumulator, src int32) error {
	if o := other.(*minMaxAcc); o.set[src] {
		a.offer(dst, o.vals[src])
	}
	return nil
}

func (a *minMaxAcc) result(groups []int32) arrow.Array {
	out := make([]common.Value, len(groups))
	for i, g := range groups {
		if a.set[g] {
			out[i] = a.vals[g]
		} else {
			out[i] = common.NewNull(a.t)
		}
	}
	return common.ArrayFromValues(a.t, out)
}

func (a *minMaxAcc) groupBytes() int64 {
	return 96
}

// varianceAcc tracks count, mean and the sum of squared deviations (Welford). Partial states
// merge with the parallel formula of Chan et al. It also serves mean.
type varianceAcc struct {
	in   common.DataType
	mean bool
	std  bool
	n    []int64
	avg  []float64
	m2   []float64
}

func (a *varianceAcc) grow(n int) {
	a.n = growSlice(a.n, n)
	a.avg = growSlice(a.avg, n)
	a.m2 = growSlice(a.m2, n)
}

func (a *varianceAcc) update(groups []int32, arg arrow.Array, _ []ord) error {
	if a.in.IsNull() {
		return nil
	}
	vals := compute.ColumnFloat64s(a.in, arg)
	nulls := arg.NullN() > 0
	for i, g := range groups {
		if nulls && arg.IsNull(i) {
			continue
		}
		a.n[g]++
		delta := vals[i] - a.avg[g]
		a.avg[g] += delta / float64(a.n[g])
		a.m2[g] += delta * (vals[i] - a.avg[g])
	}
	return nil
}

func (a *varianceAcc) merge(dst int32, other accumulator, src int32) error {
	o := other.(*varianceAcc)
	nb := o.n[src]
	if nb == 0 {
		return nil
	}
	na := a.n[dst]
	if na == 0 {
		a.n[dst], a.avg[dst], a.m2[dst] = nb, o.avg[src], o.m2[src]
		return nil
	}
	n := na + nb
	delta := o.avg[src] - a.avg[dst]
	a.avg[dst] += delta * float64(nb) / float64(n)
	a.m2[dst] += o.m2[src] + delta*delta*float64(na)*float64(nb)/float64(n)
	a.n[dst] = n
	return nil
}

func (a *varianceAcc) result(groups []int32) arrow.Array {
	out := make([]common.Value, len(groups))
	for i, g := range groups {
		switch {
		case a.mean && a.n[g] > 0:
			out[i] = common.NewFloat64Value(a.avg[g])
		case !a.mean && a.n[g] > 1:
			v := a.m2[g] / float64(a.n[g]-1)
			if a.std {
				v = math.Sqrt(v)
			}
			out[i] = common.NewFloat64Value(v)
		default:
			out[i] = common.NewNull(common.Float64Type)
		}
	}
	return common.ArrayFromValues(common.Float64Type, out)
}

func (a *varianceAcc) groupBytes() int64 {
	return 24
}

// firstLastAcc keeps the value of the row with the smallest (first) or largest (last) stream
// position, nulls included.
type firstLastAcc struct {
	t    common.DataType
	last bool
	vals []common.Value
	ords []ord
	set  []bool
}

func (a *firstLastAcc) grow(n int) {
	a.vals = growSlice(a.vals, n)
	a.ords = growSlice(a.ords, n)
	a.set = growSlice(a.set, n)
}

func (a *firstLastAcc) offer(g int32, v common.Value, o ord) {
	if !a.set[g] || (a.last && a.ords[g].less(o)) || (!a.last && o.less(a.ords[g])) {
		a.vals[g], a.ords[g], a.set[g] = v, o, true
	}
}

func (a *firstLastAcc) update(groups []int32, arg arrow.Array, ords []ord) error {
	for i, g := range groups {
		o := ords[i]
		if a.set[g] && ((a.last && o.less(a.ords[g])) || (!a.last && a.ords[g].less(o))) {
			continue
		}
		a.offer(g, common.ValueAt(arg, i), o)
	}
	return nil
}

func (a *firstLastAcc) merge(dst int32, other accumulator, src int32) error {
	if o := other.(*firstLastAcc); o.set[src] {
		a.offer(dst, o.vals[src], o.ords[src])
	}
	return nil
}

func (a *firstLastAcc) result(groups []int32) arrow.Array {
	out := make([]common.Value, len(groups))
	for i, g := range groups {
		if a.set[g] {
			out[i] = a.vals[g]
		} else {
			out[i] = common.NewNull(a.t)
		}
	}
	return common.ArrayFromValues(a.t, out)
}

func (a *firstLastAcc) groupBytes() int64 {
	return 112
}

func growSlice[T any](s []T, n int) []T {
	if len(s) >= n {
		return s
	}
	if cap(s) >= n {
		return s[:n]
	}
	out := make([]T, n, max(n, 2*cap(s)))
	copy(out, s)
	return out
}
