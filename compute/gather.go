package compute

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"mit.edu/dsg/morseldb/common"
)

// Take gathers the rows idx of arr into a new column. A negative index produces a null, which
// outer joins use for missing matches.
func Take(t common.DataType, arr arrow.Array, idx []int) arrow.Array {
	switch t.ID {
	case common.Int8:
		return takeFixed[int8](t, arr, idx)
	case common.Int16:
		return takeFixed[int16](t, arr, idx)
	case common.Int32, common.Date:
		return takeFixed[int32](t, arr, idx)
	case common.Int64, common.Datetime, common.Duration, common.Time:
		return takeFixed[int64](t, arr, idx)
	case common.UInt8:
		return takeFixed[uint8](t, arr, idx)
	case common.UInt16:
		return takeFixed[uint16](t, arr, idx)
	case common.UInt32:
		return takeFixed[uint32](t, arr, idx)
	case common.UInt64:
		return takeFixed[uint64](t, arr, idx)
	case common.Float32:
		return takeFixed[float32](t, arr, idx)
	case common.Float64:
		return takeFixed[float64](t, arr, idx)
	case common.Boolean:
		src := boolValues(arr)
		vals := make([]bool, len(idx))
		valid := make([]bool, len(idx))
		for k, i := range idx {
			if i >= 0 && arr.IsValid(i) {
				vals[k], valid[k] = src[i], true
			}
		}
		return newBoolArray(vals, valid)
	case common.String:
		src := arr.(*array.String)
		b := array.NewStringBuilder(common.Allocator)
		defer b.Release()
		b.Reserve(len(idx))
		for _, i := range idx {
			if i < 0 || src.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(src.Value(i))
			}
		}
		return b.NewArray()
	case common.NullType:
		return nullArray(t, len(idx))
	}
	vals := make([]common.Value, len(idx))
	for k, i := range idx {
		if i < 0 {
			vals[k] = common.NewNull(t)
		} else {
			vals[k] = common.ValueAt(arr, i)
		}
	}
	return common.ArrayFromValues(t, vals)
}

func takeFixed[T fixedWidth](t common.DataType, arr arrow.Array, idx []int) arrow.Array {
	src := rawValues[T](arr)
	vals := make([]T, len(idx))
	var valid []bool
	hasNulls := arr.NullN() > 0
	for k, i := range idx {
		if i < 0 || (hasNulls && arr.IsNull(i)) {
			if valid == nil {
				valid = make([]bool, len(idx))
				for j := 0; j < k; j++ {
					valid[j] = true
				}
			}
			continue
		}
		vals[k] = src[i]
		if valid != nil {
			valid[k] = true
		}
	}
	return newFixedArray(t, vals, valid)
}

// Filter keeps the rows of arr where mask is true.
func Filter(t common.DataType, arr arrow.Array, mask []bool) arrow.Array {
	n := CountTrue(mask)
	if n == len(mask) {
		return arr
	}
	return Take(t, arr, Selection(mask))
}

// Selection converts a mask into the indices of its true rows.
func Selection(mask []bool) []int {
	idx := make([]int, 0, len(mask))
	for i, m := range mask {
		if m {
			idx = append(idx, i)
		}
	}
	return idx
}

// Choose picks a[i] where mask[i] and b[i] elsewhere. Both columns have type t and equal length.
func Choose(t common.DataType, mask []bool, a, b arrow.Array) arrow.Array {
	n := len(mask)
	switch CountTrue(mask) {
	case n:
		return a
	case 0:
		return b
	}
	// Gather from the concatenation of both columns: row i of b sits at n+i.
	both := Concat(t, []arrow.Array{a, b})
	idx := make([]int, n)
	for i, m := range mask {
		if m {
			idx[i] = i
		} else {
			idx[i] = n + i
		}
	}
	return Take(t, both, idx)
}

// Concat appends columns of the same type.
func Concat(t common.DataType, cols []arrow.Array) arrow.Array {
	switch len(cols) {
	case 0:
		return nullArray(t, 0)
	case 1:
		return cols[0]
	}
	out, err := array.Concatenate(cols, common.Allocator)
	common.Assert(err == nil, "concatenate %s columns: %v", t, err)
	return out
}

// Slice returns rows [from, to) of arr without copying.
func Slice(arr arrow.Array, from, to int) arrow.Array {
	if from == 0 && to == arr.Len() {
		return arr
	}
	return array.NewSlice(arr, int64(from), int64(to))
}
