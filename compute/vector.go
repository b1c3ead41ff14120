package compute

import (
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/bitutil"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"mit.edu/dsg/morseldb/common"
)

// fixedWidth is the set of physical value types of fixed-width columns. Dates are int32 days,
// datetimes, durations and times are int64 ticks.
type fixedWidth interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// rawValues views the value buffer of a fixed-width column without copying. The slice must not
// be written to.
func rawValues[T fixedWidth](arr arrow.Array) []T {
	d := arr.Data()
	bufs := d.Buffers()
	if len(bufs) < 2 || bufs[1] == nil || bufs[1].Len() == 0 {
		return make([]T, d.Len())
	}
	var zero T
	b := bufs[1].Bytes()
	all := unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/int(unsafe.Sizeof(zero)))
	return all[d.Offset() : d.Offset()+d.Len()]
}

// newFixedArray wraps vals as a column of type t. A nil valid slice means no nulls.
func newFixedArray[T fixedWidth](t common.DataType, vals []T, valid []bool) arrow.Array {
	var zero T
	n := len(vals)
	bytes := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(vals))), n*int(unsafe.Sizeof(zero)))
	bitmap, nulls := validityBitmap(valid, n)
	d := array.NewData(t.ArrowType(), n, []*memory.Buffer{bitmap, memory.NewBufferBytes(bytes)}, nil, nulls, 0)
	defer d.Release()
	return array.MakeFromData(d)
}

func validityBitmap(valid []bool, n int) (*memory.Buffer, int) {
	if valid == nil {
		return nil, 0
	}
	nulls := 0
	for _, ok := range valid {
		if !ok {
			nulls++
		}
	}
	if nulls == 0 {
		return nil, 0
	}
	bits := make([]byte, bitutil.BytesForBits(int64(n)))
	for i, ok := range valid {
		if ok {
			bitutil.SetBit(bits, i)
		}
	}
	return memory.NewBufferBytes(bits), nulls
}

// validity returns the per-row validity of arr, or nil when it has no nulls.
func validity(arr arrow.Array) []bool {
	if arr.NullN() == 0 {
		return nil
	}
	valid := make([]bool, arr.Len())
	for i := range valid {
		valid[i] = arr.IsValid(i)
	}
	return valid
}

// andValidity combines the validity of two operands; nil stands for all valid.
func andValidity(a, b []bool) []bool {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	out := make([]bool, len(a))
	for i := range out {
		out[i] = a[i] && b[i]
	}
	return out
}

func newBoolArray(vals []bool, valid []bool) arrow.Array {
	b := array.NewBooleanBuilder(common.Allocator)
	defer b.Release()
	b.AppendValues(vals, valid)
	return b.NewArray()
}

func boolValues(arr arrow.Array) []bool {
	vals := make([]bool, arr.Len())
	switch a := arr.(type) {
	case *array.Boolean:
		for i := range vals {
			vals[i] = a.Value(i)
		}
	case *array.Null:
	default:
		common.Assert(false, "boolValues on %s", arr.DataType())
	}
	return vals
}

func stringValues(arr arrow.Array) []string {
	vals := make([]string, arr.Len())
	switch a := arr.(type) {
	case *array.String:
		for i := range vals {
			vals[i] = a.Value(i)
		}
	case *array.Binary:
		for i := range vals {
			vals[i] = string(a.Value(i))
		}
	case *array.Dictionary:
		dict := a.Dictionary().(*array.String)
		for i := range vals {
			if a.IsValid(i) {
				vals[i] = dict.Value(a.GetValueIndex(i))
			}
		}
	case *array.Null:
	default:
		common.Assert(false, "stringValues on %s", arr.DataType())
	}
	return vals
}

func newStringArray(t common.DataType, vals []string, valid []bool) arrow.Array {
	if t.ID != common.String {
		out := make([]common.Value, len(vals))
		for i, s := range vals {
			switch {
			case valid != nil && !valid[i]:
				out[i] = common.NewNull(t)
			case t.ID == common.Binary:
				out[i] = common.NewBinaryValue([]byte(s))
			default:
				out[i] = common.NewCategoricalValue(s)
			}
		}
		return common.ArrayFromValues(t, out)
	}
	b := array.NewStringBuilder(common.Allocator)
	defer b.Release()
	b.AppendValues(vals, valid)
	return b.NewArray()
}

// nullArray is an all-null column of type t.
func nullArray(t common.DataType, n int) arrow.Array {
	return common.ConstantArray(t, common.NewNull(t), n)
}

// mapValues applies fn to every row of arr through scalar values. It is the row-at-a-time
// fallback for types without a specialized kernel.
func mapValues(arr arrow.Array, out common.DataType, fn func(v common.Value) (common.Value, error)) (arrow.Array, error) {
	vals := make([]common.Value, arr.Len())
	for i := range vals {
		v, err := fn(common.ValueAt(arr, i))
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return common.ArrayFromValues(out, vals), nil
}
