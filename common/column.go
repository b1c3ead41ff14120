package common

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/shopspring/decimal"
)

// Allocator is the allocator used for every column built by the engine. Columns are garbage
// collected; operators drop references instead of releasing them.
var Allocator memory.Allocator = memory.DefaultAllocator

// ValueAt reads row i of arr as a scalar.
func ValueAt(arr arrow.Array, i int) Value {
	if arr.IsNull(i) {
		t, err := TypeFromArrow(arr.DataType())
		if err != nil {
			return NewNull(NullDataType)
		}
		return NewNull(t)
	}
	switch a := arr.(type) {
	case *array.Null:
		return NewNull(NullDataType)
	case *array.Boolean:
		return NewBoolValue(a.Value(i))
	case *array.Int8:
		return NewIntValue(Int8Type, int64(a.Value(i)))
	case *array.Int16:
		return NewIntValue(Int16Type, int64(a.Value(i)))
	case *array.Int32:
		return NewIntValue(Int32Type, int64(a.Value(i)))
	case *array.Int64:
		return NewInt64Value(a.Value(i))
	case *array.Uint8:
		return NewUIntValue(UInt8Type, uint64(a.Value(i)))
	case *array.Uint16:
		return NewUIntValue(UInt16Type, uint64(a.Value(i)))
	case *array.Uint32:
		return NewUIntValue(UInt32Type, uint64(a.Value(i)))
	case *array.Uint64:
		return NewUIntValue(UInt64Type, a.Value(i))
	case *array.Float32:
		return NewFloatValue(Float32Type, float64(a.Value(i)))
	case *array.Float64:
		return NewFloat64Value(a.Value(i))
	case *array.String:
		return NewStringValue(a.Value(i))
	case *array.Binary:
		return NewBinaryValue(a.Value(i))
	case *array.Date32:
		return NewDateValue(int32(a.Value(i)))
	case *array.Timestamp:
		ts := a.DataType().(*arrow.TimestampType)
		return NewDatetimeValue(timeUnitFromArrow(ts.Unit), ts.TimeZone, int64(a.Value(i)))
	case *array.Duration:
		return NewDurationValue(timeUnitFromArrow(a.DataType().(*arrow.DurationType).Unit), int64(a.Value(i)))
	case *array.Time64:
		nanos := int64(a.Value(i))
		if a.DataType().(*arrow.Time64Type).Unit == arrow.Microsecond {
			nanos *= 1000
		}
		return NewTimeValue(nanos)
	case *array.Decimal128:
		dt := a.DataType().(*arrow.Decimal128Type)
		num := a.Value(i)
		return NewDecimalValue(decimal.NewFromBigInt(num.BigInt(), -dt.Scale), dt.Precision, dt.Scale)
	case *array.Dictionary:
		dict := a.Dictionary().(*array.String)
		return NewCategoricalValue(dict.Value(a.GetValueIndex(i)))
	case *array.List:
		start, end := a.ValueOffsets(i)
		inner, _ := TypeFromArrow(a.DataType().(*arrow.ListType).Elem())
		return NewListValue(inner, valuesInRange(a.ListValues(), start, end))
	case *array.FixedSizeList:
		start, end := a.ValueOffsets(i)
		inner, _ := TypeFromArrow(a.DataType().(*arrow.FixedSizeListType).Elem())
		return NewArrayValue(inner, valuesInRange(a.ListValues(), start, end))
	case *array.Struct:
		t, _ := TypeFromArrow(a.DataType())
		fields := make([]Value, a.NumField())
		for k := range fields {
			fields[k] = ValueAt(a.Field(k), i)
		}
		return NewStructValue(t, fields)
	}
	panic("ValueAt: unsupported column " + arr.DataType().String())
}

func valuesInRange(arr arrow.Array, start, end int64) []Value {
	items := make([]Value, 0, end-start)
	for j := start; j < end; j++ {
		items = append(items, ValueAt(arr, int(j)))
	}
	return items
}

// NewBuilder returns a column builder for the given type.
func NewBuilder(t DataType) array.Builder {
	return array.NewBuilder(Allocator, t.ArrowType())
}

// AppendValue appends v to b. The value's payload is converted to the builder's physical type
// without range checks; callers cast before appending.
func AppendValue(b array.Builder, v Value) {
	if v.IsNull() {
		b.AppendNull()
		return
	}
	switch bb := b.(type) {
	case *array.NullBuilder:
		bb.AppendNull()
	case *array.BooleanBuilder:
		bb.Append(v.i != 0)
	case *array.Int8Builder:
		bb.Append(int8(v.signed()))
	case *array.Int16Builder:
		bb.Append(int16(v.signed()))
	case *array.Int32Builder:
		bb.Append(int32(v.signed()))
	case *array.Int64Builder:
		bb.Append(v.signed())
	case *array.Uint8Builder:
		bb.Append(uint8(v.unsigned()))
	case *array.Uint16Builder:
		bb.Append(uint16(v.unsigned()))
	case *array.Uint32Builder:
		bb.Append(uint32(v.unsigned()))
	case *array.Uint64Builder:
		bb.Append(v.unsigned())
	case *array.Float32Builder:
		bb.Append(float32(v.AsFloat64()))
	case *array.Float64Builder:
		bb.Append(v.AsFloat64())
	case *array.StringBuilder:
		bb.Append(v.s)
	case *array.BinaryBuilder:
		bb.Append([]byte(v.s))
	case *array.Date32Builder:
		bb.Append(arrow.Date32(v.i))
	case *array.TimestampBuilder:
		bb.Append(arrow.Timestamp(v.i))
	case *array.DurationBuilder:
		bb.Append(arrow.Duration(v.i))
	case *array.Time64Builder:
		bb.Append(arrow.Time64(v.i))
	case *array.Decimal128Builder:
		scale := bb.Type().(*arrow.Decimal128Type).Scale
		bb.Append(decimal128.FromBigInt(v.AsDecimal().Shift(scale).BigInt()))
	case *array.BinaryDictionaryBuilder:
		err := bb.AppendString(v.s)
		Assert(err == nil, "dictionary append: %v", err)
	case *array.ListBuilder:
		bb.Append(true)
		vb := bb.ValueBuilder()
		for _, item := range v.items {
			AppendValue(vb, item)
		}
	case *array.FixedSizeListBuilder:
		bb.Append(true)
		vb := bb.ValueBuilder()
		for _, item := range v.items {
			AppendValue(vb, item)
		}
	case *array.StructBuilder:
		bb.Append(true)
		for k, item := range v.items {
			AppendValue(bb.FieldBuilder(k), item)
		}
	default:
		panic("AppendValue: unsupported builder for " + b.Type().String())
	}
}

func (v Value) signed() int64 {
	if v.typ.IsUnsigned() {
		return int64(v.u)
	}
	if v.typ.IsFloat() {
		return int64(v.f)
	}
	return v.i
}

func (v Value) unsigned() uint64 {
	if v.typ.IsUnsigned() {
		return v.u
	}
	if v.typ.IsFloat() {
		return uint64(v.f)
	}
	return uint64(v.i)
}

// ArrayFromValues builds a column of type t holding vals.
func ArrayFromValues(t DataType, vals []Value) arrow.Array {
	b := NewBuilder(t)
	defer b.Release()
	b.Reserve(len(vals))
	for _, v := range vals {
		AppendValue(b, v)
	}
	return b.NewArray()
}

// ConstantArray repeats v n times as a column of type t.
func ConstantArray(t DataType, v Value, n int) arrow.Array {
	b := NewBuilder(t)
	defer b.Release()
	if v.IsNull() {
		b.AppendNulls(n)
		return b.NewArray()
	}
	b.Reserve(n)
	for i := 0; i < n; i++ {
		AppendValue(b, v)
	}
	return b.NewArray()
}

// ColumnValues reads every row of arr.
func ColumnValues(arr arrow.Array) []Value {
	vals := make([]Value, arr.Len())
	for i := range vals {
		vals[i] = ValueAt(arr, i)
	}
	return vals
}

// ColumnBytes estimates the resident size of a column's buffers.
func ColumnBytes(arr arrow.Array) int64 {
	var n int64
	var walk func(d arrow.ArrayData)
	walk = func(d arrow.ArrayData) {
		for _, buf := range d.Buffers() {
			if buf != nil {
				n += int64(buf.Len())
			}
		}
		for _, child := range d.Children() {
			walk(child)
		}
		if d.DataType().ID() == arrow.DICTIONARY {
			walk(d.Dictionary())
		}
	}
	walk(arr.Data())
	return n
}
