package common

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Value is a single scalar of any type in the closed set. Literals, aggregate states, group keys
// and row-at-a-time fallbacks in the evaluator use it; the hot paths operate on whole columns.
// The zero Value is a null of NullType.
type Value struct {
	typ  DataType
	null bool
	// i holds signed integers, booleans (0/1), dates (days since epoch), datetimes and durations
	// (ticks of the type's unit) and times (nanoseconds since midnight).
	i     int64
	u     uint64
	f     float64
	s     string
	dec   decimal.Decimal
	items []Value
}

const secondsPerDay = 86400

// NewNull returns a null of the given type.
func NewNull(t DataType) Value {
	return Value{typ: t, null: true}
}

func NewBoolValue(b bool) Value {
	v := Value{typ: BoolType}
	if b {
		v.i = 1
	}
	return v
}

func NewInt64Value(v int64) Value {
	return Value{typ: Int64Type, i: v}
}

// NewIntValue builds a value of a signed integer or temporal type from its int64 payload.
func NewIntValue(t DataType, v int64) Value {
	Assert(t.IsSigned() || t.IsTemporal(), "NewIntValue on %s", t)
	return Value{typ: t, i: v}
}

func NewUIntValue(t DataType, v uint64) Value {
	Assert(t.IsUnsigned(), "NewUIntValue on %s", t)
	return Value{typ: t, u: v}
}

func NewFloat64Value(f float64) Value {
	return Value{typ: Float64Type, f: f}
}

func NewFloatValue(t DataType, f float64) Value {
	Assert(t.IsFloat(), "NewFloatValue on %s", t)
	if t.ID == Float32 {
		f = float64(float32(f))
	}
	return Value{typ: t, f: f}
}

func NewStringValue(s string) Value {
	return Value{typ: StringType, s: s}
}

func NewCategoricalValue(s string) Value {
	return Value{typ: CategoricalType, s: s}
}

func NewBinaryValue(b []byte) Value {
	return Value{typ: BinaryType, s: string(b)}
}

// NewDateValue builds a date from days since the Unix epoch.
func NewDateValue(days int32) Value {
	return Value{typ: DateType, i: int64(days)}
}

func NewDatetimeValue(unit TimeUnit, zone string, ticks int64) Value {
	return Value{typ: DatetimeType(unit, zone), i: ticks}
}

func NewDurationValue(unit TimeUnit, ticks int64) Value {
	return Value{typ: DurationType(unit), i: ticks}
}

// NewTimeValue builds a time of day from nanoseconds since midnight.
func NewTimeValue(nanos int64) Value {
	return Value{typ: TimeType, i: nanos}
}

// NewDecimalValue rounds d to the scale of the type.
func NewDecimalValue(d decimal.Decimal, precision, scale int32) Value {
	return Value{typ: DecimalType(precision, scale), dec: d.Round(scale)}
}

func NewListValue(inner DataType, items []Value) Value {
	return Value{typ: ListType(inner), items: items}
}

func NewArrayValue(inner DataType, items []Value) Value {
	return Value{typ: ArrayType(inner, int32(len(items))), items: items}
}

func NewStructValue(t DataType, fields []Value) Value {
	Assert(t.ID == Struct && len(t.Fields) == len(fields), "struct value does not match %s", t)
	return Value{typ: t, items: fields}
}

// ValueOf converts a Go value into a Value. It accepts Go integer, float, bool, string and []byte
// values, time.Time (datetime[us] in UTC), time.Duration (duration[ns]), decimal.Decimal, nil
// and Value itself.
func ValueOf(x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return NewNull(NullDataType), nil
	case Value:
		return v, nil
	case bool:
		return NewBoolValue(v), nil
	case int:
		return NewInt64Value(int64(v)), nil
	case int8:
		return NewIntValue(Int8Type, int64(v)), nil
	case int16:
		return NewIntValue(Int16Type, int64(v)), nil
	case int32:
		return NewIntValue(Int32Type, int64(v)), nil
	case int64:
		return NewInt64Value(v), nil
	case uint:
		return NewUIntValue(UInt64Type, uint64(v)), nil
	case uint8:
		return NewUIntValue(UInt8Type, uint64(v)), nil
	case uint16:
		return NewUIntValue(UInt16Type, uint64(v)), nil
	case uint32:
		return NewUIntValue(UInt32Type, uint64(v)), nil
	case uint64:
		return NewUIntValue(UInt64Type, v), nil
	case float32:
		return NewFloatValue(Float32Type, float64(v)), nil
	case float64:
		return NewFloat64Value(v), nil
	case string:
		return NewStringValue(v), nil
	case []byte:
		return NewBinaryValue(v), nil
	case time.Time:
		return NewDatetimeValue(Microseconds, "", v.UnixMicro()), nil
	case time.Duration:
		return NewDurationValue(Nanoseconds, int64(v)), nil
	case decimal.Decimal:
		scale := int32(0)
		if v.Exponent() < 0 {
			scale = -v.Exponent()
		}
		return NewDecimalValue(v, 38, scale), nil
	}
	return Value{}, NewSchemaError(0, "", "", "unsupported literal %v of type %T", x, x)
}

// MustValueOf is ValueOf for literals known to be supported.
func MustValueOf(x any) Value {
	v, err := ValueOf(x)
	Assert(err == nil, "%v", err)
	return v
}

func (v Value) Type() DataType {
	return v.typ
}

func (v Value) IsNull() bool {
	return v.null || v.typ.ID == NullType
}

func (v Value) Bool() bool {
	Assert(v.typ.ID == Boolean, "type mismatch in Bool: %s", v.typ)
	return v.i != 0
}

// Int64 returns the payload of signed integer and temporal values.
func (v Value) Int64() int64 {
	Assert(v.typ.IsSigned() || v.typ.IsTemporal() || v.typ.ID == Boolean, "type mismatch in Int64: %s", v.typ)
	return v.i
}

func (v Value) Uint64() uint64 {
	Assert(v.typ.IsUnsigned(), "type mismatch in Uint64: %s", v.typ)
	return v.u
}

func (v Value) Float64() float64 {
	Assert(v.typ.IsFloat(), "type mismatch in Float64: %s", v.typ)
	return v.f
}

// Str returns the payload of string, categorical and binary values.
func (v Value) Str() string {
	Assert(v.typ.IsStringLike() || v.typ.ID == Binary, "type mismatch in Str: %s", v.typ)
	return v.s
}

func (v Value) Bytes() []byte {
	return []byte(v.Str())
}

func (v Value) Decimal() decimal.Decimal {
	Assert(v.typ.ID == Decimal, "type mismatch in Decimal: %s", v.typ)
	return v.dec
}

// Items returns the elements of list and array values or the fields of struct values.
func (v Value) Items() []Value {
	return v.items
}

// AsFloat64 converts any numeric value to float64.
func (v Value) AsFloat64() float64 {
	switch {
	case v.typ.IsSigned(), v.typ.ID == Boolean:
		return float64(v.i)
	case v.typ.IsUnsigned():
		return float64(v.u)
	case v.typ.IsFloat():
		return v.f
	case v.typ.ID == Decimal:
		f, _ := v.dec.Float64()
		return f
	}
	panic(fmt.Sprintf("AsFloat64 on %s", v.typ))
}

// AsDecimal converts integer and decimal values to a decimal.
func (v Value) AsDecimal() decimal.Decimal {
	switch {
	case v.typ.IsSigned():
		return decimal.NewFromInt(v.i)
	case v.typ.IsUnsigned():
		return decimal.NewFromUint64(v.u)
	case v.typ.IsFloat():
		return decimal.NewFromFloat(v.f)
	case v.typ.ID == Decimal:
		return v.dec
	}
	panic(fmt.Sprintf("AsDecimal on %s", v.typ))
}

// WithType reinterprets the payload under another type of the same physical class, for example
// an Int64 payload as Int32 after a range check.
func (v Value) WithType(t DataType) Value {
	v.typ = t
	return v
}

// Compare orders two values of compatible types. Returns -1 if v < other, 0 if equal and 1 if
// v > other. NULL sorts before every non-NULL value; NaN sorts after every other float.
func (v Value) Compare(other Value) int {
	vn, on := v.IsNull(), other.IsNull()
	switch {
	case vn && on:
		return 0
	case vn:
		return -1
	case on:
		return 1
	}

	a, b := v.typ, other.typ
	switch {
	case a.IsFloat() || b.IsFloat():
		if (a.IsNumeric() || a.ID == Boolean) && (b.IsNumeric() || b.ID == Boolean) {
			return compareFloat(v.AsFloat64(), other.AsFloat64())
		}
	case a.ID == Decimal || b.ID == Decimal:
		if a.IsNumeric() && b.IsNumeric() {
			return v.AsDecimal().Cmp(other.AsDecimal())
		}
	case a.IsSigned() && b.IsUnsigned():
		if v.i < 0 {
			return -1
		}
		return compareOrdered(uint64(v.i), other.u)
	case a.IsUnsigned() && b.IsSigned():
		if other.i < 0 {
			return 1
		}
		return compareOrdered(v.u, uint64(other.i))
	case a.IsUnsigned():
		return compareOrdered(v.u, other.u)
	case a.IsSigned() || a.ID == Boolean || a.IsTemporal():
		return compareOrdered(v.i, other.i)
	case a.IsStringLike() || a.ID == Binary:
		return strings.Compare(v.s, other.s)
	case a.ID == List || a.ID == Array || a.ID == Struct:
		for i := 0; i < len(v.items) && i < len(other.items); i++ {
			if c := v.items[i].Compare(other.items[i]); c != 0 {
				return c
			}
		}
		return compareOrdered(len(v.items), len(other.items))
	}
	panic(fmt.Sprintf("cannot compare %s with %s", a, b))
}

// Equal reports whether two values are equal, treating two nulls as equal (grouping semantics).
func (v Value) Equal(other Value) bool {
	return v.Compare(other) == 0
}

func compareOrdered[T int | int64 | uint64](a, b T) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func compareFloat(a, b float64) int {
	an, bn := math.IsNaN(a), math.IsNaN(b)
	switch {
	case an && bn:
		return 0
	case an:
		return 1
	case bn:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// AppendKey appends a canonical byte encoding of v to buf. Two values encode identically exactly
// when they are Equal and share a type class; nulls encode distinctly from every non-null value.
func (v Value) AppendKey(buf []byte) []byte {
	if v.IsNull() {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	switch t := v.typ; {
	case t.IsUnsigned():
		return binary.LittleEndian.AppendUint64(buf, v.u)
	case t.IsSigned(), t.ID == Boolean, t.IsTemporal():
		return binary.LittleEndian.AppendUint64(buf, uint64(v.i))
	case t.IsFloat():
		return binary.LittleEndian.AppendUint64(buf, CanonicalFloatBits(v.f))
	case t.ID == Decimal:
		s := v.dec.StringFixed(t.Scale)
		buf = binary.AppendUvarint(buf, uint64(len(s)))
		return append(buf, s...)
	case t.IsStringLike(), t.ID == Binary:
		buf = binary.AppendUvarint(buf, uint64(len(v.s)))
		return append(buf, v.s...)
	case t.IsNested():
		buf = binary.AppendUvarint(buf, uint64(len(v.items)))
		for _, item := range v.items {
			buf = item.AppendKey(buf)
		}
		return buf
	}
	panic(fmt.Sprintf("AppendKey on %s", v.typ))
}

// CanonicalFloatBits maps every zero to 0 and every NaN to one bit pattern, so that equal floats
// hash alike.
func CanonicalFloatBits(f float64) uint64 {
	if f == 0 {
		return 0
	}
	if math.IsNaN(f) {
		return 0x7ff8000000000001
	}
	return math.Float64bits(f)
}

// Hash returns the hash of the canonical key encoding.
func (v Value) Hash() uint64 {
	var scratch [16]byte
	return Hash(v.AppendKey(scratch[:0]))
}

func (v Value) String() string {
	if v.IsNull() {
		return "null"
	}
	t := v.typ
	switch {
	case t.ID == Boolean:
		return strconv.FormatBool(v.i != 0)
	case t.IsSigned():
		return strconv.FormatInt(v.i, 10)
	case t.IsUnsigned():
		return strconv.FormatUint(v.u, 10)
	case t.IsFloat():
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case t.IsStringLike():
		return v.s
	case t.ID == Binary:
		return "0x" + hex.EncodeToString([]byte(v.s))
	case t.ID == Date:
		return time.Unix(v.i*secondsPerDay, 0).UTC().Format(time.DateOnly)
	case t.ID == Datetime:
		return v.Time().Format("2006-01-02 15:04:05.999999999")
	case t.ID == Duration:
		return time.Duration(v.i * (1_000_000_000 / t.Unit.PerSecond())).String()
	case t.ID == Time:
		return time.Unix(0, v.i).UTC().Format("15:04:05.999999999")
	case t.ID == Decimal:
		return v.dec.StringFixed(t.Scale)
	case t.ID == List || t.ID == Array:
		parts := make([]string, len(v.items))
		for i, item := range v.items {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case t.ID == Struct:
		parts := make([]string, len(v.items))
		for i, item := range v.items {
			parts[i] = t.Fields[i].Name + ": " + item.String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return "?"
}

// Time converts a datetime or date value into a time.Time, honoring the type's zone when it can
// be loaded.
func (v Value) Time() time.Time {
	switch v.typ.ID {
	case Date:
		return time.Unix(v.i*secondsPerDay, 0).UTC()
	case Datetime:
		nanosPerTick := 1_000_000_000 / v.typ.Unit.PerSecond()
		ts := time.Unix(0, v.i*nanosPerTick).UTC()
		if v.typ.Zone != "" {
			if loc, err := time.LoadLocation(v.typ.Zone); err == nil {
				ts = ts.In(loc)
			}
		}
		return ts
	}
	panic(fmt.Sprintf("Time on %s", v.typ))
}
