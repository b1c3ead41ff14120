package common

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// TypeID names one member of the closed set of column types.
type TypeID int8

const (
	// NullType is the type of an untyped null literal. It coerces to any other type.
	NullType TypeID = iota
	Boolean
	Int8
	Int16
	Int32
	Int64
	UInt8
	UInt16
	UInt32
	UInt64
	Float32
	Float64
	String
	Binary
	Date
	Datetime
	Duration
	Time
	Decimal
	Categorical
	List
	Array
	Struct
)

func (id TypeID) String() string {
	switch id {
	case NullType:
		return "null"
	case Boolean:
		return "bool"
	case Int8:
		return "i8"
	case Int16:
		return "i16"
	case Int32:
		return "i32"
	case Int64:
		return "i64"
	case UInt8:
		return "u8"
	case UInt16:
		return "u16"
	case UInt32:
		return "u32"
	case UInt64:
		return "u64"
	case Float32:
		return "f32"
	case Float64:
		return "f64"
	case String:
		return "str"
	case Binary:
		return "binary"
	case Date:
		return "date"
	case Datetime:
		return "datetime"
	case Duration:
		return "duration"
	case Time:
		return "time"
	case Decimal:
		return "decimal"
	case Categorical:
		return "cat"
	case List:
		return "list"
	case Array:
		return "array"
	case Struct:
		return "struct"
	}
	return "unknown"
}

// TimeUnit is the resolution of datetime and duration values.
type TimeUnit int8

const (
	Nanoseconds TimeUnit = iota
	Microseconds
	Milliseconds
)

func (u TimeUnit) String() string {
	switch u {
	case Nanoseconds:
		return "ns"
	case Microseconds:
		return "us"
	case Milliseconds:
		return "ms"
	}
	return "?"
}

// PerSecond returns how many ticks of the unit fit in one second.
func (u TimeUnit) PerSecond() int64 {
	switch u {
	case Nanoseconds:
		return 1_000_000_000
	case Microseconds:
		return 1_000_000
	default:
		return 1_000
	}
}

func (u TimeUnit) arrow() arrow.TimeUnit {
	switch u {
	case Nanoseconds:
		return arrow.Nanosecond
	case Microseconds:
		return arrow.Microsecond
	default:
		return arrow.Millisecond
	}
}

func timeUnitFromArrow(u arrow.TimeUnit) TimeUnit {
	switch u {
	case arrow.Nanosecond:
		return Nanoseconds
	case arrow.Microsecond:
		return Microseconds
	default:
		return Milliseconds
	}
}

// DataType is a fully parameterized column type. Only the parameters relevant to ID are set:
// Unit/Zone for datetime and duration, Precision/Scale for decimal, Inner for list and array,
// Width for array and Fields for struct. DataType values are treated as immutable.
type DataType struct {
	ID        TypeID
	Unit      TimeUnit
	Zone      string
	Precision int32
	Scale     int32
	Width     int32
	Inner     *DataType
	Fields    []Field
}

var (
	NullDataType    = DataType{ID: NullType}
	BoolType        = DataType{ID: Boolean}
	Int8Type        = DataType{ID: Int8}
	Int16Type       = DataType{ID: Int16}
	Int32Type       = DataType{ID: Int32}
	Int64Type       = DataType{ID: Int64}
	UInt8Type       = DataType{ID: UInt8}
	UInt16Type      = DataType{ID: UInt16}
	UInt32Type      = DataType{ID: UInt32}
	UInt64Type      = DataType{ID: UInt64}
	Float32Type     = DataType{ID: Float32}
	Float64Type     = DataType{ID: Float64}
	StringType      = DataType{ID: String}
	BinaryType      = DataType{ID: Binary}
	DateType        = DataType{ID: Date}
	TimeType        = DataType{ID: Time}
	CategoricalType = DataType{ID: Categorical}
)

// DatetimeType returns a datetime type with the given unit and optional time zone.
func DatetimeType(unit TimeUnit, zone string) DataType {
	return DataType{ID: Datetime, Unit: unit, Zone: zone}
}

func DurationType(unit TimeUnit) DataType {
	return DataType{ID: Duration, Unit: unit}
}

func DecimalType(precision, scale int32) DataType {
	return DataType{ID: Decimal, Precision: precision, Scale: scale}
}

func ListType(inner DataType) DataType {
	return DataType{ID: List, Inner: &inner}
}

func ArrayType(inner DataType, width int32) DataType {
	return DataType{ID: Array, Inner: &inner, Width: width}
}

func StructType(fields ...Field) DataType {
	return DataType{ID: Struct, Fields: append([]Field(nil), fields...)}
}

func (t DataType) String() string {
	switch t.ID {
	case Datetime:
		if t.Zone != "" {
			return fmt.Sprintf("datetime[%s, %s]", t.Unit, t.Zone)
		}
		return fmt.Sprintf("datetime[%s]", t.Unit)
	case Duration:
		return fmt.Sprintf("duration[%s]", t.Unit)
	case Decimal:
		return fmt.Sprintf("decimal[%d,%d]", t.Precision, t.Scale)
	case List:
		return fmt.Sprintf("list[%s]", t.Inner)
	case Array:
		return fmt.Sprintf("array[%s, %d]", t.Inner, t.Width)
	case Struct:
		parts := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			parts[i] = f.Name + ": " + f.Type.String()
		}
		return "struct{" + strings.Join(parts, ", ") + "}"
	}
	return t.ID.String()
}

// Equal reports whether two types are identical including all parameters.
func (t DataType) Equal(o DataType) bool {
	if t.ID != o.ID {
		return false
	}
	switch t.ID {
	case Datetime:
		return t.Unit == o.Unit && t.Zone == o.Zone
	case Duration:
		return t.Unit == o.Unit
	case Decimal:
		return t.Precision == o.Precision && t.Scale == o.Scale
	case List:
		return t.Inner.Equal(*o.Inner)
	case Array:
		return t.Width == o.Width && t.Inner.Equal(*o.Inner)
	case Struct:
		if len(t.Fields) != len(o.Fields) {
			return false
		}
		for i := range t.Fields {
			if t.Fields[i].Name != o.Fields[i].Name || !t.Fields[i].Type.Equal(o.Fields[i].Type) {
				return false
			}
		}
	}
	return true
}

func (t DataType) IsNull() bool { return t.ID == NullType }

func (t DataType) IsSigned() bool { return t.ID >= Int8 && t.ID <= Int64 }

func (t DataType) IsUnsigned() bool { return t.ID >= UInt8 && t.ID <= UInt64 }

func (t DataType) IsInteger() bool { return t.IsSigned() || t.IsUnsigned() }

func (t DataType) IsFloat() bool { return t.ID == Float32 || t.ID == Float64 }

// IsNumeric is true for integer, float and decimal types.
func (t DataType) IsNumeric() bool { return t.IsInteger() || t.IsFloat() || t.ID == Decimal }

func (t DataType) IsTemporal() bool {
	return t.ID == Date || t.ID == Datetime || t.ID == Duration || t.ID == Time
}

func (t DataType) IsStringLike() bool { return t.ID == String || t.ID == Categorical }

func (t DataType) IsNested() bool { return t.ID == List || t.ID == Array || t.ID == Struct }

// IsOrderable reports whether values of the type have a total order usable by sort,
// min/max and range comparisons.
func (t DataType) IsOrderable() bool {
	switch t.ID {
	case Struct, List, Array:
		return false
	}
	return true
}

// BitWidth is the width of integer and float types, 0 otherwise.
func (t DataType) BitWidth() int {
	switch t.ID {
	case Int8, UInt8:
		return 8
	case Int16, UInt16:
		return 16
	case Int32, UInt32, Float32:
		return 32
	case Int64, UInt64, Float64:
		return 64
	}
	return 0
}

// ArrowType maps the type onto the columnar representation used for morsels.
func (t DataType) ArrowType() arrow.DataType {
	switch t.ID {
	case NullType:
		return arrow.Null
	case Boolean:
		return arrow.FixedWidthTypes.Boolean
	case Int8:
		return arrow.PrimitiveTypes.Int8
	case Int16:
		return arrow.PrimitiveTypes.Int16
	case Int32:
		return arrow.PrimitiveTypes.Int32
	case Int64:
		return arrow.PrimitiveTypes.Int64
	case UInt8:
		return arrow.PrimitiveTypes.Uint8
	case UInt16:
		return arrow.PrimitiveTypes.Uint16
	case UInt32:
		return arrow.PrimitiveTypes.Uint32
	case UInt64:
		return arrow.PrimitiveTypes.Uint64
	case Float32:
		return arrow.PrimitiveTypes.Float32
	case Float64:
		return arrow.PrimitiveTypes.Float64
	case String:
		return arrow.BinaryTypes.String
	case Binary:
		return arrow.BinaryTypes.Binary
	case Date:
		return arrow.FixedWidthTypes.Date32
	case Datetime:
		return &arrow.TimestampType{Unit: t.Unit.arrow(), TimeZone: t.Zone}
	case Duration:
		return &arrow.DurationType{Unit: t.Unit.arrow()}
	case Time:
		return &arrow.Time64Type{Unit: arrow.Nanosecond}
	case Decimal:
		return &arrow.Decimal128Type{Precision: t.Precision, Scale: t.Scale}
	case Categorical:
		return &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Uint32, ValueType: arrow.BinaryTypes.String}
	case List:
		return arrow.ListOf(t.Inner.ArrowType())
	case Array:
		return arrow.FixedSizeListOf(t.Width, t.Inner.ArrowType())
	case Struct:
		fields := make([]arrow.Field, len(t.Fields))
		for i, f := range t.Fields {
			fields[i] = arrow.Field{Name: f.Name, Type: f.Type.ArrowType(), Nullable: f.Nullable}
		}
		return arrow.StructOf(fields...)
	}
	panic(fmt.Sprintf("unknown type id %d", t.ID))
}

// TypeFromArrow maps a columnar type back into the closed type set. Types outside the set are
// rejected with a SchemaError.
func TypeFromArrow(dt arrow.DataType) (DataType, error) {
	switch dt.ID() {
	case arrow.NULL:
		return NullDataType, nil
	case arrow.BOOL:
		return BoolType, nil
	case arrow.INT8:
		return Int8Type, nil
	case arrow.INT16:
		return Int16Type, nil
	case arrow.INT32:
		return Int32Type, nil
	case arrow.INT64:
		return Int64Type, nil
	case arrow.UINT8:
		return UInt8Type, nil
	case arrow.UINT16:
		return UInt16Type, nil
	case arrow.UINT32:
		return UInt32Type, nil
	case arrow.UINT64:
		return UInt64Type, nil
	case arrow.FLOAT32:
		return Float32Type, nil
	case arrow.FLOAT64:
		return Float64Type, nil
	case arrow.STRING:
		return StringType, nil
	case arrow.BINARY:
		return BinaryType, nil
	case arrow.DATE32:
		return DateType, nil
	case arrow.TIMESTAMP:
		ts := dt.(*arrow.TimestampType)
		return DatetimeType(timeUnitFromArrow(ts.Unit), ts.TimeZone), nil
	case arrow.DURATION:
		return DurationType(timeUnitFromArrow(dt.(*arrow.DurationType).Unit)), nil
	case arrow.TIME64:
		return TimeType, nil
	case arrow.DECIMAL128:
		d := dt.(*arrow.Decimal128Type)
		return DecimalType(d.Precision, d.Scale), nil
	case arrow.DICTIONARY:
		return CategoricalType, nil
	case arrow.LIST:
		inner, err := TypeFromArrow(dt.(*arrow.ListType).Elem())
		if err != nil {
			return DataType{}, err
		}
		return ListType(inner), nil
	case arrow.FIXED_SIZE_LIST:
		fl := dt.(*arrow.FixedSizeListType)
		inner, err := TypeFromArrow(fl.Elem())
		if err != nil {
			return DataType{}, err
		}
		return ArrayType(inner, fl.Len()), nil
	case arrow.STRUCT:
		st := dt.(*arrow.StructType)
		fields := make([]Field, st.NumFields())
		for i, f := range st.Fields() {
			ft, err := TypeFromArrow(f.Type)
			if err != nil {
				return DataType{}, err
			}
			fields[i] = Field{Name: f.Name, Type: ft, Nullable: f.Nullable}
		}
		return StructType(fields...), nil
	}
	return DataType{}, NewSchemaError(0, "", "", "unsupported column type %s", dt)
}

// Supertype returns the common type two operands are coerced to, following a closed table:
// identical types unify trivially, null unifies with anything, integers widen to the smallest
// integer holding both (signed when either side is signed), integer/float mixes become float64
// (float32 only when both sides fit), decimal absorbs integers, date/datetime become datetime,
// and string/categorical become string.
func Supertype(a, b DataType) (DataType, bool) {
	if a.Equal(b) {
		return a, true
	}
	if a.IsNull() {
		return b, true
	}
	if b.IsNull() {
		return a, true
	}
	switch {
	case a.IsInteger() && b.IsInteger():
		return integerSupertype(a, b), true
	case a.IsFloat() && b.IsFloat():
		return Float64Type, true
	case (a.IsInteger() && b.IsFloat()) || (a.IsFloat() && b.IsInteger()):
		return Float64Type, true
	case a.ID == Decimal && b.ID == Decimal:
		scale := max(a.Scale, b.Scale)
		whole := max(a.Precision-a.Scale, b.Precision-b.Scale)
		return DecimalType(min(whole+scale, 38), scale), true
	case a.ID == Decimal && b.IsInteger():
		return a, true
	case a.IsInteger() && b.ID == Decimal:
		return b, true
	case a.ID == Decimal && b.IsFloat(), a.IsFloat() && b.ID == Decimal:
		return Float64Type, true
	case a.ID == Date && b.ID == Datetime:
		return b, true
	case a.ID == Datetime && b.ID == Date:
		return a, true
	case a.ID == Datetime && b.ID == Datetime:
		unit := a.Unit
		if b.Unit < unit {
			unit = b.Unit
		}
		return DatetimeType(unit, a.Zone), a.Zone == b.Zone
	case a.ID == Duration && b.ID == Duration:
		unit := a.Unit
		if b.Unit < unit {
			unit = b.Unit
		}
		return DurationType(unit), true
	case a.IsStringLike() && b.IsStringLike():
		return StringType, true
	case a.ID == List && b.ID == List:
		inner, ok := Supertype(*a.Inner, *b.Inner)
		return ListType(inner), ok
	}
	return DataType{}, false
}

func integerSupertype(a, b DataType) DataType {
	if a.IsSigned() == b.IsSigned() {
		if a.BitWidth() >= b.BitWidth() {
			return a
		}
		return b
	}
	signed, unsigned := a, b
	if a.IsUnsigned() {
		signed, unsigned = b, a
	}
	width := max(signed.BitWidth(), unsigned.BitWidth()*2)
	switch {
	case width <= 16:
		return Int16Type
	case width <= 32:
		return Int32Type
	default:
		return Int64Type
	}
}
