package compute

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/shopspring/decimal"
	"mit.edu/dsg/morseldb/common"
)

// Cast converts arr from type from to type to. Values without an image in to become null, or
// fail with a ComputeError when strict is set.
func Cast(arr arrow.Array, from, to common.DataType, strict bool) (arrow.Array, error) {
	switch {
	case from.Equal(to):
		return arr, nil
	case from.IsNull():
		return nullArray(to, arr.Len()), nil
	case to.ID == common.Int64 && from.IsSigned():
		return widenSigned(from, arr), nil
	case to.ID == common.Float64 && (from.IsInteger() || from.ID == common.Float32):
		f, err := toFloat64s(from, arr)
		if err != nil {
			return nil, err
		}
		return newFixedArray(to, f, validity(arr)), nil
	}
	return mapValues(arr, to, func(v common.Value) (common.Value, error) {
		out, ok := CastValue(v, to)
		if ok {
			return out, nil
		}
		if strict {
			return common.Value{}, common.NewComputeError("cannot cast %s value %s to %s", from, v, to)
		}
		return common.NewNull(to), nil
	})
}

func widenSigned(from common.DataType, arr arrow.Array) arrow.Array {
	out := make([]int64, arr.Len())
	switch from.ID {
	case common.Int8:
		for i, v := range rawValues[int8](arr) {
			out[i] = int64(v)
		}
	case common.Int16:
		for i, v := range rawValues[int16](arr) {
			out[i] = int64(v)
		}
	case common.Int32:
		for i, v := range rawValues[int32](arr) {
			out[i] = int64(v)
		}
	default:
		copy(out, rawValues[int64](arr))
	}
	return newFixedArray(common.Int64Type, out, validity(arr))
}

// CastValue converts a scalar. ok is false when v has no image in to.
func CastValue(v common.Value, to common.DataType) (common.Value, bool) {
	from := v.Type()
	switch {
	case v.IsNull():
		return common.NewNull(to), true
	case from.Equal(to):
		return v, true
	case to.ID == common.String:
		if from.IsStringLike() || from.ID == common.Binary {
			return common.NewStringValue(v.Str()), true
		}
		return common.NewStringValue(v.String()), true
	case from.IsStringLike():
		return parseValue(v.Str(), to)
	case from.ID == common.Binary:
		return common.Value{}, false
	case to.ID == common.Boolean:
		return castToBool(v)
	case to.IsSigned():
		return castToSigned(v, to)
	case to.IsUnsigned():
		return castToUnsigned(v, to)
	case to.IsFloat():
		if !(from.IsNumeric() || from.ID == common.Boolean) {
			return common.Value{}, false
		}
		return common.NewFloatValue(to, v.AsFloat64()), true
	case to.ID == common.Decimal:
		return castToDecimal(v, to)
	case to.IsTemporal():
		return castToTemporal(v, to)
	case from.ID == common.List && to.ID == common.List:
		items := make([]common.Value, len(v.Items()))
		for i, item := range v.Items() {
			c, ok := CastValue(item, *to.Inner)
			if !ok {
				return common.Value{}, false
			}
			items[i] = c
		}
		return common.NewListValue(*to.Inner, items), true
	}
	return common.Value{}, false
}

func castToBool(v common.Value) (common.Value, bool) {
	t := v.Type()
	switch {
	case t.IsSigned():
		return common.NewBoolValue(v.Int64() != 0), true
	case t.IsUnsigned():
		return common.NewBoolValue(v.Uint64() != 0), true
	case t.IsFloat():
		return common.NewBoolValue(v.Float64() != 0), true
	case t.ID == common.Decimal:
		return common.NewBoolValue(!v.Decimal().IsZero()), true
	}
	return common.Value{}, false
}

func signedRange(t common.DataType) (int64, int64) {
	bits := t.BitWidth()
	return int64(-1) << (bits - 1), int64(1)<<(bits-1) - 1
}

func castToSigned(v common.Value, to common.DataType) (common.Value, bool) {
	lo, hi := signedRange(to)
	t := v.Type()
	var x int64
	switch {
	case t.IsSigned(), t.ID == common.Boolean, t.IsTemporal():
		x = v.Int64()
	case t.IsUnsigned():
		if v.Uint64() > uint64(hi) {
			return common.Value{}, false
		}
		x = int64(v.Uint64())
	case t.IsFloat():
		f := math.Trunc(v.Float64())
		if math.IsNaN(f) || f < float64(lo) || f >= -float64(lo) {
			return common.Value{}, false
		}
		x = int64(f)
	case t.ID == common.Decimal:
		d := v.Decimal().Truncate(0)
		if !d.BigInt().IsInt64() {
			return common.Value{}, false
		}
		x = d.IntPart()
	default:
		return common.Value{}, false
	}
	if x < lo || x > hi {
		return common.Value{}, false
	}
	return common.NewIntValue(to, x), true
}

func castToUnsigned(v common.Value, to common.DataType) (common.Value, bool) {
	bits := to.BitWidth()
	hi := uint64(math.MaxUint64)
	if bits < 64 {
		hi = uint64(1)<<bits - 1
	}
	t := v.Type()
	var x uint64
	switch {
	case t.IsSigned(), t.ID == common.Boolean, t.IsTemporal():
		if v.Int64() < 0 {
			return common.Value{}, false
		}
		x = uint64(v.Int64())
	case t.IsUnsigned():
		x = v.Uint64()
	case t.IsFloat():
		f := math.Trunc(v.Float64())
		if math.IsNaN(f) || f < 0 || f >= math.Ldexp(1, bits) {
			return common.Value{}, false
		}
		x = uint64(f)
	case t.ID == common.Decimal:
		d := v.Decimal().Truncate(0)
		b := d.BigInt()
		if b.Sign() < 0 || !b.IsUint64() {
			return common.Value{}, false
		}
		x = b.Uint64()
	default:
		return common.Value{}, false
	}
	if x > hi {
		return common.Value{}, false
	}
	return common.NewUIntValue(to, x), true
}

func castToDecimal(v common.Value, to common.DataType) (common.Value, bool) {
	t := v.Type()
	var d decimal.Decimal
	switch {
	case t.ID == common.Boolean:
		d = decimal.NewFromInt(v.Int64())
	case t.IsFloat():
		f := v.Float64()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return common.Value{}, false
		}
		d = decimal.NewFromFloat(f)
	case t.IsNumeric():
		d = v.AsDecimal()
	default:
		return common.Value{}, false
	}
	if !decimalFits(d, to.Precision, to.Scale) {
		return common.Value{}, false
	}
	return common.NewDecimalValue(d, to.Precision, to.Scale), true
}

func castToTemporal(v common.Value, to common.DataType) (common.Value, bool) {
	from := v.Type()
	switch {
	case from.IsInteger():
		x, ok := castToSigned(v, common.Int64Type)
		if !ok {
			return common.Value{}, false
		}
		if to.ID == common.Date && (x.Int64() < math.MinInt32 || x.Int64() > math.MaxInt32) {
			return common.Value{}, false
		}
		return common.NewIntValue(to, x.Int64()), true
	case from.ID == common.Date && to.ID == common.Datetime:
		ticks, ok := mulChecked(v.Int64(), 86400*to.Unit.PerSecond())
		if !ok {
			return common.Value{}, false
		}
		return common.NewDatetimeValue(to.Unit, to.Zone, ticks), true
	case from.ID == common.Datetime && to.ID == common.Date:
		days := floorDiv(v.Int64(), 86400*from.Unit.PerSecond())
		if days < math.MinInt32 || days > math.MaxInt32 {
			return common.Value{}, false
		}
		return common.NewDateValue(int32(days)), true
	case (from.ID == common.Datetime && to.ID == common.Datetime) || (from.ID == common.Duration && to.ID == common.Duration):
		ticks, ok := convertUnit(v.Int64(), from.Unit, to.Unit)
		if !ok {
			return common.Value{}, false
		}
		return common.NewIntValue(to, ticks), true
	}
	return common.Value{}, false
}

// convertUnit rescales ticks between time units, flooring when precision is lost.
func convertUnit(ticks int64, from, to common.TimeUnit) (int64, bool) {
	fp, tp := from.PerSecond(), to.PerSecond()
	if tp >= fp {
		return mulChecked(ticks, tp/fp)
	}
	return floorDiv(ticks, fp/tp), true
}

func mulChecked(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, false
	}
	return p, true
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	time.DateOnly,
}

// parseValue converts the text form of a value.
func parseValue(s string, to common.DataType) (common.Value, bool) {
	s = strings.TrimSpace(s)
	switch {
	case to.ID == common.Categorical:
		return common.NewCategoricalValue(s), true
	case to.ID == common.Binary:
		return common.NewBinaryValue([]byte(s)), true
	case to.ID == common.Boolean:
		b, err := strconv.ParseBool(s)
		return common.NewBoolValue(b), err == nil
	case to.IsSigned():
		x, err := strconv.ParseInt(s, 10, to.BitWidth())
		if err != nil {
			return common.Value{}, false
		}
		return common.NewIntValue(to, x), true
	case to.IsUnsigned():
		x, err := strconv.ParseUint(s, 10, to.BitWidth())
		if err != nil {
			return common.Value{}, false
		}
		return common.NewUIntValue(to, x), true
	case to.IsFloat():
		f, err := strconv.ParseFloat(s, to.BitWidth())
		if err != nil {
			return common.Value{}, false
		}
		return common.NewFloatValue(to, f), true
	case to.ID == common.Decimal:
		d, err := decimal.NewFromString(s)
		if err != nil || !decimalFits(d, to.Precision, to.Scale) {
			return common.Value{}, false
		}
		return common.NewDecimalValue(d, to.Precision, to.Scale), true
	case to.ID == common.Date:
		ts, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return common.Value{}, false
		}
		return common.NewDateValue(int32(floorDiv(ts.Unix(), 86400))), true
	case to.ID == common.Datetime:
		loc := time.UTC
		if to.Zone != "" {
			if l, err := time.LoadLocation(to.Zone); err == nil {
				loc = l
			}
		}
		for _, layout := range datetimeLayouts {
			ts, err := time.ParseInLocation(layout, s, loc)
			if err != nil {
				continue
			}
			ticks, ok := mulChecked(ts.Unix(), to.Unit.PerSecond())
			if !ok {
				return common.Value{}, false
			}
			ticks += int64(ts.Nanosecond()) / (1_000_000_000 / to.Unit.PerSecond())
			return common.NewDatetimeValue(to.Unit, to.Zone, ticks), true
		}
	}
	return common.Value{}, false
}
