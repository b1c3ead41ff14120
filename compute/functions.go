package compute

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cespare/xxhash/v2"
	"mit.edu/dsg/morseldb/common"
)

// callFunction evaluates a scalar function whose arguments have already been coerced to the
// types the function expects.
func callFunction(name string, param int64, out common.DataType, types []common.DataType, args []arrow.Array, rows int) (arrow.Array, error) {
	switch name {
	case "abs":
		return absolute(out, args[0])
	case "round", "floor", "ceil":
		return rounding(name, param, out, args[0])
	case "sqrt":
		f, err := toFloat64s(types[0], args[0])
		if err != nil {
			return nil, err
		}
		res := make([]float64, len(f))
		for i, x := range f {
			res[i] = math.Sqrt(x)
		}
		return newFixedArray(common.Float64Type, res, validity(args[0])), nil
	case "coalesce":
		acc := args[0]
		for _, next := range args[1:] {
			if acc.NullN() == 0 {
				break
			}
			mask := make([]bool, acc.Len())
			for i := range mask {
				mask[i] = acc.IsValid(i)
			}
			acc = Choose(out, mask, acc, next)
		}
		return acc, nil
	case "upper", "lower":
		vals := stringValues(args[0])
		for i, s := range vals {
			if name == "upper" {
				vals[i] = strings.ToUpper(s)
			} else {
				vals[i] = strings.ToLower(s)
			}
		}
		return newStringArray(out, vals, validity(args[0])), nil
	case "str_len":
		vals := stringValues(args[0])
		res := make([]int64, len(vals))
		for i, s := range vals {
			res[i] = int64(utf8.RuneCountInString(s))
		}
		return newFixedArray(out, res, validity(args[0])), nil
	case "contains", "starts_with", "ends_with":
		return stringPredicate(name, args[0], args[1]), nil
	case "concat_str":
		res := make([]string, rows)
		var valid []bool
		for _, arg := range args {
			for i, s := range stringValues(arg) {
				res[i] += s
			}
			valid = andValidity(valid, validity(arg))
		}
		return newStringArray(out, res, valid), nil
	case "year", "month", "day":
		return datePart(name, types[0], args[0])
	case "hash":
		res := make([]uint64, rows)
		var key []byte
		for i := range res {
			key = key[:0]
			for _, arg := range args {
				key = common.ValueAt(arg, i).AppendKey(key)
			}
			res[i] = xxhash.Sum64(key)
		}
		return newFixedArray(out, res, nil), nil
	}
	return nil, common.NewInternalError("unknown function %q", name)
}

func absolute(t common.DataType, arr arrow.Array) (arrow.Array, error) {
	switch t.ID {
	case common.Float64:
		src := rawValues[float64](arr)
		res := make([]float64, len(src))
		for i, x := range src {
			res[i] = math.Abs(x)
		}
		return newFixedArray(t, res, validity(arr)), nil
	case common.Int64, common.Duration:
		src := rawValues[int64](arr)
		res := make([]int64, len(src))
		valid := validity(arr)
		for i, x := range src {
			if valid != nil && !valid[i] {
				continue
			}
			if x == math.MinInt64 {
				return nil, common.NewComputeError("%s overflow in abs", t)
			}
			if x < 0 {
				x = -x
			}
			res[i] = x
		}
		return newFixedArray(t, res, valid), nil
	}
	if t.IsUnsigned() {
		return arr, nil
	}
	lo, _ := signedRange(t)
	return mapValues(arr, t, func(v common.Value) (common.Value, error) {
		switch {
		case v.IsNull():
			return v, nil
		case t.IsSigned():
			if v.Int64() == lo {
				return common.Value{}, common.NewComputeError("%s overflow in abs", t)
			}
			if v.Int64() < 0 {
				return common.NewIntValue(t, -v.Int64()), nil
			}
			return v, nil
		case t.IsFloat():
			return common.NewFloatValue(t, math.Abs(v.Float64())), nil
		case t.ID == common.Decimal:
			return common.NewDecimalValue(v.Decimal().Abs(), t.Precision, t.Scale), nil
		}
		return common.Value{}, common.NewInternalError("abs on %s", t)
	})
}

// rounding implements round, floor and ceil. Integers are returned unchanged.
func rounding(name string, digits int64, t common.DataType, arr arrow.Array) (arrow.Array, error) {
	if t.IsInteger() || t.IsNull() {
		return arr, nil
	}
	scale := math.Pow(10, float64(digits))
	apply := func(x float64) float64 {
		switch name {
		case "floor":
			return math.Floor(x)
		case "ceil":
			return math.Ceil(x)
		}
		if digits == 0 {
			return math.Round(x)
		}
		return math.Round(x*scale) / scale
	}
	switch t.ID {
	case common.Float64:
		src := rawValues[float64](arr)
		res := make([]float64, len(src))
		for i, x := range src {
			res[i] = apply(x)
		}
		return newFixedArray(t, res, validity(arr)), nil
	case common.Float32:
		src := rawValues[float32](arr)
		res := make([]float32, len(src))
		for i, x := range src {
			res[i] = float32(apply(float64(x)))
		}
		return newFixedArray(t, res, validity(arr)), nil
	case common.Decimal:
		return mapValues(arr, t, func(v common.Value) (common.Value, error) {
			if v.IsNull() {
				return v, nil
			}
			d := v.Decimal()
			switch name {
			case "floor":
				d = d.Floor()
			case "ceil":
				d = d.Ceil()
			default:
				d = d.Round(int32(digits))
			}
			if !decimalFits(d, t.Precision, t.Scale) {
				return common.Value{}, common.NewComputeError("%s overflow in %s", t, name)
			}
			return common.NewDecimalValue(d, t.Precision, t.Scale), nil
		})
	}
	return nil, common.NewInternalError("%s on %s", name, t)
}

// datePart extracts the calendar year, month or day of dates and datetimes. Datetimes with a
// zone are read in that zone.
func datePart(name string, t common.DataType, arr arrow.Array) (arrow.Array, error) {
	res := make([]int32, arr.Len())
	valid := validity(arr)
	loc := time.UTC
	if t.Zone != "" {
		if l, err := time.LoadLocation(t.Zone); err == nil {
			loc = l
		}
	}
	var days []int32
	var ticks []int64
	if t.ID == common.Date {
		days = rawValues[int32](arr)
	} else {
		ticks = rawValues[int64](arr)
	}
	for i := range res {
		if valid != nil && !valid[i] {
			continue
		}
		var ts time.Time
		if days != nil {
			ts = time.Unix(int64(days[i])*86400, 0).UTC()
		} else {
			per := t.Unit.PerSecond()
			sec := floorDiv(ticks[i], per)
			ts = time.Unix(sec, (ticks[i]-sec*per)*(1_000_000_000/per)).In(loc)
		}
		switch name {
		case "year":
			res[i] = int32(ts.Year())
		case "month":
			res[i] = int32(ts.Month())
		default:
			res[i] = int32(ts.Day())
		}
	}
	return newFixedArray(common.Int32Type, res, valid), nil
}
