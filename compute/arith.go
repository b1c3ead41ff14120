package compute

import (
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/shopspring/decimal"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/planner"
)

type signed interface {
	~int8 | ~int16 | ~int32 | ~int64
}

type unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

type float interface {
	~float32 | ~float64
}

var errDivisionByZero = common.NewComputeError("integer division by zero")

func overflowErr(op planner.Operator, t common.DataType) error {
	return common.NewComputeError("%s overflow in %s", t, op)
}

// arithmetic evaluates l op r where both operands already have the operand type t and the
// result has type out.
func arithmetic(op planner.Operator, t, out common.DataType, l, r arrow.Array) (arrow.Array, error) {
	if out.IsNull() {
		return nullArray(out, l.Len()), nil
	}
	if op == planner.OpDiv && !t.IsFloat() && t.ID != common.Duration {
		return floatDivide(t, l, r)
	}
	switch t.ID {
	case common.Int8:
		return signedArith[int8](op, t, out, l, r)
	case common.Int16:
		return signedArith[int16](op, t, out, l, r)
	case common.Int32:
		return signedArith[int32](op, t, out, l, r)
	case common.Int64, common.Datetime, common.Duration:
		return signedArith[int64](op, t, out, l, r)
	case common.UInt8:
		return unsignedArith[uint8](op, t, out, l, r)
	case common.UInt16:
		return unsignedArith[uint16](op, t, out, l, r)
	case common.UInt32:
		return unsignedArith[uint32](op, t, out, l, r)
	case common.UInt64:
		return unsignedArith[uint64](op, t, out, l, r)
	case common.Float32:
		return floatArith[float32](op, out, l, r), nil
	case common.Float64:
		return floatArith[float64](op, out, l, r), nil
	case common.String, common.Categorical:
		if op == planner.OpAdd {
			return concat(out, l, r), nil
		}
	case common.Decimal:
		return decimalArith(op, out, l, r)
	}
	return nil, common.NewInternalError("no %s kernel for %s", op, t)
}

func signedArith[T signed](op planner.Operator, t, out common.DataType, l, r arrow.Array) (arrow.Array, error) {
	a, b := rawValues[T](l), rawValues[T](r)
	valid := andValidity(validity(l), validity(r))
	res := make([]T, len(a))
	for i := range res {
		if valid != nil && !valid[i] {
			continue
		}
		x, y := a[i], b[i]
		var s T
		switch op {
		case planner.OpAdd:
			s = x + y
			if (x > 0 && y > 0 && s < 0) || (x < 0 && y < 0 && s >= 0) {
				return nil, overflowErr(op, t)
			}
		case planner.OpSub:
			s = x - y
			if (x >= 0 && y < 0 && s < 0) || (x < 0 && y > 0 && s >= 0) {
				return nil, overflowErr(op, t)
			}
		case planner.OpMul:
			s = x * y
			if x != 0 && (s/x != y || (x == -1 && y != 0 && y == -y)) {
				return nil, overflowErr(op, t)
			}
		case planner.OpIntDiv:
			if y == 0 {
				return nil, errDivisionByZero
			}
			if y == -1 && x != 0 && x == -x {
				return nil, overflowErr(op, t)
			}
			s = x / y
			if x%y != 0 && (x < 0) != (y < 0) {
				s--
			}
		case planner.OpMod:
			if y == 0 {
				return nil, errDivisionByZero
			}
			s = x % y
			if s != 0 && (s < 0) != (y < 0) {
				s += y
			}
		default:
			return nil, common.NewInternalError("no %s kernel for %s", op, t)
		}
		res[i] = s
	}
	return newFixedArray(out, res, valid), nil
}

func unsignedArith[T unsigned](op planner.Operator, t, out common.DataType, l, r arrow.Array) (arrow.Array, error) {
	a, b := rawValues[T](l), rawValues[T](r)
	valid := andValidity(validity(l), validity(r))
	res := make([]T, len(a))
	for i := range res {
		if valid != nil && !valid[i] {
			continue
		}
		x, y := a[i], b[i]
		var s T
		switch op {
		case planner.OpAdd:
			s = x + y
			if s < x {
				return nil, overflowErr(op, t)
			}
		case planner.OpSub:
			if y > x {
				return nil, overflowErr(op, t)
			}
			s = x - y
		case planner.OpMul:
			s = x * y
			if x != 0 && s/x != y {
				return nil, overflowErr(op, t)
			}
		case planner.OpIntDiv:
			if y == 0 {
				return nil, errDivisionByZero
			}
			s = x / y
		case planner.OpMod:
			if y == 0 {
				return nil, errDivisionByZero
			}
			s = x % y
		default:
			return nil, common.NewInternalError("no %s kernel for %s", op, t)
		}
		res[i] = s
	}
	return newFixedArray(out, res, valid), nil
}

func floatArith[T float](op planner.Operator, out common.DataType, l, r arrow.Array) arrow.Array {
	a, b := rawValues[T](l), rawValues[T](r)
	valid := andValidity(validity(l), validity(r))
	res := make([]T, len(a))
	for i := range res {
		x, y := a[i], b[i]
		switch op {
		case planner.OpAdd:
			res[i] = x + y
		case planner.OpSub:
			res[i] = x - y
		case planner.OpMul:
			res[i] = x * y
		case planner.OpDiv:
			res[i] = x / y
		case planner.OpIntDiv:
			res[i] = T(math.Floor(float64(x) / float64(y)))
		case planner.OpMod:
			res[i] = T(floorMod(float64(x), float64(y)))
		}
	}
	return newFixedArray(out, res, valid)
}

func floorMod(x, y float64) float64 {
	m := math.Mod(x, y)
	if m != 0 && (m < 0) != (y < 0) {
		m += y
	}
	return m
}

// floatDivide is true division of integer or decimal operands.
func floatDivide(t common.DataType, l, r arrow.Array) (arrow.Array, error) {
	a, err := toFloat64s(t, l)
	if err != nil {
		return nil, err
	}
	b, err := toFloat64s(t, r)
	if err != nil {
		return nil, err
	}
	res := make([]float64, len(a))
	for i := range res {
		res[i] = a[i] / b[i]
	}
	return newFixedArray(common.Float64Type, res, andValidity(validity(l), validity(r))), nil
}

func toFloat64s(t common.DataType, arr arrow.Array) ([]float64, error) {
	switch t.ID {
	case common.Int8:
		return widen[int8](arr), nil
	case common.Int16:
		return widen[int16](arr), nil
	case common.Int32:
		return widen[int32](arr), nil
	case common.Int64:
		return widen[int64](arr), nil
	case common.UInt8:
		return widen[uint8](arr), nil
	case common.UInt16:
		return widen[uint16](arr), nil
	case common.UInt32:
		return widen[uint32](arr), nil
	case common.UInt64:
		return widen[uint64](arr), nil
	case common.Float32:
		return widen[float32](arr), nil
	case common.Float64:
		return rawValues[float64](arr), nil
	case common.Decimal, common.Boolean:
		out := make([]float64, arr.Len())
		for i := range out {
			if v := common.ValueAt(arr, i); !v.IsNull() {
				out[i] = v.AsFloat64()
			}
		}
		return out, nil
	}
	return nil, common.NewInternalError("cannot read %s as float", t)
}

func widen[T fixedWidth](arr arrow.Array) []float64 {
	src := rawValues[T](arr)
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}
	return out
}

func concat(out common.DataType, l, r arrow.Array) arrow.Array {
	a, b := stringValues(l), stringValues(r)
	res := make([]string, len(a))
	for i := range res {
		res[i] = a[i] + b[i]
	}
	return newStringArray(out, res, andValidity(validity(l), validity(r)))
}

func decimalArith(op planner.Operator, out common.DataType, l, r arrow.Array) (arrow.Array, error) {
	vals := make([]common.Value, l.Len())
	for i := range vals {
		x, y := common.ValueAt(l, i), common.ValueAt(r, i)
		if x.IsNull() || y.IsNull() {
			vals[i] = common.NewNull(out)
			continue
		}
		v, err := decimalOp(op, out, x.Decimal(), y.Decimal())
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return common.ArrayFromValues(out, vals), nil
}

func decimalOp(op planner.Operator, out common.DataType, x, y decimal.Decimal) (common.Value, error) {
	var d decimal.Decimal
	switch op {
	case planner.OpAdd:
		d = x.Add(y)
	case planner.OpSub:
		d = x.Sub(y)
	case planner.OpMul:
		d = x.Mul(y)
	case planner.OpIntDiv, planner.OpMod:
		if y.IsZero() {
			return common.Value{}, common.NewComputeError("decimal division by zero")
		}
		q := x.Div(y).Floor()
		d = q
		if op == planner.OpMod {
			d = x.Sub(q.Mul(y))
		}
	default:
		return common.Value{}, common.NewInternalError("no %s kernel for decimals", op)
	}
	if !decimalFits(d, out.Precision, out.Scale) {
		return common.Value{}, overflowErr(op, out)
	}
	return common.NewDecimalValue(d, out.Precision, out.Scale), nil
}

// decimalFits reports whether d rounded to scale has at most precision digits.
func decimalFits(d decimal.Decimal, precision, scale int32) bool {
	limit := decimal.New(1, precision-scale)
	return d.Round(scale).Abs().Cmp(limit) < 0
}

// negate evaluates -x.
func negate(t common.DataType, arr arrow.Array) (arrow.Array, error) {
	switch t.ID {
	case common.Int8:
		return signedNeg[int8](t, arr)
	case common.Int16:
		return signedNeg[int16](t, arr)
	case common.Int32:
		return signedNeg[int32](t, arr)
	case common.Int64, common.Duration:
		return signedNeg[int64](t, arr)
	case common.Float32:
		return floatNeg[float32](t, arr), nil
	case common.Float64:
		return floatNeg[float64](t, arr), nil
	case common.Decimal:
		return mapValues(arr, t, func(v common.Value) (common.Value, error) {
			if v.IsNull() {
				return v, nil
			}
			return common.NewDecimalValue(v.Decimal().Neg(), t.Precision, t.Scale), nil
		})
	case common.NullType:
		return arr, nil
	}
	return nil, common.NewInternalError("cannot negate %s", t)
}

func signedNeg[T signed](t common.DataType, arr arrow.Array) (arrow.Array, error) {
	src := rawValues[T](arr)
	valid := validity(arr)
	res := make([]T, len(src))
	for i, x := range src {
		if valid != nil && !valid[i] {
			continue
		}
		if x != 0 && x == -x {
			return nil, overflowErr(planner.OpNeg, t)
		}
		res[i] = -x
	}
	return newFixedArray(t, res, valid), nil
}

func floatNeg[T float](t common.DataType, arr arrow.Array) arrow.Array {
	src := rawValues[T](arr)
	res := make([]T, len(src))
	for i, x := range src {
		res[i] = -x
	}
	return newFixedArray(t, res, validity(arr))
}
