package compute

import (
	"math"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/planner"
)

type ordered interface {
	fixedWidth | ~string
}

// compare evaluates a comparison of two columns of the same type t. Floats use a total order in
// which NaN equals itself and sorts after every other value.
func compare(op planner.Operator, t common.DataType, l, r arrow.Array) (arrow.Array, error) {
	valid := andValidity(validity(l), validity(r))
	var cmp []int8
	switch t.ID {
	case common.NullType:
		return nullArray(common.BoolType, l.Len()), nil
	case common.Int8:
		cmp = compareValues(rawValues[int8](l), rawValues[int8](r))
	case common.Int16:
		cmp = compareValues(rawValues[int16](l), rawValues[int16](r))
	case common.Int32, common.Date:
		cmp = compareValues(rawValues[int32](l), rawValues[int32](r))
	case common.Int64, common.Datetime, common.Duration, common.Time:
		cmp = compareValues(rawValues[int64](l), rawValues[int64](r))
	case common.UInt8:
		cmp = compareValues(rawValues[uint8](l), rawValues[uint8](r))
	case common.UInt16:
		cmp = compareValues(rawValues[uint16](l), rawValues[uint16](r))
	case common.UInt32:
		cmp = compareValues(rawValues[uint32](l), rawValues[uint32](r))
	case common.UInt64:
		cmp = compareValues(rawValues[uint64](l), rawValues[uint64](r))
	case common.Float32:
		cmp = compareFloats(rawValues[float32](l), rawValues[float32](r))
	case common.Float64:
		cmp = compareFloats(rawValues[float64](l), rawValues[float64](r))
	case common.String, common.Categorical, common.Binary:
		cmp = compareValues(stringValues(l), stringValues(r))
	case common.Boolean:
		a, b := boolValues(l), boolValues(r)
		cmp = make([]int8, len(a))
		for i := range cmp {
			cmp[i] = int8(b2i(a[i]) - b2i(b[i]))
		}
	default:
		cmp = make([]int8, l.Len())
		for i := range cmp {
			if valid == nil || valid[i] {
				cmp[i] = int8(common.ValueAt(l, i).Compare(common.ValueAt(r, i)))
			}
		}
	}

	res := make([]bool, len(cmp))
	for i, c := range cmp {
		res[i] = holds(op, c)
	}
	return newBoolArray(res, valid), nil
}

func holds(op planner.Operator, c int8) bool {
	switch op {
	case planner.OpEq:
		return c == 0
	case planner.OpNotEq:
		return c != 0
	case planner.OpLt:
		return c < 0
	case planner.OpLtEq:
		return c <= 0
	case planner.OpGt:
		return c > 0
	case planner.OpGtEq:
		return c >= 0
	}
	common.Assert(false, "%s is not a comparison", op)
	return false
}

func compareValues[T ordered](a, b []T) []int8 {
	out := make([]int8, len(a))
	for i := range out {
		switch {
		case a[i] < b[i]:
			out[i] = -1
		case a[i] > b[i]:
			out[i] = 1
		}
	}
	return out
}

func compareFloats[T float](a, b []T) []int8 {
	out := make([]int8, len(a))
	for i := range out {
		out[i] = int8(totalCompare(float64(a[i]), float64(b[i])))
	}
	return out
}

// totalCompare orders floats with NaN greater than every number and equal to itself.
func totalCompare(a, b float64) int {
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

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// stringPredicate evaluates contains, starts_with and ends_with.
func stringPredicate(name string, l, r arrow.Array) arrow.Array {
	a, b := stringValues(l), stringValues(r)
	res := make([]bool, len(a))
	for i := range res {
		switch name {
		case "contains":
			res[i] = strings.Contains(a[i], b[i])
		case "starts_with":
			res[i] = strings.HasPrefix(a[i], b[i])
		case "ends_with":
			res[i] = strings.HasSuffix(a[i], b[i])
		}
	}
	return newBoolArray(res, andValidity(validity(l), validity(r)))
}
