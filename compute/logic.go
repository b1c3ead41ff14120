package compute

import (
	"github.com/apache/arrow-go/v18/arrow"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/planner"
)

// kleene evaluates AND/OR under three-valued logic: a null operand only makes the result null
// when the other operand does not decide it (false for AND, true for OR).
func kleene(op planner.Operator, l, r arrow.Array) arrow.Array {
	a, b := boolValues(l), boolValues(r)
	n := len(a)
	res := make([]bool, n)
	valid := make([]bool, n)
	decider := op == planner.OpOr
	for i := 0; i < n; i++ {
		lv, rv := l.IsValid(i), r.IsValid(i)
		switch {
		case lv && a[i] == decider, rv && b[i] == decider:
			res[i], valid[i] = decider, true
		case lv && rv:
			res[i], valid[i] = !decider, true
		}
	}
	return newBoolArray(res, valid)
}

func not(arr arrow.Array) arrow.Array {
	a := boolValues(arr)
	res := make([]bool, len(a))
	for i, v := range a {
		res[i] = !v
	}
	return newBoolArray(res, validity(arr))
}

func isNull(arr arrow.Array, want bool) arrow.Array {
	res := make([]bool, arr.Len())
	for i := range res {
		res[i] = arr.IsNull(i) == want
	}
	return newBoolArray(res, nil)
}

// Mask turns a predicate column into a selection mask; null counts as false.
func Mask(pred arrow.Array) []bool {
	mask := make([]bool, pred.Len())
	if pred.DataType().ID() == arrow.NULL {
		return mask
	}
	vals := boolValues(pred)
	for i := range mask {
		mask[i] = vals[i] && pred.IsValid(i)
	}
	return mask
}

// CountTrue counts the selected rows of a mask.
func CountTrue(mask []bool) int {
	n := 0
	for _, m := range mask {
		if m {
			n++
		}
	}
	return n
}
