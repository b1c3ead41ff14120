package planner

import (
	"fmt"
	"sort"

	"mit.edu/dsg/morseldb/common"
)

type funcSpec struct {
	minArgs, maxArgs int
	infer            func(args []ExprNode, param int64) (common.DataType, bool, error)
	// argTypes returns the types the arguments are coerced to before evaluation. Nil leaves
	// arguments untouched.
	argTypes func(args []ExprNode) []common.DataType
}

func (s funcSpec) arity() string {
	switch {
	case s.maxArgs < 0:
		return fmt.Sprintf("at least %d", s.minArgs)
	case s.minArgs == s.maxArgs:
		return fmt.Sprint(s.minArgs)
	}
	return fmt.Sprintf("%d to %d", s.minArgs, s.maxArgs)
}

var functions = map[string]funcSpec{
	"abs": {1, 1, numericSameType("abs", true), nil},
	"round": {1, 1, func(args []ExprNode, digits int64) (common.DataType, bool, error) {
		if digits < 0 {
			return common.DataType{}, false, schemaErr(args[0].Name, "round digits must not be negative")
		}
		return numericSameType("round", false)(args, digits)
	}, nil},
	"floor": {1, 1, numericSameType("floor", false), nil},
	"ceil":  {1, 1, numericSameType("ceil", false), nil},
	"sqrt": {1, 1, func(args []ExprNode, _ int64) (common.DataType, bool, error) {
		if !args[0].Type.IsNumeric() {
			return common.DataType{}, false, schemaErr(args[0].Name, "sqrt is not defined for %s", args[0].Type)
		}
		return common.Float64Type, args[0].Nullable, nil
	}, nil},
	"coalesce": {1, -1, func(args []ExprNode, _ int64) (common.DataType, bool, error) {
		t, err := foldSupertype("coalesce", args)
		nullable := true
		for _, a := range args {
			nullable = nullable && a.Nullable
		}
		return t, nullable, err
	}, func(args []ExprNode) []common.DataType {
		t, _ := foldSupertype("coalesce", args)
		return repeatType(t, len(args))
	}},
	"upper":       {1, 1, stringFunc("upper", common.StringType), stringArgs},
	"lower":       {1, 1, stringFunc("lower", common.StringType), stringArgs},
	"str_len":     {1, 1, stringFunc("str_len", common.Int64Type), stringArgs},
	"contains":    {2, 2, stringFunc("contains", common.BoolType), stringArgs},
	"starts_with": {2, 2, stringFunc("starts_with", common.BoolType), stringArgs},
	"ends_with":   {2, 2, stringFunc("ends_with", common.BoolType), stringArgs},
	"concat_str": {1, -1, func(args []ExprNode, _ int64) (common.DataType, bool, error) {
		nullable := false
		for _, a := range args {
			if !CanCast(a.Type, common.StringType) {
				return common.DataType{}, false, schemaErr(a.Name, "concat_str cannot format %s", a.Type)
			}
			nullable = nullable || a.Nullable
		}
		return common.StringType, nullable, nil
	}, stringArgs},
	"year":  {1, 1, datePart("year"), nil},
	"month": {1, 1, datePart("month"), nil},
	"day":   {1, 1, datePart("day"), nil},
	"hash": {1, -1, func(args []ExprNode, _ int64) (common.DataType, bool, error) {
		return common.UInt64Type, false, nil
	}, nil},
}

// FunctionNames lists the scalar functions the evaluator implements.
func FunctionNames() []string {
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FunctionArgTypes returns the coerced argument types of a function call node, or nil when the
// arguments are evaluated as they are.
func FunctionArgTypes(a *Arena, id ExprID) []common.DataType {
	n := a.Node(id)
	spec, ok := functions[n.Name]
	if !ok || spec.argTypes == nil {
		return nil
	}
	args := make([]ExprNode, len(n.Children))
	for i, c := range n.Children {
		args[i] = a.Node(c)
	}
	return spec.argTypes(args)
}

func numericSameType(name string, allowDuration bool) func([]ExprNode, int64) (common.DataType, bool, error) {
	return func(args []ExprNode, _ int64) (common.DataType, bool, error) {
		t := args[0].Type
		if t.IsNumeric() || (allowDuration && t.ID == common.Duration) {
			return t, args[0].Nullable, nil
		}
		return common.DataType{}, false, schemaErr(args[0].Name, "%s is not defined for %s", name, t)
	}
}

func stringFunc(name string, out common.DataType) func([]ExprNode, int64) (common.DataType, bool, error) {
	return func(args []ExprNode, _ int64) (common.DataType, bool, error) {
		nullable := false
		for _, a := range args {
			if !a.Type.IsStringLike() && !a.Type.IsNull() {
				return common.DataType{}, false, schemaErr(a.Name, "%s is not defined for %s", name, a.Type)
			}
			nullable = nullable || a.Nullable
		}
		return out, nullable, nil
	}
}

func stringArgs(args []ExprNode) []common.DataType {
	return repeatType(common.StringType, len(args))
}

func datePart(name string) func([]ExprNode, int64) (common.DataType, bool, error) {
	return func(args []ExprNode, _ int64) (common.DataType, bool, error) {
		if !isDateLike(args[0].Type) {
			return common.DataType{}, false, schemaErr(args[0].Name, "%s is not defined for %s", name, args[0].Type)
		}
		return common.Int32Type, args[0].Nullable, nil
	}
}

func foldSupertype(name string, args []ExprNode) (common.DataType, error) {
	acc := args[0]
	for _, a := range args[1:] {
		t, ok := operandSupertype(acc, a)
		if !ok {
			return common.DataType{}, schemaErr(a.Name, "%s arguments have no common type: %s and %s", name, acc.Type, a.Type)
		}
		acc = ExprNode{Kind: ColumnRef, Type: t}
	}
	return acc.Type, nil
}

func repeatType(t common.DataType, n int) []common.DataType {
	out := make([]common.DataType, n)
	for i := range out {
		out[i] = t
	}
	return out
}
