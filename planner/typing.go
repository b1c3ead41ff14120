package planner

import (
	"math"

	"mit.edu/dsg/morseldb/common"
)

func schemaErr(column, format string, args ...any) error {
	return common.NewSchemaError(0, "", column, format, args...)
}

// inferType computes the output type and nullability of n from its already interned children.
func inferType(nodes []ExprNode, n ExprNode) (common.DataType, bool, error) {
	child := func(i int) ExprNode { return nodes[n.Children[i]] }
	for _, c := range n.Children {
		if c < 0 || int(c) >= len(nodes) {
			return common.DataType{}, false, common.NewInternalError("dangling expression child %d", c)
		}
	}

	switch n.Kind {
	case ColumnRef:
		return n.Type, n.Nullable, nil
	case Literal:
		return n.Value.Type(), n.Value.IsNull(), nil
	case Alias:
		c := child(0)
		return c.Type, c.Nullable, nil
	case BinaryOp:
		if len(n.Children) != 2 {
			return common.DataType{}, false, common.NewInternalError("binary %s with %d operands", n.Op, len(n.Children))
		}
		_, _, out, err := binaryTypes(n.Op, child(0), child(1))
		return out, child(0).Nullable || child(1).Nullable || out.IsNull(), err
	case UnaryOp:
		return unaryType(n.Op, child(0))
	case Cast:
		c := child(0)
		if !CanCast(c.Type, n.Target) {
			return common.DataType{}, false, schemaErr(outputName(nodes, n.Children[0]), "cannot cast %s to %s", c.Type, n.Target)
		}
		return n.Target, c.Nullable || (!n.Strict && !castIsLossless(c.Type, n.Target)), nil
	case Ternary:
		cond, then, els := child(0), child(1), child(2)
		if cond.Type.ID != common.Boolean && !cond.Type.IsNull() {
			return common.DataType{}, false, schemaErr(outputName(nodes, n.Children[0]), "when condition must be bool, got %s", cond.Type)
		}
		t, ok := operandSupertype(then, els)
		if !ok {
			return common.DataType{}, false, schemaErr("", "then/otherwise branches have no common type: %s and %s", then.Type, els.Type)
		}
		return t, then.Nullable || els.Nullable, nil
	case FunctionCall:
		spec, ok := functions[n.Name]
		if !ok {
			return common.DataType{}, false, schemaErr("", "unknown function %q", n.Name)
		}
		args := make([]ExprNode, len(n.Children))
		for i := range args {
			args[i] = child(i)
		}
		if len(args) < spec.minArgs || (spec.maxArgs >= 0 && len(args) > spec.maxArgs) {
			return common.DataType{}, false, schemaErr("", "%s takes %s arguments, got %d", n.Name, spec.arity(), len(args))
		}
		return spec.infer(args, n.Param)
	case Aggregate:
		if len(n.Children) == 0 {
			if n.Agg != AggLen {
				return common.DataType{}, false, schemaErr("", "%s needs an input expression", n.Agg)
			}
			return common.Int64Type, false, nil
		}
		c := child(0)
		if c.hasAgg || c.hasWindow {
			return common.DataType{}, false, schemaErr(outputName(nodes, n.Children[0]), "aggregate %s cannot be nested", n.Agg)
		}
		return aggregateType(n.Agg, c)
	case WindowFn:
		return windowType(nodes, n)
	}
	return common.DataType{}, false, common.NewInternalError("unknown expression kind %d", n.Kind)
}

// binaryTypes returns the types the two operands are coerced to and the result type.
func binaryTypes(op Operator, l, r ExprNode) (common.DataType, common.DataType, common.DataType, error) {
	lt, rt := l.Type, r.Type
	fail := func(format string, args ...any) (common.DataType, common.DataType, common.DataType, error) {
		return common.DataType{}, common.DataType{}, common.DataType{}, schemaErr("", format, args...)
	}

	switch {
	case op.IsLogical():
		if (lt.ID != common.Boolean && !lt.IsNull()) || (rt.ID != common.Boolean && !rt.IsNull()) {
			return fail("%s needs bool operands, got %s and %s", op, lt, rt)
		}
		return common.BoolType, common.BoolType, common.BoolType, nil
	case op.IsComparison():
		super, ok := operandSupertype(l, r)
		if !ok {
			return fail("cannot compare %s with %s", lt, rt)
		}
		if op != OpEq && op != OpNotEq && !super.IsOrderable() {
			return fail("%s is not defined for %s", op, super)
		}
		return super, super, common.BoolType, nil
	case !op.IsArithmetic():
		return fail("%s is not a binary operator", op)
	}

	// Temporal arithmetic.
	switch {
	case isDateLike(lt) && isDateLike(rt) && op == OpSub:
		super, ok := common.Supertype(dateAsDatetime(lt), dateAsDatetime(rt))
		if !ok {
			return fail("cannot subtract %s from %s", rt, lt)
		}
		return super, super, common.DurationType(super.Unit), nil
	case isDateLike(lt) && rt.ID == common.Duration && (op == OpAdd || op == OpSub):
		dt := dateAsDatetime(lt)
		return dt, common.DurationType(dt.Unit), dt, nil
	case lt.ID == common.Duration && isDateLike(rt) && op == OpAdd:
		dt := dateAsDatetime(rt)
		return common.DurationType(dt.Unit), dt, dt, nil
	case lt.ID == common.Duration && rt.ID == common.Duration && (op == OpAdd || op == OpSub):
		super, _ := common.Supertype(lt, rt)
		return super, super, super, nil
	case lt.IsStringLike() && rt.IsStringLike() && op == OpAdd:
		return common.StringType, common.StringType, common.StringType, nil
	}

	if lt.IsNull() && rt.IsNull() {
		return lt, rt, common.NullDataType, nil
	}
	if !(lt.IsNumeric() || lt.IsNull()) || !(rt.IsNumeric() || rt.IsNull()) {
		return fail("%s is not defined for %s and %s", op, lt, rt)
	}
	super, ok := operandSupertype(l, r)
	if !ok {
		return fail("%s is not defined for %s and %s", op, lt, rt)
	}
	out := super
	if op == OpDiv && (super.IsInteger() || super.ID == common.Decimal) {
		out = common.Float64Type
	}
	return super, super, out, nil
}

func isDateLike(t common.DataType) bool {
	return t.ID == common.Date || t.ID == common.Datetime
}

// dateAsDatetime widens a date to a millisecond datetime.
func dateAsDatetime(t common.DataType) common.DataType {
	if t.ID == common.Date {
		return common.DatetimeType(common.Milliseconds, "")
	}
	return t
}

// operandSupertype is common.Supertype extended for literals: a non-null numeric literal adopts
// the type of the other operand when its value is representable there, so that comparing an i32
// column with 5 does not widen the column.
func operandSupertype(l, r ExprNode) (common.DataType, bool) {
	if literalFits(l, r.Type) {
		return r.Type, true
	}
	if literalFits(r, l.Type) {
		return l.Type, true
	}
	return common.Supertype(l.Type, r.Type)
}

func literalFits(n ExprNode, target common.DataType) bool {
	if n.Kind != Literal || n.Value.IsNull() || n.Value.Type().Equal(target) {
		return false
	}
	v := n.Value
	switch {
	case v.Type().IsInteger() && target.IsInteger():
		return integerFits(v, target)
	case v.Type().IsInteger() && target.IsFloat():
		return true
	case v.Type().IsFloat() && target.IsFloat():
		return true
	case v.Type().IsInteger() && target.ID == common.Decimal:
		return true
	case v.Type().IsStringLike() && target.IsStringLike():
		return true
	}
	return false
}

func integerFits(v common.Value, target common.DataType) bool {
	var lo, hi float64
	switch target.ID {
	case common.Int8:
		lo, hi = math.MinInt8, math.MaxInt8
	case common.Int16:
		lo, hi = math.MinInt16, math.MaxInt16
	case common.Int32:
		lo, hi = math.MinInt32, math.MaxInt32
	case common.Int64:
		if v.Type().IsUnsigned() {
			return v.Uint64() <= math.MaxInt64
		}
		return true
	case common.UInt8:
		lo, hi = 0, math.MaxUint8
	case common.UInt16:
		lo, hi = 0, math.MaxUint16
	case common.UInt32:
		lo, hi = 0, math.MaxUint32
	case common.UInt64:
		if v.Type().IsSigned() {
			return v.Int64() >= 0
		}
		return true
	default:
		return false
	}
	f := v.AsFloat64()
	return f >= lo && f <= hi
}

func unaryType(op Operator, c ExprNode) (common.DataType, bool, error) {
	switch op {
	case OpNot:
		if c.Type.ID != common.Boolean && !c.Type.IsNull() {
			return common.DataType{}, false, schemaErr("", "! needs a bool operand, got %s", c.Type)
		}
		return common.BoolType, c.Nullable, nil
	case OpNeg:
		if !(c.Type.IsSigned() || c.Type.IsFloat() || c.Type.ID == common.Decimal || c.Type.ID == common.Duration) {
			return common.DataType{}, false, schemaErr("", "cannot negate %s", c.Type)
		}
		return c.Type, c.Nullable, nil
	case OpIsNull, OpIsNotNull:
		return common.BoolType, false, nil
	}
	return common.DataType{}, false, schemaErr("", "%s is not a unary operator", op)
}

// CanCast reports whether the cast matrix allows converting from into to.
func CanCast(from, to common.DataType) bool {
	if from.Equal(to) || from.IsNull() {
		return true
	}
	if from.ID == common.Categorical {
		from = common.StringType
		if to.ID == common.String || to.ID == common.Categorical {
			return true
		}
	}
	switch {
	case to.ID == common.String:
		return !from.IsNested()
	case from.ID == common.String:
		switch {
		case to.IsNumeric(), to.ID == common.Boolean, to.ID == common.Date, to.ID == common.Datetime,
			to.ID == common.Categorical, to.ID == common.Binary:
			return true
		}
		return false
	case from.ID == common.Binary:
		return to.ID == common.String
	case (from.IsNumeric() || from.ID == common.Boolean) && (to.IsNumeric() || to.ID == common.Boolean):
		return true
	case from.IsTemporal() && to.IsInteger(), from.IsInteger() && to.IsTemporal():
		return true
	case isDateLike(from) && isDateLike(to):
		return true
	case from.ID == common.Duration && to.ID == common.Duration:
		return true
	case from.ID == common.List && to.ID == common.List:
		return CanCast(*from.Inner, *to.Inner)
	}
	return false
}

// IsLosslessCast reports whether every value of from has an exact image in to, so a non-strict
// cast cannot introduce nulls.
func IsLosslessCast(from, to common.DataType) bool {
	return castIsLossless(from, to)
}

func castIsLossless(from, to common.DataType) bool {
	switch {
	case from.Equal(to), from.IsNull(), to.ID == common.String:
		return true
	case from.IsStringLike() && to.IsStringLike():
		return true
	case from.IsSigned() && to.IsSigned(), from.IsUnsigned() && to.IsUnsigned():
		return to.BitWidth() >= from.BitWidth()
	case from.IsUnsigned() && to.IsSigned():
		return to.BitWidth() > from.BitWidth()
	case from.ID == common.Boolean && (to.IsNumeric()):
		return true
	case from.IsInteger() && to.ID == common.Float64:
		return from.BitWidth() <= 32
	case from.ID == common.Float32 && to.ID == common.Float64:
		return true
	case from.ID == common.Date && to.ID == common.Datetime:
		return true
	}
	return false
}

func aggregateType(f AggFunc, c ExprNode) (common.DataType, bool, error) {
	t := c.Type
	name := c.Name
	switch f {
	case AggCount, AggLen, AggNUnique:
		return common.Int64Type, false, nil
	case AggSum:
		switch {
		case t.IsSigned(), t.ID == common.Boolean, t.IsNull():
			return common.Int64Type, false, nil
		case t.IsUnsigned():
			return common.UInt64Type, false, nil
		case t.IsFloat():
			return t, false, nil
		case t.ID == common.Decimal:
			return common.DecimalType(38, t.Scale), false, nil
		case t.ID == common.Duration:
			return t, false, nil
		}
	case AggMin, AggMax:
		if t.IsOrderable() {
			return t, true, nil
		}
	case AggMean, AggVariance, AggStd:
		if t.IsNumeric() || t.ID == common.Boolean || t.IsNull() {
			return common.Float64Type, true, nil
		}
	case AggFirst, AggLast:
		return t, true, nil
	}
	return common.DataType{}, false, schemaErr(name, "%s is not defined for %s", f, t)
}

func windowType(nodes []ExprNode, n ExprNode) (common.DataType, bool, error) {
	for _, p := range n.PartitionBy {
		if nodes[p].hasAgg || nodes[p].hasWindow {
			return common.DataType{}, false, schemaErr("", "window partition cannot contain aggregates or windows")
		}
	}
	for _, k := range n.OrderBy {
		o := nodes[k.Expr]
		if o.hasAgg || o.hasWindow {
			return common.DataType{}, false, schemaErr("", "window order cannot contain aggregates or windows")
		}
		if !o.Type.IsOrderable() {
			return common.DataType{}, false, schemaErr(o.Name, "cannot order a window by %s", o.Type)
		}
	}
	var arg *ExprNode
	if len(n.Children) > 0 {
		c := nodes[n.Children[0]]
		if c.hasAgg || c.hasWindow {
			return common.DataType{}, false, schemaErr(c.Name, "window %s cannot contain aggregates or windows", n.Win)
		}
		arg = &c
	}
	need := func() error {
		if arg == nil {
			return schemaErr("", "window %s needs an input expression", n.Win)
		}
		return nil
	}

	switch n.Win {
	case WinAgg:
		if arg == nil {
			if n.Agg == AggLen {
				return common.Int64Type, false, nil
			}
			return common.DataType{}, false, need()
		}
		return aggregateType(n.Agg, *arg)
	case WinRowNumber:
		return common.Int64Type, false, nil
	case WinRank, WinDenseRank:
		if len(n.OrderBy) == 0 {
			return common.DataType{}, false, schemaErr("", "%s needs an order", n.Win)
		}
		return common.Int64Type, false, nil
	case WinCumCount:
		return common.Int64Type, false, nil
	case WinCumSum:
		if err := need(); err != nil {
			return common.DataType{}, false, err
		}
		t, _, err := aggregateType(AggSum, *arg)
		return t, arg.Nullable, err
	case WinLag, WinLead:
		if err := need(); err != nil {
			return common.DataType{}, false, err
		}
		if n.Param < 0 {
			return common.DataType{}, false, schemaErr(arg.Name, "%s offset must not be negative", n.Win)
		}
		return arg.Type, true, nil
	}
	return common.DataType{}, false, common.NewInternalError("unknown window function %d", n.Win)
}
