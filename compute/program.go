package compute

import (
	"github.com/apache/arrow-go/v18/arrow"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/planner"
)

type opcode uint8

const (
	opColumn opcode = iota
	opLiteral
	opBinary
	opUnary
	opCast
	opFunction
	opTernary
)

// step computes one register from the input columns or from earlier registers.
type step struct {
	op   opcode
	out  common.DataType
	args []int

	col     int
	lit     common.Value
	oper    planner.Operator
	operand common.DataType
	from    common.DataType
	strict  bool
	name    string
	param   int64
	types   []common.DataType

	// branches holds the then and otherwise arms of a ternary.
	branches [2]*Program
}

// Program is a compiled list of expressions. Every shared subexpression occupies a single
// register and is computed once per batch. A Program is immutable and safe for concurrent use.
type Program struct {
	steps   []step
	outputs []int
	fields  []common.Field
	input   int
}

// Fields describes the columns Eval returns.
func (p *Program) Fields() []common.Field {
	return p.fields
}

// Len is the number of expressions the program computes.
func (p *Program) Len() int {
	return len(p.outputs)
}

// Eval computes every expression over a batch of rows given as input columns, in the order of
// the schema the program was compiled against.
func (p *Program) Eval(cols []arrow.Array, rows int) ([]arrow.Array, error) {
	if len(cols) != p.input {
		return nil, common.NewInternalError("program expects %d input columns, got %d", p.input, len(cols))
	}
	return p.eval(cols, rows, nil)
}

// eval runs the program over the rows guard selects; every other row of every input reads as
// null, so no kernel can fail on it. A nil guard selects all rows.
func (p *Program) eval(cols []arrow.Array, rows int, guard []bool) ([]arrow.Array, error) {
	regs := make([]arrow.Array, len(p.steps))
	for i := range p.steps {
		arr, err := p.exec(&p.steps[i], regs, cols, rows, guard)
		if err != nil {
			return nil, err
		}
		regs[i] = arr
	}
	out := make([]arrow.Array, len(p.outputs))
	for i, r := range p.outputs {
		out[i] = regs[r]
	}
	return out, nil
}

// EvalMask evaluates a single predicate program into a selection mask. Null counts as false.
func (p *Program) EvalMask(cols []arrow.Array, rows int) ([]bool, error) {
	common.Assert(len(p.outputs) == 1, "EvalMask on a program with %d outputs", len(p.outputs))
	out, err := p.Eval(cols, rows)
	if err != nil {
		return nil, err
	}
	return Mask(out[0]), nil
}

func (p *Program) exec(s *step, regs, cols []arrow.Array, rows int, guard []bool) (arrow.Array, error) {
	arg := func(i int) arrow.Array { return regs[s.args[i]] }
	switch s.op {
	case opColumn:
		return guarded(s.out, cols[s.col], guard), nil
	case opLiteral:
		return guarded(s.out, common.ConstantArray(s.out, s.lit, rows), guard), nil
	case opBinary:
		l, r := arg(0), arg(1)
		switch {
		case s.oper.IsLogical():
			return kleene(s.oper, l, r), nil
		case s.oper.IsComparison():
			return compare(s.oper, s.operand, l, r)
		}
		return arithmetic(s.oper, s.operand, s.out, l, r)
	case opUnary:
		c := arg(0)
		switch s.oper {
		case planner.OpNot:
			return not(c), nil
		case planner.OpNeg:
			return negate(s.out, c)
		case planner.OpIsNull:
			return isNull(c, true), nil
		case planner.OpIsNotNull:
			return isNull(c, false), nil
		}
	case opCast:
		return Cast(arg(0), s.from, s.out, s.strict)
	case opFunction:
		args := make([]arrow.Array, len(s.args))
		for i := range args {
			args[i] = arg(i)
		}
		return callFunction(s.name, s.param, s.out, s.types, args, rows)
	case opTernary:
		return p.ternary(s, arg(0), cols, rows, guard)
	}
	return nil, common.NewInternalError("bad program step %d", s.op)
}

// ternary evaluates each arm only over the rows that take it and merges the results.
func (p *Program) ternary(s *step, cond arrow.Array, cols []arrow.Array, rows int, guard []bool) (arrow.Array, error) {
	mask := Mask(cond)
	var arms [2]arrow.Array
	for i, b := range s.branches {
		sel := make([]bool, rows)
		for r := range sel {
			sel[r] = mask[r] == (i == 0) && (guard == nil || guard[r])
		}
		switch CountTrue(sel) {
		case 0:
			arms[i] = nullArray(s.out, rows)
			continue
		case rows:
			sel = nil
		}
		out, err := b.eval(cols, rows, sel)
		if err != nil {
			return nil, err
		}
		arms[i] = out[0]
	}
	return Choose(s.out, mask, arms[0], arms[1]), nil
}

// guarded nulls the rows of arr that guard does not select.
func guarded(t common.DataType, arr arrow.Array, guard []bool) arrow.Array {
	if guard == nil {
		return arr
	}
	return Choose(t, guard, arr, nullArray(t, arr.Len()))
}
