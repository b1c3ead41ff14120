package compute

import (
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/planner"
)

// Compiler turns expression trees into Programs. Compiled programs are cached by the input
// schema and the structural fingerprints of the expressions, so operators of different queries
// that evaluate the same expressions share one Program.
type Compiler struct {
	cache *lru.Cache[string, *Program]
}

// NewCompiler returns a compiler caching up to size programs. size <= 0 disables the cache.
func NewCompiler(size int) *Compiler {
	c := &Compiler{}
	if size > 0 {
		cache, err := lru.New[string, *Program](size)
		common.Assert(err == nil, "program cache: %v", err)
		c.cache = cache
	}
	return c
}

// Compile builds a Program computing exprs over rows of the input schema.
func (c *Compiler) Compile(a *planner.Arena, input *common.Schema, exprs []planner.ExprID) (*Program, error) {
	var key string
	if c != nil && c.cache != nil {
		var b strings.Builder
		b.WriteString(input.String())
		for _, id := range exprs {
			b.WriteByte('|')
			b.WriteString(strconv.FormatUint(a.Node(id).Fingerprint(), 36))
		}
		key = b.String()
		if p, ok := c.cache.Get(key); ok {
			return p, nil
		}
	}

	pc := &programCompiler{
		arena:  a,
		input:  input,
		regs:   make(map[planner.ExprID]int),
		coerce: make(map[castKey]int),
		prog:   &Program{input: input.Len()},
	}
	for _, id := range exprs {
		r, err := pc.compile(id)
		if err != nil {
			return nil, err
		}
		pc.prog.outputs = append(pc.prog.outputs, r)
		pc.prog.fields = append(pc.prog.fields, a.Field(id))
	}
	if key != "" {
		c.cache.Add(key, pc.prog)
	}
	return pc.prog, nil
}

// CompileOne compiles a single expression.
func (c *Compiler) CompileOne(a *planner.Arena, input *common.Schema, id planner.ExprID) (*Program, error) {
	return c.Compile(a, input, []planner.ExprID{id})
}

type castKey struct {
	reg int
	to  string
}

type programCompiler struct {
	arena  *planner.Arena
	input  *common.Schema
	regs   map[planner.ExprID]int
	coerce map[castKey]int
	prog   *Program
}

func (pc *programCompiler) emit(s step) int {
	pc.prog.steps = append(pc.prog.steps, s)
	return len(pc.prog.steps) - 1
}

func (pc *programCompiler) typeOf(reg int) common.DataType {
	return pc.prog.steps[reg].out
}

// as returns a register holding reg converted to t. Literals are converted while compiling.
func (pc *programCompiler) as(reg int, t common.DataType) int {
	from := pc.typeOf(reg)
	if from.Equal(t) {
		return reg
	}
	k := castKey{reg, t.String()}
	if r, ok := pc.coerce[k]; ok {
		return r
	}
	var r int
	if s := pc.prog.steps[reg]; s.op == opLiteral {
		v, ok := CastValue(s.lit, t)
		if !ok {
			v = common.NewNull(t)
		}
		r = pc.emit(step{op: opLiteral, out: t, lit: v})
	} else {
		r = pc.emit(step{op: opCast, out: t, from: from, args: []int{reg}})
	}
	pc.coerce[k] = r
	return r
}

func (pc *programCompiler) compile(id planner.ExprID) (int, error) {
	if r, ok := pc.regs[id]; ok {
		return r, nil
	}
	n := pc.arena.Node(id)
	children := make([]int, len(n.Children))
	if n.Kind != planner.Aggregate && n.Kind != planner.WindowFn {
		for i, c := range n.Children {
			// Ternary branches are compiled on their own below.
			if n.Kind == planner.Ternary && i > 0 {
				break
			}
			r, err := pc.compile(c)
			if err != nil {
				return 0, err
			}
			children[i] = r
		}
	}

	var r int
	switch n.Kind {
	case planner.ColumnRef:
		i, ok := pc.input.Index(n.Name)
		if !ok {
			return 0, common.NewInternalError("column %q is not in the input %s", n.Name, pc.input)
		}
		r = pc.emit(step{op: opColumn, out: pc.input.Field(i).Type, col: i})
		if !pc.typeOf(r).Equal(n.Type) {
			r = pc.as(r, n.Type)
		}
	case planner.Literal:
		r = pc.emit(step{op: opLiteral, out: n.Type, lit: n.Value})
	case planner.Alias:
		r = children[0]
	case planner.BinaryOp:
		lt, rt := pc.arena.BinaryOperandTypes(id)
		l, rr := pc.as(children[0], lt), pc.as(children[1], rt)
		r = pc.emit(step{op: opBinary, out: n.Type, oper: n.Op, operand: lt, args: []int{l, rr}})
	case planner.UnaryOp:
		c := children[0]
		if n.Op == planner.OpNot {
			c = pc.as(c, common.BoolType)
		}
		r = pc.emit(step{op: opUnary, out: n.Type, oper: n.Op, args: []int{c}})
	case planner.Cast:
		c := children[0]
		r = pc.emit(step{op: opCast, out: n.Target, from: pc.typeOf(c), strict: n.Strict, args: []int{c}})
	case planner.Ternary:
		t := pc.arena.TernaryType(id)
		var branches [2]*Program
		for i := range branches {
			b, err := pc.branch(n.Children[i+1], t)
			if err != nil {
				return 0, err
			}
			branches[i] = b
		}
		r = pc.emit(step{op: opTernary, out: t, args: []int{pc.as(children[0], common.BoolType)}, branches: branches})
	case planner.FunctionCall:
		types := planner.FunctionArgTypes(pc.arena, id)
		args := make([]int, len(children))
		if types == nil {
			types = make([]common.DataType, len(children))
			for i, c := range children {
				types[i] = pc.typeOf(c)
			}
		}
		for i, c := range children {
			args[i] = pc.as(c, types[i])
		}
		r = pc.emit(step{op: opFunction, out: n.Type, name: n.Name, param: n.Param, types: types, args: args})
	default:
		return 0, common.NewInternalError("%s expression %s cannot be evaluated row by row", n.Kind, pc.arena.String(id))
	}
	pc.regs[id] = r
	return r, nil
}

// branch compiles one arm of a ternary into its own program producing type t, so that it can be
// evaluated over the rows its condition selects only.
func (pc *programCompiler) branch(id planner.ExprID, t common.DataType) (*Program, error) {
	sub := &programCompiler{
		arena:  pc.arena,
		input:  pc.input,
		regs:   make(map[planner.ExprID]int),
		coerce: make(map[castKey]int),
		prog:   &Program{input: pc.input.Len()},
	}
	r, err := sub.compile(id)
	if err != nil {
		return nil, err
	}
	sub.prog.outputs = []int{sub.as(r, t)}
	sub.prog.fields = []common.Field{common.NewField(pc.arena.OutputName(id), t, true)}
	return sub.prog, nil
}
