package formula

import (
	"math"
	"strings"
	"time"
)

// Evaluator computes a value for one row. Rows map column names to
// canonical values: nil, float64, string, bool or time.Time.
type Evaluator func(row map[string]any) (any, error)

type compiler struct {
	formula string
	ctx     *Context
	columns []string
}

func (c *compiler) fail(offset int, err error, format string, args ...any) {
	panic(formulaErrf(c.formula, offset, err, format, args...))
}

func (c *compiler) addColumn(name string) {
	for _, n := range c.columns {
		if n == name {
			return
		}
	}
	c.columns = append(c.columns, name)
}

func (c *compiler) or(e *orExpr) Evaluator {
	left := c.and(e.Left)
	if len(e.Right) == 0 {
		return left
	}
	rest := make([]Evaluator, len(e.Right))
	for i, r := range e.Right {
		rest[i] = c.and(r)
	}
	return func(row map[string]any) (any, error) {
		v, err := left(row)
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			return true, nil
		}
		for _, ev := range rest {
			v, err := ev(row)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return true, nil
			}
		}
		return false, nil
	}
}

func (c *compiler) and(e *andExpr) Evaluator {
	left := c.not(e.Left)
	if len(e.Right) == 0 {
		return left
	}
	rest := make([]Evaluator, len(e.Right))
	for i, r := range e.Right {
		rest[i] = c.not(r)
	}
	return func(row map[string]any) (any, error) {
		v, err := left(row)
		if err != nil {
			return nil, err
		}
		if !truthy(v) {
			return false, nil
		}
		for _, ev := range rest {
			v, err := ev(row)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				return false, nil
			}
		}
		return true, nil
	}
}

func (c *compiler) not(e *notExpr) Evaluator {
	inner := c.cmp(e.Cmp)
	if !e.Not {
		return inner
	}
	return func(row map[string]any) (any, error) {
		v, err := inner(row)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
}

func (c *compiler) cmp(e *cmpExpr) Evaluator {
	left := c.add(e.Left)
	if e.Op == "" {
		return left
	}
	right := c.add(e.Right)
	op := e.Op
	return func(row map[string]any) (any, error) {
		a, err := left(row)
		if err != nil {
			return nil, err
		}
		b, err := right(row)
		if err != nil {
			return nil, err
		}
		switch op {
		case "==":
			return equal(a, b), nil
		case "!=":
			return !equal(a, b), nil
		}
		if a == nil || b == nil {
			return nil, nil
		}
		r, ok := compare(a, b)
		if !ok {
			return nil, evalErrf(ErrTypeMismatch, "cannot compare %T %s %T", a, op, b)
		}
		switch op {
		case "<":
			return r < 0, nil
		case "<=":
			return r <= 0, nil
		case ">":
			return r > 0, nil
		default:
			return r >= 0, nil
		}
	}
}

func (c *compiler) add(e *addExpr) Evaluator {
	ev := c.mul(e.Left)
	for _, op := range e.Rest {
		ev = arith(op.Op, ev, c.mul(op.Right))
	}
	return ev
}

func (c *compiler) mul(e *mulExpr) Evaluator {
	ev := c.unary(e.Left)
	for _, op := range e.Rest {
		ev = arith(op.Op, ev, c.unary(op.Right))
	}
	return ev
}

func (c *compiler) unary(e *unaryExpr) Evaluator {
	inner := c.pow(e.Pow)
	if !e.Neg {
		return inner
	}
	return func(row map[string]any) (any, error) {
		v, err := inner(row)
		if err != nil || v == nil {
			return nil, err
		}
		f, ok := v.(float64)
		if !ok {
			return nil, evalErrf(ErrTypeMismatch, "cannot negate %T", v)
		}
		return -f, nil
	}
}

func (c *compiler) pow(e *powExpr) Evaluator {
	base := c.primary(e.Base)
	if e.Exp == nil {
		return base
	}
	return arith("^", base, c.unary(e.Exp))
}

func (c *compiler) primary(e *primary) Evaluator {
	switch {
	case e.Number != nil:
		return constant(*e.Number)
	case e.String != nil:
		return constant(*e.String)
	case e.True:
		return constant(true)
	case e.False:
		return constant(false)
	case e.Null:
		return constant(nil)
	case e.Call != nil:
		return c.call(e.Call)
	case e.Column != nil:
		name := *e.Column
		c.addColumn(name)
		ctx := c.ctx
		return func(row map[string]any) (any, error) {
			col, ok := ctx.Resolve(name, row)
			if !ok {
				return nil, evalErrf(ErrUnknownColumn, "column %q", name)
			}
			return row[col], nil
		}
	case e.Sub != nil:
		return c.or(e.Sub)
	default:
		c.fail(e.Pos.Offset, nil, "empty expression")
		return nil
	}
}

func (c *compiler) call(e *call) Evaluator {
	name := strings.ToLower(e.Name)
	if _, ok := aggregations[name]; ok {
		c.fail(e.Pos.Offset, nil, "aggregation %s() must be the outermost expression", name)
	}
	fn, ok := functions[name]
	if !ok {
		c.fail(e.Pos.Offset, nil, "unknown function %s()", e.Name)
	}
	if len(e.Args) < fn.minArgs || len(e.Args) > fn.maxArgs {
		c.fail(e.Pos.Offset, nil, "%s() takes %d to %d arguments, got %d", name, fn.minArgs, fn.maxArgs, len(e.Args))
	}
	args := make([]Evaluator, len(e.Args))
	for i, a := range e.Args {
		args[i] = c.or(a)
	}
	return func(row map[string]any) (any, error) {
		vals := make([]any, len(args))
		for i, a := range args {
			v, err := a(row)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		return fn.apply(vals)
	}
}

// soleCall returns the call if the whole expression is a single function call.
func (e *orExpr) soleCall() *call {
	if len(e.Right) > 0 || len(e.Left.Right) > 0 {
		return nil
	}
	n := e.Left.Left
	if n.Not || n.Cmp.Op != "" {
		return nil
	}
	a := n.Cmp.Left
	if len(a.Rest) > 0 || len(a.Left.Rest) > 0 {
		return nil
	}
	u := a.Left.Left
	if u.Neg || u.Pow.Exp != nil {
		return nil
	}
	return u.Pow.Base.Call
}

func constant(v any) Evaluator {
	return func(map[string]any) (any, error) { return v, nil }
}

func arith(op string, left, right Evaluator) Evaluator {
	return func(row map[string]any) (any, error) {
		a, err := left(row)
		if err != nil {
			return nil, err
		}
		b, err := right(row)
		if err != nil {
			return nil, err
		}
		if a == nil || b == nil {
			return nil, nil
		}
		if op == "+" {
			if as, ok := a.(string); ok {
				if bs, ok := b.(string); ok {
					return as + bs, nil
				}
			}
		}
		x, ok1 := a.(float64)
		y, ok2 := b.(float64)
		if !ok1 || !ok2 {
			return nil, evalErrf(ErrTypeMismatch, "cannot apply %s to %T and %T", op, a, b)
		}
		switch op {
		case "+":
			return x + y, nil
		case "-":
			return x - y, nil
		case "*":
			return x * y, nil
		case "/":
			if y == 0 {
				return nil, nil
			}
			return x / y, nil
		case "%":
			if y == 0 {
				return nil, nil
			}
			return math.Mod(x, y), nil
		default:
			return math.Pow(x, y), nil
		}
	}
}

func truthy(v any) bool {
	switch v := v.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	case time.Time:
		return !v.IsZero()
	default:
		return false
	}
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	r, ok := compare(a, b)
	return ok && r == 0
}

func compare(a, b any) (int, bool) {
	switch a := a.(type) {
	case float64:
		if b, ok := b.(float64); ok {
			switch {
			case a < b:
				return -1, true
			case a > b:
				return 1, true
			}
			return 0, true
		}
	case string:
		if b, ok := b.(string); ok {
			return strings.Compare(a, b), true
		}
	case bool:
		if b, ok := b.(bool); ok {
			if a == b {
				return 0, true
			} else if b {
				return -1, true
			}
			return 1, true
		}
	case time.Time:
		if b, ok := b.(time.Time); ok {
			return a.Compare(b), true
		}
	}
	return 0, false
}
