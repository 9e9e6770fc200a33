/*
Package formula parses user formulas over dataset rows and compiles them into
row evaluators.

A formula is either row-wise, like

	amount * 1.2 + fee
	round(`Unit Price` / 3, 2)
	region == "north" and year(date) >= 2020

or an aggregation, which must be the outermost call:

	sum(amount)
	ratio(paid, amount)
	count()

Identifiers refer to columns by internal name (slug); anything that isn't a
column is looked up as a user-facing label. Back quotes allow labels with
spaces.
*/
package formula

import (
	"errors"
	"strings"

	"github.com/alecthomas/participle/v2"
)

// Context is shared by all evaluators of a plan.
type Context struct {
	LabelsToSlugs map[string]string
}

// Resolve finds the row column an identifier refers to.
func (ctx *Context) Resolve(name string, row map[string]any) (string, bool) {
	if _, ok := row[name]; ok {
		return name, true
	}
	if ctx != nil {
		if slug, ok := ctx.LabelsToSlugs[name]; ok {
			if _, ok := row[slug]; ok {
				return slug, true
			}
		}
	}
	return "", false
}

// Plan is a parsed formula.
type Plan struct {
	Formula string

	// Aggregation is the aggregation function name, empty for row-wise formulas.
	Aggregation string

	// Evaluators has one entry for a row-wise formula and one per argument
	// for an aggregation.
	Evaluators []Evaluator

	// Columns lists referenced identifiers in order of appearance.
	Columns []string

	Context *Context
}

func (p *Plan) IsAggregate() bool {
	return p.Aggregation != ""
}

// Engine parses and validates formulas. The zero value is ready to use.
type Engine struct{}

func New() *Engine {
	return &Engine{}
}

// Parse compiles a formula. Errors are *Error.
func (*Engine) Parse(formula string, ctx *Context) (plan *Plan, err error) {
	if ctx == nil {
		ctx = &Context{}
	}
	if strings.TrimSpace(formula) == "" {
		return nil, formulaErrf(formula, 0, nil, "empty formula")
	}
	ast, perr := formulaParser.ParseString("", formula)
	if perr != nil {
		var offset int
		var pe participle.Error
		if errors.As(perr, &pe) {
			offset = pe.Position().Offset
		}
		return nil, formulaErrf(formula, offset, nil, "%s", perr.Error())
	}

	defer func() {
		if p := recover(); p != nil {
			fe, ok := p.(*Error)
			if !ok {
				panic(p)
			}
			plan, err = nil, fe
		}
	}()

	c := &compiler{formula: formula, ctx: ctx}
	plan = &Plan{Formula: formula, Context: ctx}

	if call := ast.soleCall(); call != nil && IsAggregation(strings.ToLower(call.Name)) {
		name := strings.ToLower(call.Name)
		agg := aggregations[name]
		if len(call.Args) < agg.minArgs || len(call.Args) > agg.maxArgs {
			c.fail(call.Pos.Offset, nil, "%s() takes %d to %d arguments, got %d", name, agg.minArgs, agg.maxArgs, len(call.Args))
		}
		plan.Aggregation = name
		for _, a := range call.Args {
			plan.Evaluators = append(plan.Evaluators, c.or(a))
		}
		if len(plan.Evaluators) == 0 {
			plan.Evaluators = []Evaluator{constant(1.0)}
		}
	} else {
		plan.Evaluators = []Evaluator{c.or(ast)}
	}
	plan.Columns = c.columns
	return plan, nil
}

// Validate checks the formula's syntax and, given a sample row, that every
// referenced column exists and the formula can be applied to the row. With a
// nil sample (a dataset without rows) only the syntax is checked.
func (e *Engine) Validate(formula string, sample map[string]any, ctx *Context) error {
	plan, err := e.Parse(formula, ctx)
	if err != nil {
		return err
	}
	if sample == nil {
		return nil
	}
	for _, col := range plan.Columns {
		if _, ok := plan.Context.Resolve(col, sample); !ok {
			return formulaErrf(formula, strings.Index(formula, col), ErrUnknownColumn, "%q", col)
		}
	}
	for _, ev := range plan.Evaluators {
		if _, err := ev(sample); err != nil {
			return formulaErrf(formula, 0, err, "")
		}
	}
	return nil
}
