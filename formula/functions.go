package formula

import (
	"math"
	"time"
)

type function struct {
	minArgs, maxArgs int
	apply            func(args []any) (any, error)
}

// Row functions. A nil argument yields nil.
var functions = map[string]function{
	"abs": {1, 1, numeric1(math.Abs)},
	"sqrt": {1, 1, numeric1(func(x float64) float64 {
		if x < 0 {
			return math.NaN()
		}
		return math.Sqrt(x)
	})},
	"round": {1, 2, func(args []any) (any, error) {
		if hasNil(args) {
			return nil, nil
		}
		x, ok := args[0].(float64)
		if !ok {
			return nil, evalErrf(ErrTypeMismatch, "round() of %T", args[0])
		}
		var digits float64
		if len(args) > 1 {
			if digits, ok = args[1].(float64); !ok {
				return nil, evalErrf(ErrTypeMismatch, "round() digits of %T", args[1])
			}
		}
		p := math.Pow(10, digits)
		return math.Round(x*p) / p, nil
	}},
	"year": {1, 1, func(args []any) (any, error) {
		if hasNil(args) {
			return nil, nil
		}
		t, ok := args[0].(time.Time)
		if !ok {
			return nil, evalErrf(ErrTypeMismatch, "year() of %T", args[0])
		}
		return float64(t.Year()), nil
	}},
}

func numeric1(f func(float64) float64) func([]any) (any, error) {
	return func(args []any) (any, error) {
		if hasNil(args) {
			return nil, nil
		}
		x, ok := args[0].(float64)
		if !ok {
			return nil, evalErrf(ErrTypeMismatch, "expected a number, got %T", args[0])
		}
		r := f(x)
		if math.IsNaN(r) {
			return nil, nil
		}
		return r, nil
	}
}

func hasNil(args []any) bool {
	for _, a := range args {
		if a == nil {
			return true
		}
	}
	return false
}
