package formula

import (
	"fmt"
	"sort"
)

type aggregation struct {
	minArgs, maxArgs int
	reduce           func(columns [][]any) (any, error)
}

// Aggregations reduce one group's evaluated argument columns to a value.
var aggregations = map[string]aggregation{
	"sum":    {1, 1, reduceSum},
	"mean":   {1, 1, reduceMean},
	"min":    {1, 1, func(cols [][]any) (any, error) { return reduceExtreme(cols[0], -1) }},
	"max":    {1, 1, func(cols [][]any) (any, error) { return reduceExtreme(cols[0], 1) }},
	"median": {1, 1, reduceMedian},
	"count":  {0, 1, reduceCount},
	"ratio":  {2, 2, reduceRatio},
}

// IsAggregation reports whether name is a known aggregation function.
func IsAggregation(name string) bool {
	_, ok := aggregations[name]
	return ok
}

// Reduce applies the aggregation kind to the argument columns of one group.
// Null values are skipped.
func Reduce(kind string, columns [][]any) (any, error) {
	agg, ok := aggregations[kind]
	if !ok {
		return nil, fmt.Errorf("unknown aggregation %q", kind)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%s: no columns", kind)
	}
	return agg.reduce(columns)
}

func floats(kind string, values []any) ([]float64, error) {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		switch v := v.(type) {
		case nil:
			continue
		case float64:
			out = append(out, v)
		default:
			return nil, evalErrf(ErrTypeMismatch, "%s() of %T", kind, v)
		}
	}
	return out, nil
}

func reduceSum(cols [][]any) (any, error) {
	xs, err := floats("sum", cols[0])
	if err != nil {
		return nil, err
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s, nil
}

func reduceMean(cols [][]any) (any, error) {
	xs, err := floats("mean", cols[0])
	if err != nil || len(xs) == 0 {
		return nil, err
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs)), nil
}

func reduceMedian(cols [][]any) (any, error) {
	xs, err := floats("median", cols[0])
	if err != nil || len(xs) == 0 {
		return nil, err
	}
	sort.Float64s(xs)
	n := len(xs)
	if n%2 == 1 {
		return xs[n/2], nil
	}
	return (xs[n/2-1] + xs[n/2]) / 2, nil
}

func reduceExtreme(values []any, sign int) (any, error) {
	var best any
	for _, v := range values {
		if v == nil {
			continue
		}
		if best == nil {
			best = v
			continue
		}
		r, ok := compare(v, best)
		if !ok {
			return nil, evalErrf(ErrTypeMismatch, "cannot compare %T and %T", v, best)
		}
		if r == sign {
			best = v
		}
	}
	return best, nil
}

func reduceCount(cols [][]any) (any, error) {
	var n float64
	for _, v := range cols[0] {
		if v != nil {
			n++
		}
	}
	return n, nil
}

// reduceRatio is sum(numerator) / sum(denominator) over rows where both are present.
func reduceRatio(cols [][]any) (any, error) {
	if len(cols) != 2 || len(cols[0]) != len(cols[1]) {
		return nil, fmt.Errorf("ratio: needs two aligned columns")
	}
	var num, den float64
	for i, a := range cols[0] {
		b := cols[1][i]
		if a == nil || b == nil {
			continue
		}
		x, ok1 := a.(float64)
		y, ok2 := b.(float64)
		if !ok1 || !ok2 {
			return nil, evalErrf(ErrTypeMismatch, "ratio() of %T and %T", a, b)
		}
		num += x
		den += y
	}
	if den == 0 {
		return nil, nil
	}
	return num / den, nil
}
