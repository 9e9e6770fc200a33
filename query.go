package tabdb

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Filter maps a column to either a literal, matched by equality, or an
// operator map such as {"$gte": 10, "$lt": 20}.
type Filter map[string]any

const (
	OpEq  = "$eq"
	OpNe  = "$ne"
	OpGt  = "$gt"
	OpGte = "$gte"
	OpLt  = "$lt"
	OpLte = "$lte"
	OpIn  = "$in"
)

var filterOps = []string{OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn}

type Query struct {
	Filter Filter
	// Select limits returned columns; empty means all.
	Select []string
	// Limit caps the number of rows; 0 means no limit.
	Limit int
	// OrderBy names a column to sort by; a "-" prefix sorts descending.
	OrderBy string
}

// ParseFilter decodes a JSON filter like {"amount": {"$gt": 5}, "region": "north"}.
func ParseFilter(data []byte) (Filter, error) {
	var f Filter
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	for col, cond := range f {
		ops, ok := cond.(map[string]any)
		if !ok {
			f[col] = NormalizeValue(cond)
			continue
		}
		for op, v := range ops {
			if !isFilterOp(op) {
				return nil, fmt.Errorf("invalid filter: unknown operator %q on %q", op, col)
			}
			if op == OpIn {
				if _, ok := v.([]any); !ok {
					return nil, fmt.Errorf("invalid filter: %s on %q needs an array", op, col)
				}
			}
		}
	}
	return f, nil
}

func isFilterOp(op string) bool {
	for _, o := range filterOps {
		if o == op {
			return true
		}
	}
	return false
}

// TranslateTimestampFilter converts operands of predicates over datetime
// columns into time.Time values so they compare as timestamps.
func TranslateTimestampFilter(scm Schema, f Filter) (Filter, error) {
	if len(f) == 0 {
		return f, nil
	}
	out := make(Filter, len(f))
	for col, cond := range f {
		if scm.TypeOf(col) != TypeDatetime {
			out[col] = cond
			continue
		}
		ops, ok := cond.(map[string]any)
		if !ok {
			t, err := filterTime(col, cond)
			if err != nil {
				return nil, err
			}
			out[col] = t
			continue
		}
		translated := make(map[string]any, len(ops))
		for op, v := range ops {
			if op == OpIn {
				list, _ := v.([]any)
				times := make([]any, len(list))
				for i, el := range list {
					t, err := filterTime(col, el)
					if err != nil {
						return nil, err
					}
					times[i] = t
				}
				translated[op] = times
				continue
			}
			t, err := filterTime(col, v)
			if err != nil {
				return nil, err
			}
			translated[op] = t
		}
		out[col] = translated
	}
	return out, nil
}

func filterTime(col string, v any) (time.Time, error) {
	t, ok := ParseTime(NormalizeValue(v))
	if !ok {
		return time.Time{}, fmt.Errorf("invalid filter: %q is a datetime column, cannot compare with %v", col, v)
	}
	return t, nil
}

// Match reports whether row satisfies every predicate of the filter.
func (f Filter) Match(row Row) bool {
	for col, cond := range f {
		v := row[col]
		ops, ok := cond.(map[string]any)
		if !ok {
			if !valuesEqual(v, NormalizeValue(cond)) {
				return false
			}
			continue
		}
		for op, operand := range ops {
			if !matchOp(v, op, operand) {
				return false
			}
		}
	}
	return true
}

func matchOp(v any, op string, operand any) bool {
	if op == OpIn {
		list, _ := operand.([]any)
		for _, el := range list {
			if valuesEqual(v, NormalizeValue(el)) {
				return true
			}
		}
		return false
	}
	operand = NormalizeValue(operand)
	switch op {
	case OpEq:
		return valuesEqual(v, operand)
	case OpNe:
		return !valuesEqual(v, operand)
	}
	cmp, ok := CompareValues(v, operand)
	if !ok {
		return false
	}
	switch op {
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	default:
		return false
	}
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	cmp, ok := CompareValues(a, b)
	return ok && cmp == 0
}

// CompareValues orders two canonical values of the same kind. The second
// result is false when the values are not comparable.
func CompareValues(a, b any) (int, bool) {
	switch a := a.(type) {
	case float64:
		if b, ok := b.(float64); ok {
			switch {
			case a < b:
				return -1, true
			case a > b:
				return 1, true
			default:
				return 0, true
			}
		}
	case string:
		if b, ok := b.(string); ok {
			return strings.Compare(a, b), true
		}
	case bool:
		if b, ok := b.(bool); ok {
			switch {
			case a == b:
				return 0, true
			case b:
				return -1, true
			default:
				return 1, true
			}
		}
	case time.Time:
		if b, ok := b.(time.Time); ok {
			return a.Compare(b), true
		}
	}
	return 0, false
}

// sortRows orders rows by a column; nils and incomparable values sort last.
func sortRows(rows []Row, orderBy string) {
	desc := strings.HasPrefix(orderBy, "-")
	col := strings.TrimPrefix(orderBy, "-")
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i][col], rows[j][col]
		cmp, ok := CompareValues(a, b)
		if !ok {
			return a != nil && b == nil
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
}
