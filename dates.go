package tabdb

import (
	"math"
	"strings"
	"time"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// ParseTime interprets v as a timestamp. Strings are tried against common
// layouts; numbers are Unix seconds.
func ParseTime(v any) (time.Time, bool) {
	switch v := v.(type) {
	case time.Time:
		return v.UTC(), true
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return time.Time{}, false
		}
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}
	return time.Time{}, false
}

// RecognizeDates converts every string column whose non-empty values all
// parse as timestamps. Used when a dataset has no schema yet.
func RecognizeDates(f *Frame) *Frame {
	out := f.Clone()
	for _, c := range out.Columns {
		if IsReservedField(c) || !isDateColumn(out, c) {
			continue
		}
		convertDateColumn(out, c)
	}
	return out
}

// RecognizeDatesFromSchema converts values of columns declared as datetime.
// Values that cannot be parsed are left as they are.
func RecognizeDatesFromSchema(scm Schema, f *Frame) *Frame {
	out := f.Clone()
	for _, c := range out.Columns {
		if scm.TypeOf(c) == TypeDatetime {
			convertDateColumn(out, c)
		}
	}
	return out
}

func isDateColumn(f *Frame, column string) bool {
	seen := false
	for _, row := range f.Rows {
		switch v := row[column].(type) {
		case nil:
			continue
		case string:
			if v == "" {
				continue
			}
			if _, ok := ParseTime(v); !ok {
				return false
			}
			seen = true
		default:
			return false
		}
	}
	return seen
}

func convertDateColumn(f *Frame, column string) {
	for _, row := range f.Rows {
		v, ok := row[column]
		if !ok || v == nil {
			continue
		}
		if t, ok := ParseTime(v); ok {
			row[column] = t
		}
	}
}
