package tabdb

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"
)

// Row is one observation: column name to value. Values are canonical:
// nil, float64, string, bool or time.Time (UTC).
type Row map[string]any

// Frame is an ordered set of columns over a list of rows. A row's position
// is its identity within the frame.
type Frame struct {
	Columns []string
	Rows    []Row
}

// Series is a single named column aligned with a frame's rows.
type Series struct {
	Name   string
	Values []any
}

// NewFrame builds a frame from rows. Columns lists the preferred order; keys
// missing from it are appended in sorted order.
func NewFrame(columns []string, rows []Row) *Frame {
	f := &Frame{Columns: slices.Clone(columns)}
	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		known[c] = true
	}
	var extra []string
	for _, row := range rows {
		for k := range row {
			if !known[k] {
				known[k] = true
				extra = append(extra, k)
			}
		}
		f.Rows = append(f.Rows, NormalizeRow(row))
	}
	sort.Strings(extra)
	f.Columns = append(f.Columns, extra...)
	return f
}

func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

func (f *Frame) HasColumn(name string) bool {
	return f != nil && slices.Contains(f.Columns, name)
}

// Column extracts a column; rows lacking it yield nil.
func (f *Frame) Column(name string) *Series {
	s := &Series{Name: name, Values: make([]any, len(f.Rows))}
	for i, row := range f.Rows {
		s.Values[i] = row[name]
	}
	return s
}

// Clone copies the frame deeply enough that mutating rows of the copy
// does not affect the original.
func (f *Frame) Clone() *Frame {
	out := &Frame{Columns: slices.Clone(f.Columns), Rows: make([]Row, len(f.Rows))}
	for i, row := range f.Rows {
		out.Rows[i] = maps.Clone(row)
	}
	return out
}

// Join returns a new frame with s added as a column, aligned by row
// position. An existing column of the same name is replaced.
func (f *Frame) Join(s *Series) (*Frame, error) {
	if len(s.Values) != len(f.Rows) {
		return nil, fmt.Errorf("cannot join column %q: %d values for %d rows", s.Name, len(s.Values), len(f.Rows))
	}
	out := f.Clone()
	if !out.HasColumn(s.Name) {
		out.Columns = append(out.Columns, s.Name)
	}
	for i, row := range out.Rows {
		row[s.Name] = NormalizeValue(s.Values[i])
	}
	return out, nil
}

// Concat appends other's rows after f's rows. Columns are the union, f's
// first; a row lacking one of them gets nil there.
func (f *Frame) Concat(other *Frame) *Frame {
	out := f.Clone()
	for _, c := range other.Columns {
		if !out.HasColumn(c) {
			out.Columns = append(out.Columns, c)
		}
	}
	for _, row := range other.Rows {
		out.Rows = append(out.Rows, maps.Clone(row))
	}
	for _, row := range out.Rows {
		for _, c := range out.Columns {
			if _, ok := row[c]; !ok {
				row[c] = nil
			}
		}
	}
	return out
}

// Rename renames columns per the given mapping, leaving others untouched.
func (f *Frame) Rename(mapping map[string]string) *Frame {
	out := &Frame{Columns: make([]string, len(f.Columns)), Rows: make([]Row, len(f.Rows))}
	for i, c := range f.Columns {
		if to, ok := mapping[c]; ok {
			c = to
		}
		out.Columns[i] = c
	}
	for i, row := range f.Rows {
		r := make(Row, len(row))
		for k, v := range row {
			if to, ok := mapping[k]; ok {
				k = to
			}
			r[k] = v
		}
		out.Rows[i] = r
	}
	return out
}

// Select returns a frame restricted to the given columns.
func (f *Frame) Select(columns []string) *Frame {
	out := &Frame{Rows: make([]Row, len(f.Rows))}
	for _, c := range columns {
		if f.HasColumn(c) {
			out.Columns = append(out.Columns, c)
		}
	}
	for i, row := range f.Rows {
		r := make(Row, len(out.Columns))
		for _, c := range out.Columns {
			if v, ok := row[c]; ok {
				r[c] = v
			}
		}
		out.Rows[i] = r
	}
	return out
}

func NormalizeRow(m map[string]any) Row {
	row := make(Row, len(m))
	for k, v := range m {
		row[k] = NormalizeValue(v)
	}
	return row
}

// NormalizeValue converts v to one of the canonical value types.
func NormalizeValue(v any) any {
	switch v := v.(type) {
	case nil, string, bool, float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int8:
		return float64(v)
	case int16:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint8:
		return float64(v)
	case uint16:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case time.Time:
		return v.UTC()
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
