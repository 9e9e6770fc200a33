package calc

import (
	"maps"
	"slices"

	"github.com/andreyvit/tabdb"
)

// FieldClass says what a merge does with an incoming field.
type FieldClass int

const (
	// FieldDropped fields have no matching column and are ignored.
	FieldDropped FieldClass = iota

	// FieldMapped fields are labels that map to an existing column.
	FieldMapped

	// FieldReserved fields are reserved identifiers (like _id) that already
	// exist as a column and pass through under their own name.
	FieldReserved
)

func (c FieldClass) String() string {
	switch c {
	case FieldMapped:
		return "mapped"
	case FieldReserved:
		return "reserved"
	default:
		return "dropped"
	}
}

type Field struct {
	Name   string
	Column string
	Class  FieldClass
	Value  any
}

// ClassifyFields decides once, per incoming field, where it goes. Fields are
// returned sorted by name. A reserved field passes through only if no mapped
// field already targets the same column.
func ClassifyFields(row map[string]any, labelsToSlugs map[string]string, columns []string) []Field {
	names := slices.Sorted(maps.Keys(row))
	fields := make([]Field, len(names))
	taken := make(map[string]bool)

	for i, name := range names {
		fields[i] = Field{Name: name, Value: row[name]}
		if slug, ok := labelsToSlugs[name]; ok && slices.Contains(columns, slug) {
			fields[i].Column = slug
			fields[i].Class = FieldMapped
			taken[slug] = true
		}
	}
	for i := range fields {
		f := &fields[i]
		if f.Class != FieldDropped || !tabdb.IsReservedField(f.Name) {
			continue
		}
		if slices.Contains(columns, f.Name) && !taken[f.Name] {
			f.Column = f.Name
			f.Class = FieldReserved
			taken[f.Name] = true
		}
	}
	return fields
}

// newRowFrame builds the single-row frame of kept fields.
func newRowFrame(fields []Field) *tabdb.Frame {
	row := make(tabdb.Row)
	var columns []string
	for _, f := range fields {
		if f.Class == FieldDropped {
			continue
		}
		row[f.Column] = f.Value
		columns = append(columns, f.Column)
	}
	return tabdb.NewFrame(columns, []tabdb.Row{row})
}
