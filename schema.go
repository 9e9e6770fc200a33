package tabdb

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Reserved fields never appear in a dataset schema.
const (
	// DatasetIDField scopes every stored row to its owning dataset.
	DatasetIDField = "_dataset_id"
	// IDField is a caller-visible row identifier that survives merges.
	IDField = "_id"
)

var reservedFields = []string{DatasetIDField, IDField}

func IsReservedField(name string) bool {
	for _, f := range reservedFields {
		if f == name {
			return true
		}
	}
	return false
}

type ColumnType string

const (
	TypeString   ColumnType = "string"
	TypeFloat    ColumnType = "float"
	TypeBool     ColumnType = "bool"
	TypeDatetime ColumnType = "datetime"
)

type ColumnSchema struct {
	Slug  string     `msgpack:"s"`
	Label string     `msgpack:"l"`
	Type  ColumnType `msgpack:"t"`
}

// Schema lists a dataset's columns in their original order.
type Schema []ColumnSchema

func (scm Schema) Column(slug string) (ColumnSchema, bool) {
	for _, c := range scm {
		if c.Slug == slug {
			return c, true
		}
	}
	return ColumnSchema{}, false
}

func (scm Schema) Has(slug string) bool {
	_, ok := scm.Column(slug)
	return ok
}

func (scm Schema) Slugs() []string {
	out := make([]string, len(scm))
	for i, c := range scm {
		out[i] = c.Slug
	}
	return out
}

func (scm Schema) TypeOf(slug string) ColumnType {
	c, _ := scm.Column(slug)
	return c.Type
}

// LabelsToSlugs maps user-facing labels to internal column names.
func (scm Schema) LabelsToSlugs() map[string]string {
	m := make(map[string]string, len(scm))
	for _, c := range scm {
		m[c.Label] = c.Slug
	}
	return m
}

// BuildSchema infers a schema from the frame's columns, treating column names
// as labels. It returns the schema and the label-to-slug renames to apply to
// the frame. Reserved fields are skipped.
func BuildSchema(f *Frame) (Schema, map[string]string) {
	var scm Schema
	renames := make(map[string]string)
	used := make(map[string]bool)
	for _, label := range f.Columns {
		if IsReservedField(label) {
			continue
		}
		slug := Slugify(label)
		base := slug
		for i := 1; used[slug] || IsReservedField(slug); i++ {
			slug = base + "_" + strconv.Itoa(i)
		}
		used[slug] = true
		if slug != label {
			renames[label] = slug
		}
		scm = append(scm, ColumnSchema{
			Slug:  slug,
			Label: label,
			Type:  inferColumnType(f, label),
		})
	}
	return scm, renames
}

// extendSchema appends entries for frame columns the schema doesn't know
// yet. Existing entries are never touched.
func extendSchema(scm Schema, f *Frame) Schema {
	for _, c := range f.Columns {
		if IsReservedField(c) || scm.Has(c) {
			continue
		}
		scm = append(scm, ColumnSchema{Slug: c, Label: c, Type: inferColumnType(f, c)})
	}
	return scm
}

func inferColumnType(f *Frame, column string) ColumnType {
	var result ColumnType
	for _, row := range f.Rows {
		var t ColumnType
		switch row[column].(type) {
		case nil:
			continue
		case float64:
			t = TypeFloat
		case bool:
			t = TypeBool
		case time.Time:
			t = TypeDatetime
		default:
			return TypeString
		}
		if result != "" && result != t {
			return TypeString
		}
		result = t
	}
	if result == "" {
		return TypeString
	}
	return result
}

// Slugify turns a label into a column name: lower case, runs of anything
// other than letters and digits become a single underscore.
func Slugify(label string) string {
	var buf strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(label)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && buf.Len() > 0 {
				buf.WriteByte('_')
			}
			pendingSep = false
			buf.WriteRune(r)
		} else {
			pendingSep = true
		}
	}
	if buf.Len() == 0 {
		return "column"
	}
	return buf.String()
}
