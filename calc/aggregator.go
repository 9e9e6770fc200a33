package calc

import (
	"fmt"
	"strings"

	"github.com/andreyvit/tabdb"
	"github.com/andreyvit/tabdb/formula"
)

// Aggregator groups a frame, reduces the evaluated argument columns per group
// and stores the outcome in the parent's linked dataset for that grouping.
type Aggregator struct{}

// Compute returns the linked dataset's rows after storing the aggregation
// under the given name. The first column of columns is the aggregation's
// first argument; all columns align with f's rows.
//
// If the parent already has a linked dataset for the grouping, the named
// column is joined into it by group values (replacing a previous column of
// that name). Otherwise a new linked dataset is created and registered on
// the parent.
func (Aggregator) Compute(tx *tabdb.Tx, parent *tabdb.Dataset, f *tabdb.Frame, columns []*tabdb.Series, groups []string, kind, name string) (*tabdb.Frame, error) {
	for _, g := range groups {
		if !f.HasColumn(g) {
			return nil, &InvalidGroupError{DatasetID: parent.ID, Column: g}
		}
	}
	agg, err := aggregate(f, columns, groups, kind, name)
	if err != nil {
		return nil, err
	}

	key := tabdb.GroupKey(groups)
	if linkedID, ok := parent.LinkedDatasets[key]; ok {
		lds, err := tx.Dataset(linkedID)
		if err != nil {
			return nil, fmt.Errorf("linked dataset %q: %w", key, err)
		}
		existing, err := tx.FindRows(lds, tabdb.Query{})
		if err != nil {
			return nil, err
		}
		merged, err := joinByGroup(existing, agg, groups, lds.LabelsToSlugs(), name)
		if err != nil {
			return nil, err
		}
		if err := tx.UpdateRows(lds, merged); err != nil {
			return nil, err
		}
		return tx.FindRows(lds, tabdb.Query{})
	}

	lds, err := tx.CreateDataset(parent.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.SaveRows(lds, agg); err != nil {
		return nil, err
	}
	parent.SetLinkedDataset(key, lds.ID)
	if err := tx.PutDataset(parent); err != nil {
		return nil, err
	}
	return tx.FindRows(lds, tabdb.Query{})
}

// aggregate produces one row per distinct combination of group values, in
// order of first appearance. Rows with a null group value belong to no
// group. Without groups it produces a single row.
func aggregate(f *tabdb.Frame, columns []*tabdb.Series, groups []string, kind, name string) (*tabdb.Frame, error) {
	var order []string
	members := make(map[string][]int)
	for i, row := range f.Rows {
		if hasNullGroup(row, groups) {
			continue
		}
		k := groupValuesKey(row, groups)
		if _, ok := members[k]; !ok {
			order = append(order, k)
		}
		members[k] = append(members[k], i)
	}
	if len(groups) == 0 && len(order) == 0 {
		order = []string{""}
	}

	out := &tabdb.Frame{Columns: append(append([]string(nil), groups...), name)}
	for _, k := range order {
		idx := members[k]
		args := make([][]any, len(columns))
		for c, s := range columns {
			args[c] = make([]any, len(idx))
			for j, i := range idx {
				args[c][j] = s.Values[i]
			}
		}
		v, err := formula.Reduce(kind, args)
		if err != nil {
			return nil, fmt.Errorf("%s(%s): %w", kind, name, err)
		}
		row := tabdb.Row{name: v}
		if len(idx) > 0 {
			for _, g := range groups {
				row[g] = f.Rows[idx[0]][g]
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// joinByGroup sets column name on existing rows from agg, matching rows by
// group values. Groups missing from existing are appended; existing groups
// missing from agg get nil.
func joinByGroup(existing, agg *tabdb.Frame, groups []string, labelsToSlugs map[string]string, name string) (*tabdb.Frame, error) {
	dest := name
	if slug, ok := labelsToSlugs[name]; ok {
		dest = slug
	}
	values := make(map[string]any, len(agg.Rows))
	for _, row := range agg.Rows {
		values[groupValuesKey(row, groups)] = row[name]
	}

	col := &tabdb.Series{Name: dest, Values: make([]any, existing.Len())}
	seen := make(map[string]bool, existing.Len())
	for i, row := range existing.Rows {
		if hasNullGroup(row, groups) {
			continue
		}
		k := groupValuesKey(row, groups)
		col.Values[i] = values[k]
		seen[k] = true
	}
	out, err := existing.Join(col)
	if err != nil {
		return nil, err
	}

	var extra []tabdb.Row
	for _, row := range agg.Rows {
		if hasNullGroup(row, groups) {
			continue
		}
		if k := groupValuesKey(row, groups); !seen[k] {
			r := tabdb.Row{dest: row[name]}
			for _, g := range groups {
				r[g] = row[g]
			}
			extra = append(extra, r)
		}
	}
	if len(extra) > 0 {
		out = out.Concat(tabdb.NewFrame(out.Columns, extra))
	}
	return out, nil
}

func hasNullGroup(row tabdb.Row, groups []string) bool {
	for _, g := range groups {
		if row[g] == nil {
			return true
		}
	}
	return false
}

func groupValuesKey(row tabdb.Row, groups []string) string {
	var buf strings.Builder
	for _, g := range groups {
		fmt.Fprintf(&buf, "%T:%v\x1f", row[g], row[g])
	}
	return buf.String()
}
