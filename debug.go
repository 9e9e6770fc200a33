package tabdb

import (
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpDatasetHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpSchema
	DumpCalculations

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var dumpSep2 = strings.Repeat("-", 60)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders every dataset in registry order as human-readable text.
func (tx *Tx) Dump(f DumpFlags) string {
	var buf strings.Builder
	all, err := tx.Datasets()
	if err != nil {
		fmt.Fprintf(&buf, "** ERROR: %v\n", err)
	}
	for _, ds := range all {
		tx.dumpDataset(&buf, f, ds)
	}
	return buf.String()
}

func (tx *Tx) dumpDataset(w *strings.Builder, f DumpFlags, ds *Dataset) {
	prefix := ds.ID
	s := tx.DatasetStats(ds)

	if f.Contains(DumpDatasetHeaders) {
		var linked string
		if ds.ParentID != "" {
			linked = " linked to " + ds.ParentID
		}
		fmt.Fprintln(w, rpadf('=', "== %s ", prefix))
		fmt.Fprintf(w, "%s (%d rows, %s, v%d)%s\n", prefix, s.Rows, ds.State, ds.Version, linked)
		for _, gk := range ds.LinkedGroupKeys() {
			fmt.Fprintf(w, "%s.linked[%s] = %s\n", prefix, gk, ds.LinkedDatasets[gk])
		}
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: calculations = %d, data_size = %d, data_alloc = %d, calc_size = %d, calc_alloc = %d, total_alloc = %d\n", prefix, s.Calculations, s.DataSize, s.DataAlloc, s.CalcSize, s.CalcAlloc, s.TotalAlloc())
	}
	if f.Contains(DumpSchema) {
		for _, col := range ds.Schema {
			fmt.Fprintf(w, "%s.s.%s = %q %s\n", prefix, col.Slug, col.Label, col.Type)
		}
	}
	if f.Contains(DumpCalculations) {
		calcs, err := tx.Calculations(ds.ID)
		if err != nil {
			fmt.Fprintf(w, "%s.c ** ERROR: %v\n", prefix, err)
		}
		for _, c := range calcs {
			if c.Group != "" {
				fmt.Fprintf(w, "%s.c.%s = %s by %s\n", prefix, c.Name, c.Formula, c.Group)
			} else {
				fmt.Fprintf(w, "%s.c.%s = %s\n", prefix, c.Name, c.Formula)
			}
		}
	}

	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) || f.Contains(DumpSchema) {
			fmt.Fprintln(w, dumpSep2)
		}
		buck := tx.rowsBucket(ds)
		if buck == nil {
			return
		}
		c := buck.Cursor()
		var rowPos int
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rowPos++
			row, err := decodeRow(v)
			if err != nil {
				fmt.Fprintf(w, "%s.%d ** ERROR: %v\n", prefix, rowPos, err)
				continue
			}
			fmt.Fprintf(w, "%s.%d = %s\n", prefix, rowPos, loggableRow(row))
		}
	}
}

func rpadf(pad rune, format string, args ...any) string {
	s := fmt.Sprintf(format, args...)
	return rpad(s, 80, pad)
}
