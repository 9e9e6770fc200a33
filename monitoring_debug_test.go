package tabdb

import (
	"math"
	"strings"
	"testing"
)

func TestDatasetStatsAndDump(t *testing.T) {
	eachBackend(t, func(t *testing.T, db *DB) {
		ds := createDataset(t, db, Row{"Region": "north", "Amount": 10.0}, Row{"Region": "south", "Amount": 2.0})
		ok(t, db.Write(func(tx *Tx) error {
			return tx.PutCalculation(ds.ID, &Calculation{Name: "double", Formula: "amount * 2"})
		}))

		db.Read(func(tx *Tx) {
			s := tx.DatasetStats(ds)
			if s.Rows != 2 || s.Calculations != 1 || s.DataSize == 0 || s.CalcSize == 0 {
				t.Fatalf("DatasetStats = %+v, wanted Rows=2, Calculations=1 and non-zero sizes", s)
			}
			if s.TotalSize() != s.DataSize+s.CalcSize || s.TotalAlloc() < s.TotalSize() {
				t.Fatalf("DatasetStats totals inconsistent: %+v", s)
			}
		})
	})
}

func TestDatasetStats_Empty(t *testing.T) {
	eachBackend(t, func(t *testing.T, db *DB) {
		ds := createDataset(t, db)
		db.Read(func(tx *Tx) {
			deepEqual(t, tx.DatasetStats(ds), DatasetStats{})
		})
	})
}

func TestDumpFlagsAndDump(t *testing.T) {
	eachBackend(t, func(t *testing.T, db *DB) {
		ds := createDataset(t, db, Row{"Region": "north", "Amount": 10.0})
		ok(t, db.Write(func(tx *Tx) error {
			return tx.PutCalculation(ds.ID, &Calculation{Name: "total", Formula: "sum(amount)", Group: "region"})
		}))

		db.Read(func(tx *Tx) {
			if !DumpDatasetHeaders.Contains(DumpDatasetHeaders) || DumpDatasetHeaders.Contains(DumpRows) {
				t.Fatalf("DumpFlags.Contains returned unexpected results")
			}

			out := tx.Dump(DumpAll)
			for _, want := range []string{ds.ID + " (1 rows, ready", `.s.amount = "Amount" float`, ".c.total = sum(amount) by region", `"region":"north"`} {
				if !strings.Contains(out, want) {
					t.Fatalf("Dump output missing %q; got:\n%s", want, out)
				}
			}

			out = tx.Dump(DumpDatasetHeaders)
			if strings.Contains(out, "north") {
				t.Fatalf("Dump(DumpDatasetHeaders) includes rows:\n%s", out)
			}
		})
	})
}

func TestLoggableRow(t *testing.T) {
	deepEqual(t, loggableRow(nil), "<none>")
	deepEqual(t, loggableRow(Row{"a": 1.0}), `{"a":1}`)
	if got := loggableRow(Row{"a": math.NaN()}); !strings.Contains(got, "NaN") {
		t.Errorf("** got %q, wanted a NaN rendering", got)
	}
}

func TestRpadf(t *testing.T) {
	got := rpadf('.', "%s", "x")
	if len(got) != 80 || !strings.HasPrefix(got, "x") {
		t.Fatalf("rpadf returned %q (len=%d), wanted len=80 and prefix x", got, len(got))
	}
	deepEqual(t, rpad("abc", 2, '.'), "abc")
}
