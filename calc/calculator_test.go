package calc

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/andreyvit/tabdb"
	"github.com/andreyvit/tabdb/formula"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func setup(t testing.TB) (*tabdb.DB, *Calculator) {
	t.Helper()
	db := must(tabdb.Open("", tabdb.Options{InMemory: true, IsTesting: true, NoBackgroundSummaries: true}))
	c := New(db, Options{Shards: 4, Verbose: true})
	t.Cleanup(func() {
		c.Close()
		db.Close()
	})
	return db, c
}

func load(t testing.TB, db *tabdb.DB, rows ...tabdb.Row) string {
	t.Helper()
	var id string
	ok(t, db.Write(func(tx *tabdb.Tx) error {
		ds, err := tx.CreateDataset("")
		if err != nil {
			return err
		}
		id = ds.ID
		return tx.SaveRows(ds, tabdb.NewFrame(nil, rows))
	}))
	return id
}

func dataset(t testing.TB, db *tabdb.DB, id string) *tabdb.Dataset {
	t.Helper()
	var ds *tabdb.Dataset
	ok(t, db.ReadErr(func(tx *tabdb.Tx) error {
		var err error
		ds, err = tx.Dataset(id)
		return err
	}))
	return ds
}

func rows(t testing.TB, db *tabdb.DB, id string) *tabdb.Frame {
	t.Helper()
	var f *tabdb.Frame
	ok(t, db.ReadErr(func(tx *tabdb.Tx) error {
		ds, err := tx.Dataset(id)
		if err != nil {
			return err
		}
		f, err = tx.FindRows(ds, tabdb.Query{})
		return err
	}))
	return f
}

func exists(db *tabdb.DB, id string) bool {
	err := db.ReadErr(func(tx *tabdb.Tx) error {
		_, err := tx.Dataset(id)
		return err
	})
	return err == nil
}

func wait(t testing.TB, job *Job) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ok(t, job.Wait(ctx))
}

func waitErr(t testing.TB, job *Job) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return job.Wait(ctx)
}

func column(f *tabdb.Frame, name string) []any {
	if s := f.Column(name); s != nil {
		return s.Values
	}
	return nil
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** %v", err)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func TestCalculateColumn_RowWise(t *testing.T) {
	db, c := setup(t)
	id := load(t, db, tabdb.Row{"a": 1, "b": 2}, tabdb.Row{"a": 3, "b": 4})

	job, err := c.CalculateColumn(id, "a + b", "c", "")
	ok(t, err)
	wait(t, job)

	deepEqual(t, column(job.Result(), "c"), []any{3.0, 7.0})
	f := rows(t, db, id)
	deepEqual(t, column(f, "c"), []any{3.0, 7.0})
	deepEqual(t, column(f, "a"), []any{1.0, 3.0})

	ds := dataset(t, db, id)
	deepEqual(t, ds.NumRows, 2)
	deepEqual(t, len(ds.LinkedDatasets), 0)
	deepEqual(t, ds.Schema.Slugs(), []string{"a", "b", "c"})
}

func TestCalculateColumn_Idempotent(t *testing.T) {
	db, c := setup(t)
	id := load(t, db, tabdb.Row{"a": 1}, tabdb.Row{"a": 5}, tabdb.Row{"a": nil})

	job := must(c.CalculateColumn(id, "a * 2", "d", ""))
	wait(t, job)
	first := rows(t, db, id)

	job = must(c.CalculateColumn(id, "a * 2", "d", ""))
	wait(t, job)
	second := rows(t, db, id)

	deepEqual(t, column(second, "d"), []any{2.0, 10.0, nil})
	deepEqual(t, second.Rows, first.Rows)
	deepEqual(t, second.Columns, first.Columns)
}

func TestCalculateColumn_Aggregation(t *testing.T) {
	db, c := setup(t)
	id := load(t, db,
		tabdb.Row{"amount": 10, "region": "north"},
		tabdb.Row{"amount": 5, "region": "south"},
		tabdb.Row{"amount": 2, "region": "north"},
	)

	job := must(c.CalculateColumn(id, "sum(amount)", "total", "region"))
	wait(t, job)

	ds := dataset(t, db, id)
	linkedID, found := ds.LinkedDatasets["region"]
	if !found {
		t.Fatalf("** no linked dataset for region: %v", ds.LinkedDatasets)
	}
	lds := dataset(t, db, linkedID)
	deepEqual(t, lds.ParentID, id)
	deepEqual(t, lds.NumRows, 2)

	f := rows(t, db, linkedID)
	deepEqual(t, column(f, "region"), []any{"north", "south"})
	deepEqual(t, column(f, "total"), []any{12.0, 5.0})
	deepEqual(t, column(job.Result(), "total"), []any{12.0, 5.0})

	// the parent's rows are untouched
	deepEqual(t, rows(t, db, id).HasColumn("total"), false)

	// a second aggregation over the same grouping joins into the same dataset
	job = must(c.CalculateColumn(id, "max(amount)", "biggest", "region"))
	wait(t, job)
	deepEqual(t, dataset(t, db, id).LinkedDatasets["region"], linkedID)
	f = rows(t, db, linkedID)
	deepEqual(t, column(f, "biggest"), []any{10.0, 5.0})
	deepEqual(t, column(f, "total"), []any{12.0, 5.0})
}

func TestCalculateColumn_UngroupedAggregation(t *testing.T) {
	db, c := setup(t)
	id := load(t, db, tabdb.Row{"paid": 1, "due": 4}, tabdb.Row{"paid": 2, "due": 4})

	job := must(c.CalculateColumn(id, "ratio(paid, due)", "share", ""))
	wait(t, job)

	ds := dataset(t, db, id)
	linkedID, found := ds.LinkedDatasets[""]
	if !found {
		t.Fatalf("** no ungrouped linked dataset: %v", ds.LinkedDatasets)
	}
	deepEqual(t, column(rows(t, db, linkedID), "share"), []any{3.0 / 8})
}

func TestCalculateColumn_EmptyDataset(t *testing.T) {
	db, c := setup(t)
	var id string
	ok(t, db.Write(func(tx *tabdb.Tx) error {
		ds, err := tx.CreateDataset("")
		id = ds.ID
		return err
	}))
	deepEqual(t, dataset(t, db, id).IsReady(), false)

	// without rows only the syntax is checked
	job := must(c.CalculateColumn(id, "price * 2", "double", ""))
	wait(t, job)

	ds := dataset(t, db, id)
	deepEqual(t, ds.IsReady(), true)
	deepEqual(t, ds.NumRows, 0)
}

func TestValidate(t *testing.T) {
	db, c := setup(t)
	id := load(t, db, tabdb.Row{"amount": 1, "region": "north"})

	ok(t, c.Validate(id, "amount + 1", ""))
	ok(t, c.Validate(id, "sum(amount)", "region"))
	ok(t, c.Validate(id, "sum(amount)", "region, amount"))

	var ge *InvalidGroupError
	err := c.Validate(id, "sum(amount)", "region,zone,city")
	if !errors.As(err, &ge) {
		t.Fatalf("** got %v, wanted InvalidGroupError", err)
	}
	deepEqual(t, ge.Column, "zone")

	_, err = c.CalculateColumn(id, "sum(amount)", "total", "zone")
	if !errors.As(err, &ge) {
		t.Errorf("** got %v, wanted InvalidGroupError", err)
	}

	var fe *formula.Error
	_, err = c.CalculateColumn(id, "amount +", "x", "")
	if !errors.As(err, &fe) {
		t.Errorf("** got %v, wanted formula.Error", err)
	}
	_, err = c.CalculateColumn(id, "price * 2", "x", "")
	if !errors.Is(err, formula.ErrUnknownColumn) {
		t.Errorf("** got %v, wanted ErrUnknownColumn", err)
	}

	_, err = c.CalculateColumn("nosuch", "1", "x", "")
	if !errors.Is(err, tabdb.ErrNotFound) {
		t.Errorf("** got %v, wanted ErrNotFound", err)
	}

	// nothing was scheduled
	deepEqual(t, rows(t, db, id).Columns, []string{"amount", "region", tabdb.DatasetIDField})
}

func TestCalculateUpdates_AppendsRow(t *testing.T) {
	db, c := setup(t)
	id := load(t, db, tabdb.Row{"A": 1, "B": 2}, tabdb.Row{"A": 3, "B": 4})
	wait(t, must(c.CalculateColumn(id, "a + b", "c", "")))
	wait(t, must(c.CalculateColumn(id, "c * 2", "d", "")))
	before := rows(t, db, id)

	calcs := []*tabdb.Calculation{
		{Name: "c", Formula: "a + b"},
		{Name: "d", Formula: "c * 2"},
	}
	job := must(c.CalculateUpdates(id, map[string]any{"A": 10, "B": 20, "Unknown": "x"}, calcs))
	wait(t, job)

	after := rows(t, db, id)
	deepEqual(t, after.Len(), before.Len()+1)
	deepEqual(t, after.Rows[:before.Len()], before.Rows)
	last := after.Rows[after.Len()-1]
	deepEqual(t, last["a"], any(10.0))
	deepEqual(t, last["c"], any(30.0))
	deepEqual(t, last["d"], any(60.0))
	deepEqual(t, last[tabdb.DatasetIDField], any(id))
	deepEqual(t, after.HasColumn("Unknown"), false)
	deepEqual(t, dataset(t, db, id).NumRows, 3)
}

func TestCalculateUpdates_LabelDestination(t *testing.T) {
	db, c := setup(t)
	id := load(t, db, tabdb.Row{"Unit Price": 2, "Qty": 3, "Total Cost": 6})

	calcs := []*tabdb.Calculation{{Name: "Total Cost", Formula: "unit_price * qty"}}
	wait(t, must(c.CalculateUpdates(id, map[string]any{"Unit Price": 4, "Qty": 5}, calcs)))

	f := rows(t, db, id)
	deepEqual(t, column(f, "total_cost"), []any{6.0, 20.0})
	deepEqual(t, f.HasColumn("Total Cost"), false)
}

func TestCalculateUpdates_ReservedPassthrough(t *testing.T) {
	db, c := setup(t)
	id := load(t, db, tabdb.Row{"a": 1, tabdb.IDField: "r1"})

	wait(t, must(c.CalculateUpdates(id, map[string]any{"a": 2, tabdb.IDField: "r2", tabdb.DatasetIDField: "other"}, nil)))

	f := rows(t, db, id)
	deepEqual(t, column(f, tabdb.IDField), []any{"r1", "r2"})
	deepEqual(t, column(f, tabdb.DatasetIDField), []any{id, id})
}

func TestCalculateUpdates_GroupDerived(t *testing.T) {
	db, c := setup(t)
	id := load(t, db,
		tabdb.Row{"Amount": 10, "Region": "north"},
		tabdb.Row{"Amount": 5, "Region": "south"},
	)
	wait(t, must(c.CalculateColumn(id, "sum(amount)", "total", "region")))
	oldLinked := dataset(t, db, id).LinkedDatasets["region"]

	calcs := []*tabdb.Calculation{{Name: "total", Formula: "sum(amount)", Group: "region"}}
	job := must(c.CalculateUpdates(id, map[string]any{"Amount": 5, "Region": "north"}, calcs))
	wait(t, job)

	deepEqual(t, len(job.Followups()), 1)

	f := rows(t, db, id)
	deepEqual(t, f.Len(), 3)
	deepEqual(t, f.HasColumn("total"), false)

	ds := dataset(t, db, id)
	newLinked := ds.LinkedDatasets["region"]
	if newLinked == "" || newLinked == oldLinked {
		t.Fatalf("** linked dataset not regenerated: old %q, new %q", oldLinked, newLinked)
	}
	deepEqual(t, exists(db, oldLinked), false)
	deepEqual(t, column(rows(t, db, newLinked), "total"), []any{15.0, 5.0})
}

func TestCalculateUpdates_MissingFieldsBecomeNull(t *testing.T) {
	db, c := setup(t)
	id := load(t, db, tabdb.Row{"a": 1, "b": 2})

	wait(t, must(c.CalculateUpdates(id, map[string]any{"a": 5}, nil)))
	f := rows(t, db, id)
	if v, ok := f.Rows[1]["b"]; !ok || v != nil {
		t.Fatalf("** got b = %v (present %v), wanted an explicit null", v, ok)
	}

	wait(t, must(c.CalculateColumn(id, "a + b", "c", "")))
	deepEqual(t, column(rows(t, db, id), "c"), []any{3.0, nil})
}

func TestCalculateUpdates_NullGroupIsSkipped(t *testing.T) {
	db, c := setup(t)
	id := load(t, db,
		tabdb.Row{"Amount": 10, "Region": "north"},
		tabdb.Row{"Amount": 5, "Region": "south"},
	)
	wait(t, must(c.CalculateColumn(id, "sum(amount)", "total", "region")))

	calcs := []*tabdb.Calculation{{Name: "total", Formula: "sum(amount)", Group: "region"}}
	wait(t, must(c.CalculateUpdates(id, map[string]any{"Amount": 5}, calcs)))

	deepEqual(t, rows(t, db, id).Len(), 3)
	linked := rows(t, db, dataset(t, db, id).LinkedDatasets["region"])
	deepEqual(t, column(linked, "region"), []any{"north", "south"})
	deepEqual(t, column(linked, "total"), []any{10.0, 5.0})
}

func TestAggregate_NullGroups(t *testing.T) {
	f := tabdb.NewFrame([]string{"g", "x"}, []tabdb.Row{
		{"g": "a", "x": 1},
		{"g": nil, "x": 2},
		{"x": 4},
		{"g": "a", "x": 8},
	})
	agg := must(aggregate(f, []*tabdb.Series{f.Column("x")}, []string{"g"}, "sum", "s"))
	deepEqual(t, agg.Rows, []tabdb.Row{{"g": "a", "s": 9.0}})

	existing := tabdb.NewFrame([]string{"g", "old"}, []tabdb.Row{{"g": "a", "old": 1}, {"g": nil, "old": 2}})
	joined := must(joinByGroup(existing, agg, []string{"g"}, nil, "s"))
	deepEqual(t, column(joined, "s"), []any{9.0, nil})
	deepEqual(t, joined.Len(), 2)
}

func TestClose_RunsMergeFollowups(t *testing.T) {
	db, c := setup(t)
	id := load(t, db,
		tabdb.Row{"Amount": 10, "Region": "north"},
		tabdb.Row{"Amount": 5, "Region": "south"},
	)
	wait(t, must(c.CalculateColumn(id, "sum(amount)", "total", "region")))

	release := make(chan struct{})
	c.queue.Submit(id, "blocker", func(*Job) (*tabdb.Frame, error) {
		<-release
		return nil, nil
	})
	calcs := []*tabdb.Calculation{{Name: "total", Formula: "sum(amount)", Group: "region"}}
	merge := must(c.CalculateUpdates(id, map[string]any{"Amount": 5, "Region": "north"}, calcs))

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	for !c.queue.isClosing() {
		time.Sleep(time.Millisecond)
	}
	close(release)
	<-closed

	wait(t, merge)
	ds := dataset(t, db, id)
	deepEqual(t, ds.NumRows, 3)
	linkedID := ds.LinkedDatasets["region"]
	if linkedID == "" {
		t.Fatalf("** linked dataset not rebuilt before Close returned")
	}
	deepEqual(t, column(rows(t, db, linkedID), "total"), []any{15.0, 5.0})
}

func TestCalculateUpdates_LinkedDatasetsRegenerated(t *testing.T) {
	db, c := setup(t)
	id := load(t, db,
		tabdb.Row{"amount": 10, "region": "north"},
		tabdb.Row{"amount": 5, "region": "south"},
	)
	wait(t, must(c.CalculateColumn(id, "sum(amount)", "total", "region")))
	wait(t, must(c.CalculateColumn(id, "count()", "n", "")))
	old := dataset(t, db, id).LinkedDatasets
	deepEqual(t, len(old), 2)

	calcs := []*tabdb.Calculation{{Name: "total", Formula: "sum(amount)", Group: "region"}}
	wait(t, must(c.CalculateUpdates(id, map[string]any{"amount": 1, "region": "east"}, calcs)))

	linked := dataset(t, db, id).LinkedDatasets
	deepEqual(t, len(linked), 1)
	if _, found := linked["region"]; !found {
		t.Errorf("** got %v, wanted a region entry", linked)
	}
	for _, lid := range old {
		deepEqual(t, exists(db, lid), false)
	}
	deepEqual(t, column(rows(t, db, linked["region"]), "region"), []any{"north", "south", "east"})
}

func TestCalculateUpdates_FailureLeavesDatasetIntact(t *testing.T) {
	db, c := setup(t)
	id := load(t, db,
		tabdb.Row{"amount": 10, "region": "north"},
		tabdb.Row{"amount": 5, "region": "south"},
	)
	wait(t, must(c.CalculateColumn(id, "sum(amount)", "total", "region")))
	before := dataset(t, db, id)
	beforeRows := rows(t, db, id)

	calcs := []*tabdb.Calculation{{Name: "nosuch", Formula: "amount"}}
	err := waitErr(t, must(c.CalculateUpdates(id, map[string]any{"amount": 1}, calcs)))
	var ue *UnresolvedCalculationError
	if !errors.As(err, &ue) {
		t.Fatalf("** got %v, wanted UnresolvedCalculationError", err)
	}
	deepEqual(t, ue.Name, "nosuch")

	after := dataset(t, db, id)
	deepEqual(t, after.LinkedDatasets, before.LinkedDatasets)
	deepEqual(t, after.NumRows, before.NumRows)
	deepEqual(t, rows(t, db, id).Rows, beforeRows.Rows)
	deepEqual(t, exists(db, before.LinkedDatasets["region"]), true)

	// evaluation errors abort the same way
	calcs = []*tabdb.Calculation{{Name: "amount", Formula: "region * 2"}}
	err = waitErr(t, must(c.CalculateUpdates(id, map[string]any{"amount": 1, "region": "x"}, calcs)))
	if !errors.Is(err, formula.ErrTypeMismatch) {
		t.Fatalf("** got %v, wanted ErrTypeMismatch", err)
	}
	deepEqual(t, dataset(t, db, id).NumRows, before.NumRows)
}

func TestCalculateUpdates_Concurrent(t *testing.T) {
	db, c := setup(t)
	id := load(t, db, tabdb.Row{"n": 0})

	const count = 20
	var wg sync.WaitGroup
	jobs := make(chan *Job, count)
	for i := 1; i <= count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs <- must(c.CalculateUpdates(id, map[string]any{"n": i}, nil))
		}()
	}
	wg.Wait()
	close(jobs)
	for job := range jobs {
		wait(t, job)
	}

	deepEqual(t, dataset(t, db, id).NumRows, count+1)
	deepEqual(t, rows(t, db, id).Len(), count+1)
}

func TestAddCalculationAndUpdate(t *testing.T) {
	db, c := setup(t)
	id := load(t, db, tabdb.Row{"a": 1, "b": 1})

	wait(t, must(c.AddCalculation(id, &tabdb.Calculation{Name: "c", Formula: "a + b"})))
	var calcs []*tabdb.Calculation
	ok(t, db.ReadErr(func(tx *tabdb.Tx) error {
		var err error
		calcs, err = tx.Calculations(id)
		return err
	}))
	deepEqual(t, len(calcs), 1)
	deepEqual(t, calcs[0].Formula, "a + b")

	wait(t, must(c.Update(id, map[string]any{"a": 2, "b": 5})))
	deepEqual(t, column(rows(t, db, id), "c"), []any{2.0, 7.0})
}

func TestDeleteDataset(t *testing.T) {
	db, c := setup(t)
	id := load(t, db, tabdb.Row{"amount": 1, "region": "north"})
	wait(t, must(c.CalculateColumn(id, "sum(amount)", "total", "region")))
	wait(t, must(c.CalculateColumn(id, "mean(amount)", "avg", "")))
	linked := dataset(t, db, id).LinkedDatasets

	// deleting a linked dataset unregisters it
	wait(t, c.DeleteDataset(linked[""]))
	deepEqual(t, dataset(t, db, id).LinkedDatasets, map[string]string{"region": linked["region"]})

	wait(t, c.DeleteDataset(id))
	deepEqual(t, exists(db, id), false)
	deepEqual(t, exists(db, linked["region"]), false)

	err := waitErr(t, c.DeleteDataset(id))
	if !errors.Is(err, tabdb.ErrNotFound) {
		t.Errorf("** got %v, wanted ErrNotFound", err)
	}
}

func TestClassifyFields(t *testing.T) {
	labels := map[string]string{"Amount": "amount", "Gone": "gone", tabdb.IDField: "id_1"}
	columns := []string{"amount", tabdb.IDField, tabdb.DatasetIDField}

	fields := ClassifyFields(map[string]any{
		"Amount":       5,
		"Gone":         1,
		"Other":        2,
		tabdb.IDField:  "x",
		"amount_extra": 3,
	}, labels, columns)

	var classes []string
	for _, f := range fields {
		classes = append(classes, f.Name+"="+f.Class.String()+":"+f.Column)
	}
	deepEqual(t, classes, []string{
		"Amount=mapped:amount",
		"Gone=dropped:",
		"Other=dropped:",
		"_id=reserved:_id",
		"amount_extra=dropped:",
	})
}
