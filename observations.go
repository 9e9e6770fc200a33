package tabdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
)

// Rows of a dataset live in a nested bucket named after the dataset ID,
// keyed by a big-endian ordinal so that iteration order is insertion order.
func rowKey(ord uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], ord)
	return k[:]
}

func (tx *Tx) rowsBucket(ds *Dataset) storageBucket {
	return tx.stx.Bucket(rowsBucket, ds.ID)
}

// RowCursor iterates over a dataset's rows within a transaction.
type RowCursor struct {
	ds     *Dataset
	cur    storageCursor
	filter Filter
	sel    []string
	limit  int
	n      int

	// set when rows had to be materialized for ordering
	sorted []Row

	started bool
	row     Row
	err     error
}

// ScanRows returns a lazy cursor over the dataset's rows matching q. Rows are
// only read as the cursor advances, unless q.OrderBy requires sorting.
func (tx *Tx) ScanRows(ds *Dataset, q Query) *RowCursor {
	c := &RowCursor{ds: ds, sel: q.Select, limit: q.Limit}
	filter, err := TranslateTimestampFilter(ds.Schema, q.Filter)
	if err != nil {
		c.err = datasetErrf(ds.ID, "", err, "")
		return c
	}
	c.filter = filter
	if buck := tx.rowsBucket(ds); buck != nil {
		c.cur = buck.Cursor()
	}

	if q.OrderBy != "" {
		var rows []Row
		for c.advance() {
			rows = append(rows, c.row)
		}
		if c.err != nil {
			return c
		}
		sortRows(rows, q.OrderBy)
		c.sorted = rows
		c.cur = nil
	}
	return c
}

func (c *RowCursor) advance() bool {
	if c.cur == nil || c.err != nil {
		return false
	}
	var k, v []byte
	if c.started {
		k, v = c.cur.Next()
	} else {
		c.started = true
		k, v = c.cur.First()
	}
	for ; k != nil; k, v = c.cur.Next() {
		row, err := decodeRow(v)
		if err != nil {
			c.err = datasetErrf(c.ds.ID, "", err, "row %x", k)
			return false
		}
		if row[DatasetIDField] != c.ds.ID {
			continue
		}
		if c.filter.Match(row) {
			c.row = row
			return true
		}
	}
	c.cur = nil
	return false
}

// Next advances to the next matching row.
func (c *RowCursor) Next() bool {
	if c.limit > 0 && c.n >= c.limit {
		return false
	}
	if c.sorted != nil {
		if len(c.sorted) == 0 {
			return false
		}
		c.row, c.sorted = c.sorted[0], c.sorted[1:]
	} else if !c.advance() {
		return false
	}
	c.n++
	if len(c.sel) > 0 {
		r := make(Row, len(c.sel))
		for _, col := range c.sel {
			if v, ok := c.row[col]; ok {
				r[col] = v
			}
		}
		c.row = r
	}
	return true
}

func (c *RowCursor) Row() Row {
	return c.row
}

func (c *RowCursor) Err() error {
	return c.err
}

// FindRows returns the rows matching q as a frame. Columns follow the
// schema order, then any extra fields (such as reserved ones) sorted.
func (tx *Tx) FindRows(ds *Dataset, q Query) (*Frame, error) {
	c := tx.ScanRows(ds, q)
	var rows []Row
	for c.Next() {
		rows = append(rows, c.row)
	}
	if c.err != nil {
		return nil, c.err
	}
	columns := ds.Schema.Slugs()
	if len(q.Select) > 0 {
		columns = slices.Clone(q.Select)
	}
	f := &Frame{Columns: columns}
	if len(rows) > 0 {
		f = NewFrame(columns, rows)
	}
	return f, nil
}

// SampleRow returns the first row of the dataset, or nil if it has none.
func (tx *Tx) SampleRow(ds *Dataset) (Row, error) {
	c := tx.ScanRows(ds, Query{Limit: 1})
	if c.Next() {
		return c.Row(), nil
	}
	return nil, c.Err()
}

// DeleteRows removes the dataset's rows matching filter (all rows if the
// filter is empty), updating the row count and invalidating the summary.
func (tx *Tx) DeleteRows(ds *Dataset, filter Filter) (int, error) {
	n, err := tx.deleteRows(ds, filter)
	if err != nil {
		return 0, err
	}
	ds.NumRows = tx.countRows(ds)
	tx.InvalidateSummary(ds)
	return n, tx.PutDataset(ds)
}

func (tx *Tx) deleteRows(ds *Dataset, filter Filter) (int, error) {
	tx.markWritten()
	buck := tx.rowsBucket(ds)
	if buck == nil {
		return 0, nil
	}
	filter, err := TranslateTimestampFilter(ds.Schema, filter)
	if err != nil {
		return 0, datasetErrf(ds.ID, "", err, "")
	}

	var keys [][]byte
	c := buck.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		row, err := decodeRow(v)
		if err != nil {
			return 0, datasetErrf(ds.ID, "", err, "row %x", k)
		}
		if row[DatasetIDField] == ds.ID && filter.Match(row) {
			keys = append(keys, bytes.Clone(k))
		}
	}

	if len(filter) == 0 {
		if err := tx.stx.DeleteBucket(rowsBucket, ds.ID); err != nil && err != ErrBucketNotFound {
			return 0, datasetErrf(ds.ID, "", err, "delete rows")
		}
		return len(keys), nil
	}
	for _, k := range keys {
		if err := buck.Delete(k); err != nil {
			return 0, datasetErrf(ds.ID, "", err, "delete row %x", k)
		}
	}
	return len(keys), nil
}

func (tx *Tx) countRows(ds *Dataset) int {
	buck := tx.rowsBucket(ds)
	if buck == nil {
		return 0
	}
	var n int
	c := buck.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

// SaveRows appends the frame's rows to the dataset.
//
// The first save establishes the schema from the frame, slugifying column
// labels; later saves only add schema entries for new columns. Every written
// row is stamped with the dataset ID. The dataset becomes ready even when the
// frame is empty, and its summary is recomputed in the background.
func (tx *Tx) SaveRows(ds *Dataset, f *Frame) error {
	tx.markWritten()
	if len(ds.Schema) == 0 {
		scm, renames := BuildSchema(f)
		ds.Schema = scm
		f = f.Rename(renames)
	} else {
		ds.Schema = extendSchema(ds.Schema, f)
	}

	if f.Len() > 0 {
		f = ds.StampDatasetID(f)
		buck, err := tx.stx.CreateBucket(rowsBucket, ds.ID)
		if err != nil {
			return datasetErrf(ds.ID, "", err, "create rows bucket")
		}
		var next uint64
		if k, _ := buck.Cursor().Last(); k != nil {
			next = binary.BigEndian.Uint64(k) + 1
		}
		for _, row := range f.Rows {
			if err := buck.Put(rowKey(next), encodeRow(row)); err != nil {
				return datasetErrf(ds.ID, "", err, "write row %d", next)
			}
			if tx.db.verbose {
				tx.db.logger.Debug("tabdb: PUT", "dataset", ds.ID, "row", next, "value", loggableRow(row))
			}
			next++
		}
	}

	ds.NumRows = tx.countRows(ds)
	ds.State = StateReady
	tx.InvalidateSummary(ds)
	if err := tx.PutDataset(ds); err != nil {
		return err
	}
	if tx.db.verbose {
		tx.db.logger.Debug("tabdb: saved rows", "dataset", ds.ID, "written", f.Len(), "rows", ds.NumRows)
	}
	return nil
}

// UpdateRows overwrites all of the dataset's rows with the frame. Readers
// see either the old or the new row set.
func (tx *Tx) UpdateRows(ds *Dataset, f *Frame) error {
	if _, err := tx.deleteRows(ds, nil); err != nil {
		return fmt.Errorf("overwrite: %w", err)
	}
	return tx.SaveRows(ds, f)
}
