package tabdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Summary holds descriptive statistics over a dataset's rows, stamped with
// the dataset version it was computed from.
type Summary struct {
	Version uint64                    `msgpack:"v"`
	NumRows int                       `msgpack:"n"`
	Columns map[string]*ColumnSummary `msgpack:"c"`
}

type ColumnSummary struct {
	Count int `msgpack:"n"`
	Nulls int `msgpack:"z"`

	// numeric columns
	Sum  float64 `msgpack:"sum,omitempty"`
	Mean float64 `msgpack:"mean,omitempty"`
	Std  float64 `msgpack:"std,omitempty"`
	Min  float64 `msgpack:"min,omitempty"`
	Max  float64 `msgpack:"max,omitempty"`

	// datetime columns
	Earliest time.Time `msgpack:"t0,omitempty"`
	Latest   time.Time `msgpack:"t1,omitempty"`

	// string and bool columns
	Values map[string]int `msgpack:"vals,omitempty"`
}

// ComputeSummary summarizes the frame according to the schema's column types.
func ComputeSummary(scm Schema, f *Frame) *Summary {
	sum := &Summary{NumRows: f.Len(), Columns: make(map[string]*ColumnSummary, len(scm))}
	for _, col := range scm {
		cs := &ColumnSummary{}
		var nums []float64
		for _, row := range f.Rows {
			v := row[col.Slug]
			if v == nil {
				cs.Nulls++
				continue
			}
			cs.Count++
			switch v := v.(type) {
			case float64:
				nums = append(nums, v)
			case time.Time:
				if cs.Earliest.IsZero() || v.Before(cs.Earliest) {
					cs.Earliest = v
				}
				if v.After(cs.Latest) {
					cs.Latest = v
				}
			default:
				if cs.Values == nil {
					cs.Values = make(map[string]int)
				}
				cs.Values[fmt.Sprint(v)]++
			}
		}
		if len(nums) > 0 {
			cs.Sum = sumOf(nums)
			cs.Mean = cs.Sum / float64(len(nums))
			cs.Std = math.Sqrt(varianceOf(nums))
			cs.Min, cs.Max = minMaxOf(nums)
		}
		sum.Columns[col.Slug] = cs
	}
	return sum
}

func sumOf(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += v
	}
	return s
}

// varianceOf is the population variance, computed in a single pass.
func varianceOf(x []float64) float64 {
	n := float64(len(x))
	if n == 0 {
		return 0
	}
	sum, sumSq := 0.0, 0.0
	for _, v := range x {
		sum += v
		sumSq += v * v
	}
	mean := sum / n
	return math.Max(0, (sumSq/n)-(mean*mean))
}

func minMaxOf(x []float64) (float64, float64) {
	min, max := x[0], x[0]
	for _, v := range x[1:] {
		if v < min {
			min = v
		} else if v > max {
			max = v
		}
	}
	return min, max
}

// InvalidateSummary is the single invalidation signal for a row-set
// mutation: it bumps the dataset version, drops the cached summary and, once
// the transaction commits, queues background recomputation. The caller
// persists ds.
func (tx *Tx) InvalidateSummary(ds *Dataset) {
	tx.markWritten()
	ds.Version++
	err := tx.stx.Bucket(summariesBucket, "").Delete([]byte(ds.ID))
	if err != nil {
		panic(fmt.Errorf("deleting summary of %s: %w", ds.ID, err))
	}
	id := ds.ID
	tx.OnCommit(func() { tx.db.summaries.markDirty(id) })
}

func (tx *Tx) cachedSummary(ds *Dataset) (*Summary, error) {
	data := tx.stx.Bucket(summariesBucket, "").Get([]byte(ds.ID))
	if data == nil {
		return nil, nil
	}
	sum := new(Summary)
	if err := decodeValue(data, sum); err != nil {
		return nil, datasetErrf(ds.ID, "", err, "summary")
	}
	if sum.Version != ds.Version {
		return nil, nil
	}
	return sum, nil
}

func (tx *Tx) storeSummary(ds *Dataset) (*Summary, error) {
	f, err := tx.FindRows(ds, Query{})
	if err != nil {
		return nil, err
	}
	sum := ComputeSummary(ds.Schema, f)
	sum.Version = ds.Version
	err = tx.stx.Bucket(summariesBucket, "").Put([]byte(ds.ID), encodeValue(sum))
	if err != nil {
		return nil, datasetErrf(ds.ID, "", err, "store summary")
	}
	return sum, nil
}

// Summary returns the dataset's summary, computing it if the cached one is
// missing or stale.
func (db *DB) Summary(id string) (*Summary, error) {
	var sum *Summary
	err := db.ReadErr(func(tx *Tx) error {
		ds, err := tx.Dataset(id)
		if err != nil {
			return err
		}
		sum, err = tx.cachedSummary(ds)
		return err
	})
	if err != nil || sum != nil {
		return sum, err
	}
	return db.summaries.recompute(id)
}

// Summaries recomputes invalidated summaries in the background. Multiple
// invalidations of one dataset before the worker gets to it coalesce.
type Summaries struct {
	db *DB

	mu      sync.Mutex
	dirty   map[string]bool
	wake    chan struct{}
	quit    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

func newSummaries(db *DB, background bool) *Summaries {
	s := &Summaries{
		db:    db,
		dirty: make(map[string]bool),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
	}
	if background {
		s.wg.Add(1)
		go s.run()
	} else {
		s.stopped = true
	}
	return s
}

func (s *Summaries) markDirty(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.dirty[id] = true
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Summaries) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dirty, id)
}

func (s *Summaries) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}
		for {
			id, ok := s.pop()
			if !ok {
				break
			}
			if _, err := s.recompute(id); err != nil && !errors.Is(err, ErrNotFound) {
				s.db.logger.LogAttrs(context.Background(), slog.LevelWarn, "tabdb: summary recomputation failed", slog.String("dataset", id), slog.Any("err", err))
			}
		}
	}
}

func (s *Summaries) pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.dirty {
		delete(s.dirty, id)
		return id, true
	}
	return "", false
}

func (s *Summaries) recompute(id string) (*Summary, error) {
	var sum *Summary
	err := s.db.Write(func(tx *Tx) error {
		ds, err := tx.Dataset(id)
		if err != nil {
			return err
		}
		sum, err = tx.cachedSummary(ds)
		if err != nil || sum != nil {
			return err
		}
		tx.markWritten()
		sum, err = tx.storeSummary(ds)
		return err
	})
	return sum, err
}

func (s *Summaries) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.quit)
	s.wg.Wait()
}
