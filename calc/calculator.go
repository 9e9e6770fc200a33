/*
Package calc computes derived columns and merges new rows into tabdb datasets.

Every mutation of a dataset runs as a unit on a Queue keyed by the dataset ID,
so at most one of them touches a given dataset at a time. Each unit does its
reads and writes in a single write transaction: a failing unit leaves the
dataset as it was.

Compute column evaluates a formula over every row. Row-wise results are
joined onto the table and stored as a full overwrite; aggregations go to the
AggregationEngine, which maintains the parent's linked datasets.

Merge update appends one row, evaluating the given calculations against it
in order. Calculations that only exist as columns of linked datasets are
recomputed by follow-up units on the same key once the merge commits.
*/
package calc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/andreyvit/tabdb"
	"github.com/andreyvit/tabdb/formula"
)

type FormulaEngine interface {
	Validate(formula string, sample map[string]any, ctx *formula.Context) error
	Parse(formula string, ctx *formula.Context) (*formula.Plan, error)
}

type AggregationEngine interface {
	Compute(tx *tabdb.Tx, parent *tabdb.Dataset, f *tabdb.Frame, columns []*tabdb.Series, groups []string, kind, name string) (*tabdb.Frame, error)
}

type Options struct {
	Logger  *slog.Logger
	Verbose bool

	// Shards is the number of queue workers, GOMAXPROCS by default.
	Shards int

	Formulas   FormulaEngine
	Aggregator AggregationEngine
}

type Calculator struct {
	db         *tabdb.DB
	logger     *slog.Logger
	verbose    bool
	formulas   FormulaEngine
	aggregator AggregationEngine
	queue      *Queue
}

func New(db *tabdb.DB, opt Options) *Calculator {
	if opt.Logger == nil {
		opt.Logger = db.Logger()
	}
	if opt.Formulas == nil {
		opt.Formulas = formula.New()
	}
	if opt.Aggregator == nil {
		opt.Aggregator = Aggregator{}
	}
	return &Calculator{
		db:         db,
		logger:     opt.Logger,
		verbose:    opt.Verbose,
		formulas:   opt.Formulas,
		aggregator: opt.Aggregator,
		queue:      NewQueue(opt.Shards, opt.Logger, opt.Verbose),
	}
}

// Close finishes queued units. The DB stays open.
func (c *Calculator) Close() {
	c.queue.Close()
}

// Validate checks formula against the dataset's current shape: its syntax,
// and with at least one row, that it applies to the first row. Only that one
// sample row is checked, so later rows can still fail when the unit runs.
// Every group column must be among the current columns.
func (c *Calculator) Validate(datasetID, formulaText, group string) error {
	var ds *tabdb.Dataset
	var sample tabdb.Row
	err := c.db.ReadErr(func(tx *tabdb.Tx) error {
		var err error
		ds, err = tx.Dataset(datasetID)
		if err != nil {
			return err
		}
		sample, err = tx.SampleRow(ds)
		return err
	})
	if err != nil {
		return err
	}

	err = c.formulas.Validate(formulaText, sample, &formula.Context{LabelsToSlugs: ds.LabelsToSlugs()})
	if err != nil {
		return err
	}

	columns := ds.Schema.Slugs()
	for k := range sample {
		if !slices.Contains(columns, k) {
			columns = append(columns, k)
		}
	}
	for _, g := range tabdb.SplitGroups(group) {
		if !slices.Contains(columns, g) {
			return &InvalidGroupError{DatasetID: datasetID, Column: g}
		}
	}
	return nil
}

// CalculateColumn validates the formula synchronously, then schedules its
// computation into a column called name. The job's result is the updated
// table, or the linked dataset's table for an aggregation.
func (c *Calculator) CalculateColumn(datasetID, formulaText, name, group string) (*Job, error) {
	if err := c.Validate(datasetID, formulaText, group); err != nil {
		return nil, err
	}
	return c.submitCompute(datasetID, formulaText, name, group), nil
}

// AddCalculation is CalculateColumn that also records the calculation on the
// dataset, in the same transaction as the computed result.
func (c *Calculator) AddCalculation(datasetID string, calc *tabdb.Calculation) (*Job, error) {
	if err := c.Validate(datasetID, calc.Formula, calc.Group); err != nil {
		return nil, err
	}
	calc = &tabdb.Calculation{Name: calc.Name, Formula: calc.Formula, Group: calc.Group, Created: calc.Created}
	return c.queue.Submit(datasetID, "calculate "+calc.Name, func(job *Job) (result *tabdb.Frame, err error) {
		err = c.db.Write(func(tx *tabdb.Tx) error {
			if err := tx.PutCalculation(datasetID, calc); err != nil {
				return err
			}
			result, err = c.computeColumn(tx, datasetID, calc.Formula, calc.Name, calc.Group)
			return err
		})
		return result, err
	}), nil
}

func (c *Calculator) submitCompute(datasetID, formulaText, name, group string) *Job {
	return c.queue.Submit(datasetID, "compute "+name, c.computeUnit(datasetID, formulaText, name, group))
}

func (c *Calculator) computeUnit(datasetID, formulaText, name, group string) Unit {
	return func(job *Job) (result *tabdb.Frame, err error) {
		err = c.db.Write(func(tx *tabdb.Tx) error {
			result, err = c.computeColumn(tx, datasetID, formulaText, name, group)
			return err
		})
		return result, err
	}
}

func (c *Calculator) computeColumn(tx *tabdb.Tx, datasetID, formulaText, name, group string) (*tabdb.Frame, error) {
	ds, err := tx.Dataset(datasetID)
	if err != nil {
		return nil, err
	}
	f, err := tx.FindRows(ds, tabdb.Query{})
	if err != nil {
		return nil, err
	}
	plan, err := c.formulas.Parse(formulaText, &formula.Context{LabelsToSlugs: ds.LabelsToSlugs()})
	if err != nil {
		return nil, err
	}

	columns := make([]*tabdb.Series, len(plan.Evaluators))
	for i, ev := range plan.Evaluators {
		s, err := evaluate(ev, f)
		if err != nil {
			return nil, &tabdb.DatasetError{DatasetID: datasetID, Column: name, Err: err}
		}
		columns[i] = s
	}
	columns[0].Name = name

	if c.verbose {
		c.logger.LogAttrs(context.Background(), slog.LevelDebug, "calc: computed column", slog.String("dataset", datasetID), slog.String("column", name), slog.String("aggregation", plan.Aggregation), slog.Int("rows", f.Len()))
	}

	if plan.IsAggregate() {
		return c.aggregator.Compute(tx, ds, f, columns, tabdb.SplitGroups(group), plan.Aggregation, name)
	}

	joined, err := f.Join(columns[0])
	if err != nil {
		return nil, err
	}
	if err := tx.UpdateRows(ds, joined); err != nil {
		return nil, err
	}
	return tx.FindRows(ds, tabdb.Query{})
}

func evaluate(ev formula.Evaluator, f *tabdb.Frame) (*tabdb.Series, error) {
	s := &tabdb.Series{Values: make([]any, f.Len())}
	for i, row := range f.Rows {
		v, err := ev(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		s.Values[i] = v
	}
	return s, nil
}

// Update merges newRow into the dataset, recomputing the dataset's stored
// calculations.
func (c *Calculator) Update(datasetID string, newRow map[string]any) (*Job, error) {
	var calcs []*tabdb.Calculation
	err := c.db.ReadErr(func(tx *tabdb.Tx) error {
		var err error
		calcs, err = tx.Calculations(datasetID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.CalculateUpdates(datasetID, newRow, calcs)
}

// CalculateUpdates schedules a merge of newRow into the dataset. Incoming
// fields are labels; fields that map to no column are dropped. The
// calculations are applied to the new row in order, each seeing the columns
// produced by the ones before it. All linked datasets are dropped; the ones
// the calculations derive from are rebuilt by follow-up jobs.
func (c *Calculator) CalculateUpdates(datasetID string, newRow map[string]any, calcs []*tabdb.Calculation) (*Job, error) {
	err := c.db.ReadErr(func(tx *tabdb.Tx) error {
		_, err := tx.Dataset(datasetID)
		return err
	})
	if err != nil {
		return nil, err
	}
	row := maps.Clone(newRow)
	calcs = slices.Clone(calcs)
	return c.queue.Submit(datasetID, "merge", func(job *Job) (*tabdb.Frame, error) {
		return c.mergeUpdate(job, datasetID, row, calcs)
	}), nil
}

// linkedColumn is a column of a linked dataset, by the group key it lives under.
type linkedColumn struct {
	Slug  string
	Group string
}

type followup struct {
	formula, name, group string
}

func (c *Calculator) mergeUpdate(job *Job, datasetID string, newRow map[string]any, calcs []*tabdb.Calculation) (*tabdb.Frame, error) {
	var result *tabdb.Frame
	var followups []followup
	err := c.db.Write(func(tx *tabdb.Tx) error {
		ds, err := tx.Dataset(datasetID)
		if err != nil {
			return err
		}
		f, err := tx.FindRows(ds, tabdb.Query{})
		if err != nil {
			return err
		}
		labels := ds.LabelsToSlugs()

		fields := ClassifyFields(newRow, labels, f.Columns)
		if c.verbose {
			for _, fld := range fields {
				c.logger.LogAttrs(context.Background(), slog.LevelDebug, "calc: merge field", slog.String("dataset", datasetID), slog.String("field", fld.Name), slog.String("class", fld.Class.String()))
			}
		}
		newFrame := tabdb.RecognizeDatesFromSchema(ds.Schema, newRowFrame(fields))

		linked := make(map[string]linkedColumn)
		for _, key := range ds.LinkedGroupKeys() {
			lds, err := tx.Dataset(ds.LinkedDatasets[key])
			if errors.Is(err, tabdb.ErrNotFound) {
				continue
			} else if err != nil {
				return fmt.Errorf("linked dataset %q: %w", key, err)
			}
			for label, slug := range lds.LabelsToSlugs() {
				linked[label] = linkedColumn{slug, key}
			}
		}

		fctx := &formula.Context{LabelsToSlugs: labels}
		for _, calc := range calcs {
			plan, err := c.formulas.Parse(calc.Formula, fctx)
			if err != nil {
				return err
			}
			v, err := plan.Evaluators[0](newFrame.Rows[0])
			if err != nil {
				return &tabdb.DatasetError{DatasetID: datasetID, Column: calc.Name, Err: err}
			}

			var dest string
			if f.HasColumn(calc.Name) {
				dest = calc.Name
			} else if slug, ok := labels[calc.Name]; ok {
				dest = slug
			} else if lc, ok := linked[calc.Name]; ok {
				followups = append(followups, followup{calc.Formula, lc.Slug, lc.Group})
				continue
			} else {
				return &UnresolvedCalculationError{DatasetID: datasetID, Name: calc.Name}
			}
			newFrame, err = newFrame.Join(&tabdb.Series{Name: dest, Values: []any{v}})
			if err != nil {
				return err
			}
		}

		merged := f.Concat(newFrame)

		for _, key := range ds.LinkedGroupKeys() {
			err := tx.DeleteDataset(ds.LinkedDatasets[key])
			if err != nil && !errors.Is(err, tabdb.ErrNotFound) {
				return fmt.Errorf("deleting linked dataset %q: %w", key, err)
			}
		}
		ds.ClearLinkedDatasets()

		if err := tx.UpdateRows(ds, merged); err != nil {
			return err
		}
		result, err = tx.FindRows(ds, tabdb.Query{})
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, fu := range followups {
		job.Submit(datasetID, "compute "+fu.name, c.computeUnit(datasetID, fu.formula, fu.name, fu.group))
	}
	return result, nil
}

// DeleteDataset schedules removal of the dataset and its linked datasets. A
// linked dataset is also unregistered from its parent.
func (c *Calculator) DeleteDataset(datasetID string) *Job {
	return c.queue.Submit(datasetID, "delete", func(job *Job) (*tabdb.Frame, error) {
		return nil, c.db.Write(func(tx *tabdb.Tx) error {
			ds, err := tx.Dataset(datasetID)
			if err != nil {
				return err
			}
			if ds.ParentID != "" {
				if err := unlinkFromParent(tx, ds); err != nil {
					return err
				}
			}
			return tx.DeleteDataset(datasetID)
		})
	})
}

func unlinkFromParent(tx *tabdb.Tx, ds *tabdb.Dataset) error {
	parent, err := tx.Dataset(ds.ParentID)
	if errors.Is(err, tabdb.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	changed := false
	for _, key := range parent.LinkedGroupKeys() {
		if parent.LinkedDatasets[key] == ds.ID {
			delete(parent.LinkedDatasets, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return tx.PutDataset(parent)
}
