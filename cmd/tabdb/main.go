// Command tabdb imports tabular data, computes derived columns and merges new
// rows from the command line.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/andreyvit/tabdb"
	"github.com/andreyvit/tabdb/calc"
)

type Globals struct {
	DB        string        `name:"db" help:"Database file" default:"tabdb.db" env:"TABDB_PATH" type:"path"`
	LogLevel  string        `name:"log-level" help:"Log level (debug, info, warn, error)" default:"info" enum:"debug,info,warn,error"`
	LogFormat string        `name:"log-format" help:"Log format (text, json)" default:"text" enum:"text,json"`
	Verbose   bool          `short:"v" help:"Trace storage and calculation steps"`
	Timeout   time.Duration `help:"How long to wait for scheduled work" default:"1m"`
}

var CLI struct {
	Globals

	Import  ImportCmd  `cmd:"" help:"Import a CSV file as a new dataset"`
	List    ListCmd    `cmd:"" help:"List datasets"`
	Show    ShowCmd    `cmd:"" help:"Print rows of a dataset as JSON lines"`
	Calc    CalcCmd    `cmd:"" help:"Compute a column from a formula"`
	Update  UpdateCmd  `cmd:"" help:"Merge a row into a dataset, recomputing its calculations"`
	Summary SummaryCmd `cmd:"" help:"Print summary statistics of a dataset"`
	Delete  DeleteCmd  `cmd:"" help:"Delete a dataset and its linked datasets"`
	Dump    DumpCmd    `cmd:"" help:"Print the raw contents of the database"`
}

func (g *Globals) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	if g.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}
	var handler slog.Handler
	if g.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

type app struct {
	db   *tabdb.DB
	calc *calc.Calculator
	g    *Globals
}

func (g *Globals) open() (*app, error) {
	logger := g.logger()
	db, err := tabdb.Open(g.DB, tabdb.Options{Logger: logger, Verbose: g.Verbose})
	if err != nil {
		return nil, err
	}
	return &app{
		db:   db,
		calc: calc.New(db, calc.Options{Logger: logger, Verbose: g.Verbose}),
		g:    g,
	}, nil
}

func (a *app) Close() {
	a.calc.Close()
	a.db.Close()
}

func (a *app) wait(job *calc.Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.g.Timeout)
	defer cancel()
	return job.Wait(ctx)
}

type ImportCmd struct {
	Path  string `arg:"" help:"CSV file with a header row" type:"existingfile"`
	Comma string `help:"Field separator" default:","`
}

func (c *ImportCmd) Run(g *Globals) error {
	f, err := os.Open(c.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	frame, err := readCSV(f, c.Comma)
	if err != nil {
		return fmt.Errorf("%s: %w", c.Path, err)
	}

	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	var id string
	err = a.db.Write(func(tx *tabdb.Tx) error {
		ds, err := tx.CreateDataset("")
		if err != nil {
			return err
		}
		id = ds.ID
		return tx.SaveRows(ds, tabdb.RecognizeDates(frame))
	})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func readCSV(r io.Reader, comma string) (*tabdb.Frame, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	if comma != "" {
		cr.Comma = []rune(comma)[0]
	}
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	var rows []tabdb.Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		row := make(tabdb.Row, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = parseCell(rec[i])
			} else {
				row[col] = nil
			}
		}
		rows = append(rows, row)
	}
	return tabdb.NewFrame(header, rows), nil
}

func parseCell(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil && strings.ContainsAny(s[:1], "tTfF") {
		return b
	}
	return s
}

type ListCmd struct{}

func (c *ListCmd) Run(g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	return a.db.ReadErr(func(tx *tabdb.Tx) error {
		all, err := tx.Datasets()
		if err != nil {
			return err
		}
		for _, ds := range all {
			parent := ""
			if ds.ParentID != "" {
				parent = " linked to " + ds.ParentID
			}
			fmt.Printf("%s\t%s\t%d rows\t%d columns%s\n", ds.ID, ds.State, ds.NumRows, len(ds.Schema), parent)
		}
		return nil
	})
}

type ShowCmd struct {
	ID      string   `arg:"" help:"Dataset ID"`
	Filter  string   `help:"JSON filter, e.g. '{\"amount\": {\"$gt\": 5}}'"`
	Select  []string `help:"Columns to print"`
	Limit   int      `help:"Maximum number of rows"`
	OrderBy string   `name:"order-by" help:"Column to sort by, prefix with - for descending"`
}

func (c *ShowCmd) Run(g *Globals) error {
	q := tabdb.Query{Select: c.Select, Limit: c.Limit, OrderBy: c.OrderBy}
	if c.Filter != "" {
		f, err := tabdb.ParseFilter([]byte(c.Filter))
		if err != nil {
			return err
		}
		q.Filter = f
	}

	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	enc := json.NewEncoder(os.Stdout)
	return a.db.ReadErr(func(tx *tabdb.Tx) error {
		ds, err := tx.Dataset(c.ID)
		if err != nil {
			return err
		}
		cur := tx.ScanRows(ds, q)
		for cur.Next() {
			if err := enc.Encode(cur.Row()); err != nil {
				return err
			}
		}
		return cur.Err()
	})
}

type CalcCmd struct {
	ID      string `arg:"" help:"Dataset ID"`
	Name    string `arg:"" help:"Name of the computed column"`
	Formula string `arg:"" help:"Formula, e.g. 'amount * 2' or 'sum(amount)'"`
	Group   string `short:"g" help:"Comma-separated group columns for aggregations"`
	Save    bool   `help:"Store the calculation so that updates recompute it"`
}

func (c *CalcCmd) Run(g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	var job *calc.Job
	if c.Save {
		job, err = a.calc.AddCalculation(c.ID, &tabdb.Calculation{Name: c.Name, Formula: c.Formula, Group: c.Group})
	} else {
		job, err = a.calc.CalculateColumn(c.ID, c.Formula, c.Name, c.Group)
	}
	if err != nil {
		return err
	}
	if err := a.wait(job); err != nil {
		return err
	}
	return printFrame(job.Result())
}

type UpdateCmd struct {
	ID  string `arg:"" help:"Dataset ID"`
	Row string `arg:"" help:"JSON object keyed by column labels"`
}

func (c *UpdateCmd) Run(g *Globals) error {
	var row map[string]any
	if err := json.Unmarshal([]byte(c.Row), &row); err != nil {
		return fmt.Errorf("invalid row: %w", err)
	}

	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.calc.Update(c.ID, row)
	if err != nil {
		return err
	}
	if err := a.wait(job); err != nil {
		return err
	}
	fmt.Printf("%d rows\n", job.Result().Len())
	return nil
}

type SummaryCmd struct {
	ID string `arg:"" help:"Dataset ID"`
}

func (c *SummaryCmd) Run(g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	sum, err := a.db.Summary(c.ID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

type DeleteCmd struct {
	ID string `arg:"" help:"Dataset ID"`
}

func (c *DeleteCmd) Run(g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	err = a.wait(a.calc.DeleteDataset(c.ID))
	if errors.Is(err, tabdb.ErrNotFound) {
		return fmt.Errorf("no dataset %s", c.ID)
	}
	return err
}

type DumpCmd struct {
	Rows  bool `help:"Include rows" negatable:"" default:"true"`
	Stats bool `help:"Include storage statistics"`
}

func (c *DumpCmd) Run(g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	f := tabdb.DumpDatasetHeaders | tabdb.DumpSchema | tabdb.DumpCalculations
	if c.Rows {
		f |= tabdb.DumpRows
	}
	if c.Stats {
		f |= tabdb.DumpStats
	}
	a.db.Read(func(tx *tabdb.Tx) {
		fmt.Print(tx.Dump(f))
	})
	return nil
}

func printFrame(f *tabdb.Frame) error {
	if f == nil {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	for _, row := range f.Rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("tabdb"),
		kong.Description("Derived columns and row merges over tabular datasets"),
		kong.UsageOnError(),
		kong.Bind(&CLI.Globals),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
