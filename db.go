package tabdb

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

// Root buckets. Rows and calculations use one nested bucket per dataset.
const (
	datasetsBucket     = "datasets"
	rowsBucket         = "rows"
	calculationsBucket = "calculations"
	summariesBucket    = "summaries"
)

type DB struct {
	stor    storage
	bdb     *bbolt.DB
	logger  *slog.Logger
	verbose bool
	now     func() time.Time

	summaries *Summaries

	ReadCount  atomic.Uint64
	WriteCount atomic.Uint64
}

type Options struct {
	Logger    *slog.Logger
	Verbose   bool
	IsTesting bool
	MmapSize  int

	// InMemory keeps everything in a transient in-memory store; path is ignored.
	InMemory bool

	// NoBackgroundSummaries disables the summary recomputation worker;
	// summaries are then only computed on demand by DB.Summary.
	NoBackgroundSummaries bool

	Now func() time.Time
}

func Open(path string, opt Options) (*DB, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}

	db := &DB{
		logger:  opt.Logger,
		verbose: opt.Verbose,
		now:     opt.Now,
	}

	if opt.InMemory {
		db.stor = newMemStorage()
	} else {
		bopt := &bbolt.Options{}
		*bopt = *bbolt.DefaultOptions
		bopt.Timeout = 10 * time.Second
		if opt.IsTesting {
			bopt.NoSync = true
			bopt.NoFreelistSync = true
			bopt.InitialMmapSize = 1024 * 1024 * 5
		} else {
			bopt.InitialMmapSize = 1024 * 1024 * 1024
			bopt.FreelistType = bbolt.FreelistMapType
		}
		if opt.MmapSize != 0 {
			bopt.InitialMmapSize = opt.MmapSize
		}

		bdb, err := bbolt.Open(path, 0666, bopt)
		if err != nil {
			return nil, fmt.Errorf("tabdb: %w", err)
		}
		db.bdb = bdb
		db.stor = newBoltStorage(bdb)
	}

	err := db.Tx(true, func(tx *Tx) error {
		for _, name := range []string{datasetsBucket, rowsBucket, calculationsBucket, summariesBucket} {
			if _, err := tx.stx.CreateBucket(name, ""); err != nil {
				return fmt.Errorf("creating %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.stor.Close()
		return nil, fmt.Errorf("tabdb: %w", err)
	}

	db.summaries = newSummaries(db, !opt.NoBackgroundSummaries)
	return db, nil
}

// Bolt returns the underlying Bolt database, or nil for an in-memory DB.
func (db *DB) Bolt() *bbolt.DB {
	return db.bdb
}

func (db *DB) Logger() *slog.Logger {
	return db.logger
}

// Close stops the summary worker and closes the storage.
func (db *DB) Close() {
	db.summaries.stop()
	err := db.stor.Close()
	if err != nil {
		panic(fmt.Errorf("tabdb: closing: %w", err))
	}
}
