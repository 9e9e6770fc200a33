package tabdb

import (
	"errors"
	"strings"
	"testing"
)

func TestDBTx_FailureRollsBack(t *testing.T) {
	eachBackend(t, func(t *testing.T, db *DB) {
		var id string
		err := db.Write(func(tx *Tx) error {
			ds, err := tx.CreateDataset("")
			if err != nil {
				return err
			}
			id = ds.ID
			return errors.New("boom")
		})
		if err == nil || err.Error() != "boom" {
			t.Fatalf("db.Write err = %v, wanted boom", err)
		}
		err = db.ReadErr(func(tx *Tx) error {
			_, err := tx.Dataset(id)
			return err
		})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("** got %v, wanted ErrNotFound after rollback", err)
		}
	})
}

func TestDBTx_PanicBecomesError(t *testing.T) {
	eachBackend(t, func(t *testing.T, db *DB) {
		err := db.Tx(true, func(tx *Tx) error {
			panic("boom")
		})
		if err == nil {
			t.Fatalf("db.Tx err = nil, wanted error")
		}
		if !strings.Contains(err.Error(), "panic: boom") {
			t.Fatalf("db.Tx err = %q, wanted it to include %q", err.Error(), "panic: boom")
		}

		// the writer lock must have been released
		createDataset(t, db)
	})
}

func TestTx_WriteInReadOnlyTxPanics(t *testing.T) {
	eachBackend(t, func(t *testing.T, db *DB) {
		err := db.ReadErr(func(tx *Tx) error {
			if tx.IsWritable() {
				t.Errorf("IsWritable() = true in a read transaction")
			}
			_, err := tx.CreateDataset("")
			return err
		})
		if err == nil || !strings.Contains(err.Error(), "read-only transaction") {
			t.Fatalf("** got %v, wanted read-only transaction panic", err)
		}
	})
}

func TestTx_OnCommit(t *testing.T) {
	eachBackend(t, func(t *testing.T, db *DB) {
		var calls int
		ok(t, db.Write(func(tx *Tx) error {
			tx.OnCommit(func() { calls++ })
			if calls != 0 {
				t.Errorf("OnCommit callback ran before commit")
			}
			return nil
		}))
		deepEqual(t, calls, 1)

		_ = db.Write(func(tx *Tx) error {
			tx.OnCommit(func() { calls++ })
			return errors.New("boom")
		})
		deepEqual(t, calls, 1)
	})
}

func TestDB_TxCounters(t *testing.T) {
	db := setup(t, "mem")
	reads, writes := db.ReadCount.Load(), db.WriteCount.Load()
	db.Read(func(tx *Tx) {
		if tx.DB() != db {
			t.Errorf("DB() mismatch")
		}
	})
	createDataset(t, db)
	deepEqual(t, db.ReadCount.Load(), reads+1)
	deepEqual(t, db.WriteCount.Load(), writes+1)
}
