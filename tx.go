package tabdb

import (
	"fmt"
	"runtime/debug"
)

// Tx is a read or write transaction. Every row and registry operation
// happens within one.
type Tx struct {
	db       *DB
	stx      storageTx
	writable bool
	written  bool

	afterCommit []func()
}

func (tx *Tx) DB() *DB {
	return tx.db
}

func (tx *Tx) IsWritable() bool {
	return tx.writable
}

// OnCommit registers f to run after the transaction commits successfully.
func (tx *Tx) OnCommit(f func()) {
	tx.afterCommit = append(tx.afterCommit, f)
}

func (tx *Tx) markWritten() {
	if !tx.writable {
		panic("write attempted in a read-only transaction")
	}
	tx.written = true
}

// Tx runs f within a transaction. A writable transaction commits if f returns
// nil and rolls back otherwise; a panic inside f is returned as an error.
func (db *DB) Tx(writable bool, f func(tx *Tx) error) error {
	stx, err := db.stor.BeginTx(writable)
	if err != nil {
		return fmt.Errorf("tabdb: begin: %w", err)
	}
	tx := &Tx{db: db, stx: stx, writable: writable}
	if writable {
		db.WriteCount.Add(1)
	} else {
		db.ReadCount.Add(1)
	}

	err = safelyCall(f, tx)
	if err != nil || !writable {
		if rerr := stx.Rollback(); rerr != nil && err == nil {
			err = rerr
		}
		return err
	}

	if err := stx.Commit(); err != nil {
		return fmt.Errorf("tabdb: commit: %w", err)
	}
	for _, f := range tx.afterCommit {
		f()
	}
	return nil
}

func (db *DB) Read(f func(tx *Tx)) {
	err := db.Tx(false, func(tx *Tx) error {
		f(tx)
		return nil
	})
	if err != nil {
		panic(err)
	}
}

func (db *DB) ReadErr(f func(tx *Tx) error) error {
	return db.Tx(false, f)
}

func (db *DB) Write(f func(tx *Tx) error) error {
	return db.Tx(true, f)
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}
