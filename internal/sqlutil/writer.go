// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"errors"
	"runtime"
	"sync"
)

// The Writer interface is designed to allow writes to be serialised where the
// underlying database requires it. SQLite in particular only tolerates one
// writer at a time, whereas Postgres is happy to manage concurrent
// transactions itself.
//
// Queries using a transaction created by Writer.Do must use that transaction
// for all writes performed inside the supplied function.
type Writer interface {
	// Do queues a database write. The function will be called with the
	// transaction made by the writer, if one was requested by passing a
	// non-nil database. Do blocks until the write has completed.
	Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error
}

// DummyWriter implements sqlutil.Writer for Postgres. Since Postgres handles
// write concurrency natively there is no need to serialise writes, so calls
// are passed straight through.
type DummyWriter struct{}

// NewDummyWriter returns a new dummy writer.
func NewDummyWriter() Writer {
	return &DummyWriter{}
}

func (w *DummyWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	if db != nil && txn == nil {
		return WithTransaction(db, f)
	}
	return f(txn)
}

// ExclusiveWriter implements sqlutil.Writer for SQLite. Writes are run on a
// single goroutine so that only one write transaction is in flight at a time.
type ExclusiveWriter struct {
	running  sync.Once
	todo     chan transactionWriterTask
	writerID uint64
}

func NewExclusiveWriter() Writer {
	return &ExclusiveWriter{
		todo: make(chan transactionWriterTask),
	}
}

// transactionWriterTask represents a single task.
type transactionWriterTask struct {
	db   *sql.DB
	txn  *sql.Tx
	f    func(txn *sql.Tx) error
	wait chan error
}

// Do queues a task to be run by the writer goroutine and waits for it to
// complete. Re-entrant calls from the writer goroutine itself are executed
// directly to avoid deadlocking.
func (w *ExclusiveWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	if w.todo == nil {
		return errors.New("not initialised")
	}
	if gid() == w.writerID {
		return f(txn)
	}
	w.running.Do(func() {
		go w.run()
	})
	task := transactionWriterTask{
		db:   db,
		txn:  txn,
		f:    f,
		wait: make(chan error, 1),
	}
	w.todo <- task
	return <-task.wait
}

// run processes the tasks for a given transaction writer. Only one of these
// goroutines will run at a time.
func (w *ExclusiveWriter) run() {
	w.writerID = gid()
	defer func() {
		w.writerID = 0
	}()
	for task := range w.todo {
		if task.db != nil && task.txn != nil {
			task.wait <- task.f(task.txn)
		} else if task.db != nil && task.txn == nil {
			task.wait <- WithTransaction(task.db, task.f)
		} else {
			task.wait <- task.f(nil)
		}
		close(task.wait)
	}
}

// gid returns the goroutine ID of the caller. It is only used to detect
// re-entrant writer calls and never leaves this package.
func gid() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	// The stack trace begins "goroutine N [...". Parse N.
	var id uint64
	for _, c := range buf[len("goroutine "):] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
