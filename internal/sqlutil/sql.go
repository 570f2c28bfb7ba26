// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrRollback is returned if a transaction is rolled back deliberately
// by the caller rather than because of a real failure.
var ErrRollback = fmt.Errorf("transaction rolled back")

// A Transaction is something that can be committed or rolled back.
type Transaction interface {
	Commit() error
	Rollback() error
}

// EndTransaction ends a transaction. If the transaction succeeded then it is
// committed, otherwise it is rolled back.
// You MUST check the error returned from this function to be safe.
func EndTransaction(txn Transaction, succeeded *bool) error {
	if *succeeded {
		return txn.Commit()
	}
	return txn.Rollback()
}

// EndTransactionWithCheck ends a transaction and overwrites the error pointer
// if its value was nil.
func EndTransactionWithCheck(txn Transaction, succeeded *bool, err *error) {
	if e := EndTransaction(txn, succeeded); e != nil && *err == nil {
		*err = e
	}
}

// WithTransaction runs a block of code passing in an SQL transaction.
// If the code returns an error or panics then the transaction is rolled back.
// Otherwise the transaction is committed.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return fmt.Errorf("sqlutil.WithTransaction.Begin: %w", err)
	}
	succeeded := false
	defer EndTransactionWithCheck(txn, &succeeded, &err)

	err = fn(txn)
	if err != nil {
		return
	}

	succeeded = true
	return
}

// TxStmt wraps an SQL stmt inside an optional transaction.
// If the transaction is nil then it returns the original statement that will
// run outside of a transaction.
// Otherwise returns a copy of the statement that will run inside the transaction.
func TxStmt(transaction *sql.Tx, statement *sql.Stmt) *sql.Stmt {
	if transaction != nil {
		statement = transaction.Stmt(statement)
	}
	return statement
}

// TxStmtContext behaves similarly to TxStmt, with support for also passing context.
func TxStmtContext(context context.Context, transaction *sql.Tx, statement *sql.Stmt) *sql.Stmt {
	if transaction != nil {
		statement = transaction.StmtContext(context, statement)
	}
	return statement
}

// QueryVariadic returns a "($1, $2, $3...)" parameter list of the given
// length, for queries taking a variable number of arguments.
func QueryVariadic(count int) string {
	return QueryVariadicOffset(count, 0)
}

// QueryVariadicOffset returns a parameter list of the given length whose
// placeholders start at offset+1.
func QueryVariadicOffset(count, offset int) string {
	str := "("
	for i := 0; i < count; i++ {
		str += fmt.Sprintf("$%d", i+offset+1)
		if i < count-1 {
			str += ", "
		}
	}
	str += ")"
	return str
}

// StatementList is a list of SQL statements to prepare and a pointer to where to store the resulting prepared statement.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare the SQL for each statement in the list and assign the result to the prepared statement.
func (s StatementList) Prepare(db *sql.DB) (err error) {
	for _, statement := range s {
		if *statement.Statement, err = db.Prepare(statement.SQL); err != nil {
			logrus.WithError(err).WithField("sql", statement.SQL).Error("Failed to prepare statement")
			return
		}
	}
	return
}
