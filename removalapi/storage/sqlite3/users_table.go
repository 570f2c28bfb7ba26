// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"errors"

	"github.com/unlistd/unlistd/internal/sqlutil"
	"github.com/unlistd/unlistd/removalapi/storage/tables"
)

const usersSchema = `
CREATE TABLE IF NOT EXISTS removalengine_users (
    user_id TEXT NOT NULL PRIMARY KEY,
    email TEXT NOT NULL,
    plan TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS removalengine_users_email_idx
    ON removalengine_users(email);
`

const upsertUserSQL = `
INSERT INTO removalengine_users (user_id, email, plan) VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET email = $2, plan = $3
`

const selectUserPlanSQL = `
SELECT plan FROM removalengine_users WHERE user_id = $1
`

const selectUserIDsByEmailSQL = `
SELECT user_id FROM removalengine_users WHERE email = $1
`

type usersStatements struct {
	upsertStmt        *sql.Stmt
	selectPlanStmt    *sql.Stmt
	selectByEmailStmt *sql.Stmt
}

func NewSQLiteUsersTable(db *sql.DB) (tables.UsersTable, error) {
	if _, err := db.Exec(usersSchema); err != nil {
		return nil, err
	}
	s := &usersStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertStmt, upsertUserSQL},
		{&s.selectPlanStmt, selectUserPlanSQL},
		{&s.selectByEmailStmt, selectUserIDsByEmailSQL},
	}.Prepare(db)
}

func (s *usersStatements) UpsertUser(ctx context.Context, txn *sql.Tx, userID, email, plan string) error {
	stmt := sqlutil.TxStmt(txn, s.upsertStmt)
	_, err := stmt.ExecContext(ctx, userID, email, plan)
	return err
}

func (s *usersStatements) SelectUserPlan(ctx context.Context, txn *sql.Tx, userID string) (string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectPlanStmt)
	var plan string
	err := stmt.QueryRowContext(ctx, userID).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		// Unknown users fall back to the default plan, decided by the caller.
		return "", nil
	}
	return plan, err
}

func (s *usersStatements) SelectUserIDsByEmail(ctx context.Context, txn *sql.Tx, email string) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectByEmailStmt)
	rows, err := stmt.QueryContext(ctx, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	var userIDs []string
	for rows.Next() {
		var userID string
		if err = rows.Scan(&userID); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, rows.Err()
}

var _ tables.UsersTable = (*usersStatements)(nil)
