// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/unlistd/unlistd/internal/sqlutil"
	"github.com/unlistd/unlistd/removalapi/storage/tables"
)

const whitelistSchema = `
CREATE TABLE IF NOT EXISTS removalengine_whitelist (
    user_id TEXT NOT NULL,
    source TEXT NOT NULL,
    UNIQUE (user_id, source)
);
`

const insertWhitelistSQL = "" +
	"INSERT INTO removalengine_whitelist (user_id, source) VALUES ($1, $2)" +
	" ON CONFLICT DO NOTHING"

const selectWhitelistSQL = "" +
	"SELECT user_id FROM removalengine_whitelist WHERE user_id = $1 AND source = $2"

const deleteWhitelistSQL = "" +
	"DELETE FROM removalengine_whitelist WHERE user_id = $1 AND source = $2"

type whitelistStatements struct {
	insertWhitelistStmt *sql.Stmt
	selectWhitelistStmt *sql.Stmt
	deleteWhitelistStmt *sql.Stmt
}

func NewSQLiteWhitelistTable(db *sql.DB) (tables.WhitelistTable, error) {
	s := &whitelistStatements{}
	if _, err := db.Exec(whitelistSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertWhitelistStmt, insertWhitelistSQL},
		{&s.selectWhitelistStmt, selectWhitelistSQL},
		{&s.deleteWhitelistStmt, deleteWhitelistSQL},
	}.Prepare(db)
}

func (s *whitelistStatements) InsertWhitelist(ctx context.Context, txn *sql.Tx, userID, source string) error {
	stmt := sqlutil.TxStmt(txn, s.insertWhitelistStmt)
	_, err := stmt.ExecContext(ctx, userID, source)
	return err
}

func (s *whitelistStatements) SelectWhitelisted(ctx context.Context, txn *sql.Tx, userID, source string) (bool, error) {
	stmt := sqlutil.TxStmt(txn, s.selectWhitelistStmt)
	res, err := stmt.QueryContext(ctx, userID, source)
	if err != nil {
		return false, err
	}
	defer res.Close() // nolint:errcheck
	// The query returns the user ID if the pair is whitelisted and no rows
	// otherwise, so Next tells us everything we need.
	return res.Next(), nil
}

func (s *whitelistStatements) DeleteWhitelist(ctx context.Context, txn *sql.Tx, userID, source string) error {
	stmt := sqlutil.TxStmt(txn, s.deleteWhitelistStmt)
	_, err := stmt.ExecContext(ctx, userID, source)
	return err
}

var _ tables.WhitelistTable = (*whitelistStatements)(nil)
