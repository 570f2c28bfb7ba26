// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/unlistd/unlistd/internal/sqlutil"
	"github.com/unlistd/unlistd/removalapi/storage/tables"
)

const jobLocksSchema = `
CREATE TABLE IF NOT EXISTS removalengine_job_locks (
    job_name TEXT NOT NULL PRIMARY KEY,
    holder_token TEXT NOT NULL,
    acquired_ts BIGINT NOT NULL,
    expires_ts BIGINT NOT NULL
);
`

// The upsert takes over the row only when the previous lock has expired, and
// RETURNING tells us who holds the lock afterwards. A single statement keeps
// the claim atomic: two concurrent acquirers race on the row, and exactly one
// sees its own token come back.
const insertJobLockSQL = `
INSERT INTO removalengine_job_locks (job_name, holder_token, acquired_ts, expires_ts)
VALUES ($1, $2, $3, $4)
ON CONFLICT (job_name) DO UPDATE
SET holder_token = $2, acquired_ts = $3, expires_ts = $4
WHERE removalengine_job_locks.expires_ts <= $3
RETURNING holder_token
`

const deleteJobLockSQL = `
DELETE FROM removalengine_job_locks WHERE job_name = $1 AND holder_token = $2
`

const selectJobLockSQL = `
SELECT holder_token, expires_ts FROM removalengine_job_locks WHERE job_name = $1
`

type jobLocksStatements struct {
	insertStmt *sql.Stmt
	deleteStmt *sql.Stmt
	selectStmt *sql.Stmt
}

func NewPostgresJobLocksTable(db *sql.DB) (tables.JobLocksTable, error) {
	if _, err := db.Exec(jobLocksSchema); err != nil {
		return nil, err
	}
	s := &jobLocksStatements{}
	return s, sqlutil.StatementList{
		{&s.insertStmt, insertJobLockSQL},
		{&s.deleteStmt, deleteJobLockSQL},
		{&s.selectStmt, selectJobLockSQL},
	}.Prepare(db)
}

func (s *jobLocksStatements) InsertJobLock(ctx context.Context, txn *sql.Tx, jobName, holderToken string, now, expiresAt time.Time) (bool, error) {
	stmt := sqlutil.TxStmt(txn, s.insertStmt)
	var holder string
	err := stmt.QueryRowContext(ctx, jobName, holderToken, now.UTC().UnixMilli(), expiresAt.UTC().UnixMilli()).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		// The conflict target matched an unexpired lock, so the upsert's
		// WHERE clause suppressed the update and nothing was returned.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return holder == holderToken, nil
}

func (s *jobLocksStatements) DeleteJobLock(ctx context.Context, txn *sql.Tx, jobName, holderToken string) error {
	stmt := sqlutil.TxStmt(txn, s.deleteStmt)
	_, err := stmt.ExecContext(ctx, jobName, holderToken)
	return err
}

func (s *jobLocksStatements) SelectJobLock(ctx context.Context, txn *sql.Tx, jobName string) (string, time.Time, bool, error) {
	stmt := sqlutil.TxStmt(txn, s.selectStmt)
	var holder string
	var expiresTS int64
	err := stmt.QueryRowContext(ctx, jobName).Scan(&holder, &expiresTS)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	return holder, time.UnixMilli(expiresTS).UTC(), true, nil
}

var _ tables.JobLocksTable = (*jobLocksStatements)(nil)
