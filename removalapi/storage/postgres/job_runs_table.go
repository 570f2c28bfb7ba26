// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/unlistd/unlistd/internal/sqlutil"
	"github.com/unlistd/unlistd/removalapi/api"
	"github.com/unlistd/unlistd/removalapi/storage/tables"
)

const jobRunsSchema = `
CREATE TABLE IF NOT EXISTS removalengine_job_runs (
    run_id TEXT NOT NULL PRIMARY KEY,
    job_name TEXT NOT NULL,
    status TEXT NOT NULL,
    started_ts BIGINT NOT NULL,
    finished_ts BIGINT NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS removalengine_job_runs_job_idx
    ON removalengine_job_runs(job_name, started_ts DESC);
`

const insertJobRunSQL = `
INSERT INTO removalengine_job_runs
    (run_id, job_name, status, started_ts, finished_ts, message, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

const selectRecentJobRunsSQL = `
SELECT run_id, job_name, status, started_ts, finished_ts, message, metadata
FROM removalengine_job_runs
WHERE job_name = $1
ORDER BY started_ts DESC
LIMIT $2
`

type jobRunsStatements struct {
	insertStmt       *sql.Stmt
	selectRecentStmt *sql.Stmt
}

func NewPostgresJobRunsTable(db *sql.DB) (tables.JobRunsTable, error) {
	if _, err := db.Exec(jobRunsSchema); err != nil {
		return nil, err
	}
	s := &jobRunsStatements{}
	return s, sqlutil.StatementList{
		{&s.insertStmt, insertJobRunSQL},
		{&s.selectRecentStmt, selectRecentJobRunsSQL},
	}.Prepare(db)
}

func (s *jobRunsStatements) InsertJobRun(ctx context.Context, txn *sql.Tx, run *api.JobRun) error {
	metadata := run.Metadata
	if metadata == nil {
		metadata = map[string]int64{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	stmt := sqlutil.TxStmt(txn, s.insertStmt)
	_, err = stmt.ExecContext(ctx,
		run.RunID,
		run.JobName,
		run.Status,
		run.StartedAt.UTC().UnixMilli(),
		run.FinishedAt.UTC().UnixMilli(),
		run.Message,
		string(encoded),
	)
	return err
}

func (s *jobRunsStatements) SelectRecentJobRuns(ctx context.Context, txn *sql.Tx, jobName string, limit int) ([]*api.JobRun, error) {
	stmt := sqlutil.TxStmt(txn, s.selectRecentStmt)
	rows, err := stmt.QueryContext(ctx, jobName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	var result []*api.JobRun
	for rows.Next() {
		var (
			run        api.JobRun
			startedTS  int64
			finishedTS int64
			metadata   string
		)
		if err = rows.Scan(&run.RunID, &run.JobName, &run.Status, &startedTS, &finishedTS, &run.Message, &metadata); err != nil {
			return nil, err
		}
		run.StartedAt = time.UnixMilli(startedTS).UTC()
		run.FinishedAt = time.UnixMilli(finishedTS).UTC()
		if err = json.Unmarshal([]byte(metadata), &run.Metadata); err != nil {
			return nil, err
		}
		result = append(result, &run)
	}
	return result, rows.Err()
}

var _ tables.JobRunsTable = (*jobRunsStatements)(nil)
