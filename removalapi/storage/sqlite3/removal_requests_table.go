// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"time"

	"github.com/unlistd/unlistd/internal/sqlutil"
	"github.com/unlistd/unlistd/removalapi/api"
	"github.com/unlistd/unlistd/removalapi/storage/tables"
)

const removalRequestsSchema = `
CREATE TABLE IF NOT EXISTS removalengine_removal_requests (
    request_id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    exposure_id BIGINT NOT NULL,
    source TEXT NOT NULL,
    status TEXT NOT NULL,
    method TEXT NOT NULL,
    notes TEXT NOT NULL DEFAULT '',
    created_ts BIGINT NOT NULL,
    updated_ts BIGINT NOT NULL,
    completed_ts BIGINT
);

-- Exactly one live request per exposure. Cancelled rows stay for the audit
-- trail but release the slot.
CREATE UNIQUE INDEX IF NOT EXISTS removalengine_removal_requests_exposure_idx
    ON removalengine_removal_requests(exposure_id) WHERE status != 'CANCELLED';

CREATE INDEX IF NOT EXISTS removalengine_removal_requests_user_idx
    ON removalengine_removal_requests(user_id, created_ts);

CREATE INDEX IF NOT EXISTS removalengine_removal_requests_status_idx
    ON removalengine_removal_requests(status, updated_ts);

CREATE INDEX IF NOT EXISTS removalengine_removal_requests_source_idx
    ON removalengine_removal_requests(source, status);
`

const removalRequestColumns = `
request_id, user_id, exposure_id, source, status, method, notes,
created_ts, updated_ts, completed_ts
`

const insertRemovalRequestSQL = `
INSERT INTO removalengine_removal_requests
    (user_id, exposure_id, source, status, method, notes, created_ts, updated_ts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
`

const selectRemovalRequestSQL = `
SELECT ` + removalRequestColumns + `
FROM removalengine_removal_requests WHERE request_id = $1
`

const selectRemovalRequestByExposureSQL = `
SELECT ` + removalRequestColumns + `
FROM removalengine_removal_requests
WHERE exposure_id = $1 AND status != 'CANCELLED'
`

const selectAgedAcknowledgedSQL = `
SELECT ` + removalRequestColumns + `
FROM removalengine_removal_requests
WHERE status = 'ACKNOWLEDGED' AND updated_ts <= $1
ORDER BY updated_ts ASC
LIMIT $2
`

const selectNonTerminalByUserSQL = `
SELECT ` + removalRequestColumns + `
FROM removalengine_removal_requests
WHERE user_id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
ORDER BY created_ts ASC
`

const selectMonthlyCreatedCountsSQL = `
SELECT user_id, COUNT(*)
FROM removalengine_removal_requests
WHERE created_ts >= $1
GROUP BY user_id
`

const selectOutcomeCountsSQL = `
SELECT
    SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END),
    SUM(CASE WHEN status IN ('COMPLETED', 'FAILED', 'REQUIRES_MANUAL') THEN 1 ELSE 0 END)
FROM removalengine_removal_requests
WHERE source = $1
`

const updateRemovalRequestStatusSQL = `
UPDATE removalengine_removal_requests
SET status = $2,
    notes = CASE WHEN $3 = '' THEN notes
                 WHEN notes = '' THEN $3
                 ELSE notes || char(10) || $3 END,
    updated_ts = $4,
    completed_ts = COALESCE($5, completed_ts)
WHERE request_id = $1
`

const selectNonTerminalBySourcesSQL = `
SELECT ` + removalRequestColumns + `
FROM removalengine_removal_requests
WHERE user_id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
ORDER BY created_ts ASC
`

type removalRequestsStatements struct {
	insertStmt               *sql.Stmt
	selectStmt               *sql.Stmt
	selectByExposureStmt     *sql.Stmt
	selectAgedAckStmt        *sql.Stmt
	selectNonTerminalStmt    *sql.Stmt
	selectMonthlyCountsStmt  *sql.Stmt
	selectOutcomeCountsStmt  *sql.Stmt
	updateStatusStmt         *sql.Stmt
	selectNonTermSourcesStmt *sql.Stmt
}

func NewSQLiteRemovalRequestsTable(db *sql.DB) (tables.RemovalRequestsTable, error) {
	if _, err := db.Exec(removalRequestsSchema); err != nil {
		return nil, err
	}
	s := &removalRequestsStatements{}
	return s, sqlutil.StatementList{
		{&s.insertStmt, insertRemovalRequestSQL},
		{&s.selectStmt, selectRemovalRequestSQL},
		{&s.selectByExposureStmt, selectRemovalRequestByExposureSQL},
		{&s.selectAgedAckStmt, selectAgedAcknowledgedSQL},
		{&s.selectNonTerminalStmt, selectNonTerminalByUserSQL},
		{&s.selectMonthlyCountsStmt, selectMonthlyCreatedCountsSQL},
		{&s.selectOutcomeCountsStmt, selectOutcomeCountsSQL},
		{&s.updateStatusStmt, updateRemovalRequestStatusSQL},
		{&s.selectNonTermSourcesStmt, selectNonTerminalBySourcesSQL},
	}.Prepare(db)
}

func (s *removalRequestsStatements) InsertRemovalRequest(ctx context.Context, txn *sql.Tx, req *api.RemovalRequest) (int64, error) {
	stmt := sqlutil.TxStmt(txn, s.insertStmt)
	now := time.Now().UTC()
	result, err := stmt.ExecContext(ctx,
		req.UserID,
		req.ExposureID,
		req.Source,
		req.Status,
		req.Method,
		req.Notes,
		now.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err == nil {
		req.ID = id
		req.CreatedAt = now
		req.UpdatedAt = now
	}
	return id, err
}

func (s *removalRequestsStatements) SelectRemovalRequest(ctx context.Context, txn *sql.Tx, id int64) (*api.RemovalRequest, error) {
	stmt := sqlutil.TxStmt(txn, s.selectStmt)
	return scanRemovalRequest(stmt.QueryRowContext(ctx, id))
}

func (s *removalRequestsStatements) SelectRemovalRequestByExposure(ctx context.Context, txn *sql.Tx, exposureID int64) (*api.RemovalRequest, error) {
	stmt := sqlutil.TxStmt(txn, s.selectByExposureStmt)
	return scanRemovalRequest(stmt.QueryRowContext(ctx, exposureID))
}

func (s *removalRequestsStatements) SelectAgedAcknowledged(ctx context.Context, txn *sql.Tx, cutoff time.Time, limit int) ([]*api.RemovalRequest, error) {
	stmt := sqlutil.TxStmt(txn, s.selectAgedAckStmt)
	rows, err := stmt.QueryContext(ctx, cutoff.UTC().UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	return scanRemovalRequests(rows)
}

func (s *removalRequestsStatements) SelectNonTerminalByUser(ctx context.Context, txn *sql.Tx, userID string) ([]*api.RemovalRequest, error) {
	stmt := sqlutil.TxStmt(txn, s.selectNonTerminalStmt)
	rows, err := stmt.QueryContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	return scanRemovalRequests(rows)
}

func (s *removalRequestsStatements) SelectMonthlyCreatedCounts(ctx context.Context, txn *sql.Tx, monthStart time.Time) (map[string]int, error) {
	stmt := sqlutil.TxStmt(txn, s.selectMonthlyCountsStmt)
	rows, err := stmt.QueryContext(ctx, monthStart.UTC().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	counts := make(map[string]int)
	for rows.Next() {
		var userID string
		var count int
		if err = rows.Scan(&userID, &count); err != nil {
			return nil, err
		}
		counts[userID] = count
	}
	return counts, rows.Err()
}

func (s *removalRequestsStatements) SelectOutcomeCounts(ctx context.Context, txn *sql.Tx, source string) (int, int, error) {
	stmt := sqlutil.TxStmt(txn, s.selectOutcomeCountsStmt)
	var completed, resolved sql.NullInt64
	err := stmt.QueryRowContext(ctx, source).Scan(&completed, &resolved)
	return int(completed.Int64), int(resolved.Int64), err
}

func (s *removalRequestsStatements) UpdateRemovalRequestStatus(ctx context.Context, txn *sql.Tx, id int64, status api.RequestStatus, note string, completedAt *time.Time) error {
	stmt := sqlutil.TxStmt(txn, s.updateStatusStmt)
	_, err := stmt.ExecContext(ctx, id, status, note, time.Now().UTC().UnixMilli(), nullableTime(completedAt))
	return err
}

// SelectActiveRequestForSources filters in Go because SQLite has no array
// bind parameters.
func (s *removalRequestsStatements) SelectActiveRequestForSources(ctx context.Context, txn *sql.Tx, userID string, sources []string) (*api.RemovalRequest, error) {
	stmt := sqlutil.TxStmt(txn, s.selectNonTermSourcesStmt)
	rows, err := stmt.QueryContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	requests, err := scanRemovalRequests(rows)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(sources))
	for _, source := range sources {
		wanted[source] = struct{}{}
	}
	for _, req := range requests {
		if _, ok := wanted[req.Source]; ok {
			return req, nil
		}
	}
	return nil, sql.ErrNoRows
}

func scanRemovalRequest(row rowScanner) (*api.RemovalRequest, error) {
	var (
		req         api.RemovalRequest
		createdTS   int64
		updatedTS   int64
		completedTS sql.NullInt64
	)
	if err := row.Scan(
		&req.ID,
		&req.UserID,
		&req.ExposureID,
		&req.Source,
		&req.Status,
		&req.Method,
		&req.Notes,
		&createdTS,
		&updatedTS,
		&completedTS,
	); err != nil {
		return nil, err
	}
	req.CreatedAt = time.UnixMilli(createdTS).UTC()
	req.UpdatedAt = time.UnixMilli(updatedTS).UTC()
	if completedTS.Valid {
		ts := time.UnixMilli(completedTS.Int64).UTC()
		req.CompletedAt = &ts
	}
	return &req, nil
}

func scanRemovalRequests(rows *sql.Rows) ([]*api.RemovalRequest, error) {
	defer rows.Close() // nolint:errcheck
	var result []*api.RemovalRequest
	for rows.Next() {
		req, err := scanRemovalRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

var _ tables.RemovalRequestsTable = (*removalRequestsStatements)(nil)
