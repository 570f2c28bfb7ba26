// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/unlistd/unlistd/internal/sqlutil"
	"github.com/unlistd/unlistd/removalapi/api"
	"github.com/unlistd/unlistd/removalapi/storage/tables"
)

const exposuresSchema = `
CREATE TABLE IF NOT EXISTS removalengine_exposures (
    exposure_id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    source TEXT NOT NULL,
    source_name TEXT NOT NULL,
    source_url TEXT NOT NULL,
    status TEXT NOT NULL,
    severity TEXT NOT NULL,
    confidence_score INTEGER,
    requires_manual_action BOOLEAN NOT NULL DEFAULT 0,
    manual_action_taken BOOLEAN NOT NULL DEFAULT 0,
    manual_action_taken_ts BIGINT,
    user_confirmed BOOLEAN NOT NULL DEFAULT 0,
    is_whitelisted BOOLEAN NOT NULL DEFAULT 0,
    first_found_ts BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS removalengine_exposures_user_idx
    ON removalengine_exposures(user_id);

CREATE INDEX IF NOT EXISTS removalengine_exposures_queue_idx
    ON removalengine_exposures(status, first_found_ts);
`

const exposureColumns = `
exposure_id, user_id, source, source_name, source_url, status, severity,
confidence_score, requires_manual_action, manual_action_taken,
manual_action_taken_ts, user_confirmed, is_whitelisted, first_found_ts
`

const insertExposureSQL = `
INSERT INTO removalengine_exposures (
    user_id, source, source_name, source_url, status, severity,
    confidence_score, requires_manual_action, manual_action_taken,
    manual_action_taken_ts, user_confirmed, is_whitelisted, first_found_ts
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`

const selectExposureSQL = `
SELECT ` + exposureColumns + `
FROM removalengine_exposures WHERE exposure_id = $1
`

// A candidate must be ACTIVE, flagged for action but not yet actioned, not
// whitelisted, pass the confidence gate (absent score counts as passing), not
// sit on an excluded source and have no live removal request. Oldest found
// first. Ineligible exposures are filtered here, not by the caller: an old
// backlog of them must never occupy batch slots. sqlite cannot bind arrays,
// so the source exclusion list is spliced in with sqlutil.QueryVariadicOffset
// and the no-exclusion variants stay prepared.
const selectAutoProcessCandidatesBaseSQL = `
SELECT ` + exposureColumns + `
FROM removalengine_exposures AS e
WHERE e.status = 'ACTIVE'
  AND e.requires_manual_action
  AND NOT e.manual_action_taken
  AND NOT e.is_whitelisted
  AND (e.confidence_score IS NULL OR e.confidence_score >= $1)
  AND NOT EXISTS (
      SELECT 1 FROM removalengine_removal_requests AS r
      WHERE r.exposure_id = e.exposure_id AND r.status != 'CANCELLED'
  )`

const candidateOrderLimitSQL = `
ORDER BY e.first_found_ts ASC, e.exposure_id ASC
LIMIT `

const selectAutoProcessCandidatesSQL = selectAutoProcessCandidatesBaseSQL + candidateOrderLimitSQL + `$2`

const countAutoProcessCandidatesSQL = `
SELECT COUNT(*)
FROM removalengine_exposures AS e
WHERE e.status = 'ACTIVE'
  AND e.requires_manual_action
  AND NOT e.manual_action_taken
  AND NOT e.is_whitelisted
  AND (e.confidence_score IS NULL OR e.confidence_score >= $1)
  AND NOT EXISTS (
      SELECT 1 FROM removalengine_removal_requests AS r
      WHERE r.exposure_id = e.exposure_id AND r.status != 'CANCELLED'
  )`

const countConfidenceFilteredSQL = `
SELECT COUNT(*)
FROM removalengine_exposures AS e
WHERE e.status = 'ACTIVE'
  AND e.requires_manual_action
  AND NOT e.manual_action_taken
  AND NOT e.is_whitelisted
  AND e.confidence_score IS NOT NULL AND e.confidence_score < $1
  AND NOT EXISTS (
      SELECT 1 FROM removalengine_removal_requests AS r
      WHERE r.exposure_id = e.exposure_id AND r.status != 'CANCELLED'
  )`

const countExcludedCandidatesBaseSQL = `
SELECT COUNT(*)
FROM removalengine_exposures AS e
WHERE e.status = 'ACTIVE'
  AND e.requires_manual_action
  AND NOT e.manual_action_taken
  AND NOT e.is_whitelisted
  AND (e.confidence_score IS NULL OR e.confidence_score >= $1)
  AND NOT EXISTS (
      SELECT 1 FROM removalengine_removal_requests AS r
      WHERE r.exposure_id = e.exposure_id AND r.status != 'CANCELLED'
  )
  AND e.source IN `

const updateExposureStatusSQL = `
UPDATE removalengine_exposures SET status = $2 WHERE exposure_id = $1
`

const markExposureAutoProcessedSQL = `
UPDATE removalengine_exposures
SET status = $2, manual_action_taken = 1, manual_action_taken_ts = $3, user_confirmed = 1
WHERE exposure_id = $1
`

const setExposureWhitelistedSQL = `
UPDATE removalengine_exposures SET is_whitelisted = $2 WHERE exposure_id = $1
`

type exposuresStatements struct {
	db                    *sql.DB
	insertStmt            *sql.Stmt
	selectStmt            *sql.Stmt
	selectCandidatesStmt  *sql.Stmt
	countCandidatesStmt   *sql.Stmt
	countConfidenceStmt   *sql.Stmt
	updateStatusStmt      *sql.Stmt
	markAutoProcessedStmt *sql.Stmt
	setWhitelistedStmt    *sql.Stmt
}

func NewSQLiteExposuresTable(db *sql.DB) (tables.ExposuresTable, error) {
	if _, err := db.Exec(exposuresSchema); err != nil {
		return nil, err
	}
	s := &exposuresStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertStmt, insertExposureSQL},
		{&s.selectStmt, selectExposureSQL},
		{&s.selectCandidatesStmt, selectAutoProcessCandidatesSQL},
		{&s.countCandidatesStmt, countAutoProcessCandidatesSQL},
		{&s.countConfidenceStmt, countConfidenceFilteredSQL},
		{&s.updateStatusStmt, updateExposureStatusSQL},
		{&s.markAutoProcessedStmt, markExposureAutoProcessedSQL},
		{&s.setWhitelistedStmt, setExposureWhitelistedSQL},
	}.Prepare(db)
}

func (s *exposuresStatements) InsertExposure(ctx context.Context, txn *sql.Tx, exposure *api.Exposure) (int64, error) {
	stmt := sqlutil.TxStmt(txn, s.insertStmt)
	result, err := stmt.ExecContext(ctx,
		exposure.UserID,
		exposure.Source,
		exposure.SourceName,
		exposure.SourceURL,
		exposure.Status,
		exposure.Severity,
		nullableInt(exposure.ConfidenceScore),
		exposure.RequiresManualAction,
		exposure.ManualActionTaken,
		nullableTime(exposure.ManualActionTakenAt),
		exposure.UserConfirmed,
		exposure.IsWhitelisted,
		exposure.FirstFoundAt.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *exposuresStatements) SelectExposure(ctx context.Context, txn *sql.Tx, id int64) (*api.Exposure, error) {
	stmt := sqlutil.TxStmt(txn, s.selectStmt)
	return scanExposure(stmt.QueryRowContext(ctx, id))
}

func (s *exposuresStatements) SelectAutoProcessCandidates(ctx context.Context, txn *sql.Tx, confidenceThreshold int, excludedSources []string, limit int) ([]*api.Exposure, error) {
	var rows *sql.Rows
	var err error
	if len(excludedSources) == 0 {
		stmt := sqlutil.TxStmt(txn, s.selectCandidatesStmt)
		rows, err = stmt.QueryContext(ctx, confidenceThreshold, limit)
	} else {
		query := selectAutoProcessCandidatesBaseSQL +
			"\n  AND e.source NOT IN " + sqlutil.QueryVariadicOffset(len(excludedSources), 1) +
			candidateOrderLimitSQL + fmt.Sprintf("$%d", len(excludedSources)+2)
		params := candidateParams(confidenceThreshold, excludedSources)
		params = append(params, limit)
		rows, err = s.queryContext(ctx, txn, query, params...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	var result []*api.Exposure
	for rows.Next() {
		exposure, err := scanExposure(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exposure)
	}
	return result, rows.Err()
}

func (s *exposuresStatements) CountAutoProcessCandidates(ctx context.Context, txn *sql.Tx, confidenceThreshold int, excludedSources []string) (int64, error) {
	var count int64
	if len(excludedSources) == 0 {
		stmt := sqlutil.TxStmt(txn, s.countCandidatesStmt)
		return count, stmt.QueryRowContext(ctx, confidenceThreshold).Scan(&count)
	}
	query := countAutoProcessCandidatesSQL +
		"\n  AND e.source NOT IN " + sqlutil.QueryVariadicOffset(len(excludedSources), 1)
	row := s.queryRowContext(ctx, txn, query, candidateParams(confidenceThreshold, excludedSources)...)
	return count, row.Scan(&count)
}

func (s *exposuresStatements) CountConfidenceFiltered(ctx context.Context, txn *sql.Tx, confidenceThreshold int) (int64, error) {
	stmt := sqlutil.TxStmt(txn, s.countConfidenceStmt)
	var count int64
	err := stmt.QueryRowContext(ctx, confidenceThreshold).Scan(&count)
	return count, err
}

func (s *exposuresStatements) CountExcludedCandidates(ctx context.Context, txn *sql.Tx, confidenceThreshold int, excludedSources []string) (int64, error) {
	if len(excludedSources) == 0 {
		return 0, nil
	}
	query := countExcludedCandidatesBaseSQL + sqlutil.QueryVariadicOffset(len(excludedSources), 1)
	var count int64
	row := s.queryRowContext(ctx, txn, query, candidateParams(confidenceThreshold, excludedSources)...)
	return count, row.Scan(&count)
}

func (s *exposuresStatements) queryContext(ctx context.Context, txn *sql.Tx, query string, params ...interface{}) (*sql.Rows, error) {
	if txn != nil {
		return txn.QueryContext(ctx, query, params...)
	}
	return s.db.QueryContext(ctx, query, params...)
}

func (s *exposuresStatements) queryRowContext(ctx context.Context, txn *sql.Tx, query string, params ...interface{}) *sql.Row {
	if txn != nil {
		return txn.QueryRowContext(ctx, query, params...)
	}
	return s.db.QueryRowContext(ctx, query, params...)
}

func candidateParams(confidenceThreshold int, excludedSources []string) []interface{} {
	params := make([]interface{}, 0, len(excludedSources)+2)
	params = append(params, confidenceThreshold)
	for _, source := range excludedSources {
		params = append(params, source)
	}
	return params
}

func (s *exposuresStatements) UpdateExposureStatus(ctx context.Context, txn *sql.Tx, id int64, status api.ExposureStatus) error {
	stmt := sqlutil.TxStmt(txn, s.updateStatusStmt)
	_, err := stmt.ExecContext(ctx, id, status)
	return err
}

func (s *exposuresStatements) MarkExposureAutoProcessed(ctx context.Context, txn *sql.Tx, id int64, status api.ExposureStatus, takenAt time.Time) error {
	stmt := sqlutil.TxStmt(txn, s.markAutoProcessedStmt)
	_, err := stmt.ExecContext(ctx, id, status, takenAt.UTC().UnixMilli())
	return err
}

func (s *exposuresStatements) SetExposureWhitelisted(ctx context.Context, txn *sql.Tx, id int64, whitelisted bool) error {
	stmt := sqlutil.TxStmt(txn, s.setWhitelistedStmt)
	_, err := stmt.ExecContext(ctx, id, whitelisted)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExposure(row rowScanner) (*api.Exposure, error) {
	var (
		exposure   api.Exposure
		confidence sql.NullInt64
		takenAt    sql.NullInt64
		firstFound int64
	)
	if err := row.Scan(
		&exposure.ID,
		&exposure.UserID,
		&exposure.Source,
		&exposure.SourceName,
		&exposure.SourceURL,
		&exposure.Status,
		&exposure.Severity,
		&confidence,
		&exposure.RequiresManualAction,
		&exposure.ManualActionTaken,
		&takenAt,
		&exposure.UserConfirmed,
		&exposure.IsWhitelisted,
		&firstFound,
	); err != nil {
		return nil, err
	}
	if confidence.Valid {
		score := int(confidence.Int64)
		exposure.ConfidenceScore = &score
	}
	if takenAt.Valid {
		ts := time.UnixMilli(takenAt.Int64).UTC()
		exposure.ManualActionTakenAt = &ts
	}
	exposure.FirstFoundAt = time.UnixMilli(firstFound).UTC()
	return &exposure, nil
}

func nullableInt(value *int) interface{} {
	if value == nil {
		return sql.NullInt64{}
	}
	return *value
}

func nullableTime(value *time.Time) interface{} {
	if value == nil {
		return sql.NullInt64{}
	}
	return value.UTC().UnixMilli()
}

var _ tables.ExposuresTable = (*exposuresStatements)(nil)
