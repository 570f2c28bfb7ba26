// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/unlistd/unlistd/internal/sqlutil"
	"github.com/unlistd/unlistd/removalapi/api"
	"github.com/unlistd/unlistd/removalapi/storage/tables"
)

const exposuresSchema = `
CREATE TABLE IF NOT EXISTS removalengine_exposures (
    exposure_id BIGSERIAL PRIMARY KEY,
    user_id TEXT NOT NULL,
    source TEXT NOT NULL,
    source_name TEXT NOT NULL,
    source_url TEXT NOT NULL,
    status TEXT NOT NULL,
    severity TEXT NOT NULL,
    -- NULL for legacy exposures scanned before confidence scoring existed
    confidence_score INTEGER,
    requires_manual_action BOOLEAN NOT NULL DEFAULT FALSE,
    manual_action_taken BOOLEAN NOT NULL DEFAULT FALSE,
    manual_action_taken_ts BIGINT,
    user_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
    is_whitelisted BOOLEAN NOT NULL DEFAULT FALSE,
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
RETURNING exposure_id
`

const selectExposureSQL = `
SELECT ` + exposureColumns + `
FROM removalengine_exposures WHERE exposure_id = $1
`

// A candidate must be ACTIVE, flagged for action but not yet actioned, not
// whitelisted, pass the confidence gate (absent score counts as passing), not
// sit on an excluded source and have no live removal request. Oldest found
// first. Ineligible exposures are filtered here, not by the caller: an old
// backlog of them must never occupy batch slots.
const selectAutoProcessCandidatesSQL = `
SELECT ` + exposureColumns + `
FROM removalengine_exposures AS e
WHERE e.status = 'ACTIVE'
  AND e.requires_manual_action
  AND NOT e.manual_action_taken
  AND NOT e.is_whitelisted
  AND (e.confidence_score IS NULL OR e.confidence_score >= $1)
  AND e.source <> ALL($2)
  AND NOT EXISTS (
      SELECT 1 FROM removalengine_removal_requests AS r
      WHERE r.exposure_id = e.exposure_id AND r.status != 'CANCELLED'
  )
ORDER BY e.first_found_ts ASC, e.exposure_id ASC
LIMIT $3
`

const countAutoProcessCandidatesSQL = `
SELECT COUNT(*)
FROM removalengine_exposures AS e
WHERE e.status = 'ACTIVE'
  AND e.requires_manual_action
  AND NOT e.manual_action_taken
  AND NOT e.is_whitelisted
  AND (e.confidence_score IS NULL OR e.confidence_score >= $1)
  AND e.source <> ALL($2)
  AND NOT EXISTS (
      SELECT 1 FROM removalengine_removal_requests AS r
      WHERE r.exposure_id = e.exposure_id AND r.status != 'CANCELLED'
  )
`

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
  )
`

const countExcludedCandidatesSQL = `
SELECT COUNT(*)
FROM removalengine_exposures AS e
WHERE e.status = 'ACTIVE'
  AND e.requires_manual_action
  AND NOT e.manual_action_taken
  AND NOT e.is_whitelisted
  AND (e.confidence_score IS NULL OR e.confidence_score >= $1)
  AND e.source = ANY($2)
  AND NOT EXISTS (
      SELECT 1 FROM removalengine_removal_requests AS r
      WHERE r.exposure_id = e.exposure_id AND r.status != 'CANCELLED'
  )
`

const updateExposureStatusSQL = `
UPDATE removalengine_exposures SET status = $2 WHERE exposure_id = $1
`

const markExposureAutoProcessedSQL = `
UPDATE removalengine_exposures
SET status = $2, manual_action_taken = TRUE, manual_action_taken_ts = $3, user_confirmed = TRUE
WHERE exposure_id = $1
`

const setExposureWhitelistedSQL = `
UPDATE removalengine_exposures SET is_whitelisted = $2 WHERE exposure_id = $1
`

type exposuresStatements struct {
	insertStmt            *sql.Stmt
	selectStmt            *sql.Stmt
	selectCandidatesStmt  *sql.Stmt
	countCandidatesStmt   *sql.Stmt
	countConfidenceStmt   *sql.Stmt
	countExcludedStmt     *sql.Stmt
	updateStatusStmt      *sql.Stmt
	markAutoProcessedStmt *sql.Stmt
	setWhitelistedStmt    *sql.Stmt
}

func NewPostgresExposuresTable(db *sql.DB) (tables.ExposuresTable, error) {
	if _, err := db.Exec(exposuresSchema); err != nil {
		return nil, err
	}
	s := &exposuresStatements{}
	return s, sqlutil.StatementList{
		{&s.insertStmt, insertExposureSQL},
		{&s.selectStmt, selectExposureSQL},
		{&s.selectCandidatesStmt, selectAutoProcessCandidatesSQL},
		{&s.countCandidatesStmt, countAutoProcessCandidatesSQL},
		{&s.countConfidenceStmt, countConfidenceFilteredSQL},
		{&s.countExcludedStmt, countExcludedCandidatesSQL},
		{&s.updateStatusStmt, updateExposureStatusSQL},
		{&s.markAutoProcessedStmt, markExposureAutoProcessedSQL},
		{&s.setWhitelistedStmt, setExposureWhitelistedSQL},
	}.Prepare(db)
}

func (s *exposuresStatements) InsertExposure(ctx context.Context, txn *sql.Tx, exposure *api.Exposure) (int64, error) {
	stmt := sqlutil.TxStmt(txn, s.insertStmt)
	var id int64
	err := stmt.QueryRowContext(ctx,
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
	).Scan(&id)
	return id, err
}

func (s *exposuresStatements) SelectExposure(ctx context.Context, txn *sql.Tx, id int64) (*api.Exposure, error) {
	stmt := sqlutil.TxStmt(txn, s.selectStmt)
	return scanExposure(stmt.QueryRowContext(ctx, id))
}

func (s *exposuresStatements) SelectAutoProcessCandidates(ctx context.Context, txn *sql.Tx, confidenceThreshold int, excludedSources []string, limit int) ([]*api.Exposure, error) {
	stmt := sqlutil.TxStmt(txn, s.selectCandidatesStmt)
	rows, err := stmt.QueryContext(ctx, confidenceThreshold, pq.StringArray(excludedSources), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	var result []*api.Exposure
	for rows.Next() {
		exposure, err := scanExposureRows(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exposure)
	}
	return result, rows.Err()
}

func (s *exposuresStatements) CountAutoProcessCandidates(ctx context.Context, txn *sql.Tx, confidenceThreshold int, excludedSources []string) (int64, error) {
	stmt := sqlutil.TxStmt(txn, s.countCandidatesStmt)
	var count int64
	err := stmt.QueryRowContext(ctx, confidenceThreshold, pq.StringArray(excludedSources)).Scan(&count)
	return count, err
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
	stmt := sqlutil.TxStmt(txn, s.countExcludedStmt)
	var count int64
	err := stmt.QueryRowContext(ctx, confidenceThreshold, pq.StringArray(excludedSources)).Scan(&count)
	return count, err
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

func scanExposure(row *sql.Row) (*api.Exposure, error) {
	return scanExposureRows(row)
}

func scanExposureRows(row rowScanner) (*api.Exposure, error) {
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
