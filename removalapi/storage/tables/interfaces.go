// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package tables defines the interfaces implemented by each database backend.
package tables

import (
	"context"
	"database/sql"
	"time"

	"github.com/unlistd/unlistd/removalapi/api"
)

// ExposuresTable stores discovered exposures and their lifecycle state.
type ExposuresTable interface {
	InsertExposure(ctx context.Context, txn *sql.Tx, exposure *api.Exposure) (int64, error)
	SelectExposure(ctx context.Context, txn *sql.Tx, id int64) (*api.Exposure, error)
	// SelectAutoProcessCandidates returns ACTIVE exposures eligible for
	// automation, oldest first: requiresManualAction set, manualActionTaken
	// unset, no live removal request, confidence at or above the threshold
	// or absent entirely, and not on an excluded source. The ineligible are
	// filtered here rather than by the caller so that a backlog of them can
	// never crowd eligible exposures out of the batch.
	SelectAutoProcessCandidates(ctx context.Context, txn *sql.Tx, confidenceThreshold int, excludedSources []string, limit int) ([]*api.Exposure, error)
	CountAutoProcessCandidates(ctx context.Context, txn *sql.Tx, confidenceThreshold int, excludedSources []string) (int64, error)
	// CountConfidenceFiltered counts otherwise-eligible exposures held back
	// only by the confidence gate.
	CountConfidenceFiltered(ctx context.Context, txn *sql.Tx, confidenceThreshold int) (int64, error)
	// CountExcludedCandidates counts otherwise-eligible exposures held back
	// only because their source is excluded.
	CountExcludedCandidates(ctx context.Context, txn *sql.Tx, confidenceThreshold int, excludedSources []string) (int64, error)
	UpdateExposureStatus(ctx context.Context, txn *sql.Tx, id int64, status api.ExposureStatus) error
	// MarkExposureAutoProcessed transitions the exposure and records the
	// implicit-consent bookkeeping in one statement.
	MarkExposureAutoProcessed(ctx context.Context, txn *sql.Tx, id int64, status api.ExposureStatus, takenAt time.Time) error
	SetExposureWhitelisted(ctx context.Context, txn *sql.Tx, id int64, whitelisted bool) error
}

// RemovalRequestsTable stores removal request state and history.
type RemovalRequestsTable interface {
	InsertRemovalRequest(ctx context.Context, txn *sql.Tx, req *api.RemovalRequest) (int64, error)
	SelectRemovalRequest(ctx context.Context, txn *sql.Tx, id int64) (*api.RemovalRequest, error)
	SelectRemovalRequestByExposure(ctx context.Context, txn *sql.Tx, exposureID int64) (*api.RemovalRequest, error)
	// SelectAgedAcknowledged returns ACKNOWLEDGED requests not updated
	// since the given cutoff, oldest first.
	SelectAgedAcknowledged(ctx context.Context, txn *sql.Tx, cutoff time.Time, limit int) ([]*api.RemovalRequest, error)
	SelectNonTerminalByUser(ctx context.Context, txn *sql.Tx, userID string) ([]*api.RemovalRequest, error)
	// SelectMonthlyCreatedCounts returns, per user, how many requests were
	// created at or after monthStart.
	SelectMonthlyCreatedCounts(ctx context.Context, txn *sql.Tx, monthStart time.Time) (map[string]int, error)
	// SelectOutcomeCounts returns the resolved-outcome tallies for a
	// source: completed and total resolved (completed, failed or routed
	// to manual). Cancelled requests say nothing about the broker and are
	// not counted.
	SelectOutcomeCounts(ctx context.Context, txn *sql.Tx, source string) (completed, resolved int, err error)
	UpdateRemovalRequestStatus(ctx context.Context, txn *sql.Tx, id int64, status api.RequestStatus, note string, completedAt *time.Time) error
	// SelectActiveRequestForSources returns a live (non-terminal) request
	// the user already has against any of the given sources, or nil.
	SelectActiveRequestForSources(ctx context.Context, txn *sql.Tx, userID string, sources []string) (*api.RemovalRequest, error)
}

// WhitelistTable stores (user, source) pairs excluded from automation.
type WhitelistTable interface {
	InsertWhitelist(ctx context.Context, txn *sql.Tx, userID, source string) error
	SelectWhitelisted(ctx context.Context, txn *sql.Tx, userID, source string) (bool, error)
	DeleteWhitelist(ctx context.Context, txn *sql.Tx, userID, source string) error
}

// JobLocksTable provides the cross-invocation mutex for named jobs.
type JobLocksTable interface {
	// InsertJobLock atomically claims the named lock for holderToken until
	// expiresAt, succeeding only if no unexpired lock exists. Returns
	// whether the lock was acquired.
	InsertJobLock(ctx context.Context, txn *sql.Tx, jobName, holderToken string, now, expiresAt time.Time) (bool, error)
	// DeleteJobLock releases the lock if it is still held by holderToken.
	// Releasing a lock that has already expired or been taken over is not
	// an error.
	DeleteJobLock(ctx context.Context, txn *sql.Tx, jobName, holderToken string) error
	SelectJobLock(ctx context.Context, txn *sql.Tx, jobName string) (holderToken string, expiresAt time.Time, exists bool, err error)
}

// JobRunsTable is the execution log written after every job invocation.
type JobRunsTable interface {
	InsertJobRun(ctx context.Context, txn *sql.Tx, run *api.JobRun) error
	SelectRecentJobRuns(ctx context.Context, txn *sql.Tx, jobName string, limit int) ([]*api.JobRun, error)
}

// UsersTable maps users to their plan and notification address.
type UsersTable interface {
	UpsertUser(ctx context.Context, txn *sql.Tx, userID, email, plan string) error
	SelectUserPlan(ctx context.Context, txn *sql.Tx, userID string) (string, error)
	SelectUserIDsByEmail(ctx context.Context, txn *sql.Tx, email string) ([]string, error)
}
