// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/unlistd/unlistd/internal/sqlutil"
	"github.com/unlistd/unlistd/removalapi/api"
	"github.com/unlistd/unlistd/removalapi/storage/tables"
)

// ErrExposureNotFound is returned when an operation references an exposure
// that does not exist.
var ErrExposureNotFound = errors.New("exposure not found")

// ErrRequestNotFound is returned when an operation references a removal
// request that does not exist.
var ErrRequestNotFound = errors.New("removal request not found")

// Database is the shared storage facade used by every backend. It owns the
// lifecycle rules: all multi-row state changes go through here in a single
// transaction, and illegal transitions are refused with
// api.ErrInvalidTransition.
type Database struct {
	DB              *sql.DB
	Writer          sqlutil.Writer
	Exposures       tables.ExposuresTable
	RemovalRequests tables.RemovalRequestsTable
	Whitelist       tables.WhitelistTable
	JobLocks        tables.JobLocksTable
	JobRuns         tables.JobRunsTable
	Users           tables.UsersTable
}

// AcquireJobLock attempts to claim the named lock for holderToken until now
// plus ttl. Not acquiring the lock is a normal outcome, not an error.
func (d *Database) AcquireJobLock(ctx context.Context, jobName, holderToken string, ttl time.Duration) (acquired bool, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		now := time.Now()
		acquired, err = d.JobLocks.InsertJobLock(ctx, txn, jobName, holderToken, now, now.Add(ttl))
		return err
	})
	return
}

// ReleaseJobLock releases the named lock if holderToken still holds it.
// Releasing an expired or taken-over lock is a no-op.
func (d *Database) ReleaseJobLock(ctx context.Context, jobName, holderToken string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.JobLocks.DeleteJobLock(ctx, txn, jobName, holderToken)
	})
}

// RecordJobRun writes one execution-log record.
func (d *Database) RecordJobRun(ctx context.Context, run *api.JobRun) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.JobRuns.InsertJobRun(ctx, txn, run)
	})
}

// RecentJobRuns returns the most recent execution-log records for a job.
func (d *Database) RecentJobRuns(ctx context.Context, jobName string, limit int) ([]*api.JobRun, error) {
	return d.JobRuns.SelectRecentJobRuns(ctx, nil, jobName, limit)
}

// InsertExposure stores a newly discovered exposure. Used by the scan
// pipeline ingress and by tests.
func (d *Database) InsertExposure(ctx context.Context, exposure *api.Exposure) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		id, err := d.Exposures.InsertExposure(ctx, txn, exposure)
		if err == nil {
			exposure.ID = id
		}
		return err
	})
}

// Exposure returns the exposure with the given ID.
func (d *Database) Exposure(ctx context.Context, id int64) (*api.Exposure, error) {
	exposure, err := d.Exposures.SelectExposure(ctx, nil, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExposureNotFound
	}
	return exposure, err
}

// AutoProcessCandidates returns exposures eligible for automation, oldest
// first. Confidence and source-exclusion gates are applied in the query:
// every returned exposure is actionable, so ineligible backlog can never
// occupy batch slots.
func (d *Database) AutoProcessCandidates(ctx context.Context, confidenceThreshold int, excludedSources []string, limit int) ([]*api.Exposure, error) {
	return d.Exposures.SelectAutoProcessCandidates(ctx, nil, confidenceThreshold, excludedSources, limit)
}

// AutoProcessQueueDepth returns how many exposures currently satisfy the
// eligibility predicate.
func (d *Database) AutoProcessQueueDepth(ctx context.Context, confidenceThreshold int, excludedSources []string) (int64, error) {
	return d.Exposures.CountAutoProcessCandidates(ctx, nil, confidenceThreshold, excludedSources)
}

// ConfidenceFilteredCount returns how many otherwise-eligible exposures are
// held back only by the confidence gate.
func (d *Database) ConfidenceFilteredCount(ctx context.Context, confidenceThreshold int) (int64, error) {
	return d.Exposures.CountConfidenceFiltered(ctx, nil, confidenceThreshold)
}

// ExcludedCandidateCount returns how many otherwise-eligible exposures are
// held back only because their source is excluded.
func (d *Database) ExcludedCandidateCount(ctx context.Context, confidenceThreshold int, excludedSources []string) (int64, error) {
	return d.Exposures.CountExcludedCandidates(ctx, nil, confidenceThreshold, excludedSources)
}

// MonthlyRequestCounts returns, per user, the number of removal requests
// created at or after monthStart.
func (d *Database) MonthlyRequestCounts(ctx context.Context, monthStart time.Time) (map[string]int, error) {
	return d.RemovalRequests.SelectMonthlyCreatedCounts(ctx, nil, monthStart)
}

// CreateRemovalRequest atomically creates a PENDING removal request for the
// exposure and transitions the exposure to REMOVAL_PENDING with the
// implicit-consent flags set. This is the only way requests come into being.
func (d *Database) CreateRemovalRequest(ctx context.Context, exposure *api.Exposure, method api.RemovalMethod, note string) (*api.RemovalRequest, error) {
	req := &api.RemovalRequest{
		UserID:     exposure.UserID,
		ExposureID: exposure.ID,
		Source:     exposure.Source,
		Status:     api.RequestPending,
		Method:     method,
		Notes:      note,
	}
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		current, err := d.Exposures.SelectExposure(ctx, txn, exposure.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExposureNotFound
		}
		if err != nil {
			return err
		}
		if !api.CanTransitionExposure(current.Status, api.ExposureRemovalPending) {
			return api.ErrInvalidTransition{Kind: "exposure", From: string(current.Status), To: string(api.ExposureRemovalPending)}
		}
		if _, err = d.RemovalRequests.InsertRemovalRequest(ctx, txn, req); err != nil {
			return fmt.Errorf("InsertRemovalRequest: %w", err)
		}
		return d.Exposures.MarkExposureAutoProcessed(ctx, txn, exposure.ID, api.ExposureRemovalPending, time.Now())
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// MarkExposureCoveredByGroup transitions an exposure to REMOVAL_PENDING
// without creating a removal request, because an existing request against a
// sibling source covers it.
func (d *Database) MarkExposureCoveredByGroup(ctx context.Context, exposure *api.Exposure) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		current, err := d.Exposures.SelectExposure(ctx, txn, exposure.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExposureNotFound
		}
		if err != nil {
			return err
		}
		if !api.CanTransitionExposure(current.Status, api.ExposureRemovalPending) {
			return api.ErrInvalidTransition{Kind: "exposure", From: string(current.Status), To: string(api.ExposureRemovalPending)}
		}
		return d.Exposures.MarkExposureAutoProcessed(ctx, txn, exposure.ID, api.ExposureRemovalPending, time.Now())
	})
}

// RequestByExposure returns the live removal request for an exposure, or nil
// if there is none.
func (d *Database) RequestByExposure(ctx context.Context, exposureID int64) (*api.RemovalRequest, error) {
	req, err := d.RemovalRequests.SelectRemovalRequestByExposure(ctx, nil, exposureID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return req, err
}

// AgedAcknowledged returns ACKNOWLEDGED requests untouched since cutoff.
func (d *Database) AgedAcknowledged(ctx context.Context, cutoff time.Time, limit int) ([]*api.RemovalRequest, error) {
	return d.RemovalRequests.SelectAgedAcknowledged(ctx, nil, cutoff, limit)
}

// NonTerminalRequestsByUser returns the user's requests that can still change.
func (d *Database) NonTerminalRequestsByUser(ctx context.Context, userID string) ([]*api.RemovalRequest, error) {
	return d.RemovalRequests.SelectNonTerminalByUser(ctx, nil, userID)
}

// ActiveRequestForSources returns a live request the user already has against
// any of the given sources, or nil.
func (d *Database) ActiveRequestForSources(ctx context.Context, userID string, sources []string) (*api.RemovalRequest, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	req, err := d.RemovalRequests.SelectActiveRequestForSources(ctx, nil, userID, sources)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return req, err
}

// OutcomeCounts returns the resolved-outcome tallies for a source.
func (d *Database) OutcomeCounts(ctx context.Context, source string) (completed, resolved int, err error) {
	return d.RemovalRequests.SelectOutcomeCounts(ctx, nil, source)
}

// TransitionRequest advances a removal request, enforcing the lifecycle
// rules, and keeps the exposure in step for terminal outcomes: COMPLETED
// removes the exposure, FAILED marks the removal failed. REQUIRES_MANUAL
// leaves the exposure alone, since a human will resolve it.
func (d *Database) TransitionRequest(ctx context.Context, requestID int64, to api.RequestStatus, note string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		req, err := d.RemovalRequests.SelectRemovalRequest(ctx, txn, requestID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRequestNotFound
		}
		if err != nil {
			return err
		}
		if !api.CanTransitionRequest(req.Status, to) {
			return api.ErrInvalidTransition{Kind: "request", From: string(req.Status), To: string(to)}
		}
		var completedAt *time.Time
		if to == api.RequestCompleted {
			now := time.Now().UTC()
			completedAt = &now
		}
		if err = d.RemovalRequests.UpdateRemovalRequestStatus(ctx, txn, requestID, to, note, completedAt); err != nil {
			return err
		}

		var exposureTo api.ExposureStatus
		switch to {
		case api.RequestCompleted:
			exposureTo = api.ExposureRemoved
		case api.RequestFailed:
			exposureTo = api.ExposureRemovalFailed
		default:
			return nil
		}
		return d.stepExposure(ctx, txn, req.ExposureID, exposureTo)
	})
}

// stepExposure walks the exposure to the target status, passing through
// REMOVAL_IN_PROGRESS when the automation subsystem never got around to
// recording the submission.
func (d *Database) stepExposure(ctx context.Context, txn *sql.Tx, exposureID int64, to api.ExposureStatus) error {
	exposure, err := d.Exposures.SelectExposure(ctx, txn, exposureID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrExposureNotFound
	}
	if err != nil {
		return err
	}
	from := exposure.Status
	if from == api.ExposureRemovalPending && !api.CanTransitionExposure(from, to) {
		if err = d.Exposures.UpdateExposureStatus(ctx, txn, exposureID, api.ExposureRemovalInProgress); err != nil {
			return err
		}
		from = api.ExposureRemovalInProgress
	}
	if !api.CanTransitionExposure(from, to) {
		return api.ErrInvalidTransition{Kind: "exposure", From: string(from), To: string(to)}
	}
	return d.Exposures.UpdateExposureStatus(ctx, txn, exposureID, to)
}

// ForceRequireManual routes a non-terminal request to REQUIRES_MANUAL
// regardless of its position in the lifecycle, used when the automated
// channel is known to be dead (e.g. the email bounced). Idempotent: requests
// already in REQUIRES_MANUAL or a terminal state are left alone, and the
// returned flag says whether anything changed.
func (d *Database) ForceRequireManual(ctx context.Context, requestID int64, note string) (changed bool, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		req, err := d.RemovalRequests.SelectRemovalRequest(ctx, txn, requestID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRequestNotFound
		}
		if err != nil {
			return err
		}
		if req.Status == api.RequestRequiresManual || api.IsTerminalRequest(req.Status) {
			return nil
		}
		changed = true
		return d.RemovalRequests.UpdateRemovalRequestStatus(ctx, txn, requestID, api.RequestRequiresManual, note, nil)
	})
	return
}

// WhitelistExposure reclassifies an exposure as not actionable: the
// (user, source) pair joins the whitelist, the exposure is parked in
// WHITELISTED and any live removal request is cancelled, all atomically.
func (d *Database) WhitelistExposure(ctx context.Context, exposureID int64, reason string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		exposure, err := d.Exposures.SelectExposure(ctx, txn, exposureID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExposureNotFound
		}
		if err != nil {
			return err
		}
		if !api.CanTransitionExposure(exposure.Status, api.ExposureWhitelisted) {
			return api.ErrInvalidTransition{Kind: "exposure", From: string(exposure.Status), To: string(api.ExposureWhitelisted)}
		}
		if err = d.Whitelist.InsertWhitelist(ctx, txn, exposure.UserID, exposure.Source); err != nil {
			return err
		}
		req, err := d.RemovalRequests.SelectRemovalRequestByExposure(ctx, txn, exposureID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if req != nil && !api.IsTerminalRequest(req.Status) {
			if err = d.RemovalRequests.UpdateRemovalRequestStatus(ctx, txn, req.ID, api.RequestCancelled, reason, nil); err != nil {
				return err
			}
		}
		if err = d.Exposures.SetExposureWhitelisted(ctx, txn, exposureID, true); err != nil {
			return err
		}
		return d.Exposures.UpdateExposureStatus(ctx, txn, exposureID, api.ExposureWhitelisted)
	})
}

// IsWhitelisted reports whether the (user, source) pair is whitelisted.
func (d *Database) IsWhitelisted(ctx context.Context, userID, source string) (bool, error) {
	return d.Whitelist.SelectWhitelisted(ctx, nil, userID, source)
}

// UpsertUser stores a user's plan and notification address.
func (d *Database) UpsertUser(ctx context.Context, userID, email, plan string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Users.UpsertUser(ctx, txn, userID, email, plan)
	})
}

// UserPlan returns the user's stored plan name, or empty for unknown users.
func (d *Database) UserPlan(ctx context.Context, userID string) (string, error) {
	return d.Users.SelectUserPlan(ctx, nil, userID)
}

// UserIDsByEmail returns the users whose notification address matches.
func (d *Database) UserIDsByEmail(ctx context.Context, email string) ([]string, error) {
	return d.Users.SelectUserIDsByEmail(ctx, nil, email)
}
