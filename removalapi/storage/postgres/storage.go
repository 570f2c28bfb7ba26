// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"fmt"

	// Import the postgres database driver.
	_ "github.com/lib/pq"

	"github.com/unlistd/unlistd/internal/sqlutil"
	"github.com/unlistd/unlistd/removalapi/storage/shared"
)

// NewDatabase opens a postgres database and prepares all statements.
func NewDatabase(options sqlutil.DatabaseOptions) (*shared.Database, error) {
	db, writer, err := sqlutil.Open(options)
	if err != nil {
		return nil, err
	}
	// The removal requests table must exist before the exposures statements
	// are prepared: the candidate queries join against it.
	requests, err := NewPostgresRemovalRequestsTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresRemovalRequestsTable: %w", err)
	}
	exposures, err := NewPostgresExposuresTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresExposuresTable: %w", err)
	}
	whitelist, err := NewPostgresWhitelistTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresWhitelistTable: %w", err)
	}
	jobLocks, err := NewPostgresJobLocksTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresJobLocksTable: %w", err)
	}
	jobRuns, err := NewPostgresJobRunsTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresJobRunsTable: %w", err)
	}
	users, err := NewPostgresUsersTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresUsersTable: %w", err)
	}
	return &shared.Database{
		DB:              db,
		Writer:          writer,
		Exposures:       exposures,
		RemovalRequests: requests,
		Whitelist:       whitelist,
		JobLocks:        jobLocks,
		JobRuns:         jobRuns,
		Users:           users,
	}, nil
}
