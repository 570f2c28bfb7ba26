// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"fmt"

	// Import the sqlite3 database driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/unlistd/unlistd/internal/sqlutil"
	"github.com/unlistd/unlistd/removalapi/storage/shared"
)

// NewDatabase opens a sqlite database and prepares all statements.
func NewDatabase(options sqlutil.DatabaseOptions) (*shared.Database, error) {
	db, writer, err := sqlutil.Open(options)
	if err != nil {
		return nil, err
	}
	// The removal requests table must exist before the exposures statements
	// are prepared: the candidate queries join against it.
	requests, err := NewSQLiteRemovalRequestsTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteRemovalRequestsTable: %w", err)
	}
	exposures, err := NewSQLiteExposuresTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteExposuresTable: %w", err)
	}
	whitelist, err := NewSQLiteWhitelistTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteWhitelistTable: %w", err)
	}
	jobLocks, err := NewSQLiteJobLocksTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteJobLocksTable: %w", err)
	}
	jobRuns, err := NewSQLiteJobRunsTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteJobRunsTable: %w", err)
	}
	users, err := NewSQLiteUsersTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteUsersTable: %w", err)
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
