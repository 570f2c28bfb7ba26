// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"fmt"

	"github.com/unlistd/unlistd/internal/sqlutil"
	"github.com/unlistd/unlistd/removalapi/storage/postgres"
	"github.com/unlistd/unlistd/removalapi/storage/shared"
	"github.com/unlistd/unlistd/removalapi/storage/sqlite3"
)

// Open opens a database connection for the removal engine, selecting the
// backend from the connection string scheme.
func Open(options sqlutil.DatabaseOptions) (*shared.Database, error) {
	switch {
	case options.IsSQLite():
		return sqlite3.NewDatabase(options)
	case options.IsPostgres():
		return postgres.NewDatabase(options)
	default:
		return nil, fmt.Errorf("unexpected database type for connection string %q", options.ConnectionString)
	}
}
