// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// DatabaseOptions contains the connection settings for a SQL database,
// as supplied in the config file.
type DatabaseOptions struct {
	ConnectionString   string `yaml:"connection_string"`
	MaxOpenConnections int    `yaml:"max_open_conns"`
	MaxIdleConnections int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSec int    `yaml:"conn_max_lifetime"`
}

// IsSQLite returns true if the connection string refers to a SQLite file.
func (o DatabaseOptions) IsSQLite() bool {
	return strings.HasPrefix(o.ConnectionString, "file:")
}

// IsPostgres returns true if the connection string refers to a Postgres server.
func (o DatabaseOptions) IsPostgres() bool {
	return strings.HasPrefix(o.ConnectionString, "postgres:") ||
		strings.HasPrefix(o.ConnectionString, "postgresql:")
}

// Open opens a database connection pool for the configured connection string
// and returns it along with a Writer appropriate for the database engine.
func Open(options DatabaseOptions) (*sql.DB, Writer, error) {
	var driverName string
	var writer Writer
	switch {
	case options.IsSQLite():
		driverName = "sqlite3"
		writer = NewExclusiveWriter()
	case options.IsPostgres():
		driverName = "postgres"
		writer = NewDummyWriter()
	default:
		return nil, nil, fmt.Errorf("unrecognised database connection string %q", options.ConnectionString)
	}
	db, err := sql.Open(driverName, options.ConnectionString)
	if err != nil {
		return nil, nil, fmt.Errorf("sql.Open: %w", err)
	}
	if driverName == "sqlite3" {
		// SQLite only tolerates a single writer. Constraining the pool to one
		// connection also avoids "database is locked" errors in tests.
		db.SetMaxOpenConns(1)
	} else {
		if options.MaxOpenConnections > 0 {
			db.SetMaxOpenConns(options.MaxOpenConnections)
		}
		if options.MaxIdleConnections > 0 {
			db.SetMaxIdleConns(options.MaxIdleConnections)
		}
		if options.ConnMaxLifetimeSec > 0 {
			db.SetConnMaxLifetime(time.Duration(options.ConnMaxLifetimeSec) * time.Second)
		}
	}
	return db, writer, nil
}
