// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package test contains shared helpers for tests that need a real database.
package test

import (
	"database/sql"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// DBType is the database engine a test runs against.
type DBType int

const (
	DBTypeSQLite DBType = iota
	DBTypePostgres
)

// PostgresEnv names the environment variable holding a Postgres connection
// string pointing at a server tests may create throwaway databases on.
// Postgres tests are skipped when it is unset.
const PostgresEnv = "UNLISTD_TEST_POSTGRES_URI"

// WithAllDatabases runs the test function against SQLite and, when a server
// is available, Postgres.
func WithAllDatabases(t *testing.T, testFn func(t *testing.T, dbType DBType)) {
	t.Run("sqlite", func(t *testing.T) {
		testFn(t, DBTypeSQLite)
	})
	t.Run("postgres", func(t *testing.T) {
		if os.Getenv(PostgresEnv) == "" {
			t.Skipf("%s not set", PostgresEnv)
		}
		testFn(t, DBTypePostgres)
	})
}

// PrepareDBConnectionString returns a connection string for a fresh database
// of the given type, along with a function that tears it down.
func PrepareDBConnectionString(t *testing.T, dbType DBType) (string, func()) {
	t.Helper()
	if dbType == DBTypeSQLite {
		// A file in the test temp dir; t.TempDir handles cleanup.
		connStr := "file:" + filepath.Join(t.TempDir(), "unlistd_test.db")
		return connStr, func() {}
	}
	return prepareThrowawayPostgres(t)
}

// prepareThrowawayPostgres creates a randomly named database on the
// configured server and drops it again on close.
func prepareThrowawayPostgres(t *testing.T) (string, func()) {
	t.Helper()
	serverURI := os.Getenv(PostgresEnv)
	admin, err := sql.Open("postgres", serverURI)
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	dbName := fmt.Sprintf("unlistd_test_%d", rand.Int63()) // nolint:gosec
	if _, err = admin.Exec("CREATE DATABASE " + dbName); err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	dbURI, err := url.Parse(serverURI)
	if err != nil {
		t.Fatalf("%s is not a valid URI: %v", PostgresEnv, err)
	}
	dbURI.Path = "/" + dbName
	return dbURI.String(), func() {
		if _, err := admin.Exec("DROP DATABASE IF EXISTS " + dbName); err != nil {
			t.Logf("failed to drop test database %s: %v", dbName, err)
		}
		_ = admin.Close()
	}
}
