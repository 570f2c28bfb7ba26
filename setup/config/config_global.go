// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"github.com/unlistd/unlistd/internal/sqlutil"
)

// Global contains settings shared by every component.
type Global struct {
	// The removal engine database. All orchestration state lives here.
	Database sqlutil.DatabaseOptions `yaml:"database"`

	// Address the operator HTTP surface (metrics, health, job runs)
	// listens on. Not a user-facing API.
	OpsBindAddress string `yaml:"ops_bind_address"`

	// Logging verbosity: debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// Sentry DSN for error reporting. Reporting is disabled when empty.
	SentryDSN string `yaml:"sentry_dsn"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	c.OpsBindAddress = "localhost:7480"
	c.LogLevel = "info"
	if opts.Generate {
		c.Database.ConnectionString = "file:unlistd.db"
	}
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.database.connection_string", c.Database.ConnectionString)
	checkNotEmpty(configErrs, "global.ops_bind_address", c.OpsBindAddress)
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		configErrs.Add("invalid value for config key \"global.log_level\": " + c.LogLevel)
	}
}
