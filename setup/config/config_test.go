// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := loadConfig([]byte(`
global:
  database:
    connection_string: "file:unlistd.db"
`))
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}

	if cfg.Global.OpsBindAddress != "localhost:7480" {
		t.Fatalf("unexpected ops bind address %q", cfg.Global.OpsBindAddress)
	}
	if cfg.Global.LogLevel != "info" {
		t.Fatalf("unexpected log level %q", cfg.Global.LogLevel)
	}

	wantJobs := Jobs{
		LockTTLMargin: 2 * time.Minute,
		AutoProcess: AutoProcess{
			Interval:            15 * time.Minute,
			MaxDuration:         10 * time.Minute,
			BatchSize:           200,
			ConfidenceThreshold: 30,
		},
		Reconciliation: Reconciliation{
			Interval:               time.Hour,
			MaxDuration:            15 * time.Minute,
			AckDwell:               7 * 24 * time.Hour,
			SuccessRateHighBound:   75,
			SuccessRateLowBound:    25,
			DeliveryStatusLookback: 24 * time.Hour,
			BatchSize:              500,
		},
	}
	if diff := cmp.Diff(wantJobs, cfg.Jobs); diff != "" {
		t.Fatalf("unexpected job defaults (-want +got):\n%s", diff)
	}

	if cfg.Email.SMTP.SendsPerSecond != 1 || cfg.Email.Provider.RequestsPerSecond != 2 {
		t.Fatalf("unexpected email rate defaults: %+v", cfg.Email)
	}
	if cfg.Plans.DefaultPlan != "FREE" || cfg.Plans.Lookup("FREE").MonthlyRemovalLimit != 10 {
		t.Fatalf("unexpected plan defaults: %+v", cfg.Plans)
	}
	if !cfg.Plans.Lookup("PRO").Unlimited() {
		t.Fatal("expected PRO to be unlimited")
	}
	if cfg.Plans.Lookup("NO_SUCH_PLAN").MonthlyRemovalLimit != 10 {
		t.Fatal("expected unknown plans to fall back to the default plan")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig([]byte(`
global:
  database:
    connection_string: "postgres://unlistd@localhost/unlistd"
  ops_bind_address: "0.0.0.0:9000"
  log_level: debug
jobs:
  auto_process:
    batch_size: 50
    confidence_threshold: 60
  reconciliation:
    success_rate_high_bound: 90
    success_rate_low_bound: 10
plans:
  default_plan: TRIAL
  definitions:
    TRIAL:
      monthly_removal_limit: 3
`))
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Jobs.AutoProcess.BatchSize != 50 || cfg.Jobs.AutoProcess.ConfidenceThreshold != 60 {
		t.Fatalf("unexpected auto_process overrides: %+v", cfg.Jobs.AutoProcess)
	}
	if cfg.Jobs.Reconciliation.SuccessRateHighBound != 90 || cfg.Jobs.Reconciliation.SuccessRateLowBound != 10 {
		t.Fatalf("unexpected reconciliation overrides: %+v", cfg.Jobs.Reconciliation)
	}
	if cfg.Plans.Lookup("anything").MonthlyRemovalLimit != 3 {
		t.Fatalf("expected the custom default plan, got %+v", cfg.Plans)
	}
	// Unspecified sections keep their defaults.
	if cfg.Jobs.AutoProcess.Interval != 15*time.Minute {
		t.Fatalf("expected the default interval to survive, got %s", cfg.Jobs.AutoProcess.Interval)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing database",
			yaml:    `global: {}`,
			wantErr: "global.database.connection_string",
		},
		{
			name: "bad log level",
			yaml: `
global:
  database:
    connection_string: "file:unlistd.db"
  log_level: loud
`,
			wantErr: "global.log_level",
		},
		{
			name: "inverted success rate bounds",
			yaml: `
global:
  database:
    connection_string: "file:unlistd.db"
jobs:
  reconciliation:
    success_rate_high_bound: 20
    success_rate_low_bound: 80
`,
			wantErr: "success_rate_low_bound",
		},
		{
			name: "smtp enabled without host",
			yaml: `
global:
  database:
    connection_string: "file:unlistd.db"
email:
  smtp:
    enabled: true
    from: "unlistd <noreply@example.com>"
    host: ""
`,
			wantErr: "email.smtp.host",
		},
		{
			name: "default plan undefined",
			yaml: `
global:
  database:
    connection_string: "file:unlistd.db"
plans:
  default_plan: GOLD
`,
			wantErr: "plans.default_plan",
		},
		{
			name: "confidence threshold above 100",
			yaml: `
global:
  database:
    connection_string: "file:unlistd.db"
jobs:
  auto_process:
    confidence_threshold: 150
`,
			wantErr: "confidence_threshold",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadConfig([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected a config error")
			}
			var configErrs ConfigErrors
			if !errors.As(err, &configErrs) {
				t.Fatalf("expected ConfigErrors, got %T: %v", err, err)
			}
			if !strings.Contains(strings.Join(configErrs, "; "), tc.wantErr) {
				t.Fatalf("expected an error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}
