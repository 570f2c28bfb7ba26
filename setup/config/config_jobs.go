// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"time"
)

// Jobs configures the scheduled orchestration jobs.
type Jobs struct {
	// Extra time added to a job's max_duration to produce the job lock TTL.
	// Expiry is the sole recovery path for a crashed holder, so the margin
	// must comfortably cover clock skew between instances.
	LockTTLMargin time.Duration `yaml:"lock_ttl_margin"`

	AutoProcess    AutoProcess    `yaml:"auto_process"`
	Reconciliation Reconciliation `yaml:"reconciliation"`
}

// AutoProcess configures the exposure auto-processing queue.
type AutoProcess struct {
	Interval    time.Duration `yaml:"interval"`
	MaxDuration time.Duration `yaml:"max_duration"`

	// Maximum exposures considered per run.
	BatchSize int `yaml:"batch_size"`

	// Exposures scoring below this are left for manual review. Legacy
	// exposures without a score pass the gate.
	ConfidenceThreshold int `yaml:"confidence_threshold"`
}

// Reconciliation configures the broker reply reconciliation job.
type Reconciliation struct {
	Interval    time.Duration `yaml:"interval"`
	MaxDuration time.Duration `yaml:"max_duration"`

	// How long an ACKNOWLEDGED request must sit unanswered before the
	// broker is assumed to have silently processed (or ignored) it.
	AckDwell time.Duration `yaml:"ack_dwell"`

	// Broker success-rate bounds for resolving aged acknowledgments.
	// At or above the high bound the request auto-completes; below the low
	// bound it is routed to manual; in between it is left for the next run.
	SuccessRateHighBound int `yaml:"success_rate_high_bound"`
	SuccessRateLowBound  int `yaml:"success_rate_low_bound"`

	// How far back to query the email provider for delivery statuses.
	DeliveryStatusLookback time.Duration `yaml:"delivery_status_lookback"`

	// Maximum aged acknowledgments considered per run.
	BatchSize int `yaml:"batch_size"`
}

func (c *Jobs) Defaults(opts DefaultOpts) {
	c.LockTTLMargin = 2 * time.Minute

	c.AutoProcess.Interval = 15 * time.Minute
	c.AutoProcess.MaxDuration = 10 * time.Minute
	c.AutoProcess.BatchSize = 200
	c.AutoProcess.ConfidenceThreshold = 30

	c.Reconciliation.Interval = time.Hour
	c.Reconciliation.MaxDuration = 15 * time.Minute
	c.Reconciliation.AckDwell = 7 * 24 * time.Hour
	c.Reconciliation.SuccessRateHighBound = 75
	c.Reconciliation.SuccessRateLowBound = 25
	c.Reconciliation.DeliveryStatusLookback = 24 * time.Hour
	c.Reconciliation.BatchSize = 500
}

func (c *Jobs) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "jobs.lock_ttl_margin", int64(c.LockTTLMargin))
	checkPositive(configErrs, "jobs.auto_process.batch_size", int64(c.AutoProcess.BatchSize))
	checkPositive(configErrs, "jobs.auto_process.confidence_threshold", int64(c.AutoProcess.ConfidenceThreshold))
	if c.AutoProcess.ConfidenceThreshold > 100 {
		configErrs.Add(fmt.Sprintf("invalid value for config key \"jobs.auto_process.confidence_threshold\": %d", c.AutoProcess.ConfidenceThreshold))
	}
	checkPositive(configErrs, "jobs.reconciliation.batch_size", int64(c.Reconciliation.BatchSize))
	if c.Reconciliation.SuccessRateLowBound > c.Reconciliation.SuccessRateHighBound {
		configErrs.Add(fmt.Sprintf(
			"config key \"jobs.reconciliation.success_rate_low_bound\" (%d) must not exceed the high bound (%d)",
			c.Reconciliation.SuccessRateLowBound, c.Reconciliation.SuccessRateHighBound,
		))
	}
	for _, d := range []struct {
		key   string
		value time.Duration
	}{
		{"jobs.auto_process.interval", c.AutoProcess.Interval},
		{"jobs.auto_process.max_duration", c.AutoProcess.MaxDuration},
		{"jobs.reconciliation.interval", c.Reconciliation.Interval},
		{"jobs.reconciliation.max_duration", c.Reconciliation.MaxDuration},
		{"jobs.reconciliation.ack_dwell", c.Reconciliation.AckDwell},
	} {
		if d.value <= 0 {
			configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", d.key, d.value))
		}
	}
}
