// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"time"
)

// LinkMonitor configures the opt-out link health monitor job.
type LinkMonitor struct {
	Interval    time.Duration `yaml:"interval"`
	MaxDuration time.Duration `yaml:"max_duration"`

	// Maximum number of probes in flight at once.
	Concurrency int `yaml:"concurrency"`

	// Per-probe timeout. Timeouts are reported separately from other
	// probe failures.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// User agent sent with probes. Brokers block anonymous clients.
	UserAgent string `yaml:"user_agent"`

	// How long a verified URL correction is trusted before re-probing.
	CorrectionTTL time.Duration `yaml:"correction_ttl"`
}

func (c *LinkMonitor) Defaults(opts DefaultOpts) {
	c.Interval = 24 * time.Hour
	c.MaxDuration = time.Hour
	c.Concurrency = 20
	c.ProbeTimeout = 15 * time.Second
	c.UserAgent = "UnlistdLinkMonitor/1.0"
	c.CorrectionTTL = 12 * time.Hour
}

func (c *LinkMonitor) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "link_monitor.concurrency", int64(c.Concurrency))
	checkNotEmpty(configErrs, "link_monitor.user_agent", c.UserAgent)
	for _, d := range []struct {
		key   string
		value time.Duration
	}{
		{"link_monitor.interval", c.Interval},
		{"link_monitor.max_duration", c.MaxDuration},
		{"link_monitor.probe_timeout", c.ProbeTimeout},
		{"link_monitor.correction_ttl", c.CorrectionTTL},
	} {
		if d.value <= 0 {
			configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", d.key, d.value))
		}
	}
}
