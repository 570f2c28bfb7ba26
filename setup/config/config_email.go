// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"os"
	"strings"
	"time"
)

// Email configures outbound mail and the delivery-status provider.
type Email struct {
	SMTP     SMTP     `yaml:"smtp"`
	Provider Provider `yaml:"provider"`
}

// SMTP configures the outbound mail relay used for operator digests.
type SMTP struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password_file"`
	RequireTLS   bool   `yaml:"require_tls"`
	From         string `yaml:"from"`

	// Sustained sends per second, to respect relay rate limits.
	SendsPerSecond float64 `yaml:"sends_per_second"`
}

// GetPassword returns the SMTP password, reading it from PasswordFile if one
// is configured.
func (c *SMTP) GetPassword() string {
	if c.PasswordFile != "" {
		data, err := os.ReadFile(c.PasswordFile)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}
	return c.Password
}

// Provider configures the email delivery-status API used to detect bounced
// and suppressed recipients.
type Provider struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`

	// Sustained status queries per second, to respect the provider's API
	// rate limits.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

func (c *Email) Defaults(opts DefaultOpts) {
	c.SMTP.Port = 587
	c.SMTP.RequireTLS = true
	c.SMTP.SendsPerSecond = 1
	c.Provider.Timeout = 30 * time.Second
	c.Provider.RequestsPerSecond = 2
	if opts.Generate {
		c.SMTP.Host = "localhost"
		c.SMTP.From = "unlistd <noreply@example.com>"
	}
}

func (c *Email) Verify(configErrs *ConfigErrors) {
	if c.SMTP.Enabled {
		checkNotEmpty(configErrs, "email.smtp.host", c.SMTP.Host)
		checkNotEmpty(configErrs, "email.smtp.from", c.SMTP.From)
		checkPositive(configErrs, "email.smtp.port", int64(c.SMTP.Port))
	}
	if c.Provider.Enabled {
		checkNotEmpty(configErrs, "email.provider.base_url", c.Provider.BaseURL)
		checkPositive(configErrs, "email.provider.timeout", int64(c.Provider.Timeout))
	}
}
