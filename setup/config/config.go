// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package config loads and validates the unlistd configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the root of the unlistd configuration.
type Config struct {
	Global      Global      `yaml:"global"`
	Jobs        Jobs        `yaml:"jobs"`
	Email       Email       `yaml:"email"`
	Plans       Plans       `yaml:"plans"`
	JetStream   JetStream   `yaml:"jetstream"`
	LinkMonitor LinkMonitor `yaml:"link_monitor"`
}

// DefaultOpts are the knobs for generating a default config.
type DefaultOpts struct {
	// Generate fills in placeholder values suitable for writing out a
	// starter config file, rather than leaving them empty.
	Generate bool
}

// Defaults sets default values for each section of the config.
func (c *Config) Defaults(opts DefaultOpts) {
	c.Global.Defaults(opts)
	c.Jobs.Defaults(opts)
	c.Email.Defaults(opts)
	c.Plans.Defaults(opts)
	c.JetStream.Defaults(opts)
	c.LinkMonitor.Defaults(opts)
}

// Verify checks the config and adds anything wrong to configErrs.
func (c *Config) Verify(configErrs *ConfigErrors) {
	c.Global.Verify(configErrs)
	c.Jobs.Verify(configErrs)
	c.Email.Verify(configErrs)
	c.Plans.Verify(configErrs)
	c.JetStream.Verify(configErrs)
	c.LinkMonitor.Verify(configErrs)
}

// Load parses the given config file, applies defaults for anything unset and
// verifies the result. It returns a list of problems instead of the config if
// verification fails.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return loadConfig(data)
}

func loadConfig(data []byte) (*Config, error) {
	var c Config
	c.Defaults(DefaultOpts{})
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	var configErrs ConfigErrors
	c.Verify(&configErrs)
	if len(configErrs) > 0 {
		return nil, configErrs
	}
	return &c, nil
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Add appends an error to the list of errors in this ConfigErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized ConfigErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// ConfigErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive (zero included)
// in the configuration. If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}
