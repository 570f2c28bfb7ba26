// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

// JetStream configures the NATS JetStream connection used for inbound broker
// reply messages. When no addresses are configured an in-process server is
// started instead.
type JetStream struct {
	// External NATS server addresses. Leave empty to run embedded.
	Addresses []string `yaml:"addresses"`

	// Persistence directory for the embedded server. Empty means in-memory.
	StoragePath string `yaml:"storage_path"`

	// Prefix applied to all subjects and durable consumer names, so
	// multiple deployments can share a NATS cluster.
	TopicPrefix string `yaml:"topic_prefix"`
}

// Prefixed returns the subject name with the configured prefix applied.
func (c *JetStream) Prefixed(name string) string {
	return c.TopicPrefix + name
}

// Durable returns a durable consumer name with the configured prefix applied.
func (c *JetStream) Durable(name string) string {
	return c.TopicPrefix + name
}

func (c *JetStream) Defaults(opts DefaultOpts) {
	c.TopicPrefix = "Unlistd"
}

func (c *JetStream) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "jetstream.topic_prefix", c.TopicPrefix)
}
