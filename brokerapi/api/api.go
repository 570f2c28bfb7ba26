// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api contains the broker directory and intelligence types.
package api

import (
	"time"

	removalapi "github.com/unlistd/unlistd/removalapi/api"
)

// Broker is one entry in the static broker directory.
type Broker struct {
	// Source is the canonical broker identifier, e.g. "EXAMPLE_BROKER".
	Source string
	// Human-readable name shown in notes and reports.
	Name string
	// Published opt-out page.
	OptOutURL string
	// Privacy inbox for emailed deletion requests. Empty for brokers that
	// only accept form or API submissions.
	OptOutEmail string
	// Preferred removal method when no intelligence overrides it.
	DefaultMethod removalapi.RemovalMethod
	// GroupID links brokers that share a data pipeline. Empty for
	// standalone brokers.
	GroupID string
	// GroupParent marks the broker whose removal covers the whole group.
	GroupParent bool
	// Excluded brokers are legally barred from receiving deletion requests
	// directly (data processors rather than data controllers).
	Excluded bool
}

// Intelligence is the derived per-broker routing signal, computed from
// historical removal request outcomes. It is a read model: losing it costs
// nothing but a recomputation.
type Intelligence struct {
	Source string
	// SuccessRate is the percentage (0-100) of resolved requests against
	// this broker that completed successfully.
	SuccessRate int
	// ResolvedRequests is the sample size behind SuccessRate.
	ResolvedRequests int
	// RecommendedMethod is the method future requests should use.
	RecommendedMethod removalapi.RemovalMethod
	// Neutral is set when there is too little history to trust the rate
	// and a default signal was returned instead.
	Neutral   bool
	UpdatedAt time.Time
}
