// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package intel derives per-broker routing signals from historical removal
// request outcomes.
package intel

import (
	"context"
	"time"

	"github.com/unlistd/unlistd/brokerapi/api"
	"github.com/unlistd/unlistd/brokerapi/directory"
	"github.com/unlistd/unlistd/internal/caching"
	removalapi "github.com/unlistd/unlistd/removalapi/api"
)

// MinSampleSize is the smallest request history that produces a trusted
// signal. Below it, brokers get a neutral rate that neither promotes nor
// demotes them.
const MinSampleSize = 4

// NeutralSuccessRate is reported for brokers with too little history.
const NeutralSuccessRate = 50

// OutcomeSource supplies resolved-request tallies per broker.
type OutcomeSource interface {
	OutcomeCounts(ctx context.Context, source string) (completed, resolved int, err error)
}

// Store computes and caches broker intelligence.
type Store struct {
	db       OutcomeSource
	caches   caching.BrokerIntelCache
	highRate int
	lowRate  int
}

// NewStore creates an intelligence store. Signals at or above highRate keep
// the broker's default automated method, signals below lowRate route to
// manual handling.
func NewStore(db OutcomeSource, caches caching.BrokerIntelCache, highRate, lowRate int) *Store {
	return &Store{
		db:       db,
		caches:   caches,
		highRate: highRate,
		lowRate:  lowRate,
	}
}

// Signal returns the routing signal for a broker, computing it from the
// request history on cache miss.
func (s *Store) Signal(ctx context.Context, source string) (api.Intelligence, error) {
	source = directory.NormalizeSource(source)
	if cached, ok := s.caches.GetBrokerIntel(source); ok {
		return cached, nil
	}
	intel, err := s.compute(ctx, source)
	if err != nil {
		return api.Intelligence{}, err
	}
	s.caches.StoreBrokerIntel(source, intel)
	return intel, nil
}

// Refresh recomputes the signal for a broker, bypassing the cache. Called by
// the reconciliation job after it changes request outcomes.
func (s *Store) Refresh(ctx context.Context, source string) (api.Intelligence, error) {
	source = directory.NormalizeSource(source)
	intel, err := s.compute(ctx, source)
	if err != nil {
		return api.Intelligence{}, err
	}
	s.caches.StoreBrokerIntel(source, intel)
	return intel, nil
}

func (s *Store) compute(ctx context.Context, source string) (api.Intelligence, error) {
	completed, resolved, err := s.db.OutcomeCounts(ctx, source)
	if err != nil {
		return api.Intelligence{}, err
	}
	intel := api.Intelligence{
		Source:           source,
		ResolvedRequests: resolved,
		UpdatedAt:        time.Now().UTC(),
	}
	if resolved < MinSampleSize {
		intel.SuccessRate = NeutralSuccessRate
		intel.Neutral = true
	} else {
		intel.SuccessRate = completed * 100 / resolved
	}
	intel.RecommendedMethod = s.recommend(source, intel)
	return intel, nil
}

// recommend picks the removal method future requests against the broker
// should use. Poor performers are routed to manual handling so users are not
// strung along by requests that never complete.
func (s *Store) recommend(source string, intel api.Intelligence) removalapi.RemovalMethod {
	defaultMethod := directory.DefaultMethod(source)
	if intel.Neutral {
		return defaultMethod
	}
	if intel.SuccessRate < s.lowRate {
		return removalapi.MethodManualGuide
	}
	return defaultMethod
}

// Trustworthy reports whether the signal is both based on enough history and
// at or above the high-confidence bound. The reconciliation job resolves aged
// requests optimistically only for trustworthy brokers.
func Trustworthy(intel api.Intelligence, highRate int) bool {
	return !intel.Neutral && intel.SuccessRate >= highRate
}

// Unreliable reports whether the signal is based on enough history and below
// the low-confidence bound. The bound itself passes: a rate exactly at
// lowRate is not yet unreliable.
func Unreliable(intel api.Intelligence, lowRate int) bool {
	return !intel.Neutral && intel.SuccessRate < lowRate
}
