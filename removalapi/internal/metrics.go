// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var registerMetricsOnce sync.Once

var (
	autoProcessOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unlistd",
			Subsystem: "autoprocess",
			Name:      "outcomes_total",
			Help:      "Exposures handled by the auto-processing queue, by outcome.",
		},
		[]string{"outcome"},
	)
	autoProcessQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "unlistd",
			Subsystem: "autoprocess",
			Name:      "queue_depth",
			Help:      "Automation-eligible exposures left after the last run.",
		},
	)
	reconcileOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unlistd",
			Subsystem: "reconciliation",
			Name:      "outcomes_total",
			Help:      "Removal requests settled by reconciliation, by outcome.",
		},
		[]string{"outcome"},
	)
)

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(
			autoProcessOutcomes,
			autoProcessQueueDepth,
			reconcileOutcomes,
		)
	})
}

func (r *AutoProcessReport) observeMetrics() {
	autoProcessOutcomes.WithLabelValues("created").Add(float64(r.Created))
	autoProcessOutcomes.WithLabelValues("submitted").Add(float64(r.Submitted))
	autoProcessOutcomes.WithLabelValues("covered_by_group").Add(float64(r.CoveredByGroup))
	autoProcessOutcomes.WithLabelValues("skipped_quota").Add(float64(r.SkippedQuota))
	autoProcessOutcomes.WithLabelValues("skipped_confidence").Add(float64(r.SkippedConfidence))
	autoProcessOutcomes.WithLabelValues("skipped_excluded").Add(float64(r.SkippedExcluded))
	autoProcessOutcomes.WithLabelValues("errored").Add(float64(r.Errored))
	autoProcessQueueDepth.Set(float64(r.QueueDepth))
}

func (r *ReconcileReport) observeMetrics() {
	reconcileOutcomes.WithLabelValues("bounce_routed").Add(float64(r.BounceRouted))
	reconcileOutcomes.WithLabelValues("auto_completed").Add(float64(r.AutoCompleted))
	reconcileOutcomes.WithLabelValues("routed_manual").Add(float64(r.RoutedManual))
	reconcileOutcomes.WithLabelValues("left_unresolved").Add(float64(r.LeftUnresolved))
	reconcileOutcomes.WithLabelValues("errored").Add(float64(r.Errored))
}
