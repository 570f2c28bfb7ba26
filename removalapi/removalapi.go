// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package removalapi wires the removal orchestration engine: storage, broker
// intelligence, the scheduled jobs and the inbound reply consumer.
package removalapi

import (
	"context"
	"fmt"

	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/unlistd/unlistd/brokerapi/intel"
	"github.com/unlistd/unlistd/internal/caching"
	"github.com/unlistd/unlistd/internal/email"
	"github.com/unlistd/unlistd/removalapi/api"
	"github.com/unlistd/unlistd/removalapi/consumers"
	"github.com/unlistd/unlistd/removalapi/internal"
	"github.com/unlistd/unlistd/removalapi/storage"
	"github.com/unlistd/unlistd/removalapi/storage/shared"
	"github.com/unlistd/unlistd/scheduler"
	"github.com/unlistd/unlistd/setup/config"
	"github.com/unlistd/unlistd/setup/process"
)

// Engine is the assembled removal orchestration engine.
type Engine struct {
	DB    *shared.Database
	Intel *intel.Store

	cfg           *config.Config
	autoProcessor *internal.AutoProcessor
	reconciler    *internal.Reconciler
}

// NewEngine opens the database and wires the engine's components together.
func NewEngine(cfg *config.Config, caches *caching.Caches) (*Engine, error) {
	db, err := storage.Open(cfg.Global.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	intelStore := intel.NewStore(
		db, caches,
		cfg.Jobs.Reconciliation.SuccessRateHighBound,
		cfg.Jobs.Reconciliation.SuccessRateLowBound,
	)
	var provider internal.DeliveryStatusSource
	if cfg.Email.Provider.Enabled {
		provider = email.NewProviderClient(&cfg.Email.Provider)
	}
	var mailer internal.RemovalMailer
	if cfg.Email.SMTP.Enabled {
		mailer = email.NewSender(&cfg.Email.SMTP)
	}
	return &Engine{
		DB:    db,
		Intel: intelStore,
		cfg:   cfg,
		autoProcessor: &internal.AutoProcessor{
			DB:        db,
			Intel:     intelStore,
			Plans:     &cfg.Plans,
			Cfg:       &cfg.Jobs.AutoProcess,
			Mailer:    mailer,
			PlanCache: caches,
		},
		reconciler: &internal.Reconciler{
			DB:       db,
			Intel:    intelStore,
			Provider: provider,
			Cfg:      &cfg.Jobs.Reconciliation,
		},
	}, nil
}

// StartReplyConsumer begins consuming inbound broker replies from JetStream.
func (e *Engine) StartReplyConsumer(processCtx *process.ProcessContext, js natsclient.JetStreamContext) error {
	consumer := consumers.NewInboundReplyConsumer(processCtx, &e.cfg.JetStream, js, e.reconciler)
	if err := consumer.Start(); err != nil {
		return fmt.Errorf("failed to start reply consumer: %w", err)
	}
	return nil
}

// AutoProcessJob returns the scheduled auto-processing queue job.
func (e *Engine) AutoProcessJob() scheduler.Job {
	return scheduler.Job{
		Name:        "auto_process",
		Interval:    e.cfg.Jobs.AutoProcess.Interval,
		MaxDuration: e.cfg.Jobs.AutoProcess.MaxDuration,
		Run: func(ctx context.Context) (api.RunStatus, string, map[string]int64, error) {
			report, err := e.autoProcessor.Run(ctx)
			if err != nil {
				return api.RunFailed, "", nil, err
			}
			status := api.RunSuccess
			if report.Partial || report.Errored > 0 {
				status = api.RunPartial
			}
			message := fmt.Sprintf("created %d of %d processed, queue depth %d",
				report.Created, report.Processed, report.QueueDepth)
			return status, message, report.Metadata(), nil
		},
	}
}

// ReconciliationJob returns the scheduled reply reconciliation job.
func (e *Engine) ReconciliationJob() scheduler.Job {
	return scheduler.Job{
		Name:        "reconciliation",
		Interval:    e.cfg.Jobs.Reconciliation.Interval,
		MaxDuration: e.cfg.Jobs.Reconciliation.MaxDuration,
		Run: func(ctx context.Context) (api.RunStatus, string, map[string]int64, error) {
			report, err := e.reconciler.Run(ctx)
			if err != nil {
				return api.RunFailed, "", nil, err
			}
			status := api.RunSuccess
			if report.Partial || report.Errored > 0 {
				status = api.RunPartial
			}
			message := fmt.Sprintf("completed %d, routed %d to manual, %d unresolved",
				report.AutoCompleted, report.RoutedManual+report.BounceRouted, report.LeftUnresolved)
			return status, message, report.Metadata(), nil
		},
	}
}

// Close releases the engine's database handle.
func (e *Engine) Close() {
	if err := e.DB.DB.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close database")
	}
}
