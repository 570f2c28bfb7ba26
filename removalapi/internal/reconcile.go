// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unlistd/unlistd/brokerapi/intel"
	"github.com/unlistd/unlistd/internal/email"
	"github.com/unlistd/unlistd/internal/util"
	"github.com/unlistd/unlistd/removalapi/api"
	"github.com/unlistd/unlistd/removalapi/storage/shared"
	"github.com/unlistd/unlistd/setup/config"
)

// DeliveryStatusSource is the slice of the email provider the reconciler
// needs. Nil means the provider is disabled and bounce ingestion is skipped.
type DeliveryStatusSource interface {
	DeliveryStatuses(ctx context.Context, since time.Time) ([]email.DeliveryStatus, error)
}

// Reconciler resolves removal requests the broker never explicitly answered:
// it routes requests behind bounced email to manual handling and settles aged
// acknowledgments using the broker's historical success rate.
type Reconciler struct {
	DB       *shared.Database
	Intel    *intel.Store
	Provider DeliveryStatusSource
	Cfg      *config.Reconciliation
}

// ReconcileReport is the outcome of one reconciliation run.
type ReconcileReport struct {
	BouncesSeen    int
	BounceRouted   int
	AgedExamined   int
	AutoCompleted  int
	RoutedManual   int
	LeftUnresolved int
	Errored        int
	Partial        bool
}

// Metadata flattens the report for the job run record.
func (r *ReconcileReport) Metadata() map[string]int64 {
	return map[string]int64{
		"bounces_seen":    int64(r.BouncesSeen),
		"bounce_routed":   int64(r.BounceRouted),
		"aged_examined":   int64(r.AgedExamined),
		"auto_completed":  int64(r.AutoCompleted),
		"routed_manual":   int64(r.RoutedManual),
		"left_unresolved": int64(r.LeftUnresolved),
		"errored":         int64(r.Errored),
	}
}

// Run executes both reconciliation flows. Each is idempotent: a second run
// with no new data changes nothing.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	registerMetrics()
	log := logrus.WithField("job", "reconciliation")
	report := &ReconcileReport{}

	if r.Provider != nil {
		if err := r.ingestDeliveryStatuses(ctx, log, report); err != nil {
			// The provider being down should not stop aged acknowledgments
			// from being resolved.
			report.Errored++
			log.WithError(err).Error("Delivery status ingestion failed")
		}
	}

	if err := r.resolveAgedAcknowledged(ctx, log, report); err != nil {
		return report, err
	}

	report.observeMetrics()
	log.WithFields(logrus.Fields{
		"bounce_routed":  report.BounceRouted,
		"auto_completed": report.AutoCompleted,
		"routed_manual":  report.RoutedManual,
	}).Info("Reconciliation run finished")
	return report, nil
}

// ingestDeliveryStatuses pulls recent delivery statuses and routes the
// requests of bounced or suppressed recipients to manual handling, since the
// automated channel to them is dead.
func (r *Reconciler) ingestDeliveryStatuses(ctx context.Context, log *logrus.Entry, report *ReconcileReport) error {
	statuses, err := r.Provider.DeliveryStatuses(ctx, time.Now().Add(-r.Cfg.DeliveryStatusLookback))
	if err != nil {
		return err
	}
	for _, status := range statuses {
		if !status.State.Dead() {
			continue
		}
		report.BouncesSeen++
		if deadlineNear(ctx) {
			report.Partial = true
			return nil
		}
		userIDs, err := r.DB.UserIDsByEmail(ctx, util.NormalizeEmail(status.Recipient))
		if err != nil {
			report.Errored++
			log.WithError(err).WithField("recipient", status.Recipient).Error("Failed to resolve bounced recipient")
			continue
		}
		note := fmt.Sprintf("Email to %s was %s; automated channel unavailable", status.Recipient, status.State)
		for _, userID := range userIDs {
			requests, err := r.DB.NonTerminalRequestsByUser(ctx, userID)
			if err != nil {
				report.Errored++
				log.WithError(err).WithField("user_id", userID).Error("Failed to list non-terminal requests")
				continue
			}
			for _, req := range requests {
				changed, err := r.DB.ForceRequireManual(ctx, req.ID, note)
				if err != nil {
					report.Errored++
					log.WithError(err).WithField("request_id", req.ID).Error("Failed to route bounced request to manual")
					continue
				}
				if changed {
					report.BounceRouted++
				}
			}
		}
	}
	return nil
}

// resolveAgedAcknowledged settles ACKNOWLEDGED requests past the dwell time.
// A broker that never replied further has either silently processed the
// request or silently ignored it; its historical success rate decides which
// reading to trust. Ambiguous signal means we wait for the next run.
func (r *Reconciler) resolveAgedAcknowledged(ctx context.Context, log *logrus.Entry, report *ReconcileReport) error {
	cutoff := time.Now().Add(-r.Cfg.AckDwell)
	aged, err := r.DB.AgedAcknowledged(ctx, cutoff, r.Cfg.BatchSize)
	if err != nil {
		return err
	}
	touched := make(map[string]struct{})
	for _, req := range aged {
		if deadlineNear(ctx) {
			report.Partial = true
			break
		}
		report.AgedExamined++

		signal, err := r.Intel.Signal(ctx, req.Source)
		if err != nil {
			report.Errored++
			log.WithError(err).WithField("source", req.Source).Error("Failed to compute broker signal")
			continue
		}
		switch {
		case intel.Trustworthy(signal, r.Cfg.SuccessRateHighBound):
			note := fmt.Sprintf("Auto-completed: no further reply after %s and broker success rate is %d%%",
				r.Cfg.AckDwell, signal.SuccessRate)
			if err = r.DB.TransitionRequest(ctx, req.ID, api.RequestCompleted, note); err != nil {
				report.Errored++
				log.WithError(err).WithField("request_id", req.ID).Error("Failed to auto-complete request")
				continue
			}
			report.AutoCompleted++
			touched[req.Source] = struct{}{}
		case intel.Unreliable(signal, r.Cfg.SuccessRateLowBound):
			note := fmt.Sprintf("Routed to manual: no further reply after %s and broker success rate is only %d%%",
				r.Cfg.AckDwell, signal.SuccessRate)
			if err = r.DB.TransitionRequest(ctx, req.ID, api.RequestRequiresManual, note); err != nil {
				report.Errored++
				log.WithError(err).WithField("request_id", req.ID).Error("Failed to route request to manual")
				continue
			}
			report.RoutedManual++
			touched[req.Source] = struct{}{}
		default:
			report.LeftUnresolved++
		}
	}
	// The transitions above changed the outcome history these signals are
	// derived from.
	for source := range touched {
		if _, err := r.Intel.Refresh(ctx, source); err != nil {
			log.WithError(err).WithField("source", source).Warn("Failed to refresh broker signal")
		}
	}
	return nil
}

// HandleReply applies a broker's reply text to its removal request. Any reply
// at all proves the broker received the request, so an unclassifiable reply
// still advances PENDING, SUBMITTED or IN_PROGRESS to ACKNOWLEDGED.
func (r *Reconciler) HandleReply(ctx context.Context, requestID int64, body string) (ReplyCategory, error) {
	category := ClassifyReply(body)
	req, err := r.DB.RemovalRequests.SelectRemovalRequest(ctx, nil, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return category, shared.ErrRequestNotFound
	}
	if err != nil {
		return category, err
	}
	if api.IsTerminalRequest(req.Status) {
		return category, nil
	}
	switch category {
	case ReplyConfirmedRemoval:
		err = r.transitionForReply(ctx, req, api.RequestCompleted, "Broker confirmed removal")
	case ReplyNoRecord:
		err = r.transitionForReply(ctx, req, api.RequestCompleted, "Broker reports no matching record")
	case ReplyRequiresVerification:
		_, err = r.DB.ForceRequireManual(ctx, req.ID, "Broker requires identity verification")
	case ReplyRequiresManual:
		_, err = r.DB.ForceRequireManual(ctx, req.ID, "Broker requires a manual process")
	default:
		if req.Status == api.RequestPending || req.Status == api.RequestSubmitted || req.Status == api.RequestInProgress {
			err = r.transitionForReply(ctx, req, api.RequestAcknowledged, "Broker replied; content unclassified")
		}
	}
	return category, err
}

// replySteps is the forward path a reply walks when it arrives before the
// automation recorded the intermediate states.
var replySteps = map[api.RequestStatus]api.RequestStatus{
	api.RequestPending:   api.RequestSubmitted,
	api.RequestSubmitted: api.RequestAcknowledged,
}

// transitionForReply walks the request to the target status, stepping through
// SUBMITTED and ACKNOWLEDGED as needed. A reply to a still-PENDING request
// proves the mail went out even if the SUBMITTED write was lost, so it steps
// forward rather than being refused.
func (r *Reconciler) transitionForReply(ctx context.Context, req *api.RemovalRequest, to api.RequestStatus, note string) error {
	for !api.CanTransitionRequest(req.Status, to) {
		step, ok := replySteps[req.Status]
		if !ok {
			break
		}
		if err := r.DB.TransitionRequest(ctx, req.ID, step, ""); err != nil {
			return err
		}
		req.Status = step
	}
	return r.DB.TransitionRequest(ctx, req.ID, to, note)
}
