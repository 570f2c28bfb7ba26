// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unlistd/unlistd/brokerapi/directory"
	"github.com/unlistd/unlistd/brokerapi/intel"
	"github.com/unlistd/unlistd/internal/caching"
	"github.com/unlistd/unlistd/removalapi/api"
	"github.com/unlistd/unlistd/removalapi/storage/shared"
	"github.com/unlistd/unlistd/setup/config"
)

// deadlineMargin is how close to the job deadline we stop starting new items.
// In-flight transactions finish; nothing new begins.
const deadlineMargin = 10 * time.Second

// RemovalMailer is the slice of the SMTP sender the processor needs. Nil
// means outbound mail is disabled; AUTO_EMAIL requests then stay PENDING
// until an operator submits them.
type RemovalMailer interface {
	Send(ctx context.Context, to, subject, htmlBody, replyTo string) error
	ReplyAddress(tag string) string
}

// AutoProcessor drains the queue of automation-eligible exposures, creating
// removal requests under the per-plan monthly quota.
type AutoProcessor struct {
	DB     *shared.Database
	Intel  *intel.Store
	Plans  *config.Plans
	Cfg    *config.AutoProcess
	Mailer RemovalMailer

	// PlanCache keeps user plan names warm across runs. Optional.
	PlanCache caching.UserPlanCache
}

// AutoProcessReport is the outcome of one queue run. The counters feed the
// job run record and the metrics endpoint.
type AutoProcessReport struct {
	Processed         int
	Created           int
	Submitted         int
	CoveredByGroup    int
	SkippedQuota      int
	SkippedConfidence int
	SkippedExcluded   int
	Errored           int
	QueueDepth        int64
	Partial           bool
}

// Metadata flattens the report for the job run record.
func (r *AutoProcessReport) Metadata() map[string]int64 {
	return map[string]int64{
		"processed":          int64(r.Processed),
		"created":            int64(r.Created),
		"submitted":          int64(r.Submitted),
		"covered_by_group":   int64(r.CoveredByGroup),
		"skipped_quota":      int64(r.SkippedQuota),
		"skipped_confidence": int64(r.SkippedConfidence),
		"skipped_excluded":   int64(r.SkippedExcluded),
		"errored":            int64(r.Errored),
		"queue_depth":        r.QueueDepth,
	}
}

// Run executes one pass over the queue. Single-exposure failures are counted
// and logged without aborting the batch.
func (p *AutoProcessor) Run(ctx context.Context) (*AutoProcessReport, error) {
	registerMetrics()
	log := logrus.WithField("job", "auto_process")
	report := &AutoProcessReport{}

	// Eligibility is decided entirely in the query. Filtering afterwards
	// would let a backlog of ineligible exposures occupy batch slots and
	// starve the eligible ones behind them.
	excluded := directory.ExcludedSources()
	candidates, err := p.DB.AutoProcessCandidates(ctx, p.Cfg.ConfidenceThreshold, excluded, p.Cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if confidenceSkips, err := p.DB.ConfidenceFilteredCount(ctx, p.Cfg.ConfidenceThreshold); err != nil {
		log.WithError(err).Warn("Failed to count confidence-filtered exposures")
	} else {
		report.SkippedConfidence = int(confidenceSkips)
	}
	if excludedSkips, err := p.DB.ExcludedCandidateCount(ctx, p.Cfg.ConfidenceThreshold, excluded); err != nil {
		log.WithError(err).Warn("Failed to count excluded-source exposures")
	} else {
		report.SkippedExcluded = int(excludedSkips)
	}

	monthStart := monthStartUTC(time.Now())
	monthlyCounts, err := p.DB.MonthlyRequestCounts(ctx, monthStart)
	if err != nil {
		return nil, err
	}

	planCache := make(map[string]config.Plan)

	for _, exposure := range candidates {
		if deadlineNear(ctx) {
			report.Partial = true
			log.WithField("remaining", len(candidates)-report.Processed).
				Warn("Deadline approaching, stopping early")
			break
		}
		report.Processed++

		plan, ok := planCache[exposure.UserID]
		if !ok {
			planName, err := p.userPlan(ctx, exposure.UserID)
			if err != nil {
				report.Errored++
				log.WithError(err).WithField("user_id", exposure.UserID).Error("Failed to look up user plan")
				continue
			}
			plan = p.Plans.Lookup(planName)
			planCache[exposure.UserID] = plan
		}
		if !plan.Unlimited() && monthlyCounts[exposure.UserID] >= plan.MonthlyRemovalLimit {
			report.SkippedQuota++
			continue
		}

		covered, err := p.coveredByGroup(ctx, exposure)
		if err != nil {
			report.Errored++
			log.WithError(err).WithField("exposure_id", exposure.ID).Error("Group coverage check failed")
			continue
		}
		if covered {
			report.CoveredByGroup++
			continue
		}

		signal, err := p.Intel.Signal(ctx, exposure.Source)
		if err != nil {
			report.Errored++
			log.WithError(err).WithField("source", exposure.Source).Error("Failed to compute broker signal")
			continue
		}

		req, err := p.DB.CreateRemovalRequest(ctx, exposure, signal.RecommendedMethod, "Created by auto-processing")
		if err != nil {
			report.Errored++
			log.WithError(err).WithField("exposure_id", exposure.ID).Error("Failed to create removal request")
			continue
		}
		report.Created++
		monthlyCounts[exposure.UserID]++

		if req.Method == api.MethodAutoEmail {
			p.submitByEmail(ctx, log, report, req)
		}
	}

	depth, err := p.DB.AutoProcessQueueDepth(ctx, p.Cfg.ConfidenceThreshold, excluded)
	if err != nil {
		log.WithError(err).Warn("Failed to measure queue depth")
	} else {
		report.QueueDepth = depth
	}

	report.observeMetrics()
	log.WithFields(logrus.Fields{
		"processed":   report.Processed,
		"created":     report.Created,
		"queue_depth": report.QueueDepth,
	}).Info("Auto-processing run finished")
	return report, nil
}

// userPlan resolves a user's plan name, going to the database on cache miss.
func (p *AutoProcessor) userPlan(ctx context.Context, userID string) (string, error) {
	if p.PlanCache != nil {
		if planName, ok := p.PlanCache.GetUserPlan(userID); ok {
			return planName, nil
		}
	}
	planName, err := p.DB.UserPlan(ctx, userID)
	if err != nil {
		return "", err
	}
	if p.PlanCache != nil {
		p.PlanCache.StoreUserPlan(userID, planName)
	}
	return planName, nil
}

// submitByEmail mails the deletion request to the broker's privacy inbox and
// advances the request to SUBMITTED. A failed send leaves the request PENDING;
// nothing here is fatal to the run.
func (p *AutoProcessor) submitByEmail(ctx context.Context, log *logrus.Entry, report *AutoProcessReport, req *api.RemovalRequest) {
	if p.Mailer == nil {
		return
	}
	broker := directory.Lookup(req.Source)
	if broker == nil || broker.OptOutEmail == "" {
		return
	}
	subject := fmt.Sprintf("Data deletion request (ref %d)", req.ID)
	body := fmt.Sprintf(
		"<p>To the privacy team at %s,</p>"+
			"<p>We request the deletion of all personal data you hold for the individual "+
			"identified under our reference <strong>%d</strong>, as permitted by applicable "+
			"data protection law. Please confirm once the removal is complete.</p>"+
			"<p>Replies to this address are processed automatically.</p>",
		broker.Name, req.ID,
	)
	replyTo := p.Mailer.ReplyAddress(strconv.FormatInt(req.ID, 10))
	if err := p.Mailer.Send(ctx, broker.OptOutEmail, subject, body, replyTo); err != nil {
		report.Errored++
		log.WithError(err).WithField("request_id", req.ID).Error("Failed to email deletion request")
		return
	}
	note := fmt.Sprintf("Deletion request emailed to %s", broker.OptOutEmail)
	if err := p.DB.TransitionRequest(ctx, req.ID, api.RequestSubmitted, note); err != nil {
		report.Errored++
		log.WithError(err).WithField("request_id", req.ID).Error("Failed to mark request submitted")
		return
	}
	report.Submitted++
}

// coveredByGroup reports whether an existing request against a sibling source
// in the same broker group already covers this exposure, and if so parks the
// exposure without creating a duplicate request.
func (p *AutoProcessor) coveredByGroup(ctx context.Context, exposure *api.Exposure) (bool, error) {
	siblings := directory.Group(exposure.Source)
	if len(siblings) == 0 {
		return false, nil
	}
	var others []string
	for _, source := range siblings {
		if source != directory.NormalizeSource(exposure.Source) {
			others = append(others, source)
		}
	}
	existing, err := p.DB.ActiveRequestForSources(ctx, exposure.UserID, others)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	return true, p.DB.MarkExposureCoveredByGroup(ctx, exposure)
}

func deadlineNear(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	deadline, ok := ctx.Deadline()
	return ok && time.Until(deadline) < deadlineMargin
}

func monthStartUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
