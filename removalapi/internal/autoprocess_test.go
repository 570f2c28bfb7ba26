// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/unlistd/unlistd/brokerapi/intel"
	"github.com/unlistd/unlistd/internal/caching"
	"github.com/unlistd/unlistd/internal/sqlutil"
	"github.com/unlistd/unlistd/removalapi/api"
	"github.com/unlistd/unlistd/removalapi/storage"
	"github.com/unlistd/unlistd/removalapi/storage/shared"
	"github.com/unlistd/unlistd/setup/config"
	"github.com/unlistd/unlistd/test"
)

func newTestDatabase(t *testing.T) (*shared.Database, func()) {
	t.Helper()
	connStr, close := test.PrepareDBConnectionString(t, test.DBTypeSQLite)
	db, err := storage.Open(sqlutil.DatabaseOptions{ConnectionString: connStr})
	if err != nil {
		t.Fatalf("storage.Open returned %s", err)
	}
	return db, close
}

func newTestIntel(db *shared.Database) *intel.Store {
	caches := caching.NewRistrettoCache(1024*1024, time.Hour, caching.DisableMetrics)
	return intel.NewStore(db, caches, 75, 25)
}

func seedExposure(t *testing.T, ctx context.Context, db *shared.Database, userID, source string, score *int) *api.Exposure {
	t.Helper()
	exposure := &api.Exposure{
		UserID:               userID,
		Source:               source,
		SourceName:           source,
		Status:               api.ExposureActive,
		Severity:             "MEDIUM",
		ConfidenceScore:      score,
		RequiresManualAction: true,
		FirstFoundAt:         time.Now().Add(-time.Hour),
	}
	if err := db.InsertExposure(ctx, exposure); err != nil {
		t.Fatalf("InsertExposure failed: %v", err)
	}
	return exposure
}

// seedOutcomeHistory finishes the given number of requests against a source
// so that its success rate becomes completed/(completed+failed).
func seedOutcomeHistory(t *testing.T, ctx context.Context, db *shared.Database, source string, completed, failed int) {
	t.Helper()
	for i := 0; i < completed+failed; i++ {
		userID := fmt.Sprintf("history-%s-%d", strings.ToLower(source), i)
		exposure := seedExposure(t, ctx, db, userID, source, nil)
		req, err := db.CreateRemovalRequest(ctx, exposure, api.MethodAutoForm, "")
		if err != nil {
			t.Fatalf("CreateRemovalRequest failed: %v", err)
		}
		final := api.RequestCompleted
		if i >= completed {
			final = api.RequestFailed
		}
		for _, status := range []api.RequestStatus{api.RequestSubmitted, api.RequestAcknowledged, final} {
			if err := db.TransitionRequest(ctx, req.ID, status, ""); err != nil {
				t.Fatalf("TransitionRequest to %s failed: %v", status, err)
			}
		}
	}
}

func defaultPlans() *config.Plans {
	plans := &config.Plans{}
	plans.Defaults(config.DefaultOpts{})
	return plans
}

type sentMail struct {
	to      string
	subject string
	replyTo string
}

type fakeMailer struct {
	sent []sentMail
	fail bool
}

func (f *fakeMailer) Send(_ context.Context, to, subject, _, replyTo string) error {
	if f.fail {
		return fmt.Errorf("smtp relay unavailable")
	}
	f.sent = append(f.sent, sentMail{to: to, subject: subject, replyTo: replyTo})
	return nil
}

func (f *fakeMailer) ReplyAddress(tag string) string {
	return "replies+" + tag + "@unlistd.test"
}

func intPtr(v int) *int { return &v }

func TestAutoProcessCreatesRequests(t *testing.T) {
	ctx := context.Background()
	db, close := newTestDatabase(t)
	defer close()

	first := seedExposure(t, ctx, db, "user-1", "EXAMPLE_BROKER", intPtr(80))
	second := seedExposure(t, ctx, db, "user-1", "WHITEPAGES", nil) // legacy, unscored

	processor := &AutoProcessor{
		DB:    db,
		Intel: newTestIntel(db),
		Plans: defaultPlans(),
		Cfg:   &config.AutoProcess{BatchSize: 200, ConfidenceThreshold: 30},
	}
	report, err := processor.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Created != 2 || report.Errored != 0 {
		t.Fatalf("expected 2 requests created, got %+v", report)
	}
	if report.QueueDepth != 0 {
		t.Fatalf("expected an empty queue after the run, got %d", report.QueueDepth)
	}

	for _, exposure := range []*api.Exposure{first, second} {
		req, err := db.RequestByExposure(ctx, exposure.ID)
		if err != nil {
			t.Fatalf("RequestByExposure failed: %v", err)
		}
		if req == nil || req.Status != api.RequestPending || req.Method != api.MethodAutoForm {
			t.Fatalf("unexpected request for exposure %d: %+v", exposure.ID, req)
		}
		got, err := db.Exposure(ctx, exposure.ID)
		if err != nil {
			t.Fatalf("Exposure failed: %v", err)
		}
		if got.Status != api.ExposureRemovalPending {
			t.Fatalf("expected REMOVAL_PENDING, got %s", got.Status)
		}
	}

	t.Run("second run is a no-op", func(t *testing.T) {
		report, err := processor.Run(ctx)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if report.Created != 0 || report.Processed != 0 {
			t.Fatalf("expected nothing to process, got %+v", report)
		}
	})
}

func TestAutoProcessMonthlyQuota(t *testing.T) {
	ctx := context.Background()
	db, close := newTestDatabase(t)
	defer close()

	if err := db.UpsertUser(ctx, "user-1", "alice@example.com", "FREE"); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	for _, source := range []string{"SPOKEO", "WHITEPAGES", "BEENVERIFIED"} {
		seedExposure(t, ctx, db, "user-1", source, intPtr(90))
	}

	plans := &config.Plans{
		DefaultPlan: "FREE",
		Definitions: map[string]config.Plan{
			"FREE": {MonthlyRemovalLimit: 2},
			"PRO":  {},
		},
	}
	processor := &AutoProcessor{
		DB:    db,
		Intel: newTestIntel(db),
		Plans: plans,
		Cfg:   &config.AutoProcess{BatchSize: 200, ConfidenceThreshold: 30},
	}
	report, err := processor.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Created != 2 || report.SkippedQuota != 1 {
		t.Fatalf("expected 2 created and 1 quota skip, got %+v", report)
	}

	t.Run("quota resets are not needed for unlimited plans", func(t *testing.T) {
		if err := db.UpsertUser(ctx, "user-2", "bob@example.com", "PRO"); err != nil {
			t.Fatalf("UpsertUser failed: %v", err)
		}
		for i := 0; i < 4; i++ {
			seedExposure(t, ctx, db, "user-2", "EXAMPLE_BROKER", intPtr(90))
		}
		report, err := processor.Run(ctx)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		// user-1's remaining exposure is still over quota; user-2's four
		// exposures all proceed because PRO has no cap.
		if report.Created != 4 || report.SkippedQuota != 1 {
			t.Fatalf("expected 4 created and 1 quota skip, got %+v", report)
		}
	})
}

func TestAutoProcessSkips(t *testing.T) {
	ctx := context.Background()
	db, close := newTestDatabase(t)
	defer close()

	lowScore := seedExposure(t, ctx, db, "user-1", "SPOKEO", intPtr(10))
	excluded := seedExposure(t, ctx, db, "user-1", "NORTHSTAR_ANALYTICS", intPtr(90))

	processor := &AutoProcessor{
		DB:    db,
		Intel: newTestIntel(db),
		Plans: defaultPlans(),
		Cfg:   &config.AutoProcess{BatchSize: 200, ConfidenceThreshold: 30},
	}
	report, err := processor.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Created != 0 {
		t.Fatalf("expected no requests, got %+v", report)
	}
	if report.SkippedConfidence != 1 || report.SkippedExcluded != 1 {
		t.Fatalf("expected one confidence skip and one exclusion skip, got %+v", report)
	}

	// Skipped exposures are left untouched for later runs or manual review.
	for _, exposure := range []*api.Exposure{lowScore, excluded} {
		got, err := db.Exposure(ctx, exposure.ID)
		if err != nil {
			t.Fatalf("Exposure failed: %v", err)
		}
		if got.Status != api.ExposureActive {
			t.Fatalf("expected exposure %d to stay ACTIVE, got %s", exposure.ID, got.Status)
		}
	}
}

func TestAutoProcessOldBacklogDoesNotStarveEligible(t *testing.T) {
	ctx := context.Background()
	db, close := newTestDatabase(t)
	defer close()

	// Two old low-confidence exposures sit ahead of a newer eligible one.
	// With a batch smaller than the backlog, the eligible exposure must
	// still be picked up on the first run: ineligible exposures may never
	// occupy batch slots.
	for i, source := range []string{"SPOKEO", "WHITEPAGES"} {
		exposure := &api.Exposure{
			UserID:               "user-1",
			Source:               source,
			SourceName:           source,
			Status:               api.ExposureActive,
			Severity:             "MEDIUM",
			ConfidenceScore:      intPtr(10),
			RequiresManualAction: true,
			FirstFoundAt:         time.Now().Add(-time.Duration(48-i) * time.Hour),
		}
		if err := db.InsertExposure(ctx, exposure); err != nil {
			t.Fatalf("InsertExposure failed: %v", err)
		}
	}
	eligible := seedExposure(t, ctx, db, "user-1", "EXAMPLE_BROKER", intPtr(90))

	processor := &AutoProcessor{
		DB:    db,
		Intel: newTestIntel(db),
		Plans: defaultPlans(),
		Cfg:   &config.AutoProcess{BatchSize: 2, ConfidenceThreshold: 30},
	}
	report, err := processor.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Created != 1 || report.SkippedConfidence != 2 {
		t.Fatalf("expected the eligible exposure created and 2 confidence skips, got %+v", report)
	}
	if report.QueueDepth != 0 {
		t.Fatalf("expected an empty queue after the run, got %d", report.QueueDepth)
	}
	req, err := db.RequestByExposure(ctx, eligible.ID)
	if err != nil {
		t.Fatalf("RequestByExposure failed: %v", err)
	}
	if req == nil || req.Status != api.RequestPending {
		t.Fatalf("expected a pending request for the eligible exposure, got %+v", req)
	}
}

func TestAutoProcessGroupCoverage(t *testing.T) {
	ctx := context.Background()
	db, close := newTestDatabase(t)
	defer close()

	// An existing live request against INTELIUS covers its group sibling
	// TRUTHFINDER for the same user.
	parent := seedExposure(t, ctx, db, "user-1", "INTELIUS", intPtr(90))
	if _, err := db.CreateRemovalRequest(ctx, parent, api.MethodAutoForm, ""); err != nil {
		t.Fatalf("CreateRemovalRequest failed: %v", err)
	}
	sibling := seedExposure(t, ctx, db, "user-1", "TRUTHFINDER", intPtr(90))
	// Another user's TRUTHFINDER exposure is not covered.
	other := seedExposure(t, ctx, db, "user-2", "TRUTHFINDER", intPtr(90))

	processor := &AutoProcessor{
		DB:    db,
		Intel: newTestIntel(db),
		Plans: defaultPlans(),
		Cfg:   &config.AutoProcess{BatchSize: 200, ConfidenceThreshold: 30},
	}
	report, err := processor.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.CoveredByGroup != 1 || report.Created != 1 {
		t.Fatalf("expected 1 covered and 1 created, got %+v", report)
	}

	got, err := db.Exposure(ctx, sibling.ID)
	if err != nil {
		t.Fatalf("Exposure failed: %v", err)
	}
	if got.Status != api.ExposureRemovalPending {
		t.Fatalf("expected the covered exposure to be parked in REMOVAL_PENDING, got %s", got.Status)
	}
	req, err := db.RequestByExposure(ctx, sibling.ID)
	if err != nil {
		t.Fatalf("RequestByExposure failed: %v", err)
	}
	if req != nil {
		t.Fatalf("expected no request for the covered exposure, got %+v", req)
	}

	req, err = db.RequestByExposure(ctx, other.ID)
	if err != nil {
		t.Fatalf("RequestByExposure failed: %v", err)
	}
	if req == nil {
		t.Fatal("expected the other user's exposure to get its own request")
	}
}

func TestAutoProcessEmailSubmission(t *testing.T) {
	ctx := context.Background()
	db, close := newTestDatabase(t)
	defer close()

	mailer := &fakeMailer{}
	processor := &AutoProcessor{
		DB:     db,
		Intel:  newTestIntel(db),
		Plans:  defaultPlans(),
		Cfg:    &config.AutoProcess{BatchSize: 200, ConfidenceThreshold: 30},
		Mailer: mailer,
	}

	exposure := seedExposure(t, ctx, db, "user-1", "CLARITY_DATA_WORKS", intPtr(90))
	report, err := processor.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Created != 1 || report.Submitted != 1 {
		t.Fatalf("expected the emailed request to be submitted, got %+v", report)
	}
	req, err := db.RequestByExposure(ctx, exposure.ID)
	if err != nil {
		t.Fatalf("RequestByExposure failed: %v", err)
	}
	if req.Status != api.RequestSubmitted || req.Method != api.MethodAutoEmail {
		t.Fatalf("unexpected request state: %+v", req)
	}
	if len(mailer.sent) != 1 || mailer.sent[0].to != "privacy@claritydataworks.com" {
		t.Fatalf("unexpected outbound mail: %+v", mailer.sent)
	}
	if !strings.Contains(mailer.sent[0].replyTo, fmt.Sprintf("+%d@", req.ID)) {
		t.Fatalf("expected the reply address to carry the request ID, got %q", mailer.sent[0].replyTo)
	}

	t.Run("failed sends leave the request pending", func(t *testing.T) {
		mailer.fail = true
		failing := seedExposure(t, ctx, db, "user-2", "CLARITY_DATA_WORKS", intPtr(90))
		report, err := processor.Run(ctx)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if report.Created != 1 || report.Submitted != 0 || report.Errored != 1 {
			t.Fatalf("expected a created-but-unsubmitted request, got %+v", report)
		}
		req, err := db.RequestByExposure(ctx, failing.ID)
		if err != nil {
			t.Fatalf("RequestByExposure failed: %v", err)
		}
		if req.Status != api.RequestPending {
			t.Fatalf("expected the request to stay PENDING, got %s", req.Status)
		}
	})
}

func TestAutoProcessRoutesUnreliableBrokersToManual(t *testing.T) {
	ctx := context.Background()
	db, close := newTestDatabase(t)
	defer close()

	// 1 completed out of 5 resolved: 20%, below the low bound of 25.
	seedOutcomeHistory(t, ctx, db, "SPOKEO", 1, 4)
	exposure := seedExposure(t, ctx, db, "user-1", "SPOKEO", intPtr(90))

	processor := &AutoProcessor{
		DB:    db,
		Intel: newTestIntel(db),
		Plans: defaultPlans(),
		Cfg:   &config.AutoProcess{BatchSize: 200, ConfidenceThreshold: 30},
	}
	report, err := processor.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Created != 1 {
		t.Fatalf("expected 1 request, got %+v", report)
	}
	req, err := db.RequestByExposure(ctx, exposure.ID)
	if err != nil {
		t.Fatalf("RequestByExposure failed: %v", err)
	}
	if req.Method != api.MethodManualGuide {
		t.Fatalf("expected the unreliable broker to be routed to MANUAL_GUIDE, got %s", req.Method)
	}
}
