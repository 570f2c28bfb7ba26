// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unlistd/unlistd/internal/sqlutil"
	"github.com/unlistd/unlistd/removalapi/api"
	"github.com/unlistd/unlistd/removalapi/storage"
	"github.com/unlistd/unlistd/removalapi/storage/shared"
	"github.com/unlistd/unlistd/test"
)

func mustCreateDatabase(t *testing.T, dbType test.DBType) (*shared.Database, func()) {
	t.Helper()
	connStr, close := test.PrepareDBConnectionString(t, dbType)
	db, err := storage.Open(sqlutil.DatabaseOptions{
		ConnectionString: connStr,
	})
	if err != nil {
		t.Fatalf("storage.Open returned %s", err)
	}
	return db, close
}

func mustInsertExposure(t *testing.T, ctx context.Context, db *shared.Database, exposure *api.Exposure) *api.Exposure {
	t.Helper()
	if exposure.Status == "" {
		exposure.Status = api.ExposureActive
	}
	// Scanned exposures arrive flagged for action; the flag is part of the
	// automation eligibility predicate.
	exposure.RequiresManualAction = true
	if exposure.Severity == "" {
		exposure.Severity = "MEDIUM"
	}
	if exposure.FirstFoundAt.IsZero() {
		exposure.FirstFoundAt = time.Now().Add(-time.Hour)
	}
	if err := db.InsertExposure(ctx, exposure); err != nil {
		t.Fatalf("InsertExposure failed: %v", err)
	}
	return exposure
}

func intPtr(v int) *int { return &v }

// Opening a brand-new database prepares every statement eagerly, including
// the candidate queries that join exposures against removal requests. Both
// schemas must therefore exist before those statements are prepared.
func TestOpenFreshDatabase(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		exposure := mustInsertExposure(t, ctx, db, &api.Exposure{
			UserID: "user-1", Source: "SPOKEO", ConfidenceScore: intPtr(80),
		})
		candidates, err := db.AutoProcessCandidates(ctx, 0, nil, 10)
		if err != nil {
			t.Fatalf("AutoProcessCandidates failed: %v", err)
		}
		if len(candidates) != 1 || candidates[0].ID != exposure.ID {
			t.Fatalf("expected the inserted exposure back, got %+v", candidates)
		}
	})
}

func TestJobLocks(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		t.Run("acquire is exclusive", func(t *testing.T) {
			acquired, err := db.AcquireJobLock(ctx, "auto_process", "holder-a", time.Minute)
			if err != nil {
				t.Fatalf("AcquireJobLock failed: %v", err)
			}
			if !acquired {
				t.Fatal("expected to acquire the free lock")
			}
			acquired, err = db.AcquireJobLock(ctx, "auto_process", "holder-b", time.Minute)
			if err != nil {
				t.Fatalf("AcquireJobLock failed: %v", err)
			}
			if acquired {
				t.Fatal("expected the held lock to be refused")
			}
		})

		t.Run("locks are per job name", func(t *testing.T) {
			acquired, err := db.AcquireJobLock(ctx, "reconciliation", "holder-b", time.Minute)
			if err != nil {
				t.Fatalf("AcquireJobLock failed: %v", err)
			}
			if !acquired {
				t.Fatal("expected an unrelated job's lock to be free")
			}
		})

		t.Run("release by wrong holder is a no-op", func(t *testing.T) {
			if err := db.ReleaseJobLock(ctx, "auto_process", "holder-b"); err != nil {
				t.Fatalf("ReleaseJobLock failed: %v", err)
			}
			acquired, err := db.AcquireJobLock(ctx, "auto_process", "holder-c", time.Minute)
			if err != nil {
				t.Fatalf("AcquireJobLock failed: %v", err)
			}
			if acquired {
				t.Fatal("lock should still be held by holder-a")
			}
		})

		t.Run("release then reacquire", func(t *testing.T) {
			if err := db.ReleaseJobLock(ctx, "auto_process", "holder-a"); err != nil {
				t.Fatalf("ReleaseJobLock failed: %v", err)
			}
			// Releasing again must not error.
			if err := db.ReleaseJobLock(ctx, "auto_process", "holder-a"); err != nil {
				t.Fatalf("second ReleaseJobLock failed: %v", err)
			}
			acquired, err := db.AcquireJobLock(ctx, "auto_process", "holder-c", time.Minute)
			if err != nil {
				t.Fatalf("AcquireJobLock failed: %v", err)
			}
			if !acquired {
				t.Fatal("expected to acquire the released lock")
			}
		})

		t.Run("expired locks are reclaimed", func(t *testing.T) {
			acquired, err := db.AcquireJobLock(ctx, "link_monitor", "crashed-holder", -time.Second)
			if err != nil {
				t.Fatalf("AcquireJobLock failed: %v", err)
			}
			if !acquired {
				t.Fatal("expected to acquire the free lock")
			}
			acquired, err = db.AcquireJobLock(ctx, "link_monitor", "new-holder", time.Minute)
			if err != nil {
				t.Fatalf("AcquireJobLock failed: %v", err)
			}
			if !acquired {
				t.Fatal("expected the expired lock to be reclaimed")
			}
		})
	})
}

func TestCreateRemovalRequest(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		exposure := mustInsertExposure(t, ctx, db, &api.Exposure{
			UserID: "user-1", Source: "EXAMPLE_BROKER", SourceName: "Example Broker",
			ConfidenceScore: intPtr(80),
		})

		req, err := db.CreateRemovalRequest(ctx, exposure, api.MethodAutoForm, "created in test")
		if err != nil {
			t.Fatalf("CreateRemovalRequest failed: %v", err)
		}
		if req.Status != api.RequestPending {
			t.Fatalf("expected a PENDING request, got %s", req.Status)
		}
		if req.ID == 0 {
			t.Fatal("expected the request ID to be assigned")
		}

		got, err := db.Exposure(ctx, exposure.ID)
		if err != nil {
			t.Fatalf("Exposure failed: %v", err)
		}
		if got.Status != api.ExposureRemovalPending {
			t.Fatalf("expected the exposure to be REMOVAL_PENDING, got %s", got.Status)
		}
		if !got.RequiresManualAction || !got.ManualActionTaken || !got.UserConfirmed {
			t.Fatal("expected the implicit-consent flags to be set")
		}

		t.Run("at most one live request per exposure", func(t *testing.T) {
			if _, err := db.CreateRemovalRequest(ctx, exposure, api.MethodAutoForm, "duplicate"); err == nil {
				t.Fatal("expected a second live request to be refused")
			}
		})

		t.Run("request visible by exposure", func(t *testing.T) {
			byExposure, err := db.RequestByExposure(ctx, exposure.ID)
			if err != nil {
				t.Fatalf("RequestByExposure failed: %v", err)
			}
			if byExposure == nil || byExposure.ID != req.ID {
				t.Fatalf("expected request %d, got %+v", req.ID, byExposure)
			}
		})

		t.Run("refused for removed exposures", func(t *testing.T) {
			removed := mustInsertExposure(t, ctx, db, &api.Exposure{
				UserID: "user-1", Source: "SPOKEO", Status: api.ExposureRemoved,
			})
			_, err := db.CreateRemovalRequest(ctx, removed, api.MethodAutoForm, "")
			var invalid api.ErrInvalidTransition
			if !errors.As(err, &invalid) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
		})

		t.Run("refused for unknown exposures", func(t *testing.T) {
			ghost := &api.Exposure{ID: 999999, UserID: "user-1", Source: "SPOKEO"}
			if _, err := db.CreateRemovalRequest(ctx, ghost, api.MethodAutoForm, ""); !errors.Is(err, shared.ErrExposureNotFound) {
				t.Fatalf("expected ErrExposureNotFound, got %v", err)
			}
		})
	})
}

func TestTransitionRequest(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		exposure := mustInsertExposure(t, ctx, db, &api.Exposure{
			UserID: "user-1", Source: "EXAMPLE_BROKER",
		})
		req, err := db.CreateRemovalRequest(ctx, exposure, api.MethodAutoForm, "")
		if err != nil {
			t.Fatalf("CreateRemovalRequest failed: %v", err)
		}

		t.Run("skipping ahead is refused", func(t *testing.T) {
			err := db.TransitionRequest(ctx, req.ID, api.RequestCompleted, "")
			var invalid api.ErrInvalidTransition
			if !errors.As(err, &invalid) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
		})

		t.Run("completion steps the exposure to REMOVED", func(t *testing.T) {
			for _, status := range []api.RequestStatus{api.RequestSubmitted, api.RequestAcknowledged, api.RequestCompleted} {
				if err := db.TransitionRequest(ctx, req.ID, status, ""); err != nil {
					t.Fatalf("TransitionRequest to %s failed: %v", status, err)
				}
			}
			got, err := db.Exposure(ctx, exposure.ID)
			if err != nil {
				t.Fatalf("Exposure failed: %v", err)
			}
			// The exposure was still REMOVAL_PENDING, so the walk passes
			// through REMOVAL_IN_PROGRESS on the way to REMOVED.
			if got.Status != api.ExposureRemoved {
				t.Fatalf("expected the exposure to be REMOVED, got %s", got.Status)
			}
		})

		t.Run("terminal requests cannot move", func(t *testing.T) {
			err := db.TransitionRequest(ctx, req.ID, api.RequestFailed, "")
			var invalid api.ErrInvalidTransition
			if !errors.As(err, &invalid) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
		})

		t.Run("failure marks the exposure REMOVAL_FAILED", func(t *testing.T) {
			other := mustInsertExposure(t, ctx, db, &api.Exposure{
				UserID: "user-2", Source: "SPOKEO",
			})
			failing, err := db.CreateRemovalRequest(ctx, other, api.MethodAutoForm, "")
			if err != nil {
				t.Fatalf("CreateRemovalRequest failed: %v", err)
			}
			if err := db.TransitionRequest(ctx, failing.ID, api.RequestSubmitted, ""); err != nil {
				t.Fatalf("TransitionRequest failed: %v", err)
			}
			if err := db.TransitionRequest(ctx, failing.ID, api.RequestInProgress, ""); err != nil {
				t.Fatalf("TransitionRequest failed: %v", err)
			}
			if err := db.TransitionRequest(ctx, failing.ID, api.RequestFailed, "broker refused"); err != nil {
				t.Fatalf("TransitionRequest failed: %v", err)
			}
			got, err := db.Exposure(ctx, other.ID)
			if err != nil {
				t.Fatalf("Exposure failed: %v", err)
			}
			if got.Status != api.ExposureRemovalFailed {
				t.Fatalf("expected the exposure to be REMOVAL_FAILED, got %s", got.Status)
			}
		})

		t.Run("unknown request", func(t *testing.T) {
			if err := db.TransitionRequest(ctx, 424242, api.RequestSubmitted, ""); !errors.Is(err, shared.ErrRequestNotFound) {
				t.Fatalf("expected ErrRequestNotFound, got %v", err)
			}
		})
	})
}

func TestForceRequireManual(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		exposure := mustInsertExposure(t, ctx, db, &api.Exposure{
			UserID: "user-1", Source: "CLARITY_DATA_WORKS",
		})
		req, err := db.CreateRemovalRequest(ctx, exposure, api.MethodAutoEmail, "")
		if err != nil {
			t.Fatalf("CreateRemovalRequest failed: %v", err)
		}

		// PENDING cannot normally reach REQUIRES_MANUAL; the force path can.
		changed, err := db.ForceRequireManual(ctx, req.ID, "email bounced")
		if err != nil {
			t.Fatalf("ForceRequireManual failed: %v", err)
		}
		if !changed {
			t.Fatal("expected the request to be routed to manual")
		}

		changed, err = db.ForceRequireManual(ctx, req.ID, "email bounced again")
		if err != nil {
			t.Fatalf("second ForceRequireManual failed: %v", err)
		}
		if changed {
			t.Fatal("expected the second call to be a no-op")
		}

		got, err := db.RequestByExposure(ctx, exposure.ID)
		if err != nil {
			t.Fatalf("RequestByExposure failed: %v", err)
		}
		if got.Status != api.RequestRequiresManual {
			t.Fatalf("expected REQUIRES_MANUAL, got %s", got.Status)
		}
	})
}

func TestWhitelistExposure(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		exposure := mustInsertExposure(t, ctx, db, &api.Exposure{
			UserID: "user-1", Source: "WHITEPAGES",
		})
		req, err := db.CreateRemovalRequest(ctx, exposure, api.MethodAutoForm, "")
		if err != nil {
			t.Fatalf("CreateRemovalRequest failed: %v", err)
		}

		if err := db.WhitelistExposure(ctx, exposure.ID, "user wants this listing kept"); err != nil {
			t.Fatalf("WhitelistExposure failed: %v", err)
		}

		got, err := db.Exposure(ctx, exposure.ID)
		if err != nil {
			t.Fatalf("Exposure failed: %v", err)
		}
		if got.Status != api.ExposureWhitelisted || !got.IsWhitelisted {
			t.Fatalf("expected a whitelisted exposure, got %+v", got)
		}

		whitelisted, err := db.IsWhitelisted(ctx, "user-1", "WHITEPAGES")
		if err != nil {
			t.Fatalf("IsWhitelisted failed: %v", err)
		}
		if !whitelisted {
			t.Fatal("expected the (user, source) pair to be whitelisted")
		}

		gotReq, err := db.RequestByExposure(ctx, exposure.ID)
		if err != nil {
			t.Fatalf("RequestByExposure failed: %v", err)
		}
		if gotReq != nil && gotReq.Status != api.RequestCancelled {
			t.Fatalf("expected the live request %d to be cancelled, got %+v", req.ID, gotReq)
		}

		// Whitelisted exposures are off-limits to automation.
		if _, err := db.CreateRemovalRequest(ctx, exposure, api.MethodAutoForm, ""); err == nil {
			t.Fatal("expected request creation against a whitelisted exposure to fail")
		}
	})
}

func TestAutoProcessCandidates(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		now := time.Now()
		oldest := mustInsertExposure(t, ctx, db, &api.Exposure{
			UserID: "user-1", Source: "SPOKEO",
			ConfidenceScore: intPtr(90), FirstFoundAt: now.Add(-72 * time.Hour),
		})
		legacy := mustInsertExposure(t, ctx, db, &api.Exposure{
			UserID: "user-1", Source: "WHITEPAGES",
			FirstFoundAt: now.Add(-48 * time.Hour), // no confidence score
		})
		lowConfidence := mustInsertExposure(t, ctx, db, &api.Exposure{
			UserID: "user-2", Source: "INTELIUS",
			ConfidenceScore: intPtr(10), FirstFoundAt: now.Add(-24 * time.Hour),
		})
		requested := mustInsertExposure(t, ctx, db, &api.Exposure{
			UserID: "user-2", Source: "EXAMPLE_BROKER",
			ConfidenceScore: intPtr(95), FirstFoundAt: now.Add(-12 * time.Hour),
		})
		if _, err := db.CreateRemovalRequest(ctx, requested, api.MethodAutoForm, ""); err != nil {
			t.Fatalf("CreateRemovalRequest failed: %v", err)
		}

		t.Run("filters and orders oldest first", func(t *testing.T) {
			candidates, err := db.AutoProcessCandidates(ctx, 30, nil, 100)
			if err != nil {
				t.Fatalf("AutoProcessCandidates failed: %v", err)
			}
			if len(candidates) != 2 {
				t.Fatalf("expected 2 candidates, got %d", len(candidates))
			}
			if candidates[0].ID != oldest.ID || candidates[1].ID != legacy.ID {
				t.Fatalf("unexpected candidate order: %d, %d", candidates[0].ID, candidates[1].ID)
			}
		})

		t.Run("legacy NULL scores pass the gate", func(t *testing.T) {
			candidates, err := db.AutoProcessCandidates(ctx, 99, nil, 100)
			if err != nil {
				t.Fatalf("AutoProcessCandidates failed: %v", err)
			}
			if len(candidates) != 1 || candidates[0].ID != legacy.ID {
				t.Fatalf("expected only the legacy exposure, got %+v", candidates)
			}
		})

		t.Run("limit respected", func(t *testing.T) {
			candidates, err := db.AutoProcessCandidates(ctx, 0, nil, 1)
			if err != nil {
				t.Fatalf("AutoProcessCandidates failed: %v", err)
			}
			if len(candidates) != 1 || candidates[0].ID != oldest.ID {
				t.Fatalf("expected just the oldest exposure, got %+v", candidates)
			}
		})

		t.Run("excluded sources never surface", func(t *testing.T) {
			candidates, err := db.AutoProcessCandidates(ctx, 30, []string{"SPOKEO"}, 100)
			if err != nil {
				t.Fatalf("AutoProcessCandidates failed: %v", err)
			}
			if len(candidates) != 1 || candidates[0].ID != legacy.ID {
				t.Fatalf("expected only the legacy exposure, got %+v", candidates)
			}
		})

		t.Run("queue depth", func(t *testing.T) {
			depth, err := db.AutoProcessQueueDepth(ctx, 30, nil)
			if err != nil {
				t.Fatalf("AutoProcessQueueDepth failed: %v", err)
			}
			if depth != 2 {
				t.Fatalf("expected a depth of 2, got %d", depth)
			}
			depth, err = db.AutoProcessQueueDepth(ctx, 30, []string{"SPOKEO"})
			if err != nil {
				t.Fatalf("AutoProcessQueueDepth failed: %v", err)
			}
			if depth != 1 {
				t.Fatalf("expected a depth of 1 with SPOKEO excluded, got %d", depth)
			}
		})

		t.Run("skip counts", func(t *testing.T) {
			// Only the low-confidence exposure is held back by the gate;
			// the one with a live request does not count.
			confidenceSkips, err := db.ConfidenceFilteredCount(ctx, 30)
			if err != nil {
				t.Fatalf("ConfidenceFilteredCount failed: %v", err)
			}
			if confidenceSkips != 1 {
				t.Fatalf("expected 1 confidence-filtered exposure, got %d", confidenceSkips)
			}
			// INTELIUS fails the confidence gate first, so only SPOKEO is
			// counted as held back by exclusion.
			excludedSkips, err := db.ExcludedCandidateCount(ctx, 30, []string{"SPOKEO", "INTELIUS"})
			if err != nil {
				t.Fatalf("ExcludedCandidateCount failed: %v", err)
			}
			if excludedSkips != 1 {
				t.Fatalf("expected 1 excluded candidate, got %d", excludedSkips)
			}
		})

		_ = lowConfidence
	})
}

func TestMonthlyRequestCounts(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		for i, source := range []string{"SPOKEO", "WHITEPAGES", "INTELIUS"} {
			userID := "user-1"
			if i == 2 {
				userID = "user-2"
			}
			exposure := mustInsertExposure(t, ctx, db, &api.Exposure{UserID: userID, Source: source})
			if _, err := db.CreateRemovalRequest(ctx, exposure, api.MethodAutoForm, ""); err != nil {
				t.Fatalf("CreateRemovalRequest failed: %v", err)
			}
		}

		monthStart := time.Now().UTC().Add(-time.Hour)
		counts, err := db.MonthlyRequestCounts(ctx, monthStart)
		if err != nil {
			t.Fatalf("MonthlyRequestCounts failed: %v", err)
		}
		if counts["user-1"] != 2 || counts["user-2"] != 1 {
			t.Fatalf("unexpected counts: %+v", counts)
		}

		future := time.Now().UTC().Add(time.Hour)
		counts, err = db.MonthlyRequestCounts(ctx, future)
		if err != nil {
			t.Fatalf("MonthlyRequestCounts failed: %v", err)
		}
		if len(counts) != 0 {
			t.Fatalf("expected no counts for a future window, got %+v", counts)
		}
	})
}

func TestAgedAcknowledged(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		exposure := mustInsertExposure(t, ctx, db, &api.Exposure{UserID: "user-1", Source: "SPOKEO"})
		req, err := db.CreateRemovalRequest(ctx, exposure, api.MethodAutoForm, "")
		if err != nil {
			t.Fatalf("CreateRemovalRequest failed: %v", err)
		}
		for _, status := range []api.RequestStatus{api.RequestSubmitted, api.RequestAcknowledged} {
			if err := db.TransitionRequest(ctx, req.ID, status, ""); err != nil {
				t.Fatalf("TransitionRequest to %s failed: %v", status, err)
			}
		}

		aged, err := db.AgedAcknowledged(ctx, time.Now().Add(-time.Minute), 10)
		if err != nil {
			t.Fatalf("AgedAcknowledged failed: %v", err)
		}
		if len(aged) != 0 {
			t.Fatalf("expected no freshly acknowledged requests, got %d", len(aged))
		}

		aged, err = db.AgedAcknowledged(ctx, time.Now().Add(time.Minute), 10)
		if err != nil {
			t.Fatalf("AgedAcknowledged failed: %v", err)
		}
		if len(aged) != 1 || aged[0].ID != req.ID {
			t.Fatalf("expected request %d, got %+v", req.ID, aged)
		}
	})
}

func TestActiveRequestForSources(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		exposure := mustInsertExposure(t, ctx, db, &api.Exposure{UserID: "user-1", Source: "INTELIUS"})
		req, err := db.CreateRemovalRequest(ctx, exposure, api.MethodAutoForm, "")
		if err != nil {
			t.Fatalf("CreateRemovalRequest failed: %v", err)
		}

		got, err := db.ActiveRequestForSources(ctx, "user-1", []string{"INTELIUS", "TRUTHFINDER"})
		if err != nil {
			t.Fatalf("ActiveRequestForSources failed: %v", err)
		}
		if got == nil || got.ID != req.ID {
			t.Fatalf("expected request %d, got %+v", req.ID, got)
		}

		got, err = db.ActiveRequestForSources(ctx, "user-1", []string{"TRUTHFINDER"})
		if err != nil {
			t.Fatalf("ActiveRequestForSources failed: %v", err)
		}
		if got != nil {
			t.Fatalf("expected no request for an unrelated source, got %+v", got)
		}

		got, err = db.ActiveRequestForSources(ctx, "user-2", []string{"INTELIUS"})
		if err != nil {
			t.Fatalf("ActiveRequestForSources failed: %v", err)
		}
		if got != nil {
			t.Fatalf("expected no request for another user, got %+v", got)
		}

		got, err = db.ActiveRequestForSources(ctx, "user-1", nil)
		if err != nil || got != nil {
			t.Fatalf("expected nil for an empty source list, got %+v, %v", got, err)
		}
	})
}

func TestOutcomeCounts(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		finish := func(t *testing.T, userID string, to api.RequestStatus) {
			t.Helper()
			exposure := mustInsertExposure(t, ctx, db, &api.Exposure{UserID: userID, Source: "SPOKEO"})
			req, err := db.CreateRemovalRequest(ctx, exposure, api.MethodAutoForm, "")
			if err != nil {
				t.Fatalf("CreateRemovalRequest failed: %v", err)
			}
			steps := []api.RequestStatus{api.RequestSubmitted, api.RequestAcknowledged, to}
			for _, status := range steps {
				if err := db.TransitionRequest(ctx, req.ID, status, ""); err != nil {
					t.Fatalf("TransitionRequest to %s failed: %v", status, err)
				}
			}
		}

		finish(t, "user-1", api.RequestCompleted)
		finish(t, "user-2", api.RequestCompleted)
		finish(t, "user-3", api.RequestFailed)

		// A still-open request must not count as resolved.
		open := mustInsertExposure(t, ctx, db, &api.Exposure{UserID: "user-4", Source: "SPOKEO"})
		if _, err := db.CreateRemovalRequest(ctx, open, api.MethodAutoForm, ""); err != nil {
			t.Fatalf("CreateRemovalRequest failed: %v", err)
		}

		completed, resolved, err := db.OutcomeCounts(ctx, "SPOKEO")
		if err != nil {
			t.Fatalf("OutcomeCounts failed: %v", err)
		}
		if completed != 2 || resolved != 3 {
			t.Fatalf("expected 2/3, got %d/%d", completed, resolved)
		}

		completed, resolved, err = db.OutcomeCounts(ctx, "WHITEPAGES")
		if err != nil {
			t.Fatalf("OutcomeCounts failed: %v", err)
		}
		if completed != 0 || resolved != 0 {
			t.Fatalf("expected no history, got %d/%d", completed, resolved)
		}
	})
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		if err := db.UpsertUser(ctx, "user-1", "alice@example.com", "FREE"); err != nil {
			t.Fatalf("UpsertUser failed: %v", err)
		}
		if err := db.UpsertUser(ctx, "user-1", "alice@example.com", "PRO"); err != nil {
			t.Fatalf("UpsertUser (update) failed: %v", err)
		}

		plan, err := db.UserPlan(ctx, "user-1")
		if err != nil {
			t.Fatalf("UserPlan failed: %v", err)
		}
		if plan != "PRO" {
			t.Fatalf("expected the upsert to win, got %q", plan)
		}

		plan, err = db.UserPlan(ctx, "nobody")
		if err != nil {
			t.Fatalf("UserPlan for unknown user failed: %v", err)
		}
		if plan != "" {
			t.Fatalf("expected an empty plan for unknown users, got %q", plan)
		}

		ids, err := db.UserIDsByEmail(ctx, "alice@example.com")
		if err != nil {
			t.Fatalf("UserIDsByEmail failed: %v", err)
		}
		if len(ids) != 1 || ids[0] != "user-1" {
			t.Fatalf("expected [user-1], got %v", ids)
		}
	})
}

func TestJobRuns(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < 3; i++ {
			run := &api.JobRun{
				RunID:      string(rune('a'+i)) + "-run",
				JobName:    "auto_process",
				Status:     api.RunSuccess,
				StartedAt:  base.Add(time.Duration(i) * time.Minute),
				FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
				Message:    "ok",
				Metadata:   map[string]int64{"created": int64(i)},
			}
			if err := db.RecordJobRun(ctx, run); err != nil {
				t.Fatalf("RecordJobRun failed: %v", err)
			}
		}

		runs, err := db.RecentJobRuns(ctx, "auto_process", 2)
		if err != nil {
			t.Fatalf("RecentJobRuns failed: %v", err)
		}
		if len(runs) != 2 {
			t.Fatalf("expected 2 runs, got %d", len(runs))
		}
		if runs[0].RunID != "c-run" || runs[1].RunID != "b-run" {
			t.Fatalf("expected newest first, got %s then %s", runs[0].RunID, runs[1].RunID)
		}
		if runs[0].Metadata["created"] != 2 {
			t.Fatalf("expected the metadata to round-trip, got %+v", runs[0].Metadata)
		}

		runs, err = db.RecentJobRuns(ctx, "reconciliation", 10)
		if err != nil {
			t.Fatalf("RecentJobRuns failed: %v", err)
		}
		if len(runs) != 0 {
			t.Fatalf("expected no runs for an idle job, got %d", len(runs))
		}
	})
}
