// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package linkmonitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unlistd/unlistd/setup/config"
)

func newTestMonitor() *Monitor {
	return NewMonitor(&config.LinkMonitor{
		Concurrency:   20,
		ProbeTimeout:  2 * time.Second,
		UserAgent:     "UnlistdLinkMonitor/test",
		CorrectionTTL: time.Minute,
	})
}

func withNoCorrections(t *testing.T) {
	t.Helper()
	orig := knownCorrection
	knownCorrection = func(string) (string, bool) { return "", false }
	t.Cleanup(func() { knownCorrection = orig })
}

func TestCheckWorkingStates(t *testing.T) {
	withNoCorrections(t)
	statuses := map[string]struct {
		code int
		want LinkState
	}{
		"ok":        {http.StatusOK, LinkWorking},
		"forbidden": {http.StatusForbidden, LinkWorking},
		"gone":      {http.StatusGone, LinkBroken},
		"error":     {http.StatusInternalServerError, LinkBroken},
	}
	for name, tc := range statuses {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
			}))
			defer srv.Close()

			result := newTestMonitor().check(context.Background(), "EXAMPLE_BROKER", srv.URL+"/unlikely-path")
			if result.State != tc.want {
				t.Fatalf("expected %s for HTTP %d, got %s", tc.want, tc.code, result.State)
			}
			if result.StatusCode != tc.code {
				t.Fatalf("expected the status code to be recorded, got %d", result.StatusCode)
			}
		})
	}
}

func TestCheckSendsHeadWithUserAgent(t *testing.T) {
	withNoCorrections(t)
	var method, agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		agent = r.UserAgent()
	}))
	defer srv.Close()

	newTestMonitor().check(context.Background(), "EXAMPLE_BROKER", srv.URL+"/optout")
	if method != http.MethodHead {
		t.Fatalf("expected a HEAD probe, got %s", method)
	}
	if agent != "UnlistdLinkMonitor/test" {
		t.Fatalf("expected the configured user agent, got %q", agent)
	}
}

func TestCheckSuggestsPathVariation(t *testing.T) {
	withNoCorrections(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/privacy/opt-out" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	result := newTestMonitor().check(context.Background(), "EXAMPLE_BROKER", srv.URL+"/optout")
	if result.State != LinkSuggested {
		t.Fatalf("expected SUGGESTED, got %s", result.State)
	}
	if result.SuggestedURL != srv.URL+"/privacy/opt-out" {
		t.Fatalf("unexpected suggestion %q", result.SuggestedURL)
	}
}

func TestCheckSuggestsNothingWhenAllVariationsFail(t *testing.T) {
	withNoCorrections(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	result := newTestMonitor().check(context.Background(), "EXAMPLE_BROKER", srv.URL+"/optout")
	if result.State != LinkBroken {
		t.Fatalf("expected BROKEN, got %s", result.State)
	}
	if result.SuggestedURL != "" || result.CorrectedURL != "" {
		t.Fatalf("expected no replacement URLs, got %+v", result)
	}
}

func TestKnownCorrectionTakesPrecedence(t *testing.T) {
	var correctionProbes int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/old-opt-out":
			w.WriteHeader(http.StatusNotFound)
		case "/new-opt-out":
			atomic.AddInt32(&correctionProbes, 1)
			w.WriteHeader(http.StatusOK)
		default:
			// Path variations would succeed too; the correction must win.
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	brokenURL := srv.URL + "/old-opt-out"
	correctedURL := srv.URL + "/new-opt-out"
	orig := knownCorrection
	knownCorrection = func(u string) (string, bool) {
		if u == brokenURL {
			return correctedURL, true
		}
		return "", false
	}
	t.Cleanup(func() { knownCorrection = orig })

	monitor := newTestMonitor()
	result := monitor.check(context.Background(), "EXAMPLE_BROKER", brokenURL)
	if result.State != LinkCorrected {
		t.Fatalf("expected CORRECTED, got %s", result.State)
	}
	if result.CorrectedURL != correctedURL {
		t.Fatalf("unexpected corrected URL %q", result.CorrectedURL)
	}
	if result.SuggestedURL != "" {
		t.Fatalf("expected no path-variation suggestion alongside a correction, got %q", result.SuggestedURL)
	}

	t.Run("verified corrections are cached", func(t *testing.T) {
		monitor.check(context.Background(), "EXAMPLE_BROKER", brokenURL)
		if probes := atomic.LoadInt32(&correctionProbes); probes != 1 {
			t.Fatalf("expected the correction to be probed once, got %d", probes)
		}
	})
}

func TestCheckDistinguishesTimeouts(t *testing.T) {
	withNoCorrections(t)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	monitor := NewMonitor(&config.LinkMonitor{
		Concurrency:   20,
		ProbeTimeout:  50 * time.Millisecond,
		UserAgent:     "UnlistdLinkMonitor/test",
		CorrectionTTL: time.Minute,
	})
	result := monitor.check(context.Background(), "EXAMPLE_BROKER", srv.URL+"/optout")
	if result.State != LinkTimedOut {
		t.Fatalf("expected TIMED_OUT, got %s (%s)", result.State, result.Error)
	}
}

func TestCheckReportsConnectionErrors(t *testing.T) {
	withNoCorrections(t)
	// A server that is already gone: connection refused, not a timeout.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := srv.URL
	srv.Close()

	result := newTestMonitor().check(context.Background(), "EXAMPLE_BROKER", deadURL+"/optout")
	if result.State != LinkErrored {
		t.Fatalf("expected ERRORED, got %s", result.State)
	}
	if result.Error == "" {
		t.Fatal("expected the probe error to be recorded")
	}
}

func TestLinkWorks(t *testing.T) {
	for status, want := range map[int]bool{
		200: true,
		204: true,
		301: true,
		302: true,
		403: true,
		404: false,
		410: false,
		500: false,
		503: false,
	} {
		if got := linkWorks(status); got != want {
			t.Fatalf("linkWorks(%d) = %v, want %v", status, got, want)
		}
	}
}
