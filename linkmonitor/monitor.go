// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package linkmonitor probes broker opt-out URLs and proposes replacements
// for the ones that no longer resolve.
package linkmonitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/unlistd/unlistd/brokerapi/directory"
	"github.com/unlistd/unlistd/setup/config"
)

// LinkState is the verdict for one probed opt-out URL.
type LinkState string

const (
	LinkWorking   LinkState = "WORKING"
	LinkCorrected LinkState = "CORRECTED"
	LinkSuggested LinkState = "SUGGESTED"
	LinkBroken    LinkState = "BROKEN"
	LinkTimedOut  LinkState = "TIMED_OUT"
	LinkErrored   LinkState = "ERRORED"
)

// Result is the outcome of probing one broker's opt-out URL. Corrections and
// suggestions are surfaced to operators; the static directory is never
// rewritten by the monitor.
type Result struct {
	Source       string    `json:"source"`
	URL          string    `json:"url"`
	State        LinkState `json:"state"`
	StatusCode   int       `json:"status_code,omitempty"`
	CorrectedURL string    `json:"corrected_url,omitempty"`
	SuggestedURL string    `json:"suggested_url,omitempty"`
	Error        string    `json:"error,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Report aggregates one monitoring run.
type Report struct {
	Checked   int      `json:"checked"`
	Working   int      `json:"working"`
	Corrected int      `json:"corrected"`
	Suggested int      `json:"suggested"`
	Broken    int      `json:"broken"`
	TimedOut  int      `json:"timed_out"`
	Errored   int      `json:"errored"`
	Partial   bool     `json:"partial"`
	Results   []Result `json:"results"`
}

// Metadata flattens the report for the job run record.
func (r *Report) Metadata() map[string]int64 {
	return map[string]int64{
		"checked":   int64(r.Checked),
		"working":   int64(r.Working),
		"corrected": int64(r.Corrected),
		"suggested": int64(r.Suggested),
		"broken":    int64(r.Broken),
		"timed_out": int64(r.TimedOut),
		"errored":   int64(r.Errored),
	}
}

// knownCorrection is swappable for tests.
var knownCorrection = directory.KnownCorrection

// Monitor probes opt-out URLs with bounded concurrency.
type Monitor struct {
	cfg    *config.LinkMonitor
	client *http.Client

	// verified remembers corrections that recently probed as alive so a known
	// correction is not re-probed on every run.
	verified *gocache.Cache

	mu     sync.RWMutex
	latest *Report
}

func NewMonitor(cfg *config.LinkMonitor) *Monitor {
	return &Monitor{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		verified: gocache.New(cfg.CorrectionTTL, cfg.CorrectionTTL),
	}
}

// LatestReport returns the report from the most recent completed run, or nil
// if the monitor has not run yet.
func (m *Monitor) LatestReport() *Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// Run probes every broker's opt-out URL and returns the aggregated report.
func (m *Monitor) Run(ctx context.Context) (*Report, error) {
	log := logrus.WithField("job", "link_monitor")
	report := &Report{}
	sem := semaphore.NewWeighted(int64(m.cfg.Concurrency))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, broker := range directory.All() {
		if broker.OptOutURL == "" {
			continue
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < m.cfg.ProbeTimeout {
			report.Partial = true
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			report.Partial = true
			break
		}
		wg.Add(1)
		go func(source, optOutURL string) {
			defer wg.Done()
			defer sem.Release(1)
			result := m.check(ctx, source, optOutURL)
			mu.Lock()
			report.Results = append(report.Results, result)
			report.Checked++
			switch result.State {
			case LinkWorking:
				report.Working++
			case LinkCorrected:
				report.Corrected++
			case LinkSuggested:
				report.Suggested++
			case LinkTimedOut:
				report.TimedOut++
			case LinkErrored:
				report.Errored++
			default:
				report.Broken++
			}
			mu.Unlock()
		}(broker.Source, broker.OptOutURL)
	}
	wg.Wait()

	m.mu.Lock()
	m.latest = report
	m.mu.Unlock()

	log.WithFields(logrus.Fields{
		"checked":   report.Checked,
		"working":   report.Working,
		"corrected": report.Corrected,
		"suggested": report.Suggested,
	}).Info("Link monitoring run finished")
	return report, nil
}

// check probes one URL, falling back to the known-correction table and then
// to path variations. A verified known correction takes precedence: when one
// exists, no path-variation suggestion is attempted.
func (m *Monitor) check(ctx context.Context, source, optOutURL string) Result {
	result := Result{
		Source:    source,
		URL:       optOutURL,
		CheckedAt: time.Now().UTC(),
	}
	status, err := m.probe(ctx, optOutURL)
	result.StatusCode = status
	switch {
	case err == nil && linkWorks(status):
		result.State = LinkWorking
		return result
	case isTimeout(err):
		result.State = LinkTimedOut
		result.Error = err.Error()
	case err != nil:
		result.State = LinkErrored
		result.Error = err.Error()
	default:
		result.State = LinkBroken
	}

	if corrected, ok := knownCorrection(optOutURL); ok {
		if m.verifyCorrection(ctx, corrected) {
			result.State = LinkCorrected
			result.CorrectedURL = corrected
			return result
		}
	}

	if suggestion := m.suggest(ctx, optOutURL); suggestion != "" {
		result.State = LinkSuggested
		result.SuggestedURL = suggestion
	}
	return result
}

// verifyCorrection re-probes a known correction, trusting a recent positive
// probe for the configured TTL.
func (m *Monitor) verifyCorrection(ctx context.Context, corrected string) bool {
	if _, ok := m.verified.Get(corrected); ok {
		return true
	}
	status, err := m.probe(ctx, corrected)
	if err == nil && linkWorks(status) {
		m.verified.SetDefault(corrected, struct{}{})
		return true
	}
	return false
}

// suggest tries the common opt-out path spellings against the same hostname
// and returns the first one that resolves.
func (m *Monitor) suggest(ctx context.Context, optOutURL string) string {
	parsed, err := url.Parse(optOutURL)
	if err != nil || parsed.Host == "" {
		return ""
	}
	for _, path := range directory.PathVariations {
		if path == parsed.Path {
			continue
		}
		candidate := fmt.Sprintf("%s://%s%s", parsed.Scheme, parsed.Host, path)
		status, err := m.probe(ctx, candidate)
		if err == nil && linkWorks(status) {
			return candidate
		}
	}
	return ""
}

func (m *Monitor) probe(ctx context.Context, target string) (int, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, target, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", m.cfg.UserAgent)
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() // nolint:errcheck
	return resp.StatusCode, nil
}

// linkWorks treats 2xx and 3xx as alive, plus 403: a broker that answers 403
// exists and is enforcing access control, which is a different failure mode
// than DNS or connection failure.
func linkWorks(status int) bool {
	if status >= 200 && status < 400 {
		return true
	}
	return status == http.StatusForbidden
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
