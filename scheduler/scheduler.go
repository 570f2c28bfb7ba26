// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package scheduler runs the orchestration jobs on fixed intervals, guarding
// each with a database-backed lock so overlapping ticks and multiple
// instances cannot run the same job twice.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/unlistd/unlistd/removalapi/api"
	"github.com/unlistd/unlistd/removalapi/storage/shared"
	"github.com/unlistd/unlistd/setup/process"
)

var (
	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unlistd",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Total number of job invocations by outcome",
		},
		[]string{"job", "status"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "unlistd",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of job invocations",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		},
		[]string{"job"},
	)
)

var registerMetrics sync.Once

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(jobRuns, jobDuration)
	})
}

// JobFunc executes one invocation of a job. It reports the outcome, a
// human-readable message and counters for the execution log. A returned error
// always produces a FAILED record regardless of the returned status.
type JobFunc func(ctx context.Context) (api.RunStatus, string, map[string]int64, error)

// Job is one scheduled unit of work.
type Job struct {
	Name        string
	Interval    time.Duration
	MaxDuration time.Duration
	Run         JobFunc
}

// Scheduler owns the tick loops and the lock-acquire/release choreography.
type Scheduler struct {
	db         *shared.Database
	lockMargin time.Duration
	jobs       []Job
}

func NewScheduler(db *shared.Database, lockMargin time.Duration) *Scheduler {
	return &Scheduler{
		db:         db,
		lockMargin: lockMargin,
	}
}

// AddJob registers a job. Must be called before Start.
func (s *Scheduler) AddJob(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start launches one ticker goroutine per registered job. Each job runs once
// at startup and then on its interval, until the process shuts down.
func (s *Scheduler) Start(processCtx *process.ProcessContext) {
	for _, job := range s.jobs {
		go s.loop(processCtx, job)
	}
}

func (s *Scheduler) loop(processCtx *process.ProcessContext, job Job) {
	processCtx.ComponentStarted()
	defer processCtx.ComponentFinished()

	ctx := processCtx.Context()
	s.RunJobOnce(ctx, job)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunJobOnce(ctx, job)
		}
	}
}

// RunJobOnce performs one guarded invocation: acquire the lock (or skip),
// run the job under its deadline, release the lock, and write the execution
// log record. Nothing propagates past here; every outcome is recorded.
func (s *Scheduler) RunJobOnce(ctx context.Context, job Job) *api.JobRun {
	log := logrus.WithField("job", job.Name)
	run := &api.JobRun{
		RunID:     uuid.NewString(),
		JobName:   job.Name,
		StartedAt: time.Now().UTC(),
	}

	// The TTL is the only recovery path if this process dies holding the
	// lock, so it must outlast any legitimate run.
	holderToken := uuid.NewString()
	ttl := job.MaxDuration + s.lockMargin
	acquired, err := s.db.AcquireJobLock(ctx, job.Name, holderToken, ttl)
	switch {
	case err != nil:
		run.Status = api.RunFailed
		run.Message = "failed to acquire job lock: " + err.Error()
		log.WithError(err).Error("Failed to acquire job lock")
		sentry.CaptureException(err)
	case !acquired:
		// Normal outcome: another instance or a slow previous run holds it.
		run.Status = api.RunSkipped
		run.Message = "job lock held elsewhere"
		log.Debug("Job lock held elsewhere, skipping this tick")
	default:
		func() {
			defer func() {
				// Release must happen even when the job panics; a wedged
				// lock blocks the job until TTL expiry.
				if releaseErr := s.db.ReleaseJobLock(ctx, job.Name, holderToken); releaseErr != nil {
					log.WithError(releaseErr).Warn("Failed to release job lock")
				}
			}()
			defer func() {
				// A panicking job must not take the daemon down; it gets a
				// FAILED record like any other bad outcome.
				if r := recover(); r != nil {
					panicErr := fmt.Errorf("job panicked: %v", r)
					run.Status = api.RunFailed
					run.Message = panicErr.Error()
					log.WithError(panicErr).Error("Job run panicked")
					sentry.CaptureException(panicErr)
				}
			}()
			jobCtx, cancel := context.WithTimeout(ctx, job.MaxDuration)
			defer cancel()

			status, message, metadata, jobErr := job.Run(jobCtx)
			run.Status = status
			run.Message = message
			run.Metadata = metadata
			if jobErr != nil {
				run.Status = api.RunFailed
				if run.Message == "" {
					run.Message = jobErr.Error()
				}
				log.WithError(jobErr).Error("Job run failed")
				sentry.CaptureException(jobErr)
			}
		}()
	}

	run.FinishedAt = time.Now().UTC()
	jobRuns.WithLabelValues(job.Name, string(run.Status)).Inc()
	jobDuration.WithLabelValues(job.Name).Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())

	if err := s.db.RecordJobRun(ctx, run); err != nil {
		log.WithError(err).Error("Failed to record job run")
	}
	log.WithFields(logrus.Fields{
		"run_id":   run.RunID,
		"status":   run.Status,
		"duration": run.FinishedAt.Sub(run.StartedAt),
	}).Info("Job run recorded")
	return run
}
