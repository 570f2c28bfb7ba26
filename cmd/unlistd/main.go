// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// The unlistd daemon runs the removal orchestration engine: the scheduled
// jobs, the inbound reply consumer and the operator HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/unlistd/unlistd/internal"
	"github.com/unlistd/unlistd/internal/caching"
	"github.com/unlistd/unlistd/internal/httputil"
	"github.com/unlistd/unlistd/linkmonitor"
	"github.com/unlistd/unlistd/removalapi"
	"github.com/unlistd/unlistd/removalapi/api"
	"github.com/unlistd/unlistd/scheduler"
	"github.com/unlistd/unlistd/setup/config"
	"github.com/unlistd/unlistd/setup/jetstream"
	"github.com/unlistd/unlistd/setup/process"
)

var configPath = flag.String("config", "unlistd.yaml", "The path to the config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		var configErrs config.ConfigErrors
		if errors.As(err, &configErrs) {
			for _, e := range configErrs {
				logrus.Errorln(e)
			}
			logrus.Fatalf("Failed to start due to configuration errors")
		}
		logrus.WithError(err).Fatalf("Failed to load config file %q", *configPath)
	}

	level, err := logrus.ParseLevel(cfg.Global.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatalf("Invalid log level %q", cfg.Global.LogLevel)
	}
	logrus.SetLevel(level)
	logrus.Infof("unlistd version %s", internal.VersionString())

	if cfg.Global.SentryDSN != "" {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.SentryDSN,
			Environment:      "daemon",
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("Failed to start Sentry")
		}
		defer sentry.Flush(time.Second * 2)
	}

	upCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "unlistd",
		Name:      "up",
		ConstLabels: map[string]string{
			"version": internal.VersionString(),
		},
	})
	upCounter.Add(1)
	prometheus.MustRegister(upCounter)

	processCtx := process.NewProcessContext()

	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.EnableMetrics)
	engine, err := removalapi.NewEngine(cfg, caches)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up the removal engine")
	}
	defer engine.Close()

	js, natsConn := jetstream.Prepare(processCtx, &cfg.JetStream)
	if err = engine.StartReplyConsumer(processCtx, js); err != nil {
		logrus.WithError(err).Fatal("Failed to start the inbound reply consumer")
	}

	monitor := linkmonitor.NewMonitor(&cfg.LinkMonitor)

	sched := scheduler.NewScheduler(engine.DB, cfg.Jobs.LockTTLMargin)
	sched.AddJob(engine.AutoProcessJob())
	sched.AddJob(engine.ReconciliationJob())
	sched.AddJob(linkMonitorJob(monitor, &cfg.LinkMonitor))
	sched.Start(processCtx)

	opsServer := &http.Server{
		Addr:    cfg.Global.OpsBindAddress,
		Handler: httputil.NewOpsRouter(engine.DB, monitor),
	}
	go func() {
		processCtx.ComponentStarted()
		defer processCtx.ComponentFinished()
		logrus.Infof("Operator HTTP surface listening on %s", cfg.Global.OpsBindAddress)
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("Operator HTTP server failed")
			processCtx.Shutdown()
		}
	}()
	go func() {
		<-processCtx.WaitForShutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		_ = opsServer.Shutdown(shutdownCtx)
		if natsConn != nil {
			natsConn.Close()
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logrus.Info("Shutdown signal received")

	processCtx.Shutdown()
	processCtx.WaitForComponentsToFinish()
	logrus.Info("Shutdown complete")
}

// linkMonitorJob adapts the link monitor into a scheduled job.
func linkMonitorJob(monitor *linkmonitor.Monitor, cfg *config.LinkMonitor) scheduler.Job {
	return scheduler.Job{
		Name:        "link_monitor",
		Interval:    cfg.Interval,
		MaxDuration: cfg.MaxDuration,
		Run: func(ctx context.Context) (api.RunStatus, string, map[string]int64, error) {
			report, err := monitor.Run(ctx)
			if err != nil {
				return api.RunFailed, "", nil, err
			}
			status := api.RunSuccess
			if report.Partial {
				status = api.RunPartial
			}
			message := logMessageForLinkReport(report)
			return status, message, report.Metadata(), nil
		},
	}
}

func logMessageForLinkReport(report *linkmonitor.Report) string {
	unhealthy := report.Broken + report.TimedOut + report.Errored
	if unhealthy == 0 {
		return "all opt-out links healthy"
	}
	return "some opt-out links need attention"
}
