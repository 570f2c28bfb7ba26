// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// unlist-jobs runs a single orchestration job once and exits. It takes the
// same locks as the daemon, so it is safe to run against a live deployment.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unlistd/unlistd/internal/caching"
	"github.com/unlistd/unlistd/linkmonitor"
	"github.com/unlistd/unlistd/removalapi"
	"github.com/unlistd/unlistd/removalapi/api"
	"github.com/unlistd/unlistd/scheduler"
	"github.com/unlistd/unlistd/setup/config"
)

var configPath = flag.String("config", "unlistd.yaml", "The path to the config file")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-config file] <auto_process|reconciliation|link_monitor>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	jobName := flag.Arg(0)

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

	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.DisableMetrics)
	engine, err := removalapi.NewEngine(cfg, caches)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up the removal engine")
	}
	defer engine.Close()

	var job scheduler.Job
	switch jobName {
	case "auto_process":
		job = engine.AutoProcessJob()
	case "reconciliation":
		job = engine.ReconciliationJob()
	case "link_monitor":
		monitor := linkmonitor.NewMonitor(&cfg.LinkMonitor)
		job = scheduler.Job{
			Name:        "link_monitor",
			Interval:    cfg.LinkMonitor.Interval,
			MaxDuration: cfg.LinkMonitor.MaxDuration,
			Run: func(ctx context.Context) (api.RunStatus, string, map[string]int64, error) {
				report, runErr := monitor.Run(ctx)
				if runErr != nil {
					return api.RunFailed, "", nil, runErr
				}
				status := api.RunSuccess
				if report.Partial {
					status = api.RunPartial
				}
				return status, "", report.Metadata(), nil
			},
		}
	default:
		logrus.Fatalf("Unknown job %q", jobName)
	}

	sched := scheduler.NewScheduler(engine.DB, cfg.Jobs.LockTTLMargin)
	run := sched.RunJobOnce(context.Background(), job)

	encoded, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		logrus.WithError(err).Fatal("Failed to encode job run")
	}
	fmt.Println(string(encoded))

	if run.Status == api.RunFailed {
		os.Exit(1)
	}
}
