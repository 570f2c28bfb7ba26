// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package httputil serves the operator-facing HTTP surface: health, metrics
// and read-only views of job runs and link health.
package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/unlistd/unlistd/linkmonitor"
	"github.com/unlistd/unlistd/removalapi/storage/shared"
)

const defaultRunsLimit = 20

type opsHandler struct {
	db      *shared.Database
	monitor *linkmonitor.Monitor
}

// NewOpsRouter builds the operator router. Everything on it is read-only;
// it binds to localhost by default and is not meant for end users.
func NewOpsRouter(db *shared.Database, monitor *linkmonitor.Monitor) *mux.Router {
	h := &opsHandler{db: db, monitor: monitor}
	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/runs/{job}", h.recentRuns).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/links", h.linkReport).Methods(http.MethodGet)
	return router
}

func (h *opsHandler) health(w http.ResponseWriter, req *http.Request) {
	if err := h.db.DB.PingContext(req.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *opsHandler) recentRuns(w http.ResponseWriter, req *http.Request) {
	jobName := mux.Vars(req)["job"]
	limit := defaultRunsLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	runs, err := h.db.RecentJobRuns(req.Context(), jobName, limit)
	if err != nil {
		logrus.WithError(err).Error("Failed to read job runs")
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read job runs"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"job": jobName, "runs": runs})
}

func (h *opsHandler) linkReport(w http.ResponseWriter, req *http.Request) {
	report := h.monitor.LatestReport()
	if report == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "no link monitoring run has completed yet"})
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func respondJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to write JSON response")
	}
}
