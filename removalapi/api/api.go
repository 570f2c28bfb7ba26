// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api contains the types shared between the removal orchestration
// jobs and the storage layer: exposures, removal requests and the lifecycle
// rules that govern them.
package api

import (
	"fmt"
	"time"
)

// ExposureStatus is the lifecycle state of a discovered exposure.
type ExposureStatus string

const (
	ExposureActive            ExposureStatus = "ACTIVE"
	ExposureRemovalPending    ExposureStatus = "REMOVAL_PENDING"
	ExposureRemovalInProgress ExposureStatus = "REMOVAL_IN_PROGRESS"
	ExposureRemoved           ExposureStatus = "REMOVED"
	ExposureRemovalFailed     ExposureStatus = "REMOVAL_FAILED"
	ExposureWhitelisted       ExposureStatus = "WHITELISTED"
	ExposureMonitoring        ExposureStatus = "MONITORING"
)

// RequestStatus is the lifecycle state of a removal request.
type RequestStatus string

const (
	RequestPending        RequestStatus = "PENDING"
	RequestSubmitted      RequestStatus = "SUBMITTED"
	RequestInProgress     RequestStatus = "IN_PROGRESS"
	RequestAcknowledged   RequestStatus = "ACKNOWLEDGED"
	RequestCompleted      RequestStatus = "COMPLETED"
	RequestRequiresManual RequestStatus = "REQUIRES_MANUAL"
	RequestFailed         RequestStatus = "FAILED"
	RequestCancelled      RequestStatus = "CANCELLED"
)

// RemovalMethod describes how a removal request is executed.
type RemovalMethod string

const (
	MethodAutoForm    RemovalMethod = "AUTO_FORM"
	MethodAutoEmail   RemovalMethod = "AUTO_EMAIL"
	MethodManualGuide RemovalMethod = "MANUAL_GUIDE"
	MethodAPI         RemovalMethod = "API"
)

// RunStatus is the outcome recorded for one invocation of a scheduled job.
type RunStatus string

const (
	RunSuccess RunStatus = "SUCCESS"
	RunPartial RunStatus = "PARTIAL"
	RunFailed  RunStatus = "FAILED"
	RunSkipped RunStatus = "SKIPPED"
)

// Exposure is one discovered instance of a user's data on a broker. Exposures
// are created by the scan pipeline and only ever transitioned, never deleted.
type Exposure struct {
	ID         int64
	UserID     string
	Source     string
	SourceName string
	SourceURL  string
	Status     ExposureStatus
	Severity   string
	// ConfidenceScore is nil for legacy exposures scanned before scoring
	// existed. Legacy exposures are treated as eligible for automation.
	ConfidenceScore      *int
	RequiresManualAction bool
	ManualActionTaken    bool
	ManualActionTakenAt  *time.Time
	UserConfirmed        bool
	IsWhitelisted        bool
	FirstFoundAt         time.Time
}

// RemovalRequest tracks one attempt to have an exposure's data deleted. At
// most one non-cancelled request exists per exposure.
type RemovalRequest struct {
	ID          int64
	UserID      string
	ExposureID  int64
	Source      string
	Status      RequestStatus
	Method      RemovalMethod
	Notes       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// JobRun is the execution-log record produced by every job invocation.
type JobRun struct {
	RunID      string           `json:"run_id"`
	JobName    string           `json:"job_name"`
	Status     RunStatus        `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Message    string           `json:"message,omitempty"`
	Metadata   map[string]int64 `json:"metadata,omitempty"`
}

// ErrInvalidTransition is returned by the storage layer when a state change
// is attempted that the lifecycle rules forbid.
type ErrInvalidTransition struct {
	Kind string
	From string
	To   string
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Kind, e.From, e.To)
}

// exposureTransitions enumerates the permitted exposure status changes.
// WHITELISTED is reachable from any live state and is only reversed by an
// explicit unwhitelist back to ACTIVE.
var exposureTransitions = map[ExposureStatus][]ExposureStatus{
	ExposureActive:            {ExposureRemovalPending, ExposureMonitoring, ExposureWhitelisted},
	ExposureRemovalPending:    {ExposureRemovalInProgress, ExposureWhitelisted},
	ExposureRemovalInProgress: {ExposureRemoved, ExposureRemovalFailed, ExposureWhitelisted},
	ExposureRemovalFailed:     {ExposureRemovalPending, ExposureWhitelisted},
	ExposureWhitelisted:       {ExposureActive},
	ExposureMonitoring:        {ExposureActive},
}

// requestTransitions enumerates the permitted removal request status changes.
// CANCELLED is reachable from every non-terminal state.
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:      {RequestSubmitted, RequestCancelled},
	RequestSubmitted:    {RequestInProgress, RequestAcknowledged, RequestCancelled},
	RequestInProgress:   {RequestAcknowledged, RequestCompleted, RequestRequiresManual, RequestFailed, RequestCancelled},
	RequestAcknowledged: {RequestCompleted, RequestRequiresManual, RequestFailed, RequestCancelled},
	// REQUIRES_MANUAL is not terminal: a human resolves it one way or the other.
	RequestRequiresManual: {RequestCompleted, RequestFailed, RequestCancelled},
}

// CanTransitionExposure reports whether an exposure may move between the two
// given states. Same-state writes are allowed so that idempotent jobs can
// re-apply a transition without special casing.
func CanTransitionExposure(from, to ExposureStatus) bool {
	if from == to {
		return true
	}
	for _, next := range exposureTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionRequest reports whether a removal request may move between the
// two given states.
func CanTransitionRequest(from, to RequestStatus) bool {
	if from == to {
		return true
	}
	for _, next := range requestTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalRequest reports whether a request status will never change again.
func IsTerminalRequest(status RequestStatus) bool {
	switch status {
	case RequestCompleted, RequestFailed, RequestCancelled:
		return true
	}
	return false
}

// IsTerminalExposure reports whether an exposure status is final.
func IsTerminalExposure(status ExposureStatus) bool {
	return status == ExposureRemoved || status == ExposureWhitelisted
}
