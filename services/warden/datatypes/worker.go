// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared types of the warden admission pipeline.
//
// # Description
//
// These types cross package boundaries: the per-worker state store, the
// validators, the enforcement actuator, the HTTP handlers and the audit
// sinks all exchange them. They carry json tags for the HTTP surface and
// validate tags for go-playground/validator.
//
// # Thread Safety
//
// Values are plain data. Slices and maps inside them must be cloned before
// sharing across goroutines; see the Clone methods.
package datatypes

import (
	"time"
)

// =============================================================================
// Workers
// =============================================================================

// WorkerStatus is the lifecycle status of a sandboxed worker.
type WorkerStatus string

const (
	// WorkerActive workers are admitted subject to validation.
	WorkerActive WorkerStatus = "active"

	// WorkerThrottled workers had at least one resource dimension throttled.
	WorkerThrottled WorkerStatus = "throttled"

	// WorkerTerminated workers were killed for exceeding their execution
	// budget. Every further operation is blocked.
	WorkerTerminated WorkerStatus = "terminated"
)

// Worker identifies a sandboxed worker process owned by the external pool.
//
// # Fields
//
//   - ID: Opaque worker identifier. Required.
//   - Status: Lifecycle status. Set to active on registration.
//   - PID: Optional OS process id. Used by the procfs metrics source and
//     the process enforcement backend; zero means unknown.
//   - Labels: Free-form metadata from the pool (pool name, job id).
//   - RegisteredAt: Set by the service on registration.
type Worker struct {
	ID           string            `json:"id" validate:"required,max=128,printascii"`
	Status       WorkerStatus      `json:"status,omitempty"`
	PID          int               `json:"pid,omitempty" validate:"gte=0"`
	Labels       map[string]string `json:"labels,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// Clone returns a deep copy of the worker.
func (w Worker) Clone() Worker {
	if w.Labels != nil {
		labels := make(map[string]string, len(w.Labels))
		for k, v := range w.Labels {
			labels[k] = v
		}
		w.Labels = labels
	}
	return w
}

// WorkerCounts summarizes the registered workers by status.
type WorkerCounts struct {
	Total      int `json:"total"`
	Active     int `json:"active"`
	Throttled  int `json:"throttled"`
	Terminated int `json:"terminated"`
}

// Status is the system-wide view returned by GetStatus.
type Status struct {
	Workers                   WorkerCounts `json:"workers"`
	IsolationPolicyCount      int          `json:"isolation_policy_count"`
	CommunicationChannelCount int          `json:"communication_channel_count"`
	AuditLogSize              int          `json:"audit_log_size"`
	ThreatPatternCount        int          `json:"threat_pattern_count"`
	Timestamp                 time.Time    `json:"timestamp"`
}
