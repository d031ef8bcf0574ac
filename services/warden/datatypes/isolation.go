// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// IsolationLevel is the strength of a worker's isolation policy.
type IsolationLevel string

const (
	IsolationBasic    IsolationLevel = "basic"
	IsolationStandard IsolationLevel = "standard"
	IsolationEnhanced IsolationLevel = "enhanced"
	IsolationMaximum  IsolationLevel = "maximum"
)

// Valid reports whether l is one of the four known levels.
func (l IsolationLevel) Valid() bool {
	switch l {
	case IsolationBasic, IsolationStandard, IsolationEnhanced, IsolationMaximum:
		return true
	default:
		return false
	}
}

// IsolationPolicy is the single active policy of a worker.
//
// # Fields
//
//   - Level: The configured level. Stored verbatim even if unknown so the
//     sandbox validator can flag it.
//   - Limits: Resource ceilings in force for this worker.
//   - NetworkIsolation, FileSystemIsolation, ProcessIsolation,
//     CommunicationIsolation: Derived from Level at creation.
//   - CreatedAt, ExpiresAt: ExpiresAt is CreatedAt plus the policy TTL.
//   - Generation: Starts at 1 and increments on every renewal.
type IsolationPolicy struct {
	WorkerID               string         `json:"worker_id"`
	Level                  IsolationLevel `json:"isolation_level"`
	Limits                 ResourceLimits `json:"resource_limits"`
	NetworkIsolation       bool           `json:"network_isolation"`
	FileSystemIsolation    bool           `json:"filesystem_isolation"`
	ProcessIsolation       bool           `json:"process_isolation"`
	CommunicationIsolation bool           `json:"communication_isolation"`
	CreatedAt              time.Time      `json:"created_at"`
	ExpiresAt              time.Time      `json:"expires_at"`
	Generation             int            `json:"generation"`
}

// Expired reports whether the policy is past its expiry at now.
func (p IsolationPolicy) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}
