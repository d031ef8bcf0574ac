// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package isolation creates and renews per-worker isolation policies.
package isolation

import (
	"time"

	"github.com/AleutianAI/warden/services/warden/datatypes"
)

// DefaultPolicyTTL is the lifetime of a policy before renewal.
const DefaultPolicyTTL = 24 * time.Hour

// Manager builds isolation policies.
//
// # Thread Safety
//
// Manager holds no mutable state and is safe for concurrent use. Policies
// themselves live in the per-worker state store.
type Manager struct {
	ttl time.Duration
	now func() time.Time
}

// NewManager returns a manager issuing policies valid for ttl.
func NewManager(ttl time.Duration, now func() time.Time) *Manager {
	if ttl <= 0 {
		ttl = DefaultPolicyTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{ttl: ttl, now: now}
}

// TTL returns the policy lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// CreatePolicy builds a fresh generation-1 policy.
//
// # Description
//
// Isolation flags derive from level:
//
//	network        level != basic
//	filesystem     level in {enhanced, maximum}
//	process        level in {standard, maximum}
//	communication  level != basic
//
// An unknown level is stored verbatim with every flag set, so the sandbox
// validator can report it while the worker stays maximally restricted.
func (m *Manager) CreatePolicy(workerID string, level datatypes.IsolationLevel, limits datatypes.ResourceLimits) datatypes.IsolationPolicy {
	now := m.now()
	p := datatypes.IsolationPolicy{
		WorkerID:   workerID,
		Level:      level,
		Limits:     limits,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
		Generation: 1,
	}
	applyFlags(&p)
	return p
}

// RenewIfExpired replaces an expired policy in place.
//
// The renewed policy keeps the worker, level and limits, gets a fresh
// expiry and increments Generation. Returns true if p was renewed.
func (m *Manager) RenewIfExpired(p *datatypes.IsolationPolicy) bool {
	now := m.now()
	if !p.Expired(now) {
		return false
	}
	gen := p.Generation + 1
	*p = m.CreatePolicy(p.WorkerID, p.Level, p.Limits)
	p.Generation = gen
	return true
}

func applyFlags(p *datatypes.IsolationPolicy) {
	switch p.Level {
	case datatypes.IsolationBasic:
	case datatypes.IsolationStandard:
		p.NetworkIsolation = true
		p.ProcessIsolation = true
		p.CommunicationIsolation = true
	case datatypes.IsolationEnhanced:
		p.NetworkIsolation = true
		p.FileSystemIsolation = true
		p.CommunicationIsolation = true
	default:
		p.NetworkIsolation = true
		p.FileSystemIsolation = true
		p.ProcessIsolation = true
		p.CommunicationIsolation = true
	}
}
