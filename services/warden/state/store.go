// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state holds every registered worker's security state.
//
// # Description
//
// All per-worker state (usage metrics, behavior history, isolation policy,
// communication state) lives in one WorkerSecurityState stored in one map.
// Registration inserts it in a single step and deregistration removes it
// in a single step, so no partially registered worker is ever visible.
//
// # Thread Safety
//
// The map is guarded by a RWMutex that is only held for membership
// changes and lookups. Each entry has its own mutex, so writers for
// different workers never contend. Readers get deep copies.
package state

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/warden/services/warden/datatypes"
)

var (
	// ErrWorkerNotFound is returned for unknown worker ids.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrWorkerExists is returned when registering a known worker id.
	ErrWorkerExists = errors.New("worker already registered")

	// ErrCapacity is returned when the store already holds the maximum.
	ErrCapacity = errors.New("maximum number of workers reached")
)

// WorkerSecurityState is everything warden knows about one worker.
type WorkerSecurityState struct {
	Worker        datatypes.Worker
	Usage         datatypes.ResourceUsageMetrics
	History       []datatypes.BehaviorSnapshot
	Reported      []datatypes.BehaviorAnomaly
	Policy        *datatypes.IsolationPolicy
	Communication datatypes.CommunicationState

	// LastAnomalies is the result of the most recent periodic analysis.
	LastAnomalies  []datatypes.BehaviorAnomaly
	LastAnalyzedAt time.Time
}

// Clone returns a deep copy.
func (s WorkerSecurityState) Clone() WorkerSecurityState {
	s.Worker = s.Worker.Clone()
	s.History = append([]datatypes.BehaviorSnapshot(nil), s.History...)
	for i := range s.History {
		s.History[i].Communication = s.History[i].Communication.Clone()
	}
	s.Reported = cloneAnomalies(s.Reported)
	s.LastAnomalies = cloneAnomalies(s.LastAnomalies)
	if s.Policy != nil {
		p := *s.Policy
		s.Policy = &p
	}
	s.Communication = s.Communication.Clone()
	return s
}

func cloneAnomalies(in []datatypes.BehaviorAnomaly) []datatypes.BehaviorAnomaly {
	if in == nil {
		return nil
	}
	out := make([]datatypes.BehaviorAnomaly, len(in))
	for i, a := range in {
		if a.Metrics != nil {
			m := make(map[string]float64, len(a.Metrics))
			for k, v := range a.Metrics {
				m[k] = v
			}
			a.Metrics = m
		}
		out[i] = a
	}
	return out
}

type entry struct {
	mu    sync.Mutex
	state WorkerSecurityState
}

// Store is the concurrent map of worker states.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Insert adds st atomically.
//
// # Outputs
//
//   - error: ErrWorkerExists if the id is taken, ErrCapacity if the store
//     already holds capacity workers (capacity <= 0 means unbounded).
func (s *Store) Insert(st WorkerSecurityState, capacity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[st.Worker.ID]; ok {
		return ErrWorkerExists
	}
	if capacity > 0 && len(s.entries) >= capacity {
		return ErrCapacity
	}
	s.entries[st.Worker.ID] = &entry{state: st.Clone()}
	return nil
}

// Delete removes id and returns its final state.
func (s *Store) Delete(id string) (WorkerSecurityState, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok {
		return WorkerSecurityState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), true
}

func (s *Store) get(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Snapshot returns a deep copy of id's state.
func (s *Store) Snapshot(id string) (WorkerSecurityState, bool) {
	e, ok := s.get(id)
	if !ok {
		return WorkerSecurityState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), true
}

// Update runs fn with exclusive access to id's state.
//
// fn must not retain the pointer. Returns ErrWorkerNotFound for unknown
// ids, otherwise fn's error.
func (s *Store) Update(id string, fn func(st *WorkerSecurityState) error) error {
	e, ok := s.get(id)
	if !ok {
		return ErrWorkerNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(&e.state)
}

// Len returns the number of registered workers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// IDs returns every registered worker id, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Range calls fn with a snapshot of every worker until fn returns false.
//
// Workers deregistered during the walk are skipped.
func (s *Store) Range(fn func(st WorkerSecurityState) bool) {
	for _, id := range s.IDs() {
		st, ok := s.Snapshot(id)
		if !ok {
			continue
		}
		if !fn(st) {
			return
		}
	}
}
