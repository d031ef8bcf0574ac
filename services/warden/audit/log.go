// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit keeps warden's tamper-evident audit trail and fans events
// out to external sinks.
//
// # Description
//
// Log is an append-only, hash-chained list of Events. Each event stores the
// chain hash of its predecessor and its own chain hash, computed as
// SHA256(PrevHash + JSON(event without ChainHash)). Pruning drops a prefix
// of the chain; the first surviving event's PrevHash anchors verification.
//
// When a Store is attached every append is persisted, and Restore reloads
// the chain after a restart.
//
// # Thread Safety
//
// Log is safe for concurrent use. Prune takes a snapshot, filters it
// without holding the lock, and then splices back any events appended
// meanwhile, so appends never wait on a prune.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRetention is how long events are kept.
const DefaultRetention = 7 * 24 * time.Hour

// genesisHash is the PrevHash of the very first event.
const genesisHash = "genesis"

// EventType classifies an audit event.
type EventType string

const (
	EventWorkerRegistered   EventType = "worker-registered"
	EventWorkerDeregistered EventType = "worker-deregistered"
	EventPolicyCreated      EventType = "policy-created"
	EventPolicyRenewed      EventType = "policy-renewed"
	EventSecurityDecision   EventType = "security-decision"
	EventEnforcement        EventType = "enforcement"
	EventAnomaly            EventType = "anomaly"
	EventConfigUpdated      EventType = "config-updated"
	EventAuditPerformed     EventType = "audit-performed"
)

// Event is one audit record.
type Event struct {
	Sequence  uint64            `json:"sequence"`
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	WorkerID  string            `json:"worker_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Allowed   *bool             `json:"allowed,omitempty"`
	RiskScore int               `json:"risk_score,omitempty"`
	Factors   []string          `json:"factors,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	PrevHash  string            `json:"prev_hash"`
	ChainHash string            `json:"chain_hash"`
}

// clone returns a copy that shares no slices or maps with e.
func (e Event) clone() Event {
	if e.Allowed != nil {
		v := *e.Allowed
		e.Allowed = &v
	}
	e.Factors = append([]string(nil), e.Factors...)
	if e.Details != nil {
		d := make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			d[k] = v
		}
		e.Details = d
	}
	return e
}

// chainHash computes the chain hash of e.
func chainHash(e Event) (string, error) {
	e.ChainHash = ""
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal audit event %d: %w", e.Sequence, err)
	}
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Filter selects events from Entries.
type Filter struct {
	WorkerID string
	Type     EventType
	Since    time.Time
	// Limit keeps only the newest Limit matches. 0 means no limit.
	Limit int
}

func (f Filter) match(e Event) bool {
	if f.WorkerID != "" && e.WorkerID != f.WorkerID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Log is the append-only audit chain.
type Log struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger

	// pruneMu serializes prunes; appends only take mu.
	pruneMu sync.Mutex

	mu      sync.RWMutex
	entries []Event
	seq     uint64
	head    string
}

// NewLog returns an empty log.
//
// # Inputs
//
//   - store: Optional persistence. nil keeps the log in memory only.
//   - now: Clock; time.Now if nil.
//   - logger: slog.Default() if nil.
func NewLog(store Store, now func() time.Time, logger *slog.Logger) *Log {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, now: now, logger: logger, head: genesisHash}
}

// Restore loads persisted events into an empty log.
//
// The loaded chain is verified first; a broken chain is refused.
func (l *Log) Restore(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	events, err := l.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load audit events: %w", err)
	}
	if res := VerifyChain(events); !res.IsValid {
		return 0, fmt.Errorf("persisted audit chain is broken at sequence %d: %s", res.BreakPoint, res.Message)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) > 0 {
		return 0, fmt.Errorf("restore into non-empty audit log")
	}
	l.entries = events
	if n := len(events); n > 0 {
		l.seq = events[n-1].Sequence
		l.head = events[n-1].ChainHash
	}
	return len(events), nil
}

// Append assigns the next sequence, chains e and records it.
//
// ID and Timestamp are filled when empty. A persistence failure is
// returned after the event is recorded in memory, so the in-memory chain
// never has gaps.
func (l *Log) Append(ctx context.Context, e Event) (Event, error) {
	e = e.clone()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = e.Timestamp.UTC()

	l.mu.Lock()
	e.Sequence = l.seq + 1
	e.PrevHash = l.head
	hash, err := chainHash(e)
	if err != nil {
		l.mu.Unlock()
		return Event{}, err
	}
	e.ChainHash = hash
	l.seq = e.Sequence
	l.head = hash
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.Put(ctx, e); err != nil {
			l.logger.Error("Failed to persist audit event",
				"sequence", e.Sequence,
				"type", string(e.Type),
				"error", err)
			return e.clone(), fmt.Errorf("persist audit event %d: %w", e.Sequence, err)
		}
	}
	return e.clone(), nil
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Head returns the chain hash of the newest event.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Entries returns copies of the events matching f, oldest first.
func (l *Log) Entries(f Filter) []Event {
	l.mu.RLock()
	var out []Event
	for _, e := range l.entries {
		if f.match(e) {
			out = append(out, e)
		}
	}
	l.mu.RUnlock()

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	for i := range out {
		out[i] = out[i].clone()
	}
	return out
}

// Prune drops events older than retention and returns how many it dropped.
func (l *Log) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := l.now().Add(-retention)

	l.pruneMu.Lock()
	defer l.pruneMu.Unlock()

	l.mu.RLock()
	snapshot := l.entries[:len(l.entries):len(l.entries)]
	l.mu.RUnlock()

	// Events are appended in time order, so the expired ones form a prefix.
	drop := 0
	for drop < len(snapshot) && snapshot[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return 0, nil
	}
	kept := append([]Event(nil), snapshot[drop:]...)

	l.mu.Lock()
	kept = append(kept, l.entries[len(snapshot):]...)
	l.entries = kept
	l.mu.Unlock()

	if l.store != nil {
		if _, err := l.store.DeleteBefore(ctx, cutoff); err != nil {
			return drop, fmt.Errorf("prune persisted audit events: %w", err)
		}
	}
	l.logger.Debug("Audit log pruned", "dropped", drop, "cutoff", cutoff)
	return drop, nil
}

// Verify checks the retained chain.
func (l *Log) Verify() ChainVerificationResult {
	l.mu.RLock()
	events := append([]Event(nil), l.entries...)
	l.mu.RUnlock()
	return VerifyChain(events)
}

// ChainVerificationResult is the outcome of VerifyChain.
type ChainVerificationResult struct {
	IsValid      bool   `json:"is_valid"`
	TotalEntries int    `json:"total_entries"`
	BreakPoint   uint64 `json:"break_point,omitempty"`
	ExpectedHash string `json:"expected_hash,omitempty"`
	ActualHash   string `json:"actual_hash,omitempty"`
	Message      string `json:"message"`
}

// VerifyChain recomputes every chain hash in events.
//
// The first event's PrevHash is trusted as the anchor, so a pruned chain
// still verifies. Sequences must be contiguous.
func VerifyChain(events []Event) ChainVerificationResult {
	res := ChainVerificationResult{IsValid: true, TotalEntries: len(events), Message: "chain intact"}
	if len(events) == 0 {
		res.Message = "chain empty"
		return res
	}

	prev := events[0].PrevHash
	for i, e := range events {
		fail := func(msg, expected, actual string) ChainVerificationResult {
			res.IsValid = false
			res.BreakPoint = e.Sequence
			res.ExpectedHash = expected
			res.ActualHash = actual
			res.Message = msg
			return res
		}
		if i > 0 && e.Sequence != events[i-1].Sequence+1 {
			return fail(fmt.Sprintf("sequence gap after %d", events[i-1].Sequence), "", "")
		}
		if e.PrevHash != prev {
			return fail("previous hash mismatch", prev, e.PrevHash)
		}
		want, err := chainHash(e)
		if err != nil {
			return fail(err.Error(), "", e.ChainHash)
		}
		if want != e.ChainHash {
			return fail("chain hash mismatch", want, e.ChainHash)
		}
		prev = e.ChainHash
	}
	return res
}
