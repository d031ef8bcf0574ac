// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session issues and verifies signed worker sessions.
//
// # Description
//
// A session token has the form "<uuid>.<hex hmac-sha256(uuid|worker)>".
// The signing key is held in a memguard Enclave and is only decrypted into
// locked memory for the duration of one signature.
//
// Verification fails with an error wrapping ErrSessionInvalid when the
// token is malformed, carries a bad signature, is unknown or revoked, has
// expired, or was issued to a different worker.
//
// # Thread Safety
//
// Manager is safe for concurrent use.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

// DefaultTTL is the lifetime of an issued session.
const DefaultTTL = time.Hour

// KeySize is the size of a generated signing key in bytes.
const KeySize = 32

// ErrSessionInvalid is wrapped by every verification failure.
var ErrSessionInvalid = errors.New("invalid session")

// InvalidError describes why a token failed verification.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid session: %s", e.Reason)
}

func (e *InvalidError) Unwrap() error { return ErrSessionInvalid }

func invalid(reason string) error { return &InvalidError{Reason: reason} }

// Session is one issued session.
type Session struct {
	ID        string    `json:"id"`
	WorkerID  string    `json:"worker_id"`
	UserID    string    `json:"user_id,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager issues and verifies sessions.
type Manager struct {
	key *memguard.Enclave
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]Session
}

// NewManager returns a manager signing with key.
//
// # Inputs
//
//   - key: Signing key. Wiped after it is sealed. A random key is
//     generated if key is empty.
//   - ttl: Session lifetime; DefaultTTL if non-positive.
//   - now: Clock; time.Now if nil.
func NewManager(key []byte, ttl time.Duration, now func() time.Time) *Manager {
	var enclave *memguard.Enclave
	if len(key) == 0 {
		enclave = memguard.NewEnclaveRandom(KeySize)
	} else {
		enclave = memguard.NewEnclave(key)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		key:      enclave,
		ttl:      ttl,
		now:      now,
		sessions: make(map[string]Session),
	}
}

// Issue creates a session for workerID and returns its token.
func (m *Manager) Issue(workerID, userID string) (string, Session, error) {
	now := m.now()
	s := Session{
		ID:        uuid.NewString(),
		WorkerID:  workerID,
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	sig, err := m.sign(s.ID, workerID)
	if err != nil {
		return "", Session{}, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	return s.ID + "." + sig, s, nil
}

// Verify checks token for workerID.
func (m *Manager) Verify(token, workerID string) (Session, error) {
	id, sig, ok := strings.Cut(token, ".")
	if !ok || id == "" || sig == "" {
		return Session{}, invalid("malformed token")
	}
	if _, err := uuid.Parse(id); err != nil {
		return Session{}, invalid("malformed session id")
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return Session{}, invalid("malformed signature")
	}
	want, err := m.sign(id, workerID)
	if err != nil {
		return Session{}, err
	}
	wantBytes, _ := hex.DecodeString(want)
	if !hmac.Equal(got, wantBytes) {
		return Session{}, invalid("signature mismatch")
	}

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return Session{}, invalid("unknown or revoked session")
	}
	if s.WorkerID != workerID {
		return Session{}, invalid("session bound to another worker")
	}
	if !m.now().Before(s.ExpiresAt) {
		return Session{}, invalid("session expired")
	}
	return s, nil
}

// Revoke removes the session identified by token or by bare id.
func (m *Manager) Revoke(tokenOrID string) bool {
	id, _, _ := strings.Cut(tokenOrID, ".")
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	return ok
}

// RevokeWorker removes every session of workerID.
func (m *Manager) RevokeWorker(workerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.WorkerID == workerID {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// PruneExpired drops expired sessions and returns how many were dropped.
func (m *Manager) PruneExpired() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) sign(id, workerID string) (string, error) {
	buf, err := m.key.Open()
	if err != nil {
		return "", fmt.Errorf("open session key: %w", err)
	}
	defer buf.Destroy()

	mac := hmac.New(sha256.New, buf.Bytes())
	mac.Write([]byte(id))
	mac.Write([]byte{0})
	mac.Write([]byte(workerID))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
