// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package enforcement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/warden/services/warden/datatypes"
)

// Backend names accepted by NewBackend.
const (
	BackendLog     = "log"
	BackendProcess = "process"
)

var (
	// ErrNoProcess is returned by process enforcement for a worker without
	// a PID.
	ErrNoProcess = errors.New("worker has no process id")

	// ErrUnsupportedPlatform is returned by process enforcement on
	// platforms without POSIX priorities and signals.
	ErrUnsupportedPlatform = errors.New("process enforcement is not supported on this platform")
)

// NewBackend builds the backend called name.
func NewBackend(name string, logger *slog.Logger) (Backend, error) {
	switch name {
	case "", BackendLog:
		return NewLogBackend(logger), nil
	case BackendProcess:
		return NewProcessBackend(logger), nil
	default:
		return nil, fmt.Errorf("unknown enforcement backend %q", name)
	}
}

// =============================================================================
// Log Backend
// =============================================================================

// LogBackend only records enforcement decisions in the log.
type LogBackend struct {
	logger *slog.Logger
}

// NewLogBackend returns a LogBackend writing to logger.
func NewLogBackend(logger *slog.Logger) *LogBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBackend{logger: logger}
}

func (b *LogBackend) Name() string { return BackendLog }

func (b *LogBackend) Throttle(_ context.Context, w datatypes.Worker, d datatypes.Dimension) error {
	b.logger.Info("Throttle requested", "worker_id", w.ID, "pid", w.PID, "dimension", string(d))
	return nil
}

func (b *LogBackend) Unthrottle(_ context.Context, w datatypes.Worker) error {
	b.logger.Info("Unthrottle requested", "worker_id", w.ID, "pid", w.PID)
	return nil
}

func (b *LogBackend) Terminate(_ context.Context, w datatypes.Worker, reason string) error {
	b.logger.Warn("Terminate requested", "worker_id", w.ID, "pid", w.PID, "reason", reason)
	return nil
}

// =============================================================================
// Recording Backend
// =============================================================================

// Call is one backend invocation seen by a RecordingBackend.
type Call struct {
	Action    string
	WorkerID  string
	Dimension datatypes.Dimension
	Reason    string
}

// RecordingBackend remembers every call. Useful for tests and dry runs.
type RecordingBackend struct {
	mu    sync.Mutex
	calls []Call
	err   error
}

// NewRecordingBackend returns an empty RecordingBackend.
func NewRecordingBackend() *RecordingBackend {
	return &RecordingBackend{}
}

// FailWith makes every later call return err. nil restores success.
func (b *RecordingBackend) FailWith(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (b *RecordingBackend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

func (b *RecordingBackend) record(c Call) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.calls = append(b.calls, c)
	return nil
}

func (b *RecordingBackend) Name() string { return "recording" }

func (b *RecordingBackend) Throttle(_ context.Context, w datatypes.Worker, d datatypes.Dimension) error {
	return b.record(Call{Action: "throttle", WorkerID: w.ID, Dimension: d})
}

func (b *RecordingBackend) Unthrottle(_ context.Context, w datatypes.Worker) error {
	return b.record(Call{Action: "unthrottle", WorkerID: w.ID})
}

func (b *RecordingBackend) Terminate(_ context.Context, w datatypes.Worker, reason string) error {
	return b.record(Call{Action: "terminate", WorkerID: w.ID, Reason: reason})
}
