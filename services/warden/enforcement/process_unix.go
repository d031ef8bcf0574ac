// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package enforcement

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/AleutianAI/warden/services/warden/datatypes"
)

// ThrottledNice is the scheduling priority of a throttled worker.
const ThrottledNice = 10

// ProcessBackend enforces on the worker's host process.
//
// # Description
//
// Throttling lowers the process priority to ThrottledNice with
// setpriority(2); every dimension shares that one lever. Unthrottle
// restores priority 0. Terminate sends SIGTERM.
//
// Workers with PID <= 0 are rejected with ErrNoProcess so that a missing
// PID can never signal a process group.
type ProcessBackend struct {
	logger *slog.Logger
}

// NewProcessBackend returns a ProcessBackend.
func NewProcessBackend(logger *slog.Logger) *ProcessBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessBackend{logger: logger}
}

func (b *ProcessBackend) Name() string { return BackendProcess }

func (b *ProcessBackend) Throttle(ctx context.Context, w datatypes.Worker, d datatypes.Dimension) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.PID <= 0 {
		return ErrNoProcess
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, w.PID, ThrottledNice); err != nil {
		return fmt.Errorf("setpriority %d: %w", w.PID, err)
	}
	b.logger.Debug("Process reniced", "pid", w.PID, "nice", ThrottledNice, "dimension", string(d))
	return nil
}

func (b *ProcessBackend) Unthrottle(ctx context.Context, w datatypes.Worker) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.PID <= 0 {
		return ErrNoProcess
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, w.PID, 0); err != nil {
		return fmt.Errorf("setpriority %d: %w", w.PID, err)
	}
	return nil
}

func (b *ProcessBackend) Terminate(ctx context.Context, w datatypes.Worker, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.PID <= 0 {
		return ErrNoProcess
	}
	if err := unix.Kill(w.PID, unix.SIGTERM); err != nil {
		return fmt.Errorf("kill %d: %w", w.PID, err)
	}
	b.logger.Warn("Process signalled", "pid", w.PID, "signal", "SIGTERM", "reason", reason)
	return nil
}
