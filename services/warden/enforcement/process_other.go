// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !unix

package enforcement

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/warden/services/warden/datatypes"
)

// ProcessBackend is unavailable on this platform; every call fails with
// ErrUnsupportedPlatform.
type ProcessBackend struct{}

// NewProcessBackend returns a ProcessBackend.
func NewProcessBackend(_ *slog.Logger) *ProcessBackend {
	return &ProcessBackend{}
}

func (b *ProcessBackend) Name() string { return BackendProcess }

func (b *ProcessBackend) Throttle(context.Context, datatypes.Worker, datatypes.Dimension) error {
	return ErrUnsupportedPlatform
}

func (b *ProcessBackend) Unthrottle(context.Context, datatypes.Worker) error {
	return ErrUnsupportedPlatform
}

func (b *ProcessBackend) Terminate(context.Context, datatypes.Worker, string) error {
	return ErrUnsupportedPlatform
}
