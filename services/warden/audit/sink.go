// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/warden/services/warden/config"
	"github.com/AleutianAI/warden/services/warden/datatypes"
)

// =============================================================================
// Sink Interface
// =============================================================================

// Sink receives warden's lifecycle and decision events.
//
// # Description
//
// The Sink is injected into the warden service at construction. The local
// hash-chained Log is written independently; sinks are for external
// collaborators such as dashboards, time-series stores or compliance
// pipelines.
//
// # Error Handling
//
// Sink errors never change a decision. The service logs them and carries
// on.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// OnWorkerRegistered is called after a worker and its first policy
	// are stored.
	OnWorkerRegistered(ctx context.Context, w datatypes.Worker, p datatypes.IsolationPolicy) error

	// OnWorkerDeregistered is called after a worker's state is removed.
	OnWorkerDeregistered(ctx context.Context, workerID string) error

	// OnIsolationPolicyCreated is called for every created or renewed
	// policy. Renewals have Generation > 1.
	OnIsolationPolicyCreated(ctx context.Context, p datatypes.IsolationPolicy) error

	// OnSecurityEvent is called once per ValidateOperation decision.
	OnSecurityEvent(ctx context.Context, r datatypes.WorkerSecurityResult) error

	// OnConfigUpdated is called after a configuration update is applied.
	OnConfigUpdated(ctx context.Context, cfg config.WorkerSecurityConfig) error
}

// =============================================================================
// Default Implementation
// =============================================================================

// NopSink drops every event.
type NopSink struct{}

func (NopSink) OnWorkerRegistered(context.Context, datatypes.Worker, datatypes.IsolationPolicy) error {
	return nil
}

func (NopSink) OnWorkerDeregistered(context.Context, string) error { return nil }

func (NopSink) OnIsolationPolicyCreated(context.Context, datatypes.IsolationPolicy) error {
	return nil
}

func (NopSink) OnSecurityEvent(context.Context, datatypes.WorkerSecurityResult) error { return nil }

func (NopSink) OnConfigUpdated(context.Context, config.WorkerSecurityConfig) error { return nil }

// DefaultSink is used when no sink is injected.
var DefaultSink Sink = NopSink{}

// =============================================================================
// Fan-out
// =============================================================================

// MultiSink delivers every event to each of its sinks in order.
//
// A failing or panicking sink does not stop delivery to the rest; their
// errors are joined.
type MultiSink []Sink

func (m MultiSink) each(fn func(s Sink) error) error {
	var errs []error
	for i, s := range m {
		if err := safeCall(s, fn); err != nil {
			errs = append(errs, fmt.Errorf("sink %d (%T): %w", i, s, err))
		}
	}
	return errors.Join(errs...)
}

func safeCall(s Sink, fn func(s Sink) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return fn(s)
}

func (m MultiSink) OnWorkerRegistered(ctx context.Context, w datatypes.Worker, p datatypes.IsolationPolicy) error {
	return m.each(func(s Sink) error { return s.OnWorkerRegistered(ctx, w, p) })
}

func (m MultiSink) OnWorkerDeregistered(ctx context.Context, workerID string) error {
	return m.each(func(s Sink) error { return s.OnWorkerDeregistered(ctx, workerID) })
}

func (m MultiSink) OnIsolationPolicyCreated(ctx context.Context, p datatypes.IsolationPolicy) error {
	return m.each(func(s Sink) error { return s.OnIsolationPolicyCreated(ctx, p) })
}

func (m MultiSink) OnSecurityEvent(ctx context.Context, r datatypes.WorkerSecurityResult) error {
	return m.each(func(s Sink) error { return s.OnSecurityEvent(ctx, r) })
}

func (m MultiSink) OnConfigUpdated(ctx context.Context, cfg config.WorkerSecurityConfig) error {
	return m.each(func(s Sink) error { return s.OnConfigUpdated(ctx, cfg) })
}
