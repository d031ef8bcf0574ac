// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package enforcement applies throttle and terminate actions to workers.
//
// # Description
//
// The Actuator turns resource overages into backend calls:
//
//   - A soft or hard overage of cpu, memory, disk or network throttles
//     that dimension.
//   - A hard execution-time overage terminates the worker. Soft execution
//     overages never terminate.
//   - A throttled dimension that is no longer over its soft threshold is
//     released once every dimension has recovered.
//
// Every action is idempotent: the Actuator remembers what it applied per
// worker and skips repeats. Termination is final; a terminated worker
// receives no further actions. Only workers added with Track are acted
// on; after Forget a worker is ignored until tracked again.
//
// # Thread Safety
//
// Actuator is safe for concurrent use. Apply calls for one worker run one
// at a time; calls for different workers run in parallel. Backend calls
// are made without holding the Actuator lock.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/warden/services/warden/datatypes"
	"github.com/AleutianAI/warden/services/warden/resources"
)

// DefaultActionTimeout bounds one backend call.
const DefaultActionTimeout = 2 * time.Second

// ActionTerminateWorker is the modified action recorded on termination.
const ActionTerminateWorker = "terminate-worker"

// ErrWorkerNotTracked is returned by Apply for workers that were never
// tracked or have been forgotten.
var ErrWorkerNotTracked = errors.New("worker not tracked")

// ThrottleAction returns the modified action recorded when d is throttled.
func ThrottleAction(d datatypes.Dimension) string {
	return "throttle-" + string(d)
}

// Backend performs enforcement on the host.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// Throttle limits dimension d of w.
	Throttle(ctx context.Context, w datatypes.Worker, d datatypes.Dimension) error

	// Unthrottle lifts every throttle of w.
	Unthrottle(ctx context.Context, w datatypes.Worker) error

	// Terminate stops w.
	Terminate(ctx context.Context, w datatypes.Worker, reason string) error
}

// Effect is what one Apply call changed.
type Effect struct {
	Throttled  []datatypes.Dimension `json:"throttled,omitempty"`
	Released   bool                  `json:"released,omitempty"`
	Terminated bool                  `json:"terminated,omitempty"`
}

// ModifiedActions lists the actions newly applied by this call.
func (e Effect) ModifiedActions() []string {
	var out []string
	for _, d := range e.Throttled {
		out = append(out, ThrottleAction(d))
	}
	if e.Terminated {
		out = append(out, ActionTerminateWorker)
	}
	return out
}

// Changed reports whether the call applied anything.
func (e Effect) Changed() bool {
	return len(e.Throttled) > 0 || e.Released || e.Terminated
}

// workerEnforcement is guarded by its own mu, which Apply holds across
// backend calls.
type workerEnforcement struct {
	mu         sync.Mutex
	throttled  map[datatypes.Dimension]struct{}
	terminated bool
}

// Actuator tracks applied actions per worker and drives a Backend.
type Actuator struct {
	backend Backend
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[string]*workerEnforcement
}

// NewActuator returns an actuator over backend.
//
// # Inputs
//
//   - backend: Must not be nil.
//   - timeout: Bound on each backend call; DefaultActionTimeout if <= 0.
//   - logger: slog.Default() if nil.
func NewActuator(backend Backend, timeout time.Duration, logger *slog.Logger) *Actuator {
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Actuator{
		backend: backend,
		timeout: timeout,
		logger:  logger,
		workers: make(map[string]*workerEnforcement),
	}
}

// Backend returns the actuator's backend.
func (a *Actuator) Backend() Backend { return a.backend }

// Track starts enforcement bookkeeping for workerID and reports whether
// it was newly added. Tracking an already tracked worker keeps its state.
func (a *Actuator) Track(workerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.workers[workerID]; ok {
		return false
	}
	a.workers[workerID] = &workerEnforcement{throttled: make(map[datatypes.Dimension]struct{})}
	return true
}

// Apply enforces overages on w.
//
// # Inputs
//
//   - w: The worker. PID is passed through to the backend.
//   - over: Current overages, as returned by resources.Overages.
//
// # Outputs
//
//   - Effect: Actions that succeeded in this call.
//   - error: ErrWorkerNotTracked if w is not tracked, otherwise
//     errors.Join of every failed backend call. Failed actions are not
//     recorded, so the next Apply retries them.
func (a *Actuator) Apply(ctx context.Context, w datatypes.Worker, over []resources.Overage) (Effect, error) {
	want, terminate := plan(over)

	st, ok := a.state(w.ID)
	if !ok {
		return Effect{}, ErrWorkerNotTracked
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	// Forget may have run while this call waited.
	if cur, ok := a.state(w.ID); !ok || cur != st {
		return Effect{}, ErrWorkerNotTracked
	}
	if st.terminated {
		return Effect{}, nil
	}
	var toThrottle []datatypes.Dimension
	for _, d := range want {
		if _, done := st.throttled[d]; !done {
			toThrottle = append(toThrottle, d)
		}
	}
	release := !terminate && len(want) == 0 && len(st.throttled) > 0

	var eff Effect
	var errs []error

	if terminate {
		reason := "execution time limit exceeded"
		if err := a.call(ctx, func(ctx context.Context) error { return a.backend.Terminate(ctx, w, reason) }); err != nil {
			errs = append(errs, fmt.Errorf("terminate worker %s: %w", w.ID, err))
		} else {
			st.terminated = true
			st.throttled = nil
			eff.Terminated = true
			a.logger.Warn("Worker terminated",
				"worker_id", w.ID,
				"backend", a.backend.Name(),
				"reason", reason)
		}
		return eff, errors.Join(errs...)
	}

	for _, d := range toThrottle {
		if err := a.call(ctx, func(ctx context.Context) error { return a.backend.Throttle(ctx, w, d) }); err != nil {
			errs = append(errs, fmt.Errorf("throttle %s of worker %s: %w", d, w.ID, err))
			continue
		}
		st.throttled[d] = struct{}{}
		eff.Throttled = append(eff.Throttled, d)
		a.logger.Info("Worker throttled",
			"worker_id", w.ID,
			"backend", a.backend.Name(),
			"dimension", string(d))
	}

	if release {
		if err := a.call(ctx, func(ctx context.Context) error { return a.backend.Unthrottle(ctx, w) }); err != nil {
			errs = append(errs, fmt.Errorf("unthrottle worker %s: %w", w.ID, err))
		} else {
			st.throttled = make(map[datatypes.Dimension]struct{})
			eff.Released = true
			a.logger.Info("Worker throttle released", "worker_id", w.ID, "backend", a.backend.Name())
		}
	}
	return eff, errors.Join(errs...)
}

// Throttled returns the throttled dimensions of workerID, sorted.
func (a *Actuator) Throttled(workerID string) []datatypes.Dimension {
	st, ok := a.state(workerID)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]datatypes.Dimension, 0, len(st.throttled))
	for d := range st.throttled {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Terminated reports whether workerID was terminated.
func (a *Actuator) Terminated(workerID string) bool {
	st, ok := a.state(workerID)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.terminated
}

// Forget drops everything recorded for workerID and stops tracking it.
func (a *Actuator) Forget(workerID string) {
	a.mu.Lock()
	delete(a.workers, workerID)
	a.mu.Unlock()
}

func (a *Actuator) state(id string) (*workerEnforcement, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.workers[id]
	return st, ok
}

func (a *Actuator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return fn(ctx)
}

// plan returns the dimensions to throttle and whether to terminate.
func plan(over []resources.Overage) ([]datatypes.Dimension, bool) {
	var throttle []datatypes.Dimension
	for _, o := range over {
		if o.Dimension == datatypes.DimensionExecution {
			if o.Hard {
				return nil, true
			}
			continue
		}
		throttle = append(throttle, o.Dimension)
	}
	return throttle, false
}
