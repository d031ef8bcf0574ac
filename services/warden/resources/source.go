// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resources

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/AleutianAI/warden/services/warden/datatypes"
)

var (
	// ErrNoProcess is returned when a worker has no PID to sample.
	ErrNoProcess = errors.New("worker has no process id")

	// ErrNoSample is returned by StaticSource for workers without preset values.
	ErrNoSample = errors.New("no sample available")
)

// MetricsSource produces one resource sample for a worker.
//
// Implementations must honor ctx cancellation and be safe for concurrent use.
type MetricsSource interface {
	Sample(ctx context.Context, w datatypes.Worker) (datatypes.RawMetrics, error)
}

// Tracker samples workers through a MetricsSource with a bounded timeout.
type Tracker struct {
	source  MetricsSource
	timeout time.Duration
}

// NewTracker returns a tracker over source. A non-positive timeout means 2s.
func NewTracker(source MetricsSource, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Tracker{source: source, timeout: timeout}
}

// Sample takes one sample of w.
func (t *Tracker) Sample(ctx context.Context, w datatypes.Worker) (datatypes.RawMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		raw datatypes.RawMetrics
		err error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := t.source.Sample(ctx, w)
		ch <- result{raw: raw, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return datatypes.RawMetrics{}, fmt.Errorf("sample worker %s: %w", w.ID, r.err)
		}
		return r.raw, nil
	case <-ctx.Done():
		return datatypes.RawMetrics{}, fmt.Errorf("sample worker %s: %w", w.ID, ctx.Err())
	}
}

// =============================================================================
// Simulated Source
// =============================================================================

// SimulatedSource generates plausible usage from a seeded generator.
//
// Execution time is the wall time since the worker registered.
type SimulatedSource struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewSimulatedSource returns a source seeded with seed.
func NewSimulatedSource(seed int64) *SimulatedSource {
	return &SimulatedSource{rng: rand.New(rand.NewSource(seed)), now: time.Now}
}

// Sample implements MetricsSource.
func (s *SimulatedSource) Sample(ctx context.Context, w datatypes.Worker) (datatypes.RawMetrics, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.RawMetrics{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	exec := 0.0
	if !w.RegisteredAt.IsZero() {
		exec = s.now().Sub(w.RegisteredAt).Seconds()
	}
	return datatypes.RawMetrics{
		CPUPercent:   5 + s.rng.Float64()*55,
		MemoryMB:     50 + s.rng.Float64()*350,
		DiskMB:       10 + s.rng.Float64()*490,
		NetworkMBps:  0.1 + s.rng.Float64()*4.9,
		ExecutionSec: exec,
	}, nil
}

// =============================================================================
// Static Source
// =============================================================================

// StaticSource returns preset samples per worker.
type StaticSource struct {
	mu      sync.RWMutex
	samples map[string]datatypes.RawMetrics
	errs    map[string]error
}

// NewStaticSource returns an empty StaticSource.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		samples: make(map[string]datatypes.RawMetrics),
		errs:    make(map[string]error),
	}
}

// Set presets the sample returned for workerID.
func (s *StaticSource) Set(workerID string, raw datatypes.RawMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[workerID] = raw
	delete(s.errs, workerID)
}

// Fail makes every sample of workerID return err.
func (s *StaticSource) Fail(workerID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[workerID] = err
}

// Sample implements MetricsSource.
func (s *StaticSource) Sample(ctx context.Context, w datatypes.Worker) (datatypes.RawMetrics, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.RawMetrics{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err, ok := s.errs[w.ID]; ok {
		return datatypes.RawMetrics{}, err
	}
	raw, ok := s.samples[w.ID]
	if !ok {
		return datatypes.RawMetrics{}, ErrNoSample
	}
	return raw, nil
}
