// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resources tracks per-worker resource usage against limits.
//
// # Description
//
// Samples come from a pluggable MetricsSource: SimulatedSource for demos
// and tests, ProcfsSource for real processes on Linux. Record folds a
// sample into the cumulative usage record and Overages compares the
// current values against the worker's limits.
package resources

import (
	"time"

	"github.com/AleutianAI/warden/services/warden/datatypes"
)

// Record folds one sample into m.
//
// Current becomes the sampled value, Average is updated as a cumulative
// running mean, and Peak becomes max(Peak, Current). Negative samples are
// clamped to zero.
func Record(m *datatypes.ResourceUsageMetrics, raw datatypes.RawMetrics, at time.Time) {
	m.Samples++
	n := float64(m.Samples)
	for _, d := range datatypes.Dimensions {
		stat := m.StatPtr(d)
		v := raw.Value(d)
		if v < 0 {
			v = 0
		}
		stat.Current = v
		if m.Samples == 1 {
			stat.Average = v
		} else {
			stat.Average += (v - stat.Average) / n
		}
		if v > stat.Peak {
			stat.Peak = v
		}
	}
	m.LastSampledAt = at
}

// Overage is one dimension above its soft or hard threshold.
type Overage struct {
	Dimension datatypes.Dimension `json:"dimension"`
	Current   float64             `json:"current"`
	Limit     float64             `json:"limit"`
	// Hard is true when Current exceeds Limit; otherwise Current only
	// exceeds softRatio * Limit.
	Hard bool `json:"hard"`
}

// Overages lists every dimension of current above softRatio*limit.
//
// The result follows datatypes.Dimensions order. Dimensions with a
// non-positive limit are skipped.
func Overages(current datatypes.RawMetrics, limits datatypes.ResourceLimits, softRatio float64) []Overage {
	var out []Overage
	for _, d := range datatypes.Dimensions {
		limit := limits.Limit(d)
		if limit <= 0 {
			continue
		}
		v := current.Value(d)
		switch {
		case v > limit:
			out = append(out, Overage{Dimension: d, Current: v, Limit: limit, Hard: true})
		case v > softRatio*limit:
			out = append(out, Overage{Dimension: d, Current: v, Limit: limit})
		}
	}
	return out
}

// FirstHard returns the first hard overage, if any.
func FirstHard(overages []Overage) (Overage, bool) {
	for _, o := range overages {
		if o.Hard {
			return o, true
		}
	}
	return Overage{}, false
}
