// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package behavior captures behavior snapshots and detects anomalies.
//
// # Description
//
// A Profiler runs a fixed set of detection rules over the current snapshot
// and the worker's history, grades every anomaly from the embedded
// threat-pattern table, and classifies the resulting set into a risk level.
//
// Detection rules:
//
//   - resource-abuse: cpu above 90%, or memory, disk or network above 90%
//     of its limit.
//   - unusual-communication: more than 30% of recent messages went to
//     endpoints outside the allowlist. Not evaluated when the allowlist is
//     empty.
//   - execution-anomaly: execution time above 80% of the maximum.
//   - memory-leak: memory strictly increasing over the last 5 snapshots and
//     the latest above half the limit.
//   - network-abuse: network above its limit in each of the last 3 snapshots.
//
// privilege-escalation has no local rule; it arrives through externally
// reported anomalies.
//
// # Thread Safety
//
// Profiler is immutable after construction and safe for concurrent use.
package behavior

import (
	"sort"
	"time"

	"github.com/AleutianAI/warden/services/warden/behavior/patterns"
	"github.com/AleutianAI/warden/services/warden/datatypes"
)

// Thresholds parameterize the detection rules.
type Thresholds struct {
	Limits           datatypes.ResourceLimits
	AllowedEndpoints []string

	CPUPercent       float64
	UsageRatio       float64
	UnusualCommRatio float64
	MessageWindow    int
	ExecutionRatio   float64
	LeakWindow       int
	LeakRatio        float64
	NetworkWindow    int
}

// DefaultThresholds returns the standard rule parameters for limits.
func DefaultThresholds(limits datatypes.ResourceLimits, allowed []string) Thresholds {
	return Thresholds{
		Limits:           limits,
		AllowedEndpoints: allowed,
		CPUPercent:       90,
		UsageRatio:       0.9,
		UnusualCommRatio: 0.3,
		MessageWindow:    datatypes.MaxRecentMessages,
		ExecutionRatio:   0.8,
		LeakWindow:       5,
		LeakRatio:        0.5,
		NetworkWindow:    3,
	}
}

// Analysis classifies a set of anomalies.
type Analysis struct {
	Anomalies       []datatypes.BehaviorAnomaly `json:"anomalies"`
	RiskLevel       datatypes.RiskLevel         `json:"risk_level"`
	Confidence      float64                     `json:"confidence"`
	Score           float64                     `json:"score"`
	Recommendations []string                    `json:"recommendations"`
}

// Critical reports whether the analysis must block the operation.
func (a Analysis) Critical() bool {
	return a.RiskLevel == datatypes.RiskCritical
}

// Profiler detects and grades anomalies.
type Profiler struct {
	patterns patterns.Table
}

// NewProfiler returns a profiler over table, or the embedded table if nil.
func NewProfiler(table patterns.Table) *Profiler {
	if table == nil {
		table = patterns.Default()
	}
	return &Profiler{patterns: table}
}

// PatternCount returns the number of known threat patterns.
func (p *Profiler) PatternCount() int {
	return len(p.patterns)
}

// Capture builds an immutable snapshot of one operation.
func Capture(op datatypes.OperationType, usage datatypes.RawMetrics, comm datatypes.CommunicationState, at time.Time) datatypes.BehaviorSnapshot {
	return datatypes.BehaviorSnapshot{
		Timestamp:     at,
		Operation:     op,
		ResourceUsage: usage,
		Communication: comm.Clone(),
	}
}

// Detect runs every rule against snap and the preceding history.
func (p *Profiler) Detect(history []datatypes.BehaviorSnapshot, snap datatypes.BehaviorSnapshot, th Thresholds) []datatypes.BehaviorAnomaly {
	var out []datatypes.BehaviorAnomaly
	add := func(t datatypes.AnomalyType, metrics map[string]float64) {
		out = append(out, p.grade(datatypes.BehaviorAnomaly{
			Type:      t,
			Timestamp: snap.Timestamp,
			Metrics:   metrics,
			Source:    "profiler",
		}))
	}

	u := snap.ResourceUsage
	if m := resourceAbuse(u, th); m != nil {
		add(datatypes.AnomalyResourceAbuse, m)
	}
	if ratio, ok := unapprovedRatio(snap.Communication.RecentMessages, th); ok && ratio > th.UnusualCommRatio {
		add(datatypes.AnomalyUnusualCommunication, map[string]float64{"unapproved_ratio": ratio})
	}
	if maxExec := th.Limits.MaxExecutionTimeSec; maxExec > 0 && u.ExecutionSec > th.ExecutionRatio*maxExec {
		add(datatypes.AnomalyExecutionAnomaly, map[string]float64{"execution_sec": u.ExecutionSec, "max_execution_sec": maxExec})
	}

	window := append(tail(history, max(th.LeakWindow, th.NetworkWindow)-1), snap)
	if memoryLeak(window, th) {
		add(datatypes.AnomalyMemoryLeak, map[string]float64{"memory_mb": u.MemoryMB})
	}
	if networkAbuse(window, th) {
		add(datatypes.AnomalyNetworkAbuse, map[string]float64{"network_mbps": u.NetworkMBps})
	}
	return out
}

// Analyze detects anomalies in snap, merges the externally reported ones
// and classifies the union.
func (p *Profiler) Analyze(history []datatypes.BehaviorSnapshot, snap datatypes.BehaviorSnapshot, reported []datatypes.BehaviorAnomaly, th Thresholds) Analysis {
	anomalies := p.Detect(history, snap, th)
	for _, a := range reported {
		anomalies = append(anomalies, p.grade(a))
	}
	return p.Classify(anomalies)
}

// Grade fills a zero severity or confidence from the pattern table.
func (p *Profiler) Grade(a datatypes.BehaviorAnomaly) datatypes.BehaviorAnomaly {
	return p.grade(a)
}

func (p *Profiler) grade(a datatypes.BehaviorAnomaly) datatypes.BehaviorAnomaly {
	pat, ok := p.patterns[a.Type]
	if !ok {
		if a.Severity == 0 {
			a.Severity = 5
		}
		if a.Confidence == 0 {
			a.Confidence = 50
		}
		return a
	}
	if a.Severity == 0 {
		a.Severity = pat.Severity
	}
	if a.Confidence == 0 {
		a.Confidence = pat.Confidence
	}
	return a
}

// Classify maps an anomaly set to a risk level, confidence and score.
//
// # Description
//
//   - Empty set: level low, confidence 0, score 100.
//   - critical if max severity >= 9 or mean severity >= 7.
//   - high if max severity >= 7 or mean severity >= 5.
//   - medium otherwise.
//
// Confidence is min(100, (mean + max) / 2) of the confidences. Score is
// max(0, 100 - mean(severity*5 + (100 - confidence))).
func (p *Profiler) Classify(anomalies []datatypes.BehaviorAnomaly) Analysis {
	if len(anomalies) == 0 {
		return Analysis{RiskLevel: datatypes.RiskLow, Score: 100}
	}

	var sevSum, confSum, penaltySum float64
	maxSev, maxConf := 0, 0.0
	for _, a := range anomalies {
		sevSum += float64(a.Severity)
		confSum += a.Confidence
		penaltySum += float64(a.Severity)*5 + (100 - a.Confidence)
		if a.Severity > maxSev {
			maxSev = a.Severity
		}
		if a.Confidence > maxConf {
			maxConf = a.Confidence
		}
	}
	n := float64(len(anomalies))
	avgSev := sevSum / n

	level := datatypes.RiskMedium
	switch {
	case maxSev >= 9 || avgSev >= 7:
		level = datatypes.RiskCritical
	case maxSev >= 7 || avgSev >= 5:
		level = datatypes.RiskHigh
	}

	confidence := (confSum/n + maxConf) / 2
	if confidence > 100 {
		confidence = 100
	}
	score := 100 - penaltySum/n
	if score < 0 {
		score = 0
	}

	return Analysis{
		Anomalies:       anomalies,
		RiskLevel:       level,
		Confidence:      confidence,
		Score:           score,
		Recommendations: p.recommend(anomalies),
	}
}

func (p *Profiler) recommend(anomalies []datatypes.BehaviorAnomaly) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range anomalies {
		rec := p.patterns[a.Type].Recommendation
		if rec == "" {
			continue
		}
		if _, dup := seen[rec]; dup {
			continue
		}
		seen[rec] = struct{}{}
		out = append(out, rec)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// Rules
// =============================================================================

func resourceAbuse(u datatypes.RawMetrics, th Thresholds) map[string]float64 {
	hit := make(map[string]float64)
	if u.CPUPercent > th.CPUPercent {
		hit["cpu_percent"] = u.CPUPercent
	}
	for _, d := range []datatypes.Dimension{datatypes.DimensionMemory, datatypes.DimensionDisk, datatypes.DimensionNetwork} {
		limit := th.Limits.Limit(d)
		if limit > 0 && u.Value(d) > th.UsageRatio*limit {
			hit[string(d)] = u.Value(d)
		}
	}
	if len(hit) == 0 {
		return nil
	}
	return hit
}

func unapprovedRatio(msgs []datatypes.Message, th Thresholds) (float64, bool) {
	if len(th.AllowedEndpoints) == 0 || len(msgs) == 0 {
		return 0, false
	}
	if th.MessageWindow > 0 && len(msgs) > th.MessageWindow {
		msgs = msgs[len(msgs)-th.MessageWindow:]
	}
	bad := 0
	for _, m := range msgs {
		if !datatypes.EndpointAllowed(m.Endpoint, th.AllowedEndpoints) {
			bad++
		}
	}
	return float64(bad) / float64(len(msgs)), true
}

func memoryLeak(window []datatypes.BehaviorSnapshot, th Thresholds) bool {
	if th.LeakWindow < 2 || len(window) < th.LeakWindow {
		return false
	}
	w := window[len(window)-th.LeakWindow:]
	for i := 1; i < len(w); i++ {
		if w[i].ResourceUsage.MemoryMB <= w[i-1].ResourceUsage.MemoryMB {
			return false
		}
	}
	return w[len(w)-1].ResourceUsage.MemoryMB > th.LeakRatio*th.Limits.MaxMemoryMB
}

func networkAbuse(window []datatypes.BehaviorSnapshot, th Thresholds) bool {
	limit := th.Limits.MaxNetworkMBps
	if th.NetworkWindow < 1 || limit <= 0 || len(window) < th.NetworkWindow {
		return false
	}
	for _, s := range window[len(window)-th.NetworkWindow:] {
		if s.ResourceUsage.NetworkMBps <= limit {
			return false
		}
	}
	return true
}

func tail(h []datatypes.BehaviorSnapshot, n int) []datatypes.BehaviorSnapshot {
	if n <= 0 {
		return nil
	}
	if len(h) > n {
		h = h[len(h)-n:]
	}
	return append([]datatypes.BehaviorSnapshot(nil), h...)
}
