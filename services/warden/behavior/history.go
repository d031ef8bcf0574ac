// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package behavior

import (
	"time"

	"github.com/AleutianAI/warden/services/warden/datatypes"
)

// DefaultMaxHistory caps the per-worker snapshot history.
const DefaultMaxHistory = 1000

// AppendHistory appends s and drops the oldest entries beyond capacity.
func AppendHistory(h []datatypes.BehaviorSnapshot, s datatypes.BehaviorSnapshot, capacity int) []datatypes.BehaviorSnapshot {
	if capacity <= 0 {
		capacity = DefaultMaxHistory
	}
	h = append(h, s)
	if over := len(h) - capacity; over > 0 {
		h = append([]datatypes.BehaviorSnapshot(nil), h[over:]...)
	}
	return h
}

// PruneHistory drops snapshots taken before cutoff.
//
// History is ordered by time, so this trims a prefix.
func PruneHistory(h []datatypes.BehaviorSnapshot, cutoff time.Time) []datatypes.BehaviorSnapshot {
	i := 0
	for i < len(h) && h[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return h
	}
	return append([]datatypes.BehaviorSnapshot(nil), h[i:]...)
}

// PruneAnomalies drops anomalies observed before cutoff.
func PruneAnomalies(a []datatypes.BehaviorAnomaly, cutoff time.Time) []datatypes.BehaviorAnomaly {
	out := a[:0:0]
	for _, an := range a {
		if !an.Timestamp.Before(cutoff) {
			out = append(out, an)
		}
	}
	return out
}
