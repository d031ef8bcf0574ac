// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package risk

import (
	"sort"

	"github.com/AleutianAI/warden/services/warden/datatypes"
)

const (
	// Threshold is the score at and above which an operation is denied.
	Threshold = 70

	// MaxScore caps every risk score.
	MaxScore = 100
)

// =============================================================================
// Risk Factors
// =============================================================================

// Worker operation factors.
const (
	FactorUnknownWorker            = "unknown-worker"
	FactorWorkerTerminated         = "worker-terminated"
	FactorInvalidSession           = "invalid-session"
	FactorCPUOverage               = "cpu-overage"
	FactorMemoryOverage            = "memory-overage"
	FactorDiskOverage              = "disk-overage"
	FactorNetworkOverage           = "network-overage"
	FactorExecutionTimeout         = "execution-timeout"
	FactorNoUsageData              = "no-usage-data"
	FactorUnencryptedCommunication = "unencrypted-communication"
	FactorUnauthenticatedComm      = "unauthenticated-communication"
	FactorAnomalousBehavior        = "anomalous-behavior-detected"
	FactorCriticalBehaviorBlock    = "critical-behavior-block"
	FactorNoSandboxPolicy          = "no-sandbox-policy"
	FactorInvalidIsolationLevel    = "invalid-isolation-level"
	FactorValidationError          = "validation-error"
	FactorValidationTimeout        = "validation-timeout"
)

// API request factors.
const (
	FactorMissingIdentity    = "missing-identity"
	FactorUnknownIdentity    = "unknown-identity"
	FactorUntrustedDevice    = "untrusted-device"
	FactorDisallowedLocation = "disallowed-location"
	FactorRateLimitExceeded  = "rate-limit-exceeded"
)

// ActionOperationBlocked is the blocked action of a fail-closed result.
const ActionOperationBlocked = "operation-blocked"

// Weights maps a risk factor to its contribution to the score.
//
// A factor absent from the table weighs 0.
type Weights map[string]int

// DefaultWeights is the single weight table for every chain instantiation.
var DefaultWeights = Weights{
	FactorUnknownWorker:            50,
	FactorWorkerTerminated:         100,
	FactorInvalidSession:           30,
	FactorCPUOverage:               25,
	FactorMemoryOverage:            25,
	FactorDiskOverage:              20,
	FactorNetworkOverage:           20,
	FactorExecutionTimeout:         40,
	FactorNoUsageData:              0,
	FactorUnencryptedCommunication: 25,
	FactorUnauthenticatedComm:      30,
	FactorAnomalousBehavior:        20,
	FactorCriticalBehaviorBlock:    60,
	FactorNoSandboxPolicy:          20,
	FactorInvalidIsolationLevel:    30,
	FactorValidationError:          100,
	FactorValidationTimeout:        100,

	FactorMissingIdentity:    40,
	FactorUnknownIdentity:    50,
	FactorUntrustedDevice:    30,
	FactorDisallowedLocation: 20,
	FactorRateLimitExceeded:  35,
}

// Score sums the weights of the distinct factors, capped at MaxScore.
//
// Score is monotone: adding factors never lowers it.
func (w Weights) Score(factors []string) int {
	seen := make(map[string]struct{}, len(factors))
	total := 0
	for _, f := range factors {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		if wt := w[f]; wt > 0 {
			total += wt
		}
	}
	if total > MaxScore {
		return MaxScore
	}
	return total
}

// Decide is the only admission rule.
func Decide(score int, blockedActions []string) bool {
	return score < Threshold && len(blockedActions) == 0
}

// LevelForScore buckets a score for display and metrics labels.
func LevelForScore(score int) datatypes.RiskLevel {
	switch {
	case score <= 0:
		return datatypes.RiskNone
	case score < 30:
		return datatypes.RiskLow
	case score < Threshold:
		return datatypes.RiskMedium
	case score < 90:
		return datatypes.RiskHigh
	default:
		return datatypes.RiskCritical
	}
}

// =============================================================================
// Aggregator
// =============================================================================

// Assessment is the aggregated decision for one Outcome.
type Assessment struct {
	RiskScore       int                 `json:"risk_score"`
	Allowed         bool                `json:"allowed"`
	Level           datatypes.RiskLevel `json:"risk_level"`
	Recommendations []string            `json:"recommendations"`
}

// Aggregator scores outcomes with a weight table.
type Aggregator struct {
	weights Weights
}

// NewAggregator returns an aggregator over w, or DefaultWeights if w is nil.
func NewAggregator(w Weights) *Aggregator {
	if w == nil {
		w = DefaultWeights
	}
	return &Aggregator{weights: w}
}

// Weights returns the aggregator's weight table.
func (a *Aggregator) Weights() Weights { return a.weights }

// Assess scores o and decides admission.
//
// The level is the higher of the score bucket and o.Level; the level never
// affects Allowed. Validator advice is merged into the factor advice.
func (a *Aggregator) Assess(o Outcome) Assessment {
	score := a.weights.Score(o.RiskFactors)
	return Assessment{
		RiskScore:       score,
		Allowed:         Decide(score, o.BlockedActions),
		Level:           datatypes.MaxRiskLevel(LevelForScore(score), o.Level),
		Recommendations: mergeAdvice(Recommend(o.RiskFactors), o.Recommendations),
	}
}

// mergeAdvice appends the distinct entries of extra to base, sorted.
func mergeAdvice(base, extra []string) []string {
	if len(extra) == 0 {
		return base
	}
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, r := range list {
			if _, dup := seen[r]; dup || r == "" {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

// FailClosed builds the maximal-risk outcome for a pipeline failure.
//
// factor is FactorValidationError or FactorValidationTimeout.
func FailClosed(factor string) (Outcome, Assessment) {
	o := Outcome{
		RiskFactors:    []string{factor},
		BlockedActions: []string{ActionOperationBlocked},
	}
	return o, Assessment{
		RiskScore:       MaxScore,
		Allowed:         false,
		Level:           datatypes.RiskCritical,
		Recommendations: Recommend(o.RiskFactors),
	}
}

// =============================================================================
// Recommendations
// =============================================================================

var recommendations = map[string]string{
	FactorUnknownWorker:            "Register the worker before submitting operations",
	FactorWorkerTerminated:         "Replace the terminated worker with a fresh instance",
	FactorInvalidSession:           "Issue a new session for the worker",
	FactorCPUOverage:               "Reduce CPU usage or raise the CPU limit",
	FactorMemoryOverage:            "Investigate memory growth or raise the memory limit",
	FactorDiskOverage:              "Clean up worker scratch space or raise the disk limit",
	FactorNetworkOverage:           "Rate limit outbound traffic of the worker",
	FactorExecutionTimeout:         "Split the job into shorter units of work",
	FactorUnencryptedCommunication: "Enable encryption on all worker channels",
	FactorUnauthenticatedComm:      "Authenticate the worker's communication channels",
	FactorAnomalousBehavior:        "Review the worker's recent behavior history",
	FactorCriticalBehaviorBlock:    "Quarantine the worker and inspect it for compromise",
	FactorNoSandboxPolicy:          "Create an isolation policy for the worker",
	FactorInvalidIsolationLevel:    "Use one of basic, standard, enhanced or maximum isolation",
	FactorValidationError:          "Check warden logs for the failing validator",
	FactorValidationTimeout:        "Check warden load and the validation timeout",
	FactorMissingIdentity:          "Send an identity with every request",
	FactorUnknownIdentity:          "Enroll the identity before use",
	FactorUntrustedDevice:          "Enroll the device as trusted",
	FactorDisallowedLocation:       "Connect from an allowed network",
	FactorRateLimitExceeded:        "Reduce the request rate",
}

// Recommend returns one piece of advice per distinct known factor, sorted.
func Recommend(factors []string) []string {
	seen := make(map[string]struct{}, len(factors))
	out := make([]string, 0, len(factors))
	for _, f := range factors {
		rec, ok := recommendations[f]
		if !ok {
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
