// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package warden

import (
	"context"
	"fmt"
	"sort"

	"github.com/AleutianAI/warden/services/warden/audit"
	"github.com/AleutianAI/warden/services/warden/config"
	"github.com/AleutianAI/warden/services/warden/datatypes"
	"github.com/AleutianAI/warden/services/warden/state"
)

// Audit component names.
const (
	ComponentRegistration  = "registration-limits"
	ComponentMonitoring    = "resource-monitoring"
	ComponentSandboxing    = "sandboxing"
	ComponentEncryption    = "communication-encryption"
	ComponentBehavior      = "behavior-analysis"
	ComponentConfiguration = "configuration"
)

// recommendedMaxWorkers is the registration limit above which the audit
// flags the configuration.
const recommendedMaxWorkers = 1000

// GetStatus summarizes registered workers and the audit trail.
func (s *Service) GetStatus() datatypes.Status {
	c, policies, channels := s.counts()
	return datatypes.Status{
		Workers:                   c,
		IsolationPolicyCount:      policies,
		CommunicationChannelCount: channels,
		AuditLogSize:              s.auditLog.Len(),
		ThreatPatternCount:        s.profiler.PatternCount(),
		Timestamp:                 s.now(),
	}
}

// PerformAudit grades the current configuration and state.
//
// # Description
//
// Six checklists each score 0..100: registration limits, resource
// monitoring, sandboxing, communication encryption, behavior analysis and
// configuration sanity. The overall score is their mean. Only local
// config and state are read. The report is itself audited.
func (s *Service) PerformAudit(ctx context.Context) datatypes.AuditReport {
	cfg := s.SecurityConfig()
	var states []state.WorkerSecurityState
	s.store.Range(func(st state.WorkerSecurityState) bool {
		states = append(states, st)
		return true
	})

	components := []datatypes.ComponentScore{
		auditRegistration(cfg, len(states)),
		auditMonitoring(cfg),
		auditSandboxing(cfg, states),
		auditEncryption(cfg, states),
		auditBehavior(cfg),
		auditConfiguration(cfg),
	}

	report := datatypes.AuditReport{
		Components:      components,
		Issues:          []string{},
		Recommendations: []string{},
		Timestamp:       s.now(),
	}
	total := 0
	seen := make(map[string]struct{})
	for _, c := range components {
		total += c.Score
		report.Issues = append(report.Issues, c.Issues...)
		for _, issue := range c.Issues {
			rec, ok := auditRecommendations[issue]
			if !ok {
				continue
			}
			if _, dup := seen[rec]; dup {
				continue
			}
			seen[rec] = struct{}{}
			report.Recommendations = append(report.Recommendations, rec)
		}
	}
	report.OverallScore = total / len(components)
	report.Grade = datatypes.GradeFor(report.OverallScore)
	sort.Strings(report.Recommendations)

	s.logger.Info("Security audit performed",
		"overall_score", report.OverallScore,
		"grade", string(report.Grade),
		"issues", len(report.Issues))
	s.record(ctx, audit.Event{
		Type:      audit.EventAuditPerformed,
		RiskScore: 100 - report.OverallScore,
		Details: map[string]string{
			"grade":         string(report.Grade),
			"overall_score": fmt.Sprint(report.OverallScore),
		},
	})
	return report
}

// =============================================================================
// Checklists
// =============================================================================

const (
	issueMaxWorkersHigh      = "max_workers exceeds the recommended limit"
	issueAtCapacity          = "worker registrations are at capacity"
	issueMonitoringDisabled  = "resource monitoring is disabled"
	issueSandboxingDisabled  = "sandboxing is disabled"
	issueBasicIsolation      = "basic isolation provides no network or process isolation"
	issueWorkersNoPolicy     = "workers without an isolation policy"
	issueEncryptionDisabled  = "communication encryption is disabled"
	issueUnencryptedChannels = "workers with unencrypted channels"
	issueBehaviorDisabled    = "behavior analysis is disabled"
	issueInvalidConfig       = "security configuration fails validation"
	issueCPULimitHigh        = "cpu limit leaves no headroom"
	issueNoAllowedEndpoints  = "no allowed endpoints are configured"
)

var auditRecommendations = map[string]string{
	issueMaxWorkersHigh:      "Lower max_workers to bound the blast radius of a compromised pool",
	issueAtCapacity:          "Deregister idle workers or raise max_workers",
	issueMonitoringDisabled:  "Enable resource monitoring",
	issueSandboxingDisabled:  "Enable sandboxing",
	issueBasicIsolation:      "Use standard or stronger isolation",
	issueWorkersNoPolicy:     "Re-register workers so each holds an isolation policy",
	issueEncryptionDisabled:  "Enable communication encryption",
	issueUnencryptedChannels: "Migrate workers to encrypted channels",
	issueBehaviorDisabled:    "Enable behavior analysis",
	issueInvalidConfig:       "Fix the security configuration",
	issueCPULimitHigh:        "Keep max_cpu_percent at or below 95",
	issueNoAllowedEndpoints:  "Configure allowed endpoints so outbound traffic can be classified",
}

func auditRegistration(cfg config.WorkerSecurityConfig, registered int) datatypes.ComponentScore {
	c := datatypes.ComponentScore{Component: ComponentRegistration, Score: 100}
	if cfg.MaxWorkers > recommendedMaxWorkers {
		c.Score -= 30
		c.Issues = append(c.Issues, issueMaxWorkersHigh)
	}
	if cfg.MaxWorkers > 0 && registered >= cfg.MaxWorkers {
		c.Score -= 20
		c.Issues = append(c.Issues, issueAtCapacity)
	}
	return c
}

func auditMonitoring(cfg config.WorkerSecurityConfig) datatypes.ComponentScore {
	c := datatypes.ComponentScore{Component: ComponentMonitoring, Score: 100}
	if !cfg.EnableResourceMonitoring {
		c.Score = 0
		c.Issues = append(c.Issues, issueMonitoringDisabled)
	}
	return c
}

func auditSandboxing(cfg config.WorkerSecurityConfig, states []state.WorkerSecurityState) datatypes.ComponentScore {
	c := datatypes.ComponentScore{Component: ComponentSandboxing, Score: 100}
	if !cfg.EnableSandboxing {
		c.Score = 0
		c.Issues = append(c.Issues, issueSandboxingDisabled)
		return c
	}
	if cfg.IsolationLevel == datatypes.IsolationBasic {
		c.Score -= 30
		c.Issues = append(c.Issues, issueBasicIsolation)
	}
	for _, st := range states {
		if st.Policy == nil {
			c.Score -= 40
			c.Issues = append(c.Issues, issueWorkersNoPolicy)
			break
		}
	}
	return c
}

func auditEncryption(cfg config.WorkerSecurityConfig, states []state.WorkerSecurityState) datatypes.ComponentScore {
	c := datatypes.ComponentScore{Component: ComponentEncryption, Score: 100}
	if !cfg.EnableCommunicationEncryption {
		c.Score = 0
		c.Issues = append(c.Issues, issueEncryptionDisabled)
		return c
	}
	for _, st := range states {
		if !st.Communication.Encrypted {
			c.Score -= 20
			c.Issues = append(c.Issues, issueUnencryptedChannels)
			break
		}
	}
	return c
}

func auditBehavior(cfg config.WorkerSecurityConfig) datatypes.ComponentScore {
	c := datatypes.ComponentScore{Component: ComponentBehavior, Score: 100}
	if !cfg.EnableBehaviorAnalysis {
		c.Score = 0
		c.Issues = append(c.Issues, issueBehaviorDisabled)
	}
	return c
}

func auditConfiguration(cfg config.WorkerSecurityConfig) datatypes.ComponentScore {
	c := datatypes.ComponentScore{Component: ComponentConfiguration, Score: 100}
	if err := config.ValidateSecurity(cfg); err != nil {
		c.Score = 0
		c.Issues = append(c.Issues, issueInvalidConfig)
		return c
	}
	if cfg.ResourceLimits.MaxCPUPercent > 95 {
		c.Score -= 20
		c.Issues = append(c.Issues, issueCPULimitHigh)
	}
	if len(cfg.AllowedEndpoints) == 0 {
		c.Score -= 10
		c.Issues = append(c.Issues, issueNoAllowedEndpoints)
	}
	return c
}
