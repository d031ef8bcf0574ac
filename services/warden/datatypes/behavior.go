// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// MaxRecentMessages bounds CommunicationState.RecentMessages.
const MaxRecentMessages = 50

// Message records one outbound message of a worker.
type Message struct {
	Endpoint  string    `json:"endpoint" validate:"required,max=253"`
	Timestamp time.Time `json:"timestamp"`
}

// CommunicationState describes the security of a worker's channels.
type CommunicationState struct {
	Encrypted      bool      `json:"encrypted"`
	Authenticated  bool      `json:"authenticated"`
	Integrity      bool      `json:"integrity"`
	Channels       []string  `json:"channels,omitempty"`
	RecentMessages []Message `json:"recent_messages,omitempty"`
}

// Clone returns a deep copy.
func (c CommunicationState) Clone() CommunicationState {
	if c.Channels != nil {
		c.Channels = append([]string(nil), c.Channels...)
	}
	if c.RecentMessages != nil {
		c.RecentMessages = append([]Message(nil), c.RecentMessages...)
	}
	return c
}

// AppendMessage records m, keeping only the newest MaxRecentMessages.
func (c *CommunicationState) AppendMessage(m Message) {
	c.RecentMessages = append(c.RecentMessages, m)
	if over := len(c.RecentMessages) - MaxRecentMessages; over > 0 {
		c.RecentMessages = append([]Message(nil), c.RecentMessages[over:]...)
	}
}

// BehaviorSnapshot is an immutable record of one observed operation.
type BehaviorSnapshot struct {
	Timestamp     time.Time          `json:"timestamp"`
	Operation     OperationType      `json:"operation"`
	ResourceUsage RawMetrics         `json:"resource_usage"`
	Communication CommunicationState `json:"communication"`
}

// AnomalyType names a detected behavioral anomaly.
type AnomalyType string

const (
	AnomalyResourceAbuse        AnomalyType = "resource-abuse"
	AnomalyUnusualCommunication AnomalyType = "unusual-communication"
	AnomalyExecutionAnomaly     AnomalyType = "execution-anomaly"
	AnomalyMemoryLeak           AnomalyType = "memory-leak"
	AnomalyNetworkAbuse         AnomalyType = "network-abuse"
	AnomalyPrivilegeEscalation  AnomalyType = "privilege-escalation"
)

// BehaviorAnomaly is one detected anomaly.
//
// Severity is in [1,10] and Confidence in [0,100].
type BehaviorAnomaly struct {
	Type       AnomalyType        `json:"type" validate:"required"`
	Severity   int                `json:"severity" validate:"gte=0,lte=10"`
	Confidence float64            `json:"confidence" validate:"gte=0,lte=100"`
	Timestamp  time.Time          `json:"timestamp"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Source     string             `json:"source,omitempty"`
}

// RiskLevel classifies a risk score or an anomaly set.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders levels from none (0) to critical (4). Unknown levels rank 0.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// MaxRiskLevel returns the higher of a and b.
func MaxRiskLevel(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	if a == "" {
		return RiskNone
	}
	return a
}
