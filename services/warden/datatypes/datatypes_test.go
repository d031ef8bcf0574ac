// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		pattern  string
		want     bool
	}{
		{"api.example.com", "api.example.com", true},
		{"API.Example.com", "api.example.com", true},
		{"api.example.com:443", "api.example.com", true},
		{"evil.com", "api.example.com", false},
		{"a.example.com", "*.example.com", true},
		{"a.b.example.com", "*.example.com", true},
		{"example.com", "*.example.com", false},
		{"badexample.com", "*.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint+"_"+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchEndpoint(tt.endpoint, tt.pattern))
		})
	}
}

func TestValidateEndpointPattern(t *testing.T) {
	assert.NoError(t, ValidateEndpointPattern("api.example.com"))
	assert.NoError(t, ValidateEndpointPattern("*.example.com"))
	assert.Error(t, ValidateEndpointPattern(""))
	assert.Error(t, ValidateEndpointPattern("*"))
	assert.Error(t, ValidateEndpointPattern("*."))
	assert.Error(t, ValidateEndpointPattern("a.*.com"))
	assert.Error(t, ValidateEndpointPattern("https://example.com"))
}

func TestIsolationLevel_Valid(t *testing.T) {
	for _, l := range []IsolationLevel{IsolationBasic, IsolationStandard, IsolationEnhanced, IsolationMaximum} {
		assert.True(t, l.Valid(), l)
	}
	assert.False(t, IsolationLevel("paranoid").Valid())
	assert.False(t, IsolationLevel("").Valid())
}

func TestIsolationPolicy_Expired(t *testing.T) {
	now := time.Now()
	p := IsolationPolicy{CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	assert.False(t, p.Expired(now))
	assert.True(t, p.Expired(now.Add(time.Hour)))
	assert.True(t, p.Expired(now.Add(2*time.Hour)))
}

func TestCommunicationState_AppendMessageBounded(t *testing.T) {
	var c CommunicationState
	for i := 0; i < MaxRecentMessages+10; i++ {
		c.AppendMessage(Message{Endpoint: fmt.Sprintf("host-%d", i)})
	}

	require.Len(t, c.RecentMessages, MaxRecentMessages)
	assert.Equal(t, "host-10", c.RecentMessages[0].Endpoint)
	assert.Equal(t, fmt.Sprintf("host-%d", MaxRecentMessages+9), c.RecentMessages[MaxRecentMessages-1].Endpoint)
}

func TestCommunicationState_CloneIsDeep(t *testing.T) {
	c := CommunicationState{Channels: []string{"a"}, RecentMessages: []Message{{Endpoint: "x"}}}
	cp := c.Clone()
	cp.Channels[0] = "b"
	cp.RecentMessages[0].Endpoint = "y"

	assert.Equal(t, "a", c.Channels[0])
	assert.Equal(t, "x", c.RecentMessages[0].Endpoint)
}

func TestGradeFor(t *testing.T) {
	assert.Equal(t, GradeA, GradeFor(100))
	assert.Equal(t, GradeA, GradeFor(90))
	assert.Equal(t, GradeB, GradeFor(89))
	assert.Equal(t, GradeC, GradeFor(70))
	assert.Equal(t, GradeD, GradeFor(60))
	assert.Equal(t, GradeF, GradeFor(59))
}

func TestValidate_Worker(t *testing.T) {
	assert.NoError(t, Validate(Worker{ID: "worker-1"}))
	assert.Error(t, Validate(Worker{}))
	assert.Error(t, Validate(Worker{ID: "w", PID: -1}))
}

func TestResourceLimits_Limit(t *testing.T) {
	l := ResourceLimits{MaxCPUPercent: 1, MaxMemoryMB: 2, MaxDiskMB: 3, MaxNetworkMBps: 4, MaxExecutionTimeSec: 5}
	for i, d := range Dimensions {
		assert.Equal(t, float64(i+1), l.Limit(d), d)
	}
	assert.Zero(t, l.Limit("gpu"))
}
