// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the warden configuration tree and its YAML loader.
package config

import (
	"time"

	"github.com/AleutianAI/warden/services/warden/datatypes"
)

// Config is the root of warden.yaml.
type Config struct {
	Security    WorkerSecurityConfig `yaml:"security" json:"security"`
	Monitor     MonitorConfig        `yaml:"monitor" json:"monitor"`
	Audit       AuditConfig          `yaml:"audit" json:"audit"`
	Enforcement EnforcementConfig    `yaml:"enforcement" json:"enforcement"`
	Server      ServerConfig         `yaml:"server" json:"server"`
	Telemetry   TelemetryConfig      `yaml:"telemetry" json:"telemetry"`
	ZeroTrust   ZeroTrustConfig      `yaml:"zero_trust" json:"zero_trust"`
	Influx      InfluxConfig         `yaml:"influx" json:"influx"`
	Logging     LoggingConfig        `yaml:"logging" json:"logging"`
}

// WorkerSecurityConfig is the security policy surface of the service.
//
// # Fields
//
//   - EnableSandboxing: Create isolation policies and run the sandbox check.
//   - EnableResourceMonitoring: Sample usage and run the resource check.
//   - EnableCommunicationEncryption: Require encrypted channels.
//   - EnableBehaviorAnalysis: Run anomaly detection.
//   - MaxWorkers: Upper bound on concurrently registered workers.
//   - ResourceLimits: Hard ceilings applied to every new policy.
//   - IsolationLevel: Level for every new policy.
//   - SoftLimitRatio: Fraction of a limit above which throttling starts.
//   - AllowedEndpoints: Exact hosts or "*.suffix" patterns workers may talk to.
//     Messages to other endpoints count toward unusual-communication. An
//     empty list turns that rule off.
//   - PolicyTTL: Lifetime of an isolation policy before renewal.
//   - ValidationTimeout: Upper bound on one ValidateOperation call.
type WorkerSecurityConfig struct {
	EnableSandboxing              bool                     `yaml:"sandboxing" json:"sandboxing"`
	EnableResourceMonitoring      bool                     `yaml:"resource_monitoring" json:"resource_monitoring"`
	EnableCommunicationEncryption bool                     `yaml:"communication_encryption" json:"communication_encryption"`
	EnableBehaviorAnalysis        bool                     `yaml:"behavior_analysis" json:"behavior_analysis"`
	MaxWorkers                    int                      `yaml:"max_workers" json:"max_workers" validate:"gte=1,lte=100000"`
	ResourceLimits                datatypes.ResourceLimits `yaml:"resource_limits" json:"resource_limits"`
	IsolationLevel                datatypes.IsolationLevel `yaml:"isolation_level" json:"isolation_level" validate:"isolation_level"`
	SoftLimitRatio                float64                  `yaml:"soft_limit_ratio" json:"soft_limit_ratio" validate:"gt=0,lt=1"`
	AllowedEndpoints              []string                 `yaml:"allowed_endpoints,omitempty" json:"allowed_endpoints,omitempty" validate:"dive,endpoint_pattern"`
	PolicyTTL                     time.Duration            `yaml:"policy_ttl" json:"policy_ttl" validate:"gte=1s"`
	ValidationTimeout             time.Duration            `yaml:"validation_timeout" json:"validation_timeout" validate:"gte=1ms"`
}

// MonitorConfig sets the periodic task intervals.
type MonitorConfig struct {
	SampleInterval        time.Duration `yaml:"sample_interval" json:"sample_interval" validate:"gte=1ms"`
	BehaviorInterval      time.Duration `yaml:"behavior_interval" json:"behavior_interval" validate:"gte=1ms"`
	PolicyRenewalInterval time.Duration `yaml:"policy_renewal_interval" json:"policy_renewal_interval" validate:"gte=1ms"`
	AuditPruneInterval    time.Duration `yaml:"audit_prune_interval" json:"audit_prune_interval" validate:"gte=1ms"`
	SampleTimeout         time.Duration `yaml:"sample_timeout" json:"sample_timeout" validate:"gte=1ms"`

	// Source selects the metrics source: "simulated" or "procfs".
	Source string `yaml:"source" json:"source" validate:"oneof=simulated procfs"`
	// ProcRoot is the procfs mount point.
	ProcRoot string `yaml:"proc_root,omitempty" json:"proc_root,omitempty"`
}

// AuditConfig controls the audit log and its persistence.
type AuditConfig struct {
	Retention     time.Duration `yaml:"retention" json:"retention" validate:"gte=1m"`
	MaxHistory    int           `yaml:"max_behavior_history" json:"max_behavior_history" validate:"gte=1"`
	Persist       bool          `yaml:"persist" json:"persist"`
	StoragePath   string        `yaml:"storage_path,omitempty" json:"storage_path,omitempty" validate:"required_if=Persist true"`
	SigningKeyEnv string        `yaml:"signing_key_env,omitempty" json:"signing_key_env,omitempty"`
}

// EnforcementConfig selects the enforcement backend.
type EnforcementConfig struct {
	// Backend is "log" (record only) or "process" (signals via x/sys/unix).
	Backend       string        `yaml:"backend" json:"backend" validate:"oneof=log process"`
	ActionTimeout time.Duration `yaml:"action_timeout" json:"action_timeout" validate:"gte=1ms"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr" validate:"required"`
	EnableWebsocket bool          `yaml:"enable_websocket" json:"enable_websocket"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// TelemetryConfig mirrors telemetry.Config for YAML.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" json:"service_name"`
	TraceExporter  string `yaml:"trace_exporter" json:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" json:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`
	OTLPInsecure   bool   `yaml:"otlp_insecure" json:"otlp_insecure"`
}

// ZeroTrustConfig drives the API-level admission chain.
type ZeroTrustConfig struct {
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	KnownIdentities   []string `yaml:"known_identities,omitempty" json:"known_identities,omitempty"`
	TrustedDevices    []string `yaml:"trusted_devices,omitempty" json:"trusted_devices,omitempty"`
	AllowedCIDRs      []string `yaml:"allowed_cidrs,omitempty" json:"allowed_cidrs,omitempty" validate:"dive,cidr"`
	RequestsPerSecond float64  `yaml:"requests_per_second" json:"requests_per_second" validate:"gt=0"`
	Burst             int      `yaml:"burst" json:"burst" validate:"gte=1"`
}

// CheckIdentities returns ErrNoKnownIdentities when z is enabled without
// any known identity.
func (z ZeroTrustConfig) CheckIdentities() error {
	if z.Enabled && len(z.KnownIdentities) == 0 {
		return ErrNoKnownIdentities
	}
	return nil
}

// InfluxConfig configures the InfluxDB event sink.
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url,omitempty" json:"url,omitempty" validate:"required_if=Enabled true"`
	Token   string `yaml:"token,omitempty" json:"-"`
	Org     string `yaml:"org,omitempty" json:"org,omitempty" validate:"required_if=Enabled true"`
	Bucket  string `yaml:"bucket,omitempty" json:"bucket,omitempty" validate:"required_if=Enabled true"`
}

// LoggingConfig mirrors logging.Config for YAML.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Dir    string `yaml:"dir,omitempty" json:"dir,omitempty"`
	Format string `yaml:"format" json:"format" validate:"oneof=auto text json"`
}

// DefaultAllowedEndpoints covers loopback and cluster-internal names.
var DefaultAllowedEndpoints = []string{"localhost", "127.0.0.1", "*.internal", "*.local"}

// DefaultSecurityConfig returns the default security policy.
//
// All four features are on, 50 workers, standard isolation and the limits
// cpu 80%, memory 512 MB, disk 1024 MB, network 10 MB/s, execution 300 s.
// Endpoints default to DefaultAllowedEndpoints.
func DefaultSecurityConfig() WorkerSecurityConfig {
	return WorkerSecurityConfig{
		EnableSandboxing:              true,
		EnableResourceMonitoring:      true,
		EnableCommunicationEncryption: true,
		EnableBehaviorAnalysis:        true,
		MaxWorkers:                    50,
		ResourceLimits: datatypes.ResourceLimits{
			MaxCPUPercent:       80,
			MaxMemoryMB:         512,
			MaxDiskMB:           1024,
			MaxNetworkMBps:      10,
			MaxExecutionTimeSec: 300,
		},
		IsolationLevel:    datatypes.IsolationStandard,
		SoftLimitRatio:    0.9,
		AllowedEndpoints:  append([]string(nil), DefaultAllowedEndpoints...),
		PolicyTTL:         24 * time.Hour,
		ValidationTimeout: 5 * time.Second,
	}
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() Config {
	return Config{
		Security: DefaultSecurityConfig(),
		Monitor: MonitorConfig{
			SampleInterval:        30 * time.Second,
			BehaviorInterval:      5 * time.Minute,
			PolicyRenewalInterval: 30 * time.Second,
			AuditPruneInterval:    time.Hour,
			SampleTimeout:         2 * time.Second,
			Source:                "simulated",
			ProcRoot:              "/proc",
		},
		Audit: AuditConfig{
			Retention:     7 * 24 * time.Hour,
			MaxHistory:    1000,
			SigningKeyEnv: "WARDEN_SESSION_KEY",
		},
		Enforcement: EnforcementConfig{
			Backend:       "log",
			ActionTimeout: 2 * time.Second,
		},
		Server: ServerConfig{
			Addr:            ":8420",
			EnableWebsocket: true,
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "warden",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
		ZeroTrust: ZeroTrustConfig{
			Enabled:           false,
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}
