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

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// wardenValidate is the validator instance for warden datatypes.
// Initialized in init() with custom validators.
var wardenValidate *validator.Validate

func init() {
	wardenValidate = validator.New()

	_ = wardenValidate.RegisterValidation("isolation_level", validateIsolationLevel)
	_ = wardenValidate.RegisterValidation("endpoint_pattern", validateEndpointPattern)
}

// Validate runs struct-tag validation on v using the shared instance.
//
// # Description
//
// Used by the config loader, the HTTP handlers and the service entry
// points so that one set of custom rules applies everywhere.
//
// # Inputs
//
//   - v: Pointer to, or value of, a struct with validate tags.
//
// # Outputs
//
//   - error: validator.ValidationErrors on failure, nil otherwise.
func Validate(v any) error {
	return wardenValidate.Struct(v)
}

func validateIsolationLevel(fl validator.FieldLevel) bool {
	return IsolationLevel(fl.Field().String()).Valid()
}

func validateEndpointPattern(fl validator.FieldLevel) bool {
	return ValidateEndpointPattern(fl.Field().String()) == nil
}

// =============================================================================
// Endpoint Patterns
// =============================================================================

// ValidateEndpointPattern checks that pattern is an exact host name or a
// leading wildcard of the form "*.example.com".
func ValidateEndpointPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("endpoint pattern must not be empty")
	}
	if strings.ContainsAny(pattern, " /:") {
		return fmt.Errorf("endpoint pattern %q must be a bare host name", pattern)
	}
	if strings.Contains(pattern, "*") {
		if !strings.HasPrefix(pattern, "*.") || strings.Count(pattern, "*") != 1 {
			return fmt.Errorf("endpoint pattern %q: wildcard only allowed as leading \"*.\"", pattern)
		}
		if len(pattern) <= 2 {
			return fmt.Errorf("endpoint pattern %q: wildcard needs a suffix", pattern)
		}
	}
	return nil
}

// MatchEndpoint reports whether endpoint matches pattern.
//
// Matching is case-insensitive. "*.example.com" matches any subdomain of
// example.com but not example.com itself. A port on endpoint is ignored.
func MatchEndpoint(endpoint, pattern string) bool {
	host := strings.ToLower(endpoint)
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	pattern = strings.ToLower(pattern)

	if suffix, ok := strings.CutPrefix(pattern, "*"); ok {
		return strings.HasSuffix(host, suffix) && len(host) > len(suffix)
	}
	return host == pattern
}

// EndpointAllowed reports whether endpoint matches any of patterns.
func EndpointAllowed(endpoint string, patterns []string) bool {
	for _, p := range patterns {
		if MatchEndpoint(endpoint, p) {
			return true
		}
	}
	return false
}
