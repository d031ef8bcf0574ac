// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package zerotrust admits API requests with the same chain and aggregator
// used for worker operations.
//
// # Description
//
// Four validators run on every request: identity, device, location and
// behavior-rate. Their factors are weighted by risk.DefaultWeights and the
// request is admitted only when risk.Decide allows it.
//
// # Thread Safety
//
// Evaluator is safe for concurrent use.
package zerotrust

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/netip"
	"sync"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/warden/services/warden/config"
	"github.com/AleutianAI/warden/services/warden/risk"
)

// Validator names.
const (
	NameIdentity = "identity"
	NameDevice   = "device"
	NameLocation = "location"
	NameRate     = "behavior-rate"
)

// Actions.
const (
	ActionIdentityRequired   = "identity-required"
	ActionIdentityRejected   = "identity-rejected"
	ActionIdentityVerified   = "identity-verified"
	ActionDeviceUntrusted    = "device-untrusted"
	ActionDeviceTrusted      = "device-trusted"
	ActionLocationDisallowed = "location-disallowed"
	ActionLocationAllowed    = "location-allowed"
	ActionRateLimited        = "rate-limited"
	ActionRateWithinLimit    = "rate-within-limit"
)

// Request is one API request as seen by the chain.
type Request struct {
	Identity string
	DeviceID string
	// RemoteAddr is the client IP without port.
	RemoteAddr string
	Method     string
	Path       string
}

// Evaluator runs the request chain.
type Evaluator struct {
	chain      *risk.Chain[Request]
	aggregator *risk.Aggregator
}

// NewEvaluator builds the chain from cfg.
//
// # Outputs
//
//   - error: config.ErrNoKnownIdentities if cfg is enabled without known
//     identities, or non-nil if an allowed CIDR does not parse.
func NewEvaluator(cfg config.ZeroTrustConfig) (*Evaluator, error) {
	if err := cfg.CheckIdentities(); err != nil {
		return nil, err
	}
	prefixes := make([]netip.Prefix, 0, len(cfg.AllowedCIDRs))
	for _, c := range cfg.AllowedCIDRs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("parse allowed cidr %q: %w", c, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return &Evaluator{
		chain: risk.NewChain[Request](
			Identity(cfg.KnownIdentities),
			Device(cfg.TrustedDevices),
			Location(prefixes),
			Rate(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		),
		aggregator: risk.NewAggregator(nil),
	}, nil
}

// Evaluate runs every validator and aggregates the result.
//
// A validator error fails closed with the validation-error factor.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (risk.Outcome, risk.Assessment) {
	out, err := e.chain.Run(ctx, req)
	if err != nil {
		return risk.FailClosed(risk.FactorValidationError)
	}
	return out, e.aggregator.Assess(out)
}

// =============================================================================
// Validators
// =============================================================================

// Identity requires a presented identity and, when known is non-empty,
// membership in known.
func Identity(known []string) risk.Validator[Request] {
	return risk.Func(NameIdentity, func(_ context.Context, r Request) (risk.Outcome, error) {
		var o risk.Outcome
		switch {
		case r.Identity == "":
			o.AddFactor(risk.FactorMissingIdentity)
			o.Block(ActionIdentityRequired)
		case len(known) > 0 && !containsConstantTime(known, r.Identity):
			o.AddFactor(risk.FactorUnknownIdentity)
			o.Block(ActionIdentityRejected)
		default:
			o.Allow(ActionIdentityVerified)
		}
		return o, nil
	})
}

// Device flags devices outside trusted when trusted is non-empty.
func Device(trusted []string) risk.Validator[Request] {
	set := make(map[string]struct{}, len(trusted))
	for _, d := range trusted {
		set[d] = struct{}{}
	}
	return risk.Func(NameDevice, func(_ context.Context, r Request) (risk.Outcome, error) {
		var o risk.Outcome
		if len(set) == 0 {
			o.Allow(ActionDeviceTrusted)
			return o, nil
		}
		if _, ok := set[r.DeviceID]; !ok {
			o.AddFactor(risk.FactorUntrustedDevice)
			o.Log(ActionDeviceUntrusted)
			return o, nil
		}
		o.Allow(ActionDeviceTrusted)
		return o, nil
	})
}

// Location flags client addresses outside allowed when allowed is non-empty.
// An unparsable address counts as outside.
func Location(allowed []netip.Prefix) risk.Validator[Request] {
	return risk.Func(NameLocation, func(_ context.Context, r Request) (risk.Outcome, error) {
		var o risk.Outcome
		if len(allowed) == 0 {
			o.Allow(ActionLocationAllowed)
			return o, nil
		}
		addr, err := netip.ParseAddr(r.RemoteAddr)
		if err == nil {
			addr = addr.Unmap()
			for _, p := range allowed {
				if p.Contains(addr) {
					o.Allow(ActionLocationAllowed)
					return o, nil
				}
			}
		}
		o.AddFactor(risk.FactorDisallowedLocation)
		o.Log(ActionLocationDisallowed)
		return o, nil
	})
}

// Rate blocks callers above their token-bucket budget.
//
// Callers are keyed by identity, or by address for anonymous requests.
// A non-positive limit disables limiting.
func Rate(limit rate.Limit, burst int) risk.Validator[Request] {
	l := newLimiters(limit, burst)
	return risk.Func(NameRate, func(_ context.Context, r Request) (risk.Outcome, error) {
		var o risk.Outcome
		key := r.Identity
		if key == "" {
			key = "addr:" + r.RemoteAddr
		}
		if !l.get(key).Allow() {
			o.AddFactor(risk.FactorRateLimitExceeded)
			o.Block(ActionRateLimited)
			return o, nil
		}
		o.Allow(ActionRateWithinLimit)
		return o, nil
	})
}

func containsConstantTime(list []string, v string) bool {
	found := 0
	for _, s := range list {
		found |= subtle.ConstantTimeCompare([]byte(s), []byte(v))
	}
	return found == 1
}

// =============================================================================
// Limiters
// =============================================================================

// maxLimiters bounds the per-caller limiter map.
const maxLimiters = 10000

type limiters struct {
	limit rate.Limit
	burst int

	mu sync.Mutex
	m  map[string]*rate.Limiter
}

func newLimiters(limit rate.Limit, burst int) *limiters {
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &limiters{limit: limit, burst: burst, m: make(map[string]*rate.Limiter)}
}

func (l *limiters) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.m[key]
	if !ok {
		if len(l.m) >= maxLimiters {
			// Dropping state only ever grants a fresh burst.
			l.m = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.m[key] = lim
	}
	return lim
}
