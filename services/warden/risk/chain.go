// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package risk implements the composable validator chain and risk aggregation.
//
// # Description
//
// A Chain runs every Validator against the same input and merges their
// Outcomes by concatenation. An Aggregator turns the merged risk factors into
// a score with a single weight table and decides admission:
//
//	allowed = score < Threshold && no blocked actions
//
// The chain is generic over its input so that worker operations and API
// requests share one implementation and one weight table.
//
// # Thread Safety
//
// Chain and Aggregator are immutable after construction and safe for
// concurrent use. Outcome values are not.
package risk

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/AleutianAI/warden/services/warden/datatypes"
)

// ErrValidatorPanic is wrapped by the error returned for a panicking validator.
var ErrValidatorPanic = errors.New("validator panicked")

// Outcome is the output of one validator, or the merge of several.
type Outcome struct {
	RiskFactors     []string `json:"risk_factors"`
	BlockedActions  []string `json:"blocked_actions"`
	AllowedActions  []string `json:"allowed_actions"`
	ModifiedActions []string `json:"modified_actions"`
	LoggedActions   []string `json:"logged_actions"`

	// Level is a floor for the assessed risk level. A validator that grades
	// its own findings (behavior analysis) raises it above the score bucket.
	Level datatypes.RiskLevel `json:"level,omitempty"`
	// Recommendations are validator-specific advice, merged with the
	// per-factor advice of the aggregator.
	Recommendations []string `json:"recommendations,omitempty"`
}

// AddFactor records a risk factor.
func (o *Outcome) AddFactor(f string) { o.RiskFactors = append(o.RiskFactors, f) }

// Block records a blocked action.
func (o *Outcome) Block(a string) { o.BlockedActions = append(o.BlockedActions, a) }

// Allow records an allowed action.
func (o *Outcome) Allow(a string) { o.AllowedActions = append(o.AllowedActions, a) }

// Modify records a modified action, such as a throttle.
func (o *Outcome) Modify(a string) { o.ModifiedActions = append(o.ModifiedActions, a) }

// Log records an action that was only logged.
func (o *Outcome) Log(a string) { o.LoggedActions = append(o.LoggedActions, a) }

// Raise lifts the level floor to l if l is higher.
func (o *Outcome) Raise(l datatypes.RiskLevel) {
	if l.Rank() > o.Level.Rank() {
		o.Level = l
	}
}

// Recommend records validator-specific advice.
func (o *Outcome) Recommend(r ...string) { o.Recommendations = append(o.Recommendations, r...) }

// Merge appends every list of other to o and keeps the higher level floor.
func (o *Outcome) Merge(other Outcome) {
	o.RiskFactors = append(o.RiskFactors, other.RiskFactors...)
	o.BlockedActions = append(o.BlockedActions, other.BlockedActions...)
	o.AllowedActions = append(o.AllowedActions, other.AllowedActions...)
	o.ModifiedActions = append(o.ModifiedActions, other.ModifiedActions...)
	o.LoggedActions = append(o.LoggedActions, other.LoggedActions...)
	o.Recommendations = append(o.Recommendations, other.Recommendations...)
	o.Raise(other.Level)
}

// HasFactor reports whether f is among the risk factors.
func (o Outcome) HasFactor(f string) bool {
	for _, rf := range o.RiskFactors {
		if rf == f {
			return true
		}
	}
	return false
}

// Validator inspects one input and reports risk.
//
// Expected conditions are reported as risk factors and actions, never as
// errors. An error means the validator itself could not run.
type Validator[T any] interface {
	Name() string
	Validate(ctx context.Context, in T) (Outcome, error)
}

// Func adapts a function to the Validator interface.
func Func[T any](name string, fn func(ctx context.Context, in T) (Outcome, error)) Validator[T] {
	return funcValidator[T]{name: name, fn: fn}
}

type funcValidator[T any] struct {
	name string
	fn   func(ctx context.Context, in T) (Outcome, error)
}

func (f funcValidator[T]) Name() string { return f.name }

func (f funcValidator[T]) Validate(ctx context.Context, in T) (Outcome, error) {
	return f.fn(ctx, in)
}

// ValidatorError identifies which validator failed.
type ValidatorError struct {
	Validator string
	Err       error
}

func (e *ValidatorError) Error() string {
	return fmt.Sprintf("validator %s: %v", e.Validator, e.Err)
}

func (e *ValidatorError) Unwrap() error { return e.Err }

// Chain runs an ordered list of validators.
type Chain[T any] struct {
	validators []Validator[T]
}

// NewChain builds a chain that runs validators in the given order.
func NewChain[T any](validators ...Validator[T]) *Chain[T] {
	return &Chain[T]{validators: append([]Validator[T](nil), validators...)}
}

// Names returns the validator names in run order.
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.validators))
	for i, v := range c.validators {
		names[i] = v.Name()
	}
	return names
}

// Run executes every validator and merges their outcomes.
//
// # Description
//
// Validators never short-circuit: a blocking outcome or an error from one
// validator does not stop the next. A panic is recovered and reported as a
// *ValidatorError wrapping ErrValidatorPanic.
//
// # Outputs
//
//   - Outcome: Concatenation of every successful validator's outcome.
//   - error: errors.Join of every validator failure, nil if all succeeded.
//     Callers must treat a non-nil error as fail-closed.
func (c *Chain[T]) Run(ctx context.Context, in T) (Outcome, error) {
	var merged Outcome
	var errs []error
	for _, v := range c.validators {
		out, err := runValidator(ctx, v, in)
		if err != nil {
			errs = append(errs, &ValidatorError{Validator: v.Name(), Err: err})
			continue
		}
		merged.Merge(out)
	}
	return merged, errors.Join(errs...)
}

func runValidator[T any](ctx context.Context, v Validator[T], in T) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrValidatorPanic, r, debug.Stack())
		}
	}()
	return v.Validate(ctx, in)
}
