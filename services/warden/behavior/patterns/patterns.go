// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patterns embeds the static threat-pattern table.
package patterns

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/warden/services/warden/datatypes"
)

//go:embed threat_patterns.yaml
var threatPatternsYAML []byte

// Pattern grades one anomaly type.
type Pattern struct {
	Type           datatypes.AnomalyType `yaml:"type" validate:"required"`
	Severity       int                   `yaml:"severity" validate:"gte=1,lte=10"`
	Confidence     float64               `yaml:"confidence" validate:"gte=0,lte=100"`
	Description    string                `yaml:"description"`
	Recommendation string                `yaml:"recommendation"`
}

type file struct {
	Patterns []Pattern `yaml:"patterns" validate:"required,dive"`
}

// Table indexes patterns by anomaly type.
type Table map[datatypes.AnomalyType]Pattern

// Parse decodes and validates a pattern document.
func Parse(data []byte) (Table, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse threat patterns: %w", err)
	}
	if err := datatypes.Validate(f); err != nil {
		return nil, fmt.Errorf("validate threat patterns: %w", err)
	}
	t := make(Table, len(f.Patterns))
	for _, p := range f.Patterns {
		if _, dup := t[p.Type]; dup {
			return nil, fmt.Errorf("duplicate threat pattern %q", p.Type)
		}
		t[p.Type] = p
	}
	return t, nil
}

// Default returns the embedded table. It panics if the embedded document is
// malformed, which the package tests rule out.
func Default() Table {
	t, err := Parse(threatPatternsYAML)
	if err != nil {
		panic(err)
	}
	return t
}
