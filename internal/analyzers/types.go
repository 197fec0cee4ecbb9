// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

// Package analyzers holds the classical feature extractors that run in
// parallel alongside the learned pipeline: surface texture, pore
// visibility, wrinkle lines and pigmentation variation. Each analyzer is a
// pure function of the aligned face crop; a panicking or timed-out
// analyzer degrades to a zero-confidence report instead of failing the
// request.
package analyzers

import (
	"context"

	"github.com/lumiderm/lumiderm/internal/face"
)

// Analyzer names. These appear in reports, metrics labels and fusion
// weight configuration.
const (
	NameTexture      = "texture"
	NamePore         = "pore"
	NameWrinkle      = "wrinkle"
	NamePigmentation = "pigmentation"
)

// FeatureReport is the result of one analyzer over one aligned crop.
type FeatureReport struct {
	// Analyzer identifies which extractor produced the report.
	Analyzer string `json:"analyzer"`

	// Score is the severity signal in [0,1]. Higher means more of the
	// analyzer's target trait (rougher texture, denser pores, ...).
	Score float64 `json:"score"`

	// Confidence is the analyzer's self-assessed reliability in [0,1].
	// Degraded reports carry zero confidence so fusion ignores them.
	Confidence float64 `json:"confidence"`

	// Degraded is set when the analyzer panicked or timed out and the
	// report is a placeholder.
	Degraded bool `json:"degraded,omitempty"`

	// Details carries analyzer-specific measurements for the report
	// payload. Keys are stable per analyzer.
	Details map[string]float64 `json:"details,omitempty"`
}

// Analyzer extracts one classical feature family from an aligned crop.
// Implementations must be deterministic and must not retain the crop.
type Analyzer interface {
	// Name returns the analyzer identifier used in reports and config.
	Name() string

	// Analyze computes the feature report for the crop.
	Analyze(ctx context.Context, aligned *face.AlignedFace) (FeatureReport, error)
}
