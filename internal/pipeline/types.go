// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

// Package pipeline orchestrates one analysis request through the state
// machine RECEIVED, FACE_ISOLATED, FEATURES_EXTRACTED, CLASSIFIED, FUSED,
// COMPLETE, with FAILED reachable from any state. Within a request the
// feature analyzers and the embedding generator fan out concurrently;
// the classifier and the similarity query fan out once the embedding
// exists.
package pipeline

import (
	"time"

	"github.com/lumiderm/lumiderm/internal/analyzers"
	"github.com/lumiderm/lumiderm/internal/classify"
	"github.com/lumiderm/lumiderm/internal/face"
	"github.com/lumiderm/lumiderm/internal/fairness"
	"github.com/lumiderm/lumiderm/internal/simindex"
)

// State is a pipeline lifecycle state.
type State string

const (
	StateReceived          State = "RECEIVED"
	StateFaceIsolated      State = "FACE_ISOLATED"
	StateFeaturesExtracted State = "FEATURES_EXTRACTED"
	StateClassified        State = "CLASSIFIED"
	StateFused             State = "FUSED"
	StateComplete          State = "COMPLETE"
	StateFailed            State = "FAILED"
)

// ReasonIndexUnavailable distinguishes "couldn't search" from "no
// matches found" in the result payload.
const ReasonIndexUnavailable = "index_unavailable"

// DemographicsHint is the optional caller-provided demographic context.
// It biases only the fairness grouping; it never gates a prediction.
type DemographicsHint struct {
	AgeBracket string `json:"age_bracket,omitempty" validate:"omitempty,max=16"`
	Ethnicity  string `json:"ethnicity,omitempty" validate:"omitempty,max=32"`
}

// EmbeddingRef identifies the embedding without carrying the vector in
// the result payload.
type EmbeddingRef struct {
	ModelVersion string `json:"model_version"`
	Dim          int    `json:"dim"`
}

// AnalysisResult is the root aggregate for one request. Immutable after
// fusion completes; persisted by an external store keyed by AnalysisID.
type AnalysisResult struct {
	// AnalysisID is process-monotonic.
	AnalysisID uint64 `json:"analysis_id"`

	// RequestID is the externally correlatable UUID.
	RequestID string `json:"request_id"`

	State State `json:"state"`

	Face      face.FaceRegion `json:"face"`
	Embedding EmbeddingRef    `json:"embedding"`

	// Features carries the per-analyzer reports, degraded ones included.
	Features []analyzers.FeatureReport `json:"features"`

	// Conditions is the fused prediction list, confidence descending.
	Conditions []classify.ConditionPrediction `json:"conditions"`

	Demographics classify.DemographicEstimate `json:"demographics"`

	// Matches is the similarity result; empty with MatchesReason set
	// when the index could not be searched.
	Matches       []simindex.SimilarityMatch `json:"matches"`
	MatchesReason string                     `json:"matches_reason,omitempty"`

	Fairness    *fairness.Report            `json:"fairness,omitempty"`
	Adjustments []fairness.AdjustmentRecord `json:"adjustments,omitempty"`

	// DegradedAnalyzers lists analyzers that contributed nothing.
	DegradedAnalyzers []string `json:"degraded_analyzers,omitempty"`

	CompletedAt time.Time     `json:"completed_at"`
	Latency     time.Duration `json:"latency"`
}
