// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

// Package simindex maintains the reference-case similarity index: an
// immutable in-memory snapshot of corpus embeddings searched by exact
// cosine scan. Rebuilds construct a fresh snapshot and publish it
// atomically, so concurrent queries never observe a half-built index.
package simindex

import (
	"errors"
	"time"
)

// ErrIndexUnavailable is returned when no snapshot has been published
// yet. Requests proceed without similarity data rather than failing.
var ErrIndexUnavailable = errors.New("similarity index unavailable")

// ReferenceCase is one pre-indexed corpus entry. Immutable at query time.
type ReferenceCase struct {
	// ID is the stable case identifier, also the tie-break key.
	ID string `json:"id"`

	// Embedding is the L2-normalized corpus vector.
	Embedding []float32 `json:"embedding"`

	// ModelVersion tags the embedding's generator. Queries against a
	// different model version are meaningless and are rejected at build.
	ModelVersion string `json:"model_version"`

	// Condition is the labeled condition of the reference case.
	Condition string `json:"condition"`

	// AgeBracket and Ethnicity carry the demographic metadata used for
	// filtered queries and fairness slicing.
	AgeBracket string `json:"age_bracket,omitempty"`
	Ethnicity  string `json:"ethnicity,omitempty"`
}

// SimilarityMatch is one query hit, ordered descending by score with
// case-ID tie-break.
type SimilarityMatch struct {
	CaseID     string  `json:"case_id"`
	Similarity float64 `json:"similarity"`
	Condition  string  `json:"condition"`
}

// Filters restricts a query to reference cases matching every non-empty
// field.
type Filters struct {
	Condition  string `json:"condition,omitempty" validate:"omitempty,alphanumunicode"`
	AgeBracket string `json:"age_bracket,omitempty"`
	Ethnicity  string `json:"ethnicity,omitempty"`
}

func (f Filters) matches(c *ReferenceCase) bool {
	if f.Condition != "" && f.Condition != c.Condition {
		return false
	}
	if f.AgeBracket != "" && f.AgeBracket != c.AgeBracket {
		return false
	}
	if f.Ethnicity != "" && f.Ethnicity != c.Ethnicity {
		return false
	}
	return true
}

// Status describes the currently published snapshot for the status API.
type Status struct {
	Available    bool      `json:"available"`
	Epoch        uint64    `json:"epoch"`
	Cases        int       `json:"cases"`
	ModelVersion string    `json:"model_version,omitempty"`
	BuiltAt      time.Time `json:"built_at,omitempty"`
}
