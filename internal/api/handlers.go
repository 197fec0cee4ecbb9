// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/lumiderm/lumiderm/internal/classify"
	"github.com/lumiderm/lumiderm/internal/embedding"
	"github.com/lumiderm/lumiderm/internal/face"
	"github.com/lumiderm/lumiderm/internal/fairness"
	"github.com/lumiderm/lumiderm/internal/imaging"
	"github.com/lumiderm/lumiderm/internal/logging"
	"github.com/lumiderm/lumiderm/internal/pipeline"
	"github.com/lumiderm/lumiderm/internal/products"
	"github.com/lumiderm/lumiderm/internal/simindex"
	"github.com/lumiderm/lumiderm/internal/validation"
)

// Handler carries the serving dependencies for all endpoints.
type Handler struct {
	orch       *pipeline.Orchestrator
	index      *simindex.Index
	builder    *simindex.Builder
	evaluator  *fairness.Evaluator
	matcher    *products.Matcher
	generator  *embedding.Generator
	classifier *classify.Classifier

	maxPayload int64
}

// HandlerDeps bundles the handler's collaborators. Builder and Matcher
// are optional; their endpoints degrade when absent.
type HandlerDeps struct {
	Orchestrator *pipeline.Orchestrator
	Index        *simindex.Index
	Builder      *simindex.Builder
	Evaluator    *fairness.Evaluator
	Matcher      *products.Matcher
	Generator    *embedding.Generator
	Classifier   *classify.Classifier
	MaxPayload   int64
}

// NewHandler wires the endpoint handlers.
func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{
		orch:       deps.Orchestrator,
		index:      deps.Index,
		builder:    deps.Builder,
		evaluator:  deps.Evaluator,
		matcher:    deps.Matcher,
		generator:  deps.Generator,
		classifier: deps.Classifier,
		maxPayload: deps.MaxPayload,
	}
}

// analyzeResponse is the analyze payload: the analysis result plus
// product recommendations derived from the fused conditions.
type analyzeResponse struct {
	*pipeline.AnalysisResult
	Recommendations []products.ScoredProduct `json:"recommendations"`
}

// Analyze accepts an image either as a raw request body or as the
// "image" part of a multipart form. The optional demographics hint comes
// from form values or query parameters.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	payload, hint, ok := h.readAnalyzeRequest(w, r)
	if !ok {
		return
	}

	res, err := h.orch.Analyze(r.Context(), payload, hint)
	if err != nil {
		status, code := statusFor(err)
		respondError(w, status, code, err.Error())
		return
	}

	resp := analyzeResponse{
		AnalysisResult:  res,
		Recommendations: []products.ScoredProduct{},
	}
	if h.matcher != nil {
		resp.Recommendations = h.matcher.Recommend(res.Conditions)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) readAnalyzeRequest(w http.ResponseWriter, r *http.Request) ([]byte, *pipeline.DemographicsHint, bool) {
	// Cap one byte above the configured ceiling so the preconditioner
	// still sees the oversized length and owns the rejection.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload+1)

	var (
		payload []byte
		hint    pipeline.DemographicsHint
		err     error
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		file, _, ferr := r.FormFile("image")
		if ferr != nil {
			// FormFile parses the whole body, so an oversized upload
			// surfaces here rather than as a missing part.
			var tooLarge *http.MaxBytesError
			if errors.As(ferr, &tooLarge) {
				respondError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
					imaging.ErrPayloadTooLarge.Error())
				return nil, nil, false
			}
			respondError(w, http.StatusBadRequest, "MISSING_IMAGE", "multipart form needs an image part")
			return nil, nil, false
		}
		defer file.Close()
		payload, err = io.ReadAll(file)
		hint.AgeBracket = r.FormValue("age_bracket")
		hint.Ethnicity = r.FormValue("ethnicity")
	} else {
		payload, err = io.ReadAll(r.Body)
		hint.AgeBracket = r.URL.Query().Get("age_bracket")
		hint.Ethnicity = r.URL.Query().Get("ethnicity")
	}

	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
				imaging.ErrPayloadTooLarge.Error())
			return nil, nil, false
		}
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "unreadable request body")
		return nil, nil, false
	}

	if verr := validation.Struct(&hint); verr != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error())
		return nil, nil, false
	}

	var hintPtr *pipeline.DemographicsHint
	if hint.AgeBracket != "" || hint.Ethnicity != "" {
		hintPtr = &hint
	}
	return payload, hintPtr, true
}

// healthResponse reports component readiness.
type healthResponse struct {
	Status string          `json:"status"`
	Model  modelHealth     `json:"model"`
	Index  simindex.Status `json:"index"`
}

type modelHealth struct {
	EmbeddingVersion  string `json:"embedding_version"`
	ClassifierVersion string `json:"classifier_version"`
	Dim               int    `json:"dim"`
}

// Health reports readiness. An unavailable index degrades the status
// but the endpoint stays 200: the server can still analyze.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	idx := h.index.Status()

	status := "ok"
	if !idx.Available {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, healthResponse{
		Status: status,
		Model: modelHealth{
			EmbeddingVersion:  h.generator.ModelVersion(),
			ClassifierVersion: h.classifier.ModelVersion(),
			Dim:               h.generator.Dim(),
		},
		Index: idx,
	})
}

// FairnessReport serves the current sliding-window fairness snapshot.
func (h *Handler) FairnessReport(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.evaluator.Report())
}

// IndexStatus serves the published snapshot metadata.
func (h *Handler) IndexStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.index.Status())
}

// IndexRebuild triggers a synchronous rebuild from the case store.
func (h *Handler) IndexRebuild(w http.ResponseWriter, r *http.Request) {
	if h.builder == nil {
		respondError(w, http.StatusServiceUnavailable, "NO_CASE_STORE",
			"no reference case store configured")
		return
	}

	status, err := h.builder.Rebuild(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("[API] Index rebuild failed")
		respondError(w, http.StatusInternalServerError, "REBUILD_FAILED", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// statusFor maps pipeline failures onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, imaging.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"
	case errors.Is(err, imaging.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, "UNSUPPORTED_FORMAT"
	case errors.Is(err, face.ErrNoFaceDetected):
		return http.StatusUnprocessableEntity, "NO_FACE_DETECTED"
	case errors.Is(err, embedding.ErrModelUnavailable):
		return http.StatusServiceUnavailable, "MODEL_UNAVAILABLE"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
