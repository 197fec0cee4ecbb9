// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

// Package api exposes the analysis engine over HTTP: analyze, health,
// fairness report, index status and rebuild, plus Prometheus metrics.
package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/lumiderm/lumiderm/internal/logging"
)

// errorBody is the JSON error envelope for every non-2xx response.
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Error().Err(err).Msg("[API] Encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorBody{
		Error:   http.StatusText(status),
		Code:    code,
		Message: message,
	})
}
