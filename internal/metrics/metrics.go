// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

// Package metrics provides Prometheus instrumentation for the analysis
// pipeline: request latency, per-stage durations, model inference counts,
// analyzer degradation, similarity index state, and fairness gaps.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Analysis pipeline metrics
	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analysis_duration_seconds",
			Help:    "End-to-end analysis request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
	)

	AnalysisTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_requests_total",
			Help: "Total analysis requests by terminal state",
		},
		[]string{"state"}, // "complete", "failed"
	)

	AnalysisFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_failures_total",
			Help: "Total analysis failures by error kind",
		},
		[]string{"reason"}, // "no_face", "model_unavailable", "payload_too_large", "unsupported_format"
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analysis_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"}, // "precondition", "face", "features", "classify", "fuse"
	)

	// ModelInferences counts every model invocation. Rejected payloads must
	// never increment this counter.
	ModelInferences = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_inferences_total",
			Help: "Total model inference invocations",
		},
		[]string{"model"}, // "detector_primary", "detector_fallback", "embedding", "classifier"
	)

	AnalyzerDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyzer_degraded_total",
			Help: "Total analyzer runs that degraded to confidence zero",
		},
		[]string{"analyzer"},
	)

	PredictionConfidence = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prediction_confidence",
			Help:    "Fused confidence of emitted condition predictions",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
		[]string{"condition"},
	)

	// Similarity index metrics
	IndexQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "index_query_duration_seconds",
			Help:    "Similarity index query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	IndexSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "index_reference_cases",
			Help: "Reference cases in the published index snapshot",
		},
	)

	IndexEpoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "index_epoch",
			Help: "Epoch of the published index snapshot (increments on swap)",
		},
	)

	IndexUnavailableQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "index_unavailable_queries_total",
			Help: "Queries attempted while no index snapshot was published",
		},
	)

	// Fairness metrics
	FairnessParityGap = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fairness_demographic_parity_gap",
			Help: "Demographic parity gap per condition over the sliding window",
		},
		[]string{"condition"},
	)

	FairnessAdjustments = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fairness_adjustments_total",
			Help: "Post-hoc per-group confidence adjustments applied",
		},
	)

	// HTTP API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)
)

// ObserveAPIRequest records a completed API request.
func ObserveAPIRequest(method, endpoint string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
