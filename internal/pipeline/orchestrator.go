// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lumiderm/lumiderm/internal/analyzers"
	"github.com/lumiderm/lumiderm/internal/classify"
	"github.com/lumiderm/lumiderm/internal/config"
	"github.com/lumiderm/lumiderm/internal/embedding"
	"github.com/lumiderm/lumiderm/internal/face"
	"github.com/lumiderm/lumiderm/internal/fairness"
	"github.com/lumiderm/lumiderm/internal/imaging"
	"github.com/lumiderm/lumiderm/internal/logging"
	"github.com/lumiderm/lumiderm/internal/metrics"
	"github.com/lumiderm/lumiderm/internal/simindex"
)

// Orchestrator drives one analysis request end to end. All collaborators
// are read-only or internally synchronized, so a single orchestrator
// serves concurrent requests.
type Orchestrator struct {
	pre        *imaging.Preconditioner
	isolator   *face.Isolator
	features   *analyzers.Engine
	generator  *embedding.Generator
	classifier *classify.Classifier
	index      *simindex.Index
	evaluator  *fairness.Evaluator
	adjuster   *fairness.Adjuster
	events     *EventPublisher

	weights        config.FusionWeights
	requestTimeout time.Duration
	topK           int

	analysisID atomic.Uint64
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Preconditioner *imaging.Preconditioner
	Isolator       *face.Isolator
	Features       *analyzers.Engine
	Generator      *embedding.Generator
	Classifier     *classify.Classifier
	Index          *simindex.Index
	Evaluator      *fairness.Evaluator
	Adjuster       *fairness.Adjuster
	Events         *EventPublisher
}

// NewOrchestrator wires an orchestrator. Fusion weights are normalized
// once here and never again at request time.
func NewOrchestrator(cfg *config.Config, deps Deps) *Orchestrator {
	weights := cfg.Pipeline.FusionWeights.Normalize()

	topK := cfg.Index.TopK
	if topK <= 0 {
		topK = 5
	}

	return &Orchestrator{
		pre:            deps.Preconditioner,
		isolator:       deps.Isolator,
		features:       deps.Features,
		generator:      deps.Generator,
		classifier:     deps.Classifier,
		index:          deps.Index,
		evaluator:      deps.Evaluator,
		adjuster:       deps.Adjuster,
		events:         deps.Events,
		weights:        weights,
		requestTimeout: cfg.Pipeline.RequestTimeout,
		topK:           topK,
	}
}

// Analyze runs the full pipeline over one image payload. On failure no
// result is returned: a request without a face or a model produces
// nothing to persist.
func (o *Orchestrator) Analyze(ctx context.Context, payload []byte, hint *DemographicsHint) (*AnalysisResult, error) {
	start := time.Now()

	if o.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.requestTimeout)
		defer cancel()
	}

	res := &AnalysisResult{
		AnalysisID: o.analysisID.Add(1),
		RequestID:  uuid.NewString(),
		State:      StateReceived,
	}

	log := logging.With().
		Uint64("analysis_id", res.AnalysisID).
		Str("request_id", res.RequestID).
		Logger()

	// Cheap rejections first: no model work happens past this point
	// unless the payload is valid.
	buf, err := o.precondition(payload)
	if err != nil {
		return nil, o.fail(&log, res, err, start)
	}

	aligned, err := o.isolate(ctx, buf)
	if err != nil {
		return nil, o.fail(&log, res, err, start)
	}
	res.State = StateFaceIsolated
	res.Face = aligned.Region

	reports, emb, err := o.extract(ctx, aligned)
	if err != nil {
		return nil, o.fail(&log, res, err, start)
	}
	res.State = StateFeaturesExtracted
	res.Features = reports
	res.Embedding = EmbeddingRef{ModelVersion: emb.ModelVersion, Dim: emb.Dim()}
	for _, r := range reports {
		if r.Degraded {
			res.DegradedAnalyzers = append(res.DegradedAnalyzers, r.Analyzer)
		}
	}

	pred, matches, matchesReason, err := o.classifyAndSearch(ctx, emb)
	if err != nil {
		return nil, o.fail(&log, res, err, start)
	}
	res.State = StateClassified
	res.Demographics = pred.Demographics
	res.Matches = matches
	res.MatchesReason = matchesReason

	fuseStart := time.Now()
	res.Conditions = fuseConditions(pred.Conditions, reports, o.weights)
	metrics.StageDuration.WithLabelValues("fuse").Observe(time.Since(fuseStart).Seconds())
	res.State = StateFused

	o.accountFairness(res, hint)

	res.State = StateComplete
	res.CompletedAt = time.Now().UTC()
	res.Latency = time.Since(start)

	metrics.AnalysisDuration.Observe(res.Latency.Seconds())
	metrics.AnalysisTotal.WithLabelValues("complete").Inc()
	log.Info().
		Int("conditions", len(res.Conditions)).
		Int("matches", len(res.Matches)).
		Strs("degraded", res.DegradedAnalyzers).
		Dur("latency", res.Latency).
		Msg("[PIPELINE] Analysis complete")

	o.publishCompleted(res)
	return res, nil
}

func (o *Orchestrator) precondition(payload []byte) (*imaging.ImageBuffer, error) {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("precondition").Observe(time.Since(start).Seconds())
	}()
	return o.pre.Process(payload)
}

func (o *Orchestrator) isolate(ctx context.Context, buf *imaging.ImageBuffer) (*face.AlignedFace, error) {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("face").Observe(time.Since(start).Seconds())
	}()
	return o.isolator.Isolate(ctx, buf.Pixels)
}

// extract fans the analyzers and the embedding generator out
// concurrently. Analyzer failures degrade; an embedding failure fails
// the request.
func (o *Orchestrator) extract(ctx context.Context, aligned *face.AlignedFace) ([]analyzers.FeatureReport, *embedding.Embedding, error) {
	var (
		wg      sync.WaitGroup
		reports []analyzers.FeatureReport
		emb     *embedding.Embedding
		embErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		reports = o.features.Analyze(ctx, aligned)
	}()
	go func() {
		defer wg.Done()
		emb, embErr = o.generator.Generate(ctx, aligned)
	}()
	wg.Wait()

	if embErr != nil {
		return nil, nil, embErr
	}
	return reports, emb, nil
}

// classifyAndSearch runs the classifier and the similarity query
// concurrently once the embedding exists. An unavailable index degrades
// the matches; a classifier failure fails the request.
func (o *Orchestrator) classifyAndSearch(ctx context.Context, emb *embedding.Embedding) (*classify.Prediction, []simindex.SimilarityMatch, string, error) {
	var (
		wg       sync.WaitGroup
		pred     *classify.Prediction
		predErr  error
		matches  []simindex.SimilarityMatch
		matchErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		start := time.Now()
		pred, predErr = o.classifier.Predict(ctx, emb)
		metrics.StageDuration.WithLabelValues("classify").Observe(time.Since(start).Seconds())
	}()
	go func() {
		defer wg.Done()
		matches, matchErr = o.index.Query(ctx, emb.Vector, o.topK, simindex.Filters{})
	}()
	wg.Wait()

	if predErr != nil {
		return nil, nil, "", predErr
	}

	reason := ""
	switch {
	case matchErr == nil:
	case errors.Is(matchErr, simindex.ErrIndexUnavailable):
		matches = []simindex.SimilarityMatch{}
		reason = ReasonIndexUnavailable
	default:
		return nil, nil, "", matchErr
	}

	return pred, matches, reason, nil
}

// accountFairness records window outcomes, applies the optional bounded
// adjustment, and attaches the fairness report.
func (o *Orchestrator) accountFairness(res *AnalysisResult, hint *DemographicsHint) {
	group := res.Demographics.Ethnicity
	if hint != nil && hint.Ethnicity != "" {
		group = hint.Ethnicity
	}
	if group == "" || o.evaluator == nil {
		return
	}

	emitted := make(map[string]bool, len(res.Conditions))
	for _, c := range res.Conditions {
		emitted[c.Label] = true
	}

	outcomes := make([]fairness.Outcome, 0, len(o.classifier.Conditions()))
	for _, label := range o.classifier.Conditions() {
		outcomes = append(outcomes, fairness.Outcome{
			Group:     group,
			Condition: label,
			Positive:  emitted[label],
		})
	}
	o.evaluator.Record(outcomes...)

	if o.adjuster != nil && o.adjuster.Enabled() {
		tmp := &classify.Prediction{Conditions: res.Conditions}
		res.Adjustments = o.adjuster.Adjust(tmp, group)
		res.Conditions = tmp.Conditions

		// Adjustment moves confidences, so the fused ordering can go
		// stale. Restore it before anything reads the top entry.
		sort.Slice(res.Conditions, func(i, j int) bool {
			if res.Conditions[i].Confidence != res.Conditions[j].Confidence {
				return res.Conditions[i].Confidence > res.Conditions[j].Confidence
			}
			return res.Conditions[i].Label < res.Conditions[j].Label
		})
	}

	res.Fairness = o.evaluator.Report()
}

// fail records the terminal FAILED transition and maps the cause onto
// the failure-reason metric.
func (o *Orchestrator) fail(log *zerolog.Logger, res *AnalysisResult, err error, start time.Time) error {
	res.State = StateFailed

	reason := failureReason(err)
	metrics.AnalysisTotal.WithLabelValues("failed").Inc()
	metrics.AnalysisFailures.WithLabelValues(reason).Inc()

	log.Warn().
		Err(err).
		Str("reason", reason).
		Dur("latency", time.Since(start)).
		Msg("[PIPELINE] Analysis failed")

	return err
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, imaging.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, imaging.ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, face.ErrNoFaceDetected):
		return "no_face"
	case errors.Is(err, embedding.ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal"
	}
}

func (o *Orchestrator) publishCompleted(res *AnalysisResult) {
	labels := make([]string, len(res.Conditions))
	for i, c := range res.Conditions {
		labels[i] = c.Label
	}

	ev := &CompletedEvent{
		AnalysisID:        res.AnalysisID,
		RequestID:         res.RequestID,
		State:             string(res.State),
		LatencyMS:         float64(res.Latency.Microseconds()) / 1000,
		Conditions:        labels,
		DegradedAnalyzers: res.DegradedAnalyzers,
		Matches:           len(res.Matches),
		MatchesReason:     res.MatchesReason,
		Group:             res.Demographics.Ethnicity,
		CompletedAt:       res.CompletedAt,
	}
	if len(res.Conditions) > 0 {
		ev.TopConfidence = res.Conditions[0].Confidence
	}

	o.events.PublishCompleted(ev)
}
