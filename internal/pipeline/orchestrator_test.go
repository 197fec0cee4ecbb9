// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lumiderm/lumiderm/internal/analyzers"
	"github.com/lumiderm/lumiderm/internal/classify"
	"github.com/lumiderm/lumiderm/internal/config"
	"github.com/lumiderm/lumiderm/internal/embedding"
	"github.com/lumiderm/lumiderm/internal/face"
	"github.com/lumiderm/lumiderm/internal/fairness"
	"github.com/lumiderm/lumiderm/internal/imaging"
	"github.com/lumiderm/lumiderm/internal/metrics"
	"github.com/lumiderm/lumiderm/internal/simindex"
)

// testDeps holds the orchestrator plus the collaborators the tests poke
// at directly.
type testDeps struct {
	orch      *Orchestrator
	index     *simindex.Index
	evaluator *fairness.Evaluator
	pre       *imaging.Preconditioner
	isolator  *face.Isolator
	generator *embedding.Generator
}

// acneBiasedHeads returns heads with zero weights and biases that emit
// acne at sigmoid(2.0) ~ 0.88 and suppress everything else, with fixed
// demographic estimates.
func acneBiasedHeads(dim int) *classify.Heads {
	h := &classify.Heads{
		ModelVersion:        "test-v1",
		Dim:                 dim,
		Conditions:          append([]string(nil), classify.DefaultConditionLabels...),
		AgeBrackets:         append([]string(nil), classify.DefaultAgeBrackets...),
		EthnicityCategories: append([]string(nil), classify.DefaultEthnicityCategories...),
	}

	k := len(h.Conditions)
	a := len(h.AgeBrackets)
	e := len(h.EthnicityCategories)

	h.ConditionWeight = make([]float32, k*dim)
	h.ConditionBias = make([]float32, k)
	for i := range h.ConditionBias {
		h.ConditionBias[i] = -10
	}
	h.ConditionBias[0] = 2.0 // acne

	h.SeverityWeight = make([]float32, k*3*dim)
	h.SeverityBias = make([]float32, k*3)

	h.AgeWeight = make([]float32, a*dim)
	h.AgeBias = make([]float32, a)
	h.AgeBias[1] = 1 // 18-29

	h.EthWeight = make([]float32, e*dim)
	h.EthBias = make([]float32, e)
	h.EthBias[2] = 1 // type_iii

	return h
}

func newTestDeps(t *testing.T, cfg *config.Config) *testDeps {
	t.Helper()

	heads := acneBiasedHeads(32)
	classifier, err := classify.NewClassifierFromHeads(heads, cfg.Classify)
	if err != nil {
		t.Fatalf("NewClassifierFromHeads() error = %v", err)
	}

	generator, err := embedding.NewGeneratorFromWeights(
		embedding.NewRandomWeights("test-v1", 32, 8, 4, 32, 42))
	if err != nil {
		t.Fatalf("NewGeneratorFromWeights() error = %v", err)
	}

	pre := imaging.NewPreconditioner(cfg.Imaging)
	isolator := face.NewIsolator(cfg.Face)
	index := simindex.NewIndex(2)
	evaluator := fairness.NewEvaluator(cfg.Fairness)

	orch := NewOrchestrator(cfg, Deps{
		Preconditioner: pre,
		Isolator:       isolator,
		Features:       analyzers.NewDefaultEngine(cfg.Pipeline.SubtaskTimeout),
		Generator:      generator,
		Classifier:     classifier,
		Index:          index,
		Evaluator:      evaluator,
		Adjuster:       fairness.NewAdjuster(cfg.Fairness, evaluator),
		Events:         nil,
	})

	return &testDeps{
		orch:      orch,
		index:     index,
		evaluator: evaluator,
		pre:       pre,
		isolator:  isolator,
		generator: generator,
	}
}

func fillTestRect(img *image.NRGBA, rect image.Rectangle, c color.NRGBA) {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
}

// facePayload encodes a synthetic face image: green background, a
// skin-toned block with two dark eye dots, PNG-encoded.
func facePayload(t *testing.T) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, 200, 200))
	fillTestRect(img, img.Rect, color.NRGBA{R: 30, G: 160, B: 40, A: 255})

	faceBox := image.Rect(48, 40, 152, 168)
	skin := color.NRGBA{R: 210, G: 150, B: 120, A: 255}
	fillTestRect(img, faceBox, skin)

	eyeY := faceBox.Min.Y + faceBox.Dy()*38/100
	leftX := faceBox.Min.X + faceBox.Dx()*30/100
	rightX := faceBox.Min.X + faceBox.Dx()*70/100
	dark := color.NRGBA{R: 20, G: 15, B: 12, A: 255}
	fillTestRect(img, image.Rect(leftX-2, eyeY-2, leftX+2, eyeY+2), dark)
	fillTestRect(img, image.Rect(rightX-2, eyeY-2, rightX+2, eyeY+2), dark)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func landscapePayload(t *testing.T) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, 160, 120))
	fillTestRect(img, img.Rect, color.NRGBA{R: 40, G: 170, B: 60, A: 255})

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

// referenceEmbedding runs the preconditioning, isolation and embedding
// stages directly, outside the orchestrator, to seed the index with the
// exact vector a full analysis of the same payload will produce.
func referenceEmbedding(t *testing.T, d *testDeps, payload []byte) *embedding.Embedding {
	t.Helper()

	buf, err := d.pre.Process(payload)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	aligned, err := d.isolator.Isolate(context.Background(), buf.Pixels)
	if err != nil {
		t.Fatalf("Isolate() error = %v", err)
	}
	emb, err := d.generator.Generate(context.Background(), aligned)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	return emb
}

func TestAnalyzeEndToEnd(t *testing.T) {
	cfg := config.DefaultConfig()
	d := newTestDeps(t, cfg)

	payload := facePayload(t)
	ref := referenceEmbedding(t, d, payload)
	d.index.Publish([]simindex.ReferenceCase{
		{ID: "case-self", Embedding: ref.Vector, ModelVersion: "test-v1", Condition: "acne"},
		{ID: "case-other", Embedding: make([]float32, 32), ModelVersion: "test-v1", Condition: "eczema"},
	}, "test-v1")

	res, err := d.orch.Analyze(context.Background(), payload, nil)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if res.State != StateComplete {
		t.Errorf("State = %q, want %q", res.State, StateComplete)
	}
	if res.AnalysisID == 0 || res.RequestID == "" {
		t.Errorf("missing identifiers: id=%d request=%q", res.AnalysisID, res.RequestID)
	}
	if res.Embedding.Dim != 32 || res.Embedding.ModelVersion != "test-v1" {
		t.Errorf("Embedding ref = %+v", res.Embedding)
	}
	if len(res.Features) != 4 {
		t.Errorf("len(Features) = %d, want 4", len(res.Features))
	}

	if len(res.Conditions) != 1 || res.Conditions[0].Label != "acne" {
		t.Fatalf("Conditions = %+v, want only acne", res.Conditions)
	}
	if res.Conditions[0].Confidence <= 0.5 {
		t.Errorf("fused acne confidence = %.4f, want > 0.5", res.Conditions[0].Confidence)
	}
	if res.Conditions[0].Severity == "" {
		t.Error("empty severity on emitted condition")
	}

	if res.Demographics.AgeBracket != "18-29" || res.Demographics.Ethnicity != "type_iii" {
		t.Errorf("Demographics = %+v", res.Demographics)
	}

	if res.MatchesReason != "" {
		t.Errorf("MatchesReason = %q with a published index", res.MatchesReason)
	}
	if len(res.Matches) == 0 {
		t.Fatal("no similarity matches against a published index")
	}
	if res.Matches[0].CaseID != "case-self" {
		t.Errorf("top match = %q, want case-self", res.Matches[0].CaseID)
	}
	if res.Matches[0].Similarity < 0.99 {
		t.Errorf("self similarity = %.4f, want ~1", res.Matches[0].Similarity)
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	cfg := config.DefaultConfig()
	d := newTestDeps(t, cfg)
	payload := facePayload(t)

	first, err := d.orch.Analyze(context.Background(), payload, nil)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	second, err := d.orch.Analyze(context.Background(), payload, nil)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if len(first.Conditions) != len(second.Conditions) {
		t.Fatalf("condition counts differ: %d vs %d", len(first.Conditions), len(second.Conditions))
	}
	for i := range first.Conditions {
		a, b := first.Conditions[i], second.Conditions[i]
		if a.Label != b.Label || a.Confidence != b.Confidence || a.Severity != b.Severity {
			t.Errorf("condition %d differs: %+v vs %+v", i, a, b)
		}
	}
	if first.AnalysisID == second.AnalysisID {
		t.Error("analysis IDs not monotonic")
	}
}

func TestAnalyzeNoFace(t *testing.T) {
	cfg := config.DefaultConfig()
	d := newTestDeps(t, cfg)

	res, err := d.orch.Analyze(context.Background(), landscapePayload(t), nil)
	if !errors.Is(err, face.ErrNoFaceDetected) {
		t.Errorf("Analyze() error = %v, want ErrNoFaceDetected", err)
	}
	if res != nil {
		t.Errorf("result %+v returned for faceless image", res)
	}
}

func TestAnalyzeOversizedPayloadSkipsAllModels(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Imaging.MaxPayloadBytes = 64
	d := newTestDeps(t, cfg)

	models := []string{"detector_primary", "detector_fallback", "embedding", "classifier"}
	before := make(map[string]float64, len(models))
	for _, m := range models {
		before[m] = testutil.ToFloat64(metrics.ModelInferences.WithLabelValues(m))
	}

	payload := bytes.Repeat([]byte{0xFF, 0xD8, 0x00, 0x01}, 64) // 256 bytes
	res, err := d.orch.Analyze(context.Background(), payload, nil)
	if !errors.Is(err, imaging.ErrPayloadTooLarge) {
		t.Fatalf("Analyze() error = %v, want ErrPayloadTooLarge", err)
	}
	if res != nil {
		t.Errorf("result %+v returned for oversized payload", res)
	}

	for _, m := range models {
		after := testutil.ToFloat64(metrics.ModelInferences.WithLabelValues(m))
		if after != before[m] {
			t.Errorf("model %q ran on a rejected payload: %v -> %v", m, before[m], after)
		}
	}
}

func TestAnalyzeUnsupportedFormat(t *testing.T) {
	cfg := config.DefaultConfig()
	d := newTestDeps(t, cfg)

	_, err := d.orch.Analyze(context.Background(), []byte("not an image at all"), nil)
	if !errors.Is(err, imaging.ErrUnsupportedFormat) {
		t.Errorf("Analyze() error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestAnalyzeIndexUnavailableDegrades(t *testing.T) {
	cfg := config.DefaultConfig()
	d := newTestDeps(t, cfg)

	// No Publish: the index has never built a snapshot.
	res, err := d.orch.Analyze(context.Background(), facePayload(t), nil)
	if err != nil {
		t.Fatalf("Analyze() error = %v, want degraded success", err)
	}

	if res.State != StateComplete {
		t.Errorf("State = %q, want %q", res.State, StateComplete)
	}
	if len(res.Matches) != 0 {
		t.Errorf("Matches = %+v, want empty without an index", res.Matches)
	}
	if res.MatchesReason != ReasonIndexUnavailable {
		t.Errorf("MatchesReason = %q, want %q", res.MatchesReason, ReasonIndexUnavailable)
	}
	if len(res.Conditions) == 0 {
		t.Error("index outage suppressed condition predictions")
	}
}

func TestAnalyzeRecordsFairnessOutcomes(t *testing.T) {
	cfg := config.DefaultConfig()
	d := newTestDeps(t, cfg)

	hint := &DemographicsHint{Ethnicity: "type_v"}
	res, err := d.orch.Analyze(context.Background(), facePayload(t), hint)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	// One outcome per classifier label lands in the window, grouped by
	// the caller hint rather than the model estimate.
	want := len(classify.DefaultConditionLabels)
	if got := d.evaluator.Samples(); got != want {
		t.Errorf("Samples() = %d, want %d", got, want)
	}
	if res.Fairness == nil {
		t.Fatal("Fairness report missing from result")
	}
	cm, ok := res.Fairness.Conditions["acne"]
	if !ok {
		t.Fatal("acne missing from fairness report")
	}
	if gm, ok := cm.Groups["type_v"]; !ok || gm.Samples != 1 {
		t.Errorf("hint group tally = %+v", cm.Groups)
	}
	if len(res.Adjustments) != 0 {
		t.Errorf("Adjustments = %+v with adjustment disabled", res.Adjustments)
	}
}

func TestAdjustmentKeepsConditionsSorted(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Fairness.AdjustmentEnabled = true
	d := newTestDeps(t, cfg)

	// Skew the window so the hint group runs hot on acne and cold on
	// oiliness: the bounded offsets pull acne down and oiliness up,
	// which must flip a near-tie ordering.
	for i := 0; i < 5; i++ {
		d.evaluator.Record(
			fairness.Outcome{Group: "type_ii", Condition: "acne", Positive: true},
			fairness.Outcome{Group: "type_iv", Condition: "acne", Positive: false},
			fairness.Outcome{Group: "type_ii", Condition: "oiliness", Positive: false},
			fairness.Outcome{Group: "type_iv", Condition: "oiliness", Positive: true},
		)
	}

	res := &AnalysisResult{
		Conditions: []classify.ConditionPrediction{
			{Label: "acne", Confidence: 0.52, Severity: "mild"},
			{Label: "oiliness", Confidence: 0.50, Severity: "mild"},
		},
	}
	d.orch.accountFairness(res, &DemographicsHint{Ethnicity: "type_ii"})

	if len(res.Adjustments) != 2 {
		t.Fatalf("len(Adjustments) = %d, want 2: %+v", len(res.Adjustments), res.Adjustments)
	}
	if res.Conditions[0].Label != "oiliness" || res.Conditions[1].Label != "acne" {
		t.Fatalf("Conditions = %+v, want oiliness ranked above acne after adjustment", res.Conditions)
	}
	for i := 1; i < len(res.Conditions); i++ {
		if res.Conditions[i].Confidence > res.Conditions[i-1].Confidence {
			t.Errorf("Conditions out of confidence order: %+v", res.Conditions)
		}
	}
}

func TestAnalyzeFallsBackToEstimatedGroup(t *testing.T) {
	cfg := config.DefaultConfig()
	d := newTestDeps(t, cfg)

	if _, err := d.orch.Analyze(context.Background(), facePayload(t), nil); err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	report := d.evaluator.Report()
	cm, ok := report.Conditions["acne"]
	if !ok {
		t.Fatal("acne missing from fairness report")
	}
	if _, ok := cm.Groups["type_iii"]; !ok {
		t.Errorf("estimated ethnicity group missing: %+v", cm.Groups)
	}
}
