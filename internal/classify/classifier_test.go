// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package classify

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/lumiderm/lumiderm/internal/config"
	"github.com/lumiderm/lumiderm/internal/embedding"
)

const testDim = 16

func testEmbedding(seed int) *embedding.Embedding {
	vec := make([]float32, testDim)
	var norm float64
	for i := range vec {
		v := float32((i*seed+3)%7) - 3
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return &embedding.Embedding{Vector: vec, ModelVersion: "test-v1"}
}

func testClassifyConfig() config.ClassifyConfig {
	return config.ClassifyConfig{
		DefaultThreshold: 0.35,
		Thresholds:       map[string]float64{},
	}
}

// biasedHeads returns heads whose condition weights are zero, so every
// confidence is sigmoid(bias) regardless of the embedding.
func biasedHeads(bias map[string]float32) *Heads {
	h := NewRandomHeads("test-v1", testDim, 7)
	for i := range h.ConditionWeight {
		h.ConditionWeight[i] = 0
	}
	for k, label := range h.Conditions {
		if b, ok := bias[label]; ok {
			h.ConditionBias[k] = b
		} else {
			h.ConditionBias[k] = -10 // sigmoid ~ 0, never emitted
		}
	}
	return h
}

func TestHeadsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heads.ldcl")

	orig := NewRandomHeads("test-v1", testDim, 42)
	if err := orig.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadHeads(path)
	if err != nil {
		t.Fatalf("LoadHeads() error = %v", err)
	}

	if loaded.ModelVersion != "test-v1" || loaded.Dim != testDim {
		t.Errorf("header = (%q,%d), want (test-v1,%d)", loaded.ModelVersion, loaded.Dim, testDim)
	}
	if len(loaded.Conditions) != len(orig.Conditions) {
		t.Fatalf("conditions = %d, want %d", len(loaded.Conditions), len(orig.Conditions))
	}
	for i := range orig.Conditions {
		if loaded.Conditions[i] != orig.Conditions[i] {
			t.Errorf("Conditions[%d] = %q, want %q", i, loaded.Conditions[i], orig.Conditions[i])
		}
	}
	for i := range orig.SeverityWeight {
		if loaded.SeverityWeight[i] != orig.SeverityWeight[i] {
			t.Fatalf("SeverityWeight[%d] differs", i)
		}
	}
}

func TestLoadHeadsMissingFile(t *testing.T) {
	_, err := LoadHeads(filepath.Join(t.TempDir(), "absent.ldcl"))
	if !errors.Is(err, embedding.ErrModelUnavailable) {
		t.Errorf("LoadHeads() error = %v, want ErrModelUnavailable", err)
	}
}

func TestPredictBiasedAcne(t *testing.T) {
	// Zero weights with a positive acne bias: acne confidence is
	// sigmoid(2.0) ~ 0.88 for any embedding.
	h := biasedHeads(map[string]float32{"acne": 2.0})
	c, err := NewClassifierFromHeads(h, testClassifyConfig())
	if err != nil {
		t.Fatalf("NewClassifierFromHeads() error = %v", err)
	}

	pred, err := c.Predict(context.Background(), testEmbedding(3))
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}

	if len(pred.Conditions) != 1 {
		t.Fatalf("len(Conditions) = %d, want 1", len(pred.Conditions))
	}
	got := pred.Conditions[0]
	if got.Label != "acne" {
		t.Errorf("Label = %q, want acne", got.Label)
	}
	if got.Confidence <= 0.5 {
		t.Errorf("Confidence = %v, want > 0.5", got.Confidence)
	}
}

func TestPredictSeveritySumsToOne(t *testing.T) {
	h := NewRandomHeads("test-v1", testDim, 11)
	cfg := testClassifyConfig()
	cfg.DefaultThreshold = 0 // emit everything
	c, err := NewClassifierFromHeads(h, cfg)
	if err != nil {
		t.Fatalf("NewClassifierFromHeads() error = %v", err)
	}

	pred, err := c.Predict(context.Background(), testEmbedding(5))
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if len(pred.Conditions) == 0 {
		t.Fatal("no conditions emitted at zero threshold")
	}

	for _, cond := range pred.Conditions {
		var sum float64
		for _, label := range SeverityLabels {
			p, ok := cond.SeverityProbs[label]
			if !ok {
				t.Fatalf("%s missing severity bucket %q", cond.Label, label)
			}
			if p < 0 || p > 1 {
				t.Errorf("%s severity %q = %v, want in [0,1]", cond.Label, label, p)
			}
			sum += p
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("%s severity sum = %v, want 1", cond.Label, sum)
		}
		if cond.SeverityProbs[cond.Severity] < cond.SeverityProbs[SeverityLabels[0]] ||
			cond.SeverityProbs[cond.Severity] < cond.SeverityProbs[SeverityLabels[1]] ||
			cond.SeverityProbs[cond.Severity] < cond.SeverityProbs[SeverityLabels[2]] {
			t.Errorf("%s Severity = %q is not the argmax bucket", cond.Label, cond.Severity)
		}
	}
}

func TestPredictOrderedByConfidence(t *testing.T) {
	h := NewRandomHeads("test-v1", testDim, 13)
	cfg := testClassifyConfig()
	cfg.DefaultThreshold = 0
	c, err := NewClassifierFromHeads(h, cfg)
	if err != nil {
		t.Fatalf("NewClassifierFromHeads() error = %v", err)
	}

	pred, err := c.Predict(context.Background(), testEmbedding(9))
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}

	for i := 1; i < len(pred.Conditions); i++ {
		prev, cur := pred.Conditions[i-1], pred.Conditions[i]
		if cur.Confidence > prev.Confidence {
			t.Errorf("conditions not sorted: %q %.4f after %q %.4f",
				cur.Label, cur.Confidence, prev.Label, prev.Confidence)
		}
	}
}

func TestPredictThresholdGatesEmission(t *testing.T) {
	// acne at sigmoid(0.5) ~ 0.62, rosacea at sigmoid(-0.5) ~ 0.38.
	h := biasedHeads(map[string]float32{"acne": 0.5, "rosacea": -0.5})

	cfg := testClassifyConfig()
	cfg.DefaultThreshold = 0.5
	c, err := NewClassifierFromHeads(h, cfg)
	if err != nil {
		t.Fatalf("NewClassifierFromHeads() error = %v", err)
	}

	pred, err := c.Predict(context.Background(), testEmbedding(3))
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if len(pred.Conditions) != 1 || pred.Conditions[0].Label != "acne" {
		t.Fatalf("Conditions = %+v, want only acne above 0.5", pred.Conditions)
	}

	// A per-condition override admits rosacea.
	cfg.Thresholds = map[string]float64{"rosacea": 0.3}
	c, err = NewClassifierFromHeads(h, cfg)
	if err != nil {
		t.Fatalf("NewClassifierFromHeads() error = %v", err)
	}
	pred, err = c.Predict(context.Background(), testEmbedding(3))
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if len(pred.Conditions) != 2 {
		t.Fatalf("len(Conditions) = %d, want 2 with rosacea override", len(pred.Conditions))
	}
}

func TestPredictDemographics(t *testing.T) {
	h := NewRandomHeads("test-v1", testDim, 17)
	c, err := NewClassifierFromHeads(h, testClassifyConfig())
	if err != nil {
		t.Fatalf("NewClassifierFromHeads() error = %v", err)
	}

	pred, err := c.Predict(context.Background(), testEmbedding(7))
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}

	d := pred.Demographics
	if d.AgeBracket == "" || d.Ethnicity == "" {
		t.Errorf("empty demographic estimate: %+v", d)
	}
	if d.AgeConfidence <= 0 || d.AgeConfidence > 1 {
		t.Errorf("AgeConfidence = %v, want in (0,1]", d.AgeConfidence)
	}
	if d.EthnicityConfidence <= 0 || d.EthnicityConfidence > 1 {
		t.Errorf("EthnicityConfidence = %v, want in (0,1]", d.EthnicityConfidence)
	}
}

func TestPredictDeterministic(t *testing.T) {
	h := NewRandomHeads("test-v1", testDim, 19)
	cfg := testClassifyConfig()
	cfg.DefaultThreshold = 0
	c, err := NewClassifierFromHeads(h, cfg)
	if err != nil {
		t.Fatalf("NewClassifierFromHeads() error = %v", err)
	}

	emb := testEmbedding(5)
	first, err := c.Predict(context.Background(), emb)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	second, err := c.Predict(context.Background(), emb)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}

	if len(first.Conditions) != len(second.Conditions) {
		t.Fatalf("prediction counts differ: %d vs %d", len(first.Conditions), len(second.Conditions))
	}
	for i := range first.Conditions {
		a, b := first.Conditions[i], second.Conditions[i]
		if a.Label != b.Label || a.Confidence != b.Confidence || a.Severity != b.Severity {
			t.Errorf("prediction %d differs: %+v vs %+v", i, a, b)
		}
	}
}

func TestPredictDimMismatch(t *testing.T) {
	h := NewRandomHeads("test-v1", testDim, 23)
	c, err := NewClassifierFromHeads(h, testClassifyConfig())
	if err != nil {
		t.Fatalf("NewClassifierFromHeads() error = %v", err)
	}

	short := &embedding.Embedding{Vector: make([]float32, 4), ModelVersion: "test-v1"}
	if _, err := c.Predict(context.Background(), short); !errors.Is(err, embedding.ErrModelUnavailable) {
		t.Errorf("Predict() error = %v, want ErrModelUnavailable", err)
	}
}
