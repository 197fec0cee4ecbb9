// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package fairness

import (
	"math"
	"testing"

	"github.com/lumiderm/lumiderm/internal/classify"
	"github.com/lumiderm/lumiderm/internal/config"
)

func testFairnessConfig() config.FairnessConfig {
	return config.FairnessConfig{
		WindowSize:        64,
		AdjustmentEnabled: false,
		AdjustmentBound:   0.05,
		AlertGapThreshold: 0.2,
	}
}

// recordBatch records count outcomes for a group/condition with the given
// number of positives.
func recordBatch(e *Evaluator, group, condition string, count, positives int) {
	for i := 0; i < count; i++ {
		e.Record(Outcome{Group: group, Condition: condition, Positive: i < positives})
	}
}

func TestReportBalancedBatchReportsZeroGap(t *testing.T) {
	e := NewEvaluator(testFairnessConfig())

	// 50/50 across two groups with identical positive rates.
	recordBatch(e, "type_ii", "acne", 20, 10)
	recordBatch(e, "type_v", "acne", 20, 10)

	report := e.Report()

	cm, ok := report.Conditions["acne"]
	if !ok {
		t.Fatal("acne metrics suppressed from balanced batch")
	}
	if cm.ParityGap != 0 {
		t.Errorf("ParityGap = %v, want 0", cm.ParityGap)
	}
	if cm.DisparateImpact != 1 {
		t.Errorf("DisparateImpact = %v, want 1", cm.DisparateImpact)
	}
	if len(cm.Groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(cm.Groups))
	}
	for group, gm := range cm.Groups {
		if gm.Samples != 20 {
			t.Errorf("%s Samples = %d, want 20", group, gm.Samples)
		}
		if math.Abs(gm.PositiveRate-0.5) > 1e-9 {
			t.Errorf("%s PositiveRate = %v, want 0.5", group, gm.PositiveRate)
		}
	}
}

func TestReportParityGapAndDisparateImpact(t *testing.T) {
	e := NewEvaluator(testFairnessConfig())

	recordBatch(e, "type_ii", "acne", 20, 16) // rate 0.8
	recordBatch(e, "type_v", "acne", 20, 8)   // rate 0.4

	cm := e.Report().Conditions["acne"]
	if math.Abs(cm.ParityGap-0.4) > 1e-9 {
		t.Errorf("ParityGap = %v, want 0.4", cm.ParityGap)
	}
	if math.Abs(cm.DisparateImpact-0.5) > 1e-9 {
		t.Errorf("DisparateImpact = %v, want 0.5", cm.DisparateImpact)
	}
}

func TestReportEqualOpportunity(t *testing.T) {
	e := NewEvaluator(testFairnessConfig())

	// Group A: 10 ground-truth positives, 8 caught. Group B: 10, 4 caught.
	for i := 0; i < 10; i++ {
		e.Record(Outcome{Group: "a", Condition: "acne", Positive: i < 8, HasTruth: true, Truth: true})
		e.Record(Outcome{Group: "b", Condition: "acne", Positive: i < 4, HasTruth: true, Truth: true})
	}

	cm := e.Report().Conditions["acne"]
	if cm.EqualOpportunityDiff == nil {
		t.Fatal("EqualOpportunityDiff missing with labeled data in both groups")
	}
	if math.Abs(*cm.EqualOpportunityDiff-0.4) > 1e-9 {
		t.Errorf("EqualOpportunityDiff = %v, want 0.4", *cm.EqualOpportunityDiff)
	}
}

func TestReportNoTruthNoEqualOpportunity(t *testing.T) {
	e := NewEvaluator(testFairnessConfig())
	recordBatch(e, "a", "acne", 10, 5)
	recordBatch(e, "b", "acne", 10, 5)

	cm := e.Report().Conditions["acne"]
	if cm.EqualOpportunityDiff != nil {
		t.Errorf("EqualOpportunityDiff = %v, want nil without ground truth", *cm.EqualOpportunityDiff)
	}
}

func TestWindowEvictsOldest(t *testing.T) {
	cfg := testFairnessConfig()
	cfg.WindowSize = 10
	e := NewEvaluator(cfg)

	// Fill with all-positive group a, then overwrite with all-negative b.
	recordBatch(e, "a", "acne", 10, 10)
	recordBatch(e, "b", "acne", 10, 0)

	if e.Samples() != 10 {
		t.Fatalf("Samples() = %d, want 10", e.Samples())
	}

	report := e.Report()
	cm := report.Conditions["acne"]
	if _, ok := cm.Groups["a"]; ok {
		t.Error("evicted group a still present in window")
	}
	if gm := cm.Groups["b"]; gm.PositiveRate != 0 {
		t.Errorf("group b PositiveRate = %v, want 0", gm.PositiveRate)
	}
}

func TestAdjusterDisabledByDefault(t *testing.T) {
	cfg := testFairnessConfig()
	e := NewEvaluator(cfg)
	a := NewAdjuster(cfg, e)

	recordBatch(e, "a", "acne", 20, 16)
	recordBatch(e, "b", "acne", 20, 4)

	pred := &classify.Prediction{Conditions: []classify.ConditionPrediction{
		{Label: "acne", Confidence: 0.6, Severity: "mild"},
	}}

	records := a.Adjust(pred, "b")
	if records != nil {
		t.Errorf("disabled adjuster produced records: %+v", records)
	}
	if pred.Conditions[0].Confidence != 0.6 {
		t.Errorf("disabled adjuster mutated confidence to %v", pred.Conditions[0].Confidence)
	}
}

func TestAdjusterBoundedAndReversible(t *testing.T) {
	cfg := testFairnessConfig()
	cfg.AdjustmentEnabled = true
	cfg.AdjustmentBound = 0.05
	e := NewEvaluator(cfg)
	a := NewAdjuster(cfg, e)

	// Group b is called positive far less often; the raw offset
	// (mean 0.5 - rate 0.2) * 0.5 = 0.15 must clamp to +0.05.
	recordBatch(e, "a", "acne", 20, 16)
	recordBatch(e, "b", "acne", 20, 4)

	pred := &classify.Prediction{Conditions: []classify.ConditionPrediction{
		{Label: "acne", Confidence: 0.6, Severity: "mild"},
	}}

	records := a.Adjust(pred, "b")
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}

	rec := records[0]
	if rec.PreConfidence != 0.6 {
		t.Errorf("PreConfidence = %v, want 0.6", rec.PreConfidence)
	}
	if math.Abs(rec.PostConfidence-0.65) > 1e-9 {
		t.Errorf("PostConfidence = %v, want 0.65 (clamped to bound)", rec.PostConfidence)
	}
	if pred.Conditions[0].Confidence != rec.PostConfidence {
		t.Error("prediction confidence does not match audit record")
	}
	// Reversibility: the pre value reconstructs the original.
	if math.Abs(rec.PostConfidence-rec.PreConfidence) > cfg.AdjustmentBound+1e-9 {
		t.Errorf("adjustment magnitude %v exceeds bound %v",
			rec.PostConfidence-rec.PreConfidence, cfg.AdjustmentBound)
	}
	if len(pred.Conditions) != 1 || pred.Conditions[0].Label != "acne" {
		t.Error("adjustment deleted or relabeled a prediction")
	}
}

func TestAdjusterNoOpForBalancedGroups(t *testing.T) {
	cfg := testFairnessConfig()
	cfg.AdjustmentEnabled = true
	e := NewEvaluator(cfg)
	a := NewAdjuster(cfg, e)

	recordBatch(e, "a", "acne", 20, 10)
	recordBatch(e, "b", "acne", 20, 10)

	pred := &classify.Prediction{Conditions: []classify.ConditionPrediction{
		{Label: "acne", Confidence: 0.6, Severity: "mild"},
	}}

	if records := a.Adjust(pred, "b"); records != nil {
		t.Errorf("balanced groups produced adjustment: %+v", records)
	}
}
