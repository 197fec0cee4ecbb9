// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package fairness

import (
	"github.com/lumiderm/lumiderm/internal/classify"
	"github.com/lumiderm/lumiderm/internal/config"
	"github.com/lumiderm/lumiderm/internal/logging"
	"github.com/lumiderm/lumiderm/internal/metrics"
)

// adjustmentGain scales the rate disparity into a confidence offset
// before clamping to the configured bound.
const adjustmentGain = 0.5

// AdjustmentRecord stores the pre- and post-adjustment values for one
// prediction so every adjustment is reversible and auditable.
type AdjustmentRecord struct {
	Condition      string  `json:"condition"`
	Group          string  `json:"group"`
	PreConfidence  float64 `json:"pre_confidence"`
	PostConfidence float64 `json:"post_confidence"`
}

// Adjuster applies the optional bounded per-group confidence correction.
// Disabled by default; it never deletes or relabels a prediction, only
// shifts confidence within the configured bound.
type Adjuster struct {
	cfg       config.FairnessConfig
	evaluator *Evaluator
}

// NewAdjuster binds an adjuster to the evaluator whose window drives the
// offsets.
func NewAdjuster(cfg config.FairnessConfig, evaluator *Evaluator) *Adjuster {
	return &Adjuster{cfg: cfg, evaluator: evaluator}
}

// Enabled reports whether adjustment is switched on in config.
func (a *Adjuster) Enabled() bool { return a.cfg.AdjustmentEnabled }

// Adjust mutates prediction confidences for one demographic group toward
// the cross-group mean positive rate, clamped to the adjustment bound,
// and returns the audit records. A disabled adjuster returns nil and
// leaves the prediction untouched.
func (a *Adjuster) Adjust(pred *classify.Prediction, group string) []AdjustmentRecord {
	if !a.cfg.AdjustmentEnabled || pred == nil || group == "" || len(pred.Conditions) == 0 {
		return nil
	}

	report := a.evaluator.Report()

	var records []AdjustmentRecord
	for i := range pred.Conditions {
		cond := &pred.Conditions[i]

		offset := a.offset(report, cond.Label, group)
		if offset == 0 {
			continue
		}

		pre := cond.Confidence
		post := clamp01(pre + offset)
		if post == pre {
			continue
		}

		cond.Confidence = post
		records = append(records, AdjustmentRecord{
			Condition:      cond.Label,
			Group:          group,
			PreConfidence:  pre,
			PostConfidence: post,
		})

		metrics.FairnessAdjustments.Inc()
		logging.Info().
			Str("condition", cond.Label).
			Str("group", group).
			Float64("pre", pre).
			Float64("post", post).
			Msg("[FAIRNESS] Applied bounded confidence adjustment")
	}

	return records
}

// offset computes the bounded additive correction for one condition and
// group from the current window: groups called positive less often than
// the cross-group mean receive a positive offset, and vice versa.
func (a *Adjuster) offset(report *Report, condition, group string) float64 {
	cm, ok := report.Conditions[condition]
	if !ok || len(cm.Groups) < 2 {
		return 0
	}
	gm, ok := cm.Groups[group]
	if !ok || gm.Samples == 0 {
		return 0
	}

	var mean float64
	for _, g := range cm.Groups {
		mean += g.PositiveRate
	}
	mean /= float64(len(cm.Groups))

	offset := (mean - gm.PositiveRate) * adjustmentGain

	bound := a.cfg.AdjustmentBound
	if bound <= 0 {
		bound = 0.05
	}
	if offset > bound {
		offset = bound
	}
	if offset < -bound {
		offset = -bound
	}
	return offset
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
