// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

// Package fairness evaluates outcome disparity across demographic groups
// over a sliding window of analysis outcomes, and optionally applies a
// bounded, logged, reversible per-group confidence adjustment.
package fairness

import (
	"sync"
	"time"

	"github.com/lumiderm/lumiderm/internal/config"
	"github.com/lumiderm/lumiderm/internal/logging"
	"github.com/lumiderm/lumiderm/internal/metrics"
)

// Outcome is one observation: whether a condition was called positive for
// a member of a demographic group, with optional ground truth for equal
// opportunity accounting.
type Outcome struct {
	Group     string
	Condition string
	Positive  bool

	// HasTruth marks labeled validation traffic; Truth is the ground
	// truth label when present.
	HasTruth bool
	Truth    bool
}

// GroupMetrics summarizes one demographic group for one condition.
type GroupMetrics struct {
	Samples      int     `json:"samples"`
	PositiveRate float64 `json:"positive_rate"`

	// LabeledSamples and TruePositiveRate are present only when ground
	// truth was observed for the group.
	LabeledSamples   int     `json:"labeled_samples,omitempty"`
	TruePositiveRate float64 `json:"true_positive_rate,omitempty"`
}

// ConditionMetrics carries the fairness metrics for one condition across
// all observed groups.
type ConditionMetrics struct {
	Groups map[string]GroupMetrics `json:"groups"`

	// ParityGap is the demographic parity gap: max positive rate minus
	// min positive rate across groups. Always reported, even when below
	// the alerting threshold.
	ParityGap float64 `json:"parity_gap"`

	// DisparateImpact is the min/max positive-rate ratio. 1 when rates
	// are equal; defined as 1 when no group has a positive call.
	DisparateImpact float64 `json:"disparate_impact"`

	// EqualOpportunityDiff is the max-min true-positive-rate difference,
	// present only when at least two groups carry ground truth.
	EqualOpportunityDiff *float64 `json:"equal_opportunity_diff,omitempty"`
}

// Report is the fairness snapshot attached to analysis results and served
// by the fairness API. Transparency artifact: it never alters predictions
// by itself.
type Report struct {
	GeneratedAt time.Time                   `json:"generated_at"`
	WindowSize  int                         `json:"window_size"`
	Samples     int                         `json:"samples"`
	Conditions  map[string]ConditionMetrics `json:"conditions"`
}

// Evaluator keeps the sliding outcome window. Safe for concurrent use.
type Evaluator struct {
	mu     sync.RWMutex
	window []Outcome
	next   int
	filled bool
	cfg    config.FairnessConfig
}

// NewEvaluator creates an evaluator with the configured window size.
func NewEvaluator(cfg config.FairnessConfig) *Evaluator {
	size := cfg.WindowSize
	if size <= 0 {
		size = 512
	}
	return &Evaluator{window: make([]Outcome, size), cfg: cfg}
}

// Record appends outcomes to the sliding window, evicting the oldest
// entries once the window is full.
func (e *Evaluator) Record(outcomes ...Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, o := range outcomes {
		if o.Group == "" || o.Condition == "" {
			continue
		}
		e.window[e.next] = o
		e.next++
		if e.next == len(e.window) {
			e.next = 0
			e.filled = true
		}
	}
}

// Samples returns the number of outcomes currently in the window.
func (e *Evaluator) Samples() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.filled {
		return len(e.window)
	}
	return e.next
}

// Report computes all fairness metrics over the current window.
func (e *Evaluator) Report() *Report {
	e.mu.RLock()
	n := e.next
	if e.filled {
		n = len(e.window)
	}
	outcomes := make([]Outcome, n)
	if e.filled {
		copy(outcomes, e.window)
	} else {
		copy(outcomes, e.window[:n])
	}
	e.mu.RUnlock()

	report := &Report{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  len(e.window),
		Samples:     len(outcomes),
		Conditions:  make(map[string]ConditionMetrics),
	}

	type tally struct {
		samples, positives       int
		labeled, truePositives   int
		labeledActualPositives   int
	}
	byCondition := make(map[string]map[string]*tally)

	for _, o := range outcomes {
		groups, ok := byCondition[o.Condition]
		if !ok {
			groups = make(map[string]*tally)
			byCondition[o.Condition] = groups
		}
		t, ok := groups[o.Group]
		if !ok {
			t = &tally{}
			groups[o.Group] = t
		}

		t.samples++
		if o.Positive {
			t.positives++
		}
		if o.HasTruth {
			t.labeled++
			if o.Truth {
				t.labeledActualPositives++
				if o.Positive {
					t.truePositives++
				}
			}
		}
	}

	for condition, groups := range byCondition {
		cm := ConditionMetrics{Groups: make(map[string]GroupMetrics, len(groups))}

		minRate, maxRate := 1.0, 0.0
		minTPR, maxTPR := 1.0, 0.0
		groupsWithTruth := 0

		for group, t := range groups {
			gm := GroupMetrics{
				Samples:      t.samples,
				PositiveRate: float64(t.positives) / float64(t.samples),
			}
			if t.labeledActualPositives > 0 {
				gm.LabeledSamples = t.labeled
				gm.TruePositiveRate = float64(t.truePositives) / float64(t.labeledActualPositives)
				groupsWithTruth++
				if gm.TruePositiveRate < minTPR {
					minTPR = gm.TruePositiveRate
				}
				if gm.TruePositiveRate > maxTPR {
					maxTPR = gm.TruePositiveRate
				}
			}

			if gm.PositiveRate < minRate {
				minRate = gm.PositiveRate
			}
			if gm.PositiveRate > maxRate {
				maxRate = gm.PositiveRate
			}
			cm.Groups[group] = gm
		}

		cm.ParityGap = maxRate - minRate
		if maxRate > 0 {
			cm.DisparateImpact = minRate / maxRate
		} else {
			cm.DisparateImpact = 1
		}
		if groupsWithTruth >= 2 {
			diff := maxTPR - minTPR
			cm.EqualOpportunityDiff = &diff
		}

		metrics.FairnessParityGap.WithLabelValues(condition).Set(cm.ParityGap)
		if cm.ParityGap > e.cfg.AlertGapThreshold && e.cfg.AlertGapThreshold > 0 {
			logging.Warn().
				Str("condition", condition).
				Float64("parity_gap", cm.ParityGap).
				Float64("threshold", e.cfg.AlertGapThreshold).
				Msg("[FAIRNESS] Demographic parity gap above alert threshold")
		}

		report.Conditions[condition] = cm
	}

	return report
}
