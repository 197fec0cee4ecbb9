// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package classify

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/lumiderm/lumiderm/internal/config"
	"github.com/lumiderm/lumiderm/internal/embedding"
	"github.com/lumiderm/lumiderm/internal/metrics"
)

// ConditionPrediction is one detected condition. Predictions are
// multi-label: confidences across different conditions do not sum to 1,
// but the severity distribution for a single condition always does.
type ConditionPrediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`

	// Severity is the argmax bucket of SeverityProbs.
	Severity string `json:"severity"`

	// SeverityProbs maps mild/moderate/severe to calibrated
	// probabilities summing to 1.
	SeverityProbs map[string]float64 `json:"severity_probs"`
}

// DemographicEstimate carries the demographic attribute heads. Used only
// for bias accounting and fairness grouping, never to gate a condition
// prediction.
type DemographicEstimate struct {
	AgeBracket          string  `json:"age_bracket"`
	AgeConfidence       float64 `json:"age_confidence"`
	Ethnicity           string  `json:"ethnicity"`
	EthnicityConfidence float64 `json:"ethnicity_confidence"`
}

// Prediction is the full classifier output for one embedding.
type Prediction struct {
	// Conditions is ordered by confidence descending, label ascending on
	// ties. Only conditions above their calibrated threshold appear.
	Conditions []ConditionPrediction `json:"conditions"`

	Demographics DemographicEstimate `json:"demographics"`

	ModelVersion string `json:"model_version"`
}

// Classifier evaluates the multi-task heads. Heads are immutable for the
// process lifetime; concurrent Predict calls share them safely.
type Classifier struct {
	heads *Heads
	cfg   config.ClassifyConfig
}

// NewClassifier loads the head artifact and binds threshold configuration.
func NewClassifier(cfg config.ClassifyConfig) (*Classifier, error) {
	h, err := LoadHeads(cfg.WeightsPath)
	if err != nil {
		return nil, err
	}
	return NewClassifierFromHeads(h, cfg)
}

// NewClassifierFromHeads wraps an in-memory head set.
func NewClassifierFromHeads(h *Heads, cfg config.ClassifyConfig) (*Classifier, error) {
	if err := h.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", embedding.ErrModelUnavailable, err)
	}
	return &Classifier{heads: h, cfg: cfg}, nil
}

// ModelVersion returns the loaded artifact's version tag.
func (c *Classifier) ModelVersion() string { return c.heads.ModelVersion }

// Dim returns the embedding dimensionality the heads expect.
func (c *Classifier) Dim() int { return c.heads.Dim }

// Conditions returns the label set the classifier can emit.
func (c *Classifier) Conditions() []string {
	return append([]string(nil), c.heads.Conditions...)
}

// threshold returns the calibrated emission threshold for a condition.
func (c *Classifier) threshold(label string) float64 {
	if t, ok := c.cfg.Thresholds[label]; ok {
		return t
	}
	return c.cfg.DefaultThreshold
}

// Predict evaluates all heads over one embedding. Deterministic for fixed
// heads; conditions below their threshold are dropped, not zeroed.
func (c *Classifier) Predict(ctx context.Context, emb *embedding.Embedding) (*Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if emb == nil || len(emb.Vector) != c.heads.Dim {
		return nil, fmt.Errorf("%w: embedding dim %d does not match heads dim %d",
			embedding.ErrModelUnavailable, emb.Dim(), c.heads.Dim)
	}

	metrics.ModelInferences.WithLabelValues("classifier").Inc()

	h := c.heads
	vec := emb.Vector

	var conditions []ConditionPrediction
	for k, label := range h.Conditions {
		confidence := sigmoid(dotRow(h.ConditionWeight, h.ConditionBias, k, vec))
		if confidence < c.threshold(label) {
			continue
		}

		probs := c.severityProbs(k, vec)
		conditions = append(conditions, ConditionPrediction{
			Label:         label,
			Confidence:    confidence,
			Severity:      argmaxSeverity(probs),
			SeverityProbs: probs,
		})
		metrics.PredictionConfidence.WithLabelValues(label).Observe(confidence)
	}

	sort.Slice(conditions, func(i, j int) bool {
		if conditions[i].Confidence != conditions[j].Confidence {
			return conditions[i].Confidence > conditions[j].Confidence
		}
		return conditions[i].Label < conditions[j].Label
	})

	ageIdx, ageConf := softmaxHead(h.AgeWeight, h.AgeBias, len(h.AgeBrackets), h.Dim, vec)
	ethIdx, ethConf := softmaxHead(h.EthWeight, h.EthBias, len(h.EthnicityCategories), h.Dim, vec)

	return &Prediction{
		Conditions: conditions,
		Demographics: DemographicEstimate{
			AgeBracket:          h.AgeBrackets[ageIdx],
			AgeConfidence:       ageConf,
			Ethnicity:           h.EthnicityCategories[ethIdx],
			EthnicityConfidence: ethConf,
		},
		ModelVersion: h.ModelVersion,
	}, nil
}

// severityProbs computes the 3-bucket softmax for condition k.
func (c *Classifier) severityProbs(k int, vec []float32) map[string]float64 {
	h := c.heads

	logits := [3]float64{}
	for b := 0; b < 3; b++ {
		row := k*3 + b
		logits[b] = dotRow(h.SeverityWeight, h.SeverityBias, row, vec)
	}

	probs := softmax3(logits)
	return map[string]float64{
		SeverityLabels[0]: probs[0],
		SeverityLabels[1]: probs[1],
		SeverityLabels[2]: probs[2],
	}
}

// dotRow computes weight[row]·vec + bias[row] for a row-major weight
// matrix whose row width equals len(vec).
func dotRow(weight, bias []float32, row int, vec []float32) float64 {
	dim := len(vec)
	sum := float64(bias[row])
	base := row * dim
	for i := 0; i < dim; i++ {
		sum += float64(weight[base+i]) * float64(vec[i])
	}
	return sum
}

// softmaxHead evaluates one softmax head and returns the argmax index with
// its probability.
func softmaxHead(weight, bias []float32, classes, dim int, vec []float32) (int, float64) {
	logits := make([]float64, classes)
	maxLogit := math.Inf(-1)
	for k := 0; k < classes; k++ {
		logits[k] = dotRow(weight, bias, k, vec)
		if logits[k] > maxLogit {
			maxLogit = logits[k]
		}
	}

	var sum float64
	for k := range logits {
		logits[k] = math.Exp(logits[k] - maxLogit)
		sum += logits[k]
	}

	best := 0
	for k := 1; k < classes; k++ {
		if logits[k] > logits[best] {
			best = k
		}
	}
	return best, logits[best] / sum
}

func softmax3(logits [3]float64) [3]float64 {
	maxLogit := math.Max(logits[0], math.Max(logits[1], logits[2]))
	var sum float64
	var out [3]float64
	for i, l := range logits {
		out[i] = math.Exp(l - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func argmaxSeverity(probs map[string]float64) string {
	best := SeverityLabels[0]
	for _, label := range SeverityLabels[1:] {
		if probs[label] > probs[best] {
			best = label
		}
	}
	return best
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
