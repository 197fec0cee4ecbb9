// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package pipeline

import (
	"sort"

	"github.com/lumiderm/lumiderm/internal/analyzers"
	"github.com/lumiderm/lumiderm/internal/classify"
	"github.com/lumiderm/lumiderm/internal/config"
)

// conditionSupport maps each condition to the feature analyzers whose
// signal corroborates it. Conditions without an entry are fused from the
// classifier alone.
var conditionSupport = map[string][]string{
	"acne":              {analyzers.NamePore, analyzers.NameTexture},
	"rosacea":           {analyzers.NamePigmentation, analyzers.NameTexture},
	"eczema":            {analyzers.NameTexture, analyzers.NamePigmentation},
	"hyperpigmentation": {analyzers.NamePigmentation},
	"dryness":           {analyzers.NameTexture},
	"oiliness":          {analyzers.NamePore},
	"wrinkles":          {analyzers.NameWrinkle},
}

// analyzerWeight maps an analyzer name to its configured fusion weight.
func analyzerWeight(w config.FusionWeights, name string) float64 {
	switch name {
	case analyzers.NameTexture:
		return w.Texture
	case analyzers.NamePore:
		return w.Pore
	case analyzers.NameWrinkle:
		return w.Wrinkle
	case analyzers.NamePigmentation:
		return w.Pigmentation
	default:
		return 0
	}
}

// fuseConditions blends classifier confidences with supporting analyzer
// signals. Weights come from config and are fixed for the process; they
// are never renormalized against the data, so a degraded analyzer
// (confidence 0) removes its numerator term while the denominator stays
// constant and the fused confidence can only decrease.
func fuseConditions(
	conditions []classify.ConditionPrediction,
	reports []analyzers.FeatureReport,
	weights config.FusionWeights,
) []classify.ConditionPrediction {
	byName := make(map[string]analyzers.FeatureReport, len(reports))
	for _, r := range reports {
		byName[r.Analyzer] = r
	}

	fused := make([]classify.ConditionPrediction, len(conditions))
	copy(fused, conditions)

	for i := range fused {
		num := weights.Classifier * fused[i].Confidence
		denom := weights.Classifier

		for _, name := range conditionSupport[fused[i].Label] {
			wa := analyzerWeight(weights, name)
			if wa == 0 {
				continue
			}
			denom += wa

			rep, ok := byName[name]
			if !ok || rep.Degraded {
				continue
			}
			num += wa * rep.Score * rep.Confidence
		}

		if denom > 0 {
			fused[i].Confidence = clamp01(num / denom)
		}
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Confidence != fused[j].Confidence {
			return fused[i].Confidence > fused[j].Confidence
		}
		return fused[i].Label < fused[j].Label
	})

	return fused
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
