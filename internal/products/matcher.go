// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package products

import (
	"sort"

	"github.com/lumiderm/lumiderm/internal/classify"
)

// conditionIngredients maps each condition label to the active ingredients
// considered beneficial for it. Matching is case-insensitive against
// normalized catalog ingredient lists.
var conditionIngredients = map[string][]string{
	"acne": {
		"salicylic acid", "benzoyl peroxide", "niacinamide", "tea tree oil", "zinc pca",
	},
	"rosacea": {
		"azelaic acid", "niacinamide", "centella asiatica", "allantoin",
	},
	"eczema": {
		"colloidal oatmeal", "ceramides", "shea butter", "panthenol",
	},
	"hyperpigmentation": {
		"vitamin c", "kojic acid", "tranexamic acid", "alpha arbutin", "retinol",
	},
	"dryness": {
		"hyaluronic acid", "glycerin", "ceramides", "squalane", "urea",
	},
	"oiliness": {
		"niacinamide", "salicylic acid", "kaolin clay", "zinc pca",
	},
	"wrinkles": {
		"retinol", "peptides", "vitamin c", "bakuchiol",
	},
}

// ScoredProduct is one recommendation: a catalog product with its
// ingredient-overlap score and the ingredients that drove it.
type ScoredProduct struct {
	Product Product `json:"product"`

	// Score sums, over the detected conditions, the condition confidence
	// times the number of beneficial ingredients the product contains.
	Score float64 `json:"score"`

	// MatchedIngredients lists the overlapping ingredients, sorted.
	MatchedIngredients []string `json:"matched_ingredients"`
}

// Match scores every catalog product against the detected conditions.
// Pure: neither input is mutated. Products with no ingredient overlap are
// omitted. Results sort by score descending, product ID ascending on ties.
func Match(conditions []classify.ConditionPrediction, catalog *Catalog) []ScoredProduct {
	if catalog == nil || len(conditions) == 0 {
		return []ScoredProduct{}
	}

	scored := make([]ScoredProduct, 0, len(catalog.products))
	for _, p := range catalog.products {
		have := make(map[string]bool, len(p.Ingredients))
		for _, ing := range p.Ingredients {
			have[ing] = true
		}

		var score float64
		matched := make(map[string]bool)
		for _, cond := range conditions {
			overlap := 0
			for _, ing := range conditionIngredients[cond.Label] {
				if have[ing] {
					overlap++
					matched[ing] = true
				}
			}
			score += cond.Confidence * float64(overlap)
		}
		if score == 0 {
			continue
		}

		ingredients := make([]string, 0, len(matched))
		for ing := range matched {
			ingredients = append(ingredients, ing)
		}
		sort.Strings(ingredients)

		scored = append(scored, ScoredProduct{
			Product:            p,
			Score:              score,
			MatchedIngredients: ingredients,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Product.ID < scored[j].Product.ID
	})

	return scored
}

// Matcher binds a loaded catalog to a result cap.
type Matcher struct {
	catalog    *Catalog
	maxResults int
}

// NewMatcher creates a matcher over a catalog. maxResults <= 0 means
// unlimited.
func NewMatcher(catalog *Catalog, maxResults int) *Matcher {
	return &Matcher{catalog: catalog, maxResults: maxResults}
}

// Recommend returns the top scored products for the detected conditions.
func (m *Matcher) Recommend(conditions []classify.ConditionPrediction) []ScoredProduct {
	scored := Match(conditions, m.catalog)
	if m.maxResults > 0 && len(scored) > m.maxResults {
		scored = scored[:m.maxResults]
	}
	return scored
}
