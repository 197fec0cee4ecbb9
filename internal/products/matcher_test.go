// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package products

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/lumiderm/lumiderm/internal/classify"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()

	c, err := ParseCatalog([]byte(`[
		{"product_id": "p-003", "name": "Clear Gel", "price": 18.5,
		 "ingredients": ["Salicylic Acid", "Niacinamide", "water"]},
		{"product_id": "p-001", "name": "Spot Serum",
		 "ingredients": ["salicylic acid", "niacinamide", "glycerin"]},
		{"product_id": "p-002", "name": "Rich Cream",
		 "ingredients": ["ceramides", "shea butter", "squalane"]},
		{"product_id": "p-004", "name": "Plain Base",
		 "ingredients": ["water", "dimethicone"]}
	]`))
	if err != nil {
		t.Fatalf("ParseCatalog() error = %v", err)
	}
	return c
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	data := []byte(`[{"product_id": "p-1", "name": "A", "ingredients": ["Retinol"]}]`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	if got := c.Products()[0].Ingredients[0]; got != "retinol" {
		t.Errorf("ingredient not normalized: %q", got)
	}
}

func TestLoadCatalogMissingFile(t *testing.T) {
	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("LoadCatalog() succeeded on a missing file")
	}
}

func TestParseCatalogRejectsMissingID(t *testing.T) {
	if _, err := ParseCatalog([]byte(`[{"name": "anon", "ingredients": []}]`)); err == nil {
		t.Error("ParseCatalog() accepted a product without product_id")
	}
}

func TestParseCatalogRejectsWrappedObject(t *testing.T) {
	// The catalog format is a top-level array; an object envelope is a
	// malformed catalog, not an alternate encoding.
	data := []byte(`{"products": [{"product_id": "p-1", "ingredients": []}]}`)
	if _, err := ParseCatalog(data); err == nil {
		t.Error("ParseCatalog() accepted an object-wrapped catalog")
	}
}

func TestMatchScoresIngredientOverlap(t *testing.T) {
	conditions := []classify.ConditionPrediction{
		{Label: "acne", Confidence: 0.8, Severity: "moderate"},
	}

	scored := Match(conditions, testCatalog(t))
	if len(scored) != 2 {
		t.Fatalf("len(scored) = %d, want 2 (cream and base have no acne overlap)", len(scored))
	}

	// p-001 and p-003 both carry salicylic acid + niacinamide: score
	// 0.8 * 2 each, tie broken by ascending product ID.
	if scored[0].Product.ID != "p-001" || scored[1].Product.ID != "p-003" {
		t.Errorf("order = [%s %s], want [p-001 p-003]",
			scored[0].Product.ID, scored[1].Product.ID)
	}
	for _, sp := range scored {
		if math.Abs(sp.Score-1.6) > 1e-9 {
			t.Errorf("%s Score = %v, want 1.6", sp.Product.ID, sp.Score)
		}
		want := []string{"niacinamide", "salicylic acid"}
		if len(sp.MatchedIngredients) != 2 ||
			sp.MatchedIngredients[0] != want[0] || sp.MatchedIngredients[1] != want[1] {
			t.Errorf("%s MatchedIngredients = %v, want %v",
				sp.Product.ID, sp.MatchedIngredients, want)
		}
	}
}

func TestMatchAccumulatesAcrossConditions(t *testing.T) {
	conditions := []classify.ConditionPrediction{
		{Label: "eczema", Confidence: 0.5},
		{Label: "dryness", Confidence: 0.4},
	}

	scored := Match(conditions, testCatalog(t))
	if len(scored) != 2 || scored[0].Product.ID != "p-002" || scored[1].Product.ID != "p-001" {
		t.Fatalf("scored = %+v, want [p-002 p-001]", scored)
	}

	// Eczema matches ceramides + shea butter (2), dryness matches
	// ceramides + squalane (2): 0.5*2 + 0.4*2 = 1.8.
	if math.Abs(scored[0].Score-1.8) > 1e-9 {
		t.Errorf("p-002 Score = %v, want 1.8", scored[0].Score)
	}
	if len(scored[0].MatchedIngredients) != 3 {
		t.Errorf("MatchedIngredients = %v, want 3 distinct", scored[0].MatchedIngredients)
	}

	// The serum's glycerin overlaps the dryness actives: 0.4 * 1.
	if math.Abs(scored[1].Score-0.4) > 1e-9 {
		t.Errorf("p-001 Score = %v, want 0.4", scored[1].Score)
	}
	if len(scored[1].MatchedIngredients) != 1 || scored[1].MatchedIngredients[0] != "glycerin" {
		t.Errorf("p-001 MatchedIngredients = %v, want [glycerin]", scored[1].MatchedIngredients)
	}
}

func TestMatchUnknownConditionMatchesNothing(t *testing.T) {
	conditions := []classify.ConditionPrediction{
		{Label: "melasma", Confidence: 0.9},
	}
	if scored := Match(conditions, testCatalog(t)); len(scored) != 0 {
		t.Errorf("scored = %+v, want empty for unmapped condition", scored)
	}
}

func TestMatchEmptyConditions(t *testing.T) {
	if scored := Match(nil, testCatalog(t)); len(scored) != 0 {
		t.Errorf("scored = %+v, want empty", scored)
	}
}

func TestMatchDoesNotMutateCatalog(t *testing.T) {
	catalog := testCatalog(t)
	before := catalog.Products()

	Match([]classify.ConditionPrediction{{Label: "acne", Confidence: 1}}, catalog)

	after := catalog.Products()
	for i := range before {
		if before[i].ID != after[i].ID || len(before[i].Ingredients) != len(after[i].Ingredients) {
			t.Fatalf("catalog mutated at %d: %+v vs %+v", i, before[i], after[i])
		}
	}
}

func TestRecommendCapsResults(t *testing.T) {
	m := NewMatcher(testCatalog(t), 1)

	scored := m.Recommend([]classify.ConditionPrediction{
		{Label: "acne", Confidence: 0.8},
	})
	if len(scored) != 1 {
		t.Fatalf("len(scored) = %d, want 1 with max_results=1", len(scored))
	}
	if scored[0].Product.ID != "p-001" {
		t.Errorf("top product = %s, want p-001", scored[0].Product.ID)
	}
}
