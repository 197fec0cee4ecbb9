// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

// Package products maps detected skin conditions to candidate products by
// ingredient-overlap scoring against a read-only external catalog.
package products

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/lumiderm/lumiderm/internal/logging"
)

// Product is one catalog record. The catalog is an external collaborator;
// Lumiderm never writes to it.
type Product struct {
	ID          string   `json:"product_id"`
	Name        string   `json:"name"`
	Brand       string   `json:"brand,omitempty"`
	Price       float64  `json:"price,omitempty"`
	Ingredients []string `json:"ingredients"`
}

// Catalog is an immutable in-memory snapshot of the product catalog with
// ingredients normalized for matching.
type Catalog struct {
	products []Product
}

// LoadCatalog reads a catalog JSON file: a top-level array of products.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}

	logging.Info().
		Str("path", path).
		Int("products", c.Len()).
		Msg("[PRODUCTS] Catalog loaded")
	return c, nil
}

// ParseCatalog decodes catalog JSON and normalizes ingredient names.
func ParseCatalog(data []byte) (*Catalog, error) {
	var raw []Product
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	products := make([]Product, 0, len(raw))
	for _, p := range raw {
		if p.ID == "" {
			return nil, fmt.Errorf("parse catalog: product %q missing product_id", p.Name)
		}
		normalized := make([]string, 0, len(p.Ingredients))
		for _, ing := range p.Ingredients {
			ing = normalizeIngredient(ing)
			if ing != "" {
				normalized = append(normalized, ing)
			}
		}
		p.Ingredients = normalized
		products = append(products, p)
	}

	return &Catalog{products: products}, nil
}

// Len returns the number of catalog products.
func (c *Catalog) Len() int { return len(c.products) }

// Products returns a copy of the catalog records.
func (c *Catalog) Products() []Product {
	return append([]Product(nil), c.products...)
}

func normalizeIngredient(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
