// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package analyzers

import (
	"context"
	"math"

	"github.com/lumiderm/lumiderm/internal/face"
)

// TextureAnalyzer measures skin surface roughness from local binary
// patterns and edge density. Smooth skin yields a concentrated LBP
// histogram and few strong edges; rough or textured skin spreads the
// histogram and raises edge counts.
type TextureAnalyzer struct{}

// NewTextureAnalyzer creates the texture analyzer.
func NewTextureAnalyzer() *TextureAnalyzer { return &TextureAnalyzer{} }

// Name implements Analyzer.
func (a *TextureAnalyzer) Name() string { return NameTexture }

// edgeThreshold is the Sobel magnitude above which a pixel counts as an
// edge. Sobel magnitudes run up to ~1442 on an 8-bit plane.
const edgeThreshold = 120.0

// Analyze implements Analyzer.
func (a *TextureAnalyzer) Analyze(ctx context.Context, aligned *face.AlignedFace) (FeatureReport, error) {
	if err := ctx.Err(); err != nil {
		return FeatureReport{}, err
	}

	plane := newGrayPlane(aligned.Crop)

	// 256-bin LBP histogram over interior pixels.
	var hist [256]float64
	total := 0
	for y := 1; y < plane.h-1; y++ {
		for x := 1; x < plane.w-1; x++ {
			hist[lbpCode(plane, x, y)]++
			total++
		}
	}
	if total == 0 {
		return FeatureReport{Analyzer: NameTexture, Confidence: 0}, nil
	}

	// Histogram energy: 1.0 when a single pattern dominates (perfectly
	// uniform surface), approaching 1/256 for maximal disorder.
	var energy float64
	for i := range hist {
		p := hist[i] / float64(total)
		energy += p * p
	}

	edges := 0
	for y := 1; y < plane.h-1; y++ {
		for x := 1; x < plane.w-1; x++ {
			gx, gy := plane.sobel(x, y)
			if math.Sqrt(gx*gx+gy*gy) > edgeThreshold {
				edges++
			}
		}
	}
	edgeDensity := float64(edges) / float64(total)

	roughness := clamp01(0.6*(1-energy) + 0.4*clamp01(edgeDensity*4))

	return FeatureReport{
		Analyzer:   NameTexture,
		Score:      roughness,
		Confidence: textureConfidence(plane),
		Details: map[string]float64{
			"lbp_energy":   energy,
			"edge_density": edgeDensity,
		},
	}, nil
}

// lbpCode computes the 8-neighbor local binary pattern at a pixel.
func lbpCode(p *grayPlane, x, y int) int {
	center := p.at(x, y)
	code := 0
	neighbors := [8][2]int{
		{x - 1, y - 1}, {x, y - 1}, {x + 1, y - 1},
		{x + 1, y}, {x + 1, y + 1}, {x, y + 1},
		{x - 1, y + 1}, {x - 1, y},
	}
	for bit, n := range neighbors {
		if p.at(n[0], n[1]) >= center {
			code |= 1 << bit
		}
	}
	return code
}

// textureConfidence discounts very dark or blown-out crops where LBP
// codes are dominated by sensor noise or clipping.
func textureConfidence(p *grayPlane) float64 {
	m := p.mean(0, 0, p.w, p.h)
	switch {
	case m < 30 || m > 235:
		return 0.3
	case m < 60 || m > 210:
		return 0.6
	default:
		return 0.9
	}
}
