// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package analyzers

import (
	"context"

	"github.com/lumiderm/lumiderm/internal/face"
)

// PoreAnalyzer estimates pore visibility by counting small dark blobs
// against the local skin tone. Visible pores read as compact luminance
// dips a few pixels across.
type PoreAnalyzer struct{}

// NewPoreAnalyzer creates the pore analyzer.
func NewPoreAnalyzer() *PoreAnalyzer { return &PoreAnalyzer{} }

// Name implements Analyzer.
func (a *PoreAnalyzer) Name() string { return NamePore }

const (
	// poreDipThreshold is how far below the local mean a pixel must sit
	// to count as pore evidence.
	poreDipThreshold = 18.0

	// poreMaxBlobPixels caps blob size; larger dark regions are shadows
	// or features, not pores.
	poreMaxBlobPixels = 36

	// poreLocalWindow is the half-width of the local mean window.
	poreLocalWindow = 8
)

// Analyze implements Analyzer.
func (a *PoreAnalyzer) Analyze(ctx context.Context, aligned *face.AlignedFace) (FeatureReport, error) {
	if err := ctx.Err(); err != nil {
		return FeatureReport{}, err
	}

	plane := newGrayPlane(aligned.Crop)
	if plane.w < 4 || plane.h < 4 {
		return FeatureReport{Analyzer: NamePore, Confidence: 0}, nil
	}

	// Mark pixels that dip below their local neighborhood mean.
	mask := make([]bool, plane.w*plane.h)
	for y := 0; y < plane.h; y++ {
		for x := 0; x < plane.w; x++ {
			local := plane.mean(x-poreLocalWindow, y-poreLocalWindow,
				x+poreLocalWindow+1, y+poreLocalWindow+1)
			if local-plane.pix[y*plane.w+x] > poreDipThreshold {
				mask[y*plane.w+x] = true
			}
		}
	}

	blobs, totalBlobPixels := countSmallBlobs(mask, plane.w, plane.h, poreMaxBlobPixels)

	area := float64(plane.w * plane.h)
	blobDensity := float64(blobs) / area * 1000 // blobs per kilopixel
	meanBlobSize := 0.0
	if blobs > 0 {
		meanBlobSize = float64(totalBlobPixels) / float64(blobs)
	}

	// Density saturates around 20 blobs per kilopixel.
	score := clamp01(blobDensity / 20)

	return FeatureReport{
		Analyzer:   NamePore,
		Score:      score,
		Confidence: 0.85,
		Details: map[string]float64{
			"blob_count":     float64(blobs),
			"blob_density":   blobDensity,
			"mean_blob_size": meanBlobSize,
		},
	}, nil
}

// countSmallBlobs flood-fills the mask with 4-connectivity and counts
// components at or below maxPixels. Oversized components are discarded
// entirely.
func countSmallBlobs(mask []bool, w, h, maxPixels int) (blobs, totalPixels int) {
	visited := make([]bool, len(mask))

	for start := range mask {
		if !mask[start] || visited[start] {
			continue
		}

		stack := []int{start}
		visited[start] = true
		size := 0

		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			size++

			x := idx % w
			for _, n := range [4]int{idx - 1, idx + 1, idx - w, idx + w} {
				if n < 0 || n >= len(mask) || visited[n] || !mask[n] {
					continue
				}
				if (n == idx-1 && x == 0) || (n == idx+1 && x == w-1) {
					continue
				}
				visited[n] = true
				stack = append(stack, n)
			}
		}

		if size <= maxPixels {
			blobs++
			totalPixels += size
		}
	}

	return blobs, totalPixels
}
