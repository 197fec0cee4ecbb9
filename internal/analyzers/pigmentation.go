// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package analyzers

import (
	"context"
	"image/color"
	"math"

	"github.com/lumiderm/lumiderm/internal/face"
)

// PigmentationAnalyzer measures tone unevenness in YCbCr: deviation from
// the mean tone across the crop plus discrete spots that depart strongly
// from it. Working in luma/chroma rather than raw RGB keeps the measure
// aligned with perceived tone differences; chroma deviations weigh fully
// while luma is damped so shading reads weaker than pigment. Even
// pigmentation scores near zero; blotchy or spotted skin scores high.
type PigmentationAnalyzer struct{}

// NewPigmentationAnalyzer creates the pigmentation analyzer.
func NewPigmentationAnalyzer() *PigmentationAnalyzer { return &PigmentationAnalyzer{} }

// Name implements Analyzer.
func (a *PigmentationAnalyzer) Name() string { return NamePigmentation }

const (
	// spotDeviation is the per-pixel YCbCr distance from the mean tone
	// above which a pixel counts as a pigment spot.
	spotDeviation = 28.0

	// spotMaxBlobPixels bounds a spot; larger deviating regions read as
	// lighting, not pigmentation.
	spotMaxBlobPixels = 100

	// lumaWeight damps the luma axis in the deviation distance; pigment
	// shows mostly in chroma, shadows mostly in luma.
	lumaWeight = 0.5
)

// Analyze implements Analyzer.
func (a *PigmentationAnalyzer) Analyze(ctx context.Context, aligned *face.AlignedFace) (FeatureReport, error) {
	if err := ctx.Err(); err != nil {
		return FeatureReport{}, err
	}

	img := aligned.Crop
	w := img.Rect.Dx()
	h := img.Rect.Dy()
	if w == 0 || h == 0 {
		return FeatureReport{Analyzer: NamePigmentation, Confidence: 0}, nil
	}
	n := float64(w * h)

	// Convert once to luma/chroma and accumulate the mean tone.
	ys := make([]float64, w*h)
	cbs := make([]float64, w*h)
	crs := make([]float64, w*h)
	var meanY, meanCb, meanCr float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			py, pcb, pcr := color.RGBToYCbCr(img.Pix[i], img.Pix[i+1], img.Pix[i+2])

			j := y*w + x
			ys[j] = float64(py)
			cbs[j] = float64(pcb)
			crs[j] = float64(pcr)
			meanY += ys[j]
			meanCb += cbs[j]
			meanCr += crs[j]
		}
	}
	meanY /= n
	meanCb /= n
	meanCr /= n

	// Deviation variance and the spot mask in one pass.
	var variance float64
	mask := make([]bool, w*h)
	for j := range ys {
		dy := ys[j] - meanY
		dcb := cbs[j] - meanCb
		dcr := crs[j] - meanCr

		dist := math.Sqrt(lumaWeight*dy*dy + dcb*dcb + dcr*dcr)
		variance += dist * dist
		if dist > spotDeviation {
			mask[j] = true
		}
	}
	stddev := math.Sqrt(variance / n)

	spots, spotPixels := countSmallBlobs(mask, w, h, spotMaxBlobPixels)
	spotCoverage := float64(spotPixels) / n

	// Stddev saturates around 50 in the damped YCbCr distance.
	unevenness := clamp01(0.5*clamp01(stddev/50) + 0.5*clamp01(spotCoverage*10))

	return FeatureReport{
		Analyzer:   NamePigmentation,
		Score:      unevenness,
		Confidence: 0.85,
		Details: map[string]float64{
			"tone_stddev":   stddev,
			"spot_count":    float64(spots),
			"spot_coverage": spotCoverage,
		},
	}, nil
}
