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

// WrinkleAnalyzer measures line density in the face regions where
// wrinkles concentrate: the forehead band, the eye corners and the mouth
// surround. Wrinkles present as elongated gradient ridges rather than
// isolated edge points.
type WrinkleAnalyzer struct{}

// NewWrinkleAnalyzer creates the wrinkle analyzer.
func NewWrinkleAnalyzer() *WrinkleAnalyzer { return &WrinkleAnalyzer{} }

// Name implements Analyzer.
func (a *WrinkleAnalyzer) Name() string { return NameWrinkle }

// ridgeThreshold is the Sobel magnitude above which a pixel counts as
// ridge evidence inside a wrinkle-prone zone.
const ridgeThreshold = 90.0

// wrinkleZone is a fractional sub-rectangle of the aligned crop.
type wrinkleZone struct {
	name           string
	x0, y0, x1, y1 float64
}

// Zones assume the canonical alignment: eyes at 40% height.
var wrinkleZones = []wrinkleZone{
	{"forehead", 0.15, 0.05, 0.85, 0.30},
	{"left_eye_corner", 0.05, 0.32, 0.28, 0.50},
	{"right_eye_corner", 0.72, 0.32, 0.95, 0.50},
	{"mouth_surround", 0.25, 0.65, 0.75, 0.95},
}

// Analyze implements Analyzer.
func (a *WrinkleAnalyzer) Analyze(ctx context.Context, aligned *face.AlignedFace) (FeatureReport, error) {
	if err := ctx.Err(); err != nil {
		return FeatureReport{}, err
	}

	plane := newGrayPlane(aligned.Crop)
	if plane.w < 8 || plane.h < 8 {
		return FeatureReport{Analyzer: NameWrinkle, Confidence: 0}, nil
	}

	details := make(map[string]float64, len(wrinkleZones)+1)
	var weightedSum, weightTotal float64

	for _, zone := range wrinkleZones {
		density := a.zoneRidgeDensity(plane, zone)
		details[zone.name] = density

		area := (zone.x1 - zone.x0) * (zone.y1 - zone.y0)
		weightedSum += density * area
		weightTotal += area
	}

	overall := 0.0
	if weightTotal > 0 {
		overall = weightedSum / weightTotal
	}
	details["overall_density"] = overall

	// Ridge density saturates around 25% of zone pixels.
	score := clamp01(overall / 0.25)

	return FeatureReport{
		Analyzer:   NameWrinkle,
		Score:      score,
		Confidence: 0.8,
		Details:    details,
	}, nil
}

// zoneRidgeDensity returns the fraction of zone pixels whose gradient
// magnitude exceeds the ridge threshold.
func (a *WrinkleAnalyzer) zoneRidgeDensity(plane *grayPlane, zone wrinkleZone) float64 {
	x0 := int(zone.x0 * float64(plane.w))
	y0 := int(zone.y0 * float64(plane.h))
	x1 := int(zone.x1 * float64(plane.w))
	y1 := int(zone.y1 * float64(plane.h))

	if x0 < 1 {
		x0 = 1
	}
	if y0 < 1 {
		y0 = 1
	}
	if x1 > plane.w-1 {
		x1 = plane.w - 1
	}
	if y1 > plane.h-1 {
		y1 = plane.h - 1
	}
	if x0 >= x1 || y0 >= y1 {
		return 0
	}

	ridges := 0
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			gx, gy := plane.sobel(x, y)
			if math.Sqrt(gx*gx+gy*gy) > ridgeThreshold {
				ridges++
			}
		}
	}
	return float64(ridges) / float64((x1-x0)*(y1-y0))
}
