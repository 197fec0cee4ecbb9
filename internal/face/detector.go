// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package face

import (
	"context"
	"image"
)

// Detector locates the dominant face in an image. Implementations must be
// pure: the input image is never mutated and identical inputs yield
// identical results.
type Detector interface {
	// Name returns the method tag recorded on produced FaceRegions.
	Name() string

	// Detect returns the dominant face, or ErrNoFaceDetected when no
	// candidate region exists at all.
	Detect(ctx context.Context, img *image.NRGBA) (FaceRegion, error)
}

// competingSizeRatio marks a detection as ambiguous when the second-largest
// candidate is at least this fraction of the largest.
const competingSizeRatio = 0.6

// dominantComponent selects the largest skin component and flags ambiguity
// when a competing candidate of similar size exists. Policy: the largest
// bounding box wins.
func dominantComponent(img *image.NRGBA) (component, bool, bool) {
	comps := skinComponents(img)
	if len(comps) == 0 {
		return component{}, false, false
	}

	ambiguous := len(comps) > 1 &&
		float64(comps[1].cells) >= competingSizeRatio*float64(comps[0].cells)

	return comps[0], true, ambiguous
}

// canonicalLandmarks places landmarks at anatomically typical offsets
// within the bounding box.
func canonicalLandmarks(box image.Rectangle) []Point {
	w := float64(box.Dx())
	h := float64(box.Dy())
	x0 := float64(box.Min.X)
	y0 := float64(box.Min.Y)

	return []Point{
		LandmarkLeftEye:    {X: x0 + 0.30*w, Y: y0 + 0.38*h},
		LandmarkRightEye:   {X: x0 + 0.70*w, Y: y0 + 0.38*h},
		LandmarkNoseTip:    {X: x0 + 0.50*w, Y: y0 + 0.60*h},
		LandmarkMouthLeft:  {X: x0 + 0.35*w, Y: y0 + 0.78*h},
		LandmarkMouthRight: {X: x0 + 0.65*w, Y: y0 + 0.78*h},
	}
}

// PrimaryDetector is the high-accuracy backend: skin-region proposal plus
// landmark refinement from local luminance minima in the eye bands.
type PrimaryDetector struct{}

// NewPrimaryDetector creates the primary detection backend.
func NewPrimaryDetector() *PrimaryDetector { return &PrimaryDetector{} }

// Name implements Detector.
func (d *PrimaryDetector) Name() string { return MethodPrimary }

// Detect implements Detector.
func (d *PrimaryDetector) Detect(ctx context.Context, img *image.NRGBA) (FaceRegion, error) {
	comp, ok, ambiguous := dominantComponent(img)
	if !ok {
		return FaceRegion{}, ErrNoFaceDetected
	}
	if err := ctx.Err(); err != nil {
		return FaceRegion{}, err
	}

	landmarks := canonicalLandmarks(comp.box)
	confidence := regionConfidence(img, comp.box)

	leftEye, leftOK := refineEye(img, eyeWindow(comp.box, true))
	rightEye, rightOK := refineEye(img, eyeWindow(comp.box, false))
	if leftOK && rightOK && rightEye.X > leftEye.X {
		landmarks[LandmarkLeftEye] = leftEye
		landmarks[LandmarkRightEye] = rightEye
		// Refined landmarks raise confidence slightly.
		confidence += 0.05
		if confidence > 0.99 {
			confidence = 0.99
		}
	}

	return FaceRegion{
		Box:        comp.box,
		Landmarks:  landmarks,
		Confidence: confidence,
		Method:     MethodPrimary,
		Ambiguous:  ambiguous,
	}, nil
}

// eyeWindow returns the search band for one eye within the face box.
func eyeWindow(box image.Rectangle, left bool) image.Rectangle {
	w := box.Dx()
	h := box.Dy()
	y0 := box.Min.Y + h/4
	y1 := box.Min.Y + h/2

	if left {
		return image.Rect(box.Min.X+w*15/100, y0, box.Min.X+w*45/100, y1)
	}
	return image.Rect(box.Min.X+w*55/100, y0, box.Min.X+w*85/100, y1)
}

// refineEye finds the centroid of distinctly dark pixels within the window.
// Eyes read as local luminance minima against surrounding skin.
func refineEye(img *image.NRGBA, window image.Rectangle) (Point, bool) {
	window = window.Intersect(image.Rect(0, 0, img.Rect.Dx(), img.Rect.Dy()))
	if window.Empty() {
		return Point{}, false
	}

	var meanLum float64
	n := 0
	for y := window.Min.Y; y < window.Max.Y; y++ {
		for x := window.Min.X; x < window.Max.X; x++ {
			i := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			meanLum += luminance(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
			n++
		}
	}
	if n == 0 {
		return Point{}, false
	}
	meanLum /= float64(n)

	// Pixels at least 30 luma below the band mean count as eye evidence.
	threshold := meanLum - 30
	var sumX, sumY float64
	dark := 0
	for y := window.Min.Y; y < window.Max.Y; y++ {
		for x := window.Min.X; x < window.Max.X; x++ {
			i := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			if luminance(img.Pix[i], img.Pix[i+1], img.Pix[i+2]) < threshold {
				sumX += float64(x)
				sumY += float64(y)
				dark++
			}
		}
	}
	if dark == 0 {
		return Point{}, false
	}

	return Point{X: sumX / float64(dark), Y: sumY / float64(dark)}, true
}

// FallbackDetector is the fast, lower-accuracy backend: skin-region proposal
// with canonical landmark placement and a capped confidence.
type FallbackDetector struct{}

// NewFallbackDetector creates the fallback detection backend.
func NewFallbackDetector() *FallbackDetector { return &FallbackDetector{} }

// Name implements Detector.
func (d *FallbackDetector) Name() string { return MethodFallback }

// fallbackConfidenceScale discounts the fallback's confidence relative to
// the primary for the same evidence.
const fallbackConfidenceScale = 0.85

// Detect implements Detector.
func (d *FallbackDetector) Detect(ctx context.Context, img *image.NRGBA) (FaceRegion, error) {
	comp, ok, ambiguous := dominantComponent(img)
	if !ok {
		return FaceRegion{}, ErrNoFaceDetected
	}
	if err := ctx.Err(); err != nil {
		return FaceRegion{}, err
	}

	return FaceRegion{
		Box:        comp.box,
		Landmarks:  canonicalLandmarks(comp.box),
		Confidence: regionConfidence(img, comp.box) * fallbackConfidenceScale,
		Method:     MethodFallback,
		Ambiguous:  ambiguous,
	}, nil
}

// Ensure interface compliance.
var (
	_ Detector = (*PrimaryDetector)(nil)
	_ Detector = (*FallbackDetector)(nil)
)
