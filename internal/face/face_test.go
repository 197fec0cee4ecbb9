// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package face

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/lumiderm/lumiderm/internal/config"
)

var skinTone = color.NRGBA{R: 210, G: 150, B: 120, A: 255}

// fillRect paints a solid rectangle onto the image.
func fillRect(img *image.NRGBA, rect image.Rectangle, c color.NRGBA) {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
}

// syntheticFace builds a green background with a skin-toned face block and
// two dark eye dots.
func syntheticFace(w, h int, faceBox image.Rectangle) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	fillRect(img, img.Rect, color.NRGBA{R: 30, G: 160, B: 40, A: 255})
	fillRect(img, faceBox, skinTone)

	// Eye dots in the upper third of the face.
	eyeY := faceBox.Min.Y + faceBox.Dy()*38/100
	leftX := faceBox.Min.X + faceBox.Dx()*30/100
	rightX := faceBox.Min.X + faceBox.Dx()*70/100
	dark := color.NRGBA{R: 20, G: 15, B: 12, A: 255}
	fillRect(img, image.Rect(leftX-2, eyeY-2, leftX+2, eyeY+2), dark)
	fillRect(img, image.Rect(rightX-2, eyeY-2, rightX+2, eyeY+2), dark)

	return img
}

func testFaceConfig() config.FaceConfig {
	return config.FaceConfig{
		ConfidenceThreshold: 0.5,
		PaddingRatio:        0.25,
		CropSize:            64,
		PrimaryTimeout:      2 * time.Second,
		BreakerMaxFailures:  3,
		BreakerCooldown:     30 * time.Second,
	}
}

func TestIsolateSyntheticFace(t *testing.T) {
	img := syntheticFace(200, 200, image.Rect(48, 40, 152, 168))
	iso := NewIsolator(testFaceConfig())

	aligned, err := iso.Isolate(context.Background(), img)
	if err != nil {
		t.Fatalf("Isolate() error = %v", err)
	}

	if aligned.Region.Method != MethodPrimary {
		t.Errorf("Method = %q, want %q", aligned.Region.Method, MethodPrimary)
	}
	if aligned.Region.Confidence < 0.5 {
		t.Errorf("Confidence = %.3f, want >= 0.5", aligned.Region.Confidence)
	}
	if len(aligned.Region.Landmarks) != LandmarkCount {
		t.Errorf("landmark count = %d, want %d", len(aligned.Region.Landmarks), LandmarkCount)
	}
	if aligned.Crop.Rect.Dx() != 64 || aligned.Crop.Rect.Dy() != 64 {
		t.Errorf("crop dims = %dx%d, want 64x64", aligned.Crop.Rect.Dx(), aligned.Crop.Rect.Dy())
	}

	le := aligned.Region.Landmarks[LandmarkLeftEye]
	re := aligned.Region.Landmarks[LandmarkRightEye]
	if re.X <= le.X {
		t.Errorf("right eye X %.1f not right of left eye X %.1f", re.X, le.X)
	}
	if !aligned.Region.Box.Overlaps(image.Rect(48, 40, 152, 168)) {
		t.Errorf("Box = %v does not overlap painted face region", aligned.Region.Box)
	}
}

func TestIsolateNoFaceInLandscape(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 160, 120))
	fillRect(img, img.Rect, color.NRGBA{R: 40, G: 170, B: 60, A: 255})

	iso := NewIsolator(testFaceConfig())

	_, err := iso.Isolate(context.Background(), img)
	if !errors.Is(err, ErrNoFaceDetected) {
		t.Errorf("Isolate() error = %v, want ErrNoFaceDetected", err)
	}
}

func TestIsolateBelowConfidenceThreshold(t *testing.T) {
	img := syntheticFace(200, 200, image.Rect(48, 40, 152, 168))

	cfg := testFaceConfig()
	cfg.ConfidenceThreshold = 0.999
	iso := NewIsolator(cfg)

	_, err := iso.Isolate(context.Background(), img)
	if !errors.Is(err, ErrNoFaceDetected) {
		t.Errorf("Isolate() error = %v, want ErrNoFaceDetected for high threshold", err)
	}
}

func TestDetectAmbiguousWithCompetingFaces(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 256, 256))
	fillRect(img, img.Rect, color.NRGBA{R: 30, G: 160, B: 40, A: 255})
	// Two skin blocks of comparable size; the first is larger.
	fillRect(img, image.Rect(16, 16, 96, 96), skinTone)
	fillRect(img, image.Rect(144, 144, 216, 216), skinTone)

	d := NewPrimaryDetector()
	region, err := d.Detect(context.Background(), img)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	if !region.Ambiguous {
		t.Error("Ambiguous = false, want true for two competing faces")
	}
	// Largest bounding box wins.
	if !region.Box.Overlaps(image.Rect(16, 16, 96, 96)) {
		t.Errorf("Box = %v, want the larger region selected", region.Box)
	}
}

func TestDetectSingleFaceNotAmbiguous(t *testing.T) {
	img := syntheticFace(200, 200, image.Rect(48, 40, 152, 168))

	d := NewPrimaryDetector()
	region, err := d.Detect(context.Background(), img)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if region.Ambiguous {
		t.Error("Ambiguous = true, want false for a single face")
	}
}

// failingDetector simulates an unavailable primary backend.
type failingDetector struct{}

func (failingDetector) Name() string { return MethodPrimary }

func (failingDetector) Detect(context.Context, *image.NRGBA) (FaceRegion, error) {
	return FaceRegion{}, errors.New("backend unavailable")
}

func TestIsolateFallsBackWhenPrimaryFails(t *testing.T) {
	img := syntheticFace(200, 200, image.Rect(48, 40, 152, 168))
	iso := NewIsolatorWith(testFaceConfig(), failingDetector{}, NewFallbackDetector())

	aligned, err := iso.Isolate(context.Background(), img)
	if err != nil {
		t.Fatalf("Isolate() error = %v", err)
	}
	if aligned.Region.Method != MethodFallback {
		t.Errorf("Method = %q, want %q after primary failure", aligned.Region.Method, MethodFallback)
	}
}

func TestFallbackConfidenceDiscounted(t *testing.T) {
	img := syntheticFace(200, 200, image.Rect(48, 40, 152, 168))
	ctx := context.Background()

	primaryRegion, err := NewPrimaryDetector().Detect(ctx, img)
	if err != nil {
		t.Fatalf("primary Detect() error = %v", err)
	}
	fallbackRegion, err := NewFallbackDetector().Detect(ctx, img)
	if err != nil {
		t.Fatalf("fallback Detect() error = %v", err)
	}

	if fallbackRegion.Confidence >= primaryRegion.Confidence {
		t.Errorf("fallback confidence %.3f not below primary %.3f",
			fallbackRegion.Confidence, primaryRegion.Confidence)
	}
}

func TestIsSkin(t *testing.T) {
	tests := []struct {
		name    string
		r, g, b uint8
		want    bool
	}{
		{"light skin", 210, 150, 120, true},
		{"medium skin", 180, 120, 90, true},
		{"deep skin", 120, 70, 50, true},
		{"green foliage", 40, 170, 60, false},
		{"blue sky", 90, 140, 220, false},
		{"grey wall", 128, 128, 128, false},
		{"black", 0, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSkin(tt.r, tt.g, tt.b); got != tt.want {
				t.Errorf("isSkin(%d,%d,%d) = %v, want %v", tt.r, tt.g, tt.b, got, tt.want)
			}
		})
	}
}

func TestAlignBoxCropWithoutEyes(t *testing.T) {
	img := syntheticFace(200, 200, image.Rect(48, 40, 152, 168))

	region := FaceRegion{
		Box:        image.Rect(48, 40, 152, 168),
		Landmarks:  make([]Point, LandmarkCount), // degenerate eyes
		Confidence: 0.8,
		Method:     MethodFallback,
	}

	aligned := Align(img, region, 64, 0.25)
	if aligned.Crop.Rect.Dx() != 64 || aligned.Crop.Rect.Dy() != 64 {
		t.Errorf("crop dims = %dx%d, want 64x64", aligned.Crop.Rect.Dx(), aligned.Crop.Rect.Dy())
	}

	// The crop center must be skin toned.
	i := aligned.Crop.PixOffset(32, 32)
	if !isSkin(aligned.Crop.Pix[i], aligned.Crop.Pix[i+1], aligned.Crop.Pix[i+2]) {
		t.Error("crop center is not skin toned")
	}
}

func TestAlignDeterministic(t *testing.T) {
	img := syntheticFace(200, 200, image.Rect(48, 40, 152, 168))
	iso := NewIsolator(testFaceConfig())

	a, err := iso.Isolate(context.Background(), img)
	if err != nil {
		t.Fatalf("Isolate() error = %v", err)
	}
	b, err := iso.Isolate(context.Background(), img)
	if err != nil {
		t.Fatalf("Isolate() error = %v", err)
	}

	if len(a.Crop.Pix) != len(b.Crop.Pix) {
		t.Fatalf("crop sizes differ: %d vs %d", len(a.Crop.Pix), len(b.Crop.Pix))
	}
	for i := range a.Crop.Pix {
		if a.Crop.Pix[i] != b.Crop.Pix[i] {
			t.Fatalf("crops differ at byte %d", i)
		}
	}
}
