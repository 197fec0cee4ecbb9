// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package face

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// Canonical eye positions within the aligned crop, as fractions of the
// crop side. The inter-eye distance ends up at 0.36 of the side.
const (
	canonicalEyeY      = 0.40
	canonicalLeftEyeX  = 0.32
	canonicalRightEyeX = 0.68
)

// minEyeDistance below which the eye geometry is too degenerate to anchor
// a similarity transform.
const minEyeDistance = 2.0

// Align produces a canonical-pose square crop from a detected face.
// When the eye geometry supports it, a similarity transform maps the eyes
// to fixed positions; otherwise the padded bounding box is cropped and
// rescaled directly.
func Align(img *image.NRGBA, region FaceRegion, cropSize int, paddingRatio float64) *AlignedFace {
	if region.EyeDistance() >= minEyeDistance {
		return &AlignedFace{
			Crop:   similarityCrop(img, region, cropSize),
			Region: region,
		}
	}
	return &AlignedFace{
		Crop:   boxCrop(img, region.Box, cropSize, paddingRatio),
		Region: region,
	}
}

// similarityCrop maps the detected eye pair onto the canonical eye
// positions with a rotation+scale+translation, sampling the source through
// the inverse transform with bilinear interpolation.
func similarityCrop(img *image.NRGBA, region FaceRegion, cropSize int) *image.NRGBA {
	s := float64(cropSize)

	le := region.Landmarks[LandmarkLeftEye]
	re := region.Landmarks[LandmarkRightEye]

	srcDX := re.X - le.X
	srcDY := re.Y - le.Y
	srcDist := hypot(srcDX, srcDY)

	dstDist := (canonicalRightEyeX - canonicalLeftEyeX) * s
	scale := dstDist / srcDist
	angle := math.Atan2(srcDY, srcDX)

	// Forward transform: rotate by -angle, scale, translate left eye onto
	// its canonical position. We sample through the inverse.
	cosA := math.Cos(angle)
	sinA := math.Sin(angle)
	invScale := 1 / scale

	dstLeX := canonicalLeftEyeX * s
	dstLeY := canonicalEyeY * s

	dst := image.NewNRGBA(image.Rect(0, 0, cropSize, cropSize))
	for y := 0; y < cropSize; y++ {
		for x := 0; x < cropSize; x++ {
			// Offset from the canonical left eye in crop space.
			dx := float64(x) - dstLeX
			dy := float64(y) - dstLeY

			// Inverse similarity: unscale then rotate by +angle.
			sx := le.X + invScale*(dx*cosA-dy*sinA)
			sy := le.Y + invScale*(dx*sinA+dy*cosA)

			r, g, b, a := sampleBilinear(img, sx, sy)
			i := dst.PixOffset(x, y)
			dst.Pix[i] = r
			dst.Pix[i+1] = g
			dst.Pix[i+2] = b
			dst.Pix[i+3] = a
		}
	}
	return dst
}

// boxCrop pads the bounding box, clamps it to the image, and rescales the
// region to the crop size.
func boxCrop(img *image.NRGBA, box image.Rectangle, cropSize int, paddingRatio float64) *image.NRGBA {
	padX := int(float64(box.Dx()) * paddingRatio)
	padY := int(float64(box.Dy()) * paddingRatio)

	padded := image.Rect(box.Min.X-padX, box.Min.Y-padY, box.Max.X+padX, box.Max.Y+padY)
	padded = padded.Intersect(image.Rect(0, 0, img.Rect.Dx(), img.Rect.Dy()))
	if padded.Empty() {
		padded = image.Rect(0, 0, img.Rect.Dx(), img.Rect.Dy())
	}

	src := img.SubImage(padded.Add(img.Rect.Min))

	dst := image.NewNRGBA(image.Rect(0, 0, cropSize, cropSize))
	draw.CatmullRom.Scale(dst, dst.Rect, src, src.Bounds(), draw.Src, nil)
	return dst
}

// sampleBilinear reads a sub-pixel position; out-of-bounds samples clamp
// to the nearest edge pixel.
func sampleBilinear(img *image.NRGBA, x, y float64) (uint8, uint8, uint8, uint8) {
	w := img.Rect.Dx()
	h := img.Rect.Dy()

	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)

	clampX := func(v int) int {
		if v < 0 {
			return 0
		}
		if v >= w {
			return w - 1
		}
		return v
	}
	clampY := func(v int) int {
		if v < 0 {
			return 0
		}
		if v >= h {
			return h - 1
		}
		return v
	}

	read := func(px, py int) (float64, float64, float64, float64) {
		i := img.PixOffset(img.Rect.Min.X+clampX(px), img.Rect.Min.Y+clampY(py))
		return float64(img.Pix[i]), float64(img.Pix[i+1]), float64(img.Pix[i+2]), float64(img.Pix[i+3])
	}

	r00, g00, b00, a00 := read(x0, y0)
	r10, g10, b10, a10 := read(x0+1, y0)
	r01, g01, b01, a01 := read(x0, y0+1)
	r11, g11, b11, a11 := read(x0+1, y0+1)

	lerp2 := func(c00, c10, c01, c11 float64) uint8 {
		top := c00 + (c10-c00)*fx
		bot := c01 + (c11-c01)*fx
		v := top + (bot-top)*fy
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		return uint8(v + 0.5)
	}

	return lerp2(r00, r10, r01, r11),
		lerp2(g00, g10, g01, g11),
		lerp2(b00, b10, b01, b11),
		lerp2(a00, a10, a01, a11)
}
