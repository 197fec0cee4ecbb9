// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package analyzers

import "image"

// grayPlane is a float64 luminance plane extracted from a crop. All
// analyzers work on this shared representation.
type grayPlane struct {
	w, h int
	pix  []float64
}

// newGrayPlane converts an NRGBA crop to Rec.601 luminance.
func newGrayPlane(img *image.NRGBA) *grayPlane {
	w := img.Rect.Dx()
	h := img.Rect.Dy()
	p := &grayPlane{w: w, h: h, pix: make([]float64, w*h)}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			p.pix[y*w+x] = 0.299*float64(img.Pix[i]) +
				0.587*float64(img.Pix[i+1]) +
				0.114*float64(img.Pix[i+2])
		}
	}
	return p
}

func (p *grayPlane) at(x, y int) float64 {
	if x < 0 {
		x = 0
	}
	if x >= p.w {
		x = p.w - 1
	}
	if y < 0 {
		y = 0
	}
	if y >= p.h {
		y = p.h - 1
	}
	return p.pix[y*p.w+x]
}

// mean returns the average luminance of a rectangular region, clamped to
// the plane.
func (p *grayPlane) mean(x0, y0, x1, y1 int) float64 {
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > p.w {
		x1 = p.w
	}
	if y1 > p.h {
		y1 = p.h
	}
	if x0 >= x1 || y0 >= y1 {
		return 0
	}

	var sum float64
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			sum += p.pix[y*p.w+x]
		}
	}
	return sum / float64((x1-x0)*(y1-y0))
}

// sobel returns the horizontal and vertical Sobel responses at a pixel.
func (p *grayPlane) sobel(x, y int) (gx, gy float64) {
	tl := p.at(x-1, y-1)
	tc := p.at(x, y-1)
	tr := p.at(x+1, y-1)
	ml := p.at(x-1, y)
	mr := p.at(x+1, y)
	bl := p.at(x-1, y+1)
	bc := p.at(x, y+1)
	br := p.at(x+1, y+1)

	gx = (tr + 2*mr + br) - (tl + 2*ml + bl)
	gy = (bl + 2*bc + br) - (tl + 2*tc + tr)
	return gx, gy
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
