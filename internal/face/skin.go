// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package face

import (
	"image"
	"math"
	"sort"
)

// cellSize is the downsampling grid used for connected-component analysis.
const cellSize = 8

// minComponentCells filters out skin speckle below this cell count.
const minComponentCells = 4

// isSkin applies a rule-based RGB skin classifier to one pixel.
func isSkin(r, g, b uint8) bool {
	maxC := r
	if g > maxC {
		maxC = g
	}
	if b > maxC {
		maxC = b
	}
	minC := r
	if g < minC {
		minC = g
	}
	if b < minC {
		minC = b
	}

	diff := int(r) - int(g)
	if diff < 0 {
		diff = -diff
	}

	return r > 95 && g > 40 && b > 20 &&
		int(maxC)-int(minC) > 15 &&
		diff > 15 &&
		r > g && r > b
}

// luminance returns the Rec.601 luma of a pixel.
func luminance(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}

// component is a connected region of skin cells on the downsampled grid.
type component struct {
	cells int
	box   image.Rectangle // pixel coordinates
}

// skinComponents builds the downsampled skin mask and returns connected
// components sorted by cell count descending.
func skinComponents(img *image.NRGBA) []component {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	gw := (w + cellSize - 1) / cellSize
	gh := (h + cellSize - 1) / cellSize
	if gw == 0 || gh == 0 {
		return nil
	}

	mask := make([]bool, gw*gh)
	for gy := 0; gy < gh; gy++ {
		for gx := 0; gx < gw; gx++ {
			skin, total := 0, 0
			for y := gy * cellSize; y < (gy+1)*cellSize && y < h; y++ {
				for x := gx * cellSize; x < (gx+1)*cellSize && x < w; x++ {
					i := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
					if isSkin(img.Pix[i], img.Pix[i+1], img.Pix[i+2]) {
						skin++
					}
					total++
				}
			}
			mask[gy*gw+gx] = total > 0 && float64(skin)/float64(total) >= 0.5
		}
	}

	// Flood fill with 4-connectivity.
	visited := make([]bool, gw*gh)
	var comps []component

	for start := range mask {
		if !mask[start] || visited[start] {
			continue
		}

		stack := []int{start}
		visited[start] = true
		cells := 0
		minGX, minGY := gw, gh
		maxGX, maxGY := 0, 0

		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			cells++

			gx, gy := idx%gw, idx/gw
			if gx < minGX {
				minGX = gx
			}
			if gy < minGY {
				minGY = gy
			}
			if gx > maxGX {
				maxGX = gx
			}
			if gy > maxGY {
				maxGY = gy
			}

			for _, n := range [4]int{idx - 1, idx + 1, idx - gw, idx + gw} {
				if n < 0 || n >= gw*gh || visited[n] || !mask[n] {
					continue
				}
				// Reject horizontal wraparound.
				if (n == idx-1 && gx == 0) || (n == idx+1 && gx == gw-1) {
					continue
				}
				visited[n] = true
				stack = append(stack, n)
			}
		}

		if cells < minComponentCells {
			continue
		}

		box := image.Rect(minGX*cellSize, minGY*cellSize, (maxGX+1)*cellSize, (maxGY+1)*cellSize)
		box = box.Intersect(image.Rect(0, 0, w, h))
		comps = append(comps, component{cells: cells, box: box})
	}

	sort.Slice(comps, func(i, j int) bool {
		if comps[i].cells != comps[j].cells {
			return comps[i].cells > comps[j].cells
		}
		// Deterministic order for equal sizes.
		if comps[i].box.Min.Y != comps[j].box.Min.Y {
			return comps[i].box.Min.Y < comps[j].box.Min.Y
		}
		return comps[i].box.Min.X < comps[j].box.Min.X
	})

	return comps
}

// regionConfidence scores a candidate box by its skin density and aspect
// ratio plausibility.
func regionConfidence(img *image.NRGBA, box image.Rectangle) float64 {
	area := box.Dx() * box.Dy()
	if area == 0 {
		return 0
	}

	skin := 0
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			i := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			if isSkin(img.Pix[i], img.Pix[i+1], img.Pix[i+2]) {
				skin++
			}
		}
	}

	conf := float64(skin) / float64(area)

	// Faces are roughly as tall as or taller than wide.
	aspect := float64(box.Dy()) / float64(box.Dx())
	if aspect < 0.7 || aspect > 2.0 {
		conf *= 0.7
	}

	if conf > 0.99 {
		conf = 0.99
	}
	return conf
}

func hypot(dx, dy float64) float64 {
	return math.Sqrt(dx*dx + dy*dy)
}
