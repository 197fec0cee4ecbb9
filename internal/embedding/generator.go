// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/lumiderm/lumiderm/internal/face"
	"github.com/lumiderm/lumiderm/internal/metrics"
)

// Embedding is a fixed-length L2-normalized vector tagged with the model
// version that produced it. Immutable once produced.
type Embedding struct {
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
}

// Dim returns the vector length.
func (e *Embedding) Dim() int { return len(e.Vector) }

// Cosine returns the cosine similarity between two L2-normalized
// embeddings, which reduces to the dot product.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// Generator runs the backbone forward pass. Weights are immutable for the
// process lifetime; concurrent Generate calls share them safely.
type Generator struct {
	weights *Weights
}

// NewGenerator loads the weight artifact and returns a ready generator.
// A missing or malformed artifact fails with ErrModelUnavailable; the
// caller must abort startup or the request, never substitute zeros.
func NewGenerator(path string) (*Generator, error) {
	w, err := LoadWeights(path)
	if err != nil {
		return nil, err
	}
	return &Generator{weights: w}, nil
}

// NewGeneratorFromWeights wraps an in-memory parameter set.
func NewGeneratorFromWeights(w *Weights) (*Generator, error) {
	if err := w.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return &Generator{weights: w}, nil
}

// ModelVersion returns the loaded artifact's version tag.
func (g *Generator) ModelVersion() string { return g.weights.ModelVersion }

// Dim returns the output embedding dimension.
func (g *Generator) Dim() int { return g.weights.Dim }

// Generate produces the embedding for an aligned crop. Deterministic for
// a fixed weight artifact: identical crops yield identical vectors.
func (g *Generator) Generate(ctx context.Context, aligned *face.AlignedFace) (*Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	metrics.ModelInferences.WithLabelValues("embedding").Inc()

	w := g.weights
	input := normalizeInput(aligned, w.InputSize)

	// Conv stage, stride 2, ReLU.
	out := w.InputSize / 2
	feat := make([]float64, w.Channels*out*out)
	for c := 0; c < w.Channels; c++ {
		base := c * 27 // 3 planes x 3x3 kernel
		for oy := 0; oy < out; oy++ {
			for ox := 0; ox < out; ox++ {
				sum := float64(w.ConvBias[c])
				for plane := 0; plane < 3; plane++ {
					for ky := 0; ky < 3; ky++ {
						for kx := 0; kx < 3; kx++ {
							iy := oy*2 + ky - 1
							ix := ox*2 + kx - 1
							sum += float64(w.ConvKernel[base+plane*9+ky*3+kx]) *
								samplePlane(input, w.InputSize, plane, ix, iy)
						}
					}
				}
				if sum < 0 {
					sum = 0
				}
				feat[c*out*out+oy*out+ox] = sum
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	applySqueezeExcitation(feat, w, out)
	applySpatialAttention(feat, w, out)

	// Global average pool then projection.
	pooled := make([]float64, w.Channels)
	for c := 0; c < w.Channels; c++ {
		var sum float64
		for i := 0; i < out*out; i++ {
			sum += feat[c*out*out+i]
		}
		pooled[c] = sum / float64(out*out)
	}

	vec := make([]float32, w.Dim)
	var norm float64
	for d := 0; d < w.Dim; d++ {
		sum := float64(w.FCBias[d])
		for c := 0; c < w.Channels; c++ {
			sum += float64(w.FCWeight[d*w.Channels+c]) * pooled[c]
		}
		vec[d] = float32(sum)
		norm += sum * sum
	}

	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil, fmt.Errorf("%w: degenerate zero embedding", ErrModelUnavailable)
	}
	for d := range vec {
		vec[d] = float32(float64(vec[d]) / norm)
	}

	return &Embedding{Vector: vec, ModelVersion: w.ModelVersion}, nil
}

// normalizeInput converts the crop into three [0,1] float planes at the
// backbone's input size, rescaling with nearest-neighbor when the crop
// size differs.
func normalizeInput(aligned *face.AlignedFace, size int) []float64 {
	img := aligned.Crop
	w := img.Rect.Dx()
	h := img.Rect.Dy()

	planes := make([]float64, 3*size*size)
	for y := 0; y < size; y++ {
		sy := y * h / size
		for x := 0; x < size; x++ {
			sx := x * w / size
			i := img.PixOffset(img.Rect.Min.X+sx, img.Rect.Min.Y+sy)
			planes[0*size*size+y*size+x] = float64(img.Pix[i]) / 255
			planes[1*size*size+y*size+x] = float64(img.Pix[i+1]) / 255
			planes[2*size*size+y*size+x] = float64(img.Pix[i+2]) / 255
		}
	}
	return planes
}

// samplePlane reads an input plane with zero padding outside bounds.
func samplePlane(planes []float64, size, plane, x, y int) float64 {
	if x < 0 || x >= size || y < 0 || y >= size {
		return 0
	}
	return planes[plane*size*size+y*size+x]
}

// applySqueezeExcitation gates each channel by a learned function of the
// global channel statistics.
func applySqueezeExcitation(feat []float64, w *Weights, out int) {
	area := out * out

	squeeze := make([]float64, w.Channels)
	for c := 0; c < w.Channels; c++ {
		var sum float64
		for i := 0; i < area; i++ {
			sum += feat[c*area+i]
		}
		squeeze[c] = sum / float64(area)
	}

	hidden := make([]float64, w.Reduced)
	for r := 0; r < w.Reduced; r++ {
		sum := float64(w.SE1Bias[r])
		for c := 0; c < w.Channels; c++ {
			sum += float64(w.SE1Weight[r*w.Channels+c]) * squeeze[c]
		}
		if sum < 0 {
			sum = 0
		}
		hidden[r] = sum
	}

	for c := 0; c < w.Channels; c++ {
		sum := float64(w.SE2Bias[c])
		for r := 0; r < w.Reduced; r++ {
			sum += float64(w.SE2Weight[c*w.Reduced+r]) * hidden[r]
		}
		gate := sigmoid(sum)
		for i := 0; i < area; i++ {
			feat[c*area+i] *= gate
		}
	}
}

// applySpatialAttention scales every channel by a per-pixel mask computed
// from the average and maximum across channels (CBAM-style).
func applySpatialAttention(feat []float64, w *Weights, out int) {
	area := out * out

	avg := make([]float64, area)
	max := make([]float64, area)
	for i := 0; i < area; i++ {
		m := math.Inf(-1)
		var sum float64
		for c := 0; c < w.Channels; c++ {
			v := feat[c*area+i]
			sum += v
			if v > m {
				m = v
			}
		}
		avg[i] = sum / float64(w.Channels)
		max[i] = m
	}

	mask := make([]float64, area)
	for y := 0; y < out; y++ {
		for x := 0; x < out; x++ {
			sum := float64(w.SpatialBias)
			for ky := 0; ky < 3; ky++ {
				for kx := 0; kx < 3; kx++ {
					iy := y + ky - 1
					ix := x + kx - 1
					if ix < 0 || ix >= out || iy < 0 || iy >= out {
						continue
					}
					sum += float64(w.SpatialKernel[0*9+ky*3+kx]) * avg[iy*out+ix]
					sum += float64(w.SpatialKernel[1*9+ky*3+kx]) * max[iy*out+ix]
				}
			}
			mask[y*out+x] = sigmoid(sum)
		}
	}

	for c := 0; c < w.Channels; c++ {
		for i := 0; i < area; i++ {
			feat[c*area+i] *= mask[i]
		}
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
