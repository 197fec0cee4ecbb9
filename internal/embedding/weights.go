// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

// Package embedding turns an aligned face crop into a fixed-length
// L2-normalized vector. The backbone is a small convolutional stage with
// squeeze-excitation channel gating and a CBAM-style spatial attention
// mask, parameterized by a versioned weight artifact loaded at startup.
package embedding

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
)

// ErrModelUnavailable is returned when the weight artifact cannot be
// loaded or produces degenerate output. The request must fail rather than
// fall back to a zero vector.
var ErrModelUnavailable = errors.New("embedding model unavailable")

// Artifact format: "LDWT" magic, uint32 format version, model version
// string, layer dimensions, then float32 arrays in a fixed order. All
// integers and floats are little-endian.
var weightsMagic = [4]byte{'L', 'D', 'W', 'T'}

const weightsFormatVersion = 1

// Weights is the full parameter set of the embedding backbone.
type Weights struct {
	// ModelVersion tags every produced embedding. Embeddings from
	// different versions must never be compared.
	ModelVersion string

	// InputSize is the expected square crop side.
	InputSize int

	// Channels is the conv stage width.
	Channels int

	// Reduced is the squeeze-excitation bottleneck width.
	Reduced int

	// Dim is the output embedding dimension.
	Dim int

	// Conv stage: Channels x 3 input planes x 3x3 kernel, stride 2.
	ConvKernel []float32 // Channels*3*3*3
	ConvBias   []float32 // Channels

	// Squeeze-excitation: two fully connected layers around a bottleneck.
	SE1Weight []float32 // Reduced*Channels
	SE1Bias   []float32 // Reduced
	SE2Weight []float32 // Channels*Reduced
	SE2Bias   []float32 // Channels

	// Spatial attention: 3x3 conv over the [avg, max] channel summaries.
	SpatialKernel []float32 // 2*3*3
	SpatialBias   float32

	// Projection head: global average pooled channels to the embedding.
	FCWeight []float32 // Dim*Channels
	FCBias   []float32 // Dim
}

// sizes returns the expected length of each parameter array.
func (w *Weights) sizes() map[string]int {
	return map[string]int{
		"conv_kernel":    w.Channels * 3 * 3 * 3,
		"conv_bias":      w.Channels,
		"se1_weight":     w.Reduced * w.Channels,
		"se1_bias":       w.Reduced,
		"se2_weight":     w.Channels * w.Reduced,
		"se2_bias":       w.Channels,
		"spatial_kernel": 2 * 3 * 3,
		"fc_weight":      w.Dim * w.Channels,
		"fc_bias":        w.Dim,
	}
}

// validate checks dimensional consistency of a loaded parameter set.
func (w *Weights) validate() error {
	if w.InputSize < 8 || w.Channels < 1 || w.Reduced < 1 || w.Dim < 8 {
		return fmt.Errorf("implausible dimensions: input=%d channels=%d reduced=%d dim=%d",
			w.InputSize, w.Channels, w.Reduced, w.Dim)
	}
	for name, want := range w.sizes() {
		got := len(w.array(name))
		if got != want {
			return fmt.Errorf("%s has %d values, want %d", name, got, want)
		}
	}
	return nil
}

func (w *Weights) array(name string) []float32 {
	switch name {
	case "conv_kernel":
		return w.ConvKernel
	case "conv_bias":
		return w.ConvBias
	case "se1_weight":
		return w.SE1Weight
	case "se1_bias":
		return w.SE1Bias
	case "se2_weight":
		return w.SE2Weight
	case "se2_bias":
		return w.SE2Bias
	case "spatial_kernel":
		return w.SpatialKernel
	case "fc_weight":
		return w.FCWeight
	case "fc_bias":
		return w.FCBias
	default:
		return nil
	}
}

// arrayOrder fixes the serialization order of the parameter arrays.
var arrayOrder = []string{
	"conv_kernel", "conv_bias",
	"se1_weight", "se1_bias", "se2_weight", "se2_bias",
	"spatial_kernel",
	"fc_weight", "fc_bias",
}

// LoadWeights reads a weight artifact from disk. Every failure wraps
// ErrModelUnavailable.
func LoadWeights(path string) (*Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrModelUnavailable, path, err)
	}
	defer f.Close()

	w, err := readWeights(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrModelUnavailable, path, err)
	}
	return w, nil
}

func readWeights(r io.Reader) (*Weights, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("magic: %v", err)
	}
	if magic != weightsMagic {
		return nil, fmt.Errorf("bad magic %q", magic)
	}

	var formatVersion uint32
	if err := binary.Read(r, binary.LittleEndian, &formatVersion); err != nil {
		return nil, err
	}
	if formatVersion != weightsFormatVersion {
		return nil, fmt.Errorf("unsupported format version %d", formatVersion)
	}

	modelVersion, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("model version: %v", err)
	}

	var dims [4]uint32
	if err := binary.Read(r, binary.LittleEndian, &dims); err != nil {
		return nil, fmt.Errorf("dimensions: %v", err)
	}

	w := &Weights{
		ModelVersion: modelVersion,
		InputSize:    int(dims[0]),
		Channels:     int(dims[1]),
		Reduced:      int(dims[2]),
		Dim:          int(dims[3]),
	}
	if w.InputSize > 1024 || w.Channels > 1024 || w.Reduced > 1024 || w.Dim > 8192 {
		return nil, fmt.Errorf("implausible dimensions in header")
	}

	sizes := w.sizes()
	for _, name := range arrayOrder {
		arr := make([]float32, sizes[name])
		if err := binary.Read(r, binary.LittleEndian, arr); err != nil {
			return nil, fmt.Errorf("%s: %v", name, err)
		}
		w.setArray(name, arr)
	}

	if err := binary.Read(r, binary.LittleEndian, &w.SpatialBias); err != nil {
		return nil, fmt.Errorf("spatial_bias: %v", err)
	}

	if err := w.validate(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Weights) setArray(name string, arr []float32) {
	switch name {
	case "conv_kernel":
		w.ConvKernel = arr
	case "conv_bias":
		w.ConvBias = arr
	case "se1_weight":
		w.SE1Weight = arr
	case "se1_bias":
		w.SE1Bias = arr
	case "se2_weight":
		w.SE2Weight = arr
	case "se2_bias":
		w.SE2Bias = arr
	case "spatial_kernel":
		w.SpatialKernel = arr
	case "fc_weight":
		w.FCWeight = arr
	case "fc_bias":
		w.FCBias = arr
	}
}

// Save writes the artifact to disk in the LDWT format.
func (w *Weights) Save(path string) error {
	if err := w.validate(); err != nil {
		return fmt.Errorf("save weights: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save weights: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if err := w.write(bw); err != nil {
		return fmt.Errorf("save weights: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("save weights: %w", err)
	}
	return nil
}

func (w *Weights) write(out io.Writer) error {
	if _, err := out.Write(weightsMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, uint32(weightsFormatVersion)); err != nil {
		return err
	}
	if err := writeString(out, w.ModelVersion); err != nil {
		return err
	}

	dims := [4]uint32{uint32(w.InputSize), uint32(w.Channels), uint32(w.Reduced), uint32(w.Dim)}
	if err := binary.Write(out, binary.LittleEndian, dims); err != nil {
		return err
	}

	for _, name := range arrayOrder {
		if err := binary.Write(out, binary.LittleEndian, w.array(name)); err != nil {
			return err
		}
	}
	return binary.Write(out, binary.LittleEndian, w.SpatialBias)
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > 256 {
		return "", fmt.Errorf("string length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 256 {
		return fmt.Errorf("string length %d exceeds limit", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// NewRandomWeights builds a deterministic pseudo-random parameter set for
// bootstrap and test artifacts. Real deployments load trained weights from
// the artifact store; the seed fixes every value so two artifacts from the
// same seed are byte-identical.
func NewRandomWeights(modelVersion string, inputSize, channels, reduced, dim int, seed int64) *Weights {
	rng := rand.New(rand.NewSource(seed))

	w := &Weights{
		ModelVersion: modelVersion,
		InputSize:    inputSize,
		Channels:     channels,
		Reduced:      reduced,
		Dim:          dim,
	}

	fill := func(n int, scale float64) []float32 {
		arr := make([]float32, n)
		for i := range arr {
			arr[i] = float32((rng.Float64()*2 - 1) * scale)
		}
		return arr
	}

	// He-style scaling keeps activations in a workable range.
	w.ConvKernel = fill(channels*3*3*3, math.Sqrt(2.0/27))
	w.ConvBias = fill(channels, 0.01)
	w.SE1Weight = fill(reduced*channels, math.Sqrt(2.0/float64(channels)))
	w.SE1Bias = fill(reduced, 0.01)
	w.SE2Weight = fill(channels*reduced, math.Sqrt(2.0/float64(reduced)))
	w.SE2Bias = fill(channels, 0.01)
	w.SpatialKernel = fill(2*3*3, math.Sqrt(2.0/18))
	w.SpatialBias = 0
	w.FCWeight = fill(dim*channels, math.Sqrt(2.0/float64(channels)))
	w.FCBias = fill(dim, 0.01)

	return w
}
