// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

// Package classify maps an embedding to condition predictions, severity
// distributions and demographic estimates through linear multi-task heads
// loaded from a versioned artifact.
package classify

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/lumiderm/lumiderm/internal/embedding"
)

// Artifact format: "LDCL" magic, uint32 format version, model version
// string, embedding dim, labeled head sizes, then float32 arrays. All
// integers and floats are little-endian.
var headsMagic = [4]byte{'L', 'D', 'C', 'L'}

const headsFormatVersion = 1

// Severity bucket labels, in artifact order. The softmax over these three
// always sums to 1 for each emitted condition.
var SeverityLabels = [3]string{"mild", "moderate", "severe"}

// DefaultConditionLabels is the condition set for bootstrap artifacts.
var DefaultConditionLabels = []string{
	"acne", "rosacea", "eczema", "hyperpigmentation", "dryness", "oiliness",
}

// DefaultAgeBrackets is the age head label set for bootstrap artifacts.
var DefaultAgeBrackets = []string{"0-17", "18-29", "30-44", "45-59", "60+"}

// DefaultEthnicityCategories is the Fitzpatrick-style category set for
// bootstrap artifacts.
var DefaultEthnicityCategories = []string{
	"type_i", "type_ii", "type_iii", "type_iv", "type_v", "type_vi",
}

// Heads is the parameter set of the multi-task classifier.
type Heads struct {
	// ModelVersion tags predictions; must match the embedding generator's
	// training run in deployment.
	ModelVersion string

	// Dim is the expected embedding dimension.
	Dim int

	// Conditions are the multi-label head's output labels, in weight order.
	Conditions []string

	// AgeBrackets and EthnicityCategories label the demographic heads.
	AgeBrackets         []string
	EthnicityCategories []string

	// ConditionWeight is len(Conditions) x Dim; sigmoid per label.
	ConditionWeight []float32
	ConditionBias   []float32

	// SeverityWeight is len(Conditions) x 3 x Dim; softmax over the three
	// buckets per condition.
	SeverityWeight []float32
	SeverityBias   []float32

	// Demographic heads, softmax each.
	AgeWeight []float32
	AgeBias   []float32
	EthWeight []float32
	EthBias   []float32
}

func (h *Heads) validate() error {
	if h.Dim < 1 || len(h.Conditions) == 0 || len(h.AgeBrackets) == 0 || len(h.EthnicityCategories) == 0 {
		return fmt.Errorf("empty head definition")
	}

	k := len(h.Conditions)
	a := len(h.AgeBrackets)
	e := len(h.EthnicityCategories)

	checks := []struct {
		name string
		got  int
		want int
	}{
		{"condition_weight", len(h.ConditionWeight), k * h.Dim},
		{"condition_bias", len(h.ConditionBias), k},
		{"severity_weight", len(h.SeverityWeight), k * 3 * h.Dim},
		{"severity_bias", len(h.SeverityBias), k * 3},
		{"age_weight", len(h.AgeWeight), a * h.Dim},
		{"age_bias", len(h.AgeBias), a},
		{"eth_weight", len(h.EthWeight), e * h.Dim},
		{"eth_bias", len(h.EthBias), e},
	}
	for _, c := range checks {
		if c.got != c.want {
			return fmt.Errorf("%s has %d values, want %d", c.name, c.got, c.want)
		}
	}
	return nil
}

// LoadHeads reads a classifier artifact. Every failure wraps
// embedding.ErrModelUnavailable: the request must abort, not guess.
func LoadHeads(path string) (*Heads, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", embedding.ErrModelUnavailable, path, err)
	}
	defer f.Close()

	h, err := readHeads(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", embedding.ErrModelUnavailable, path, err)
	}
	return h, nil
}

func readHeads(r io.Reader) (*Heads, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("magic: %v", err)
	}
	if magic != headsMagic {
		return nil, fmt.Errorf("bad magic %q", magic)
	}

	var formatVersion uint32
	if err := binary.Read(r, binary.LittleEndian, &formatVersion); err != nil {
		return nil, err
	}
	if formatVersion != headsFormatVersion {
		return nil, fmt.Errorf("unsupported format version %d", formatVersion)
	}

	h := &Heads{}
	var err error
	if h.ModelVersion, err = readString(r); err != nil {
		return nil, fmt.Errorf("model version: %v", err)
	}

	var dim uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, fmt.Errorf("dim: %v", err)
	}
	if dim == 0 || dim > 8192 {
		return nil, fmt.Errorf("implausible dim %d", dim)
	}
	h.Dim = int(dim)

	if h.Conditions, err = readStringList(r); err != nil {
		return nil, fmt.Errorf("conditions: %v", err)
	}
	if h.AgeBrackets, err = readStringList(r); err != nil {
		return nil, fmt.Errorf("age brackets: %v", err)
	}
	if h.EthnicityCategories, err = readStringList(r); err != nil {
		return nil, fmt.Errorf("ethnicity categories: %v", err)
	}

	k := len(h.Conditions)
	a := len(h.AgeBrackets)
	e := len(h.EthnicityCategories)

	arrays := []struct {
		dst *[]float32
		n   int
	}{
		{&h.ConditionWeight, k * h.Dim},
		{&h.ConditionBias, k},
		{&h.SeverityWeight, k * 3 * h.Dim},
		{&h.SeverityBias, k * 3},
		{&h.AgeWeight, a * h.Dim},
		{&h.AgeBias, a},
		{&h.EthWeight, e * h.Dim},
		{&h.EthBias, e},
	}
	for _, arr := range arrays {
		buf := make([]float32, arr.n)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, err
		}
		*arr.dst = buf
	}

	if err := h.validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// Save writes the artifact in the LDCL format.
func (h *Heads) Save(path string) error {
	if err := h.validate(); err != nil {
		return fmt.Errorf("save heads: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save heads: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if err := h.write(bw); err != nil {
		return fmt.Errorf("save heads: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("save heads: %w", err)
	}
	return nil
}

func (h *Heads) write(out io.Writer) error {
	if _, err := out.Write(headsMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, uint32(headsFormatVersion)); err != nil {
		return err
	}
	if err := writeString(out, h.ModelVersion); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, uint32(h.Dim)); err != nil {
		return err
	}
	for _, list := range [][]string{h.Conditions, h.AgeBrackets, h.EthnicityCategories} {
		if err := writeStringList(out, list); err != nil {
			return err
		}
	}
	for _, arr := range [][]float32{
		h.ConditionWeight, h.ConditionBias,
		h.SeverityWeight, h.SeverityBias,
		h.AgeWeight, h.AgeBias,
		h.EthWeight, h.EthBias,
	} {
		if err := binary.Write(out, binary.LittleEndian, arr); err != nil {
			return err
		}
	}
	return nil
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

func readStringList(r io.Reader) ([]string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n > 256 {
		return nil, fmt.Errorf("list length %d exceeds limit", n)
	}
	list := make([]string, n)
	for i := range list {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		list[i] = s
	}
	return list, nil
}

func writeStringList(w io.Writer, list []string) error {
	if err := binary.Write(w, binary.LittleEndian, uint16(len(list))); err != nil {
		return err
	}
	for _, s := range list {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

// NewRandomHeads builds a deterministic pseudo-random head set for
// bootstrap and test artifacts, using the default label sets.
func NewRandomHeads(modelVersion string, dim int, seed int64) *Heads {
	rng := rand.New(rand.NewSource(seed))

	h := &Heads{
		ModelVersion:        modelVersion,
		Dim:                 dim,
		Conditions:          append([]string(nil), DefaultConditionLabels...),
		AgeBrackets:         append([]string(nil), DefaultAgeBrackets...),
		EthnicityCategories: append([]string(nil), DefaultEthnicityCategories...),
	}

	fill := func(n int, scale float64) []float32 {
		arr := make([]float32, n)
		for i := range arr {
			arr[i] = float32((rng.Float64()*2 - 1) * scale)
		}
		return arr
	}

	k := len(h.Conditions)
	a := len(h.AgeBrackets)
	e := len(h.EthnicityCategories)

	h.ConditionWeight = fill(k*dim, 0.5)
	h.ConditionBias = fill(k, 0.2)
	h.SeverityWeight = fill(k*3*dim, 0.5)
	h.SeverityBias = fill(k*3, 0.2)
	h.AgeWeight = fill(a*dim, 0.5)
	h.AgeBias = fill(a, 0.2)
	h.EthWeight = fill(e*dim, 0.5)
	h.EthBias = fill(e, 0.2)

	return h
}
