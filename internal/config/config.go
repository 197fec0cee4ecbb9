// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

// Package config defines the Lumiderm configuration model and its layered
// loading: built-in defaults, an optional YAML file, then environment
// variables, with later layers overriding earlier ones.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the analysis engine.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Imaging   ImagingConfig   `koanf:"imaging"`
	Face      FaceConfig      `koanf:"face"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Classify  ClassifyConfig  `koanf:"classify"`
	Index     IndexConfig     `koanf:"index"`
	Fairness  FairnessConfig  `koanf:"fairness"`
	Products  ProductsConfig  `koanf:"products"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// ImagingConfig bounds accepted image payloads.
type ImagingConfig struct {
	// MaxPayloadBytes is the size ceiling; larger uploads are rejected
	// before any decode or model work.
	MaxPayloadBytes int64 `koanf:"max_payload_bytes" validate:"min=1"`

	// MaxWidth and MaxHeight bound decoded dimensions.
	MaxWidth  int `koanf:"max_width" validate:"min=1"`
	MaxHeight int `koanf:"max_height" validate:"min=1"`

	// AllowedFormats lists accepted raster formats (jpeg, png, gif, webp).
	AllowedFormats []string `koanf:"allowed_formats"`

	// CanonicalSize is the side length images are resized to before analysis.
	CanonicalSize int `koanf:"canonical_size" validate:"min=16"`
}

// FaceConfig configures face isolation.
type FaceConfig struct {
	// ConfidenceThreshold below which detection fails with NoFaceDetected.
	ConfidenceThreshold float64 `koanf:"confidence_threshold" validate:"gte=0,lte=1"`

	// PaddingRatio pads the detected bounding box before cropping.
	PaddingRatio float64 `koanf:"padding_ratio" validate:"gte=0,lte=1"`

	// CropSize is the side length of the aligned face crop.
	CropSize int `koanf:"crop_size" validate:"min=16"`

	// PrimaryTimeout bounds the primary detector before falling back.
	PrimaryTimeout time.Duration `koanf:"primary_timeout"`

	// BreakerMaxFailures trips the primary-detector circuit breaker.
	BreakerMaxFailures uint32 `koanf:"breaker_max_failures"`

	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration `koanf:"breaker_cooldown"`
}

// EmbeddingConfig configures the embedding generator.
type EmbeddingConfig struct {
	// WeightsPath locates the versioned model artifact. Required in serving
	// mode; a missing or corrupt artifact fails startup with ModelUnavailable.
	WeightsPath string `koanf:"weights_path"`

	// Dim is the embedding dimensionality.
	Dim int `koanf:"dim" validate:"min=8"`
}

// ClassifyConfig configures the multi-task condition classifier.
type ClassifyConfig struct {
	WeightsPath string `koanf:"weights_path"`

	// DefaultThreshold gates condition emission when no per-condition
	// calibrated threshold is configured.
	DefaultThreshold float64 `koanf:"default_threshold" validate:"gte=0,lte=1"`

	// Thresholds maps condition label to its calibrated emission threshold.
	Thresholds map[string]float64 `koanf:"thresholds"`
}

// IndexConfig configures the similarity index.
type IndexConfig struct {
	// StorePath is the badger directory holding reference cases.
	StorePath string `koanf:"store_path"`

	// TopK caps the number of similarity matches returned per query.
	TopK int `koanf:"top_k" validate:"min=1"`

	// Workers is the number of parallel scan workers (0 = NumCPU).
	Workers int `koanf:"workers"`

	// RebuildInterval is how often the background rebuild service runs.
	// Zero disables periodic rebuilds.
	RebuildInterval time.Duration `koanf:"rebuild_interval"`
}

// FairnessConfig configures the bias evaluator.
type FairnessConfig struct {
	// WindowSize is the sliding window of analysis outcomes per metric.
	WindowSize int `koanf:"window_size" validate:"min=1"`

	// AdjustmentEnabled turns on bounded post-hoc per-group calibration.
	AdjustmentEnabled bool `koanf:"adjustment_enabled"`

	// AdjustmentBound clamps any per-group confidence adjustment.
	AdjustmentBound float64 `koanf:"adjustment_bound" validate:"gte=0,lte=0.5"`

	// AlertGapThreshold marks a demographic parity gap as notable in logs.
	AlertGapThreshold float64 `koanf:"alert_gap_threshold" validate:"gte=0,lte=1"`
}

// ProductsConfig configures the recommendation matcher.
type ProductsConfig struct {
	// CatalogPath locates the read-only product catalog JSON.
	CatalogPath string `koanf:"catalog_path"`

	// MaxResults caps the recommended products per analysis.
	MaxResults int `koanf:"max_results" validate:"min=1"`
}

// PipelineConfig configures the analysis orchestrator.
type PipelineConfig struct {
	// SubtaskTimeout bounds each analyzer/embedding subtask independently
	// of the overall request timeout. Timeouts degrade, never fail.
	SubtaskTimeout time.Duration `koanf:"subtask_timeout"`

	// RequestTimeout bounds the whole analysis request.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// FusionWeights weight the classifier and each analyzer during
	// confidence-weighted ensembling. Normalized to sum to 1 at load time,
	// never re-derived at request time.
	FusionWeights FusionWeights `koanf:"fusion_weights"`
}

// FusionWeights holds the ensemble weights for result fusion.
type FusionWeights struct {
	Classifier   float64 `koanf:"classifier" validate:"gte=0"`
	Texture      float64 `koanf:"texture" validate:"gte=0"`
	Pore         float64 `koanf:"pore" validate:"gte=0"`
	Wrinkle      float64 `koanf:"wrinkle" validate:"gte=0"`
	Pigmentation float64 `koanf:"pigmentation" validate:"gte=0"`
}

// Sum returns the total of all fusion weights.
func (w FusionWeights) Sum() float64 {
	return w.Classifier + w.Texture + w.Pore + w.Wrinkle + w.Pigmentation
}

// Normalize returns a copy of the weights scaled to sum to 1.
func (w FusionWeights) Normalize() FusionWeights {
	total := w.Sum()
	if total <= 0 {
		return DefaultConfig().Pipeline.FusionWeights
	}
	return FusionWeights{
		Classifier:   w.Classifier / total,
		Texture:      w.Texture / total,
		Pore:         w.Pore / total,
		Wrinkle:      w.Wrinkle / total,
		Pigmentation: w.Pigmentation / total,
	}
}

// DefaultConfig returns a Config with all default values applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8750,
			Timeout:         30 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   60,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Imaging: ImagingConfig{
			MaxPayloadBytes: 10 << 20, // 10MB
			MaxWidth:        8192,
			MaxHeight:       8192,
			AllowedFormats:  []string{"jpeg", "png", "gif", "webp"},
			CanonicalSize:   256,
		},
		Face: FaceConfig{
			ConfidenceThreshold: 0.5,
			PaddingRatio:        0.25,
			CropSize:            64,
			PrimaryTimeout:      2 * time.Second,
			BreakerMaxFailures:  3,
			BreakerCooldown:     30 * time.Second,
		},
		Embedding: EmbeddingConfig{
			WeightsPath: "/data/models/embedding.ldwt",
			Dim:         256,
		},
		Classify: ClassifyConfig{
			WeightsPath:      "/data/models/classifier.ldwt",
			DefaultThreshold: 0.35,
			Thresholds:       map[string]float64{},
		},
		Index: IndexConfig{
			StorePath:       "/data/refcases",
			TopK:            5,
			Workers:         0, // 0 = runtime.NumCPU()
			RebuildInterval: 0,
		},
		Fairness: FairnessConfig{
			WindowSize:        512,
			AdjustmentEnabled: false,
			AdjustmentBound:   0.05,
			AlertGapThreshold: 0.2,
		},
		Products: ProductsConfig{
			CatalogPath: "",
			MaxResults:  10,
		},
		Pipeline: PipelineConfig{
			SubtaskTimeout: 3 * time.Second,
			RequestTimeout: 15 * time.Second,
			FusionWeights: FusionWeights{
				Classifier:   0.55,
				Texture:      0.10,
				Pore:         0.15,
				Wrinkle:      0.10,
				Pigmentation: 0.10,
			},
		},
	}
}

// Validate checks structural constraints and cross-field invariants.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if c.Pipeline.FusionWeights.Sum() <= 0 {
		return fmt.Errorf("pipeline.fusion_weights must have a positive sum")
	}
	if c.Pipeline.SubtaskTimeout <= 0 {
		return fmt.Errorf("pipeline.subtask_timeout must be positive")
	}
	if c.Pipeline.RequestTimeout < c.Pipeline.SubtaskTimeout {
		return fmt.Errorf("pipeline.request_timeout must be >= subtask_timeout")
	}
	for label, threshold := range c.Classify.Thresholds {
		if threshold < 0 || threshold > 1 {
			return fmt.Errorf("classify.thresholds[%s] = %f outside [0,1]", label, threshold)
		}
	}
	if c.Face.CropSize > c.Imaging.CanonicalSize {
		return fmt.Errorf("face.crop_size must not exceed imaging.canonical_size")
	}
	return nil
}
