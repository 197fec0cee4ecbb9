// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched in priority order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/lumiderm/config.yaml",
	"/etc/lumiderm/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces all Lumiderm environment variables.
const envPrefix = "LUMIDERM_"

// Load builds the configuration from layered sources:
//  1. Defaults: built-in values from DefaultConfig
//  2. Config file: optional YAML file (first found path wins)
//  3. Environment variables: LUMIDERM_* overrides (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	// LUMIDERM_SERVER_PORT -> server.port, LUMIDERM_FACE_CONFIDENCE_THRESHOLD
	// -> face.confidence_threshold, and so on via the explicit mapping table.
	envProvider := env.Provider(envPrefix, ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths defines which config paths are parsed as comma-separated
// slices when supplied through environment variables.
var sliceConfigPaths = []string{
	"server.cors_origins",
	"imaging.allowed_formats",
}

// processSliceFields converts comma-separated strings to slices for known
// slice fields. Env vars arrive as strings but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}

		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Ambiguous multi-word keys are resolved through an explicit table; the
// default rule maps the first underscore segment to a config section.
//
// Examples:
//   - LUMIDERM_SERVER_PORT -> server.port
//   - LUMIDERM_FACE_CONFIDENCE_THRESHOLD -> face.confidence_threshold
//   - LUMIDERM_INDEX_STORE_PATH -> index.store_path
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// section_rest_of_key -> section.rest_of_key
	if idx := strings.Index(key, "_"); idx > 0 {
		return key[:idx] + "." + key[idx+1:]
	}
	return key
}

// envMappings resolves keys whose section or field contains underscores.
var envMappings = map[string]string{
	"server_cors_origins":          "server.cors_origins",
	"server_rate_limit_reqs":       "server.rate_limit_reqs",
	"server_rate_limit_window":     "server.rate_limit_window",
	"imaging_max_payload_bytes":    "imaging.max_payload_bytes",
	"imaging_allowed_formats":      "imaging.allowed_formats",
	"imaging_canonical_size":       "imaging.canonical_size",
	"face_confidence_threshold":    "face.confidence_threshold",
	"face_padding_ratio":           "face.padding_ratio",
	"face_crop_size":               "face.crop_size",
	"face_primary_timeout":         "face.primary_timeout",
	"face_breaker_max_failures":    "face.breaker_max_failures",
	"face_breaker_cooldown":        "face.breaker_cooldown",
	"embedding_weights_path":       "embedding.weights_path",
	"classify_weights_path":        "classify.weights_path",
	"classify_default_threshold":   "classify.default_threshold",
	"index_store_path":             "index.store_path",
	"index_top_k":                  "index.top_k",
	"index_rebuild_interval":       "index.rebuild_interval",
	"fairness_window_size":         "fairness.window_size",
	"fairness_adjustment_enabled":  "fairness.adjustment_enabled",
	"fairness_adjustment_bound":    "fairness.adjustment_bound",
	"fairness_alert_gap_threshold": "fairness.alert_gap_threshold",
	"products_catalog_path":        "products.catalog_path",
	"products_max_results":         "products.max_results",
	"pipeline_subtask_timeout":     "pipeline.subtask_timeout",
	"pipeline_request_timeout":     "pipeline.request_timeout",
}
