// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

// Package main is the corpus ingestion tool. It reads a reference case
// manifest, runs each image through the same preconditioning, face
// isolation and embedding stages the server uses, and writes the
// resulting cases into the BadgerDB store the server rebuilds its
// similarity index from.
//
// Usage:
//
//	lumiderm-indexer -manifest /data/corpus/manifest.json [-rate 10] [-workers 4]
//
// The store path and model artifact locations come from the regular
// server configuration, so indexer and server always agree on the
// embedding model version.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/lumiderm/lumiderm/internal/config"
	"github.com/lumiderm/lumiderm/internal/corpus"
	"github.com/lumiderm/lumiderm/internal/embedding"
	"github.com/lumiderm/lumiderm/internal/face"
	"github.com/lumiderm/lumiderm/internal/imaging"
	"github.com/lumiderm/lumiderm/internal/logging"
	"github.com/lumiderm/lumiderm/internal/simindex"
)

func main() {
	manifestPath := flag.String("manifest", "", "path to the corpus manifest JSON (required)")
	rate := flag.Float64("rate", 0, "ingest rate limit in images per second (0 = unlimited)")
	workers := flag.Int("workers", 4, "concurrent ingest workers")
	flag.Parse()

	if *manifestPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("[INDEXER] Failed to load configuration")
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	weights, err := embedding.LoadWeights(cfg.Embedding.WeightsPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("[INDEXER] Failed to load embedding weights")
	}
	generator, err := embedding.NewGeneratorFromWeights(weights)
	if err != nil {
		logging.Fatal().Err(err).Msg("[INDEXER] Failed to build embedding generator")
	}

	store, err := simindex.OpenCaseStore(cfg.Index.StorePath)
	if err != nil {
		logging.Fatal().Err(err).Msg("[INDEXER] Failed to open reference case store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("[INDEXER] Error closing case store")
		}
	}()

	entries, err := corpus.LoadManifest(*manifestPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("[INDEXER] Failed to load manifest")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loader := corpus.NewLoader(
		imaging.NewPreconditioner(cfg.Imaging),
		face.NewIsolator(cfg.Face),
		generator,
		store,
		*rate,
		*workers,
	)

	stats, err := loader.Run(ctx, entries)
	if err != nil {
		logging.Fatal().Err(err).
			Int("ingested", stats.Ingested).
			Msg("[INDEXER] Ingest aborted")
	}

	logging.Info().
		Int("ingested", stats.Ingested).
		Int("skipped", stats.Skipped).
		Dur("took", stats.Duration).
		Str("model_version", generator.ModelVersion()).
		Msg("[INDEXER] Corpus ingest complete")
}
