// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

// Package main is the entry point for the Lumiderm analysis server.
//
// The server initializes components in the following order:
//
//  1. Configuration: defaults, optional YAML file, environment (Koanf v2)
//  2. Model artifacts: embedding weights and classifier heads; a missing
//     or corrupt artifact fails startup
//  3. Reference case store: BadgerDB directory of ingested cases
//  4. Pipeline: preconditioner, face isolator, analyzers, orchestrator
//  5. Supervisor tree: index rebuild, event consumer and HTTP server
//     under suture supervision
//
// # Configuration
//
// Configuration is layered (highest priority wins): environment
// variables with the LUMIDERM_ prefix, then config.yaml, then built-in
// defaults. See internal/config for the full model.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server stops
// accepting connections, drains in-flight requests, and the supervised
// services stop in reverse order.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumiderm/lumiderm/internal/analyzers"
	"github.com/lumiderm/lumiderm/internal/api"
	"github.com/lumiderm/lumiderm/internal/classify"
	"github.com/lumiderm/lumiderm/internal/config"
	"github.com/lumiderm/lumiderm/internal/embedding"
	"github.com/lumiderm/lumiderm/internal/face"
	"github.com/lumiderm/lumiderm/internal/fairness"
	"github.com/lumiderm/lumiderm/internal/imaging"
	"github.com/lumiderm/lumiderm/internal/logging"
	"github.com/lumiderm/lumiderm/internal/pipeline"
	"github.com/lumiderm/lumiderm/internal/products"
	"github.com/lumiderm/lumiderm/internal/simindex"
	"github.com/lumiderm/lumiderm/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("[MAIN] Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("embedding_weights", cfg.Embedding.WeightsPath).
		Str("classifier_weights", cfg.Classify.WeightsPath).
		Str("store_path", cfg.Index.StorePath).
		Msg("[MAIN] Starting Lumiderm analysis server")

	// Model artifacts are required for serving. A corrupt or missing
	// artifact surfaces as ModelUnavailable and fails startup.
	weights, err := embedding.LoadWeights(cfg.Embedding.WeightsPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("[MAIN] Failed to load embedding weights")
	}
	generator, err := embedding.NewGeneratorFromWeights(weights)
	if err != nil {
		logging.Fatal().Err(err).Msg("[MAIN] Failed to build embedding generator")
	}

	heads, err := classify.LoadHeads(cfg.Classify.WeightsPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("[MAIN] Failed to load classifier heads")
	}
	classifier, err := classify.NewClassifierFromHeads(heads, cfg.Classify)
	if err != nil {
		logging.Fatal().Err(err).Msg("[MAIN] Failed to build classifier")
	}
	if generator.Dim() != classifier.Dim() {
		logging.Fatal().
			Int("embedding_dim", generator.Dim()).
			Int("classifier_dim", classifier.Dim()).
			Msg("[MAIN] Model dimension mismatch")
	}
	logging.Info().
		Str("model_version", generator.ModelVersion()).
		Int("dim", generator.Dim()).
		Msg("[MAIN] Models loaded")

	store, err := simindex.OpenCaseStore(cfg.Index.StorePath)
	if err != nil {
		logging.Fatal().Err(err).Msg("[MAIN] Failed to open reference case store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("[MAIN] Error closing case store")
		}
	}()

	index := simindex.NewIndex(cfg.Index.Workers)
	builder := simindex.NewBuilder(store, index, generator.ModelVersion())

	// The product catalog is optional; without it analyses simply carry
	// no recommendations.
	var matcher *products.Matcher
	if cfg.Products.CatalogPath != "" {
		catalog, err := products.LoadCatalog(cfg.Products.CatalogPath)
		if err != nil {
			logging.Fatal().Err(err).Msg("[MAIN] Failed to load product catalog")
		}
		matcher = products.NewMatcher(catalog, cfg.Products.MaxResults)
	} else {
		logging.Info().Msg("[MAIN] No product catalog configured, recommendations disabled")
	}

	evaluator := fairness.NewEvaluator(cfg.Fairness)
	bus := pipeline.NewBus()

	orch := pipeline.NewOrchestrator(cfg, pipeline.Deps{
		Preconditioner: imaging.NewPreconditioner(cfg.Imaging),
		Isolator:       face.NewIsolator(cfg.Face),
		Features:       analyzers.NewDefaultEngine(cfg.Pipeline.SubtaskTimeout),
		Generator:      generator,
		Classifier:     classifier,
		Index:          index,
		Evaluator:      evaluator,
		Adjuster:       fairness.NewAdjuster(cfg.Fairness, evaluator),
		Events:         pipeline.NewEventPublisher(bus),
	})

	handler := api.NewHandler(api.HandlerDeps{
		Orchestrator: orch,
		Index:        index,
		Builder:      builder,
		Evaluator:    evaluator,
		Matcher:      matcher,
		Generator:    generator,
		Classifier:   classifier,
		MaxPayload:   cfg.Imaging.MaxPayloadBytes,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(handler, cfg.Server),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddDataService(simindex.NewRebuildService(builder, cfg.Index.RebuildInterval))
	tree.AddMessagingService(pipeline.NewConsumerService(bus))
	tree.AddAPIService(supervisor.NewHTTPService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("[MAIN] Services added to supervisor tree")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("[MAIN] Received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("[MAIN] Supervisor tree error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("[MAIN] Service failed to stop within timeout")
	}

	logging.Info().Msg("[MAIN] Server stopped gracefully")
}
