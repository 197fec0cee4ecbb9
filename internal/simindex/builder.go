// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package simindex

import (
	"context"
	"fmt"
	"time"

	"github.com/lumiderm/lumiderm/internal/logging"
)

// Builder constructs snapshots from the persistent case store and
// publishes them to an Index.
type Builder struct {
	store *CaseStore
	index *Index

	// modelVersion is the embedding generator version the server runs.
	// Cases from other versions are skipped at build time.
	modelVersion string
}

// NewBuilder creates a builder bound to a store, an index and the serving
// model version.
func NewBuilder(store *CaseStore, index *Index, modelVersion string) *Builder {
	return &Builder{store: store, index: index, modelVersion: modelVersion}
}

// Rebuild loads all stored cases, drops version mismatches, and publishes
// a fresh snapshot. In-flight queries keep serving the previous epoch
// throughout.
func (b *Builder) Rebuild(ctx context.Context) (Status, error) {
	start := time.Now()

	all, err := b.store.List(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("rebuild index: %w", err)
	}

	kept := make([]ReferenceCase, 0, len(all))
	skipped := 0
	for _, c := range all {
		if c.ModelVersion != b.modelVersion {
			skipped++
			continue
		}
		kept = append(kept, c)
	}

	epoch := b.index.Publish(kept, b.modelVersion)

	if skipped > 0 {
		logging.Warn().
			Int("skipped", skipped).
			Str("model_version", b.modelVersion).
			Msg("[SIMINDEX] Skipped cases from other model versions")
	}
	logging.Info().
		Uint64("epoch", epoch).
		Int("cases", len(kept)).
		Dur("took", time.Since(start)).
		Msg("[SIMINDEX] Rebuild complete")

	return b.index.Status(), nil
}

// RebuildService periodically rebuilds the index. Implements
// suture.Service.
type RebuildService struct {
	builder  *Builder
	interval time.Duration
}

// NewRebuildService creates the periodic rebuild service. A non-positive
// interval disables periodic rebuilds; the service then only performs the
// initial build.
func NewRebuildService(builder *Builder, interval time.Duration) *RebuildService {
	return &RebuildService{builder: builder, interval: interval}
}

// Serve runs the initial build and then the periodic rebuild loop until
// the context is cancelled.
func (s *RebuildService) Serve(ctx context.Context) error {
	if _, err := s.builder.Rebuild(ctx); err != nil {
		// The index stays unavailable; queries degrade rather than fail.
		logging.Error().Err(err).Msg("[SIMINDEX] Initial build failed")
	}

	if s.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.builder.Rebuild(ctx); err != nil {
				logging.Error().Err(err).Msg("[SIMINDEX] Periodic rebuild failed")
			}
		}
	}
}

func (s *RebuildService) String() string { return "simindex-rebuild" }
