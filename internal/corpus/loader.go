// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

// Package corpus ingests a labeled reference image dataset: each manifest
// entry is preconditioned, face-isolated and embedded, then persisted as a
// ReferenceCase for the similarity index builder.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lumiderm/lumiderm/internal/embedding"
	"github.com/lumiderm/lumiderm/internal/face"
	"github.com/lumiderm/lumiderm/internal/imaging"
	"github.com/lumiderm/lumiderm/internal/logging"
	"github.com/lumiderm/lumiderm/internal/simindex"
)

// ManifestEntry labels one reference image. Paths are resolved relative
// to the manifest file unless absolute.
type ManifestEntry struct {
	// CaseID keys the stored case; derived from the image file name when
	// empty.
	CaseID string `json:"case_id,omitempty"`

	Path      string `json:"path"`
	Condition string `json:"condition"`

	AgeBracket string `json:"age_bracket,omitempty"`
	Ethnicity  string `json:"ethnicity,omitempty"`
}

// LoadManifest reads a manifest JSON file: a top-level array of entries.
func LoadManifest(path string) ([]ManifestEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", path, err)
	}

	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for i := range entries {
		if entries[i].Path == "" {
			return nil, fmt.Errorf("manifest %s: entry %d has no path", path, i)
		}
		if entries[i].Condition == "" {
			return nil, fmt.Errorf("manifest %s: entry %d has no condition", path, i)
		}
		if !filepath.IsAbs(entries[i].Path) {
			entries[i].Path = filepath.Join(base, entries[i].Path)
		}
		if entries[i].CaseID == "" {
			name := filepath.Base(entries[i].Path)
			entries[i].CaseID = strings.TrimSuffix(name, filepath.Ext(name))
		}
	}
	return entries, nil
}

// Stats summarizes one ingest run.
type Stats struct {
	Ingested int
	Skipped  int
	Duration time.Duration
}

// Loader runs the ingest: precondition, isolate, embed, persist.
type Loader struct {
	pre       *imaging.Preconditioner
	isolator  *face.Isolator
	generator *embedding.Generator
	store     *simindex.CaseStore

	limiter *rate.Limiter
	workers int
}

// NewLoader wires a corpus loader. ratePerSec <= 0 disables rate
// limiting; workers <= 0 defaults to 4.
func NewLoader(
	pre *imaging.Preconditioner,
	isolator *face.Isolator,
	generator *embedding.Generator,
	store *simindex.CaseStore,
	ratePerSec float64,
	workers int,
) *Loader {
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	}
	if workers <= 0 {
		workers = 4
	}
	return &Loader{
		pre:       pre,
		isolator:  isolator,
		generator: generator,
		store:     store,
		limiter:   limiter,
		workers:   workers,
	}
}

// Run ingests every manifest entry. Entries without a detectable face or
// with undecodable images are skipped and logged; a missing model aborts
// the whole run.
func (l *Loader) Run(ctx context.Context, entries []ManifestEntry) (Stats, error) {
	start := time.Now()

	var ingested, skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)

	for _, entry := range entries {
		g.Go(func() error {
			if l.limiter != nil {
				if err := l.limiter.Wait(gctx); err != nil {
					return err
				}
			}

			err := l.ingest(gctx, entry)
			switch {
			case err == nil:
				ingested.Add(1)
				return nil
			case errors.Is(err, face.ErrNoFaceDetected),
				errors.Is(err, imaging.ErrUnsupportedFormat),
				errors.Is(err, imaging.ErrPayloadTooLarge):
				skipped.Add(1)
				logging.Warn().
					Err(err).
					Str("case_id", entry.CaseID).
					Str("path", entry.Path).
					Msg("[CORPUS] Skipping reference image")
				return nil
			default:
				return fmt.Errorf("ingest %s: %w", entry.CaseID, err)
			}
		})
	}

	err := g.Wait()
	stats := Stats{
		Ingested: int(ingested.Load()),
		Skipped:  int(skipped.Load()),
		Duration: time.Since(start),
	}

	logging.Info().
		Int("ingested", stats.Ingested).
		Int("skipped", stats.Skipped).
		Dur("duration", stats.Duration).
		Msg("[CORPUS] Ingest finished")
	return stats, err
}

func (l *Loader) ingest(ctx context.Context, entry ManifestEntry) error {
	payload, err := os.ReadFile(entry.Path)
	if err != nil {
		return err
	}

	buf, err := l.pre.Process(payload)
	if err != nil {
		return err
	}

	aligned, err := l.isolator.Isolate(ctx, buf.Pixels)
	if err != nil {
		return err
	}

	emb, err := l.generator.Generate(ctx, aligned)
	if err != nil {
		return err
	}

	return l.store.Put(ctx, &simindex.ReferenceCase{
		ID:           entry.CaseID,
		Embedding:    emb.Vector,
		ModelVersion: emb.ModelVersion,
		Condition:    entry.Condition,
		AgeBracket:   entry.AgeBracket,
		Ethnicity:    entry.Ethnicity,
	})
}
