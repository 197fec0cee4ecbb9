// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package simindex

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumiderm/lumiderm/internal/embedding"
	"github.com/lumiderm/lumiderm/internal/logging"
	"github.com/lumiderm/lumiderm/internal/metrics"
)

// snapshot is one immutable serving epoch. Readers hold it for the
// duration of a query; a concurrent rebuild publishes a new snapshot
// without touching this one.
type snapshot struct {
	epoch        uint64
	cases        []ReferenceCase
	modelVersion string
	builtAt      time.Time
}

// Index serves concurrent read-only similarity queries over the current
// snapshot. Swap-on-build: Publish atomically repoints the snapshot.
type Index struct {
	current atomic.Pointer[snapshot]
	epoch   atomic.Uint64
	workers int
}

// NewIndex creates an empty, unavailable index. workers <= 0 uses
// GOMAXPROCS-derived parallelism.
func NewIndex(workers int) *Index {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Index{workers: workers}
}

// Publish installs a new snapshot built from the given cases. Cases are
// copied; the caller's slice stays untouched. In-flight queries keep the
// previous snapshot until they finish.
func (idx *Index) Publish(cases []ReferenceCase, modelVersion string) uint64 {
	snap := &snapshot{
		epoch:        idx.epoch.Add(1),
		cases:        append([]ReferenceCase(nil), cases...),
		modelVersion: modelVersion,
		builtAt:      time.Now().UTC(),
	}
	idx.current.Store(snap)

	metrics.IndexSize.Set(float64(len(snap.cases)))
	metrics.IndexEpoch.Set(float64(snap.epoch))
	logging.Info().
		Uint64("epoch", snap.epoch).
		Int("cases", len(snap.cases)).
		Str("model_version", modelVersion).
		Msg("[SIMINDEX] Snapshot published")

	return snap.epoch
}

// Status reports the current snapshot without loading any case data.
func (idx *Index) Status() Status {
	snap := idx.current.Load()
	if snap == nil {
		return Status{Available: false}
	}
	return Status{
		Available:    true,
		Epoch:        snap.epoch,
		Cases:        len(snap.cases),
		ModelVersion: snap.modelVersion,
		BuiltAt:      snap.builtAt,
	}
}

// Query scans the current snapshot for the k nearest cases by cosine
// similarity, restricted by filters. Deterministic: descending score,
// ascending case ID on ties. Returns ErrIndexUnavailable before the
// first Publish.
func (idx *Index) Query(ctx context.Context, vec []float32, k int, filters Filters) ([]SimilarityMatch, error) {
	snap := idx.current.Load()
	if snap == nil {
		metrics.IndexUnavailableQueries.Inc()
		return nil, ErrIndexUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("top-k must be positive, got %d", k)
	}

	start := time.Now()
	defer func() {
		metrics.IndexQueryDuration.Observe(time.Since(start).Seconds())
	}()

	candidates := make([]int, 0, len(snap.cases))
	for i := range snap.cases {
		if filters.matches(&snap.cases[i]) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return []SimilarityMatch{}, nil
	}

	scores := idx.scoreCandidates(snap, candidates, vec)

	matches := make([]SimilarityMatch, len(candidates))
	for i, caseIdx := range candidates {
		matches[i] = SimilarityMatch{
			CaseID:     snap.cases[caseIdx].ID,
			Similarity: scores[i],
			Condition:  snap.cases[caseIdx].Condition,
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].CaseID < matches[j].CaseID
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// scoreCandidates computes cosine scores worker-chunked. Each worker
// writes a disjoint slice region, so no locking is needed and results
// are deterministic.
func (idx *Index) scoreCandidates(snap *snapshot, candidates []int, vec []float32) []float64 {
	scores := make([]float64, len(candidates))

	workers := idx.workers
	if workers > len(candidates) {
		workers = len(candidates)
	}
	if workers <= 1 {
		for i, caseIdx := range candidates {
			scores[i] = embedding.Cosine(vec, snap.cases[caseIdx].Embedding)
		}
		return scores
	}

	chunk := (len(candidates) + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > len(candidates) {
			hi = len(candidates)
		}
		if lo >= hi {
			break
		}

		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				scores[i] = embedding.Cosine(vec, snap.cases[candidates[i]].Embedding)
			}
		}(lo, hi)
	}
	wg.Wait()

	return scores
}
