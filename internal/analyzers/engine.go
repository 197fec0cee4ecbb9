// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package analyzers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lumiderm/lumiderm/internal/face"
	"github.com/lumiderm/lumiderm/internal/logging"
	"github.com/lumiderm/lumiderm/internal/metrics"
)

// Engine fans one aligned crop out to every registered analyzer and
// collects their reports. Analyzer failure never fails the request: a
// panic, error or timeout yields a degraded zero-confidence report for
// that analyzer only.
type Engine struct {
	mu        sync.RWMutex
	analyzers []Analyzer
	timeout   time.Duration
}

// NewEngine creates an engine with the given per-analyzer timeout.
// A non-positive timeout disables the per-analyzer deadline.
func NewEngine(timeout time.Duration) *Engine {
	return &Engine{timeout: timeout}
}

// NewDefaultEngine creates an engine with the standard analyzer set
// registered.
func NewDefaultEngine(timeout time.Duration) *Engine {
	e := NewEngine(timeout)
	e.Register(NewTextureAnalyzer())
	e.Register(NewPoreAnalyzer())
	e.Register(NewWrinkleAnalyzer())
	e.Register(NewPigmentationAnalyzer())
	return e
}

// Register adds an analyzer. Registration order fixes report order.
func (e *Engine) Register(a Analyzer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.analyzers = append(e.analyzers, a)
	logging.Info().Str("analyzer", a.Name()).Msg("[ANALYZERS] Registered analyzer")
}

// Names returns the registered analyzer names in report order.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, len(e.analyzers))
	for i, a := range e.analyzers {
		names[i] = a.Name()
	}
	return names
}

// Analyze runs every registered analyzer concurrently and returns one
// report per analyzer, in registration order. The slice always has one
// entry per registered analyzer; failed entries are degraded.
func (e *Engine) Analyze(ctx context.Context, aligned *face.AlignedFace) []FeatureReport {
	e.mu.RLock()
	analyzers := make([]Analyzer, len(e.analyzers))
	copy(analyzers, e.analyzers)
	e.mu.RUnlock()

	reports := make([]FeatureReport, len(analyzers))

	var wg sync.WaitGroup
	for i, a := range analyzers {
		wg.Add(1)
		go func(slot int, a Analyzer) {
			defer wg.Done()
			reports[slot] = e.runOne(ctx, a, aligned)
		}(i, a)
	}
	wg.Wait()

	return reports
}

// runOne executes a single analyzer with panic recovery and an optional
// deadline.
func (e *Engine) runOne(ctx context.Context, a Analyzer, aligned *face.AlignedFace) (report FeatureReport) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("analyzer", a.Name()).
				Interface("panic", r).
				Msg("[ANALYZERS] Analyzer panicked, degrading")
			report = degradedReport(a.Name())
		}
		metrics.StageDuration.WithLabelValues("features").Observe(time.Since(start).Seconds())
	}()

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	type result struct {
		report FeatureReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		rep, err := a.Analyze(runCtx, aligned)
		done <- result{report: rep, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			logging.Warn().
				Str("analyzer", a.Name()).
				Err(res.err).
				Msg("[ANALYZERS] Analyzer failed, degrading")
			return degradedReport(a.Name())
		}
		return res.report
	case <-runCtx.Done():
		logging.Warn().
			Str("analyzer", a.Name()).
			Err(runCtx.Err()).
			Msg("[ANALYZERS] Analyzer deadline exceeded, degrading")
		return degradedReport(a.Name())
	}
}

// degradedReport is the zero-confidence placeholder for a failed analyzer.
// Fusion multiplies by confidence, so a degraded analyzer contributes
// nothing and the fused confidence can only decrease.
func degradedReport(name string) FeatureReport {
	metrics.AnalyzerDegraded.WithLabelValues(name).Inc()
	return FeatureReport{
		Analyzer:   name,
		Score:      0,
		Confidence: 0,
		Degraded:   true,
	}
}
