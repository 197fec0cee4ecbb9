// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package face

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/lumiderm/lumiderm/internal/config"
	"github.com/lumiderm/lumiderm/internal/logging"
	"github.com/lumiderm/lumiderm/internal/metrics"
)

// Isolator runs face detection with a circuit-breaker-guarded primary and a
// fallback backend, then aligns the winning detection to a canonical crop.
//
// DETERMINISM NOTE: The circuit breaker uses real time (via sony/gobreaker)
// for its cooldown. The timing decides which backend serves a request, never
// what a backend computes; tests exercise the detectors directly or force
// failures to observe the fallback path.
type Isolator struct {
	cfg      config.FaceConfig
	primary  Detector
	fallback Detector
	breaker  *gobreaker.CircuitBreaker[FaceRegion]
}

// NewIsolator builds an isolator from face configuration with the standard
// primary and fallback backends.
func NewIsolator(cfg config.FaceConfig) *Isolator {
	return NewIsolatorWith(cfg, NewPrimaryDetector(), NewFallbackDetector())
}

// NewIsolatorWith builds an isolator around explicit detector backends.
func NewIsolatorWith(cfg config.FaceConfig, primary, fallback Detector) *Isolator {
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[FaceRegion](gobreaker.Settings{
		Name:    "face-detector-primary",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", breakerStateString(from)).
				Str("to", breakerStateString(to)).
				Msg("[FACE] Detector breaker state transition")
		},
		IsSuccessful: func(err error) bool {
			// A clean "no face" verdict is not a backend failure.
			return err == nil || errors.Is(err, ErrNoFaceDetected)
		},
	})

	return &Isolator{
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		breaker:  cb,
	}
}

func breakerStateString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Isolate detects the dominant face and returns its canonical aligned crop.
// The primary backend runs under the breaker with a bounded timeout; any
// primary failure other than a clean no-face verdict routes the request to
// the fallback. A detection below the confidence threshold, from either
// backend, fails with ErrNoFaceDetected.
func (iso *Isolator) Isolate(ctx context.Context, img *image.NRGBA) (*AlignedFace, error) {
	region, err := iso.detect(ctx, img)
	if err != nil {
		return nil, err
	}

	if region.Ambiguous {
		logging.Warn().
			Str("method", region.Method).
			Float64("confidence", region.Confidence).
			Msg("[FACE] Multiple competing faces, largest selected")
	}

	if region.Confidence < iso.cfg.ConfidenceThreshold {
		return nil, fmt.Errorf("%w: confidence %.3f below threshold %.3f",
			ErrNoFaceDetected, region.Confidence, iso.cfg.ConfidenceThreshold)
	}

	return Align(img, region, iso.cfg.CropSize, iso.cfg.PaddingRatio), nil
}

func (iso *Isolator) detect(ctx context.Context, img *image.NRGBA) (FaceRegion, error) {
	region, err := iso.breaker.Execute(func() (FaceRegion, error) {
		timeout := iso.cfg.PrimaryTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		primaryCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		metrics.ModelInferences.WithLabelValues("detector_primary").Inc()
		return iso.primary.Detect(primaryCtx, img)
	})
	if err == nil {
		return region, nil
	}
	if errors.Is(err, ErrNoFaceDetected) {
		// The primary ran and found nothing; the fallback sees the same
		// pixels and would agree.
		return FaceRegion{}, err
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return FaceRegion{}, err
	}

	logging.Warn().Err(err).Msg("[FACE] Primary detector unavailable, using fallback")

	metrics.ModelInferences.WithLabelValues("detector_fallback").Inc()
	return iso.fallback.Detect(ctx, img)
}
