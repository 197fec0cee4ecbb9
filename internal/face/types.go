// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

// Package face isolates a single face from a preconditioned image: detection,
// landmark extraction, canonical alignment, and cropping.
//
// Two detector backends exist as capability-tagged variants: a primary
// landmark-refining detector and a faster fallback. A circuit breaker guards
// the primary; when it is open or the primary times out, the fallback serves
// the request and the chosen method is recorded on the FaceRegion.
package face

import (
	"errors"
	"image"
)

// ErrNoFaceDetected is the terminal, user-correctable failure: the image
// contains no face above the configured confidence threshold.
var ErrNoFaceDetected = errors.New("no face detected")

// Point is a 2D landmark position in source image coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Landmarks are a flat ordered sequence with fixed semantic indices,
// not a graph. Index meanings:
const (
	// LandmarkLeftEye is the subject's left eye center (viewer's left).
	LandmarkLeftEye = 0
	// LandmarkRightEye is the subject's right eye center.
	LandmarkRightEye = 1
	// LandmarkNoseTip is the nose tip.
	LandmarkNoseTip = 2
	// LandmarkMouthLeft is the left mouth corner.
	LandmarkMouthLeft = 3
	// LandmarkMouthRight is the right mouth corner.
	LandmarkMouthRight = 4

	// LandmarkCount is the length of every landmark sequence.
	LandmarkCount = 5
)

// Detection method tags recorded on FaceRegion.
const (
	MethodPrimary  = "primary"
	MethodFallback = "fallback"
)

// FaceRegion describes a detected face: bounding box, ordered landmark set,
// detection confidence and the detector method that produced it.
type FaceRegion struct {
	// Box is the face bounding box in source coordinates.
	Box image.Rectangle `json:"box"`

	// Landmarks is the ordered landmark sequence (see Landmark* indices).
	Landmarks []Point `json:"landmarks"`

	// Confidence is the detection confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Method identifies the detector backend (primary or fallback).
	Method string `json:"method"`

	// Ambiguous is set when multiple competing faces were found and the
	// largest bounding box was selected.
	Ambiguous bool `json:"ambiguous,omitempty"`
}

// EyeDistance returns the distance between the two eye landmarks.
func (r *FaceRegion) EyeDistance() float64 {
	if len(r.Landmarks) < 2 {
		return 0
	}
	dx := r.Landmarks[LandmarkRightEye].X - r.Landmarks[LandmarkLeftEye].X
	dy := r.Landmarks[LandmarkRightEye].Y - r.Landmarks[LandmarkLeftEye].Y
	return hypot(dx, dy)
}

// AlignedFace is the canonical-pose crop handed to the feature analyzers
// and the embedding generator.
type AlignedFace struct {
	// Crop is a square crop of CropSize pixels, eyes at canonical positions.
	Crop *image.NRGBA

	// Region is the detection the crop was derived from.
	Region FaceRegion
}
