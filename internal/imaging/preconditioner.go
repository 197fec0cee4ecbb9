// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

// Package imaging validates, decodes and normalizes inbound image payloads
// before any model work happens. Rejections here are cheap: the size ceiling
// and format sniff run on raw bytes, so oversized or malformed uploads never
// reach a detector or the embedding backbone.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"golang.org/x/image/draw"

	"github.com/lumiderm/lumiderm/internal/config"
)

// ErrPayloadTooLarge is returned when the payload exceeds the configured
// size ceiling, before any decode or inference work.
var ErrPayloadTooLarge = errors.New("payload too large")

// ErrUnsupportedFormat is returned when the payload is not a supported
// raster format or fails to decode.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// ImageBuffer holds a decoded, canonically sized image for one request.
// It is owned by the request lifecycle and discarded when analysis ends.
type ImageBuffer struct {
	// Pixels is the decoded image scaled so its longer side equals the
	// canonical size, aspect ratio preserved.
	Pixels *image.NRGBA

	// Format is the sniffed source format (jpeg, png, gif, webp).
	Format string

	// SourceWidth and SourceHeight are the pre-scaling dimensions.
	SourceWidth  int
	SourceHeight int
}

// Width returns the canonical pixel width.
func (b *ImageBuffer) Width() int { return b.Pixels.Rect.Dx() }

// Height returns the canonical pixel height.
func (b *ImageBuffer) Height() int { return b.Pixels.Rect.Dy() }

var formatSignatures = map[string][]byte{
	"jpeg": {0xFF, 0xD8},
	"png":  {0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
	"gif":  {0x47, 0x49, 0x46, 0x38},
	"webp": {0x52, 0x49, 0x46, 0x46},
}

// Preconditioner validates and normalizes raw image payloads.
type Preconditioner struct {
	cfg config.ImagingConfig
}

// NewPreconditioner creates a preconditioner from imaging configuration.
func NewPreconditioner(cfg config.ImagingConfig) *Preconditioner {
	return &Preconditioner{cfg: cfg}
}

// Process validates raw bytes and produces a canonical ImageBuffer.
// Checks run cheapest-first: size ceiling, signature sniff, decode,
// dimension caps, then scaling.
func (p *Preconditioner) Process(data []byte) (*ImageBuffer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnsupportedFormat)
	}
	if int64(len(data)) > p.cfg.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds ceiling of %d",
			ErrPayloadTooLarge, len(data), p.cfg.MaxPayloadBytes)
	}

	format := sniffFormat(data)
	if format == "" {
		return nil, fmt.Errorf("%w: unrecognized signature", ErrUnsupportedFormat)
	}
	if !p.formatAllowed(format) {
		return nil, fmt.Errorf("%w: %s not in allowed formats", ErrUnsupportedFormat, format)
	}

	src, decodedFormat, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUnsupportedFormat, format, err)
	}
	if decodedFormat != "" {
		format = decodedFormat
	}

	bounds := src.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW > p.cfg.MaxWidth || srcH > p.cfg.MaxHeight {
		return nil, fmt.Errorf("%w: dimensions %dx%d exceed %dx%d",
			ErrPayloadTooLarge, srcW, srcH, p.cfg.MaxWidth, p.cfg.MaxHeight)
	}

	return &ImageBuffer{
		Pixels:       p.canonicalize(src, srcW, srcH),
		Format:       format,
		SourceWidth:  srcW,
		SourceHeight: srcH,
	}, nil
}

// canonicalize scales the image so its longer side equals CanonicalSize.
// Images already within bounds are copied without resampling.
func (p *Preconditioner) canonicalize(src image.Image, srcW, srcH int) *image.NRGBA {
	target := p.cfg.CanonicalSize

	dstW, dstH := srcW, srcH
	if srcW > target || srcH > target {
		if srcW >= srcH {
			dstW = target
			dstH = srcH * target / srcW
		} else {
			dstH = target
			dstW = srcW * target / srcH
		}
		if dstW < 1 {
			dstW = 1
		}
		if dstH < 1 {
			dstH = 1
		}
	}

	dst := image.NewNRGBA(image.Rect(0, 0, dstW, dstH))
	if dstW == srcW && dstH == srcH {
		draw.Draw(dst, dst.Rect, src, src.Bounds().Min, draw.Src)
		return dst
	}

	draw.CatmullRom.Scale(dst, dst.Rect, src, src.Bounds(), draw.Src, nil)
	return dst
}

// formatAllowed checks the sniffed format against the configured allow list.
func (p *Preconditioner) formatAllowed(format string) bool {
	if len(p.cfg.AllowedFormats) == 0 {
		return true
	}
	for _, allowed := range p.cfg.AllowedFormats {
		a := strings.ToLower(allowed)
		if a == "jpg" {
			a = "jpeg"
		}
		if a == format {
			return true
		}
	}
	return false
}

// sniffFormat identifies the image format from its magic bytes.
// Returns "" when no known signature matches.
func sniffFormat(data []byte) string {
	for format, sig := range formatSignatures {
		if len(data) >= len(sig) && bytes.Equal(data[:len(sig)], sig) {
			return format
		}
	}
	return ""
}
