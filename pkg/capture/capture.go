// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package capture grabs the screen and encodes it into frames.
package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/jpeg"
	"time"

	"github.com/pkg/errors"

	"github.com/n0ot/deskrelay/pkg/frames"
	"github.com/n0ot/deskrelay/pkg/metrics"
)

// A Source grabs the current contents of a display.
type Source interface {
	Grab(ctx context.Context) (image.Image, error)
}

// A Capturer produces encoded frames.
type Capturer interface {
	Capture(ctx context.Context) (frames.Frame, error)
}

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 50

// JPEGCapturer grabs images from a Source, and encodes them as JPEG.
// Frame payloads are the base64 text of the JPEG, ready to be sent as is.
type JPEGCapturer struct {
	Source Source

	// Quality is the JPEG quality, from 1 to 100.
	// If 0, DefaultQuality is used.
	Quality int

	// Scale resizes grabbed images before encoding.
	// Values outside (0, 1) leave the image at its original size.
	Scale float64
}

// Capture grabs and encodes one frame.
func (c *JPEGCapturer) Capture(ctx context.Context) (frames.Frame, error) {
	start := time.Now()
	img, err := c.Source.Grab(ctx)
	if err != nil {
		metrics.CaptureErrorsTotal.Inc()
		return frames.Frame{}, errors.Wrap(err, "Grab")
	}

	if c.Scale > 0 && c.Scale < 1 {
		img = Resize(img, c.Scale)
	}

	quality := c.Quality
	if quality == 0 {
		quality = DefaultQuality
	}
	if quality < 1 || quality > 100 {
		metrics.CaptureErrorsTotal.Inc()
		return frames.Frame{}, errors.Errorf("JPEG quality %d out of range 1 to 100", quality)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		metrics.CaptureErrorsTotal.Inc()
		return frames.Frame{}, errors.Wrap(err, "Encode JPEG")
	}
	metrics.CaptureDuration.Observe(time.Since(start).Seconds())

	payload := make([]byte, base64.StdEncoding.EncodedLen(buf.Len()))
	base64.StdEncoding.Encode(payload, buf.Bytes())
	return frames.Frame{
		Payload:    payload,
		CapturedAt: start,
	}, nil
}

// WithQuality returns a copy of c that encodes at the given quality.
func (c *JPEGCapturer) WithQuality(quality int) *JPEGCapturer {
	cp := *c
	cp.Quality = quality
	return &cp
}

// Resize scales img by factor using nearest neighbour sampling.
// The result is never smaller than 1x1.
func Resize(img image.Image, factor float64) image.Image {
	src := img.Bounds()
	w := int(float64(src.Dx()) * factor)
	h := int(float64(src.Dy()) * factor)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := src.Min.Y + y*src.Dy()/h
		for x := 0; x < w; x++ {
			sx := src.Min.X + x*src.Dx()/w
			dst.Set(x, y, img.At(sx, sy))
		}
	}
	return dst
}
