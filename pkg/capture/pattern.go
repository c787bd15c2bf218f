// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package capture

import (
	"context"
	"image"
	"image/color"
	"sync"
)

// Pattern is a Source which draws a moving test pattern.
// It stands in for a real display grabber.
type Pattern struct {
	Width, Height int

	lock  sync.Mutex // Protects frame
	frame int
}

// NewPattern makes a Pattern of the given size.
func NewPattern(width, height int) *Pattern {
	return &Pattern{Width: width, Height: height}
}

// Grab draws the next image of the pattern.
// Each call shifts the pattern, so consecutive images differ.
func (p *Pattern) Grab(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.lock.Lock()
	offset := p.frame
	p.frame++
	p.lock.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x + offset),
				G: uint8(y + offset),
				B: uint8((x ^ y) + offset*2),
				A: 0xff,
			})
		}
	}
	return img, nil
}
