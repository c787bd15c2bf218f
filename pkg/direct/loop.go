// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package direct

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/deskrelay/pkg/capture"
	"github.com/n0ot/deskrelay/pkg/frames"
	"github.com/n0ot/deskrelay/pkg/metrics"
)

// DefaultInterval is the time between captures when none is configured.
const DefaultInterval = 50 * time.Millisecond

// Channel captures frames on a fixed interval, and publishes them to a Broadcast.
type Channel struct {
	// Capturer grabs the frames which are streamed.
	Capturer capture.Capturer

	// Screenshots grabs frames for RequestScreenshot.
	// If nil, Capturer is used.
	Screenshots capture.Capturer

	// Interval is the time between captures.
	// If 0, DefaultInterval is used.
	Interval time.Duration

	Broadcast *Broadcast
	Log       *logrus.Logger

	seq uint64 // Only touched by Run
}

// Run captures and publishes frames until ctx is done.
// Ticks without any viewers are skipped without capturing.
// A failed capture is logged, and the next tick proceeds as usual.
func (ch *Channel) Run(ctx context.Context) error {
	interval := ch.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	ch.Log.WithFields(logrus.Fields{
		"interval": interval,
	}).Info("Direct channel started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ch.Log.Info("Direct channel stopped")
			return ctx.Err()
		case <-ticker.C:
			ch.tick(ctx)
		}
	}
}

// tick captures and publishes one frame, if anyone is watching.
// It reports whether a frame was published.
func (ch *Channel) tick(ctx context.Context) bool {
	if ch.Broadcast.Len() == 0 {
		return false
	}

	f, err := ch.Capturer.Capture(ctx)
	if err != nil {
		ch.Log.WithFields(logrus.Fields{
			"error": err,
		}).Warn("Capture failed")
		return false
	}

	ch.seq++
	f.Seq = ch.seq
	n := ch.Broadcast.Publish(f)
	metrics.FramesTotal.WithLabelValues("broadcast").Add(float64(n))
	metrics.FrameBytesTotal.Add(float64(n * len(f.Payload)))
	return true
}

// Screenshot captures a single frame for one viewer.
func (ch *Channel) Screenshot(ctx context.Context) (frames.Frame, error) {
	c := ch.Screenshots
	if c == nil {
		c = ch.Capturer
	}
	f, err := c.Capture(ctx)
	if err != nil {
		return frames.Frame{}, errors.Wrap(err, "Screenshot")
	}
	return f, nil
}
