// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package direct streams a host's screen straight to subscribed viewers on the local network.
package direct

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/n0ot/deskrelay/pkg/frames"
	"github.com/n0ot/deskrelay/pkg/metrics"
)

// ErrViewersFull is returned when subscribing to a Broadcast which already has its maximum number of viewers.
var ErrViewersFull = errors.New("too many viewers")

// A Viewer receives broadcast frames.
// SendFrame must not block.
type Viewer interface {
	ID() uint64
	SendFrame(f frames.Frame)
}

// Broadcast is the set of viewers subscribed to a host's frames.
// Only viewers which explicitly subscribed receive anything.
type Broadcast struct {
	max int

	lock    sync.RWMutex // Protects viewers
	viewers map[uint64]Viewer
}

// NewBroadcast makes an empty Broadcast.
// If max is greater than 0, at most max viewers may subscribe at once.
func NewBroadcast(max int) *Broadcast {
	return &Broadcast{
		max:     max,
		viewers: make(map[uint64]Viewer),
	}
}

// Subscribe adds v to the broadcast.
// Subscribing an existing viewer again does nothing.
func (b *Broadcast) Subscribe(v Viewer) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if _, ok := b.viewers[v.ID()]; ok {
		return nil
	}
	if b.max > 0 && len(b.viewers) >= b.max {
		return ErrViewersFull
	}
	b.viewers[v.ID()] = v
	metrics.ViewersActive.Set(float64(len(b.viewers)))
	return nil
}

// Unsubscribe removes v from the broadcast, reporting whether it was subscribed.
func (b *Broadcast) Unsubscribe(v Viewer) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	if _, ok := b.viewers[v.ID()]; !ok {
		return false
	}
	delete(b.viewers, v.ID())
	metrics.ViewersActive.Set(float64(len(b.viewers)))
	return true
}

// Len returns the number of subscribed viewers.
func (b *Broadcast) Len() int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return len(b.viewers)
}

// Publish sends f to every subscribed viewer, and returns how many there were.
func (b *Broadcast) Publish(f frames.Frame) int {
	b.lock.RLock()
	defer b.lock.RUnlock()

	for _, v := range b.viewers {
		v.SendFrame(f)
	}
	return len(b.viewers)
}
