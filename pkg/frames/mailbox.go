// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package frames carries encoded screen frames from a producer to one recipient.
package frames

import (
	"sync"
	"time"
)

// Frame is one opaque encoded snapshot of the host's display.
type Frame struct {
	SessionID  string
	Payload    []byte
	Seq        uint64
	CapturedAt time.Time
}

// A Mailbox holds at most one pending frame for a recipient.
// A frame put into a full mailbox replaces the pending one; only the latest frame is ever delivered.
// All methods are safe for concurrent use.
type Mailbox struct {
	lock    sync.Mutex // Protects everything below
	frame   Frame
	full    bool
	closed  bool
	dropped uint64

	// ready receives a signal whenever a frame is put; it never blocks the producer.
	ready chan struct{}
}

// NewMailbox makes an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{ready: make(chan struct{}, 1)}
}

// Put stores f as the pending frame.
// If a frame was already pending, it is discarded and replaced will be true.
// Put on a closed mailbox does nothing.
func (m *Mailbox) Put(f Frame) (replaced bool) {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return false
	}
	if m.full {
		replaced = true
		m.dropped++
	}
	m.frame = f
	m.full = true
	m.lock.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
		// A wakeup is already pending; the reader will take the newest frame.
	}
	return replaced
}

// Ready returns a channel which receives a value after a frame is put.
// A value on Ready does not guarantee Take will find a frame.
func (m *Mailbox) Ready() <-chan struct{} {
	return m.ready
}

// Take removes and returns the pending frame, if any.
func (m *Mailbox) Take() (Frame, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.full {
		return Frame{}, false
	}
	f := m.frame
	m.frame = Frame{}
	m.full = false
	return f, true
}

// Dropped returns the number of frames replaced before they were taken.
func (m *Mailbox) Dropped() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.dropped
}

// Close discards any pending frame; later puts are ignored.
// Close is idempotent.
func (m *Mailbox) Close() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.closed = true
	m.full = false
	m.frame = Frame{}
}
