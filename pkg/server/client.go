// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/n0ot/deskrelay/pkg/auth"
	"github.com/n0ot/deskrelay/pkg/frames"
	"github.com/n0ot/deskrelay/pkg/metrics"
	"github.com/n0ot/deskrelay/pkg/protocol"
)

const eventsBuffSize = 64 // Buffer size of channel for control messages sent to clients

// client is one connection to the server.
// Control messages are queued on events; frames go through a single slot mailbox,
// so a slow client only ever misses frames.
type client struct {
	id         uint64
	conn       transport
	remoteHost string
	log        *logrus.Logger

	ctx    context.Context // Cancelled when the client stops
	cancel context.CancelFunc

	events chan protocol.Message
	frames *frames.Mailbox
	auth   *auth.State

	lastSeen int64 // Unix nanoseconds; accessed atomically

	// Only touched by the goroutine reading from the client.
	role      protocol.Role
	sessionID string

	stopOnce      sync.Once
	done          chan struct{} // Closed when the client is stopped
	stoppedReason string
}

func newClient(id uint64, conn transport, remoteHost string, log *logrus.Logger) *client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:         id,
		conn:       conn,
		remoteHost: remoteHost,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan protocol.Message, eventsBuffSize),
		frames:     frames.NewMailbox(),
		auth:       &auth.State{},
		done:       make(chan struct{}),
	}
	c.touch()
	return c
}

// ID identifies the client for as long as the server runs.
func (c *client) ID() uint64 {
	return c.id
}

// Send queues msg for the client without blocking.
// A client which can't keep up with control messages is stopped.
func (c *client) Send(msg protocol.Message) {
	if c.stopped() {
		return
	}
	select {
	case c.events <- msg:
	default:
		c.log.WithFields(logrus.Fields{
			"client":  c.id,
			"message": msg.Name(),
		}).Warn("Send buffer full; dropping client")
		c.stop("Send buffer full")
	}
}

// SendFrame offers f to the client, replacing any frame it hasn't been sent yet.
func (c *client) SendFrame(f frames.Frame) {
	if c.frames.Put(f) {
		metrics.FramesReplacedTotal.Inc()
	}
}

func (c *client) sendError(reason protocol.Reason, message string) {
	c.Send(protocol.NewError(reason, message))
}

func (c *client) touch() {
	atomic.StoreInt64(&c.lastSeen, time.Now().UnixNano())
}

func (c *client) idleFor() time.Duration {
	return time.Since(time.Unix(0, atomic.LoadInt64(&c.lastSeen)))
}

// stopped returns true if the client was stopped.
func (c *client) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// stop stops a client.
// stop is idempotent; only the first reason is kept.
// Messages already queued are still written before the connection closes.
func (c *client) stop(reason string) {
	c.stopOnce.Do(func() {
		c.stoppedReason = reason
		close(c.done)
		c.cancel()
	})
}

// write sends queued messages and frames to the client until it is stopped,
// then closes the connection.
// Control messages are always written before a waiting frame.
func (c *client) write(finished chan<- struct{}) {
	defer close(finished)
	defer c.conn.Close()

	for {
		select {
		case msg := <-c.events:
			if !c.writeMessage(msg) {
				return
			}
			continue
		default:
		}

		select {
		case msg := <-c.events:
			if !c.writeMessage(msg) {
				return
			}

		case <-c.frames.Ready():
			f, ok := c.frames.Take()
			if !ok {
				continue
			}
			msg := protocol.Frame{SessionID: f.SessionID, Payload: f.Payload, Seq: f.Seq}
			if !c.writeMessage(msg) {
				return
			}

		case <-c.done:
			// Flush whatever was queued before the client stopped, such as a final error.
			for {
				select {
				case msg := <-c.events:
					if !c.writeMessage(msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *client) writeMessage(msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"client":  c.id,
			"message": msg.Name(),
			"error":   err,
		}).Error("Cannot encode message")
		return true
	}
	if err := c.conn.WriteMessage(data); err != nil {
		c.log.WithFields(logrus.Fields{
			"client": c.id,
			"error":  err,
		}).Debug("Write failed")
		c.stop("Send error")
		return false
	}
	return true
}

func (c *client) String() string {
	return fmt.Sprintf("Client(%d)", c.id)
}
