// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/deskrelay/pkg/direct"
	"github.com/n0ot/deskrelay/pkg/input"
	"github.com/n0ot/deskrelay/pkg/metrics"
	"github.com/n0ot/deskrelay/pkg/protocol"
)

// Direct serves this machine's screen to viewers on the local network,
// and performs their input.
type Direct struct {
	Channel    *direct.Channel
	Dispatcher *input.Dispatcher
	Log        *logrus.Logger
}

// NewDirect makes a Direct service.
// The caller runs ch.
func NewDirect(ch *direct.Channel, d *input.Dispatcher, log *logrus.Logger) *Direct {
	return &Direct{Channel: ch, Dispatcher: d, Log: log}
}

func (d *Direct) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"subscribe":          d.handleSubscribe,
		"unsubscribe":        d.handleUnsubscribe,
		"request_screenshot": d.handleRequestScreenshot,
		"input_event":        d.handleInputEvent,
	}
}

func (d *Direct) disconnect(c *client) {
	d.Channel.Broadcast.Unsubscribe(c)
}

// DirectStats describes a direct host for the stats endpoint.
type DirectStats struct {
	Viewers int `json:"viewers"`
}

func (d *Direct) stats() interface{} {
	return DirectStats{Viewers: d.Channel.Broadcast.Len()}
}

func (d *Direct) handleSubscribe(c *client, msg protocol.Message) {
	if err := d.Channel.Broadcast.Subscribe(c); err != nil {
		if errors.Cause(err) == direct.ErrViewersFull {
			c.sendError(protocol.ReasonViewersFull, "Too many viewers")
			return
		}
		c.sendError(protocol.ReasonProtocolError, err.Error())
		return
	}
	c.role = protocol.RoleViewer
	d.Log.WithFields(logrus.Fields{
		"client":  c.id,
		"viewers": d.Channel.Broadcast.Len(),
	}).Info("Viewer subscribed")
	c.Send(protocol.Subscribed{})
}

func (d *Direct) handleUnsubscribe(c *client, msg protocol.Message) {
	if d.Channel.Broadcast.Unsubscribe(c) {
		d.Log.WithFields(logrus.Fields{
			"client": c.id,
		}).Info("Viewer unsubscribed")
	}
	c.role = ""
}

func (d *Direct) handleRequestScreenshot(c *client, msg protocol.Message) {
	f, err := d.Channel.Screenshot(c.ctx)
	if err != nil {
		d.Log.WithFields(logrus.Fields{
			"client": c.id,
			"error":  err,
		}).Warn("Screenshot failed")
		c.sendError(protocol.ReasonCaptureFailed, "Screenshot failed")
		return
	}
	// Screenshots bypass the frame mailbox so a streamed frame can't replace them.
	c.Send(protocol.Frame{Payload: f.Payload})
	metrics.FramesTotal.WithLabelValues("screenshot").Inc()
}

func (d *Direct) handleInputEvent(c *client, msg protocol.Message) {
	ev := msg.(*protocol.InputEvent)
	ok := d.Dispatcher.Dispatch(ev.Event)
	result := "performed"
	if !ok {
		result = "failed"
	}
	metrics.InputEventsTotal.WithLabelValues(result).Inc()
	c.Send(protocol.InputResult{OK: ok})
}
