// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/deskrelay/pkg/broker"
	"github.com/n0ot/deskrelay/pkg/protocol"
)

// Relay pairs hosts with controllers through a broker.
type Relay struct {
	Broker *broker.Broker
	Log    *logrus.Logger
}

// NewRelay makes a Relay service around b.
func NewRelay(b *broker.Broker, log *logrus.Logger) *Relay {
	return &Relay{Broker: b, Log: log}
}

func (r *Relay) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"register_host":       r.handleRegisterHost,
		"register_controller": r.handleRegisterController,
		"frame_data":          r.handleFrameData,
		"input_event":         r.handleInputEvent,
	}
}

func (r *Relay) disconnect(c *client) {
	r.Broker.Disconnect(c)
}

// RelayStats describes a relay for the stats endpoint.
type RelayStats struct {
	Broker   broker.Stats         `json:"broker"`
	Sessions []broker.SessionInfo `json:"sessions"`
}

func (r *Relay) stats() interface{} {
	return RelayStats{
		Broker:   r.Broker.Stats(),
		Sessions: r.Broker.Sessions(),
	}
}

func (r *Relay) handleRegisterHost(c *client, msg protocol.Message) {
	req := msg.(*protocol.RegisterHost)
	if req.SessionID == "" {
		c.sendError(protocol.ReasonProtocolError, "No session_id given")
		return
	}
	if c.role == protocol.RoleController {
		c.sendError(protocol.ReasonProtocolError, "Already registered as a controller")
		return
	}

	if err := r.Broker.RegisterHost(req.SessionID, c); err != nil {
		sendBrokerError(c, err)
		return
	}
	c.role = protocol.RoleHost
	c.sessionID = req.SessionID
}

func (r *Relay) handleRegisterController(c *client, msg protocol.Message) {
	req := msg.(*protocol.RegisterController)
	if req.SessionID == "" {
		c.sendError(protocol.ReasonProtocolError, "No session_id given")
		return
	}
	if c.role == protocol.RoleHost {
		c.sendError(protocol.ReasonProtocolError, "Already registered as a host")
		return
	}

	if err := r.Broker.RegisterController(req.SessionID, c); err != nil {
		// The session c already controls, if any, is left alone.
		sendBrokerError(c, err)
		return
	}
	if c.role == protocol.RoleController && c.sessionID != req.SessionID {
		// A controller watches one session at a time.
		r.Broker.Leave(c.sessionID, c)
	}
	c.role = protocol.RoleController
	c.sessionID = req.SessionID
}

func (r *Relay) handleFrameData(c *client, msg protocol.Message) {
	data := msg.(*protocol.FrameData)
	id := data.SessionID
	if id == "" {
		id = c.sessionID
	}
	if _, err := r.Broker.ForwardFrame(id, c, data.Payload); err != nil {
		sendBrokerError(c, err)
	}
}

func (r *Relay) handleInputEvent(c *client, msg protocol.Message) {
	ev := msg.(*protocol.InputEvent)
	id := ev.SessionID
	if id == "" {
		id = c.sessionID
	}
	if err := ev.Validate(); err != nil {
		c.sendError(protocol.ReasonProtocolError, err.Error())
		return
	}
	if _, err := r.Broker.ForwardInput(id, c, ev.Event); err != nil {
		sendBrokerError(c, err)
	}
}

// sendBrokerError tells c why the broker refused its request.
func sendBrokerError(c *client, err error) {
	switch errors.Cause(err) {
	case broker.ErrSessionNotFound:
		c.sendError(protocol.ReasonSessionNotFound, "Session not found")
	case broker.ErrSessionBusy:
		c.sendError(protocol.ReasonSessionBusy, "Session already has a host")
	case broker.ErrNotHost:
		c.sendError(protocol.ReasonNotHost, "Not the host of this session")
	case broker.ErrNotController:
		c.sendError(protocol.ReasonNotController, "Not the controller of this session")
	default:
		c.sendError(protocol.ReasonProtocolError, err.Error())
	}
}
