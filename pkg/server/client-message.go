// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"encoding/json"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/deskrelay/pkg/auth"
	"github.com/n0ot/deskrelay/pkg/metrics"
	"github.com/n0ot/deskrelay/pkg/protocol"
)

// handlerFunc handles one message from an authenticated client.
// It runs on the goroutine reading from the client, so it sees messages in order.
type handlerFunc func(*client, protocol.Message)

// A Service implements the messages of one mode for authenticated clients.
type Service interface {
	// handlers maps message names to their handlers.
	handlers() map[string]handlerFunc

	// disconnect detaches c from everything the service attached it to.
	// It must finish before the client's connection goroutine exits.
	disconnect(c *client)

	// stats describes the service for the stats endpoint.
	stats() interface{}
}

// read receives messages from c until it disconnects or is stopped,
// and returns the reason it stopped reading.
// Malformed JSON and oversized messages stop the client;
// a well formed message which can't be decoded is answered with an error, and the client carries on.
func (srv *Server) read(c *client) string {
	handlers := srv.Service.handlers()
	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			if c.stopped() {
				return c.stoppedReason
			}
			if err == io.EOF || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "Client disconnected"
			}
			if err == errMessageTooLarge || err == websocket.ErrReadLimit {
				metrics.RejectedMessagesTotal.WithLabelValues(string(protocol.ReasonProtocolError)).Inc()
				c.sendError(protocol.ReasonProtocolError, "Message too large")
				return "Message too large"
			}
			c.log.WithFields(logrus.Fields{
				"client": c.id,
				"error":  err,
			}).Debug("Receive error")
			return "Receive error"
		}
		c.touch()

		if !json.Valid(data) {
			metrics.RejectedMessagesTotal.WithLabelValues(string(protocol.ReasonProtocolError)).Inc()
			c.sendError(protocol.ReasonProtocolError, "Malformed JSON")
			return "Protocol error"
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			reason := protocol.ReasonProtocolError
			if errors.Cause(err) == protocol.ErrUnknownType {
				reason = protocol.ReasonUnknownType
			}
			metrics.RejectedMessagesTotal.WithLabelValues(string(reason)).Inc()
			c.sendError(reason, err.Error())
			continue
		}

		srv.handle(c, msg, handlers)
		if c.stopped() {
			return c.stoppedReason
		}
	}
}

// handle runs the handler for msg.
// Until c authenticates, only authenticate is carried out; pong is accepted as a sign of life, and anything else is refused.
func (srv *Server) handle(c *client, msg protocol.Message, handlers map[string]handlerFunc) {
	switch msg := msg.(type) {
	case *protocol.Authenticate:
		srv.authenticate(c, msg)
		return
	case *protocol.Pong:
		return
	}

	if !c.auth.Authenticated() {
		metrics.RejectedMessagesTotal.WithLabelValues(string(protocol.ReasonNotAuthenticated)).Inc()
		c.log.WithFields(logrus.Fields{
			"client":  c.id,
			"message": msg.Name(),
		}).Debug("Refused message from unauthenticated client")
		c.sendError(protocol.ReasonNotAuthenticated, "Authenticate first")
		return
	}

	if _, ok := msg.(*protocol.Ping); ok {
		c.Send(protocol.Pong{})
		return
	}

	h := handlers[msg.Name()]
	if h == nil {
		metrics.RejectedMessagesTotal.WithLabelValues(string(protocol.ReasonUnknownType)).Inc()
		c.sendError(protocol.ReasonUnknownType, "Message "+msg.Name()+" is not supported here")
		return
	}
	h(c, msg)
}

func (srv *Server) authenticate(c *client, msg *protocol.Authenticate) {
	res, err := srv.Gate.Authenticate(c.auth, msg.Secret)
	if errors.Cause(err) == auth.ErrLockedOut {
		metrics.AuthAttemptsTotal.WithLabelValues("locked_out").Inc()
		c.sendError(protocol.ReasonLockedOut, "Too many failed attempts")
		c.Send(protocol.AuthResult{RetryAfter: res.LockedFor.Seconds()})
		return
	}

	if res.OK {
		c.conn.SetReadLimit(srv.maxMessageSize())
		metrics.AuthAttemptsTotal.WithLabelValues("ok").Inc()
		c.log.WithFields(logrus.Fields{
			"client":      c.id,
			"remote_host": c.remoteHost,
		}).Info("Client authenticated")
		c.Send(protocol.AuthResult{OK: true})
		return
	}

	metrics.AuthAttemptsTotal.WithLabelValues("failed").Inc()
	c.log.WithFields(logrus.Fields{
		"client":      c.id,
		"remote_host": c.remoteHost,
		"failures":    c.auth.Failures(),
		"delay":       res.Delay,
		"locked_for":  res.LockedFor,
	}).Warn("Authentication failed")

	if res.Delay > 0 {
		select {
		case <-time.After(res.Delay):
		case <-c.done:
			return
		}
	}
	c.Send(protocol.AuthResult{RetryAfter: res.LockedFor.Seconds()})
}
