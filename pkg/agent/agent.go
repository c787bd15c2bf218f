// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package agent runs a host in relayed mode: it dials a relay, registers a session,
// streams frames to the session's controller, and performs the controller's input.
package agent

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/deskrelay/pkg/capture"
	"github.com/n0ot/deskrelay/pkg/input"
	"github.com/n0ot/deskrelay/pkg/protocol"
)

// Errors which stop the agent instead of reconnecting.
var (
	ErrAuthRejected = errors.New("relay rejected the secret")
	ErrTakenOver    = errors.New("another host took over the session")
)

// errSessionBusy is retried; the other host may go away.
var errSessionBusy = errors.New("session already has a host")

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// NewSessionID generates a random session ID.
func NewSessionID() string {
	return uuid.New().String()
}

// Agent is the host end of a relayed session.
type Agent struct {
	// URL is the relay's WebSocket endpoint, such as wss://relay.example.com/ws.
	URL    string
	Secret string

	// SessionID is registered with the relay. If empty, Run generates one.
	SessionID string

	Capturer   capture.Capturer
	Dispatcher *input.Dispatcher

	// Interval is the time between frames while a controller is connected.
	Interval time.Duration

	// MinBackoff and MaxBackoff bound the wait between reconnection attempts.
	// If 0, 500ms and 30s are used.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	Dialer *websocket.Dialer
	Log    *logrus.Logger

	// registered is signalled after each successful registration; used by tests.
	registered func(sessionID string)
}

// Run keeps the agent connected to the relay until ctx is done,
// reconnecting with exponential backoff whenever the connection drops.
// It returns early if the relay rejects the secret, or another host takes over the session.
func (a *Agent) Run(ctx context.Context) error {
	if a.SessionID == "" {
		a.SessionID = NewSessionID()
		a.Log.WithFields(logrus.Fields{
			"session_id": a.SessionID,
		}).Info("Generated session ID")
	}

	minBackoff, maxBackoff := a.MinBackoff, a.MaxBackoff
	if minBackoff <= 0 {
		minBackoff = 500 * time.Millisecond
	}
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	backoff := minBackoff

	for {
		registered, err := a.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch errors.Cause(err) {
		case ErrAuthRejected, ErrTakenOver:
			return err
		}
		if registered {
			backoff = minBackoff
		}

		a.Log.WithFields(logrus.Fields{
			"relay":      a.URL,
			"session_id": a.SessionID,
			"error":      err,
			"retry_in":   backoff,
		}).Warn("Disconnected from relay")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session runs one connection to the relay.
// registered reports whether the session was registered before the connection ended.
func (a *Agent) session(ctx context.Context) (registered bool, err error) {
	dialer := a.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, a.URL, http.Header{})
	if err != nil {
		return false, errors.Wrap(err, "Dial relay")
	}
	rc := newRelayConn(conn)
	defer rc.close()

	if err := a.handshake(rc); err != nil {
		return false, err
	}
	a.Log.WithFields(logrus.Fields{
		"relay":      a.URL,
		"session_id": a.SessionID,
	}).Info("Registered with relay")
	if a.registered != nil {
		a.registered(a.SessionID)
	}

	return true, a.stream(ctx, rc)
}

// handshake authenticates and registers the session.
func (a *Agent) handshake(rc *relayConn) error {
	if err := rc.send(protocol.Authenticate{Secret: a.Secret}); err != nil {
		return err
	}
	for {
		msg, err := rc.expect(handshakeTimeout)
		if err != nil {
			return errors.Wrap(err, "Authenticate")
		}
		switch msg := msg.(type) {
		case *protocol.AuthResult:
			if !msg.OK {
				return ErrAuthRejected
			}
		case *protocol.Error:
			if msg.Reason == protocol.ReasonLockedOut {
				return ErrAuthRejected
			}
			continue
		default:
			// Such as the MOTD
			continue
		}
		break
	}

	if err := rc.send(protocol.RegisterHost{SessionID: a.SessionID}); err != nil {
		return err
	}
	for {
		msg, err := rc.expect(handshakeTimeout)
		if err != nil {
			return errors.Wrap(err, "Register")
		}
		switch msg := msg.(type) {
		case *protocol.Registered:
			return nil
		case *protocol.Error:
			if msg.Reason == protocol.ReasonSessionBusy {
				return errSessionBusy
			}
			return errors.Errorf("Register: %s: %s", msg.Reason, msg.Message)
		}
	}
}

// stream sends frames while a controller is connected, and performs its input, until the connection ends.
func (a *Agent) stream(ctx context.Context, rc *relayConn) error {
	interval := a.Interval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	controller := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-rc.errs:
			return errors.Wrap(err, "Receive")

		case <-ticker.C:
			if !controller {
				continue
			}
			f, err := a.Capturer.Capture(ctx)
			if err != nil {
				a.Log.WithFields(logrus.Fields{
					"error": err,
				}).Warn("Capture failed")
				continue
			}
			if err := rc.send(protocol.FrameData{SessionID: a.SessionID, Payload: f.Payload}); err != nil {
				return err
			}

		case msg := <-rc.messages:
			switch msg := msg.(type) {
			case *protocol.Connected:
				controller = true
				a.Log.WithFields(logrus.Fields{
					"session_id": a.SessionID,
				}).Info("Controller connected")
			case *protocol.ControllerDisconnected:
				controller = false
				a.Log.WithFields(logrus.Fields{
					"session_id": a.SessionID,
				}).Info("Controller disconnected")
			case *protocol.InputEvent:
				a.Dispatcher.Dispatch(msg.Event)
			case *protocol.Ping:
				if err := rc.send(protocol.Pong{}); err != nil {
					return err
				}
			case *protocol.Error:
				if msg.Reason == protocol.ReasonSessionTakenOver {
					return ErrTakenOver
				}
				a.Log.WithFields(logrus.Fields{
					"reason":  msg.Reason,
					"message": msg.Message,
				}).Warn("Relay reported an error")
			}
		}
	}
}

// relayConn reads messages from the relay on its own goroutine.
// Only one goroutine may send.
type relayConn struct {
	conn     *websocket.Conn
	messages chan protocol.Message
	errs     chan error
	done     chan struct{}
}

func newRelayConn(conn *websocket.Conn) *relayConn {
	rc := &relayConn{
		conn:     conn,
		messages: make(chan protocol.Message),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}
	go rc.read()
	return rc
}

func (rc *relayConn) read() {
	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			rc.errs <- err
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			// Newer relays may send types this agent doesn't know.
			continue
		}
		select {
		case rc.messages <- msg:
		case <-rc.done:
			return
		}
	}
}

func (rc *relayConn) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return errors.Wrapf(rc.conn.WriteMessage(websocket.TextMessage, data), "Send %s", msg.Name())
}

func (rc *relayConn) expect(timeout time.Duration) (protocol.Message, error) {
	select {
	case msg := <-rc.messages:
		return msg, nil
	case err := <-rc.errs:
		return nil, err
	case <-time.After(timeout):
		return nil, errors.New("timed out waiting for the relay")
	}
}

func (rc *relayConn) close() {
	close(rc.done)
	rc.conn.Close()
}
