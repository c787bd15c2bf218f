// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package protocol defines the messages exchanged between hosts, controllers and the relay.
//
// Every message is a JSON object with a "type" field naming it.
// Over a stream transport, messages are separated by newlines;
// over WebSocket, each text message carries exactly one.
package protocol

import (
	"github.com/n0ot/deskrelay/pkg/input"
)

// A Message is sent to or from a client.
// Name returns the value of the message's "type" field.
type Message interface {
	Name() string
}

// Role is the part a connection plays in a session.
type Role string

// Roles.
const (
	RoleHost       Role = "host"
	RoleController Role = "controller"
	RoleViewer     Role = "viewer"
)

// Authenticate is sent by a client to prove it knows the shared secret.
type Authenticate struct {
	Secret string `json:"secret"`
}

// Name gets this Authenticate's name.
func (Authenticate) Name() string { return "authenticate" }

// AuthResult answers Authenticate.
type AuthResult struct {
	OK bool `json:"ok"`
	// RetryAfter is the number of seconds the client is locked out for, if any.
	RetryAfter float64 `json:"retry_after,omitempty"`
}

// Name gets this AuthResult's name.
func (AuthResult) Name() string { return "auth_result" }

// RegisterHost is sent by a host to create or take a session.
type RegisterHost struct {
	SessionID string `json:"session_id"`
}

// Name gets this RegisterHost's name.
func (RegisterHost) Name() string { return "register_host" }

// RegisterController is sent by a controller to join an existing session.
type RegisterController struct {
	SessionID string `json:"session_id"`
}

// Name gets this RegisterController's name.
func (RegisterController) Name() string { return "register_controller" }

// Registered confirms a registration to the caller.
type Registered struct {
	Role      Role   `json:"role"`
	SessionID string `json:"session_id,omitempty"`
}

// Name gets this Registered's name.
func (Registered) Name() string { return "registered" }

// Connected is sent to both ends of a session when a controller attaches.
type Connected struct {
	SessionID string `json:"session_id,omitempty"`
}

// Name gets this Connected's name.
func (Connected) Name() string { return "connected" }

// FrameData carries an encoded frame from a host.
// SessionID is empty in direct mode.
type FrameData struct {
	SessionID string  `json:"session_id,omitempty"`
	Payload   Payload `json:"payload"`
}

// Name gets this FrameData's name.
func (FrameData) Name() string { return "frame_data" }

// Frame delivers an encoded frame to a controller or viewer.
type Frame struct {
	SessionID string  `json:"session_id,omitempty"`
	Payload   Payload `json:"payload"`
	Seq       uint64  `json:"seq,omitempty"`
}

// Name gets this Frame's name.
func (Frame) Name() string { return "frame" }

// InputEvent carries one input action from a controller to a host.
// SessionID is empty in direct mode.
type InputEvent struct {
	SessionID string `json:"session_id,omitempty"`
	input.Event
}

// Name gets this InputEvent's name.
func (InputEvent) Name() string { return "input_event" }

// InputResult reports whether a direct-mode input event was performed.
type InputResult struct {
	OK bool `json:"ok"`
}

// Name gets this InputResult's name.
func (InputResult) Name() string { return "input_result" }

// HostDisconnected tells a controller its host went away, and the session is gone.
type HostDisconnected struct {
	SessionID string `json:"session_id,omitempty"`
}

// Name gets this HostDisconnected's name.
func (HostDisconnected) Name() string { return "host_disconnected" }

// ControllerDisconnected tells a host its controller went away.
type ControllerDisconnected struct {
	SessionID string `json:"session_id,omitempty"`
}

// Name gets this ControllerDisconnected's name.
func (ControllerDisconnected) Name() string { return "controller_disconnected" }

// HostReplaced tells a controller that another host took over its session.
type HostReplaced struct {
	SessionID string `json:"session_id,omitempty"`
}

// Name gets this HostReplaced's name.
func (HostReplaced) Name() string { return "host_replaced" }

// Subscribe asks a direct-mode host to start streaming frames to this connection.
type Subscribe struct{}

// Name gets this Subscribe's name.
func (Subscribe) Name() string { return "subscribe" }

// Unsubscribe stops a stream started by Subscribe.
type Unsubscribe struct{}

// Name gets this Unsubscribe's name.
func (Unsubscribe) Name() string { return "unsubscribe" }

// Subscribed confirms Subscribe.
type Subscribed struct{}

// Name gets this Subscribed's name.
func (Subscribed) Name() string { return "subscribed" }

// RequestScreenshot asks a direct-mode host for one high quality frame.
type RequestScreenshot struct{}

// Name gets this RequestScreenshot's name.
func (RequestScreenshot) Name() string { return "request_screenshot" }

// Ping is sent periodically by the server.
type Ping struct{}

// Name gets this Ping's name.
func (Ping) Name() string { return "ping" }

// Pong answers Ping.
type Pong struct{}

// Name gets this Pong's name.
func (Pong) Name() string { return "pong" }

// MOTD contains the message of the day, which is sent to clients when connecting.
type MOTD struct {
	MOTD string `json:"motd"`
}

// Name gets this MOTD's name.
func (MOTD) Name() string { return "motd" }

// Reason classifies an Error.
type Reason string

// Error reasons.
const (
	ReasonSessionNotFound  Reason = "session_not_found"
	ReasonSessionBusy      Reason = "session_busy"
	ReasonSessionTakenOver Reason = "session_taken_over"
	ReasonNotAuthenticated Reason = "not_authenticated"
	ReasonLockedOut        Reason = "locked_out"
	ReasonUnknownType      Reason = "unknown_type"
	ReasonProtocolError    Reason = "protocol_error"
	ReasonNotHost          Reason = "not_host"
	ReasonNotController    Reason = "not_controller"
	ReasonViewersFull      Reason = "viewers_full"
	ReasonCaptureFailed    Reason = "capture_failed"
)

// Error is sent to a client when its request could not be carried out.
type Error struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message,omitempty"`
}

// Name gets this Error's name.
func (Error) Name() string { return "error" }

// NewError creates an error message with the given reason.
func NewError(reason Reason, message string) Error {
	return Error{Reason: reason, Message: message}
}
