package server

import (
	"bufio"
	"encoding/json"
	"io"
	"io/ioutil"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0ot/deskrelay/pkg/auth"
	"github.com/n0ot/deskrelay/pkg/broker"
	"github.com/n0ot/deskrelay/pkg/input"
	"github.com/n0ot/deskrelay/pkg/protocol"
)

const testSecret = "hunter2"

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.Out = ioutil.Discard
}

func newRelayServer(policy auth.Policy) (*Server, *broker.Broker) {
	b := broker.New(log, broker.HostConflictOverwrite)
	srv := &Server{
		Gate:    auth.NewGate(testSecret, policy),
		Service: NewRelay(b, log),
		Log:     log,
	}
	return srv, b
}

// hasSession reports whether b lists a live session with the given ID.
func hasSession(b *broker.Broker, id string) bool {
	for _, s := range b.Sessions() {
		if s.ID == id {
			return true
		}
	}
	return false
}

// testConn is the far end of a connection served by a Server.
type testConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	done chan struct{} // Closed when ServeConn returns
}

func connect(t *testing.T, srv *Server) *testConn {
	serverSide, clientSide := net.Pipe()
	tc := &testConn{
		t:    t,
		conn: clientSide,
		r:    bufio.NewReader(clientSide),
		done: make(chan struct{}),
	}
	go func() {
		srv.ServeConn(serverSide, "pipe")
		close(tc.done)
	}()
	return tc
}

func (tc *testConn) sendRaw(data string) {
	tc.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := tc.conn.Write([]byte(data + "\n"))
	require.NoError(tc.t, err)
}

func (tc *testConn) send(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	require.NoError(tc.t, err)
	tc.sendRaw(string(data))
}

func (tc *testConn) readLine(timeout time.Duration) ([]byte, error) {
	tc.conn.SetReadDeadline(time.Now().Add(timeout))
	return tc.r.ReadBytes('\n')
}

func (tc *testConn) expectRaw() []byte {
	line, err := tc.readLine(2 * time.Second)
	require.NoError(tc.t, err)
	return line
}

func (tc *testConn) expect() protocol.Message {
	msg, err := protocol.Decode(tc.expectRaw())
	require.NoError(tc.t, err)
	return msg
}

func (tc *testConn) expectError(reason protocol.Reason) {
	msg := tc.expect()
	e, ok := msg.(*protocol.Error)
	require.True(tc.t, ok, "wanted error %s, got %#v", reason, msg)
	assert.Equal(tc.t, reason, e.Reason)
}

// expectNothing checks that nothing arrives for a short while.
func (tc *testConn) expectNothing() {
	line, err := tc.readLine(100 * time.Millisecond)
	require.Error(tc.t, err, "unexpected message %s", line)
	ne, ok := err.(net.Error)
	require.True(tc.t, ok && ne.Timeout(), "wanted a timeout, got %v", err)
}

func (tc *testConn) expectClosed() {
	_, err := tc.readLine(2 * time.Second)
	assert.Equal(tc.t, io.EOF, err)
	tc.waitDone()
}

func (tc *testConn) waitDone() {
	select {
	case <-tc.done:
	case <-time.After(2 * time.Second):
		tc.t.Fatal("server never finished with the connection")
	}
}

// close hangs up, and waits for the server to clean up after the connection.
func (tc *testConn) close() {
	tc.conn.Close()
	tc.waitDone()
}

func (tc *testConn) authenticate() {
	tc.send(protocol.Authenticate{Secret: testSecret})
	assert.Equal(tc.t, &protocol.AuthResult{OK: true}, tc.expect())
}

func TestRelay_EndToEnd(t *testing.T) {
	srv, b := newRelayServer(auth.Policy{})
	host := connect(t, srv)
	controller := connect(t, srv)
	defer controller.close()

	host.authenticate()
	host.send(protocol.RegisterHost{SessionID: "abc123"})
	assert.Equal(t, &protocol.Registered{Role: protocol.RoleHost, SessionID: "abc123"}, host.expect())

	controller.authenticate()
	controller.send(protocol.RegisterController{SessionID: "abc123"})
	assert.Equal(t, &protocol.Connected{SessionID: "abc123"}, controller.expect())
	assert.Equal(t, &protocol.Connected{SessionID: "abc123"}, host.expect())

	host.sendRaw(`{"type":"frame_data","session_id":"abc123","payload":"Zm9v"}`)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(controller.expectRaw(), &frame))
	assert.Equal(t, "frame", frame["type"])
	assert.Equal(t, "Zm9v", frame["payload"])
	assert.Equal(t, "abc123", frame["session_id"])

	controller.sendRaw(`{"type":"input_event","session_id":"abc123","kind":"mouse_move","x":120,"y":80}`)
	assert.Equal(t, &protocol.InputEvent{
		SessionID: "abc123",
		Event:     input.Event{Kind: input.MouseMove, X: 120, Y: 80},
	}, host.expect())

	// Hanging up the host tears the session down before ServeConn returns.
	host.close()
	assert.Equal(t, &protocol.HostDisconnected{SessionID: "abc123"}, controller.expect())
	assert.False(t, hasSession(b, "abc123"))

	controller.send(protocol.RegisterController{SessionID: "abc123"})
	controller.expectError(protocol.ReasonSessionNotFound)
}

func TestRelay_Ghost(t *testing.T) {
	srv, b := newRelayServer(auth.Policy{})
	controller := connect(t, srv)
	defer controller.close()
	host := connect(t, srv)
	defer host.close()

	controller.authenticate()
	controller.send(protocol.RegisterController{SessionID: "ghost"})
	controller.expectError(protocol.ReasonSessionNotFound)
	assert.False(t, hasSession(b, "ghost"))

	host.authenticate()
	host.send(protocol.RegisterHost{SessionID: "ghost"})
	assert.Equal(t, &protocol.Registered{Role: protocol.RoleHost, SessionID: "ghost"}, host.expect())
	host.expectNothing()
}

func TestRelay_ControllerDisconnect(t *testing.T) {
	srv, b := newRelayServer(auth.Policy{})
	host := connect(t, srv)
	defer host.close()
	controller := connect(t, srv)

	host.authenticate()
	host.send(protocol.RegisterHost{SessionID: "abc123"})
	host.expect()
	controller.authenticate()
	controller.send(protocol.RegisterController{SessionID: "abc123"})
	controller.expect()
	host.expect()

	controller.close()
	assert.Equal(t, &protocol.ControllerDisconnected{SessionID: "abc123"}, host.expect())
	assert.True(t, hasSession(b, "abc123"))

	// Frames without a controller vanish without an error.
	host.send(protocol.FrameData{SessionID: "abc123", Payload: []byte("foo")})
	host.expectNothing()

	next := connect(t, srv)
	defer next.close()
	next.authenticate()
	next.send(protocol.RegisterController{SessionID: "abc123"})
	assert.Equal(t, &protocol.Connected{SessionID: "abc123"}, next.expect())
	assert.Equal(t, &protocol.Connected{SessionID: "abc123"}, host.expect())
}

func TestRelay_WrongRole(t *testing.T) {
	srv, _ := newRelayServer(auth.Policy{})
	host := connect(t, srv)
	defer host.close()
	controller := connect(t, srv)
	defer controller.close()

	host.authenticate()
	host.send(protocol.RegisterHost{SessionID: "abc123"})
	host.expect()
	controller.authenticate()
	controller.send(protocol.RegisterController{SessionID: "abc123"})
	controller.expect()
	host.expect()

	controller.send(protocol.FrameData{SessionID: "abc123", Payload: []byte("foo")})
	controller.expectError(protocol.ReasonNotHost)

	host.send(protocol.InputEvent{SessionID: "abc123", Event: input.Event{Kind: input.KeyboardPress, Key: "enter"}})
	host.expectError(protocol.ReasonNotController)

	host.send(protocol.RegisterController{SessionID: "abc123"})
	host.expectError(protocol.ReasonProtocolError)

	controller.send(protocol.InputEvent{SessionID: "abc123", Event: input.Event{Kind: "teleport"}})
	controller.expectError(protocol.ReasonProtocolError)

	host.send(protocol.RegisterHost{})
	host.expectError(protocol.ReasonProtocolError)
}

func TestRelay_SessionIDFromRegistration(t *testing.T) {
	srv, _ := newRelayServer(auth.Policy{})
	host := connect(t, srv)
	defer host.close()
	controller := connect(t, srv)
	defer controller.close()

	host.authenticate()
	host.send(protocol.RegisterHost{SessionID: "abc123"})
	host.expect()
	controller.authenticate()
	controller.send(protocol.RegisterController{SessionID: "abc123"})
	controller.expect()
	host.expect()

	host.send(protocol.FrameData{Payload: []byte("foo")})
	frame, ok := controller.expect().(*protocol.Frame)
	require.True(t, ok)
	assert.Equal(t, protocol.Payload("foo"), frame.Payload)

	controller.send(protocol.InputEvent{Event: input.Event{Kind: input.KeyboardType, Text: "hi"}})
	ev, ok := host.expect().(*protocol.InputEvent)
	require.True(t, ok)
	assert.Equal(t, "hi", ev.Text)
}

func TestRelay_SlowControllerGetsLatestFrame(t *testing.T) {
	srv, _ := newRelayServer(auth.Policy{})
	host := connect(t, srv)
	defer host.close()
	controller := connect(t, srv)
	defer controller.close()

	host.authenticate()
	host.send(protocol.RegisterHost{SessionID: "abc123"})
	host.expect()
	controller.authenticate()
	controller.send(protocol.RegisterController{SessionID: "abc123"})
	controller.expect()
	host.expect()

	// The controller reads nothing while the host streams.
	const n = 50
	for i := 0; i < n; i++ {
		host.send(protocol.FrameData{Payload: []byte{byte(i)}})
	}
	// Once the host gets this reply, every frame above has been forwarded.
	host.sendRaw(`{"type":"teleport"}`)
	host.expectError(protocol.ReasonUnknownType)

	var last *protocol.Frame
	count := 0
	for {
		line, err := controller.readLine(200 * time.Millisecond)
		if err != nil {
			break
		}
		msg, err := protocol.Decode(line)
		require.NoError(t, err)
		frame, ok := msg.(*protocol.Frame)
		require.True(t, ok, "got %#v", msg)
		last = frame
		count++
	}
	require.NotNil(t, last)
	assert.True(t, srv.Stats().FramesDropped >= n-2, "got %d dropped frames", srv.Stats().FramesDropped)
	assert.Equal(t, uint64(n), last.Seq)
	assert.Equal(t, protocol.Payload{n - 1}, last.Payload)
	assert.True(t, count <= 2, "stale frames should have been replaced, got %d frames", count)
}

func TestUnauthenticated_OnlyAuthenticate(t *testing.T) {
	srv, b := newRelayServer(auth.Policy{})
	tc := connect(t, srv)
	defer tc.close()

	for _, msg := range []protocol.Message{
		protocol.RegisterHost{SessionID: "abc123"},
		protocol.RegisterController{SessionID: "abc123"},
		protocol.FrameData{SessionID: "abc123", Payload: []byte("foo")},
		protocol.InputEvent{SessionID: "abc123", Event: input.Event{Kind: input.MouseMove}},
		protocol.Ping{},
	} {
		tc.send(msg)
		tc.expectError(protocol.ReasonNotAuthenticated)
	}
	assert.False(t, hasSession(b, "abc123"))
	assert.Equal(t, 0, b.Stats().NumSessions)

	// Pong is accepted silently.
	tc.send(protocol.Pong{})
	tc.expectNothing()

	tc.authenticate()
	tc.send(protocol.RegisterHost{SessionID: "abc123"})
	assert.Equal(t, &protocol.Registered{Role: protocol.RoleHost, SessionID: "abc123"}, tc.expect())
}

func TestAuthenticate_WrongSecret(t *testing.T) {
	srv, _ := newRelayServer(auth.Policy{})
	tc := connect(t, srv)
	defer tc.close()

	for i := 0; i < 3; i++ {
		tc.send(protocol.Authenticate{Secret: "wrong"})
		assert.Equal(t, &protocol.AuthResult{OK: false}, tc.expect())
	}
	tc.send(protocol.RegisterHost{SessionID: "abc123"})
	tc.expectError(protocol.ReasonNotAuthenticated)

	tc.authenticate()
	// Authenticating again changes nothing.
	tc.authenticate()
}

func TestAuthenticate_Lockout(t *testing.T) {
	srv, _ := newRelayServer(auth.Policy{
		MaxFailures: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Lockout:     time.Minute,
	})
	tc := connect(t, srv)
	defer tc.close()

	tc.send(protocol.Authenticate{Secret: "wrong"})
	assert.Equal(t, &protocol.AuthResult{OK: false}, tc.expect())

	tc.send(protocol.Authenticate{Secret: "wrong"})
	assert.Equal(t, &protocol.AuthResult{OK: false, RetryAfter: 60}, tc.expect())

	// Even the right secret is refused while locked out.
	tc.send(protocol.Authenticate{Secret: testSecret})
	tc.expectError(protocol.ReasonLockedOut)
	result, ok := tc.expect().(*protocol.AuthResult)
	require.True(t, ok)
	assert.False(t, result.OK)
	assert.True(t, result.RetryAfter > 0)

	// Other connections aren't affected.
	other := connect(t, srv)
	defer other.close()
	other.authenticate()
}

func TestMalformedMessages(t *testing.T) {
	srv, _ := newRelayServer(auth.Policy{})
	tc := connect(t, srv)

	tc.sendRaw(`{"type":"teleport"}`)
	tc.expectError(protocol.ReasonUnknownType)

	// Unknown types leave the connection usable.
	tc.authenticate()

	// So do well formed messages with fields of the wrong type.
	tc.sendRaw(`{"type":"input_event","kind":"mouse_move","x":"abc"}`)
	tc.expectError(protocol.ReasonProtocolError)
	tc.sendRaw(`{"type":"frame_data","payload":123}`)
	tc.expectError(protocol.ReasonProtocolError)

	tc.send(protocol.Ping{})
	assert.Equal(t, &protocol.Pong{}, tc.expect())
	tc.close()
}

func TestMalformedJSON(t *testing.T) {
	srv, _ := newRelayServer(auth.Policy{})
	tc := connect(t, srv)

	tc.sendRaw(`{"type":`)
	tc.expectError(protocol.ReasonProtocolError)
	tc.expectClosed()
}

func TestMOTD(t *testing.T) {
	srv, _ := newRelayServer(auth.Policy{})
	srv.MOTD = "Welcome"
	tc := connect(t, srv)
	defer tc.close()

	assert.Equal(t, &protocol.MOTD{MOTD: "Welcome"}, tc.expect())
}

func TestPingClients(t *testing.T) {
	srv, _ := newRelayServer(auth.Policy{})
	srv.TimeBetweenPings = 50 * time.Millisecond
	srv.PingsUntilTimeout = 2
	tc := connect(t, srv)

	// Wait until the server has registered the client.
	tc.send(protocol.Pong{})
	require.Eventually(t, func() bool { return srv.Stats().NumClients == 1 }, time.Second, time.Millisecond)

	srv.pingClients()
	assert.Equal(t, &protocol.Ping{}, tc.expect())

	time.Sleep(150 * time.Millisecond)
	srv.pingClients()
	tc.expectClosed()
	assert.Equal(t, 0, srv.Stats().NumClients)
	assert.Equal(t, 1, srv.Stats().MaxClients)
}

func TestStats_CountsAuthenticated(t *testing.T) {
	srv, _ := newRelayServer(auth.Policy{})
	a := connect(t, srv)
	defer a.close()
	b := connect(t, srv)
	defer b.close()

	a.authenticate()
	b.send(protocol.Authenticate{Secret: "wrong"})
	b.expect()

	stats := srv.Stats()
	assert.Equal(t, 2, stats.NumClients)
	assert.Equal(t, 1, stats.NumAuthenticated)
}

func TestRelay_PayloadPassedThrough(t *testing.T) {
	srv, b := newRelayServer(auth.Policy{})
	host := connect(t, srv)
	defer host.close()
	controller := connect(t, srv)
	defer controller.close()

	host.authenticate()
	host.send(protocol.RegisterHost{SessionID: "abc123"})
	host.expect()
	controller.authenticate()
	controller.send(protocol.RegisterController{SessionID: "abc123"})
	controller.expect()
	host.expect()

	// Neither is valid padded base64; the relay doesn't care.
	for _, payload := range []string{"Zm9", "not base64"} {
		host.sendRaw(`{"type":"frame_data","session_id":"abc123","payload":"` + payload + `"}`)
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(controller.expectRaw(), &frame))
		assert.Equal(t, "frame", frame["type"])
		assert.Equal(t, payload, frame["payload"])
	}
	assert.True(t, hasSession(b, "abc123"))
	host.expectNothing()
}

func TestRelay_ControllerSwitchesSessions(t *testing.T) {
	srv, b := newRelayServer(auth.Policy{})
	hostA := connect(t, srv)
	defer hostA.close()
	hostB := connect(t, srv)
	defer hostB.close()
	controller := connect(t, srv)
	defer controller.close()

	hostA.authenticate()
	hostA.send(protocol.RegisterHost{SessionID: "a"})
	hostA.expect()
	hostB.authenticate()
	hostB.send(protocol.RegisterHost{SessionID: "b"})
	hostB.expect()
	controller.authenticate()
	controller.send(protocol.RegisterController{SessionID: "a"})
	assert.Equal(t, &protocol.Connected{SessionID: "a"}, controller.expect())
	assert.Equal(t, &protocol.Connected{SessionID: "a"}, hostA.expect())

	// A failed switch leaves the controller where it was.
	controller.send(protocol.RegisterController{SessionID: "ghost"})
	controller.expectError(protocol.ReasonSessionNotFound)
	hostA.expectNothing()
	for _, s := range b.Sessions() {
		if s.ID == "a" {
			assert.True(t, s.HasController)
		}
	}
	hostA.send(protocol.FrameData{Payload: []byte("foo")})
	frame, ok := controller.expect().(*protocol.Frame)
	require.True(t, ok)
	assert.Equal(t, "a", frame.SessionID)

	controller.send(protocol.RegisterController{SessionID: "b"})
	assert.Equal(t, &protocol.Connected{SessionID: "b"}, controller.expect())
	assert.Equal(t, &protocol.Connected{SessionID: "b"}, hostB.expect())
	assert.Equal(t, &protocol.ControllerDisconnected{SessionID: "a"}, hostA.expect())

	// Input only reaches the new session.
	controller.send(protocol.InputEvent{Event: input.Event{Kind: input.KeyboardType, Text: "hi"}})
	ev, ok := hostB.expect().(*protocol.InputEvent)
	require.True(t, ok)
	assert.Equal(t, "b", ev.SessionID)
	hostA.expectNothing()

	// Registering again with the session it already controls changes nothing.
	controller.send(protocol.RegisterController{SessionID: "b"})
	assert.Equal(t, &protocol.Connected{SessionID: "b"}, controller.expect())
	hostA.expectNothing()
}

func TestReadLimit_Unauthenticated(t *testing.T) {
	srv, _ := newRelayServer(auth.Policy{})
	tc := connect(t, srv)

	// Authenticating with a huge secret is refused before it is read in full.
	tc.sendRaw(`{"type":"authenticate","secret":"` + strings.Repeat("x", unauthenticatedReadLimit) + `"}`)
	tc.expectError(protocol.ReasonProtocolError)
	tc.expectClosed()
}

func TestReadLimit_Authenticated(t *testing.T) {
	srv, _ := newRelayServer(auth.Policy{})
	srv.MaxMessageSize = 8192
	tc := connect(t, srv)

	tc.authenticate()
	// Larger than the limit before authentication, but within this server's limit.
	tc.sendRaw(`{"type":"register_host","session_id":"` + strings.Repeat("a", 6000) + `"}`)
	registered, ok := tc.expect().(*protocol.Registered)
	require.True(t, ok)
	assert.Len(t, registered.SessionID, 6000)

	tc.sendRaw(`{"type":"frame_data","payload":"` + strings.Repeat("A", 10000) + `"}`)
	tc.expectError(protocol.ReasonProtocolError)
	tc.expectClosed()
}
