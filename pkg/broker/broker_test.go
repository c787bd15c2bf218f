package broker

import (
	"fmt"
	"io/ioutil"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0ot/deskrelay/pkg/frames"
	"github.com/n0ot/deskrelay/pkg/input"
	"github.com/n0ot/deskrelay/pkg/protocol"
)

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.Out = ioutil.Discard
}

type fakePeer struct {
	id uint64

	lock     sync.Mutex
	messages []protocol.Message
	frames   []frames.Frame
}

func newPeer(id uint64) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() uint64 { return p.id }

func (p *fakePeer) Send(msg protocol.Message) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.messages = append(p.messages, msg)
}

func (p *fakePeer) SendFrame(f frames.Frame) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.frames = append(p.frames, f)
}

// drain returns and forgets every message sent to p.
func (p *fakePeer) drain() []protocol.Message {
	p.lock.Lock()
	defer p.lock.Unlock()
	msgs := p.messages
	p.messages = nil
	return msgs
}

func (p *fakePeer) sentFrames() []frames.Frame {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]frames.Frame(nil), p.frames...)
}

// hasSession reports whether a live session with the given ID exists.
func (b *Broker) hasSession(id string) bool {
	s := b.lookup(id)
	if s == nil {
		return false
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return !s.removed && s.host != nil
}

func count(msgs []protocol.Message, name string) int {
	n := 0
	for _, msg := range msgs {
		if msg.Name() == name {
			n++
		}
	}
	return n
}

func TestRegisterHost(t *testing.T) {
	b := New(log, HostConflictOverwrite)
	host := newPeer(1)

	require.NoError(t, b.RegisterHost("abc123", host))
	assert.Equal(t, []protocol.Message{
		protocol.Registered{Role: protocol.RoleHost, SessionID: "abc123"},
	}, host.drain())
	assert.True(t, b.hasSession("abc123"))
}

func TestEndToEndScenario(t *testing.T) {
	b := New(log, HostConflictOverwrite)
	host := newPeer(1)
	controller := newPeer(2)

	require.NoError(t, b.RegisterHost("abc123", host))
	assert.Equal(t, []protocol.Message{
		protocol.Registered{Role: protocol.RoleHost, SessionID: "abc123"},
	}, host.drain())

	require.NoError(t, b.RegisterController("abc123", controller))
	assert.Equal(t, []protocol.Message{protocol.Connected{SessionID: "abc123"}}, host.drain())
	assert.Equal(t, []protocol.Message{protocol.Connected{SessionID: "abc123"}}, controller.drain())

	delivered, err := b.ForwardFrame("abc123", host, []byte("foo"))
	require.NoError(t, err)
	assert.True(t, delivered)
	sent := controller.sentFrames()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte("foo"), sent[0].Payload)
	assert.Equal(t, "abc123", sent[0].SessionID)
	assert.Equal(t, uint64(1), sent[0].Seq)

	ev := input.Event{Kind: input.MouseMove, X: 120, Y: 80}
	delivered, err = b.ForwardInput("abc123", controller, ev)
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, []protocol.Message{protocol.InputEvent{SessionID: "abc123", Event: ev}}, host.drain())
}

func TestRegisterController_UnknownSession(t *testing.T) {
	b := New(log, HostConflictOverwrite)
	controller := newPeer(2)

	err := b.RegisterController("ghost", controller)
	assert.Equal(t, ErrSessionNotFound, errors.Cause(err))
	assert.False(t, b.hasSession("ghost"), "no session may be created")
	assert.Empty(t, controller.drain())
	assert.Equal(t, 0, b.Stats().NumSessions)

	// "ghost" is brand new to a later host.
	host := newPeer(1)
	require.NoError(t, b.RegisterHost("ghost", host))
	assert.Equal(t, []protocol.Message{
		protocol.Registered{Role: protocol.RoleHost, SessionID: "ghost"},
	}, host.drain())
}

func TestHostDisconnect_RemovesSession(t *testing.T) {
	b := New(log, HostConflictOverwrite)
	host := newPeer(1)
	controller := newPeer(2)
	require.NoError(t, b.RegisterHost("abc123", host))
	require.NoError(t, b.RegisterController("abc123", controller))
	host.drain()
	controller.drain()

	b.Disconnect(host)

	msgs := controller.drain()
	assert.Equal(t, 1, count(msgs, "host_disconnected"))
	assert.Len(t, msgs, 1)
	assert.False(t, b.hasSession("abc123"))

	other := newPeer(3)
	err := b.RegisterController("abc123", other)
	assert.Equal(t, ErrSessionNotFound, errors.Cause(err))

	// Disconnecting again sends nothing more.
	b.Disconnect(host)
	assert.Empty(t, controller.drain())
}

func TestHostDisconnect_WithoutController(t *testing.T) {
	b := New(log, HostConflictOverwrite)
	host := newPeer(1)
	require.NoError(t, b.RegisterHost("abc123", host))

	b.Disconnect(host)
	assert.False(t, b.hasSession("abc123"))
}

func TestControllerDisconnect_KeepsSession(t *testing.T) {
	b := New(log, HostConflictOverwrite)
	host := newPeer(1)
	controller := newPeer(2)
	require.NoError(t, b.RegisterHost("abc123", host))
	require.NoError(t, b.RegisterController("abc123", controller))
	host.drain()
	controller.drain()

	b.Disconnect(controller)

	msgs := host.drain()
	assert.Equal(t, 1, count(msgs, "controller_disconnected"))
	assert.Len(t, msgs, 1)
	assert.Empty(t, controller.drain())
	assert.True(t, b.hasSession("abc123"))
	assert.False(t, b.Sessions()[0].HasController)

	// Frames are now dropped without error.
	delivered, err := b.ForwardFrame("abc123", host, []byte("foo"))
	require.NoError(t, err)
	assert.False(t, delivered)

	next := newPeer(3)
	require.NoError(t, b.RegisterController("abc123", next))
	assert.Equal(t, []protocol.Message{protocol.Connected{SessionID: "abc123"}}, next.drain())
	assert.Equal(t, []protocol.Message{protocol.Connected{SessionID: "abc123"}}, host.drain())
}

func TestLeave_OnlyThatSession(t *testing.T) {
	b := New(log, HostConflictOverwrite)
	hostA, hostB := newPeer(1), newPeer(2)
	controller := newPeer(3)
	require.NoError(t, b.RegisterHost("a", hostA))
	require.NoError(t, b.RegisterHost("b", hostB))
	require.NoError(t, b.RegisterController("a", controller))
	require.NoError(t, b.RegisterController("b", controller))
	hostA.drain()
	hostB.drain()
	controller.drain()

	b.Leave("a", controller)
	assert.Equal(t, []protocol.Message{protocol.ControllerDisconnected{SessionID: "a"}}, hostA.drain())
	assert.Empty(t, hostB.drain())
	assert.Empty(t, controller.drain())

	sessions := b.Sessions()
	require.Len(t, sessions, 2)
	assert.False(t, sessions[0].HasController)
	assert.True(t, sessions[1].HasController)

	// Leaving again, or leaving an unknown session, changes nothing.
	b.Leave("a", controller)
	b.Leave("ghost", controller)
	assert.Empty(t, hostA.drain())
	assert.True(t, b.Sessions()[1].HasController)
}

func TestForwardFrame_NoController(t *testing.T) {
	b := New(log, HostConflictOverwrite)
	host := newPeer(1)
	require.NoError(t, b.RegisterHost("abc123", host))
	host.drain()

	delivered, err := b.ForwardFrame("abc123", host, []byte("foo"))
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Empty(t, host.drain())
	assert.Empty(t, host.sentFrames())
}

func TestForward_WrongSender(t *testing.T) {
	b := New(log, HostConflictOverwrite)
	host := newPeer(1)
	controller := newPeer(2)
	stranger := newPeer(3)
	require.NoError(t, b.RegisterHost("abc123", host))
	require.NoError(t, b.RegisterController("abc123", controller))

	_, err := b.ForwardFrame("abc123", stranger, []byte("foo"))
	assert.Equal(t, ErrNotHost, errors.Cause(err))
	_, err = b.ForwardFrame("abc123", controller, []byte("foo"))
	assert.Equal(t, ErrNotHost, errors.Cause(err))
	assert.Empty(t, controller.sentFrames())

	_, err = b.ForwardInput("abc123", host, input.Event{Kind: input.KeyboardPress, Key: "enter"})
	assert.Equal(t, ErrNotController, errors.Cause(err))

	_, err = b.ForwardFrame("nope", host, []byte("foo"))
	assert.Equal(t, ErrSessionNotFound, errors.Cause(err))
	_, err = b.ForwardInput("nope", controller, input.Event{Kind: input.KeyboardPress, Key: "enter"})
	assert.Equal(t, ErrSessionNotFound, errors.Cause(err))
}

func TestRegisterController_ReplacesController(t *testing.T) {
	b := New(log, HostConflictOverwrite)
	host := newPeer(1)
	first := newPeer(2)
	second := newPeer(3)
	require.NoError(t, b.RegisterHost("abc123", host))
	require.NoError(t, b.RegisterController("abc123", first))
	require.NoError(t, b.RegisterController("abc123", second))
	first.drain()

	_, err := b.ForwardFrame("abc123", host, []byte("foo"))
	require.NoError(t, err)
	assert.Empty(t, first.sentFrames())
	assert.Len(t, second.sentFrames(), 1)

	// The replaced controller leaving doesn't affect the session.
	host.drain()
	b.Disconnect(first)
	assert.Empty(t, host.drain())
	assert.True(t, b.Sessions()[0].HasController)
}

func TestHostConflict_Overwrite(t *testing.T) {
	b := New(log, HostConflictOverwrite)
	oldHost := newPeer(1)
	newHost := newPeer(2)
	controller := newPeer(3)
	require.NoError(t, b.RegisterHost("abc123", oldHost))
	require.NoError(t, b.RegisterController("abc123", controller))
	oldHost.drain()
	controller.drain()

	require.NoError(t, b.RegisterHost("abc123", newHost))
	assert.Empty(t, oldHost.drain(), "overwrite is silent")
	assert.Empty(t, controller.drain(), "overwrite is silent")
	assert.Equal(t, []protocol.Message{
		protocol.Registered{Role: protocol.RoleHost, SessionID: "abc123"},
		protocol.Connected{SessionID: "abc123"},
	}, newHost.drain())

	_, err := b.ForwardFrame("abc123", oldHost, []byte("foo"))
	assert.Equal(t, ErrNotHost, errors.Cause(err))

	// The old host leaving doesn't tear down the session it no longer hosts.
	b.Disconnect(oldHost)
	assert.True(t, b.hasSession("abc123"))
	assert.Empty(t, controller.drain())
}

func TestHostConflict_Reject(t *testing.T) {
	b := New(log, HostConflictReject)
	oldHost := newPeer(1)
	newHost := newPeer(2)
	require.NoError(t, b.RegisterHost("abc123", oldHost))

	err := b.RegisterHost("abc123", newHost)
	assert.Equal(t, ErrSessionBusy, errors.Cause(err))
	assert.Empty(t, newHost.drain())

	// The same host registering again is not a conflict.
	require.NoError(t, b.RegisterHost("abc123", oldHost))
}

func TestHostConflict_Takeover(t *testing.T) {
	b := New(log, HostConflictTakeover)
	oldHost := newPeer(1)
	newHost := newPeer(2)
	controller := newPeer(3)
	require.NoError(t, b.RegisterHost("abc123", oldHost))
	require.NoError(t, b.RegisterController("abc123", controller))
	oldHost.drain()
	controller.drain()

	require.NoError(t, b.RegisterHost("abc123", newHost))
	assert.Equal(t, []protocol.Message{protocol.HostReplaced{SessionID: "abc123"}}, controller.drain())
	oldMsgs := oldHost.drain()
	require.Len(t, oldMsgs, 1)
	assert.Equal(t, protocol.ReasonSessionTakenOver, oldMsgs[0].(protocol.Error).Reason)
}

func TestParseHostConflictPolicy(t *testing.T) {
	p, err := ParseHostConflictPolicy("")
	require.NoError(t, err)
	assert.Equal(t, HostConflictOverwrite, p)

	for _, name := range []string{"overwrite", "reject", "takeover"} {
		p, err := ParseHostConflictPolicy(name)
		require.NoError(t, err)
		assert.Equal(t, HostConflictPolicy(name), p)
	}

	_, err = ParseHostConflictPolicy("migrate")
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	b := New(log, HostConflictOverwrite)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.RegisterHost(fmt.Sprintf("s%d", i), newPeer(uint64(i))))
	}
	require.NoError(t, b.RegisterController("s1", newPeer(10)))

	stats := b.Stats()
	assert.Equal(t, 3, stats.NumSessions)
	assert.Equal(t, 1, stats.NumControlled)
	assert.Equal(t, 3, stats.MaxSessions)
	assert.Equal(t, "overwrite", stats.HostConflictPolicy)

	b.Disconnect(newPeer(0))
	stats = b.Stats()
	assert.Equal(t, 2, stats.NumSessions)
	assert.Equal(t, 3, stats.MaxSessions)

	ids := []string{}
	for _, s := range b.Sessions() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"s1", "s2"}, ids)
}

// TestConcurrentRegisterDisconnect races hosts and controllers on the same and different sessions,
// checking that every session ends up with at most one host and one controller.
func TestConcurrentRegisterDisconnect(t *testing.T) {
	b := New(log, HostConflictOverwrite)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("session-%d", i%4)
			host := newPeer(uint64(1000 + i))
			controller := newPeer(uint64(2000 + i))
			for j := 0; j < 50; j++ {
				b.RegisterHost(id, host)
				b.RegisterController(id, controller)
				b.ForwardFrame(id, host, []byte("frame"))
				b.ForwardInput(id, controller, input.Event{Kind: input.MouseMove, X: 1, Y: 1})
				if j%3 == 0 {
					b.Disconnect(controller)
				}
				if j%5 == 0 {
					b.Disconnect(host)
				}
			}
			b.Disconnect(controller)
			b.Disconnect(host)
		}(i)
	}
	wg.Wait()

	assert.Empty(t, b.Sessions(), "every host disconnected, so every session must be gone")
	assert.Equal(t, 0, b.Stats().NumSessions)
}
