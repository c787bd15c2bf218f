// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package broker pairs hosts with controllers by session ID, and forwards traffic between them.
package broker

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/deskrelay/pkg/frames"
	"github.com/n0ot/deskrelay/pkg/input"
	"github.com/n0ot/deskrelay/pkg/metrics"
	"github.com/n0ot/deskrelay/pkg/protocol"
)

// Errors returned by the broker.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionBusy     = errors.New("session already has a host")
	ErrNotHost         = errors.New("not the host of this session")
	ErrNotController   = errors.New("not the controller of this session")
)

// A Peer is a connection attached to a session.
// Send and SendFrame must not block; the broker calls them while a session is locked.
type Peer interface {
	ID() uint64
	Send(msg protocol.Message)
	SendFrame(f frames.Frame)
}

func samePeer(a, b Peer) bool {
	return a != nil && b != nil && a.ID() == b.ID()
}

// Broker holds every session on a relay.
type Broker struct {
	log    *logrus.Logger
	policy HostConflictPolicy

	lock            sync.Mutex // Protects everything below; never held while waiting for a session lock
	sessions        map[string]*session
	createdTime     time.Time
	maxSessions     int
	maxSessionsTime time.Time
}

// New makes an empty broker.
func New(log *logrus.Logger, policy HostConflictPolicy) *Broker {
	if policy == "" {
		policy = HostConflictOverwrite
	}
	now := time.Now()
	return &Broker{
		log:             log,
		policy:          policy,
		sessions:        make(map[string]*session),
		createdTime:     now,
		maxSessionsTime: now,
	}
}

// getOrCreate returns the named session, creating an empty one if it doesn't exist.
func (b *Broker) getOrCreate(id string) *session {
	b.lock.Lock()
	defer b.lock.Unlock()

	s, ok := b.sessions[id]
	if !ok {
		s = newSession(id)
		b.sessions[id] = s
		metrics.SessionsActive.Set(float64(len(b.sessions)))
		if len(b.sessions) > b.maxSessions {
			b.maxSessions = len(b.sessions)
			b.maxSessionsTime = time.Now()
		}
	}
	return s
}

func (b *Broker) lookup(id string) *session {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.sessions[id]
}

// remove deletes s from the registry.
// The caller must hold s.lock, and must have marked s removed.
func (b *Broker) remove(s *session) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.sessions[s.id] == s {
		delete(b.sessions, s.id)
	}
	metrics.SessionsActive.Set(float64(len(b.sessions)))
}

func (b *Broker) snapshot() []*session {
	b.lock.Lock()
	defer b.lock.Unlock()
	list := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		list = append(list, s)
	}
	return list
}

// RegisterHost makes p the host of the named session, creating the session if it doesn't exist.
// If the session already has a different host, the broker's HostConflictPolicy decides what happens.
// On success, p is sent Registered.
func (b *Broker) RegisterHost(id string, p Peer) error {
	for {
		s := b.getOrCreate(id)
		s.lock.Lock()
		if s.removed {
			// Lost a race with the previous host's disconnect; the next lookup creates a fresh session.
			s.lock.Unlock()
			continue
		}

		prev := s.host
		takeover := prev != nil && !samePeer(prev, p)
		if takeover && b.policy == HostConflictReject {
			s.lock.Unlock()
			metrics.RegistrationsTotal.WithLabelValues("host", "busy").Inc()
			return ErrSessionBusy
		}

		s.host = p
		p.Send(protocol.Registered{Role: protocol.RoleHost, SessionID: id})
		if s.controller != nil {
			p.Send(protocol.Connected{SessionID: id})
		}
		if takeover && b.policy == HostConflictTakeover {
			if s.controller != nil {
				s.controller.Send(protocol.HostReplaced{SessionID: id})
			}
			prev.Send(protocol.NewError(protocol.ReasonSessionTakenOver, "Another host registered this session"))
		}
		hasController := s.controller != nil
		s.lock.Unlock()

		fields := logrus.Fields{
			"session_id":     id,
			"host":           p.ID(),
			"has_controller": hasController,
		}
		if takeover {
			fields["previous_host"] = prev.ID()
			fields["policy"] = b.policy
		}
		b.log.WithFields(fields).Info("Host registered")
		metrics.RegistrationsTotal.WithLabelValues("host", "ok").Inc()
		return nil
	}
}

// RegisterController attaches p to the named session as its controller,
// replacing any existing controller.
// Both the host and p are sent Connected.
// If the session doesn't exist, ErrSessionNotFound is returned, and nothing changes.
func (b *Broker) RegisterController(id string, p Peer) error {
	s := b.lookup(id)
	if s == nil {
		metrics.RegistrationsTotal.WithLabelValues("controller", "not_found").Inc()
		return ErrSessionNotFound
	}

	s.lock.Lock()
	if s.removed || s.host == nil {
		s.lock.Unlock()
		metrics.RegistrationsTotal.WithLabelValues("controller", "not_found").Inc()
		return ErrSessionNotFound
	}
	prev := s.controller
	s.controller = p
	msg := protocol.Connected{SessionID: id}
	s.host.Send(msg)
	p.Send(msg)
	host := s.host.ID()
	s.lock.Unlock()

	fields := logrus.Fields{
		"session_id": id,
		"host":       host,
		"controller": p.ID(),
	}
	if prev != nil && !samePeer(prev, p) {
		fields["previous_controller"] = prev.ID()
	}
	b.log.WithFields(fields).Info("Controller connected")
	metrics.RegistrationsTotal.WithLabelValues("controller", "ok").Inc()
	return nil
}

// ForwardFrame sends an encoded frame from the session's host to its controller.
// If there is no controller, the frame is dropped, and delivered will be false.
// Frames from anyone other than the session's host are refused.
func (b *Broker) ForwardFrame(id string, from Peer, payload []byte) (delivered bool, err error) {
	s := b.lookup(id)
	if s == nil {
		metrics.FramesTotal.WithLabelValues("rejected").Inc()
		return false, ErrSessionNotFound
	}

	s.lock.Lock()
	if s.removed {
		s.lock.Unlock()
		metrics.FramesTotal.WithLabelValues("rejected").Inc()
		return false, ErrSessionNotFound
	}
	if !samePeer(s.host, from) {
		s.lock.Unlock()
		metrics.FramesTotal.WithLabelValues("rejected").Inc()
		return false, ErrNotHost
	}
	controller := s.controller
	if controller == nil {
		s.lock.Unlock()
		metrics.FramesTotal.WithLabelValues("dropped").Inc()
		return false, nil
	}
	s.frames++
	f := frames.Frame{
		SessionID:  id,
		Payload:    payload,
		Seq:        s.frames,
		CapturedAt: time.Now(),
	}
	s.lock.Unlock()

	controller.SendFrame(f)
	metrics.FramesTotal.WithLabelValues("forwarded").Inc()
	metrics.FrameBytesTotal.Add(float64(len(payload)))
	return true, nil
}

// ForwardInput sends an input event from the session's controller to its host.
// Events from anyone other than the session's controller are refused.
func (b *Broker) ForwardInput(id string, from Peer, ev input.Event) (delivered bool, err error) {
	s := b.lookup(id)
	if s == nil {
		metrics.InputEventsTotal.WithLabelValues("rejected").Inc()
		return false, ErrSessionNotFound
	}

	s.lock.Lock()
	if s.removed {
		s.lock.Unlock()
		metrics.InputEventsTotal.WithLabelValues("rejected").Inc()
		return false, ErrSessionNotFound
	}
	if !samePeer(s.controller, from) {
		s.lock.Unlock()
		metrics.InputEventsTotal.WithLabelValues("rejected").Inc()
		return false, ErrNotController
	}
	host := s.host
	if host == nil {
		s.lock.Unlock()
		metrics.InputEventsTotal.WithLabelValues("dropped").Inc()
		return false, nil
	}
	s.inputs++
	s.lock.Unlock()

	host.Send(protocol.InputEvent{SessionID: id, Event: ev})
	metrics.InputEventsTotal.WithLabelValues("forwarded").Inc()
	return true, nil
}

// Disconnect removes p from every session it is part of.
// Sessions p hosts are destroyed, and their controllers are sent HostDisconnected.
// Sessions p controls lose their controller, and their hosts are sent ControllerDisconnected.
// Disconnect must be called once p will send no more requests;
// when it returns, no session refers to p.
func (b *Broker) Disconnect(p Peer) {
	// Scanning every session is fine; registrations are rare compared to frames.
	for _, s := range b.snapshot() {
		b.disconnectFrom(s, p)
	}
}

// Leave removes p from the named session only, as Disconnect would.
// Leaving a session p isn't part of does nothing.
func (b *Broker) Leave(id string, p Peer) {
	if s := b.lookup(id); s != nil {
		b.disconnectFrom(s, p)
	}
}

func (b *Broker) disconnectFrom(s *session, p Peer) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.removed {
		return
	}

	switch {
	case samePeer(s.host, p):
		if s.controller != nil && !samePeer(s.controller, p) {
			s.controller.Send(protocol.HostDisconnected{SessionID: s.id})
		}
		s.removed = true
		b.remove(s)
		b.log.WithFields(logrus.Fields{
			"session_id": s.id,
			"host":       p.ID(),
			"lifetime":   time.Since(s.createdAt),
		}).Info("Host disconnected; session removed")
		metrics.DisconnectsTotal.WithLabelValues("host").Inc()

	case samePeer(s.controller, p):
		s.controller = nil
		if s.host != nil {
			s.host.Send(protocol.ControllerDisconnected{SessionID: s.id})
		}
		b.log.WithFields(logrus.Fields{
			"session_id": s.id,
			"controller": p.ID(),
		}).Info("Controller disconnected")
		metrics.DisconnectsTotal.WithLabelValues("controller").Inc()
	}
}
