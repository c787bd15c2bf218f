// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package broker

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// HostConflictPolicy decides what happens when a host registers a session which already has a different host.
type HostConflictPolicy string

const (
	// HostConflictOverwrite silently replaces the existing host.
	HostConflictOverwrite HostConflictPolicy = "overwrite"
	// HostConflictReject refuses the new host with ErrSessionBusy.
	HostConflictReject HostConflictPolicy = "reject"
	// HostConflictTakeover replaces the existing host,
	// telling the controller and the previous host.
	HostConflictTakeover HostConflictPolicy = "takeover"
)

// ParseHostConflictPolicy parses a policy name.
// An empty name is HostConflictOverwrite.
func ParseHostConflictPolicy(name string) (HostConflictPolicy, error) {
	switch p := HostConflictPolicy(name); p {
	case "":
		return HostConflictOverwrite, nil
	case HostConflictOverwrite, HostConflictReject, HostConflictTakeover:
		return p, nil
	}
	return "", errors.Errorf("Unknown host conflict policy %q; want overwrite, reject or takeover", name)
}

// A session pairs at most one host with at most one controller.
// Once removed, a session is never used again; registering its ID creates a new session.
type session struct {
	id        string
	createdAt time.Time

	lock       sync.Mutex // Protects everything below
	host       Peer
	controller Peer
	removed    bool
	frames     uint64
	inputs     uint64
}

func newSession(id string) *session {
	return &session{
		id:        id,
		createdAt: time.Now(),
	}
}

// SessionInfo describes one session.
type SessionInfo struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	HasController   bool      `json:"has_controller"`
	FramesForwarded uint64    `json:"frames_forwarded"`
	InputsForwarded uint64    `json:"inputs_forwarded"`
}

// Sessions lists the broker's sessions, ordered by ID.
func (b *Broker) Sessions() []SessionInfo {
	list := b.snapshot()
	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		s.lock.Lock()
		if !s.removed && s.host != nil {
			infos = append(infos, SessionInfo{
				ID:              s.id,
				CreatedAt:       s.createdAt,
				HasController:   s.controller != nil,
				FramesForwarded: s.frames,
				InputsForwarded: s.inputs,
			})
		}
		s.lock.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Stats contains summary information about a broker.
type Stats struct {
	Uptime             time.Duration `json:"uptime"`
	NumSessions        int           `json:"num_sessions"`
	NumControlled      int           `json:"num_controlled"`
	MaxSessions        int           `json:"max_sessions"`
	MaxSessionsTime    time.Time     `json:"max_sessions_at"`
	HostConflictPolicy string        `json:"host_conflict_policy"`
}

// Stats gets stats for this broker.
func (b *Broker) Stats() Stats {
	sessions := b.Sessions()

	b.lock.Lock()
	defer b.lock.Unlock()
	stats := Stats{
		Uptime:             time.Since(b.createdTime),
		NumSessions:        len(sessions),
		MaxSessions:        b.maxSessions,
		MaxSessionsTime:    b.maxSessionsTime,
		HostConflictPolicy: string(b.policy),
	}
	for _, s := range sessions {
		if s.HasController {
			stats.NumControlled++
		}
	}
	return stats
}
