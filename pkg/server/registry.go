// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"sync"
	"time"
)

// registry tracks every connected client.
type registry struct {
	lock           sync.RWMutex // Protects the entire registry
	clients        map[uint64]*client
	createdTime    time.Time
	maxClients     int
	maxClientsTime time.Time
}

func (reg *registry) add(c *client) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	reg.clients[c.id] = c
	if len(reg.clients) > reg.maxClients {
		reg.maxClients = len(reg.clients)
		reg.maxClientsTime = time.Now()
	}
}

func (reg *registry) remove(c *client) {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	delete(reg.clients, c.id)
}

// list returns the connected clients.
// The registry isn't locked while the caller works through them.
func (reg *registry) list() []*client {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	clients := make([]*client, 0, len(reg.clients))
	for _, c := range reg.clients {
		clients = append(clients, c)
	}
	return clients
}

// Stats contains summary information about a server's connections.
type Stats struct {
	Uptime           time.Duration `json:"uptime"`
	NumClients       int           `json:"num_clients"`
	NumAuthenticated int           `json:"num_authenticated"`
	MaxClients       int           `json:"max_clients"`
	MaxClientsTime   time.Time     `json:"max_clients_at"`

	// FramesDropped counts frames connected clients were too slow to receive.
	FramesDropped uint64 `json:"frames_dropped"`
}

// Stats gets stats for this registry.
func (reg *registry) Stats() Stats {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	stats := Stats{
		Uptime:         time.Since(reg.createdTime),
		NumClients:     len(reg.clients),
		MaxClients:     reg.maxClients,
		MaxClientsTime: reg.maxClientsTime,
	}
	for _, c := range reg.clients {
		if c.auth.Authenticated() {
			stats.NumAuthenticated++
		}
		stats.FramesDropped += c.frames.Dropped()
	}
	return stats
}
