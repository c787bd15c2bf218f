// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package server serves deskrelay clients over TCP and WebSockets.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/deskrelay/pkg/auth"
	"github.com/n0ot/deskrelay/pkg/metrics"
	"github.com/n0ot/deskrelay/pkg/protocol"
)

// Server contains state for a deskrelay server.
type Server struct {
	// TimeBetweenPings specifies the amount of time that will elapse before clients will be sent a ping.
	// If 0, no pings will be sent.
	TimeBetweenPings time.Duration

	// PingsUntilTimeout specifies the number of pings to be sent before unresponsive clients will be kicked.
	// If TimeBetweenPings is 0, this field has no effect.
	PingsUntilTimeout int

	// TLSConfig optionally provides a TLS configuration for use by ListenAndServeTLS.
	TLSConfig *tls.Config

	// MOTD contains the message of the day, which will be sent to clients when connecting.
	MOTD string

	// StatsPassword sets the password for retrieving stats.
	// If empty, stats are disabled.
	StatsPassword string

	// MaxMessageSize limits the size of messages from authenticated clients, in bytes.
	// If 0, DefaultMaxMessageSize is used.
	// Until a client authenticates, its messages are limited to a few kilobytes.
	MaxMessageSize int64

	// Gate authenticates clients. Nothing but authenticate is accepted from a client until it passes.
	Gate *auth.Gate

	// Service handles messages from authenticated clients.
	Service Service

	Log *logrus.Logger

	initOnce sync.Once
	nextID   uint64 // Accessed atomically
	registry registry
}

func (srv *Server) init() {
	srv.initOnce.Do(func() {
		now := time.Now()
		srv.registry = registry{
			clients:        make(map[uint64]*client),
			createdTime:    now,
			maxClientsTime: now,
		}
	})
}

func (srv *Server) maxMessageSize() int64 {
	if srv.MaxMessageSize > 0 {
		return srv.MaxMessageSize
	}
	return DefaultMaxMessageSize
}

// ListenAndServe listens for TCP connections, and serves newline delimited JSON on them.
func (srv *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}
	defer listener.Close()

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": false,
	}).Info("Listening for incoming connections")
	return srv.Serve(listener)
}

// ListenAndServeTLS behaves just like ListenAndServe, but wraps the connection with TLS.
func (srv *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	if err := srv.loadTLS(certFile, keyFile); err != nil {
		return err
	}

	listener, err := tls.Listen("tcp", addr, srv.TLSConfig)
	if err != nil {
		return errors.Wrap(err, "Listen TLS")
	}
	defer listener.Close()

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": true,
	}).Info("Listening for incoming connections")
	return srv.Serve(listener)
}

func (srv *Server) loadTLS(certFile, keyFile string) error {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return errors.Wrap(err, "Load X.509 key pair")
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if srv.TLSConfig == nil {
		return errors.New("No TLSConfig set in server, and no certFile/keyFile given")
	}
	return nil
}

// Serve accepts connections from listener until it is closed.
func (srv *Server) Serve(listener net.Listener) error {
	srv.init()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				srv.Log.WithFields(logrus.Fields{
					"error": err,
				}).Error("Error accepting connection")
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return errors.Wrap(err, "Accept")
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok && srv.TimeBetweenPings > 0 {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(srv.TimeBetweenPings)
		}

		remoteAddr, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		go srv.ServeConn(conn, getHostFromAddrIfPossible(remoteAddr))
	}
}

// ServeConn serves newline delimited JSON on conn until the client disconnects or is kicked.
// When it returns, the client has been removed from every session and broadcast, and conn is closed.
func (srv *Server) ServeConn(conn net.Conn, remoteHost string) {
	srv.serveClient(newStreamTransport(conn), remoteHost)
}

func (srv *Server) serveClient(conn transport, remoteHost string) {
	srv.init()
	c := newClient(atomic.AddUint64(&srv.nextID, 1), conn, remoteHost, srv.Log)
	srv.registry.add(c)
	metrics.ConnectionsActive.WithLabelValues(conn.Kind()).Inc()
	defer metrics.ConnectionsActive.WithLabelValues(conn.Kind()).Dec()

	srv.Log.WithFields(logrus.Fields{
		"client":      c.id,
		"remote_host": remoteHost,
		"transport":   conn.Kind(),
	}).Info("Client connected")

	conn.SetReadLimit(unauthenticatedReadLimit)
	finished := make(chan struct{})
	go c.write(finished)

	if srv.MOTD != "" {
		c.Send(protocol.MOTD{MOTD: srv.MOTD})
	}

	exitReason := srv.read(c)
	c.stop(exitReason)

	// Nobody may reach this client through a session or broadcast once it is gone.
	srv.Service.disconnect(c)
	c.frames.Close()
	srv.registry.remove(c)
	<-finished

	fields := logrus.Fields{
		"client": c.id,
		"reason": c.stoppedReason,
	}
	if c.stoppedReason != exitReason {
		fields["handler_reason"] = exitReason
	}
	srv.Log.WithFields(fields).Info("Client disconnected")
}

// KeepAlive pings clients every TimeBetweenPings until ctx is done,
// and kicks clients which haven't sent anything for PingsUntilTimeout pings.
// If TimeBetweenPings is 0, KeepAlive just waits for ctx.
func (srv *Server) KeepAlive(ctx context.Context) {
	srv.init()
	srv.Log.WithFields(logrus.Fields{
		"time_between_pings":  srv.TimeBetweenPings,
		"pings_until_timeout": srv.PingsUntilTimeout,
	}).Info("Server started")

	// If TimeBetweenPings is 0,
	// pingsCH will remain nil, and clients will not be pinged.
	var pingsCH <-chan time.Time
	if srv.TimeBetweenPings > 0 {
		ticker := time.NewTicker(srv.TimeBetweenPings)
		defer ticker.Stop()
		pingsCH = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingsCH:
			srv.pingClients()
		}
	}
}

func (srv *Server) pingClients() {
	timeout := srv.TimeBetweenPings * time.Duration(srv.PingsUntilTimeout)
	for _, c := range srv.registry.list() {
		if srv.PingsUntilTimeout > 0 && c.idleFor() > timeout {
			srv.Log.WithFields(logrus.Fields{
				"client": c.id,
				"idle":   c.idleFor(),
			}).Info("Ping timeout")
			c.stop("Ping timeout")
			continue
		}
		c.Send(protocol.Ping{})
	}
}

// Stats gets stats for this server's connections.
func (srv *Server) Stats() Stats {
	srv.init()
	return srv.registry.Stats()
}

// getHostFromAddrIfPossible tries to get the reverse dns host for an address.
// If that isn't possible, it just returns the address.
func getHostFromAddrIfPossible(addr string) string {
	var hosts string
	names, err := net.LookupAddr(addr)
	if err == nil { // No need to report errors; just fallback to IP
		hosts = strings.Join(names, ", ")
	}

	if hosts == "" {
		return addr
	}

	return fmt.Sprintf("%s (%s)", hosts, addr)
}
