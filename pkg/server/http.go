// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/deskrelay/pkg/metrics"
)

// wrongPasswordDelay slows down guessing the stats password.
var wrongPasswordDelay = 5 * time.Second

// Router returns the server's HTTP routes:
// /ws upgrades to a WebSocket carrying the same messages as the TCP stream,
// /auth checks a password without a connection,
// /health, /metrics and /stats report on the server.
func (srv *Server) Router() *mux.Router {
	srv.init()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Clients are authenticated by the secret, not their origin
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			srv.Log.WithFields(logrus.Fields{
				"remote_addr": req.RemoteAddr,
				"error":       err,
			}).Warn("WebSocket upgrade failed")
			return
		}
		remoteAddr, _, _ := net.SplitHostPort(req.RemoteAddr)
		srv.serveClient(newWSTransport(conn), getHostFromAddrIfPossible(remoteAddr))
	}).Methods("GET")
	r.HandleFunc("/auth", srv.handleAuth).Methods("POST")
	r.HandleFunc("/health", srv.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/stats", srv.handleStats).Methods("GET")
	return r
}

// ListenAndServeHTTP serves the server's HTTP routes on addr.
func (srv *Server) ListenAndServeHTTP(addr string) error {
	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": false,
	}).Info("Listening for HTTP connections")
	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return errors.Wrap(hs.ListenAndServe(), "Serve HTTP")
}

// ListenAndServeHTTPTLS behaves just like ListenAndServeHTTP, but serves HTTPS.
func (srv *Server) ListenAndServeHTTPTLS(addr, certFile, keyFile string) error {
	if err := srv.loadTLS(certFile, keyFile); err != nil {
		return err
	}
	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": true,
	}).Info("Listening for HTTP connections")
	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		TLSConfig:         srv.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return errors.Wrap(hs.ListenAndServeTLS("", ""), "Serve HTTPS")
}

type authRequest struct {
	Password string `json:"password"`
}

type authResponse struct {
	Success bool `json:"success"`
}

// handleAuth checks a password against the secret.
// It grants nothing; connections still authenticate themselves.
func (srv *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	ok := srv.Gate.Check(req.Password)
	result := "http_ok"
	if !ok {
		result = "http_failed"
	}
	metrics.AuthAttemptsTotal.WithLabelValues(result).Inc()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(authResponse{Success: ok})
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "healthy",
		"clients": srv.Stats().NumClients,
	})
}

// StatsResponse is served by /stats.
type StatsResponse struct {
	Server  Stats       `json:"server"`
	Service interface{} `json:"service"`
}

// handleStats serves stats to requests bearing the stats password.
func (srv *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if srv.StatsPassword == "" {
		http.Error(w, "stats are disabled", http.StatusNotFound)
		return
	}

	password := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if password == "" {
		http.Error(w, "no password", http.StatusUnauthorized)
		return
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(srv.StatsPassword)) != 1 {
		time.Sleep(wrongPasswordDelay) // Prevent brute forcing
		srv.Log.WithFields(logrus.Fields{
			"remote_addr": r.RemoteAddr,
		}).Warn("Wrong stats password")
		http.Error(w, "wrong password", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatsResponse{
		Server:  srv.Stats(),
		Service: srv.Service.stats(),
	})
}
