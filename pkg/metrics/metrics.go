// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package metrics holds the prometheus collectors for deskrelay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connections

	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deskrelay_connections_active",
			Help: "Number of connected clients",
		},
		[]string{"transport"},
	)

	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	RejectedMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_rejected_messages_total",
			Help: "Total number of client messages rejected before reaching a handler",
		},
		[]string{"reason"},
	)

	// Sessions

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deskrelay_sessions_active",
			Help: "Number of sessions registered with the broker",
		},
	)

	RegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_registrations_total",
			Help: "Total number of host and controller registrations",
		},
		[]string{"role", "status"},
	)

	DisconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_session_disconnects_total",
			Help: "Total number of hosts and controllers leaving sessions",
		},
		[]string{"role"},
	)

	// Streaming

	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_frames_total",
			Help: "Total number of frames handled, by outcome",
		},
		[]string{"result"},
	)

	FrameBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskrelay_frame_bytes_total",
			Help: "Total number of encoded frame bytes forwarded or broadcast",
		},
	)

	FramesReplacedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskrelay_frames_replaced_total",
			Help: "Total number of frames replaced by a newer frame before delivery",
		},
	)

	InputEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_input_events_total",
			Help: "Total number of input events handled, by outcome",
		},
		[]string{"result"},
	)

	// Capture

	CaptureErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskrelay_capture_errors_total",
			Help: "Total number of failed frame captures",
		},
	)

	CaptureDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deskrelay_capture_duration_seconds",
			Help:    "Time to grab and encode one frame",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	ViewersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deskrelay_direct_viewers_active",
			Help: "Number of connections subscribed to the direct frame stream",
		},
	)
)
