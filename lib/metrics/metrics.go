// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the engine's Prometheus instrumentation.
// Counters are incremented from the channel and dispatch paths; how
// (and whether) they are surfaced is the embedding application's
// concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Push-channel metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_frames_received_total",
			Help: "Push-channel frames delivered to the engine, by frame type",
		},
		[]string{"type"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_frames_dropped_total",
			Help: "Push-channel frames discarded before delivery",
		},
		[]string{"reason"}, // "malformed", "room_removed", "queue_overflow"
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnects_total",
			Help: "Push-channel reconnect attempts",
		},
	)

	OpenSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_open_sessions",
			Help: "Push-channel sessions currently in the Open state",
		},
	)

	// Dispatcher metrics
	CommandFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_command_failures_total",
			Help: "User commands whose durable request was rejected or timed out",
		},
		[]string{"command"},
	)
)

// Frame drop reasons.
const (
	DropMalformed     = "malformed"
	DropRoomRemoved   = "room_removed"
	DropQueueOverflow = "queue_overflow"
)
