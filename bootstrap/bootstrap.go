// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package bootstrap sequences the initial synchronization: the roster
// snapshot, per-room history snapshots, and the handoff from snapshot
// to live push-channel frames.
//
// A room's history is not trusted until its snapshot fetch completes.
// Push-channel frames that arrive for an unseeded room are queued in
// a bounded buffer (oldest dropped on overflow) and replayed in
// arrival order immediately after the snapshot is applied, so the
// snapshot fetch and the channel open need no strict sequencing.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nami-aoshima/chatsync/api"
	"github.com/nami-aoshima/chatsync/lib/metrics"
	"github.com/nami-aoshima/chatsync/lib/ref"
	"github.com/nami-aoshima/chatsync/roster"
	"github.com/nami-aoshima/chatsync/store"
	"github.com/nami-aoshima/chatsync/wire"
)

// DefaultQueueSize bounds the per-room pending frame buffer.
const DefaultQueueSize = 64

// DefaultRequestTimeout bounds each snapshot fetch.
const DefaultRequestTimeout = 15 * time.Second

// SummaryRoom converts a service roster entry to the tracker's shape.
func SummaryRoom(summary api.RoomSummary) roster.Room {
	lastActivity := summary.LastActivity
	if lastActivity.IsZero() {
		lastActivity = summary.CreatedAt
	}
	return roster.Room{
		ID:           summary.ID,
		DisplayName:  summary.DisplayName,
		IsGroup:      summary.IsGroup,
		CreatedAt:    summary.CreatedAt,
		LastActivity: lastActivity,
		Unread:       summary.UnreadCount,
	}
}

// Config holds configuration for creating a Bootstrapper.
type Config struct {
	// API fetches the snapshots.
	API *api.Client
	// Store receives seeded history.
	Store *store.Store
	// Roster receives the seeded room list.
	Roster *roster.Roster
	// Open opens the push channel for a room (the multiplexer's
	// OpenFor).
	Open func(roomID ref.RoomID)
	// Apply hands a live frame to the engine once its room is seeded.
	Apply func(roomID ref.RoomID, frame wire.Frame)
	// Run executes a snapshot completion on the engine's event loop.
	// If nil, completions run inline on the fetch goroutine.
	Run func(task func())
	// OnRoomError flags a room whose snapshot fetch failed. Optional.
	OnRoomError func(roomID ref.RoomID, err error)
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
	// QueueSize bounds each room's pending frame buffer. Defaults to
	// DefaultQueueSize.
	QueueSize int
	// RequestTimeout bounds each snapshot fetch. Defaults to
	// DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Bootstrapper gates live frames behind per-room history snapshots.
// Its methods run on the engine's event loop.
type Bootstrapper struct {
	api         *api.Client
	store       *store.Store
	roster      *roster.Roster
	open        func(ref.RoomID)
	apply       func(ref.RoomID, wire.Frame)
	run         func(func())
	onRoomError func(ref.RoomID, error)
	logger      *slog.Logger
	queueSize   int
	timeout     time.Duration

	seeded   map[ref.RoomID]bool
	fetching map[ref.RoomID]bool
	pending  map[ref.RoomID][]wire.Frame
}

// New creates a Bootstrapper. API, Store, Roster, Open, and Apply are
// required.
func New(config Config) (*Bootstrapper, error) {
	if config.API == nil {
		return nil, fmt.Errorf("bootstrap: API is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("bootstrap: Store is required")
	}
	if config.Roster == nil {
		return nil, fmt.Errorf("bootstrap: Roster is required")
	}
	if config.Open == nil {
		return nil, fmt.Errorf("bootstrap: Open is required")
	}
	if config.Apply == nil {
		return nil, fmt.Errorf("bootstrap: Apply is required")
	}
	run := config.Run
	if run == nil {
		run = func(task func()) { task() }
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Bootstrapper{
		api:         config.API,
		store:       config.Store,
		roster:      config.Roster,
		open:        config.Open,
		apply:       config.Apply,
		run:         run,
		onRoomError: config.OnRoomError,
		logger:      logger,
		queueSize:   queueSize,
		timeout:     timeout,
		seeded:      make(map[ref.RoomID]bool),
		fetching:    make(map[ref.RoomID]bool),
		pending:     make(map[ref.RoomID][]wire.Frame),
	}, nil
}

// Start fetches the roster snapshot, seeds the tracker, opens one
// push channel per room, and kicks off every room's history snapshot.
// The roster fetch itself is synchronous: nothing else is meaningful
// until the room list is known.
func (b *Bootstrapper) Start(ctx context.Context, credential api.Credential) error {
	reqCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	summaries, err := b.api.Rooms(reqCtx, credential)
	if err != nil {
		return fmt.Errorf("bootstrap: roster snapshot failed: %w", err)
	}

	rooms := make([]roster.Room, len(summaries))
	for i, summary := range summaries {
		rooms[i] = SummaryRoom(summary)
	}
	b.roster.Seed(rooms)
	b.logger.Info("roster seeded", "rooms", len(rooms))

	for _, room := range rooms {
		b.OpenRoom(ctx, credential, room.ID)
	}
	return nil
}

// OpenRoom opens a room's push channel and fetches its history
// snapshot if one is not already seeded or in flight. Used by Start
// for every roster entry and by the engine when a new room joins.
func (b *Bootstrapper) OpenRoom(ctx context.Context, credential api.Credential, roomID ref.RoomID) {
	b.open(roomID)
	if b.seeded[roomID] || b.fetching[roomID] {
		return
	}
	b.fetching[roomID] = true

	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		messages, err := b.api.Messages(reqCtx, credential, roomID)
		b.run(func() { b.finishSnapshot(roomID, messages, err) })
	}()
}

// finishSnapshot seeds the room and replays frames queued while the
// fetch was in flight, preserving their arrival order.
func (b *Bootstrapper) finishSnapshot(roomID ref.RoomID, messages []wire.Message, err error) {
	delete(b.fetching, roomID)
	if err != nil {
		// The room stays unseeded; frames keep queueing and a later
		// OpenRoom retries the fetch.
		b.logger.Debug("history snapshot failed", "room", roomID, "error", err)
		if b.onRoomError != nil {
			b.onRoomError(roomID, err)
		}
		return
	}
	if !b.roster.Contains(roomID) {
		delete(b.pending, roomID)
		return
	}

	b.store.Seed(roomID, messages)
	b.seeded[roomID] = true
	queued := b.pending[roomID]
	delete(b.pending, roomID)
	b.logger.Debug("room seeded", "room", roomID, "history", len(messages), "replaying", len(queued))
	for _, frame := range queued {
		b.apply(roomID, frame)
	}
}

// HandleFrame routes a live frame: straight to Apply once the room is
// seeded, otherwise onto the room's bounded pending queue.
func (b *Bootstrapper) HandleFrame(roomID ref.RoomID, frame wire.Frame) {
	if b.seeded[roomID] {
		b.apply(roomID, frame)
		return
	}
	queue := b.pending[roomID]
	if len(queue) >= b.queueSize {
		queue = queue[1:]
		metrics.FramesDropped.WithLabelValues(metrics.DropQueueOverflow).Inc()
		b.logger.Debug("pending queue overflow, dropping oldest", "room", roomID)
	}
	b.pending[roomID] = append(queue, frame)
}

// Seeded reports whether a room's history snapshot has been applied.
func (b *Bootstrapper) Seeded(roomID ref.RoomID) bool {
	return b.seeded[roomID]
}

// DropRoom discards a removed room's bootstrap state.
func (b *Bootstrapper) DropRoom(roomID ref.RoomID) {
	delete(b.seeded, roomID)
	delete(b.fetching, roomID)
	delete(b.pending, roomID)
}
