// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nami-aoshima/chatsync/lib/clock"
	"github.com/nami-aoshima/chatsync/lib/ref"
	"github.com/nami-aoshima/chatsync/wire"
)

// DefaultQueueSize bounds the per-session outbound buffer.
const DefaultQueueSize = 32

// Sink receives every accepted inbound frame exactly once. It runs on
// a session goroutine.
type Sink func(roomID ref.RoomID, frame wire.Frame)

// RosterView is the mux's read-only view of room membership. Frames
// for rooms no longer present are discarded and their sessions closed.
type RosterView interface {
	Contains(roomID ref.RoomID) bool
}

// Config holds configuration for creating a Mux.
type Config struct {
	// Dialer opens per-room connections.
	Dialer Dialer
	// Roster is consulted before delivering each frame.
	Roster RosterView
	// Sink receives accepted inbound frames.
	Sink Sink
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
	// Clock schedules reconnect delays. If nil, the real clock is
	// used.
	Clock clock.Clock
	// Backoff bounds the reconnect schedule.
	Backoff BackoffConfig
	// QueueSize bounds each session's outbound buffer. Defaults to
	// DefaultQueueSize.
	QueueSize int
}

// Mux owns one push-channel session per active room.
type Mux struct {
	dialer    Dialer
	roster    RosterView
	sink      Sink
	logger    *slog.Logger
	clock     clock.Clock
	backoff   BackoffConfig
	queueSize int

	mu       sync.Mutex
	sessions map[ref.RoomID]*Session
	closed   bool
}

// New creates a Mux. Dialer, Roster, and Sink are required.
func New(config Config) (*Mux, error) {
	if config.Dialer == nil {
		return nil, fmt.Errorf("channel: Dialer is required")
	}
	if config.Roster == nil {
		return nil, fmt.Errorf("channel: Roster is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("channel: Sink is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Mux{
		dialer:    config.Dialer,
		roster:    config.Roster,
		sink:      config.Sink,
		logger:    logger,
		clock:     clk,
		backoff:   config.Backoff.withDefaults(),
		queueSize: queueSize,
		sessions:  make(map[ref.RoomID]*Session),
	}, nil
}

// OpenFor returns the room's session, starting one if none is live.
// Idempotent: an existing non-closed session is returned as is.
func (m *Mux) OpenFor(roomID ref.RoomID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if session, ok := m.sessions[roomID]; ok {
		return session
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &Session{
		roomID:   roomID,
		dialer:   m.dialer,
		roster:   m.roster,
		sink:     m.sink,
		logger:   m.logger,
		clock:    m.clock,
		backoff:  m.backoff,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		queueCap: m.queueSize,
		onClosed: m.forget,
	}
	m.sessions[roomID] = session
	go session.run()
	return session
}

// Session returns the live session for a room, if any.
func (m *Mux) Session(roomID ref.RoomID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[roomID]
	return session, ok
}

// CloseRoom tears down one room's session, waiting for it to finish.
// A no-op if the room has no session.
func (m *Mux) CloseRoom(roomID ref.RoomID) {
	m.mu.Lock()
	session, ok := m.sessions[roomID]
	m.mu.Unlock()
	if ok {
		session.Close()
	}
}

// CloseAll releases every session deterministically: when it returns,
// every session goroutine has exited. The Mux accepts no new sessions
// afterwards.
func (m *Mux) CloseAll() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}

// forget drops a finished session from the map, unless a newer
// session has already replaced it.
func (m *Mux) forget(session *Session) {
	m.mu.Lock()
	if current, ok := m.sessions[session.roomID]; ok && current == session {
		delete(m.sessions, session.roomID)
	}
	m.mu.Unlock()
}
