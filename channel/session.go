// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nami-aoshima/chatsync/lib/clock"
	"github.com/nami-aoshima/chatsync/lib/metrics"
	"github.com/nami-aoshima/chatsync/lib/ref"
	"github.com/nami-aoshima/chatsync/wire"
)

// State is a session's connection state.
type State int

const (
	// Connecting is the initial dial before the channel has ever been
	// open.
	Connecting State = iota
	// Open means frames flow in both directions.
	Open
	// Reconnecting follows an unexpected transport closure; the
	// session retries with backoff.
	Reconnecting
	// Closing means Close was requested and teardown is in progress.
	Closing
	// Closed is terminal. Only an explicit close or concurrent roster
	// removal reaches it.
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session binds one room to its live push connection.
type Session struct {
	roomID  ref.RoomID
	dialer  Dialer
	roster  RosterView
	sink    Sink
	logger  *slog.Logger
	clock   clock.Clock
	backoff BackoffConfig

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	onClosed func(*Session)

	queueCap int

	mu       sync.Mutex
	state    State
	conn     Conn
	outbound [][]byte

	writeMu sync.Mutex
}

// RoomID returns the room this session serves.
func (s *Session) RoomID() ref.RoomID { return s.roomID }

// State returns the session's current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send transmits a frame on the push channel. While the channel is
// down the frame is buffered, oldest dropped on overflow, and flushed
// in order on reconnect. Sending on a closed session is an error.
func (s *Session) Send(frame wire.Frame) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return fmt.Errorf("channel: encoding outbound frame for %s: %w", s.roomID, err)
	}

	s.mu.Lock()
	switch s.state {
	case Closing, Closed:
		s.mu.Unlock()
		return fmt.Errorf("channel: session for %s is closed", s.roomID)
	case Open:
		conn := s.conn
		s.mu.Unlock()
		return s.write(conn, data)
	default:
		if len(s.outbound) >= s.queueCap {
			s.outbound = s.outbound[1:]
			metrics.FramesDropped.WithLabelValues(metrics.DropQueueOverflow).Inc()
			s.logger.Debug("outbound queue overflow, dropping oldest", "room", s.roomID)
		}
		s.outbound = append(s.outbound, data)
		s.mu.Unlock()
		return nil
	}
}

// Close tears the session down and waits for its goroutine to exit.
// Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state != Closed {
		s.state = Closing
	}
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	<-s.done
}

func (s *Session) write(conn Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteFrame(data); err != nil {
		return fmt.Errorf("channel: writing frame for %s: %w", s.roomID, err)
	}
	return nil
}

func (s *Session) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Closing || s.state == Closed
}

// run is the session goroutine: dial, pump, reconnect, until closed
// or the room leaves the roster.
func (s *Session) run() {
	defer close(s.done)
	defer s.finish()

	attempt := 0
	first := true
	for {
		if s.closing() {
			return
		}
		if !first {
			delay := s.backoff.delay(attempt)
			attempt++
			metrics.Reconnects.Inc()
			s.logger.Debug("push channel retry scheduled",
				"room", s.roomID, "attempt", attempt, "delay", delay)
			select {
			case <-s.clock.After(delay):
			case <-s.ctx.Done():
				return
			}
		}
		first = false

		conn, err := s.dialer.Dial(s.ctx, s.roomID)
		if err != nil {
			if s.closing() {
				return
			}
			s.logger.Debug("push channel dial failed", "room", s.roomID, "error", err)
			continue
		}
		attempt = 0

		if !s.becomeOpen(conn) {
			conn.Close()
			return
		}
		s.readLoop(conn)
		conn.Close()
		s.leaveOpen()

		if s.closing() {
			return
		}
		if !s.roster.Contains(s.roomID) {
			s.logger.Debug("room left roster, closing session", "room", s.roomID)
			return
		}
		s.setState(Reconnecting)
	}
}

// becomeOpen installs the connection, flushes the outbound queue, and
// reports whether the session is still live. The state stays pre-Open
// until the queue is fully drained, so a Send arriving mid-flush
// keeps buffering and can never write ahead of older queued frames.
func (s *Session) becomeOpen(conn Conn) bool {
	s.mu.Lock()
	if s.state == Closing || s.state == Closed {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	flushed := 0
	for len(s.outbound) > 0 {
		queued := s.outbound
		s.outbound = nil
		s.mu.Unlock()
		for _, data := range queued {
			if err := s.write(conn, data); err != nil {
				s.logger.Debug("flush failed, frame lost", "room", s.roomID, "error", err)
				metrics.FramesDropped.WithLabelValues(metrics.DropQueueOverflow).Inc()
			}
		}
		flushed += len(queued)
		s.mu.Lock()
		if s.state == Closing || s.state == Closed {
			s.mu.Unlock()
			return false
		}
	}
	s.state = Open
	s.mu.Unlock()

	metrics.OpenSessions.Inc()
	s.logger.Debug("push channel open", "room", s.roomID, "flushed", flushed)
	return true
}

func (s *Session) leaveOpen() {
	s.mu.Lock()
	wasOpen := s.state == Open
	s.conn = nil
	s.mu.Unlock()
	if wasOpen {
		metrics.OpenSessions.Dec()
	}
}

// readLoop pumps inbound frames until the connection fails. Malformed
// payloads are dropped without killing the connection; frames for a
// room no longer in the roster are dropped and end the session.
func (s *Session) readLoop(conn Conn) {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			if !s.closing() {
				s.logger.Debug("push channel read failed", "room", s.roomID, "error", err)
			}
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			metrics.FramesDropped.WithLabelValues(metrics.DropMalformed).Inc()
			s.logger.Debug("dropping malformed frame", "room", s.roomID, "error", err)
			continue
		}
		if !s.roster.Contains(s.roomID) {
			metrics.FramesDropped.WithLabelValues(metrics.DropRoomRemoved).Inc()
			return
		}
		metrics.FramesReceived.WithLabelValues(string(wire.FrameType(frame))).Inc()
		s.sink(s.roomID, frame)
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state != Closing && s.state != Closed {
		s.state = state
	}
	s.mu.Unlock()
}

func (s *Session) finish() {
	s.mu.Lock()
	s.state = Closed
	s.conn = nil
	s.outbound = nil
	s.mu.Unlock()
	if s.onClosed != nil {
		s.onClosed(s)
	}
}
