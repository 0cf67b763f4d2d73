// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine assembles the synchronization engine: store, roster,
// multiplexer, dispatcher, and bootstrapper behind a single facade.
//
// All state mutation happens on one event loop goroutine. Inbound
// push-channel frames, command completions, and user intents are
// posted as tasks that run to completion without preemption, so the
// components need no locking among themselves. Public methods are
// safe to call from any goroutine; readers receive value-copy
// snapshots through reply channels.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nami-aoshima/chatsync/api"
	"github.com/nami-aoshima/chatsync/bootstrap"
	"github.com/nami-aoshima/chatsync/channel"
	"github.com/nami-aoshima/chatsync/dispatch"
	"github.com/nami-aoshima/chatsync/lib/clock"
	"github.com/nami-aoshima/chatsync/lib/ref"
	"github.com/nami-aoshima/chatsync/roster"
	"github.com/nami-aoshima/chatsync/store"
	"github.com/nami-aoshima/chatsync/wire"
)

// Context identifies whose state the engine synchronizes. It is
// supplied by the authentication collaborator and treated as opaque;
// the engine never refreshes or inspects the credential.
type Context struct {
	// Credential is the bearer token for the REST and push channels.
	Credential api.Credential
	// UserID is the current user.
	UserID ref.UserID
	// Location resolves calendar days for date separators. If nil,
	// time.Local is used.
	Location *time.Location
}

// Config holds configuration for creating an Engine.
type Config struct {
	// API talks to the authoritative service.
	API *api.Client
	// Dialer opens push channels. If nil, a websocket dialer against
	// PushURL is used.
	Dialer channel.Dialer
	// PushURL is the websocket base URL (e.g., "ws://localhost:8080").
	// Required when Dialer is nil.
	PushURL string
	// Context identifies the current user.
	Context Context
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
	// Clock drives reconnect backoff and optimistic timestamps. If
	// nil, the real clock is used.
	Clock clock.Clock
	// Backoff bounds the push-channel reconnect schedule.
	Backoff channel.BackoffConfig
	// RequestTimeout bounds durable requests. Zero selects the
	// dispatcher default.
	RequestTimeout time.Duration
	// TaskBuffer bounds the event loop's task queue. Defaults to 256.
	TaskBuffer int
	// ChannelQueueSize bounds each session's outbound buffer. Zero
	// selects the channel default.
	ChannelQueueSize int
	// PendingFrames bounds the per-room queue of frames held back
	// until the history snapshot lands. Zero selects the bootstrap
	// default.
	PendingFrames int
}

// Engine is the synchronization engine facade.
type Engine struct {
	identity Context
	logger   *slog.Logger
	api      *api.Client

	store        *store.Store
	roster       *roster.Roster
	mux          *channel.Mux
	dispatcher   *dispatch.Dispatcher
	bootstrapper *bootstrap.Bootstrapper

	tasks chan func()
	quit  chan struct{}

	// Loop-owned state below; touched only by tasks.
	foreground ref.RoomID
	roomErrs   map[ref.RoomID]error
	commandErr error
}

// New assembles an Engine. Run must be called before the engine does
// anything.
func New(config Config) (*Engine, error) {
	if config.API == nil {
		return nil, fmt.Errorf("engine: API is required")
	}
	if config.Context.Credential.IsZero() {
		return nil, fmt.Errorf("engine: Context.Credential is required")
	}
	if config.Context.UserID.IsZero() {
		return nil, fmt.Errorf("engine: Context.UserID is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	taskBuffer := config.TaskBuffer
	if taskBuffer <= 0 {
		taskBuffer = 256
	}

	e := &Engine{
		identity: config.Context,
		logger:   logger,
		api:      config.API,
		store:    store.New(logger),
		roster:   roster.New(logger),
		tasks:    make(chan func(), taskBuffer),
		quit:     make(chan struct{}),
		roomErrs: make(map[ref.RoomID]error),
	}

	dialer := config.Dialer
	if dialer == nil {
		if config.PushURL == "" {
			return nil, fmt.Errorf("engine: PushURL is required when Dialer is nil")
		}
		dialer = &channel.WebsocketDialer{
			BaseURL:    config.PushURL,
			Credential: config.Context.Credential,
		}
	}

	mux, err := channel.New(channel.Config{
		Dialer:    dialer,
		Roster:    e.roster,
		Sink:      e.sinkFrame,
		Logger:    logger,
		Clock:     config.Clock,
		Backoff:   config.Backoff,
		QueueSize: config.ChannelQueueSize,
	})
	if err != nil {
		return nil, err
	}
	e.mux = mux

	e.bootstrapper, err = bootstrap.New(bootstrap.Config{
		API:            config.API,
		Store:          e.store,
		Roster:         e.roster,
		Open:           func(roomID ref.RoomID) { e.mux.OpenFor(roomID) },
		Apply:          e.applyFrame,
		Run:            e.post,
		OnRoomError:    e.setRoomError,
		Logger:         logger,
		QueueSize:      config.PendingFrames,
		RequestTimeout: config.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	e.dispatcher, err = dispatch.New(dispatch.Config{
		API:            config.API,
		Store:          e.store,
		Roster:         e.roster,
		Broadcast:      e.broadcast,
		Run:            e.post,
		OnRoomError:    e.setRoomError,
		OnCommandError: e.setCommandError,
		OnRoomJoined:   e.roomJoined,
		OnRoomDeleted:  e.roomDeleted,
		Logger:         logger,
		Clock:          config.Clock,
		RequestTimeout: config.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Run bootstraps and then drives the event loop until ctx ends. It
// returns the bootstrap error, if any; a context cancellation is a
// normal shutdown and returns nil.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.bootstrapper.Start(ctx, e.identity.Credential); err != nil {
		close(e.quit)
		e.mux.CloseAll()
		return err
	}

	for {
		select {
		case task := <-e.tasks:
			task()
		case <-ctx.Done():
			// Unblock posters before tearing sessions down, or a
			// session delivering a frame could deadlock the close.
			close(e.quit)
			e.mux.CloseAll()
			return nil
		}
	}
}

// post schedules a task on the event loop. After shutdown tasks are
// silently discarded.
func (e *Engine) post(task func()) {
	select {
	case e.tasks <- task:
	case <-e.quit:
	}
}

// sinkFrame runs on a session goroutine; it hops onto the loop.
func (e *Engine) sinkFrame(roomID ref.RoomID, frame wire.Frame) {
	e.post(func() { e.bootstrapper.HandleFrame(roomID, frame) })
}

// broadcast hands a frame to the room's push-channel session.
func (e *Engine) broadcast(roomID ref.RoomID, frame wire.Frame) error {
	session, ok := e.mux.Session(roomID)
	if !ok {
		return fmt.Errorf("engine: no push channel for %s", roomID)
	}
	return session.Send(frame)
}

// applyFrame is the exhaustive frame switch. It runs on the loop,
// after the bootstrap gate.
func (e *Engine) applyFrame(roomID ref.RoomID, frame wire.Frame) {
	switch f := frame.(type) {
	case wire.MessageFrame:
		e.applyMessage(roomID, f.Message)
	case wire.EditFrame:
		e.store.ApplyEdit(roomID, f.Message.ID, f.Message.Content)
	case wire.DeleteFrame:
		e.store.ApplyHardDelete(roomID, f.MessageID)
	case wire.HideFrame:
		e.store.ApplyHideForMe(roomID, f.MessageID, f.UserID)
	case wire.ReadFrame:
		e.applyRead(roomID, f)
	case wire.MentionFrame:
		e.applyMention(roomID, f)
	case wire.UnknownFrame:
		e.logger.Debug("ignoring unrecognized frame type", "room", roomID, "type", f.TypeName)
	default:
		e.logger.Debug("ignoring unhandled frame variant", "room", roomID, "type", wire.FrameType(frame))
	}
}

func (e *Engine) applyMessage(roomID ref.RoomID, m wire.Message) {
	if m.RoomID.IsZero() {
		m.RoomID = roomID
	}
	inserted := e.store.Insert(m)
	e.roster.Touch(roomID, m.CreatedAt)
	if !inserted || m.SenderID == e.identity.UserID {
		// A duplicate delivery, or the echo of our own send.
		return
	}
	if roomID == e.foreground {
		// The user is looking at the room; confirm the read instead
		// of counting it unread.
		e.dispatcher.MarkRead(e.dispatchIdentity(), roomID, m.ID)
		return
	}
	e.roster.BumpUnread(roomID)
}

func (e *Engine) applyRead(roomID ref.RoomID, f wire.ReadFrame) {
	e.store.ApplyReadReceipt(roomID, f.MessageID, f.UserID)
	if f.UserID != e.identity.UserID {
		return
	}
	// Our own receipt round-tripped; if it covers the newest message
	// the room is fully read.
	if newest, ok := e.store.Newest(roomID); ok && newest.ID == f.MessageID {
		e.roster.ClearUnread(roomID)
	}
}

func (e *Engine) applyMention(roomID ref.RoomID, f wire.MentionFrame) {
	if f.UserID != e.identity.UserID {
		return
	}
	if f.RoomID.IsZero() {
		f.RoomID = roomID
	}
	if f.RoomID == e.foreground {
		return
	}
	e.roster.MarkMentioned(f.RoomID)
}

func (e *Engine) setRoomError(roomID ref.RoomID, err error) {
	e.roomErrs[roomID] = err
}

func (e *Engine) setCommandError(command string, err error) {
	e.commandErr = fmt.Errorf("engine: %s: %w", command, err)
}

func (e *Engine) roomJoined(summary api.RoomSummary) {
	room := bootstrap.SummaryRoom(summary)
	e.roster.Upsert(room)
	e.bootstrapper.OpenRoom(context.Background(), e.identity.Credential, room.ID)
}

func (e *Engine) roomDeleted(roomID ref.RoomID) {
	e.roster.Remove(roomID)
	e.store.DropRoom(roomID)
	e.bootstrapper.DropRoom(roomID)
	delete(e.roomErrs, roomID)
	if e.foreground == roomID {
		e.foreground = ref.RoomID{}
	}
	// Closing waits for the session goroutine, which may be posting a
	// frame; do it off the loop. The roster removal above already
	// stops delivery.
	go e.mux.CloseRoom(roomID)
}

func (e *Engine) dispatchIdentity() dispatch.Identity {
	return dispatch.Identity{Credential: e.identity.Credential, UserID: e.identity.UserID}
}

func (e *Engine) location() *time.Location {
	if e.identity.Location != nil {
		return e.identity.Location
	}
	return time.Local
}
