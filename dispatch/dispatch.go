// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch turns user intents into the paired durable REST
// call plus push-channel broadcast, with optimistic local application.
//
// Every command follows the same two-phase pattern: the store is
// mutated immediately so the change is visible with no perceived
// latency, then the authoritative service is asked to make it
// durable. On success an equivalent frame is broadcast on the room's
// push channel so other members converge; on rejection or timeout the
// fields the command mutated are put back from a snapshot taken
// beforehand and the room is flagged with an error. Rollback is
// scoped to those fields: receipts, hides, or a tombstone merged from
// the push channel while the request was in flight are kept.
//
// Commands are invoked on the engine's event loop. The durable
// request runs on its own goroutine; its completion is handed back
// through the configured Run function so all state mutation stays on
// the loop.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nami-aoshima/chatsync/api"
	"github.com/nami-aoshima/chatsync/lib/clock"
	"github.com/nami-aoshima/chatsync/lib/metrics"
	"github.com/nami-aoshima/chatsync/lib/ref"
	"github.com/nami-aoshima/chatsync/roster"
	"github.com/nami-aoshima/chatsync/store"
	"github.com/nami-aoshima/chatsync/wire"
)

// DefaultRequestTimeout bounds each durable request.
const DefaultRequestTimeout = 10 * time.Second

// Identity carries whose authority a command runs under. It is
// threaded into every operation explicitly; the dispatcher holds no
// ambient session state.
type Identity struct {
	Credential api.Credential
	UserID     ref.UserID
}

// Config holds configuration for creating a Dispatcher.
type Config struct {
	// API performs the durable requests.
	API *api.Client
	// Store receives the optimistic mutations.
	Store *store.Store
	// Roster is touched for activity ordering on sends.
	Roster *roster.Roster
	// Broadcast transmits a frame on a room's push channel.
	Broadcast func(roomID ref.RoomID, frame wire.Frame) error
	// Run executes a completion task on the engine's event loop. If
	// nil, completions run inline on the request goroutine.
	Run func(task func())
	// OnRoomError flags a room with a user-visible error. Optional.
	OnRoomError func(roomID ref.RoomID, err error)
	// OnCommandError reports a failed command that has no room to
	// attach an error to (a rejected start-chat or create-group).
	// Optional.
	OnCommandError func(command string, err error)
	// OnRoomJoined reports a room created by StartChat or
	// CreateGroup, on the event loop. Optional.
	OnRoomJoined func(summary api.RoomSummary)
	// OnRoomDeleted reports a confirmed room deletion, on the event
	// loop. Optional.
	OnRoomDeleted func(roomID ref.RoomID)
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
	// Clock supplies optimistic timestamps. If nil, the real clock is
	// used.
	Clock clock.Clock
	// RequestTimeout bounds each durable request. Defaults to
	// DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Dispatcher executes user commands against the store and the
// authoritative service.
type Dispatcher struct {
	api            *api.Client
	store          *store.Store
	roster         *roster.Roster
	broadcast      func(ref.RoomID, wire.Frame) error
	run            func(func())
	onRoomError    func(ref.RoomID, error)
	onCommandError func(string, error)
	onRoomJoined   func(api.RoomSummary)
	onRoomDeleted  func(ref.RoomID)
	logger         *slog.Logger
	clock          clock.Clock
	timeout        time.Duration
}

// New creates a Dispatcher. API, Store, Roster, and Broadcast are
// required.
func New(config Config) (*Dispatcher, error) {
	if config.API == nil {
		return nil, fmt.Errorf("dispatch: API is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("dispatch: Store is required")
	}
	if config.Roster == nil {
		return nil, fmt.Errorf("dispatch: Roster is required")
	}
	if config.Broadcast == nil {
		return nil, fmt.Errorf("dispatch: Broadcast is required")
	}
	run := config.Run
	if run == nil {
		run = func(task func()) { task() }
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Dispatcher{
		api:            config.API,
		store:          config.Store,
		roster:         config.Roster,
		broadcast:      config.Broadcast,
		run:            run,
		onRoomError:    config.OnRoomError,
		onCommandError: config.OnCommandError,
		onRoomJoined:   config.OnRoomJoined,
		onRoomDeleted:  config.OnRoomDeleted,
		logger:         logger,
		clock:          clk,
		timeout:        timeout,
	}, nil
}

// Send applies a new message optimistically under a local identity,
// then asks the service to store it. The confirmed message replaces
// the local record: the local entry is removed and the confirmed one
// inserted through the store's deduplicating Insert, so a racing
// push-channel echo can never produce a second copy.
func (d *Dispatcher) Send(ctx context.Context, id Identity, roomID ref.RoomID, content string) ref.MessageID {
	localID := ref.NewLocalMessageID()
	now := d.clock.Now()
	d.store.Insert(wire.Message{
		ID:        localID,
		RoomID:    roomID,
		SenderID:  id.UserID,
		Content:   content,
		CreatedAt: now,
	})
	d.roster.Touch(roomID, now)

	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		confirmed, err := d.api.SendMessage(reqCtx, id.Credential, roomID, content)
		d.run(func() {
			d.store.Remove(roomID, localID)
			if err != nil {
				d.fail(roomID, "send", err)
				return
			}
			d.store.Insert(confirmed)
			d.roster.Touch(roomID, confirmed.CreatedAt)
			d.send(roomID, wire.MessageFrame{Message: confirmed})
		})
	}()
	return localID
}

// Edit replaces a message's content optimistically, then durably. A
// local (unconfirmed) identity cannot be edited; the command is
// refused before any mutation.
func (d *Dispatcher) Edit(ctx context.Context, id Identity, roomID ref.RoomID, messageID ref.MessageID, newContent string) error {
	if messageID.IsLocal() {
		return fmt.Errorf("dispatch: message %s in %s is not yet confirmed", messageID, roomID)
	}
	snapshot, ok := d.store.Get(roomID, messageID)
	if !ok {
		return fmt.Errorf("dispatch: unknown message %s in %s", messageID, roomID)
	}
	if snapshot.Deleted {
		return fmt.Errorf("dispatch: message %s in %s is recalled", messageID, roomID)
	}
	d.store.ApplyEdit(roomID, messageID, newContent)

	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		err := d.api.EditMessage(reqCtx, id.Credential, messageID, newContent)
		d.run(func() {
			if err != nil {
				d.store.RevertEdit(roomID, messageID, snapshot.Content, snapshot.Edited)
				d.fail(roomID, "edit", err)
				return
			}
			if updated, ok := d.store.Get(roomID, messageID); ok {
				d.send(roomID, wire.EditFrame{Message: wireMessage(updated)})
			}
		})
	}()
	return nil
}

// Recall hard-deletes a message for every viewer: the local record is
// tombstoned optimistically and restored if the service refuses.
func (d *Dispatcher) Recall(ctx context.Context, id Identity, roomID ref.RoomID, messageID ref.MessageID) error {
	if messageID.IsLocal() {
		return fmt.Errorf("dispatch: message %s in %s is not yet confirmed", messageID, roomID)
	}
	snapshot, ok := d.store.Get(roomID, messageID)
	if !ok {
		return fmt.Errorf("dispatch: unknown message %s in %s", messageID, roomID)
	}
	d.store.ApplyHardDelete(roomID, messageID)

	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		err := d.api.DeleteMessage(reqCtx, id.Credential, messageID)
		d.run(func() {
			if err != nil {
				d.store.RevertRecall(roomID, messageID, snapshot.Content, snapshot.Edited)
				d.fail(roomID, "recall", err)
				return
			}
			d.send(roomID, wire.DeleteFrame{MessageID: messageID})
		})
	}()
	return nil
}

// HideForMe hides a message for the commanding user only.
func (d *Dispatcher) HideForMe(ctx context.Context, id Identity, roomID ref.RoomID, messageID ref.MessageID) error {
	if messageID.IsLocal() {
		return fmt.Errorf("dispatch: message %s in %s is not yet confirmed", messageID, roomID)
	}
	snapshot, ok := d.store.Get(roomID, messageID)
	if !ok {
		return fmt.Errorf("dispatch: unknown message %s in %s", messageID, roomID)
	}
	if snapshot.HiddenForUser(id.UserID) {
		// Already hidden; a rollback here would erase the earlier
		// durable hide.
		return nil
	}
	d.store.ApplyHideForMe(roomID, messageID, id.UserID)

	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		err := d.api.HideMessage(reqCtx, id.Credential, messageID)
		d.run(func() {
			if err != nil {
				d.store.RevertHide(roomID, messageID, id.UserID)
				d.fail(roomID, "hide", err)
				return
			}
			d.send(roomID, wire.HideFrame{MessageID: messageID, UserID: id.UserID})
		})
	}()
	return nil
}

// MarkRead records that the commanding user has read a message. The
// durable path is the push-channel frame itself; if it cannot be
// handed to the channel the optimistic receipt is rolled back.
// Reading one's own message is a no-op: the read-by set excludes the
// sender by convention.
func (d *Dispatcher) MarkRead(id Identity, roomID ref.RoomID, messageID ref.MessageID) {
	snapshot, ok := d.store.Get(roomID, messageID)
	if !ok || snapshot.SenderID == id.UserID || snapshot.ReadByUser(id.UserID) {
		return
	}
	d.store.ApplyReadReceipt(roomID, messageID, id.UserID)
	err := d.broadcast(roomID, wire.ReadFrame{
		MessageID: messageID,
		UserID:    id.UserID,
		RoomID:    roomID,
	})
	if err != nil {
		d.store.RevertReadReceipt(roomID, messageID, id.UserID)
		d.fail(roomID, "mark-read", err)
	}
}

// StartChat asks the service for a 1:1 room with a peer. Nothing is
// applied optimistically; the room joins the roster through the
// OnRoomJoined callback once confirmed.
func (d *Dispatcher) StartChat(ctx context.Context, id Identity, peer ref.UserID) {
	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		summary, err := d.api.StartChat(reqCtx, id.Credential, peer)
		d.run(func() {
			if err != nil {
				d.fail(ref.RoomID{}, "start-chat", err)
				return
			}
			if d.onRoomJoined != nil {
				d.onRoomJoined(summary)
			}
		})
	}()
}

// CreateGroup asks the service for a group room.
func (d *Dispatcher) CreateGroup(ctx context.Context, id Identity, name string, members []ref.UserID) {
	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		summary, err := d.api.CreateGroup(reqCtx, id.Credential, name, members)
		d.run(func() {
			if err != nil {
				d.fail(ref.RoomID{}, "create-group", err)
				return
			}
			if d.onRoomJoined != nil {
				d.onRoomJoined(summary)
			}
		})
	}()
}

// DeleteRoom removes a room for every member. The removal is not
// optimistic: the roster entry survives until the service confirms,
// then the OnRoomDeleted callback tears it down.
func (d *Dispatcher) DeleteRoom(ctx context.Context, id Identity, roomID ref.RoomID) {
	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		err := d.api.DeleteRoom(reqCtx, id.Credential, roomID)
		d.run(func() {
			if err != nil {
				d.fail(roomID, "delete-room", err)
				return
			}
			if d.onRoomDeleted != nil {
				d.onRoomDeleted(roomID)
			}
		})
	}()
}

func (d *Dispatcher) send(roomID ref.RoomID, frame wire.Frame) {
	if err := d.broadcast(roomID, frame); err != nil {
		// The durable mutation already succeeded; other members will
		// converge from history on their next snapshot.
		d.logger.Debug("broadcast failed after durable success",
			"room", roomID, "type", wire.FrameType(frame), "error", err)
	}
}

func (d *Dispatcher) fail(roomID ref.RoomID, command string, err error) {
	metrics.CommandFailures.WithLabelValues(command).Inc()
	d.logger.Debug("command failed", "command", command, "room", roomID, "error", err)
	if roomID.IsZero() {
		if d.onCommandError != nil {
			d.onCommandError(command, err)
		}
		return
	}
	if d.onRoomError != nil {
		d.onRoomError(roomID, err)
	}
}

// wireMessage converts a store snapshot back to the wire shape for
// broadcasting.
func wireMessage(m store.Message) wire.Message {
	return wire.Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		ReadBy:    m.ReadBy,
		HiddenFor: m.HiddenFor,
		Edited:    m.Edited,
		Deleted:   m.Deleted,
	}
}
