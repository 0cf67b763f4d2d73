// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/nami-aoshima/chatsync/api"
	"github.com/nami-aoshima/chatsync/lib/ref"
	"github.com/nami-aoshima/chatsync/roster"
	"github.com/nami-aoshima/chatsync/store"
	"github.com/nami-aoshima/chatsync/wire"
)

// call runs fn on the event loop and waits for its result. After
// shutdown the zero value is returned.
func call[T any](e *Engine, fn func() T) T {
	reply := make(chan T, 1)
	e.post(func() { reply <- fn() })
	select {
	case v := <-reply:
		return v
	case <-e.quit:
		var zero T
		return zero
	}
}

// OpenRoom foregrounds a room: its unread counter and mention flag
// clear, its push channel and history snapshot are ensured, and if
// history is already present the newest message is confirmed read.
// In-flight operations for the previously foregrounded room are not
// cancelled; only its unread suppression stops.
func (e *Engine) OpenRoom(roomID ref.RoomID) {
	e.post(func() {
		if !e.roster.Contains(roomID) {
			e.logger.Debug("open for room not in roster", "room", roomID)
			return
		}
		e.foreground = roomID
		e.roster.ClearUnread(roomID)
		e.roster.ClearMentioned(roomID)
		e.bootstrapper.OpenRoom(context.Background(), e.identity.Credential, roomID)
		if newest, ok := e.store.Newest(roomID); ok {
			e.dispatcher.MarkRead(e.dispatchIdentity(), roomID, newest.ID)
		}
	})
}

// CloseForeground leaves the foreground room. Inbound messages for it
// count as unread again.
func (e *Engine) CloseForeground() {
	e.post(func() { e.foreground = ref.RoomID{} })
}

// Foreground returns the currently foregrounded room, if any.
func (e *Engine) Foreground() ref.RoomID {
	return call(e, func() ref.RoomID { return e.foreground })
}

// Send posts a message. The returned identity is the optimistic local
// one; the server-assigned identity replaces it on confirmation.
func (e *Engine) Send(ctx context.Context, roomID ref.RoomID, content string) ref.MessageID {
	return call(e, func() ref.MessageID {
		return e.dispatcher.Send(ctx, e.dispatchIdentity(), roomID, content)
	})
}

// Edit replaces a message's content.
func (e *Engine) Edit(ctx context.Context, roomID ref.RoomID, messageID ref.MessageID, content string) error {
	return call(e, func() error {
		return e.dispatcher.Edit(ctx, e.dispatchIdentity(), roomID, messageID, content)
	})
}

// Recall hard-deletes a message for every viewer.
func (e *Engine) Recall(ctx context.Context, roomID ref.RoomID, messageID ref.MessageID) error {
	return call(e, func() error {
		return e.dispatcher.Recall(ctx, e.dispatchIdentity(), roomID, messageID)
	})
}

// HideForMe hides a message for the current user only.
func (e *Engine) HideForMe(ctx context.Context, roomID ref.RoomID, messageID ref.MessageID) error {
	return call(e, func() error {
		return e.dispatcher.HideForMe(ctx, e.dispatchIdentity(), roomID, messageID)
	})
}

// MarkRead records that the current user has read a message.
func (e *Engine) MarkRead(roomID ref.RoomID, messageID ref.MessageID) {
	e.post(func() { e.dispatcher.MarkRead(e.dispatchIdentity(), roomID, messageID) })
}

// StartChat asks for a 1:1 room with a peer. The room appears in the
// roster once the service confirms.
func (e *Engine) StartChat(ctx context.Context, peer ref.UserID) {
	e.post(func() { e.dispatcher.StartChat(ctx, e.dispatchIdentity(), peer) })
}

// CreateGroup asks for a group room with the given members.
func (e *Engine) CreateGroup(ctx context.Context, name string, members []ref.UserID) {
	e.post(func() { e.dispatcher.CreateGroup(ctx, e.dispatchIdentity(), name, members) })
}

// DeleteRoom removes a room for every member once confirmed.
func (e *Engine) DeleteRoom(ctx context.Context, roomID ref.RoomID) {
	e.post(func() { e.dispatcher.DeleteRoom(ctx, e.dispatchIdentity(), roomID) })
}

// Rooms returns the roster ordered by last activity descending.
func (e *Engine) Rooms() []roster.Room {
	return call(e, func() []roster.Room { return e.roster.Rooms() })
}

// Messages returns the current user's view of a room's log.
func (e *Engine) Messages(roomID ref.RoomID) []store.Entry {
	return call(e, func() []store.Entry {
		return e.store.VisibleTo(roomID, e.identity.UserID, e.location())
	})
}

// RoomError returns the room's pending user-visible error, if any.
func (e *Engine) RoomError(roomID ref.RoomID) error {
	return call(e, func() error { return e.roomErrs[roomID] })
}

// ClearRoomError acknowledges a room's error banner.
func (e *Engine) ClearRoomError(roomID ref.RoomID) {
	e.post(func() { delete(e.roomErrs, roomID) })
}

// CommandError returns the pending error from a failed command that
// had no room to attach to (a rejected start-chat or create-group).
func (e *Engine) CommandError() error {
	return call(e, func() error { return e.commandErr })
}

// ClearCommandError acknowledges the pending command error.
func (e *Engine) ClearCommandError() {
	e.post(func() { e.commandErr = nil })
}

// Users fetches the peer directory. A passthrough to the service; no
// engine state is involved.
func (e *Engine) Users(ctx context.Context) ([]api.User, error) {
	return e.api.Users(ctx, e.identity.Credential)
}

// RoomMembers fetches a room's membership list from the service.
func (e *Engine) RoomMembers(ctx context.Context, roomID ref.RoomID) ([]api.Member, error) {
	return e.api.RoomMembers(ctx, e.identity.Credential, roomID)
}

// UploadAsset uploads a media file and sends its reference as a
// message in the given room.
func (e *Engine) UploadAsset(ctx context.Context, roomID ref.RoomID, filename string, content io.Reader) (ref.MessageID, error) {
	assetURL, err := e.api.UploadAsset(ctx, e.identity.Credential, filename, content)
	if err != nil {
		return ref.MessageID{}, fmt.Errorf("engine: upload failed: %w", err)
	}
	if !wire.IsAssetReference(assetURL) {
		e.logger.Debug("uploaded asset path has no recognized media extension", "url", assetURL)
	}
	return e.Send(ctx, roomID, assetURL), nil
}
