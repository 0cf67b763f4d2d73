// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package roster tracks the set of rooms the current user belongs to,
// ordered by last activity, with per-room unread counters and mention
// flags. Mention flags are a local-only signal: they clear when the
// user opens the room, with no server confirmation involved.
package roster

import (
	"log/slog"
	"sort"
	"time"

	"github.com/nami-aoshima/chatsync/lib/ref"
)

// Room is one roster entry.
type Room struct {
	ID           ref.RoomID
	DisplayName  string
	IsGroup      bool
	CreatedAt    time.Time
	LastActivity time.Time

	// Unread counts inbound messages received while the room was not
	// foregrounded. Never negative.
	Unread int

	// Mentioned is set when a mention frame for the current user
	// arrives while the room is not foregrounded, and cleared on open.
	Mentioned bool
}

// Roster is not safe for concurrent use; the engine's event loop
// serializes all access.
type Roster struct {
	logger *slog.Logger
	byID   map[ref.RoomID]*Room
	order  []*Room
	sorted bool
}

// New returns an empty Roster. A nil logger defaults to slog.Default().
func New(logger *slog.Logger) *Roster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Roster{
		logger: logger,
		byID:   make(map[ref.RoomID]*Room),
		sorted: true,
	}
}

// Seed replaces the roster wholesale with the authoritative room
// list. Only the bootstrapper calls this.
func (r *Roster) Seed(rooms []Room) {
	r.byID = make(map[ref.RoomID]*Room, len(rooms))
	r.order = r.order[:0]
	for _, room := range rooms {
		if room.ID.IsZero() {
			r.logger.Debug("seed skipping room without identity")
			continue
		}
		if _, ok := r.byID[room.ID]; ok {
			continue
		}
		entry := room
		r.byID[entry.ID] = &entry
		r.order = append(r.order, &entry)
	}
	r.sorted = false
}

// Upsert adds a room or updates an existing entry's display fields
// and last-activity timestamp. Unread and mention state is preserved
// on update.
func (r *Roster) Upsert(room Room) {
	if room.ID.IsZero() {
		return
	}
	if existing, ok := r.byID[room.ID]; ok {
		existing.DisplayName = room.DisplayName
		existing.IsGroup = room.IsGroup
		if room.LastActivity.After(existing.LastActivity) {
			existing.LastActivity = room.LastActivity
			r.sorted = false
		}
		return
	}
	entry := room
	r.byID[entry.ID] = &entry
	r.order = append(r.order, &entry)
	r.sorted = false
}

// Remove drops a room from the roster. Idempotent.
func (r *Roster) Remove(id ref.RoomID) {
	room, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	for i, entry := range r.order {
		if entry == room {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Contains reports whether the room is in the roster. The multiplexer
// consults this to discard frames for rooms removed concurrently.
func (r *Roster) Contains(id ref.RoomID) bool {
	_, ok := r.byID[id]
	return ok
}

// Get returns a copy of one roster entry.
func (r *Roster) Get(id ref.RoomID) (Room, bool) {
	room, ok := r.byID[id]
	if !ok {
		return Room{}, false
	}
	return *room, true
}

// Touch advances a room's last-activity timestamp. Timestamps only
// move forward; a stale touch is ignored.
func (r *Roster) Touch(id ref.RoomID, at time.Time) {
	room, ok := r.byID[id]
	if !ok {
		return
	}
	if at.After(room.LastActivity) {
		room.LastActivity = at
		r.sorted = false
	}
}

// BumpUnread increments a room's unread counter. Called for inbound
// message frames targeting a room other than the foreground one.
func (r *Roster) BumpUnread(id ref.RoomID) {
	if room, ok := r.byID[id]; ok {
		room.Unread++
	}
}

// ClearUnread resets a room's unread counter to zero.
func (r *Roster) ClearUnread(id ref.RoomID) {
	if room, ok := r.byID[id]; ok {
		room.Unread = 0
	}
}

// MarkMentioned sets a room's mention flag.
func (r *Roster) MarkMentioned(id ref.RoomID) {
	if room, ok := r.byID[id]; ok {
		room.Mentioned = true
	}
}

// ClearMentioned clears a room's mention flag.
func (r *Roster) ClearMentioned(id ref.RoomID) {
	if room, ok := r.byID[id]; ok {
		room.Mentioned = false
	}
}

// Rooms returns copies of every entry ordered by last activity
// descending, ties broken by identity for a stable order.
func (r *Roster) Rooms() []Room {
	if !r.sorted {
		sort.SliceStable(r.order, func(i, j int) bool {
			a, b := r.order[i], r.order[j]
			if !a.LastActivity.Equal(b.LastActivity) {
				return a.LastActivity.After(b.LastActivity)
			}
			return a.ID.String() < b.ID.String()
		})
		r.sorted = true
	}
	rooms := make([]Room, len(r.order))
	for i, room := range r.order {
		rooms[i] = *room
	}
	return rooms
}

// Len reports the number of rooms in the roster.
func (r *Roster) Len() int { return len(r.byID) }
