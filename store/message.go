// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"sort"
	"time"

	"github.com/nami-aoshima/chatsync/lib/ref"
	"github.com/nami-aoshima/chatsync/wire"
)

// Message is a value-copy snapshot of a stored message, detached from
// the log: mutating one never affects stored state. The dispatcher
// snapshots a message before an optimistic mutation so the Revert
// methods can put the mutated fields back on failure.
type Message struct {
	ID        ref.MessageID
	RoomID    ref.RoomID
	SenderID  ref.UserID
	Content   string
	CreatedAt time.Time
	Edited    bool
	Deleted   bool
	ReadBy    []ref.UserID
	HiddenFor []ref.UserID
}

// ReadByUser reports whether reader is in the message's read-by set.
func (m Message) ReadByUser(reader ref.UserID) bool {
	for _, id := range m.ReadBy {
		if id == reader {
			return true
		}
	}
	return false
}

// HiddenForUser reports whether viewer has hidden the message for
// themself.
func (m Message) HiddenForUser(viewer ref.UserID) bool {
	for _, id := range m.HiddenFor {
		if id == viewer {
			return true
		}
	}
	return false
}

// record is the mutable stored form. The read-by and hidden-for sets
// are maps so receipt and hide merges stay idempotent.
type record struct {
	id        ref.MessageID
	roomID    ref.RoomID
	senderID  ref.UserID
	content   string
	createdAt time.Time
	edited    bool
	deleted   bool
	readBy    map[ref.UserID]struct{}
	hiddenFor map[ref.UserID]struct{}
}

func newRecord(m wire.Message) *record {
	rec := &record{
		id:        m.ID,
		roomID:    m.RoomID,
		senderID:  m.SenderID,
		content:   m.Content,
		createdAt: m.CreatedAt,
		edited:    m.Edited,
		deleted:   m.Deleted,
	}
	for _, id := range m.ReadBy {
		rec.addReader(id)
	}
	for _, id := range m.HiddenFor {
		rec.addHidden(id)
	}
	if rec.deleted {
		rec.content = ""
	}
	return rec
}

func (r *record) addReader(id ref.UserID) bool {
	if r.readBy == nil {
		r.readBy = make(map[ref.UserID]struct{})
	}
	if _, ok := r.readBy[id]; ok {
		return false
	}
	r.readBy[id] = struct{}{}
	return true
}

func (r *record) addHidden(id ref.UserID) bool {
	if r.hiddenFor == nil {
		r.hiddenFor = make(map[ref.UserID]struct{})
	}
	if _, ok := r.hiddenFor[id]; ok {
		return false
	}
	r.hiddenFor[id] = struct{}{}
	return true
}

func (r *record) hiddenForViewer(viewer ref.UserID) bool {
	_, ok := r.hiddenFor[viewer]
	return ok
}

func (r *record) snapshot() Message {
	return Message{
		ID:        r.id,
		RoomID:    r.roomID,
		SenderID:  r.senderID,
		Content:   r.content,
		CreatedAt: r.createdAt,
		Edited:    r.edited,
		Deleted:   r.deleted,
		ReadBy:    sortedIDs(r.readBy),
		HiddenFor: sortedIDs(r.hiddenFor),
	}
}

func sortedIDs(set map[ref.UserID]struct{}) []ref.UserID {
	if len(set) == 0 {
		return nil
	}
	ids := make([]ref.UserID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// before reports whether r sorts ahead of other in the room log:
// ascending creation timestamp, ties broken by identity ascending.
func (r *record) before(other *record) bool {
	if !r.createdAt.Equal(other.createdAt) {
		return r.createdAt.Before(other.createdAt)
	}
	return r.id.Less(other.id)
}
