// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"log/slog"
	"sort"
	"time"

	"github.com/nami-aoshima/chatsync/lib/ref"
	"github.com/nami-aoshima/chatsync/wire"
)

// Store owns the in-memory message logs for every room. It is not
// safe for concurrent use; the engine's event loop serializes all
// access.
type Store struct {
	logger *slog.Logger
	rooms  map[ref.RoomID]*roomLog
}

// roomLog is one room's indexed log: a map by identity for O(1)
// reconciliation plus a slice kept sorted by (createdAt, id).
type roomLog struct {
	byID  map[ref.MessageID]*record
	order []*record
}

// New returns an empty Store. A nil logger defaults to slog.Default().
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger,
		rooms:  make(map[ref.RoomID]*roomLog),
	}
}

func (s *Store) room(id ref.RoomID) *roomLog {
	log, ok := s.rooms[id]
	if !ok {
		log = &roomLog{byID: make(map[ref.MessageID]*record)}
		s.rooms[id] = log
	}
	return log
}

// Seed replaces a room's log wholesale with the authoritative history
// snapshot. Only the bootstrapper calls this.
func (s *Store) Seed(roomID ref.RoomID, messages []wire.Message) {
	log := &roomLog{byID: make(map[ref.MessageID]*record, len(messages))}
	for _, m := range messages {
		if m.ID.IsZero() {
			s.logger.Debug("seed skipping message without identity", "room", roomID)
			continue
		}
		if _, ok := log.byID[m.ID]; ok {
			continue
		}
		rec := newRecord(m)
		rec.roomID = roomID
		log.byID[rec.id] = rec
		log.order = append(log.order, rec)
	}
	sort.Slice(log.order, func(i, j int) bool { return log.order[i].before(log.order[j]) })
	s.rooms[roomID] = log
}

// Insert adds a message to its room's log and reports whether the log
// changed. A message whose identity is already present is a no-op:
// push-channel echoes of optimistic sends and duplicate deliveries on
// reconnect land here. Appends are the fast path; an out-of-order
// arrival is placed by binary search.
func (s *Store) Insert(m wire.Message) bool {
	if m.ID.IsZero() || m.RoomID.IsZero() {
		s.logger.Debug("insert dropping message without identity", "message", m.ID, "room", m.RoomID)
		return false
	}
	log := s.room(m.RoomID)
	if _, ok := log.byID[m.ID]; ok {
		return false
	}
	rec := newRecord(m)
	log.byID[rec.id] = rec
	if n := len(log.order); n == 0 || log.order[n-1].before(rec) {
		log.order = append(log.order, rec)
		return true
	}
	i := sort.Search(len(log.order), func(i int) bool { return rec.before(log.order[i]) })
	log.order = append(log.order, nil)
	copy(log.order[i+1:], log.order[i:])
	log.order[i] = rec
	return true
}

// Remove deletes a message from its room's log entirely. The
// dispatcher uses this for the optimistic-to-confirmed identity swap
// and for send rollback; it is not part of the push-channel
// reconciliation surface.
func (s *Store) Remove(roomID ref.RoomID, id ref.MessageID) bool {
	log, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	rec, ok := log.byID[id]
	if !ok {
		return false
	}
	delete(log.byID, id)
	for i, r := range log.order {
		if r == rec {
			log.order = append(log.order[:i], log.order[i+1:]...)
			break
		}
	}
	return true
}

// RevertEdit puts a message's previous content back after a failed
// edit. Only the content and edited flag are touched: receipts,
// hides, or a tombstone merged from the push channel while the edit
// was in flight survive the rollback. A record tombstoned in the
// meantime keeps its cleared content.
func (s *Store) RevertEdit(roomID ref.RoomID, id ref.MessageID, content string, edited bool) {
	rec := s.lookup(roomID, id, "revert edit")
	if rec == nil {
		return
	}
	if rec.deleted {
		s.logger.Debug("edit rollback for tombstoned message", "room", roomID, "message", id)
		return
	}
	rec.content = content
	rec.edited = edited
}

// RevertRecall clears an optimistic tombstone after a failed recall,
// restoring the content it blanked. Receipts and hides merged in the
// meantime survive.
func (s *Store) RevertRecall(roomID ref.RoomID, id ref.MessageID, content string, edited bool) {
	rec := s.lookup(roomID, id, "revert recall")
	if rec == nil {
		return
	}
	rec.deleted = false
	rec.content = content
	rec.edited = edited
}

// RevertHide removes a single viewer from a message's hidden-for set
// after a failed hide.
func (s *Store) RevertHide(roomID ref.RoomID, id ref.MessageID, viewer ref.UserID) {
	rec := s.lookup(roomID, id, "revert hide")
	if rec == nil {
		return
	}
	delete(rec.hiddenFor, viewer)
}

// RevertReadReceipt removes a single reader from a message's read-by
// set. This is the only path that shrinks a read-by set: the receipt
// never reached the push channel, so no other member saw it.
func (s *Store) RevertReadReceipt(roomID ref.RoomID, id ref.MessageID, reader ref.UserID) {
	rec := s.lookup(roomID, id, "revert read receipt")
	if rec == nil {
		return
	}
	delete(rec.readBy, reader)
}

// ApplyEdit replaces a message's content and sets its edited flag.
// Unknown or tombstoned identities make it inert: an edit can arrive
// before its message, and an edit racing a recall loses.
func (s *Store) ApplyEdit(roomID ref.RoomID, id ref.MessageID, newContent string) {
	rec := s.lookup(roomID, id, "edit")
	if rec == nil {
		return
	}
	if rec.deleted {
		s.logger.Debug("edit rejected for tombstoned message", "room", roomID, "message", id)
		return
	}
	rec.content = newContent
	rec.edited = true
}

// ApplyHardDelete tombstones a message: the deleted flag is set and
// content cleared. Idempotent; inert on unknown identity.
func (s *Store) ApplyHardDelete(roomID ref.RoomID, id ref.MessageID) {
	rec := s.lookup(roomID, id, "delete")
	if rec == nil {
		return
	}
	rec.deleted = true
	rec.content = ""
}

// ApplyHideForMe adds viewer to a message's hidden-for set. Only that
// viewer's VisibleTo projection is affected. Idempotent; inert on
// unknown identity.
func (s *Store) ApplyHideForMe(roomID ref.RoomID, id ref.MessageID, viewer ref.UserID) {
	rec := s.lookup(roomID, id, "hide")
	if rec == nil {
		return
	}
	rec.addHidden(viewer)
}

// ApplyReadReceipt merges reader into a message's read-by set and
// reports whether the set grew. Re-applying a (message, reader) pair
// is a no-op, so the set is monotone. Inert on unknown identity.
func (s *Store) ApplyReadReceipt(roomID ref.RoomID, id ref.MessageID, reader ref.UserID) bool {
	rec := s.lookup(roomID, id, "read receipt")
	if rec == nil {
		return false
	}
	return rec.addReader(reader)
}

func (s *Store) lookup(roomID ref.RoomID, id ref.MessageID, op string) *record {
	log, ok := s.rooms[roomID]
	if !ok {
		s.logger.Debug("mutation for unknown room", "op", op, "room", roomID, "message", id)
		return nil
	}
	rec, ok := log.byID[id]
	if !ok {
		s.logger.Debug("mutation for unknown message", "op", op, "room", roomID, "message", id)
		return nil
	}
	return rec
}

// DropRoom discards a room's log entirely, for rooms removed from the
// roster.
func (s *Store) DropRoom(roomID ref.RoomID) {
	delete(s.rooms, roomID)
}

// Get returns a snapshot of one message.
func (s *Store) Get(roomID ref.RoomID, id ref.MessageID) (Message, bool) {
	log, ok := s.rooms[roomID]
	if !ok {
		return Message{}, false
	}
	rec, ok := log.byID[id]
	if !ok {
		return Message{}, false
	}
	return rec.snapshot(), true
}

// Newest returns a snapshot of the room's last message in log order.
func (s *Store) Newest(roomID ref.RoomID) (Message, bool) {
	log, ok := s.rooms[roomID]
	if !ok || len(log.order) == 0 {
		return Message{}, false
	}
	return log.order[len(log.order)-1].snapshot(), true
}

// Len reports the number of messages in a room's log, tombstones
// included.
func (s *Store) Len(roomID ref.RoomID) int {
	log, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	return len(log.order)
}

// Entry is one element of a VisibleTo projection.
type Entry struct {
	Message Message

	// Tombstone marks a hard-deleted message, rendered as a
	// placeholder rather than content.
	Tombstone bool

	// DateSeparator marks that this message and the visible message
	// before it fall on different calendar days in the viewer's
	// location, so a date separator belongs between them.
	DateSeparator bool
}

// VisibleTo projects a room's log for one viewer: ordered by
// (createdAt, id), messages the viewer hid excluded, tombstones
// flagged, calendar-day transitions between consecutive visible
// messages marked. A nil location defaults to time.Local.
func (s *Store) VisibleTo(roomID ref.RoomID, viewer ref.UserID, loc *time.Location) []Entry {
	log, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	if loc == nil {
		loc = time.Local
	}
	entries := make([]Entry, 0, len(log.order))
	var prevDay time.Time
	for _, rec := range log.order {
		if rec.hiddenForViewer(viewer) {
			continue
		}
		day := dayOf(rec.createdAt, loc)
		entry := Entry{Message: rec.snapshot(), Tombstone: rec.deleted}
		if len(entries) > 0 && !day.Equal(prevDay) {
			entry.DateSeparator = true
		}
		prevDay = day
		entries = append(entries, entry)
	}
	return entries
}

func dayOf(t time.Time, loc *time.Location) time.Time {
	year, month, day := t.In(loc).Date()
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}
