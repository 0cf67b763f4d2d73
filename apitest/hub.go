// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package apitest

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nami-aoshima/chatsync/lib/ref"
	"github.com/nami-aoshima/chatsync/wire"
)

// hub fans push-channel frames out to a room's connections.
type hub struct {
	mu    sync.Mutex
	conns map[*hubConn]bool
}

type hubConn struct {
	userID  ref.UserID
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *hubConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (b *Backend) hub(roomID ref.RoomID) *hub {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.hubs[roomID]
	if !ok {
		h = &hub{conns: make(map[*hubConn]bool)}
		b.hubs[roomID] = h
	}
	return h
}

func (h *hub) register(c *hubConn) {
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()
}

func (h *hub) unregister(c *hubConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.conn.Close()
}

// relay forwards a raw frame to every connection except the origin.
func (h *hub) relay(origin *hubConn, data []byte) {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		if c != origin {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.write(data)
	}
}

// sendTo delivers an encoded frame to one member's connections.
func (h *hub) sendTo(userID ref.UserID, frame wire.Frame) {
	data, err := wire.Encode(frame)
	if err != nil {
		return
	}
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		if c.userID == userID {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.write(data)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*hubConn]bool)
	h.mu.Unlock()
	for _, c := range conns {
		c.conn.Close()
	}
}

// handleWebsocket upgrades a per-room push channel. The credential
// rides the query string; room membership is checked before upgrade.
func (b *Backend) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	roomID, err := ref.ParseRoomID(query.Get("room_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "room_id is required")
		return
	}
	b.mu.Lock()
	userID, ok := b.tokens[query.Get("token")]
	room := b.rooms[roomID]
	b.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid credential")
		return
	}
	if room == nil || !room.members[userID] {
		writeError(w, http.StatusForbidden, "not a member of this room")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("websocket upgrade failed", "room", roomID, "error", err)
		return
	}
	c := &hubConn{userID: userID, conn: conn}
	h := b.hub(roomID)
	h.register(c)
	defer h.unregister(c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			b.logger.Debug("dropping malformed client frame", "room", roomID, "error", err)
			continue
		}
		b.applyClientFrame(roomID, userID, frame)
		h.relay(c, data)
	}
}

// applyClientFrame folds a client's push-channel frame into durable
// state so later history snapshots agree with what was broadcast.
func (b *Backend) applyClientFrame(roomID ref.RoomID, userID ref.UserID, frame wire.Frame) {
	f, ok := frame.(wire.ReadFrame)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.rooms[roomID]
	if room == nil {
		return
	}
	message, ok := room.byID[f.MessageID]
	if !ok || message.SenderID == f.UserID {
		return
	}
	for _, reader := range message.ReadBy {
		if reader == f.UserID {
			return
		}
	}
	message.ReadBy = append(message.ReadBy, f.UserID)
}
