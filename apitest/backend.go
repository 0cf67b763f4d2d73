// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package apitest provides an in-memory fake of the authoritative
// service: the REST contract plus a per-room websocket hub that
// relays push-channel frames between connected members. Tests run it
// behind httptest; cmd/chatsync-mock serves it standalone.
package apitest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/nami-aoshima/chatsync/api"
	"github.com/nami-aoshima/chatsync/lib/ref"
	"github.com/nami-aoshima/chatsync/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Backend is the fake service. Safe for concurrent use.
type Backend struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	tokens  map[string]ref.UserID
	users   map[ref.UserID]string
	rooms   map[ref.RoomID]*room
	hubs    map[ref.RoomID]*hub
	nextSeq int
}

type room struct {
	id          ref.RoomID
	displayName string
	isGroup     bool
	createdAt   time.Time
	members     map[ref.UserID]bool
	messages    []*wire.Message
	byID        map[ref.MessageID]*wire.Message
}

// NewBackend creates an empty fake service.
func NewBackend(logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		logger: logger,
		now:    time.Now,
		tokens: make(map[string]ref.UserID),
		users:  make(map[ref.UserID]string),
		rooms:  make(map[ref.RoomID]*room),
		hubs:   make(map[ref.RoomID]*hub),
	}
}

// SetNow overrides the timestamp source for deterministic tests.
func (b *Backend) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// AddUser registers a user and returns their bearer credential.
func (b *Backend) AddUser(username string) api.Credential {
	b.mu.Lock()
	defer b.mu.Unlock()
	userID := ref.MustParseUserID(username)
	token := "token-" + username
	b.tokens[token] = userID
	b.users[userID] = username
	return api.Credential(token)
}

// CreateRoom seeds a room with the given members and returns its
// identity.
func (b *Backend) CreateRoom(name string, isGroup bool, members ...ref.UserID) ref.RoomID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createRoomLocked(name, isGroup, members).id
}

func (b *Backend) createRoomLocked(name string, isGroup bool, members []ref.UserID) *room {
	b.nextSeq++
	r := &room{
		id:          ref.MustParseRoomID(fmt.Sprintf("room-%d", b.nextSeq)),
		displayName: name,
		isGroup:     isGroup,
		createdAt:   b.now(),
		members:     make(map[ref.UserID]bool, len(members)),
		byID:        make(map[ref.MessageID]*wire.Message),
	}
	for _, member := range members {
		r.members[member] = true
	}
	b.rooms[r.id] = r
	return r
}

// SeedMessage stores a message directly, bypassing the push channel.
func (b *Backend) SeedMessage(roomID ref.RoomID, sender ref.UserID, content string, at time.Time) ref.MessageID {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.rooms[roomID]
	if r == nil {
		panic(fmt.Sprintf("apitest: unknown room %s", roomID))
	}
	return b.appendMessageLocked(r, sender, content, at).ID
}

func (b *Backend) appendMessageLocked(r *room, sender ref.UserID, content string, at time.Time) *wire.Message {
	b.nextSeq++
	m := &wire.Message{
		ID:        ref.MustParseMessageID(fmt.Sprintf("m%d", b.nextSeq)),
		RoomID:    r.id,
		SenderID:  sender,
		Content:   content,
		CreatedAt: at,
	}
	r.messages = append(r.messages, m)
	r.byID[m.ID] = m
	return m
}

// StoredMessages returns a copy of a room's message log.
func (b *Backend) StoredMessages(roomID ref.RoomID) []wire.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.rooms[roomID]
	if r == nil {
		return nil
	}
	messages := make([]wire.Message, len(r.messages))
	for i, m := range r.messages {
		messages[i] = *m
	}
	return messages
}

// Handler returns the service's HTTP surface.
func (b *Backend) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/my_rooms", b.auth(b.handleMyRooms)).Methods(http.MethodGet)
	router.HandleFunc("/messages", b.auth(b.handleMessages)).Methods(http.MethodGet)
	router.HandleFunc("/messages", b.auth(b.handleSendMessage)).Methods(http.MethodPost)
	router.HandleFunc("/messages/{id}", b.auth(b.handleEditMessage)).Methods(http.MethodPut)
	router.HandleFunc("/messages/{id}", b.auth(b.handleDeleteMessage)).Methods(http.MethodDelete)
	router.HandleFunc("/messages/{id}/hide", b.auth(b.handleHideMessage)).Methods(http.MethodPost)
	router.HandleFunc("/start_chat", b.auth(b.handleStartChat)).Methods(http.MethodPost)
	router.HandleFunc("/create_group", b.auth(b.handleCreateGroup)).Methods(http.MethodPost)
	router.HandleFunc("/delete_room", b.auth(b.handleDeleteRoom)).Methods(http.MethodPost)
	router.HandleFunc("/users", b.auth(b.handleUsers)).Methods(http.MethodGet)
	router.HandleFunc("/room_members", b.auth(b.handleRoomMembers)).Methods(http.MethodGet)
	router.HandleFunc("/upload", b.auth(b.handleUpload)).Methods(http.MethodPost)
	router.HandleFunc("/ws", b.handleWebsocket).Methods(http.MethodGet)
	return router
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID ref.UserID)

func (b *Backend) auth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		b.mu.Lock()
		userID, ok := b.tokens[token]
		b.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid credential")
			return
		}
		next(w, r, userID)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (b *Backend) handleMyRooms(w http.ResponseWriter, r *http.Request, userID ref.UserID) {
	b.mu.Lock()
	summaries := []api.RoomSummary{}
	for _, room := range b.rooms {
		if !room.members[userID] {
			continue
		}
		summaries = append(summaries, b.summaryLocked(room, userID))
	}
	b.mu.Unlock()
	writeJSON(w, summaries)
}

func (b *Backend) handleMessages(w http.ResponseWriter, r *http.Request, userID ref.UserID) {
	roomID, err := ref.ParseRoomID(r.URL.Query().Get("room_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "room_id is required")
		return
	}
	b.mu.Lock()
	room := b.rooms[roomID]
	if room == nil || !room.members[userID] {
		b.mu.Unlock()
		writeError(w, http.StatusForbidden, "not a member of this room")
		return
	}
	messages := make([]wire.Message, len(room.messages))
	for i, m := range room.messages {
		messages[i] = *m
	}
	b.mu.Unlock()
	writeJSON(w, messages)
}

func (b *Backend) handleSendMessage(w http.ResponseWriter, r *http.Request, userID ref.UserID) {
	var request struct {
		RoomID  ref.RoomID `json:"room_id"`
		Content string     `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if request.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	b.mu.Lock()
	room := b.rooms[request.RoomID]
	if room == nil || !room.members[userID] {
		b.mu.Unlock()
		writeError(w, http.StatusForbidden, "not a member of this room")
		return
	}
	message := *b.appendMessageLocked(room, userID, request.Content, b.now())
	mentioned := b.mentionedMembersLocked(room, request.Content)
	b.mu.Unlock()

	// Mention notices go out on the push channel to the mentioned
	// members' connections.
	for _, recipient := range mentioned {
		if recipient == userID {
			continue
		}
		b.hub(request.RoomID).sendTo(recipient, wire.MentionFrame{
			RoomID:   request.RoomID,
			UserID:   recipient,
			SenderID: userID,
			Content:  request.Content,
		})
	}
	writeJSON(w, message)
}

func (b *Backend) mentionedMembersLocked(room *room, content string) []ref.UserID {
	var mentioned []ref.UserID
	for _, name := range wire.ExtractMentions(content) {
		userID, err := ref.ParseUserID(name)
		if err != nil {
			continue
		}
		if room.members[userID] {
			mentioned = append(mentioned, userID)
		}
	}
	return mentioned
}

func (b *Backend) findMessage(id ref.MessageID) (*room, *wire.Message) {
	for _, room := range b.rooms {
		if m, ok := room.byID[id]; ok {
			return room, m
		}
	}
	return nil, nil
}

func (b *Backend) handleEditMessage(w http.ResponseWriter, r *http.Request, userID ref.UserID) {
	id, err := ref.ParseMessageID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	var request struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	_, message := b.findMessage(id)
	switch {
	case message == nil:
		writeError(w, http.StatusNotFound, "no such message")
	case message.SenderID != userID:
		writeError(w, http.StatusForbidden, "not the sender")
	case message.Deleted:
		writeError(w, http.StatusConflict, "message is deleted")
	default:
		message.Content = request.Content
		message.Edited = true
		writeJSON(w, message)
	}
}

func (b *Backend) handleDeleteMessage(w http.ResponseWriter, r *http.Request, userID ref.UserID) {
	id, err := ref.ParseMessageID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, message := b.findMessage(id)
	switch {
	case message == nil:
		writeError(w, http.StatusNotFound, "no such message")
	case message.SenderID != userID:
		writeError(w, http.StatusForbidden, "not the sender")
	default:
		message.Deleted = true
		message.Content = ""
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func (b *Backend) handleHideMessage(w http.ResponseWriter, r *http.Request, userID ref.UserID) {
	id, err := ref.ParseMessageID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, message := b.findMessage(id)
	if message == nil {
		writeError(w, http.StatusNotFound, "no such message")
		return
	}
	for _, hidden := range message.HiddenFor {
		if hidden == userID {
			writeJSON(w, map[string]string{"status": "ok"})
			return
		}
	}
	message.HiddenFor = append(message.HiddenFor, userID)
	writeJSON(w, map[string]string{"status": "ok"})
}

func (b *Backend) handleStartChat(w http.ResponseWriter, r *http.Request, userID ref.UserID) {
	var request struct {
		ReceiverID ref.UserID `json:"receiver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.ReceiverID.IsZero() {
		writeError(w, http.StatusBadRequest, "receiver_id is required")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	peerName, ok := b.users[request.ReceiverID]
	if !ok {
		writeError(w, http.StatusNotFound, "no such user")
		return
	}
	// A 1:1 room with these two members is reused, not duplicated.
	for _, room := range b.rooms {
		if !room.isGroup && len(room.members) == 2 && room.members[userID] && room.members[request.ReceiverID] {
			writeJSON(w, b.summaryLocked(room, userID))
			return
		}
	}
	room := b.createRoomLocked(peerName, false, []ref.UserID{userID, request.ReceiverID})
	writeJSON(w, b.summaryLocked(room, userID))
}

func (b *Backend) handleCreateGroup(w http.ResponseWriter, r *http.Request, userID ref.UserID) {
	var request struct {
		GroupName string       `json:"group_name"`
		MemberIDs []ref.UserID `json:"member_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.GroupName == "" {
		writeError(w, http.StatusBadRequest, "group_name is required")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	members := append([]ref.UserID{userID}, request.MemberIDs...)
	room := b.createRoomLocked(request.GroupName, true, members)
	writeJSON(w, b.summaryLocked(room, userID))
}

func (b *Backend) handleDeleteRoom(w http.ResponseWriter, r *http.Request, userID ref.UserID) {
	var request struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.RoomID.IsZero() {
		writeError(w, http.StatusBadRequest, "room_id is required")
		return
	}
	b.mu.Lock()
	room := b.rooms[request.RoomID]
	if room == nil || !room.members[userID] {
		b.mu.Unlock()
		writeError(w, http.StatusForbidden, "not a member of this room")
		return
	}
	delete(b.rooms, request.RoomID)
	hub := b.hubs[request.RoomID]
	delete(b.hubs, request.RoomID)
	b.mu.Unlock()

	if hub != nil {
		hub.closeAll()
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (b *Backend) handleUsers(w http.ResponseWriter, r *http.Request, userID ref.UserID) {
	b.mu.Lock()
	users := []api.User{}
	for id, name := range b.users {
		if id == userID {
			continue
		}
		users = append(users, api.User{ID: id, Username: name})
	}
	b.mu.Unlock()
	writeJSON(w, users)
}

func (b *Backend) handleRoomMembers(w http.ResponseWriter, r *http.Request, userID ref.UserID) {
	roomID, err := ref.ParseRoomID(r.URL.Query().Get("room_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "room_id is required")
		return
	}
	b.mu.Lock()
	room := b.rooms[roomID]
	if room == nil || !room.members[userID] {
		b.mu.Unlock()
		writeError(w, http.StatusForbidden, "not a member of this room")
		return
	}
	members := []api.Member{}
	for id := range room.members {
		members = append(members, api.Member{ID: id, Username: b.users[id]})
	}
	b.mu.Unlock()
	writeJSON(w, members)
}

func (b *Backend) handleUpload(w http.ResponseWriter, r *http.Request, userID ref.UserID) {
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image file is required")
		return
	}
	file.Close()
	writeJSON(w, map[string]string{"url": "/uploads/" + header.Filename})
}

// summaryLocked renders a room for the given viewer: a 1:1 chat shows
// the peer's username, a group shows its name with the member count.
func (b *Backend) summaryLocked(r *room, viewer ref.UserID) api.RoomSummary {
	summary := api.RoomSummary{
		ID:           r.id,
		DisplayName:  r.displayName,
		IsGroup:      r.isGroup,
		CreatedAt:    r.createdAt,
		LastActivity: r.createdAt,
	}
	if r.isGroup {
		summary.DisplayName = fmt.Sprintf("%s (%d)", r.displayName, len(r.members))
	} else {
		for member := range r.members {
			if member != viewer {
				summary.DisplayName = b.users[member]
			}
		}
	}
	if n := len(r.messages); n > 0 {
		summary.LastActivity = r.messages[n-1].CreatedAt
	}
	// Unread counts messages the viewer neither sent nor read, like
	// the production service computes server-side.
	for _, m := range r.messages {
		if m.SenderID == viewer || readByUser(m, viewer) {
			continue
		}
		summary.UnreadCount++
	}
	return summary
}

func readByUser(m *wire.Message, viewer ref.UserID) bool {
	for _, id := range m.ReadBy {
		if id == viewer {
			return true
		}
	}
	return false
}
