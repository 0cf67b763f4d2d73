// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"time"

	"github.com/nami-aoshima/chatsync/lib/ref"
)

// Credential is the opaque bearer token issued by the authentication
// collaborator. The engine never inspects it.
type Credential string

// IsZero reports whether no credential was supplied.
func (c Credential) IsZero() bool { return c == "" }

// RoomSummary is one entry of the roster snapshot.
type RoomSummary struct {
	ID           ref.RoomID `json:"room_id"`
	DisplayName  string     `json:"display_name"`
	IsGroup      bool       `json:"is_group"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_message_time"`
	UnreadCount  int        `json:"unread_count"`
}

// User is one entry of the peer directory.
type User struct {
	ID       ref.UserID `json:"user_id"`
	Username string     `json:"username"`
}

// Member is one entry of a room's membership list.
type Member struct {
	ID       ref.UserID `json:"user_id"`
	Username string     `json:"username"`
}

type sendMessageRequest struct {
	RoomID  ref.RoomID `json:"room_id"`
	Content string     `json:"content"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

type startChatRequest struct {
	ReceiverID ref.UserID `json:"receiver_id"`
}

type createGroupRequest struct {
	GroupName string       `json:"group_name"`
	MemberIDs []ref.UserID `json:"member_ids"`
}

type deleteRoomRequest struct {
	RoomID ref.RoomID `json:"room_id"`
}

type uploadResponse struct {
	URL string `json:"url"`
}
