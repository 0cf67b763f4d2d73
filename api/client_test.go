// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nami-aoshima/chatsync/lib/ref"
)

const testCredential = Credential("token-alice")

// newTestClient starts an httptest server with the given handler and
// returns a Client pointed at it.
func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encoding response: %v", err)
	}
}

func assertAuth(t *testing.T, r *http.Request) {
	t.Helper()
	if got := r.Header.Get("Authorization"); got != "Bearer token-alice" {
		t.Errorf("Authorization = %q, want bearer credential", got)
	}
}

func TestRooms(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/my_rooms" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		assertAuth(t, r)
		writeJSON(t, w, []map[string]any{
			{
				"room_id":           "room-7",
				"display_name":      "design",
				"is_group":          true,
				"created_at":        "2026-03-01T09:00:00Z",
				"last_message_time": "2026-03-01T11:00:00Z",
				"unread_count":      3,
			},
		})
	})

	rooms, err := client.Rooms(context.Background(), testCredential)
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("got %d rooms, want 1", len(rooms))
	}
	room := rooms[0]
	if room.ID.String() != "room-7" || !room.IsGroup || room.UnreadCount != 3 {
		t.Errorf("room = %+v", room)
	}
	want := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if !room.LastActivity.Equal(want) {
		t.Errorf("LastActivity = %v, want %v", room.LastActivity, want)
	}
}

func TestMessages(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("room_id"); got != "room-7" {
			t.Errorf("room_id = %q", got)
		}
		assertAuth(t, r)
		writeJSON(t, w, []map[string]any{
			{"id": "m1", "room_id": "room-7", "sender_id": "bob", "content": "hi", "created_at": "2026-03-01T10:00:00Z"},
		})
	})

	messages, err := client.Messages(context.Background(), testCredential, ref.MustParseRoomID("room-7"))
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(messages) != 1 || messages[0].ID.String() != "m1" {
		t.Fatalf("messages = %+v", messages)
	}
}

func TestSendMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/messages" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var request struct {
			RoomID  string `json:"room_id"`
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if request.RoomID != "room-7" || request.Content != "hello" {
			t.Errorf("request = %+v", request)
		}
		writeJSON(t, w, map[string]any{
			"id": "m9", "room_id": "room-7", "sender_id": "alice",
			"content": "hello", "created_at": "2026-03-01T10:00:00Z",
		})
	})

	message, err := client.SendMessage(context.Background(), testCredential, ref.MustParseRoomID("room-7"), "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if message.ID.String() != "m9" {
		t.Errorf("ID = %s, want m9", message.ID)
	}
}

func TestSendMessageRejectsMissingIdentity(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"room_id": "room-7", "content": "hello"})
	})
	if _, err := client.SendMessage(context.Background(), testCredential, ref.MustParseRoomID("room-7"), "hello"); err == nil {
		t.Fatal("SendMessage succeeded without a server-assigned identity")
	}
}

func TestMessageMutations(t *testing.T) {
	var gotMethod, gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		assertAuth(t, r)
		w.WriteHeader(http.StatusOK)
	})
	ctx := context.Background()
	id := ref.MustParseMessageID("m1")

	tests := []struct {
		name       string
		call       func() error
		wantMethod string
		wantPath   string
	}{
		{"edit", func() error { return client.EditMessage(ctx, testCredential, id, "new") }, http.MethodPut, "/messages/m1"},
		{"delete", func() error { return client.DeleteMessage(ctx, testCredential, id) }, http.MethodDelete, "/messages/m1"},
		{"hide", func() error { return client.HideMessage(ctx, testCredential, id) }, http.MethodPost, "/messages/m1/hide"},
		{"delete room", func() error { return client.DeleteRoom(ctx, testCredential, ref.MustParseRoomID("room-7")) }, http.MethodPost, "/delete_room"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); err != nil {
				t.Fatalf("call: %v", err)
			}
			if gotMethod != tc.wantMethod || gotPath != tc.wantPath {
				t.Errorf("request = %s %s, want %s %s", gotMethod, gotPath, tc.wantMethod, tc.wantPath)
			}
		})
	}
}

func TestStartChatAndCreateGroup(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start_chat":
			var request struct {
				ReceiverID string `json:"receiver_id"`
			}
			json.NewDecoder(r.Body).Decode(&request)
			if request.ReceiverID != "bob" {
				t.Errorf("receiver_id = %q", request.ReceiverID)
			}
			writeJSON(t, w, map[string]any{"room_id": "room-12", "display_name": "bob"})
		case "/create_group":
			var request struct {
				GroupName string   `json:"group_name"`
				MemberIDs []string `json:"member_ids"`
			}
			json.NewDecoder(r.Body).Decode(&request)
			if request.GroupName != "launch" || len(request.MemberIDs) != 2 {
				t.Errorf("request = %+v", request)
			}
			writeJSON(t, w, map[string]any{"room_id": "room-13", "display_name": "launch", "is_group": true})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	ctx := context.Background()

	room, err := client.StartChat(ctx, testCredential, ref.MustParseUserID("bob"))
	if err != nil {
		t.Fatalf("StartChat: %v", err)
	}
	if room.ID.String() != "room-12" {
		t.Errorf("StartChat room = %+v", room)
	}

	group, err := client.CreateGroup(ctx, testCredential, "launch", []ref.UserID{
		ref.MustParseUserID("bob"), ref.MustParseUserID("carol"),
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if group.ID.String() != "room-13" || !group.IsGroup {
		t.Errorf("CreateGroup room = %+v", group)
	}
}

func TestUploadAsset(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload" {
			t.Errorf("path = %s", r.URL.Path)
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Fatalf("FormFile: %v", err)
		}
		defer file.Close()
		if header.Filename != "cat.png" {
			t.Errorf("filename = %q", header.Filename)
		}
		data, _ := io.ReadAll(file)
		if string(data) != "pngbytes" {
			t.Errorf("content = %q", data)
		}
		writeJSON(t, w, map[string]any{"url": "/uploads/cat.png"})
	})

	assetURL, err := client.UploadAsset(context.Background(), testCredential, "cat.png", strings.NewReader("pngbytes"))
	if err != nil {
		t.Fatalf("UploadAsset: %v", err)
	}
	if assetURL != "/uploads/cat.png" {
		t.Errorf("url = %q", assetURL)
	}
}

func TestAPIErrorExtraction(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error":"not a member of this room"}`)
	})

	_, err := client.Messages(context.Background(), testCredential, ref.MustParseRoomID("room-7"))
	if err == nil {
		t.Fatal("Messages succeeded, want error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v is not an *APIError", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Message != "not a member of this room" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if !IsStatus(err, http.StatusForbidden) {
		t.Error("IsStatus(403) = false")
	}
}

func TestNonJSONErrorBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream unavailable\n")
	})

	err := client.DeleteRoom(context.Background(), testCredential, ref.MustParseRoomID("room-7"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v is not an *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "upstream unavailable" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}
