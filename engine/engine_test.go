// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nami-aoshima/chatsync/api"
	"github.com/nami-aoshima/chatsync/apitest"
	"github.com/nami-aoshima/chatsync/lib/ref"
	"github.com/nami-aoshima/chatsync/roster"
)

var (
	alice = ref.MustParseUserID("alice")
	bob   = ref.MustParseUserID("bob")
)

type engineFixture struct {
	backend *apitest.Backend
	server  *httptest.Server
	client  *api.Client
	pushURL string
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	backend := apitest.NewBackend(nil)
	server := httptest.NewServer(backend.Handler())
	t.Cleanup(server.Close)
	client, err := api.NewClient(api.ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return &engineFixture{
		backend: backend,
		server:  server,
		client:  client,
		pushURL: "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

// startEngine runs an engine for the given user until the test ends.
func (f *engineFixture) startEngine(t *testing.T, credential api.Credential, userID ref.UserID) *Engine {
	t.Helper()
	e, err := New(Config{
		API:     f.client,
		PushURL: f.pushURL,
		Context: Context{Credential: credential, UserID: userID, Location: time.UTC},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := e.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func roomByID(rooms []roster.Room, id ref.RoomID) (roster.Room, bool) {
	for _, room := range rooms {
		if room.ID == id {
			return room, true
		}
	}
	return roster.Room{}, false
}

func TestBootstrapSeedsHistory(t *testing.T) {
	f := newEngineFixture(t)
	aliceCred := f.backend.AddUser("alice")
	f.backend.AddUser("bob")
	roomID := f.backend.CreateRoom("pair", false, alice, bob)
	f.backend.SeedMessage(roomID, bob, "from history", time.Now().Add(-time.Hour))

	e := f.startEngine(t, aliceCred, alice)

	waitFor(t, "roster", func() bool {
		_, ok := roomByID(e.Rooms(), roomID)
		return ok
	})
	waitFor(t, "history", func() bool {
		entries := e.Messages(roomID)
		return len(entries) == 1 && entries[0].Message.Content == "from history"
	})
	// The snapshot carries the server-side unread count for bob's
	// message, so the counter is right before any frame arrives.
	waitFor(t, "unread from snapshot", func() bool {
		room, ok := roomByID(e.Rooms(), roomID)
		return ok && room.Unread == 1
	})
}

func TestStartChatToUnknownUserSurfacesError(t *testing.T) {
	f := newEngineFixture(t)
	aliceCred := f.backend.AddUser("alice")

	seed := f.backend.CreateRoom("seed", true, alice)

	e := f.startEngine(t, aliceCred, alice)
	waitFor(t, "bootstrap", func() bool {
		_, ok := roomByID(e.Rooms(), seed)
		return ok
	})

	e.StartChat(context.Background(), ref.MustParseUserID("nobody"))
	waitFor(t, "command error", func() bool { return e.CommandError() != nil })
	if rooms := e.Rooms(); len(rooms) != 1 {
		t.Errorf("rooms after rejected start-chat: %+v", rooms)
	}

	e.ClearCommandError()
	waitFor(t, "command error cleared", func() bool { return e.CommandError() == nil })
}

func TestSendConvergesAcrossEngines(t *testing.T) {
	f := newEngineFixture(t)
	aliceCred := f.backend.AddUser("alice")
	bobCred := f.backend.AddUser("bob")
	roomID := f.backend.CreateRoom("pair", false, alice, bob)

	aliceEngine := f.startEngine(t, aliceCred, alice)
	bobEngine := f.startEngine(t, bobCred, bob)
	waitFor(t, "both engines seeded", func() bool {
		_, aok := roomByID(aliceEngine.Rooms(), roomID)
		_, bok := roomByID(bobEngine.Rooms(), roomID)
		return aok && bok
	})

	localID := aliceEngine.Send(context.Background(), roomID, "hello bob")
	if !localID.IsLocal() {
		t.Fatalf("optimistic identity %s is not local", localID)
	}

	// Alice's view converges to the server identity, shown once.
	waitFor(t, "confirmed message on alice", func() bool {
		entries := aliceEngine.Messages(roomID)
		return len(entries) == 1 && !entries[0].Message.ID.IsLocal()
	})
	// Bob receives it over the push channel and counts it unread.
	waitFor(t, "message on bob", func() bool {
		entries := bobEngine.Messages(roomID)
		return len(entries) == 1 && entries[0].Message.Content == "hello bob"
	})
	waitFor(t, "unread bump on bob", func() bool {
		room, ok := roomByID(bobEngine.Rooms(), roomID)
		return ok && room.Unread == 1
	})

	// Opening the room clears the counter.
	bobEngine.OpenRoom(roomID)
	waitFor(t, "unread clear on bob", func() bool {
		room, ok := roomByID(bobEngine.Rooms(), roomID)
		return ok && room.Unread == 0
	})
}

func TestForegroundAutoReadReachesSender(t *testing.T) {
	f := newEngineFixture(t)
	aliceCred := f.backend.AddUser("alice")
	bobCred := f.backend.AddUser("bob")
	roomID := f.backend.CreateRoom("pair", false, alice, bob)

	aliceEngine := f.startEngine(t, aliceCred, alice)
	bobEngine := f.startEngine(t, bobCred, bob)
	waitFor(t, "both engines seeded", func() bool {
		_, aok := roomByID(aliceEngine.Rooms(), roomID)
		_, bok := roomByID(bobEngine.Rooms(), roomID)
		return aok && bok
	})

	bobEngine.OpenRoom(roomID)
	waitFor(t, "bob foreground", func() bool { return bobEngine.Foreground() == roomID })

	aliceEngine.Send(context.Background(), roomID, "are you there?")

	// Bob is looking at the room, so his engine confirms the read and
	// the receipt propagates back to alice's copy.
	waitFor(t, "read receipt on alice", func() bool {
		entries := aliceEngine.Messages(roomID)
		return len(entries) == 1 && entries[0].Message.ReadByUser(bob)
	})
	if room, _ := roomByID(bobEngine.Rooms(), roomID); room.Unread != 0 {
		t.Errorf("foregrounded room counted unread: %d", room.Unread)
	}
}

func TestMentionFlagLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	aliceCred := f.backend.AddUser("alice")
	bobCred := f.backend.AddUser("bob")
	room3 := f.backend.CreateRoom("three", true, alice, bob)
	room9 := f.backend.CreateRoom("nine", true, alice, bob)

	aliceEngine := f.startEngine(t, aliceCred, alice)
	bobEngine := f.startEngine(t, bobCred, bob)
	waitFor(t, "both engines seeded", func() bool {
		_, aok := roomByID(aliceEngine.Rooms(), room9)
		_, bok := roomByID(bobEngine.Rooms(), room9)
		return aok && bok
	})

	// Bob is looking at room 3 when a mention lands in room 9.
	bobEngine.OpenRoom(room3)
	waitFor(t, "bob foreground", func() bool { return bobEngine.Foreground() == room3 })

	aliceEngine.Send(context.Background(), room9, "paging @bob")

	waitFor(t, "mention flag on room 9", func() bool {
		room, ok := roomByID(bobEngine.Rooms(), room9)
		return ok && room.Mentioned
	})

	// Opening room 9 clears the flag locally.
	bobEngine.OpenRoom(room9)
	waitFor(t, "mention flag cleared", func() bool {
		room, ok := roomByID(bobEngine.Rooms(), room9)
		return ok && !room.Mentioned
	})
}

func TestEditAndRecallPropagate(t *testing.T) {
	f := newEngineFixture(t)
	aliceCred := f.backend.AddUser("alice")
	bobCred := f.backend.AddUser("bob")
	roomID := f.backend.CreateRoom("pair", false, alice, bob)

	aliceEngine := f.startEngine(t, aliceCred, alice)
	bobEngine := f.startEngine(t, bobCred, bob)
	waitFor(t, "both engines seeded", func() bool {
		_, aok := roomByID(aliceEngine.Rooms(), roomID)
		_, bok := roomByID(bobEngine.Rooms(), roomID)
		return aok && bok
	})

	aliceEngine.Send(context.Background(), roomID, "first draft")
	var messageID ref.MessageID
	waitFor(t, "confirmed message", func() bool {
		entries := aliceEngine.Messages(roomID)
		if len(entries) == 1 && !entries[0].Message.ID.IsLocal() {
			messageID = entries[0].Message.ID
			return true
		}
		return false
	})

	if err := aliceEngine.Edit(context.Background(), roomID, messageID, "final"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	waitFor(t, "edit on bob", func() bool {
		entries := bobEngine.Messages(roomID)
		return len(entries) == 1 && entries[0].Message.Content == "final" && entries[0].Message.Edited
	})

	if err := aliceEngine.Recall(context.Background(), roomID, messageID); err != nil {
		t.Fatalf("Recall: %v", err)
	}
	waitFor(t, "tombstone on bob", func() bool {
		entries := bobEngine.Messages(roomID)
		return len(entries) == 1 && entries[0].Tombstone
	})
}

func TestRoomLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	aliceCred := f.backend.AddUser("alice")
	f.backend.AddUser("bob")
	seed := f.backend.CreateRoom("seed", true, alice)

	e := f.startEngine(t, aliceCred, alice)
	waitFor(t, "seed room", func() bool {
		_, ok := roomByID(e.Rooms(), seed)
		return ok
	})

	e.StartChat(context.Background(), bob)
	var chatID ref.RoomID
	waitFor(t, "new chat in roster", func() bool {
		for _, room := range e.Rooms() {
			if !room.IsGroup {
				chatID = room.ID
				return true
			}
		}
		return false
	})

	e.DeleteRoom(context.Background(), chatID)
	waitFor(t, "room removed", func() bool {
		_, ok := roomByID(e.Rooms(), chatID)
		return !ok
	})
	if entries := e.Messages(chatID); len(entries) != 0 {
		t.Errorf("deleted room still has messages: %v", entries)
	}
}
