// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nami-aoshima/chatsync/lib/clock"
	"github.com/nami-aoshima/chatsync/lib/ref"
	"github.com/nami-aoshima/chatsync/lib/testutil"
	"github.com/nami-aoshima/chatsync/wire"
)

var room5 = ref.MustParseRoomID("room-5")

type fakeConn struct {
	inbound chan []byte
	written chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		written: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteFrame(data []byte) error {
	select {
	case c.written <- data:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push delivers an encoded frame as if the server sent it.
func (c *fakeConn) push(t *testing.T, frame wire.Frame) {
	t.Helper()
	data, err := wire.Encode(frame)
	if err != nil {
		t.Fatalf("encoding frame: %v", err)
	}
	testutil.RequireSend(t, c.inbound, data, 5*time.Second, "pushing inbound frame")
}

type dialResult struct {
	conn *fakeConn
	err  error
}

// fakeDialer hands out scripted results in order; Dial blocks until a
// result is available or the context ends.
type fakeDialer struct {
	results chan dialResult
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, roomID ref.RoomID) (Conn, error) {
	select {
	case r := <-d.results:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeRoster struct {
	mu    sync.Mutex
	rooms map[ref.RoomID]bool
}

func newFakeRoster(rooms ...ref.RoomID) *fakeRoster {
	r := &fakeRoster{rooms: make(map[ref.RoomID]bool)}
	for _, id := range rooms {
		r.rooms[id] = true
	}
	return r
}

func (r *fakeRoster) Contains(id ref.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[id]
}

func (r *fakeRoster) remove(id ref.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, id)
}

type delivery struct {
	roomID ref.RoomID
	frame  wire.Frame
}

type muxFixture struct {
	mux        *Mux
	dialer     *fakeDialer
	roster     *fakeRoster
	clk        *clock.FakeClock
	deliveries chan delivery
	delays     *delayRecorder
}

// delayRecorder doubles as an identity jitter function that records
// every delay the backoff schedule produces.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) jitter(d time.Duration) time.Duration {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return d
}

func (r *delayRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newMuxFixture(t *testing.T, queueSize int) *muxFixture {
	t.Helper()
	f := &muxFixture{
		dialer:     newFakeDialer(),
		roster:     newFakeRoster(room5),
		clk:        clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		deliveries: make(chan delivery, 64),
		delays:     &delayRecorder{},
	}
	mux, err := New(Config{
		Dialer: f.dialer,
		Roster: f.roster,
		Sink: func(roomID ref.RoomID, frame wire.Frame) {
			f.deliveries <- delivery{roomID: roomID, frame: frame}
		},
		Clock: f.clk,
		Backoff: BackoffConfig{
			Floor:   500 * time.Millisecond,
			Ceiling: 30 * time.Second,
			Jitter:  f.delays.jitter,
		},
		QueueSize: queueSize,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.mux = mux
	t.Cleanup(mux.CloseAll)
	return f
}

func waitState(t *testing.T, session *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if session.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session state = %v, want %v", session.State(), want)
}

func messageFrame(id, content string) wire.MessageFrame {
	return wire.MessageFrame{Message: wire.Message{
		ID:        ref.MustParseMessageID(id),
		RoomID:    room5,
		SenderID:  ref.MustParseUserID("bob"),
		Content:   content,
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}}
}

func TestSessionDeliversFramesInOrder(t *testing.T) {
	f := newMuxFixture(t, 0)
	conn := newFakeConn()
	f.dialer.results <- dialResult{conn: conn}

	session := f.mux.OpenFor(room5)
	waitState(t, session, Open)

	conn.push(t, messageFrame("m1", "first"))
	conn.push(t, messageFrame("m2", "second"))

	for _, want := range []string{"m1", "m2"} {
		d := testutil.RequireReceive(t, f.deliveries, 5*time.Second, "waiting for frame %s", want)
		if d.roomID != room5 {
			t.Errorf("delivered for room %s, want %s", d.roomID, room5)
		}
		mf, ok := d.frame.(wire.MessageFrame)
		if !ok || mf.Message.ID.String() != want {
			t.Errorf("delivered %#v, want message %s", d.frame, want)
		}
	}
}

func TestMalformedFrameDroppedConnectionStaysOpen(t *testing.T) {
	f := newMuxFixture(t, 0)
	conn := newFakeConn()
	f.dialer.results <- dialResult{conn: conn}

	session := f.mux.OpenFor(room5)
	waitState(t, session, Open)

	testutil.RequireSend(t, conn.inbound, []byte(`{"type":`), 5*time.Second, "pushing malformed frame")
	conn.push(t, messageFrame("m1", "after the garbage"))

	d := testutil.RequireReceive(t, f.deliveries, 5*time.Second, "waiting for good frame")
	if mf, ok := d.frame.(wire.MessageFrame); !ok || mf.Message.ID.String() != "m1" {
		t.Fatalf("delivered %#v, want m1", d.frame)
	}
	if got := session.State(); got != Open {
		t.Errorf("state = %v after malformed frame, want open", got)
	}
}

func TestUnknownFrameTypeDelivered(t *testing.T) {
	f := newMuxFixture(t, 0)
	conn := newFakeConn()
	f.dialer.results <- dialResult{conn: conn}

	session := f.mux.OpenFor(room5)
	waitState(t, session, Open)

	testutil.RequireSend(t, conn.inbound, []byte(`{"type":"typing_indicator"}`), 5*time.Second, "pushing unknown frame")
	d := testutil.RequireReceive(t, f.deliveries, 5*time.Second, "waiting for unknown frame")
	if uf, ok := d.frame.(wire.UnknownFrame); !ok || uf.TypeName != "typing_indicator" {
		t.Fatalf("delivered %#v, want UnknownFrame", d.frame)
	}
}

func TestOpenForIdempotent(t *testing.T) {
	f := newMuxFixture(t, 0)
	f.dialer.results <- dialResult{conn: newFakeConn()}

	first := f.mux.OpenFor(room5)
	second := f.mux.OpenFor(room5)
	if first != second {
		t.Fatal("OpenFor returned a new session for an open room")
	}
}

func TestReconnectBackoffAndFlush(t *testing.T) {
	f := newMuxFixture(t, 8)
	conn1 := newFakeConn()
	f.dialer.results <- dialResult{conn: conn1}

	session := f.mux.OpenFor(room5)
	waitState(t, session, Open)

	// Transport failure: the server side drops the connection.
	conn1.Close()
	waitState(t, session, Reconnecting)

	// Sends made during the outage are buffered in order.
	for _, id := range []string{"q1", "q2", "q3"} {
		if err := session.Send(messageFrame(id, "queued "+id)); err != nil {
			t.Fatalf("Send(%s): %v", id, err)
		}
	}

	// Three dial attempts fail, then the fourth succeeds.
	conn2 := newFakeConn()
	f.dialer.results <- dialResult{err: errors.New("refused")}
	f.dialer.results <- dialResult{err: errors.New("refused")}
	f.dialer.results <- dialResult{err: errors.New("refused")}
	f.dialer.results <- dialResult{conn: conn2}

	for i := 0; i < 4; i++ {
		f.clk.WaitForTimers(1)
		f.clk.Advance(30 * time.Second)
	}
	waitState(t, session, Open)

	delays := f.delays.recorded()
	if len(delays) != 4 {
		t.Fatalf("recorded %d delays, want 4: %v", len(delays), delays)
	}
	for i := 0; i < 3; i++ {
		if delays[i] >= delays[i+1] {
			t.Errorf("delay %d (%v) not below delay %d (%v)", i, delays[i], i+1, delays[i+1])
		}
	}

	// The buffered frames flush in original order on reopen.
	for _, want := range []string{"q1", "q2", "q3"} {
		data := testutil.RequireReceive(t, conn2.written, 5*time.Second, "waiting for flushed frame %s", want)
		frame, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("decoding flushed frame: %v", err)
		}
		if mf, ok := frame.(wire.MessageFrame); !ok || mf.Message.ID.String() != want {
			t.Errorf("flushed %#v, want %s", frame, want)
		}
	}
}

func TestSendDuringFlushCannotOvertakeQueue(t *testing.T) {
	f := newMuxFixture(t, 8)
	conn1 := newFakeConn()
	f.dialer.results <- dialResult{conn: conn1}

	session := f.mux.OpenFor(room5)
	waitState(t, session, Open)
	conn1.Close()
	waitState(t, session, Reconnecting)

	for _, id := range []string{"q1", "q2"} {
		if err := session.Send(messageFrame(id, "queued "+id)); err != nil {
			t.Fatalf("Send(%s): %v", id, err)
		}
	}

	// conn2 has an unbuffered write side, so the reopen flush blocks
	// on each frame until the test receives it.
	conn2 := &fakeConn{
		inbound: make(chan []byte, 16),
		written: make(chan []byte),
		closed:  make(chan struct{}),
	}
	f.dialer.results <- dialResult{conn: conn2}
	f.clk.WaitForTimers(1)
	f.clk.Advance(time.Second)

	receive := func(want string) {
		t.Helper()
		data := testutil.RequireReceive(t, conn2.written, 5*time.Second, "waiting for frame %s", want)
		frame, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("decoding frame: %v", err)
		}
		if mf, ok := frame.(wire.MessageFrame); !ok || mf.Message.ID.String() != want {
			t.Errorf("wrote %#v, want %s", frame, want)
		}
	}

	// With q1 taken and q2 still blocking the flush, the session is not
	// open yet; a Send now must land behind the queued frames.
	receive("q1")
	if got := session.State(); got == Open {
		t.Fatal("session open before the queue drained")
	}
	if err := session.Send(messageFrame("q3", "late")); err != nil {
		t.Fatalf("Send(q3): %v", err)
	}

	receive("q2")
	receive("q3")
	waitState(t, session, Open)

	select {
	case data := <-conn2.written:
		t.Errorf("unexpected extra frame: %s", data)
	default:
	}
}

func TestOutboundQueueOverflowDropsOldest(t *testing.T) {
	f := newMuxFixture(t, 2)
	conn1 := newFakeConn()
	f.dialer.results <- dialResult{conn: conn1}

	session := f.mux.OpenFor(room5)
	waitState(t, session, Open)
	conn1.Close()
	waitState(t, session, Reconnecting)

	for _, id := range []string{"q1", "q2", "q3"} {
		if err := session.Send(messageFrame(id, "x")); err != nil {
			t.Fatalf("Send(%s): %v", id, err)
		}
	}

	conn2 := newFakeConn()
	f.dialer.results <- dialResult{conn: conn2}
	f.clk.WaitForTimers(1)
	f.clk.Advance(time.Second)
	waitState(t, session, Open)

	// q1 was dropped on overflow; q2 and q3 survive in order.
	for _, want := range []string{"q2", "q3"} {
		data := testutil.RequireReceive(t, conn2.written, 5*time.Second, "waiting for frame %s", want)
		frame, _ := wire.Decode(data)
		if mf, ok := frame.(wire.MessageFrame); !ok || mf.Message.ID.String() != want {
			t.Errorf("flushed %#v, want %s", frame, want)
		}
	}
	select {
	case data := <-conn2.written:
		t.Errorf("unexpected extra frame: %s", data)
	default:
	}
}

func TestSendWhileOpenWritesDirectly(t *testing.T) {
	f := newMuxFixture(t, 0)
	conn := newFakeConn()
	f.dialer.results <- dialResult{conn: conn}

	session := f.mux.OpenFor(room5)
	waitState(t, session, Open)

	if err := session.Send(wire.ReadFrame{
		MessageID: ref.MustParseMessageID("m1"),
		UserID:    ref.MustParseUserID("alice"),
		RoomID:    room5,
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	data := testutil.RequireReceive(t, conn.written, 5*time.Second, "waiting for written frame")
	frame, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decoding written frame: %v", err)
	}
	if _, ok := frame.(wire.ReadFrame); !ok {
		t.Errorf("wrote %#v, want ReadFrame", frame)
	}
}

func TestRoomRemovedFromRosterEndsSession(t *testing.T) {
	f := newMuxFixture(t, 0)
	conn := newFakeConn()
	f.dialer.results <- dialResult{conn: conn}

	session := f.mux.OpenFor(room5)
	waitState(t, session, Open)

	f.roster.remove(room5)
	conn.push(t, messageFrame("m1", "too late"))

	waitState(t, session, Closed)
	select {
	case d := <-f.deliveries:
		t.Errorf("frame for removed room delivered: %#v", d.frame)
	default:
	}
	if _, ok := f.mux.Session(room5); ok {
		t.Error("closed session still registered in mux")
	}
}

func TestCloseAllDeterministic(t *testing.T) {
	f := newMuxFixture(t, 0)
	conn := newFakeConn()
	f.dialer.results <- dialResult{conn: conn}
	session := f.mux.OpenFor(room5)
	waitState(t, session, Open)

	f.mux.CloseAll()
	if got := session.State(); got != Closed {
		t.Errorf("state after CloseAll = %v, want closed", got)
	}
	if err := session.Send(messageFrame("m1", "late")); err == nil {
		t.Error("Send on closed session succeeded")
	}
	if f.mux.OpenFor(room5) != nil {
		t.Error("OpenFor after CloseAll returned a session")
	}
}

func TestCloseRoom(t *testing.T) {
	f := newMuxFixture(t, 0)
	conn := newFakeConn()
	f.dialer.results <- dialResult{conn: conn}
	session := f.mux.OpenFor(room5)
	waitState(t, session, Open)

	f.mux.CloseRoom(room5)
	if got := session.State(); got != Closed {
		t.Errorf("state after CloseRoom = %v, want closed", got)
	}
	if _, ok := f.mux.Session(room5); ok {
		t.Error("session still registered after CloseRoom")
	}
}
