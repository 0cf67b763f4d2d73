// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/nami-aoshima/chatsync/api"
	"github.com/nami-aoshima/chatsync/lib/ref"
)

// Dialer opens a push-channel connection for one room.
type Dialer interface {
	Dial(ctx context.Context, roomID ref.RoomID) (Conn, error)
}

// Conn is one live push-channel connection. Implementations need not
// be safe for concurrent writes; the session serializes them.
type Conn interface {
	// ReadFrame blocks for the next inbound frame payload.
	ReadFrame() ([]byte, error)
	// WriteFrame sends one outbound frame payload.
	WriteFrame(data []byte) error
	Close() error
}

// WebsocketDialer dials the service's per-room websocket endpoint.
type WebsocketDialer struct {
	// BaseURL is the websocket base (e.g., "ws://localhost:8080").
	BaseURL string
	// Credential authenticates the connection; it rides the query
	// string, matching the service's handshake contract.
	Credential api.Credential
	// Dialer is the underlying websocket dialer. If nil,
	// websocket.DefaultDialer is used.
	Dialer *websocket.Dialer
}

func (d *WebsocketDialer) Dial(ctx context.Context, roomID ref.RoomID) (Conn, error) {
	base := strings.TrimRight(d.BaseURL, "/")
	query := url.Values{
		"room_id": {roomID.String()},
		"token":   {string(d.Credential)},
	}
	endpoint := base + "/ws?" + query.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, response, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("channel: dialing push channel for %s failed (status %d): %w", roomID, response.StatusCode, err)
		}
		return nil, fmt.Errorf("channel: dialing push channel for %s failed: %w", roomID, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteFrame(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
