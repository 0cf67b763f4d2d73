// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/nami-aoshima/chatsync/lib/netutil"
	"github.com/nami-aoshima/chatsync/lib/ref"
	"github.com/nami-aoshima/chatsync/wire"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the base URL of the authoritative service (e.g.,
	// "http://localhost:8080").
	BaseURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client talks to the authoritative service. It is safe for
// concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client for the service at config.BaseURL.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("api: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("api: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's pool. Call after a network disruption to force fresh
// TCP connections.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Rooms fetches the roster snapshot for the credential's user.
func (c *Client) Rooms(ctx context.Context, credential Credential) ([]RoomSummary, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/my_rooms", credential, nil)
	if err != nil {
		return nil, fmt.Errorf("api: fetching rooms failed: %w", err)
	}
	var rooms []RoomSummary
	if err := json.Unmarshal(body, &rooms); err != nil {
		return nil, fmt.Errorf("api: failed to parse rooms response: %w", err)
	}
	return rooms, nil
}

// Messages fetches the full message history of one room.
func (c *Client) Messages(ctx context.Context, credential Credential, roomID ref.RoomID) ([]wire.Message, error) {
	query := url.Values{"room_id": {roomID.String()}}
	body, err := c.doRequest(ctx, http.MethodGet, "/messages", credential, nil, query)
	if err != nil {
		return nil, fmt.Errorf("api: fetching messages for %s failed: %w", roomID, err)
	}
	var messages []wire.Message
	if err := json.Unmarshal(body, &messages); err != nil {
		return nil, fmt.Errorf("api: failed to parse messages response: %w", err)
	}
	return messages, nil
}

// SendMessage stores a new message durably. The response carries the
// server-assigned identity.
func (c *Client) SendMessage(ctx context.Context, credential Credential, roomID ref.RoomID, content string) (wire.Message, error) {
	request := sendMessageRequest{RoomID: roomID, Content: content}
	body, err := c.doRequest(ctx, http.MethodPost, "/messages", credential, request)
	if err != nil {
		return wire.Message{}, fmt.Errorf("api: sending message to %s failed: %w", roomID, err)
	}
	var message wire.Message
	if err := json.Unmarshal(body, &message); err != nil {
		return wire.Message{}, fmt.Errorf("api: failed to parse send response: %w", err)
	}
	if message.ID.IsZero() {
		return wire.Message{}, fmt.Errorf("api: send response carries no message identity")
	}
	return message, nil
}

// EditMessage replaces a message's content durably.
func (c *Client) EditMessage(ctx context.Context, credential Credential, id ref.MessageID, content string) error {
	request := editMessageRequest{Content: content}
	if _, err := c.doRequest(ctx, http.MethodPut, "/messages/"+url.PathEscape(id.String()), credential, request); err != nil {
		return fmt.Errorf("api: editing message %s failed: %w", id, err)
	}
	return nil
}

// DeleteMessage hard-deletes (recalls) a message for all viewers.
func (c *Client) DeleteMessage(ctx context.Context, credential Credential, id ref.MessageID) error {
	if _, err := c.doRequest(ctx, http.MethodDelete, "/messages/"+url.PathEscape(id.String()), credential, nil); err != nil {
		return fmt.Errorf("api: deleting message %s failed: %w", id, err)
	}
	return nil
}

// HideMessage hides a message for the credential's user only.
func (c *Client) HideMessage(ctx context.Context, credential Credential, id ref.MessageID) error {
	if _, err := c.doRequest(ctx, http.MethodPost, "/messages/"+url.PathEscape(id.String())+"/hide", credential, nil); err != nil {
		return fmt.Errorf("api: hiding message %s failed: %w", id, err)
	}
	return nil
}

// StartChat creates (or returns the existing) 1:1 room with a peer.
func (c *Client) StartChat(ctx context.Context, credential Credential, peer ref.UserID) (RoomSummary, error) {
	request := startChatRequest{ReceiverID: peer}
	body, err := c.doRequest(ctx, http.MethodPost, "/start_chat", credential, request)
	if err != nil {
		return RoomSummary{}, fmt.Errorf("api: starting chat with %s failed: %w", peer, err)
	}
	var room RoomSummary
	if err := json.Unmarshal(body, &room); err != nil {
		return RoomSummary{}, fmt.Errorf("api: failed to parse start-chat response: %w", err)
	}
	return room, nil
}

// CreateGroup creates a group room with the given members.
func (c *Client) CreateGroup(ctx context.Context, credential Credential, name string, members []ref.UserID) (RoomSummary, error) {
	request := createGroupRequest{GroupName: name, MemberIDs: members}
	body, err := c.doRequest(ctx, http.MethodPost, "/create_group", credential, request)
	if err != nil {
		return RoomSummary{}, fmt.Errorf("api: creating group %q failed: %w", name, err)
	}
	var room RoomSummary
	if err := json.Unmarshal(body, &room); err != nil {
		return RoomSummary{}, fmt.Errorf("api: failed to parse create-group response: %w", err)
	}
	return room, nil
}

// DeleteRoom removes a room for every member.
func (c *Client) DeleteRoom(ctx context.Context, credential Credential, roomID ref.RoomID) error {
	request := deleteRoomRequest{RoomID: roomID}
	if _, err := c.doRequest(ctx, http.MethodPost, "/delete_room", credential, request); err != nil {
		return fmt.Errorf("api: deleting room %s failed: %w", roomID, err)
	}
	return nil
}

// Users fetches the peer directory for starting chats.
func (c *Client) Users(ctx context.Context, credential Credential) ([]User, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/users", credential, nil)
	if err != nil {
		return nil, fmt.Errorf("api: fetching users failed: %w", err)
	}
	var users []User
	if err := json.Unmarshal(body, &users); err != nil {
		return nil, fmt.Errorf("api: failed to parse users response: %w", err)
	}
	return users, nil
}

// RoomMembers fetches a room's membership list.
func (c *Client) RoomMembers(ctx context.Context, credential Credential, roomID ref.RoomID) ([]Member, error) {
	query := url.Values{"room_id": {roomID.String()}}
	body, err := c.doRequest(ctx, http.MethodGet, "/room_members", credential, nil, query)
	if err != nil {
		return nil, fmt.Errorf("api: fetching members of %s failed: %w", roomID, err)
	}
	var members []Member
	if err := json.Unmarshal(body, &members); err != nil {
		return nil, fmt.Errorf("api: failed to parse members response: %w", err)
	}
	return members, nil
}

// UploadAsset uploads a media file and returns its server path. The
// returned path is sent as ordinary message content; the engine never
// interprets it.
func (c *Client) UploadAsset(ctx context.Context, credential Credential, filename string, content io.Reader) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("api: failed to build upload form: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("api: failed to read upload content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("api: failed to finalize upload form: %w", err)
	}

	body, err := c.doRequestRaw(ctx, http.MethodPost, "/upload", credential, writer.FormDataContentType(), &buf)
	if err != nil {
		return "", fmt.Errorf("api: uploading %q failed: %w", filename, err)
	}
	var response uploadResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("api: failed to parse upload response: %w", err)
	}
	if response.URL == "" {
		return "", fmt.Errorf("api: upload response carries no URL")
	}
	return response.URL, nil
}

// doRequest performs a JSON request and returns the response body.
// Non-2xx responses return the body alongside an *APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, credential Credential, requestBody any, query ...url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 && query[0] != nil {
		requestURL += "?" + query[0].Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if !credential.IsZero() {
		request.Header.Set("Authorization", "Bearer "+string(credential))
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	apiErr := &APIError{StatusCode: response.StatusCode}
	if jsonErr := json.Unmarshal(responseBody, apiErr); jsonErr != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(responseBody))
	}
	return responseBody, apiErr
}

// doRequestRaw performs a request with a pre-encoded body (for the
// multipart upload).
func (c *Client) doRequestRaw(ctx context.Context, method, path string, credential Credential, contentType string, body io.Reader) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if !credential.IsZero() {
		request.Header.Set("Authorization", "Bearer "+string(credential))
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	apiErr := &APIError{StatusCode: response.StatusCode}
	if jsonErr := json.Unmarshal(responseBody, apiErr); jsonErr != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(responseBody))
	}
	return responseBody, apiErr
}
