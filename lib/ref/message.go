// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// localPrefix marks message IDs generated on this client for
// optimistic records. The backend's identifier keyspace never produces
// this prefix, so a local ID can never collide with a server one.
const localPrefix = "local-"

// MessageID identifies a message within a room.
//
// Server-assigned message IDs are unique within their room and are the
// tie-breaker in the store's (created-at, ID) ordering. Local IDs from
// [NewLocalMessageID] exist only between the optimistic apply of a
// send and its durable confirmation; they sort and deduplicate like
// any other ID but must not be sent to the backend.
//
// MessageID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type MessageID struct {
	id string
}

// ParseMessageID validates and wraps a raw message ID string.
func ParseMessageID(raw string) (MessageID, error) {
	if err := validateOpaque("message ID", raw); err != nil {
		return MessageID{}, err
	}
	return MessageID{id: raw}, nil
}

// MustParseMessageID is like ParseMessageID but panics on error. Use
// in tests and static initialization where the input is known-valid.
func MustParseMessageID(raw string) MessageID {
	m, err := ParseMessageID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseMessageID(%q): %v", raw, err))
	}
	return m
}

// NewLocalMessageID returns a fresh client-generated identity for an
// optimistic message record. The ID is unique per process lifetime.
func NewLocalMessageID() MessageID {
	return MessageID{id: localPrefix + uuid.NewString()}
}

// String returns the raw message ID string.
func (m MessageID) String() string { return m.id }

// IsZero reports whether the MessageID is the zero value (uninitialized).
func (m MessageID) IsZero() bool { return m.id == "" }

// IsLocal reports whether the ID was generated by this client for an
// optimistic record rather than assigned by the backend.
func (m MessageID) IsLocal() bool { return strings.HasPrefix(m.id, localPrefix) }

// Less reports whether m orders before other in ascending identity
// order. Used by the store to break creation-timestamp ties.
func (m MessageID) Less(other MessageID) bool { return m.id < other.id }

// MarshalText implements encoding.TextMarshaler.
func (m MessageID) MarshalText() ([]byte, error) {
	return []byte(m.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value (unset message ID).
func (m *MessageID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*m = MessageID{}
		return nil
	}
	parsed, err := ParseMessageID(string(data))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
