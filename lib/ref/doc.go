// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated identifier value types for the
// conversation sync engine: [RoomID], [MessageID], and [UserID].
//
// All identities are assigned by the authoritative backend service and
// treated as opaque by the engine. Raw strings coming off the wire are
// parsed into these types at the boundary (JSON decoding, REST
// responses); engine code never constructs identifiers from string
// literals outside of tests. Each type is an immutable value type whose
// zero value is invalid; use IsZero to check.
//
// The one exception to server assignment is the optimistic message ID:
// the dispatcher records a locally sent message before the backend has
// confirmed it, under an identity from [NewLocalMessageID]. Local IDs
// carry a recognizable prefix and report true from [MessageID.IsLocal];
// they are replaced by the server-assigned ID when the durable send
// round-trips and must never leak onto the wire.
//
// All three types implement encoding.TextMarshaler and
// encoding.TextUnmarshaler so they can serve as JSON object keys and
// are validated automatically during deserialization.
package ref
