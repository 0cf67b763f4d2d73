// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the push-channel frame codec and the message
// payload shared between the REST surface and the push channel.
//
// Every push-channel frame is a JSON object tagged by a "type"
// discriminator. [Decode] parses a raw frame into one of a closed set
// of variants ([MessageFrame], [EditFrame], [DeleteFrame],
// [HideFrame], [ReadFrame], [MentionFrame]) so that consumers switch
// over concrete types instead of branching on loosely shaped maps. A
// frame whose type the engine does not recognize decodes to
// [UnknownFrame] rather than an error: unknown types are ignorable by
// contract, while undecodable JSON is a malformed frame and does
// return an error (the caller drops it and keeps the connection open).
//
// [Message] mirrors the backend's message representation: history
// snapshots, send responses, and message frames all carry this shape.
package wire
