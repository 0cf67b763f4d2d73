// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel multiplexes the per-room push channels.
//
// The Mux owns one Session per active room. A session dials the push
// channel, delivers every inbound frame to the sink exactly once, and
// survives transport failure by reconnecting with bounded exponential
// backoff, indefinitely, until the session is closed or its room
// leaves the roster. Outbound frames sent while the channel is down
// are buffered in a small bounded queue (oldest dropped on overflow)
// and flushed in order once the channel reopens.
//
// The sink runs on a session goroutine. Callers that need serialized
// state mutation post the frame onto their own event loop.
package channel
