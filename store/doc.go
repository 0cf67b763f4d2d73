// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package store holds the in-memory, per-room ordered message log and
// its reconciliation logic.
//
// Each room's log is an indexed map from message identity to record
// plus a separately maintained slice sorted by (creation timestamp,
// identity). Insert deduplicates by identity, which makes push-channel
// echoes of optimistically applied sends and duplicate deliveries on
// reconnect harmless. Mutations addressing an unknown identity are
// inert and logged at debug level: an edit or delete can legitimately
// arrive before the message it targets.
//
// The Store exclusively owns the log. Other components read VisibleTo
// projections or value-copy snapshots and request mutations through
// the exported operations.
package store
