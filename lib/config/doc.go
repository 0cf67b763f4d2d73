// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for chatsync
// binaries.
//
// Configuration is loaded from a single file specified by either the
// CHATSYNC_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. This ensures deterministic, auditable
// configuration with no hidden overrides.
//
// Every field has a default, so a minimal file only needs the server
// section:
//
//	server:
//	  base_url: https://chat.example.com
//	  push_url: wss://chat.example.com
package config
