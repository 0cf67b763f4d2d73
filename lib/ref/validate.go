// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// validateOpaque checks the structural rules shared by all backend
// identifiers: non-empty, no whitespace or control characters. The
// backend assigns identifiers from its own keyspace; the engine only
// rejects values that could not survive a round trip through a URL
// path segment or a JSON object key.
func validateOpaque(kind, raw string) error {
	if raw == "" {
		return fmt.Errorf("empty %s", kind)
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c <= ' ' || c == 0x7f {
			return fmt.Errorf("%s contains whitespace or control character at byte %d: %q", kind, i, raw)
		}
	}
	return nil
}
