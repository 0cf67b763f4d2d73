// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/nami-aoshima/chatsync/lib/ref"
)

// Message is the backend's message representation, shared by history
// snapshots (GET messages), send confirmations (POST messages), and
// push-channel message and edit frames.
type Message struct {
	ID        ref.MessageID `json:"id"`
	RoomID    ref.RoomID    `json:"room_id"`
	SenderID  ref.UserID    `json:"sender_id"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"created_at"`
	ReadBy    []ref.UserID  `json:"read_by,omitempty"`
	HiddenFor []ref.UserID  `json:"hidden_user_ids,omitempty"`
	Edited    bool          `json:"edited"`
	Deleted   bool          `json:"is_deleted"`
}

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// ExtractMentions returns the usernames referenced by @-tokens in a
// message body, in order of appearance, duplicates removed. The
// backend performs the same scan to decide which room members receive
// a mention frame.
func ExtractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var names []string
	for _, match := range matches {
		name := match[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// assetExtensions are the media suffixes the presentation layer
// renders inline rather than as text.
var assetExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".gif":  {},
	".webp": {},
}

// IsAssetReference reports whether content looks like a reference to a
// previously uploaded asset (an uploads path with a recognizable image
// extension). This is a presentation heuristic only; the engine
// transports asset references as opaque text.
func IsAssetReference(content string) bool {
	if !strings.HasPrefix(content, "/uploads/") {
		return false
	}
	_, ok := assetExtensions[strings.ToLower(path.Ext(content))]
	return ok
}
