// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"

	"github.com/nami-aoshima/chatsync/lib/ref"
)

// Type is the push-channel frame discriminator carried in the "type"
// field of every frame.
type Type string

// Frame types understood by the engine. Anything else decodes to
// UnknownFrame.
const (
	TypeMessage Type = "message"
	TypeEdit    Type = "edit_message"
	TypeDelete  Type = "delete_message"
	TypeHide    Type = "hide_message"
	TypeRead    Type = "message_read"
	TypeMention Type = "mention"
)

// Frame is the closed set of push-channel frame variants. Consumers
// switch over the concrete types; the unexported marker method keeps
// the set closed to this package.
type Frame interface {
	frameType() Type
}

// MessageFrame announces a new message. The message fields sit at the
// top level of the JSON object alongside the type tag, matching the
// backend's broadcast shape.
type MessageFrame struct {
	Message Message
}

// EditFrame carries the full updated message after an edit.
type EditFrame struct {
	Message Message
}

// DeleteFrame announces a hard delete ("recall") of a message. The
// room is implied by the channel the frame arrives on.
type DeleteFrame struct {
	MessageID ref.MessageID
}

// HideFrame announces that a viewer hid a message for themself. Only
// that viewer's rendering is affected.
type HideFrame struct {
	MessageID ref.MessageID
	UserID    ref.UserID
}

// ReadFrame announces that a reader has read a message.
type ReadFrame struct {
	MessageID ref.MessageID
	UserID    ref.UserID
	RoomID    ref.RoomID
}

// MentionFrame notifies a recipient that a message mentioned them.
type MentionFrame struct {
	RoomID   ref.RoomID
	UserID   ref.UserID // recipient
	SenderID ref.UserID
	Content  string
}

// UnknownFrame holds a structurally valid frame whose type the engine
// does not recognize. Unknown types are ignorable by contract.
type UnknownFrame struct {
	TypeName string
	Raw      json.RawMessage
}

func (MessageFrame) frameType() Type { return TypeMessage }
func (EditFrame) frameType() Type    { return TypeEdit }
func (DeleteFrame) frameType() Type  { return TypeDelete }
func (HideFrame) frameType() Type    { return TypeHide }
func (ReadFrame) frameType() Type    { return TypeRead }
func (MentionFrame) frameType() Type { return TypeMention }
func (UnknownFrame) frameType() Type { return "" }

// FrameType returns the discriminator for a decoded frame. For
// UnknownFrame it returns the unrecognized type string from the wire.
func FrameType(f Frame) Type {
	if u, ok := f.(UnknownFrame); ok {
		return Type(u.TypeName)
	}
	return f.frameType()
}

// Envelope shapes. The message frame inlines the message fields next
// to the type tag; the others carry explicit identifier fields.
type messageEnvelope struct {
	Type Type `json:"type"`
	Message
}

type editEnvelope struct {
	Type    Type    `json:"type"`
	Message Message `json:"message"`
}

type deleteEnvelope struct {
	Type      Type          `json:"type"`
	MessageID ref.MessageID `json:"message_id"`
}

type hideEnvelope struct {
	Type      Type          `json:"type"`
	MessageID ref.MessageID `json:"message_id"`
	UserID    ref.UserID    `json:"user_id"`
}

type readEnvelope struct {
	Type      Type          `json:"type"`
	MessageID ref.MessageID `json:"message_id"`
	UserID    ref.UserID    `json:"user_id"`
	RoomID    ref.RoomID    `json:"room_id"`
}

type mentionEnvelope struct {
	Type     Type       `json:"type"`
	RoomID   ref.RoomID `json:"room_id"`
	UserID   ref.UserID `json:"user_id"`
	SenderID ref.UserID `json:"sender_id"`
	Content  string     `json:"content,omitempty"`
}

// Decode parses a raw push-channel frame. Undecodable JSON or a
// missing type tag is an error (the frame is malformed and should be
// dropped); a well-formed frame with an unrecognized type decodes to
// UnknownFrame with no error.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("wire: malformed frame: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("wire: frame missing type tag")
	}

	switch head.Type {
	case TypeMessage:
		var env messageEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("wire: malformed %s frame: %w", head.Type, err)
		}
		return MessageFrame{Message: env.Message}, nil
	case TypeEdit:
		var env editEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("wire: malformed %s frame: %w", head.Type, err)
		}
		return EditFrame{Message: env.Message}, nil
	case TypeDelete:
		var env deleteEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("wire: malformed %s frame: %w", head.Type, err)
		}
		return DeleteFrame{MessageID: env.MessageID}, nil
	case TypeHide:
		var env hideEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("wire: malformed %s frame: %w", head.Type, err)
		}
		return HideFrame{MessageID: env.MessageID, UserID: env.UserID}, nil
	case TypeRead:
		var env readEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("wire: malformed %s frame: %w", head.Type, err)
		}
		return ReadFrame{MessageID: env.MessageID, UserID: env.UserID, RoomID: env.RoomID}, nil
	case TypeMention:
		var env mentionEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("wire: malformed %s frame: %w", head.Type, err)
		}
		return MentionFrame{RoomID: env.RoomID, UserID: env.UserID, SenderID: env.SenderID, Content: env.Content}, nil
	default:
		return UnknownFrame{TypeName: string(head.Type), Raw: append([]byte(nil), data...)}, nil
	}
}

// Encode serializes a frame for the push channel. Encoding an
// UnknownFrame returns its raw bytes unchanged.
func Encode(f Frame) ([]byte, error) {
	switch frame := f.(type) {
	case MessageFrame:
		return json.Marshal(messageEnvelope{Type: TypeMessage, Message: frame.Message})
	case EditFrame:
		return json.Marshal(editEnvelope{Type: TypeEdit, Message: frame.Message})
	case DeleteFrame:
		return json.Marshal(deleteEnvelope{Type: TypeDelete, MessageID: frame.MessageID})
	case HideFrame:
		return json.Marshal(hideEnvelope{Type: TypeHide, MessageID: frame.MessageID, UserID: frame.UserID})
	case ReadFrame:
		return json.Marshal(readEnvelope{Type: TypeRead, MessageID: frame.MessageID, UserID: frame.UserID, RoomID: frame.RoomID})
	case MentionFrame:
		return json.Marshal(mentionEnvelope{Type: TypeMention, RoomID: frame.RoomID, UserID: frame.UserID, SenderID: frame.SenderID, Content: frame.Content})
	case UnknownFrame:
		return append([]byte(nil), frame.Raw...), nil
	default:
		return nil, fmt.Errorf("wire: cannot encode frame of type %T", f)
	}
}
