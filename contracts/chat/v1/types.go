// Package v1 defines the Souk realtime chat protocol contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Inbound types (client -> server).
const (
	// TypeJoinRoom subscribes the connection to a conversation's live events.
	TypeJoinRoom = "join_room"
	// TypeLeaveRoom unsubscribes the connection from a conversation.
	TypeLeaveRoom = "leave_room"

	// TypeSendMessage requests persisting and fanning out a new message.
	TypeSendMessage = "send_message"

	// TypeTypingStart / TypeTypingStop signal ephemeral typing state.
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"

	// TypeMarkRead marks a message read (recipient only).
	TypeMarkRead = "mark_read"
	// TypeMessageEdit replaces a text message body (sender only).
	TypeMessageEdit = "message_edit"
	// TypeMessageDelete soft-deletes a message (sender only).
	TypeMessageDelete = "message_delete"

	// TypeHistoryFetch requests an ordered message window.
	TypeHistoryFetch = "history_fetch"
)

// Outbound types (server -> client).
const (
	// TypeRoomJoined echoes a successful join with the conversation summary.
	TypeRoomJoined = "room_joined"

	// TypeNewMessage carries the canonical persisted message to the room.
	TypeNewMessage = "new_message"

	// TypeUserTyping carries typing transitions to the room, excluding the originator.
	TypeUserTyping = "user_typing"

	// TypeUserOnline / TypeUserOffline carry presence transitions.
	TypeUserOnline  = "user_online"
	TypeUserOffline = "user_offline"

	// TypeMessageRead / TypeMessageEdited / TypeMessageDeleted carry message state changes.
	TypeMessageRead    = "message_read"
	TypeMessageEdited  = "message_edited"
	TypeMessageDeleted = "message_deleted"

	// TypeHistoryChunk returns a window of history.
	TypeHistoryChunk = "history_chunk"

	// TypeError is the generic error envelope, delivered only to the
	// connection whose action failed.
	TypeError = "error"
)

// Message kinds (wire-stable discriminator).
const (
	KindText   = "text"
	KindImage  = "image"
	KindSystem = "system"
)

// Error codes carried by ErrorPayload.Code.
const (
	CodeAuthenticationFailed = "authentication_failed"
	CodeAuthorizationFailed  = "authorization_failed"
	CodeValidationFailed     = "validation_failed"
	CodeNotFound             = "not_found"
	CodePersistenceFailure   = "persistence_failure"
	CodePersistenceTimeout   = "persistence_timeout"
	CodeRateLimited          = "rate_limited"
	CodeBadJSON              = "bad_json"
	CodeBadEnvelope          = "bad_envelope"
	CodeUnsupported          = "unsupported"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoinRoom,
		TypeLeaveRoom,
		TypeSendMessage,
		TypeTypingStart,
		TypeTypingStop,
		TypeMarkRead,
		TypeMessageEdit,
		TypeMessageDelete,
		TypeHistoryFetch,
		TypeRoomJoined,
		TypeNewMessage,
		TypeUserTyping,
		TypeUserOnline,
		TypeUserOffline,
		TypeMessageRead,
		TypeMessageEdited,
		TypeMessageDeleted,
		TypeHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Inbound payloads ----

// JoinRoomPayload subscribes to a conversation's live events.
// The caller must be one of the conversation's two participants.
type JoinRoomPayload struct {
	ConversationID string `json:"conversation_id"`
}

// LeaveRoomPayload unsubscribes from a conversation.
type LeaveRoomPayload struct {
	ConversationID string `json:"conversation_id"`
}

// SendMessagePayload requests sending a message into a conversation.
// Kind selects between text and image bodies.
type SendMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	Kind           string `json:"kind"`
	Text           string `json:"text,omitempty"`
	ImageRef       string `json:"image_ref,omitempty"`
}

// TypingPayload signals a typing transition for a conversation.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
}

// MarkReadPayload marks a message as read by the recipient.
type MarkReadPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// MessageEditPayload replaces the body of an own text message.
type MessageEditPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Text           string `json:"text"`
}

// MessageDeletePayload soft-deletes an own message.
type MessageDeletePayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// HistoryFetchPayload requests a history window for a conversation.
type HistoryFetchPayload struct {
	ConversationID string `json:"conversation_id"`
	AfterSeq       *int64 `json:"after_seq,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// ---- Outbound payloads ----

// ConversationSummary is the broadcast-facing view of a conversation.
type ConversationSummary struct {
	ID             string    `json:"id"`
	ParticipantIDs []string  `json:"participant_ids"`
	PostID         string    `json:"post_id,omitempty"`
	LastMessageID  string    `json:"last_message_id,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Active         bool      `json:"active"`
}

// MessagePayload is the broadcast-facing view of a persisted message.
// Sender display attributes are resolved server-side so clients never
// need a second lookup to render a message.
type MessagePayload struct {
	ConversationID string     `json:"conversation_id"`
	MessageID      string     `json:"message_id"`
	ClientMsgID    string     `json:"client_msg_id,omitempty"`
	Seq            int64      `json:"seq"`
	SenderID       string     `json:"sender_id"`
	SenderName     string     `json:"sender_name,omitempty"`
	SenderAvatar   string     `json:"sender_avatar,omitempty"`
	Kind           string     `json:"kind"`
	Text           string     `json:"text,omitempty"`
	ImageRef       string     `json:"image_ref,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	Read           bool       `json:"read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	Edited         bool       `json:"edited,omitempty"`
	Deleted        bool       `json:"deleted,omitempty"`
}

// RoomJoinedPayload echoes a successful room join.
type RoomJoinedPayload struct {
	Conversation ConversationSummary `json:"conversation"`
}

// NewMessagePayload is broadcast to the room when a message is accepted.
type NewMessagePayload struct {
	Message      MessagePayload      `json:"message"`
	Conversation ConversationSummary `json:"conversation"`
}

// UserTypingPayload carries a typing transition.
type UserTypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// PresencePayload carries an online/offline transition with the minimal
// profile needed to render it.
type PresencePayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// MessageReadPayload is broadcast when the recipient marks a message read.
type MessageReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	ReaderID       string    `json:"reader_id"`
	ReadAt         time.Time `json:"read_at"`
}

// MessageEditedPayload is broadcast when a message body is replaced.
type MessageEditedPayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Text           string    `json:"text"`
	EditedAt       time.Time `json:"edited_at"`
}

// MessageDeletedPayload is broadcast when a message is soft-deleted.
type MessageDeletedPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// HistoryChunkPayload returns messages for a history fetch request.
type HistoryChunkPayload struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []MessagePayload `json:"messages"`
	HasMore        bool             `json:"has_more"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
