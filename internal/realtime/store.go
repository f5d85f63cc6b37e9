package realtime

import (
	"context"
	"errors"
	"time"
)

// Store errors. The gateway maps these onto wire error codes, so additions
// here need a corresponding entry in errCodeFor.
var (
	ErrParticipantCount      = errors.New("conversation requires exactly two distinct participants")
	ErrConversationExists    = errors.New("conversation already exists")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrConversationNotActive = errors.New("conversation is archived")
	ErrNotAParticipant       = errors.New("user is not a conversation participant")
	ErrMessageNotFound       = errors.New("message not found")
	ErrNotRecipient          = errors.New("only the recipient may mark a message read")
	ErrNotSender             = errors.New("only the sender may modify a message")
	ErrMessageDeleted        = errors.New("message is deleted")
	ErrInvalidInput          = errors.New("invalid input")
)

// Message kinds stored in Message.Kind. Values match the wire contract.
const (
	KindText   = "text"
	KindImage  = "image"
	KindSystem = "system"
)

// Conversation is the durable two-participant container for a message log.
type Conversation struct {
	ID             string
	ParticipantIDs [2]string
	PostID         string
	LastMessageID  string
	LastActivityAt time.Time
	Active         bool
	CreatedAt      time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantIDs[0] == userID || c.ParticipantIDs[1] == userID)
}

// OtherParticipant returns the participant that is not userID, or "" when
// userID is not a participant.
func (c Conversation) OtherParticipant(userID string) string {
	switch userID {
	case c.ParticipantIDs[0]:
		return c.ParticipantIDs[1]
	case c.ParticipantIDs[1]:
		return c.ParticipantIDs[0]
	default:
		return ""
	}
}

// Message is the durable message representation.
//
// Ordering invariant: within one conversation CreatedAt never decreases and
// Seq strictly increases, so (CreatedAt, Seq) is a total order.
type Message struct {
	ID             string
	ConversationID string
	ClientMsgID    string
	Seq            int64
	SenderID       string
	Kind           string
	Text           string
	ImageRef       string
	CreatedAt      time.Time

	Read   bool
	ReadAt *time.Time

	Edited   bool
	EditedAt *time.Time

	Deleted   bool
	DeletedAt *time.Time
}

// Redacted returns a copy safe to hand to readers: soft-deleted messages keep
// their identity and position but lose their body.
func (m Message) Redacted() Message {
	if !m.Deleted {
		return m
	}
	m.Text = ""
	m.ImageRef = ""
	return m
}

// CreateConversationInput describes a conversation creation request.
// ID is optional; stores allocate one when empty.
type CreateConversationInput struct {
	ID             string
	ParticipantIDs []string
	PostID         string
	Now            time.Time
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ConversationID string
	ClientMsgID    string
	SenderID       string
	Kind           string
	Text           string
	ImageRef       string
	Now            time.Time
}

// AppendMessageResult is the append operation result. Conversation reflects
// the updated last-message pointer and activity timestamp.
type AppendMessageResult struct {
	Message      Message
	Conversation Conversation
	Duplicated   bool
}

// FetchHistoryInput describes a history query request.
type FetchHistoryInput struct {
	ConversationID string
	AfterSeq       *int64
	Limit          int
}

// FetchHistoryResult contains the retrieved history window, seq ascending,
// deleted bodies redacted.
type FetchHistoryResult struct {
	Messages []Message
	HasMore  bool
}

// ConversationStore is the durable boundary for conversations and messages.
//
// Contract:
//   - CreateConversation fails with ErrParticipantCount before persisting
//     anything unless exactly two distinct participants are given.
//   - AppendMessage allocates a strictly increasing per-conversation seq,
//     clamps the message timestamp to be no earlier than the conversation's
//     last activity, updates the last-message pointer and activity timestamp
//     in the same unit as the append, and is idempotent per
//     (conversation_id, client_msg_id).
//   - MarkMessageRead accepts only the non-sender participant.
//   - EditMessage / SoftDeleteMessage accept only the sender.
//   - FetchHistory returns seq ASC with after-seq paging.
type ConversationStore interface {
	CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error)
	ArchiveConversation(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	MarkMessageRead(ctx context.Context, conversationID, messageID, readerID string, now time.Time) (Message, error)
	EditMessage(ctx context.Context, conversationID, messageID, requesterID, text string, now time.Time) (Message, error)
	SoftDeleteMessage(ctx context.Context, conversationID, messageID, requesterID string, now time.Time) (Message, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)

	Close() error
}

// validateParticipants enforces the two-distinct-participants invariant and
// returns the normalized pair.
func validateParticipants(ids []string) ([2]string, error) {
	if len(ids) != 2 {
		return [2]string{}, ErrParticipantCount
	}
	a, b := ids[0], ids[1]
	if a == "" || b == "" || a == b {
		return [2]string{}, ErrParticipantCount
	}
	return [2]string{a, b}, nil
}

// validateBody enforces message body shape per kind.
func validateBody(kind, text, imageRef string) error {
	switch kind {
	case KindText:
		if text == "" {
			return ErrInvalidInput
		}
		return nil
	case KindImage:
		if imageRef == "" {
			return ErrInvalidInput
		}
		return nil
	case KindSystem:
		if text == "" {
			return ErrInvalidInput
		}
		return nil
	default:
		return ErrInvalidInput
	}
}
