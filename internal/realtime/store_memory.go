package realtime

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	memMaxMessagesPerConversation = 10_000
)

// InMemoryStore is the dev/test ConversationStore used when no DB is configured.
//
// All operations run under a single mutex; monotonic timestamps are enforced
// by clamping to the conversation's last activity.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConversation
}

type memConversation struct {
	conv   Conversation
	seq    int64
	dedupe map[string]string // client_msg_id -> message id
	msgs   []Message         // ordered by seq
}

// NewInMemoryStore constructs an in-memory ConversationStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memConversation),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateConversation creates a conversation after validating the
// two-participant invariant. Nothing is stored when validation fails.
func (s *InMemoryStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	participants, err := validateParticipants(in.ParticipantIDs)
	if err != nil {
		return Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = NewULID(now)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[id]; ok {
		return Conversation{}, ErrConversationExists
	}

	conv := Conversation{
		ID:             id,
		ParticipantIDs: participants,
		PostID:         strings.TrimSpace(in.PostID),
		LastActivityAt: now,
		Active:         true,
		CreatedAt:      now,
	}
	s.convs[id] = &memConversation{
		conv:   conv,
		dedupe: make(map[string]string),
		msgs:   make([]Message, 0, 64),
	}
	return conv, nil
}

// GetConversation returns a conversation by id.
func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return c.conv, nil
}

// ListConversationsForUser returns the user's active conversations ordered by
// last activity, most recent first.
func (s *InMemoryStore) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Conversation, 0, 8)
	for _, c := range s.convs {
		if c.conv.Active && c.conv.HasParticipant(userID) {
			out = append(out, c.conv)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

// ArchiveConversation flips the active flag; archived conversations reject sends.
func (s *InMemoryStore) ArchiveConversation(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return ErrConversationNotFound
	}
	c.conv.Active = false
	return nil
}

// AppendMessage persists a message with idempotency, monotonic sequence and
// timestamp allocation, and updates the conversation pointer in the same
// critical section.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if in.ConversationID == "" || in.ClientMsgID == "" || in.SenderID == "" {
		return AppendMessageResult{}, ErrInvalidInput
	}
	if err := validateBody(in.Kind, in.Text, in.ImageRef); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return AppendMessageResult{}, ErrConversationNotFound
	}
	if !c.conv.Active {
		return AppendMessageResult{}, ErrConversationNotActive
	}
	if !c.conv.HasParticipant(in.SenderID) {
		return AppendMessageResult{}, ErrNotAParticipant
	}

	if id, ok := c.dedupe[in.ClientMsgID]; ok {
		for i := range c.msgs {
			if c.msgs[i].ID == id {
				return AppendMessageResult{Message: c.msgs[i], Conversation: c.conv, Duplicated: true}, nil
			}
		}
		// Entry points at a message that no longer exists; append fresh.
	}

	// Clamp to preserve total order under clock skew between senders.
	if now.Before(c.conv.LastActivityAt) {
		now = c.conv.LastActivityAt
	}

	c.seq++
	msg := Message{
		ID:             NewULID(now),
		ConversationID: in.ConversationID,
		ClientMsgID:    in.ClientMsgID,
		Seq:            c.seq,
		SenderID:       in.SenderID,
		Kind:           in.Kind,
		Text:           in.Text,
		ImageRef:       in.ImageRef,
		CreatedAt:      now,
	}
	c.dedupe[in.ClientMsgID] = msg.ID
	c.msgs = append(c.msgs, msg)

	// Bound memory to avoid unbounded growth in dev. Dedupe entries for
	// trimmed messages go with them, or the map grows forever.
	if len(c.msgs) > memMaxMessagesPerConversation {
		cut := len(c.msgs) - memMaxMessagesPerConversation
		for i := range c.msgs[:cut] {
			delete(c.dedupe, c.msgs[i].ClientMsgID)
		}
		c.msgs = append(make([]Message, 0, memMaxMessagesPerConversation), c.msgs[cut:]...)
	}

	c.conv.LastMessageID = msg.ID
	c.conv.LastActivityAt = now

	return AppendMessageResult{Message: msg, Conversation: c.conv, Duplicated: false}, nil
}

// MarkMessageRead sets the read state. Only the non-sender participant may
// mark, and marking is idempotent.
func (s *InMemoryStore) MarkMessageRead(ctx context.Context, conversationID, messageID, readerID string, now time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, m, err := s.findLocked(conversationID, messageID)
	if err != nil {
		return Message{}, err
	}
	if !c.conv.HasParticipant(readerID) {
		return Message{}, ErrNotAParticipant
	}
	if m.SenderID == readerID {
		return Message{}, ErrNotRecipient
	}
	if !m.Read {
		m.Read = true
		t := now
		m.ReadAt = &t
	}
	return *m, nil
}

// EditMessage replaces a text message body. Sender only; deleted messages
// cannot be edited.
func (s *InMemoryStore) EditMessage(ctx context.Context, conversationID, messageID, requesterID, text string, now time.Time) (Message, error) {
	if text == "" {
		return Message{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, m, err := s.findLocked(conversationID, messageID)
	if err != nil {
		return Message{}, err
	}
	if m.SenderID != requesterID {
		return Message{}, ErrNotSender
	}
	if m.Deleted {
		return Message{}, ErrMessageDeleted
	}
	if m.Kind != KindText {
		return Message{}, ErrInvalidInput
	}
	m.Text = text
	m.Edited = true
	t := now
	m.EditedAt = &t
	return *m, nil
}

// SoftDeleteMessage marks a message deleted, keeping its id and order.
// Sender only; idempotent.
func (s *InMemoryStore) SoftDeleteMessage(ctx context.Context, conversationID, messageID, requesterID string, now time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, m, err := s.findLocked(conversationID, messageID)
	if err != nil {
		return Message{}, err
	}
	if m.SenderID != requesterID {
		return Message{}, ErrNotSender
	}
	if !m.Deleted {
		m.Deleted = true
		t := now
		m.DeletedAt = &t
	}
	return m.Redacted(), nil
}

// FetchHistory returns messages ordered by seq ASC with paging via after_seq.
// Deleted message bodies are redacted.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.ConversationID == "" {
		return FetchHistoryResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	c, ok := s.convs[in.ConversationID]
	var snap []Message
	if ok {
		snap = append([]Message(nil), c.msgs...)
	}
	s.mu.Unlock()

	if !ok {
		return FetchHistoryResult{}, ErrConversationNotFound
	}
	if len(snap) == 0 {
		return FetchHistoryResult{}, nil
	}

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
		if start >= len(snap) {
			return FetchHistoryResult{}, nil
		}
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	window := snap[start:end]

	hasMore := len(window) > limit
	if hasMore {
		window = window[:limit]
	}

	out := make([]Message, 0, len(window))
	for _, m := range window {
		out = append(out, m.Redacted())
	}
	return FetchHistoryResult{Messages: out, HasMore: hasMore}, nil
}

func (s *InMemoryStore) findLocked(conversationID, messageID string) (*memConversation, *Message, error) {
	c, ok := s.convs[conversationID]
	if !ok {
		return nil, nil, ErrConversationNotFound
	}
	for i := range c.msgs {
		if c.msgs[i].ID == messageID {
			return c, &c.msgs[i], nil
		}
	}
	return nil, nil, ErrMessageNotFound
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
