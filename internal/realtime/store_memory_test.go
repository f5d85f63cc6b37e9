package realtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestConversation(t *testing.T, s ConversationStore, id, userA, userB string) Conversation {
	t.Helper()
	conv, err := s.CreateConversation(context.Background(), CreateConversationInput{
		ID:             id,
		ParticipantIDs: []string{userA, userB},
		Now:            time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return conv
}

func TestInMemoryStore_CreateConversation_ParticipantInvariant(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	cases := []struct {
		name         string
		participants []string
	}{
		{"none", nil},
		{"one", []string{"user-a"}},
		{"three", []string{"user-a", "user-b", "user-c"}},
		{"duplicate", []string{"user-a", "user-a"}},
		{"empty_id", []string{"user-a", ""}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreateConversation(ctx, CreateConversationInput{
				ParticipantIDs: tc.participants,
			})
			if !errors.Is(err, ErrParticipantCount) {
				t.Fatalf("expected ErrParticipantCount, got %v", err)
			}
		})
	}

	// Nothing was persisted by the rejected creates.
	if convs, err := s.ListConversationsForUser(ctx, "user-a"); err != nil || len(convs) != 0 {
		t.Fatalf("expected no conversations after rejected creates, got %d (err=%v)", len(convs), err)
	}
}

func TestInMemoryStore_CreateConversation_DuplicateID(t *testing.T) {
	s := NewInMemoryStore()
	newTestConversation(t, s, "conv-dup", "user-a", "user-b")

	_, err := s.CreateConversation(context.Background(), CreateConversationInput{
		ID:             "conv-dup",
		ParticipantIDs: []string{"user-a", "user-b"},
	})
	if !errors.Is(err, ErrConversationExists) {
		t.Fatalf("expected ErrConversationExists, got %v", err)
	}
}

func TestInMemoryStore_AppendMessage_SeqAndPointer(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	newTestConversation(t, s, "conv-1", "user-a", "user-b")

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	first, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: "conv-1",
		ClientMsgID:    "c-1",
		SenderID:       "user-a",
		Kind:           KindText,
		Text:           "first",
		Now:            base,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	second, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: "conv-1",
		ClientMsgID:    "c-2",
		SenderID:       "user-b",
		Kind:           KindText,
		Text:           "second",
		Now:            base.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}

	if first.Message.Seq != 1 || second.Message.Seq != 2 {
		t.Fatalf("expected seq 1,2, got %d,%d", first.Message.Seq, second.Message.Seq)
	}

	conv, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.LastMessageID != second.Message.ID {
		t.Fatalf("pointer not updated: want %q, got %q", second.Message.ID, conv.LastMessageID)
	}
	if !conv.LastActivityAt.Equal(second.Message.CreatedAt) {
		t.Fatalf("last activity not updated: want %v, got %v", second.Message.CreatedAt, conv.LastActivityAt)
	}
}

func TestInMemoryStore_AppendMessage_ClampsTimestampUnderClockSkew(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	newTestConversation(t, s, "conv-skew", "user-a", "user-b")

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	first, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: "conv-skew",
		ClientMsgID:    "c-1",
		SenderID:       "user-a",
		Kind:           KindText,
		Text:           "future clock",
		Now:            base.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}

	// Second sender's clock runs behind the first one's.
	second, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: "conv-skew",
		ClientMsgID:    "c-2",
		SenderID:       "user-b",
		Kind:           KindText,
		Text:           "past clock",
		Now:            base,
	})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}

	if second.Message.CreatedAt.Before(first.Message.CreatedAt) {
		t.Fatalf("timestamp order violated: %v before %v", second.Message.CreatedAt, first.Message.CreatedAt)
	}
	if second.Message.Seq <= first.Message.Seq {
		t.Fatalf("seq order violated: %d <= %d", second.Message.Seq, first.Message.Seq)
	}
}

func TestInMemoryStore_AppendMessage_IdempotentPerClientMsgID(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	newTestConversation(t, s, "conv-idem", "user-a", "user-b")

	in := AppendMessageInput{
		ConversationID: "conv-idem",
		ClientMsgID:    "retry-1",
		SenderID:       "user-a",
		Kind:           KindText,
		Text:           "once",
	}

	first, err := s.AppendMessage(ctx, in)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	retry, err := s.AppendMessage(ctx, in)
	if err != nil {
		t.Fatalf("retry append: %v", err)
	}

	if !retry.Duplicated {
		t.Fatalf("expected retry to be flagged as duplicate")
	}
	if retry.Message.ID != first.Message.ID || retry.Message.Seq != first.Message.Seq {
		t.Fatalf("retry returned a different message: %+v vs %+v", retry.Message, first.Message)
	}

	out, err := s.FetchHistory(ctx, FetchHistoryInput{ConversationID: "conv-idem"})
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(out.Messages) != 1 {
		t.Fatalf("expected exactly one stored message, got %d", len(out.Messages))
	}
}

func TestInMemoryStore_AppendMessage_Authorization(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	newTestConversation(t, s, "conv-authz", "user-a", "user-b")

	_, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: "conv-authz",
		ClientMsgID:    "c-1",
		SenderID:       "user-c",
		Kind:           KindText,
		Text:           "should not land",
	})
	if !errors.Is(err, ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}

	// The rejected append left no trace.
	conv, err := s.GetConversation(ctx, "conv-authz")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.LastMessageID != "" {
		t.Fatalf("expected untouched pointer, got %q", conv.LastMessageID)
	}
}

func TestInMemoryStore_AppendMessage_ArchivedConversationRejected(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	newTestConversation(t, s, "conv-arch", "user-a", "user-b")

	if err := s.ArchiveConversation(ctx, "conv-arch"); err != nil {
		t.Fatalf("ArchiveConversation: %v", err)
	}

	_, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: "conv-arch",
		ClientMsgID:    "c-1",
		SenderID:       "user-a",
		Kind:           KindText,
		Text:           "too late",
	})
	if !errors.Is(err, ErrConversationNotActive) {
		t.Fatalf("expected ErrConversationNotActive, got %v", err)
	}
}

func TestInMemoryStore_MarkMessageRead_RecipientOnlyAndIdempotent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	newTestConversation(t, s, "conv-read", "user-a", "user-b")

	res, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: "conv-read",
		ClientMsgID:    "c-1",
		SenderID:       "user-a",
		Kind:           KindText,
		Text:           "read me",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	now := time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC)

	// Sender cannot mark its own message read.
	if _, err := s.MarkMessageRead(ctx, "conv-read", res.Message.ID, "user-a", now); !errors.Is(err, ErrNotRecipient) {
		t.Fatalf("expected ErrNotRecipient for sender, got %v", err)
	}
	// Outsiders are rejected before the recipient check.
	if _, err := s.MarkMessageRead(ctx, "conv-read", res.Message.ID, "user-c", now); !errors.Is(err, ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant for outsider, got %v", err)
	}

	read, err := s.MarkMessageRead(ctx, "conv-read", res.Message.ID, "user-b", now)
	if err != nil {
		t.Fatalf("MarkMessageRead: %v", err)
	}
	if !read.Read || read.ReadAt == nil || !read.ReadAt.Equal(now) {
		t.Fatalf("expected read at %v, got %+v", now, read)
	}

	// A second mark keeps the original read timestamp.
	again, err := s.MarkMessageRead(ctx, "conv-read", res.Message.ID, "user-b", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second MarkMessageRead: %v", err)
	}
	if !again.ReadAt.Equal(now) {
		t.Fatalf("idempotency violated: read_at moved to %v", again.ReadAt)
	}
}

func TestInMemoryStore_EditMessage_SenderOnly(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	newTestConversation(t, s, "conv-edit", "user-a", "user-b")

	res, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: "conv-edit",
		ClientMsgID:    "c-1",
		SenderID:       "user-a",
		Kind:           KindText,
		Text:           "tpyo",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	now := time.Now().UTC()

	if _, err := s.EditMessage(ctx, "conv-edit", res.Message.ID, "user-b", "hijack", now); !errors.Is(err, ErrNotSender) {
		t.Fatalf("expected ErrNotSender, got %v", err)
	}

	edited, err := s.EditMessage(ctx, "conv-edit", res.Message.ID, "user-a", "typo", now)
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if edited.Text != "typo" || !edited.Edited || edited.EditedAt == nil {
		t.Fatalf("edit not applied: %+v", edited)
	}
}

func TestInMemoryStore_SoftDelete_RedactsAndBlocksEdit(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	newTestConversation(t, s, "conv-del", "user-a", "user-b")

	res, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: "conv-del",
		ClientMsgID:    "c-1",
		SenderID:       "user-a",
		Kind:           KindText,
		Text:           "secret",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	now := time.Now().UTC()

	if _, err := s.SoftDeleteMessage(ctx, "conv-del", res.Message.ID, "user-b", now); !errors.Is(err, ErrNotSender) {
		t.Fatalf("expected ErrNotSender, got %v", err)
	}

	deleted, err := s.SoftDeleteMessage(ctx, "conv-del", res.Message.ID, "user-a", now)
	if err != nil {
		t.Fatalf("SoftDeleteMessage: %v", err)
	}
	if !deleted.Deleted || deleted.Text != "" {
		t.Fatalf("expected redacted deleted message, got %+v", deleted)
	}

	// Deleting again is a no-op, editing afterwards is rejected.
	if _, err := s.SoftDeleteMessage(ctx, "conv-del", res.Message.ID, "user-a", now.Add(time.Minute)); err != nil {
		t.Fatalf("repeat delete should be idempotent, got %v", err)
	}
	if _, err := s.EditMessage(ctx, "conv-del", res.Message.ID, "user-a", "resurrect", now); !errors.Is(err, ErrMessageDeleted) {
		t.Fatalf("expected ErrMessageDeleted, got %v", err)
	}

	// History returns the tombstone in place, body redacted.
	out, err := s.FetchHistory(ctx, FetchHistoryInput{ConversationID: "conv-del"})
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(out.Messages) != 1 || !out.Messages[0].Deleted || out.Messages[0].Text != "" {
		t.Fatalf("expected one redacted tombstone, got %+v", out.Messages)
	}
}

func TestInMemoryStore_FetchHistory_Paging(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	newTestConversation(t, s, "conv-page", "user-a", "user-b")

	for i := 0; i < 5; i++ {
		sender := "user-a"
		if i%2 == 1 {
			sender = "user-b"
		}
		if _, err := s.AppendMessage(ctx, AppendMessageInput{
			ConversationID: "conv-page",
			ClientMsgID:    NewULID(time.Now()),
			SenderID:       sender,
			Kind:           KindText,
			Text:           "msg",
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	first, err := s.FetchHistory(ctx, FetchHistoryInput{ConversationID: "conv-page", Limit: 2})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Messages) != 2 || !first.HasMore {
		t.Fatalf("expected 2 messages with has_more, got %d has_more=%v", len(first.Messages), first.HasMore)
	}
	if first.Messages[0].Seq != 1 || first.Messages[1].Seq != 2 {
		t.Fatalf("expected seq 1,2, got %d,%d", first.Messages[0].Seq, first.Messages[1].Seq)
	}

	after := first.Messages[len(first.Messages)-1].Seq
	second, err := s.FetchHistory(ctx, FetchHistoryInput{ConversationID: "conv-page", AfterSeq: &after, Limit: 10})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.Messages) != 3 || second.HasMore {
		t.Fatalf("expected final 3 messages, got %d has_more=%v", len(second.Messages), second.HasMore)
	}
	if second.Messages[0].Seq != 3 {
		t.Fatalf("expected paging to resume at seq 3, got %d", second.Messages[0].Seq)
	}
}

func TestInMemoryStore_ListConversationsForUser_OrderedByActivity(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	newTestConversation(t, s, "conv-old", "user-a", "user-b")
	newTestConversation(t, s, "conv-new", "user-a", "user-c")

	if _, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: "conv-new",
		ClientMsgID:    "c-1",
		SenderID:       "user-c",
		Kind:           KindText,
		Text:           "bump",
		Now:            time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	convs, err := s.ListConversationsForUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("ListConversationsForUser: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].ID != "conv-new" {
		t.Fatalf("expected most recently active first, got %q", convs[0].ID)
	}

	// Archived conversations drop out of the listing.
	if err := s.ArchiveConversation(ctx, "conv-new"); err != nil {
		t.Fatalf("ArchiveConversation: %v", err)
	}
	convs, err = s.ListConversationsForUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("list after archive: %v", err)
	}
	if len(convs) != 1 || convs[0].ID != "conv-old" {
		t.Fatalf("expected only conv-old after archive, got %+v", convs)
	}
}

func TestInMemoryStore_RetentionTrim_PrunesDedupe(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	newTestConversation(t, s, "conv-trim", "user-a", "user-b")

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	const extra = 3

	for i := 0; i < memMaxMessagesPerConversation+extra; i++ {
		if _, err := s.AppendMessage(ctx, AppendMessageInput{
			ConversationID: "conv-trim",
			ClientMsgID:    fmt.Sprintf("c-%d", i),
			SenderID:       "user-a",
			Kind:           KindText,
			Text:           "m",
			Now:            base.Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	s.mu.Lock()
	c := s.convs["conv-trim"]
	nMsgs, nDedupe := len(c.msgs), len(c.dedupe)
	s.mu.Unlock()

	if nMsgs != memMaxMessagesPerConversation {
		t.Fatalf("expected %d retained messages, got %d", memMaxMessagesPerConversation, nMsgs)
	}
	if nDedupe != memMaxMessagesPerConversation {
		t.Fatalf("dedupe map not pruned with trimmed messages: %d entries", nDedupe)
	}

	// A trimmed client_msg_id is no longer a duplicate; it appends fresh
	// with a new seq.
	res, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: "conv-trim",
		ClientMsgID:    "c-0",
		SenderID:       "user-a",
		Kind:           KindText,
		Text:           "m again",
		Now:            base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("append trimmed id: %v", err)
	}
	if res.Duplicated {
		t.Fatalf("trimmed client_msg_id must not dedupe")
	}
	if res.Message.Seq != int64(memMaxMessagesPerConversation+extra+1) {
		t.Fatalf("expected fresh seq, got %d", res.Message.Seq)
	}
}
