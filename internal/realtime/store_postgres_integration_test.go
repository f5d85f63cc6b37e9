package realtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when SOUK_DATABASE_URL is set.
// This keeps local "go test ./..." fast and deterministic without Postgres.

func TestPostgresStore_Append_Dedupe_NoSeqWaste(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	store := mustNewPGStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conv := mustCreatePGConversation(t, store, "user-a", "user-b")

	now := time.Now().UTC()
	clientMsgID := "cmsg-" + NewULID(now)

	first, err := store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID,
		ClientMsgID:    clientMsgID,
		SenderID:       "user-a",
		Kind:           KindText,
		Text:           "hello",
		Now:            now,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Duplicated {
		t.Fatalf("append first: expected Duplicated=false")
	}
	if first.Message.Seq != 1 {
		t.Fatalf("append first: expected seq=1 got=%d", first.Message.Seq)
	}
	if strings.TrimSpace(first.Message.ID) == "" {
		t.Fatalf("append first: expected non-empty message id")
	}

	second, err := store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID,
		ClientMsgID:    clientMsgID, // duplicate on purpose
		SenderID:       "user-a",
		Kind:           KindText,
		Text:           "hello",
		Now:            now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !second.Duplicated {
		t.Fatalf("append duplicate: expected Duplicated=true")
	}
	if second.Message.Seq != first.Message.Seq || second.Message.ID != first.Message.ID {
		t.Fatalf("append duplicate: mismatch: first=(%s,%d) second=(%s,%d)",
			first.Message.ID, first.Message.Seq, second.Message.ID, second.Message.Seq)
	}

	if cnt := mustCountMessages(t, pool, schema, conv.ID); cnt != 1 {
		t.Fatalf("expected 1 message row, got %d", cnt)
	}

	// The duplicate did not burn a seq.
	third, err := store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID,
		ClientMsgID:    "cmsg-" + NewULID(now.Add(2*time.Second)),
		SenderID:       "user-b",
		Kind:           KindText,
		Text:           "hi back",
		Now:            now.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("append third: %v", err)
	}
	if third.Message.Seq != 2 {
		t.Fatalf("expected seq=2 after dedupe, got %d", third.Message.Seq)
	}
}

func TestPostgresStore_Append_PointerAndClockClamp(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	store := mustNewPGStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conv := mustCreatePGConversation(t, store, "user-a", "user-b")

	base := time.Now().UTC().Truncate(time.Millisecond)
	first, err := store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID,
		ClientMsgID:    "c-1-" + NewULID(base),
		SenderID:       "user-a",
		Kind:           KindText,
		Text:           "first",
		Now:            base,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}

	// A sender with a slow clock must not produce an earlier timestamp.
	skewed, err := store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID,
		ClientMsgID:    "c-2-" + NewULID(base),
		SenderID:       "user-b",
		Kind:           KindText,
		Text:           "skewed",
		Now:            base.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("append skewed: %v", err)
	}
	if skewed.Message.CreatedAt.Before(first.Message.CreatedAt) {
		t.Fatalf("timestamp regressed: first=%v skewed=%v", first.Message.CreatedAt, skewed.Message.CreatedAt)
	}

	// The pointer row committed with the append.
	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.LastMessageID != skewed.Message.ID {
		t.Fatalf("stale last_message_id: got=%q want=%q", got.LastMessageID, skewed.Message.ID)
	}
	if got.LastActivityAt.Before(first.Message.CreatedAt) {
		t.Fatalf("stale last_activity_at: %v", got.LastActivityAt)
	}
}

func TestPostgresStore_ArchivedConversation_RejectsAppend(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	store := mustNewPGStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conv := mustCreatePGConversation(t, store, "user-a", "user-b")

	if err := store.ArchiveConversation(ctx, conv.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}

	_, err := store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID,
		ClientMsgID:    "c-" + NewULID(time.Now().UTC()),
		SenderID:       "user-a",
		Kind:           KindText,
		Text:           "too late",
		Now:            time.Now().UTC(),
	})
	if !errors.Is(err, ErrConversationNotActive) {
		t.Fatalf("expected ErrConversationNotActive, got %v", err)
	}
	if cnt := mustCountMessages(t, pool, schema, conv.ID); cnt != 0 {
		t.Fatalf("archived conversation persisted %d messages", cnt)
	}

	// Archived conversations also drop out of the user's listing.
	convs, err := store.ListConversationsForUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, c := range convs {
		if c.ID == conv.ID {
			t.Fatalf("archived conversation still listed")
		}
	}
}

func TestPostgresStore_ConcurrentAppend_StrictSeq_NoGaps(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	store := mustNewPGStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	conv := mustCreatePGConversation(t, store, "user-a", "user-b")

	const n = 32

	var wg sync.WaitGroup
	wg.Add(n)
	errCh := make(chan error, n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()

			sender := "user-a"
			if i%2 == 1 {
				sender = "user-b"
			}
			_, err := store.AppendMessage(ctx, AppendMessageInput{
				ConversationID: conv.ID,
				ClientMsgID:    fmt.Sprintf("c-%d-%s", i, NewULID(time.Now().UTC())),
				SenderID:       sender,
				Kind:           KindText,
				Text:           fmt.Sprintf("m%d", i),
				Now:            time.Now().UTC(),
			})
			if err != nil {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent append: %v", err)
	}

	out, err := store.FetchHistory(ctx, FetchHistoryInput{
		ConversationID: conv.ID,
		Limit:          200,
	})
	if err != nil {
		t.Fatalf("fetch history: %v", err)
	}
	if len(out.Messages) != n || out.HasMore {
		t.Fatalf("expected %d messages hasMore=false, got %d/%v", n, len(out.Messages), out.HasMore)
	}

	// Strict: seqs must be exactly 1..n in returned order.
	for i, m := range out.Messages {
		if m.Seq != int64(i+1) {
			t.Fatalf("seq gap at index %d: got=%d want=%d", i, m.Seq, i+1)
		}
	}
}

// ---- test helpers ----

func mustNewPGStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustCreatePGConversation(t *testing.T, store *PostgresStore, userA, userB string) Conversation {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conv, err := store.CreateConversation(ctx, CreateConversationInput{
		ParticipantIDs: []string{userA, userB},
		Now:            time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("SOUK_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: SOUK_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse SOUK_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "souk_it_" + strings.ToLower(NewULID(time.Now().UTC()))

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		_, _ = pool.Exec(dropCtx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	conversations := pgIdent(schema, "conversations")
	cursors := pgIdent(schema, "conversation_cursors")
	messages := pgIdent(schema, "messages")

	// Minimal schema required by PostgresStore. Must remain semantically
	// aligned with the production migrations.
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id               TEXT PRIMARY KEY,
  participant_a    TEXT NOT NULL,
  participant_b    TEXT NOT NULL,
  post_id          TEXT,
  last_message_id  TEXT,
  last_activity_at TIMESTAMPTZ NOT NULL,
  active           BOOLEAN NOT NULL DEFAULT TRUE,
  created_at       TIMESTAMPTZ NOT NULL,

  CONSTRAINT chk_conversations_two_parties CHECK (participant_a <> participant_b)
);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT PRIMARY KEY REFERENCES %s(id) ON DELETE CASCADE,
  next_seq        BIGINT NOT NULL DEFAULT 1,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  client_msg_id   TEXT NOT NULL,
  seq             BIGINT NOT NULL,
  sender_id       TEXT NOT NULL,
  kind            TEXT NOT NULL CHECK (kind IN ('text', 'image', 'system')),
  text            TEXT NOT NULL DEFAULT '',
  image_ref       TEXT,
  created_at      TIMESTAMPTZ NOT NULL,
  read            BOOLEAN NOT NULL DEFAULT FALSE,
  read_at         TIMESTAMPTZ,
  edited          BOOLEAN NOT NULL DEFAULT FALSE,
  edited_at       TIMESTAMPTZ,
  deleted         BOOLEAN NOT NULL DEFAULT FALSE,
  deleted_at      TIMESTAMPTZ,

  CONSTRAINT uq_messages_conversation_seq UNIQUE (conversation_id, seq),
  CONSTRAINT uq_messages_conversation_client_msg UNIQUE (conversation_id, client_msg_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
  ON %s (conversation_id, seq ASC);
`, conversations, cursors, conversations, messages, conversations, messages)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return schema
}

func mustCountMessages(t *testing.T, pool *pgxpool.Pool, schema, conversationID string) int {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cnt int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(schema, "messages")+` WHERE conversation_id = $1`,
		conversationID,
	).Scan(&cnt); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return cnt
}
