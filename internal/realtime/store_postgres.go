package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a ConversationStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Per-conversation transactional advisory locks serialize all writes to a
//   conversation, which guarantees:
//   - strictly monotonic seq with no gaps wasted on duplicates
//   - message timestamps never earlier than the conversation's last activity
//   - the append and the last-message pointer update commit as one unit
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "souk").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed ConversationStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "souk",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const conversationColumns = `id, participant_a, participant_b, COALESCE(post_id, ''), COALESCE(last_message_id, ''), last_activity_at, active, created_at`

const messageColumns = `id, conversation_id, client_msg_id, seq, sender_id, kind, text, COALESCE(image_ref, ''), created_at, read, read_at, edited, edited_at, deleted, deleted_at`

// CreateConversation validates the two-participant invariant client-side and
// inserts the conversation row. Nothing touches the database on validation
// failure.
func (s *PostgresStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("realtime: nil store")
	}
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

	conversations := pgIdent(s.schema, "conversations")

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+conversations+` (id, participant_a, participant_b, post_id, last_activity_at, active, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, TRUE, $5)
		 ON CONFLICT (id) DO NOTHING`,
		id, participants[0], participants[1], strings.TrimSpace(in.PostID), now,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Conversation{}, ErrConversationExists
	}

	return Conversation{
		ID:             id,
		ParticipantIDs: participants,
		PostID:         strings.TrimSpace(in.PostID),
		LastActivityAt: now,
		Active:         true,
		CreatedAt:      now,
	}, nil
}

// GetConversation returns a conversation by id.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("realtime: nil store")
	}
	if id == "" {
		return Conversation{}, ErrConversationNotFound
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	conversations := pgIdent(s.schema, "conversations")

	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+conversations+` WHERE id = $1`, id)
	return scanConversation(row)
}

// ListConversationsForUser returns the user's active conversations ordered by
// last activity desc.
func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if userID == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := pgIdent(s.schema, "conversations")

	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+`
		   FROM `+conversations+`
		  WHERE active AND (participant_a = $1 OR participant_b = $1)
		  ORDER BY last_activity_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ArchiveConversation flips the active flag.
func (s *PostgresStore) ArchiveConversation(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conversations := pgIdent(s.schema, "conversations")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+conversations+` SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// AppendMessage appends a message and updates the conversation's last-message
// pointer and activity timestamp inside one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if s == nil || s.pool == nil {
		return AppendMessageResult{}, errors.New("realtime: nil store")
	}
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	cursors := pgIdent(s.schema, "conversation_cursors")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per conversation: no seq waste for duplicates and
	// strict monotonic ordering without races.
	// hashtextextended reduces collision risk vs hashtext.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	conv, err := scanConversation(tx.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+conversations+` WHERE id = $1`, in.ConversationID))
	if err != nil {
		return AppendMessageResult{}, err
	}
	if !conv.Active {
		return AppendMessageResult{}, ErrConversationNotActive
	}
	if !conv.HasParticipant(in.SenderID) {
		return AppendMessageResult{}, ErrNotAParticipant
	}

	existing, err := readMessageByClientMsgID(ctx, tx, messages, in.ConversationID, in.ClientMsgID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendMessageResult{}, err
		}
		return AppendMessageResult{Message: existing, Conversation: conv, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, err
	}

	// Clamp to preserve total order under clock skew between senders.
	if now.Before(conv.LastActivityAt) {
		now = conv.LastActivityAt
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return AppendMessageResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		in.ConversationID,
	).Scan(&seq); err != nil {
		return AppendMessageResult{}, err
	}

	msgID := NewULID(now)

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, client_msg_id, seq, sender_id, kind, text, image_ref, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)`,
		msgID, in.ConversationID, in.ClientMsgID, seq, in.SenderID, in.Kind, in.Text, in.ImageRef, now,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	// Pointer update commits with the append; a failure here rolls back the
	// whole unit and the caller reports persistence_failure.
	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_message_id = $2,
		        last_activity_at = $3
		  WHERE id = $1`,
		in.ConversationID, msgID, now,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("update pointer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}

	conv.LastMessageID = msgID
	conv.LastActivityAt = now

	return AppendMessageResult{
		Message: Message{
			ID:             msgID,
			ConversationID: in.ConversationID,
			ClientMsgID:    in.ClientMsgID,
			Seq:            seq,
			SenderID:       in.SenderID,
			Kind:           in.Kind,
			Text:           in.Text,
			ImageRef:       in.ImageRef,
			CreatedAt:      now,
		},
		Conversation: conv,
	}, nil
}

// MarkMessageRead sets the read state; recipient only, idempotent.
func (s *PostgresStore) MarkMessageRead(ctx context.Context, conversationID, messageID, readerID string, now time.Time) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return Message{}, err
	}
	if !conv.HasParticipant(readerID) {
		return Message{}, ErrNotAParticipant
	}

	messages := pgIdent(s.schema, "messages")

	msg, err := s.getMessage(ctx, conversationID, messageID)
	if err != nil {
		return Message{}, err
	}
	if msg.SenderID == readerID {
		return Message{}, ErrNotRecipient
	}
	if msg.Read {
		return msg, nil
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET read = TRUE, read_at = $3
		  WHERE conversation_id = $1 AND id = $2
		RETURNING `+messageColumns,
		conversationID, messageID, now,
	)
	return scanMessage(row)
}

// EditMessage replaces a text body; sender only, deleted messages rejected.
func (s *PostgresStore) EditMessage(ctx context.Context, conversationID, messageID, requesterID, text string, now time.Time) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("realtime: nil store")
	}
	if text == "" {
		return Message{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	msg, err := s.getMessage(ctx, conversationID, messageID)
	if err != nil {
		return Message{}, err
	}
	if msg.SenderID != requesterID {
		return Message{}, ErrNotSender
	}
	if msg.Deleted {
		return Message{}, ErrMessageDeleted
	}
	if msg.Kind != KindText {
		return Message{}, ErrInvalidInput
	}

	messages := pgIdent(s.schema, "messages")

	row := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET text = $3, edited = TRUE, edited_at = $4
		  WHERE conversation_id = $1 AND id = $2
		RETURNING `+messageColumns,
		conversationID, messageID, text, now,
	)
	return scanMessage(row)
}

// SoftDeleteMessage marks a message deleted; sender only, idempotent.
func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, conversationID, messageID, requesterID string, now time.Time) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	msg, err := s.getMessage(ctx, conversationID, messageID)
	if err != nil {
		return Message{}, err
	}
	if msg.SenderID != requesterID {
		return Message{}, ErrNotSender
	}
	if msg.Deleted {
		return msg.Redacted(), nil
	}

	messages := pgIdent(s.schema, "messages")

	row := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET deleted = TRUE, deleted_at = $3
		  WHERE conversation_id = $1 AND id = $2
		RETURNING `+messageColumns,
		conversationID, messageID, now,
	)
	out, err := scanMessage(row)
	if err != nil {
		return Message{}, err
	}
	return out.Redacted(), nil
}

// FetchHistory returns messages ordered by seq ASC, with optional paging by
// AfterSeq. Deleted bodies are redacted.
func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if s == nil || s.pool == nil {
		return FetchHistoryResult{}, errors.New("realtime: nil store")
	}
	if in.ConversationID == "" {
		return FetchHistoryResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)

	if in.AfterSeq == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE conversation_id = $1
			  ORDER BY seq ASC
			  LIMIT $2`,
			in.ConversationID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE conversation_id = $1 AND seq > $2
			  ORDER BY seq ASC
			  LIMIT $3`,
			in.ConversationID, *in.AfterSeq, fetch,
		)
	}
	if err != nil {
		return FetchHistoryResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return FetchHistoryResult{}, err
		}
		msgs = append(msgs, m.Redacted())
	}
	if err := rows.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// ---- scanning helpers ----

func (s *PostgresStore) getMessage(ctx context.Context, conversationID, messageID string) (Message, error) {
	messages := pgIdent(s.schema, "messages")
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE conversation_id = $1 AND id = $2`,
		conversationID, messageID,
	)
	return scanMessage(row)
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ID,
		&c.ParticipantIDs[0],
		&c.ParticipantIDs[1],
		&c.PostID,
		&c.LastMessageID,
		&c.LastActivityAt,
		&c.Active,
		&c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.ClientMsgID,
		&m.Seq,
		&m.SenderID,
		&m.Kind,
		&m.Text,
		&m.ImageRef,
		&m.CreatedAt,
		&m.Read,
		&m.ReadAt,
		&m.Edited,
		&m.EditedAt,
		&m.Deleted,
		&m.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable, conversationID, clientMsgID string) (Message, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messagesTable+`
		  WHERE conversation_id = $1 AND client_msg_id = $2`,
		conversationID, clientMsgID,
	)
	var m Message
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.ClientMsgID,
		&m.Seq,
		&m.SenderID,
		&m.Kind,
		&m.Text,
		&m.ImageRef,
		&m.CreatedAt,
		&m.Read,
		&m.ReadAt,
		&m.Edited,
		&m.EditedAt,
		&m.Deleted,
		&m.DeletedAt,
	)
	return m, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
