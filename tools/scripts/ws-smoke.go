// Package main provides a CI-friendly WebSocket smoke test for the souk chat
// server.
//
// It runs two clients against a dev server and validates:
//   - handshake + subprotocol selection with a bearer token
//   - join echo with the conversation summary
//   - send -> canonical new_message on both sides
//   - typing fan-out excluding the typist
//   - read receipt fan-out
//   - history fetch
//   - idempotent dedupe by client_msg_id
//
// The dev server must be started with matching seeds, e.g.:
//
//	SOUK_AUTH_JWT_SECRET=<secret> \
//	SOUK_DEV_USERS="user-a:Amira,user-b:Bassem" \
//	SOUK_DEV_CONVERSATIONS="dev-conv-1:user-a:user-b" \
//	go run ./cmd/souk
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "souk/contracts/chat/v1"
	"souk/internal/identity"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "souk.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		secret  = flag.String("secret", "", "HS256 secret shared with the server (>= 32 bytes)")
		userA   = flag.String("user-a", "user-a", "First participant user id")
		userB   = flag.String("user-b", "user-b", "Second participant user id")
		convID  = flag.String("conv", "dev-conv-1", "Conversation ID to join (both users must be participants)")
		text    = flag.String("text", "hello souk 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if len(*secret) < 32 {
		fatalf("-secret must be at least 32 bytes")
	}

	tokens, err := identity.NewJWTVerifier([]byte(*secret))
	if err != nil {
		fatalf("token verifier: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, *wsURL, *origin, tokens, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *wsURL, *origin, tokens, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	mustJoin(root, a, *convID, *timeout)
	mustJoin(root, b, *convID, *timeout)

	mustTypingFanout(root, a, b, *convID, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())

	msgID, seq := mustSendAndAssertFanout(root, a, b, *convID, clientMsgID, *text, *timeout)

	mustMarkReadAndAssertReceipt(root, a, b, *convID, msgID, *timeout)

	mustHistoryFetchContains(root, b, *convID, nil, 50, clientMsgID, msgID, seq, a.userID, *text, *timeout)

	after := seq
	mustHistoryFetchEmpty(root, b, *convID, &after, 50, *timeout)

	// Retry with the same client_msg_id: same message back to the sender,
	// no second fan-out to the peer.
	msgID2, seq2 := mustSendAndAssertAckOnly(root, a, *convID, clientMsgID, *text, *timeout)
	if seq2 != seq || msgID2 != msgID {
		fatalf("dedupe mismatch: first=(%s,%d) second=(%s,%d)", msgID, seq, msgID2, seq2)
	}
	mustAssertNoType(root, b, v1.TypeNewMessage, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s conv_id=%s seq=%d message_id=%s\n", a.userID, b.userID, *convID, seq, msgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin string, tokens *identity.JWTVerifier, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	token, err := tokens.Issue(userID, time.Now().UTC(), time.Hour)
	if err != nil {
		fatalf("issue token for %s: %v", userID, err)
	}

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeJoinRoom,
		ID:   fmt.Sprintf("%s-join", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.JoinRoomPayload{
			ConversationID: convID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeRoomJoined, stepTimeout, presenceSkips())

	var p v1.RoomJoinedPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join echo payload (%s): %v", c.name, err)
	}
	if p.Conversation.ID != convID {
		fatalf("join echo conv_id mismatch (%s): got=%q want=%q", c.name, p.Conversation.ID, convID)
	}
	if len(p.Conversation.ParticipantIDs) != 2 {
		fatalf("join echo participant count (%s): got=%d want=2", c.name, len(p.Conversation.ParticipantIDs))
	}
}

func mustTypingFanout(parent context.Context, typist, peer *smokeClient, convID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeTypingStart,
		ID:   fmt.Sprintf("%s-typing", typist.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.TypingPayload{
			ConversationID: convID,
		}),
	}
	mustWriteWithTimeout(parent, typist.conn, env, stepTimeout)

	got := peer.mustReadUntilType(parent, v1.TypeUserTyping, stepTimeout, presenceSkips())

	var p v1.UserTypingPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal typing payload (%s): %v", peer.name, err)
	}
	if p.UserID != typist.userID || !p.IsTyping {
		fatalf("typing fanout mismatch (%s): got=%+v", peer.name, p)
	}

	mustAssertNoType(parent, typist, v1.TypeUserTyping, 750*time.Millisecond)
}

func mustSendAndAssertFanout(parent context.Context, sender, peer *smokeClient, convID, clientMsgID, text string, stepTimeout time.Duration) (msgID string, seq int64) {
	msgID, seq = mustSendAndAssertAckOnly(parent, sender, convID, clientMsgID, text, stepTimeout)

	got := peer.mustReadUntilType(parent, v1.TypeNewMessage, stepTimeout, presenceSkips())

	var p v1.NewMessagePayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal new_message payload (%s): %v", peer.name, err)
	}
	if p.Message.ConversationID != convID ||
		p.Message.ClientMsgID != clientMsgID ||
		p.Message.MessageID != msgID ||
		p.Message.Seq != seq ||
		p.Message.SenderID != sender.userID ||
		p.Message.Text != text ||
		p.Message.CreatedAt.IsZero() {
		fatalf("new_message fanout mismatch (%s): %+v", peer.name, p.Message)
	}
	if p.Conversation.LastMessageID != msgID {
		fatalf("new_message stale pointer (%s): %+v", peer.name, p.Conversation)
	}
	return msgID, seq
}

// mustSendAndAssertAckOnly sends and consumes only the sender's own canonical copy.
func mustSendAndAssertAckOnly(parent context.Context, sender *smokeClient, convID, clientMsgID, text string, stepTimeout time.Duration) (msgID string, seq int64) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeSendMessage,
		ID:   fmt.Sprintf("%s-send-%s", sender.name, clientMsgID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.SendMessagePayload{
			ConversationID: convID,
			ClientMsgID:    clientMsgID,
			Kind:           v1.KindText,
			Text:           text,
		}),
	}
	mustWriteWithTimeout(parent, sender.conn, env, stepTimeout)

	got := sender.mustReadUntilType(parent, v1.TypeNewMessage, stepTimeout, presenceSkips())

	var p v1.NewMessagePayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal new_message payload (%s): %v", sender.name, err)
	}
	if p.Message.ConversationID != convID {
		fatalf("canonical copy conv_id mismatch (%s): got=%q want=%q", sender.name, p.Message.ConversationID, convID)
	}
	if p.Message.ClientMsgID != clientMsgID {
		fatalf("canonical copy client_msg_id mismatch (%s): got=%q want=%q", sender.name, p.Message.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.Message.MessageID) == "" {
		fatalf("canonical copy missing message_id (%s)", sender.name)
	}
	if p.Message.Seq <= 0 {
		fatalf("canonical copy invalid seq (%s): %d", sender.name, p.Message.Seq)
	}
	return p.Message.MessageID, p.Message.Seq
}

func mustMarkReadAndAssertReceipt(parent context.Context, sender, reader *smokeClient, convID, msgID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMarkRead,
		ID:   fmt.Sprintf("%s-read-%s", reader.name, msgID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MarkReadPayload{
			ConversationID: convID,
			MessageID:      msgID,
		}),
	}
	mustWriteWithTimeout(parent, reader.conn, env, stepTimeout)

	// The receipt is fanned out room-wide; both participants see it.
	for _, c := range []*smokeClient{sender, reader} {
		got := c.mustReadUntilType(parent, v1.TypeMessageRead, stepTimeout, presenceSkips())

		var p v1.MessageReadPayload
		if err := json.Unmarshal(got.Payload, &p); err != nil {
			fatalf("unmarshal message_read payload (%s): %v", c.name, err)
		}
		if p.MessageID != msgID || p.ReaderID != reader.userID || p.ReadAt.IsZero() {
			fatalf("read receipt mismatch (%s): %+v", c.name, p)
		}
	}
}

func mustHistoryFetchContains(
	parent context.Context,
	c *smokeClient,
	convID string,
	afterSeq *int64,
	limit int,
	clientMsgID, msgID string,
	seq int64,
	senderID, text string,
	stepTimeout time.Duration,
) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeHistoryFetch,
		ID:   fmt.Sprintf("%s-history-fetch", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.HistoryFetchPayload{
			ConversationID: convID,
			AfterSeq:       afterSeq,
			Limit:          limit,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout, presenceSkips())

	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history_chunk payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("history_chunk conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}

	found := false
	for _, m := range p.Messages {
		if m.ConversationID == convID &&
			m.ClientMsgID == clientMsgID &&
			m.MessageID == msgID &&
			m.Seq == seq &&
			m.SenderID == senderID &&
			m.Text == text &&
			!m.CreatedAt.IsZero() {
			found = true
			break
		}
	}
	if !found {
		fatalf("history_chunk missing expected message (%s)", c.name)
	}
}

func mustHistoryFetchEmpty(parent context.Context, c *smokeClient, convID string, afterSeq *int64, limit int, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeHistoryFetch,
		ID:   fmt.Sprintf("%s-history-fetch-empty", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.HistoryFetchPayload{
			ConversationID: convID,
			AfterSeq:       afterSeq,
			Limit:          limit,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout, presenceSkips())

	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history_chunk payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("history_chunk conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if len(p.Messages) != 0 {
		fatalf("expected empty history chunk (%s), got=%d", c.name, len(p.Messages))
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

// presenceSkips lists envelope types that may interleave with any step.
func presenceSkips() map[string]struct{} {
	return map[string]struct{}{
		v1.TypeUserOnline:  {},
		v1.TypeUserOffline: {},
		v1.TypeUserTyping:  {},
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
