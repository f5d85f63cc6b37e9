// Package realtime contains Souk's realtime conversation subsystem: the
// WebSocket gateway, connection registry, room membership, message dispatch
// and presence fan-out.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "souk/contracts/chat/v1"
	"souk/internal/identity"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "souk.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the public-facing realtime entrypoint.
//
// It authenticates the handshake against the external identity verifier,
// registers sessions in the connection Registry, enforces origin policy,
// rate limits, heartbeats, and routes validated envelopes to the dispatch
// and presence handlers. Handlers never hold a Registry or RoomSet lock
// while awaiting the ConversationStore.
type Gateway struct {
	log      *slog.Logger
	verifier identity.Verifier
	store    ConversationStore
	registry *Registry
	rooms    *RoomSet
	metrics  *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	storeTimeout time.Duration

	// lifetime is the gateway's own lifecycle, independent of any single
	// connection: in-flight persistence runs to completion on a client
	// disconnect, but broadcasts are skipped once the gateway itself is
	// shutting down.
	lifetime     context.Context
	stopLifetime context.CancelFunc
	stopOnce     sync.Once
}

// NewGateway constructs a gateway with secure defaults.
// Registry and RoomSet fall back to fresh instances when nil; verifier and
// store are required.
func NewGateway(log *slog.Logger, verifier identity.Verifier, store ConversationStore, registry *Registry, rooms *RoomSet, metrics *Metrics) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if registry == nil {
		registry = NewRegistry(log)
	}
	if rooms == nil {
		rooms = NewRoomSet(log)
	}

	g := &Gateway{
		log:      log,
		verifier: verifier,
		store:    store,
		registry: registry,
		rooms:    rooms,
		metrics:  metrics,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("SOUK_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("SOUK_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("SOUK_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("SOUK_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("SOUK_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("SOUK_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("SOUK_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("SOUK_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("SOUK_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("SOUK_WS_RATE_WINDOW", rateLimitWindow)

	g.storeTimeout = envDurationWS("SOUK_WS_STORE_TIMEOUT", storeTimeout)

	g.lifetime, g.stopLifetime = context.WithCancel(context.Background())

	return g
}

// Shutdown marks the gateway as terminating. In-flight persistence still
// completes, but post-persist broadcasts are skipped.
func (g *Gateway) Shutdown() {
	g.stopOnce.Do(g.stopLifetime)
}

// Send delivers an event to every live connection of userID, best-effort.
// It returns the number of connections reached; 0 means the user is offline
// and is not an error. Exposed for other subsystems (e.g. REST handlers
// pushing notifications).
func (g *Gateway) Send(userID, eventType string, payload any) int {
	env, err := g.envelope(eventType, payload)
	if err != nil {
		g.log.Error("ws.send.encode.fail", "type", eventType, "err", err)
		return 0
	}
	reached := g.registry.Send(userID, env)
	g.metrics.broadcast(eventType, reached)
	return reached
}

// BroadcastToConversation delivers an event to every connection joined to the
// conversation's room, optionally excluding one session.
func (g *Gateway) BroadcastToConversation(conversationID, eventType string, payload any, excludeSessionID string) int {
	env, err := g.envelope(eventType, payload)
	if err != nil {
		g.log.Error("ws.broadcast.encode.fail", "type", eventType, "err", err)
		return 0
	}
	reached := g.rooms.Broadcast(conversationID, env, excludeSessionID)
	g.metrics.broadcast(eventType, reached)
	return reached
}

// OnlineUsers returns a snapshot of user ids with at least one live
// connection. Not a subscription; live updates come from presence events.
func (g *Gateway) OnlineUsers() []string {
	return g.registry.OnlineUsers()
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates and upgrades an HTTP request, then runs the
// realtime loop until disconnect.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Authentication happens before the upgrade: no credential, no session,
	// not even a partially-authenticated one.
	ident, reason, err := g.authenticate(r)
	if err != nil {
		g.metrics.authReject(reason)
		g.log.Info("ws.reject.auth", "reason", reason, "remote", r.RemoteAddr, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	client := NewClient(NewULID(now), ident.ID, g.sendQueueSize)
	client.DisplayName = ident.DisplayName
	client.AvatarURL = ident.AvatarURL

	connections := g.registry.Register(client)
	g.metrics.connOpened()
	g.metrics.setOnlineUsers(len(g.registry.OnlineUsers()))

	if connections == 1 {
		// Offline -> online transition: this was the user's first connection.
		g.broadcastOnline(ident)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Teardown order matters: presence recipients are computed from rooms
	// before membership is purged, and the offline event goes out only when
	// this was the user's last connection.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			recipients := g.offlineRecipients(client)

			g.rooms.LeaveAll(client.SessionID)
			remaining := g.registry.Deregister(client.UserID, client.SessionID)

			client.Close()
			_ = conn.Close(code, reason)
			cancel()

			g.metrics.connClosed()
			g.metrics.setOnlineUsers(len(g.registry.OnlineUsers()))
			g.metrics.setRooms(g.rooms.RoomCount())

			if remaining == 0 {
				g.broadcastOffline(ident, recipients)
			}
		})
	}

	rl := NewIngressLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(client, v1.CodeBadJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.sendError(client, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}

		g.metrics.event(env.Type)

		// One reader goroutine per connection: this switch serializes a
		// single client's handlers with respect to each other. Ordering
		// across different connections is owned by the store.
		switch env.Type {
		case v1.TypeJoinRoom:
			g.onJoinRoom(client, env)
		case v1.TypeLeaveRoom:
			g.onLeaveRoom(client, env)
		case v1.TypeSendMessage:
			g.onSendMessage(client, env, now)
		case v1.TypeTypingStart:
			g.onTyping(client, env, true)
		case v1.TypeTypingStop:
			g.onTyping(client, env, false)
		case v1.TypeMarkRead:
			g.onMarkRead(client, env, now)
		case v1.TypeMessageEdit:
			g.onMessageEdit(client, env, now)
		case v1.TypeMessageDelete:
			g.onMessageDelete(client, env, now)
		case v1.TypeHistoryFetch:
			g.onHistoryFetch(client, env)
		default:
			g.sendError(client, v1.CodeUnsupported, fmt.Sprintf("not an inbound type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- authentication ----

// Handshake rejection reasons (log/metric labels).
const (
	rejectNoCredential      = "no_credential"
	rejectInvalidCredential = "invalid_credential"
	rejectIdentityInactive  = "identity_inactive"
)

// authenticate extracts the bearer credential and verifies it.
// The Authorization header wins; the token query parameter is a fallback for
// browser WebSocket clients that cannot set headers.
func (g *Gateway) authenticate(r *http.Request) (identity.Identity, string, error) {
	cred := bearerFromRequest(r)
	if cred == "" {
		return identity.Identity{}, rejectNoCredential, identity.ErrNoCredential
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.storeTimeout)
	defer cancel()

	ident, err := g.verifier.Verify(ctx, cred)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrIdentityInactive):
			return identity.Identity{}, rejectIdentityInactive, err
		case errors.Is(err, identity.ErrNoCredential):
			return identity.Identity{}, rejectNoCredential, err
		default:
			return identity.Identity{}, rejectInvalidCredential, err
		}
	}
	return ident, "", nil
}

func bearerFromRequest(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ---- room membership ----

func (g *Gateway) onJoinRoom(client *Client, env v1.Envelope) {
	var p v1.JoinRoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, v1.CodeValidationFailed, "invalid payload")
		return
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		g.sendError(client, v1.CodeValidationFailed, "missing conversation_id")
		return
	}

	// Re-validate participancy on every join; membership is never carried
	// over from an earlier join or any other state.
	conv, err := g.loadConversation(convID)
	if err != nil {
		g.sendStoreError(client, err)
		return
	}
	if !conv.HasParticipant(client.UserID) {
		g.sendError(client, v1.CodeAuthorizationFailed, "not a conversation participant")
		return
	}

	g.rooms.Join(convID, client)
	g.metrics.setRooms(g.rooms.RoomCount())

	echo, err := g.envelope(v1.TypeRoomJoined, v1.RoomJoinedPayload{Conversation: conversationSummary(conv)})
	if err != nil {
		g.log.Error("ws.join.encode.fail", "err", err)
		return
	}
	if !client.TryEnqueue(echo) {
		g.rooms.Leave(convID, client.SessionID)
		g.sendError(client, v1.CodeValidationFailed, "backpressure: join echo")
	}
}

func (g *Gateway) onLeaveRoom(client *Client, env v1.Envelope) {
	var p v1.LeaveRoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, v1.CodeValidationFailed, "invalid payload")
		return
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		g.sendError(client, v1.CodeValidationFailed, "missing conversation_id")
		return
	}

	// No precondition: leaving a room you are not in is a no-op.
	g.rooms.Leave(convID, client.SessionID)
	g.metrics.setRooms(g.rooms.RoomCount())
}

// loadConversation loads a conversation on the gateway lifetime with the
// store deadline applied.
func (g *Gateway) loadConversation(conversationID string) (Conversation, error) {
	ctx, cancel := context.WithTimeout(g.lifetime, g.storeTimeout)
	defer cancel()

	start := time.Now()
	conv, err := g.store.GetConversation(ctx, conversationID)
	g.metrics.observeStoreOp("get_conversation", start)
	return conv, err
}

// ---- error surfacing ----

// sendError reports a failure to the originating connection only. Failures
// never propagate to other participants and never tear down the gateway.
func (g *Gateway) sendError(client *Client, code, msg string) {
	g.metrics.errorCode(code)
	env, err := g.envelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = client.TryEnqueue(env)
}

// sendStoreError maps a store/context error onto a wire error code.
func (g *Gateway) sendStoreError(client *Client, err error) {
	g.sendError(client, errCodeFor(err), err.Error())
}

func errCodeFor(err error) string {
	switch {
	case errors.Is(err, ErrNotAParticipant),
		errors.Is(err, ErrNotRecipient),
		errors.Is(err, ErrNotSender):
		return v1.CodeAuthorizationFailed
	case errors.Is(err, ErrConversationNotFound),
		errors.Is(err, ErrMessageNotFound):
		return v1.CodeNotFound
	case errors.Is(err, ErrConversationNotActive),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrParticipantCount),
		errors.Is(err, ErrMessageDeleted):
		return v1.CodeValidationFailed
	case errors.Is(err, context.DeadlineExceeded):
		return v1.CodePersistenceTimeout
	default:
		return v1.CodePersistenceFailure
	}
}

// ---- envelope IO ----

func (g *Gateway) envelope(typ string, payload any) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewULID(time.Now().UTC()),
		TS:      time.Now().UTC(),
		Payload: raw,
	}, nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if err == nil {
		return readErrUnknown
	}
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
