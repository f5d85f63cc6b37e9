package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	v1 "souk/contracts/chat/v1"
	"souk/internal/identity"
)

// Presence & typing: ephemeral, never persisted.
//
// Typing state is last-write-wins per (user, conversation); an out-of-order
// stop arriving before a start just leaves peers in "not typing".

func (g *Gateway) onTyping(client *Client, env v1.Envelope, isTyping bool) {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, v1.CodeValidationFailed, "invalid payload")
		return
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		g.sendError(client, v1.CodeValidationFailed, "missing conversation_id")
		return
	}

	// Same authorization as message dispatch; only the failure is reported,
	// the transition itself is fire-and-forget.
	conv, err := g.loadConversation(convID)
	if err != nil {
		g.sendStoreError(client, err)
		return
	}
	if !conv.HasParticipant(client.UserID) {
		g.sendError(client, v1.CodeAuthorizationFailed, "not a conversation participant")
		return
	}

	// Exclude the originating connection: the typist does not need an echo.
	g.BroadcastToConversation(convID, v1.TypeUserTyping, v1.UserTypingPayload{
		ConversationID: convID,
		UserID:         client.UserID,
		IsTyping:       isTyping,
	}, client.SessionID)
}

// broadcastOnline announces an offline-to-online transition.
//
// A fresh connection is joined to no rooms yet, so recipients are resolved
// from the store instead: the other participant of each of the user's active
// conversations, when currently online.
func (g *Gateway) broadcastOnline(ident identity.Identity) {
	ctx, cancel := context.WithTimeout(g.lifetime, g.storeTimeout)
	defer cancel()

	start := time.Now()
	convs, err := g.store.ListConversationsForUser(ctx, ident.ID)
	g.metrics.observeStoreOp("list_conversations", start)
	if err != nil {
		// Presence is best-effort; a store hiccup must not fail the handshake.
		g.log.Info("presence.online.list.fail", "user_id", ident.ID, "err", err)
		return
	}

	payload := v1.PresencePayload{
		UserID:      ident.ID,
		DisplayName: ident.DisplayName,
		AvatarURL:   ident.AvatarURL,
	}

	notified := make(map[string]struct{}, len(convs))
	for _, conv := range convs {
		peer := conv.OtherParticipant(ident.ID)
		if peer == "" {
			continue
		}
		if _, done := notified[peer]; done {
			continue
		}
		notified[peer] = struct{}{}
		g.Send(peer, v1.TypeUserOnline, payload)
	}
}

// offlineRecipients snapshots, per room the connection joined, the other
// users currently in that room. Must run before membership is purged.
func (g *Gateway) offlineRecipients(client *Client) map[string]struct{} {
	recipients := make(map[string]struct{})
	for _, convID := range g.rooms.Rooms(client.SessionID) {
		for _, member := range g.rooms.Members(convID) {
			if member != nil && member.UserID != client.UserID {
				recipients[member.UserID] = struct{}{}
			}
		}
	}
	return recipients
}

// broadcastOffline announces an online-to-offline transition to the users
// who shared a room with the departed connection. Multi-device users are
// offline only when their last connection drops; the caller enforces that.
func (g *Gateway) broadcastOffline(ident identity.Identity, recipients map[string]struct{}) {
	if len(recipients) == 0 {
		return
	}

	payload := v1.PresencePayload{
		UserID:      ident.ID,
		DisplayName: ident.DisplayName,
		AvatarURL:   ident.AvatarURL,
	}
	for userID := range recipients {
		g.Send(userID, v1.TypeUserOffline, payload)
	}
}
