package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	v1 "souk/contracts/chat/v1"
)

// Message dispatch: validate, authorize, persist, broadcast.
//
// Store calls run on the gateway lifetime, not the connection context, so an
// ordinary client disconnect never cancels an in-flight persistence
// operation. The broadcast step is skipped only when the gateway itself is
// shutting down.

func (g *Gateway) onSendMessage(client *Client, env v1.Envelope, now time.Time) {
	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, v1.CodeValidationFailed, "invalid payload")
		return
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		g.sendError(client, v1.CodeValidationFailed, "missing conversation_id")
		return
	}
	if strings.TrimSpace(p.ClientMsgID) == "" {
		g.sendError(client, v1.CodeValidationFailed, "missing client_msg_id")
		return
	}

	text := strings.TrimSpace(p.Text)
	imageRef := strings.TrimSpace(p.ImageRef)
	if code, msg := validateSendBody(p.Kind, text, imageRef); code != "" {
		g.sendError(client, code, msg)
		return
	}

	conv, err := g.loadConversation(convID)
	if err != nil {
		g.sendStoreError(client, err)
		return
	}
	if !conv.Active {
		g.sendError(client, v1.CodeValidationFailed, "conversation is archived")
		return
	}

	// Mandatory even when the connection already joined the room: room
	// membership and conversation authorization are independent checks, and
	// a stale room join must never substitute for this one.
	if !conv.HasParticipant(client.UserID) {
		g.sendError(client, v1.CodeAuthorizationFailed, "not a conversation participant")
		return
	}

	ctx, cancel := context.WithTimeout(g.lifetime, g.storeTimeout)
	defer cancel()

	start := time.Now()
	res, err := g.store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: convID,
		ClientMsgID:    p.ClientMsgID,
		SenderID:       client.UserID,
		Kind:           p.Kind,
		Text:           text,
		ImageRef:       imageRef,
		Now:            now,
	})
	g.metrics.observeStoreOp("append_message", start)
	if err != nil {
		// Append and pointer update are one unit in the store; any failure
		// of that unit is surfaced here and nothing is broadcast.
		g.sendStoreError(client, err)
		return
	}

	if g.lifetime.Err() != nil {
		// Gateway is terminating: the message is durable but fan-out is the
		// next process's problem.
		return
	}

	payload := v1.NewMessagePayload{
		Message:      g.messagePayload(res.Message, client),
		Conversation: conversationSummary(res.Conversation),
	}

	// The sender receives the canonical persisted copy too: when joined it
	// arrives via the room broadcast, otherwise by direct enqueue so the
	// client can reconcile an optimistic local echo. A deduplicated retry
	// answers only the retrying sender; the room already saw the original.
	reached := 0
	if res.Duplicated {
		if msgEnv, err := g.envelope(v1.TypeNewMessage, payload); err == nil && client.TryEnqueue(msgEnv) {
			reached++
		}
	} else {
		reached = g.BroadcastToConversation(convID, v1.TypeNewMessage, payload, "")
		if !g.rooms.Contains(convID, client.SessionID) {
			if msgEnv, err := g.envelope(v1.TypeNewMessage, payload); err == nil && client.TryEnqueue(msgEnv) {
				reached++
			}
		}
	}

	g.log.Info("message.dispatched",
		"conversation_id", convID,
		"message_id", res.Message.ID,
		"seq", res.Message.Seq,
		"duplicated", res.Duplicated,
		"reached", reached,
	)
}

func (g *Gateway) onMarkRead(client *Client, env v1.Envelope, now time.Time) {
	var p v1.MarkReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, v1.CodeValidationFailed, "invalid payload")
		return
	}
	if strings.TrimSpace(p.ConversationID) == "" || strings.TrimSpace(p.MessageID) == "" {
		g.sendError(client, v1.CodeValidationFailed, "missing conversation_id or message_id")
		return
	}

	ctx, cancel := context.WithTimeout(g.lifetime, g.storeTimeout)
	defer cancel()

	start := time.Now()
	msg, err := g.store.MarkMessageRead(ctx, p.ConversationID, p.MessageID, client.UserID, now)
	g.metrics.observeStoreOp("mark_read", start)
	if err != nil {
		g.sendStoreError(client, err)
		return
	}
	if g.lifetime.Err() != nil {
		return
	}

	readAt := now
	if msg.ReadAt != nil {
		readAt = *msg.ReadAt
	}
	g.BroadcastToConversation(p.ConversationID, v1.TypeMessageRead, v1.MessageReadPayload{
		ConversationID: p.ConversationID,
		MessageID:      p.MessageID,
		ReaderID:       client.UserID,
		ReadAt:         readAt,
	}, "")
}

func (g *Gateway) onMessageEdit(client *Client, env v1.Envelope, now time.Time) {
	var p v1.MessageEditPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, v1.CodeValidationFailed, "invalid payload")
		return
	}
	text := strings.TrimSpace(p.Text)
	if strings.TrimSpace(p.ConversationID) == "" || strings.TrimSpace(p.MessageID) == "" || text == "" {
		g.sendError(client, v1.CodeValidationFailed, "missing conversation_id, message_id or text")
		return
	}
	if len([]rune(text)) > maxMessageChars {
		g.sendError(client, v1.CodeValidationFailed, "message too long")
		return
	}

	ctx, cancel := context.WithTimeout(g.lifetime, g.storeTimeout)
	defer cancel()

	start := time.Now()
	msg, err := g.store.EditMessage(ctx, p.ConversationID, p.MessageID, client.UserID, text, now)
	g.metrics.observeStoreOp("edit_message", start)
	if err != nil {
		g.sendStoreError(client, err)
		return
	}
	if g.lifetime.Err() != nil {
		return
	}

	editedAt := now
	if msg.EditedAt != nil {
		editedAt = *msg.EditedAt
	}
	g.BroadcastToConversation(p.ConversationID, v1.TypeMessageEdited, v1.MessageEditedPayload{
		ConversationID: p.ConversationID,
		MessageID:      p.MessageID,
		Text:           msg.Text,
		EditedAt:       editedAt,
	}, "")
}

func (g *Gateway) onMessageDelete(client *Client, env v1.Envelope, now time.Time) {
	var p v1.MessageDeletePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, v1.CodeValidationFailed, "invalid payload")
		return
	}
	if strings.TrimSpace(p.ConversationID) == "" || strings.TrimSpace(p.MessageID) == "" {
		g.sendError(client, v1.CodeValidationFailed, "missing conversation_id or message_id")
		return
	}

	ctx, cancel := context.WithTimeout(g.lifetime, g.storeTimeout)
	defer cancel()

	start := time.Now()
	_, err := g.store.SoftDeleteMessage(ctx, p.ConversationID, p.MessageID, client.UserID, now)
	g.metrics.observeStoreOp("delete_message", start)
	if err != nil {
		g.sendStoreError(client, err)
		return
	}
	if g.lifetime.Err() != nil {
		return
	}

	g.BroadcastToConversation(p.ConversationID, v1.TypeMessageDeleted, v1.MessageDeletedPayload{
		ConversationID: p.ConversationID,
		MessageID:      p.MessageID,
	}, "")
}

func (g *Gateway) onHistoryFetch(client *Client, env v1.Envelope) {
	var p v1.HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, v1.CodeValidationFailed, "invalid payload")
		return
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		g.sendError(client, v1.CodeValidationFailed, "missing conversation_id")
		return
	}

	conv, err := g.loadConversation(convID)
	if err != nil {
		g.sendStoreError(client, err)
		return
	}
	if !conv.HasParticipant(client.UserID) {
		g.sendError(client, v1.CodeAuthorizationFailed, "not a conversation participant")
		return
	}

	ctx, cancel := context.WithTimeout(g.lifetime, g.storeTimeout)
	defer cancel()

	start := time.Now()
	out, err := g.store.FetchHistory(ctx, FetchHistoryInput{
		ConversationID: convID,
		AfterSeq:       p.AfterSeq,
		Limit:          p.Limit,
	})
	g.metrics.observeStoreOp("fetch_history", start)
	if err != nil {
		g.sendStoreError(client, err)
		return
	}

	msgs := make([]v1.MessagePayload, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, g.messagePayload(m, nil))
	}

	chunk, err := g.envelope(v1.TypeHistoryChunk, v1.HistoryChunkPayload{
		ConversationID: convID,
		Messages:       msgs,
		HasMore:        out.HasMore,
	})
	if err != nil {
		g.log.Error("ws.history.encode.fail", "err", err)
		return
	}
	if !client.TryEnqueue(chunk) {
		g.sendError(client, v1.CodeValidationFailed, "backpressure: history chunk")
	}
}

// ---- validation and payload shaping ----

// validateSendBody checks the body shape per kind. Returns an empty code on
// success. The system kind is reserved for server-originated messages.
func validateSendBody(kind, text, imageRef string) (code, msg string) {
	switch kind {
	case v1.KindText:
		if text == "" {
			return v1.CodeValidationFailed, "empty text"
		}
		if len([]rune(text)) > maxMessageChars {
			return v1.CodeValidationFailed, "message too long"
		}
		return "", ""
	case v1.KindImage:
		if imageRef == "" {
			return v1.CodeValidationFailed, "missing image_ref"
		}
		if len(imageRef) > maxImageRefBytes {
			return v1.CodeValidationFailed, "image_ref too long"
		}
		if !strings.HasPrefix(imageRef, "http://") && !strings.HasPrefix(imageRef, "https://") && strings.ContainsAny(imageRef, " \t\n") {
			return v1.CodeValidationFailed, "malformed image_ref"
		}
		return "", ""
	default:
		return v1.CodeValidationFailed, "unsupported kind"
	}
}

// messagePayload shapes a stored message for broadcast. When sender is the
// originating client its cached display attributes are attached; history
// reads leave them empty.
func (g *Gateway) messagePayload(m Message, sender *Client) v1.MessagePayload {
	p := v1.MessagePayload{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		ClientMsgID:    m.ClientMsgID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		Kind:           m.Kind,
		Text:           m.Text,
		ImageRef:       m.ImageRef,
		CreatedAt:      m.CreatedAt,
		Read:           m.Read,
		ReadAt:         m.ReadAt,
		Edited:         m.Edited,
		Deleted:        m.Deleted,
	}
	if sender != nil && sender.UserID == m.SenderID {
		p.SenderName = sender.DisplayName
		p.SenderAvatar = sender.AvatarURL
	}
	return p
}

func conversationSummary(c Conversation) v1.ConversationSummary {
	return v1.ConversationSummary{
		ID:             c.ID,
		ParticipantIDs: []string{c.ParticipantIDs[0], c.ParticipantIDs[1]},
		PostID:         c.PostID,
		LastMessageID:  c.LastMessageID,
		LastActivityAt: c.LastActivityAt,
		Active:         c.Active,
	}
}
