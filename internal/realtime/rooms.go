package realtime

import (
	"log/slog"
	"sync"

	v1 "souk/contracts/chat/v1"
)

// RoomSet tracks which live connections are tuned in to which conversation.
//
// Room membership is deliberately independent of conversation participancy:
// a participant receives live room events only while joined, and a stale
// room join never substitutes for an authorization check.
//
// Invariant: a session id appears in joined[session] iff it appears in
// rooms[conv] for the same conversation. Both sides are mutated under one
// mutex so the invariant holds per-operation.
type RoomSet struct {
	log *slog.Logger

	mu     sync.RWMutex
	rooms  map[string]map[string]*Client  // conversation id -> session id -> client
	joined map[string]map[string]struct{} // session id -> conversation id set
}

// NewRoomSet constructs an empty RoomSet.
func NewRoomSet(log *slog.Logger) *RoomSet {
	return &RoomSet{
		log:    log,
		rooms:  make(map[string]map[string]*Client),
		joined: make(map[string]map[string]struct{}),
	}
}

// Join subscribes a client to a conversation room.
// Authorization is the caller's responsibility.
func (rs *RoomSet) Join(conversationID string, c *Client) {
	if rs == nil || c == nil || conversationID == "" || c.SessionID == "" {
		return
	}

	rs.mu.Lock()
	room := rs.rooms[conversationID]
	if room == nil {
		room = make(map[string]*Client, 2)
		rs.rooms[conversationID] = room
	}
	room[c.SessionID] = c

	convs := rs.joined[c.SessionID]
	if convs == nil {
		convs = make(map[string]struct{}, 4)
		rs.joined[c.SessionID] = convs
	}
	convs[conversationID] = struct{}{}
	rs.mu.Unlock()

	rs.log.Info("room.join", "conversation_id", conversationID, "session_id", c.SessionID, "user_id", c.UserID)
}

// Leave unsubscribes a session from a conversation room.
func (rs *RoomSet) Leave(conversationID, sessionID string) {
	if rs == nil || conversationID == "" || sessionID == "" {
		return
	}

	rs.mu.Lock()
	rs.leaveLocked(conversationID, sessionID)
	rs.mu.Unlock()

	rs.log.Info("room.leave", "conversation_id", conversationID, "session_id", sessionID)
}

// LeaveAll removes a session from every room it joined and returns the
// conversation ids it was in. O(joined rooms), not O(all rooms).
func (rs *RoomSet) LeaveAll(sessionID string) []string {
	if rs == nil || sessionID == "" {
		return nil
	}

	rs.mu.Lock()
	convs := rs.joined[sessionID]
	out := make([]string, 0, len(convs))
	for conversationID := range convs {
		out = append(out, conversationID)
	}
	for _, conversationID := range out {
		rs.leaveLocked(conversationID, sessionID)
	}
	rs.mu.Unlock()

	if len(out) > 0 {
		rs.log.Info("room.leave_all", "session_id", sessionID, "rooms", len(out))
	}
	return out
}

func (rs *RoomSet) leaveLocked(conversationID, sessionID string) {
	room := rs.rooms[conversationID]
	delete(room, sessionID)
	if len(room) == 0 {
		delete(rs.rooms, conversationID)
	}

	convs := rs.joined[sessionID]
	delete(convs, conversationID)
	if len(convs) == 0 {
		delete(rs.joined, sessionID)
	}
}

// Rooms returns the conversation ids a session is currently joined to.
func (rs *RoomSet) Rooms(sessionID string) []string {
	if rs == nil || sessionID == "" {
		return nil
	}

	rs.mu.RLock()
	convs := rs.joined[sessionID]
	out := make([]string, 0, len(convs))
	for conversationID := range convs {
		out = append(out, conversationID)
	}
	rs.mu.RUnlock()

	return out
}

// Contains reports whether a session is joined to a conversation room.
func (rs *RoomSet) Contains(conversationID, sessionID string) bool {
	if rs == nil {
		return false
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	_, ok := rs.rooms[conversationID][sessionID]
	return ok
}

// Members returns a snapshot of clients currently joined to a room.
func (rs *RoomSet) Members(conversationID string) []*Client {
	if rs == nil || conversationID == "" {
		return nil
	}

	rs.mu.RLock()
	room := rs.rooms[conversationID]
	snap := make([]*Client, 0, len(room))
	for _, c := range room {
		snap = append(snap, c)
	}
	rs.mu.RUnlock()

	return snap
}

// Broadcast fanouts an envelope to all room members, optionally excluding one
// session. It snapshots membership, releases the lock, then enqueues, so no
// lock is held across channel sends. Returns the number of connections reached.
func (rs *RoomSet) Broadcast(conversationID string, env v1.Envelope, excludeSessionID string) int {
	reached := 0
	for _, c := range rs.Members(conversationID) {
		if c == nil || c.SessionID == excludeSessionID {
			continue
		}
		if c.TryEnqueue(env) {
			reached++
		}
	}
	return reached
}

// RoomCount returns the number of rooms with at least one joined connection.
func (rs *RoomSet) RoomCount() int {
	if rs == nil {
		return 0
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rooms)
}
