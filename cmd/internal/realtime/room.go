package realtime

import (
	"log/slog"
	"sync"

	v1 "tablesync/shared/contracts/realtime/v1"
)

// Room is the subscriber set of one game.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks: a member whose queue is full is removed and failed, never skipped silently.
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log    *slog.Logger
	GameID string

	mu      sync.Mutex
	members map[string]*Client
}

// NewRoom constructs an empty subscriber set.
func NewRoom(log *slog.Logger, gameID string) *Room {
	return &Room{
		log:     log,
		GameID:  gameID,
		members: make(map[string]*Client),
	}
}

// Join adds a client. Joining twice with the same ConnID is a no-op.
func (c *Room) Join(client *Client) {
	if c == nil || client == nil || client.ConnID == "" {
		return
	}

	c.mu.Lock()
	_, existed := c.members[client.ConnID]
	c.members[client.ConnID] = client
	c.mu.Unlock()

	if !existed {
		c.log.Info("room.member.join", "game_id", c.GameID, "conn_id", client.ConnID, "member_id", client.MemberID)
	}
}

// Leave removes a client from the set and reports how many remain.
func (c *Room) Leave(connID string) int {
	c.mu.Lock()
	_, ok := c.members[connID]
	delete(c.members, connID)
	n := len(c.members)
	c.mu.Unlock()

	if ok {
		c.log.Info("room.member.leave", "game_id", c.GameID, "conn_id", connID)
	}
	return n
}

// Len returns the number of subscribers.
func (c *Room) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// Broadcast fans env out to every member except excludeConn (may be empty).
// Members that cannot accept the envelope are removed and failed with ErrDeliveryFailed.
func (c *Room) Broadcast(env v1.Envelope, excludeConn string) (delivered int, failed []*Client) {
	if c == nil {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, m := range c.members {
		if id == excludeConn {
			continue
		}
		if m.Enqueue(env) {
			delivered++
			continue
		}
		delete(c.members, id)
		failed = append(failed, m)
	}

	// Signal after removal so no broadcaster still targets a failing client.
	for _, m := range failed {
		m.Fail(ErrDeliveryFailed)
		c.log.Warn("room.delivery.fail", "game_id", c.GameID, "conn_id", m.ConnID, "member_id", m.MemberID)
	}
	return delivered, failed
}

// closeAll removes and fails every member.
func (c *Room) closeAll(reason error) []*Client {
	c.mu.Lock()
	out := make([]*Client, 0, len(c.members))
	for id, m := range c.members {
		out = append(out, m)
		delete(c.members, id)
	}
	c.mu.Unlock()

	for _, m := range out {
		m.Fail(reason)
	}
	return out
}
