package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"

	"tablesync/cmd/internal/game"
	v1 "tablesync/shared/contracts/realtime/v1"
)

// HubOptions configures fan-out behavior.
type HubOptions struct {
	// ExcludeOriginator skips the connection that submitted a patch over the socket.
	// REST submissions have no connection and always reach every subscriber.
	ExcludeOriginator bool

	Metrics *Metrics
}

// Hub owns the per-game subscriber sets and implements game.Fanout.
type Hub struct {
	log  *slog.Logger
	opts HubOptions

	mu     sync.RWMutex
	rooms  map[string]*Room
	byConn map[string]map[string]struct{}
}

var _ game.Fanout = (*Hub)(nil)

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, opts HubOptions) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Hub{
		log:    log,
		opts:   opts,
		rooms:  make(map[string]*Room),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join subscribes client to gameID.
func (h *Hub) Join(gameID string, client *Client) {
	h.mu.Lock()
	room, ok := h.rooms[gameID]
	if !ok {
		room = NewRoom(h.log, gameID)
		h.rooms[gameID] = room
	}
	games, ok := h.byConn[client.ConnID]
	if !ok {
		games = make(map[string]struct{})
		h.byConn[client.ConnID] = games
	}
	if _, dup := games[gameID]; !dup {
		games[gameID] = struct{}{}
		h.opts.Metrics.subscribers.Inc()
	}
	// The room must gain the client before h.mu is released, or a concurrent
	// Unsubscribe of its last member could drop the room from h.rooms first.
	room.Join(client)
	h.mu.Unlock()
}

// Unsubscribe removes client from every game it joined and returns those game ids.
func (h *Hub) Unsubscribe(client *Client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	games := h.byConn[client.ConnID]
	delete(h.byConn, client.ConnID)

	out := make([]string, 0, len(games))
	for gameID := range games {
		out = append(out, gameID)
		h.opts.Metrics.subscribers.Dec()
		room, ok := h.rooms[gameID]
		if !ok {
			continue
		}
		if room.Leave(client.ConnID) == 0 {
			delete(h.rooms, gameID)
		}
	}
	return out
}

// Publish encodes ev and broadcasts it to the game's subscribers.
func (h *Hub) Publish(ev game.Event) {
	h.mu.RLock()
	room := h.rooms[ev.GameID]
	h.mu.RUnlock()
	if room == nil {
		return
	}

	payload, err := json.Marshal(v1.PatchPayload{
		GameID:  ev.GameID,
		Version: ev.Version,
		Origin:  ev.Origin.MemberID,
		Patches: ev.Patch,
	})
	if err != nil {
		h.log.Error("hub.publish.encode.fail", "game_id", ev.GameID, "err", err)
		return
	}
	env := newEnvelope(v1.TypePatch, payload, ev.At)

	exclude := ""
	if h.opts.ExcludeOriginator {
		exclude = ev.Origin.ConnID
	}
	delivered, failed := room.Broadcast(env, exclude)
	h.opts.Metrics.deliveries.Add(float64(delivered))
	h.opts.Metrics.deliveryFailures.Add(float64(len(failed)))
}

// Subscribers returns the number of live subscribers for gameID.
func (h *Hub) Subscribers(gameID string) int {
	h.mu.RLock()
	room := h.rooms[gameID]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.Len()
}

// CloseGame disconnects every subscriber of gameID.
func (h *Hub) CloseGame(gameID string) {
	h.mu.Lock()
	room := h.rooms[gameID]
	delete(h.rooms, gameID)
	h.mu.Unlock()

	if room == nil {
		return
	}
	if n := len(room.closeAll(ErrGameClosed)); n > 0 {
		h.log.Info("hub.game.close", "game_id", gameID, "subscribers", n)
	}
}
