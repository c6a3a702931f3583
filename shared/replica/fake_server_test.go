package replica

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"

	v1 "tablesync/shared/contracts/realtime/v1"
	"tablesync/shared/patch"
)

const testToken = "test-token"

type fakeGame struct {
	doc     any
	version int64
	conns   map[chan v1.Envelope]struct{}
	held    []v1.Envelope
}

// fakeServer speaks the REST and realtime contract for tests, with knobs for faults.
type fakeServer struct {
	t  *testing.T
	ts *httptest.Server

	mu       sync.Mutex
	games    map[string]*fakeGame
	skip     map[int64]bool
	hold     bool
	wsStatus int

	dials   atomic.Int32
	fetches atomic.Int32
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	s := &fakeServer{t: t, games: make(map[string]*fakeGame), skip: make(map[int64]bool)}

	r := mux.NewRouter()
	r.HandleFunc("/games/{gameID}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/games/{gameID}", s.handlePatch).Methods(http.MethodPatch)
	r.HandleFunc("/games/{gameID}/ws", s.handleWS).Methods(http.MethodGet)
	s.ts = httptest.NewServer(r)
	t.Cleanup(func() {
		s.kick()
		s.ts.Close()
	})
	return s
}

func (s *fakeServer) addGame(id, body string) {
	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		s.t.Fatalf("addGame: %v", err)
	}
	s.mu.Lock()
	s.games[id] = &fakeGame{doc: doc, conns: make(map[chan v1.Envelope]struct{})}
	s.mu.Unlock()
}

func (s *fakeServer) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *fakeServer) game(w http.ResponseWriter, r *http.Request) (*fakeGame, bool) {
	g := s.games[mux.Vars(r)["gameID"]]
	if g == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":"game_not_found","message":"no such game"}}`)
		return nil, false
	}
	return g, true
}

func (s *fakeServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	s.fetches.Add(1)

	s.mu.Lock()
	g, ok := s.game(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	body, _ := json.Marshal(g.doc)
	out := gameState{ID: mux.Vars(r)["gameID"], Version: g.version, Document: body}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *fakeServer) handlePatch(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	raw, _ := io.ReadAll(r.Body)
	p, err := patch.Decode(raw)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":"invalid_patch","message":"bad"}}`)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.game(w, r)
	if !ok {
		return
	}
	next, err := patch.Apply(g.doc, p)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":"path_not_found","message":"`+strings.ReplaceAll(err.Error(), `"`, `'`)+`"}}`)
		return
	}
	g.doc = next
	g.version++
	s.broadcastLocked(mux.Vars(r)["gameID"], g, p)

	_ = json.NewEncoder(w).Encode(map[string]int64{"version": g.version})
}

// pushUnappliable bumps the server version and broadcasts a patch the replica cannot apply.
func (s *fakeServer) pushUnappliable(gameID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.games[gameID]
	g.version++
	s.broadcastLocked(gameID, g, patch.Patch{patch.Remove("/does/not/exist")})
}

func (s *fakeServer) broadcastLocked(gameID string, g *fakeGame, p patch.Patch) {
	if s.skip[g.version] {
		return
	}
	payload, _ := json.Marshal(v1.PatchPayload{GameID: gameID, Version: g.version, Origin: "u1", Patches: p})
	env := v1.Envelope{V: v1.Version, Type: v1.TypePatch, TS: time.Now().UTC(), Payload: payload}
	if s.hold {
		g.held = append(g.held, env)
		return
	}
	for ch := range g.conns {
		ch <- env
	}
}

func (s *fakeServer) release(gameID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = false
	g := s.games[gameID]
	for _, env := range g.held {
		for ch := range g.conns {
			ch <- env
		}
	}
	g.held = nil
}

func (s *fakeServer) setHold(v bool) {
	s.mu.Lock()
	s.hold = v
	s.mu.Unlock()
}

func (s *fakeServer) skipVersion(v int64) {
	s.mu.Lock()
	s.skip[v] = true
	s.mu.Unlock()
}

func (s *fakeServer) setWSStatus(code int) {
	s.mu.Lock()
	s.wsStatus = code
	s.mu.Unlock()
}

// kick closes every live socket.
func (s *fakeServer) kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.games {
		for ch := range g.conns {
			close(ch)
			delete(g.conns, ch)
		}
	}
}

func (s *fakeServer) subscribers(gameID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.games[gameID].conns)
}

func (s *fakeServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	s.dials.Add(1)

	s.mu.Lock()
	status := s.wsStatus
	s.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	s.mu.Lock()
	g, ok := s.game(w, r)
	s.mu.Unlock()
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
	if err != nil {
		return
	}
	defer func() { _ = conn.CloseNow() }()

	gameID := mux.Vars(r)["gameID"]
	ch := make(chan v1.Envelope, 64)

	s.mu.Lock()
	body, _ := json.Marshal(g.doc)
	payload, _ := json.Marshal(v1.SnapshotPayload{GameID: gameID, Version: g.version, Document: body})
	ch <- v1.Envelope{V: v1.Version, Type: v1.TypeSnapshot, TS: time.Now().UTC(), Payload: payload}
	g.conns[ch] = struct{}{}
	s.mu.Unlock()

	ctx := conn.CloseRead(r.Context())
	defer func() {
		s.mu.Lock()
		if _, ok := g.conns[ch]; ok {
			delete(g.conns, ch)
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "kicked")
				return
			}
			b, _ := json.Marshal(env)
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
	}
}
