package replica

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"tablesync/shared/patch"
)

func newTestController(t *testing.T, s *fakeServer, mutate func(*Config)) *Controller {
	t.Helper()

	cfg := Config{
		BaseURL:             s.ts.URL,
		Token:               testToken,
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		ReconnectInitial:    10 * time.Millisecond,
		ReconnectMaxElapsed: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustPatch(t *testing.T, s string) patch.Patch {
	t.Helper()
	p, err := patch.Decode([]byte(s))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return p
}

// waitVersion polls until the replica is fresh at version want.
func waitVersion(t *testing.T, c *Controller, want int64) any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		doc, v, err := c.Document()
		if err == nil && v == want {
			return doc
		}
		if time.Now().After(deadline) {
			t.Fatalf("replica did not reach version %d (last v=%d err=%v)", want, v, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitEvent(t *testing.T, c *Controller, kind EventKind) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func serverDoc(t *testing.T, s *fakeServer, gameID string) (any, int64) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.games[gameID]
	return patch.Clone(g.doc), g.version
}

func TestController_ConnectInstallsSnapshot(t *testing.T) {
	t.Parallel()

	s := newFakeServer(t)
	s.addGame("g1", `{"players":{"u1":{"username":"ann","role":"gm"}}}`)
	c := newTestController(t, s, nil)

	if _, _, err := c.Document(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Document before connect err=%v", err)
	}
	if err := c.Connect(testCtx(t), "g1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	doc, v, err := c.Document()
	if err != nil || v != 0 {
		t.Fatalf("Document v=%d err=%v", v, err)
	}
	want, _ := serverDoc(t, s, "g1")
	if !patch.Equal(doc, want) {
		t.Fatalf("doc=%v want=%v", doc, want)
	}
	if ev := waitEvent(t, c, EventSnapshot); ev.GameID != "g1" {
		t.Fatalf("snapshot event=%+v", ev)
	}
}

func TestController_SubmitDoesNotApplyLocally(t *testing.T) {
	t.Parallel()

	s := newFakeServer(t)
	s.addGame("g1", `{"players":{}}`)
	c := newTestController(t, s, nil)
	if err := c.Connect(testCtx(t), "g1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.setHold(true)
	v, err := c.Submit(testCtx(t), mustPatch(t, `[{"op":"add","path":"/players/u1","value":{"name":"Ann"}}]`))
	if err != nil || v != 1 {
		t.Fatalf("Submit v=%d err=%v", v, err)
	}
	if _, local, _ := c.Document(); local != 0 {
		t.Fatalf("replica moved to %d before the echo", local)
	}

	s.release("g1")
	doc := waitVersion(t, c, 1)
	want, _ := serverDoc(t, s, "g1")
	if !patch.Equal(doc, want) {
		t.Fatalf("doc=%v want=%v", doc, want)
	}
	if ev := waitEvent(t, c, EventPatch); ev.Version != 1 || ev.Origin != "u1" {
		t.Fatalf("patch event=%+v", ev)
	}
}

func TestController_SubmitRejection(t *testing.T) {
	t.Parallel()

	s := newFakeServer(t)
	s.addGame("g1", `{}`)
	c := newTestController(t, s, nil)
	if err := c.Connect(testCtx(t), "g1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := c.Submit(testCtx(t), mustPatch(t, `[{"op":"remove","path":"/missing"}]`))
	var re *RemoteError
	if !errors.As(err, &re) || re.Status != http.StatusNotFound || re.Code != "path_not_found" {
		t.Fatalf("err=%v", err)
	}
	if _, v, err := c.Document(); err != nil || v != 0 {
		t.Fatalf("rejected submit changed replica: v=%d err=%v", v, err)
	}
}

func TestController_VersionGapForcesResync(t *testing.T) {
	t.Parallel()

	s := newFakeServer(t)
	s.addGame("g1", `{"log":[]}`)
	c := newTestController(t, s, nil)
	if err := c.Connect(testCtx(t), "g1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.skipVersion(1)
	for i := 0; i < 3; i++ {
		if _, err := c.Submit(testCtx(t), mustPatch(t, `[{"op":"add","path":"/log/-","value":"turn"}]`)); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	doc := waitVersion(t, c, 3)
	want, _ := serverDoc(t, s, "g1")
	if !patch.Equal(doc, want) {
		t.Fatalf("doc=%v want=%v", doc, want)
	}
	if s.fetches.Load() == 0 {
		t.Fatalf("gap did not trigger a durable-path resync")
	}
	waitEvent(t, c, EventStale)
}

func TestController_ApplyFailureForcesResync(t *testing.T) {
	t.Parallel()

	s := newFakeServer(t)
	s.addGame("g1", `{"hp":10}`)
	c := newTestController(t, s, nil)
	if err := c.Connect(testCtx(t), "g1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.pushUnappliable("g1")

	doc := waitVersion(t, c, 1)
	want, _ := serverDoc(t, s, "g1")
	if !patch.Equal(doc, want) {
		t.Fatalf("doc=%v want=%v", doc, want)
	}
	if ev := waitEvent(t, c, EventStale); !errors.Is(ev.Err, patch.ErrPathNotFound) {
		t.Fatalf("stale event err=%v", ev.Err)
	}
}

func TestController_DisconnectMakesStaleUntilResync(t *testing.T) {
	t.Parallel()

	s := newFakeServer(t)
	s.addGame("g1", `{"round":0}`)
	c := newTestController(t, s, nil)
	if err := c.Connect(testCtx(t), "g1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.setWSStatus(http.StatusServiceUnavailable)
	s.kick()
	waitEvent(t, c, EventDisconnected)

	if _, _, err := c.Document(); !errors.Is(err, ErrStale) {
		t.Fatalf("Document while disconnected err=%v", err)
	}

	// Edits made while offline arrive through the reconnect snapshot.
	for i := 0; i < 2; i++ {
		if _, err := c.Submit(testCtx(t), mustPatch(t, `[{"op":"replace","path":"/round","value":7}]`)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	s.setWSStatus(0)

	doc := waitVersion(t, c, 2)
	want, _ := serverDoc(t, s, "g1")
	if !patch.Equal(doc, want) {
		t.Fatalf("doc=%v want=%v", doc, want)
	}
}

func TestController_ReconnectGivesUp(t *testing.T) {
	t.Parallel()

	s := newFakeServer(t)
	s.addGame("g1", `{}`)
	c := newTestController(t, s, func(cfg *Config) { cfg.ReconnectMaxElapsed = 100 * time.Millisecond })
	if err := c.Connect(testCtx(t), "g1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.setWSStatus(http.StatusServiceUnavailable)
	s.kick()

	ev := waitEvent(t, c, EventClosed)
	if ev.Err == nil {
		t.Fatalf("closed event without error")
	}
	if _, _, err := c.Document(); !errors.Is(err, ErrStale) {
		t.Fatalf("Document after giving up err=%v", err)
	}
}

func TestController_PermanentRejectionStopsReconnect(t *testing.T) {
	t.Parallel()

	s := newFakeServer(t)
	s.addGame("g1", `{}`)
	c := newTestController(t, s, nil)
	if err := c.Connect(testCtx(t), "g1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	before := s.dials.Load()

	s.setWSStatus(http.StatusForbidden)
	s.kick()

	ev := waitEvent(t, c, EventClosed)
	var re *RemoteError
	if !errors.As(ev.Err, &re) || re.Status != http.StatusForbidden {
		t.Fatalf("closed event err=%v", ev.Err)
	}
	if n := s.dials.Load() - before; n != 1 {
		t.Fatalf("forbidden handshake retried: %d dials", n)
	}
}

func TestController_SwitchingGamesTearsDownPrevious(t *testing.T) {
	t.Parallel()

	s := newFakeServer(t)
	s.addGame("g1", `{"name":"one"}`)
	s.addGame("g2", `{"name":"two"}`)
	c := newTestController(t, s, nil)

	if err := c.Connect(testCtx(t), "g1"); err != nil {
		t.Fatalf("Connect g1: %v", err)
	}
	if err := c.Connect(testCtx(t), "g2"); err != nil {
		t.Fatalf("Connect g2: %v", err)
	}
	if c.GameID() != "g2" {
		t.Fatalf("GameID=%q", c.GameID())
	}

	deadline := time.Now().Add(3 * time.Second)
	for s.subscribers("g1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("g1 subscription still open")
		}
		time.Sleep(5 * time.Millisecond)
	}

	doc, _, err := c.Document()
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	if m, _ := doc.(map[string]any); m["name"] != "two" {
		t.Fatalf("doc=%v", doc)
	}
}

func TestController_ConnectErrors(t *testing.T) {
	t.Parallel()

	s := newFakeServer(t)
	s.addGame("g1", `{}`)

	c := newTestController(t, s, nil)
	var re *RemoteError
	if err := c.Connect(testCtx(t), "nope"); !errors.As(err, &re) || re.Status != http.StatusNotFound {
		t.Fatalf("unknown game err=%v", err)
	}

	bad := newTestController(t, s, func(cfg *Config) { cfg.Token = "wrong" })
	if err := bad.Connect(testCtx(t), "g1"); !errors.As(err, &re) || re.Status != http.StatusUnauthorized {
		t.Fatalf("bad token err=%v", err)
	}

	_ = c.Close()
	if err := c.Connect(testCtx(t), "g1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("connect after close err=%v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
	}{
		{"no scheme", Config{BaseURL: "127.0.0.1:8080", Token: "t"}},
		{"ws scheme", Config{BaseURL: "ws://127.0.0.1:8080", Token: "t"}},
		{"no token", Config{BaseURL: "http://127.0.0.1:8080"}},
		{"no host", Config{BaseURL: "http://", Token: "t"}},
	}
	for _, tc := range cases {
		if _, err := New(tc.cfg); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}

	c, err := New(Config{BaseURL: "https://table.example/", Token: "t"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.wsURL("g1"); got != "wss://table.example/games/g1/ws" {
		t.Fatalf("wsURL=%q", got)
	}
	if got := c.gameURL("g1", "leave"); got != "https://table.example/games/g1/leave" {
		t.Fatalf("gameURL=%q", got)
	}
}
