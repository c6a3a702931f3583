package gameapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"tablesync/cmd/internal/auth"
	"tablesync/cmd/internal/docstore"
	"tablesync/cmd/internal/game"
)

type apiFixture struct {
	ts       *httptest.Server
	tokens   *auth.JWTManager
	store    *docstore.InMemoryStore
	registry *game.Registry
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := docstore.NewInMemoryStore()
	reg := game.NewRegistry(log, store, game.Options{FlushDelay: time.Hour})
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	tokens, err := auth.NewJWTManager(auth.Config{Issuer: "tablesync", Secret: []byte(strings.Repeat("k", 32))})
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}

	r := mux.NewRouter()
	NewHandler(log, reg, tokens, 0).Register(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return &apiFixture{ts: ts, tokens: tokens, store: store, registry: reg}
}

func (f *apiFixture) do(t *testing.T, method, path, userID, body string) (int, []byte) {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if userID != "" {
		tok, _, err := f.tokens.Issue(userID, "name-"+userID, time.Now().UTC())
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func (f *apiFixture) createGame(t *testing.T, owner string) string {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/games", owner, `{"name":"Night at the Inn"}`)
	if status != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", status, body)
	}
	var g gameResponse
	if err := json.Unmarshal(body, &g); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	return g.ID
}

func errorCodeOf(t *testing.T, body []byte) string {
	t.Helper()
	var e errorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode error body %s: %v", body, err)
	}
	return e.Error.Code
}

func TestGameAPI_CreateGetPatch(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	id := f.createGame(t, "gm1")

	status, body := f.do(t, http.MethodGet, "/games/"+id, "gm1", "")
	if status != http.StatusOK {
		t.Fatalf("get status=%d body=%s", status, body)
	}
	var g gameResponse
	if err := json.Unmarshal(body, &g); err != nil {
		t.Fatalf("decode get: %v", err)
	}
	var doc struct {
		Name    string                 `json:"name"`
		Players map[string]game.Member `json:"players"`
	}
	if err := json.Unmarshal(g.Document, &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if doc.Name != "Night at the Inn" || doc.Players["gm1"].Role != game.RoleGM {
		t.Fatalf("document=%s", g.Document)
	}

	status, body = f.do(t, http.MethodPatch, "/games/"+id, "gm1", `[{"op":"add","path":"/round","value":1}]`)
	if status != http.StatusOK {
		t.Fatalf("patch status=%d body=%s", status, body)
	}
	var pr patchResponse
	if err := json.Unmarshal(body, &pr); err != nil || pr.Version != 1 {
		t.Fatalf("patch response=%s err=%v", body, err)
	}

	_, body = f.do(t, http.MethodGet, "/games/"+id, "gm1", "")
	if err := json.Unmarshal(body, &g); err != nil {
		t.Fatalf("decode get: %v", err)
	}
	if g.Version != 1 || !strings.Contains(string(g.Document), `"round":1`) {
		t.Fatalf("after patch: %+v %s", g, g.Document)
	}
}

func TestGameAPI_PatchErrorMapping(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	id := f.createGame(t, "gm1")

	cases := []struct {
		name     string
		user     string
		gameID   string
		body     string
		wantCode int
		wantErr  string
	}{
		{"path not found", "gm1", id, `[{"op":"remove","path":"/nope"}]`, http.StatusNotFound, game.CodePathNotFound},
		{"test failed", "gm1", id, `[{"op":"test","path":"/name","value":"x"}]`, http.StatusUnprocessableEntity, game.CodeTestFailed},
		{"invalid path", "gm1", id, `[{"op":"add","path":"/name/x","value":1}]`, http.StatusUnprocessableEntity, game.CodeInvalidPath},
		{"unknown op", "gm1", id, `[{"op":"frobnicate","path":"/name"}]`, http.StatusBadRequest, game.CodeInvalidPatch},
		{"not an array", "gm1", id, `{"op":"add"}`, http.StatusBadRequest, game.CodeInvalidPatch},
		{"empty patch", "gm1", id, `[]`, http.StatusBadRequest, game.CodeInvalidPatch},
		{"not a member", "stranger", id, `[{"op":"add","path":"/x","value":1}]`, http.StatusForbidden, game.CodeNotMember},
		{"unknown game", "gm1", "missing", `[{"op":"add","path":"/x","value":1}]`, http.StatusNotFound, game.CodeGameNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := f.do(t, http.MethodPatch, "/games/"+tc.gameID, tc.user, tc.body)
			if status != tc.wantCode {
				t.Fatalf("status=%d want=%d body=%s", status, tc.wantCode, body)
			}
			if code := errorCodeOf(t, body); code != tc.wantErr {
				t.Fatalf("code=%q want=%q", code, tc.wantErr)
			}
		})
	}

	// None of the rejected patches moved the version.
	snap, err := f.registry.Snapshot(context.Background(), id, "gm1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Version != 0 {
		t.Fatalf("version=%d after rejected patches", snap.Version)
	}
}

func TestGameAPI_RequiresBearerToken(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	status, body := f.do(t, http.MethodPost, "/games", "", `{"name":"x"}`)
	if status != http.StatusUnauthorized || errorCodeOf(t, body) != "unauthorized" {
		t.Fatalf("status=%d body=%s", status, body)
	}
}

func TestGameAPI_CreateValidation(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	for _, body := range []string{`{"name":""}`, `{"name":"ok","extra":1}`, `not json`, `{"name":"` + strings.Repeat("a", 121) + `"}`} {
		status, resp := f.do(t, http.MethodPost, "/games", "gm1", body)
		if status != http.StatusBadRequest {
			t.Fatalf("body %q: status=%d resp=%s", body, status, resp)
		}
	}
}

func TestGameAPI_GuestJoinAndLeave(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	id := f.createGame(t, "gm1")

	status, body := f.do(t, http.MethodPost, "/games/"+id+"/guests", "guest1", "")
	if status != http.StatusCreated {
		t.Fatalf("join status=%d body=%s", status, body)
	}
	status, body = f.do(t, http.MethodPost, "/games/"+id+"/guests", "guest1", "")
	var gr guestResponse
	if err := json.Unmarshal(body, &gr); err != nil || status != http.StatusOK || gr.Added {
		t.Fatalf("second join status=%d body=%s", status, body)
	}

	snap, err := f.registry.Snapshot(context.Background(), id, "guest1")
	if err != nil {
		t.Fatalf("guest snapshot: %v", err)
	}
	if snap.Version != 1 {
		t.Fatalf("version=%d want 1 (idempotent join)", snap.Version)
	}

	status, body = f.do(t, http.MethodPost, "/games/"+id+"/leave", "guest1", "")
	var lr leaveResponse
	if err := json.Unmarshal(body, &lr); err != nil || status != http.StatusOK || !lr.Removed {
		t.Fatalf("leave status=%d body=%s", status, body)
	}

	status, body = f.do(t, http.MethodGet, "/games/"+id, "guest1", "")
	if status != http.StatusForbidden {
		t.Fatalf("get after leave status=%d body=%s", status, body)
	}
}

func TestGameAPI_LastLeaveFlushesAndDeactivates(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	id := f.createGame(t, "gm1")

	if status, body := f.do(t, http.MethodPatch, "/games/"+id, "gm1", `[{"op":"add","path":"/round","value":3}]`); status != http.StatusOK {
		t.Fatalf("patch status=%d body=%s", status, body)
	}
	if status, body := f.do(t, http.MethodPost, "/games/"+id+"/leave", "gm1", ""); status != http.StatusOK {
		t.Fatalf("leave status=%d body=%s", status, body)
	}

	if _, ok := f.registry.TryGet(id); ok {
		t.Fatalf("session still active after last member left")
	}
	doc, err := f.store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Version != 2 || !strings.Contains(string(doc.Body), `"round":3`) {
		t.Fatalf("stored doc version=%d body=%s", doc.Version, doc.Body)
	}
}

func TestStatusForCode(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		game.CodePathNotFound:     http.StatusNotFound,
		game.CodeInvalidPath:      http.StatusUnprocessableEntity,
		game.CodeTestFailed:       http.StatusUnprocessableEntity,
		game.CodeInvalidPatch:     http.StatusBadRequest,
		game.CodeNotMember:        http.StatusForbidden,
		game.CodeActivationFailed: http.StatusServiceUnavailable,
		game.CodeGameNotFound:     http.StatusNotFound,
		game.CodeInternal:         http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := StatusForCode(code); got != want {
			t.Fatalf("StatusForCode(%q)=%d want %d", code, got, want)
		}
	}
}
