package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tablesync/cmd/internal/auth"
)

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()

	cfg := Config{
		Store:                 StoreMemory,
		JWTSecret:             testSecret,
		JWTIssuer:             "tablesync",
		FlushDelay:            time.Hour,
		SessionIdle:           time.Minute,
		ReadinessRequireStore: true,
		MetricsEnabled:        true,
		RequestTimeout:        5 * time.Second,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(a.routes())
	t.Cleanup(func() {
		ts.Close()
		_ = a.registry.Close(context.Background())
		_ = a.store.Close()
	})
	return a, ts
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	m, err := auth.NewJWTManager(auth.Config{Issuer: "tablesync", Secret: []byte(testSecret)})
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}
	tok, _, err := m.Issue(userID, userID, time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return "Bearer " + tok
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestApp_Probes(t *testing.T) {
	t.Parallel()

	a, ts := newTestApp(t)

	if status, body := get(t, ts.URL+"/healthz"); status != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthz=%d %q", status, body)
	}
	if status, _ := get(t, ts.URL+"/readyz"); status != http.StatusOK {
		t.Fatalf("readyz=%d", status)
	}

	a.draining.Store(true)
	if status, _ := get(t, ts.URL+"/readyz"); status != http.StatusServiceUnavailable {
		t.Fatalf("readyz while draining=%d", status)
	}
}

func TestApp_GameFlowAndMetrics(t *testing.T) {
	t.Parallel()

	_, ts := newTestApp(t)
	client := ts.Client()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/games", strings.NewReader(`{"name":"Crypt"}`))
	req.Header.Set("Authorization", bearer(t, "gm1"))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var created struct {
		ID string `json:"id"`
	}
	err = json.NewDecoder(resp.Body).Decode(&created)
	_ = resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusCreated || created.ID == "" {
		t.Fatalf("create status=%d id=%q err=%v", resp.StatusCode, created.ID, err)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("security headers missing: %q", got)
	}

	req, _ = http.NewRequest(http.MethodPatch, ts.URL+"/games/"+created.ID, strings.NewReader(`[{"op":"add","path":"/turn","value":1}]`))
	req.Header.Set("Authorization", bearer(t, "gm1"))
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status=%d", resp.StatusCode)
	}

	status, body := get(t, ts.URL+"/metrics")
	if status != http.StatusOK {
		t.Fatalf("metrics status=%d", status)
	}
	for _, want := range []string{"tablesync_active_sessions 1", `tablesync_patches_total{result="applied"} 1`, "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestApp_UnknownStore(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{Store: "etcd", JWTSecret: testSecret, JWTIssuer: "tablesync"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatalf("expected error for unknown store")
	}
}

func TestApp_SQLiteStore(t *testing.T) {
	t.Parallel()

	cfg := Config{Store: StoreSQLite, SQLitePath: t.TempDir() + "/games.db", JWTSecret: testSecret, JWTIssuer: "tablesync"}
	st, err := openStore(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer func() { _ = st.Close() }()
	if st.driver != StoreSQLite {
		t.Fatalf("driver=%q", st.driver)
	}
	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
