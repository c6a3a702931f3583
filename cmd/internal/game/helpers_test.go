package game

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tablesync/cmd/internal/docstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingStore wraps the in-memory store with load/save counters and failure switches.
type countingStore struct {
	*docstore.InMemoryStore

	loadDelay time.Duration
	loads     atomic.Int32
	saves     atomic.Int32
	touches   atomic.Int32
	failSaves atomic.Bool
}

var errStoreDown = errors.New("store down")

func newCountingStore() *countingStore {
	return &countingStore{InMemoryStore: docstore.NewInMemoryStore()}
}

func (s *countingStore) Load(ctx context.Context, id string) (docstore.Document, error) {
	s.loads.Add(1)
	if s.loadDelay > 0 {
		time.Sleep(s.loadDelay)
	}
	return s.InMemoryStore.Load(ctx, id)
}

func (s *countingStore) Save(ctx context.Context, d docstore.Document) error {
	s.saves.Add(1)
	if s.failSaves.Load() {
		return errStoreDown
	}
	return s.InMemoryStore.Save(ctx, d)
}

func (s *countingStore) Touch(ctx context.Context, id string, ts time.Time) error {
	s.touches.Add(1)
	return s.InMemoryStore.Touch(ctx, id, ts)
}

// recordingFanout records published events and lets tests fake subscriber counts.
type recordingFanout struct {
	mu     sync.Mutex
	events []Event
	subs   map[string]int
	closed []string
}

func newRecordingFanout() *recordingFanout {
	return &recordingFanout{subs: make(map[string]int)}
}

func (f *recordingFanout) Publish(ev Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *recordingFanout) Subscribers(gameID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[gameID]
}

func (f *recordingFanout) CloseGame(gameID string) {
	f.mu.Lock()
	f.closed = append(f.closed, gameID)
	f.mu.Unlock()
}

func (f *recordingFanout) setSubscribers(gameID string, n int) {
	f.mu.Lock()
	f.subs[gameID] = n
	f.mu.Unlock()
}

func (f *recordingFanout) Events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func (f *recordingFanout) Closed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func seedGame(t *testing.T, st docstore.Store, id, body string) {
	t.Helper()
	if err := st.Create(context.Background(), docstore.Document{ID: id, Body: json.RawMessage(body)}); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func mustLoad(t *testing.T, st docstore.Store, id string) docstore.Document {
	t.Helper()
	d, err := st.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	return d
}

func decodeJSON(t *testing.T, b []byte) any {
	t.Helper()
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return v
}

func encodeJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return string(b)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
