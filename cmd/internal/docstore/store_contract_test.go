package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"tablesync/cmd/internal/ids"
)

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("create_load_roundtrip", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		id := ids.MustULID(time.Now())
		created := time.Now().UTC().Truncate(time.Millisecond)
		body := json.RawMessage(`{"players":{"u1":{"username":"ann","role":"gm","isGuest":false}}}`)

		if err := st.Create(ctx, Document{ID: id, Body: body, CreatedAt: created, LastActive: created}); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := st.Load(ctx, id)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got.ID != id || got.Version != 0 {
			t.Fatalf("unexpected doc: %+v", got)
		}
		if !jsonEqual(t, got.Body, body) {
			t.Fatalf("body=%s want=%s", got.Body, body)
		}
		if !got.LastActive.Equal(created) {
			t.Fatalf("last_active=%v want=%v", got.LastActive, created)
		}
	})

	t.Run("duplicate_create_conflicts", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		id := ids.MustULID(time.Now())
		doc := Document{ID: id, Body: json.RawMessage(`{}`)}
		if err := st.Create(ctx, doc); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := st.Create(ctx, doc); !errors.Is(err, ErrConflict) {
			t.Fatalf("second Create err=%v want ErrConflict", err)
		}
	})

	t.Run("load_missing", func(t *testing.T) {
		st := newStore(t)
		if _, err := st.Load(testCtx(t), "missing-game"); !IsNotFound(err) {
			t.Fatalf("Load missing err=%v want ErrNotFound", err)
		}
	})

	t.Run("save_overwrites_and_rejects_stale", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		id := ids.MustULID(time.Now())
		if err := st.Create(ctx, Document{ID: id, Body: json.RawMessage(`{"round":1}`)}); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := st.Save(ctx, Document{ID: id, Version: 3, Body: json.RawMessage(`{"round":4}`)}); err != nil {
			t.Fatalf("Save v3: %v", err)
		}
		if err := st.Save(ctx, Document{ID: id, Version: 2, Body: json.RawMessage(`{"round":3}`)}); !IsConflict(err) {
			t.Fatalf("stale Save err=%v want ErrConflict", err)
		}
		got, err := st.Load(ctx, id)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got.Version != 3 || !jsonEqual(t, got.Body, json.RawMessage(`{"round":4}`)) {
			t.Fatalf("unexpected doc after saves: v=%d body=%s", got.Version, got.Body)
		}

		// Same version re-save is allowed (idempotent flush retry).
		if err := st.Save(ctx, Document{ID: id, Version: 3, Body: json.RawMessage(`{"round":4}`)}); err != nil {
			t.Fatalf("re-Save v3: %v", err)
		}
	})

	t.Run("save_missing_does_not_resurrect", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		err := st.Save(ctx, Document{ID: "gone", Version: 1, Body: json.RawMessage(`{}`)})
		if !IsNotFound(err) {
			t.Fatalf("Save missing err=%v want ErrNotFound", err)
		}
		if _, err := st.Load(ctx, "gone"); !IsNotFound(err) {
			t.Fatalf("Save created a row: %v", err)
		}
	})

	t.Run("invalid_input", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		if err := st.Create(ctx, Document{ID: "", Body: json.RawMessage(`{}`)}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("empty id err=%v", err)
		}
		if err := st.Create(ctx, Document{ID: "x", Body: json.RawMessage(`{`)}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("bad body err=%v", err)
		}
	})

	t.Run("touch_moves_forward_only", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		base := time.Now().UTC().Truncate(time.Millisecond)
		id := ids.MustULID(base)
		if err := st.Create(ctx, Document{ID: id, Body: json.RawMessage(`{}`), LastActive: base}); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := st.Touch(ctx, id, base.Add(time.Hour)); err != nil {
			t.Fatalf("Touch: %v", err)
		}
		if err := st.Touch(ctx, id, base.Add(-time.Hour)); err != nil {
			t.Fatalf("Touch back: %v", err)
		}
		got, err := st.Load(ctx, id)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if !got.LastActive.Equal(base.Add(time.Hour)) {
			t.Fatalf("last_active=%v want=%v", got.LastActive, base.Add(time.Hour))
		}
		if err := st.Touch(ctx, "missing-game", base); !IsNotFound(err) {
			t.Fatalf("Touch missing err=%v", err)
		}
	})

	t.Run("purge_inactive_respects_keep", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		now := time.Now().UTC().Truncate(time.Millisecond)
		old := now.Add(-100 * 24 * time.Hour)
		oldA, oldB, fresh := ids.MustULID(now)+"a", ids.MustULID(now)+"b", ids.MustULID(now)+"c"

		for _, d := range []Document{
			{ID: oldA, Body: json.RawMessage(`{}`), LastActive: old},
			{ID: oldB, Body: json.RawMessage(`{}`), LastActive: old},
			{ID: fresh, Body: json.RawMessage(`{}`), LastActive: now},
		} {
			if err := st.Create(ctx, d); err != nil {
				t.Fatalf("Create %s: %v", d.ID, err)
			}
		}

		n, err := st.PurgeInactive(ctx, now.Add(-90*24*time.Hour), []string{oldB})
		if err != nil {
			t.Fatalf("PurgeInactive: %v", err)
		}
		if n != 1 {
			t.Fatalf("purged=%d want=1", n)
		}
		if _, err := st.Load(ctx, oldA); !IsNotFound(err) {
			t.Fatalf("oldA should be gone: %v", err)
		}
		for _, id := range []string{oldB, fresh} {
			if _, err := st.Load(ctx, id); err != nil {
				t.Fatalf("%s should remain: %v", id, err)
			}
		}
	})
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func jsonEqual(t *testing.T, a, b []byte) bool {
	t.Helper()
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		t.Fatalf("decode %s: %v", a, err)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	ab, _ := json.Marshal(av)
	bb, _ := json.Marshal(bv)
	return string(ab) == string(bb)
}
