package docstore

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a dev/test backend used when no database is configured.
// Bodies are copied on the way in and out so callers never share buffers with the store.
type InMemoryStore struct {
	mu   sync.Mutex
	docs map[string]Document
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{docs: make(map[string]Document)}
}

func copyDoc(d Document) Document {
	d.Body = append([]byte(nil), d.Body...)
	return d
}

// Create inserts a new document.
func (s *InMemoryStore) Create(ctx context.Context, doc Document) error {
	if err := validateDocument("docstore.Create", doc); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.LastActive.IsZero() {
		doc.LastActive = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; ok {
		return OpError{Op: "docstore.Create", Kind: ErrConflict, Msg: doc.ID}
	}
	s.docs[doc.ID] = copyDoc(doc)
	return nil
}

// Load returns a copy of the stored document.
func (s *InMemoryStore) Load(ctx context.Context, gameID string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[gameID]
	if !ok {
		return Document{}, OpError{Op: "docstore.Load", Kind: ErrNotFound, Msg: gameID}
	}
	return copyDoc(d), nil
}

// Save overwrites an existing document unless doc.Version is older than the stored one.
func (s *InMemoryStore) Save(ctx context.Context, doc Document) error {
	if err := validateDocument("docstore.Save", doc); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.docs[doc.ID]
	if !ok {
		return OpError{Op: "docstore.Save", Kind: ErrNotFound, Msg: doc.ID}
	}
	if doc.Version < cur.Version {
		return OpError{Op: "docstore.Save", Kind: ErrConflict, Msg: "stale version"}
	}
	doc.CreatedAt = cur.CreatedAt
	if doc.LastActive.Before(cur.LastActive) {
		doc.LastActive = cur.LastActive
	}
	s.docs[doc.ID] = copyDoc(doc)
	return nil
}

// Touch moves last_active forward.
func (s *InMemoryStore) Touch(ctx context.Context, gameID string, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[gameID]
	if !ok {
		return OpError{Op: "docstore.Touch", Kind: ErrNotFound, Msg: gameID}
	}
	if ts.After(d.LastActive) {
		d.LastActive = ts
		s.docs[gameID] = d
	}
	return nil
}

// PurgeInactive deletes documents idle since before cutoff.
func (s *InMemoryStore) PurgeInactive(ctx context.Context, cutoff time.Time, keep []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	skip := keepSet(keep)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, d := range s.docs {
		if _, ok := skip[id]; ok {
			continue
		}
		if d.LastActive.Before(cutoff) {
			delete(s.docs, id)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (s *InMemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }
