// Package docstore is the durable persistence boundary for game documents.
//
// The synchronization core treats every backend as a plain load/save-by-id store:
// the in-memory active session is a cache with write-through obligations and the
// store is the source of truth across restarts.
package docstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Document is the persisted representation of one game.
type Document struct {
	ID         string
	Version    int64
	LastActive time.Time
	CreatedAt  time.Time
	Body       json.RawMessage
}

// Store persists and loads game documents.
//
// Requirements:
//   - Load returns ErrNotFound for unknown ids.
//   - Save never resurrects a missing game (ErrNotFound) and never moves a
//     document back to an older version (ErrConflict).
//   - Touch only moves last_active forward.
type Store interface {
	Create(ctx context.Context, doc Document) error
	Load(ctx context.Context, gameID string) (Document, error)
	Save(ctx context.Context, doc Document) error
	Touch(ctx context.Context, gameID string, ts time.Time) error

	// PurgeInactive deletes games whose last_active is before cutoff, except ids in keep.
	PurgeInactive(ctx context.Context, cutoff time.Time, keep []string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Digest returns a content digest used to skip saves that would not change the stored body.
func Digest(body []byte) [32]byte {
	return blake2b.Sum256(body)
}

func validateDocument(op string, doc Document) error {
	if strings.TrimSpace(doc.ID) == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing id"}
	}
	if len(doc.Body) == 0 || !json.Valid(doc.Body) {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "body must be valid JSON"}
	}
	if doc.Version < 0 {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "negative version"}
	}
	return nil
}

func keepSet(keep []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		out[id] = struct{}{}
	}
	return out
}
