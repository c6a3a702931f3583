package realtime

import (
	"time"

	"tablesync/cmd/internal/ids"
)

// NewConnID returns a ULID used as websocket connection id.
func NewConnID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
