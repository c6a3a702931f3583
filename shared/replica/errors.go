package replica

import (
	"errors"
	"fmt"
)

var (
	// ErrStale is returned by Document while the replica may have missed patches.
	ErrStale = errors.New("replica: stale")

	// ErrNotConnected is returned when no game is selected.
	ErrNotConnected = errors.New("replica: not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("replica: closed")

	// ErrProtocol reports an unexpected envelope from the server.
	ErrProtocol = errors.New("replica: protocol error")
)

// RemoteError is a rejection reported by the server.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("replica: server returned %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("replica: server returned %d %s: %s", e.Status, e.Code, e.Message)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *RemoteError) Permanent() bool {
	switch e.Status {
	case 400, 401, 403, 404, 409, 413, 422:
		return true
	default:
		return false
	}
}
