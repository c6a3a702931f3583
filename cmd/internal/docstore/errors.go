package docstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a game document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned on duplicate creates and stale (older version) saves.
	ErrConflict = errors.New("document conflict")

	// ErrInvalidInput is returned for malformed documents or ids.
	ErrInvalidInput = errors.New("invalid input")
)

// OpError is a typed store error with a stable Op + Kind contract.
// Kind is one of the sentinel errors above or the underlying driver error.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
