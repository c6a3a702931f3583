package game

import (
	"errors"

	"tablesync/cmd/internal/docstore"
	"tablesync/shared/patch"
)

var (
	// ErrActivation wraps the store error when a session cannot be loaded.
	// No partial session is left registered.
	ErrActivation = errors.New("session activation failed")

	// ErrPersistence wraps the store error of a failed flush. The session stays dirty.
	ErrPersistence = errors.New("session persistence failed")

	// ErrSessionClosed is returned by a session that is deactivating or inactive.
	ErrSessionClosed = errors.New("session closed")

	// ErrRegistryClosed is returned after Registry.Close.
	ErrRegistryClosed = errors.New("registry closed")

	// ErrNotMember is returned when the caller is not in the game's player map.
	ErrNotMember = errors.New("not a member of this game")

	// ErrInvalidMember is returned for empty member ids or malformed member entries.
	ErrInvalidMember = errors.New("invalid member")
)

// Stable error codes shared by the REST and realtime surfaces.
const (
	CodePathNotFound     = "path_not_found"
	CodeInvalidPath      = "invalid_path"
	CodeTestFailed       = "test_failed"
	CodeInvalidPatch     = "invalid_patch"
	CodeNotMember        = "not_member"
	CodeGameNotFound     = "game_not_found"
	CodeActivationFailed = "activation_failed"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal"
)

// ErrorCode maps an error returned by this package (or the patch codec) to a stable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, patch.ErrPathNotFound):
		return CodePathNotFound
	case errors.Is(err, patch.ErrInvalidPath):
		return CodeInvalidPath
	case errors.Is(err, patch.ErrTestFailed):
		return CodeTestFailed
	case errors.Is(err, patch.ErrInvalidPatch), errors.Is(err, ErrInvalidMember):
		return CodeInvalidPatch
	case errors.Is(err, ErrNotMember):
		return CodeNotMember
	case errors.Is(err, ErrActivation) && errors.Is(err, docstore.ErrNotFound):
		return CodeGameNotFound
	case errors.Is(err, ErrActivation):
		return CodeActivationFailed
	case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrRegistryClosed):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
