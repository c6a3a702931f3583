// Package v1 defines the tablesync realtime protocol v1 contract.
//
// It is shared between the server gateway and the replica controller so the wire
// format has a single authoritative definition.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tablesync/shared/patch"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated by clients.
const Subprotocol = "tablesync.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeSnapshot carries the full document at a version (server -> client).
	// It is always the first envelope after subscribing.
	TypeSnapshot = "snapshot"
	// TypePatch broadcasts an applied patch (server -> subscribers).
	TypePatch = "patch"

	// TypePatchSubmit submits a patch over the socket (client -> server).
	TypePatchSubmit = "patch.submit"
	// TypePatchAck acknowledges a socket submission (server -> client).
	TypePatchAck = "patch.ack"

	// TypeSnapshotRequest asks for a fresh snapshot (client -> server).
	TypeSnapshotRequest = "snapshot.request"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSnapshot,
		TypePatch,
		TypePatchSubmit,
		TypePatchAck,
		TypeSnapshotRequest,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// SnapshotPayload is the full document at Version.
type SnapshotPayload struct {
	GameID     string          `json:"game_id"`
	Version    int64           `json:"version"`
	LastActive time.Time       `json:"last_active"`
	Document   json.RawMessage `json:"document"`
}

// PatchPayload is one applied patch. Version is the document version after applying it,
// so consecutive patches for a game carry consecutive versions.
type PatchPayload struct {
	GameID  string      `json:"game_id"`
	Version int64       `json:"version"`
	Origin  string      `json:"origin,omitempty"`
	Patches patch.Patch `json:"patches"`
}

// PatchSubmitPayload submits a patch over the socket.
type PatchSubmitPayload struct {
	ClientRef string      `json:"client_ref,omitempty"`
	Patches   patch.Patch `json:"patches"`
}

// PatchAckPayload reports the result of a socket submission.
type PatchAckPayload struct {
	ClientRef string `json:"client_ref,omitempty"`
	Version   int64  `json:"version,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
