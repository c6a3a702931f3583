package gameapi

import (
	"encoding/json"
	"time"
)

type createGameRequest struct {
	Name string `json:"name"`
}

type gameResponse struct {
	ID         string          `json:"id"`
	Version    int64           `json:"version"`
	LastActive time.Time       `json:"last_active"`
	Document   json.RawMessage `json:"document"`
}

type patchResponse struct {
	Version int64 `json:"version"`
}

type leaveResponse struct {
	Removed bool `json:"removed"`
}

type guestResponse struct {
	Added bool `json:"added"`
}
