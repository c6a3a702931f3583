package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tablesync/shared/patch"
)

const maxResponseBytes = 4 << 20

type gameState struct {
	ID         string          `json:"id"`
	Version    int64           `json:"version"`
	LastActive time.Time       `json:"last_active"`
	Document   json.RawMessage `json:"document"`
}

type apiErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Controller) gameURL(gameID string, suffix ...string) string {
	parts := append([]string{"games", url.PathEscape(gameID)}, suffix...)
	return c.base.JoinPath(parts...).String()
}

func (c *Controller) wsURL(gameID string) string {
	u := *c.base.JoinPath("games", url.PathEscape(gameID), "ws")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

// do sends one authenticated JSON request and decodes a 2xx response into out.
func (c *Controller) do(ctx context.Context, method, target string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		re := &RemoteError{Status: resp.StatusCode, Code: strings.ToLower(http.StatusText(resp.StatusCode))}
		var eb apiErrorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error.Code != "" {
			re.Code, re.Message = eb.Error.Code, eb.Error.Message
		}
		return re
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrProtocol, method, err)
	}
	return nil
}

// fetch reads the authoritative document over the durable read path.
func (c *Controller) fetch(ctx context.Context, gameID string) (gameState, error) {
	var st gameState
	err := c.do(ctx, http.MethodGet, c.gameURL(gameID), nil, &st)
	return st, err
}

// Submit sends p for the connected game over the durable write path and returns the
// resulting version. The local replica is not changed: the patch comes back through
// the subscription like any other.
func (c *Controller) Submit(ctx context.Context, p patch.Patch) (int64, error) {
	gameID, err := c.currentGame()
	if err != nil {
		return 0, err
	}
	return c.SubmitTo(ctx, gameID, p)
}

// SubmitTo is Submit for an explicit game id.
func (c *Controller) SubmitTo(ctx context.Context, gameID string, p patch.Patch) (int64, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}
	var out struct {
		Version int64 `json:"version"`
	}
	if err := c.do(ctx, http.MethodPatch, c.gameURL(gameID), body, &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}

// CreateGame creates a game owned by the caller and returns its id.
func (c *Controller) CreateGame(ctx context.Context, name string) (string, error) {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return "", err
	}
	var st gameState
	if err := c.do(ctx, http.MethodPost, c.base.JoinPath("games").String(), body, &st); err != nil {
		return "", err
	}
	return st.ID, nil
}

// JoinAsGuest adds the caller to gameID as a guest player. It reports whether the caller was added.
func (c *Controller) JoinAsGuest(ctx context.Context, gameID string) (bool, error) {
	var out struct {
		Added bool `json:"added"`
	}
	err := c.do(ctx, http.MethodPost, c.gameURL(gameID, "guests"), nil, &out)
	return out.Added, err
}

// Leave removes the caller from gameID.
func (c *Controller) Leave(ctx context.Context, gameID string) (bool, error) {
	var out struct {
		Removed bool `json:"removed"`
	}
	err := c.do(ctx, http.MethodPost, c.gameURL(gameID, "leave"), nil, &out)
	return out.Removed, err
}
