// Package gameapi serves the durable REST surface for game documents.
package gameapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tablesync/cmd/internal/auth"
	"tablesync/cmd/internal/docstore"
	"tablesync/cmd/internal/game"
	"tablesync/shared/patch"
)

const (
	maxCreateBodyBytes = 4 << 10
	maxPatchBodyBytes  = 1 << 20
	maxPatchOps        = 512
	maxGameNameRunes   = 120
)

// Registry is the session registry surface used by the REST handler.
type Registry interface {
	CreateGame(ctx context.Context, in game.CreateGameInput) (docstore.Document, error)
	Snapshot(ctx context.Context, gameID, memberID string) (game.Snapshot, error)
	Submit(ctx context.Context, gameID string, p patch.Patch, origin game.Origin) (int64, error)
	Join(ctx context.Context, gameID, memberID, username string) (bool, error)
	Leave(ctx context.Context, gameID, memberID string) (bool, error)
}

// Handler wires REST game endpoints to the registry.
type Handler struct {
	log      *slog.Logger
	registry Registry
	verifier auth.Verifier
	timeout  time.Duration
}

// NewHandler constructs a Handler. timeout bounds each registry call; zero means 15s.
func NewHandler(log *slog.Logger, registry Registry, verifier auth.Verifier, timeout time.Duration) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Handler{log: log, registry: registry, verifier: verifier, timeout: timeout}
}

// Register wires game routes onto r.
func (h *Handler) Register(r *mux.Router) {
	if h == nil || r == nil {
		return
	}
	r.HandleFunc("/games", h.withClaims(h.handleCreate)).Methods(http.MethodPost)
	r.HandleFunc("/games/{gameID}", h.withClaims(h.handleGet)).Methods(http.MethodGet)
	r.HandleFunc("/games/{gameID}", h.withClaims(h.handlePatch)).Methods(http.MethodPatch)
	r.HandleFunc("/games/{gameID}/leave", h.withClaims(h.handleLeave)).Methods(http.MethodPost)
	r.HandleFunc("/games/{gameID}/guests", h.withClaims(h.handleJoinGuest)).Methods(http.MethodPost)
}

type claimsHandler func(w http.ResponseWriter, r *http.Request, claims auth.AccessClaims)

func (h *Handler) withClaims(next claimsHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := auth.BearerToken(r)
		if tok == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := h.verifier.Verify(tok, time.Now().UTC())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next(w, r, claims)
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, claims auth.AccessClaims) {
	var req createGameRequest
	if err := decodeJSON(w, r, maxCreateBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len([]rune(name)) > maxGameNameRunes {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("name must have 1..%d characters", maxGameNameRunes))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	doc, err := h.registry.CreateGame(ctx, game.CreateGameInput{
		Name:          name,
		OwnerID:       claims.UserID,
		OwnerUsername: claims.Username,
	})
	if err != nil {
		if docstore.IsConflict(err) {
			writeError(w, http.StatusConflict, "conflict", "game already exists")
			return
		}
		h.log.Error("gameapi.create.fail", "member_id", claims.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, game.CodeInternal, "could not create game")
		return
	}

	writeJSON(w, http.StatusCreated, gameResponse{
		ID:         doc.ID,
		Version:    doc.Version,
		LastActive: doc.LastActive,
		Document:   doc.Body,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, claims auth.AccessClaims) {
	gameID := mux.Vars(r)["gameID"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, err := h.registry.Snapshot(ctx, gameID, claims.UserID)
	if err != nil {
		h.writeGameError(w, gameID, claims.UserID, err)
		return
	}
	body, err := json.Marshal(snap.Document)
	if err != nil {
		h.writeGameError(w, gameID, claims.UserID, err)
		return
	}
	writeJSON(w, http.StatusOK, gameResponse{
		ID:         snap.GameID,
		Version:    snap.Version,
		LastActive: snap.LastActive,
		Document:   body,
	})
}

func (h *Handler) handlePatch(w http.ResponseWriter, r *http.Request, claims auth.AccessClaims) {
	gameID := mux.Vars(r)["gameID"]

	raw, err := readBody(w, r, maxPatchBodyBytes)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, game.CodeInvalidPatch, "patch too large")
			return
		}
		writeError(w, http.StatusBadRequest, game.CodeInvalidPatch, "could not read body")
		return
	}
	p, err := patch.Decode(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, game.CodeInvalidPatch, err.Error())
		return
	}
	if len(p) == 0 || len(p) > maxPatchOps {
		writeError(w, http.StatusBadRequest, game.CodeInvalidPatch, fmt.Sprintf("patch must have 1..%d operations", maxPatchOps))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	version, err := h.registry.Submit(ctx, gameID, p, game.Origin{MemberID: claims.UserID})
	if err != nil {
		h.writeGameError(w, gameID, claims.UserID, err)
		return
	}
	writeJSON(w, http.StatusOK, patchResponse{Version: version})
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request, claims auth.AccessClaims) {
	gameID := mux.Vars(r)["gameID"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	removed, err := h.registry.Leave(ctx, gameID, claims.UserID)
	if err != nil {
		h.writeGameError(w, gameID, claims.UserID, err)
		return
	}
	writeJSON(w, http.StatusOK, leaveResponse{Removed: removed})
}

func (h *Handler) handleJoinGuest(w http.ResponseWriter, r *http.Request, claims auth.AccessClaims) {
	gameID := mux.Vars(r)["gameID"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	added, err := h.registry.Join(ctx, gameID, claims.UserID, claims.Username)
	if err != nil {
		h.writeGameError(w, gameID, claims.UserID, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, guestResponse{Added: added})
}

func (h *Handler) writeGameError(w http.ResponseWriter, gameID, memberID string, err error) {
	code := game.ErrorCode(err)
	status := StatusForCode(code)
	if status >= http.StatusInternalServerError {
		h.log.Warn("gameapi.request.fail", "game_id", gameID, "member_id", memberID, "code", code, "err", err)
	}
	msg := err.Error()
	if code == game.CodeInternal {
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

// StatusForCode maps a game error code to its HTTP status.
func StatusForCode(code string) int {
	switch code {
	case game.CodePathNotFound, game.CodeGameNotFound:
		return http.StatusNotFound
	case game.CodeInvalidPath, game.CodeTestFailed:
		return http.StatusUnprocessableEntity
	case game.CodeInvalidPatch:
		return http.StatusBadRequest
	case game.CodeNotMember:
		return http.StatusForbidden
	case game.CodeActivationFailed, game.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
