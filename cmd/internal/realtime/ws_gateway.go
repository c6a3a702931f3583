package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"

	"tablesync/cmd/internal/auth"
	"tablesync/cmd/internal/game"
	v1 "tablesync/shared/contracts/realtime/v1"
	"tablesync/shared/patch"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsCloseGrace          = 1 * time.Second
	wsSubmitTimeout       = 10 * time.Second

	wsMaxPingFailures = 3
)

// SessionRegistry is the part of game.Registry the gateway depends on.
type SessionRegistry interface {
	Snapshot(ctx context.Context, gameID, memberID string) (game.Snapshot, error)
	Subscribe(ctx context.Context, gameID, memberID string, join func(game.Snapshot) error) error
	Submit(ctx context.Context, gameID string, p patch.Patch, origin game.Origin) (int64, error)
	Touch(gameID string)
}

// GatewayConfig tunes the websocket gateway. Zero values fall back to defaults.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept origin verification. Dev only.
	DevInsecure bool

	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout time.Duration
	// ReadIdleTimeout closes connections that send nothing for this long. Zero disables it;
	// replicas that only listen stay alive through the heartbeat.
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// WSGateway is the WebSocket entrypoint for game subscriptions.
//
// It enforces origin policy, authentication, membership, subprotocol selection,
// rate limits and heartbeats, and routes validated envelopes to the registry.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	registry SessionRegistry
	verifier auth.Verifier
	metrics  *Metrics
	cfg      GatewayConfig

	origins originPolicy
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, hub *Hub, registry SessionRegistry, verifier auth.Verifier, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = wsDefaultWriteTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = wsDefaultSendQueueSize
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsMinSendQueueSize
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = heartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = heartbeatTimeout
	}
	if cfg.RateEvents <= 0 {
		cfg.RateEvents = rateLimitEvents
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = rateLimitWindow
	}

	return &WSGateway{
		log:      log,
		hub:      hub,
		registry: registry,
		verifier: verifier,
		metrics:  hub.opts.Metrics,
		cfg:      cfg,
		origins:  newOriginPolicy(cfg.OriginRequired, cfg.AllowedOrigins),
	}
}

// ServeHTTP implements http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades and runs one subscription to the game in the route.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	gameID := strings.TrimSpace(mux.Vars(r)["gameID"])
	if gameID == "" {
		http.Error(w, "missing game id", http.StatusBadRequest)
		return
	}

	if err := g.origins.check(r.Header.Get("Origin")); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.metrics.rejected.WithLabelValues("origin").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	claims, err := g.verifier.Verify(auth.RequestToken(r), time.Now().UTC())
	if err != nil {
		g.metrics.rejected.WithLabelValues("auth").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Reject non-members with a proper HTTP status before upgrading.
	if _, err := g.registry.Snapshot(r.Context(), gameID, claims.UserID); err != nil {
		code := game.ErrorCode(err)
		g.metrics.rejected.WithLabelValues(code).Inc()
		g.log.Info("ws.reject.subscribe", "game_id", gameID, "member_id", claims.UserID, "code", code)
		http.Error(w, code, httpStatusForCode(code))
		return
	}

	// Server-wide read/write timeouts must not cut a long-lived socket.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origins.acceptPatterns(),
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnID(time.Now().UTC())
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "id")
		return
	}
	client := NewClient(claims.UserID, connID, g.cfg.SendQueueSize)
	log := g.log.With("game_id", gameID, "conn_id", connID, "member_id", claims.UserID)

	g.metrics.connections.Inc()
	defer g.metrics.connections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown runs once per connection; client.Send stays open for concurrent broadcasts.
	// Hub removal happens before client.Close so no broadcaster targets a closing client.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unsubscribe(client)
			g.registry.Touch(gameID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			log.Info("ws.close", "reason", reason)
		})
	}

	if err := g.subscribe(ctx, gameID, client); err != nil {
		code := game.ErrorCode(err)
		_ = writeEnvelope(ctx, conn, errorEnvelope(code, err.Error()), g.cfg.WriteTimeout)
		shutdown(websocket.StatusPolicyViolation, "subscribe failed")
		return
	}
	log.Info("ws.subscribe")

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				switch {
				case errors.Is(client.Err(), ErrDeliveryFailed):
					shutdown(websocket.StatusPolicyViolation, "send queue overflow")
				case errors.Is(client.Err(), ErrGameClosed):
					shutdown(websocket.StatusGoingAway, "game closed")
				default:
					shutdown(websocket.StatusNormalClosure, "bye")
				}
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := ctx, context.CancelFunc(func() {})
		if g.cfg.ReadIdleTimeout > 0 {
			readCtx, readCancel = context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		}
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			code, reason, malformed := readFailure(err)
			if malformed {
				g.trySendError(client, "bad_json", "invalid JSON")
				continue readLoop
			}
			log.Debug("ws.read.end", "reason", reason, "err", err)
			shutdown(code, reason)
			break readLoop
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypePatchSubmit:
			g.onPatchSubmit(ctx, gameID, client, env)

		case v1.TypeSnapshotRequest:
			if err := g.subscribe(ctx, gameID, client); err != nil {
				code := game.ErrorCode(err)
				g.trySendError(client, code, err.Error())
				if code == game.CodeNotMember {
					shutdown(websocket.StatusPolicyViolation, "not a member")
					break readLoop
				}
			}

		default:
			g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// subscribe queues a snapshot and joins the hub inside the session's write serialization,
// so the client sees every later patch exactly once, after the snapshot.
func (g *WSGateway) subscribe(ctx context.Context, gameID string, client *Client) error {
	return g.registry.Subscribe(ctx, gameID, client.MemberID, func(snap game.Snapshot) error {
		doc, err := json.Marshal(snap.Document)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(v1.SnapshotPayload{
			GameID:     snap.GameID,
			Version:    snap.Version,
			LastActive: snap.LastActive,
			Document:   doc,
		})
		if err != nil {
			return err
		}
		if !client.Enqueue(newEnvelope(v1.TypeSnapshot, payload, time.Now().UTC())) {
			return ErrDeliveryFailed
		}
		g.hub.Join(gameID, client)
		return nil
	})
}

func (g *WSGateway) onPatchSubmit(ctx context.Context, gameID string, client *Client, env v1.Envelope) {
	var p v1.PatchSubmitPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendAck(client, v1.PatchAckPayload{Code: game.CodeInvalidPatch, Message: "invalid payload"})
		return
	}
	if len(p.Patches) == 0 || len(p.Patches) > maxPatchOps {
		g.sendAck(client, v1.PatchAckPayload{
			ClientRef: p.ClientRef,
			Code:      game.CodeInvalidPatch,
			Message:   fmt.Sprintf("patch must have 1..%d operations", maxPatchOps),
		})
		return
	}

	subCtx, cancel := context.WithTimeout(ctx, wsSubmitTimeout)
	defer cancel()

	version, err := g.registry.Submit(subCtx, gameID, p.Patches, game.Origin{
		MemberID: client.MemberID,
		ConnID:   client.ConnID,
	})
	if err != nil {
		g.sendAck(client, v1.PatchAckPayload{ClientRef: p.ClientRef, Code: game.ErrorCode(err), Message: err.Error()})
		return
	}
	g.sendAck(client, v1.PatchAckPayload{ClientRef: p.ClientRef, Version: version})
}

// ---- send helpers ----

func (g *WSGateway) sendAck(client *Client, ack v1.PatchAckPayload) {
	b, err := json.Marshal(ack)
	if err != nil {
		g.log.Error("ws.ack.encode.fail", "conn_id", client.ConnID, "client_ref", ack.ClientRef, "err", err)
		return
	}
	if !client.Enqueue(newEnvelope(v1.TypePatchAck, b, time.Now().UTC())) {
		client.Fail(ErrDeliveryFailed)
	}
}

func (g *WSGateway) trySendError(client *Client, code, msg string) {
	_ = client.Enqueue(errorEnvelope(code, msg))
}

func errorEnvelope(code, msg string) v1.Envelope {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	return newEnvelope(v1.TypeError, p, time.Now().UTC())
}

func httpStatusForCode(code string) int {
	switch code {
	case game.CodeNotMember:
		return http.StatusForbidden
	case game.CodeGameNotFound:
		return http.StatusNotFound
	case game.CodeActivationFailed, game.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// readFailure maps a read error to the close code and reason for the socket.
// malformed reports a bad frame the connection survives.
func readFailure(err error) (code websocket.StatusCode, reason string, malformed bool) {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return 0, "", true
	case websocket.CloseStatus(err) != -1:
		return websocket.StatusNormalClosure, "peer closed", false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return websocket.StatusNormalClosure, "context done", false
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return websocket.StatusAbnormalClosure, "conn closed", false
	default:
		return websocket.StatusAbnormalClosure, "read failed", false
	}
}
