// Package replica keeps a client-side copy of one game document in sync with the server.
//
// A Controller holds at most one live subscription. The server sends a snapshot first,
// then every applied patch with its post-apply version. The controller applies patches
// in version order; a gap or an apply failure marks the replica stale and forces a full
// resync from the durable read path. While stale, or after the subscription is lost,
// Document refuses to return a value.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	v1 "tablesync/shared/contracts/realtime/v1"
	"tablesync/shared/patch"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultRequestTimeout   = 10 * time.Second
	defaultReconnectMax     = 2 * time.Minute
	defaultReconnectInitial = 250 * time.Millisecond
	defaultEventBuffer      = 64

	maxFrameBytes = 4 << 20
)

// Config configures a Controller.
type Config struct {
	// BaseURL is the server's http(s) origin, e.g. "http://127.0.0.1:8080".
	BaseURL string
	// Token is the bearer access token sent on every request and on the socket handshake.
	Token string

	HTTPClient *http.Client
	Logger     *slog.Logger

	DialTimeout    time.Duration
	RequestTimeout time.Duration

	// ReconnectInitial and ReconnectMaxElapsed bound the exponential reconnect backoff.
	// After ReconnectMaxElapsed without success the subscription ends with EventClosed.
	ReconnectInitial    time.Duration
	ReconnectMaxElapsed time.Duration

	EventBuffer int
}

// EventKind classifies controller notifications.
type EventKind uint8

const (
	// EventSnapshot: the replica was (re)initialized from a full document.
	EventSnapshot EventKind = iota + 1
	// EventPatch: a remote patch was applied.
	EventPatch
	// EventStale: a gap or apply failure was detected; a resync follows.
	EventStale
	// EventDisconnected: the subscription was lost; reconnecting.
	EventDisconnected
	// EventClosed: the subscription ended and will not be retried.
	EventClosed
	// EventError: the server sent an error envelope.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventSnapshot:
		return "snapshot"
	case EventPatch:
		return "patch"
	case EventStale:
		return "stale"
	case EventDisconnected:
		return "disconnected"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a best-effort notification; the replica state is authoritative.
type Event struct {
	Kind    EventKind
	GameID  string
	Version int64
	Origin  string
	Patches patch.Patch
	Err     error
}

type subscription struct {
	gameID string
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller is the client replica for one game at a time. It is safe for concurrent use.
type Controller struct {
	cfg  Config
	log  *slog.Logger
	base *url.URL
	http *http.Client

	// connectMu serializes Connect, Disconnect and Close.
	connectMu sync.Mutex

	mu      sync.Mutex
	sub     *subscription
	gameID  string
	doc     any
	version int64
	stale   bool
	closed  bool

	events chan Event
}

// New validates cfg and builds a disconnected Controller.
func New(cfg Config) (*Controller, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("replica: base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("replica: base url scheme must be http or https, got %q", base.Scheme)
	}
	if base.Host == "" {
		return nil, errors.New("replica: base url has no host")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("replica: empty token")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = defaultReconnectInitial
	}
	if cfg.ReconnectMaxElapsed <= 0 {
		cfg.ReconnectMaxElapsed = defaultReconnectMax
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	return &Controller{
		cfg:    cfg,
		log:    cfg.Logger,
		base:   base,
		http:   cfg.HTTPClient,
		events: make(chan Event, cfg.EventBuffer),
	}, nil
}

// Events returns the notification stream. Events are dropped when the buffer is full.
func (c *Controller) Events() <-chan Event { return c.events }

// GameID returns the game of the current or last subscription.
func (c *Controller) GameID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gameID
}

// Document returns a copy of the replica and its version.
// It fails with ErrStale while the replica may be missing patches.
func (c *Controller) Document() (any, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return nil, 0, ErrClosed
	case c.gameID == "":
		return nil, 0, ErrNotConnected
	case c.stale || c.sub == nil:
		return nil, c.version, ErrStale
	}
	return patch.Clone(c.doc), c.version, nil
}

// Connect subscribes to gameID, replacing any previous subscription, and returns once the
// initial snapshot is installed.
func (c *Controller) Connect(ctx context.Context, gameID string) error {
	gameID = strings.TrimSpace(gameID)
	if gameID == "" {
		return errors.New("replica: empty game id")
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.teardown()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.gameID = gameID
	c.stale = true
	c.mu.Unlock()

	conn, snap, err := c.dial(ctx, gameID)
	if err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{gameID: gameID, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	if err := c.install(sub, snap); err != nil {
		cancel()
		c.mu.Lock()
		c.sub = nil
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusInternalError, "bad snapshot")
		return err
	}

	go c.run(subCtx, sub, conn)
	c.log.Info("replica.connect", "game_id", gameID, "version", snap.Version)
	return nil
}

// Disconnect drops the subscription. The replica stays stale until the next Connect.
func (c *Controller) Disconnect() {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	c.teardown()
}

// Close disconnects and rejects further use.
func (c *Controller) Close() error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.teardown()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Controller) teardown() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.stale = true
	c.mu.Unlock()

	if sub == nil {
		return
	}
	sub.cancel()
	<-sub.done
}

func (c *Controller) currentGame() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	if c.gameID == "" {
		return "", ErrNotConnected
	}
	return c.gameID, nil
}

// dial opens the socket and reads the snapshot that the server always sends first.
func (c *Controller) dial(ctx context.Context, gameID string) (*websocket.Conn, v1.SnapshotPayload, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, resp, err := websocket.Dial(dctx, c.wsURL(gameID), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, v1.SnapshotPayload{}, &RemoteError{
				Status:  resp.StatusCode,
				Code:    strings.ToLower(http.StatusText(resp.StatusCode)),
				Message: err.Error(),
			}
		}
		return nil, v1.SnapshotPayload{}, err
	}
	if conn.Subprotocol() != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol")
		return nil, v1.SnapshotPayload{}, fmt.Errorf("%w: server did not select %s", ErrProtocol, v1.Subprotocol)
	}
	conn.SetReadLimit(maxFrameBytes)

	env, err := readEnvelope(dctx, conn)
	if err != nil {
		_ = conn.CloseNow()
		return nil, v1.SnapshotPayload{}, err
	}
	switch env.Type {
	case v1.TypeSnapshot:
	case v1.TypeError:
		_ = conn.CloseNow()
		var ep v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &ep)
		return nil, v1.SnapshotPayload{}, &RemoteError{Status: http.StatusServiceUnavailable, Code: ep.Code, Message: ep.Message}
	default:
		_ = conn.CloseNow()
		return nil, v1.SnapshotPayload{}, fmt.Errorf("%w: first envelope was %q", ErrProtocol, env.Type)
	}

	var snap v1.SnapshotPayload
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		_ = conn.CloseNow()
		return nil, v1.SnapshotPayload{}, fmt.Errorf("%w: snapshot: %v", ErrProtocol, err)
	}
	return conn, snap, nil
}

// run owns conn for the life of sub and reconnects until sub is cancelled or backoff gives up.
func (c *Controller) run(ctx context.Context, sub *subscription, conn *websocket.Conn) {
	defer close(sub.done)

	for {
		err := c.pump(ctx, sub, conn)
		_ = conn.CloseNow()
		if ctx.Err() != nil {
			return
		}

		if !c.markStale(sub) {
			return
		}
		c.log.Info("replica.disconnected", "game_id", sub.gameID, "err", err)
		c.emit(Event{Kind: EventDisconnected, GameID: sub.gameID, Err: err})

		conn, err = c.reconnect(ctx, sub)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("replica.reconnect.gave_up", "game_id", sub.gameID, "err", err)
				c.emit(Event{Kind: EventClosed, GameID: sub.gameID, Err: err})
			}
			return
		}
	}
}

func (c *Controller) reconnect(ctx context.Context, sub *subscription) (*websocket.Conn, error) {
	type dialed struct {
		conn *websocket.Conn
		snap v1.SnapshotPayload
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectInitial

	res, err := backoff.Retry(ctx, func() (dialed, error) {
		conn, snap, err := c.dial(ctx, sub.gameID)
		if err != nil {
			var re *RemoteError
			if errors.As(err, &re) && re.Permanent() {
				return dialed{}, backoff.Permanent(err)
			}
			return dialed{}, err
		}
		return dialed{conn: conn, snap: snap}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.cfg.ReconnectMaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Info("replica.reconnect.retry", "game_id", sub.gameID, "next", next, "err", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	if err := c.install(sub, res.snap); err != nil {
		_ = res.conn.CloseNow()
		return nil, err
	}
	return res.conn, nil
}

// pump reads envelopes until the connection fails or ctx is cancelled.
func (c *Controller) pump(ctx context.Context, sub *subscription, conn *websocket.Conn) error {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return err
		}

		switch env.Type {
		case v1.TypeSnapshot:
			var snap v1.SnapshotPayload
			if err := json.Unmarshal(env.Payload, &snap); err != nil {
				return fmt.Errorf("%w: snapshot: %v", ErrProtocol, err)
			}
			if err := c.install(sub, snap); err != nil {
				return err
			}

		case v1.TypePatch:
			var p v1.PatchPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				c.log.Warn("replica.patch.decode.fail", "game_id", sub.gameID, "err", err)
				if err := c.resync(ctx, sub, err); err != nil {
					return err
				}
				continue
			}
			if err := c.applyRemote(ctx, sub, p); err != nil {
				return err
			}

		case v1.TypeError:
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			c.emit(Event{Kind: EventError, GameID: sub.gameID, Err: &RemoteError{Code: ep.Code, Message: ep.Message}})

		case v1.TypePatchAck:
			// Submissions go through the durable write path; socket acks are not expected.
		}
	}
}

// applyRemote applies p if it is the next version. A gap or apply failure triggers a resync;
// versions already covered by the installed snapshot are skipped.
func (c *Controller) applyRemote(ctx context.Context, sub *subscription, p v1.PatchPayload) error {
	c.mu.Lock()
	if c.sub != sub {
		c.mu.Unlock()
		return nil
	}
	if p.Version <= c.version {
		c.mu.Unlock()
		return nil
	}

	var reason error
	if p.Version != c.version+1 {
		reason = fmt.Errorf("version gap: have %d, got %d", c.version, p.Version)
	} else {
		next, err := patch.Apply(c.doc, p.Patches)
		if err == nil {
			c.doc = next
			c.version = p.Version
			c.mu.Unlock()
			c.emit(Event{Kind: EventPatch, GameID: sub.gameID, Version: p.Version, Origin: p.Origin, Patches: p.Patches})
			return nil
		}
		reason = err
	}
	c.stale = true
	c.mu.Unlock()

	return c.resync(ctx, sub, reason)
}

// resync reloads the document from the durable read path. An error ends the current
// connection so the reconnect path starts over from a fresh snapshot.
func (c *Controller) resync(ctx context.Context, sub *subscription, reason error) error {
	c.log.Warn("replica.resync", "game_id", sub.gameID, "reason", reason)
	c.emit(Event{Kind: EventStale, GameID: sub.gameID, Err: reason})

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	st, err := c.fetch(rctx, sub.gameID)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	return c.install(sub, v1.SnapshotPayload{
		GameID:     st.ID,
		Version:    st.Version,
		LastActive: st.LastActive,
		Document:   st.Document,
	})
}

// install replaces the replica with snap and clears the stale flag.
func (c *Controller) install(sub *subscription, snap v1.SnapshotPayload) error {
	var doc any
	if err := json.Unmarshal(snap.Document, &doc); err != nil {
		return fmt.Errorf("%w: snapshot document: %v", ErrProtocol, err)
	}

	c.mu.Lock()
	if c.sub != sub {
		c.mu.Unlock()
		return nil
	}
	c.doc = doc
	c.version = snap.Version
	c.stale = false
	c.mu.Unlock()

	c.emit(Event{Kind: EventSnapshot, GameID: sub.gameID, Version: snap.Version})
	return nil
}

func (c *Controller) markStale(sub *subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != sub {
		return false
	}
	c.stale = true
	return true
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Debug("replica.event.dropped", "kind", ev.Kind.String(), "game_id", ev.GameID)
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return env, nil
}
