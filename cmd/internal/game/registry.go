package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"tablesync/cmd/internal/docstore"
	"tablesync/cmd/internal/ids"
	"tablesync/shared/patch"
)

const (
	defaultFlushDelay   = 2 * time.Second
	defaultFlushTimeout = 10 * time.Second
	defaultIdleTimeout  = 5 * time.Minute
	defaultLoadTimeout  = 10 * time.Second

	// Bound on activate/retry cycles when a session closes between lookup and use.
	maxClosedRetries = 3

	// Parallel flushes during shutdown.
	shutdownFlushLimit = 8
)

// Options configures a Registry. Zero values fall back to defaults.
type Options struct {
	FlushDelay   time.Duration
	FlushTimeout time.Duration
	IdleTimeout  time.Duration
	LoadTimeout  time.Duration

	Fanout  Fanout
	Metrics *Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Registry maps game ids to Active Sessions.
//
// Invariants:
//   - At most one registered Session per game id.
//   - Concurrent cold activations of one id share a single store load.
//   - A session is removed from the map only after its final flush succeeded.
type Registry struct {
	log   *slog.Logger
	store docstore.Store
	opts  Options

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
	loading  map[string]struct{}
	closed   bool
}

// NewRegistry constructs a Registry over store.
func NewRegistry(log *slog.Logger, store docstore.Store, opts Options) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = defaultFlushDelay
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = defaultLoadTimeout
	}
	if opts.Fanout == nil {
		opts.Fanout = nopFanout{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("tablesync/game")
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Registry{
		log:      log,
		store:    store,
		opts:     opts,
		sessions: make(map[string]*Session),
		loading:  make(map[string]struct{}),
	}
}

// SetFanout replaces the fan-out used by sessions activated afterwards.
// It exists to break the construction cycle between the registry and the gateway.
func (r *Registry) SetFanout(f Fanout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f == nil {
		f = nopFanout{}
	}
	r.opts.Fanout = f
}

// Activate returns the Active Session for gameID, loading it on first access.
// It is idempotent and safe under concurrent calls.
func (r *Registry) Activate(ctx context.Context, gameID string) (*Session, error) {
	if strings.TrimSpace(gameID) == "" {
		return nil, fmt.Errorf("%w: %w", ErrActivation, docstore.ErrInvalidInput)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		s := r.sessions[gameID]
		r.mu.Unlock()

		if s != nil {
			st, changed := s.watch()
			if st == StateActive {
				return s, nil
			}
			// Deactivating: wait for the final flush to finish or be aborted.
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if _, err, _ := r.group.Do(gameID, func() (any, error) {
			return r.load(ctx, gameID)
		}); err != nil {
			return nil, err
		}
	}
}

func (r *Registry) load(ctx context.Context, gameID string) (*Session, error) {
	r.mu.Lock()
	if s := r.sessions[gameID]; s != nil {
		r.mu.Unlock()
		return s, nil
	}
	r.loading[gameID] = struct{}{}
	cfg := r.sessionConfigLocked()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.loading, gameID)
		r.mu.Unlock()
	}()

	// The load is shared by every waiter; one caller's cancellation must not fail the others.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.LoadTimeout)
	defer cancel()

	ctx, span := r.opts.Tracer.Start(ctx, "session.activate", trace.WithAttributes(
		attribute.String("game.id", gameID),
	))
	defer span.End()

	r.opts.Metrics.storeLoads.Inc()
	doc, err := r.store.Load(ctx, gameID)
	if err == nil {
		var s *Session
		if s, err = newSession(cfg, doc); err == nil {
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				return nil, ErrRegistryClosed
			}
			r.sessions[gameID] = s
			s.activate()
			r.mu.Unlock()

			r.opts.Metrics.activations.WithLabelValues("ok").Inc()
			r.opts.Metrics.activeSessions.Inc()
			r.log.Info("session.activate", "game_id", gameID, "version", doc.Version)
			return s, nil
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "activation failed")
	r.opts.Metrics.activations.WithLabelValues("fail").Inc()
	if docstore.IsNotFound(err) {
		r.log.Info("session.activate.not_found", "game_id", gameID)
	} else {
		r.log.Error("session.activate.fail", "game_id", gameID, "err", err)
	}
	return nil, fmt.Errorf("%w: %w", ErrActivation, err)
}

func (r *Registry) sessionConfigLocked() sessionConfig {
	return sessionConfig{
		store:        r.store,
		fanout:       r.opts.Fanout,
		log:          r.log,
		metrics:      r.opts.Metrics,
		tracer:       r.opts.Tracer,
		now:          r.opts.Now,
		flushDelay:   r.opts.FlushDelay,
		flushTimeout: r.opts.FlushTimeout,
	}
}

// TryGet returns the registered session without activating one.
func (r *Registry) TryGet(gameID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[gameID]
	return s, ok
}

// State reports the lifecycle state of gameID in this process.
func (r *Registry) State(gameID string) State {
	r.mu.Lock()
	s := r.sessions[gameID]
	_, loading := r.loading[gameID]
	r.mu.Unlock()

	if s != nil {
		return s.State()
	}
	if loading {
		return StateActivating
	}
	return StateInactive
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ActiveIDs returns the ids of all registered sessions.
func (r *Registry) ActiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Touch records activity on a registered session (e.g. a subscriber leaving).
func (r *Registry) Touch(gameID string) {
	if s, ok := r.TryGet(gameID); ok {
		s.touch()
	}
}

// withSession activates gameID and runs fn, retrying when the session closed in between.
func (r *Registry) withSession(ctx context.Context, gameID string, fn func(*Session) error) error {
	for attempt := 0; ; attempt++ {
		s, err := r.Activate(ctx, gameID)
		if err != nil {
			return err
		}
		err = fn(s)
		if errors.Is(err, ErrSessionClosed) && attempt < maxClosedRetries {
			continue
		}
		return err
	}
}

// Submit applies p on behalf of origin.MemberID and returns the resulting version.
func (r *Registry) Submit(ctx context.Context, gameID string, p patch.Patch, origin Origin) (int64, error) {
	var version int64
	err := r.withSession(ctx, gameID, func(s *Session) error {
		v, err := s.Submit(ctx, p, origin)
		version = v
		return err
	})
	return version, err
}

// Snapshot returns the current state of gameID for a member.
func (r *Registry) Snapshot(ctx context.Context, gameID, memberID string) (Snapshot, error) {
	var snap Snapshot
	err := r.withSession(ctx, gameID, func(s *Session) error {
		if _, ok := s.Member(memberID); !ok {
			return ErrNotMember
		}
		snap = s.Snapshot()
		return nil
	})
	return snap, err
}

// Subscribe runs join with a snapshot under the session's write serialization.
func (r *Registry) Subscribe(ctx context.Context, gameID, memberID string, join func(Snapshot) error) error {
	return r.withSession(ctx, gameID, func(s *Session) error {
		return s.Subscribe(ctx, memberID, join)
	})
}

// Join adds memberID as a guest player. It reports whether the member was added.
func (r *Registry) Join(ctx context.Context, gameID, memberID, username string) (bool, error) {
	var added bool
	err := r.withSession(ctx, gameID, func(s *Session) error {
		ok, err := s.AddMember(ctx, memberID, Member{Username: username, Role: RolePlayer, IsGuest: true})
		added = ok
		return err
	})
	return added, err
}

// Leave removes memberID from gameID. When the last member leaves, the session is deactivated.
func (r *Registry) Leave(ctx context.Context, gameID, memberID string) (bool, error) {
	var (
		removed bool
		last    *Session
	)
	err := r.withSession(ctx, gameID, func(s *Session) error {
		ok, err := s.RemoveMember(ctx, memberID)
		removed = ok
		if ok && s.MemberCount() == 0 {
			last = s
		}
		return err
	})
	if err != nil {
		return removed, err
	}
	if last != nil && last.beginClose() {
		if err := r.release(ctx, last, "empty"); err != nil {
			r.log.Warn("session.deactivate.fail", "game_id", gameID, "err", err)
		}
	}
	return removed, nil
}

// CreateGameInput describes a new game.
type CreateGameInput struct {
	Name          string
	OwnerID       string
	OwnerUsername string
}

// CreateGame stores a new game document with the owner as GM. It does not activate it.
func (r *Registry) CreateGame(ctx context.Context, in CreateGameInput) (docstore.Document, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return docstore.Document{}, fmt.Errorf("%w: empty owner id", ErrInvalidMember)
	}
	now := r.opts.Now()
	id, err := ids.NewULID(now)
	if err != nil {
		return docstore.Document{}, err
	}

	tree := NewGameDocument(strings.TrimSpace(in.Name), in.OwnerID, Member{Username: in.OwnerUsername, Role: RoleGM})
	body, err := json.Marshal(tree)
	if err != nil {
		return docstore.Document{}, err
	}
	doc := docstore.Document{ID: id, Version: 0, CreatedAt: now, LastActive: now, Body: body}
	if err := r.store.Create(ctx, doc); err != nil {
		return docstore.Document{}, err
	}
	r.log.Info("game.create", "game_id", id, "member_id", in.OwnerID)
	return doc, nil
}

// Deactivate flushes and releases gameID if it is active, closing its subscribers.
func (r *Registry) Deactivate(ctx context.Context, gameID string) error {
	s, ok := r.TryGet(gameID)
	if !ok || !s.beginClose() {
		return nil
	}
	return r.release(ctx, s, "explicit")
}

// SweepIdle deactivates sessions without subscribers and without activity for the idle window.
// It returns the number of released sessions.
func (r *Registry) SweepIdle(ctx context.Context) int {
	now := r.opts.Now()

	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	n := 0
	for _, s := range list {
		if !s.beginIdleClose(now, r.opts.IdleTimeout) {
			continue
		}
		if err := r.release(ctx, s, "idle"); err != nil {
			r.log.Warn("session.evict.fail", "game_id", s.ID(), "err", err)
			continue
		}
		n++
	}
	return n
}

// RunSweeper calls SweepIdle every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = r.opts.IdleTimeout / 2
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.SweepIdle(ctx); n > 0 {
				r.log.Info("session.sweep", "evicted", n)
			}
		}
	}
}

// release runs the final flush of a Deactivating session and unregisters it.
// On flush failure the session returns to Active and stays registered.
func (r *Registry) release(ctx context.Context, s *Session, reason string) error {
	if err := s.Flush(ctx); err != nil {
		s.abortClose()
		return err
	}

	// Subscribers are dropped while the session is still Deactivating, so nobody can
	// join the room between here and a reactivation.
	s.fanout.CloseGame(s.id)

	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()

	s.finishClose()
	r.opts.Metrics.activeSessions.Dec()
	r.opts.Metrics.deactivations.WithLabelValues(reason).Inc()
	r.log.Info("session.deactivate", "game_id", s.id, "reason", reason)
	return nil
}

// Close stops accepting activations and flushes every session in parallel.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(shutdownFlushLimit)
	for _, s := range list {
		g.Go(func() error {
			if !s.beginClose() {
				return nil
			}
			if err := r.release(ctx, s, "shutdown"); err != nil {
				r.log.Error("session.shutdown.flush.fail", "game_id", s.id, "err", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
