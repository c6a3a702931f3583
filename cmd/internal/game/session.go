package game

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tablesync/cmd/internal/docstore"
	"tablesync/shared/patch"
)

// State is the lifecycle state of an Active Session.
type State int32

const (
	StateInactive State = iota
	StateActivating
	StateActive
	StateDeactivating
)

func (s State) String() string {
	switch s {
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateDeactivating:
		return "deactivating"
	default:
		return "inactive"
	}
}

// Session is the single authoritative in-memory holder of one game's document.
//
// Concurrency guarantees:
//   - Every mutation goes through the FIFO queue and is applied by one drain goroutine.
//   - Apply, version bump and Publish happen under mu, so fan-out order equals apply order.
//   - Subscribe takes its snapshot under mu, so a subscriber never misses or duplicates a patch.
//   - Flushes are serialized by flushMu and never hold mu during store I/O.
type Session struct {
	id           string
	store        docstore.Store
	fanout       Fanout
	log          *slog.Logger
	metrics      *Metrics
	tracer       trace.Tracer
	now          func() time.Time
	flushDelay   time.Duration
	flushTimeout time.Duration

	flushMu sync.Mutex

	mu               sync.Mutex
	drained          *sync.Cond
	state            State
	changed          chan struct{}
	doc              any
	version          int64
	persistedVersion int64
	digest           [32]byte
	createdAt        time.Time
	lastActive       time.Time
	lastTouched      time.Time
	queue            []*entry
	draining         bool
	flushTimer       *time.Timer
}

type entry struct {
	origin Origin
	build  func(doc any) (patch.Patch, error)
	done   chan outcome
}

type outcome struct {
	version int64
	applied bool
	err     error
}

type sessionConfig struct {
	store        docstore.Store
	fanout       Fanout
	log          *slog.Logger
	metrics      *Metrics
	tracer       trace.Tracer
	now          func() time.Time
	flushDelay   time.Duration
	flushTimeout time.Duration
}

func newSession(cfg sessionConfig, d docstore.Document) (*Session, error) {
	var doc any
	if err := json.Unmarshal(d.Body, &doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", d.ID, err)
	}
	// Digest of the canonical encoding; stored bodies may be formatted differently (jsonb).
	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document %s: %w", d.ID, err)
	}

	s := &Session{
		id:               d.ID,
		store:            cfg.store,
		fanout:           cfg.fanout,
		log:              cfg.log.With("game_id", d.ID),
		metrics:          cfg.metrics,
		tracer:           cfg.tracer,
		now:              cfg.now,
		flushDelay:       cfg.flushDelay,
		flushTimeout:     cfg.flushTimeout,
		state:            StateActivating,
		changed:          make(chan struct{}),
		doc:              doc,
		version:          d.Version,
		persistedVersion: d.Version,
		digest:           docstore.Digest(canonical),
		createdAt:        d.CreatedAt,
		lastActive:       d.LastActive,
		lastTouched:      cfg.now(),
	}
	s.drained = sync.NewCond(&s.mu)
	return s, nil
}

// ID returns the game id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// watch returns the current state and a channel closed on the next transition.
func (s *Session) watch() (State, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.changed
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	close(s.changed)
	s.changed = make(chan struct{})
}

// Dirty reports whether applied patches have not been persisted yet.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version > s.persistedVersion
}

// Version returns the current document version.
func (s *Session) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Snapshot returns the current document and version.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		GameID:     s.id,
		Version:    s.version,
		LastActive: s.lastActive,
		Document:   s.doc,
	}
}

// Member looks memberID up in the authoritative document.
func (s *Session) Member(memberID string) (Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memberOf(s.doc, memberID)
}

// MemberCount returns the number of entries in the player map.
func (s *Session) MemberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memberCount(s.doc)
}

// touch records activity without changing the document.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastTouched = s.now()
	s.mu.Unlock()
}

// EnqueuePatch queues p for serialized application and waits for the result.
// On success it returns the document version produced by p.
//
// If ctx ends while waiting, the patch may still be applied; the caller only loses the result.
func (s *Session) EnqueuePatch(ctx context.Context, p patch.Patch, origin Origin) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	out, err := s.enqueue(ctx, origin, func(any) (patch.Patch, error) { return p, nil })
	return out.version, err
}

// Submit is EnqueuePatch for a member: membership is checked against the document
// at the moment the patch is applied.
func (s *Session) Submit(ctx context.Context, p patch.Patch, origin Origin) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	out, err := s.enqueue(ctx, origin, func(doc any) (patch.Patch, error) {
		if _, ok := memberOf(doc, origin.MemberID); !ok {
			return nil, ErrNotMember
		}
		return p, nil
	})
	return out.version, err
}

// AddMember adds memberID to the player map unless already present.
func (s *Session) AddMember(ctx context.Context, memberID string, m Member) (bool, error) {
	out, err := s.enqueue(ctx, Origin{MemberID: memberID}, func(doc any) (patch.Patch, error) {
		return addMemberPatch(doc, memberID, m)
	})
	return out.applied, err
}

// RemoveMember deletes memberID from the player map unless already absent.
func (s *Session) RemoveMember(ctx context.Context, memberID string) (bool, error) {
	out, err := s.enqueue(ctx, Origin{MemberID: memberID}, func(doc any) (patch.Patch, error) {
		if memberID == "" {
			return nil, fmt.Errorf("%w: empty member id", ErrInvalidMember)
		}
		return removeMemberPatch(doc, memberID), nil
	})
	return out.applied, err
}

func (s *Session) enqueue(ctx context.Context, origin Origin, build func(any) (patch.Patch, error)) (outcome, error) {
	e := &entry{origin: origin, build: build, done: make(chan outcome, 1)}

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return outcome{}, ErrSessionClosed
	}
	s.queue = append(s.queue, e)
	s.lastTouched = s.now()
	if !s.draining {
		s.draining = true
		go s.drain()
	}
	s.mu.Unlock()

	select {
	case out := <-e.done:
		return out, out.err
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	}
}

func (s *Session) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.drained.Broadcast()
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		out := s.applyLocked(e)
		s.mu.Unlock()

		e.done <- out
	}
}

func (s *Session) applyLocked(e *entry) outcome {
	p, err := e.build(s.doc)
	if err == nil && len(p) > 0 {
		var next any
		next, err = patch.Apply(s.doc, p)
		if err == nil {
			s.doc = next
		}
	}
	if err != nil {
		code := ErrorCode(err)
		s.metrics.patches.WithLabelValues(code).Inc()
		s.log.Debug("session.patch.reject", "member_id", e.origin.MemberID, "code", code, "err", err)
		return outcome{version: s.version, err: err}
	}
	if len(p) == 0 {
		return outcome{version: s.version}
	}

	now := s.now()
	s.version++
	s.lastActive = now
	s.lastTouched = now
	s.metrics.patches.WithLabelValues("applied").Inc()
	s.armFlushLocked()

	s.fanout.Publish(Event{
		GameID:  s.id,
		Version: s.version,
		Origin:  e.origin,
		Patch:   p,
		At:      now,
	})
	return outcome{version: s.version, applied: true}
}

// Subscribe runs join with a snapshot while holding the write lock: patches applied after
// the snapshot are published only after join returns.
// memberID must be in the player map.
func (s *Session) Subscribe(ctx context.Context, memberID string, join func(Snapshot) error) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if _, ok := memberOf(s.doc, memberID); !ok {
		s.mu.Unlock()
		return ErrNotMember
	}
	now := s.now()
	s.lastTouched = now
	if now.After(s.lastActive) {
		s.lastActive = now
	}
	if err := join(s.snapshotLocked()); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := s.store.Touch(ctx, s.id, now); err != nil {
		s.log.Warn("session.touch.fail", "err", err)
	}
	return nil
}

// armFlushLocked starts the debounce window on the first dirty mark.
func (s *Session) armFlushLocked() {
	if s.flushTimer != nil || s.state != StateActive || s.version <= s.persistedVersion {
		return
	}
	s.flushTimer = time.AfterFunc(s.flushDelay, s.flushFromTimer)
}

func (s *Session) flushFromTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
	defer cancel()
	_ = s.Flush(ctx)
}

// Flush persists the document if dirty. A failed flush leaves the session dirty
// and re-arms the debounce timer while the session is active.
func (s *Session) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if s.version <= s.persistedVersion {
		s.mu.Unlock()
		return nil
	}
	var (
		doc        = s.doc
		version    = s.version
		lastActive = s.lastActive
		prevDigest = s.digest
	)
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "session.flush", trace.WithAttributes(
		attribute.String("game.id", s.id),
		attribute.Int64("game.version", version),
	))
	defer span.End()

	start := time.Now()
	result := "ok"
	body, err := json.Marshal(doc)
	var digest [32]byte
	if err == nil {
		digest = docstore.Digest(body)
		if digest == prevDigest {
			result = "unchanged"
			err = s.store.Touch(ctx, s.id, lastActive)
		} else {
			err = s.store.Save(ctx, docstore.Document{
				ID:         s.id,
				Version:    version,
				LastActive: lastActive,
				Body:       body,
			})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil && docstore.IsNotFound(err) {
		// The game was deleted underneath us; nothing left to persist into.
		s.log.Error("session.flush.gone", "version", version, "err", err)
		s.persistedVersion = version
		s.metrics.flushes.WithLabelValues("gone").Inc()
		return nil
	}
	if err != nil {
		s.metrics.flushes.WithLabelValues("fail").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "flush failed")
		s.log.Error("session.flush.fail", "version", version, "err", err)
		s.armFlushLocked()
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if version > s.persistedVersion {
		s.persistedVersion = version
	}
	s.digest = digest
	s.metrics.flushes.WithLabelValues(result).Inc()
	s.metrics.flushSeconds.Observe(time.Since(start).Seconds())
	s.log.Debug("session.flush", "version", version, "result", result)
	s.armFlushLocked()
	return nil
}

// beginIdleClose moves an idle session to Deactivating.
// Idle means no subscribers, nothing queued and no activity for idle.
func (s *Session) beginIdleClose(now time.Time, idle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive || s.draining || len(s.queue) > 0 {
		return false
	}
	if now.Sub(s.lastTouched) < idle {
		return false
	}
	if s.fanout.Subscribers(s.id) > 0 {
		return false
	}
	s.stopTimerLocked()
	s.setStateLocked(StateDeactivating)
	return true
}

// beginClose moves an active session to Deactivating and waits for the current drain.
// It returns false if the session is already closing.
func (s *Session) beginClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return false
	}
	s.stopTimerLocked()
	s.setStateLocked(StateDeactivating)
	for s.draining {
		s.drained.Wait()
	}
	return true
}

// abortClose returns a Deactivating session to Active after a failed final flush.
func (s *Session) abortClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDeactivating {
		return
	}
	s.setStateLocked(StateActive)
	s.armFlushLocked()
}

// finishClose marks the session Inactive. The fan-out room is already closed by then.
func (s *Session) finishClose() {
	s.mu.Lock()
	s.stopTimerLocked()
	s.setStateLocked(StateInactive)
	s.mu.Unlock()
}

func (s *Session) stopTimerLocked() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

func (s *Session) activate() {
	s.mu.Lock()
	s.setStateLocked(StateActive)
	s.mu.Unlock()
}
