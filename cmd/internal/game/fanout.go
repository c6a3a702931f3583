package game

import (
	"time"

	"tablesync/shared/patch"
)

// Origin identifies who submitted a patch.
// ConnID is set only for submissions arriving over a realtime connection.
type Origin struct {
	MemberID string
	ConnID   string
}

// Event is one applied patch handed to the fan-out.
type Event struct {
	GameID  string
	Version int64
	Origin  Origin
	Patch   patch.Patch
	At      time.Time
}

// Snapshot is a consistent view of a session's document.
// Document is immutable and safe to encode after the call returns.
type Snapshot struct {
	GameID     string
	Version    int64
	LastActive time.Time
	Document   any
}

// Fanout distributes applied patches to live subscribers.
//
// Publish and Subscribers are called while the session's write lock is held,
// so implementations must never block and never call back into the session.
type Fanout interface {
	Publish(ev Event)
	Subscribers(gameID string) int
	CloseGame(gameID string)
}

type nopFanout struct{}

func (nopFanout) Publish(Event)          {}
func (nopFanout) Subscribers(string) int { return 0 }
func (nopFanout) CloseGame(string)       {}
