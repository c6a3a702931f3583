package realtime

import (
	"errors"
	"sync"

	v1 "tablesync/shared/contracts/realtime/v1"
)

var (
	// ErrDeliveryFailed marks a client dropped because its send queue was full.
	ErrDeliveryFailed = errors.New("delivery failed: send queue full")

	// ErrGameClosed marks a client dropped because its game was deactivated.
	ErrGameClosed = errors.New("game closed")
)

// Client represents one connected websocket session bound to one member.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent; the first Fail reason wins.
type Client struct {
	ConnID   string
	MemberID string
	Send     chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	reason error
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(memberID, connID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnID:   connID,
		MemberID: memberID,
		Send:     make(chan v1.Envelope, sendQueueSize),
		done:     make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Fail records why the server is dropping the client and closes it.
func (c *Client) Fail(reason error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.reason == nil {
		c.reason = reason
	}
	c.mu.Unlock()
	c.Close()
}

// Err returns the reason passed to Fail, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Enqueue hands env to the writer without blocking.
// It returns false when the client is closing or its queue is full.
func (c *Client) Enqueue(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
