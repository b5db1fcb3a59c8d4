package realtime

import (
	"sync"

	v1 "courier/contracts/realtime/v1"
)

// client is the transport side of one websocket session.
//
// Replies carries request responses and errors; live pushes flow through the
// delivery handle instead. Replies is never closed (the read loop may still be
// producing when the writer stops); done signals the goroutines to stop.
type client struct {
	ConnID  string
	UserID  string
	Replies chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(userID, connID string, queueSize int) *client {
	if queueSize < minReplyQueue {
		queueSize = minReplyQueue
	}
	return &client{
		ConnID:  connID,
		UserID:  userID,
		Replies: make(chan v1.Envelope, queueSize),
		done:    make(chan struct{}),
	}
}

// Done is closed when the session is shutting down.
func (c *client) Done() <-chan struct{} { return c.done }

// Close signals the session goroutines to stop (idempotent).
func (c *client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
