package handler

import (
	"context"
	"errors"
	"sync"
)

// ErrPollSuperseded is returned to a poller released by a startup poll of
// the same client (page reload).
var ErrPollSuperseded = errors.New("poll superseded by a newer poll")

// Channel is the outbound queue of a client. Producers push envelopes and
// ring a single slot doorbell, the poller waits for the doorbell and drains
// the whole queue at once.
type Channel struct {
	mu    sync.Mutex
	queue []Envelope
	// abandon is closed and replaced by every startup poll
	abandon chan struct{}

	doorbell chan struct{}
}

// NewChannel returns a channel with no pending data, so the first poll blocks.
func NewChannel() *Channel {
	return &Channel{
		abandon:  make(chan struct{}),
		doorbell: make(chan struct{}, 1),
	}
}

func (c *Channel) ring() {
	select {
	case c.doorbell <- struct{}{}:
	default:
		// already rung, the next drain takes everything
	}
}

// Push appends env to the queue. It never blocks.
func (c *Channel) Push(env Envelope) {
	c.mu.Lock()
	c.queue = append(c.queue, env)
	c.mu.Unlock()

	c.ring()
}

// Len returns the number of queued envelopes.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Poll blocks until at least one envelope is queued and returns all queued
// envelopes in push order. A startup poll releases a poller still waiting
// from before.
func (c *Channel) Poll(ctx context.Context, startup bool) ([]Envelope, error) {
	c.mu.Lock()
	if startup {
		close(c.abandon)
		c.abandon = make(chan struct{})
	}
	abandon := c.abandon
	c.mu.Unlock()

	for {
		select {
		case <-abandon:
			return nil, ErrPollSuperseded
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.doorbell:
		}

		select {
		case <-abandon:
			// leave the data to the newer poller
			c.ring()
			return nil, ErrPollSuperseded
		default:
		}

		c.mu.Lock()
		out := c.queue
		c.queue = nil
		c.mu.Unlock()

		// spurious wakeup, data was taken by an earlier drain
		if len(out) > 0 {
			return out, nil
		}
	}
}
