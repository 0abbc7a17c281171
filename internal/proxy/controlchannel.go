package proxy

import (
	"context"
	"sync"
)

// ControlChannel is a per-tunnel single-producer, multi-consumer,
// latest-value broadcast primitive. Publishing replaces the current value;
// subscribers that are slow may skip intermediate values and only ever
// observe the latest one. Awaiting a change is non-destructive: cancelling
// an Await leaves the value publishable and observable by later callers.
type ControlChannel struct {
	mu      sync.Mutex
	cond    *sync.Cond
	version uint64
	value   ControlMessage
}

// NewControlChannel creates a ControlChannel seeded with an initial value.
func NewControlChannel(initial ControlMessage) *ControlChannel {
	c := &ControlChannel{version: 1, value: initial}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Publish replaces the current value and wakes every waiting subscriber.
func (c *ControlChannel) Publish(msg ControlMessage) {
	c.mu.Lock()
	c.value = msg
	c.version++
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Latest returns the current version and value without blocking.
func (c *ControlChannel) Latest() (uint64, ControlMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version, c.value
}

// Await blocks until the channel's version advances past lastSeen or ctx is
// done, whichever comes first. ok is false if ctx was the reason Await
// returned; in that case the returned version/value are the channel's
// current ones and may equal what the caller already had.
func (c *ControlChannel) Await(ctx context.Context, lastSeen uint64) (version uint64, value ControlMessage, ok bool) {
	// Broadcast under the mutex so the wakeup cannot fall between the
	// ctx.Err check below and the waiter entering cond.Wait.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.version == lastSeen && ctx.Err() == nil {
		c.cond.Wait()
	}
	if ctx.Err() != nil && c.version == lastSeen {
		return c.version, c.value, false
	}
	return c.version, c.value, true
}
