package events

import (
	"sync"

	"go.uber.org/atomic"
)

// Counter counts events per name.
type Counter struct {
	mu     sync.Mutex
	counts map[string]*atomic.Int64
	bus    *Bus
	sub    Subscription
}

// NewCounter subscribes a counter to every event on bus.
func NewCounter(bus *Bus) *Counter {
	c := &Counter{counts: map[string]*atomic.Int64{}, bus: bus}
	c.sub = bus.SubscribeAll(func(ev Event) { c.counter(ev.Name).Inc() })
	return c
}

func (c *Counter) counter(name string) *atomic.Int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[name]
	if !ok {
		n = atomic.NewInt64(0)
		c.counts[name] = n
	}
	return n
}

// Count returns how many events with the given name have been seen.
func (c *Counter) Count(name string) int64 {
	return c.counter(name).Load()
}

// Snapshot returns all non-zero counts.
func (c *Counter) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for name, n := range c.counts {
		if v := n.Load(); v > 0 {
			out[name] = v
		}
	}
	return out
}

// Close stops counting.
func (c *Counter) Close() {
	c.bus.Unsubscribe(c.sub)
}
