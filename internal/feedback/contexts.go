package feedback

import (
	"encoding/json"
	"sync"
)

// maxTrackedContexts caps remembered messages; the oldest entry is dropped first.
const maxTrackedContexts = 4096

// Context is what a click needs to know about the response it rates.
type Context struct {
	Channel string
	Data    json.RawMessage
}

// Contexts remembers feedback context per platform message id for platforms
// whose buttons cannot carry it. Safe for concurrent use.
type Contexts struct {
	mu      sync.Mutex
	max     int
	entries map[string]Context
	order   []string
}

// NewContexts creates a store holding at most max entries (0 = default cap).
func NewContexts(max int) *Contexts {
	if max <= 0 {
		max = maxTrackedContexts
	}
	return &Contexts{max: max, entries: make(map[string]Context)}
}

// Put records ctx for messageID, replacing any previous value.
func (c *Contexts) Put(messageID string, ctx Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[messageID]; !ok {
		c.order = append(c.order, messageID)
	}
	c.entries[messageID] = ctx
	for len(c.order) > c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Get returns the context for messageID.
func (c *Contexts) Get(messageID string) (Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.entries[messageID]
	return ctx, ok
}

// Len reports the number of remembered messages.
func (c *Contexts) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
