// Package typing keeps a platform typing indicator alive with a keepalive
// loop and a TTL so an indicator can never get stuck.
package typing

import (
	"log/slog"
	"sync"
	"time"
)

// Options configures a Controller.
type Options struct {
	// MaxDuration stops the indicator automatically. Zero means no limit.
	MaxDuration time.Duration
	// KeepaliveInterval re-sends the indicator. Zero sends it once.
	KeepaliveInterval time.Duration
	// StartFn sends one typing signal to the platform.
	StartFn func() error
}

// Controller is safe for concurrent use. Start after Stop restarts the indicator.
type Controller struct {
	opts Options

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// New creates a stopped controller.
func New(opts Options) *Controller {
	return &Controller{opts: opts}
}

// Start sends the indicator immediately and keeps it alive in the background.
// Calling Start on a running controller resets its TTL.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.running {
		close(c.stopCh)
	}
	stopCh := make(chan struct{})
	c.stopCh = stopCh
	c.running = true
	c.mu.Unlock()

	c.send()
	go c.loop(stopCh)
}

// Stop ends the keepalive loop. Safe to call multiple times.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	close(c.stopCh)
	c.running = false
}

// Running reports whether the keepalive loop is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Controller) loop(stopCh chan struct{}) {
	var ttl <-chan time.Time
	if c.opts.MaxDuration > 0 {
		timer := time.NewTimer(c.opts.MaxDuration)
		defer timer.Stop()
		ttl = timer.C
	}
	var tick <-chan time.Time
	if c.opts.KeepaliveInterval > 0 {
		ticker := time.NewTicker(c.opts.KeepaliveInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-stopCh:
			return
		case <-ttl:
			c.expire(stopCh)
			return
		case <-tick:
			c.send()
		}
	}
}

// expire stops the controller unless a newer Start replaced stopCh.
func (c *Controller) expire(stopCh chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running && c.stopCh == stopCh {
		close(c.stopCh)
		c.running = false
	}
}

func (c *Controller) send() {
	if c.opts.StartFn == nil {
		return
	}
	if err := c.opts.StartFn(); err != nil {
		slog.Debug("typing indicator failed", "error", err)
	}
}
