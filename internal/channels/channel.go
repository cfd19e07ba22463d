// Package channels provides the platform channel abstraction: lifecycle,
// inbound normalization onto the bus and routing of response chunks back to
// the platform that owns them.
package channels

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/metrics"
)

// Channel defines the interface that all platform implementations must satisfy.
type Channel interface {
	// Name returns the platform identifier ("discord", "slack").
	Name() string

	// Start connects to the platform. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send hands a response chunk to the channel's dispatcher. It must not
	// block on platform calls.
	Send(ctx context.Context, chunk bus.OutboundChunk) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the channel's allowlist.
	IsAllowed(senderID string) bool
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name      string
	bus       bus.MessageRouter
	running   atomic.Bool
	allowList []string
	limiter   *KeyedLimiter
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, router bus.MessageRouter, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       router,
		allowList: allowList,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() bus.MessageRouter { return c.bus }

// SetUserRateLimit throttles inbound messages per user. rps <= 0 disables it.
func (c *BaseChannel) SetUserRateLimit(rps float64) {
	if rps <= 0 {
		c.limiter = nil
		return
	}
	c.limiter = NewKeyedLimiter(rps, 3)
}

// IsAllowed checks if a sender is permitted by the allowlist.
// Supports compound senderID format: "123456|username".
// Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		if senderID == trimmed || idPart == trimmed || (userPart != "" && userPart == trimmed) {
			return true
		}
	}
	return false
}

// HandleMessage publishes an inbound envelope after the allowlist and
// per-user rate checks. Returns false when the message was dropped.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) bool {
	sender := msg.UserID
	if msg.Username != "" {
		sender = msg.UserID + "|" + msg.Username
	}
	if !c.IsAllowed(sender) {
		slog.Debug("message rejected by allowlist", "channel", c.name, "user_id", msg.UserID)
		return false
	}
	if c.limiter != nil && !c.limiter.Allow(msg.UserID) {
		slog.Warn("message dropped by rate limit", "channel", c.name, "user_id", msg.UserID)
		return false
	}

	msg.Platform = c.name
	c.bus.PublishInbound(msg)
	metrics.Inbound(c.name)
	return true
}

// Truncate shortens a string to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
