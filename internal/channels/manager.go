package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/metrics"
)

// Manager manages all registered channels, handling their lifecycle
// and routing response chunks to the channel that owns the platform.
type Manager struct {
	channels     map[string]Channel
	bus          bus.MessageRouter
	dispatchTask *asyncTask
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a new channel manager.
// Channels are registered externally via RegisterChannel.
func NewManager(router bus.MessageRouter) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      router,
	}
}

// StartAll starts all registered channels and the outbound dispatch loop.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	task := &asyncTask{cancel: cancel, done: make(chan struct{})}
	m.dispatchTask = task
	go func() {
		defer close(task.done)
		m.dispatchOutbound(dispatchCtx)
	}()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	slog.Info("starting all channels")

	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels started")
	return nil
}

// StopAll stops the dispatch loop, then every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	task := m.dispatchTask
	m.dispatchTask = nil
	m.mu.Unlock()

	slog.Info("stopping all channels")

	if task != nil {
		task.cancel()
		<-task.done
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, channel := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels stopped")
	return nil
}

// dispatchOutbound consumes response chunks from the bus and hands each to
// its platform channel. Channels queue the chunk and return immediately,
// so a slow render never holds up other responses.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("outbound dispatcher started")

	for {
		chunk, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}

		channel, exists := m.route(chunk.Platform)
		if !exists {
			metrics.Chunk(chunk.Platform, metrics.OutcomeUnroutable)
			slog.Warn("unknown platform for outbound chunk", "platform", chunk.Platform, "uuid", chunk.UUID)
			continue
		}

		if err := channel.Send(ctx, chunk); err != nil {
			slog.Error("error sending chunk to channel",
				"channel", channel.Name(),
				"uuid", chunk.UUID,
				"error", err,
			)
		}
	}
}

// route resolves a platform name. An empty name is accepted only when exactly
// one channel is registered.
func (m *Manager) route(platform string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if platform == "" && len(m.channels) == 1 {
		for _, ch := range m.channels {
			return ch, true
		}
	}
	ch, ok := m.channels[platform]
	return ch, ok
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{})
	for name, channel := range m.channels {
		status[name] = map[string]interface{}{
			"enabled": true,
			"running": channel.IsRunning(),
		}
	}
	return status
}

// GetEnabledChannels returns the names of all enabled channels.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// UnregisterChannel removes a channel from the manager.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}
