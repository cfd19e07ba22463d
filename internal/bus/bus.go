// Package bus carries envelopes between platform channels and the broker link.
package bus

import (
	"context"
	"log/slog"
)

const defaultBufferSize = 256

// MessageBus is a pair of FIFO queues, one per direction. Safe for
// concurrent publishers and consumers.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundChunk
}

var _ MessageRouter = (*MessageBus)(nil)

// New creates a bus with the given per-direction buffer size.
func New(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundChunk, size),
	}
}

// PublishInbound enqueues an inbound envelope. Blocks when the buffer is full.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// ConsumeInbound blocks until an envelope is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a response chunk, waiting while the buffer is
// full. Returns false if ctx is done before the chunk is queued.
func (b *MessageBus) PublishOutbound(ctx context.Context, chunk OutboundChunk) bool {
	if chunk.UUID == "" {
		slog.Debug("bus: outbound chunk without uuid", "platform", chunk.Platform, "channel", chunk.Channel)
	}
	select {
	case b.outbound <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// SubscribeOutbound blocks until a chunk is available or ctx is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundChunk, bool) {
	select {
	case chunk := <-b.outbound:
		return chunk, true
	case <-ctx.Done():
		return OutboundChunk{}, false
	}
}
