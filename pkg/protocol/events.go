// Package protocol defines the JSON frames exchanged with the message broker
// over its WebSocket link.
package protocol

import "encoding/json"

// ProtocolVersion is announced in the hello frame.
const ProtocolVersion = 1

// Frame types.
const (
	// FrameHello is sent once after connecting (payload: Hello).
	FrameHello = "hello"

	// FrameInbound carries a bus.InboundMessage to the broker.
	FrameInbound = "inbound"

	// FrameChunk carries a bus.OutboundChunk from the broker.
	FrameChunk = "chunk"

	// FrameError reports a frame the broker rejected (payload: Error).
	FrameError = "error"
)

// Frame is one WebSocket text message.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hello identifies the bridge and the platforms it serves.
type Hello struct {
	Protocol  int      `json:"protocol"`
	Platforms []string `json:"platforms"`
}

// Error is the payload of FrameError. ID refers to the rejected frame.
type Error struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(typ, id string, payload any) (Frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: typ, ID: id, Payload: b}, nil
}
