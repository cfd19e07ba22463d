package streaming

import (
	"context"
	"encoding/json"
	"errors"
)

// Placeholder replaces an empty body; platforms reject empty messages.
const Placeholder = "\u200b"

// ErrUnroutable is returned by Gateway.Conversation when the destination does
// not exist or cannot receive messages. Chunks for it are dropped silently.
var ErrUnroutable = errors.New("conversation not routable")

// Gateway is the platform side of the dispatcher.
type Gateway interface {
	// Platform is the name used in logs and metrics.
	Platform() string
	// MaxMessageLength is the longest body the platform accepts, in characters.
	MaxMessageLength() int
	// Conversation resolves a channel id on every render. It is never cached here.
	Conversation(ctx context.Context, channelID string) (Conversation, error)
}

// Conversation is a resolved, postable destination.
type Conversation interface {
	Send(ctx context.Context, r Render) (Message, error)
	// Typing returns an indicator scoped to this conversation. May be nil.
	Typing() Indicator
}

// Message is the single platform message owned by a response.
type Message interface {
	ID() string
	Edit(ctx context.Context, r Render) error
	// AttachFiles adds files, keeping any already attached.
	AttachFiles(ctx context.Context, files []Attachment) error
}

// Indicator is a typing indicator. Start on a running indicator refreshes it.
type Indicator interface {
	Start()
	Stop()
}

// Render is the full visible state of a response message.
type Render struct {
	ResponseID   string
	Text         string
	Controls     []Control
	FeedbackData json.RawMessage
}

// ControlStyle maps to the platform's button colours.
type ControlStyle int

const (
	StylePrimary ControlStyle = iota
	StyleSuccess
	StyleDanger
)

// Control is an interactive button attached to a message.
type Control struct {
	ID    string // custom id routed by the interaction router
	Label string
	Style ControlStyle
}

// Feedback control ids.
const (
	ControlThumbsUp   = "thumbs_up"
	ControlThumbsDown = "thumbs_down"
)

// FeedbackControls returns the approve/reject pair attached to completed responses.
func FeedbackControls() []Control {
	return []Control{
		{ID: ControlThumbsUp, Label: "👍", Style: StyleSuccess},
		{ID: ControlThumbsDown, Label: "👎", Style: StyleDanger},
	}
}

// Attachment is a decoded file ready for upload.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

type nopIndicator struct{}

func (nopIndicator) Start() {}
func (nopIndicator) Stop()  {}
