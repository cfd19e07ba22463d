package bus

import (
	"context"
	"encoding/json"
	"strings"
)

// Platform names used for routing chunks to a channel.
const (
	PlatformDiscord = "discord"
	PlatformSlack   = "slack"
)

// InboundMessage is the envelope published to the broker for every accepted
// platform event (user message or form submission).
type InboundMessage struct {
	Platform    string            `json:"platform"`
	Text        string            `json:"text"`
	Files       []File            `json:"files,omitempty"`
	UserID      string            `json:"user_id"`
	Username    string            `json:"username,omitempty"`
	Channel     string            `json:"channel"`
	ThreadID    string            `json:"thread_id,omitempty"`
	SessionID   string            `json:"session_id"`
	ChannelType string            `json:"channel_type,omitempty"` // "dm", "channel" or "thread"
	ClientMsgID string            `json:"client_msg_id,omitempty"`
	TS          string            `json:"ts,omitempty"`
	EventTS     string            `json:"event_ts,omitempty"`
	EventType   string            `json:"event_type,omitempty"` // empty for plain messages, "post_user_form" for forms
	FormData    map[string]string `json:"form_data,omitempty"`
	TaskID      string            `json:"task_id,omitempty"`
}

// File is a base64 encoded attachment carried in either direction.
type File struct {
	Name     string `json:"name"`
	Content  string `json:"content"` // base64
	MimeType string `json:"mime_type,omitempty"`
	FileType string `json:"filetype,omitempty"`
	Size     int    `json:"size,omitempty"`
}

// OutboundChunk is one incremental update of a streamed response.
// Every chunk carries the full current text of the response, not a delta.
type OutboundChunk struct {
	UUID             string          `json:"uuid"`
	Platform         string          `json:"platform"`
	Channel          string          `json:"channel"`
	Text             TextParts       `json:"text"`
	Files            []File          `json:"files,omitempty"`
	FirstChunk       bool            `json:"first_chunk,omitempty"`
	LastChunk        bool            `json:"last_chunk,omitempty"`
	StatusUpdate     bool            `json:"status_update,omitempty"`
	ResponseComplete bool            `json:"response_complete,omitempty"`
	FeedbackData     json.RawMessage `json:"feedback_data,omitempty"`
}

// Terminal reports whether the chunk ends the stream and must never be suppressed.
func (c OutboundChunk) Terminal() bool {
	return c.LastChunk || c.ResponseComplete
}

// TextParts accepts a string or a list of strings. Non-string and empty
// list items are skipped.
type TextParts []string

func (t *TextParts) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*t = nil
		} else {
			*t = TextParts{s}
		}
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		// null or an unexpected scalar: no text
		*t = nil
		return nil
	}
	parts := make(TextParts, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	*t = parts
	return nil
}

// String joins all parts.
func (t TextParts) String() string {
	return strings.Join(t, "")
}

// MessageRouter abstracts inbound/outbound routing between platform channels and the broker link.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(ctx context.Context, chunk OutboundChunk) bool
	SubscribeOutbound(ctx context.Context) (OutboundChunk, bool)
}
