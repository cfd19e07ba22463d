package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	slackgo "github.com/slack-go/slack"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/feedback"
	"github.com/nextlevelbuilder/chatbridge/internal/streaming"
)

const (
	// maxMessageLength is the section block text limit.
	maxMessageLength = 3000

	// controlsBlockID marks the action block holding feedback buttons.
	controlsBlockID = "feedback_controls"

	// maxButtonValue is Slack's limit on a button value.
	maxButtonValue = 2000
)

// conversationKey addresses a thread as "channel:thread_ts".
func conversationKey(channel, threadTS string) string {
	if threadTS == "" {
		return channel
	}
	return channel + ":" + threadTS
}

// splitConversationKey is the inverse of conversationKey.
func splitConversationKey(key string) (channel, threadTS string) {
	channel, threadTS, _ = strings.Cut(key, ":")
	return channel, threadTS
}

// gateway implements streaming.Gateway with the Slack Web API.
type gateway struct {
	api      *slackgo.Client
	limiter  *channels.KeyedLimiter
	contexts *feedback.Contexts
}

func (g *gateway) Platform() string      { return "slack" }
func (g *gateway) MaxMessageLength() int { return maxMessageLength }

func (g *gateway) Conversation(_ context.Context, key string) (streaming.Conversation, error) {
	channel, threadTS := splitConversationKey(key)
	if channel == "" {
		return nil, streaming.ErrUnroutable
	}
	return &conversation{gw: g, channel: channel, threadTS: threadTS}, nil
}

// remember keeps the feedback context for clicks whose button value could
// not carry it.
func (g *gateway) remember(channel, ts string, r streaming.Render) {
	if g.contexts == nil || len(r.Controls) == 0 {
		return
	}
	g.contexts.Put(ts, feedback.Context{Channel: channel, Data: r.FeedbackData})
}

type conversation struct {
	gw       *gateway
	channel  string
	threadTS string
}

func (c *conversation) Send(ctx context.Context, r streaming.Render) (streaming.Message, error) {
	if err := c.gw.limiter.Wait(ctx, c.channel); err != nil {
		return nil, err
	}
	opts := renderOptions(r, c.channel, c.threadTS)
	if c.threadTS != "" {
		opts = append(opts, slackgo.MsgOptionTS(c.threadTS))
	}
	_, ts, err := c.gw.api.PostMessageContext(ctx, c.channel, opts...)
	if err != nil {
		return nil, err
	}
	c.gw.remember(c.channel, ts, r)
	return &message{gw: c.gw, channel: c.channel, threadTS: c.threadTS, ts: ts}, nil
}

// Typing is nil: bots cannot show a typing indicator over the Web API.
func (c *conversation) Typing() streaming.Indicator { return nil }

type message struct {
	gw       *gateway
	channel  string
	threadTS string
	ts       string
}

func (m *message) ID() string { return m.ts }

func (m *message) Edit(ctx context.Context, r streaming.Render) error {
	if err := m.gw.limiter.Wait(ctx, m.channel); err != nil {
		return err
	}
	_, _, _, err := m.gw.api.UpdateMessageContext(ctx, m.channel, m.ts, renderOptions(r, m.channel, m.threadTS)...)
	if err != nil {
		return err
	}
	m.gw.remember(m.channel, m.ts, r)
	return nil
}

// AttachFiles uploads each file into the response's thread. Slack messages
// cannot gain attachments after posting, so files appear as replies.
func (m *message) AttachFiles(ctx context.Context, files []streaming.Attachment) error {
	threadTS := m.threadTS
	if threadTS == "" {
		threadTS = m.ts
	}
	for _, f := range files {
		if len(f.Data) == 0 {
			continue // Slack rejects empty uploads
		}
		if err := m.gw.limiter.Wait(ctx, m.channel); err != nil {
			return err
		}
		_, err := m.gw.api.UploadFileV2Context(ctx, slackgo.UploadFileV2Parameters{
			Channel:         m.channel,
			ThreadTimestamp: threadTS,
			Filename:        f.Name,
			Title:           f.Name,
			FileSize:        len(f.Data),
			Reader:          bytes.NewReader(f.Data),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// buttonValue is carried by every feedback button.
type buttonValue struct {
	Channel      string          `json:"channel"`
	ThreadTS     string          `json:"thread_ts,omitempty"`
	FeedbackData json.RawMessage `json:"feedback_data,omitempty"`
}

// renderOptions builds the message text, the section block and the optional
// controls block.
func renderOptions(r streaming.Render, channel, threadTS string) []slackgo.MsgOption {
	blocks := []slackgo.Block{
		slackgo.NewSectionBlock(slackgo.NewTextBlockObject(slackgo.MarkdownType, r.Text, false, false), nil, nil),
	}
	if len(r.Controls) > 0 {
		blocks = append(blocks, controlsBlock(r.Controls, encodeButtonValue(channel, threadTS, r.FeedbackData)))
	}
	return []slackgo.MsgOption{
		slackgo.MsgOptionText(r.Text, false),
		slackgo.MsgOptionBlocks(blocks...),
	}
}

func controlsBlock(controls []streaming.Control, value string) *slackgo.ActionBlock {
	elements := make([]slackgo.BlockElement, 0, len(controls))
	for _, c := range controls {
		btn := slackgo.NewButtonBlockElement(c.ID, value,
			slackgo.NewTextBlockObject(slackgo.PlainTextType, c.Label, true, false))
		switch c.Style {
		case streaming.StyleSuccess, streaming.StylePrimary:
			btn = btn.WithStyle(slackgo.StylePrimary)
		case streaming.StyleDanger:
			btn = btn.WithStyle(slackgo.StyleDanger)
		}
		elements = append(elements, btn)
	}
	return slackgo.NewActionBlock(controlsBlockID, elements...)
}

// encodeButtonValue drops the feedback data when the value would exceed
// Slack's limit; clicks then fall back to the remembered context.
func encodeButtonValue(channel, threadTS string, data json.RawMessage) string {
	v := buttonValue{Channel: channel, ThreadTS: threadTS, FeedbackData: data}
	b, err := json.Marshal(v)
	if err != nil || len(b) > maxButtonValue {
		v.FeedbackData = nil
		b, _ = json.Marshal(v)
	}
	return string(b)
}

func decodeButtonValue(s string) (buttonValue, bool) {
	var v buttonValue
	if s == "" || json.Unmarshal([]byte(s), &v) != nil {
		return v, false
	}
	return v, true
}

// withoutControls returns blocks minus the feedback controls block.
func withoutControls(blocks []slackgo.Block) []slackgo.Block {
	out := make([]slackgo.Block, 0, len(blocks))
	for _, b := range blocks {
		if b.ID() == controlsBlockID {
			continue
		}
		out = append(out, b)
	}
	return out
}
