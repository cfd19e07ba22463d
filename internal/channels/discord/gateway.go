package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/channels/typing"
	"github.com/nextlevelbuilder/chatbridge/internal/feedback"
	"github.com/nextlevelbuilder/chatbridge/internal/streaming"
)

// maxMessageLength is Discord's hard limit on message content.
const maxMessageLength = 2000

// api is the subset of *discordgo.Session used for rendering and interactions.
type api interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// gateway implements streaming.Gateway on top of the Discord REST API.
type gateway struct {
	api      api
	state    *discordgo.State // optional cache consulted before REST
	limiter  *channels.KeyedLimiter
	contexts *feedback.Contexts
}

func (g *gateway) Platform() string      { return "discord" }
func (g *gateway) MaxMessageLength() int { return maxMessageLength }

// Conversation resolves channelID to a channel or thread the bot can post in.
func (g *gateway) Conversation(ctx context.Context, channelID string) (streaming.Conversation, error) {
	ch, err := g.lookup(ctx, channelID)
	if err != nil {
		if isNotFound(err) {
			return nil, streaming.ErrUnroutable
		}
		return nil, fmt.Errorf("lookup channel: %w", err)
	}
	if ch == nil || !postable(ch.Type) {
		return nil, streaming.ErrUnroutable
	}
	return &conversation{gw: g, channelID: ch.ID}, nil
}

func (g *gateway) lookup(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	if g.state != nil {
		if ch, err := g.state.Channel(channelID); err == nil {
			return ch, nil
		}
	}
	return g.api.Channel(channelID, discordgo.WithContext(ctx))
}

// remember stores the feedback context for messages carrying controls;
// Discord custom ids are too short to carry the payload.
func (g *gateway) remember(channelID, messageID string, r streaming.Render) {
	if g.contexts == nil || len(r.Controls) == 0 {
		return
	}
	g.contexts.Put(messageID, feedback.Context{Channel: channelID, Data: r.FeedbackData})
}

type conversation struct {
	gw        *gateway
	channelID string
}

func (c *conversation) Send(ctx context.Context, r streaming.Render) (streaming.Message, error) {
	if err := c.gw.limiter.Wait(ctx, c.channelID); err != nil {
		return nil, err
	}
	msg, err := c.gw.api.ChannelMessageSendComplex(c.channelID, &discordgo.MessageSend{
		Content:    r.Text,
		Components: components(r.Controls),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	c.gw.remember(c.channelID, msg.ID, r)
	return &message{gw: c.gw, channelID: c.channelID, id: msg.ID}, nil
}

// Typing keeps the indicator alive: Discord typing expires after 10s, so
// keepalive every 9s, and the TTL auto-stops after 60s.
func (c *conversation) Typing() streaming.Indicator {
	channelID := c.channelID
	return typing.New(typing.Options{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: 9 * time.Second,
		StartFn: func() error {
			return c.gw.api.ChannelTyping(channelID)
		},
	})
}

type message struct {
	gw        *gateway
	channelID string
	id        string
}

func (m *message) ID() string { return m.id }

func (m *message) Edit(ctx context.Context, r streaming.Render) error {
	if err := m.gw.limiter.Wait(ctx, m.channelID); err != nil {
		return err
	}
	edit := discordgo.NewMessageEdit(m.channelID, m.id).SetContent(r.Text)
	comps := components(r.Controls)
	edit.Components = &comps
	if _, err := m.gw.api.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return err
	}
	m.gw.remember(m.channelID, m.id, r)
	return nil
}

// AttachFiles appends files; existing attachments stay because the edit
// leaves the attachment list unset.
func (m *message) AttachFiles(ctx context.Context, files []streaming.Attachment) error {
	if err := m.gw.limiter.Wait(ctx, m.channelID); err != nil {
		return err
	}
	edit := discordgo.NewMessageEdit(m.channelID, m.id)
	for _, f := range files {
		edit.Files = append(edit.Files, &discordgo.File{
			Name:        f.Name,
			ContentType: f.MimeType,
			Reader:      bytes.NewReader(f.Data),
		})
	}
	_, err := m.gw.api.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	return err
}

// components maps controls to a single action row. No controls yields an
// empty, non-nil slice so edits clear any previous row.
func components(controls []streaming.Control) []discordgo.MessageComponent {
	if len(controls) == 0 {
		return []discordgo.MessageComponent{}
	}
	buttons := make([]discordgo.MessageComponent, 0, len(controls))
	for _, c := range controls {
		buttons = append(buttons, discordgo.Button{
			Label:    c.Label,
			Style:    buttonStyle(c.Style),
			CustomID: c.ID,
		})
	}
	return []discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}}
}

func buttonStyle(s streaming.ControlStyle) discordgo.ButtonStyle {
	switch s {
	case streaming.StyleSuccess:
		return discordgo.SuccessButton
	case streaming.StyleDanger:
		return discordgo.DangerButton
	default:
		return discordgo.PrimaryButton
	}
}

// postable reports whether the bot can send messages to a channel of type t.
func postable(t discordgo.ChannelType) bool {
	switch t {
	case discordgo.ChannelTypeGuildText,
		discordgo.ChannelTypeDM,
		discordgo.ChannelTypeGroupDM,
		discordgo.ChannelTypeGuildNews,
		discordgo.ChannelTypeGuildNewsThread,
		discordgo.ChannelTypeGuildPublicThread,
		discordgo.ChannelTypeGuildPrivateThread:
		return true
	}
	return false
}

func isThread(t discordgo.ChannelType) bool {
	switch t {
	case discordgo.ChannelTypeGuildNewsThread,
		discordgo.ChannelTypeGuildPublicThread,
		discordgo.ChannelTypeGuildPrivateThread:
		return true
	}
	return false
}

func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}
