// Package discord connects the bridge to Discord: inbound messages become
// bus envelopes, response chunks are rendered by a streaming dispatcher, and
// button clicks and modals are routed through the interaction router.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/feedback"
	"github.com/nextlevelbuilder/chatbridge/internal/format"
	"github.com/nextlevelbuilder/chatbridge/internal/interaction"
	"github.com/nextlevelbuilder/chatbridge/internal/streaming"
)

// threadNameLength is how much of the first message names a new thread.
const threadNameLength = 20

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session    *discordgo.Session
	config     config.DiscordConfig
	botUserID  string // populated on start
	gw         *gateway
	dispatcher *streaming.Dispatcher
	router     *interaction.Router
	downloader *channels.Downloader
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a new Discord channel from config. router may be nil when
// interactions are not handled.
func New(cfg config.DiscordConfig, msgBus bus.MessageRouter, router *interaction.Router, opts streaming.Options) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	// Request necessary intents
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	base := channels.NewBaseChannel(bus.PlatformDiscord, msgBus, cfg.AllowFrom)
	base.SetUserRateLimit(cfg.UserRateLimit)

	gw := &gateway{
		api:      session,
		state:    session.State,
		limiter:  channels.NewKeyedLimiter(1, 5),
		contexts: feedback.NewContexts(0),
	}
	if cfg.FormatMarkdown() && opts.Format == nil {
		opts.Format = format.Discord
	}

	return &Channel{
		BaseChannel: base,
		session:     session,
		config:      cfg,
		gw:          gw,
		dispatcher:  streaming.NewDispatcher(gw, opts),
		router:      router,
		downloader:  channels.NewDownloader(nil),
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)
	c.session.AddHandler(c.handleInteraction)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	// Fetch bot identity
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.dispatcher.Run(runCtx)
	}()

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)

	return nil
}

// Stop waits for in-flight renders, then closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return c.session.Close()
}

// Send queues a response chunk for rendering and returns immediately.
func (c *Channel) Send(ctx context.Context, chunk bus.OutboundChunk) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	c.dispatcher.Submit(ctx, chunk)
	return nil
}

// handleMessage processes incoming Discord messages.
func (c *Channel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore bots, including ourselves
	if m.Author == nil || m.Author.Bot || m.Author.ID == c.botUserID {
		return
	}

	ctx := context.Background()
	ch, err := c.gw.lookup(ctx, m.ChannelID)
	if err != nil {
		slog.Warn("discord: channel lookup failed", "channel_id", m.ChannelID, "error", err)
		return
	}

	if !c.accepts(ch, m) {
		return
	}
	if !c.IsAllowed(m.Author.ID + "|" + m.Author.Username) {
		slog.Debug("discord message rejected by allowlist",
			"user_id", m.Author.ID,
			"username", m.Author.Username,
		)
		return
	}

	text := m.ContentWithMentionsReplaced()

	threadID := ch.ID
	if !isThread(ch.Type) && !isDM(ch.Type) {
		thread, err := s.MessageThreadStartComplex(m.ChannelID, m.ID, &discordgo.ThreadStart{
			Name:                threadName(text, m.Author.Username),
			AutoArchiveDuration: 60,
		})
		if err != nil {
			slog.Warn("discord: thread creation failed", "channel_id", m.ChannelID, "error", err)
			return
		}
		threadID = thread.ID
	}

	perFile, total := c.config.FileLimits()
	files := c.downloader.FetchAll(ctx, remoteFiles(m.Attachments), perFile, total)

	slog.Debug("discord message received",
		"sender_id", m.Author.ID,
		"channel_id", m.ChannelID,
		"thread_id", threadID,
		"preview", channels.Truncate(text, 50),
	)

	ts := strconv.FormatInt(m.Timestamp.Unix(), 10)
	accepted := c.HandleMessage(bus.InboundMessage{
		Text:        text,
		Files:       files,
		UserID:      m.Author.ID,
		Username:    m.Author.Username,
		Channel:     threadID,
		ThreadID:    threadID,
		SessionID:   threadID,
		ChannelType: channelType(ch.Type),
		ClientMsgID: m.ID,
		TS:          ts,
		EventTS:     ts,
	})
	if !accepted {
		return
	}

	// One-shot typing until the response starts streaming.
	if err := s.ChannelTyping(threadID); err != nil {
		slog.Debug("discord: typing failed", "channel_id", threadID, "error", err)
	}
	if ack := c.config.AcknowledgementMessage; ack != "" {
		if _, err := s.ChannelMessageSend(threadID, ack); err != nil {
			slog.Warn("discord: acknowledgement failed", "channel_id", threadID, "error", err)
		}
	}
}

// accepts applies the conversation rules: DMs always, threads only when the
// author started them, guild channels when mentioned or listening.
func (c *Channel) accepts(ch *discordgo.Channel, m *discordgo.MessageCreate) bool {
	switch {
	case isDM(ch.Type):
		return true
	case isThread(ch.Type):
		// A thread started from a message shares that message's id.
		starter, err := c.session.ChannelMessage(ch.ParentID, ch.ID)
		if err != nil {
			slog.Debug("discord: thread starter lookup failed", "thread_id", ch.ID, "error", err)
			return false
		}
		return starter.Author != nil && starter.Author.ID == m.Author.ID
	default:
		return c.config.ListenToChannels || mentions(m.Mentions, c.botUserID)
	}
}

func mentions(users []*discordgo.User, id string) bool {
	for _, u := range users {
		if u != nil && u.ID == id {
			return true
		}
	}
	return false
}

func isDM(t discordgo.ChannelType) bool {
	return t == discordgo.ChannelTypeDM || t == discordgo.ChannelTypeGroupDM
}

func channelType(t discordgo.ChannelType) string {
	switch {
	case isDM(t):
		return "dm"
	case isThread(t):
		return "thread"
	default:
		return "channel"
	}
}

// threadName is the first characters of the message, falling back to the author.
func threadName(text, author string) string {
	name := strings.TrimSpace(strings.Join(strings.Fields(text), " "))
	if name == "" {
		name = author
	}
	if r := []rune(name); len(r) > threadNameLength {
		name = string(r[:threadNameLength])
	}
	return name
}

func remoteFiles(atts []*discordgo.MessageAttachment) []channels.RemoteFile {
	out := make([]channels.RemoteFile, 0, len(atts))
	for _, a := range atts {
		if a == nil {
			continue
		}
		out = append(out, channels.RemoteFile{
			Name:     a.Filename,
			URL:      a.URL,
			MimeType: a.ContentType,
			FileType: a.ContentType,
			Size:     int64(a.Size),
		})
	}
	return out
}
