// Package slack connects the bridge to Slack over Socket Mode: message and
// app_mention events become bus envelopes, response chunks are rendered by a
// streaming dispatcher, and block actions and modals are routed through the
// interaction router.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	slackgo "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/feedback"
	"github.com/nextlevelbuilder/chatbridge/internal/format"
	"github.com/nextlevelbuilder/chatbridge/internal/interaction"
	"github.com/nextlevelbuilder/chatbridge/internal/streaming"
)

// Channel connects to Slack via Socket Mode.
type Channel struct {
	*channels.BaseChannel
	api        *slackgo.Client
	socket     *socketmode.Client
	config     config.SlackConfig
	botUserID  string // populated on start
	gw         *gateway
	dispatcher *streaming.Dispatcher
	router     *interaction.Router
	downloader *channels.Downloader
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a new Slack channel from config. router may be nil when
// interactions are not handled. apiOpts are passed to the Web API client.
func New(cfg config.SlackConfig, msgBus bus.MessageRouter, router *interaction.Router, opts streaming.Options, apiOpts ...slackgo.Option) (*Channel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: bot_token and app_token are required")
	}
	apiOpts = append([]slackgo.Option{slackgo.OptionAppLevelToken(cfg.AppToken)}, apiOpts...)
	api := slackgo.New(cfg.BotToken, apiOpts...)

	base := channels.NewBaseChannel(bus.PlatformSlack, msgBus, cfg.AllowFrom)
	base.SetUserRateLimit(cfg.UserRateLimit)

	gw := &gateway{
		api:      api,
		limiter:  channels.NewKeyedLimiter(1, 3),
		contexts: feedback.NewContexts(0),
	}
	if cfg.FormatMarkdown() && opts.Format == nil {
		opts.Format = format.Slack
	}

	c := &Channel{
		BaseChannel: base,
		api:         api,
		socket:      socketmode.New(api),
		config:      cfg,
		gw:          gw,
		dispatcher:  streaming.NewDispatcher(gw, opts),
		router:      router,
		downloader:  channels.NewDownloader(http.Header{"Authorization": []string{"Bearer " + cfg.BotToken}}),
	}
	if err := c.registerHandlers(); err != nil {
		return nil, fmt.Errorf("slack: register handlers: %w", err)
	}
	return c, nil
}

// Start authenticates, then runs the Socket Mode connection and the event
// loop in the background.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting slack bot")

	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		if err := c.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack: socket mode stopped", "error", err)
		}
	}()
	go func() {
		defer c.wg.Done()
		c.eventLoop(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.dispatcher.Run(runCtx)
	}()

	c.SetRunning(true)
	slog.Info("slack bot connected", "user", auth.User, "id", auth.UserID, "team", auth.Team)
	return nil
}

// Stop disconnects and waits for in-flight renders.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping slack bot")
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return nil
}

// Send queues a response chunk for rendering and returns immediately.
func (c *Channel) Send(ctx context.Context, chunk bus.OutboundChunk) error {
	if !c.IsRunning() {
		return fmt.Errorf("slack bot not running")
	}
	c.dispatcher.Submit(ctx, chunk)
	return nil
}

func (c *Channel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			c.handleEvent(ctx, evt)
		}
	}
}

func (c *Channel) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		slog.Debug("slack: connecting to socket mode")
	case socketmode.EventTypeConnected:
		slog.Info("slack: socket mode connected")
	case socketmode.EventTypeConnectionError:
		slog.Warn("slack: socket mode connection error", "data", evt.Data)
	case socketmode.EventTypeEventsAPI:
		c.ack(evt)
		event, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		go c.handleEventsAPI(ctx, event)
	case socketmode.EventTypeInteractive:
		c.ack(evt)
		cb, ok := evt.Data.(slackgo.InteractionCallback)
		if !ok {
			return
		}
		go c.handleInteractive(ctx, cb)
	}
}

func (c *Channel) ack(evt socketmode.Event) {
	if evt.Request != nil {
		c.socket.Ack(*evt.Request)
	}
}

func (c *Channel) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if !c.acceptsMessage(ev) {
			return
		}
		var files []slackgo.File
		if ev.Message != nil {
			files = ev.Message.Files
		}
		c.handleMessage(ctx, incoming{
			user:      ev.User,
			text:      ev.Text,
			channel:   ev.Channel,
			chanType:  ev.ChannelType,
			ts:        ev.TimeStamp,
			threadTS:  ev.ThreadTimeStamp,
			eventTS:   ev.EventTimeStamp,
			clientID:  ev.ClientMsgID,
			files:     files,
			fromBot:   ev.BotID != "",
			botMarked: ev.User == c.botUserID,
		})
	case *slackevents.AppMentionEvent:
		if c.config.ListenToChannels {
			return // the message event carries it
		}
		c.handleMessage(ctx, incoming{
			user:      ev.User,
			text:      ev.Text,
			channel:   ev.Channel,
			chanType:  "channel",
			ts:        ev.TimeStamp,
			threadTS:  ev.ThreadTimeStamp,
			eventTS:   ev.EventTimeStamp,
			fromBot:   ev.BotID != "",
			botMarked: ev.User == c.botUserID,
		})
	}
}

// acceptsMessage takes direct messages always, and channel messages only
// when listening to channels.
func (c *Channel) acceptsMessage(ev *slackevents.MessageEvent) bool {
	if ev.SubType != "" && ev.SubType != "file_share" {
		return false
	}
	if ev.ChannelType == "im" {
		return true
	}
	return c.config.ListenToChannels
}

type incoming struct {
	user, text, channel, chanType string
	ts, threadTS, eventTS         string
	clientID                      string
	files                         []slackgo.File
	fromBot, botMarked            bool
}

func (c *Channel) handleMessage(ctx context.Context, in incoming) {
	if in.fromBot || in.botMarked || in.user == "" {
		return
	}

	session := in.threadTS
	if session == "" {
		session = in.ts
	}
	text := stripMention(in.text, c.botUserID)

	perFile, total := c.config.FileLimits()
	files := c.downloader.FetchAll(ctx, remoteFiles(in.files), perFile, total)

	slog.Debug("slack message received",
		"sender_id", in.user,
		"channel_id", in.channel,
		"thread_ts", session,
		"preview", channels.Truncate(text, 50),
	)

	key := conversationKey(in.channel, session)
	accepted := c.HandleMessage(bus.InboundMessage{
		Text:        text,
		Files:       files,
		UserID:      in.user,
		Channel:     key,
		ThreadID:    session,
		SessionID:   session,
		ChannelType: in.chanType,
		ClientMsgID: in.clientID,
		TS:          in.ts,
		EventTS:     in.eventTS,
	})
	if !accepted {
		return
	}

	if ack := c.config.AcknowledgementMessage; ack != "" {
		if _, _, err := c.api.PostMessageContext(ctx, in.channel,
			slackgo.MsgOptionText(ack, false), slackgo.MsgOptionTS(session)); err != nil {
			slog.Warn("slack: acknowledgement failed", "channel_id", in.channel, "error", err)
		}
	}
}

// stripMention removes the bot's own mention from the text.
func stripMention(text, botUserID string) string {
	if botUserID == "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "<@"+botUserID+">", ""))
}

func remoteFiles(files []slackgo.File) []channels.RemoteFile {
	out := make([]channels.RemoteFile, 0, len(files))
	for _, f := range files {
		url := f.URLPrivateDownload
		if url == "" {
			url = f.URLPrivate
		}
		if url == "" {
			continue
		}
		out = append(out, channels.RemoteFile{
			Name:     f.Name,
			URL:      url,
			MimeType: f.Mimetype,
			FileType: f.Filetype,
			Size:     int64(f.Size),
		})
	}
	return out
}
