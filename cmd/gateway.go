package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chatbridge/internal/broker"
	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/channels/discord"
	"github.com/nextlevelbuilder/chatbridge/internal/channels/slack"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/feedback"
	"github.com/nextlevelbuilder/chatbridge/internal/interaction"
	"github.com/nextlevelbuilder/chatbridge/internal/metrics"
	"github.com/nextlevelbuilder/chatbridge/internal/streaming"
	"github.com/nextlevelbuilder/chatbridge/internal/tracing"
	"github.com/nextlevelbuilder/chatbridge/pkg/protocol"
)

const shutdownTimeout = 15 * time.Second

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// loadConfig reads .env (if present) before the config so env overrides apply.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}
	return config.Load(resolveConfigPath())
}

func runGateway() {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := restrictPlatforms(cfg, platforms); err != nil {
		slog.Error("invalid --platform", "error", err)
		os.Exit(1)
	}

	if err := serve(cfg); err != nil {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	msgBus := bus.New(cfg.Broker.BufferSize)

	var poster feedback.Poster
	if cfg.Feedback.Active() {
		poster = feedback.NewClient(cfg.Feedback.PostURL, cfg.Feedback.PostHeaders, cfg.Feedback.Timeout.Std())
	}

	opts := streaming.Options{
		ThrottleInterval: cfg.Streaming.ThrottleInterval.Std(),
		FeedbackEnabled:  cfg.Feedback.Active(),
		SweepInterval:    cfg.Streaming.SweepInterval.Std(),
		Store: streaming.StoreOptions{
			CompletedTTL: cfg.Streaming.CompletedTTL.Std(),
			IdleTTL:      cfg.Streaming.IdleTTL.Std(),
			MaxTracked:   cfg.Streaming.MaxTracked,
		},
	}

	channelMgr := channels.NewManager(msgBus)
	if err := registerChannels(cfg, channelMgr, msgBus, poster, opts); err != nil {
		return err
	}
	enabled := channelMgr.GetEnabledChannels()
	if len(enabled) == 0 {
		return errors.New("no channels enabled: configure discord or slack")
	}

	if err := channelMgr.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	slog.Info("chatbridge gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"channels", enabled,
		"broker", cfg.Broker.URL,
		"feedback", cfg.Feedback.Active(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return broker.New(cfg.Broker, msgBus, enabled).Run(gctx)
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Listen) })
	}
	runErr := g.Wait()

	slog.Info("graceful shutdown initiated")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, channelMgr.StopAll(sctx))
}

// registerChannels builds one interaction router per platform and registers
// every enabled channel with the manager.
func registerChannels(cfg *config.Config, mgr *channels.Manager, msgBus bus.MessageRouter, poster feedback.Poster, opts streaming.Options) error {
	newRouter := func(platform string) (*interaction.Router, error) {
		r := interaction.NewRouter(platform)
		if err := feedback.NewHandlers(poster, platform).Register(r); err != nil {
			return nil, fmt.Errorf("%s interactions: %w", platform, err)
		}
		return r, nil
	}

	if cfg.Channels.Discord.Enabled {
		router, err := newRouter(bus.PlatformDiscord)
		if err != nil {
			return err
		}
		ch, err := discord.New(cfg.Channels.Discord, msgBus, router, opts)
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		mgr.RegisterChannel(bus.PlatformDiscord, ch)
	}

	if cfg.Channels.Slack.Enabled {
		router, err := newRouter(bus.PlatformSlack)
		if err != nil {
			return err
		}
		ch, err := slack.New(cfg.Channels.Slack, msgBus, router, opts)
		if err != nil {
			return fmt.Errorf("slack: %w", err)
		}
		mgr.RegisterChannel(bus.PlatformSlack, ch)
	}
	return nil
}
