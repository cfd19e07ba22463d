package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

const (
	DefaultThrottleInterval = 1200 * time.Millisecond
	DefaultCompletedTTL     = 5 * time.Minute
	DefaultIdleTTL          = 30 * time.Minute
	DefaultMaxTracked       = 4096
	DefaultSweepInterval    = time.Minute
	DefaultMaxFileSizeMB    = 20
	DefaultFeedbackTimeout  = 10 * time.Second
	DefaultReconnectMax     = 30 * time.Second
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				MaxFileSize:      DefaultMaxFileSizeMB,
				MaxTotalFileSize: DefaultMaxFileSizeMB,
			},
			Slack: SlackConfig{
				MaxFileSize:      DefaultMaxFileSizeMB,
				MaxTotalFileSize: DefaultMaxFileSizeMB,
			},
		},
		Broker: BrokerConfig{
			URL:          "ws://localhost:8765/ws",
			ReconnectMax: Duration(DefaultReconnectMax),
			BufferSize:   256,
		},
		Feedback: FeedbackConfig{
			Timeout: Duration(DefaultFeedbackTimeout),
		},
		Streaming: StreamingConfig{
			ThrottleInterval: Duration(DefaultThrottleInterval),
			CompletedTTL:     Duration(DefaultCompletedTTL),
			IdleTTL:          Duration(DefaultIdleTTL),
			MaxTracked:       DefaultMaxTracked,
			SweepInterval:    Duration(DefaultSweepInterval),
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "chatbridge",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars and validates.
// A missing file yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("CHATBRIDGE_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("CHATBRIDGE_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("CHATBRIDGE_SLACK_APP_TOKEN", &c.Channels.Slack.AppToken)

	// Auto-enable channels if credentials are provided via env
	if os.Getenv("CHATBRIDGE_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}
	if os.Getenv("CHATBRIDGE_SLACK_BOT_TOKEN") != "" && c.Channels.Slack.AppToken != "" {
		c.Channels.Slack.Enabled = true
	}

	envStr("CHATBRIDGE_BROKER_URL", &c.Broker.URL)
	envStr("CHATBRIDGE_BROKER_TOKEN", &c.Broker.Token)

	envStr("CHATBRIDGE_FEEDBACK_POST_URL", &c.Feedback.PostURL)
	envBool("CHATBRIDGE_FEEDBACK_ENABLED", &c.Feedback.Enabled)

	if v := os.Getenv("CHATBRIDGE_THROTTLE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			c.Streaming.ThrottleInterval = Duration(time.Duration(ms) * time.Millisecond)
		}
	}

	envStr("CHATBRIDGE_METRICS_LISTEN", &c.Metrics.Listen)

	// Telemetry
	envStr("CHATBRIDGE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CHATBRIDGE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CHATBRIDGE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("CHATBRIDGE_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("CHATBRIDGE_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// Validate checks the config and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	d := c.Channels.Discord
	if d.Enabled && d.Token == "" {
		errs = append(errs, errors.New("channels.discord.token is required when discord is enabled"))
	}
	errs = append(errs, validateFileSizes("channels.discord", d.MaxFileSize, d.MaxTotalFileSize)...)
	if d.UserRateLimit < 0 {
		errs = append(errs, errors.New("channels.discord.user_rate_limit must not be negative"))
	}

	s := c.Channels.Slack
	if s.Enabled {
		if s.BotToken == "" {
			errs = append(errs, errors.New("channels.slack.bot_token is required when slack is enabled"))
		}
		if !strings.HasPrefix(s.AppToken, "xapp-") {
			errs = append(errs, errors.New("channels.slack.app_token must be an app-level token (xapp-...)"))
		}
	}
	errs = append(errs, validateFileSizes("channels.slack", s.MaxFileSize, s.MaxTotalFileSize)...)
	if s.UserRateLimit < 0 {
		errs = append(errs, errors.New("channels.slack.user_rate_limit must not be negative"))
	}

	if c.Feedback.Enabled {
		if c.Feedback.PostURL == "" {
			errs = append(errs, errors.New("feedback.post_url is required when feedback is enabled"))
		} else if u, err := url.Parse(c.Feedback.PostURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("feedback.post_url %q must be an http(s) URL", c.Feedback.PostURL))
		}
	}

	if u, err := url.Parse(c.Broker.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("broker.url %q must be a ws:// or wss:// URL", c.Broker.URL))
	}

	st := c.Streaming
	if st.ThrottleInterval < 0 {
		errs = append(errs, errors.New("streaming.throttle_interval must not be negative"))
	}
	if st.CompletedTTL <= 0 || st.IdleTTL <= 0 || st.SweepInterval <= 0 {
		errs = append(errs, errors.New("streaming ttl and sweep intervals must be positive"))
	}
	if st.MaxTracked <= 0 {
		errs = append(errs, errors.New("streaming.max_tracked must be positive"))
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "", "grpc", "http":
		default:
			errs = append(errs, fmt.Errorf("telemetry.protocol %q must be grpc or http", c.Telemetry.Protocol))
		}
	}

	return errors.Join(errs...)
}

func validateFileSizes(prefix string, perFile, total int) []error {
	var errs []error
	if perFile < 0 || total < 0 {
		errs = append(errs, fmt.Errorf("%s: file sizes must not be negative", prefix))
	}
	if perFile > total {
		errs = append(errs, fmt.Errorf("%s: max_file_size (%d) exceeds max_total_file_size (%d)", prefix, perFile, total))
	}
	return errs
}
