package config

// ChannelsConfig contains per-platform configuration.
type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
	Slack   SlackConfig   `json:"slack"`
}

type DiscordConfig struct {
	Enabled                   bool                `json:"enabled"`
	Token                     string              `json:"token"`
	AllowFrom                 FlexibleStringSlice `json:"allow_from"`
	ListenToChannels          bool                `json:"listen_to_channels,omitempty"`          // accept guild messages without @mention
	AcknowledgementMessage    string              `json:"acknowledgement_message,omitempty"`     // posted in the thread before the response streams in
	MaxFileSize               int                 `json:"max_file_size,omitempty"`               // MB per attachment (default 20)
	MaxTotalFileSize          int                 `json:"max_total_file_size,omitempty"`         // MB per message (default 20)
	CorrectMarkdownFormatting *bool               `json:"correct_markdown_formatting,omitempty"` // default true
	UserRateLimit             float64             `json:"user_rate_limit,omitempty"`             // inbound messages per second per user (0 = unlimited)
}

type SlackConfig struct {
	Enabled                   bool                `json:"enabled"`
	BotToken                  string              `json:"bot_token"`
	AppToken                  string              `json:"app_token"`
	AllowFrom                 FlexibleStringSlice `json:"allow_from"`
	ListenToChannels          bool                `json:"listen_to_channels,omitempty"`
	AcknowledgementMessage    string              `json:"acknowledgement_message,omitempty"`
	MaxFileSize               int                 `json:"max_file_size,omitempty"`
	MaxTotalFileSize          int                 `json:"max_total_file_size,omitempty"`
	CorrectMarkdownFormatting *bool               `json:"correct_markdown_formatting,omitempty"`
	UserRateLimit             float64             `json:"user_rate_limit,omitempty"`
}

// boolOr returns *b or def when unset.
func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// FormatMarkdown reports whether outbound text is rewritten for Discord.
func (c DiscordConfig) FormatMarkdown() bool { return boolOr(c.CorrectMarkdownFormatting, true) }

// FormatMarkdown reports whether outbound text is rewritten to Slack mrkdwn.
func (c SlackConfig) FormatMarkdown() bool { return boolOr(c.CorrectMarkdownFormatting, true) }

const bytesPerMB = 1024 * 1024

// FileLimits returns the per-file and per-message attachment caps in bytes.
func (c DiscordConfig) FileLimits() (perFile, total int64) {
	return int64(c.MaxFileSize) * bytesPerMB, int64(c.MaxTotalFileSize) * bytesPerMB
}

// FileLimits returns the per-file and per-message attachment caps in bytes.
func (c SlackConfig) FileLimits() (perFile, total int64) {
	return int64(c.MaxFileSize) * bytesPerMB, int64(c.MaxTotalFileSize) * bytesPerMB
}
