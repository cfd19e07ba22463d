package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Duration is a time.Duration written as a Go duration string ("1200ms")
// or as a number of milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(time.Duration(ms * float64(time.Millisecond)))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration for the chat bridge.
type Config struct {
	Channels  ChannelsConfig  `json:"channels"`
	Broker    BrokerConfig    `json:"broker"`
	Feedback  FeedbackConfig  `json:"feedback"`
	Streaming StreamingConfig `json:"streaming"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// BrokerConfig points at the message broker WebSocket endpoint.
type BrokerConfig struct {
	URL          string   `json:"url"`
	Token        string   `json:"-"` // from env CHATBRIDGE_BROKER_TOKEN only
	ReconnectMax Duration `json:"reconnect_max,omitempty"`
	BufferSize   int      `json:"buffer_size,omitempty"`
}

// FeedbackConfig configures the feedback endpoint that thumbs up/down clicks are posted to.
type FeedbackConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	PostURL     string            `json:"post_url,omitempty"`
	PostHeaders map[string]string `json:"post_headers,omitempty"`
	Timeout     Duration          `json:"timeout,omitempty"`
}

// Active reports whether responses should carry feedback controls.
func (f FeedbackConfig) Active() bool {
	return f.Enabled && f.PostURL != ""
}

// StreamingConfig tunes the outbound response dispatcher.
type StreamingConfig struct {
	ThrottleInterval Duration `json:"throttle_interval,omitempty"` // min gap between non-forced renders (default 1200ms)
	CompletedTTL     Duration `json:"completed_ttl,omitempty"`     // keep finished responses this long (default 5m)
	IdleTTL          Duration `json:"idle_ttl,omitempty"`          // drop responses idle this long (default 30m)
	MaxTracked       int      `json:"max_tracked,omitempty"`       // hard cap on tracked responses (default 4096)
	SweepInterval    Duration `json:"sweep_interval,omitempty"`    // eviction period (default 1m)
}

// MetricsConfig enables the prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `json:"listen,omitempty"` // e.g. ":9090"
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext connection (set true for local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "chatbridge")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}
