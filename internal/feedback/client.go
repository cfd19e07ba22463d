// Package feedback posts thumbs up/down ratings to the configured endpoint
// and provides the interaction handlers that collect them.
package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chatbridge/internal/metrics"
)

// Feedback values.
const (
	ThumbsUp   = "thumbs_up"
	ThumbsDown = "thumbs_down"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/chatbridge/internal/feedback")

// Payload is the body POSTed to the feedback endpoint.
type Payload struct {
	User           string          `json:"user"`
	Feedback       string          `json:"feedback"`
	Interface      string          `json:"interface"`
	InterfaceData  InterfaceData   `json:"interface_data"`
	Data           json.RawMessage `json:"data"`
	FeedbackReason string          `json:"feedback_reason,omitempty"`
}

// InterfaceData identifies where the feedback came from.
type InterfaceData struct {
	Channel string `json:"channel"`
}

// Poster sends a feedback payload.
type Poster interface {
	Post(ctx context.Context, p Payload) error
}

// Client posts feedback over HTTP.
type Client struct {
	url     string
	headers map[string]string
	http    *http.Client
}

// NewClient creates a client for url. Headers are sent on every request.
func NewClient(url string, headers map[string]string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:     url,
		headers: headers,
		http:    &http.Client{Timeout: timeout},
	}
}

// Post sends p. Any non-2xx status is an error.
func (c *Client) Post(ctx context.Context, p Payload) (err error) {
	ctx, span := tracer.Start(ctx, "feedback.post", trace.WithAttributes(
		attribute.String("feedback", p.Feedback),
		attribute.String("interface", p.Interface),
	))
	defer func() {
		metrics.FeedbackPost(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if len(p.Data) == 0 {
		p.Data = json.RawMessage("{}")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal feedback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build feedback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post feedback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post feedback: unexpected status %d", resp.StatusCode)
	}
	return nil
}
