// Package streaming renders streamed broker responses as a single platform
// message per response: send once, then throttled edits, then a final flush
// carrying the feedback controls.
package streaming

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/metrics"
)

const DefaultThrottleInterval = 1200 * time.Millisecond

// StatusPrefix marks progress text; both platforms render the shortcode.
const StatusPrefix = ":thinking_face: "

var tracer = otel.Tracer("github.com/nextlevelbuilder/chatbridge/internal/streaming")

// Options configures a Dispatcher.
type Options struct {
	ThrottleInterval time.Duration // zero means DefaultThrottleInterval
	FeedbackEnabled  bool
	Format           func(string) string // applied to the body before truncation
	Store            StoreOptions
	SweepInterval    time.Duration
	Now              func() time.Time
}

// Dispatcher applies chunks for one platform.
type Dispatcher struct {
	gw       Gateway
	store    *Store
	throttle time.Duration
	feedback bool
	format   func(string) string
	sweep    time.Duration
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher rendering through gw.
func NewDispatcher(gw Gateway, opts Options) *Dispatcher {
	if opts.ThrottleInterval == 0 {
		opts.ThrottleInterval = DefaultThrottleInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		gw:       gw,
		store:    NewStore(opts.Store),
		throttle: opts.ThrottleInterval,
		feedback: opts.FeedbackEnabled,
		format:   opts.Format,
		sweep:    opts.SweepInterval,
		now:      opts.Now,
	}
}

// Store exposes the response state, mainly for tests and diagnostics.
func (d *Dispatcher) Store() *Store { return d.store }

// Dispatch applies one chunk synchronously under its response lock.
// Errors are platform failures for this response only.
func (d *Dispatcher) Dispatch(ctx context.Context, chunk bus.OutboundChunk) error {
	if chunk.UUID == "" || chunk.Channel == "" {
		d.count(metrics.OutcomeUnroutable)
		slog.Debug("streaming: chunk without uuid or channel dropped",
			"platform", d.gw.Platform(), "uuid", chunk.UUID, "channel", chunk.Channel)
		return nil
	}
	r, ok := d.store.GetOrCreate(chunk.UUID, chunk.Channel, d.now())
	if !ok {
		d.dropEvicted(chunk)
		return nil
	}
	return d.dispatch(ctx, r, chunk)
}

// Submit queues a chunk behind earlier chunks of the same response. Chunks
// of one response are applied in arrival order; responses run in parallel.
func (d *Dispatcher) Submit(ctx context.Context, chunk bus.OutboundChunk) {
	if chunk.UUID == "" || chunk.Channel == "" {
		_ = d.Dispatch(ctx, chunk)
		return
	}
	r, ok := d.store.GetOrCreate(chunk.UUID, chunk.Channel, d.now())
	if !ok {
		d.dropEvicted(chunk)
		return
	}

	r.qmu.Lock()
	if r.evicted {
		r.qmu.Unlock()
		d.dropEvicted(chunk)
		return
	}
	r.pending = append(r.pending, chunk)
	if r.draining {
		r.qmu.Unlock()
		return
	}
	r.draining = true
	r.qmu.Unlock()

	d.wg.Add(1)
	go d.drain(ctx, r)
}

// Wait blocks until every submitted chunk has been applied.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Run sweeps stale responses until ctx is done, then waits for in-flight chunks.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.Wait()
			return
		case <-ticker.C:
			if n := d.store.Sweep(d.now()); n > 0 {
				slog.Debug("streaming: evicted responses", "platform", d.gw.Platform(), "count", n)
			}
			metrics.Responses(d.gw.Platform(), d.store.Len())
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context, r *Response) {
	defer d.wg.Done()
	for {
		r.qmu.Lock()
		if len(r.pending) == 0 {
			r.draining = false
			r.qmu.Unlock()
			return
		}
		chunk := r.pending[0]
		r.pending = r.pending[1:]
		r.qmu.Unlock()

		if err := d.dispatchSafe(ctx, r, chunk); err != nil {
			slog.Warn("streaming: render failed",
				"platform", d.gw.Platform(), "uuid", r.ID, "channel", r.Channel, "error", err)
		}
	}
}

func (d *Dispatcher) dispatchSafe(ctx context.Context, r *Response, chunk bus.OutboundChunk) (err error) {
	defer func() {
		if p := recover(); p != nil {
			d.count(metrics.OutcomeFailed)
			slog.Error("streaming: panic while rendering",
				"uuid", r.ID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return d.dispatch(ctx, r, chunk)
}

func (d *Dispatcher) dispatch(ctx context.Context, r *Response, chunk bus.OutboundChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.evicted {
		d.dropEvicted(chunk)
		return nil
	}
	now := d.now()
	r.touched = now

	// Feedback UI is on screen; only late files may still be attached.
	if r.finalized {
		if len(chunk.Files) > 0 && r.active != nil {
			return d.attach(ctx, r, chunk.Files)
		}
		d.count(metrics.OutcomeSuppressed)
		return nil
	}

	if chunk.StatusUpdate && !chunk.ResponseComplete {
		return d.status(ctx, r, chunk, now)
	}

	text := chunk.Text.String()
	n := utf8.RuneCountInString(text)
	terminal := chunk.Terminal()
	if n <= r.accumulatedLen && !terminal {
		d.count(metrics.OutcomeSuppressed)
		return nil
	}
	if n > r.accumulatedLen {
		r.accumulated, r.accumulatedLen = text, n
	}
	if terminal {
		r.complete = true
	}

	forced := terminal || len(chunk.Files) > 0
	if !forced && !r.lastEditAt.IsZero() && now.Sub(r.lastEditAt) <= d.throttle {
		d.count(metrics.OutcomeThrottled)
		return nil
	}
	r.lastEditAt = now

	return d.render(ctx, r, chunk, r.accumulated)
}

// status shows progress text below the accumulated body. It never changes
// the accumulated text, so content chunks still compare against the answer.
func (d *Dispatcher) status(ctx context.Context, r *Response, chunk bus.OutboundChunk, now time.Time) error {
	if r.complete {
		d.count(metrics.OutcomeSuppressed)
		return nil
	}
	if r.active != nil {
		r.active.typing.Start()
	}
	text := chunk.Text.String()
	if text == "" {
		d.count(metrics.OutcomeStatus)
		return nil
	}
	if !r.lastEditAt.IsZero() && now.Sub(r.lastEditAt) <= d.throttle {
		d.count(metrics.OutcomeThrottled)
		return nil
	}
	r.lastEditAt = now

	body := StatusPrefix + text
	if r.accumulated != "" {
		body = r.accumulated + "\n\n" + body
	}
	return d.render(ctx, r, chunk, body)
}

func (d *Dispatcher) render(ctx context.Context, r *Response, chunk bus.OutboundChunk, text string) (err error) {
	ctx, span := tracer.Start(ctx, "streaming.render", trace.WithAttributes(
		attribute.String("platform", d.gw.Platform()),
		attribute.String("response.id", r.ID),
		attribute.Bool("response.complete", chunk.ResponseComplete),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	conv, err := d.gw.Conversation(ctx, r.Channel)
	if err != nil {
		if errors.Is(err, ErrUnroutable) {
			d.count(metrics.OutcomeUnroutable)
			slog.Debug("streaming: conversation not routable",
				"platform", d.gw.Platform(), "uuid", r.ID, "channel", r.Channel)
			return nil
		}
		d.count(metrics.OutcomeFailed)
		return fmt.Errorf("resolve conversation %s: %w", r.Channel, err)
	}

	view := Render{ResponseID: r.ID, Text: d.body(text)}
	if chunk.ResponseComplete && d.feedback {
		view.Controls = FeedbackControls()
		view.FeedbackData = chunk.FeedbackData
	}

	if r.active == nil {
		msg, err := conv.Send(ctx, view)
		metrics.PlatformCall(d.gw.Platform(), "send", err)
		if err != nil {
			d.count(metrics.OutcomeFailed)
			return fmt.Errorf("send: %w", err)
		}
		typing := conv.Typing()
		if typing == nil {
			typing = nopIndicator{}
		}
		r.active = &activeMessage{msg: msg, typing: typing}
		if !r.complete {
			typing.Start()
		}
	} else {
		err := r.active.msg.Edit(ctx, view)
		metrics.PlatformCall(d.gw.Platform(), "edit", err)
		if err != nil {
			d.count(metrics.OutcomeFailed)
			return fmt.Errorf("edit %s: %w", r.active.msg.ID(), err)
		}
	}

	if chunk.ResponseComplete {
		r.finalized = true
	}
	if r.complete {
		r.active.typing.Stop()
	}
	d.count(metrics.OutcomeRendered)

	if len(chunk.Files) > 0 {
		return d.attach(ctx, r, chunk.Files)
	}
	return nil
}

func (d *Dispatcher) attach(ctx context.Context, r *Response, files []bus.File) error {
	atts := decodeFiles(files)
	if len(atts) == 0 {
		return nil
	}
	err := r.active.msg.AttachFiles(ctx, atts)
	metrics.PlatformCall(d.gw.Platform(), "attach", err)
	if err != nil {
		return fmt.Errorf("attach files to %s: %w", r.active.msg.ID(), err)
	}
	return nil
}

// body formats, truncates and never returns an empty string.
func (d *Dispatcher) body(text string) string {
	if d.format != nil {
		text = d.format(text)
	}
	text = truncateRunes(text, d.gw.MaxMessageLength())
	if text == "" {
		return Placeholder
	}
	return text
}

// dropEvicted discards a late chunk; re-creating its state would send a
// second message for the same response.
func (d *Dispatcher) dropEvicted(chunk bus.OutboundChunk) {
	d.count(metrics.OutcomeSuppressed)
	slog.Debug("streaming: chunk for evicted response dropped",
		"platform", d.gw.Platform(), "uuid", chunk.UUID, "channel", chunk.Channel)
}

func (d *Dispatcher) count(outcome string) {
	metrics.Chunk(d.gw.Platform(), outcome)
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	i := 0
	for pos := range s {
		if i == max {
			return s[:pos]
		}
		i++
	}
	return s
}

func decodeFiles(files []bus.File) []Attachment {
	out := make([]Attachment, 0, len(files))
	for _, f := range files {
		data, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			slog.Warn("streaming: skipping undecodable file", "name", f.Name, "error", err)
			continue
		}
		out = append(out, Attachment{Name: f.Name, MimeType: f.MimeType, Data: data})
	}
	return out
}
