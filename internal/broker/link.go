// Package broker links the bus to the message broker over a WebSocket:
// inbound envelopes are written as frames, chunk frames are published on the
// bus for the channel manager to route.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/metrics"
	"github.com/nextlevelbuilder/chatbridge/pkg/protocol"
)

const (
	readLimit           = 32 << 20 // chunks may carry base64 files
	initialBackoff      = time.Second
	defaultReconnectMax = 30 * time.Second
	writeTimeout        = 10 * time.Second
)

// Link maintains the broker connection and reconnects with exponential
// backoff until its context is cancelled.
type Link struct {
	url          string
	token        string
	reconnectMax time.Duration
	platforms    []string
	bus          bus.MessageRouter

	// pending holds an envelope taken off the bus whose write failed; it is
	// sent first on the next connection.
	mu      sync.Mutex
	pending *bus.InboundMessage
}

// New creates a link for cfg. platforms is announced in the hello frame.
func New(cfg config.BrokerConfig, b bus.MessageRouter, platforms []string) *Link {
	max := cfg.ReconnectMax.Std()
	if max <= 0 {
		max = defaultReconnectMax
	}
	return &Link{
		url:          cfg.URL,
		token:        cfg.Token,
		reconnectMax: max,
		platforms:    platforms,
		bus:          b,
	}
}

// Run connects and serves until ctx is cancelled. It returns nil on
// cancellation; connection failures are retried.
func (l *Link) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = initialBackoff
		}
		if isNormalClose(err) {
			slog.Info("broker: closed by peer, reconnecting", "url", l.url, "in", backoff)
		} else {
			slog.Warn("broker: connection lost, reconnecting", "url", l.url, "in", backoff, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, l.reconnectMax)
	}
}

// session runs one connection. connected reports whether the dial succeeded.
func (l *Link) session(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if l.token != "" {
		header.Set("Authorization", "Bearer "+l.token)
	}
	conn, _, err := websocket.Dial(ctx, l.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(readLimit)

	hello, err := protocol.NewFrame(protocol.FrameHello, uuid.NewString(),
		protocol.Hello{Protocol: protocol.ProtocolVersion, Platforms: l.platforms})
	if err != nil {
		return true, err
	}
	if err := l.write(ctx, conn, hello); err != nil {
		return true, fmt.Errorf("hello: %w", err)
	}
	slog.Info("broker: connected", "url", l.url)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.readLoop(gctx, conn) })
	g.Go(func() error { return l.writeLoop(gctx, conn) })
	return true, g.Wait()
}

func (l *Link) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var f protocol.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		metrics.BrokerFrame("in", f.Type)

		switch f.Type {
		case protocol.FrameChunk:
			var chunk bus.OutboundChunk
			if err := json.Unmarshal(f.Payload, &chunk); err != nil {
				slog.Warn("broker: bad chunk frame", "id", f.ID, "error", err)
				continue
			}
			if !l.bus.PublishOutbound(ctx, chunk) {
				return ctx.Err()
			}
		case protocol.FrameError:
			var e protocol.Error
			_ = json.Unmarshal(f.Payload, &e)
			slog.Warn("broker: frame rejected", "id", e.ID, "message", e.Message)
		default:
			slog.Debug("broker: ignoring frame", "type", f.Type, "id", f.ID)
		}
	}
}

func (l *Link) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msg, ok := l.takePending()
		if !ok {
			msg, ok = l.bus.ConsumeInbound(ctx)
			if !ok {
				return ctx.Err()
			}
		}
		if msg.ClientMsgID == "" {
			msg.ClientMsgID = uuid.NewString()
		}
		f, err := protocol.NewFrame(protocol.FrameInbound, uuid.NewString(), msg)
		if err != nil {
			slog.Error("broker: encode inbound", "platform", msg.Platform, "error", err)
			continue
		}
		if err := l.write(ctx, conn, f); err != nil {
			l.setPending(msg)
			return fmt.Errorf("write: %w", err)
		}
	}
}

func (l *Link) write(ctx context.Context, conn *websocket.Conn, f protocol.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, f); err != nil {
		return err
	}
	metrics.BrokerFrame("out", f.Type)
	return nil
}

func (l *Link) takePending() (bus.InboundMessage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return bus.InboundMessage{}, false
	}
	msg := *l.pending
	l.pending = nil
	return msg, true
}

func (l *Link) setPending(msg bus.InboundMessage) {
	l.mu.Lock()
	l.pending = &msg
	l.mu.Unlock()
}

func isNormalClose(err error) bool {
	var ce websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure
}
