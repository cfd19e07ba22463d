package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type call struct {
	op       string // "send", "edit" or "attach"
	msgID    string
	text     string
	controls []Control
	files    []Attachment
}

type fakeGateway struct {
	mu         sync.Mutex
	maxLen     int
	calls      []call
	unroutable map[string]bool
	sendErr    error
	editErr    error
	nextID     int
	typings    []*fakeTyping
	delay      time.Duration
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{maxLen: 2000, unroutable: map[string]bool{}}
}

func (g *fakeGateway) Platform() string      { return "fake" }
func (g *fakeGateway) MaxMessageLength() int { return g.maxLen }

func (g *fakeGateway) Conversation(_ context.Context, channelID string) (Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unroutable[channelID] {
		return nil, ErrUnroutable
	}
	return &fakeConversation{g: g, channel: channelID}, nil
}

func (g *fakeGateway) record(c call) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, c)
}

func (g *fakeGateway) snapshot() []call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]call(nil), g.calls...)
}

func (g *fakeGateway) ops(op string) []call {
	var out []call
	for _, c := range g.snapshot() {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type fakeConversation struct {
	g       *fakeGateway
	channel string
}

func (c *fakeConversation) Send(_ context.Context, r Render) (Message, error) {
	if c.g.delay > 0 {
		time.Sleep(c.g.delay)
	}
	c.g.mu.Lock()
	err := c.g.sendErr
	c.g.nextID++
	id := fmt.Sprintf("%s-%d", c.channel, c.g.nextID)
	c.g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.g.record(call{op: "send", msgID: id, text: r.Text, controls: r.Controls})
	return &fakeMessage{g: c.g, id: id}, nil
}

func (c *fakeConversation) Typing() Indicator {
	t := &fakeTyping{}
	c.g.mu.Lock()
	c.g.typings = append(c.g.typings, t)
	c.g.mu.Unlock()
	return t
}

type fakeMessage struct {
	g  *fakeGateway
	id string
}

func (m *fakeMessage) ID() string { return m.id }

func (m *fakeMessage) Edit(_ context.Context, r Render) error {
	if m.g.delay > 0 {
		time.Sleep(m.g.delay)
	}
	m.g.mu.Lock()
	err := m.g.editErr
	m.g.mu.Unlock()
	if err != nil {
		return err
	}
	m.g.record(call{op: "edit", msgID: m.id, text: r.Text, controls: r.Controls})
	return nil
}

func (m *fakeMessage) AttachFiles(_ context.Context, files []Attachment) error {
	m.g.record(call{op: "attach", msgID: m.id, files: files})
	return nil
}

type fakeTyping struct {
	mu      sync.Mutex
	starts  int
	running bool
}

func (t *fakeTyping) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.starts++
	t.running = true
}

func (t *fakeTyping) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
}

func (t *fakeTyping) state() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts, t.running
}

// fakeClock is advanced manually by tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
