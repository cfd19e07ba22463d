package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/interaction"
	"github.com/nextlevelbuilder/chatbridge/internal/streaming"
)

type fakePoster struct {
	mu    sync.Mutex
	posts []Payload
	err   error
}

func (p *fakePoster) Post(_ context.Context, pl Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, pl)
	return p.err
}

type fakeResponder struct {
	cleared   int
	replies   []string
	ephemeral []bool
	forms     []interaction.Form
}

func (r *fakeResponder) ClearControls(context.Context) error { r.cleared++; return nil }

func (r *fakeResponder) Reply(_ context.Context, text string, ephemeral bool) error {
	r.replies = append(r.replies, text)
	r.ephemeral = append(r.ephemeral, ephemeral)
	return nil
}

func (r *fakeResponder) OpenForm(_ context.Context, f interaction.Form) error {
	r.forms = append(r.forms, f)
	return nil
}

func newRouter(t *testing.T, p Poster) *interaction.Router {
	t.Helper()
	r := interaction.NewRouter("discord")
	if err := NewHandlers(p, "discord").Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return r
}

func TestThumbsUp(t *testing.T) {
	poster := &fakePoster{}
	r := newRouter(t, poster)
	resp := &fakeResponder{}

	handled, err := r.Dispatch(context.Background(), interaction.Event{
		Kind:         interaction.KindComponent,
		CustomID:     streaming.ControlThumbsUp,
		UserID:       "u1",
		Mention:      "<@u1>",
		ChannelID:    "c1",
		FeedbackData: json.RawMessage(`{"k":"v"}`),
		Responder:    resp,
	})
	if !handled || err != nil {
		t.Fatalf("Dispatch = %v, %v", handled, err)
	}
	if resp.cleared != 1 {
		t.Errorf("cleared = %d, want 1", resp.cleared)
	}
	if len(resp.replies) != 1 || resp.replies[0] != "Thanks for the thumbs up, <@u1>!" || !resp.ephemeral[0] {
		t.Errorf("replies = %v ephemeral = %v", resp.replies, resp.ephemeral)
	}
	if len(poster.posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(poster.posts))
	}
	p := poster.posts[0]
	if p.Feedback != ThumbsUp || p.User != "u1" || p.InterfaceData.Channel != "c1" || p.Interface != "discord" {
		t.Errorf("payload = %+v", p)
	}
	if string(p.Data) != `{"k":"v"}` {
		t.Errorf("payload data = %s", p.Data)
	}
}

func TestThumbsDownOpensForm(t *testing.T) {
	poster := &fakePoster{}
	r := newRouter(t, poster)
	resp := &fakeResponder{}

	_, err := r.Dispatch(context.Background(), interaction.Event{
		Kind:      interaction.KindComponent,
		CustomID:  streaming.ControlThumbsDown,
		MessageID: "m9",
		Responder: resp,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(resp.forms) != 1 {
		t.Fatalf("forms = %d, want 1", len(resp.forms))
	}
	f := resp.forms[0]
	if f.ID != "feedback_form:m9" {
		t.Errorf("form id = %q", f.ID)
	}
	if len(f.Fields) != 1 || f.Fields[0].MaxLength != 300 || f.Fields[0].Required {
		t.Errorf("fields = %+v", f.Fields)
	}
	if len(poster.posts) != 0 {
		t.Errorf("thumbs down posted before the reason was submitted")
	}
}

func TestSubmitReason(t *testing.T) {
	tests := []struct {
		name       string
		reason     string
		postErr    error
		wantReason string
	}{
		{"with reason", "missed the point", nil, "missed the point"},
		{"empty reason", "", nil, ""},
		{"too long", strings.Repeat("z", 400), nil, strings.Repeat("z", 300)},
		{"endpoint down", "x", errors.New("connection refused"), "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			poster := &fakePoster{err: tt.postErr}
			r := newRouter(t, poster)
			resp := &fakeResponder{}

			handled, err := r.Dispatch(context.Background(), interaction.Event{
				Kind:      interaction.KindFormSubmit,
				CustomID:  "feedback_form:m9",
				UserID:    "u2",
				Values:    map[string]string{ReasonFieldID: tt.reason},
				Responder: resp,
			})
			if !handled || err != nil {
				t.Fatalf("Dispatch = %v, %v (post failures must not surface)", handled, err)
			}
			if resp.cleared != 0 {
				t.Errorf("form submit cleared controls")
			}
			if len(resp.replies) != 1 || resp.replies[0] != "Thanks for the feedback!" {
				t.Errorf("replies = %v", resp.replies)
			}
			if len(poster.posts) != 1 {
				t.Fatalf("posts = %d, want 1", len(poster.posts))
			}
			if p := poster.posts[0]; p.Feedback != ThumbsDown || p.FeedbackReason != tt.wantReason {
				t.Errorf("payload = %+v", p)
			}
		})
	}
}

// completedResponseGateway captures the controls of the final render so a
// click on them can be routed.
type completedResponseGateway struct {
	mu       sync.Mutex
	controls []streaming.Control
	data     json.RawMessage
}

func (g *completedResponseGateway) Platform() string      { return "discord" }
func (g *completedResponseGateway) MaxMessageLength() int { return 2000 }
func (g *completedResponseGateway) Conversation(context.Context, string) (streaming.Conversation, error) {
	return g, nil
}
func (g *completedResponseGateway) Typing() streaming.Indicator { return nil }
func (g *completedResponseGateway) Send(_ context.Context, r streaming.Render) (streaming.Message, error) {
	g.record(r)
	return g, nil
}
func (g *completedResponseGateway) ID() string { return "m1" }
func (g *completedResponseGateway) Edit(_ context.Context, r streaming.Render) error {
	g.record(r)
	return nil
}
func (g *completedResponseGateway) AttachFiles(context.Context, []streaming.Attachment) error {
	return nil
}
func (g *completedResponseGateway) record(r streaming.Render) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.controls = r.Controls
	g.data = r.FeedbackData
}

func TestCompletedResponseClickFlow(t *testing.T) {
	gw := &completedResponseGateway{}
	d := streaming.NewDispatcher(gw, streaming.Options{FeedbackEnabled: true})
	ctx := context.Background()

	if err := d.Dispatch(ctx, bus.OutboundChunk{UUID: "r1", Channel: "c1", Text: bus.TextParts{"answer"}}); err != nil {
		t.Fatal(err)
	}
	if err := d.Dispatch(ctx, bus.OutboundChunk{UUID: "r1", Channel: "c1", ResponseComplete: true, FeedbackData: json.RawMessage(`{"id":1}`)}); err != nil {
		t.Fatal(err)
	}
	if len(gw.controls) != 2 {
		t.Fatalf("controls on completed message = %d, want 2", len(gw.controls))
	}

	poster := &fakePoster{}
	r := newRouter(t, poster)
	resp := &fakeResponder{}
	handled, err := r.Dispatch(ctx, interaction.Event{
		Kind:         interaction.KindComponent,
		CustomID:     gw.controls[0].ID,
		UserID:       "u1",
		ChannelID:    "c1",
		MessageID:    gw.ID(),
		FeedbackData: gw.data,
		Responder:    resp,
	})
	if !handled || err != nil {
		t.Fatalf("Dispatch = %v, %v", handled, err)
	}
	if resp.cleared != 1 {
		t.Errorf("controls cleared %d times, want 1", resp.cleared)
	}
	if len(poster.posts) != 1 || string(poster.posts[0].Data) != `{"id":1}` {
		t.Errorf("posts = %+v", poster.posts)
	}
}
