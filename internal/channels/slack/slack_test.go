package slack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	slackgo "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/feedback"
	"github.com/nextlevelbuilder/chatbridge/internal/interaction"
	"github.com/nextlevelbuilder/chatbridge/internal/streaming"
)

type apiCall struct {
	method string
	form   url.Values
	body   string
}

// fakeSlack is a Web API stand-in recording every call.
type fakeSlack struct {
	mu    sync.Mutex
	calls []apiCall
	srv   *httptest.Server
}

func newFakeSlack(t *testing.T) *fakeSlack {
	t.Helper()
	f := &fakeSlack{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSlack) handle(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/")
	call := apiCall{method: method}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		b, _ := io.ReadAll(r.Body)
		call.body = string(b)
	} else {
		_ = r.ParseForm()
		call.form = r.PostForm
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "chat.postMessage":
		_, _ = io.WriteString(w, `{"ok":true,"channel":"C1","ts":"111.222"}`)
	case "chat.update":
		_, _ = io.WriteString(w, `{"ok":true,"channel":"C1","ts":"111.222","text":""}`)
	case "chat.postEphemeral":
		_, _ = io.WriteString(w, `{"ok":true,"message_ts":"333.444"}`)
	case "views.open":
		_, _ = io.WriteString(w, `{"ok":true,"view":{"id":"V1"}}`)
	case "files.getUploadURLExternal":
		_, _ = io.WriteString(w, `{"ok":true,"upload_url":"`+f.srv.URL+`/upload","file_id":"F1"}`)
	case "upload":
		_, _ = io.WriteString(w, `OK`)
	case "files.completeUploadExternal":
		_, _ = io.WriteString(w, `{"ok":true,"files":[{"id":"F1","title":"a.txt"}]}`)
	default:
		_, _ = io.WriteString(w, `{"ok":false,"error":"unknown_method"}`)
	}
}

func (f *fakeSlack) byMethod(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSlack) gateway() *gateway {
	return &gateway{
		api:      slackgo.New("xoxb-test", slackgo.OptionAPIURL(f.srv.URL+"/")),
		limiter:  channels.NewKeyedLimiter(0, 0),
		contexts: feedback.NewContexts(0),
	}
}

type fakePoster struct {
	mu    sync.Mutex
	posts []feedback.Payload
}

func (p *fakePoster) Post(_ context.Context, pl feedback.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, pl)
	return nil
}

func newTestChannel(t *testing.T, f *fakeSlack, b bus.MessageRouter) (*Channel, *fakePoster) {
	t.Helper()
	router := interaction.NewRouter(bus.PlatformSlack)
	poster := &fakePoster{}
	if err := feedback.NewHandlers(poster, bus.PlatformSlack).Register(router); err != nil {
		t.Fatal(err)
	}
	gw := f.gateway()
	c := &Channel{
		BaseChannel: channels.NewBaseChannel(bus.PlatformSlack, b, nil),
		api:         gw.api,
		gw:          gw,
		router:      router,
	}
	if err := c.registerHandlers(); err != nil {
		t.Fatal(err)
	}
	return c, poster
}

func TestConversationKey(t *testing.T) {
	tests := []struct {
		channel, thread, key string
	}{
		{"C1", "100.1", "C1:100.1"},
		{"D9", "", "D9"},
	}
	for _, tt := range tests {
		key := conversationKey(tt.channel, tt.thread)
		if key != tt.key {
			t.Errorf("conversationKey(%q, %q) = %q, want %q", tt.channel, tt.thread, key, tt.key)
		}
		ch, th := splitConversationKey(key)
		if ch != tt.channel || th != tt.thread {
			t.Errorf("splitConversationKey(%q) = %q, %q", key, ch, th)
		}
	}

	gw := &gateway{}
	if _, err := gw.Conversation(context.Background(), ":100.1"); err != streaming.ErrUnroutable {
		t.Errorf("Conversation(no channel) error = %v, want ErrUnroutable", err)
	}
}

func TestSendThenEditWithControls(t *testing.T) {
	f := newFakeSlack(t)
	gw := f.gateway()
	ctx := context.Background()

	conv, err := gw.Conversation(ctx, "C1:100.1")
	if err != nil {
		t.Fatal(err)
	}
	msg, err := conv.Send(ctx, streaming.Render{Text: "Hel"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID() != "111.222" {
		t.Errorf("ID() = %q", msg.ID())
	}

	data := json.RawMessage(`{"session":"s1"}`)
	if err := msg.Edit(ctx, streaming.Render{Text: "Hello", Controls: streaming.FeedbackControls(), FeedbackData: data}); err != nil {
		t.Fatal(err)
	}

	posts := f.byMethod("chat.postMessage")
	if len(posts) != 1 {
		t.Fatalf("postMessage calls = %d", len(posts))
	}
	if got := posts[0].form.Get("thread_ts"); got != "100.1" {
		t.Errorf("thread_ts = %q, want 100.1", got)
	}
	if strings.Contains(posts[0].form.Get("blocks"), controlsBlockID) {
		t.Error("controls rendered on a partial response")
	}

	updates := f.byMethod("chat.update")
	if len(updates) != 1 {
		t.Fatalf("update calls = %d", len(updates))
	}
	blocks := updates[0].form.Get("blocks")
	if !strings.Contains(blocks, controlsBlockID) || !strings.Contains(blocks, "thumbs_up") {
		t.Errorf("update blocks missing controls: %s", blocks)
	}
	if updates[0].form.Get("ts") != "111.222" {
		t.Errorf("update ts = %q", updates[0].form.Get("ts"))
	}
	if fc, ok := gw.contexts.Get("111.222"); !ok || string(fc.Data) != string(data) {
		t.Errorf("contexts.Get = %+v, %v", fc, ok)
	}
}

func TestAttachFilesUploadsIntoThread(t *testing.T) {
	f := newFakeSlack(t)
	m := &message{gw: f.gateway(), channel: "C1", ts: "111.222"}

	err := m.AttachFiles(context.Background(), []streaming.Attachment{
		{Name: "empty.txt"},
		{Name: "a.txt", Data: []byte("hello")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(f.byMethod("files.getUploadURLExternal")); n != 1 {
		t.Errorf("upload url calls = %d, want 1 (empty file skipped)", n)
	}
	done := f.byMethod("files.completeUploadExternal")
	if len(done) != 1 || done[0].form.Get("thread_ts") != "111.222" {
		t.Errorf("complete calls = %+v", done)
	}
}

func TestEncodeButtonValue(t *testing.T) {
	small := encodeButtonValue("C1", "1.1", json.RawMessage(`{"a":1}`))
	v, ok := decodeButtonValue(small)
	if !ok || v.Channel != "C1" || string(v.FeedbackData) != `{"a":1}` {
		t.Errorf("decode(%s) = %+v, %v", small, v, ok)
	}

	big := json.RawMessage(`"` + strings.Repeat("x", 3000) + `"`)
	enc := encodeButtonValue("C1", "1.1", big)
	if len(enc) > maxButtonValue {
		t.Errorf("encoded value length = %d, want <= %d", len(enc), maxButtonValue)
	}
	if v, _ := decodeButtonValue(enc); v.FeedbackData != nil {
		t.Error("oversized feedback data kept in button value")
	}
}

func TestWithoutControls(t *testing.T) {
	blocks := []slackgo.Block{
		slackgo.NewSectionBlock(slackgo.NewTextBlockObject(slackgo.MarkdownType, "hi", false, false), nil, nil),
		controlsBlock(streaming.FeedbackControls(), ""),
	}
	got := withoutControls(blocks)
	if len(got) != 1 || got[0].BlockType() != slackgo.MBTSection {
		t.Errorf("withoutControls() = %+v", got)
	}
}

func TestFormValues(t *testing.T) {
	state := map[string]map[string]slackgo.BlockAction{
		"b1": {
			"action_name":  {Value: "Ada"},
			"action_color": {SelectedOption: slackgo.OptionBlockObject{Value: "blue"}},
			"other":        {Value: "ignored"},
		},
		"b2": {
			"action_tags": {SelectedOptions: []slackgo.OptionBlockObject{{Value: "y"}, {Value: "x"}}},
			"action_note": {},
		},
	}
	got := formValues(state)
	want := map[string]string{"name": "Ada", "color": "blue", "tags": "x,y", "note": ""}
	if len(got) != len(want) {
		t.Fatalf("formValues() = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("formValues()[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestStripMention(t *testing.T) {
	tests := []struct {
		text, bot, want string
	}{
		{"<@UBOT> hello", "UBOT", "hello"},
		{"hi <@UOTHER>", "UBOT", "hi <@UOTHER>"},
		{"  plain ", "", "plain"},
	}
	for _, tt := range tests {
		if got := stripMention(tt.text, tt.bot); got != tt.want {
			t.Errorf("stripMention(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestAcceptsMessage(t *testing.T) {
	tests := []struct {
		name   string
		listen bool
		ev     slackevents.MessageEvent
		want   bool
	}{
		{"dm", false, slackevents.MessageEvent{ChannelType: "im"}, true},
		{"channel ignored", false, slackevents.MessageEvent{ChannelType: "channel"}, false},
		{"channel listening", true, slackevents.MessageEvent{ChannelType: "channel"}, true},
		{"file share", false, slackevents.MessageEvent{ChannelType: "im", SubType: "file_share"}, true},
		{"edit", false, slackevents.MessageEvent{ChannelType: "im", SubType: "message_changed"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Channel{config: config.SlackConfig{ListenToChannels: tt.listen}}
			if got := c.acceptsMessage(&tt.ev); got != tt.want {
				t.Errorf("acceptsMessage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func responseMessage(data json.RawMessage) slackgo.Message {
	var msg slackgo.Message
	msg.Timestamp = "111.222"
	msg.ThreadTimestamp = "100.1"
	msg.Text = "Hello"
	msg.Blocks = slackgo.Blocks{BlockSet: []slackgo.Block{
		slackgo.NewSectionBlock(slackgo.NewTextBlockObject(slackgo.MarkdownType, "Hello", false, false), nil, nil),
		controlsBlock(streaming.FeedbackControls(), encodeButtonValue("C1", "100.1", data)),
	}}
	return msg
}

func TestThumbsUpClick(t *testing.T) {
	f := newFakeSlack(t)
	c, poster := newTestChannel(t, f, bus.New(1))
	data := json.RawMessage(`{"id":7}`)

	cb := slackgo.InteractionCallback{
		Type:      slackgo.InteractionTypeBlockActions,
		User:      slackgo.User{ID: "U1", Name: "ada"},
		Container: slackgo.Container{ChannelID: "C1", MessageTs: "111.222", ThreadTs: "100.1"},
		Message:   responseMessage(data),
		ActionCallback: slackgo.ActionCallbacks{BlockActions: []*slackgo.BlockAction{
			{ActionID: "thumbs_up", BlockID: controlsBlockID, Value: encodeButtonValue("C1", "100.1", data)},
		}},
	}
	c.handleInteractive(context.Background(), cb)

	updates := f.byMethod("chat.update")
	if len(updates) != 1 || strings.Contains(updates[0].form.Get("blocks"), controlsBlockID) {
		t.Errorf("controls not cleared: %+v", updates)
	}
	eph := f.byMethod("chat.postEphemeral")
	if len(eph) != 1 || eph[0].form.Get("text") != "Thanks for the thumbs up, <@U1>!" || eph[0].form.Get("user") != "U1" {
		t.Errorf("ephemeral = %+v", eph)
	}
	if len(poster.posts) != 1 {
		t.Fatalf("posts = %d", len(poster.posts))
	}
	p := poster.posts[0]
	if p.Feedback != feedback.ThumbsUp || p.Interface != "slack" || string(p.Data) != `{"id":7}` || p.InterfaceData.Channel != "C1" {
		t.Errorf("payload = %+v", p)
	}
}

func TestThumbsDownOpensModalAndSubmit(t *testing.T) {
	f := newFakeSlack(t)
	c, poster := newTestChannel(t, f, bus.New(1))
	data := json.RawMessage(`{"id":8}`)
	c.gw.contexts.Put("111.222", feedback.Context{Channel: "C1", Data: data})

	c.handleInteractive(context.Background(), slackgo.InteractionCallback{
		Type:      slackgo.InteractionTypeBlockActions,
		TriggerID: "trig",
		User:      slackgo.User{ID: "U1"},
		Container: slackgo.Container{ChannelID: "C1", MessageTs: "111.222", ThreadTs: "100.1"},
		Message:   responseMessage(data),
		ActionCallback: slackgo.ActionCallbacks{BlockActions: []*slackgo.BlockAction{
			{ActionID: "thumbs_down", BlockID: controlsBlockID},
		}},
	})

	views := f.byMethod("views.open")
	if len(views) != 1 {
		t.Fatalf("views.open calls = %d", len(views))
	}
	var req struct {
		TriggerID string `json:"trigger_id"`
		View      struct {
			CallbackID      string `json:"callback_id"`
			PrivateMetadata string `json:"private_metadata"`
		} `json:"view"`
	}
	if err := json.Unmarshal([]byte(views[0].body), &req); err != nil {
		t.Fatalf("decode views.open body: %v", err)
	}
	if req.TriggerID != "trig" || req.View.CallbackID != "feedback_form:111.222" {
		t.Errorf("views.open = %+v", req)
	}

	c.handleInteractive(context.Background(), slackgo.InteractionCallback{
		Type: slackgo.InteractionTypeViewSubmission,
		User: slackgo.User{ID: "U1"},
		View: slackgo.View{
			CallbackID:      req.View.CallbackID,
			PrivateMetadata: req.View.PrivateMetadata,
			State: &slackgo.ViewState{Values: map[string]map[string]slackgo.BlockAction{
				"feedback": {"feedback": {Value: "wrong answer"}},
			}},
		},
	})

	if len(poster.posts) != 1 {
		t.Fatalf("posts = %d", len(poster.posts))
	}
	p := poster.posts[0]
	if p.Feedback != feedback.ThumbsDown || p.FeedbackReason != "wrong answer" || string(p.Data) != `{"id":8}` {
		t.Errorf("payload = %+v", p)
	}
	eph := f.byMethod("chat.postEphemeral")
	if len(eph) != 1 || eph[0].form.Get("thread_ts") != "100.1" {
		t.Errorf("thanks reply = %+v", eph)
	}
}

func TestSubmitFormPublishesInbound(t *testing.T) {
	f := newFakeSlack(t)
	b := bus.New(1)
	c, _ := newTestChannel(t, f, b)

	var msg slackgo.Message
	msg.Timestamp = "200.1"
	msg.ThreadTimestamp = "100.1"
	cb := slackgo.InteractionCallback{
		Type:    slackgo.InteractionTypeBlockActions,
		User:    slackgo.User{ID: "U1", Name: "ada"},
		Message: msg,
		ActionCallback: slackgo.ActionCallbacks{BlockActions: []*slackgo.BlockAction{
			{ActionID: submitFormActionID, Value: `{"task_id":"task-9"}`},
		}},
		BlockActionState: &slackgo.BlockActionStates{Values: map[string]map[string]slackgo.BlockAction{
			"b1": {"action_name": {Value: "Ada"}},
		}},
	}
	cb.Channel.ID = "C1"
	c.handleInteractive(context.Background(), cb)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	in, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound envelope published")
	}
	if in.EventType != "post_user_form" || in.TaskID != "task-9" || in.FormData["name"] != "Ada" {
		t.Errorf("inbound = %+v", in)
	}
	if in.Channel != "C1:100.1" || in.SessionID != "100.1" || in.Text != `{"name":"Ada"}` {
		t.Errorf("inbound routing = %+v", in)
	}

	posts := f.byMethod("chat.postMessage")
	if len(posts) != 1 || posts[0].form.Get("text") != "Form submitted successfully!" {
		t.Errorf("confirmation = %+v", posts)
	}
	if n := len(f.byMethod("chat.update")); n != 0 {
		t.Errorf("chat.update calls = %d, want 0 (form blocks left as rendered)", n)
	}
}

func TestSubmitFormRegisteredOnRouter(t *testing.T) {
	f := newFakeSlack(t)
	c, _ := newTestChannel(t, f, bus.New(1))
	err := c.router.Handle(submitFormActionID, func(context.Context, interaction.Event) error { return nil })
	if !errors.Is(err, interaction.ErrDuplicateHandler) {
		t.Errorf("second submit_form registration = %v, want ErrDuplicateHandler", err)
	}
}

func TestSubmitFormWithoutTaskIgnored(t *testing.T) {
	f := newFakeSlack(t)
	b := bus.New(1)
	c, _ := newTestChannel(t, f, b)

	c.handleInteractive(context.Background(), slackgo.InteractionCallback{
		Type: slackgo.InteractionTypeBlockActions,
		ActionCallback: slackgo.ActionCallbacks{BlockActions: []*slackgo.BlockAction{
			{ActionID: submitFormActionID, Value: `{}`},
		}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Error("envelope published for a submission without task_id")
	}
}
