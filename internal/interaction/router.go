// Package interaction routes button clicks and form submissions to handlers by custom id.
package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/chatbridge/internal/metrics"
)

// ErrDuplicateHandler is returned when an id is registered twice.
var ErrDuplicateHandler = errors.New("handler already registered")

// Kind classifies platform interaction events.
type Kind int

const (
	KindOther Kind = iota
	KindComponent
	KindFormSubmit
)

func (k Kind) String() string {
	switch k {
	case KindComponent:
		return "component"
	case KindFormSubmit:
		return "form_submit"
	default:
		return "other"
	}
}

// Event is a normalized interaction.
type Event struct {
	Platform  string
	Kind      Kind
	CustomID  string // full id as received
	Arg       string // suffix after the first ':' of CustomID
	UserID    string
	UserName  string
	Mention   string // platform mention markup for UserID, if any
	ChannelID string
	ThreadID  string
	MessageID string
	// Values holds submitted form fields by field id.
	Values map[string]string
	// Value is the raw value carried by the clicked control, if any.
	Value       string
	ChannelType string // "im", "group" or "channel" where the platform reports it
	// FeedbackData is the broker payload attached to the response the control belonged to.
	FeedbackData json.RawMessage
	Responder    Responder
}

// Responder performs the platform side effects of an interaction.
type Responder interface {
	// ClearControls removes all interactive controls from the originating message.
	ClearControls(ctx context.Context) error
	Reply(ctx context.Context, text string, ephemeral bool) error
	OpenForm(ctx context.Context, form Form) error
}

// Form is a modal with text inputs.
type Form struct {
	ID     string
	Title  string
	Fields []FormField
}

// FormField is a single text input.
type FormField struct {
	ID          string
	Label       string
	Placeholder string
	Required    bool
	MaxLength   int
	Multiline   bool
}

// Handler processes one interaction.
type Handler func(ctx context.Context, ev Event) error

// Option adjusts a registration.
type Option func(*route)

// KeepControls leaves the originating message untouched when the button is
// clicked. Used for controls the bridge did not render itself.
func KeepControls() Option {
	return func(rt *route) { rt.keepControls = true }
}

type route struct {
	handler      Handler
	keepControls bool
}

// Router is populated at startup and read concurrently afterwards.
type Router struct {
	platform   string
	mu         sync.RWMutex
	components map[string]route
	forms      map[string]route
}

// NewRouter creates an empty router for one platform.
func NewRouter(platform string) *Router {
	return &Router{
		platform:   platform,
		components: make(map[string]route),
		forms:      make(map[string]route),
	}
}

// Handle registers a button handler for id (the part before any ':').
func (r *Router) Handle(id string, h Handler, opts ...Option) error {
	return r.register(r.components, id, h, opts)
}

// HandleForm registers a form submission handler.
func (r *Router) HandleForm(id string, h Handler, opts ...Option) error {
	return r.register(r.forms, id, h, opts)
}

func (r *Router) register(table map[string]route, id string, h Handler, opts []Option) error {
	rt := route{handler: h}
	for _, o := range opts {
		o(&rt)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := table[id]; ok {
		return fmt.Errorf("%s: %w", id, ErrDuplicateHandler)
	}
	table[id] = rt
	return nil
}

// SplitCustomID splits "feedback_form:123" into ("feedback_form", "123").
func SplitCustomID(id string) (prefix, arg string) {
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[:i], id[i+1:]
	}
	return id, ""
}

// Dispatch routes ev. Button events clear the originating message's controls
// before the handler runs unless registered with KeepControls. Unknown ids and
// other kinds are ignored.
func (r *Router) Dispatch(ctx context.Context, ev Event) (bool, error) {
	prefix, arg := SplitCustomID(ev.CustomID)
	ev.Arg = arg

	var table map[string]route
	switch ev.Kind {
	case KindComponent:
		table = r.components
	case KindFormSubmit:
		table = r.forms
	default:
		return false, nil
	}

	r.mu.RLock()
	rt, ok := table[prefix]
	r.mu.RUnlock()
	if !ok {
		slog.Debug("interaction: no handler", "platform", r.platform, "kind", ev.Kind, "custom_id", ev.CustomID)
		return false, nil
	}

	if ev.Kind == KindComponent && ev.Responder != nil && !rt.keepControls {
		if err := ev.Responder.ClearControls(ctx); err != nil {
			slog.Warn("interaction: clear controls failed",
				"platform", r.platform, "message_id", ev.MessageID, "error", err)
		}
	}

	metrics.Interaction(r.platform, prefix)
	if err := rt.handler(ctx, ev); err != nil {
		return true, fmt.Errorf("%s handler: %w", prefix, err)
	}
	return true, nil
}
