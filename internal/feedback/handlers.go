package feedback

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/chatbridge/internal/interaction"
	"github.com/nextlevelbuilder/chatbridge/internal/streaming"
)

// Interaction ids owned by this package.
const (
	FormID        = "feedback_form"
	ReasonFieldID = "feedback"
	reasonMaxLen  = 300
)

// Handlers reacts to the feedback controls attached by the dispatcher.
type Handlers struct {
	poster   Poster
	platform string
}

// NewHandlers creates handlers posting through p for the named platform.
func NewHandlers(p Poster, platform string) *Handlers {
	return &Handlers{poster: p, platform: platform}
}

// Register installs the thumbs up, thumbs down and reason form handlers.
func (h *Handlers) Register(r *interaction.Router) error {
	if err := r.Handle(streaming.ControlThumbsUp, h.thumbsUp); err != nil {
		return err
	}
	if err := r.Handle(streaming.ControlThumbsDown, h.thumbsDown); err != nil {
		return err
	}
	return r.HandleForm(FormID, h.submitReason)
}

// ReasonForm is the modal opened by thumbs down. messageID is carried in the form id.
func ReasonForm(messageID string) interaction.Form {
	id := FormID
	if messageID != "" {
		id = FormID + ":" + messageID
	}
	return interaction.Form{
		ID:    id,
		Title: "Feedback",
		Fields: []interaction.FormField{{
			ID:          ReasonFieldID,
			Label:       "Feedback",
			Placeholder: "How can we improve this response?",
			MaxLength:   reasonMaxLen,
			Multiline:   true,
		}},
	}
}

func (h *Handlers) thumbsUp(ctx context.Context, ev interaction.Event) error {
	if err := ev.Responder.Reply(ctx, thanks("Thanks for the thumbs up", ev.Mention), true); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	h.post(ctx, ev, ThumbsUp, "")
	return nil
}

func (h *Handlers) thumbsDown(ctx context.Context, ev interaction.Event) error {
	if err := ev.Responder.OpenForm(ctx, ReasonForm(ev.MessageID)); err != nil {
		return fmt.Errorf("open feedback form: %w", err)
	}
	return nil
}

func (h *Handlers) submitReason(ctx context.Context, ev interaction.Event) error {
	reason := ev.Values[ReasonFieldID]
	if r := []rune(reason); len(r) > reasonMaxLen {
		reason = string(r[:reasonMaxLen])
	}
	if err := ev.Responder.Reply(ctx, thanks("Thanks for the feedback", ev.Mention), true); err != nil {
		slog.Warn("feedback: thanks reply failed", "platform", h.platform, "error", err)
	}
	h.post(ctx, ev, ThumbsDown, reason)
	return nil
}

// post never fails the interaction; the endpoint is best effort.
func (h *Handlers) post(ctx context.Context, ev interaction.Event, value, reason string) {
	if h.poster == nil {
		return
	}
	p := Payload{
		User:           ev.UserID,
		Feedback:       value,
		Interface:      h.platform,
		InterfaceData:  InterfaceData{Channel: ev.ChannelID},
		Data:           ev.FeedbackData,
		FeedbackReason: reason,
	}
	if err := h.poster.Post(ctx, p); err != nil {
		slog.Error("feedback: post failed",
			"platform", h.platform, "user_id", ev.UserID, "feedback", value, "error", err)
	}
}

func thanks(msg, mention string) string {
	if mention == "" {
		return msg + "!"
	}
	return fmt.Sprintf("%s, %s!", msg, mention)
}
