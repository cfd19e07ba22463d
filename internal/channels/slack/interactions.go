package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	slackgo "github.com/slack-go/slack"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/interaction"
)

const (
	// submitFormActionID is the button that posts a rendered form back to the broker.
	submitFormActionID = "submit_form"
	formFieldPrefix    = "action_"
	postUserFormEvent  = "post_user_form"

	interactionTimeout = 15 * time.Second
)

// formMetadata travels in a modal's private_metadata.
type formMetadata struct {
	Channel   string `json:"channel"`
	ThreadTS  string `json:"thread_ts,omitempty"`
	MessageTS string `json:"message_ts,omitempty"`
}

// handleInteractive processes block actions and modal submissions. The
// envelope has already been acknowledged.
func (c *Channel) handleInteractive(ctx context.Context, cb slackgo.InteractionCallback) {
	ctx, cancel := context.WithTimeout(ctx, interactionTimeout)
	defer cancel()

	switch cb.Type {
	case slackgo.InteractionTypeBlockActions:
		if len(cb.ActionCallback.BlockActions) == 0 {
			return
		}
		c.dispatch(ctx, c.componentEvent(cb, cb.ActionCallback.BlockActions[0]))
	case slackgo.InteractionTypeViewSubmission:
		c.dispatch(ctx, c.formEvent(cb))
	}
}

func (c *Channel) dispatch(ctx context.Context, ev interaction.Event) {
	if c.router == nil {
		return
	}
	if _, err := c.router.Dispatch(ctx, ev); err != nil {
		slog.Warn("slack: interaction failed", "custom_id", ev.CustomID, "user_id", ev.UserID, "error", err)
	}
}

// componentEvent normalizes a button click on a response message.
func (c *Channel) componentEvent(cb slackgo.InteractionCallback, action *slackgo.BlockAction) interaction.Event {
	channel := cb.Container.ChannelID
	if channel == "" {
		channel = cb.Channel.ID
	}
	threadTS := cb.Container.ThreadTs
	if threadTS == "" {
		threadTS = cb.Message.ThreadTimestamp
	}
	messageTS := cb.Container.MessageTs
	if messageTS == "" {
		messageTS = cb.Message.Timestamp
	}

	ev := interaction.Event{
		Platform:    bus.PlatformSlack,
		Kind:        interaction.KindComponent,
		CustomID:    action.ActionID,
		UserID:      cb.User.ID,
		UserName:    cb.User.Name,
		Mention:     mention(cb.User.ID),
		ChannelID:   channel,
		ThreadID:    threadTS,
		MessageID:   messageTS,
		Value:       action.Value,
		ChannelType: callbackChannelType(cb.Channel),
	}
	if cb.BlockActionState != nil {
		ev.Values = formValues(cb.BlockActionState.Values)
	}
	if v, ok := decodeButtonValue(action.Value); ok && len(v.FeedbackData) > 0 {
		ev.FeedbackData = v.FeedbackData
	} else if fc, ok := c.gw.contexts.Get(messageTS); ok {
		ev.FeedbackData = fc.Data
	}
	ev.Responder = &responder{
		gw:        c.gw,
		triggerID: cb.TriggerID,
		userID:    cb.User.ID,
		channel:   channel,
		threadTS:  threadTS,
		messageTS: messageTS,
		text:      cb.Message.Text,
		blocks:    cb.Message.Blocks.BlockSet,
	}
	return ev
}

// formEvent normalizes a modal submission opened by OpenForm.
func (c *Channel) formEvent(cb slackgo.InteractionCallback) interaction.Event {
	var meta formMetadata
	if cb.View.PrivateMetadata != "" {
		if err := json.Unmarshal([]byte(cb.View.PrivateMetadata), &meta); err != nil {
			slog.Debug("slack: bad modal metadata", "error", err)
		}
	}
	ev := interaction.Event{
		Platform:  bus.PlatformSlack,
		Kind:      interaction.KindFormSubmit,
		CustomID:  cb.View.CallbackID,
		UserID:    cb.User.ID,
		UserName:  cb.User.Name,
		Mention:   mention(cb.User.ID),
		ChannelID: meta.Channel,
		ThreadID:  meta.ThreadTS,
		MessageID: meta.MessageTS,
		Values:    viewValues(cb.View.State),
	}
	if fc, ok := c.gw.contexts.Get(meta.MessageTS); ok {
		ev.FeedbackData = fc.Data
	}
	ev.Responder = &responder{
		gw:        c.gw,
		triggerID: cb.TriggerID,
		userID:    cb.User.ID,
		channel:   meta.Channel,
		threadTS:  meta.ThreadTS,
		messageTS: meta.MessageTS,
	}
	return ev
}

func viewValues(state *slackgo.ViewState) map[string]string {
	values := make(map[string]string)
	if state == nil {
		return values
	}
	for _, block := range state.Values {
		for actionID, action := range block {
			values[actionID] = action.Value
		}
	}
	return values
}

// registerHandlers adds the Slack-only controls to the router. The submit
// button belongs to a form the broker rendered, so its blocks are left as is.
func (c *Channel) registerHandlers() error {
	if c.router == nil {
		return nil
	}
	return c.router.Handle(submitFormActionID, c.submitForm, interaction.KeepControls())
}

// submitForm republishes a rendered form's values as an inbound envelope.
func (c *Channel) submitForm(ctx context.Context, ev interaction.Event) error {
	var button struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal([]byte(ev.Value), &button); err != nil {
		return fmt.Errorf("parse submit value: %w", err)
	}
	if button.TaskID == "" {
		return errors.New("submit value has no task_id")
	}

	formData := ev.Values
	if formData == nil {
		formData = map[string]string{}
	}
	text, err := json.Marshal(formData)
	if err != nil {
		return fmt.Errorf("encode form data: %w", err)
	}

	session := ev.ThreadID
	if session == "" {
		session = ev.MessageID
	}
	accepted := c.HandleMessage(bus.InboundMessage{
		Text:        string(text),
		UserID:      ev.UserID,
		Username:    ev.UserName,
		Channel:     conversationKey(ev.ChannelID, session),
		ThreadID:    session,
		SessionID:   session,
		ChannelType: ev.ChannelType,
		TS:          ev.MessageID,
		EventType:   postUserFormEvent,
		FormData:    formData,
		TaskID:      button.TaskID,
	})
	if !accepted || ev.Responder == nil {
		return nil
	}
	return ev.Responder.Reply(ctx, "Form submitted successfully!", false)
}

// formValues collects "action_<field>" inputs. Multi-selects are joined with commas.
func formValues(state map[string]map[string]slackgo.BlockAction) map[string]string {
	out := make(map[string]string)
	for _, block := range state {
		for actionID, a := range block {
			field, ok := strings.CutPrefix(actionID, formFieldPrefix)
			if !ok {
				continue
			}
			switch {
			case a.Value != "":
				out[field] = a.Value
			case a.SelectedOption.Value != "":
				out[field] = a.SelectedOption.Value
			case len(a.SelectedOptions) > 0:
				vals := make([]string, 0, len(a.SelectedOptions))
				for _, o := range a.SelectedOptions {
					vals = append(vals, o.Value)
				}
				sort.Strings(vals)
				out[field] = strings.Join(vals, ",")
			default:
				out[field] = ""
			}
		}
	}
	return out
}

func callbackChannelType(ch slackgo.Channel) string {
	switch {
	case ch.IsIM:
		return "im"
	case ch.IsPrivate:
		return "group"
	default:
		return "channel"
	}
}

func mention(userID string) string {
	if userID == "" {
		return ""
	}
	return "<@" + userID + ">"
}

// responder performs interaction side effects through the Web API.
type responder struct {
	gw        *gateway
	triggerID string
	userID    string
	channel   string
	threadTS  string
	messageTS string
	text      string
	blocks    []slackgo.Block
}

// ClearControls rewrites the message without its controls block.
func (r *responder) ClearControls(ctx context.Context) error {
	if r.channel == "" || r.messageTS == "" {
		return nil
	}
	_, _, _, err := r.gw.api.UpdateMessageContext(ctx, r.channel, r.messageTS,
		slackgo.MsgOptionText(r.text, false),
		slackgo.MsgOptionBlocks(withoutControls(r.blocks)...),
	)
	return err
}

func (r *responder) Reply(ctx context.Context, text string, ephemeral bool) error {
	if r.channel == "" {
		return errors.New("reply: no channel")
	}
	opts := []slackgo.MsgOption{slackgo.MsgOptionText(text, false)}
	if r.threadTS != "" {
		opts = append(opts, slackgo.MsgOptionTS(r.threadTS))
	}
	if ephemeral {
		_, err := r.gw.api.PostEphemeralContext(ctx, r.channel, r.userID, opts...)
		return err
	}
	_, _, err := r.gw.api.PostMessageContext(ctx, r.channel, opts...)
	return err
}

func (r *responder) OpenForm(ctx context.Context, form interaction.Form) error {
	meta, err := json.Marshal(formMetadata{Channel: r.channel, ThreadTS: r.threadTS, MessageTS: r.messageTS})
	if err != nil {
		return err
	}
	_, err = r.gw.api.OpenViewContext(ctx, r.triggerID, modalView(form, string(meta)))
	return err
}

func modalView(form interaction.Form, metadata string) slackgo.ModalViewRequest {
	blocks := make([]slackgo.Block, 0, len(form.Fields))
	for _, f := range form.Fields {
		var placeholder *slackgo.TextBlockObject
		if f.Placeholder != "" {
			placeholder = slackgo.NewTextBlockObject(slackgo.PlainTextType, f.Placeholder, false, false)
		}
		input := slackgo.NewPlainTextInputBlockElement(placeholder, f.ID)
		input.Multiline = f.Multiline
		input.MaxLength = f.MaxLength
		block := slackgo.NewInputBlock(f.ID,
			slackgo.NewTextBlockObject(slackgo.PlainTextType, f.Label, false, false), nil, input)
		blocks = append(blocks, block.WithOptional(!f.Required))
	}
	return slackgo.ModalViewRequest{
		Type:            slackgo.VTModal,
		Title:           slackgo.NewTextBlockObject(slackgo.PlainTextType, form.Title, false, false),
		Submit:          slackgo.NewTextBlockObject(slackgo.PlainTextType, "Submit", false, false),
		Close:           slackgo.NewTextBlockObject(slackgo.PlainTextType, "Cancel", false, false),
		Blocks:          slackgo.Blocks{BlockSet: blocks},
		CallbackID:      form.ID,
		PrivateMetadata: metadata,
	}
}
