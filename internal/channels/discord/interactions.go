package discord

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/chatbridge/internal/interaction"
)

// interactionTimeout bounds the side effects of one click or form submit.
const interactionTimeout = 15 * time.Second

// handleInteraction routes button clicks and modal submits through the router.
func (c *Channel) handleInteraction(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if c.router == nil || i.Interaction == nil {
		return
	}
	ev, ok := newEvent(i.Interaction)
	if !ok {
		return
	}
	if fc, found := c.gw.contexts.Get(ev.MessageID); found {
		ev.FeedbackData = fc.Data
	}

	resp := &responder{api: c.gw.api, interaction: i.Interaction, channelID: ev.ChannelID, messageID: ev.MessageID}
	ev.Responder = resp

	ctx, cancel := context.WithTimeout(context.Background(), interactionTimeout)
	defer cancel()

	if _, err := c.router.Dispatch(ctx, ev); err != nil {
		slog.Warn("discord: interaction failed", "custom_id", ev.CustomID, "user_id", ev.UserID, "error", err)
	}

	// Unanswered clicks show an error in the client; acknowledge them silently.
	if ev.Kind == interaction.KindComponent && !resp.responded.Load() {
		if err := resp.respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate}); err != nil {
			slog.Debug("discord: deferred update failed", "error", err)
		}
	}
}

// newEvent normalizes a component click or modal submit.
func newEvent(i *discordgo.Interaction) (interaction.Event, bool) {
	ev := interaction.Event{
		Platform:  "discord",
		ChannelID: i.ChannelID,
		ThreadID:  i.ChannelID,
	}
	if i.Message != nil {
		ev.MessageID = i.Message.ID
	}
	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	if user != nil {
		ev.UserID = user.ID
		ev.UserName = user.Username
		ev.Mention = user.Mention()
	}

	switch i.Type {
	case discordgo.InteractionMessageComponent:
		data, ok := i.Data.(discordgo.MessageComponentInteractionData)
		if !ok {
			return ev, false
		}
		ev.Kind = interaction.KindComponent
		ev.CustomID = data.CustomID
	case discordgo.InteractionModalSubmit:
		data, ok := i.Data.(discordgo.ModalSubmitInteractionData)
		if !ok {
			return ev, false
		}
		ev.Kind = interaction.KindFormSubmit
		ev.CustomID = data.CustomID
		ev.Values = modalValues(data.Components)
		// Forms opened from a button carry the rated message id in their custom id.
		if _, arg := interaction.SplitCustomID(data.CustomID); arg != "" && ev.MessageID == "" {
			ev.MessageID = arg
		}
	default:
		return ev, false
	}
	return ev, true
}

func modalValues(rows []discordgo.MessageComponent) map[string]string {
	values := make(map[string]string)
	var visit func(comps []discordgo.MessageComponent)
	visit = func(comps []discordgo.MessageComponent) {
		for _, comp := range comps {
			switch v := comp.(type) {
			case *discordgo.ActionsRow:
				visit(v.Components)
			case discordgo.ActionsRow:
				visit(v.Components)
			case *discordgo.TextInput:
				values[v.CustomID] = v.Value
			case discordgo.TextInput:
				values[v.CustomID] = v.Value
			}
		}
	}
	visit(rows)
	return values
}

// responder answers one interaction. The first reply is the interaction
// response; later replies are follow-ups.
type responder struct {
	api         api
	interaction *discordgo.Interaction
	channelID   string
	messageID   string
	responded   atomic.Bool
}

func (r *responder) ClearControls(ctx context.Context) error {
	if r.messageID == "" {
		return nil
	}
	edit := discordgo.NewMessageEdit(r.channelID, r.messageID)
	empty := []discordgo.MessageComponent{}
	edit.Components = &empty
	_, err := r.api.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	return err
}

func (r *responder) Reply(ctx context.Context, text string, ephemeral bool) error {
	var flags discordgo.MessageFlags
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	if r.responded.Load() {
		_, err := r.api.FollowupMessageCreate(r.interaction, false, &discordgo.WebhookParams{
			Content: text,
			Flags:   flags,
		}, discordgo.WithContext(ctx))
		return err
	}
	return r.respond(ctx, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: text, Flags: flags},
	})
}

func (r *responder) OpenForm(ctx context.Context, form interaction.Form) error {
	return r.respond(ctx, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID:   form.ID,
			Title:      form.Title,
			Components: modalComponents(form.Fields),
		},
	})
}

func (r *responder) respond(ctx context.Context, resp *discordgo.InteractionResponse) error {
	if err := r.api.InteractionRespond(r.interaction, resp, discordgo.WithContext(ctx)); err != nil {
		return err
	}
	r.responded.Store(true)
	return nil
}

// modalComponents puts each text input in its own row, as Discord requires.
func modalComponents(fields []interaction.FormField) []discordgo.MessageComponent {
	rows := make([]discordgo.MessageComponent, 0, len(fields))
	for _, f := range fields {
		style := discordgo.TextInputShort
		if f.Multiline {
			style = discordgo.TextInputParagraph
		}
		rows = append(rows, discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.TextInput{
				CustomID:    f.ID,
				Label:       f.Label,
				Style:       style,
				Placeholder: f.Placeholder,
				Required:    f.Required,
				MaxLength:   f.MaxLength,
			},
		}})
	}
	return rows
}
