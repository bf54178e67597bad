package discord

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/keshon/chorus/internal/mind"
)

// webhookName names the one webhook per channel that all personas share;
// each message overrides the username.
const webhookName = "chorus"

const maxMessageLen = 2000

// restAPI is the part of *discordgo.Session the transport uses.
type restAPI interface {
	ChannelWebhooks(channelID string, options ...discordgo.RequestOption) ([]*discordgo.Webhook, error)
	WebhookCreate(channelID, name, avatar string, options ...discordgo.RequestOption) (*discordgo.Webhook, error)
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// Send delivers a persona message. Without a usable webhook (missing
// Manage Webhooks permission) the bot posts it under its own name with
// the persona name in bold.
func (b *Bot) Send(ctx context.Context, out mind.Outbound) (string, error) {
	if out.Persona == nil {
		return "", fmt.Errorf("discord: outbound message has no persona")
	}
	hook, err := b.webhook(ctx, out.ChannelID)
	if err != nil {
		b.log.Warn().Err(err).Str("channel", out.ChannelID).Bool("forbidden", isForbidden(err)).Msg("webhook unavailable, sending as bot")
		return b.sendAsBot(ctx, out)
	}

	id, err := b.execute(ctx, hook, out)
	if isUnknownWebhook(err) {
		// Deleted by a moderator since we cached it.
		b.forgetWebhook(out.ChannelID)
		if hook, err = b.webhook(ctx, out.ChannelID); err != nil {
			return b.sendAsBot(ctx, out)
		}
		id, err = b.execute(ctx, hook, out)
	}
	if err != nil {
		return "", fmt.Errorf("discord: webhook execute: %w", err)
	}
	return id, nil
}

func (b *Bot) execute(ctx context.Context, hook *discordgo.Webhook, out mind.Outbound) (string, error) {
	content := out.Content
	params := &discordgo.WebhookParams{
		Username:        out.Persona.DisplayName,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if author, ok := b.replyTarget(out); ok {
		content = "<@" + author + "> " + content
		params.AllowedMentions.Users = []string{author}
	}
	params.Content = truncate(content, maxMessageLen)

	msg, err := b.api.WebhookExecute(hook.ID, hook.Token, true, params, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", nil
	}
	return msg.ID, nil
}

// replyTarget finds the author of the message being answered. Webhooks
// cannot quote, so a reply is a mention instead.
func (b *Bot) replyTarget(out mind.Outbound) (string, bool) {
	if out.ReplyTo == "" {
		return "", false
	}
	return b.authors.author(out.ReplyTo)
}

func (b *Bot) sendAsBot(ctx context.Context, out mind.Outbound) (string, error) {
	data := &discordgo.MessageSend{
		Content:         truncate("**"+out.Persona.DisplayName+"**: "+out.Content, maxMessageLen),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if out.ReplyTo != "" {
		data.Reference = &discordgo.MessageReference{MessageID: out.ReplyTo, ChannelID: out.ChannelID}
	}
	msg, err := b.api.ChannelMessageSendComplex(out.ChannelID, data, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: send message: %w", err)
	}
	return msg.ID, nil
}

// webhook returns the channel's managed webhook, adopting an existing one
// by name before creating a new one.
func (b *Bot) webhook(ctx context.Context, channelID string) (*discordgo.Webhook, error) {
	b.hooksMu.Lock()
	defer b.hooksMu.Unlock()
	if h, ok := b.hooks[channelID]; ok {
		return h, nil
	}

	existing, err := b.api.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	for _, h := range existing {
		if h != nil && h.Name == webhookName && h.Token != "" {
			b.hooks[channelID] = h
			return h, nil
		}
	}

	h, err := b.api.WebhookCreate(channelID, webhookName, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	b.log.Info().Str("channel", channelID).Str("webhook", h.ID).Msg("webhook created")
	b.hooks[channelID] = h
	return h, nil
}

func (b *Bot) forgetWebhook(channelID string) {
	b.hooksMu.Lock()
	delete(b.hooks, channelID)
	b.hooksMu.Unlock()
}

// React adds emoji to a message as the bot.
func (b *Bot) React(ctx context.Context, channelID, messageID, emoji string) error {
	return b.api.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx))
}

// Typing shows the typing indicator while a reply is generated.
func (b *Bot) Typing(ctx context.Context, channelID string) error {
	return b.api.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}
