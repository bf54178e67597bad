// Package discord connects the runner to Discord: gateway events come in
// as chat messages and environment events, persona replies go out through
// a managed webhook per channel.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/keshon/chorus/internal/channel"
	"github.com/keshon/chorus/internal/chat"
	"github.com/keshon/chorus/internal/logging"
	"github.com/keshon/chorus/internal/mind"
	"github.com/keshon/chorus/internal/persona"
	"github.com/rs/zerolog"
)

// Sink receives inbound traffic. *mind.Runner implements it.
type Sink interface {
	HandleMessage(msg chat.Message) error
	HandleEvent(ev chat.Event) error
	SetSelfID(id string)
	Channels() *channel.Registry
}

// Bot is the Discord transport.
type Bot struct {
	dg     *discordgo.Session
	api    restAPI
	roster *persona.Active
	sink   Sink
	log    zerolog.Logger

	selfID  atomic.Value // string
	hooksMu sync.Mutex
	hooks   map[string]*discordgo.Webhook // channel id -> managed webhook
	authors *authorRing
}

var _ mind.Transport = (*Bot)(nil)

// New creates the session and registers gateway handlers. Nothing connects
// until Run.
func New(token string, roster *persona.Active) (*Bot, error) {
	if token == "" {
		return nil, errors.New("discord: token is required")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMembers |
		discordgo.IntentGuildMessages |
		discordgo.IntentMessageContent
	routeLibraryLogs()

	b := newBot(dg, roster)
	b.dg = dg
	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onMessageCreate)
	dg.AddHandler(b.onMemberAdd)
	dg.AddHandler(b.onMemberRemove)
	return b, nil
}

func newBot(api restAPI, roster *persona.Active) *Bot {
	b := &Bot{
		api:     api,
		roster:  roster,
		log:     logging.Component("discord"),
		hooks:   make(map[string]*discordgo.Webhook),
		authors: newAuthorRing(authorRingSize),
	}
	b.selfID.Store("")
	return b
}

// Attach sets where inbound traffic goes. Call it before Run.
func (b *Bot) Attach(sink Sink) { b.sink = sink }

// Run opens the gateway and blocks until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	if b.sink == nil {
		return errors.New("discord: no sink attached")
	}
	if err := b.dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	defer b.dg.Close()

	<-ctx.Done()
	b.log.Info().Msg("shutdown signal received, closing gateway")
	return nil
}

func (b *Bot) self() string {
	id, _ := b.selfID.Load().(string)
	return id
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	b.selfID.Store(r.User.ID)
	b.sink.SetSelfID(r.User.ID)
	b.log.Info().Str("user", r.User.Username).Int("guilds", len(r.Guilds)).Msg("discord bot is running")
}

func (b *Bot) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || m.GuildID == "" {
		return
	}
	if m.WebhookID == "" {
		b.authors.add(m.ID, m.Author.ID)
	}
	msg := convertMessage(m.Message, b.self(), b.roster.Snapshot(), b.sentBy)
	if err := b.sink.HandleMessage(msg); err != nil {
		b.log.Debug().Err(err).Str("channel", msg.ChannelID).Str("message", msg.ID).Msg("message not queued")
	}
}

func (b *Bot) sentBy(channelID, messageID string) (string, bool) {
	state, ok := b.sink.Channels().Lookup(channelID)
	if !ok {
		return "", false
	}
	return state.SentBy(messageID)
}

func (b *Bot) onMemberAdd(s *discordgo.Session, e *discordgo.GuildMemberAdd) {
	b.memberEvent(s, e.Member, chat.EventMemberJoined)
}

func (b *Bot) onMemberRemove(s *discordgo.Session, e *discordgo.GuildMemberRemove) {
	b.memberEvent(s, e.Member, chat.EventMemberLeft)
}

// memberEvent turns a join or leave into an environment event in the
// guild's system channel. Guilds without one are ignored.
func (b *Bot) memberEvent(s *discordgo.Session, m *discordgo.Member, kind chat.EventKind) {
	if m == nil || m.User == nil || m.User.Bot {
		return
	}
	channelID := systemChannel(s, m.GuildID)
	if channelID == "" {
		b.log.Debug().Str("guild", m.GuildID).Msg("no system channel, event ignored")
		return
	}
	ev := chat.Event{
		Kind:      kind,
		ChannelID: channelID,
		UserID:    m.User.ID,
		UserName:  displayName(m.User, m),
		At:        time.Now(),
	}
	if err := b.sink.HandleEvent(ev); err != nil {
		b.log.Debug().Err(err).Str("channel", channelID).Str("event", kind.String()).Msg("event not queued")
	}
}

// systemChannel resolves the guild from state first, then over REST.
func systemChannel(s *discordgo.Session, guildID string) string {
	guild, err := s.State.Guild(guildID)
	if err != nil || guild == nil {
		guild, err = s.Guild(guildID)
		if err != nil || guild == nil {
			return ""
		}
	}
	return guild.SystemChannelID
}
