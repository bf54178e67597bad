package discord

import (
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/keshon/chorus/internal/chat"
	"github.com/keshon/chorus/internal/persona"
)

// convertMessage maps a gateway message onto the transport-neutral type.
// Webhook messages whose username is a persona's display name are ours.
func convertMessage(m *discordgo.Message, selfID string, roster *persona.Roster, sentBy func(channelID, messageID string) (string, bool)) chat.Message {
	msg := chat.Message{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		GuildID:    m.GuildID,
		AuthorID:   m.Author.ID,
		AuthorName: displayName(m.Author, m.Member),
		Content:    m.Content,
		At:         m.Timestamp,
	}
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	msg.AuthorIsBot = m.Author.Bot || m.WebhookID != ""
	if m.WebhookID != "" {
		msg.AuthorPersonaID = personaByName(roster, m.Author.Username)
	}

	for _, u := range m.Mentions {
		if u != nil && selfID != "" && u.ID == selfID {
			msg.MentionsBot = true
			break
		}
	}

	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, chat.Attachment{URL: a.URL, Filename: a.Filename, ContentType: a.ContentType})
	}

	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		msg.ReplyToMessageID = m.MessageReference.MessageID
		if sentBy != nil {
			if id, ok := sentBy(m.ChannelID, msg.ReplyToMessageID); ok {
				msg.ReplyToPersonaID = id
			}
		}
	}
	if ref := m.ReferencedMessage; ref != nil {
		if ref.Author != nil {
			if selfID != "" && ref.Author.ID == selfID {
				msg.ReplyToBot = true
			}
			if msg.ReplyToPersonaID == "" && ref.WebhookID != "" {
				msg.ReplyToPersonaID = personaByName(roster, ref.Author.Username)
			}
		}
		for _, a := range ref.Attachments {
			if a != nil && (chat.Attachment{Filename: a.Filename, ContentType: a.ContentType}).IsImage() {
				msg.ReferencesImage = true
				break
			}
		}
	}
	return msg
}

func personaByName(roster *persona.Roster, name string) string {
	if roster == nil || name == "" {
		return ""
	}
	for _, p := range roster.All() {
		if strings.EqualFold(p.DisplayName, name) {
			return p.ID
		}
	}
	return ""
}

// displayName prefers the guild nickname, then the global name.
func displayName(u *discordgo.User, m *discordgo.Member) string {
	if m != nil && m.Nick != "" {
		return m.Nick
	}
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

const authorRingSize = 512

// authorRing remembers who wrote recent human messages, so a webhook
// reply can mention the person it answers.
type authorRing struct {
	mu    sync.Mutex
	ids   map[string]string
	order []string
	size  int
}

func newAuthorRing(size int) *authorRing {
	return &authorRing{ids: make(map[string]string, size), size: size}
}

func (r *authorRing) add(messageID, authorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[messageID]; ok {
		return
	}
	r.ids[messageID] = authorID
	r.order = append(r.order, messageID)
	if len(r.order) > r.size {
		delete(r.ids, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *authorRing) author(messageID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[messageID]
	return id, ok
}
