// Package chat holds transport-neutral message types shared by the pipeline.
package chat

import (
	"strings"
	"time"
)

// Attachment is a file attached to a message.
type Attachment struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// IsImage reports whether the attachment looks like a picture.
func (a Attachment) IsImage() bool {
	if strings.HasPrefix(a.ContentType, "image/") {
		return true
	}
	name := strings.ToLower(a.Filename)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// Message is one inbound message as seen by the decision pipeline.
type Message struct {
	ID         string
	ChannelID  string
	GuildID    string
	AuthorID   string
	AuthorName string
	Content    string
	At         time.Time

	// AuthorIsBot is set for any automated author (other bots, webhooks).
	AuthorIsBot bool
	// AuthorPersonaID is set when the message was produced by one of our personas.
	AuthorPersonaID string

	MentionsBot      bool
	ReplyToMessageID string
	ReplyToBot       bool
	ReplyToPersonaID string

	Attachments []Attachment
	// ReferencesImage is set when the message replies to a message carrying an image.
	ReferencesImage bool
}

// Automated reports whether the message was not written by a human.
func (m Message) Automated() bool {
	return m.AuthorIsBot || m.AuthorPersonaID != ""
}

// HasImage reports whether the message carries or references an image.
func (m Message) HasImage() bool {
	if m.ReferencesImage {
		return true
	}
	for _, a := range m.Attachments {
		if a.IsImage() {
			return true
		}
	}
	return false
}

// Role of a history entry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HistoryEntry is one line of channel history kept for prompts and oracle checks.
type HistoryEntry struct {
	MessageID  string    `json:"message_id,omitempty"`
	Role       string    `json:"role"`
	AuthorID   string    `json:"author_id,omitempty"`
	AuthorName string    `json:"author_name,omitempty"`
	PersonaID  string    `json:"persona_id,omitempty"`
	Content    string    `json:"content"`
	At         time.Time `json:"at"`
	Human      bool      `json:"human"`
}

// Line renders the entry as "Name: text".
func (h HistoryEntry) Line() string {
	name := h.AuthorName
	if name == "" {
		name = "Someone"
	}
	return name + ": " + h.Content
}

// EventKind enumerates environmental events.
type EventKind int

const (
	EventMemberJoined EventKind = iota + 1
	EventMemberLeft
)

func (k EventKind) String() string {
	switch k {
	case EventMemberJoined:
		return "member_joined"
	case EventMemberLeft:
		return "member_left"
	default:
		return "unknown"
	}
}

// Event is something that happened in a shared space without a message.
type Event struct {
	Kind      EventKind
	ChannelID string
	UserID    string
	UserName  string
	At        time.Time
}
