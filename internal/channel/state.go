// Package channel holds per-channel conversational state and the learned
// activity profile of each channel.
package channel

import (
	"sync"
	"time"

	"github.com/keshon/chorus/internal/chat"
)

const (
	TopicCapacity   = 10
	DefaultHistory  = 50
	sentIDsCapacity = 200
)

// Mode is the behavior state of a channel.
type Mode int

const (
	ModeActive Mode = iota
	ModeLull
	ModeAmbientCooldown
)

func (m Mode) String() string {
	switch m {
	case ModeActive:
		return "ACTIVE"
	case ModeLull:
		return "LULL"
	case ModeAmbientCooldown:
		return "AMBIENT_COOLDOWN"
	default:
		return "UNKNOWN"
	}
}

// State is the live state of one channel. Safe for concurrent use; every
// method takes the channel lock for its own duration only.
type State struct {
	ChannelID string

	mu      sync.RWMutex
	guildID string

	lastMessageAt      time.Time
	lastHumanMessageAt time.Time
	lastBotMessageAt   time.Time
	lastAmbientAt      time.Time
	lastProactiveAt    time.Time
	lastLLMCallAt      time.Time

	stickyPersonaID string
	stickyExpiresAt time.Time

	topics  []string
	history []chat.HistoryEntry
	maxHist int

	consecutiveBot int
	mode           Mode
	modeSince      time.Time

	sent      map[string]string // message id -> persona id
	sentOrder []string
}

// NewState creates state for a channel keeping up to maxHistory messages.
func NewState(channelID string, maxHistory int) *State {
	if maxHistory <= 0 {
		maxHistory = DefaultHistory
	}
	return &State{
		ChannelID: channelID,
		maxHist:   maxHistory,
		sent:      make(map[string]string),
	}
}

// Snapshot is a point-in-time copy of a channel's state.
type Snapshot struct {
	ChannelID             string
	GuildID               string
	LastMessageAt         time.Time
	LastHumanMessageAt    time.Time
	LastBotMessageAt      time.Time
	LastAmbientAt         time.Time
	LastProactiveAt       time.Time
	LastLLMCallAt         time.Time
	StickyPersonaID       string
	StickyExpiresAt       time.Time
	RecentTopics          []string
	History               []chat.HistoryEntry
	ConsecutiveBotReplies int
	Mode                  Mode
	ModeSince             time.Time
}

// StickyAt returns the sticky persona if its window is still open at now.
func (s Snapshot) StickyAt(now time.Time) (string, bool) {
	if s.StickyPersonaID == "" || !now.Before(s.StickyExpiresAt) {
		return "", false
	}
	return s.StickyPersonaID, true
}

// Recent returns the last n history entries, oldest first.
func (s Snapshot) Recent(n int) []chat.HistoryEntry {
	if n <= 0 || n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// Snapshot copies the state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ChannelID:             s.ChannelID,
		GuildID:               s.guildID,
		LastMessageAt:         s.lastMessageAt,
		LastHumanMessageAt:    s.lastHumanMessageAt,
		LastBotMessageAt:      s.lastBotMessageAt,
		LastAmbientAt:         s.lastAmbientAt,
		LastProactiveAt:       s.lastProactiveAt,
		LastLLMCallAt:         s.lastLLMCallAt,
		StickyPersonaID:       s.stickyPersonaID,
		StickyExpiresAt:       s.stickyExpiresAt,
		RecentTopics:          append([]string(nil), s.topics...),
		History:               append([]chat.HistoryEntry(nil), s.history...),
		ConsecutiveBotReplies: s.consecutiveBot,
		Mode:                  s.mode,
		ModeSince:             s.modeSince,
	}
}

// Observe records an inbound message. Messages we sent ourselves are
// already in history and only bump the automated-chain counter.
func (s *State) Observe(m chat.Message, topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.GuildID != "" {
		s.guildID = m.GuildID
	}
	s.lastMessageAt = m.At
	if m.Automated() {
		s.consecutiveBot++
	} else {
		s.consecutiveBot = 0
		s.lastHumanMessageAt = m.At
		s.setMode(ModeActive, m.At)
	}

	s.topics = append(s.topics, topics...)
	if over := len(s.topics) - TopicCapacity; over > 0 {
		s.topics = append([]string(nil), s.topics[over:]...)
	}

	if _, ours := s.sent[m.ID]; ours && m.ID != "" {
		return
	}
	role := chat.RoleUser
	if m.AuthorPersonaID != "" {
		role = chat.RoleAssistant
	}
	s.pushHistory(chat.HistoryEntry{
		MessageID:  m.ID,
		Role:       role,
		AuthorID:   m.AuthorID,
		AuthorName: m.AuthorName,
		PersonaID:  m.AuthorPersonaID,
		Content:    m.Content,
		At:         m.At,
		Human:      !m.Automated(),
	})
}

// RecordBotMessage records a message one of our personas sent.
func (s *State) RecordBotMessage(personaID, personaName, messageID, content string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBotMessageAt = at
	if messageID != "" {
		s.sent[messageID] = personaID
		s.sentOrder = append(s.sentOrder, messageID)
		if len(s.sentOrder) > sentIDsCapacity {
			delete(s.sent, s.sentOrder[0])
			s.sentOrder = s.sentOrder[1:]
		}
	}
	s.pushHistory(chat.HistoryEntry{
		MessageID:  messageID,
		Role:       chat.RoleAssistant,
		AuthorName: personaName,
		PersonaID:  personaID,
		Content:    content,
		At:         at,
	})
}

// SentBy returns the persona that sent messageID, if it was one of ours.
func (s *State) SentBy(messageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sent[messageID]
	return id, ok
}

func (s *State) pushHistory(h chat.HistoryEntry) {
	s.history = append(s.history, h)
	if over := len(s.history) - s.maxHist; over > 0 {
		s.history = append([]chat.HistoryEntry(nil), s.history[over:]...)
	}
}

// SetSticky lets personaID hold the floor until the given time.
func (s *State) SetSticky(personaID string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stickyPersonaID = personaID
	s.stickyExpiresAt = until
}

// Mode returns the behavior state and when it was entered.
func (s *State) Mode() (Mode, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode, s.modeSince
}

// SetMode switches the behavior state.
func (s *State) SetMode(m Mode, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMode(m, at)
}

func (s *State) setMode(m Mode, at time.Time) {
	if s.mode == m && !s.modeSince.IsZero() {
		return
	}
	s.mode = m
	s.modeSince = at
}

// MarkAmbient records an ambient remark and enters AMBIENT_COOLDOWN.
func (s *State) MarkAmbient(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAmbientAt = at
	s.setMode(ModeAmbientCooldown, at)
}

// MarkProactive records a proactive jump-in.
func (s *State) MarkProactive(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastProactiveAt = at
}

// MarkLLMCall records a generator call made for this channel.
func (s *State) MarkLLMCall(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLLMCallAt = at
}
