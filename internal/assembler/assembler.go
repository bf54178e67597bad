// Package assembler builds the prompt handed to the generator within a
// fixed token budget.
package assembler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/keshon/chorus/internal/ai"
	"github.com/keshon/chorus/internal/chat"
	"github.com/keshon/chorus/internal/knowledge"
	"github.com/keshon/chorus/internal/logging"
	"github.com/keshon/chorus/internal/persona"
	"github.com/rs/zerolog"
)

// ErrBudgetTooSmall is returned when the persona prompt, or the newest
// history message after it, cannot fit the budget.
var ErrBudgetTooSmall = errors.New("assembler: token budget too small")

// Input is everything a prompt may contain.
type Input struct {
	Persona *persona.Persona
	// Modifiers are appended to the system prompt (mood, conflict, directive).
	Modifiers           []string
	RelationshipContext string
	UserContext         string
	Knowledge           []knowledge.Snippet // best first
	History             []chat.HistoryEntry // oldest first
	Budget              int
}

// Report describes how the budget was spent.
type Report struct {
	Budget           int
	Tokens           int
	Tier1            int
	Tier2            int
	History          int
	HistoryKept      int
	HistoryDropped   int
	KnowledgeDropped int
}

// Assembler is stateless apart from its counter.
type Assembler struct {
	counter Counter
	log     zerolog.Logger
}

func New(counter Counter) *Assembler {
	if counter == nil {
		counter = CounterFor("")
	}
	return &Assembler{counter: counter, log: logging.Component("assembler")}
}

func (a *Assembler) cost(m ai.Message) int {
	return messageOverhead + a.counter.Count(m.Content)
}

// Build returns the ordered messages: system prompt, context, history.
// The total never exceeds in.Budget. Tiers 1 and 2 are never cut mid-text;
// when tier 2 does not fit whole, knowledge snippets are dropped lowest
// ranked first, then the user and relationship blocks.
func (a *Assembler) Build(in Input) ([]ai.Message, Report, error) {
	rep := Report{Budget: in.Budget}
	if in.Persona == nil {
		return nil, rep, fmt.Errorf("assembler: persona is required")
	}

	// Tier 1.
	system := ai.Message{Role: ai.RoleSystem, Content: systemPrompt(in.Persona, in.Modifiers)}
	rep.Tier1 = a.cost(system)
	if rep.Tier1 > in.Budget {
		return nil, rep, fmt.Errorf("%w: system prompt needs %d of %d tokens", ErrBudgetTooSmall, rep.Tier1, in.Budget)
	}
	msgs := []ai.Message{system}
	used := rep.Tier1

	// Tier 2.
	snippets := in.Knowledge
	rel, user := in.RelationshipContext, in.UserContext
	for {
		text := contextBlock(rel, user, snippets)
		if text == "" {
			break
		}
		m := ai.Message{Role: ai.RoleSystem, Content: text}
		if c := a.cost(m); used+c <= in.Budget {
			rep.Tier2 = c
			used += c
			msgs = append(msgs, m)
			break
		}
		switch {
		case len(snippets) > 0:
			snippets = snippets[:len(snippets)-1]
			rep.KnowledgeDropped++
		case user != "":
			user = ""
		default:
			rel = ""
		}
	}

	// Tier 3, newest first, stopping at the first message that does not fit.
	var kept []ai.Message
	for i := len(in.History) - 1; i >= 0; i-- {
		h := in.History[i]
		if strings.TrimSpace(h.Content) == "" {
			continue
		}
		m := historyMessage(h, in.Persona.ID)
		c := a.cost(m)
		if used+c > in.Budget {
			break
		}
		used += c
		rep.History += c
		kept = append(kept, m)
	}
	nonEmpty := 0
	for _, h := range in.History {
		if strings.TrimSpace(h.Content) != "" {
			nonEmpty++
		}
	}
	rep.HistoryKept = len(kept)
	rep.HistoryDropped = nonEmpty - len(kept)
	if nonEmpty > 0 && len(kept) == 0 {
		return nil, rep, fmt.Errorf("%w: newest message does not fit", ErrBudgetTooSmall)
	}
	for i := len(kept) - 1; i >= 0; i-- {
		msgs = append(msgs, kept[i])
	}

	rep.Tokens = used
	a.log.Debug().
		Str("persona", in.Persona.ID).
		Int("budget", in.Budget).
		Int("tokens", used).
		Int("history_kept", rep.HistoryKept).
		Int("history_dropped", rep.HistoryDropped).
		Int("knowledge_dropped", rep.KnowledgeDropped).
		Msg("prompt assembled")
	return msgs, rep, nil
}

// Count returns the token cost of messages as Build accounts for them.
func (a *Assembler) Count(msgs []ai.Message) int {
	n := 0
	for _, m := range msgs {
		n += a.cost(m)
	}
	return n
}

func systemPrompt(p *persona.Persona, modifiers []string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.SystemPrompt))
	for _, m := range modifiers {
		if m = strings.TrimSpace(m); m != "" {
			b.WriteString("\n\n")
			b.WriteString(m)
		}
	}
	return b.String()
}

func contextBlock(rel, user string, snippets []knowledge.Snippet) string {
	var parts []string
	if rel = strings.TrimSpace(rel); rel != "" {
		parts = append(parts, "--- Relationships ---\n"+rel)
	}
	if user = strings.TrimSpace(user); user != "" {
		parts = append(parts, "--- About the people here ---\n"+user)
	}
	if len(snippets) > 0 {
		var b strings.Builder
		b.WriteString("--- Things you know ---")
		for _, s := range snippets {
			b.WriteString("\n- ")
			if s.Title != "" {
				b.WriteString(s.Title)
				b.WriteString(": ")
			}
			b.WriteString(s.Text)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}

// historyMessage maps an entry onto a chat role from the point of view of
// the persona being prompted.
func historyMessage(h chat.HistoryEntry, self string) ai.Message {
	if h.PersonaID != "" && h.PersonaID == self {
		return ai.Message{Role: ai.RoleAssistant, Content: h.Content}
	}
	return ai.Message{Role: ai.RoleUser, Content: h.Line()}
}
