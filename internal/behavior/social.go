package behavior

import (
	"time"

	"github.com/keshon/chorus/internal/chat"
	"github.com/keshon/chorus/internal/persona"
	"github.com/keshon/chorus/internal/relationship"
)

// Exchange is a reply a persona just delivered.
type Exchange struct {
	ChannelID string
	Persona   *persona.Persona
	Reply     string
	// Trigger is the message answered; nil for ambient and environment remarks.
	Trigger *chat.Message
	At      time.Time
}

// AfterResponse updates relationships and moods once a reply went out.
func (e *Engine) AfterResponse(x Exchange) {
	if x.Persona == nil {
		return
	}
	e.moods.Apply(x.Persona.ID, MoodResponded, 1, x.At)
	if x.Trigger == nil || e.ledger == nil {
		return
	}
	t := x.Trigger

	switch {
	case t.AuthorPersonaID != "" && t.AuthorPersonaID != x.Persona.ID:
		var memory string
		if topics := chat.Topics(t.Content+" "+x.Reply, 1); len(topics) > 0 {
			memory = "talked about " + topics[0]
		}
		rec := e.ledger.RecordInteraction(t.AuthorPersonaID, x.Persona.ID, relationship.DefaultDelta, memory)
		e.log.Debug().Str("a", rec.Pair.A).Str("b", rec.Pair.B).Int("affinity", rec.Affinity).Msg("banter recorded")

	case !t.Automated() && t.AuthorID != "":
		tone := chat.ClassifyTone(t.Content)
		rec := e.ledger.RecordInteraction(t.AuthorID, x.Persona.ID, relationship.ToneDelta(tone), "")
		switch tone {
		case chat.TonePositive:
			e.moods.Apply(x.Persona.ID, MoodWarmUser, 1, x.At)
		case chat.ToneNegative:
			e.moods.Apply(x.Persona.ID, MoodHostileUser, 0.5, x.At)
		case chat.ToneAggressive:
			e.moods.Apply(x.Persona.ID, MoodHostileUser, 1, x.At)
		}
		e.log.Debug().Str("user", t.AuthorID).Str("persona", x.Persona.ID).Int("affinity", rec.Affinity).Msg("user affinity updated")
	}
}

// ObserveMessage feeds persona-authored messages into conflict detection
// and returns the personas whose conflict with the author escalated.
func (e *Engine) ObserveMessage(msg chat.Message, roster *persona.Roster) []string {
	if e.ledger == nil || roster == nil || msg.AuthorPersonaID == "" {
		return nil
	}
	topics := chat.Topics(msg.Content, 0)
	if len(topics) == 0 {
		return nil
	}
	author := msg.AuthorPersonaID
	var escalated []string
	for _, other := range roster.Without(author) {
		topic, ok := e.ledger.DetectConflictTrigger(author, other.ID, topics)
		if !ok {
			continue
		}
		sev := e.ledger.EscalateConflict(author, other.ID, topic, relationship.DefaultEscalation)
		e.moods.Apply(author, MoodConflict, sev, msg.At)
		e.moods.Apply(other.ID, MoodConflict, sev, msg.At)
		escalated = append(escalated, other.ID)
		e.log.Info().Str("a", author).Str("b", other.ID).Str("topic", topic).Float64("severity", sev).Msg("conflict escalated")
	}
	return escalated
}

// DecayConflicts runs one conflict decay step, calms the personas whose
// conflicts resolved and decays every mood to now.
func (e *Engine) DecayConflicts(rate float64, now time.Time) []relationship.Pair {
	var resolved []relationship.Pair
	if e.ledger != nil {
		resolved = e.ledger.DecayConflicts(rate)
	}
	for _, p := range resolved {
		e.moods.Apply(p.A, MoodConflictResolved, 1, now)
		e.moods.Apply(p.B, MoodConflictResolved, 1, now)
	}
	e.moods.Decay(now)
	return resolved
}

// PromptModifiers returns the lines appended to p's system prompt: its mood
// and, when it answers another persona, their conflict.
func (e *Engine) PromptModifiers(p *persona.Persona, counterpartID, counterpartName string, now time.Time) []string {
	var mods []string
	if phrase := e.moods.Get(p.ID, now).Phrase(); phrase != "" {
		mods = append(mods, phrase)
	}
	if e.ledger != nil && counterpartID != "" && counterpartID != p.ID {
		if line := e.ledger.ConflictLine(p.ID, counterpartID, counterpartName); line != "" {
			mods = append(mods, line)
		}
	}
	return mods
}

// ApplyRivalries turns every persona's rivalries into conflict triggers.
// Both sides of a pair contribute their topics.
func (e *Engine) ApplyRivalries(roster *persona.Roster) {
	if e.ledger == nil || roster == nil {
		return
	}
	type pairTopics struct {
		a, b   string
		topics []string
	}
	merged := make(map[string]*pairTopics)
	var order []string
	for _, p := range roster.All() {
		for otherID, topics := range p.Rivalries {
			if _, ok := roster.Get(otherID); !ok || otherID == p.ID {
				continue
			}
			pair := relationship.NewPair(p.ID, otherID)
			pt, ok := merged[pair.Key()]
			if !ok {
				pt = &pairTopics{a: pair.A, b: pair.B}
				merged[pair.Key()] = pt
				order = append(order, pair.Key())
			}
			pt.topics = append(pt.topics, topics...)
		}
	}
	for _, k := range order {
		pt := merged[k]
		e.ledger.SetConflictTriggers(pt.a, pt.b, pt.topics)
	}
}
