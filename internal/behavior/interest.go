package behavior

import (
	"context"
	"fmt"
	"strings"

	"github.com/keshon/chorus/internal/channel"
	"github.com/keshon/chorus/internal/chat"
	"github.com/keshon/chorus/internal/persona"
)

// CheckInterest picks the persona whose interests best match a human
// message and asks the oracle whether it would join in. Cooldown and the
// pre-roll keep the oracle out of most messages.
func (e *Engine) CheckInterest(ctx context.Context, msg chat.Message, snap channel.Snapshot, roster *persona.Roster) (*persona.Persona, bool, error) {
	if roster == nil || roster.Len() == 0 || msg.Automated() {
		return nil, false, nil
	}
	now := msg.At
	mod := e.modulation(msg.ChannelID, now)
	if !snap.LastProactiveAt.IsZero() && now.Sub(snap.LastProactiveAt) < scale(e.cfg.ProactiveCooldown, mod.CooldownFactor) {
		return nil, false, nil
	}

	p := bestInterest(roster, msg.Content)
	if p == nil {
		return nil, false, nil
	}
	if e.rng.Float64() >= e.cfg.ProactiveChance*mod.ProbabilityFactor {
		return nil, false, nil
	}
	if e.oracle == nil {
		return nil, false, nil
	}

	history := append([]chat.HistoryEntry(nil), snap.Recent(e.cfg.OracleContextMessages)...)
	history = append(history, chat.HistoryEntry{
		MessageID:  msg.ID,
		Role:       chat.RoleUser,
		AuthorID:   msg.AuthorID,
		AuthorName: msg.AuthorName,
		Content:    msg.Content,
		At:         msg.At,
		Human:      true,
	})
	q := fmt.Sprintf("%s cares about %s. Would %s genuinely want to join this conversation right now?",
		p.DisplayName, strings.Join(p.Interests, ", "), p.DisplayName)
	v, err := e.oracle.Decide(ctx, q, history)
	if err != nil {
		return nil, false, err
	}
	e.log.Debug().Str("channel", msg.ChannelID).Str("persona", p.ID).Bool("yes", v.Yes).Msg("interest verdict")
	return p, v.Yes, nil
}

// bestInterest returns the persona with the most interests named in
// content, earliest in the roster on ties, or nil when nobody cares.
func bestInterest(roster *persona.Roster, content string) *persona.Persona {
	lower := strings.ToLower(content)
	topics := make(map[string]bool)
	for _, t := range chat.Topics(content, 0) {
		topics[t] = true
	}
	var best *persona.Persona
	bestScore := 0
	for _, p := range roster.All() {
		score := 0
		for _, in := range p.Interests {
			in = strings.ToLower(strings.TrimSpace(in))
			if in == "" {
				continue
			}
			if topics[in] || strings.Contains(lower, in) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = p, score
		}
	}
	return best
}

type reactionRule struct {
	words []string
	emoji string
}

var reactionRules = []reactionRule{
	{[]string{"lol", "lmao", "haha", "rofl"}, "😂"},
	{[]string{"thanks", "thank you", "thx", "ty "}, "🙏"},
	{[]string{"love", "<3"}, "❤️"},
	{[]string{"congrat", " gg ", " won ", "finally did"}, "🎉"},
	{[]string{"sad", "sorry", "rip", "miss "}, "😢"},
	{[]string{"wow", "whoa", "omg", "no way"}, "😮"},
	{[]string{"fire", "hot", "spicy"}, "🔥"},
}

var fallbackReactions = []string{"👍", "👀", "✨"}

// Reaction decides whether to attach an emoji to a human message. It is
// independent of whether anyone replies.
func (e *Engine) Reaction(msg chat.Message) (string, bool) {
	if msg.Automated() || strings.TrimSpace(msg.Content) == "" {
		return "", false
	}
	if e.rng.Float64() >= e.cfg.ReactionChance {
		return "", false
	}
	lower := " " + strings.ToLower(msg.Content) + " "
	for _, r := range reactionRules {
		for _, w := range r.words {
			if strings.Contains(lower, w) {
				return r.emoji, true
			}
		}
	}
	return fallbackReactions[e.rng.Intn(len(fallbackReactions))], true
}
