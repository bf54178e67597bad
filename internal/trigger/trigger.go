// Package trigger decides whether an inbound message gets a persona reply.
package trigger

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keshon/chorus/internal/channel"
	"github.com/keshon/chorus/internal/chat"
	"github.com/keshon/chorus/internal/config"
	"github.com/keshon/chorus/internal/logging"
	"github.com/keshon/chorus/internal/persona"
	"github.com/keshon/chorus/pkg/util"
	"github.com/rs/zerolog"
)

// Reason says why a persona speaks. The set is closed; dispatch switches
// over it exhaustively.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonMention
	ReasonReplyToBot
	ReasonNameTrigger
	ReasonImageQuestion
	ReasonAutonomousInterest
	ReasonConversationContinuation
	ReasonAmbient
	ReasonEnvironment
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonMention:
		return "mention"
	case ReasonReplyToBot:
		return "reply_to_bot"
	case ReasonNameTrigger:
		return "name_trigger"
	case ReasonImageQuestion:
		return "image_question"
	case ReasonAutonomousInterest:
		return "autonomous_interest"
	case ReasonConversationContinuation:
		return "conversation_continuation"
	case ReasonAmbient:
		return "ambient"
	case ReasonEnvironment:
		return "environment"
	default:
		return "unknown"
	}
}

// Decision is the outcome for one message.
type Decision struct {
	ShouldRespond bool
	Reason        Reason
	PersonaHint   string
	// Banter is set when a persona answers another persona; the router
	// must not pick the speaker.
	Banter bool
	// Explicit marks replies a human asked for. Failures on these paths
	// get an apology instead of silence.
	Explicit bool
	// Exclude lists personas that must not answer this message.
	Exclude []string
	// Detail names the rule that rejected the message, for logs.
	Detail string
}

func none(detail string) Decision {
	return Decision{Reason: ReasonNone, Detail: detail}
}

// Filtered reports whether a hard filter or the dedupe check dropped the
// message. Filtered messages are not part of the conversation at all.
func (d Decision) Filtered() bool {
	switch d.Detail {
	case "self", "muted", "command", "ignore_tag", "duplicate":
		return true
	}
	return false
}

// InterestChecker is asked whether some persona wants to join a human
// conversation unprompted. It may call the oracle.
type InterestChecker interface {
	CheckInterest(ctx context.Context, msg chat.Message, snap channel.Snapshot, roster *persona.Roster) (*persona.Persona, bool, error)
}

// BanterSource provides the probability that one persona answers another.
type BanterSource interface {
	FinalBanterChance(a, b string) float64
}

// deictic phrases that turn an image into a question for us.
var deicticPhrases = []string{
	"what is this", "what's this", "whats this", "what is that", "what's that",
	"who is this", "who's this", "what am i looking at", "look at this",
	"thoughts on this", "what do you think of this", "can you see this", "identify this",
}

// Evaluator applies the trigger rules in priority order. Safe for
// concurrent use across channels.
type Evaluator struct {
	cfg      config.TriggerConfig
	rng      util.Random
	interest InterestChecker
	seen     *seenSet
	selfID   atomic.Value // string
	log      zerolog.Logger
}

// NewEvaluator creates an evaluator. interest may be nil to disable rule 8.
func NewEvaluator(cfg config.TriggerConfig, rng util.Random, interest InterestChecker) *Evaluator {
	if rng == nil {
		rng = util.NewRandom(0)
	}
	if cfg.ContinuationWindow <= 0 {
		cfg.ContinuationWindow = 5 * time.Minute
	}
	e := &Evaluator{
		cfg:      cfg,
		rng:      rng,
		interest: interest,
		seen:     newSeenSet(cfg.DedupeSize),
		log:      logging.Component("trigger"),
	}
	e.selfID.Store("")
	return e
}

// SetSelfID tells the evaluator the platform user id of the bot itself.
func (e *Evaluator) SetSelfID(id string) { e.selfID.Store(id) }

// Evaluate runs the rules against msg. snap is the channel state before
// msg was observed.
func (e *Evaluator) Evaluate(ctx context.Context, msg chat.Message, snap channel.Snapshot, roster *persona.Roster, banter BanterSource) Decision {
	d := e.evaluate(ctx, msg, snap, roster, banter)
	e.log.Debug().
		Str("channel", msg.ChannelID).
		Str("message", msg.ID).
		Bool("respond", d.ShouldRespond).
		Str("reason", d.Reason.String()).
		Str("hint", d.PersonaHint).
		Str("detail", d.Detail).
		Msg("trigger evaluated")
	return d
}

func (e *Evaluator) evaluate(ctx context.Context, msg chat.Message, snap channel.Snapshot, roster *persona.Roster, banter BanterSource) Decision {
	// 1. Hard filters.
	if self, _ := e.selfID.Load().(string); self != "" && msg.AuthorID == self && msg.AuthorPersonaID == "" {
		return none("self")
	}
	if slices.Contains(e.cfg.MutedChannels, msg.ChannelID) {
		return none("muted")
	}
	content := strings.TrimSpace(msg.Content)
	for _, p := range e.cfg.CommandPrefixes {
		if p != "" && strings.HasPrefix(content, p) {
			return none("command")
		}
	}
	lower := strings.ToLower(content)
	for _, tag := range e.cfg.IgnoreTags {
		if tag != "" && strings.Contains(lower, strings.ToLower(tag)) {
			return none("ignore_tag")
		}
	}

	// 2. Idempotency.
	if msg.ID != "" && !e.seen.add(msg.ID) {
		return none("duplicate")
	}

	if roster == nil || roster.Len() == 0 {
		return none("empty_roster")
	}

	// 3. Loop guard.
	automated := msg.Automated()
	var exclude []string
	if automated {
		if msg.AuthorPersonaID != "" {
			exclude = append(exclude, msg.AuthorPersonaID)
			if len(roster.Without(exclude...)) == 0 {
				return none("self_suppressed")
			}
		}
		if e.cfg.MaxBotChain > 0 && snap.ConsecutiveBotReplies+1 > e.cfg.MaxBotChain {
			return none("chain_cap")
		}
		if e.rng.Float64() < e.cfg.LoopDecay {
			return none("loop_decay")
		}
	}
	respond := func(r Reason, hint string) Decision {
		return Decision{
			ShouldRespond: true,
			Reason:        r,
			PersonaHint:   hint,
			Banter:        msg.AuthorPersonaID != "",
			Explicit:      !automated,
			Exclude:       exclude,
		}
	}

	// 4. Mention of the bot itself.
	if msg.MentionsBot {
		return respond(ReasonMention, "")
	}

	// 5. Reply to one of our messages.
	if msg.ReplyToBot || msg.ReplyToPersonaID != "" {
		hint := msg.ReplyToPersonaID
		if hint == msg.AuthorPersonaID {
			hint = ""
		}
		if _, ok := roster.Get(hint); !ok {
			hint = ""
		}
		return respond(ReasonReplyToBot, hint)
	}

	// 6. Name trigger, longest name first.
	if p, ok := roster.MatchName(content, exclude...); ok {
		return respond(ReasonNameTrigger, p.ID)
	}

	// 7. Image plus a deictic question.
	if msg.HasImage() && containsAny(lower, deicticPhrases) {
		return respond(ReasonImageQuestion, "")
	}

	// 8. Autonomous interest, humans only.
	if !automated && e.interest != nil {
		p, ok, err := e.interest.CheckInterest(ctx, msg, snap, roster)
		if err != nil {
			e.log.Warn().Err(err).Str("channel", msg.ChannelID).Msg("interest check failed, staying quiet")
			return none("oracle_error")
		}
		if ok && p != nil {
			d := respond(ReasonAutonomousInterest, p.ID)
			d.Explicit = false
			return d
		}
	}

	// 9. Continuation of a recent bot exchange.
	if !snap.LastBotMessageAt.IsZero() && msg.At.Sub(snap.LastBotMessageAt) < e.cfg.ContinuationWindow {
		switch {
		case !automated:
			return respond(ReasonConversationContinuation, "")
		case msg.AuthorPersonaID != "" && banter != nil:
			if partner := banterPartner(snap, roster, msg.AuthorPersonaID, msg.At); partner != "" {
				chance := banter.FinalBanterChance(msg.AuthorPersonaID, partner)
				if e.rng.Float64() < chance {
					return respond(ReasonConversationContinuation, partner)
				}
			}
		}
	}

	// 10. Ambient channels.
	if slices.Contains(e.cfg.AmbientChannels, msg.ChannelID) && e.rng.Float64() < e.cfg.AmbientChance {
		d := respond(ReasonAmbient, "")
		d.Explicit = false
		return d
	}

	return none("no_rule")
}

// banterPartner picks who would answer speaker: the sticky persona, else
// the most recent other persona in history.
func banterPartner(snap channel.Snapshot, roster *persona.Roster, speaker string, now time.Time) string {
	if id, ok := snap.StickyAt(now); ok && id != speaker {
		if _, ok := roster.Get(id); ok {
			return id
		}
	}
	for i := len(snap.History) - 1; i >= 0; i-- {
		id := snap.History[i].PersonaID
		if id == "" || id == speaker {
			continue
		}
		if _, ok := roster.Get(id); ok {
			return id
		}
	}
	return ""
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

const defaultSeenCapacity = 1024

// seenSet remembers recent message ids, evicting the oldest.
type seenSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	cap   int
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}
	return &seenSet{ids: make(map[string]struct{}, capacity), cap: capacity}
}

// add records id and reports whether it was new.
func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.cap {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	return true
}
