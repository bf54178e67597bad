// Package relationship tracks how personas regard each other and the
// users they talk to.
package relationship

import (
	"strings"
	"time"

	"github.com/keshon/chorus/internal/chat"
)

const (
	MaxAffinity       = 100
	MemoryCapacity    = 10
	DefaultDelta      = 2
	DefaultEscalation = 0.2
	DefaultDecayRate  = 0.1

	banterBase   = 0.05
	banterSpread = 0.15

	// resolvedEpsilon absorbs float error so that n equal decays of an
	// n-step escalation land exactly on "resolved".
	resolvedEpsilon = 1e-9
)

// Pair is an unordered pair of participant ids, stored sorted.
type Pair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NewPair orders the ids so (a,b) and (b,a) are the same pair.
func NewPair(a, b string) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}

// Key is the stable storage key of the pair.
func (p Pair) Key() string { return p.A + "_" + p.B }

// Other returns the member of the pair that is not id.
func (p Pair) Other(id string) string {
	if p.A == id {
		return p.B
	}
	return p.A
}

// Stage is derived from affinity and never stored.
type Stage string

const (
	StageStranger     Stage = "stranger"
	StageAcquaintance Stage = "acquaintance"
	StageFriend       Stage = "friend"
	StageCloseFriend  Stage = "close friend"
	StageConfidant    Stage = "confidant"
)

// StageFor maps affinity onto a stage.
func StageFor(affinity int) Stage {
	switch {
	case affinity < 20:
		return StageStranger
	case affinity < 40:
		return StageAcquaintance
	case affinity < 60:
		return StageFriend
	case affinity < 80:
		return StageCloseFriend
	default:
		return StageConfidant
	}
}

// Conflict is a topic-scoped tension between two parties.
type Conflict struct {
	Topic         string    `json:"topic"`
	Severity      float64   `json:"severity"`
	StartedAt     time.Time `json:"started_at"`
	LastMentionAt time.Time `json:"last_mention_at"`
}

// Memory is one shared moment.
type Memory struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Record is the persisted state of one pair.
type Record struct {
	Pair              Pair      `json:"pair"`
	Affinity          int       `json:"affinity"`
	InteractionCount  int       `json:"interaction_count"`
	Conflict          *Conflict `json:"conflict,omitempty"`
	ConflictTriggers  []string  `json:"conflict_triggers,omitempty"`
	SharedMemories    []Memory  `json:"shared_memories,omitempty"`
	LastInteractionAt time.Time `json:"last_interaction_at"`
}

// Stage of the record.
func (r Record) Stage() Stage { return StageFor(r.Affinity) }

func (r Record) clone() Record {
	out := r
	if r.Conflict != nil {
		c := *r.Conflict
		out.Conflict = &c
	}
	out.ConflictTriggers = append([]string(nil), r.ConflictTriggers...)
	out.SharedMemories = append([]Memory(nil), r.SharedMemories...)
	return out
}

// ConflictModifier is how an active conflict bends behavior and prompts.
type ConflictModifier struct {
	BanterMultiplier float64
	PromptModifier   string
	Severity         float64
	Topic            string
}

// ModifierFor computes the modifier of a conflict; nil means no conflict.
func ModifierFor(c *Conflict) ConflictModifier {
	if c == nil || c.Severity <= 0 {
		return ConflictModifier{BanterMultiplier: 1}
	}
	m := ConflictModifier{
		BanterMultiplier: 1 - c.Severity*0.8,
		Severity:         c.Severity,
		Topic:            c.Topic,
	}
	switch {
	case c.Severity < 0.4:
		m.PromptModifier = "slightly tense"
	case c.Severity <= 0.7:
		m.PromptModifier = "in disagreement"
	default:
		m.PromptModifier = "in strong disagreement"
	}
	return m
}

// ToneDelta is the affinity change a persona feels toward a user after a
// message of the given tone.
func ToneDelta(t chat.Tone) int {
	switch t {
	case chat.TonePositive:
		return 3
	case chat.ToneNegative:
		return -2
	case chat.ToneAggressive:
		return -4
	default:
		return 1
	}
}

func clampAffinity(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxAffinity {
		return MaxAffinity
	}
	return v
}

func clampSeverity(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func normalizeTopics(topics []string) []string {
	var out []string
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		dup := false
		for _, o := range out {
			if o == t {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, t)
		}
	}
	return out
}
