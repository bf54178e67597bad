// Package router picks the persona that answers a triggered message.
package router

import (
	"errors"
	"slices"
	"time"

	"github.com/keshon/chorus/internal/channel"
	"github.com/keshon/chorus/internal/logging"
	"github.com/keshon/chorus/internal/persona"
	"github.com/keshon/chorus/internal/trigger"
	"github.com/keshon/chorus/pkg/util"
	"github.com/rs/zerolog"
)

// DefaultStickyWindow is how long a persona keeps the floor after speaking.
const DefaultStickyWindow = 5 * time.Minute

// ErrNoCandidate is returned when every persona is excluded or the roster is empty.
var ErrNoCandidate = errors.New("no persona available")

// Step names the rule that chose the persona.
type Step string

const (
	StepHint      Step = "hint"
	StepFullName  Step = "full_name"
	StepFirstName Step = "first_name"
	StepSticky    Step = "sticky"
	StepRandom    Step = "random"
)

// Router selects personas and owns sticky state updates.
type Router struct {
	rng    util.Random
	window time.Duration
	log    zerolog.Logger
}

// New creates a router. window <= 0 uses DefaultStickyWindow.
func New(rng util.Random, window time.Duration) *Router {
	if rng == nil {
		rng = util.NewRandom(0)
	}
	if window <= 0 {
		window = DefaultStickyWindow
	}
	return &Router{rng: rng, window: window, log: logging.Component("router")}
}

// Select picks who answers content. Personas in d.Exclude are never chosen.
func (r *Router) Select(content string, snap channel.Snapshot, roster *persona.Roster, d trigger.Decision, now time.Time) (*persona.Persona, Step, error) {
	if roster == nil {
		return nil, "", ErrNoCandidate
	}
	allowed := func(id string) bool { return !slices.Contains(d.Exclude, id) }

	if d.PersonaHint != "" && allowed(d.PersonaHint) {
		if p, ok := roster.Get(d.PersonaHint); ok {
			return p, StepHint, nil
		}
	}
	if p, ok := roster.MatchFullName(content, d.Exclude...); ok {
		return p, StepFullName, nil
	}
	if p, ok := roster.MatchFirstName(content, d.Exclude...); ok {
		return p, StepFirstName, nil
	}
	if id, ok := snap.StickyAt(now); ok && allowed(id) {
		if p, ok := roster.Get(id); ok {
			return p, StepSticky, nil
		}
	}

	candidates := roster.Without(d.Exclude...)
	if len(candidates) == 0 {
		return nil, "", ErrNoCandidate
	}
	return candidates[r.rng.Intn(len(candidates))], StepRandom, nil
}

// RecordResponse gives p the floor in the channel for the sticky window.
// It is the only writer of sticky state.
func (r *Router) RecordResponse(state *channel.State, p *persona.Persona, now time.Time) {
	until := now.Add(r.window)
	state.SetSticky(p.ID, until)
	r.log.Debug().Str("channel", state.ChannelID).Str("persona", p.ID).Time("until", until).Msg("sticky persona set")
}
