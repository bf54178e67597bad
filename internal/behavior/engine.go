// Package behavior decides what personas do on their own: lull remarks,
// reactions, jumping into conversations they care about, and the moods and
// conflicts that color how they speak.
package behavior

import (
	"context"
	"time"

	"github.com/keshon/chorus/internal/ai"
	"github.com/keshon/chorus/internal/channel"
	"github.com/keshon/chorus/internal/chat"
	"github.com/keshon/chorus/internal/config"
	"github.com/keshon/chorus/internal/logging"
	"github.com/keshon/chorus/internal/persona"
	"github.com/keshon/chorus/internal/relationship"
	"github.com/keshon/chorus/internal/trigger"
	"github.com/keshon/chorus/pkg/util"
	"github.com/rs/zerolog"
)

// typicalSilenceFactor turns a channel's median gap into its lull threshold.
const typicalSilenceFactor = 8

// ActionKind is an autonomous action the engine asks for.
type ActionKind int

const (
	ActionAmbient ActionKind = iota + 1
	ActionEnvironment
)

func (k ActionKind) String() string {
	switch k {
	case ActionAmbient:
		return "ambient"
	case ActionEnvironment:
		return "environment"
	default:
		return "unknown"
	}
}

// Action asks a persona to speak unprompted in a channel.
type Action struct {
	Kind      ActionKind
	ChannelID string
	Persona   *persona.Persona
	Event     *chat.Event
}

// Reason maps the action onto the trigger reason used for dispatch.
func (a Action) Reason() trigger.Reason {
	switch a.Kind {
	case ActionAmbient:
		return trigger.ReasonAmbient
	case ActionEnvironment:
		return trigger.ReasonEnvironment
	default:
		return trigger.ReasonNone
	}
}

// Engine owns the per-channel behavior state machine and persona moods.
type Engine struct {
	cfg      config.BehaviorConfig
	ambient  map[string]bool
	rng      util.Random
	oracle   ai.Oracle
	profiles *channel.Profiles
	ledger   *relationship.Ledger
	moods    *Moods
	log      zerolog.Logger
}

// NewEngine creates an engine. oracle may be nil, in which case every
// oracle-gated action is suppressed. profiles may be nil to use fixed
// thresholds everywhere.
func NewEngine(cfg config.BehaviorConfig, ambientChannels []string, rng util.Random, oracle ai.Oracle,
	profiles *channel.Profiles, ledger *relationship.Ledger) *Engine {
	amb := make(map[string]bool, len(ambientChannels))
	for _, id := range ambientChannels {
		amb[id] = true
	}
	if cfg.OracleContextMessages <= 0 {
		cfg.OracleContextMessages = 6
	}
	return &Engine{
		cfg:      cfg,
		ambient:  amb,
		rng:      rng,
		oracle:   oracle,
		profiles: profiles,
		ledger:   ledger,
		moods:    NewMoods(),
		log:      logging.Component("behavior"),
	}
}

// Moods exposes the persona mood table.
func (e *Engine) Moods() *Moods { return e.moods }

// IsAmbientChannel reports whether the channel gets the ambient-channel odds.
func (e *Engine) IsAmbientChannel(channelID string) bool { return e.ambient[channelID] }

func (e *Engine) modulation(channelID string, now time.Time) channel.Modulation {
	if e.profiles == nil {
		return channel.Modulation{Phase: channel.PhaseUnknown, ProbabilityFactor: 1, CooldownFactor: 1}
	}
	return e.profiles.Modulation(channelID, now)
}

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(float64(d) * f)
}

// LullThreshold is how long a channel must be silent before it counts as
// a lull. Learned channels use a multiple of their typical gap kept inside
// [LullMin, LullMax]; others use LullMin.
func (e *Engine) LullThreshold(channelID string, mod channel.Modulation) time.Duration {
	base := e.cfg.LullMin
	if e.profiles != nil {
		if typical := e.profiles.TypicalSilence(channelID); typical > 0 {
			base = typical * typicalSilenceFactor
			if base < e.cfg.LullMin {
				base = e.cfg.LullMin
			}
			if e.cfg.LullMax > 0 && base > e.cfg.LullMax {
				base = e.cfg.LullMax
			}
		}
	}
	return scale(base, mod.CooldownFactor)
}

func (e *Engine) lullChance(channelID string, mod channel.Modulation) float64 {
	chance := e.cfg.LullChance
	if e.ambient[channelID] {
		chance = e.cfg.AmbientChannelLullChance
	}
	return util.Clamp01(chance * mod.ProbabilityFactor)
}

// Tick advances one channel's state machine. It returns an ambient action
// when the channel just fell into a lull, the roll succeeded and the
// oracle confirmed humans are around.
func (e *Engine) Tick(ctx context.Context, state *channel.State, roster *persona.Roster, now time.Time) (Action, bool) {
	snap := state.Snapshot()
	if snap.LastMessageAt.IsZero() {
		return Action{}, false
	}
	mod := e.modulation(snap.ChannelID, now)
	gap := scale(e.cfg.AmbientMinGap, mod.CooldownFactor)

	switch snap.Mode {
	case channel.ModeActive:
		if now.Sub(snap.LastMessageAt) < e.LullThreshold(snap.ChannelID, mod) {
			return Action{}, false
		}
		if !snap.LastAmbientAt.IsZero() && now.Sub(snap.LastAmbientAt) < gap {
			return Action{}, false
		}
		state.SetMode(channel.ModeLull, now)

		log := e.log.With().Str("channel", snap.ChannelID).Str("phase", string(mod.Phase)).Logger()
		chance := e.lullChance(snap.ChannelID, mod)
		if e.rng.Float64() >= chance {
			log.Debug().Float64("chance", chance).Msg("lull entered, staying quiet")
			return Action{}, false
		}
		if roster == nil || roster.Len() == 0 {
			return Action{}, false
		}
		if !e.humansAround(ctx, snap) {
			return Action{}, false
		}
		all := roster.All()
		p := all[e.rng.Intn(len(all))]
		log.Info().Str("persona", p.ID).Msg("ambient remark")
		return Action{Kind: ActionAmbient, ChannelID: snap.ChannelID, Persona: p}, true

	case channel.ModeAmbientCooldown:
		if now.Sub(snap.LastAmbientAt) >= gap {
			state.SetMode(channel.ModeLull, now)
		}
	}
	return Action{}, false
}

const humansQuestion = "Has a human taken part in this conversation recently, " +
	"or is it only bots talking to each other? Answer YES if a human is engaged."

// humansAround is the ambient gate. It never lets a remark through without
// a yes from the oracle.
func (e *Engine) humansAround(ctx context.Context, snap channel.Snapshot) bool {
	recent := snap.Recent(e.cfg.OracleContextMessages)
	human := false
	for _, h := range recent {
		if h.Human {
			human = true
			break
		}
	}
	log := e.log.With().Str("channel", snap.ChannelID).Logger()
	if !human {
		log.Info().Msg("ambient suppressed: no human in recent messages")
		return false
	}
	if e.oracle == nil {
		log.Warn().Msg("ambient suppressed: no oracle configured")
		return false
	}
	v, err := e.oracle.Decide(ctx, humansQuestion, recent)
	if err != nil {
		log.Warn().Err(err).Msg("ambient suppressed: oracle failed")
		return false
	}
	if !v.Yes {
		log.Info().Str("verdict", v.Reason).Msg("ambient suppressed: channel is bot-dominated")
		return false
	}
	return true
}

// Environment decides whether a persona remarks on ev.
func (e *Engine) Environment(ev chat.Event, roster *persona.Roster) (Action, bool) {
	if roster == nil || roster.Len() == 0 {
		return Action{}, false
	}
	if e.rng.Float64() >= e.cfg.EnvironmentChance {
		return Action{}, false
	}
	all := roster.All()
	p := all[e.rng.Intn(len(all))]
	e.log.Info().Str("channel", ev.ChannelID).Str("event", ev.Kind.String()).Str("persona", p.ID).Msg("environment remark")
	return Action{Kind: ActionEnvironment, ChannelID: ev.ChannelID, Persona: p, Event: &ev}, true
}
