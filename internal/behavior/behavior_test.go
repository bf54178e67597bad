package behavior

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/keshon/chorus/internal/ai"
	"github.com/keshon/chorus/internal/ai/aitest"
	"github.com/keshon/chorus/internal/channel"
	"github.com/keshon/chorus/internal/chat"
	"github.com/keshon/chorus/internal/config"
	"github.com/keshon/chorus/internal/persona"
	"github.com/keshon/chorus/internal/relationship"
	"github.com/keshon/chorus/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func testConfig() config.BehaviorConfig {
	return config.BehaviorConfig{
		ReactionChance:           0.15,
		ProactiveChance:          0.2,
		ProactiveCooldown:        10 * time.Minute,
		LullMin:                  time.Hour,
		LullMax:                  8 * time.Hour,
		AmbientMinGap:            10 * time.Minute,
		LullChance:               0.30,
		AmbientChannelLullChance: 0.1667,
		OracleContextMessages:    6,
		EnvironmentChance:        0.30,
	}
}

func testRoster() *persona.Roster {
	return persona.NewRoster([]*persona.Persona{
		{ID: "dagoth", DisplayName: "Dagoth Ur", Interests: []string{"ash", "volcano"},
			Rivalries: map[string][]string{"vivec": {"Tribunal"}}},
		{ID: "vivec", DisplayName: "Vivec", Interests: []string{"poetry"}},
	})
}

func human(id, content string, at time.Time) chat.Message {
	return chat.Message{ID: id, ChannelID: "c1", AuthorID: "u1", AuthorName: "Nerevar", Content: content, At: at}
}

func fromPersona(id, personaID, content string, at time.Time) chat.Message {
	return chat.Message{ID: id, ChannelID: "c1", AuthorID: "wh", AuthorName: personaID, AuthorIsBot: true,
		AuthorPersonaID: personaID, Content: content, At: at}
}

func TestAmbientOracleGate(t *testing.T) {
	humanChannel := func() *channel.State {
		s := channel.NewState("c1", 0)
		s.Observe(human("m1", "anyone around tonight?", t0), nil)
		return s
	}
	botChannel := func() *channel.State {
		s := channel.NewState("c1", 0)
		s.Observe(fromPersona("m1", "vivec", "the stars are loud", t0), nil)
		s.Observe(fromPersona("m2", "dagoth", "they always are", t0.Add(time.Second)), nil)
		return s
	}

	tests := []struct {
		name        string
		state       func() *channel.State
		oracle      ai.Oracle
		rolls       []float64
		want        bool
		oracleCalls int
	}{
		{"humans present and confirmed", humanChannel, aitest.Yes(), []float64{0.1, 0}, true, 1},
		{"oracle says bot dominated", humanChannel, aitest.No(), []float64{0.1}, false, 1},
		{"oracle error fails closed", humanChannel, &aitest.Oracle{Verdict: ai.Verdict{Yes: true}, Err: errors.New("timeout")}, []float64{0.1}, false, 1},
		{"oracle deadline fails closed", humanChannel, ai.NewOracle(&aitest.Generator{Block: make(chan struct{})}, "", 60, 20*time.Millisecond), []float64{0.1}, false, 0},
		{"no human skips the oracle", botChannel, aitest.Yes(), []float64{0.1}, false, 0},
		{"missing roll skips the oracle", humanChannel, aitest.Yes(), []float64{0.5}, false, 0},
		{"no oracle suppresses", humanChannel, nil, []float64{0.1}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(testConfig(), nil, util.Sequence(tt.rolls...), tt.oracle, nil, nil)
			state := tt.state()
			act, ok := e.Tick(context.Background(), state, testRoster(), t0.Add(2*time.Hour))
			assert.Equal(t, tt.want, ok)
			if ok {
				assert.Equal(t, ActionAmbient, act.Kind)
				assert.Equal(t, "c1", act.ChannelID)
				assert.Equal(t, "dagoth", act.Persona.ID)
			}
			if o, isScripted := tt.oracle.(*aitest.Oracle); isScripted {
				assert.Equal(t, tt.oracleCalls, o.Calls())
			}
			mode, _ := state.Mode()
			assert.Equal(t, channel.ModeLull, mode, "the lull is entered whatever the roll")
		})
	}
}

func TestAmbientGateSeesRecentMessagesOnly(t *testing.T) {
	cfg := testConfig()
	cfg.OracleContextMessages = 3
	state := channel.NewState("c1", 0)
	state.Observe(human("m0", "hello", t0), nil)
	for i, id := range []string{"m1", "m2", "m3"} {
		state.Observe(fromPersona(id, "vivec", "hm", t0.Add(time.Duration(i+1)*time.Second)), nil)
	}
	oracle := aitest.Yes()
	e := NewEngine(cfg, nil, util.Sequence(0.1), oracle, nil, nil)

	_, ok := e.Tick(context.Background(), state, testRoster(), t0.Add(2*time.Hour))
	assert.False(t, ok)
	assert.Zero(t, oracle.Calls(), "the human is older than the last three messages")
}

func TestAmbientChannelOdds(t *testing.T) {
	for _, tt := range []struct {
		channel string
		want    bool
	}{
		{"c1", true},
		{"lounge", false},
	} {
		t.Run(tt.channel, func(t *testing.T) {
			e := NewEngine(testConfig(), []string{"lounge"}, util.Sequence(0.2, 0), aitest.Yes(), nil, nil)
			state := channel.NewState(tt.channel, 0)
			msg := human("m1", "quiet here", t0)
			msg.ChannelID = tt.channel
			state.Observe(msg, nil)
			_, ok := e.Tick(context.Background(), state, testRoster(), t0.Add(2*time.Hour))
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestTickStateMachine(t *testing.T) {
	rng := util.Sequence(0.1, 0)
	e := NewEngine(testConfig(), nil, rng, aitest.Yes(), nil, nil)
	state := channel.NewState("c1", 0)
	roster := testRoster()
	ctx := context.Background()

	_, ok := e.Tick(ctx, state, roster, t0)
	assert.False(t, ok, "a channel nobody spoke in has no lull")

	state.Observe(human("m1", "brb", t0), nil)
	_, ok = e.Tick(ctx, state, roster, t0.Add(59*time.Minute))
	assert.False(t, ok)
	assert.Zero(t, rng.Draws())
	mode, _ := state.Mode()
	assert.Equal(t, channel.ModeActive, mode)

	lull := t0.Add(time.Hour)
	_, ok = e.Tick(ctx, state, roster, lull)
	require.True(t, ok)
	state.MarkAmbient(lull)

	_, ok = e.Tick(ctx, state, roster, lull.Add(5*time.Minute))
	assert.False(t, ok)
	mode, _ = state.Mode()
	assert.Equal(t, channel.ModeAmbientCooldown, mode)

	_, ok = e.Tick(ctx, state, roster, lull.Add(10*time.Minute))
	assert.False(t, ok)
	mode, _ = state.Mode()
	assert.Equal(t, channel.ModeLull, mode)

	draws := rng.Draws()
	_, ok = e.Tick(ctx, state, roster, lull.Add(5*time.Hour))
	assert.False(t, ok, "a lull only rolls once")
	assert.Equal(t, draws, rng.Draws())

	state.Observe(human("m2", "back", lull.Add(6*time.Hour)), nil)
	mode, _ = state.Mode()
	assert.Equal(t, channel.ModeActive, mode)
}

func TestAmbientMinGapSinceLastRemark(t *testing.T) {
	rng := util.Sequence(0.1, 0)
	cfg := testConfig()
	cfg.LullMin = time.Minute
	e := NewEngine(cfg, nil, rng, aitest.Yes(), nil, nil)
	state := channel.NewState("c1", 0)
	state.MarkAmbient(t0)
	state.Observe(human("m1", "heh", t0.Add(time.Minute)), nil)

	_, ok := e.Tick(context.Background(), state, testRoster(), t0.Add(3*time.Minute))
	assert.False(t, ok)
	assert.Zero(t, rng.Draws())

	_, ok = e.Tick(context.Background(), state, testRoster(), t0.Add(11*time.Minute))
	assert.True(t, ok)
}

func TestLullThreshold(t *testing.T) {
	flat := channel.Modulation{ProbabilityFactor: 1, CooldownFactor: 1}

	e := NewEngine(testConfig(), nil, util.Sequence(), nil, nil, nil)
	assert.Equal(t, time.Hour, e.LullThreshold("c1", flat))
	assert.Equal(t, 90*time.Minute, e.LullThreshold("c1", channel.Modulation{CooldownFactor: 1.5}))

	profiles := channel.NewProfiles(nil, time.UTC)
	e = NewEngine(testConfig(), nil, util.Sequence(), nil, profiles, nil)
	for i := 0; i < 5; i++ {
		profiles.Observe("c1", t0.Add(time.Duration(i)*20*time.Minute))
	}
	assert.Equal(t, 160*time.Minute, e.LullThreshold("c1", flat))

	for i := 0; i < 5; i++ {
		profiles.Observe("c2", t0.Add(time.Duration(i)*2*time.Hour))
	}
	assert.Equal(t, 8*time.Hour, e.LullThreshold("c2", flat), "capped at the maximum")

	for i := 0; i < 5; i++ {
		profiles.Observe("c3", t0.Add(time.Duration(i)*time.Minute))
	}
	assert.Equal(t, time.Hour, e.LullThreshold("c3", flat), "never below the minimum")
}

func TestPeakHoursDelayAndDampenAmbient(t *testing.T) {
	cfg := testConfig()
	cfg.LullMin = 10 * time.Minute
	profiles := channel.NewProfiles(nil, time.UTC)
	state := channel.NewState("c1", 0)
	var last time.Time
	for i := 0; i < 60; i++ {
		last = t0.Add(time.Duration(i) * 30 * time.Second)
		profiles.Observe("c1", last)
		state.Observe(human("", "busy", last), nil)
	}
	require.Equal(t, channel.PhasePeak, profiles.Modulation("c1", last).Phase)

	rng := util.Sequence(0.25)
	oracle := aitest.Yes()
	e := NewEngine(cfg, nil, rng, oracle, profiles, nil)

	_, ok := e.Tick(context.Background(), state, testRoster(), last.Add(12*time.Minute+30*time.Second))
	assert.False(t, ok)
	assert.Zero(t, rng.Draws(), "peak stretches the 10m threshold to 15m")

	_, ok = e.Tick(context.Background(), state, testRoster(), last.Add(15*time.Minute+30*time.Second))
	assert.False(t, ok, "0.25 misses the dampened 0.225 chance")
	assert.Equal(t, 1, rng.Draws())
	assert.Zero(t, oracle.Calls())
}

func TestEnvironment(t *testing.T) {
	ev := chat.Event{Kind: chat.EventMemberJoined, ChannelID: "c1", UserID: "u9", UserName: "Azura", At: t0}

	e := NewEngine(testConfig(), nil, util.Sequence(0.2, 0.9), nil, nil, nil)
	act, ok := e.Environment(ev, testRoster())
	require.True(t, ok)
	assert.Equal(t, ActionEnvironment, act.Kind)
	assert.Equal(t, "vivec", act.Persona.ID)
	require.NotNil(t, act.Event)
	assert.Equal(t, "Azura", act.Event.UserName)
	assert.Equal(t, "environment", act.Reason().String())

	e = NewEngine(testConfig(), nil, util.Sequence(0.3), nil, nil, nil)
	_, ok = e.Environment(ev, testRoster())
	assert.False(t, ok)

	_, ok = e.Environment(ev, persona.NewRoster(nil))
	assert.False(t, ok)
}

func TestReaction(t *testing.T) {
	tests := []struct {
		name  string
		msg   chat.Message
		rolls []float64
		want  string
		ok    bool
	}{
		{"keyword", human("m1", "lol that is perfect", t0), []float64{0.1}, "😂", true},
		{"thanks", human("m1", "Thanks a lot!", t0), []float64{0.1}, "🙏", true},
		{"fallback", human("m1", "the market opens at nine", t0), []float64{0.1, 0.5}, "👀", true},
		{"roll missed", human("m1", "lol", t0), []float64{0.15}, "", false},
		{"bots get nothing", fromPersona("m1", "vivec", "lol", t0), []float64{0}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(testConfig(), nil, util.Sequence(tt.rolls...), nil, nil, nil)
			got, ok := e.Reaction(tt.msg)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckInterest(t *testing.T) {
	ctx := context.Background()
	msg := human("m9", "is poetry better near a volcano with all that ash?", t0)

	t.Run("best match asks the oracle", func(t *testing.T) {
		oracle := aitest.Yes()
		e := NewEngine(testConfig(), nil, util.Sequence(0.1), oracle, nil, nil)
		state := channel.NewState("c1", 0)
		state.Observe(human("m1", "evening", t0.Add(-time.Minute)), nil)

		p, ok, err := e.CheckInterest(ctx, msg, state.Snapshot(), testRoster())
		require.NoError(t, err)
		assert.True(t, ok)
		require.NotNil(t, p)
		assert.Equal(t, "dagoth", p.ID)
		require.Equal(t, 1, oracle.Calls())
		assert.Contains(t, oracle.Questions[0], "Dagoth Ur")
		ctxLines := oracle.Contexts[0]
		require.Len(t, ctxLines, 2)
		assert.Equal(t, "m9", ctxLines[1].MessageID)
	})

	t.Run("oracle declines", func(t *testing.T) {
		e := NewEngine(testConfig(), nil, util.Sequence(0.1), aitest.No(), nil, nil)
		p, ok, err := e.CheckInterest(ctx, msg, channel.Snapshot{}, testRoster())
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NotNil(t, p)
	})

	quiet := []struct {
		name string
		msg  chat.Message
		snap channel.Snapshot
		roll float64
	}{
		{"nobody cares", human("m9", "what time is the market", t0), channel.Snapshot{}, 0.1},
		{"cooldown", msg, channel.Snapshot{LastProactiveAt: t0.Add(-5 * time.Minute)}, 0.1},
		{"pre-roll missed", msg, channel.Snapshot{}, 0.2},
		{"automated author", fromPersona("m9", "vivec", msg.Content, t0), channel.Snapshot{}, 0.1},
	}
	for _, tt := range quiet {
		t.Run(tt.name, func(t *testing.T) {
			oracle := aitest.Yes()
			e := NewEngine(testConfig(), nil, util.Sequence(tt.roll), oracle, nil, nil)
			p, ok, err := e.CheckInterest(ctx, tt.msg, tt.snap, testRoster())
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Nil(t, p)
			assert.Zero(t, oracle.Calls())
		})
	}

	t.Run("cooldown over", func(t *testing.T) {
		oracle := aitest.Yes()
		e := NewEngine(testConfig(), nil, util.Sequence(0.1), oracle, nil, nil)
		_, ok, err := e.CheckInterest(ctx, msg, channel.Snapshot{LastProactiveAt: t0.Add(-10 * time.Minute)}, testRoster())
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("oracle error is returned", func(t *testing.T) {
		e := NewEngine(testConfig(), nil, util.Sequence(0.1), &aitest.Oracle{Err: ai.ErrRateLimited}, nil, nil)
		_, ok, err := e.CheckInterest(ctx, msg, channel.Snapshot{}, testRoster())
		assert.ErrorIs(t, err, ai.ErrRateLimited)
		assert.False(t, ok)
	})
}

func TestAfterResponseBanter(t *testing.T) {
	ledger := relationship.NewLedger(nil)
	e := NewEngine(testConfig(), nil, util.Sequence(), nil, nil, ledger)
	roster := testRoster()
	dagoth, _ := roster.Get("dagoth")

	trig := fromPersona("m1", "vivec", "The poetry of the sermons", t0)
	e.AfterResponse(Exchange{ChannelID: "c1", Persona: dagoth, Reply: "Your sermons are nonsense", Trigger: &trig, At: t0})

	rec, ok := ledger.Get("vivec", "dagoth")
	require.True(t, ok)
	assert.Equal(t, relationship.DefaultDelta, rec.Affinity)
	require.Len(t, rec.SharedMemories, 1)
	assert.Equal(t, "talked about sermons", rec.SharedMemories[0].Text)

	mood := e.Moods().Get("dagoth", t0)
	assert.InDelta(t, 0.15, mood.Fatigue, 1e-9)
	assert.InDelta(t, 0.1, mood.Engagement, 1e-9)
}

func TestAfterResponseUserTone(t *testing.T) {
	ledger := relationship.NewLedger(nil)
	e := NewEngine(testConfig(), nil, util.Sequence(), nil, nil, ledger)
	roster := testRoster()
	vivec, _ := roster.Get("vivec")

	warm := human("m1", "thanks, that was awesome", t0)
	e.AfterResponse(Exchange{ChannelID: "c1", Persona: vivec, Reply: "Of course.", Trigger: &warm, At: t0})
	assert.Equal(t, 3, ledger.GetAffinity("u1", "vivec"))
	assert.InDelta(t, 0.3, e.Moods().Get("vivec", t0).Joy, 1e-9)

	rude := human("m2", "YOU ARE USELESS AND SLOW", t0)
	e.AfterResponse(Exchange{ChannelID: "c1", Persona: vivec, Reply: "Noted.", Trigger: &rude, At: t0})
	assert.Equal(t, 0, ledger.GetAffinity("u1", "vivec"))
	assert.InDelta(t, 0.3, e.Moods().Get("vivec", t0).Anger, 1e-9)

	e.AfterResponse(Exchange{ChannelID: "c1", Persona: vivec, Reply: "The ash falls.", At: t0})
	rec, _ := ledger.Get("u1", "vivec")
	assert.Equal(t, 2, rec.InteractionCount, "ambient remarks touch no relationship")
}

func TestConflictLifecycle(t *testing.T) {
	ledger := relationship.NewLedger(nil)
	e := NewEngine(testConfig(), nil, util.Sequence(), nil, nil, ledger)
	roster := testRoster()
	vivec, _ := roster.Get("vivec")
	e.ApplyRivalries(roster)

	escalated := e.ObserveMessage(fromPersona("m1", "dagoth", "The Tribunal is a lie.", t0), roster)
	assert.Equal(t, []string{"vivec"}, escalated)
	assert.InDelta(t, 0.2, ledger.GetConflictModifier("vivec", "dagoth").Severity, 1e-9)

	mods := e.PromptModifiers(vivec, "dagoth", "Dagoth Ur", t0)
	assert.Contains(t, mods, "You are currently slightly tense with Dagoth Ur about tribunal.")
	assert.Empty(t, e.PromptModifiers(vivec, "", "", t0), "no counterpart, no conflict line")

	assert.Empty(t, e.ObserveMessage(human("m2", "the tribunal again?", t0), roster), "humans start no conflicts")
	assert.Empty(t, e.ObserveMessage(fromPersona("m3", "dagoth", "Ash and more ash.", t0), roster))

	var resolved []relationship.Pair
	for i := 0; i < 3 && len(resolved) == 0; i++ {
		resolved = e.DecayConflicts(0.2, t0.Add(time.Minute))
	}
	require.Len(t, resolved, 1)
	assert.Equal(t, relationship.NewPair("dagoth", "vivec"), resolved[0])
	assert.Zero(t, ledger.GetConflictModifier("dagoth", "vivec").Severity)
	assert.Empty(t, e.PromptModifiers(vivec, "dagoth", "Dagoth Ur", t0.Add(time.Minute)))
}

func TestMoods(t *testing.T) {
	ms := NewMoods()
	assert.Equal(t, Mood{}, ms.Get("nobody", t0))

	ms.Apply("vivec", MoodHostileUser, 1, t0)
	m := ms.Apply("vivec", MoodHostileUser, 1, t0)
	assert.InDelta(t, 0.6, m.Anger, 1e-9)
	assert.InDelta(t, 0.2, m.Fatigue, 1e-9)
	assert.Equal(t, "You are irritated right now and your patience is thin.", m.Phrase())

	m = ms.Get("vivec", t0.Add(250*time.Second))
	assert.InDelta(t, 0.3, m.Anger, 1e-9)
	assert.Empty(t, m.Phrase())

	for i := 0; i < 10; i++ {
		m = ms.Apply("dagoth", MoodResponded, 1, t0)
	}
	assert.Equal(t, 1.0, m.Fatigue)
	assert.Contains(t, m.Phrase(), "drained")
	assert.Contains(t, m.Phrase(), "absorbed")

	ms.Decay(t0.Add(time.Hour))
	_, ids := ms.Snapshot()
	assert.Empty(t, ids)
}
