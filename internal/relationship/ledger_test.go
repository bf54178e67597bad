package relationship

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/keshon/chorus/internal/chat"
	"github.com/keshon/chorus/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newLedger(t *testing.T) (*Ledger, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLedger(nil)
	l.Now = c.now
	l.lastDecay = c.t
	return l, c
}

func TestPairIsUnordered(t *testing.T) {
	assert.Equal(t, NewPair("b", "a"), NewPair("a", "b"))
	assert.Equal(t, "a_b", NewPair("b", "a").Key())
	assert.Equal(t, "b", NewPair("a", "b").Other("a"))
}

func TestBanterChanceScenario(t *testing.T) {
	l, _ := newLedger(t)
	assert.Equal(t, 0, l.GetAffinity("vivec", "dagoth"))
	assert.InDelta(t, 0.05, l.BanterChance("vivec", "dagoth"), 1e-9)

	for i := 0; i < 50; i++ {
		l.RecordInteraction("vivec", "dagoth", DefaultDelta, "")
	}
	assert.Equal(t, 100, l.GetAffinity("dagoth", "vivec"))
	assert.InDelta(t, 0.20, l.BanterChance("vivec", "dagoth"), 1e-9)

	rec, ok := l.Get("vivec", "dagoth")
	require.True(t, ok)
	assert.Equal(t, 50, rec.InteractionCount)
	assert.Equal(t, StageConfidant, rec.Stage())
}

func TestAffinityStaysInRange(t *testing.T) {
	l, _ := newLedger(t)
	for _, d := range []int{-10, 250, -3, 40, -999, 7} {
		rec := l.RecordInteraction("a", "b", d, "")
		assert.GreaterOrEqual(t, rec.Affinity, 0)
		assert.LessOrEqual(t, rec.Affinity, MaxAffinity)
	}
}

func TestBanterChanceMonotonic(t *testing.T) {
	l, _ := newLedger(t)
	prev := l.BanterChance("a", "b")
	for i := 0; i < 60; i++ {
		l.RecordInteraction("a", "b", 2, "")
		cur := l.BanterChance("a", "b")
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestSharedMemoriesAreBounded(t *testing.T) {
	l, _ := newLedger(t)
	for i := 0; i < 13; i++ {
		l.RecordInteraction("a", "b", 1, fmt.Sprintf("memory %d", i))
	}
	rec, _ := l.Get("a", "b")
	require.Len(t, rec.SharedMemories, MemoryCapacity)
	assert.Equal(t, "memory 3", rec.SharedMemories[0].Text)
	assert.Equal(t, "memory 12", rec.SharedMemories[9].Text)
}

func TestConflictScenario(t *testing.T) {
	l, _ := newLedger(t)
	l.EscalateConflict("a", "b", "tea", DefaultEscalation)
	l.EscalateConflict("a", "b", "tea", DefaultEscalation)

	mod := l.GetConflictModifier("b", "a")
	assert.InDelta(t, 0.4, mod.Severity, 1e-9)
	assert.InDelta(t, 0.68, mod.BanterMultiplier, 1e-9)
	assert.Equal(t, "in disagreement", mod.PromptModifier)
	assert.InDelta(t, 0.05*0.68, l.FinalBanterChance("a", "b"), 1e-9)
}

func TestConflictModifierBands(t *testing.T) {
	tests := []struct {
		severity float64
		want     string
	}{
		{0.1, "slightly tense"},
		{0.39, "slightly tense"},
		{0.4, "in disagreement"},
		{0.7, "in disagreement"},
		{0.71, "in strong disagreement"},
		{1, "in strong disagreement"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ModifierFor(&Conflict{Severity: tt.severity}).PromptModifier, tt.severity)
	}
	none := ModifierFor(nil)
	assert.Equal(t, 1.0, none.BanterMultiplier)
	assert.Empty(t, none.PromptModifier)
}

func TestSeverityCapped(t *testing.T) {
	l, _ := newLedger(t)
	for i := 0; i < 10; i++ {
		s := l.EscalateConflict("a", "b", "x", 0.3)
		assert.LessOrEqual(t, s, 1.0)
	}
	assert.Equal(t, 1.0, l.GetConflictModifier("a", "b").Severity)
}

func TestDecayResolvesExactly(t *testing.T) {
	l, c := newLedger(t)
	c.advance(time.Second)
	l.EscalateConflict("a", "b", "tea", 0.2)
	l.EscalateConflict("a", "b", "tea", 0.2)

	c.advance(time.Minute)
	assert.Empty(t, l.DecayConflicts(0.1), "mentioned since the last tick, skipped")
	assert.InDelta(t, 0.4, l.GetConflictModifier("a", "b").Severity, 1e-9)

	var resolved []Pair
	for i := 0; i < 4; i++ {
		c.advance(time.Minute)
		resolved = l.DecayConflicts(0.1)
		sev := l.GetConflictModifier("a", "b").Severity
		assert.GreaterOrEqual(t, sev, 0.0)
	}
	assert.Equal(t, []Pair{NewPair("a", "b")}, resolved)
	rec, _ := l.Get("a", "b")
	assert.Nil(t, rec.Conflict)

	c.advance(time.Minute)
	assert.Empty(t, l.DecayConflicts(0.1))
}

func TestMentionPausesDecay(t *testing.T) {
	l, c := newLedger(t)
	c.advance(time.Second)
	l.EscalateConflict("a", "b", "tea", 0.5)
	c.advance(time.Minute)
	l.DecayConflicts(0.1)

	c.advance(30 * time.Second)
	l.EscalateConflict("a", "b", "tea", 0.0)
	c.advance(30 * time.Second)
	l.DecayConflicts(0.1)
	assert.InDelta(t, 0.5, l.GetConflictModifier("a", "b").Severity, 1e-9)

	c.advance(time.Minute)
	l.DecayConflicts(0.1)
	assert.InDelta(t, 0.4, l.GetConflictModifier("a", "b").Severity, 1e-9)
}

func TestConflictTriggers(t *testing.T) {
	l, _ := newLedger(t)
	_, ok := l.DetectConflictTrigger("a", "b", []string{"tea"})
	assert.False(t, ok)

	l.SetConflictTriggers("b", "a", []string{" Tea ", "politics", "tea"})
	topic, ok := l.DetectConflictTrigger("a", "b", []string{"weather", "TEA"})
	require.True(t, ok)
	assert.Equal(t, "tea", topic)

	rec, _ := l.Get("a", "b")
	assert.Equal(t, []string{"tea", "politics"}, rec.ConflictTriggers)
}

func TestToneDelta(t *testing.T) {
	assert.Equal(t, 3, ToneDelta(chat.TonePositive))
	assert.Equal(t, 1, ToneDelta(chat.ToneNeutral))
	assert.Equal(t, -2, ToneDelta(chat.ToneNegative))
	assert.Equal(t, -4, ToneDelta(chat.ToneAggressive))
}

func TestStages(t *testing.T) {
	assert.Equal(t, StageStranger, StageFor(0))
	assert.Equal(t, StageStranger, StageFor(19))
	assert.Equal(t, StageAcquaintance, StageFor(20))
	assert.Equal(t, StageFriend, StageFor(59))
	assert.Equal(t, StageCloseFriend, StageFor(60))
	assert.Equal(t, StageConfidant, StageFor(80))
}

func TestContextFor(t *testing.T) {
	l, _ := newLedger(t)
	assert.Empty(t, l.ContextFor("a", "b", "Bob"))

	for i := 0; i < 25; i++ {
		l.RecordInteraction("a", "b", 2, "")
	}
	l.RecordInteraction("a", "b", 0, "the ash storm")
	l.EscalateConflict("a", "b", "tea", 0.8)

	text := l.ContextFor("a", "b", "Bob")
	assert.Contains(t, text, "You and Bob are friends.")
	assert.Contains(t, text, "the ash storm")
	assert.NotContains(t, text, "50")

	assert.Equal(t, "You are currently in strong disagreement with Bob about tea.", l.ConflictLine("a", "b", "Bob"))
	assert.Empty(t, l.ConflictLine("a", "c", "Cid"))
}

func TestConcurrentInteractionsDoNotLoseUpdates(t *testing.T) {
	l, _ := newLedger(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.RecordInteraction("a", "b", 1, "")
		}()
	}
	wg.Wait()
	rec, _ := l.Get("a", "b")
	assert.Equal(t, 20, rec.InteractionCount)
	assert.Equal(t, 20, rec.Affinity)
}

func TestFlushLoadDelete(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewFile(filepath.Join(t.TempDir(), "r.json"), 0)
	require.NoError(t, err)
	defer backend.Close()

	l := NewLedger(backend)
	l.RecordInteraction("a", "b", 10, "met")
	l.EscalateConflict("a", "c", "tea", 0.3)
	assert.Equal(t, 2, l.Flush(ctx))
	assert.Equal(t, 0, l.Flush(ctx), "nothing dirty")

	again := NewLedger(backend)
	n, err := again.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 10, again.GetAffinity("b", "a"))
	assert.InDelta(t, 0.3, again.GetConflictModifier("c", "a").Severity, 1e-9)

	ok, err := again.Delete(ctx, "a", "b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, again.GetAffinity("a", "b"))

	third := NewLedger(backend)
	n, err = third.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeleteRetiresHeldEntries(t *testing.T) {
	l, _ := newLedger(t)
	l.RecordInteraction("vivec", "dagoth", 10, "")
	held := l.entryFor(NewPair("vivec", "dagoth"))

	ok, err := l.Delete(context.Background(), "dagoth", "vivec")
	require.NoError(t, err)
	assert.True(t, ok)

	rec := l.RecordInteraction("vivec", "dagoth", 3, "")
	assert.Equal(t, 3, rec.Affinity, "a fresh record is started")
	got, ok := l.Get("dagoth", "vivec")
	require.True(t, ok)
	assert.Equal(t, 3, got.Affinity)

	held.mu.Lock()
	defer held.mu.Unlock()
	assert.True(t, held.deleted)
	assert.Equal(t, 10, held.rec.Affinity, "the retired entry is never touched again")
}

func TestDeleteDuringWritesPersistsConsistently(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewFile(filepath.Join(t.TempDir(), "relationships.json"), 0)
	require.NoError(t, err)
	defer backend.Close()
	l := NewLedger(backend)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.RecordInteraction("vivec", "dagoth", 1, "")
			}
		}()
	}
	for i := 0; i < 10; i++ {
		_, err := l.Delete(ctx, "vivec", "dagoth")
		require.NoError(t, err)
		l.Flush(ctx)
	}
	wg.Wait()
	l.Flush(ctx)

	_, inMemory := l.Get("vivec", "dagoth")
	_, persisted, err := backend.Get(ctx, storage.NamespaceRelationships+"dagoth_vivec")
	require.NoError(t, err)
	assert.Equal(t, inMemory, persisted)
}
