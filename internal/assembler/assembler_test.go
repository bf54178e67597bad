package assembler

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/keshon/chorus/internal/ai"
	"github.com/keshon/chorus/internal/chat"
	"github.com/keshon/chorus/internal/knowledge"
	"github.com/keshon/chorus/internal/persona"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vivec = &persona.Persona{ID: "vivec", DisplayName: "Vivec", SystemPrompt: "You are Vivec, warrior-poet."}

// unit makes one token per character, so costs are easy to reason about.
var unit = CharCounter{CharsPerToken: 1}

func history(n int) []chat.HistoryEntry {
	out := make([]chat.HistoryEntry, n)
	for i := range out {
		out[i] = chat.HistoryEntry{AuthorName: "Ann", Content: fmt.Sprintf("message %02d", i), Human: true}
	}
	return out
}

func TestCounter(t *testing.T) {
	c := CharCounter{CharsPerToken: 4}
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("abcd"))
	assert.Equal(t, 2, c.Count("abcde"))
	assert.Equal(t, 3, c.Count("日本a"))
	assert.Equal(t, CharCounter{CharsPerToken: 4}, CounterFor("gpt-4o-mini"))
	assert.Equal(t, CharCounter{CharsPerToken: 3}, CounterFor("something-new"))
}

func TestBuildOrdersTiers(t *testing.T) {
	a := New(unit)
	hist := []chat.HistoryEntry{
		{AuthorName: "Ann", Content: "hello", Human: true},
		{AuthorName: "Vivec", PersonaID: "vivec", Content: "greetings"},
		{AuthorName: "Dagoth Ur", PersonaID: "dagothur", Content: "welcome"},
	}
	msgs, rep, err := a.Build(Input{
		Persona:             vivec,
		Modifiers:           []string{"You feel tired.", " "},
		RelationshipContext: "You and Ann are friends.",
		Knowledge:           []knowledge.Snippet{{Title: "Ghostfence", Text: "A barrier."}},
		History:             hist,
		Budget:              1000,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 5)

	assert.Equal(t, ai.RoleSystem, msgs[0].Role)
	assert.Equal(t, "You are Vivec, warrior-poet.\n\nYou feel tired.", msgs[0].Content)
	assert.Contains(t, msgs[1].Content, "You and Ann are friends.")
	assert.Contains(t, msgs[1].Content, "- Ghostfence: A barrier.")
	want := []ai.Message{
		{Role: ai.RoleUser, Content: "Ann: hello"},
		{Role: ai.RoleAssistant, Content: "greetings"},
		{Role: ai.RoleUser, Content: "Dagoth Ur: welcome"},
	}
	if diff := cmp.Diff(want, msgs[2:]); diff != "" {
		t.Errorf("history turns mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, a.Count(msgs), rep.Tokens)
	assert.Equal(t, 3, rep.HistoryKept)
	assert.Zero(t, rep.HistoryDropped)
}

func TestHistoryDropsOldestFirst(t *testing.T) {
	a := New(unit)
	sys := a.cost(ai.Message{Content: vivec.SystemPrompt})
	line := a.cost(ai.Message{Content: "Ann: message 00"})

	msgs, rep, err := a.Build(Input{Persona: vivec, History: history(10), Budget: sys + 3*line + line/2})
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "Ann: message 07", msgs[1].Content)
	assert.Equal(t, "Ann: message 09", msgs[3].Content)
	assert.Equal(t, 7, rep.HistoryDropped)
}

func TestBudgetTooSmall(t *testing.T) {
	a := New(unit)
	_, _, err := a.Build(Input{Persona: vivec, Budget: 5})
	assert.ErrorIs(t, err, ErrBudgetTooSmall)

	sys := a.cost(ai.Message{Content: vivec.SystemPrompt})
	_, _, err = a.Build(Input{Persona: vivec, History: history(1), Budget: sys + 2})
	assert.ErrorIs(t, err, ErrBudgetTooSmall)

	msgs, _, err := a.Build(Input{Persona: vivec, Budget: sys})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestKnowledgeDroppedWholeNeverCut(t *testing.T) {
	a := New(unit)
	first := knowledge.Snippet{Title: "A", Text: strings.Repeat("x", 40)}
	second := knowledge.Snippet{Title: "B", Text: strings.Repeat("y", 40)}
	sys := a.cost(ai.Message{Content: vivec.SystemPrompt})
	onlyFirst := a.cost(ai.Message{Content: contextBlock("rel", "", []knowledge.Snippet{first})})

	msgs, rep, err := a.Build(Input{
		Persona:             vivec,
		RelationshipContext: "rel",
		Knowledge:           []knowledge.Snippet{first, second},
		Budget:              sys + onlyFirst,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, contextBlock("rel", "", []knowledge.Snippet{first}), msgs[1].Content)
	assert.Equal(t, 1, rep.KnowledgeDropped)
	assert.Equal(t, sys+onlyFirst, rep.Tokens)
}

func TestBudgetNeverExceeded(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := New(CounterFor("gpt-4o"))
	for i := 0; i < 300; i++ {
		n := rng.Intn(40)
		hist := make([]chat.HistoryEntry, n)
		for j := range hist {
			hist[j] = chat.HistoryEntry{AuthorName: "u", Content: strings.Repeat("word ", 1+rng.Intn(60))}
		}
		in := Input{
			Persona:             vivec,
			RelationshipContext: strings.Repeat("bond ", rng.Intn(30)),
			Knowledge:           []knowledge.Snippet{{Title: "k", Text: strings.Repeat("lore ", rng.Intn(80))}},
			History:             hist,
			Budget:              20 + rng.Intn(800),
		}
		msgs, rep, err := a.Build(in)
		if err != nil {
			require.ErrorIs(t, err, ErrBudgetTooSmall)
			continue
		}
		total := a.Count(msgs)
		require.LessOrEqual(t, total, in.Budget)
		require.Equal(t, total, rep.Tokens)

		tiers := a.cost(ai.Message{Content: systemPrompt(vivec, nil)}) +
			a.cost(ai.Message{Content: contextBlock(in.RelationshipContext, "", in.Knowledge)})
		if tiers <= in.Budget {
			require.Zero(t, rep.KnowledgeDropped, "tiers 1-2 fit, so they are whole")
		}
	}
}
