package ai_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keshon/chorus/internal/ai"
	"github.com/keshon/chorus/internal/ai/aitest"
	"github.com/keshon/chorus/internal/chat"
	"github.com/keshon/chorus/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var history = []chat.HistoryEntry{
	{AuthorName: "Ann", Content: "anyone here?", Human: true},
	{AuthorName: "Vivec", PersonaID: "vivec", Content: "always"},
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		in     string
		yes    bool
		reason string
		bad    bool
	}{
		{"YES", true, "", false},
		{"yes. a human spoke", true, "a human spoke", false},
		{"No\nonly bots", false, "only bots", false},
		{"**NO**", false, "", false},
		{"maybe", false, "", true},
		{"", false, "", true},
	}
	for _, tt := range tests {
		v, err := ai.ParseVerdict(tt.in)
		if tt.bad {
			assert.ErrorIs(t, err, ai.ErrUnclearVerdict, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.yes, v.Yes, tt.in)
		assert.Equal(t, tt.reason, v.Reason, tt.in)
	}
}

func TestOracleAsksGenerator(t *testing.T) {
	gen := &aitest.Generator{Reply: "YES a human is around"}
	o := ai.NewOracle(gen, "", 60, 0)

	v, err := o.Decide(context.Background(), "Has a human engaged recently?", history)
	require.NoError(t, err)
	assert.True(t, v.Yes)

	call := gen.LastCall()
	require.Len(t, call, 2)
	assert.Equal(t, ai.RoleSystem, call[0].Role)
	assert.Contains(t, call[1].Content, "[human] Ann: anyone here?")
	assert.Contains(t, call[1].Content, "[bot] Vivec: always")
	assert.Contains(t, call[1].Content, "Question: Has a human engaged recently?")
}

func TestOracleRateLimitAndErrors(t *testing.T) {
	gen := &aitest.Generator{Reply: "no"}
	o := ai.NewOracle(gen, "", 1, 0)
	_, err := o.Decide(context.Background(), "q", nil)
	require.NoError(t, err)
	_, err = o.Decide(context.Background(), "q", nil)
	assert.ErrorIs(t, err, ai.ErrRateLimited)
	assert.Equal(t, 1, gen.CallCount())

	failing := ai.NewOracle(&aitest.Generator{Err: errors.New("boom")}, "", 60, 0)
	_, err = failing.Decide(context.Background(), "q", nil)
	assert.ErrorContains(t, err, "boom")

	unclear := ai.NewOracle(&aitest.Generator{Reply: "perhaps"}, "", 60, 0)
	_, err = unclear.Decide(context.Background(), "q", nil)
	assert.ErrorIs(t, err, ai.ErrUnclearVerdict)
}

func TestOracleTimeout(t *testing.T) {
	gen := &aitest.Generator{Reply: "yes", Block: make(chan struct{})}
	o := ai.NewOracle(gen, "", 60, 20*time.Millisecond)

	start := time.Now()
	v, err := o.Decide(context.Background(), "q", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, v.Yes)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, gen.CallCount())
}

func TestPollinations(t *testing.T) {
	var got map[string]any
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, "slow down")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"\"Greetings, mortal.\""}}]}`)
	}))
	defer srv.Close()

	p := ai.NewPollinations(config.AIConfig{BaseURL: srv.URL})
	msgs := []ai.Message{{Role: ai.RoleSystem, Content: "be Vivec"}, {Role: ai.RoleUser, Content: "hi"}}

	reply, err := p.Generate(context.Background(), msgs, ai.Options{Temperature: 0.7})
	require.NoError(t, err)
	assert.Equal(t, "Greetings, mortal.", reply)
	assert.Equal(t, 0.7, got["temperature"])
	assert.Len(t, got["messages"], 2)

	var chunks []string
	reply, err = p.Stream(context.Background(), msgs, ai.Options{}, func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{reply}, chunks)

	status = http.StatusTooManyRequests
	_, err = p.Generate(context.Background(), msgs, ai.Options{})
	assert.ErrorIs(t, err, ai.ErrRateLimited)

	status = http.StatusBadGateway
	_, err = p.Generate(context.Background(), msgs, ai.Options{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ai.ErrRateLimited)
}

func TestOpenAICompatible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		var req struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 3)
		assert.Equal(t, "assistant", req.Messages[1].Role)

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, part := range []string{"Ash ", "and ", "fire."} {
				fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"test-model\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"test-model",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Ash and fire."}}]}`)
	}))
	defer srv.Close()

	g := ai.NewOpenAI(config.AIConfig{BaseURL: srv.URL, APIKey: "k", Model: "test-model"})
	msgs := []ai.Message{
		{Role: ai.RoleSystem, Content: "be Dagoth"},
		{Role: ai.RoleAssistant, Content: "Welcome, Nerevar."},
		{Role: ai.RoleUser, Content: "hello"},
	}

	reply, err := g.Generate(context.Background(), msgs, ai.Options{})
	require.NoError(t, err)
	assert.Equal(t, "Ash and fire.", reply)

	var chunks []string
	reply, err = g.Stream(context.Background(), msgs, ai.Options{}, func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Ash and fire.", reply)
	assert.Equal(t, []string{"Ash ", "and ", "fire."}, chunks)
}

func TestNewSelectsProvider(t *testing.T) {
	g, err := ai.New(context.Background(), config.AIConfig{Provider: "pollinations"})
	require.NoError(t, err)
	assert.IsType(t, &ai.Pollinations{}, g)

	_, err = ai.New(context.Background(), config.AIConfig{Provider: "gemini"})
	assert.Error(t, err, "gemini needs a key")

	_, err = ai.New(context.Background(), config.AIConfig{Provider: "nope"})
	assert.Error(t, err)
}
