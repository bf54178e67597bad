// Package aitest provides scripted Generator and Oracle doubles.
package aitest

import (
	"context"
	"strings"
	"sync"

	"github.com/keshon/chorus/internal/ai"
	"github.com/keshon/chorus/internal/chat"
)

// Generator returns Reply (or Err) and records every call.
type Generator struct {
	mu    sync.Mutex
	Reply string
	Err   error
	Calls [][]ai.Message
	// Block, when set, is waited on before answering.
	Block chan struct{}
}

func (g *Generator) Generate(ctx context.Context, messages []ai.Message, _ ai.Options) (string, error) {
	if g.Block != nil {
		select {
		case <-g.Block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, append([]ai.Message(nil), messages...))
	return g.Reply, g.Err
}

// Stream splits Reply on spaces and emits each word.
func (g *Generator) Stream(ctx context.Context, messages []ai.Message, opts ai.Options, onChunk func(string) error) (string, error) {
	reply, err := g.Generate(ctx, messages, opts)
	if err != nil {
		return "", err
	}
	words := strings.SplitAfter(reply, " ")
	for _, w := range words {
		if err := onChunk(w); err != nil {
			return reply, err
		}
	}
	return reply, nil
}

// CallCount is safe to use while other goroutines call Generate.
func (g *Generator) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Calls)
}

// LastCall returns the messages of the most recent call.
func (g *Generator) LastCall() []ai.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.Calls) == 0 {
		return nil
	}
	return g.Calls[len(g.Calls)-1]
}

// Oracle answers every question with Verdict (or Err).
type Oracle struct {
	mu        sync.Mutex
	Verdict   ai.Verdict
	Err       error
	Questions []string
	Contexts  [][]chat.HistoryEntry
}

// Yes returns an oracle that always agrees.
func Yes() *Oracle { return &Oracle{Verdict: ai.Verdict{Yes: true}} }

// No returns an oracle that always refuses.
func No() *Oracle { return &Oracle{} }

func (o *Oracle) Decide(_ context.Context, question string, history []chat.HistoryEntry) (ai.Verdict, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Questions = append(o.Questions, question)
	o.Contexts = append(o.Contexts, append([]chat.HistoryEntry(nil), history...))
	return o.Verdict, o.Err
}

// Calls reports how many questions were asked.
func (o *Oracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Questions)
}
