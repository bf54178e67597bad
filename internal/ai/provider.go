// Package ai wraps the text generation backends and the fast yes/no
// oracle built on top of them.
package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/keshon/chorus/internal/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrRateLimited is returned when a call was refused locally or by the backend.
	ErrRateLimited = errors.New("ai: rate limited")
	// ErrEmptyReply is returned when the backend produced nothing usable.
	ErrEmptyReply = errors.New("ai: empty reply")
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single call. Zero values leave the backend default.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Generator produces persona replies.
type Generator interface {
	Generate(ctx context.Context, messages []Message, opts Options) (string, error)
	// Stream calls onChunk with each piece of text as it arrives and
	// returns the full reply. An error from onChunk stops the stream.
	Stream(ctx context.Context, messages []Message, opts Options, onChunk func(string) error) (string, error)
}

// New builds the generator selected by cfg.Provider.
func New(ctx context.Context, cfg config.AIConfig) (Generator, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAI(cfg), nil
	case "gemini":
		return NewGemini(ctx, cfg)
	case "pollinations":
		return NewPollinations(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported AI_PROVIDER: %s", cfg.Provider)
	}
}
