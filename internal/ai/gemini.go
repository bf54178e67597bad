package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/keshon/chorus/internal/config"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// Gemini generates through Google's Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates the client. The API key is required.
func NewGemini(ctx context.Context, cfg config.AIConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: AI_API_KEY is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	model := cfg.Model
	if model == "" || strings.HasPrefix(model, "gpt-") {
		model = defaultGeminiModel
	}
	return &Gemini{client: client, model: model}, nil
}

// request splits system messages into the system instruction and maps
// the rest onto user/model turns.
func (g *Gemini) request(messages []Message, opts Options) (string, []*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if opts.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	model := opts.Model
	if model == "" {
		model = g.model
	}
	return model, contents, cfg
}

func (g *Gemini) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	model, contents, cfg := g.request(messages, opts)
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	return finish(resp.Text())
}

func (g *Gemini) Stream(ctx context.Context, messages []Message, opts Options, onChunk func(string) error) (string, error) {
	model, contents, cfg := g.request(messages, opts)
	var b strings.Builder
	for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			return b.String(), fmt.Errorf("gemini: %w", err)
		}
		text := resp.Text()
		if text == "" {
			continue
		}
		b.WriteString(text)
		if err := onChunk(text); err != nil {
			return b.String(), err
		}
	}
	return finish(b.String())
}
