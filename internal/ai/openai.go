package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/keshon/chorus/internal/config"
	"github.com/keshon/chorus/internal/logging"
	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rs/zerolog"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client openaigo.Client
	model  string
	log    zerolog.Logger
}

// NewOpenAI creates the client. An empty BaseURL uses api.openai.com.
func NewOpenAI(cfg config.AIConfig) *OpenAI {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithMaxRetries(2),
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{
		client: openaigo.NewClient(opts...),
		model:  model,
		log:    logging.Component("ai.openai"),
	}
}

func (o *OpenAI) params(messages []Message, opts Options) openaigo.ChatCompletionNewParams {
	model := opts.Model
	if model == "" {
		model = o.model
	}
	p := openaigo.ChatCompletionNewParams{
		Model:    openaigo.ChatModel(model),
		Messages: toOpenAI(messages),
	}
	if opts.Temperature > 0 {
		p.Temperature = openaigo.Float(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		p.MaxTokens = openaigo.Int(int64(opts.MaxTokens))
	}
	return p
}

func toOpenAI(messages []Message) []openaigo.ChatCompletionMessageParamUnion {
	out := make([]openaigo.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openaigo.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openaigo.AssistantMessage(m.Content))
		default:
			out = append(out, openaigo.UserMessage(m.Content))
		}
	}
	return out
}

func (o *OpenAI) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, o.params(messages, opts))
	if err != nil {
		return "", wrapOpenAIError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	return finish(resp.Choices[0].Message.Content)
}

func (o *OpenAI) Stream(ctx context.Context, messages []Message, opts Options, onChunk func(string) error) (string, error) {
	stream := o.client.Chat.Completions.NewStreaming(ctx, o.params(messages, opts))
	defer stream.Close()

	var b strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		b.WriteString(delta)
		if err := onChunk(delta); err != nil {
			return b.String(), err
		}
	}
	if err := stream.Err(); err != nil {
		return b.String(), wrapOpenAIError(err)
	}
	return finish(b.String())
}

func wrapOpenAIError(err error) error {
	var apiErr *openaigo.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return fmt.Errorf("openai: %w", err)
}
