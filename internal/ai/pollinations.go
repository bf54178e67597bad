package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/keshon/chorus/internal/config"
	"github.com/keshon/chorus/pkg/retrylimit"
)

const pollinationsURL = "https://text.pollinations.ai/openai"

// Pollinations is the keyless fallback backend.
type Pollinations struct {
	client *http.Client
	url    string
	model  string
}

func NewPollinations(cfg config.AIConfig) *Pollinations {
	url := cfg.BaseURL
	if url == "" {
		url = pollinationsURL
	}
	return &Pollinations{
		client: &http.Client{Timeout: 60 * time.Second},
		url:    url,
		model:  "openai",
	}
}

// statusError carries the HTTP status so retry helpers can see 429s.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string   { return fmt.Sprintf("pollinations http %d: %s", e.code, e.body) }
func (e *statusError) StatusCode() int { return e.code }

func (p *Pollinations) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	payload := map[string]any{
		"model":    p.model,
		"messages": messages,
		"private":  true,
	}
	if opts.Temperature > 0 {
		payload["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := &statusError{code: resp.StatusCode, body: truncate(body)}
		if retrylimit.IsRateLimited(serr) {
			return "", fmt.Errorf("%w: %v", ErrRateLimited, serr)
		}
		return "", serr
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return "", fmt.Errorf("pollinations returned html")
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("pollinations decode: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", ErrEmptyReply
	}
	return finish(parsed.Choices[0].Message.Content)
}

// Stream has no incremental mode here; the whole reply is one chunk.
func (p *Pollinations) Stream(ctx context.Context, messages []Message, opts Options, onChunk func(string) error) (string, error) {
	reply, err := p.Generate(ctx, messages, opts)
	if err != nil {
		return "", err
	}
	return reply, onChunk(reply)
}
