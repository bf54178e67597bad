package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keshon/chorus/internal/chat"
	"github.com/keshon/chorus/internal/logging"
	"github.com/keshon/chorus/pkg/retrylimit"
	"github.com/rs/zerolog"
)

// ErrUnclearVerdict is returned when the oracle's answer is neither yes nor no.
var ErrUnclearVerdict = errors.New("ai: unclear verdict")

// Verdict is the oracle's answer.
type Verdict struct {
	Yes    bool
	Reason string
}

// Oracle answers cheap yes/no questions about a conversation.
type Oracle interface {
	Decide(ctx context.Context, question string, history []chat.HistoryEntry) (Verdict, error)
}

const oracleSystem = "You judge group chat conversations. Answer the question with YES or NO as the first word, " +
	"optionally followed by one short sentence. Never answer anything else."

// LLMOracle asks a generator, under a local rate limit and a hard timeout.
type LLMOracle struct {
	gen     Generator
	limiter *retrylimit.AdaptiveLimiter
	timeout time.Duration
	model   string
	log     zerolog.Logger
}

// NewOracle creates an oracle allowing perMinute calls, backing off on errors.
func NewOracle(gen Generator, model string, perMinute float64, timeout time.Duration) *LLMOracle {
	if perMinute <= 0 {
		perMinute = 20
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &LLMOracle{
		gen: gen,
		limiter: retrylimit.NewAdaptiveLimiter(
			retrylimit.PerMinute(perMinute),
			retrylimit.PerMinute(perMinute/4),
			retrylimit.PerMinute(perMinute),
			retrylimit.PerMinute(1),
			0.5,
		),
		timeout: timeout,
		model:   model,
		log:     logging.Component("oracle"),
	}
}

func (o *LLMOracle) Decide(ctx context.Context, question string, history []chat.HistoryEntry) (Verdict, error) {
	if !o.limiter.Allow() {
		return Verdict{}, ErrRateLimited
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var b strings.Builder
	b.WriteString("Conversation:\n")
	if len(history) == 0 {
		b.WriteString("(empty)\n")
	}
	for _, h := range history {
		kind := "bot"
		if h.Human {
			kind = "human"
		}
		fmt.Fprintf(&b, "[%s] %s\n", kind, logging.Truncate(h.Line(), 300))
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)

	reply, err := o.gen.Generate(ctx, []Message{
		{Role: RoleSystem, Content: oracleSystem},
		{Role: RoleUser, Content: b.String()},
	}, Options{Model: o.model, MaxTokens: 40})
	if err != nil {
		o.limiter.Failure()
		return Verdict{}, fmt.Errorf("oracle: %w", err)
	}
	o.limiter.Success()

	v, err := ParseVerdict(reply)
	o.log.Debug().Str("question", logging.Truncate(question, 120)).Bool("yes", v.Yes).Err(err).Msg("oracle verdict")
	return v, err
}

// ParseVerdict reads a YES/NO answer from the first word of reply.
func ParseVerdict(reply string) (Verdict, error) {
	reply = strings.TrimSpace(reply)
	fields := strings.Fields(reply)
	if len(fields) == 0 {
		return Verdict{}, fmt.Errorf("%w: empty", ErrUnclearVerdict)
	}
	word := strings.ToLower(strings.Trim(fields[0], ".,!:;*\"'`"))
	v := Verdict{Reason: strings.TrimSpace(strings.TrimPrefix(reply, fields[0]))}
	switch word {
	case "yes", "y", "true":
		v.Yes = true
		return v, nil
	case "no", "n", "false":
		return v, nil
	default:
		return Verdict{}, fmt.Errorf("%w: %q", ErrUnclearVerdict, logging.Truncate(reply, 60))
	}
}
