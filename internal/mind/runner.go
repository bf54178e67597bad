// Package mind runs the decision pipeline: every inbound message and every
// scheduler tick flows through trigger evaluation, routing, prompt
// assembly, generation and delivery, serialized per channel.
package mind

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keshon/chorus/internal/ai"
	"github.com/keshon/chorus/internal/assembler"
	"github.com/keshon/chorus/internal/behavior"
	"github.com/keshon/chorus/internal/channel"
	"github.com/keshon/chorus/internal/chat"
	"github.com/keshon/chorus/internal/config"
	"github.com/keshon/chorus/internal/knowledge"
	"github.com/keshon/chorus/internal/logging"
	"github.com/keshon/chorus/internal/persona"
	"github.com/keshon/chorus/internal/relationship"
	"github.com/keshon/chorus/internal/router"
	"github.com/keshon/chorus/internal/trigger"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const queueSize = 64

var (
	ErrNotRunning     = errors.New("mind: runner is not running")
	ErrQueueFull      = errors.New("mind: channel queue is full")
	ErrUnknownPersona = errors.New("mind: unknown persona")
)

// Outbound is one message a persona sends.
type Outbound struct {
	ChannelID string
	Persona   *persona.Persona
	Content   string
	// ReplyTo is the message being answered, if the reply should quote it.
	ReplyTo string
}

// Transport delivers persona messages to the chat platform.
type Transport interface {
	Send(ctx context.Context, out Outbound) (messageID string, err error)
	React(ctx context.Context, channelID, messageID, emoji string) error
}

// Typer is implemented by transports that can show a typing indicator.
type Typer interface {
	Typing(ctx context.Context, channelID string) error
}

// Deps are the collaborators of a Runner. Profiles and Knowledge are optional.
type Deps struct {
	Config    *config.Config
	Roster    *persona.Active
	Channels  *channel.Registry
	Profiles  *channel.Profiles
	Ledger    *relationship.Ledger
	Evaluator *trigger.Evaluator
	Router    *router.Router
	Behavior  *behavior.Engine
	Assembler *assembler.Assembler
	Knowledge knowledge.Retriever
	Generator ai.Generator
	Limiter   *LLMRateLimiter
	Transport Transport
}

type job func(ctx context.Context)

// Runner owns one ordered worker per channel and the scheduler.
type Runner struct {
	cfg       *config.Config
	roster    *persona.Active
	channels  *channel.Registry
	profiles  *channel.Profiles
	ledger    *relationship.Ledger
	evaluator *trigger.Evaluator
	router    *router.Router
	behavior  *behavior.Engine
	assembler *assembler.Assembler
	knowledge knowledge.Retriever
	gen       ai.Generator
	limiter   *LLMRateLimiter
	transport Transport
	scheduler *Scheduler
	log       zerolog.Logger

	// Now is the clock used for routing, rate limits and timestamps.
	Now func() time.Time

	mu      sync.Mutex
	workers map[string]chan job
	wg      sync.WaitGroup
	ctx     context.Context
	closed  bool
}

// New wires a runner. Config, Roster, Evaluator, Behavior, Generator and
// Transport are required; the rest get in-memory defaults.
func New(d Deps) *Runner {
	cfg := *d.Config
	if cfg.AI.GenerateTimeout <= 0 {
		cfg.AI.GenerateTimeout = 45 * time.Second
	}
	r := &Runner{
		cfg:       &cfg,
		roster:    d.Roster,
		channels:  d.Channels,
		profiles:  d.Profiles,
		ledger:    d.Ledger,
		evaluator: d.Evaluator,
		router:    d.Router,
		behavior:  d.Behavior,
		assembler: d.Assembler,
		knowledge: d.Knowledge,
		gen:       d.Generator,
		limiter:   d.Limiter,
		transport: d.Transport,
		log:       logging.Component("mind"),
		Now:       time.Now,
		workers:   make(map[string]chan job),
	}
	if r.channels == nil {
		r.channels = channel.NewRegistry(cfg.HistorySize)
	}
	if r.ledger == nil {
		r.ledger = relationship.NewLedger(nil)
	}
	if r.router == nil {
		r.router = router.New(nil, cfg.Trigger.StickyWindow)
	}
	if r.assembler == nil {
		r.assembler = assembler.New(assembler.CounterFor(cfg.AI.Model))
	}
	if r.limiter == nil {
		r.limiter = NewLLMLimiter(cfg.Limits)
	}
	r.scheduler = NewScheduler(cfg.TickInterval, r.tick)
	return r
}

// Channels exposes the channel registry.
func (r *Runner) Channels() *channel.Registry { return r.channels }

// SetSelfID tells the evaluator which platform user is the bot itself.
func (r *Runner) SetSelfID(id string) { r.evaluator.SetSelfID(id) }

// Run starts the scheduler plus any extra background tasks and blocks
// until ctx is done or a task fails. Queued work is abandoned, then the
// ledger and profiles are flushed one last time.
func (r *Runner) Run(ctx context.Context, tasks ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.ctx != nil {
		r.mu.Unlock()
		return errors.New("mind: runner already started")
	}
	r.ctx = ctx
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.scheduler.Run(gctx) })
	for _, task := range tasks {
		g.Go(func() error { return task(gctx) })
	}
	err := g.Wait()

	cancel()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()

	flushCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	r.Flush(flushCtx)
	r.log.Info().Msg("runner stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// enqueue hands j to the channel's worker, starting it on first use.
func (r *Runner) enqueue(channelID string, j job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil || r.closed {
		return ErrNotRunning
	}
	q, ok := r.workers[channelID]
	if !ok {
		q = make(chan job, queueSize)
		r.workers[channelID] = q
		r.wg.Add(1)
		go r.work(r.ctx, q)
	}
	select {
	case q <- j:
		return nil
	default:
		r.log.Warn().Str("channel", channelID).Msg("channel queue full, dropping")
		return ErrQueueFull
	}
}

func (r *Runner) work(ctx context.Context, q chan job) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q:
			j(ctx)
		}
	}
}

// HandleMessage queues an inbound message. Messages of one channel are
// processed in arrival order.
func (r *Runner) HandleMessage(msg chat.Message) error {
	return r.enqueue(msg.ChannelID, func(ctx context.Context) { r.processMessage(ctx, msg) })
}

// HandleEvent queues an environmental event.
func (r *Runner) HandleEvent(ev chat.Event) error {
	return r.enqueue(ev.ChannelID, func(ctx context.Context) {
		roster := r.roster.Snapshot()
		act, ok := r.behavior.Environment(ev, roster)
		if !ok {
			return
		}
		r.act(ctx, r.channels.Get(ev.ChannelID), roster, act)
	})
}

// tick runs on the scheduler goroutine. Ambient checks go through the
// channel workers so they never race with message processing.
func (r *Runner) tick(ctx context.Context, n int, now time.Time) {
	for _, id := range r.channels.IDs() {
		state := r.channels.Get(id)
		_ = r.enqueue(id, func(ctx context.Context) {
			if act, ok := r.behavior.Tick(ctx, state, r.roster.Snapshot(), now); ok {
				r.act(ctx, state, r.roster.Snapshot(), act)
			}
		})
	}
	if every(n, r.cfg.ConflictDecayEvery) {
		if resolved := r.behavior.DecayConflicts(r.cfg.ConflictDecayRate, now); len(resolved) > 0 {
			r.log.Info().Int("resolved", len(resolved)).Msg("conflicts decayed")
		}
	}
	if every(n, r.cfg.FlushEvery) {
		r.Flush(ctx)
	}
}

// Flush persists dirty relationship records and activity profiles.
func (r *Runner) Flush(ctx context.Context) {
	var g errgroup.Group
	var records, profiles int
	g.Go(func() error {
		records = r.ledger.Flush(ctx)
		return nil
	})
	if r.profiles != nil {
		g.Go(func() error {
			profiles = r.profiles.Flush(ctx)
			return nil
		})
	}
	_ = g.Wait()
	if records+profiles > 0 {
		r.log.Debug().Int("records", records).Int("profiles", profiles).Msg("flushed")
	}
}

func (r *Runner) processMessage(ctx context.Context, msg chat.Message) {
	roster := r.roster.Snapshot()
	state := r.channels.Get(msg.ChannelID)
	snap := state.Snapshot()

	d := r.evaluator.Evaluate(ctx, msg, snap, roster, r.ledger)
	if d.Filtered() {
		return
	}

	state.Observe(msg, chat.Topics(msg.Content, 3))
	if r.profiles != nil {
		r.profiles.Observe(msg.ChannelID, msg.At)
	}
	r.behavior.ObserveMessage(msg, roster)

	if emoji, ok := r.behavior.Reaction(msg); ok && msg.ID != "" {
		if err := r.transport.React(ctx, msg.ChannelID, msg.ID, emoji); err != nil {
			r.log.Warn().Err(err).Str("channel", msg.ChannelID).Msg("reaction failed")
		}
	}

	log := r.log.With().Str("channel", msg.ChannelID).Str("message", msg.ID).Str("reason", d.Reason.String()).Logger()
	if !d.ShouldRespond {
		log.Debug().Str("detail", d.Detail).Msg("no response")
		return
	}

	now := r.Now()
	p, step, err := r.router.Select(msg.Content, snap, roster, d, now)
	if err != nil {
		log.Info().Err(err).Msg("no persona to answer")
		return
	}
	if !d.Explicit && !r.limiter.Allow(msg.ChannelID, now) {
		log.Info().Str("persona", p.ID).Msg("autonomous reply rate limited")
		return
	}
	if d.Reason == trigger.ReasonAutonomousInterest {
		state.MarkProactive(now)
	}
	log.Info().Str("action", "respond").Str("persona", p.ID).Str("step", string(step)).Msg("routing")

	r.respond(ctx, request{
		state:    state,
		roster:   roster,
		persona:  p,
		reason:   d.Reason,
		trigger:  &msg,
		explicit: d.Explicit,
	})
}

// act carries out an autonomous action under the rate limiter.
func (r *Runner) act(ctx context.Context, state *channel.State, roster *persona.Roster, act behavior.Action) {
	if !r.limiter.Allow(act.ChannelID, r.Now()) {
		r.log.Info().Str("channel", act.ChannelID).Str("action", act.Kind.String()).Msg("autonomous remark rate limited")
		return
	}
	r.respond(ctx, request{
		state:   state,
		roster:  roster,
		persona: act.Persona,
		reason:  act.Reason(),
		event:   act.Event,
	})
}

type request struct {
	state    *channel.State
	roster   *persona.Roster
	persona  *persona.Persona
	reason   trigger.Reason
	trigger  *chat.Message
	event    *chat.Event
	explicit bool
}

// prompt assembles the messages for req from the channel's current state.
func (r *Runner) prompt(ctx context.Context, req request, history []chat.HistoryEntry, topics []string) ([]ai.Message, assembler.Report, error) {
	p := req.persona
	in := assembler.Input{Persona: p, History: history, Budget: r.cfg.TokenBudget}

	var counterpartID, counterpartName string
	query := strings.Join(topics, " ")
	if t := req.trigger; t != nil {
		query = t.Content
		switch {
		case t.AuthorPersonaID != "":
			counterpartID, counterpartName = t.AuthorPersonaID, t.AuthorName
			if other, ok := req.roster.Get(counterpartID); ok {
				counterpartName = other.DisplayName
			}
			in.RelationshipContext = r.ledger.ContextFor(p.ID, counterpartID, counterpartName)
		case !t.Automated() && t.AuthorID != "":
			in.UserContext = r.ledger.ContextFor(p.ID, t.AuthorID, t.AuthorName)
		}
	}
	in.Modifiers = r.behavior.PromptModifiers(p, counterpartID, counterpartName, r.Now())
	if line := directive(req.reason, req.trigger, req.event); line != "" {
		in.Modifiers = append(in.Modifiers, line)
	}
	in.Knowledge = r.lookup(ctx, p, query)
	return r.assembler.Build(in)
}

func (r *Runner) lookup(ctx context.Context, p *persona.Persona, query string) []knowledge.Snippet {
	if r.knowledge == nil || strings.TrimSpace(query) == "" || r.cfg.KnowledgeTopK <= 0 {
		return nil
	}
	snippets, err := r.knowledge.Lookup(ctx, query, p.KnowledgeFilter, r.cfg.KnowledgeTopK)
	if err != nil {
		r.log.Warn().Err(err).Str("persona", p.ID).Msg("knowledge lookup failed")
		return nil
	}
	return snippets
}

func (r *Runner) respond(ctx context.Context, req request) {
	p := req.persona
	channelID := req.state.ChannelID
	log := r.log.With().Str("channel", channelID).Str("persona", p.ID).Str("reason", req.reason.String()).Logger()

	snap := req.state.Snapshot()
	msgs, rep, err := r.prompt(ctx, req, snap.History, snap.RecentTopics)
	if err != nil {
		log.Warn().Err(err).Msg("prompt assembly failed")
		r.apologize(ctx, req, log)
		return
	}
	logLLMCall(log, req.reason.String(), msgs, rep)

	if t, ok := r.transport.(Typer); ok {
		if err := t.Typing(ctx, channelID); err != nil {
			log.Debug().Err(err).Msg("typing indicator failed")
		}
	}
	gctx, cancel := context.WithTimeout(ctx, r.cfg.AI.GenerateTimeout)
	reply, err := r.gen.Generate(gctx, msgs, ai.Options{})
	cancel()
	callAt := r.Now()
	req.state.MarkLLMCall(callAt)
	r.limiter.Record(channelID, callAt)
	if err != nil {
		log.Warn().Err(err).Msg("generation failed")
		r.apologize(ctx, req, log)
		return
	}

	out := Outbound{ChannelID: channelID, Persona: p, Content: reply}
	if req.explicit && req.trigger != nil {
		out.ReplyTo = req.trigger.ID
	}
	id, err := r.transport.Send(ctx, out)
	if err != nil {
		log.Error().Err(err).Msg("send failed")
		return
	}

	sentAt := r.Now()
	req.state.RecordBotMessage(p.ID, p.DisplayName, id, reply, sentAt)
	r.router.RecordResponse(req.state, p, sentAt)
	switch req.reason {
	case trigger.ReasonAmbient:
		req.state.MarkAmbient(sentAt)
	case trigger.ReasonAutonomousInterest:
		req.state.MarkProactive(sentAt)
	}
	r.behavior.AfterResponse(behavior.Exchange{
		ChannelID: channelID,
		Persona:   p,
		Reply:     reply,
		Trigger:   req.trigger,
		At:        sentAt,
	})
	log.Info().Str("sent", id).Str("reply", logging.Truncate(reply, 150)).Msg("replied")
}

// apologize sends one apology line, only for requests a human made.
func (r *Runner) apologize(ctx context.Context, req request, log zerolog.Logger) {
	if !req.explicit {
		return
	}
	out := Outbound{ChannelID: req.state.ChannelID, Persona: req.persona, Content: apology}
	if req.trigger != nil {
		out.ReplyTo = req.trigger.ID
	}
	id, err := r.transport.Send(ctx, out)
	if err != nil {
		log.Error().Err(err).Msg("apology send failed")
		return
	}
	req.state.RecordBotMessage(req.persona.ID, req.persona.DisplayName, id, apology, r.Now())
}

// Preview streams what personaID would answer to content in channelID,
// without sending anything or touching channel state.
func (r *Runner) Preview(ctx context.Context, personaID, channelID, content string, onChunk func(string) error) (string, error) {
	roster := r.roster.Snapshot()
	p, ok := roster.Get(personaID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPersona, personaID)
	}
	now := r.Now()
	msg := chat.Message{
		ID:         "preview-" + uuid.NewString(),
		ChannelID:  channelID,
		AuthorID:   "preview",
		AuthorName: "Preview",
		Content:    content,
		At:         now,
	}
	var history []chat.HistoryEntry
	var topics []string
	if state, ok := r.channels.Lookup(channelID); ok {
		snap := state.Snapshot()
		history, topics = snap.History, snap.RecentTopics
	}
	history = append(history, chat.HistoryEntry{
		MessageID:  msg.ID,
		Role:       chat.RoleUser,
		AuthorID:   msg.AuthorID,
		AuthorName: msg.AuthorName,
		Content:    content,
		At:         now,
		Human:      true,
	})

	req := request{roster: roster, persona: p, reason: trigger.ReasonMention, trigger: &msg, explicit: true}
	msgs, rep, err := r.prompt(ctx, req, history, topics)
	if err != nil {
		return "", err
	}
	logLLMCall(r.log.With().Str("persona", p.ID).Logger(), "preview", msgs, rep)

	gctx, cancel := context.WithTimeout(ctx, r.cfg.AI.GenerateTimeout)
	defer cancel()
	return r.gen.Stream(gctx, msgs, ai.Options{}, onChunk)
}
