package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/keshon/chorus/internal/ai"
	"github.com/keshon/chorus/internal/api"
	"github.com/keshon/chorus/internal/assembler"
	"github.com/keshon/chorus/internal/behavior"
	"github.com/keshon/chorus/internal/channel"
	"github.com/keshon/chorus/internal/discord"
	"github.com/keshon/chorus/internal/knowledge"
	"github.com/keshon/chorus/internal/logging"
	"github.com/keshon/chorus/internal/mind"
	"github.com/keshon/chorus/internal/persona"
	"github.com/keshon/chorus/internal/relationship"
	"github.com/keshon/chorus/internal/router"
	"github.com/keshon/chorus/internal/storage"
	"github.com/keshon/chorus/internal/trigger"
	"github.com/keshon/chorus/pkg/util"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to Discord and run the personas",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	log := logging.Component("main")
	if cfg.DiscordToken == "" {
		return errors.New("DISCORD_TOKEN is required for serve")
	}
	log.Info().Str("version", version).Str("storage", cfg.Storage.Driver).Str("provider", cfg.AI.Provider).Msg("starting chorus")

	backend, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close()

	ledger := relationship.NewLedger(backend)
	if n, err := ledger.Load(ctx); err != nil {
		return fmt.Errorf("load relationships: %w", err)
	} else {
		log.Info().Int("records", n).Msg("relationships loaded")
	}
	profiles := channel.NewProfiles(backend, cfg.Location())
	if n, err := profiles.Load(ctx); err != nil {
		return fmt.Errorf("load activity profiles: %w", err)
	} else {
		log.Info().Int("channels", n).Msg("activity profiles loaded")
	}

	index := knowledge.NewIndex()
	if n, err := index.Load(cfg.KnowledgeDir); err != nil {
		log.Warn().Err(err).Str("dir", cfg.KnowledgeDir).Msg("knowledge not loaded")
	} else {
		log.Info().Int("documents", n).Msg("knowledge loaded")
	}

	gen, err := ai.New(ctx, cfg.AI)
	if err != nil {
		return fmt.Errorf("generator: %w", err)
	}
	oracleModel := cfg.AI.OracleModel
	if oracleModel == "" {
		oracleModel = cfg.AI.Model
	}
	oracle := ai.NewOracle(gen, oracleModel, cfg.AI.OraclePerMinute, cfg.AI.OracleTimeout)

	rng := util.NewRandom(time.Now().UnixNano())
	engine := behavior.NewEngine(cfg.Behave, cfg.Trigger.AmbientChannels, rng, oracle, profiles, ledger)

	active := persona.NewActive(persona.NewRoster(nil))
	manager := persona.NewManager(
		&persona.Loader{PersonaDir: cfg.PersonaDir, TemplateDir: cfg.TemplateDir},
		persona.NewCompiler(),
		active,
	)
	manager.OnPublish = engine.ApplyRivalries
	loaded, err := manager.Reload(ctx)
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}
	if len(loaded) == 0 {
		log.Warn().Str("dir", cfg.PersonaDir).Msg("no personas loaded, the bot will stay silent")
	}

	bot, err := discord.New(cfg.DiscordToken, active)
	if err != nil {
		return err
	}
	runner := mind.New(mind.Deps{
		Config:    cfg,
		Roster:    active,
		Channels:  channel.NewRegistry(cfg.HistorySize),
		Profiles:  profiles,
		Ledger:    ledger,
		Evaluator: trigger.NewEvaluator(cfg.Trigger, rng, engine),
		Router:    router.New(rng, cfg.Trigger.StickyWindow),
		Behavior:  engine,
		Assembler: assembler.New(assembler.CounterFor(cfg.AI.Model)),
		Knowledge: index,
		Generator: gen,
		Limiter:   mind.NewLLMLimiter(cfg.Limits),
		Transport: bot,
	})
	bot.Attach(runner)

	admin := api.New(cfg.AdminAddr, api.Deps{
		Roster:   active,
		Reloader: manager,
		Ledger:   ledger,
		Moods:    engine.Moods(),
		Runner:   runner,
		Storage:  backend,
	})

	tasks := []func(context.Context) error{bot.Run, admin.Run}
	if cfg.WatchSources {
		tasks = append(tasks, persona.NewWatcher(manager, cfg.PersonaDir, cfg.TemplateDir).Run)
	}
	if err := runner.Run(ctx, tasks...); err != nil {
		return err
	}
	log.Info().Msg("chorus exited cleanly")
	return nil
}
