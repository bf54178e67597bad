// Package config loads runtime settings from the environment.
// A .env file in the working directory is applied first when present.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds every tunable of the orchestration layer.
type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN"`

	DataDir      string `env:"DATA_DIR" envDefault:"data"`
	PersonaDir   string `env:"PERSONA_DIR" envDefault:"data/personas"`
	TemplateDir  string `env:"TEMPLATE_DIR" envDefault:"data/templates"`
	KnowledgeDir string `env:"KNOWLEDGE_DIR" envDefault:"data/knowledge"`
	WatchSources bool   `env:"WATCH_SOURCES" envDefault:"true"`

	Storage StorageConfig
	AI      AIConfig
	Trigger TriggerConfig
	Behave  BehaviorConfig
	Limits  LimitsConfig

	TokenBudget   int `env:"TOKEN_BUDGET" envDefault:"6000"`
	KnowledgeTopK int `env:"KNOWLEDGE_TOP_K" envDefault:"3"`
	HistorySize   int `env:"HISTORY_SIZE" envDefault:"50"`

	TickInterval       time.Duration `env:"TICK_INTERVAL" envDefault:"1m"`
	ConflictDecayEvery int           `env:"CONFLICT_DECAY_EVERY" envDefault:"10"`
	ConflictDecayRate  float64       `env:"CONFLICT_DECAY_RATE" envDefault:"0.1"`
	FlushEvery         int           `env:"FLUSH_EVERY" envDefault:"5"`
	Timezone           string        `env:"TIMEZONE" envDefault:"UTC"`

	AdminAddr string `env:"ADMIN_ADDR" envDefault:"127.0.0.1:8088"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
	LogFile   string `env:"LOG_FILE"`
}

// StorageConfig selects the key -> document backend.
type StorageConfig struct {
	Driver        string        `env:"STORAGE_DRIVER" envDefault:"file"`
	Path          string        `env:"STORAGE_PATH" envDefault:"data/chorus.json"`
	AutoSave      time.Duration `env:"STORAGE_AUTOSAVE" envDefault:"10s"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string        `env:"REDIS_PREFIX" envDefault:"chorus"`
}

// AIConfig configures the generator and the fast-decision oracle.
type AIConfig struct {
	Provider        string        `env:"AI_PROVIDER" envDefault:"openai"`
	BaseURL         string        `env:"AI_BASE_URL"`
	APIKey          string        `env:"AI_API_KEY"`
	Model           string        `env:"AI_MODEL" envDefault:"gpt-4o-mini"`
	OracleModel     string        `env:"AI_ORACLE_MODEL"`
	GenerateTimeout time.Duration `env:"GENERATE_TIMEOUT" envDefault:"45s"`
	OracleTimeout   time.Duration `env:"ORACLE_TIMEOUT" envDefault:"8s"`
	OraclePerMinute float64       `env:"ORACLE_RATE_PER_MIN" envDefault:"20"`
}

// TriggerConfig feeds the trigger evaluator and router.
type TriggerConfig struct {
	CommandPrefixes    []string      `env:"COMMAND_PREFIXES" envSeparator:"," envDefault:"!,/"`
	IgnoreTags         []string      `env:"IGNORE_TAGS" envSeparator:"," envDefault:"[ooc],#noai"`
	MutedChannels      []string      `env:"MUTED_CHANNELS" envSeparator:","`
	AmbientChannels    []string      `env:"AMBIENT_CHANNELS" envSeparator:","`
	LoopDecay          float64       `env:"LOOP_DECAY" envDefault:"0.5"`
	MaxBotChain        int           `env:"MAX_BOT_CHAIN" envDefault:"3"`
	StickyWindow       time.Duration `env:"STICKY_WINDOW" envDefault:"5m"`
	ContinuationWindow time.Duration `env:"CONTINUATION_WINDOW" envDefault:"5m"`
	AmbientChance      float64       `env:"AMBIENT_CHANCE" envDefault:"0.02"`
	DedupeSize         int           `env:"DEDUPE_SIZE" envDefault:"1024"`
}

// BehaviorConfig feeds the behavior engine.
type BehaviorConfig struct {
	ReactionChance           float64       `env:"REACTION_CHANCE" envDefault:"0.15"`
	ProactiveChance          float64       `env:"PROACTIVE_CHANCE" envDefault:"0.2"`
	ProactiveCooldown        time.Duration `env:"PROACTIVE_COOLDOWN" envDefault:"10m"`
	LullMin                  time.Duration `env:"LULL_MIN" envDefault:"1h"`
	LullMax                  time.Duration `env:"LULL_MAX" envDefault:"8h"`
	AmbientMinGap            time.Duration `env:"AMBIENT_MIN_GAP" envDefault:"10m"`
	LullChance               float64       `env:"LULL_CHANCE" envDefault:"0.30"`
	AmbientChannelLullChance float64       `env:"AMBIENT_CHANNEL_LULL_CHANCE" envDefault:"0.1667"`
	OracleContextMessages    int           `env:"ORACLE_CONTEXT_MESSAGES" envDefault:"6"`
	EnvironmentChance        float64       `env:"ENVIRONMENT_CHANCE" envDefault:"0.30"`
}

// LimitsConfig caps generator spend on autonomous paths.
type LimitsConfig struct {
	PerMinute       int           `env:"LLM_PER_MINUTE" envDefault:"6"`
	PerHour         int           `env:"LLM_PER_HOUR" envDefault:"60"`
	ChannelCooldown time.Duration `env:"LLM_CHANNEL_COOLDOWN" envDefault:"20s"`
}

// Load reads .env (if any) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found, using process environment")
	}
	return Parse()
}

// Parse reads the environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "file", "sqlite", "redis":
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER: %s", c.Storage.Driver)
	}
	switch c.AI.Provider {
	case "openai", "gemini", "pollinations":
	default:
		return fmt.Errorf("unsupported AI_PROVIDER: %s", c.AI.Provider)
	}
	if c.TokenBudget <= 0 {
		return fmt.Errorf("TOKEN_BUDGET must be positive")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be positive")
	}
	if c.Behave.LullMax < c.Behave.LullMin {
		return fmt.Errorf("LULL_MAX (%s) is below LULL_MIN (%s)", c.Behave.LullMax, c.Behave.LullMin)
	}
	for name, p := range map[string]float64{
		"LOOP_DECAY":         c.Trigger.LoopDecay,
		"AMBIENT_CHANCE":     c.Trigger.AmbientChance,
		"REACTION_CHANCE":    c.Behave.ReactionChance,
		"PROACTIVE_CHANCE":   c.Behave.ProactiveChance,
		"LULL_CHANCE":        c.Behave.LullChance,
		"ENVIRONMENT_CHANCE": c.Behave.EnvironmentChance,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, p)
		}
	}
	return nil
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
