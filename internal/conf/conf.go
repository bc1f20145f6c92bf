package conf

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/usecase"
)

// Config represents application configuration
type Config struct {
	// Runtime environment: dev switches to console logging
	Env      string
	LogLevel string

	Store   StoreConfig
	Redis   RedisConfig
	Channel ChannelConfig
	LLM     LLMConfig
	Scorer  ScorerConfig
	Filter  FilterConfig
	Prompt  PromptValues
	Summary SummaryConfig
	Server  ServerConfig

	// Loaded from YAML (or embedded defaults)
	Prompts *PromptsConfig
	Rules   *RulesConfig
}

// StoreConfig selects the relational store
type StoreConfig struct {
	Driver      string // sqlite | postgres
	SQLitePath  string
	PostgresURL string
}

// RedisConfig contains the recent-turn cache settings
type RedisConfig struct {
	URL      string
	CacheTTL time.Duration
}

// ChannelConfig selects the event channel
type ChannelConfig struct {
	Driver     string // redis | memory
	Partitions int
	Consumer   string
	Block      time.Duration
}

// LLMConfig contains the OpenAI-compatible endpoint settings
type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	SummaryModel   string
	EmbeddingModel string
	MaxTokens      int
}

// ScorerConfig selects the text-classification scorer
type ScorerConfig struct {
	Driver  string // http | llm | none
	URL     string
	Model   string
	Timeout time.Duration
}

// FilterConfig contains both filter stages' policy
type FilterConfig struct {
	RulesPath        string
	ResponsesPath    string
	Thresholds       map[domain.Category]float64
	DefaultThreshold float64
	Margin           float64
	PrefixOrder      usecase.PrefixOrder
	AuditEmptyPass   bool // persist ML PASS decisions with an empty drop log
}

// PromptValues contains prompt assembly values
type PromptValues struct {
	PromptsPath string
	RecentTurns int
	TopK        int
	MinScore    float64
}

// SummaryConfig contains SummaryTrigger settings
type SummaryConfig struct {
	TurnThreshold int
	Idle          time.Duration
	Poll          time.Duration
}

// ServerConfig contains the ops HTTP server settings
type ServerConfig struct {
	Addr string
	// StreamIdle ends an answer stream that has been silent this long
	StreamIdle time.Duration
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		homeDir, _ := os.UserHomeDir()
		sqlitePath = filepath.Join(homeDir, ".seta", "seta.db")
	}

	consumer := os.Getenv("CHANNEL_CONSUMER")
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = host + "-" + strconv.Itoa(os.Getpid())
	}

	defaults := usecase.DefaultClassifierConfig()
	thresholds := defaults.Thresholds
	for label, th := range parseThresholds(os.Getenv("FILTER_THRESHOLDS")) {
		thresholds[label] = th
	}

	prefixOrder := usecase.PrefixOrder(strings.ToLower(envString("FILTER_PREFIX_ORDER", string(usecase.PrefixShortestFirst))))

	cfg := &Config{
		Env:      envString("SETA_ENV", "prod"),
		LogLevel: envString("LOG_LEVEL", "info"),
		Store: StoreConfig{
			Driver:      envString("STORE_DRIVER", "sqlite"),
			SQLitePath:  sqlitePath,
			PostgresURL: os.Getenv("DATABASE_URL"),
		},
		Redis: RedisConfig{
			URL:      os.Getenv("REDIS_URL"),
			CacheTTL: envDuration("CACHE_TTL", time.Hour),
		},
		Channel: ChannelConfig{
			Driver:     envString("CHANNEL_DRIVER", "memory"),
			Partitions: envInt("CHANNEL_PARTITIONS", 8),
			Consumer:   consumer,
			Block:      envDuration("CHANNEL_BLOCK", 2*time.Second),
		},
		LLM: LLMConfig{
			APIKey:         os.Getenv("OPENAI_API_KEY"),
			BaseURL:        os.Getenv("OPENAI_BASE_URL"),
			Model:          envString("LLM_MODEL", "gpt-4o-mini"),
			SummaryModel:   envString("SUMMARY_MODEL", "gpt-4o-mini"),
			EmbeddingModel: envString("EMBEDDING_MODEL", "text-embedding-3-small"),
			MaxTokens:      envInt("LLM_MAX_TOKENS", 1024),
		},
		Scorer: ScorerConfig{
			Driver:  envString("SCORER_DRIVER", "none"),
			URL:     os.Getenv("SCORER_URL"),
			Model:   envString("SCORER_MODEL", "gpt-4o-mini"),
			Timeout: envDuration("SCORER_TIMEOUT", 5*time.Second),
		},
		Filter: FilterConfig{
			RulesPath:        os.Getenv("SETA_RULES_PATH"),
			ResponsesPath:    os.Getenv("SETA_RESPONSES_PATH"),
			Thresholds:       thresholds,
			DefaultThreshold: envFloat("FILTER_DEFAULT_THRESHOLD", defaults.DefaultThreshold),
			Margin:           envFloat("FILTER_MARGIN", defaults.Margin),
			PrefixOrder:      prefixOrder,
			AuditEmptyPass:   envBool("FILTER_AUDIT_EMPTY_PASS", true),
		},
		Prompt: PromptValues{
			PromptsPath: os.Getenv("SETA_PROMPTS_PATH"),
			RecentTurns: envInt("PROMPT_RECENT_TURNS", 5),
			TopK:        envInt("PROMPT_TOP_K", 3),
			MinScore:    envFloat("PROMPT_MIN_SCORE", 0.7),
		},
		Summary: SummaryConfig{
			TurnThreshold: envInt("SUMMARY_TURN_THRESHOLD", 20),
			Idle:          envDuration("SUMMARY_IDLE", 60*time.Minute),
			Poll:          envDuration("SUMMARY_POLL", 60*time.Second),
		},
		Server: ServerConfig{
			Addr:       envString("OPS_ADDR", ":9090"),
			StreamIdle: envDuration("STREAM_IDLE_TIMEOUT", 2*time.Minute),
		},
	}

	// Load YAML files, falling back to the embedded defaults
	cfg.Prompts, _ = LoadPromptsConfig(cfg.Prompt.PromptsPath)
	cfg.Rules, _ = LoadRulesConfig(cfg.Filter.RulesPath, cfg.Filter.ResponsesPath)
	return cfg
}

// ToClassifierConfig converts to classifier policy
func (c *Config) ToClassifierConfig() usecase.ClassifierConfig {
	cc := usecase.DefaultClassifierConfig()
	cc.Thresholds = c.Filter.Thresholds
	cc.DefaultThreshold = c.Filter.DefaultThreshold
	cc.Margin = c.Filter.Margin
	cc.Order = c.Filter.PrefixOrder
	if c.Prompts != nil && len(c.Prompts.Classifier.Particles) > 0 {
		cc.Particles = c.Prompts.Classifier.Particles
	}
	return cc
}

// ToPromptConfig converts to prompt configuration
func (c *Config) ToPromptConfig() usecase.PromptConfig {
	cfg := usecase.DefaultPromptConfig
	if c.Prompts != nil {
		cfg.DefaultSystemPrompt = c.Prompts.Persona.DefaultSystemPrompt
		cfg.PersonaIntro = c.Prompts.Persona.Intro
		cfg.SummaryHeader = c.Prompts.Persona.SummaryHeader
		cfg.ToneDescriptions = c.Prompts.ToneDescriptions()
	}
	cfg.RecentTurns = c.Prompt.RecentTurns
	cfg.TopK = c.Prompt.TopK
	cfg.MinScore = c.Prompt.MinScore
	return cfg
}

// ToSummaryPolicy converts to the domain trigger policy
func (c *SummaryConfig) ToSummaryPolicy() domain.SummaryPolicy {
	return domain.SummaryPolicy{
		TurnThreshold: int64(c.TurnThreshold),
		IdleAfter:     c.Idle,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.PostgresURL == "" {
			return &ConfigError{Field: "DATABASE_URL", Message: "required for postgres store"}
		}
	default:
		return &ConfigError{Field: "STORE_DRIVER", Message: "must be sqlite or postgres"}
	}
	switch c.Channel.Driver {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return &ConfigError{Field: "REDIS_URL", Message: "required for redis channel"}
		}
	default:
		return &ConfigError{Field: "CHANNEL_DRIVER", Message: "must be redis or memory"}
	}
	if c.Channel.Partitions <= 0 {
		return &ConfigError{Field: "CHANNEL_PARTITIONS", Message: "must be positive"}
	}
	switch c.Scorer.Driver {
	case "none":
	case "http":
		if c.Scorer.URL == "" {
			return &ConfigError{Field: "SCORER_URL", Message: "required for http scorer"}
		}
	case "llm":
		if c.LLM.APIKey == "" {
			return &ConfigError{Field: "OPENAI_API_KEY", Message: "required for llm scorer"}
		}
	default:
		return &ConfigError{Field: "SCORER_DRIVER", Message: "must be http, llm or none"}
	}
	if c.Filter.PrefixOrder != usecase.PrefixShortestFirst && c.Filter.PrefixOrder != usecase.PrefixLongestFirst {
		return &ConfigError{Field: "FILTER_PREFIX_ORDER", Message: "must be shortest or longest"}
	}
	if c.Summary.TurnThreshold <= 0 {
		return &ConfigError{Field: "SUMMARY_TURN_THRESHOLD", Message: "must be positive"}
	}
	if c.Rules == nil || len(c.Rules.Filters) == 0 {
		return &ConfigError{Field: "SETA_RULES_PATH", Message: "no filter categories loaded"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

// parseThresholds reads "label=0.9,label2=0.95".
func parseThresholds(s string) map[domain.Category]float64 {
	out := make(map[domain.Category]float64)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		th, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			continue
		}
		out[domain.Category(strings.ToLower(strings.TrimSpace(k)))] = th
	}
	return out
}
