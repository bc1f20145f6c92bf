package data

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/seta-lab/seta/internal/biz/repo"
	"github.com/seta-lab/seta/internal/conf"
	"github.com/seta-lab/seta/llm"
)

// Store is everything the relational backends implement.
type Store interface {
	repo.ResultRepo
	repo.ConversationRepo
	repo.SettingRepo
	repo.MemoryRepo
	Ping(ctx context.Context) error
	Close() error
}

// Pinger is a backend health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Repositories contains all repositories
type Repositories struct {
	Store     Store
	Cache     repo.TurnCache // nil without Redis
	Channel   repo.Channel
	Generator repo.Generator // nil without an API key
	Embedder  repo.Embedder  // nil without an API key
	Scorer    repo.Scorer    // nil when the classifier stage is disabled
	Tokens    repo.TokenCounter

	redis *redis.Client
}

// NewRepositories creates all repositories from cfg
func NewRepositories(ctx context.Context, cfg *conf.Config, log zerolog.Logger) (*Repositories, error) {
	r := &Repositories{Tokens: NewTokenCounter("", log)}

	var err error
	switch cfg.Store.Driver {
	case "postgres":
		r.Store, err = NewPostgresStore(ctx, cfg.Store.PostgresURL)
	default:
		r.Store, err = NewSQLiteStore(cfg.Store.SQLitePath)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}

	if cfg.Redis.URL != "" {
		r.redis, err = NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		r.Cache = NewTurnCache(r.redis, cfg.Redis.CacheTTL)
	}

	switch cfg.Channel.Driver {
	case "redis":
		if r.redis == nil {
			r.Close()
			return nil, errors.New("redis channel requires REDIS_URL")
		}
		r.Channel = NewRedisBus(r.redis, cfg.Channel.Partitions, cfg.Channel.Consumer, cfg.Channel.Block, log)
	default:
		r.Channel = NewMemoryBus(cfg.Channel.Partitions, log)
	}

	var client *llm.Client
	if cfg.LLM.APIKey != "" {
		client = llm.NewClient(llm.Config{
			APIKey:         cfg.LLM.APIKey,
			BaseURL:        cfg.LLM.BaseURL,
			Model:          cfg.LLM.Model,
			SummaryModel:   cfg.LLM.SummaryModel,
			EmbeddingModel: cfg.LLM.EmbeddingModel,
			MaxTokens:      cfg.LLM.MaxTokens,
		}, log)
		r.Generator = NewGenerator(client, cfg.Prompts.FormatSummaryPrompt)
		r.Embedder = NewEmbedder(client)
	}

	switch cfg.Scorer.Driver {
	case "http":
		r.Scorer = NewHTTPScorer(cfg.Scorer.URL, cfg.Scorer.Timeout)
	case "llm":
		if client == nil {
			r.Close()
			return nil, errors.New("llm scorer requires OPENAI_API_KEY")
		}
		r.Scorer = NewLLMScorer(client, cfg.Scorer.Model, cfg.Prompts.FormatClassifierPrompt, cfg.Scorer.Timeout)
	}
	return r, nil
}

// Checks returns the health checks of the configured backends
func (r *Repositories) Checks() map[string]Pinger {
	checks := map[string]Pinger{"store": r.Store}
	if r.redis != nil {
		client := r.redis
		checks["redis"] = pingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	return checks
}

// Close releases every backend
func (r *Repositories) Close() error {
	var errs []error
	if r.Channel != nil {
		errs = append(errs, r.Channel.Close())
	}
	if r.redis != nil {
		errs = append(errs, r.redis.Close())
	}
	if r.Store != nil {
		errs = append(errs, r.Store.Close())
	}
	return errors.Join(errs...)
}
