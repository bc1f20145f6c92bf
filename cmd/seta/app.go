package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/seta-lab/seta/internal/api"
	"github.com/seta-lab/seta/internal/biz"
	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
	"github.com/seta-lab/seta/internal/biz/usecase"
	"github.com/seta-lab/seta/internal/conf"
	"github.com/seta-lab/seta/internal/data"
	"github.com/seta-lab/seta/internal/service"
)

// app holds the wired layers shared by the subcommands.
type app struct {
	cfg   *conf.Config
	log   zerolog.Logger
	repos *data.Repositories

	uc biz.Usecases
}

func newApp(ctx context.Context, cfg *conf.Config, log zerolog.Logger) (*app, error) {
	repos, err := data.NewRepositories(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	engine, err := cfg.Rules.NewSpanFilterEngine()
	if err != nil {
		repos.Close()
		return nil, fmt.Errorf("build rule engine: %w", err)
	}

	a := &app{cfg: cfg, log: log, repos: repos}
	a.uc.Usage = usecase.NewUsageAccountant(usecase.DefaultUsageRates(), repos.Tokens)

	var classifier *usecase.IntentClassifier
	if repos.Scorer != nil {
		classifier = usecase.NewIntentClassifier(repos.Scorer, cfg.ToClassifierConfig())
		log.Info().Str("scorer", cfg.Scorer.Driver).Msg("Classifier stage enabled")
	}
	a.uc.Filter = usecase.NewFilterUsecase(engine, classifier, a.uc.Usage)

	a.uc.Prompt = usecase.NewPromptUsecase(
		repos.Store,
		repos.Cache,
		repos.Store,
		repos.Store,
		repos.Embedder,
		repos.Tokens,
		cfg.ToPromptConfig(),
		log,
	)
	if repos.Generator != nil {
		a.uc.Summary = usecase.NewSummaryUsecase(repos.Store, repos.Generator, repos.Embedder, repos.Store, cfg.Summary.ToSummaryPolicy())
	}
	return a, nil
}

func (a *app) Close() error {
	return a.repos.Close()
}

// workers builds the stage workers named in stages; an empty list means all.
func (a *app) workers(stages []string) ([]service.Worker, error) {
	want := make(map[domain.Stage]bool)
	for _, s := range stages {
		for _, name := range strings.Split(s, ",") {
			if name = strings.TrimSpace(name); name != "" {
				want[domain.Stage(strings.ToLower(name))] = true
			}
		}
	}
	all := len(want) == 0
	pick := func(st domain.Stage) bool {
		if all {
			return true
		}
		ok := want[st]
		delete(want, st)
		return ok
	}

	channel, results := a.repos.Channel, a.repos.Store
	var ws []service.Worker
	if pick(domain.StageRule) {
		ws = append(ws, service.NewRuleWorker(a.uc.Filter, channel, results, a.log))
	}
	if pick(domain.StageML) {
		ws = append(ws, service.NewClassifyWorker(a.uc.Filter, channel, results, a.cfg.Filter.AuditEmptyPass, a.log))
	}
	if pick(domain.StagePrompt) {
		ws = append(ws, service.NewPromptWorker(a.uc.Prompt, channel, results, a.log))
	}
	if pick(domain.StageGenerate) {
		if a.repos.Generator == nil {
			return nil, errors.New("generate stage requires OPENAI_API_KEY")
		}
		ws = append(ws, service.NewGenerateWorker(a.repos.Generator, a.repos.Store, a.repos.Cache, a.uc.Usage, channel, results, a.log))
	}
	if pick(domain.StageSummary) {
		if a.uc.Summary == nil {
			if !all {
				return nil, errors.New("summary stage requires OPENAI_API_KEY")
			}
			a.log.Warn().Msg("No LLM configured, summary trigger disabled")
		} else {
			ws = append(ws, service.NewSummaryTrigger(a.uc.Summary, results, a.cfg.Summary.Poll, a.log))
		}
	}
	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for st := range want {
			unknown = append(unknown, string(st))
		}
		return nil, fmt.Errorf("unknown stage(s): %s", strings.Join(unknown, ", "))
	}
	return ws, nil
}

// serveOps runs the ops server until ctx is done.
func (a *app) serveOps(ctx context.Context, ingest bool) error {
	if a.cfg.Server.Addr == "" {
		<-ctx.Done()
		return nil
	}
	var pub repo.Publisher
	if ingest {
		pub = a.repos.Channel
	}
	srv := api.NewServer(a.uc.Filter, pub, a.repos.Store, a.cfg.Server.Addr, a.log)
	for name, check := range a.repos.Checks() {
		srv.AddCheck(name, check)
	}

	errCh := make(chan error, 2)
	// The ingesting process also streams answers back to its clients.
	if ingest {
		hub := api.NewStreamHub(a.repos.Channel, a.cfg.Server.StreamIdle, a.log)
		srv.SetStream(hub)
		go func() {
			if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("stream hub: %w", err)
			}
		}()
	}
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
