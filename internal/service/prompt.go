package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
	"github.com/seta-lab/seta/internal/biz/usecase"
	"github.com/seta-lab/seta/internal/observe"
)

// PromptWorker assembles generation requests for messages the classifier
// passed and records each one before handing it on. Every other filter
// result is terminal and ignored here.
type PromptWorker struct {
	runner   stageRunner
	promptUC *usecase.PromptUsecase
	results  repo.ResultRepo
}

// NewPromptWorker creates the prompt stage worker
func NewPromptWorker(promptUC *usecase.PromptUsecase, channel repo.Channel, results repo.ResultRepo, log zerolog.Logger) *PromptWorker {
	return &PromptWorker{
		runner:   newStageRunner(domain.StagePrompt, domain.TopicFilterResult, channel, results, observe.Component(log, "PromptWorker")),
		promptUC: promptUC,
		results:  results,
	}
}

func (w *PromptWorker) Name() string { return string(domain.StagePrompt) }

// Run consumes until ctx is done
func (w *PromptWorker) Run(ctx context.Context) error {
	return w.runner.run(ctx, w.handle)
}

func (w *PromptWorker) handle(ctx context.Context, env repo.Envelope) (handled, error) {
	var in domain.FilterResultEvent
	if err := decode(env, &in); err != nil {
		return handled{}, err
	}
	h := handled{TraceID: in.TraceID, RoomID: in.RoomID, Outcome: outcomeIgnored}
	if in.Stage != domain.StageML || in.Decision.Action != domain.ActionPass {
		return h, nil
	}

	msg := domain.Message{
		TraceID:     in.TraceID,
		RoomID:      in.RoomID,
		MessageID:   in.MessageID,
		UserID:      in.UserID,
		RawText:     in.OriginalText,
		CleanedText: in.CleanedText,
		Mode:        domain.ModePass,
		Tone:        in.Tone,
		Timestamp:   in.Timestamp,
	}
	if err := msg.Validate(); err != nil {
		return h, err
	}

	ev, err := w.promptUC.Build(ctx, msg)
	if err != nil {
		return h, err
	}
	if err := w.results.SavePrompt(ctx, ev); err != nil {
		return h, persist(err, "prompt")
	}
	h.Outcome = outcomePass
	return h, w.runner.publish(ctx, domain.TopicPromptBuilt, msg.RoomID, env.Headers, ev)
}
