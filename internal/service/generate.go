package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
	"github.com/seta-lab/seta/internal/biz/usecase"
	"github.com/seta-lab/seta/internal/observe"
)

// GenerateWorker streams a generation for every built prompt. Deltas are
// published as they arrive and exactly one done event closes the stream.
// The turn is recorded only after a successful stream; a failed one gets an
// error-terminal done event so stream readers are released.
type GenerateWorker struct {
	runner  stageRunner
	gen     repo.Generator
	conv    repo.ConversationRepo
	cache   repo.TurnCache
	usage   *usecase.UsageAccountant
	results repo.ResultRepo
	log     zerolog.Logger
	now     func() time.Time
}

// NewGenerateWorker creates the generation stage worker. cache may be nil.
func NewGenerateWorker(
	gen repo.Generator,
	conv repo.ConversationRepo,
	cache repo.TurnCache,
	usage *usecase.UsageAccountant,
	channel repo.Channel,
	results repo.ResultRepo,
	log zerolog.Logger,
) *GenerateWorker {
	log = observe.Component(log, "GenerateWorker")
	return &GenerateWorker{
		runner:  newStageRunner(domain.StageGenerate, domain.TopicPromptBuilt, channel, results, log),
		gen:     gen,
		conv:    conv,
		cache:   cache,
		usage:   usage,
		results: results,
		log:     log,
		now:     time.Now,
	}
}

func (w *GenerateWorker) Name() string { return string(domain.StageGenerate) }

// Run consumes until ctx is done
func (w *GenerateWorker) Run(ctx context.Context) error {
	return w.runner.run(ctx, w.handle)
}

func (w *GenerateWorker) handle(ctx context.Context, env repo.Envelope) (handled, error) {
	var in domain.PromptBuiltEvent
	if err := decode(env, &in); err != nil {
		return handled{}, err
	}
	h := handled{TraceID: in.TraceID, RoomID: in.RoomID}
	if in.TraceID == "" || in.RoomID == "" || len(in.Messages) == 0 {
		return h, errors.Join(domain.ErrMalformedEvent, errors.New("prompt event without trace, room or messages"))
	}

	// A started generation runs to completion even if the worker is stopping.
	ctx = context.WithoutCancel(ctx)
	start := w.now()

	events, err := w.gen.Stream(ctx, in.Messages)
	if err != nil {
		return h, w.fail(ctx, env, in, start, 0, fmt.Errorf("start stream: %w", err))
	}

	var (
		text     strings.Builder
		index    int
		complete *repo.CompleteData
	)
	for ev := range events {
		switch ev.Type {
		case repo.EventTypeDelta:
			data, ok := ev.Data.(*repo.DeltaData)
			if !ok || data.Delta == "" {
				continue
			}
			text.WriteString(data.Delta)
			delta := domain.DeltaEvent{
				TraceID:       in.TraceID,
				RoomID:        in.RoomID,
				MessageID:     in.MessageID,
				Delta:         data.Delta,
				Index:         index,
				Timestamp:     w.now().UTC(),
				SchemaVersion: domain.SchemaVersion,
			}
			index++
			if err := w.runner.publish(ctx, domain.TopicAnswerDelta, in.RoomID, env.Headers, delta); err != nil {
				drain(events)
				return h, err
			}
			observe.DeltasPublished.Inc()

		case repo.EventTypeComplete:
			complete, _ = ev.Data.(*repo.CompleteData)

		case repo.EventTypeError:
			err := errors.New("generation failed")
			if data, ok := ev.Data.(*repo.ErrorData); ok && data.Err != nil {
				err = data.Err
			}
			drain(events)
			return h, w.fail(ctx, env, in, start, index, err)
		}
	}
	if complete == nil {
		return h, w.fail(ctx, env, in, start, index, errors.New("stream ended without a terminal event"))
	}

	latency := w.now().Sub(start)
	observe.GenerationLatency.Observe(latency.Seconds())

	full := complete.Text
	if full == "" {
		full = text.String()
	}
	usage := complete.Usage
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 && w.usage != nil {
		usage.PromptTokens = in.PromptTokens
		usage.CompletionTokens = w.usage.CountTokens(full)
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	done := domain.DoneEvent{
		TraceID:       in.TraceID,
		RoomID:        in.RoomID,
		MessageID:     in.MessageID,
		UserID:        in.UserID,
		Response:      domain.ResponsePayload{Text: full, FinishReason: complete.FinishReason},
		Usage:         usage,
		LatencyMS:     latency.Milliseconds(),
		Deltas:        index,
		SchemaVersion: domain.SchemaVersion,
		Timestamp:     w.now().UTC(),
	}
	if err := w.runner.publish(ctx, domain.TopicAnswerDone, in.RoomID, env.Headers, done); err != nil {
		return h, err
	}

	if err := w.recordTurn(ctx, in, full, usage); err != nil {
		return h, err
	}
	h.Outcome = outcomePass
	return h, nil
}

// fail closes the stream with an error-terminal done event and returns the
// generation error for the error log.
func (w *GenerateWorker) fail(ctx context.Context, env repo.Envelope, in domain.PromptBuiltEvent, start time.Time, deltas int, cause error) error {
	stageErr := &usecase.StageError{Type: domain.ErrorTypeGeneration, Err: cause}
	done := domain.DoneEvent{
		TraceID:       in.TraceID,
		RoomID:        in.RoomID,
		MessageID:     in.MessageID,
		UserID:        in.UserID,
		Response:      domain.ResponsePayload{FinishReason: domain.FinishReasonError},
		LatencyMS:     w.now().Sub(start).Milliseconds(),
		Deltas:        deltas,
		Error:         cause.Error(),
		SchemaVersion: domain.SchemaVersion,
		Timestamp:     w.now().UTC(),
	}
	if err := w.runner.publish(ctx, domain.TopicAnswerDone, in.RoomID, env.Headers, done); err != nil {
		return errors.Join(stageErr, err)
	}
	return stageErr
}

func (w *GenerateWorker) recordTurn(ctx context.Context, in domain.PromptBuiltEvent, answer string, usage domain.TokenUsage) error {
	turn, err := w.conv.AppendTurn(ctx, domain.Turn{
		RoomID:        in.RoomID,
		TraceID:       in.TraceID,
		UserID:        in.UserID,
		UserText:      in.UserText,
		AssistantText: answer,
		CreatedAt:     w.now(),
	})
	if err != nil {
		return persist(err, "turn")
	}
	if w.cache != nil {
		if err := w.cache.Append(ctx, turn); err != nil {
			// The store stays authoritative; prompts fall back to it.
			w.log.Warn().Err(err).Str("room_id", in.RoomID).Msg("Failed to cache turn")
		}
	}
	if w.usage != nil {
		msg := domain.Message{TraceID: in.TraceID, RoomID: in.RoomID, UserID: in.UserID}
		if err := w.results.SaveUsage(ctx, w.usage.Generated(msg, usage)); err != nil {
			return persist(err, "generation usage")
		}
	}
	return nil
}

// drain consumes the rest of a stream so its producer can exit.
func drain(events <-chan repo.Event) {
	for range events {
	}
}
