package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
	"github.com/seta-lab/seta/internal/biz/usecase"
	"github.com/seta-lab/seta/internal/observe"
)

// Stage outcomes reported to metrics and logs.
const (
	outcomePass    = "pass"
	outcomeDrop    = "drop"
	outcomeAuto    = "auto"
	outcomeIgnored = "ignored"
	outcomeSkipped = "skipped"
	outcomeError   = "error"
)

// Worker is one long-lived pipeline participant.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// handled describes what a stage did with one event.
type handled struct {
	TraceID string
	RoomID  string
	Outcome string
}

type stageFunc func(ctx context.Context, env repo.Envelope) (handled, error)

// stageRunner owns the consume loop shared by every stage: trace
// extraction, one span per event, metrics, and the error taxonomy.
type stageRunner struct {
	stage   domain.Stage
	topic   string
	group   string
	channel repo.Channel
	results repo.ResultRepo
	log     zerolog.Logger
}

func newStageRunner(stage domain.Stage, topic string, channel repo.Channel, results repo.ResultRepo, log zerolog.Logger) stageRunner {
	return stageRunner{
		stage:   stage,
		topic:   topic,
		group:   "seta-" + string(stage),
		channel: channel,
		results: results,
		log:     log.With().Str("stage", string(stage)).Logger(),
	}
}

func (r *stageRunner) run(ctx context.Context, fn stageFunc) error {
	r.log.Info().Str("topic", r.topic).Str("group", r.group).Msg("Stage worker started")
	defer r.log.Info().Msg("Stage worker stopped")
	return r.channel.Subscribe(ctx, r.topic, r.group, func(ctx context.Context, env repo.Envelope) error {
		return r.handle(ctx, env, fn)
	})
}

// handle always acknowledges: malformed events are lost by definition, and
// failed messages are abandoned after their error record is written.
func (r *stageRunner) handle(ctx context.Context, env repo.Envelope, fn stageFunc) error {
	start := time.Now()
	ctx = observe.Extract(ctx, env.Headers)
	ctx, span := observe.Tracer.Start(ctx, "seta."+string(r.stage),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.destination", r.topic)))
	defer span.End()

	h, err := fn(ctx, env)
	observe.StageDuration.WithLabelValues(string(r.stage)).Observe(time.Since(start).Seconds())

	log := r.log.With().Str("trace_id", h.TraceID).Str("room_id", h.RoomID).Logger()
	switch {
	case err == nil:
		observe.StageEvents.WithLabelValues(string(r.stage), h.Outcome).Inc()
		log.Debug().Str("outcome", h.Outcome).Dur("took", time.Since(start)).Msg("Event handled")
		return nil

	case errors.Is(err, domain.ErrMalformedEvent):
		observe.EventsLost.WithLabelValues(r.topic).Inc()
		observe.StageEvents.WithLabelValues(string(r.stage), outcomeSkipped).Inc()
		log.Warn().Err(err).Str("event_id", env.ID).Msg("Skipping malformed event")
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	observe.StageEvents.WithLabelValues(string(r.stage), outcomeError).Inc()

	rec := &domain.ErrorRecord{
		TraceID: h.TraceID,
		Stage:   r.stage,
		Type:    usecase.ErrorTypeOf(err),
		Message: err.Error(),
		Context: map[string]string{
			"room_id":  h.RoomID,
			"topic":    r.topic,
			"event_id": env.ID,
		},
		CreatedAt: time.Now(),
	}
	log.Error().Err(err).Str("error_type", string(rec.Type)).Msg("Stage failed, abandoning message")
	if saveErr := r.results.SaveError(ctx, rec); saveErr != nil {
		log.Error().Err(saveErr).Msg("Failed to write error record")
	}
	return nil
}

// publish encodes v and sends it keyed by room with propagated trace headers.
func (r *stageRunner) publish(ctx context.Context, topic, roomID string, inbound map[string]string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return &usecase.StageError{Type: domain.ErrorTypeInternal, Err: fmt.Errorf("encode %s: %w", topic, err)}
	}
	env := repo.Envelope{
		Topic:   topic,
		Key:     roomID,
		Headers: observe.Inject(ctx, inbound),
		Payload: payload,
	}
	if err := r.channel.Publish(ctx, env); err != nil {
		return &usecase.StageError{Type: domain.ErrorTypePublish, Err: fmt.Errorf("publish %s: %w", topic, err)}
	}
	return nil
}

// persist wraps a store failure for the error log.
func persist(err error, what string) error {
	if err == nil {
		return nil
	}
	return &usecase.StageError{Type: domain.ErrorTypeStore, Err: fmt.Errorf("save %s: %w", what, err)}
}

// decode unmarshals an envelope payload, tagging failures as malformed.
func decode(env repo.Envelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return errors.Join(domain.ErrMalformedEvent, fmt.Errorf("decode %s: %w", env.Topic, err))
	}
	return nil
}
