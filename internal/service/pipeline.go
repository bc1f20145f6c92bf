package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
	"github.com/seta-lab/seta/internal/observe"
)

// Pipeline runs a set of workers until one fails or ctx is done.
type Pipeline struct {
	workers []Worker
	log     zerolog.Logger
}

// NewPipeline creates a pipeline of workers
func NewPipeline(log zerolog.Logger, workers ...Worker) *Pipeline {
	return &Pipeline{workers: workers, log: observe.Component(log, "Pipeline")}
}

// Workers returns the worker names
func (p *Pipeline) Workers() []string {
	names := make([]string, 0, len(p.workers))
	for _, w := range p.workers {
		names = append(names, w.Name())
	}
	return names
}

// Run starts every worker and blocks until all have returned
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			if err := w.Run(ctx); err != nil {
				return fmt.Errorf("%s worker: %w", w.Name(), err)
			}
			return nil
		})
	}
	p.log.Info().Strs("workers", p.Workers()).Msg("Pipeline running")
	err := g.Wait()
	p.log.Info().Err(err).Msg("Pipeline stopped")
	return err
}

// Submit ingests a message: it fills the trace id and timestamp when
// missing and publishes it to the raw request topic.
func Submit(ctx context.Context, pub repo.Publisher, msg domain.Message) (domain.Message, error) {
	if msg.TraceID == "" {
		msg.TraceID = uuid.NewString()
	}
	if msg.MessageID == "" {
		msg.MessageID = msg.TraceID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Tone == "" {
		msg.Tone = domain.ToneNeutral
	}
	msg.CleanedText, msg.Mode = "", ""
	if err := msg.Validate(); err != nil {
		return msg, err
	}

	payload, err := json.Marshal(domain.MessageEvent{Message: msg, SchemaVersion: domain.SchemaVersion})
	if err != nil {
		return msg, err
	}
	ctx = observe.RootContext(ctx, msg.TraceID)
	err = pub.Publish(ctx, repo.Envelope{
		Topic:   domain.TopicRawRequest,
		Key:     msg.RoomID,
		Headers: observe.Inject(ctx, nil),
		Payload: payload,
	})
	if err != nil {
		return msg, fmt.Errorf("publish raw request: %w", err)
	}
	return msg, nil
}
