package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
	"github.com/seta-lab/seta/internal/biz/usecase"
	"github.com/seta-lab/seta/internal/observe"
)

// ClassifyWorker runs the intent classifier on rule-filtered messages.
type ClassifyWorker struct {
	runner   stageRunner
	filterUC *usecase.FilterUsecase
	results  repo.ResultRepo

	// auditEmptyPass persists PASS decisions that dropped nothing.
	auditEmptyPass bool
}

// NewClassifyWorker creates the classifier stage worker
func NewClassifyWorker(filterUC *usecase.FilterUsecase, channel repo.Channel, results repo.ResultRepo, auditEmptyPass bool, log zerolog.Logger) *ClassifyWorker {
	return &ClassifyWorker{
		runner:         newStageRunner(domain.StageML, domain.TopicRawFiltered, channel, results, observe.Component(log, "ClassifyWorker")),
		filterUC:       filterUC,
		results:        results,
		auditEmptyPass: auditEmptyPass,
	}
}

func (w *ClassifyWorker) Name() string { return string(domain.StageML) }

// Run consumes until ctx is done
func (w *ClassifyWorker) Run(ctx context.Context) error {
	return w.runner.run(ctx, w.handle)
}

func (w *ClassifyWorker) handle(ctx context.Context, env repo.Envelope) (handled, error) {
	var in domain.MessageEvent
	if err := decode(env, &in); err != nil {
		return handled{}, err
	}
	msg := in.Message
	h := handled{TraceID: msg.TraceID, RoomID: msg.RoomID}
	if err := msg.Validate(); err != nil {
		return h, err
	}

	d, err := w.filterUC.Classify(ctx, msg)
	if err != nil {
		return h, err
	}
	for _, e := range d.DropLog {
		observe.Drops.WithLabelValues(string(domain.StageML), string(e.Label)).Inc()
	}

	if d.Action == domain.ActionDrop || d.Dropped() || w.auditEmptyPass {
		row := &repo.FilterResultRow{
			TraceID:     msg.TraceID,
			RoomID:      msg.RoomID,
			MessageID:   msg.MessageID,
			UserID:      msg.UserID,
			Stage:       domain.StageML,
			Action:      d.Action,
			RuleName:    string(d.Label),
			Score:       d.Score,
			CleanedText: d.Text,
			CreatedAt:   time.Now(),
		}
		if err := persist(w.results.SaveFilterResult(ctx, row), "ml result"); err != nil {
			return h, err
		}
	}
	if usage := w.filterUC.Usage(); usage != nil && (d.Action == domain.ActionDrop || d.Dropped()) {
		rec := usage.SavedByDecision(msg, d)
		if rec.SavedTokens > 0 {
			observe.SavedTokens.WithLabelValues(string(domain.StageML)).Add(float64(rec.SavedTokens))
			if err := persist(w.results.SaveUsage(ctx, rec), "ml usage"); err != nil {
				return h, err
			}
		}
	}

	h.Outcome = outcomePass
	if d.Action == domain.ActionDrop {
		h.Outcome = outcomeDrop
	}
	return h, w.runner.publish(ctx, domain.TopicFilterResult, msg.RoomID, env.Headers, w.resultEvent(msg, d))
}

func (w *ClassifyWorker) resultEvent(msg domain.Message, d *domain.FilterDecision) domain.FilterResultEvent {
	explanations := make([]domain.Explanation, 0, len(d.DropLog))
	for _, e := range d.DropLog {
		explanations = append(explanations, domain.Explanation{
			Text:       e.Text,
			Label:      e.Label,
			Confidence: e.Confidence,
		})
	}
	return domain.FilterResultEvent{
		TraceID:      msg.TraceID,
		RoomID:       msg.RoomID,
		MessageID:    msg.MessageID,
		UserID:       msg.UserID,
		Stage:        domain.StageML,
		StageOrder:   domain.StageML.Order(),
		OriginalText: msg.RawText,
		CleanedText:  d.Text,
		Tone:         msg.Tone,
		Decision: domain.DecisionPayload{
			Action:     d.Action,
			Score:      d.Score,
			Threshold:  w.filterUC.Threshold(d.Label),
			ReasonType: d.Label,
		},
		Explanations:  explanations,
		SchemaVersion: domain.SchemaVersion,
		Timestamp:     time.Now().UTC(),
	}
}
