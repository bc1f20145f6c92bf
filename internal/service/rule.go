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

// RuleWorker runs the span filter on raw requests. Pass-mode messages move
// on to the classifier; auto-mode messages end here with a canned reply.
type RuleWorker struct {
	runner   stageRunner
	filterUC *usecase.FilterUsecase
	results  repo.ResultRepo
}

// NewRuleWorker creates the rule stage worker
func NewRuleWorker(filterUC *usecase.FilterUsecase, channel repo.Channel, results repo.ResultRepo, log zerolog.Logger) *RuleWorker {
	return &RuleWorker{
		runner:   newStageRunner(domain.StageRule, domain.TopicRawRequest, channel, results, observe.Component(log, "RuleWorker")),
		filterUC: filterUC,
		results:  results,
	}
}

func (w *RuleWorker) Name() string { return string(domain.StageRule) }

// Run consumes until ctx is done
func (w *RuleWorker) Run(ctx context.Context) error {
	return w.runner.run(ctx, w.handle)
}

func (w *RuleWorker) handle(ctx context.Context, env repo.Envelope) (handled, error) {
	var in domain.MessageEvent
	if err := decode(env, &in); err != nil {
		return handled{}, err
	}
	msg := in.Message
	h := handled{TraceID: msg.TraceID, RoomID: msg.RoomID}
	if err := msg.Validate(); err != nil {
		return h, err
	}
	if env.Headers[domain.HeaderTraceparent] == "" {
		ctx = observe.RootContext(ctx, msg.TraceID)
	}

	res := w.filterUC.ApplyRules(msg)
	for _, m := range res.Matches {
		observe.Drops.WithLabelValues(string(domain.StageRule), string(m.Category)).Inc()
	}

	row := &repo.FilterResultRow{
		TraceID:     msg.TraceID,
		RoomID:      msg.RoomID,
		MessageID:   msg.MessageID,
		UserID:      msg.UserID,
		Stage:       domain.StageRule,
		Action:      domain.ActionPass,
		RuleName:    string(res.TopCategory),
		CleanedText: res.RemainingText,
		Response:    res.Response,
		CreatedAt:   time.Now(),
	}
	if len(res.Matches) > 0 {
		row.Score = 1
	}
	if res.Mode == domain.ModeAuto {
		row.Action = domain.ActionDrop
	}
	if err := persist(w.results.SaveFilterResult(ctx, row), "rule result"); err != nil {
		return h, err
	}
	if err := w.saveSaved(ctx, msg, res); err != nil {
		return h, err
	}

	if res.Mode == domain.ModeAuto {
		h.Outcome = outcomeAuto
		return h, w.runner.publish(ctx, domain.TopicFilterResult, msg.RoomID, env.Headers, ruleResultEvent(msg, res))
	}

	out := domain.MessageEvent{
		Message:       msg.WithCleaned(res.RemainingText, domain.ModePass),
		Bitmask:       res.Bitmask,
		SchemaVersion: domain.SchemaVersion,
	}
	h.Outcome = outcomePass
	return h, w.runner.publish(ctx, domain.TopicRawFiltered, msg.RoomID, env.Headers, out)
}

func (w *RuleWorker) saveSaved(ctx context.Context, msg domain.Message, res domain.SpanResult) error {
	usage := w.filterUC.Usage()
	if usage == nil || len(res.Matches) == 0 {
		return nil
	}
	rec := usage.SavedBySpans(msg, res)
	if rec.SavedTokens == 0 {
		return nil
	}
	observe.SavedTokens.WithLabelValues(string(domain.StageRule)).Add(float64(rec.SavedTokens))
	return persist(w.results.SaveUsage(ctx, rec), "rule usage")
}

// ruleResultEvent is the terminal event of an auto-routed message.
func ruleResultEvent(msg domain.Message, res domain.SpanResult) domain.FilterResultEvent {
	explanations := make([]domain.Explanation, 0, len(res.Matches))
	for _, m := range res.Matches {
		explanations = append(explanations, domain.Explanation{
			Text:       m.Text,
			Label:      m.Category,
			Confidence: 1,
			Start:      m.Start,
			End:        m.End,
		})
	}
	return domain.FilterResultEvent{
		TraceID:      msg.TraceID,
		RoomID:       msg.RoomID,
		MessageID:    msg.MessageID,
		UserID:       msg.UserID,
		Stage:        domain.StageRule,
		StageOrder:   domain.StageRule.Order(),
		OriginalText: msg.RawText,
		CleanedText:  res.RemainingText,
		Tone:         msg.Tone,
		Decision: domain.DecisionPayload{
			Action:     domain.ActionDrop,
			Score:      1,
			ReasonType: res.TopCategory,
			ReasonText: res.Response,
		},
		Explanations:  explanations,
		SchemaVersion: domain.SchemaVersion,
		Timestamp:     time.Now().UTC(),
	}
}
