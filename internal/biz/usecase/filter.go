package usecase

import (
	"context"
	"strings"

	"github.com/seta-lab/seta/internal/biz/domain"
)

// FilterUsecase composes the rule and classifier stages.
type FilterUsecase struct {
	rules      *SpanFilterEngine
	classifier *IntentClassifier
	usage      *UsageAccountant
}

// NewFilterUsecase creates a new filter usecase. classifier may be nil.
func NewFilterUsecase(rules *SpanFilterEngine, classifier *IntentClassifier, usage *UsageAccountant) *FilterUsecase {
	return &FilterUsecase{
		rules:      rules,
		classifier: classifier,
		usage:      usage,
	}
}

// ApplyRules runs the rule stage on the raw text of msg.
func (uc *FilterUsecase) ApplyRules(msg domain.Message) domain.SpanResult {
	return uc.rules.Filter(msg.RawText, msg.Tone)
}

// Classify runs the classifier stage on the rule-cleaned text of msg.
func (uc *FilterUsecase) Classify(ctx context.Context, msg domain.Message) (*domain.FilterDecision, error) {
	// If no classifier configured, pass through
	if uc.classifier == nil {
		text := strings.TrimSpace(msg.Text())
		d := &domain.FilterDecision{Action: domain.ActionPass, Text: text}
		if text == "" {
			d.Action = domain.ActionDrop
		}
		return d, nil
	}
	return uc.classifier.Classify(ctx, msg.Text())
}

// IsClassifierEnabled returns whether the ML stage is configured
func (uc *FilterUsecase) IsClassifierEnabled() bool {
	return uc.classifier != nil
}

// Threshold returns the classifier threshold reported for label.
func (uc *FilterUsecase) Threshold(label domain.Category) float64 {
	if uc.classifier == nil || label == "" {
		return 0
	}
	return uc.classifier.Config().Threshold(label)
}

// Usage returns the accountant used for saved-resource records.
func (uc *FilterUsecase) Usage() *UsageAccountant { return uc.usage }

// Evaluation is the outcome of running both stages in one call.
type Evaluation struct {
	Rule      domain.SpanResult      `json:"rule"`
	ML        *domain.FilterDecision `json:"ml,omitempty"`
	Action    domain.Action          `json:"action"`
	FinalText string                 `json:"final_text"`
	Saved     domain.Resources       `json:"saved"`
}

// Evaluate runs both stages synchronously. It backs the debug surfaces.
func (uc *FilterUsecase) Evaluate(ctx context.Context, text string, tone domain.Tone) (*Evaluation, error) {
	msg := domain.Message{RawText: text, Tone: tone}
	ev := &Evaluation{Rule: uc.ApplyRules(msg)}
	if ev.Rule.Mode == domain.ModeAuto {
		ev.Action = domain.ActionDrop
		if uc.usage != nil {
			ev.Saved = uc.usage.SavedBySpans(msg, ev.Rule).Saved
		}
		return ev, nil
	}

	msg = msg.WithCleaned(ev.Rule.RemainingText, domain.ModePass)
	d, err := uc.Classify(ctx, msg)
	if err != nil {
		return nil, err
	}
	ev.ML = d
	ev.Action = d.Action
	ev.FinalText = d.Text
	if uc.usage != nil {
		ev.Saved = uc.usage.SavedBySpans(msg, ev.Rule).Saved.Add(uc.usage.SavedByDecision(msg, d).Saved)
	}
	return ev, nil
}
