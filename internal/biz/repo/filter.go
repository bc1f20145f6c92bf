package repo

import (
	"context"

	"github.com/seta-lab/seta/internal/biz/domain"
)

// Scorer is the external text-classification model.
type Scorer interface {
	// Score classifies text and returns the predicted label with the
	// probability of every label the model knows.
	Score(ctx context.Context, text string) (domain.Score, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, text string) (domain.Score, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, text string) (domain.Score, error) {
	return f(ctx, text)
}

// TokenCounter estimates how many model tokens a text occupies.
type TokenCounter interface {
	Count(text string) int
}
