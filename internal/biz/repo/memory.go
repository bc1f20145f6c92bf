package repo

import (
	"context"

	"github.com/seta-lab/seta/internal/biz/domain"
)

// MemoryRepo is the summary search store.
type MemoryRepo interface {
	// IndexSummary stores or replaces a summary by ID.
	IndexSummary(ctx context.Context, entry *domain.SummaryEntry) error
	// SearchSummaries returns up to k summaries for the user whose cosine
	// similarity to vector is at least minScore, best first.
	SearchSummaries(ctx context.Context, userID string, vector []float32, k int, minScore float64) ([]domain.ScoredSummary, error)
}
