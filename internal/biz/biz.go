package biz

import (
	"github.com/seta-lab/seta/internal/biz/usecase"
)

// Usecases contains all usecases
type Usecases struct {
	Usage  *usecase.UsageAccountant
	Filter *usecase.FilterUsecase
	Prompt *usecase.PromptUsecase
	// Nil when no LLM is configured.
	Summary *usecase.SummaryUsecase
}
