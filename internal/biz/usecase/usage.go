package usecase

import (
	"strings"
	"time"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
)

// UsageRates are per-prompt resource figures spread linearly over an
// assumed average prompt size.
type UsageRates struct {
	TokensPerPrompt int
	CostPerPrompt   float64 // USD
	EnergyPerPrompt float64 // Wh
	CO2PerPrompt    float64 // g
	WaterPerPrompt  float64 // ml
}

// DefaultUsageRates returns the published per-prompt estimates.
func DefaultUsageRates() UsageRates {
	return UsageRates{
		TokensPerPrompt: 100,
		CostPerPrompt:   0.001,
		EnergyPerPrompt: 0.24,
		CO2PerPrompt:    0.03,
		WaterPerPrompt:  0.26,
	}
}

// UsageAccountant converts token counts into resource estimates.
type UsageAccountant struct {
	rates   UsageRates
	counter repo.TokenCounter
	now     func() time.Time
}

// NewUsageAccountant creates an accountant. counter is used to size text
// that never reached generation.
func NewUsageAccountant(rates UsageRates, counter repo.TokenCounter) *UsageAccountant {
	if rates.TokensPerPrompt <= 0 {
		rates.TokensPerPrompt = DefaultUsageRates().TokensPerPrompt
	}
	return &UsageAccountant{rates: rates, counter: counter, now: time.Now}
}

// Estimate maps a token count to resources.
func (a *UsageAccountant) Estimate(tokens int) domain.Resources {
	if tokens <= 0 {
		return domain.Resources{}
	}
	f := float64(tokens) / float64(a.rates.TokensPerPrompt)
	return domain.Resources{
		CostUSD:  a.rates.CostPerPrompt * f,
		EnergyWh: a.rates.EnergyPerPrompt * f,
		CO2g:     a.rates.CO2PerPrompt * f,
		WaterML:  a.rates.WaterPerPrompt * f,
	}
}

// CountTokens sizes text with the configured counter.
func (a *UsageAccountant) CountTokens(text string) int {
	if a.counter == nil || strings.TrimSpace(text) == "" {
		return 0
	}
	return a.counter.Count(text)
}

// Generated builds the record for a completed generation.
func (a *UsageAccountant) Generated(msg domain.Message, u domain.TokenUsage) *domain.UsageRecord {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return &domain.UsageRecord{
		TraceID:          msg.TraceID,
		RoomID:           msg.RoomID,
		UserID:           msg.UserID,
		Stage:            domain.StageGenerate,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		Used:             a.Estimate(u.TotalTokens),
		CreatedAt:        a.now(),
	}
}

// Saved builds the record for text that was kept from generation.
func (a *UsageAccountant) Saved(msg domain.Message, stage domain.Stage, text string) *domain.UsageRecord {
	tokens := a.CountTokens(text)
	return &domain.UsageRecord{
		TraceID:     msg.TraceID,
		RoomID:      msg.RoomID,
		UserID:      msg.UserID,
		Stage:       stage,
		SavedTokens: tokens,
		Saved:       a.Estimate(tokens),
		CreatedAt:   a.now(),
	}
}

// SavedBySpans sizes what the rule stage removed. An auto-routed message
// saves the whole input.
func (a *UsageAccountant) SavedBySpans(msg domain.Message, res domain.SpanResult) *domain.UsageRecord {
	if res.Mode == domain.ModeAuto {
		return a.Saved(msg, domain.StageRule, msg.RawText)
	}
	parts := make([]string, 0, len(res.Matches))
	for _, m := range res.Matches {
		parts = append(parts, m.Text)
	}
	return a.Saved(msg, domain.StageRule, strings.Join(parts, " "))
}

// SavedByDecision sizes what the classifier removed. A PASS with an empty
// drop log saves nothing.
func (a *UsageAccountant) SavedByDecision(msg domain.Message, d *domain.FilterDecision) *domain.UsageRecord {
	if d.Action == domain.ActionDrop {
		return a.Saved(msg, domain.StageML, msg.Text())
	}
	parts := make([]string, 0, len(d.DropLog))
	for _, e := range d.DropLog {
		parts = append(parts, e.Text)
	}
	return a.Saved(msg, domain.StageML, strings.Join(parts, " "))
}
