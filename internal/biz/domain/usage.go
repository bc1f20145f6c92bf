package domain

import "time"

// Resources is an estimate of what a number of tokens costs to generate.
type Resources struct {
	CostUSD  float64 `json:"cost_usd"`
	EnergyWh float64 `json:"energy_wh"`
	CO2g     float64 `json:"co2_g"`
	WaterML  float64 `json:"water_ml"`
}

// Add returns the field-wise sum.
func (r Resources) Add(o Resources) Resources {
	return Resources{
		CostUSD:  r.CostUSD + o.CostUSD,
		EnergyWh: r.EnergyWh + o.EnergyWh,
		CO2g:     r.CO2g + o.CO2g,
		WaterML:  r.WaterML + o.WaterML,
	}
}

// IsZero reports whether every field is zero.
func (r Resources) IsZero() bool { return r == Resources{} }

// UsageRecord is the per-trace token and resource accounting row.
type UsageRecord struct {
	TraceID          string    `json:"trace_id"`
	RoomID           string    `json:"room_id"`
	UserID           string    `json:"user_id"`
	Stage            Stage     `json:"stage"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Used             Resources `json:"used"`
	SavedTokens      int       `json:"saved_tokens"`
	Saved            Resources `json:"saved"`
	CreatedAt        time.Time `json:"created_at"`
}

// TokenUsage is the generation-reported token split.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
