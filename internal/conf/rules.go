package conf

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/usecase"
)

//go:embed defaults/*.yaml
var defaultFiles embed.FS

// RulesConfig holds the rule-stage categories and canned reply pools. The
// category file is also accepted as JSON.
type RulesConfig struct {
	Filters   []FilterCategory               `yaml:"filters" json:"filters"`
	Responses map[string]map[string][]string `yaml:"responses"`
	Fallback  map[string][]string            `yaml:"fallback"`
}

// FilterCategory is one category entry
type FilterCategory struct {
	Category string      `yaml:"category" json:"category"`
	Priority *int        `yaml:"priority" json:"priority"`
	Strict   StrictRules `yaml:"strict" json:"strict"`
}

// StrictRules are the phrase lists of a category
type StrictRules struct {
	Base            []string `yaml:"base" json:"base"`
	AllowSuffix     []string `yaml:"allow_suffix" json:"allow_suffix"`
	Exact           []string `yaml:"exact" json:"exact"`
	AllowedTrailers []string `yaml:"allowed_trailers" json:"allowed_trailers"`
}

// LoadRulesConfig loads categories from rulesPath and reply pools from
// responsesPath. Empty paths use the embedded defaults.
func LoadRulesConfig(rulesPath, responsesPath string) (*RulesConfig, error) {
	var cfg RulesConfig

	data, err := readOrDefault(rulesPath, "defaults/filter_rules.yaml")
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse filter rules: %w", err)
	}

	data, err = readOrDefault(responsesPath, "defaults/responses.yaml")
	if err != nil {
		return nil, err
	}
	var pools RulesConfig
	if err := yaml.Unmarshal(data, &pools); err != nil {
		return nil, fmt.Errorf("failed to parse responses: %w", err)
	}
	cfg.Responses = pools.Responses
	cfg.Fallback = pools.Fallback
	return &cfg, nil
}

func readOrDefault(path, embedded string) ([]byte, error) {
	if path == "" {
		return defaultFiles.ReadFile(embedded)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// ToCategoryRules converts to rule-engine categories
func (c *RulesConfig) ToCategoryRules() []usecase.CategoryRules {
	out := make([]usecase.CategoryRules, 0, len(c.Filters))
	for _, f := range c.Filters {
		priority := domain.UnrankedPriority
		if f.Priority != nil {
			priority = *f.Priority
		}
		out = append(out, usecase.CategoryRules{
			Category:        domain.Category(strings.ToLower(strings.TrimSpace(f.Category))),
			Priority:        priority,
			Base:            f.Strict.Base,
			AllowSuffix:     f.Strict.AllowSuffix,
			Exact:           f.Strict.Exact,
			AllowedTrailers: f.Strict.AllowedTrailers,
		})
	}
	return out
}

// ToResponsePool converts to the canned reply pool
func (c *RulesConfig) ToResponsePool() *usecase.ResponsePool {
	byCategory := make(map[domain.Category]map[domain.Tone][]string, len(c.Responses))
	for cat, tones := range c.Responses {
		byCategory[domain.Category(strings.ToLower(cat))] = toTonePool(tones)
	}
	return usecase.NewResponsePool(byCategory, toTonePool(c.Fallback))
}

func toTonePool(in map[string][]string) map[domain.Tone][]string {
	out := make(map[domain.Tone][]string, len(in))
	for tone, xs := range in {
		out[domain.Tone(strings.ToLower(tone))] = xs
	}
	return out
}

// NewSpanFilterEngine builds the rule engine from this configuration
func (c *RulesConfig) NewSpanFilterEngine() (*usecase.SpanFilterEngine, error) {
	return usecase.NewSpanFilterEngine(c.ToCategoryRules(), c.ToResponsePool())
}
