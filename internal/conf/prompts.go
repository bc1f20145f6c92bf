package conf

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/seta-lab/seta/internal/biz/domain"
)

// PromptsConfig contains all prompt configurations loaded from YAML
type PromptsConfig struct {
	Persona    PersonaPrompts    `yaml:"persona"`
	Tones      map[string]string `yaml:"tones"`
	Summary    SummaryPrompts    `yaml:"summary"`
	Classifier ClassifierPrompts `yaml:"classifier"`
}

// PersonaPrompts contains system prompt pieces
type PersonaPrompts struct {
	DefaultSystemPrompt string `yaml:"default_system_prompt"`
	Intro               string `yaml:"intro"`
	SummaryHeader       string `yaml:"summary_header"`
}

// SummaryPrompts contains the summarization prompt ({{transcript}} placeholder)
type SummaryPrompts struct {
	Prompt string `yaml:"prompt"`
}

// ClassifierPrompts contains classifier settings that are text, not numbers
type ClassifierPrompts struct {
	Particles []string `yaml:"particles"`
	Prompt    string   `yaml:"prompt"` // {{text}} placeholder, LLM scorer only
}

// LoadPromptsConfig loads prompts configuration from YAML file
func LoadPromptsConfig(configPath string) (*PromptsConfig, error) {
	if configPath == "" {
		return DefaultPromptsConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return DefaultPromptsConfig(), fmt.Errorf("failed to read prompts: %w", err)
	}

	var config PromptsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return DefaultPromptsConfig(), fmt.Errorf("failed to parse prompts.yaml: %w", err)
	}

	// Fill in defaults for empty values
	config.fillDefaults()

	return &config, nil
}

// fillDefaults fills in default values for empty fields
func (c *PromptsConfig) fillDefaults() {
	defaults := DefaultPromptsConfig()

	if c.Persona.DefaultSystemPrompt == "" {
		c.Persona.DefaultSystemPrompt = defaults.Persona.DefaultSystemPrompt
	}
	if c.Persona.Intro == "" {
		c.Persona.Intro = defaults.Persona.Intro
	}
	if c.Persona.SummaryHeader == "" {
		c.Persona.SummaryHeader = defaults.Persona.SummaryHeader
	}
	if c.Tones == nil {
		c.Tones = map[string]string{}
	}
	for tone, desc := range defaults.Tones {
		if _, ok := c.Tones[tone]; !ok {
			c.Tones[tone] = desc
		}
	}
	if c.Summary.Prompt == "" {
		c.Summary.Prompt = defaults.Summary.Prompt
	}
	if len(c.Classifier.Particles) == 0 {
		c.Classifier.Particles = defaults.Classifier.Particles
	}
	if c.Classifier.Prompt == "" {
		c.Classifier.Prompt = defaults.Classifier.Prompt
	}
}

// ToneDescriptions returns the tone map keyed by domain tone
func (c *PromptsConfig) ToneDescriptions() map[domain.Tone]string {
	out := make(map[domain.Tone]string, len(c.Tones))
	for k, v := range c.Tones {
		out[domain.Tone(strings.ToLower(k))] = v
	}
	return out
}

// FormatSummaryPrompt fills the summarization prompt
func (c *PromptsConfig) FormatSummaryPrompt(transcript string) string {
	return strings.ReplaceAll(c.Summary.Prompt, "{{transcript}}", transcript)
}

// FormatClassifierPrompt fills the LLM scorer prompt
func (c *PromptsConfig) FormatClassifierPrompt(text string) string {
	return strings.ReplaceAll(c.Classifier.Prompt, "{{text}}", text)
}

// DefaultPromptsConfig returns the default prompts configuration
func DefaultPromptsConfig() *PromptsConfig {
	data, err := defaultFiles.ReadFile("defaults/prompts.yaml")
	if err != nil {
		panic(fmt.Sprintf("embedded prompts missing: %v", err))
	}
	var config PromptsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		panic(fmt.Sprintf("embedded prompts invalid: %v", err))
	}
	return &config
}
