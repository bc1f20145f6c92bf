package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
)

// ErrScorer wraps every scoring failure. It is fatal for the message.
var ErrScorer = errors.New("scorer failed")

// PrefixOrder is the order in which prefix lengths are tried.
type PrefixOrder string

const (
	PrefixShortestFirst PrefixOrder = "shortest"
	PrefixLongestFirst  PrefixOrder = "longest"
)

// ClassifierConfig holds the classifier policy.
type ClassifierConfig struct {
	Thresholds       map[domain.Category]float64
	DefaultThreshold float64
	Margin           float64
	MaxPrefix        int
	Order            PrefixOrder
	// Particles are endings that mark a lone token as a noun phrase.
	Particles []string
}

// DefaultClassifierConfig returns the production thresholds.
func DefaultClassifierConfig() ClassifierConfig {
	th := make(map[domain.Category]float64, len(domain.CategoryOrder))
	for _, c := range domain.CategoryOrder {
		th[c] = 0.90
	}
	th[domain.CategoryCallOnly] = 0.95
	return ClassifierConfig{
		Thresholds:       th,
		DefaultThreshold: 0.90,
		Margin:           0.10,
		MaxPrefix:        3,
		Order:            PrefixShortestFirst,
		Particles:        []string{"에게", "에서", "한테", "으로", "은", "는", "을", "를", "이", "가", "의", "도", "로"},
	}
}

// Threshold returns the acceptance threshold for label.
func (c ClassifierConfig) Threshold(label domain.Category) float64 {
	if t, ok := c.Thresholds[label]; ok {
		return t
	}
	return c.DefaultThreshold
}

// IntentClassifier strips filler n-gram prefixes using an external scorer.
// It holds no mutable state.
type IntentClassifier struct {
	scorer repo.Scorer
	cfg    ClassifierConfig
}

// NewIntentClassifier creates a classifier.
func NewIntentClassifier(scorer repo.Scorer, cfg ClassifierConfig) *IntentClassifier {
	if cfg.MaxPrefix <= 0 {
		cfg.MaxPrefix = 3
	}
	return &IntentClassifier{scorer: scorer, cfg: cfg}
}

// Config returns the active policy.
func (c *IntentClassifier) Config() ClassifierConfig { return c.cfg }

// verdict of one scoring call.
type verdict int

const (
	verdictNone verdict = iota
	verdictMeaningful
	verdictDrop
)

// classifyRun scores and memoizes text within one Classify call.
type classifyRun struct {
	c    *IntentClassifier
	ctx  context.Context
	memo map[string]domain.Score
}

func (r *classifyRun) judge(text string) (verdict, domain.Score, error) {
	sc, ok := r.memo[text]
	if !ok {
		var err error
		sc, err = r.c.scorer.Score(r.ctx, text)
		if err != nil {
			return verdictNone, sc, fmt.Errorf("%w: %w", ErrScorer, err)
		}
		r.memo[text] = sc
	}
	if sc.Label == domain.LabelMeaningful {
		return verdictMeaningful, sc, nil
	}
	if !sc.Label.Known() {
		return verdictNone, sc, nil
	}
	top, second := sc.Top()
	if top >= r.c.cfg.Threshold(sc.Label) && top-second >= r.c.cfg.Margin {
		return verdictDrop, sc, nil
	}
	return verdictNone, sc, nil
}

// Classify runs the recursive prefix filter over every sentence of text.
func (c *IntentClassifier) Classify(ctx context.Context, text string) (*domain.FilterDecision, error) {
	run := &classifyRun{c: c, ctx: ctx, memo: make(map[string]domain.Score)}

	var kept []string
	var drops []domain.DropLogEntry
	for _, sentence := range splitSentences(text) {
		tokens := strings.Fields(sentence)
		for len(tokens) > 0 {
			stop, consumed, err := c.stripPrefix(run, sentence, tokens, &kept, &drops)
			if err != nil {
				return nil, err
			}
			if stop {
				break
			}
			tokens = tokens[consumed:]
		}
	}

	d := &domain.FilterDecision{
		Text:    strings.TrimSpace(strings.Join(kept, " ")),
		DropLog: drops,
	}
	if d.Text != "" {
		d.Action = domain.ActionPass
	} else {
		d.Action = domain.ActionDrop
	}
	labels := make([]domain.Category, 0, len(drops))
	for _, e := range drops {
		labels = append(labels, e.Label)
		if e.Confidence > d.Score {
			d.Score = e.Confidence
		}
	}
	if label, ok := domain.HighestPriority(labels...); ok {
		d.Label = label
	}
	if d.Action == domain.ActionPass && len(drops) == 0 {
		d.Label, d.Score = "", 0
	}
	return d, nil
}

// stripPrefix handles one step over the remaining tokens of a sentence. It
// returns stop=true once the sentence is finished, otherwise the number of
// tokens dropped from the front.
func (c *IntentClassifier) stripPrefix(run *classifyRun, sentence string, tokens []string, kept *[]string, drops *[]domain.DropLogEntry) (bool, int, error) {
	for _, n := range c.prefixLengths(len(tokens)) {
		prefix := strings.Join(tokens[:n], " ")
		v, sc, err := run.judge(prefix)
		if err != nil {
			return true, 0, err
		}
		switch v {
		case verdictMeaningful:
			*kept = append(*kept, strings.Join(tokens, " "))
			return true, 0, nil
		case verdictDrop:
			if n == 1 && c.endsWithParticle(tokens[0]) {
				*kept = append(*kept, strings.Join(tokens, " "))
				return true, 0, nil
			}
			top, _ := sc.Top()
			*drops = append(*drops, domain.DropLogEntry{
				Sentence:   sentence,
				Stage:      domain.StageML,
				Text:       prefix,
				Label:      sc.Label,
				Confidence: top,
			})
			return false, n, nil
		}
	}

	rest := strings.Join(tokens, " ")
	v, sc, err := run.judge(rest)
	if err != nil {
		return true, 0, err
	}
	if v == verdictDrop {
		top, _ := sc.Top()
		*drops = append(*drops, domain.DropLogEntry{
			Sentence:   sentence,
			Stage:      domain.StageML,
			Text:       rest,
			Label:      sc.Label,
			Confidence: top,
		})
		return true, 0, nil
	}
	*kept = append(*kept, rest)
	return true, 0, nil
}

func (c *IntentClassifier) prefixLengths(available int) []int {
	limit := min(c.cfg.MaxPrefix, available)
	out := make([]int, 0, limit)
	for n := 1; n <= limit; n++ {
		out = append(out, n)
	}
	if c.cfg.Order == PrefixLongestFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

func (c *IntentClassifier) endsWithParticle(token string) bool {
	for _, p := range c.cfg.Particles {
		if len(token) > len(p) && strings.HasSuffix(token, p) {
			return true
		}
	}
	return false
}

// splitSentences splits on terminal punctuation and drops empty pieces.
func splitSentences(text string) []string {
	text = strings.NewReplacer("?", ".", "!", ".").Replace(text)
	var out []string
	for _, s := range strings.Split(text, ".") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
