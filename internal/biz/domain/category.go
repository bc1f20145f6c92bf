package domain

import (
	"math/bits"
	"strings"
)

// Category is a filler category shared by the rule engine and the classifier.
type Category string

const (
	CategoryGoodbye         Category = "goodbye"
	CategoryApology         Category = "apology"
	CategoryThank           Category = "thank"
	CategoryGreeting        Category = "greeting"
	CategoryCallOnly        Category = "call_only"
	CategoryReactionOnly    Category = "reaction_only"
	CategoryNoMeaning       Category = "no_meaning"
	CategoryConnectorFiller Category = "connector_filler"

	// LabelMeaningful is the classifier label that is never filtered.
	LabelMeaningful Category = "meaningful"
)

// CategoryOrder is the single priority table. Position i is bit i of a
// Bitmask and rank i of the classifier label priority; lower wins.
var CategoryOrder = []Category{
	CategoryGoodbye,
	CategoryApology,
	CategoryThank,
	CategoryGreeting,
	CategoryCallOnly,
	CategoryReactionOnly,
	CategoryNoMeaning,
	CategoryConnectorFiller,
}

// UnrankedPriority is the rank of anything outside CategoryOrder.
const UnrankedPriority = 9999

var categoryIndex = func() map[Category]int {
	m := make(map[Category]int, len(CategoryOrder))
	for i, c := range CategoryOrder {
		m[c] = i
	}
	return m
}()

// ParseCategory normalizes a label. The second result is false for labels
// outside the shared table (including LabelMeaningful).
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	_, ok := categoryIndex[c]
	return c, ok
}

// Rank returns the priority rank of c, or UnrankedPriority.
func (c Category) Rank() int {
	if i, ok := categoryIndex[c]; ok {
		return i
	}
	return UnrankedPriority
}

// Known reports whether c is part of the shared table.
func (c Category) Known() bool {
	_, ok := categoryIndex[c]
	return ok
}

// PriorityWeight is the classifier-side weight (1 << rank).
func (c Category) PriorityWeight() int {
	if i, ok := categoryIndex[c]; ok {
		return 1 << i
	}
	return 0
}

func (c Category) String() string { return string(c) }

// HighestPriority returns the best-ranked known category among labels.
func HighestPriority(labels ...Category) (Category, bool) {
	best := Category("")
	bestRank := UnrankedPriority
	for _, l := range labels {
		if r := l.Rank(); r < bestRank {
			best, bestRank = l, r
		}
	}
	return best, bestRank != UnrankedPriority
}

// Bitmask flags which categories matched at least once.
type Bitmask uint32

// With returns m with the bit for c set. Unknown categories are ignored.
func (m Bitmask) With(c Category) Bitmask {
	if i, ok := categoryIndex[c]; ok {
		return m | 1<<uint(i)
	}
	return m
}

// Has reports whether the bit for c is set.
func (m Bitmask) Has(c Category) bool {
	i, ok := categoryIndex[c]
	return ok && m&(1<<uint(i)) != 0
}

// Top returns the highest-priority category whose bit is set.
func (m Bitmask) Top() (Category, bool) {
	if m == 0 {
		return "", false
	}
	i := bits.TrailingZeros32(uint32(m))
	if i >= len(CategoryOrder) {
		return "", false
	}
	return CategoryOrder[i], true
}

// Categories lists the set categories in priority order.
func (m Bitmask) Categories() []Category {
	var out []Category
	for i, c := range CategoryOrder {
		if m&(1<<uint(i)) != 0 {
			out = append(out, c)
		}
	}
	return out
}

// Tone is a user's preferred reply tone.
type Tone string

const (
	ToneNeutral  Tone = "neutral"
	ToneFriendly Tone = "friendly"
	TonePolite   Tone = "polite"
	ToneCheerful Tone = "cheerful"
	ToneCalm     Tone = "calm"
	ToneCynical  Tone = "cynical"
)

// ToneFallback is the lookup order tried after the requested tone.
var ToneFallback = []Tone{ToneNeutral, ToneFriendly, TonePolite, ToneCheerful, ToneCalm, ToneCynical}

// ParseTone normalizes a tone, defaulting to neutral.
func ParseTone(s string) Tone {
	t := Tone(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range ToneFallback {
		if t == known {
			return t
		}
	}
	return ToneNeutral
}
