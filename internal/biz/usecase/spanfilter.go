package usecase

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/seta-lab/seta/internal/biz/domain"
)

// CategoryRules configures one rule-engine category. Base phrases may take
// one of AllowSuffix; both Base and Exact phrases may be followed by any
// run of AllowedTrailers. Priority is 1-based; 0 means unset.
type CategoryRules struct {
	Category        domain.Category
	Priority        int
	Base            []string
	AllowSuffix     []string
	Exact           []string
	AllowedTrailers []string
}

var (
	reTabRun      = regexp.MustCompile(`[ \t]{2,}`)
	reSpaceBefore = regexp.MustCompile(`\s+\n`)
	reSpaceAfter  = regexp.MustCompile(`\n\s+`)
	reLaughRun    = regexp.MustCompile(`ㅋ{2,}`)
)

// isWordRune is the boundary alphabet: ASCII alphanumerics and Hangul syllables.
func isWordRune(r rune) bool {
	return (r >= '0' && r <= '9') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= 'a' && r <= 'z') ||
		(r >= '가' && r <= '힣')
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !isWordRune(r)
}

// HasMeaningfulText reports whether any boundary-alphabet rune remains.
func HasMeaningfulText(text string) bool {
	for _, r := range text {
		if isWordRune(r) {
			return true
		}
	}
	return false
}

// spanRule is one compiled phrase.
type spanRule struct {
	category domain.Category
	priority int
	core     *regexp.Regexp
	suffixes []*regexp.Regexp
	trailers []*regexp.Regexp
}

type spanCandidate struct {
	start, end int // byte offsets
	runes      int
	category   domain.Category
	priority   int
}

// SpanFilterEngine is the rule-based filler remover. It is immutable after
// construction and safe for concurrent use.
type SpanFilterEngine struct {
	rules     []spanRule
	responder *ResponsePool
}

// NewSpanFilterEngine compiles the category rules.
func NewSpanFilterEngine(categories []CategoryRules, responder *ResponsePool) (*SpanFilterEngine, error) {
	e := &SpanFilterEngine{responder: responder}
	for _, c := range categories {
		priority := c.Priority
		if priority <= 0 {
			priority = domain.UnrankedPriority
		}
		suffixes, err := compileAnchored(c.AllowSuffix, "")
		if err != nil {
			return nil, fmt.Errorf("category %s suffix: %w", c.Category, err)
		}
		trailers, err := compileAnchored(c.AllowedTrailers, `\s*`)
		if err != nil {
			return nil, fmt.Errorf("category %s trailer: %w", c.Category, err)
		}
		add := func(phrase string, sfx []*regexp.Regexp) error {
			p := phrasePattern(phrase)
			if p == "" {
				return nil
			}
			core, err := regexp.Compile(`(?i)` + p)
			if err != nil {
				return fmt.Errorf("category %s phrase %q: %w", c.Category, phrase, err)
			}
			e.rules = append(e.rules, spanRule{
				category: c.Category,
				priority: priority,
				core:     core,
				suffixes: sfx,
				trailers: trailers,
			})
			return nil
		}
		for _, b := range c.Base {
			if err := add(b, suffixes); err != nil {
				return nil, err
			}
		}
		for _, x := range c.Exact {
			if err := add(x, nil); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

// phrasePattern quotes a phrase, letting inner spaces match any whitespace run.
func phrasePattern(phrase string) string {
	words := strings.Fields(norm.NFC.String(phrase))
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return strings.Join(words, `\s+`)
}

// compileAnchored compiles each literal as a case-insensitive prefix matcher,
// longest literal first.
func compileAnchored(literals []string, lead string) ([]*regexp.Regexp, error) {
	sorted := make([]string, 0, len(literals))
	for _, l := range literals {
		if l = norm.NFC.String(strings.TrimSpace(l)); l != "" {
			sorted = append(sorted, l)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return utf8.RuneCountInString(sorted[i]) > utf8.RuneCountInString(sorted[j])
	})
	out := make([]*regexp.Regexp, 0, len(sorted))
	for _, l := range sorted {
		rx, err := regexp.Compile(`\A` + lead + `(?i:` + regexp.QuoteMeta(l) + `)`)
		if err != nil {
			return nil, err
		}
		out = append(out, rx)
	}
	return out, nil
}

// Filter removes configured filler spans from text and routes the result.
func (e *SpanFilterEngine) Filter(text string, tone domain.Tone) domain.SpanResult {
	text = norm.NFC.String(text)

	var cands []spanCandidate
	for i := range e.rules {
		cands = e.rules[i].scan(text, cands)
	}
	accepted := resolveOverlaps(cands)

	res := domain.SpanResult{Matches: make([]domain.SpanMatch, 0, len(accepted))}
	for _, c := range accepted {
		res.Bitmask = res.Bitmask.With(c.category)
		res.Matches = append(res.Matches, domain.SpanMatch{
			Text:     text[c.start:c.end],
			Category: c.category,
			Start:    utf8.RuneCountInString(text[:c.start]),
			End:      utf8.RuneCountInString(text[:c.end]),
		})
	}
	remaining := removeSpans(text, accepted)

	if HasMeaningfulText(remaining) {
		res.Mode = domain.ModePass
		res.RemainingText = reLaughRun.ReplaceAllString(remaining, "ㅋㅋ")
		return res
	}

	res.Mode = domain.ModeAuto
	res.RemainingText = remaining
	top, ok := res.Bitmask.Top()
	if !ok {
		top = domain.CategoryNoMeaning
		res.Bitmask = res.Bitmask.With(top)
	}
	res.TopCategory = top
	res.Response = e.responder.Pick(top, tone)
	return res
}

// scan collects every boundary-respecting match of the rule, scanning left
// to right and resuming after each accepted match.
func (r *spanRule) scan(text string, out []spanCandidate) []spanCandidate {
	pos := 0
	for pos < len(text) {
		loc := r.core.FindStringIndex(text[pos:])
		if loc == nil {
			break
		}
		s, coreEnd := pos+loc[0], pos+loc[1]
		if coreEnd > s && boundaryBefore(text, s) {
			if end, ok := r.extend(text, coreEnd); ok {
				out = append(out, spanCandidate{
					start:    s,
					end:      end,
					runes:    utf8.RuneCountInString(text[s:end]),
					category: r.category,
					priority: r.priority,
				})
				pos = end
				continue
			}
		}
		_, size := utf8.DecodeRuneInString(text[s:])
		pos = s + max(size, 1)
	}
	return out
}

// extend returns the furthest end reachable from coreEnd through an optional
// suffix and any run of trailers that still sits on a right boundary.
func (r *spanRule) extend(text string, coreEnd int) (int, bool) {
	frontier := []int{coreEnd}
	for _, sfx := range r.suffixes {
		if loc := sfx.FindStringIndex(text[coreEnd:]); loc != nil && loc[1] > 0 {
			frontier = append(frontier, coreEnd+loc[1])
		}
	}
	seen := make(map[int]bool, len(frontier))
	for _, p := range frontier {
		seen[p] = true
	}
	for i := 0; i < len(frontier); i++ {
		p := frontier[i]
		for _, tr := range r.trailers {
			loc := tr.FindStringIndex(text[p:])
			if loc == nil || loc[1] == 0 {
				continue
			}
			if np := p + loc[1]; !seen[np] {
				seen[np] = true
				frontier = append(frontier, np)
			}
		}
	}
	best := -1
	for p := range seen {
		if p > best && boundaryAfter(text, p) {
			best = p
		}
	}
	return best, best >= 0
}

// resolveOverlaps keeps the longest, then leftmost, then highest-priority
// candidates that do not overlap, returned in text order.
func resolveOverlaps(cands []spanCandidate) []spanCandidate {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.runes != b.runes {
			return a.runes > b.runes
		}
		if a.start != b.start {
			return a.start < b.start
		}
		return a.priority < b.priority
	})
	var kept []spanCandidate
	for _, c := range cands {
		overlaps := false
		for _, k := range kept {
			if c.start < k.end && k.start < c.end {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].start < kept[j].start })
	return kept
}

// removeSpans cuts the spans out and tidies the whitespace left behind.
func removeSpans(text string, spans []spanCandidate) string {
	var b strings.Builder
	prev := 0
	for _, s := range spans {
		b.WriteString(text[prev:s.start])
		prev = s.end
	}
	b.WriteString(text[prev:])
	out := reTabRun.ReplaceAllString(b.String(), " ")
	out = reSpaceBefore.ReplaceAllString(out, "\n")
	out = reSpaceAfter.ReplaceAllString(out, "\n")
	return strings.TrimSpace(out)
}
