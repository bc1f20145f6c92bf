package usecase

import (
	"math/rand/v2"

	"github.com/seta-lab/seta/internal/biz/domain"
)

// DefaultReply is used when no pool has a candidate.
const DefaultReply = "확인했습니다."

// ResponsePool picks canned replies keyed by category and tone.
type ResponsePool struct {
	byCategory map[domain.Category]map[domain.Tone][]string
	fallback   map[domain.Tone][]string
	intn       func(n int) int
}

// NewResponsePool creates a pool. fallback is used for categories with no
// entry of their own.
func NewResponsePool(byCategory map[domain.Category]map[domain.Tone][]string, fallback map[domain.Tone][]string) *ResponsePool {
	return &ResponsePool{
		byCategory: byCategory,
		fallback:   fallback,
		intn:       rand.IntN,
	}
}

// WithChooser replaces the random index source.
func (p *ResponsePool) WithChooser(intn func(n int) int) *ResponsePool {
	p.intn = intn
	return p
}

// toneKeys is the requested tone followed by ToneFallback, deduplicated.
func toneKeys(tone domain.Tone) []domain.Tone {
	keys := make([]domain.Tone, 0, len(domain.ToneFallback)+1)
	if tone != "" {
		keys = append(keys, tone)
	}
	for _, t := range domain.ToneFallback {
		if t != tone {
			keys = append(keys, t)
		}
	}
	return keys
}

// Pick returns a reply for category in the requested tone.
func (p *ResponsePool) Pick(category domain.Category, tone domain.Tone) string {
	if p == nil {
		return DefaultReply
	}
	keys := toneKeys(tone)
	if reply, ok := p.pickFrom(p.byCategory[category], keys); ok {
		return reply
	}
	if reply, ok := p.pickFrom(p.fallback, keys); ok {
		return reply
	}
	return DefaultReply
}

func (p *ResponsePool) pickFrom(byTone map[domain.Tone][]string, keys []domain.Tone) (string, bool) {
	for _, k := range keys {
		if xs := byTone[k]; len(xs) > 0 {
			return xs[p.intn(len(xs))], true
		}
	}
	return "", false
}
