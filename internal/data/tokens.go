package data

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"

	"github.com/seta-lab/seta/internal/biz/repo"
)

const defaultEncoding = "cl100k_base"

// tokenCounter counts with a BPE encoding and falls back to a rune
// estimate when the encoding cannot be loaded.
type tokenCounter struct {
	once     sync.Once
	encoding string
	enc      *tiktoken.Tiktoken
	log      zerolog.Logger
}

// NewTokenCounter creates a counter for encoding ("" uses cl100k_base).
// The encoding is loaded lazily on first use.
func NewTokenCounter(encoding string, log zerolog.Logger) repo.TokenCounter {
	if encoding == "" {
		encoding = defaultEncoding
	}
	return &tokenCounter{encoding: encoding, log: log.With().Str("component", "TokenCounter").Logger()}
}

func (c *tokenCounter) Count(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			c.log.Warn().Err(err).Str("encoding", c.encoding).Msg("Encoding unavailable, estimating from runes")
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return EstimateTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// EstimateTokens approximates the token count as one token per two runes.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	if n == 0 {
		return 0
	}
	return (n + 1) / 2
}

// RuneCounter is a TokenCounter that only estimates.
type RuneCounter struct{}

func (RuneCounter) Count(text string) int { return EstimateTokens(text) }
