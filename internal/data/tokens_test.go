package data

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens("   "))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 2, EstimateTokens("안녕하세"))
	assert.Equal(t, 3, EstimateTokens("안녕하세요"))
	assert.Equal(t, EstimateTokens("hello"), RuneCounter{}.Count("hello"))
}

func TestTokenCounter_BlankTextSkipsEncoding(t *testing.T) {
	c := NewTokenCounter("", zerolog.Nop()).(*tokenCounter)
	assert.Equal(t, defaultEncoding, c.encoding)
	assert.Zero(t, c.Count(" \n"))
	assert.Nil(t, c.enc)
}
