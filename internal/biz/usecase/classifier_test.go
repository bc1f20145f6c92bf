package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seta-lab/seta/internal/biz/domain"
)

func TestClassifier_DropsFillerPrefix(t *testing.T) {
	scorer := &mapScorer{scores: map[string]domain.Score{
		"고마워": score(domain.CategoryThank, 0.97),
	}}
	c := NewIntentClassifier(scorer, DefaultClassifierConfig())

	d, err := c.Classify(context.Background(), "고마워 내일 보자")
	require.NoError(t, err)

	assert.Equal(t, domain.ActionPass, d.Action)
	assert.Equal(t, "내일 보자", d.Text)
	assert.Equal(t, domain.CategoryThank, d.Label)
	assert.InDelta(t, 0.97, d.Score, 1e-9)
	require.Len(t, d.DropLog, 1)
	assert.Equal(t, domain.DropLogEntry{
		Sentence:   "고마워 내일 보자",
		Stage:      domain.StageML,
		Text:       "고마워",
		Label:      domain.CategoryThank,
		Confidence: 0.97,
	}, d.DropLog[0])
}

func TestClassifier_AllFillerDrops(t *testing.T) {
	scorer := &mapScorer{scores: map[string]domain.Score{
		"고마워": score(domain.CategoryThank, 0.97),
		"ㅎㅎ":  score(domain.CategoryReactionOnly, 0.93),
	}}
	c := NewIntentClassifier(scorer, DefaultClassifierConfig())

	d, err := c.Classify(context.Background(), "고마워 ㅎㅎ")
	require.NoError(t, err)

	assert.Equal(t, domain.ActionDrop, d.Action)
	assert.Empty(t, d.Text)
	// thank outranks reaction_only
	assert.Equal(t, domain.CategoryThank, d.Label)
	assert.InDelta(t, 0.97, d.Score, 1e-9)
	assert.Len(t, d.DropLog, 2)
}

func TestClassifier_MeaningfulPassesUntouched(t *testing.T) {
	c := NewIntentClassifier(&mapScorer{}, DefaultClassifierConfig())

	d, err := c.Classify(context.Background(), "프로젝트 일정 정리해줘")
	require.NoError(t, err)

	assert.Equal(t, domain.ActionPass, d.Action)
	assert.Equal(t, "프로젝트 일정 정리해줘", d.Text)
	assert.Empty(t, d.Label)
	assert.Zero(t, d.Score)
	assert.Empty(t, d.DropLog)
}

func TestClassifier_BelowThresholdKeeps(t *testing.T) {
	// call_only needs 0.95
	scorer := &mapScorer{scores: map[string]domain.Score{
		"세타": score(domain.CategoryCallOnly, 0.92),
	}}
	c := NewIntentClassifier(scorer, DefaultClassifierConfig())

	d, err := c.Classify(context.Background(), "세타 뭐해")
	require.NoError(t, err)

	assert.Equal(t, domain.ActionPass, d.Action)
	assert.Equal(t, "세타 뭐해", d.Text)
	assert.Empty(t, d.DropLog)
}

func TestClassifier_MarginKeeps(t *testing.T) {
	scorer := &mapScorer{scores: map[string]domain.Score{
		"땡큐": {Label: domain.CategoryThank, Probs: map[domain.Category]float64{
			domain.CategoryThank:    0.91,
			domain.CategoryGreeting: 0.85,
		}},
	}}
	c := NewIntentClassifier(scorer, DefaultClassifierConfig())

	d, err := c.Classify(context.Background(), "땡큐")
	require.NoError(t, err)

	assert.Equal(t, domain.ActionPass, d.Action)
	assert.Equal(t, "땡큐", d.Text)
	// the rest check reuses the prefix score
	assert.EqualValues(t, 1, scorer.calls.Load())
}

func TestClassifier_ParticleKeepsNounPhrase(t *testing.T) {
	scorer := &mapScorer{scores: map[string]domain.Score{
		"세타가": score(domain.CategoryCallOnly, 0.99),
	}}
	c := NewIntentClassifier(scorer, DefaultClassifierConfig())

	d, err := c.Classify(context.Background(), "세타가 최고야")
	require.NoError(t, err)

	assert.Equal(t, domain.ActionPass, d.Action)
	assert.Equal(t, "세타가 최고야", d.Text)
	assert.Empty(t, d.DropLog)
}

func TestClassifier_RestFallbackDrops(t *testing.T) {
	weak := score(domain.CategoryReactionOnly, 0.5)
	scorer := &mapScorer{scores: map[string]domain.Score{
		"아":        weak,
		"아 네":      weak,
		"아 네 네":    weak,
		"아 네 네 감사": score(domain.CategoryThank, 0.95),
	}}
	c := NewIntentClassifier(scorer, DefaultClassifierConfig())

	d, err := c.Classify(context.Background(), "아 네 네 감사")
	require.NoError(t, err)

	assert.Equal(t, domain.ActionDrop, d.Action)
	require.Len(t, d.DropLog, 1)
	assert.Equal(t, "아 네 네 감사", d.DropLog[0].Text)
	assert.Equal(t, domain.CategoryThank, d.Label)
}

func TestClassifier_MemoizesAcrossSentences(t *testing.T) {
	scorer := &mapScorer{scores: map[string]domain.Score{
		"고마워": score(domain.CategoryThank, 0.97),
	}}
	c := NewIntentClassifier(scorer, DefaultClassifierConfig())

	d, err := c.Classify(context.Background(), "고마워! 고마워 내일 보자")
	require.NoError(t, err)

	assert.Equal(t, "내일 보자", d.Text)
	require.Len(t, d.DropLog, 2)
	assert.Equal(t, "고마워", d.DropLog[0].Sentence)
	assert.Equal(t, "고마워 내일 보자", d.DropLog[1].Sentence)
	// "고마워" once, "내일" once
	assert.EqualValues(t, 2, scorer.calls.Load())
}

func TestClassifier_PrefixOrder(t *testing.T) {
	scores := map[string]domain.Score{
		"좋은":       score(domain.LabelMeaningful, 0.9),
		"좋은 아침":    score(domain.CategoryGreeting, 0.96),
		"좋은 아침 회의": score(domain.CategoryGreeting, 0.5),
	}

	shortest := NewIntentClassifier(&mapScorer{scores: scores}, DefaultClassifierConfig())
	d, err := shortest.Classify(context.Background(), "좋은 아침 회의 시작")
	require.NoError(t, err)
	assert.Equal(t, "좋은 아침 회의 시작", d.Text)

	cfg := DefaultClassifierConfig()
	cfg.Order = PrefixLongestFirst
	longest := NewIntentClassifier(&mapScorer{scores: scores}, cfg)
	d, err = longest.Classify(context.Background(), "좋은 아침 회의 시작")
	require.NoError(t, err)
	assert.Equal(t, "회의 시작", d.Text)
	assert.Equal(t, domain.CategoryGreeting, d.Label)
}

func TestClassifier_ScorerError(t *testing.T) {
	boom := errors.New("connection refused")
	c := NewIntentClassifier(&mapScorer{err: boom}, DefaultClassifierConfig())

	_, err := c.Classify(context.Background(), "아무 말")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScorer)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, domain.ErrorTypeScorer, ErrorTypeOf(err))
}

func TestClassifier_UnknownLabelIsNotDropped(t *testing.T) {
	scorer := &mapScorer{scores: map[string]domain.Score{
		"흠": score(domain.Category("sarcasm"), 0.99),
	}}
	c := NewIntentClassifier(scorer, DefaultClassifierConfig())

	d, err := c.Classify(context.Background(), "흠")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPass, d.Action)
	assert.Equal(t, "흠", d.Text)
}

func TestSplitSentences(t *testing.T) {
	assert.Equal(t, []string{"안녕", "뭐해", "밥 먹었어"}, splitSentences("안녕! 뭐해? 밥 먹었어..."))
	assert.Empty(t, splitSentences("?!."))
}
