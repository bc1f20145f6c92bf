package data

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_AppendTurn(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		turn, err := s.AppendTurn(ctx, domain.Turn{
			RoomID:        "r1",
			TraceID:       fmt.Sprintf("t%d", i),
			UserID:        "u1",
			UserText:      fmt.Sprintf("q%d", i),
			AssistantText: fmt.Sprintf("a%d", i),
		})
		require.NoError(t, err)
		assert.EqualValues(t, i, turn.Index)
	}

	// Replaying a trace returns the stored turn.
	again, err := s.AppendTurn(ctx, domain.Turn{RoomID: "r1", TraceID: "t2", UserText: "other"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, again.Index)
	assert.Equal(t, "q2", again.UserText)

	st, err := s.GetState(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.EqualValues(t, 3, st.LastTurn)
	assert.EqualValues(t, 3, st.UnsummarizedCount)
	assert.Zero(t, st.Watermark)
	assert.EqualValues(t, 3, st.Version)

	recent, err := s.RecentTurns(ctx, "r1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "q2", recent[0].UserText)
	assert.Equal(t, "q3", recent[1].UserText)

	after, err := s.TurnsAfter(ctx, "r1", 1)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.EqualValues(t, 2, after[0].Index)

	missing, err := s.GetState(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStore_ConcurrentAppendsGetDistinctIndexes(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendTurn(ctx, domain.Turn{RoomID: "r1", TraceID: fmt.Sprintf("t%d", i), UserText: "x"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	turns, err := s.TurnsAfter(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, turns, n)
	for i, turn := range turns {
		assert.EqualValues(t, i+1, turn.Index)
	}
}

func TestSQLiteStore_CommitSummary(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.AppendTurn(ctx, domain.Turn{RoomID: "r1", TraceID: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
	}

	pending, err := s.PendingStates(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	at := time.Now().Truncate(time.Millisecond)
	ok, err := s.CommitSummary(ctx, "r1", 0, 4, at)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second committer holding the old watermark loses.
	ok, err = s.CommitSummary(ctx, "r1", 0, 5, at)
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := s.GetState(ctx, "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, st.Watermark)
	assert.EqualValues(t, 1, st.UnsummarizedCount)
	assert.True(t, at.Equal(st.LastSummaryAt))
}

func TestSQLiteStore_SearchSummaries(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	entries := []*domain.SummaryEntry{
		{ID: "a", RoomID: "r1", UserID: "u1", Summary: "여행", Embedding: []float32{1, 0}},
		{ID: "b", RoomID: "r1", UserID: "u1", Summary: "회의", Embedding: []float32{0.8, 0.6}},
		{ID: "c", RoomID: "r1", UserID: "u1", Summary: "무관", Embedding: []float32{0, 1}},
		{ID: "d", RoomID: "r2", UserID: "u2", Summary: "남의 것", Embedding: []float32{1, 0}},
	}
	for _, e := range entries {
		require.NoError(t, s.IndexSummary(ctx, e))
	}
	// Re-indexing by ID overwrites.
	require.NoError(t, s.IndexSummary(ctx, &domain.SummaryEntry{ID: "a", RoomID: "r1", UserID: "u1", Summary: "여행 계획", Embedding: []float32{1, 0}}))

	hits, err := s.SearchSummaries(ctx, "u1", []float32{1, 0}, 5, 0.7)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "여행 계획", hits[0].Summary)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "회의", hits[1].Summary)
	assert.InDelta(t, 0.8, hits[1].Score, 1e-6)

	top1, err := s.SearchSummaries(ctx, "u1", []float32{1, 0}, 1, 0)
	require.NoError(t, err)
	assert.Len(t, top1, 1)

	none, err := s.SearchSummaries(ctx, "u1", nil, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteStore_ResultsAreUpserted(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	row := &repo.FilterResultRow{TraceID: "t1", RoomID: "r1", Stage: domain.StageRule, Action: domain.ActionPass, CleanedText: "a"}
	require.NoError(t, s.SaveFilterResult(ctx, row))
	row.CleanedText = "b"
	require.NoError(t, s.SaveFilterResult(ctx, row))
	require.NoError(t, s.SaveFilterResult(ctx, &repo.FilterResultRow{TraceID: "t1", RoomID: "r1", Stage: domain.StageML, Action: domain.ActionDrop, RuleName: "thank", Score: 0.97}))

	rows, err := s.FilterResults(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	byStage := map[domain.Stage]repo.FilterResultRow{}
	for _, r := range rows {
		byStage[r.Stage] = r
	}
	assert.Equal(t, "b", byStage[domain.StageRule].CleanedText)
	assert.Equal(t, "thank", byStage[domain.StageML].RuleName)

	rec := &domain.UsageRecord{TraceID: "t1", Stage: domain.StageGenerate, TotalTokens: 10, Used: domain.Resources{CostUSD: 0.1}}
	require.NoError(t, s.SaveUsage(ctx, rec))
	rec.TotalTokens = 20
	require.NoError(t, s.SaveUsage(ctx, rec))
	got, err := s.GetUsage(ctx, "t1", domain.StageGenerate)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 20, got.TotalTokens)
	assert.InDelta(t, 0.1, got.Used.CostUSD, 1e-12)

	missing, err := s.GetUsage(ctx, "t1", domain.StageRule)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStore_PromptIsUpsertedByTrace(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	ev := &domain.PromptBuiltEvent{
		TraceID:      "t1",
		RoomID:       "r1",
		UserID:       "u1",
		UserText:     "내일 회의 몇 시야",
		SystemPrompt: "sys",
		Messages:     []domain.ChatMessage{{Role: "system", Content: "sys"}, {Role: "user", Content: "내일 회의 몇 시야"}},
		PromptTokens: 12,
	}
	require.NoError(t, s.SavePrompt(ctx, ev))
	ev.PromptTokens = 14
	ev.Messages = append(ev.Messages, domain.ChatMessage{Role: "assistant", Content: "again"})
	require.NoError(t, s.SavePrompt(ctx, ev))

	got, err := s.GetPrompt(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 14, got.PromptTokens)
	assert.Equal(t, "r1", got.RoomID)
	assert.Equal(t, "내일 회의 몇 시야", got.UserText)
	assert.Len(t, got.Messages, 3)
	assert.False(t, got.Timestamp.IsZero())

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prompts WHERE trace_id = ?`, "t1").Scan(&n))
	assert.Equal(t, 1, n)

	missing, err := s.GetPrompt(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStore_Errors(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	rec := &domain.ErrorRecord{TraceID: "t1", Stage: domain.StageGenerate, Type: domain.ErrorTypeGeneration, Message: "boom", Context: map[string]string{"room_id": "r1"}}
	require.NoError(t, s.SaveError(ctx, rec))
	assert.NotEmpty(t, rec.ID)
	// Same ID is ignored.
	require.NoError(t, s.SaveError(ctx, rec))

	errs, err := s.ErrorsForTrace(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, domain.ErrorTypeGeneration, errs[0].Type)
	assert.Equal(t, "r1", errs[0].Context["room_id"])
}

func TestSQLiteStore_Settings(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	none, err := s.GetSetting(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, none)

	in := &domain.UserSetting{UserID: "u1", CallMe: "민수", PreferredTone: domain.ToneCalm, Traits: []string{"간결함"}}
	require.NoError(t, s.SaveSetting(ctx, in))
	in.RoleDescription = "비서"
	require.NoError(t, s.SaveSetting(ctx, in))

	got, err := s.GetSetting(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestSQLiteStore_Ping(t *testing.T) {
	s := newTestSQLite(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestFloat32Encoding(t *testing.T) {
	vec := []float32{0.5, -1.25, 3}
	assert.Equal(t, vec, bytesToFloat32(float32ToBytes(vec)))
	assert.Nil(t, float32ToBytes(nil))
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 2}))
}
