package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
	"github.com/seta-lab/seta/internal/biz/usecase"
	"github.com/seta-lab/seta/internal/data"
)

type failingSummarizer struct{ *scriptedGenerator }

func (failingSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	return "", errors.New("quota exceeded")
}

func seedRoom(t *testing.T, store *data.SQLiteStore, room string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.AppendTurn(context.Background(), domain.Turn{
			RoomID:        room,
			TraceID:       fmt.Sprintf("%s-%d", room, i),
			UserID:        "u1",
			UserText:      "질문",
			AssistantText: "답변",
		})
		require.NoError(t, err)
	}
}

func TestSummaryTrigger_Tick(t *testing.T) {
	store, err := data.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	seedRoom(t, store, "busy", 20)
	seedRoom(t, store, "quiet", 3)

	uc := usecase.NewSummaryUsecase(store, &scriptedGenerator{}, nil, store, domain.SummaryPolicy{TurnThreshold: 20, IdleAfter: time.Hour})
	trigger := NewSummaryTrigger(uc, store, time.Minute, zerolog.Nop())

	assert.Equal(t, 1, trigger.Tick(context.Background()))
	// Nothing left to do.
	assert.Equal(t, 0, trigger.Tick(context.Background()))

	st, err := store.GetState(context.Background(), "busy")
	require.NoError(t, err)
	assert.EqualValues(t, 20, st.Watermark)
	assert.Zero(t, st.UnsummarizedCount)

	quiet, err := store.GetState(context.Background(), "quiet")
	require.NoError(t, err)
	assert.Zero(t, quiet.Watermark)
}

func TestSummaryTrigger_RecordsErrors(t *testing.T) {
	store, err := data.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	seedRoom(t, store, "busy", 20)

	var gen repo.Generator = failingSummarizer{&scriptedGenerator{}}
	uc := usecase.NewSummaryUsecase(store, gen, nil, store, domain.SummaryPolicy{TurnThreshold: 20})
	trigger := NewSummaryTrigger(uc, store, time.Minute, zerolog.Nop())

	assert.Equal(t, 0, trigger.Tick(context.Background()))

	errs, err := store.ErrorsForTrace(context.Background(), "summary:busy")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, domain.StageSummary, errs[0].Stage)
	assert.Equal(t, domain.ErrorTypeGeneration, errs[0].Type)
}

func TestSummaryTrigger_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store, err := data.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	seedRoom(t, store, "busy", 20)

	uc := usecase.NewSummaryUsecase(store, &scriptedGenerator{}, nil, store, domain.SummaryPolicy{TurnThreshold: 20})
	trigger := NewSummaryTrigger(uc, store, 10*time.Millisecond, zerolog.Nop())
	trigger.Start(context.Background())
	trigger.Start(context.Background())

	require.Eventually(t, func() bool {
		st, err := store.GetState(context.Background(), "busy")
		return err == nil && st.Watermark == 20
	}, 2*time.Second, 5*time.Millisecond)

	trigger.Stop()
	trigger.Stop()
}
