package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
	"github.com/seta-lab/seta/internal/biz/usecase"
	"github.com/seta-lab/seta/internal/observe"
)

// SummaryTrigger polls conversation state and summarizes rooms that are due.
type SummaryTrigger struct {
	summaryUC *usecase.SummaryUsecase
	results   repo.ResultRepo
	log       zerolog.Logger

	pollInterval time.Duration
	mu           sync.Mutex
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewSummaryTrigger creates a new summary trigger
func NewSummaryTrigger(summaryUC *usecase.SummaryUsecase, results repo.ResultRepo, pollInterval time.Duration, log zerolog.Logger) *SummaryTrigger {
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second // Check every 60 seconds
	}
	return &SummaryTrigger{
		summaryUC:    summaryUC,
		results:      results,
		log:          observe.Component(log, "SummaryTrigger"),
		pollInterval: pollInterval,
	}
}

func (t *SummaryTrigger) Name() string { return string(domain.StageSummary) }

// Run polls until ctx is done
func (t *SummaryTrigger) Run(ctx context.Context) error {
	t.log.Info().Dur("poll", t.pollInterval).Msg("Started")
	defer t.log.Info().Msg("Stopped")

	// Initial run
	t.Tick(ctx)

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Tick(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Start runs the trigger in the background until Stop
func (t *SummaryTrigger) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		_ = t.Run(ctx)
	}()
}

// Stop stops a trigger started with Start
func (t *SummaryTrigger) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	t.wg.Wait()
}

// Tick summarizes every due room once. It returns how many summaries were
// committed.
func (t *SummaryTrigger) Tick(ctx context.Context) int {
	rooms, err := t.summaryUC.DueRooms(ctx)
	if err != nil {
		t.recordError(ctx, "", err)
		return 0
	}

	var written int
	for _, room := range rooms {
		if ctx.Err() != nil {
			break
		}
		entry, ok, err := t.summaryUC.SummarizeRoom(ctx, room)
		if err != nil {
			t.recordError(ctx, room, err)
			continue
		}
		if !ok {
			continue
		}
		written++
		observe.SummariesWritten.Inc()
		t.log.Info().
			Str("room_id", room).
			Int64("from", entry.FromTurn).
			Int64("to", entry.ToTurn).
			Msg("Summary committed")
	}
	return written
}

func (t *SummaryTrigger) recordError(ctx context.Context, room string, err error) {
	observe.StageEvents.WithLabelValues(string(domain.StageSummary), outcomeError).Inc()
	t.log.Error().Err(err).Str("room_id", room).Msg("Summary failed")
	rec := &domain.ErrorRecord{
		TraceID:   "summary:" + room,
		Stage:     domain.StageSummary,
		Type:      usecase.ErrorTypeOf(err),
		Message:   err.Error(),
		Context:   map[string]string{"room_id": room},
		CreatedAt: time.Now(),
	}
	if saveErr := t.results.SaveError(ctx, rec); saveErr != nil {
		t.log.Error().Err(saveErr).Msg("Failed to write error record")
	}
}
