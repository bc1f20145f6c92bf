package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
)

// SummaryUsecase compacts room history into searchable summaries.
type SummaryUsecase struct {
	conv     repo.ConversationRepo
	gen      repo.Generator
	embedder repo.Embedder
	memory   repo.MemoryRepo
	policy   domain.SummaryPolicy
	now      func() time.Time

	roomLocks sync.Map // roomID -> *sync.Mutex
}

// NewSummaryUsecase creates a summary usecase.
func NewSummaryUsecase(
	conv repo.ConversationRepo,
	gen repo.Generator,
	embedder repo.Embedder,
	memory repo.MemoryRepo,
	policy domain.SummaryPolicy,
) *SummaryUsecase {
	return &SummaryUsecase{
		conv:     conv,
		gen:      gen,
		embedder: embedder,
		memory:   memory,
		policy:   policy,
		now:      time.Now,
	}
}

// Policy returns the trigger policy.
func (uc *SummaryUsecase) Policy() domain.SummaryPolicy { return uc.policy }

// DueRooms lists rooms whose state currently satisfies the policy.
func (uc *SummaryUsecase) DueRooms(ctx context.Context) ([]string, error) {
	states, err := uc.conv.PendingStates(ctx)
	if err != nil {
		return nil, stageErr(domain.ErrorTypeStore, fmt.Errorf("pending states: %w", err))
	}
	now := uc.now()
	var rooms []string
	for _, s := range states {
		if s.Due(uc.policy, now) {
			rooms = append(rooms, s.RoomID)
		}
	}
	return rooms, nil
}

// SummarizeRoom summarizes the turns after the watermark if the room is
// still due. It reports whether this call committed a summary.
func (uc *SummaryUsecase) SummarizeRoom(ctx context.Context, roomID string) (*domain.SummaryEntry, bool, error) {
	mu, _ := uc.roomLocks.LoadOrStore(roomID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	// Always re-read: a concurrent trigger may have committed already.
	st, err := uc.conv.GetState(ctx, roomID)
	if err != nil {
		return nil, false, stageErr(domain.ErrorTypeStore, fmt.Errorf("get state: %w", err))
	}
	if st == nil || !st.Due(uc.policy, uc.now()) {
		return nil, false, nil
	}

	turns, err := uc.conv.TurnsAfter(ctx, roomID, st.Watermark)
	if err != nil {
		return nil, false, stageErr(domain.ErrorTypeStore, fmt.Errorf("turns after %d: %w", st.Watermark, err))
	}
	if len(turns) == 0 {
		return nil, false, nil
	}

	summary, err := uc.gen.Summarize(ctx, FormatTranscript(turns))
	if err != nil {
		return nil, false, stageErr(domain.ErrorTypeGeneration, fmt.Errorf("summarize: %w", err))
	}

	first, last := turns[0], turns[len(turns)-1]
	entry := &domain.SummaryEntry{
		ID:        domain.SummaryID(roomID, first.Index, last.Index),
		RoomID:    roomID,
		UserID:    last.UserID,
		FromTurn:  first.Index,
		ToTurn:    last.Index,
		Summary:   summary,
		CreatedAt: uc.now(),
	}
	if uc.embedder != nil {
		vec, err := uc.embedder.Embed(ctx, summary)
		if err != nil {
			return nil, false, stageErr(domain.ErrorTypeSearch, fmt.Errorf("embed summary: %w", err))
		}
		entry.Embedding = vec
	}
	// Another process may have committed while this one was summarizing.
	// Its document must not be overwritten by a summary that cannot commit.
	cur, err := uc.conv.GetState(ctx, roomID)
	if err != nil {
		return nil, false, stageErr(domain.ErrorTypeStore, fmt.Errorf("get state: %w", err))
	}
	if cur == nil || cur.Watermark != st.Watermark {
		return nil, false, nil
	}
	if err := uc.memory.IndexSummary(ctx, entry); err != nil {
		return nil, false, stageErr(domain.ErrorTypeSearch, fmt.Errorf("index summary: %w", err))
	}

	// Watermark advance is the commit point.
	ok, err := uc.conv.CommitSummary(ctx, roomID, st.Watermark, last.Index, entry.CreatedAt)
	if err != nil {
		return nil, false, stageErr(domain.ErrorTypeStore, fmt.Errorf("commit summary: %w", err))
	}
	if !ok {
		return nil, false, nil
	}
	return entry, true, nil
}

// FormatTranscript renders turns as role-prefixed lines.
func FormatTranscript(turns []domain.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString(fmt.Sprintf("%s: %s\n", domain.RoleUser, t.UserText))
		if t.AssistantText != "" {
			sb.WriteString(fmt.Sprintf("%s: %s\n", domain.RoleAssistant, t.AssistantText))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
