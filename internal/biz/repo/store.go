package repo

import (
	"context"
	"time"

	"github.com/seta-lab/seta/internal/biz/domain"
)

// FilterResultRow is one audit row of a filter stage.
type FilterResultRow struct {
	TraceID     string
	RoomID      string
	MessageID   string
	UserID      string
	Stage       domain.Stage
	Action      domain.Action
	RuleName    string
	Score       float64
	CleanedText string
	Response    string
	CreatedAt   time.Time
}

// ResultRepo persists audit rows. Writes are keyed upserts so redelivered
// events do not duplicate rows.
type ResultRepo interface {
	SaveFilterResult(ctx context.Context, row *FilterResultRow) error
	// SavePrompt upserts the built generation request of a trace.
	SavePrompt(ctx context.Context, ev *domain.PromptBuiltEvent) error
	SaveUsage(ctx context.Context, rec *domain.UsageRecord) error
	SaveError(ctx context.Context, rec *domain.ErrorRecord) error
}

// ConversationRepo owns turns and the per-room ConversationState.
type ConversationRepo interface {
	// AppendTurn stores a turn at the next index and bumps the room state
	// with a compare-and-set. A turn already stored for the same trace id
	// is returned as is.
	AppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error)
	// RecentTurns returns up to n latest turns, oldest first.
	RecentTurns(ctx context.Context, roomID string, n int) ([]domain.Turn, error)
	// TurnsAfter returns turns with index > watermark, oldest first.
	TurnsAfter(ctx context.Context, roomID string, watermark int64) ([]domain.Turn, error)

	// GetState returns nil, nil for an unknown room.
	GetState(ctx context.Context, roomID string) (*domain.ConversationState, error)
	// PendingStates lists rooms with unsummarized turns.
	PendingStates(ctx context.Context) ([]*domain.ConversationState, error)
	// CommitSummary advances the watermark from expected to next. It
	// returns false when the watermark no longer equals expected.
	CommitSummary(ctx context.Context, roomID string, expected, next int64, at time.Time) (bool, error)
}

// SettingRepo reads user personas.
type SettingRepo interface {
	// GetSetting returns nil, nil when the user has none.
	GetSetting(ctx context.Context, userID string) (*domain.UserSetting, error)
	SaveSetting(ctx context.Context, s *domain.UserSetting) error
}
