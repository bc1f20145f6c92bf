package domain

import (
	"errors"
	"time"
)

// ErrStaleState is returned when a compare-and-set on ConversationState lost.
var ErrStaleState = errors.New("conversation state changed concurrently")

// Role of a turn entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one completed user/assistant exchange in a room.
type Turn struct {
	RoomID        string    `json:"room_id"`
	Index         int64     `json:"index"`
	TraceID       string    `json:"trace_id"`
	UserID        string    `json:"user_id"`
	UserText      string    `json:"user_text"`
	AssistantText string    `json:"assistant_text"`
	CreatedAt     time.Time `json:"created_at"`
}

// ConversationState is the per-room summarization bookkeeping.
type ConversationState struct {
	RoomID            string
	UserID            string
	LastTurn          int64 // highest stored turn index
	Watermark         int64 // last summarized turn index
	UnsummarizedCount int64
	LastSummaryAt     time.Time
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SummaryPolicy decides when a room is due for compaction.
type SummaryPolicy struct {
	TurnThreshold int64
	IdleAfter     time.Duration
}

// Due reports whether the room should be summarized at now.
func (s *ConversationState) Due(p SummaryPolicy, now time.Time) bool {
	if s.UnsummarizedCount <= 0 {
		return false
	}
	if p.TurnThreshold > 0 && s.UnsummarizedCount >= p.TurnThreshold {
		return true
	}
	if p.IdleAfter <= 0 {
		return false
	}
	since := s.LastSummaryAt
	if since.IsZero() {
		since = s.CreatedAt
	}
	return now.Sub(since) > p.IdleAfter
}
