package domain

import (
	"fmt"
	"time"
)

// SummaryEntry is a condensed slice of a room's history stored for
// similarity search.
type SummaryEntry struct {
	ID        string
	RoomID    string
	UserID    string
	FromTurn  int64
	ToTurn    int64
	Summary   string
	Embedding []float32
	CreatedAt time.Time
}

// SummaryID is deterministic so a repeated index write overwrites.
func SummaryID(roomID string, from, to int64) string {
	return fmt.Sprintf("%s:%d-%d", roomID, from, to)
}

// ScoredSummary is a search hit.
type ScoredSummary struct {
	SummaryEntry
	Score float64
}

// UserSetting is the persona a user configured for replies.
type UserSetting struct {
	UserID            string
	CallMe            string
	RoleDescription   string
	PreferredTone     Tone
	Traits            []string
	AdditionalContext string
}

// ErrorType tags an error record.
type ErrorType string

const (
	ErrorTypeStore      ErrorType = "store_error"
	ErrorTypeSearch     ErrorType = "search_error"
	ErrorTypeGeneration ErrorType = "generation_error"
	ErrorTypeScorer     ErrorType = "scorer_error"
	ErrorTypePublish    ErrorType = "publish_error"
	ErrorTypeInternal   ErrorType = "internal_error"
)

// ErrorRecord is persisted for every message a stage abandons.
type ErrorRecord struct {
	ID        string
	TraceID   string
	Stage     Stage
	Type      ErrorType
	Message   string
	Context   map[string]string
	CreatedAt time.Time
}
