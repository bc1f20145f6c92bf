package repo

import (
	"context"

	"github.com/seta-lab/seta/internal/biz/domain"
)

// Generator is the streaming text-generation service.
type Generator interface {
	// Stream starts a generation. The returned channel yields deltas as
	// they are produced and is closed after exactly one complete or
	// error event.
	Stream(ctx context.Context, messages []domain.ChatMessage) (<-chan Event, error)

	// Summarize condenses a transcript into a short summary.
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Event is one item of a generation stream.
type Event struct {
	Type EventType
	Data interface{}
}

// EventType represents the event type
type EventType string

const (
	EventTypeDelta    EventType = "delta"
	EventTypeComplete EventType = "complete"
	EventTypeError    EventType = "error"
)

// DeltaData is a partial chunk.
type DeltaData struct {
	Delta string
}

// CompleteData terminates a successful stream.
type CompleteData struct {
	Text         string
	FinishReason string
	Usage        domain.TokenUsage
}

// ErrorData terminates a failed stream.
type ErrorData struct {
	Err error
}

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
