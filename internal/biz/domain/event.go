package domain

import "time"

// SchemaVersion is stamped on every published event.
const SchemaVersion = "1.0.0"

// Channel topics.
const (
	TopicRawRequest   = "chat.raw.request.v1"
	TopicRawFiltered  = "chat.raw.filtered.v1"
	TopicFilterResult = "chat.filter.result.v1"
	TopicPromptBuilt  = "chat.prompt.built.v1"
	TopicAnswerDelta  = "chat.llm.answer.delta.v1"
	TopicAnswerDone   = "chat.llm.answer.done.v1"
)

// HeaderTraceparent carries W3C trace context between stages.
const HeaderTraceparent = "traceparent"

// MessageEvent carries a Message on the raw request and raw filtered topics.
type MessageEvent struct {
	Message
	Bitmask       Bitmask `json:"bitmask,omitempty"`
	SchemaVersion string  `json:"schema_version"`
}

// DecisionPayload is the verdict part of a FilterResultEvent.
type DecisionPayload struct {
	Action     Action   `json:"action"`
	Score      float64  `json:"score"`
	Threshold  float64  `json:"threshold"`
	ReasonType Category `json:"reason_type,omitempty"`
	ReasonText string   `json:"reason_text,omitempty"`
}

// Explanation is one removed fragment reported with a decision.
type Explanation struct {
	Text       string   `json:"text"`
	Label      Category `json:"label"`
	Confidence float64  `json:"confidence,omitempty"`
	Start      int      `json:"start,omitempty"`
	End        int      `json:"end,omitempty"`
}

// FilterResultEvent is the output of either filter stage.
type FilterResultEvent struct {
	TraceID       string          `json:"trace_id"`
	RoomID        string          `json:"room_id"`
	MessageID     string          `json:"message_id"`
	UserID        string          `json:"user_id"`
	Stage         Stage           `json:"stage"`
	StageOrder    int             `json:"stage_order"`
	OriginalText  string          `json:"original_text"`
	CleanedText   string          `json:"cleaned_text"`
	Tone          Tone            `json:"tone,omitempty"`
	Decision      DecisionPayload `json:"decision"`
	Explanations  []Explanation   `json:"explanations"`
	SchemaVersion string          `json:"schema_version"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ChatMessage is one entry of a generation request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptBuiltEvent is a fully assembled generation request.
type PromptBuiltEvent struct {
	TraceID       string        `json:"trace_id"`
	RoomID        string        `json:"room_id"`
	MessageID     string        `json:"message_id"`
	UserID        string        `json:"user_id"`
	UserText      string        `json:"user_text"`
	SystemPrompt  string        `json:"system_prompt"`
	Messages      []ChatMessage `json:"messages"`
	FullPrompt    string        `json:"full_prompt"`
	PromptTokens  int           `json:"prompt_tokens"`
	SchemaVersion string        `json:"schema_version"`
	Timestamp     time.Time     `json:"timestamp"`
}

// DeltaEvent is one partial generation chunk.
type DeltaEvent struct {
	TraceID       string    `json:"trace_id"`
	RoomID        string    `json:"room_id"`
	MessageID     string    `json:"message_id"`
	Delta         string    `json:"delta"`
	Index         int       `json:"index"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion string    `json:"schema_version"`
}

// ResponsePayload is the final generated text.
type ResponsePayload struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// DoneEvent terminates a generation stream. Exactly one is published per
// trace; a generation that fails carries Error and finish reason "error".
type DoneEvent struct {
	TraceID       string          `json:"trace_id"`
	RoomID        string          `json:"room_id"`
	MessageID     string          `json:"message_id"`
	UserID        string          `json:"user_id"`
	Response      ResponsePayload `json:"response"`
	Usage         TokenUsage      `json:"usage"`
	LatencyMS     int64           `json:"latency_ms"`
	// Deltas is the number of delta events published before this one.
	Deltas        int             `json:"deltas"`
	Error         string          `json:"error,omitempty"`
	SchemaVersion string          `json:"schema_version"`
	Timestamp     time.Time       `json:"timestamp"`
}

// FinishReasonError marks a DoneEvent closing a failed generation.
const FinishReasonError = "error"

// Failed reports whether the stream ended without an answer.
func (e DoneEvent) Failed() bool {
	return e.Response.FinishReason == FinishReasonError
}
