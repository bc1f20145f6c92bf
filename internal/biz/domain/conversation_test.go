package domain

import (
	"errors"
	"testing"
	"time"
)

func TestConversationState_Due(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := SummaryPolicy{TurnThreshold: 20, IdleAfter: time.Hour}

	tests := []struct {
		name  string
		state ConversationState
		want  bool
	}{
		{
			name:  "nothing unsummarized",
			state: ConversationState{UnsummarizedCount: 0, LastSummaryAt: now.Add(-48 * time.Hour)},
			want:  false,
		},
		{
			name:  "threshold reached",
			state: ConversationState{UnsummarizedCount: 20, LastSummaryAt: now},
			want:  true,
		},
		{
			name:  "below threshold and recent",
			state: ConversationState{UnsummarizedCount: 19, LastSummaryAt: now.Add(-30 * time.Minute)},
			want:  false,
		},
		{
			name:  "idle since last summary",
			state: ConversationState{UnsummarizedCount: 1, LastSummaryAt: now.Add(-61 * time.Minute)},
			want:  true,
		},
		{
			name:  "never summarized falls back to creation time",
			state: ConversationState{UnsummarizedCount: 3, CreatedAt: now.Add(-2 * time.Hour)},
			want:  true,
		},
		{
			name:  "never summarized and young",
			state: ConversationState{UnsummarizedCount: 3, CreatedAt: now.Add(-time.Minute)},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Due(policy, now); got != tt.want {
				t.Errorf("Due() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConversationState_DueWithoutIdle(t *testing.T) {
	now := time.Now()
	s := &ConversationState{UnsummarizedCount: 5, CreatedAt: now.Add(-24 * time.Hour)}
	if s.Due(SummaryPolicy{TurnThreshold: 20}, now) {
		t.Error("Expected idle trigger to be disabled when IdleAfter is zero")
	}
}

func TestSummaryID(t *testing.T) {
	if got := SummaryID("room-1", 1, 20); got != "room-1:1-20" {
		t.Errorf("SummaryID() = %q", got)
	}
	if SummaryID("r", 1, 2) == SummaryID("r", 1, 3) {
		t.Error("Expected different ranges to produce different IDs")
	}
}

func TestMessage_Validate(t *testing.T) {
	ok := Message{TraceID: "t", RoomID: "r", RawText: "hi"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	for _, m := range []Message{
		{RoomID: "r", RawText: "hi"},
		{TraceID: "t", RawText: "hi"},
		{TraceID: "t", RoomID: "r", RawText: "   "},
	} {
		err := m.Validate()
		if err == nil {
			t.Fatalf("Validate(%+v) expected error", m)
		}
		if !errors.Is(err, ErrMalformedEvent) {
			t.Errorf("Validate(%+v) = %v, want ErrMalformedEvent", m, err)
		}
	}
}

func TestMessage_WithCleaned(t *testing.T) {
	m := Message{RawText: "안녕 뭐해"}
	c := m.WithCleaned("뭐해", ModePass)
	if m.CleanedText != "" || m.Mode != "" {
		t.Error("Expected original message to be unchanged")
	}
	if c.Text() != "뭐해" || c.Mode != ModePass {
		t.Errorf("WithCleaned() = %+v", c)
	}
	if m.Text() != "안녕 뭐해" {
		t.Errorf("Text() without cleaned = %q", m.Text())
	}
}
