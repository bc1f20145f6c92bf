package domain

import (
	"errors"
	"strings"
	"time"
)

// Mode is the rule-stage routing tag.
type Mode string

const (
	ModeAuto Mode = "auto" // canned reply, no generation
	ModePass Mode = "pass" // continue to the classifier
)

// ErrMalformedEvent marks an inbound event that can never be processed.
var ErrMalformedEvent = errors.New("malformed event")

// Message is one inbound chat utterance. It is never mutated after ingestion;
// stages derive new records from it.
type Message struct {
	TraceID     string    `json:"trace_id"`
	RoomID      string    `json:"room_id"`
	MessageID   string    `json:"message_id"`
	UserID      string    `json:"user_id"`
	RawText     string    `json:"raw_text"`
	CleanedText string    `json:"cleaned_text,omitempty"`
	Mode        Mode      `json:"mode,omitempty"`
	Tone        Tone      `json:"tone,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Validate rejects messages missing correlation keys or text.
func (m *Message) Validate() error {
	switch {
	case m.TraceID == "":
		return errors.Join(ErrMalformedEvent, errors.New("missing trace_id"))
	case m.RoomID == "":
		return errors.Join(ErrMalformedEvent, errors.New("missing room_id"))
	case strings.TrimSpace(m.RawText) == "":
		return errors.Join(ErrMalformedEvent, errors.New("empty text"))
	}
	return nil
}

// Text returns the cleaned text when present, else the raw text.
func (m *Message) Text() string {
	if m.CleanedText != "" {
		return m.CleanedText
	}
	return m.RawText
}

// WithCleaned returns a copy carrying the given cleaned text and mode.
func (m Message) WithCleaned(text string, mode Mode) Message {
	m.CleanedText = text
	m.Mode = mode
	return m
}
