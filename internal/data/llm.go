package data

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
	"github.com/seta-lab/seta/llm"
)

// generatorRepo implements repo.Generator on the LLM client
type generatorRepo struct {
	client        *llm.Client
	summaryPrompt func(transcript string) string
}

// NewGenerator creates a streaming generator. summaryPrompt wraps a
// transcript into the summarization request.
func NewGenerator(client *llm.Client, summaryPrompt func(string) string) repo.Generator {
	if client == nil {
		return nil
	}
	return &generatorRepo{client: client, summaryPrompt: summaryPrompt}
}

// Stream starts a generation and forwards chunks as repo events
func (r *generatorRepo) Stream(ctx context.Context, messages []domain.ChatMessage) (<-chan repo.Event, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	events := make(chan repo.Event, 64)
	go func() {
		defer close(events)

		var text []byte
		send := func(ev repo.Event) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := r.client.StreamChat(ctx, msgs, func(c llm.Chunk) error {
			if !c.Done {
				text = append(text, c.Delta...)
				return send(repo.Event{Type: repo.EventTypeDelta, Data: &repo.DeltaData{Delta: c.Delta}})
			}
			done := &repo.CompleteData{Text: string(text), FinishReason: c.FinishReason}
			if c.Usage != nil {
				done.Usage = domain.TokenUsage{
					PromptTokens:     c.Usage.PromptTokens,
					CompletionTokens: c.Usage.CompletionTokens,
					TotalTokens:      c.Usage.TotalTokens,
				}
			}
			return send(repo.Event{Type: repo.EventTypeComplete, Data: done})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			_ = send(repo.Event{Type: repo.EventTypeError, Data: &repo.ErrorData{Err: err}})
		}
	}()
	return events, nil
}

// Summarize condenses a transcript
func (r *generatorRepo) Summarize(ctx context.Context, transcript string) (string, error) {
	prompt := transcript
	if r.summaryPrompt != nil {
		prompt = r.summaryPrompt(transcript)
	}
	return r.client.Summarize(ctx, prompt)
}

// NewEmbedder adapts the LLM client to repo.Embedder
func NewEmbedder(client *llm.Client) repo.Embedder {
	if client == nil {
		return nil
	}
	return client
}
