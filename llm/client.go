package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const (
	requestTimeout     = 30 * time.Second
	summaryTemperature = 0.3
	summaryMaxTokens   = 300
	classifyMaxTokens  = 200
)

// Config holds the endpoint and model settings.
type Config struct {
	APIKey         string
	BaseURL        string // empty uses the OpenAI default
	Model          string
	SummaryModel   string
	EmbeddingModel string
	MaxTokens      int
}

// Client talks to an OpenAI-compatible endpoint.
type Client struct {
	client *openai.Client
	cfg    Config
	log    zerolog.Logger
}

// NewClient creates a new client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = cfg.Model
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = string(openai.SmallEmbedding3)
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &Client{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		log:    log.With().Str("component", "LLM").Logger(),
	}
}

// Chunk is one piece of a streamed completion. The last chunk has Done set
// and carries the finish reason and usage when the server reports them.
type Chunk struct {
	Delta        string
	Done         bool
	FinishReason string
	Usage        *openai.Usage
}

// StreamChat starts a streamed completion and calls fn for every chunk. It
// returns when the stream ends, fn fails, or ctx is done.
func (c *Client) StreamChat(ctx context.Context, messages []openai.ChatCompletionMessage, fn func(Chunk) error) error {
	req := openai.ChatCompletionRequest{
		Model:         c.cfg.Model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if c.cfg.MaxTokens > 0 {
		req.MaxTokens = c.cfg.MaxTokens
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("chat stream: %w", err)
	}
	defer stream.Close()

	var finish string
	var usage *openai.Usage
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return fn(Chunk{Done: true, FinishReason: finish, Usage: usage})
		}
		if err != nil {
			return fmt.Errorf("chat stream: %w", err)
		}
		if resp.Usage != nil {
			usage = resp.Usage
		}
		for _, choice := range resp.Choices {
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}
			if choice.Delta.Content == "" {
				continue
			}
			if err := fn(Chunk{Delta: choice.Delta.Content}); err != nil {
				return err
			}
		}
	}
}

// Summarize condenses prompt (an already formatted summarization request).
func (c *Client) Summarize(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.SummaryModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: summaryTemperature,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}

	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	c.log.Debug().Int("chars", len(summary)).Msg("Summary generated")
	return summary, nil
}

// ClassifyJSON asks the model for a JSON object answer to prompt.
func (c *Client) ClassifyJSON(ctx context.Context, model, prompt string) (string, error) {
	if model == "" {
		model = c.cfg.Model
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0,
		MaxTokens:   classifyMaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns the embedding vector of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.cfg.EmbeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return resp.Data[0].Embedding, nil
}
