package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
	"github.com/seta-lab/seta/llm"
)

// scoreResponse is the wire shape of a classification answer from either
// scorer backend.
type scoreResponse struct {
	Label string             `json:"label"`
	Probs map[string]float64 `json:"probs"`
}

func (r scoreResponse) toScore() (domain.Score, error) {
	if len(r.Probs) == 0 {
		return domain.Score{}, fmt.Errorf("scorer returned no probabilities")
	}
	s := domain.Score{
		Label: domain.Category(strings.ToLower(strings.TrimSpace(r.Label))),
		Probs: make(map[domain.Category]float64, len(r.Probs)),
	}
	for k, p := range r.Probs {
		s.Probs[domain.Category(strings.ToLower(strings.TrimSpace(k)))] = p
	}
	if s.Label == "" {
		best := -1.0
		for l, p := range s.Probs {
			if p > best || (p == best && l < s.Label) {
				s.Label, best = l, p
			}
		}
	}
	return s, nil
}

// HTTPError is a non-2xx scorer response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// httpScorer calls a model server: POST {"text": ...} answered with
// {"label": ..., "probs": {...}}.
type httpScorer struct {
	url  string
	http *http.Client
}

// NewHTTPScorer creates a scorer for a model server at url.
func NewHTTPScorer(url string, timeout time.Duration) repo.Scorer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &httpScorer{url: url, http: &http.Client{Timeout: timeout}}
}

func (s *httpScorer) Score(ctx context.Context, text string) (domain.Score, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return domain.Score{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return domain.Score{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return domain.Score{}, fmt.Errorf("scorer request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Score{}, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return domain.Score{}, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	var sr scoreResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return domain.Score{}, fmt.Errorf("decoding response: %w", err)
	}
	return sr.toScore()
}

// llmScorer asks a chat model for the label distribution.
type llmScorer struct {
	client  *llm.Client
	model   string
	prompt  func(text string) string
	timeout time.Duration
}

// NewLLMScorer creates a scorer backed by a chat model. prompt wraps the
// fragment into the classification request.
func NewLLMScorer(client *llm.Client, model string, prompt func(string) string, timeout time.Duration) repo.Scorer {
	return &llmScorer{client: client, model: model, prompt: prompt, timeout: timeout}
}

func (s *llmScorer) Score(ctx context.Context, text string) (domain.Score, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	raw, err := s.client.ClassifyJSON(ctx, s.model, s.prompt(text))
	if err != nil {
		return domain.Score{}, err
	}
	var sr scoreResponse
	if err := json.Unmarshal([]byte(raw), &sr); err != nil {
		return domain.Score{}, fmt.Errorf("decoding classification %q: %w", raw, err)
	}
	return sr.toScore()
}
