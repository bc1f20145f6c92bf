package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/seta-lab/seta/internal/biz/usecase"
)

// Client talks to a running ops server
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new ops API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SubmitResult is the response of a message submission
type SubmitResult struct {
	TraceID   string `json:"trace_id"`
	MessageID string `json:"message_id"`
}

// Submit posts a message to the pipeline
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	var result SubmitResult
	if err := c.do(ctx, http.MethodPost, "/v1/messages", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DebugFilter runs both filter stages on text
func (c *Client) DebugFilter(ctx context.Context, text, tone string) (*usecase.Evaluation, error) {
	var ev usecase.Evaluation
	if err := c.do(ctx, http.MethodPost, "/debug/filter", DebugFilterRequest{Text: text, Tone: tone}, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetSetting gets a user's persona setting
func (c *Client) GetSetting(ctx context.Context, userID string) (*SettingBody, error) {
	var body SettingBody
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/users/%s/setting", url.PathEscape(userID)), nil, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// PutSetting replaces a user's persona setting
func (c *Client) PutSetting(ctx context.Context, userID string, body SettingBody) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/v1/users/%s/setting", url.PathEscape(userID)), body, nil)
}

// ============ HTTP Helpers ============

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
