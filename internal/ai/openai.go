package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// codeModelNotFound is the provider error code for a nonexistent model.
const codeModelNotFound = 20012

// openaiClient talks to any OpenAI-compatible chat-completions endpoint
// (OpenAI, SiliconFlow, vLLM, LiteLLM and friends share this wire format).
type openaiClient struct {
	cfg  Config
	http *http.Client
}

func newOpenAIClient(cfg Config) *openaiClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &openaiClient{
		cfg: cfg,
		// Per-call deadlines come from the request context.
		http: &http.Client{},
	}
}

func (c *openaiClient) Enabled() bool {
	return c.cfg.APIKey != "" && c.cfg.Model != "" && c.cfg.BaseURL != ""
}

func (c *openaiClient) ModelName() string {
	return c.cfg.Model
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *openaiClient) Chat(ctx context.Context, msgs []Message, opts CallOptions) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}

	timeout := c.cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	temperature := c.cfg.Temperature
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}
	maxTokens := c.cfg.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ai api call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read ai response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			if apiErr.Code == codeModelNotFound || strings.Contains(apiErr.Message, "Model does not exist") {
				return "", fmt.Errorf("ai model %q does not exist (code %d): %s", c.cfg.Model, apiErr.Code, apiErr.Message)
			}
			return "", fmt.Errorf("ai api call failed (status %d): %s", resp.StatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("ai api call failed (status %d): %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode ai response: %w: %s", err, truncate(string(raw), 200))
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("ai response missing choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *openaiClient) TestConnection(ctx context.Context) (string, error) {
	return c.Chat(ctx, []Message{
		{Role: RoleSystem, Content: "You are a helpful assistant."},
		{Role: RoleUser, Content: "Reply with the word: ok"},
	}, CallOptions{Timeout: 10 * time.Second, MaxTokens: 50, Temperature: 0.3})
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
