package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicClient implements Client over the Anthropic SDK for deployments
// that point crev at Claude instead of an OpenAI-compatible endpoint.
type anthropicClient struct {
	cfg Config
	api *anthropic.Client
}

func newAnthropicClient(cfg Config) *anthropicClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return &anthropicClient{cfg: cfg, api: &client}
}

func (c *anthropicClient) Enabled() bool {
	return c.cfg.APIKey != "" && c.cfg.Model != ""
}

func (c *anthropicClient) ModelName() string {
	return c.cfg.Model
}

func (c *anthropicClient) Chat(ctx context.Context, msgs []Message, opts CallOptions) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}

	timeout := c.cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxTokens := c.cfg.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	if maxTokens == 0 {
		maxTokens = 4096
	}

	var system []anthropic.TextBlockParam
	var turns []anthropic.MessageParam
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
			continue
		}
		turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
	}

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: int64(maxTokens),
		System:    system,
		Messages:  turns,
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return text, nil
}

func (c *anthropicClient) TestConnection(ctx context.Context) (string, error) {
	return c.Chat(ctx, []Message{
		{Role: RoleUser, Content: "Reply with the word: ok"},
	}, CallOptions{Timeout: 10 * time.Second, MaxTokens: 50})
}
