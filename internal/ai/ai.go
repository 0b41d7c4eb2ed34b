// Package ai provides the gateway to chat-completion providers. Every AI
// call in the review engine goes through the Client interface; when the
// gateway is disabled or misconfigured, calls fail loudly. No mock data is
// ever substituted for a provider response.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDisabled is returned when the gateway is not configured for use.
var ErrDisabled = errors.New("ai service is disabled or missing configuration")

// Role constants for chat messages.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one chat turn sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CallOptions tune a single call without changing client defaults.
type CallOptions struct {
	// Timeout overrides the client default when > 0. The comprehensive
	// review call uses an extended timeout.
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// Client is the provider-agnostic chat interface.
type Client interface {
	// Chat sends the messages and returns the assistant's text reply.
	Chat(ctx context.Context, msgs []Message, opts CallOptions) (string, error)
	// Enabled reports whether the client is configured for use.
	Enabled() bool
	// ModelName returns the configured model identifier.
	ModelName() string
	// TestConnection performs a cheap round trip to verify configuration.
	TestConnection(ctx context.Context) (string, error)
}

// Config holds provider settings, normally sourced from viper.
type Config struct {
	Provider      string // "openai" (any OpenAI-compatible endpoint) or "anthropic"
	BaseURL       string
	APIKey        string
	Model         string
	Temperature   float64
	MaxTokens     int
	Timeout       time.Duration
	ReviewTimeout time.Duration // extended timeout for the comprehensive call
}

// New constructs a client for the configured provider.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "", "openai":
		return newOpenAIClient(cfg), nil
	case "anthropic":
		return newAnthropicClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown ai provider: %s", cfg.Provider)
	}
}

// ParseJSONReply unmarshals a model reply into v, stripping markdown
// fencing if present.
func ParseJSONReply(text string, v any) error {
	text = StripFencing(text)
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("parse AI response as JSON: %w\nraw response: %s", err, text)
	}
	return nil
}

// StripFencing removes a surrounding markdown code fence from a model
// reply, if present.
func StripFencing(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
