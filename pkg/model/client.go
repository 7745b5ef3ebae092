// Package model adapts language-model providers behind a narrow Client
// interface consumed by the run loop and the archive summarizer.
package model

import (
	"context"
	"fmt"
	"strings"
)

// Message is one provider-neutral conversation message.
type Message struct {
	Role       string                 `json:"role"` // user, assistant, tool
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	IsError    bool                   `json:"is_error,omitempty"` // tool role only
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCall is a model-issued request to execute a tool.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is a provider-neutral model call.
type Request struct {
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
	Tools        []ToolDef `json:"tools,omitempty"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	Temperature  float64   `json:"temperature,omitempty"`
}

// Response is the provider-neutral result of a model call.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Client is the model call service.
type Client interface {
	Provider() string
	Call(ctx context.Context, request Request) (*Response, error)
}

// NewClient creates a client for the named provider.
func NewClient(provider, apiKey string) (Client, error) {
	switch provider {
	case "anthropic":
		return NewAnthropicClient(apiKey), nil
	case "openai":
		return NewOpenAIClient(apiKey), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
}

// IsRateLimited reports whether an error looks like provider throttling.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "overloaded")
}
