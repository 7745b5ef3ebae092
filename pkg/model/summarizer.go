package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/calder/steward/pkg/agentable"
	"github.com/rs/zerolog"
)

const summarySystemPrompt = "You summarize agent work sessions. Reply with a " +
	"2-3 sentence plain-text summary of what was attempted and what the outcome was. " +
	"No preamble, no markdown."

// Summarizer produces short natural-language summaries of conversations for
// archiving. Summarization is best-effort: archiving must never fail because
// the summary call did.
type Summarizer struct {
	client    Client
	model     string
	maxTokens int
	logger    zerolog.Logger
}

// NewSummarizer creates a summarizer backed by the given client.
func NewSummarizer(client Client, model string, logger zerolog.Logger) *Summarizer {
	return &Summarizer{
		client:    client,
		model:     model,
		maxTokens: 512,
		logger:    logger,
	}
}

// Summarize returns a short summary of the conversation. On any model
// failure it falls back to a counted placeholder.
func (s *Summarizer) Summarize(ctx context.Context, entries []agentable.Entry) string {
	fallback := fmt.Sprintf("Session with %d messages (summary unavailable)", len(entries))
	if s.client == nil {
		return fallback
	}

	transcript := RenderTranscript(entries)
	if transcript == "" {
		return fallback
	}

	resp, err := s.client.Call(ctx, Request{
		Model:        s.model,
		SystemPrompt: summarySystemPrompt,
		Messages: []Message{
			{Role: "user", Content: transcript},
		},
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Summary call failed, using fallback")
		return fallback
	}

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return fallback
	}
	return summary
}

// RenderTranscript flattens a conversation into plain text for the
// summarizer. Tool payloads are reduced to one line each.
func RenderTranscript(entries []agentable.Entry) string {
	var b strings.Builder
	for _, entry := range entries {
		switch {
		case entry.ToolUse != nil:
			fmt.Fprintf(&b, "[tool call] %s\n", entry.ToolUse.Name)
		case entry.ToolResult != nil:
			status := "ok"
			if entry.ToolResult.IsError {
				status = "error"
			}
			fmt.Fprintf(&b, "[tool result: %s]\n", status)
		case entry.Text != "":
			fmt.Fprintf(&b, "%s: %s\n", entry.Role, entry.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// EstimateTokens provides a rough token count for a conversation.
func EstimateTokens(entries []agentable.Entry) int {
	totalChars := 0
	for _, entry := range entries {
		totalChars += len(entry.Text)
		if entry.ToolResult != nil {
			totalChars += len(entry.ToolResult.Content)
		}
	}
	// Rough estimation: 1 token ≈ 4 characters
	return (totalChars + 3) / 4
}
