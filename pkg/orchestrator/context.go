package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/calder/steward/pkg/agentable"
	"github.com/rs/zerolog"
)

const DefaultStopScanWindow = 5

// stopIntentKeywords are scanned, lowercased, against recent user messages
// when building a continuation turn.
var stopIntentKeywords = []string{
	"stop",
	"pause",
	"cancel",
	"hold off",
	"never mind",
	"nevermind",
}

// MessageStore is the message surface the context builder needs.
type MessageStore interface {
	FetchAndMarkUnprocessed(ctx context.Context, agentableID string) ([]agentable.ThreadMessage, error)
	RecentUserMessages(ctx context.Context, agentableID string, limit int) ([]agentable.ThreadMessage, error)
}

// TurnContext is the single payload fed to the model for one turn.
type TurnContext struct {
	Message string
	// ConsumedMessageIDs lists thread messages marked processed while
	// building this context. On a failed run they must be unmarked so the
	// input is retried instead of lost.
	ConsumedMessageIDs []string
	// Misrouted marks a feed-generation context that arrived on a kind
	// that cannot generate feeds.
	Misrouted bool
}

// ContextBuilder arbitrates what the model is told this turn. The four
// sources are strictly priority ordered; the first match wins.
type ContextBuilder struct {
	store          MessageStore
	stopScanWindow int
	logger         zerolog.Logger
}

// NewContextBuilder creates a context builder.
func NewContextBuilder(store MessageStore, stopScanWindow int, logger zerolog.Logger) *ContextBuilder {
	if stopScanWindow <= 0 {
		stopScanWindow = DefaultStopScanWindow
	}
	return &ContextBuilder{
		store:          store,
		stopScanWindow: stopScanWindow,
		logger:         logger,
	}
}

// Build produces this turn's context.
//
// Priority order:
//  1. check-in dispatch
//  2. feed-generation dispatch (standing agents only)
//  3. unprocessed user messages
//  4. generic continuation, noting recent stop intent
func (b *ContextBuilder) Build(ctx context.Context, a *agentable.Agentable, runContext map[string]interface{}) (TurnContext, error) {
	switch agentable.ContextType(runContext) {
	case agentable.ContextTypeCheckIn:
		return TurnContext{Message: renderCheckIn(runContext)}, nil

	case agentable.ContextTypeFeed:
		if a.Kind != agentable.KindStandingAgent {
			b.logger.Warn().
				Str("agentable_id", a.ID).
				Str("kind", string(a.Kind)).
				Msg("Feed-generation context on non-agent kind, instructing self-termination")
			return TurnContext{
				Message:   "This run was dispatched incorrectly. Do not perform any work. End the session immediately without calling tools.",
				Misrouted: true,
			}, nil
		}
		return TurnContext{Message: renderFeed(runContext)}, nil
	}

	messages, err := b.store.FetchAndMarkUnprocessed(ctx, a.ID)
	if err != nil {
		return TurnContext{}, fmt.Errorf("failed to fetch unprocessed messages: %w", err)
	}
	if len(messages) > 0 {
		ids := make([]string, 0, len(messages))
		parts := make([]string, 0, len(messages))
		for _, msg := range messages {
			ids = append(ids, msg.ID)
			parts = append(parts, msg.Content)
		}
		return TurnContext{
			Message:            "The user says:\n\n" + strings.Join(parts, "\n\n"),
			ConsumedMessageIDs: ids,
		}, nil
	}

	message := "Continue where you left off. Review the conversation so far and make progress on the current objective."
	if stop, err := b.recentStopIntent(ctx, a.ID); err != nil {
		b.logger.Warn().Err(err).Str("agentable_id", a.ID).Msg("Stop-intent scan failed")
	} else if stop {
		message += " Note: the user recently asked to stop or pause. If the current objective is no longer wanted, wind down gracefully instead of continuing."
	}
	return TurnContext{Message: message}, nil
}

func (b *ContextBuilder) recentStopIntent(ctx context.Context, agentableID string) (bool, error) {
	recent, err := b.store.RecentUserMessages(ctx, agentableID, b.stopScanWindow)
	if err != nil {
		return false, err
	}
	for _, msg := range recent {
		lower := strings.ToLower(msg.Content)
		for _, keyword := range stopIntentKeywords {
			if strings.Contains(lower, keyword) {
				return true, nil
			}
		}
	}
	return false, nil
}

func renderCheckIn(runContext map[string]interface{}) string {
	var sb strings.Builder
	sb.WriteString("This is a scheduled check-in you set for yourself. Review your objective and the conversation so far, then decide what to do next.")
	if payload, ok := runContext["check_in"].(string); ok && payload != "" {
		sb.WriteString("\n\nCheck-in note: ")
		sb.WriteString(payload)
	}
	return sb.String()
}

func renderFeed(runContext map[string]interface{}) string {
	var sb strings.Builder
	sb.WriteString("Generate the user's feed for this period: surface anything new, noteworthy, or actionable from your standing responsibilities.")
	if period, ok := runContext["feed_period"].(string); ok && period != "" {
		sb.WriteString(" Period: ")
		sb.WriteString(period)
		sb.WriteString(".")
	}
	return sb.String()
}

// SystemPrompt renders the per-agentable system prompt.
func SystemPrompt(a *agentable.Agentable) string {
	var role string
	switch a.Kind {
	case agentable.KindGoal:
		role = "You are an autonomous assistant working toward a user goal."
	case agentable.KindTask:
		role = "You are an autonomous assistant executing a delegated task. Finish it and report the outcome."
	case agentable.KindStandingAgent:
		role = "You are a standing personal agent with ongoing responsibilities."
	default:
		role = "You are an autonomous assistant."
	}
	return fmt.Sprintf("%s\n\nObjective: %s\n\nWork in small steps. Use the available tools when they help. When the work is done, reply with a final message and no tool calls.", role, a.Title)
}
