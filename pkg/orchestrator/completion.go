package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/calder/steward/internal/observability"
	"github.com/calder/steward/pkg/agentable"
	"github.com/calder/steward/pkg/coreloop"
	"github.com/calder/steward/pkg/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Rough per-million-token rates used for run cost accounting. Accounting
// only; billing truth lives with the provider.
const (
	inputCostPerMTok  = 3.0
	outputCostPerMTok = 15.0
)

const defaultTaskSummary = "Task completed."

// handleCompletion records the run and applies kind-specific terminal
// handling after a successful run loop.
func (o *Orchestrator) handleCompletion(ctx context.Context, a *agentable.Agentable, turn TurnContext, runContext map[string]interface{}, result coreloop.Result, startedAt time.Time, logger zerolog.Logger) {
	completedAt := time.Now().UTC()

	record := &agentable.RunRecord{
		ID:                uuid.New().String(),
		AgentableID:       a.ID,
		InputTokens:       result.Usage.InputTokens,
		OutputTokens:      result.Usage.OutputTokens,
		CostUSD:           runCost(result.Usage.InputTokens, result.Usage.OutputTokens),
		ToolsUsed:         result.ToolsUsed,
		Iterations:        result.Iterations,
		NaturalCompletion: result.NaturalCompletion,
		StartedAt:         startedAt.UTC(),
		CompletedAt:       completedAt,
	}
	if err := o.store.InsertRunRecord(ctx, record); err != nil {
		logger.Error().Err(err).Msg("Failed to record run")
	}

	outcome := "ceiling"
	if result.NaturalCompletion {
		outcome = "natural"
	}
	observability.RecordRun(string(a.Kind), completedAt.Sub(startedAt), outcome)
	observability.RecordTokens(result.Usage.InputTokens, result.Usage.OutputTokens)
	o.publisher.Publish(events.Event{
		Type:        events.TypeRunCompleted,
		AgentableID: a.ID,
		Data: map[string]interface{}{
			"iterations":         result.Iterations,
			"natural_completion": result.NaturalCompletion,
			"tools_used":         result.ToolsUsed,
		},
	})

	if a.Kind == agentable.KindTask && result.NaturalCompletion {
		o.completeTask(ctx, a, result, logger)
		return
	}

	if agentable.ContextType(runContext) == agentable.ContextTypeFeed && !turn.Misrouted {
		if result.FinalText == "" && len(result.ToolsUsed) == 0 {
			logger.Warn().Str("agentable_id", a.ID).Msg("Feed generation produced no insights")
		}
		ref := agentable.Ref{Kind: a.Kind, ID: a.ID}
		if _, err := o.archiver.Archive(ctx, ref, agentable.ReasonFeedComplete); err != nil {
			logger.Error().Err(err).Msg("Failed to archive feed session")
		}
	}
}

// completeTask summarizes a naturally finished task from the conversation
// tail, marks it completed, and archives its session.
func (o *Orchestrator) completeTask(ctx context.Context, a *agentable.Agentable, result coreloop.Result, logger zerolog.Logger) {
	summary := taskResultSummary(ctx, o.store, a.ID, result)
	if err := o.store.SetResultSummary(ctx, a.ID, summary); err != nil {
		logger.Error().Err(err).Msg("Failed to set task result summary")
	}

	ref := agentable.Ref{Kind: a.Kind, ID: a.ID}
	if err := o.store.UpdateStatus(ctx, ref, agentable.StatusCompleted); err != nil {
		logger.Error().Err(err).Msg("Failed to mark task completed")
	}
	if _, err := o.archiver.Archive(ctx, ref, agentable.ReasonNaturalComplete); err != nil {
		logger.Error().Err(err).Msg("Failed to archive completed task session")
	}

	logger.Info().Str("agentable_id", a.ID).Msg("Task completed")
}

// taskResultSummary prefers the model's final free-text message, then the
// last tool result, then a generic default.
func taskResultSummary(ctx context.Context, store Store, agentableID string, result coreloop.Result) string {
	if result.FinalText != "" {
		return truncate(result.FinalText, 500)
	}

	a, err := store.GetAgentable(ctx, agentableID)
	if err == nil {
		for i := len(a.Conversation) - 1; i >= 0; i-- {
			tr := a.Conversation[i].ToolResult
			if tr != nil && !tr.IsError && tr.Content != "" {
				return truncate(fmt.Sprintf("Finished with tool result: %s", tr.Content), 500)
			}
		}
	}
	return defaultTaskSummary
}

func runCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*inputCostPerMTok + float64(outputTokens)/1e6*outputCostPerMTok
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
