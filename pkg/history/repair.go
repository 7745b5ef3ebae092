// Package history inspects a stored conversation for structural corruption
// before a run starts. The signature of an interrupted run is a tool_use
// entry with no matching tool_result: the worker died between issuing the
// call and recording its outcome.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/calder/steward/internal/observability"
	"github.com/calder/steward/internal/tracing"
	"github.com/calder/steward/pkg/agentable"
	"github.com/rs/zerolog"
)

const interruptedResult = "execution interrupted"

// Store is the slice of the agentable store the repairer needs.
type Store interface {
	GetAgentable(ctx context.Context, id string) (*agentable.Agentable, error)
	SaveConversation(ctx context.Context, id string, entries []agentable.Entry) error
}

// Report describes what a repair pass did.
type Report struct {
	Repaired bool
	Repairs  []string
}

// Repairer validates and repairs conversation structure.
type Repairer struct {
	store  Store
	logger zerolog.Logger
}

// New creates a Repairer.
func New(store Store, logger zerolog.Logger) *Repairer {
	observability.EnsureRegistered()
	return &Repairer{store: store, logger: logger}
}

// ValidateAndRepair scans the conversation for unmatched tool calls and
// synthesizes an error tool_result for each so the history stays structurally
// valid for the model. It never fails the caller: refusing to run is worse
// than running with a best-effort repair, so internal errors are logged and
// an empty report is returned.
func (r *Repairer) ValidateAndRepair(ctx context.Context, ref agentable.Ref) Report {
	logger := tracing.LoggerFromContext(ctx, r.logger)

	a, err := r.store.GetAgentable(ctx, ref.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("History validation skipped, cannot load agentable")
		return Report{}
	}

	repaired, repairs := RepairEntries(&a.Conversation)
	if !repaired {
		return Report{}
	}

	if err := r.store.SaveConversation(ctx, ref.ID, a.Conversation); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist repaired conversation")
		return Report{}
	}

	observability.RecordHistoryRepair()
	logger.Info().
		Strs("repairs", repairs).
		Msg("Conversation repaired")

	return Report{Repaired: true, Repairs: repairs}
}

// RepairEntries appends a synthesized error tool_result for every tool_use
// entry with no matching result. It reports whether anything changed and a
// human-readable note per repair.
func RepairEntries(entries *[]agentable.Entry) (bool, []string) {
	resolved := make(map[string]bool)
	for _, entry := range *entries {
		if entry.ToolResult != nil {
			resolved[entry.ToolResult.ID] = true
		}
	}

	var repairs []string
	for _, entry := range *entries {
		if entry.ToolUse == nil || resolved[entry.ToolUse.ID] {
			continue
		}
		resolved[entry.ToolUse.ID] = true
		*entries = append(*entries, agentable.Entry{
			Role: agentable.RoleUser,
			ToolResult: &agentable.ToolResult{
				ID:      entry.ToolUse.ID,
				Content: interruptedResult,
				IsError: true,
			},
			Timestamp: time.Now().UTC(),
		})
		repairs = append(repairs, fmt.Sprintf("synthesized error result for tool call %s (%s)", entry.ToolUse.ID, entry.ToolUse.Name))
	}

	return len(repairs) > 0, repairs
}
