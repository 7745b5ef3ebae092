package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/calder/steward/pkg/agentable"
	"github.com/google/uuid"
)

// InsertRunRecord persists one row of per-invocation activity accounting.
// Run records are append-only.
func (s *Store) InsertRunRecord(ctx context.Context, rec *agentable.RunRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	tools, err := marshalJSON(rec.ToolsUsed, "[]")
	if err != nil {
		return fmt.Errorf("failed to marshal tools: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_records
			(id, agentable_id, input_tokens, output_tokens, cost_usd, tools_used, iterations, natural_completion, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentableID, rec.InputTokens, rec.OutputTokens, rec.CostUSD,
		tools, rec.Iterations, boolToInt(rec.NaturalCompletion),
		rec.StartedAt.UTC(), rec.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run record: %w", err)
	}
	return nil
}

// ListRunRecords returns an agentable's run records, newest first.
func (s *Store) ListRunRecords(ctx context.Context, agentableID string) ([]*agentable.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agentable_id, input_tokens, output_tokens, cost_usd, tools_used, iterations, natural_completion, started_at, completed_at
		FROM run_records WHERE agentable_id = ?
		ORDER BY completed_at DESC`, agentableID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run records: %w", err)
	}
	defer rows.Close()

	var records []*agentable.RunRecord
	for rows.Next() {
		var (
			rec     agentable.RunRecord
			tools   string
			natural int
		)
		if err := rows.Scan(&rec.ID, &rec.AgentableID, &rec.InputTokens, &rec.OutputTokens,
			&rec.CostUSD, &tools, &rec.Iterations, &natural, &rec.StartedAt, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		rec.NaturalCompletion = natural != 0
		if tools != "" {
			if err := json.Unmarshal([]byte(tools), &rec.ToolsUsed); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tools: %w", err)
			}
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}
