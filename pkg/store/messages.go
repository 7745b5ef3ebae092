package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/calder/steward/pkg/agentable"
	"github.com/google/uuid"
)

// AddThreadMessage appends a chat line to an agentable's thread.
func (s *Store) AddThreadMessage(ctx context.Context, msg *agentable.ThreadMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_messages (id, agentable_id, archived_session_id, role, content, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.AgentableID, nullString(msg.ArchivedSessionID),
		string(msg.Role), msg.Content, boolToInt(msg.Processed), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert thread message: %w", err)
	}
	return nil
}

// FetchAndMarkUnprocessed returns all unconsumed user messages for an
// agentable, marking them processed in the same transaction so a concurrent
// fetch cannot consume the same input twice.
func (s *Store) FetchAndMarkUnprocessed(ctx context.Context, agentableID string) ([]agentable.ThreadMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, agentable_id, role, content, created_at
		FROM thread_messages
		WHERE agentable_id = ? AND role = ? AND processed = 0
		ORDER BY created_at ASC`,
		agentableID, string(agentable.RoleUser))
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed messages: %w", err)
	}

	var messages []agentable.ThreadMessage
	for rows.Next() {
		var msg agentable.ThreadMessage
		var role string
		if err := rows.Scan(&msg.ID, &msg.AgentableID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan thread message: %w", err)
		}
		msg.Role = agentable.Role(role)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(messages) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, len(messages))
	args := make([]interface{}, len(messages))
	for i, msg := range messages {
		ids[i] = "?"
		args[i] = msg.ID
	}

	query := fmt.Sprintf(`UPDATE thread_messages SET processed = 1 WHERE id IN (%s)`, strings.Join(ids, ","))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to mark messages processed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message fetch: %w", err)
	}

	for i := range messages {
		messages[i].Processed = true
	}
	return messages, nil
}

// UnmarkProcessed rolls message consumption back so a failed turn retries
// the same input instead of silently losing it.
func (s *Store) UnmarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`UPDATE thread_messages SET processed = 0 WHERE id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to unmark messages: %w", err)
	}
	return nil
}

// RecentUserMessages returns up to limit most recent user messages, newest
// first. Used for stop-intent scanning when building a continuation turn.
func (s *Store) RecentUserMessages(ctx context.Context, agentableID string, limit int) ([]agentable.ThreadMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agentable_id, role, content, processed, created_at
		FROM thread_messages
		WHERE agentable_id = ? AND role = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		agentableID, string(agentable.RoleUser), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer rows.Close()

	var messages []agentable.ThreadMessage
	for rows.Next() {
		var msg agentable.ThreadMessage
		var role string
		var processed int
		if err := rows.Scan(&msg.ID, &msg.AgentableID, &role, &msg.Content, &processed, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan thread message: %w", err)
		}
		msg.Role = agentable.Role(role)
		msg.Processed = processed != 0
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// AttachMessagesToArchive links all thread messages not yet bound to an
// archive to the given archived session.
func (s *Store) AttachMessagesToArchive(ctx context.Context, agentableID, archiveID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE thread_messages SET archived_session_id = ?
		WHERE agentable_id = ? AND archived_session_id IS NULL`,
		archiveID, agentableID)
	if err != nil {
		return fmt.Errorf("failed to attach messages to archive: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
