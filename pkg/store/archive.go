package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/calder/steward/pkg/agentable"
)

// InsertArchivedSession persists one immutable archive row.
func (s *Store) InsertArchivedSession(ctx context.Context, arc *agentable.ArchivedSession) error {
	history, err := agentable.MarshalConversation(arc.FullHistory)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO archived_sessions
			(id, agentable_id, summary, full_history, message_count, token_count, completion_reason, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		arc.ID, arc.AgentableID, arc.Summary, history, arc.MessageCount,
		arc.TokenCount, string(arc.Reason), arc.StartedAt.UTC(), arc.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert archived session: %w", err)
	}
	return nil
}

// GetArchivedSession loads one archive by ID.
func (s *Store) GetArchivedSession(ctx context.Context, id string) (*agentable.ArchivedSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agentable_id, summary, full_history, message_count, token_count, completion_reason, started_at, completed_at
		FROM archived_sessions WHERE id = ?`, id)
	return scanArchive(row)
}

// ListArchivedSessions returns an agentable's archives, newest first.
func (s *Store) ListArchivedSessions(ctx context.Context, agentableID string) ([]*agentable.ArchivedSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agentable_id, summary, full_history, message_count, token_count, completion_reason, started_at, completed_at
		FROM archived_sessions WHERE agentable_id = ?
		ORDER BY completed_at DESC`, agentableID)
	if err != nil {
		return nil, fmt.Errorf("failed to query archives: %w", err)
	}
	defer rows.Close()

	var archives []*agentable.ArchivedSession
	for rows.Next() {
		arc, err := scanArchive(rows)
		if err != nil {
			return nil, err
		}
		archives = append(archives, arc)
	}
	return archives, rows.Err()
}

// ListArchivesOlderThan returns archive IDs completed before the cutoff.
func (s *Store) ListArchivesOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM archived_sessions WHERE completed_at < ?`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query old archives: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteArchivedSession removes an archive and applies the child-work
// cleanup rule for tasks spawned during the archived session's time window:
// completed children are scratch work produced for that session and are
// deleted wholesale; incomplete children represent still-live work, so only
// their result summary is cleared.
func (s *Store) DeleteArchivedSession(ctx context.Context, id string) error {
	arc, err := s.GetArchivedSession(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM agentables
		WHERE parent_id = ? AND kind = ? AND status = ?
		  AND created_at >= ? AND created_at <= ?`,
		arc.AgentableID, string(agentable.KindTask), string(agentable.StatusCompleted),
		arc.StartedAt.UTC(), arc.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to delete completed child tasks: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE agentables SET result_summary = '', updated_at = ?
		WHERE parent_id = ? AND kind = ? AND status != ?
		  AND created_at >= ? AND created_at <= ?`,
		time.Now().UTC(),
		arc.AgentableID, string(agentable.KindTask), string(agentable.StatusCompleted),
		arc.StartedAt.UTC(), arc.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to strip incomplete child tasks: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM archived_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive deletion: %w", err)
	}
	return nil
}

func scanArchive(row rowScanner) (*agentable.ArchivedSession, error) {
	var (
		arc     agentable.ArchivedSession
		history string
		reason  string
	)
	err := row.Scan(&arc.ID, &arc.AgentableID, &arc.Summary, &history,
		&arc.MessageCount, &arc.TokenCount, &reason, &arc.StartedAt, &arc.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan archive: %w", err)
	}
	arc.Reason = agentable.CompletionReason(reason)
	arc.FullHistory, err = agentable.UnmarshalConversation(history)
	if err != nil {
		return nil, err
	}
	return &arc, nil
}
