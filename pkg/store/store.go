// Package store persists agentables, their conversations, archived sessions,
// thread messages, and run records in SQLite. The orchestration core talks
// to it through narrow methods; side effects such as status notifications are
// explicit post-commit hooks, not storage-layer triggers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/calder/steward/pkg/agentable"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when an agentable or archive does not exist.
var ErrNotFound = errors.New("not found")

// StatusHook observes committed status transitions. Hooks run after the
// write commits; a panicking or slow hook must not corrupt store state.
type StatusHook func(ref agentable.Ref, from, to agentable.Status)

// Store is the SQLite-backed agentable store.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	hooksMu sync.RWMutex
	hooks   []StatusHook
}

// Config holds store configuration.
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// New opens the database, enables WAL and foreign keys, and creates the
// schema if missing.
func New(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{
		db:     db,
		logger: cfg.Logger,
	}

	s.logger.Info().Str("path", cfg.DBPath).Msg("Store opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// OnStatusChange registers a post-commit hook for status transitions.
func (s *Store) OnStatusChange(hook StatusHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *Store) fireStatusHooks(ref agentable.Ref, from, to agentable.Status) {
	s.hooksMu.RLock()
	hooks := make([]StatusHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.hooksMu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn().
						Interface("panic", r).
						Str("agentable_id", ref.ID).
						Msg("Status hook panicked")
				}
			}()
			hook(ref, from, to)
		}()
	}
}

// CreateAgentable inserts a new agentable row.
func (s *Store) CreateAgentable(ctx context.Context, a *agentable.Agentable) error {
	if !a.Kind.Valid() {
		return fmt.Errorf("invalid kind: %q", a.Kind)
	}
	if a.ID == "" {
		return errors.New("agentable ID is required")
	}

	conversation, err := agentable.MarshalConversation(a.Conversation)
	if err != nil {
		return err
	}
	contextData, err := marshalJSON(a.ContextData, "{}")
	if err != nil {
		return fmt.Errorf("failed to marshal context data: %w", err)
	}

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agentables
			(id, kind, title, status, conversation, turn_started_at, context_data, parent_id, result_summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Kind), a.Title, string(a.Status), conversation,
		nullTime(a.TurnStartedAt), contextData, nullString(a.ParentID),
		a.ResultSummary, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert agentable: %w", err)
	}
	return nil
}

// GetAgentable loads one agentable by ID. Returns ErrNotFound if absent.
func (s *Store) GetAgentable(ctx context.Context, id string) (*agentable.Agentable, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, title, status, conversation, turn_started_at,
		       lease_holder, lease_acquired_at, lease_job_ref,
		       context_data, parent_id, result_summary, created_at, updated_at
		FROM agentables WHERE id = ?`, id)
	return scanAgentable(row)
}

// ListHeldLeases returns all agentables whose lease is currently held.
func (s *Store) ListHeldLeases(ctx context.Context) ([]*agentable.Agentable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, title, status, conversation, turn_started_at,
		       lease_holder, lease_acquired_at, lease_job_ref,
		       context_data, parent_id, result_summary, created_at, updated_at
		FROM agentables WHERE lease_holder != ''`)
	if err != nil {
		return nil, fmt.Errorf("failed to query held leases: %w", err)
	}
	defer rows.Close()

	var result []*agentable.Agentable
	for rows.Next() {
		a, err := scanAgentable(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// UpdateStatus transitions an agentable's status and fires post-commit hooks.
func (s *Store) UpdateStatus(ctx context.Context, ref agentable.Ref, to agentable.Status) error {
	var from string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM agentables WHERE id = ?`, ref.ID).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE agentables SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), time.Now().UTC(), ref.ID)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	if agentable.Status(from) != to {
		s.fireStatusHooks(ref, agentable.Status(from), to)
	}
	return nil
}

// SetResultSummary stores the completion summary for a task.
func (s *Store) SetResultSummary(ctx context.Context, id, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agentables SET result_summary = ?, updated_at = ? WHERE id = ?`,
		summary, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set result summary: %w", err)
	}
	return requireRow(res)
}

// SaveConversation replaces an agentable's active conversation.
func (s *Store) SaveConversation(ctx context.Context, id string, entries []agentable.Entry) error {
	conversation, err := agentable.MarshalConversation(entries)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agentables SET conversation = ?, updated_at = ? WHERE id = ?`,
		conversation, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return requireRow(res)
}

// OpenTurn marks a turn open if no turn is already open. Idempotent.
func (s *Store) OpenTurn(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agentables SET turn_started_at = ?, updated_at = ?
		 WHERE id = ? AND turn_started_at IS NULL`,
		now.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to open turn: %w", err)
	}
	return nil
}

// ClearSession empties the active conversation and closes the open turn.
func (s *Store) ClearSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agentables SET conversation = '[]', turn_started_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return requireRow(res)
}

// TryAcquireLease performs the atomic conditional lease write: acquire only
// if the lease is unheld or was acquired before staleCutoff.
func (s *Store) TryAcquireLease(ctx context.Context, id, holder, jobRef string, staleCutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agentables
		SET lease_holder = ?, lease_acquired_at = ?, lease_job_ref = ?, updated_at = ?
		WHERE id = ?
		  AND (lease_holder = '' OR lease_acquired_at IS NULL OR lease_acquired_at <= ?)`,
		holder, time.Now().UTC(), jobRef, time.Now().UTC(), id, staleCutoff.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lease result: %w", err)
	}
	return affected == 1, nil
}

// ReleaseLease clears the lease field unconditionally. Safe to call when no
// lease is held.
func (s *Store) ReleaseLease(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agentables
		SET lease_holder = '', lease_acquired_at = NULL, lease_job_ref = '', updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// SetContextData replaces an agentable's inheritable context map.
func (s *Store) SetContextData(ctx context.Context, id string, data map[string]interface{}) error {
	raw, err := marshalJSON(data, "{}")
	if err != nil {
		return fmt.Errorf("failed to marshal context data: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agentables SET context_data = ?, updated_at = ? WHERE id = ?`,
		raw, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set context data: %w", err)
	}
	return requireRow(res)
}

// DeleteAgentable removes an agentable. Archives, thread messages, run
// records, and child tasks cascade through foreign keys.
func (s *Store) DeleteAgentable(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agentables WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agentable: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
