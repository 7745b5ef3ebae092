package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/calder/steward/pkg/agentable"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgentable(row rowScanner) (*agentable.Agentable, error) {
	var (
		a             agentable.Agentable
		kind, status  string
		conversation  string
		turnStartedAt sql.NullTime
		leaseAcquired sql.NullTime
		contextData   string
		parentID      sql.NullString
	)

	err := row.Scan(
		&a.ID, &kind, &a.Title, &status, &conversation, &turnStartedAt,
		&a.Lease.Holder, &leaseAcquired, &a.Lease.JobRef,
		&contextData, &parentID, &a.ResultSummary, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agentable: %w", err)
	}

	a.Kind = agentable.Kind(kind)
	a.Status = agentable.Status(status)

	a.Conversation, err = agentable.UnmarshalConversation(conversation)
	if err != nil {
		return nil, err
	}

	if turnStartedAt.Valid {
		t := turnStartedAt.Time
		a.TurnStartedAt = &t
	}
	if leaseAcquired.Valid {
		t := leaseAcquired.Time
		a.Lease.AcquiredAt = &t
	}
	if parentID.Valid {
		a.ParentID = parentID.String
	}

	if contextData != "" {
		if err := json.Unmarshal([]byte(contextData), &a.ContextData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal context data: %w", err)
		}
	}

	return &a, nil
}

func marshalJSON(v interface{}, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
