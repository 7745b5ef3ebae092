package agentable

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the concrete agentable variant. The set is closed: code
// dispatches by matching on the tag, never by reflection.
type Kind string

const (
	KindGoal          Kind = "goal"
	KindTask          Kind = "task"
	KindStandingAgent Kind = "standing_agent"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindGoal, KindTask, KindStandingAgent:
		return true
	}
	return false
}

// Status is the lifecycle state of an agentable. The enums are kind-specific
// in meaning but share one namespace so storage stays uniform.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status permits no further runs.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Role tags a conversation entry's author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolUse is a model-issued request to execute a tool.
type ToolUse struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// ToolResult is the outcome record for a prior ToolUse with the same ID.
type ToolResult struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Entry is one element of an agentable's conversation history. It carries
// either plain text or a tool-call/tool-result payload.
type Entry struct {
	Role       Role        `json:"role"`
	Text       string      `json:"text,omitempty"`
	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Lease is the mutual-exclusion token guaranteeing a single concurrent run.
type Lease struct {
	Holder     string     `json:"holder,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	JobRef     string     `json:"job_ref,omitempty"`
}

// Held reports whether the lease is currently held.
func (l Lease) Held() bool {
	return l.Holder != ""
}

// Age returns how long the lease has been held, or zero if unheld.
func (l Lease) Age(now time.Time) time.Duration {
	if !l.Held() || l.AcquiredAt == nil {
		return 0
	}
	return now.Sub(*l.AcquiredAt)
}

// Agentable is any entity that can own an autonomous run: a Goal, a
// delegated Task, or a Standing Agent.
type Agentable struct {
	ID            string                 `json:"id"`
	Kind          Kind                   `json:"kind"`
	Title         string                 `json:"title"`
	Status        Status                 `json:"status"`
	Conversation  []Entry                `json:"conversation"`
	TurnStartedAt *time.Time             `json:"turn_started_at,omitempty"`
	Lease         Lease                  `json:"lease"`
	ContextData   map[string]interface{} `json:"context_data,omitempty"`
	ParentID      string                 `json:"parent_id,omitempty"`
	ResultSummary string                 `json:"result_summary,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Ref identifies an agentable for orchestration entry points.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}

// CompletionReason records why a session was closed.
type CompletionReason string

const (
	ReasonSessionTimeout  CompletionReason = "session_timeout"
	ReasonFeedComplete    CompletionReason = "feed_generation_complete"
	ReasonNaturalComplete CompletionReason = "natural_completion"
	ReasonExplicitArchive CompletionReason = "explicit_archive"
)

// ArchivedSession is the immutable record of a closed turn.
type ArchivedSession struct {
	ID           string           `json:"id"`
	AgentableID  string           `json:"agentable_id"`
	Summary      string           `json:"summary"`
	FullHistory  []Entry          `json:"full_history"`
	MessageCount int              `json:"message_count"`
	TokenCount   int              `json:"token_count"`
	Reason       CompletionReason `json:"completion_reason"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  time.Time        `json:"completed_at"`
}

// ThreadMessage is a user- or agent-visible chat line. Processed marks user
// input that has already been consumed by a turn, so retries do not
// double-feed the same text to the model.
type ThreadMessage struct {
	ID                string    `json:"id"`
	AgentableID       string    `json:"agentable_id"`
	ArchivedSessionID string    `json:"archived_session_id,omitempty"`
	Role              Role      `json:"role"`
	Content           string    `json:"content"`
	Processed         bool      `json:"processed"`
	CreatedAt         time.Time `json:"created_at"`
}

// RunRecord is one row of activity accounting per completed invocation.
// Created after the run loop returns and never mutated afterward.
type RunRecord struct {
	ID                string    `json:"id"`
	AgentableID       string    `json:"agentable_id"`
	InputTokens       int       `json:"input_tokens"`
	OutputTokens      int       `json:"output_tokens"`
	CostUSD           float64   `json:"cost_usd"`
	ToolsUsed         []string  `json:"tools_used"`
	Iterations        int       `json:"iterations"`
	NaturalCompletion bool      `json:"natural_completion"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       time.Time `json:"completed_at"`
}

// MarshalConversation encodes a conversation for storage.
func MarshalConversation(entries []Entry) (string, error) {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to marshal conversation: %w", err)
	}
	return string(data), nil
}

// UnmarshalConversation decodes a stored conversation.
func UnmarshalConversation(raw string) ([]Entry, error) {
	if raw == "" {
		return []Entry{}, nil
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return entries, nil
}
