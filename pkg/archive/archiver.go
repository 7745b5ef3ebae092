// Package archive closes sessions: it moves an active conversation into an
// immutable, summarized archive, or discards it on explicit reset.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calder/steward/internal/observability"
	"github.com/calder/steward/internal/tracing"
	"github.com/calder/steward/pkg/agentable"
	"github.com/calder/steward/pkg/events"
	"github.com/calder/steward/pkg/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrEmptyConversation is returned when archiving an agentable with no
// active conversation.
var ErrEmptyConversation = errors.New("conversation is empty")

// Store is the store surface the archiver needs.
type Store interface {
	GetAgentable(ctx context.Context, id string) (*agentable.Agentable, error)
	InsertArchivedSession(ctx context.Context, arc *agentable.ArchivedSession) error
	AttachMessagesToArchive(ctx context.Context, agentableID, archiveID string) error
	ClearSession(ctx context.Context, id string) error
}

// Summarizer produces the archive summary.
type Summarizer interface {
	Summarize(ctx context.Context, entries []agentable.Entry) string
}

// Archiver closes sessions into archives.
type Archiver struct {
	store      Store
	summarizer Summarizer
	publisher  events.Publisher
	logger     zerolog.Logger
}

// New creates an archiver.
func New(store Store, summarizer Summarizer, publisher events.Publisher, logger zerolog.Logger) *Archiver {
	observability.EnsureRegistered()

	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Archiver{
		store:      store,
		summarizer: summarizer,
		publisher:  publisher,
		logger:     logger,
	}
}

// Archive moves the active conversation into a new immutable archive,
// clears the conversation and open-turn marker, and links pending thread
// messages to the archive. Requires a non-empty conversation.
func (a *Archiver) Archive(ctx context.Context, ref agentable.Ref, reason agentable.CompletionReason) (*agentable.ArchivedSession, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"steward.archive",
		"archive.archive",
		attribute.String("agentable_id", ref.ID),
		attribute.String("reason", string(reason)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, a.logger)

	ag, err := a.store.GetAgentable(ctx, ref.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load agentable: %w", err)
	}

	if len(ag.Conversation) == 0 {
		return nil, ErrEmptyConversation
	}

	startedAt := ag.CreatedAt
	if ag.TurnStartedAt != nil {
		startedAt = *ag.TurnStartedAt
	}

	summary := ""
	if a.summarizer != nil {
		summary = a.summarizer.Summarize(ctx, ag.Conversation)
	}

	arc := &agentable.ArchivedSession{
		ID:           uuid.New().String(),
		AgentableID:  ag.ID,
		Summary:      summary,
		FullHistory:  ag.Conversation,
		MessageCount: len(ag.Conversation),
		TokenCount:   model.EstimateTokens(ag.Conversation),
		Reason:       reason,
		StartedAt:    startedAt,
		CompletedAt:  time.Now().UTC(),
	}

	if err := a.store.InsertArchivedSession(ctx, arc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := a.store.AttachMessagesToArchive(ctx, ag.ID, arc.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to link thread messages to archive")
	}

	if err := a.store.ClearSession(ctx, ag.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	observability.RecordArchive(string(reason))
	a.publisher.Publish(events.Event{
		Type:        events.TypeSessionArchived,
		AgentableID: ag.ID,
		Data: map[string]interface{}{
			"archive_id": arc.ID,
			"reason":     string(reason),
			"messages":   arc.MessageCount,
		},
	})

	logger.Info().
		Str("archive_id", arc.ID).
		Str("reason", string(reason)).
		Int("messages", arc.MessageCount).
		Msg("Session archived")

	return arc, nil
}

// Reset discards the active conversation and open-turn marker without
// producing an archive. Only for explicit user-initiated clears; timeout
// paths must archive instead.
func (a *Archiver) Reset(ctx context.Context, ref agentable.Ref) error {
	logger := tracing.LoggerFromContext(ctx, a.logger)

	if err := a.store.ClearSession(ctx, ref.ID); err != nil {
		return fmt.Errorf("failed to reset session: %w", err)
	}

	observability.RecordReset()
	a.publisher.Publish(events.Event{
		Type:        events.TypeSessionReset,
		AgentableID: ref.ID,
	})

	logger.Info().Str("agentable_id", ref.ID).Msg("Session reset without archive")
	return nil
}
