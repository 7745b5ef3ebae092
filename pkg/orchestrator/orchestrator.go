// Package orchestrator sequences one autonomous run: resolve the target,
// close stale sessions, take the execution lease, repair history, build the
// turn context, delegate to the run loop, and settle the outcome. Lease
// release is unconditional.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/calder/steward/internal/tracing"
	"github.com/calder/steward/pkg/agentable"
	"github.com/calder/steward/pkg/archive"
	"github.com/calder/steward/pkg/coreloop"
	"github.com/calder/steward/pkg/events"
	"github.com/calder/steward/pkg/history"
	"github.com/calder/steward/pkg/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DefaultSessionTimeout = 30 * time.Minute

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetAgentable(ctx context.Context, id string) (*agentable.Agentable, error)
	OpenTurn(ctx context.Context, id string, now time.Time) error
	UpdateStatus(ctx context.Context, ref agentable.Ref, to agentable.Status) error
	SetResultSummary(ctx context.Context, id, summary string) error
	InsertRunRecord(ctx context.Context, rec *agentable.RunRecord) error
	UnmarkProcessed(ctx context.Context, ids []string) error
}

// Leaser is the execution-lease surface.
type Leaser interface {
	TryAcquire(ctx context.Context, ref agentable.Ref, jobRef string) (bool, error)
	Release(ctx context.Context, ref agentable.Ref) error
}

// Archiver closes sessions.
type Archiver interface {
	Archive(ctx context.Context, ref agentable.Ref, reason agentable.CompletionReason) (*agentable.ArchivedSession, error)
}

// Loop runs the model/tool cycle for one turn.
type Loop interface {
	Run(ctx context.Context, params coreloop.Params) (coreloop.Result, error)
}

// Enqueuer schedules delayed re-runs for retries.
type Enqueuer interface {
	Enqueue(target agentable.Ref, runContext map[string]interface{}, delay time.Duration) (string, error)
}

// Orchestrator is the top-level coordinator for one invocation.
type Orchestrator struct {
	store          Store
	lease          Leaser
	repairer       *history.Repairer
	contextBuilder *ContextBuilder
	loop           Loop
	archiver       Archiver
	scheduler      Enqueuer
	publisher      events.Publisher

	sessionTimeout time.Duration
	maxIterations  int
	model          string
	maxTokens      int
	logger         zerolog.Logger

	// recordLocks scopes the stale-session critical section to one
	// agentable record.
	recordLocksMu sync.Mutex
	recordLocks   map[string]*sync.Mutex
}

// Config holds orchestrator configuration.
type Config struct {
	Store          Store
	Lease          Leaser
	Repairer       *history.Repairer
	ContextBuilder *ContextBuilder
	Loop           Loop
	Archiver       Archiver
	Scheduler      Enqueuer
	Publisher      events.Publisher
	SessionTimeout time.Duration
	MaxIterations  int
	Model          string
	MaxTokens      int
	Logger         zerolog.Logger
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Lease == nil {
		return nil, fmt.Errorf("lease manager is required")
	}
	if cfg.ContextBuilder == nil {
		return nil, fmt.Errorf("context builder is required")
	}
	if cfg.Loop == nil {
		return nil, fmt.Errorf("run loop is required")
	}
	if cfg.Archiver == nil {
		return nil, fmt.Errorf("archiver is required")
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NopPublisher{}
	}

	return &Orchestrator{
		store:          cfg.Store,
		lease:          cfg.Lease,
		repairer:       cfg.Repairer,
		contextBuilder: cfg.ContextBuilder,
		loop:           cfg.Loop,
		archiver:       cfg.Archiver,
		scheduler:      cfg.Scheduler,
		publisher:      cfg.Publisher,
		sessionTimeout: cfg.SessionTimeout,
		maxIterations:  cfg.MaxIterations,
		model:          cfg.Model,
		maxTokens:      cfg.MaxTokens,
		logger:         cfg.Logger,
		recordLocks:    make(map[string]*sync.Mutex),
	}, nil
}

// Run executes one invocation for the target. A missing target and a held
// lease are both silent no-ops. The returned error is non-nil only when
// lease acquisition itself failed; every other failure is settled
// internally.
func (o *Orchestrator) Run(ctx context.Context, ref agentable.Ref, runContext map[string]interface{}, jobRef string) error {
	ctx = tracing.NewInvocationContext(ctx, ref.ID)
	ctx, span := tracing.StartSpan(
		ctx,
		"steward.orchestrator",
		"orchestrator.run",
		attribute.String("agentable_id", ref.ID),
		attribute.String("kind", string(ref.Kind)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	a, err := o.store.GetAgentable(ctx, ref.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The work may have been deleted between scheduling and now.
			logger.Debug().Str("agentable_id", ref.ID).Msg("Agentable gone, skipping run")
			return nil
		}
		logger.Error().Err(err).Msg("Failed to resolve agentable")
		return nil
	}

	if a.Status.Terminal() {
		logger.Debug().
			Str("agentable_id", a.ID).
			Str("status", string(a.Status)).
			Msg("Agentable is terminal, skipping run")
		return nil
	}

	if err := o.prepareTurn(ctx, a, logger); err != nil {
		logger.Error().Err(err).Msg("Failed to prepare turn")
		return nil
	}

	acquired, err := o.lease.TryAcquire(ctx, ref, jobRef)
	if err != nil {
		// The one failure that must stay visible to the scheduler.
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("lease acquisition failed: %w", err)
	}
	if !acquired {
		logger.Debug().Str("agentable_id", a.ID).Msg("Lease held, skipping run")
		return nil
	}
	defer func() {
		// Release even when the invocation context was cancelled by
		// shutdown, so a clean restart does not wait on the lease sweep.
		releaseCtx := context.WithoutCancel(ctx)
		if err := o.lease.Release(releaseCtx, ref); err != nil {
			logger.Error().Err(err).Str("agentable_id", a.ID).Msg("Failed to release lease")
		}
	}()

	o.runLeased(ctx, a, ref, runContext, logger)
	return nil
}

// prepareTurn archives a stale open session and guarantees an open turn.
// Both happen under the record lock so two concurrent invocations cannot
// double-archive.
func (o *Orchestrator) prepareTurn(ctx context.Context, a *agentable.Agentable, logger zerolog.Logger) error {
	lock := o.lockFor(a.ID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	if a.TurnStartedAt != nil && now.Sub(*a.TurnStartedAt) > o.sessionTimeout {
		ref := agentable.Ref{Kind: a.Kind, ID: a.ID}
		_, err := o.archiver.Archive(ctx, ref, agentable.ReasonSessionTimeout)
		switch {
		case errors.Is(err, archive.ErrEmptyConversation):
			// An open turn with nothing in it. Nothing to preserve.
		case err != nil:
			return fmt.Errorf("failed to archive stale session: %w", err)
		default:
			logger.Info().
				Str("agentable_id", a.ID).
				Dur("age", now.Sub(*a.TurnStartedAt)).
				Msg("Stale session archived")
		}
		a.TurnStartedAt = nil
		a.Conversation = nil
	}

	return o.store.OpenTurn(ctx, a.ID, now.UTC())
}

// runLeased is the guarded region: everything that happens while holding
// the lease. Failures here are settled by the error handler and never
// escape.
func (o *Orchestrator) runLeased(ctx context.Context, a *agentable.Agentable, ref agentable.Ref, runContext map[string]interface{}, logger zerolog.Logger) {
	startedAt := time.Now()

	if o.repairer != nil {
		report := o.repairer.ValidateAndRepair(ctx, ref)
		if report.Repaired {
			logger.Info().
				Strs("repairs", report.Repairs).
				Msg("Conversation repaired before run")
		}
	}

	turn, err := o.contextBuilder.Build(ctx, a, runContext)
	if err != nil {
		o.handleError(ctx, ref, runContext, turn, err, logger)
		return
	}

	// Tool handlers that spawn child work or schedule check-ins need to
	// know whose turn this is and what context it runs under.
	ctx = agentable.WithRunContext(ctx, runContext)
	ctx = agentable.WithSelfRef(ctx, ref)

	result, err := o.loop.Run(ctx, coreloop.Params{
		Ref:           ref,
		SystemPrompt:  SystemPrompt(a),
		TurnMessage:   turn.Message,
		Model:         o.model,
		MaxTokens:     o.maxTokens,
		MaxIterations: o.maxIterations,
		OnThink: func(text string) {
			o.publisher.Publish(events.Event{
				Type:        events.TypeThinkStep,
				AgentableID: a.ID,
				Data:        map[string]interface{}{"text": truncate(text, 500)},
			})
		},
	})
	if err != nil {
		o.handleError(ctx, ref, runContext, turn, err, logger)
		return
	}

	o.handleCompletion(ctx, a, turn, runContext, result, startedAt, logger)
}

// ChildContext derives the context map for child work spawned during a
// turn. Exported here so spawn paths outside the package apply the same
// dispatch-key renaming.
func ChildContext(parent map[string]interface{}) map[string]interface{} {
	return agentable.ChildContext(parent)
}

func (o *Orchestrator) lockFor(id string) *sync.Mutex {
	o.recordLocksMu.Lock()
	defer o.recordLocksMu.Unlock()

	lock, ok := o.recordLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		o.recordLocks[id] = lock
	}
	return lock
}
