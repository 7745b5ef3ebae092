package orchestrator

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/calder/steward/pkg/agentable"
	"github.com/calder/steward/pkg/model"
	"github.com/rs/zerolog"
)

// retryAttemptKey carries the retry count through the run context across
// re-enqueued attempts.
const retryAttemptKey = "retry_attempt"

type errorKind string

const (
	errorRateLimit    errorKind = "rate_limit"
	errorNetwork      errorKind = "network"
	errorToolProtocol errorKind = "tool_protocol"
	errorUnknown      errorKind = "unknown"
)

// ErrToolProtocol marks tool-protocol failures so the error handler can
// classify them. Wrap with fmt.Errorf and %w.
var ErrToolProtocol = errors.New("tool protocol error")

func classify(err error) errorKind {
	if model.IsRateLimited(err) {
		return errorRateLimit
	}
	if errors.Is(err, ErrToolProtocol) {
		return errorToolProtocol
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return errorNetwork
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") {
		return errorNetwork
	}
	return errorUnknown
}

// retryBudget returns the maximum retries per error kind. Unknown errors
// are terminal immediately.
func retryBudget(kind errorKind) int {
	switch kind {
	case errorRateLimit:
		return 3
	case errorNetwork:
		return 3
	case errorToolProtocol:
		return 2
	default:
		return 0
	}
}

// backoffFor returns the delay before retry attempt n (1-based).
func backoffFor(kind errorKind, attempt int) time.Duration {
	base := 30 * time.Second
	if kind == errorRateLimit {
		base = time.Minute
	}
	delay := base * time.Duration(1<<(attempt-1))
	if delay > 10*time.Minute {
		delay = 10 * time.Minute
	}
	return delay
}

func retryAttempt(runContext map[string]interface{}) int {
	if runContext == nil {
		return 0
	}
	switch v := runContext[retryAttemptKey].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// handleError rolls back consumed messages, then either re-enqueues the run
// with backoff or cancels the agentable terminally. A run cut short by
// process shutdown is neither retried nor cancelled: the agentable is left
// untouched for the next trigger.
func (o *Orchestrator) handleError(ctx context.Context, ref agentable.Ref, runContext map[string]interface{}, turn TurnContext, runErr error, logger zerolog.Logger) {
	// Rollback must survive the run context being cancelled mid-shutdown.
	cleanupCtx := context.WithoutCancel(ctx)
	if len(turn.ConsumedMessageIDs) > 0 {
		if err := o.store.UnmarkProcessed(cleanupCtx, turn.ConsumedMessageIDs); err != nil {
			logger.Error().
				Err(err).
				Strs("message_ids", turn.ConsumedMessageIDs).
				Msg("Failed to roll back consumed messages")
		}
	}

	if errors.Is(runErr, context.Canceled) || ctx.Err() != nil {
		logger.Info().
			Err(runErr).
			Str("agentable_id", ref.ID).
			Msg("Run interrupted by shutdown, leaving for the next trigger")
		return
	}

	kind := classify(runErr)
	attempt := retryAttempt(runContext) + 1
	budget := retryBudget(kind)

	logger.Warn().
		Err(runErr).
		Str("error_kind", string(kind)).
		Int("attempt", attempt).
		Int("budget", budget).
		Msg("Run failed")

	if attempt <= budget && o.scheduler != nil {
		retryContext := make(map[string]interface{}, len(runContext)+1)
		for k, v := range runContext {
			retryContext[k] = v
		}
		retryContext[retryAttemptKey] = attempt

		delay := backoffFor(kind, attempt)
		jobRef, err := o.scheduler.Enqueue(ref, retryContext, delay)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to enqueue retry")
			o.cancelTerminally(ctx, ref, runErr, logger)
			return
		}
		logger.Info().
			Str("job_ref", jobRef).
			Dur("delay", delay).
			Msg("Retry scheduled")
		return
	}

	o.cancelTerminally(ctx, ref, runErr, logger)
}

// cancelTerminally cancels the agentable with a short human-readable
// message. Raw errors never reach the user unabridged.
func (o *Orchestrator) cancelTerminally(ctx context.Context, ref agentable.Ref, runErr error, logger zerolog.Logger) {
	message := "Run failed: " + truncate(runErr.Error(), 200)
	if err := o.store.SetResultSummary(ctx, ref.ID, message); err != nil {
		logger.Error().Err(err).Msg("Failed to record failure message")
	}
	if err := o.store.UpdateStatus(ctx, ref, agentable.StatusCancelled); err != nil {
		logger.Error().Err(err).Msg("Failed to cancel agentable")
	}
	logger.Error().Err(runErr).Str("agentable_id", ref.ID).Msg("Run cancelled terminally")
}
