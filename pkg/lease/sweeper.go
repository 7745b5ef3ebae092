package lease

import (
	"context"
	"time"

	"github.com/calder/steward/internal/observability"
	"github.com/calder/steward/pkg/agentable"
	"github.com/calder/steward/pkg/history"
	"github.com/rs/zerolog"
)

const DefaultHardCeiling = time.Hour

// JobChecker reports whether a scheduler job still exists. Injected so the
// sweep is testable with a fake.
type JobChecker interface {
	Exists(jobRef string) bool
}

// SweepStore is the store surface the sweeper needs.
type SweepStore interface {
	ListHeldLeases(ctx context.Context) ([]*agentable.Agentable, error)
	ReleaseLease(ctx context.Context, id string) error
}

// Sweeper is the startup-time reconciliation pass over held leases. A lease
// whose background job no longer exists, or whose age exceeds the hard
// ceiling, is an orphan: the run that held it was interrupted. Since an
// interrupted run likely died mid-tool-call, the sweep also repairs the
// conversation of every row it clears.
type Sweeper struct {
	store       SweepStore
	jobs        JobChecker
	repairer    *history.Repairer
	hardCeiling time.Duration
	logger      zerolog.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(store SweepStore, jobs JobChecker, repairer *history.Repairer, hardCeiling time.Duration, logger zerolog.Logger) *Sweeper {
	if hardCeiling <= 0 {
		hardCeiling = DefaultHardCeiling
	}
	return &Sweeper{
		store:       store,
		jobs:        jobs,
		repairer:    repairer,
		hardCeiling: hardCeiling,
		logger:      logger,
	}
}

// Sweep clears orphaned leases and returns how many it cleared.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	held, err := s.store.ListHeldLeases(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	swept := 0

	for _, a := range held {
		if !s.orphaned(a, now) {
			continue
		}

		if err := s.store.ReleaseLease(ctx, a.ID); err != nil {
			s.logger.Warn().
				Err(err).
				Str("agentable_id", a.ID).
				Msg("Failed to clear orphaned lease")
			continue
		}
		swept++
		observability.RecordLeaseSwept()

		s.logger.Info().
			Str("agentable_id", a.ID).
			Str("holder", a.Lease.Holder).
			Str("job_ref", a.Lease.JobRef).
			Dur("age", a.Lease.Age(now)).
			Msg("Cleared orphaned lease")

		if s.repairer != nil {
			s.repairer.ValidateAndRepair(ctx, agentable.Ref{Kind: a.Kind, ID: a.ID})
		}
	}

	return swept, nil
}

func (s *Sweeper) orphaned(a *agentable.Agentable, now time.Time) bool {
	if a.Lease.Age(now) > s.hardCeiling {
		return true
	}
	if a.Lease.JobRef == "" {
		return false
	}
	return s.jobs != nil && !s.jobs.Exists(a.Lease.JobRef)
}
