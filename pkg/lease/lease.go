// Package lease implements the execution lease: the mutual-exclusion token
// that guarantees at most one active run per agentable, even when
// invocations arrive from a retrying external scheduler.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/calder/steward/internal/observability"
	"github.com/calder/steward/internal/tracing"
	"github.com/calder/steward/pkg/agentable"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const DefaultStaleness = 10 * time.Minute

// Store is the slice of the agentable store the lease needs. Acquisition is
// a single atomic conditional write on the lease field.
type Store interface {
	TryAcquireLease(ctx context.Context, id, holder, jobRef string, staleCutoff time.Time) (bool, error)
	ReleaseLease(ctx context.Context, id string) error
}

// Manager acquires and releases execution leases.
type Manager struct {
	store     Store
	staleness time.Duration
	logger    zerolog.Logger
	holder    string
}

// New creates a lease manager. The holder identity is generated once per
// process so swept leases can be attributed.
func New(store Store, staleness time.Duration, logger zerolog.Logger) (*Manager, error) {
	observability.EnsureRegistered()

	if staleness <= 0 {
		staleness = DefaultStaleness
	}

	holder, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate holder identity: %w", err)
	}

	return &Manager{
		store:     store,
		staleness: staleness,
		logger:    logger,
		holder:    holder,
	}, nil
}

// Holder returns this manager's holder identity.
func (m *Manager) Holder() string {
	return m.holder
}

// TryAcquire attempts the conditional lease write: it succeeds only if the
// lease is unheld or the current lease is older than the staleness
// threshold. A false return is the normal "another run is in progress"
// outcome, not an error.
func (m *Manager) TryAcquire(ctx context.Context, ref agentable.Ref, jobRef string) (bool, error) {
	logger := tracing.LoggerFromContext(ctx, m.logger)

	staleCutoff := time.Now().Add(-m.staleness)
	acquired, err := m.store.TryAcquireLease(ctx, ref.ID, m.holder, jobRef, staleCutoff)
	if err != nil {
		return false, fmt.Errorf("lease acquisition failed for %s: %w", ref, err)
	}

	observability.RecordLeaseAcquire(acquired)
	if !acquired {
		logger.Debug().Str("agentable", ref.String()).Msg("Lease held elsewhere, skipping run")
	}
	return acquired, nil
}

// Release clears the lease unconditionally. Safe to call even if acquisition
// never succeeded.
func (m *Manager) Release(ctx context.Context, ref agentable.Ref) error {
	if err := m.store.ReleaseLease(ctx, ref.ID); err != nil {
		return fmt.Errorf("lease release failed for %s: %w", ref, err)
	}
	return nil
}
