package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultRetentionAge  = 30 * 24 * time.Hour
	DefaultSweepInterval = 24 * time.Hour
)

// RetentionStore is the store surface the retention sweep needs. Deletion
// goes through DeleteArchivedSession so the child-task cleanup rule applies.
type RetentionStore interface {
	ListArchivesOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
	DeleteArchivedSession(ctx context.Context, id string) error
}

// Retention deletes archives past the retention age on a fixed interval.
type Retention struct {
	store         RetentionStore
	retentionAge  time.Duration
	sweepInterval time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// NewRetention creates a retention sweeper.
func NewRetention(store RetentionStore, retentionAge, sweepInterval time.Duration) *Retention {
	if retentionAge <= 0 {
		retentionAge = DefaultRetentionAge
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	return &Retention{
		store:         store,
		retentionAge:  retentionAge,
		sweepInterval: sweepInterval,
	}
}

// Start starts the background sweep loop.
func (r *Retention) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("retention sweep is already running")
	}
	r.stopCh = make(chan struct{})
	r.running = true
	go r.run(r.stopCh)

	log.Info().
		Dur("retention_age", r.retentionAge).
		Msg("Archive retention sweep started")
	return nil
}

// Stop stops the background sweep loop.
func (r *Retention) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return fmt.Errorf("retention sweep is not running")
	}
	close(r.stopCh)
	r.running = false

	log.Info().Msg("Archive retention sweep stopped")
	return nil
}

func (r *Retention) run(stopCh <-chan struct{}) {
	// Run immediately on start, then on the interval.
	if _, err := r.SweepNow(context.Background()); err != nil {
		log.Error().Err(err).Msg("Archive retention sweep failed")
	}

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.SweepNow(context.Background()); err != nil {
				log.Error().Err(err).Msg("Archive retention sweep failed")
			}
		case <-stopCh:
			return
		}
	}
}

// SweepNow deletes eligible archives and returns how many were removed.
func (r *Retention) SweepNow(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.retentionAge)
	ids, err := r.store.ListArchivesOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list old archives: %w", err)
	}

	deleted := 0
	for _, id := range ids {
		if err := r.store.DeleteArchivedSession(ctx, id); err != nil {
			log.Warn().Err(err).Str("archive_id", id).Msg("Failed to delete archive")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("Old archives deleted")
	}
	return deleted, nil
}

// IsRunning reports whether the sweep loop is active.
func (r *Retention) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
