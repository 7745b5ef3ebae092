package scheduler

import (
	"fmt"
	"sync"

	"github.com/calder/steward/pkg/agentable"
	cron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CheckIns drives recurring check-in runs for standing agents from cron
// expressions. Each tick enqueues a run whose context marks it as a
// check-in, so the context builder picks the check-in branch.
type CheckIns struct {
	scheduler *Scheduler
	cron      *cron.Cron
	logger    zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewCheckIns creates the check-in schedule runner.
func NewCheckIns(scheduler *Scheduler, logger zerolog.Logger) *CheckIns {
	return &CheckIns{
		scheduler: scheduler,
		cron:      cron.New(),
		logger:    logger,
		entries:   make(map[string]cron.EntryID),
	}
}

// Start begins firing schedules.
func (c *CheckIns) Start() {
	c.cron.Start()
}

// Stop halts the schedule clock. Already-enqueued runs are unaffected.
func (c *CheckIns) Stop() {
	c.cron.Stop()
}

// Register adds or replaces the check-in schedule for a standing agent.
// The expression uses standard five-field cron syntax.
func (c *CheckIns) Register(agentID, expr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[agentID]; ok {
		c.cron.Remove(existing)
		delete(c.entries, agentID)
	}

	ref := agentable.Ref{Kind: agentable.KindStandingAgent, ID: agentID}
	entryID, err := c.cron.AddFunc(expr, func() {
		runContext := map[string]interface{}{
			agentable.ContextKeyType: agentable.ContextTypeCheckIn,
		}
		if _, err := c.scheduler.Enqueue(ref, runContext, 0); err != nil {
			c.logger.Error().
				Err(err).
				Str("agentable_id", agentID).
				Msg("Failed to enqueue check-in run")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid check-in schedule %q: %w", expr, err)
	}

	c.entries[agentID] = entryID
	c.logger.Info().
		Str("agentable_id", agentID).
		Str("schedule", expr).
		Msg("Check-in schedule registered")
	return nil
}

// Unregister removes a standing agent's check-in schedule.
func (c *CheckIns) Unregister(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entryID, ok := c.entries[agentID]; ok {
		c.cron.Remove(entryID)
		delete(c.entries, agentID)
		c.logger.Info().Str("agentable_id", agentID).Msg("Check-in schedule removed")
	}
}

// ScheduledCount returns the number of registered schedules.
func (c *CheckIns) ScheduledCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
