package lease

import (
	"context"
	"testing"
	"time"

	"github.com/calder/steward/pkg/agentable"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweepStore struct {
	held     []*agentable.Agentable
	released []string
}

func (f *fakeSweepStore) ListHeldLeases(_ context.Context) ([]*agentable.Agentable, error) {
	return f.held, nil
}

func (f *fakeSweepStore) ReleaseLease(_ context.Context, id string) error {
	f.released = append(f.released, id)
	return nil
}

type fakeJobChecker struct {
	existing map[string]bool
}

func (f *fakeJobChecker) Exists(jobRef string) bool {
	return f.existing[jobRef]
}

func heldAgentable(id, jobRef string, age time.Duration) *agentable.Agentable {
	acquired := time.Now().Add(-age)
	return &agentable.Agentable{
		ID:     id,
		Kind:   agentable.KindGoal,
		Status: agentable.StatusActive,
		Lease:  agentable.Lease{Holder: "worker", AcquiredAt: &acquired, JobRef: jobRef},
	}
}

func TestSweepClearsLeaseWithMissingJob(t *testing.T) {
	store := &fakeSweepStore{held: []*agentable.Agentable{
		heldAgentable("g1", "gone-job", time.Minute),
	}}
	jobs := &fakeJobChecker{existing: map[string]bool{}}

	sweeper := NewSweeper(store, jobs, nil, time.Hour, zerolog.Nop())
	swept, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, swept)
	assert.Equal(t, []string{"g1"}, store.released)
}

func TestSweepKeepsLeaseWithLiveJob(t *testing.T) {
	store := &fakeSweepStore{held: []*agentable.Agentable{
		heldAgentable("g1", "live-job", time.Minute),
	}}
	jobs := &fakeJobChecker{existing: map[string]bool{"live-job": true}}

	sweeper := NewSweeper(store, jobs, nil, time.Hour, zerolog.Nop())
	swept, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, swept)
	assert.Empty(t, store.released)
}

func TestSweepHardCeilingOverridesLiveJob(t *testing.T) {
	store := &fakeSweepStore{held: []*agentable.Agentable{
		heldAgentable("g1", "live-job", 2*time.Hour),
	}}
	jobs := &fakeJobChecker{existing: map[string]bool{"live-job": true}}

	sweeper := NewSweeper(store, jobs, nil, time.Hour, zerolog.Nop())
	swept, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, swept)
}

func TestSweepKeepsFreshLeaseWithoutJobRef(t *testing.T) {
	// No job ref means the run was dispatched outside the scheduler; only
	// the hard ceiling applies.
	store := &fakeSweepStore{held: []*agentable.Agentable{
		heldAgentable("g1", "", time.Minute),
	}}
	jobs := &fakeJobChecker{existing: map[string]bool{}}

	sweeper := NewSweeper(store, jobs, nil, time.Hour, zerolog.Nop())
	swept, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, swept)
}
