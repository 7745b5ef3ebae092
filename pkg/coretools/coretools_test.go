package coretools

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/calder/steward/pkg/agentable"
	"github.com/calder/steward/pkg/store"
	"github.com/calder/steward/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSpawner struct {
	targets  []agentable.Ref
	contexts []map[string]interface{}
	delays   []time.Duration
}

func (f *fakeSpawner) Enqueue(target agentable.Ref, runContext map[string]interface{}, delay time.Duration) (string, error) {
	f.targets = append(f.targets, target)
	f.contexts = append(f.contexts, runContext)
	f.delays = append(f.delays, delay)
	return "job-1", nil
}

func newToolFixture(t *testing.T) (*tools.Registry, *store.Store, *fakeSpawner) {
	t.Helper()
	st, err := store.New(store.Config{
		DBPath: filepath.Join(t.TempDir(), "steward.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	registry := tools.NewRegistry(time.Second, zerolog.Nop())
	spawner := &fakeSpawner{}
	require.NoError(t, RegisterAll(registry, st, spawner, zerolog.Nop()))
	return registry, st, spawner
}

func newParent(t *testing.T, st *store.Store) agentable.Ref {
	t.Helper()
	now := time.Now().UTC()
	parent := &agentable.Agentable{
		ID:        "goal-1",
		Kind:      agentable.KindGoal,
		Title:     "Research",
		Status:    agentable.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateAgentable(context.Background(), parent))
	return agentable.Ref{Kind: agentable.KindGoal, ID: parent.ID}
}

func toolContext(ref agentable.Ref, runContext map[string]interface{}) context.Context {
	ctx := agentable.WithSelfRef(context.Background(), ref)
	return agentable.WithRunContext(ctx, runContext)
}

func TestSpawnTask(t *testing.T) {
	registry, st, spawner := newToolFixture(t)
	parentRef := newParent(t, st)

	ctx := toolContext(parentRef, map[string]interface{}{
		agentable.ContextKeyType: agentable.ContextTypeFeed,
		"feed_period":            "morning",
	})
	result := registry.Execute(ctx, "spawn_task", map[string]interface{}{
		"title":        "Collect sources",
		"instructions": "Find three primary sources.",
	})
	require.False(t, result.IsError, result.Output)

	require.Len(t, spawner.targets, 1)
	child, err := st.GetAgentable(context.Background(), spawner.targets[0].ID)
	require.NoError(t, err)

	assert.Equal(t, agentable.KindTask, child.Kind)
	assert.Equal(t, "Collect sources", child.Title)
	assert.Equal(t, parentRef.ID, child.ParentID)

	// The dispatch key is demoted on inheritance: the child knows it was
	// born inside feed generation but is not dispatched as feed generation.
	assert.NotContains(t, child.ContextData, agentable.ContextKeyType)
	assert.Equal(t, agentable.ContextTypeFeed, child.ContextData[agentable.ContextKeyOrigin])
	assert.Equal(t, "morning", child.ContextData["feed_period"])

	msgs, err := st.FetchAndMarkUnprocessed(context.Background(), child.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Find three primary sources.", msgs[0].Content)
}

func TestSpawnTaskWithoutOwner(t *testing.T) {
	registry, _, spawner := newToolFixture(t)

	result := registry.Execute(context.Background(), "spawn_task", map[string]interface{}{
		"title": "Orphan",
	})
	assert.True(t, result.IsError)
	assert.Empty(t, spawner.targets)
}

func TestSendMessage(t *testing.T) {
	registry, st, _ := newToolFixture(t)
	ref := newParent(t, st)

	result := registry.Execute(toolContext(ref, nil), "send_message", map[string]interface{}{
		"content": "Progress update: halfway there.",
	})
	require.False(t, result.IsError, result.Output)

	// Outbound messages are pre-marked processed so the next run does not
	// consume the agent's own output as user input.
	msgs, err := st.FetchAndMarkUnprocessed(context.Background(), ref.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	recent, err := st.RecentUserMessages(context.Background(), ref.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestScheduleCheckIn(t *testing.T) {
	registry, st, spawner := newToolFixture(t)
	ref := newParent(t, st)

	result := registry.Execute(toolContext(ref, nil), "schedule_check_in", map[string]interface{}{
		"delay_minutes": 15.0,
		"note":          "verify the draft went out",
	})
	require.False(t, result.IsError, result.Output)

	require.Len(t, spawner.targets, 1)
	assert.Equal(t, ref, spawner.targets[0])
	assert.Equal(t, 15*time.Minute, spawner.delays[0])
	assert.Equal(t, agentable.ContextTypeCheckIn, spawner.contexts[0][agentable.ContextKeyType])
	assert.Equal(t, "verify the draft went out", spawner.contexts[0]["check_in"])
}

func TestScheduleCheckInRejectsNonPositiveDelay(t *testing.T) {
	registry, st, spawner := newToolFixture(t)
	ref := newParent(t, st)

	result := registry.Execute(toolContext(ref, nil), "schedule_check_in", map[string]interface{}{
		"delay_minutes": 0.0,
	})
	assert.True(t, result.IsError)
	assert.Empty(t, spawner.targets)
}
