package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/calder/steward/pkg/agentable"
	"github.com/calder/steward/pkg/events"
	"github.com/calder/steward/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitionsReachSubscribers(t *testing.T) {
	st, err := store.New(store.Config{
		DBPath: filepath.Join(t.TempDir(), "steward.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hub := events.NewHub(zerolog.Nop())
	wireStatusEvents(st, hub)

	ch, unsub := hub.Subscribe(4)
	defer unsub()

	now := time.Now().UTC()
	require.NoError(t, st.CreateAgentable(context.Background(), &agentable.Agentable{
		ID:        "g1",
		Kind:      agentable.KindGoal,
		Title:     "Research",
		Status:    agentable.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	ref := agentable.Ref{Kind: agentable.KindGoal, ID: "g1"}
	require.NoError(t, st.UpdateStatus(context.Background(), ref, agentable.StatusPaused))

	select {
	case event := <-ch:
		assert.Equal(t, events.TypeStatusChanged, event.Type)
		assert.Equal(t, "g1", event.AgentableID)
		assert.Equal(t, string(agentable.StatusActive), event.Data["from"])
		assert.Equal(t, string(agentable.StatusPaused), event.Data["to"])
	case <-time.After(time.Second):
		t.Fatal("status change never reached the subscriber")
	}
}
