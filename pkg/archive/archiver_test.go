package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calder/steward/pkg/agentable"
	"github.com/calder/steward/pkg/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchiveStore struct {
	agentables map[string]*agentable.Agentable
	archives   []*agentable.ArchivedSession
	attached   [][2]string
	cleared    []string
	insertErr  error
}

func newFakeArchiveStore() *fakeArchiveStore {
	return &fakeArchiveStore{agentables: make(map[string]*agentable.Agentable)}
}

func (f *fakeArchiveStore) GetAgentable(_ context.Context, id string) (*agentable.Agentable, error) {
	a, ok := f.agentables[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return a, nil
}

func (f *fakeArchiveStore) InsertArchivedSession(_ context.Context, arc *agentable.ArchivedSession) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.archives = append(f.archives, arc)
	return nil
}

func (f *fakeArchiveStore) AttachMessagesToArchive(_ context.Context, agentableID, archiveID string) error {
	f.attached = append(f.attached, [2]string{agentableID, archiveID})
	return nil
}

func (f *fakeArchiveStore) ClearSession(_ context.Context, id string) error {
	f.cleared = append(f.cleared, id)
	if a, ok := f.agentables[id]; ok {
		a.Conversation = nil
		a.TurnStartedAt = nil
	}
	return nil
}

type fixedSummarizer struct{ summary string }

func (f fixedSummarizer) Summarize(context.Context, []agentable.Entry) string {
	return f.summary
}

func activeAgentable(id string) *agentable.Agentable {
	turnStarted := time.Now().Add(-20 * time.Minute)
	return &agentable.Agentable{
		ID:     id,
		Kind:   agentable.KindGoal,
		Title:  "goal",
		Status: agentable.StatusActive,
		Conversation: []agentable.Entry{
			{Role: agentable.RoleUser, Text: "find flights"},
			{Role: agentable.RoleAssistant, Text: "on it"},
		},
		TurnStartedAt: &turnStarted,
		CreatedAt:     time.Now().Add(-time.Hour),
	}
}

func TestArchiveProducesOneArchiveAndClears(t *testing.T) {
	store := newFakeArchiveStore()
	store.agentables["g1"] = activeAgentable("g1")

	archiver := New(store, fixedSummarizer{summary: "searched flights"}, nil, zerolog.Nop())
	ref := agentable.Ref{Kind: agentable.KindGoal, ID: "g1"}

	arc, err := archiver.Archive(context.Background(), ref, agentable.ReasonSessionTimeout)
	require.NoError(t, err)

	require.Len(t, store.archives, 1)
	assert.Equal(t, arc, store.archives[0])
	assert.Equal(t, "g1", arc.AgentableID)
	assert.Equal(t, "searched flights", arc.Summary)
	assert.Equal(t, 2, arc.MessageCount)
	assert.Equal(t, agentable.ReasonSessionTimeout, arc.Reason)
	assert.Len(t, arc.FullHistory, 2)

	assert.Equal(t, []string{"g1"}, store.cleared)
	assert.Empty(t, store.agentables["g1"].Conversation)
	assert.Nil(t, store.agentables["g1"].TurnStartedAt)
	assert.Equal(t, [][2]string{{"g1", arc.ID}}, store.attached)
}

func TestArchiveEmptyConversation(t *testing.T) {
	store := newFakeArchiveStore()
	store.agentables["g1"] = &agentable.Agentable{ID: "g1", Kind: agentable.KindGoal}

	archiver := New(store, fixedSummarizer{}, nil, zerolog.Nop())
	ref := agentable.Ref{Kind: agentable.KindGoal, ID: "g1"}

	_, err := archiver.Archive(context.Background(), ref, agentable.ReasonNaturalComplete)
	assert.ErrorIs(t, err, ErrEmptyConversation)
	assert.Empty(t, store.archives)
	assert.Empty(t, store.cleared)
}

func TestArchiveInsertFailureDoesNotClear(t *testing.T) {
	store := newFakeArchiveStore()
	store.agentables["g1"] = activeAgentable("g1")
	store.insertErr = errors.New("disk full")

	archiver := New(store, fixedSummarizer{}, nil, zerolog.Nop())
	ref := agentable.Ref{Kind: agentable.KindGoal, ID: "g1"}

	_, err := archiver.Archive(context.Background(), ref, agentable.ReasonNaturalComplete)
	assert.Error(t, err)
	assert.Empty(t, store.cleared)
}

func TestArchivePublishesEvent(t *testing.T) {
	store := newFakeArchiveStore()
	store.agentables["g1"] = activeAgentable("g1")

	hub := events.NewHub(zerolog.Nop())
	ch, unsubscribe := hub.Subscribe(4)
	defer unsubscribe()

	archiver := New(store, fixedSummarizer{}, hub, zerolog.Nop())
	ref := agentable.Ref{Kind: agentable.KindGoal, ID: "g1"}
	_, err := archiver.Archive(context.Background(), ref, agentable.ReasonExplicitArchive)
	require.NoError(t, err)

	select {
	case event := <-ch:
		assert.Equal(t, events.TypeSessionArchived, event.Type)
		assert.Equal(t, "g1", event.AgentableID)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestResetNeverArchives(t *testing.T) {
	store := newFakeArchiveStore()
	store.agentables["g1"] = activeAgentable("g1")

	archiver := New(store, fixedSummarizer{}, nil, zerolog.Nop())
	ref := agentable.Ref{Kind: agentable.KindGoal, ID: "g1"}

	require.NoError(t, archiver.Reset(context.Background(), ref))

	assert.Empty(t, store.archives)
	assert.Equal(t, []string{"g1"}, store.cleared)
	assert.Empty(t, store.agentables["g1"].Conversation)
	assert.Nil(t, store.agentables["g1"].TurnStartedAt)
}
