package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calder/steward/pkg/agentable"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{
		DBPath: filepath.Join(t.TempDir(), "steward.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestAgentable(t *testing.T, s *Store, id string, kind agentable.Kind) *agentable.Agentable {
	t.Helper()
	a := &agentable.Agentable{
		ID:     id,
		Kind:   kind,
		Title:  "test " + id,
		Status: agentable.StatusActive,
	}
	require.NoError(t, s.CreateAgentable(context.Background(), a))
	return a
}

func TestCreateAndGetAgentable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &agentable.Agentable{
		ID:     "g1",
		Kind:   agentable.KindGoal,
		Title:  "plan the trip",
		Status: agentable.StatusActive,
		Conversation: []agentable.Entry{
			{Role: agentable.RoleUser, Text: "hello", Timestamp: time.Now().UTC()},
		},
		ContextData: map[string]interface{}{"locale": "en"},
	}
	require.NoError(t, s.CreateAgentable(ctx, a))

	got, err := s.GetAgentable(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, agentable.KindGoal, got.Kind)
	assert.Equal(t, "plan the trip", got.Title)
	assert.Equal(t, agentable.StatusActive, got.Status)
	require.Len(t, got.Conversation, 1)
	assert.Equal(t, "hello", got.Conversation[0].Text)
	assert.Equal(t, "en", got.ContextData["locale"])
	assert.False(t, got.Lease.Held())
	assert.Nil(t, got.TurnStartedAt)
}

func TestGetAgentableNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetAgentable(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAgentableInvalidKind(t *testing.T) {
	s := newTestStore(t)

	err := s.CreateAgentable(context.Background(), &agentable.Agentable{
		ID:   "x",
		Kind: agentable.Kind("note"),
	})
	assert.Error(t, err)
}

func TestLeaseSingleAcquisition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestAgentable(t, s, "g1", agentable.KindGoal)

	// A held, fresh lease must be acquirable by exactly one of many
	// concurrent attempts.
	staleCutoff := time.Now().Add(-10 * time.Minute)
	var acquired int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := s.TryAcquireLease(ctx, "g1", "holder", "job", staleCutoff)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt64(&acquired, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), acquired)

	got, err := s.GetAgentable(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, got.Lease.Held())
	assert.Equal(t, "job", got.Lease.JobRef)
}

func TestStaleLeaseAcquirable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestAgentable(t, s, "g1", agentable.KindGoal)

	ok, err := s.TryAcquireLease(ctx, "g1", "old-holder", "old-job", time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	// With a cutoff in the future every held lease counts as stale.
	ok, err = s.TryAcquireLease(ctx, "g1", "new-holder", "new-job", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetAgentable(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "new-holder", got.Lease.Holder)
}

func TestReleaseLeaseIsUnconditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestAgentable(t, s, "g1", agentable.KindGoal)

	// Release without acquisition is a no-op.
	require.NoError(t, s.ReleaseLease(ctx, "g1"))

	ok, err := s.TryAcquireLease(ctx, "g1", "holder", "", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.ReleaseLease(ctx, "g1"))

	got, err := s.GetAgentable(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, got.Lease.Held())
	assert.Empty(t, got.Lease.JobRef)
}

func TestOpenTurnIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestAgentable(t, s, "g1", agentable.KindGoal)

	first := time.Now().Add(-time.Hour)
	require.NoError(t, s.OpenTurn(ctx, "g1", first))
	require.NoError(t, s.OpenTurn(ctx, "g1", time.Now()))

	got, err := s.GetAgentable(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, got.TurnStartedAt)
	assert.WithinDuration(t, first, *got.TurnStartedAt, time.Second)
}

func TestClearSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestAgentable(t, s, "g1", agentable.KindGoal)

	require.NoError(t, s.SaveConversation(ctx, "g1", []agentable.Entry{
		{Role: agentable.RoleUser, Text: "hi"},
	}))
	require.NoError(t, s.OpenTurn(ctx, "g1", time.Now()))

	require.NoError(t, s.ClearSession(ctx, "g1"))

	got, err := s.GetAgentable(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, got.Conversation)
	assert.Nil(t, got.TurnStartedAt)
}

func TestUpdateStatusFiresHooks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestAgentable(t, s, "t1", agentable.KindTask)

	var mu sync.Mutex
	var calls []string
	done := make(chan struct{})
	s.OnStatusChange(func(ref agentable.Ref, from, to agentable.Status) {
		mu.Lock()
		calls = append(calls, string(from)+"->"+string(to))
		mu.Unlock()
		close(done)
	})

	ref := agentable.Ref{Kind: agentable.KindTask, ID: "t1"}
	require.NoError(t, s.UpdateStatus(ctx, ref, agentable.StatusCompleted))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("status hook never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"active->completed"}, calls)
}

func TestUpdateStatusSameStatusNoHook(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestAgentable(t, s, "t1", agentable.KindTask)

	fired := make(chan struct{}, 1)
	s.OnStatusChange(func(agentable.Ref, agentable.Status, agentable.Status) {
		fired <- struct{}{}
	})

	ref := agentable.Ref{Kind: agentable.KindTask, ID: "t1"}
	require.NoError(t, s.UpdateStatus(ctx, ref, agentable.StatusActive))

	select {
	case <-fired:
		t.Fatal("hook fired for a no-op transition")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFetchAndMarkUnprocessed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestAgentable(t, s, "g1", agentable.KindGoal)

	base := time.Now().UTC().Add(-time.Minute)
	for i, content := range []string{"first", "second"} {
		require.NoError(t, s.AddThreadMessage(ctx, &agentable.ThreadMessage{
			AgentableID: "g1",
			Role:        agentable.RoleUser,
			Content:     content,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}
	// Assistant messages are never consumed as turn input.
	require.NoError(t, s.AddThreadMessage(ctx, &agentable.ThreadMessage{
		AgentableID: "g1",
		Role:        agentable.RoleAssistant,
		Content:     "working on it",
	}))

	messages, err := s.FetchAndMarkUnprocessed(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "second", messages[1].Content)

	// Second fetch sees nothing.
	again, err := s.FetchAndMarkUnprocessed(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestUnmarkProcessedRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestAgentable(t, s, "g1", agentable.KindGoal)

	require.NoError(t, s.AddThreadMessage(ctx, &agentable.ThreadMessage{
		AgentableID: "g1",
		Role:        agentable.RoleUser,
		Content:     "book the hotel",
	}))

	messages, err := s.FetchAndMarkUnprocessed(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, messages, 1)

	require.NoError(t, s.UnmarkProcessed(ctx, []string{messages[0].ID}))

	retried, err := s.FetchAndMarkUnprocessed(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, "book the hotel", retried[0].Content)
}

func TestRecentUserMessagesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestAgentable(t, s, "g1", agentable.KindGoal)

	base := time.Now().UTC().Add(-time.Minute)
	for i, content := range []string{"oldest", "middle", "newest"} {
		require.NoError(t, s.AddThreadMessage(ctx, &agentable.ThreadMessage{
			AgentableID: "g1",
			Role:        agentable.RoleUser,
			Content:     content,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	recent, err := s.RecentUserMessages(ctx, "g1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "newest", recent[0].Content)
	assert.Equal(t, "middle", recent[1].Content)
}

func TestDeleteAgentableCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestAgentable(t, s, "g1", agentable.KindGoal)

	child := &agentable.Agentable{
		ID:       "t1",
		Kind:     agentable.KindTask,
		Title:    "child",
		Status:   agentable.StatusActive,
		ParentID: "g1",
	}
	require.NoError(t, s.CreateAgentable(ctx, child))
	require.NoError(t, s.InsertArchivedSession(ctx, &agentable.ArchivedSession{
		ID:          "arc1",
		AgentableID: "g1",
		FullHistory: []agentable.Entry{{Role: agentable.RoleUser, Text: "hi"}},
		StartedAt:   time.Now().Add(-time.Hour),
		CompletedAt: time.Now(),
	}))

	require.NoError(t, s.DeleteAgentable(ctx, "g1"))

	_, err := s.GetAgentable(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetArchivedSession(ctx, "arc1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteArchivedSessionChildCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestAgentable(t, s, "g1", agentable.KindGoal)

	windowStart := time.Now().UTC().Add(-time.Hour)
	windowEnd := time.Now().UTC()

	inWindow := func(id string, status agentable.Status) {
		a := &agentable.Agentable{
			ID:            id,
			Kind:          agentable.KindTask,
			Title:         id,
			Status:        status,
			ParentID:      "g1",
			ResultSummary: "did things",
			CreatedAt:     windowStart.Add(10 * time.Minute),
		}
		require.NoError(t, s.CreateAgentable(ctx, a))
	}
	inWindow("done-task", agentable.StatusCompleted)
	inWindow("live-task", agentable.StatusActive)

	// Completed child outside the window must survive.
	outside := &agentable.Agentable{
		ID:        "old-task",
		Kind:      agentable.KindTask,
		Title:     "old",
		Status:    agentable.StatusCompleted,
		ParentID:  "g1",
		CreatedAt: windowStart.Add(-time.Hour),
	}
	require.NoError(t, s.CreateAgentable(ctx, outside))

	require.NoError(t, s.InsertArchivedSession(ctx, &agentable.ArchivedSession{
		ID:          "arc1",
		AgentableID: "g1",
		FullHistory: []agentable.Entry{{Role: agentable.RoleUser, Text: "hi"}},
		StartedAt:   windowStart,
		CompletedAt: windowEnd,
	}))

	require.NoError(t, s.DeleteArchivedSession(ctx, "arc1"))

	// Completed scratch work in the window is gone.
	_, err := s.GetAgentable(ctx, "done-task")
	assert.ErrorIs(t, err, ErrNotFound)

	// Incomplete work survives with its summary stripped.
	live, err := s.GetAgentable(ctx, "live-task")
	require.NoError(t, err)
	assert.Empty(t, live.ResultSummary)
	assert.Equal(t, agentable.StatusActive, live.Status)

	// Out-of-window completed work is untouched.
	_, err = s.GetAgentable(ctx, "old-task")
	assert.NoError(t, err)

	_, err = s.GetArchivedSession(ctx, "arc1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAttachMessagesToArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestAgentable(t, s, "g1", agentable.KindGoal)

	require.NoError(t, s.AddThreadMessage(ctx, &agentable.ThreadMessage{
		AgentableID: "g1",
		Role:        agentable.RoleUser,
		Content:     "hello",
	}))
	require.NoError(t, s.InsertArchivedSession(ctx, &agentable.ArchivedSession{
		ID:          "arc1",
		AgentableID: "g1",
		FullHistory: []agentable.Entry{{Role: agentable.RoleUser, Text: "hello"}},
		StartedAt:   time.Now().Add(-time.Hour),
		CompletedAt: time.Now(),
	}))

	require.NoError(t, s.AttachMessagesToArchive(ctx, "g1", "arc1"))

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM thread_messages WHERE archived_session_id = 'arc1'`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestAgentable(t, s, "g1", agentable.KindGoal)

	rec := &agentable.RunRecord{
		ID:                "r1",
		AgentableID:       "g1",
		InputTokens:       1200,
		OutputTokens:      340,
		CostUSD:           0.0087,
		ToolsUsed:         []string{"search", "send_message"},
		Iterations:        4,
		NaturalCompletion: true,
		StartedAt:         time.Now().Add(-time.Minute),
		CompletedAt:       time.Now(),
	}
	require.NoError(t, s.InsertRunRecord(ctx, rec))

	records, err := s.ListRunRecords(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1200, records[0].InputTokens)
	assert.Equal(t, []string{"search", "send_message"}, records[0].ToolsUsed)
	assert.True(t, records[0].NaturalCompletion)
}

func TestRequireRowNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.SetResultSummary(context.Background(), "missing", "summary")
	assert.True(t, errors.Is(err, ErrNotFound))
}
