package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRetentionStore struct {
	old       []string
	deleted   []string
	deleteErr map[string]error
}

func (f *fakeRetentionStore) ListArchivesOlderThan(_ context.Context, _ time.Time) ([]string, error) {
	return f.old, nil
}

func (f *fakeRetentionStore) DeleteArchivedSession(_ context.Context, id string) error {
	if err := f.deleteErr[id]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func TestSweepNowDeletesOldArchives(t *testing.T) {
	store := &fakeRetentionStore{old: []string{"a1", "a2"}}
	r := NewRetention(store, time.Hour, time.Hour)

	deleted, err := r.SweepNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, deleted)
	assert.Equal(t, []string{"a1", "a2"}, store.deleted)
}

func TestSweepNowContinuesPastFailures(t *testing.T) {
	store := &fakeRetentionStore{
		old:       []string{"a1", "a2"},
		deleteErr: map[string]error{"a1": errors.New("locked")},
	}
	r := NewRetention(store, time.Hour, time.Hour)

	deleted, err := r.SweepNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, deleted)
	assert.Equal(t, []string{"a2"}, store.deleted)
}

func TestRetentionStartStop(t *testing.T) {
	store := &fakeRetentionStore{}
	r := NewRetention(store, time.Hour, time.Hour)

	require.NoError(t, r.Start())
	assert.True(t, r.IsRunning())
	assert.Error(t, r.Start())

	require.NoError(t, r.Stop())
	assert.False(t, r.IsRunning())
	assert.Error(t, r.Stop())
}

func TestRetentionRestart(t *testing.T) {
	store := &fakeRetentionStore{}
	r := NewRetention(store, time.Hour, time.Hour)

	require.NoError(t, r.Start())
	require.NoError(t, r.Stop())
	require.NoError(t, r.Start())
	assert.True(t, r.IsRunning())
	require.NoError(t, r.Stop())
}

func TestRetentionConcurrentLifecycle(t *testing.T) {
	store := &fakeRetentionStore{}
	r := NewRetention(store, time.Hour, time.Hour)
	require.NoError(t, r.Start())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.IsRunning()
		}
		close(done)
	}()
	require.NoError(t, r.Stop())
	<-done
	assert.False(t, r.IsRunning())
}

func TestRetentionDefaults(t *testing.T) {
	r := NewRetention(&fakeRetentionStore{}, 0, 0)
	assert.Equal(t, DefaultRetentionAge, r.retentionAge)
	assert.Equal(t, DefaultSweepInterval, r.sweepInterval)
}
