package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "steward.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Orchestrator.SessionTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Lease.Staleness)
	assert.Equal(t, time.Hour, cfg.Lease.HardCeiling)
	assert.Equal(t, 30*24*time.Hour, cfg.Archive.RetentionAge)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.NotEmpty(t, cfg.DBPath)
	assert.NotEmpty(t, cfg.Logging.File)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steward.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Scheduler.Workers = 8
	cfg.Models.Model = "custom-model"
	cfg.Gateway.Enabled = true
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 8, loaded.Scheduler.Workers)
	assert.Equal(t, "custom-model", loaded.Models.Model)
	assert.True(t, loaded.Gateway.Enabled)
}

func TestPathWithExplicitFile(t *testing.T) {
	loader := NewLoader("/tmp/custom.json")
	path, err := loader.Path()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.json", path)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "steward.json")
	loader := NewLoader(path)
	require.NoError(t, loader.Save(DefaultConfig()))

	reloaded := make(chan *Config, 4)
	watcher, err := NewWatcher(loader, func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	cfg := DefaultConfig()
	cfg.Scheduler.Workers = 9
	require.NoError(t, loader.Save(cfg))

	select {
	case got := <-reloaded:
		assert.Equal(t, 9, got.Scheduler.Workers)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestWatcherRequiresCallback(t *testing.T) {
	_, err := NewWatcher(NewLoader(""), nil)
	assert.Error(t, err)
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "steward.json")
	loader := NewLoader(path)
	require.NoError(t, loader.Save(DefaultConfig()))

	reloaded := make(chan *Config, 1)
	watcher, err := NewWatcher(loader, func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644))

	select {
	case <-reloaded:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(300 * time.Millisecond):
	}
}
