package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/config"
	"autopilot/internal/docstore"
	"autopilot/internal/scheduler"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Store.Backend = backend
	cfg.Store.SQLitePath = filepath.Join(dir, "autopilot.db")
	cfg.Scheduler.FireDedupWindow = 90 * time.Second
	cfg.Scheduler.TickTimeout = time.Minute
	cfg.Tasks.DefaultDelay = 10 * time.Minute
	cfg.Tasks.TaskTimeout = time.Minute
	cfg.Monitor.StorageRoot = dir
	cfg.Monitor.MediaBaseURL = "http://localhost:8080"
	cfg.Monitor.LockTTL = 30 * time.Minute
	cfg.Monitor.TickTimeout = time.Minute
	cfg.External.Timeout = time.Second
	cfg.Feature.EnableScheduleTick = true
	cfg.Feature.EnableFileMonitor = true
	return cfg
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, quiet())
	assert.Error(t, err)
}

func TestNew_MemoryBackendRunsEmptyTicks(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t, config.StoreMemory), quiet())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	assert.IsType(t, &docstore.MemoryStore{}, a.Store)
	assert.Nil(t, a.Locks)
	assert.NotEmpty(t, a.WorkerID)

	runner := a.TickRunner()
	res, err := runner.RunTick(ctx, scheduler.TickPayload{Tick: scheduler.TickSchedules})
	require.NoError(t, err)
	require.NotNil(t, res.Schedules)
	assert.Zero(t, res.Schedules.Channels)

	res, err = runner.RunTick(ctx, scheduler.TickPayload{Tick: scheduler.TickFiles})
	require.NoError(t, err)
	require.NotNil(t, res.Files)
	assert.Zero(t, res.Files.Channels)
}

func TestNew_SQLiteBackendPersists(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.StoreSQLite)

	a, err := New(ctx, cfg, quiet())
	require.NoError(t, err)
	require.NoError(t, a.Store.Write(ctx, docstore.SettingsPath("owner-1"), json.RawMessage(`{"isAutomationPaused":true}`)))
	require.NoError(t, a.Close(ctx))

	b, err := New(ctx, cfg, quiet())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	settings, err := b.Settings.Get(ctx, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, settings)
	assert.True(t, settings.IsAutomationPaused)
}

func TestTickRunner_FeatureSwitches(t *testing.T) {
	cfg := testConfig(t, config.StoreMemory)
	cfg.Feature.EnableFileMonitor = false
	a, err := New(context.Background(), cfg, quiet())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	res, err := a.TickRunner().RunTick(context.Background(), scheduler.TickPayload{Tick: scheduler.TickFiles})
	require.NoError(t, err)
	assert.Equal(t, "disabled", res.Skipped)
}

func TestHealthProbes(t *testing.T) {
	cfg := testConfig(t, config.StoreMemory)
	a, err := New(context.Background(), cfg, quiet())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	probes := a.HealthProbes()
	require.Len(t, probes, 1)
	assert.Equal(t, "storage_root", probes[0].Name())
	assert.NoError(t, probes[0].Check(context.Background()))

	cfg.Monitor.StorageRoot = filepath.Join(cfg.Monitor.StorageRoot, "missing")
	assert.Error(t, probes[0].Check(context.Background()))
}
