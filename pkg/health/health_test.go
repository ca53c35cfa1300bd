package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/roomcache/pkg/cachestore"
	"github.com/lrhodin/roomcache/pkg/cachestore/cachestoretest"
	"github.com/lrhodin/roomcache/pkg/config"
	"github.com/lrhodin/roomcache/pkg/remote"
	"github.com/lrhodin/roomcache/pkg/remote/remotetest"
)

type harness struct {
	monitor *Monitor
	fake    *remotetest.Platform
	store   *cachestore.Store
	clock   *cachestoretest.Clock
}

func newHarness(t *testing.T, platform remote.Platform) *harness {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	clock := cachestoretest.NewClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	store := cachestoretest.New(t, cachestore.WithClock(clock.Now))
	fake, _ := platform.(*remotetest.Platform)
	monitor := NewMonitor(store, platform, cfg, zerolog.Nop())
	monitor.now = clock.Now
	return &harness{monitor: monitor, fake: fake, store: store, clock: clock}
}

func (h *harness) recordRun(t *testing.T, status cachestore.SyncStatus, errText string) *cachestore.SyncRun {
	t.Helper()
	ctx := context.Background()
	run, err := h.store.CreateSyncRun(ctx, cachestore.SyncFull)
	require.NoError(t, err)
	require.NoError(t, h.store.StartSyncRun(ctx, run))
	h.clock.Advance(time.Second)
	run.Status = status
	run.Error = errText
	require.NoError(t, h.store.FinishSyncRun(ctx, run))
	return run
}

func TestUnconfigured(t *testing.T) {
	h := newHarness(t, remote.NullPlatform{})
	report := h.monitor.Check(context.Background())
	assert.Equal(t, StatusUnconfigured, report.Status)
	assert.False(t, report.RemoteReachable)
	assert.Nil(t, report.LastSync)
}

func TestHealthyAfterSuccessfulSync(t *testing.T) {
	h := newHarness(t, remotetest.New())
	run := h.recordRun(t, cachestore.SyncSuccess, "")
	h.clock.Advance(time.Minute)

	report := h.monitor.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.True(t, report.RemoteReachable)
	require.NotNil(t, report.LastSync)
	assert.Equal(t, run.RunID, report.LastSyncRunID)
	assert.InDelta(t, 60, report.StalenessSeconds, 0.5)
	assert.False(t, report.Stale)
	assert.Empty(t, report.Error)
}

func TestDegradedWhenStale(t *testing.T) {
	h := newHarness(t, remotetest.New())
	h.recordRun(t, cachestore.SyncSuccess, "")
	h.clock.Advance(h.monitor.maxAge + time.Minute)

	report := h.monitor.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.True(t, report.Stale)
}

func TestDegradedWhenLastRunFailed(t *testing.T) {
	h := newHarness(t, remotetest.New())
	h.recordRun(t, cachestore.SyncSuccess, "")
	failed := h.recordRun(t, cachestore.SyncFailed, "!room2:example.com: timeout")

	report := h.monitor.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, failed.RunID, report.LastFailedRun)
	assert.Equal(t, "!room2:example.com: timeout", report.Error)

	// A later success clears the degradation but keeps the failure detail.
	h.recordRun(t, cachestore.SyncSuccess, "")
	report = h.monitor.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, failed.RunID, report.LastFailedRun)
}

func TestDegradedWhenRunIsStuck(t *testing.T) {
	h := newHarness(t, remotetest.New())
	h.recordRun(t, cachestore.SyncSuccess, "")
	ctx := context.Background()
	run, err := h.store.CreateSyncRun(ctx, cachestore.SyncFull)
	require.NoError(t, err)
	require.NoError(t, h.store.StartSyncRun(ctx, run))

	report := h.monitor.Check(ctx)
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, run.RunID, report.RunningRunID)
	assert.False(t, report.StuckRun)

	h.clock.Advance(h.monitor.stuckAfter + time.Minute)
	report = h.monitor.Check(ctx)
	assert.Equal(t, StatusDegraded, report.Status)
	assert.True(t, report.StuckRun)
}

func TestUnhealthyWhenRemoteUnreachable(t *testing.T) {
	h := newHarness(t, remotetest.New())
	h.fake.FailPing(errors.New("connection refused"), -1)

	report := h.monitor.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "connection refused", report.RemoteError)

	rec := httptest.NewRecorder()
	h.monitor.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var decoded Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Equal(t, StatusUnhealthy, decoded.Status)
}
