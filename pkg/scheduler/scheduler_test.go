package scheduler

import (
	"context"
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
	"github.com/lrhodin/roomcache/pkg/syncer"
)

type harness struct {
	sched *Scheduler
	fake  *remotetest.Platform
	store *cachestore.Store
}

func newHarness(t *testing.T, opts ...cachestore.Option) *harness {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Sync.MaxRetries = 0
	cfg.Scheduler.CheckInterval = 10 * time.Millisecond

	store := cachestoretest.New(t, opts...)
	fake := remotetest.New()
	fake.SetRoom(remote.RoomInfo{ID: "!room:example.com", Name: "General"}, remotetest.Members("u", 3)...)
	orch := syncer.New(syncer.Params{Store: store, Platform: fake, Config: cfg.Sync}, zerolog.Nop())
	sched := New(store, orch, cfg.Scheduler, zerolog.Nop())
	t.Cleanup(sched.Stop)
	return &harness{sched: sched, fake: fake, store: store}
}

func (h *harness) runs(t *testing.T) []cachestore.SyncRun {
	t.Helper()
	runs, err := h.store.ListSyncRuns(context.Background(), 100)
	require.NoError(t, err)
	return runs
}

func TestTriggerSyncsStaleCache(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, OutcomeStarted, h.sched.Trigger(time.Hour))
	h.sched.Wait()

	last, err := h.store.LastSuccessfulSync(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, cachestore.SyncFull, last.Kind)

	// Fresh cache: the next trigger checks and does nothing.
	assert.Equal(t, OutcomeStarted, h.sched.Trigger(time.Hour))
	h.sched.Wait()
	assert.Len(t, h.runs(t), 1)
}

func TestTriggerIsSingleFlight(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.fake.BeforeListRooms = func(ctx context.Context) {
		close(entered)
		<-release
	}

	start := time.Now()
	assert.Equal(t, OutcomeStarted, h.sched.Trigger(time.Hour))
	assert.Less(t, time.Since(start), time.Second, "trigger must not wait for the sync")
	<-entered
	for range 5 {
		assert.Equal(t, OutcomeAlreadyRunning, h.sched.Trigger(time.Hour))
	}
	close(release)
	h.sched.Wait()

	runs := h.runs(t)
	require.Len(t, runs, 1)
	assert.Equal(t, cachestore.SyncSuccess, runs[0].Status)
}

func TestTriggerRecoversStuckRun(t *testing.T) {
	clock := cachestoretest.NewClock(time.Now())
	h := newHarness(t, cachestore.WithClock(clock.Now))
	h.sched.now = clock.Now
	ctx := context.Background()

	stuck, err := h.store.CreateSyncRun(ctx, cachestore.SyncFull)
	require.NoError(t, err)
	require.NoError(t, h.store.StartSyncRun(ctx, stuck))
	clock.Advance(h.sched.stuckAfter + time.Minute)

	assert.Equal(t, OutcomeStarted, h.sched.Trigger(time.Hour))
	h.sched.Wait()

	got, err := h.store.GetSyncRun(ctx, stuck.RunID)
	require.NoError(t, err)
	assert.Equal(t, cachestore.SyncFailed, got.Status)
	assert.Contains(t, got.Error, "stuck")

	last, err := h.store.LastSuccessfulSync(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.NotEqual(t, stuck.RunID, last.RunID)
}

func TestTriggerDefersToRunningMarker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// A run still within the stuck window belongs to another process.
	other, err := h.store.CreateSyncRun(ctx, cachestore.SyncFull)
	require.NoError(t, err)
	require.NoError(t, h.store.StartSyncRun(ctx, other))

	assert.Equal(t, OutcomeStarted, h.sched.Trigger(time.Hour))
	h.sched.Wait()
	assert.Len(t, h.runs(t), 1)
}

func TestServeTicks(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Serve(ctx) }()

	assert.Eventually(t, func() bool {
		last, err := h.store.LastSuccessfulSync(context.Background(), "")
		return err == nil && last != nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
