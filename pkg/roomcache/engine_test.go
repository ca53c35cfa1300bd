package roomcache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/roomcache/pkg/cachestore"
	"github.com/lrhodin/roomcache/pkg/cachestore/cachestoretest"
	"github.com/lrhodin/roomcache/pkg/config"
	"github.com/lrhodin/roomcache/pkg/health"
	"github.com/lrhodin/roomcache/pkg/remote"
	"github.com/lrhodin/roomcache/pkg/remote/remotetest"
	"github.com/lrhodin/roomcache/pkg/scheduler"
	"github.com/lrhodin/roomcache/pkg/syncer"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Sync.MaxRetries = 1
	cfg.Sync.InitialBackoff = time.Millisecond
	cfg.Sync.MaxBackoff = 2 * time.Millisecond
	cfg.Sync.MinFullSyncInterval = 0
	cfg.Bulk.BatchDelay = 0
	return cfg
}

func newEngine(t *testing.T, platform remote.Platform) *Engine {
	t.Helper()
	engine, err := New(testConfig(t), cachestoretest.New(t), platform, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func roomID(i int) id.RoomID {
	return id.RoomID(fmt.Sprintf("!room%d:example.com", i))
}

func TestDefaultRoomQuery(t *testing.T) {
	fake := remotetest.New()
	fake.SetRoom(remote.RoomInfo{ID: roomID(1), Name: "Lobby"}, remotetest.Members("lobby", 5)...)
	fake.SetRoom(remote.RoomInfo{ID: roomID(2), Name: "General"}, remotetest.Members("general", 12)...)
	fake.SetRoom(remote.RoomInfo{ID: roomID(3), Name: "Entry"}, remotetest.Members("entry", 3)...)
	engine := newEngine(t, fake)
	ctx := context.Background()

	res, err := engine.FullSync(ctx, false)
	require.NoError(t, err)
	require.Equal(t, syncer.StatusSuccess, res.Status, res.Error)

	page, err := engine.QueryRooms(ctx, cachestore.RoomQuery{})
	require.NoError(t, err)
	assert.Equal(t, 50, page.Limit)
	require.Len(t, page.Items, 2)
	assert.Equal(t, roomID(2), page.Items[0].RoomID)
	assert.Equal(t, roomID(3), page.Items[1].RoomID)

	page, err = engine.QueryRooms(ctx, cachestore.RoomQuery{MinMemberCount: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, roomID(2), page.Items[0].RoomID)

	page, err = engine.QueryRooms(ctx, cachestore.RoomQuery{MinMemberCount: -1, Limit: 10000})
	require.NoError(t, err)
	assert.Equal(t, 500, page.Limit)
	assert.Len(t, page.Items, 3)

	users, err := engine.PriorityUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 3)

	priorityPage, err := engine.QueryUsers(ctx, cachestore.UserQuery{PriorityOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 3, priorityPage.Total)
}

func TestUnconfiguredPlatform(t *testing.T) {
	engine := newEngine(t, remote.NullPlatform{})
	ctx := context.Background()
	assert.False(t, engine.Configured())

	users, err := engine.QueryUsers(ctx, cachestore.UserQuery{})
	require.NoError(t, err)
	assert.Empty(t, users.Items)
	rooms, err := engine.QueryRooms(ctx, cachestore.RoomQuery{})
	require.NoError(t, err)
	assert.Empty(t, rooms.Items)

	res, err := engine.FullSync(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, syncer.StatusFailed, res.Status)
	assert.Equal(t, "full sync: remote platform is not configured", res.Error)

	res, err = engine.IncrementalSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncer.StatusFailed, res.Status)

	assert.Equal(t, OutcomeUnconfigured, engine.BackgroundSync(time.Minute))
	runs, err := engine.SyncRuns(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)

	report := engine.HealthCheck(ctx)
	assert.Equal(t, health.StatusUnconfigured, report.Status)

	bulkRes := engine.BulkSend(ctx, []string{"@a:example.com", "!b:example.com"}, "hi")
	assert.Equal(t, 2, bulkRes.TotalFailed)

	assert.True(t, IsConfigurationError(&ConfigurationError{Op: "x"}))
}

func superviseServices(t *testing.T, engine *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sup := suture.NewSimple("test")
	for _, svc := range engine.Services() {
		sup.Add(svc)
	}
	done := sup.ServeBackground(ctx)
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newSupervisedEngine(t *testing.T, platform remote.Platform) *Engine {
	t.Helper()
	cfg := testConfig(t)
	cfg.Scheduler.CheckInterval = 5 * time.Millisecond
	engine, err := New(cfg, cachestoretest.New(t), platform, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	superviseServices(t, engine)
	return engine
}

func TestUnconfiguredServicesDoNotSync(t *testing.T) {
	engine := newSupervisedEngine(t, remote.NullPlatform{})
	assert.Empty(t, engine.Services())

	time.Sleep(50 * time.Millisecond)
	runs, err := engine.SyncRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestConfiguredServicesSync(t *testing.T) {
	fake := remotetest.New()
	fake.SetRoom(remote.RoomInfo{ID: roomID(1), Name: "General"}, remotetest.Members("u", 3)...)
	engine := newSupervisedEngine(t, fake)
	assert.Contains(t, engine.Services(), suture.Service(engine.Scheduler))

	require.Eventually(t, func() bool {
		runs, err := engine.SyncRuns(context.Background(), 0)
		return err == nil && len(runs) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackgroundSyncRunsOnce(t *testing.T) {
	fake := remotetest.New()
	fake.SetRoom(remote.RoomInfo{ID: roomID(1), Name: "General"}, remotetest.Members("u", 3)...)
	engine := newEngine(t, fake)

	assert.Equal(t, scheduler.OutcomeStarted, engine.BackgroundSync(time.Hour))
	engine.Scheduler.Wait()
	runs, err := engine.SyncRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, cachestore.SyncSuccess, runs[0].Status)

	// Fresh cache, nothing to do.
	assert.Equal(t, scheduler.OutcomeStarted, engine.BackgroundSync(time.Hour))
	engine.Scheduler.Wait()
	runs, err = engine.SyncRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestDetectBridgedAndCleanup(t *testing.T) {
	fake := remotetest.New()
	fake.SetRoom(remote.RoomInfo{ID: roomID(1), Name: "General"},
		remotetest.Joined("@signal_1234:example.com", "Bridged"),
		remotetest.Joined("@alice:example.com", "Alice"),
	)
	engine := newEngine(t, fake)
	ctx := context.Background()
	_, err := engine.FullSync(ctx, true)
	require.NoError(t, err)

	// The post-sync pass already flagged the puppet.
	n, err := engine.DetectBridgedUsers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	page, err := engine.QueryUsers(ctx, cachestore.UserQuery{OnlyBridged: true})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, id.UserID("@signal_1234:example.com"), page.Items[0].UserID)

	_, err = engine.Cleanup(ctx, 0)
	assert.Error(t, err)
	deleted, err := engine.Cleanup(ctx, 24)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	stats, err := engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Users)
	assert.Equal(t, 1, stats.BridgedUsers)
}

func TestBulkInviteThroughEngine(t *testing.T) {
	fake := remotetest.New()
	engine := newEngine(t, fake)
	users := make([]id.UserID, 23)
	for i := range users {
		users[i] = id.UserID(fmt.Sprintf("@user%02d:example.com", i))
	}
	fake.FailTarget(users[3].String(), fmt.Errorf("M_FORBIDDEN"), -1)

	res := engine.BulkInvite(context.Background(), roomID(1), users)
	assert.Equal(t, 5, res.Batches)
	assert.Equal(t, 22, res.TotalSuccess)
	assert.Equal(t, 1, res.TotalFailed)
}
