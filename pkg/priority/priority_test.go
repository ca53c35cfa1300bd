package priority

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/roomcache/pkg/cachestore"
	"github.com/lrhodin/roomcache/pkg/cachestore/cachestoretest"
	"github.com/lrhodin/roomcache/pkg/config"
)

func priorityConfig(t *testing.T, yamlText string) *config.PriorityRoomsConfig {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	if yamlText != "" {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(yamlText), 0o600))
		cfg, err = config.Load(path)
		require.NoError(t, err)
	}
	return &cfg.PriorityRooms
}

func addRoom(t *testing.T, store *cachestore.Store, roomID id.RoomID, name, topic string, users ...id.UserID) {
	t.Helper()
	snap := cachestore.RoomSnapshot{Room: cachestore.CachedRoom{RoomID: roomID, Name: name, Topic: topic, Kind: cachestore.RoomKindGroup}}
	for _, userID := range users {
		snap.Members = append(snap.Members, cachestore.MemberSnapshot{
			User:         cachestore.CachedUser{UserID: userID},
			Status:       cachestore.MembershipJoined,
			ProfileKnown: true,
		})
	}
	_, err := store.ApplyRoomSnapshot(context.Background(), snap)
	require.NoError(t, err)
}

func TestClassify(t *testing.T) {
	cfg := priorityConfig(t, `
priority_rooms:
    ids: ["!pinned:example.com"]
    name_patterns: ["(?i)moderat"]
    topic_patterns: ["(?i)^report"]
`)
	resolver, err := NewResolver(cfg, cachestoretest.New(t), zerolog.Nop())
	require.NoError(t, err)
	defer resolver.Close()

	assert.True(t, resolver.Classify(&cachestore.CachedRoom{RoomID: "!pinned:example.com"}))
	assert.True(t, resolver.Classify(&cachestore.CachedRoom{RoomID: "!a:example.com", Name: "Moderators"}))
	assert.True(t, resolver.Classify(&cachestore.CachedRoom{RoomID: "!b:example.com", Topic: "Report abuse here"}))
	assert.False(t, resolver.Classify(&cachestore.CachedRoom{RoomID: "!c:example.com", Name: "Lobby", Topic: "hello"}))
}

func TestRefreshAndPriorityUsers(t *testing.T) {
	store := cachestoretest.New(t)
	ctx := context.Background()
	addRoom(t, store, "!mods:example.com", "Moderation", "", "@alice:example.com", "@bob:example.com")
	addRoom(t, store, "!entry:example.com", "Entry", "", "@carol:example.com", "@alice:example.com")
	addRoom(t, store, "!lobby:example.com", "Lobby", "", "@dave:example.com")

	resolver, err := NewResolver(priorityConfig(t, ""), store, zerolog.Nop())
	require.NoError(t, err)
	defer resolver.Close()

	changed, err := resolver.Refresh(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, changed)
	changed, err = resolver.Refresh(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)

	users, err := resolver.UsersInPriorityRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []id.UserID{"@alice:example.com", "@bob:example.com", "@carol:example.com"}, users)

	// The set is cached until something invalidates it.
	require.NoError(t, store.UpsertUser(ctx, cachestore.CachedUser{UserID: "@erin:example.com"}))
	require.NoError(t, store.UpsertMembership(ctx, "!mods:example.com", "@erin:example.com", cachestore.MembershipJoined))
	users, err = resolver.UsersInPriorityRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 3)

	resolver.Invalidate()
	users, err = resolver.UsersInPriorityRooms(ctx)
	require.NoError(t, err)
	assert.Contains(t, users, id.UserID("@erin:example.com"))
	assert.NotContains(t, users, id.UserID("@dave:example.com"))
}

func TestNoPriorityRooms(t *testing.T) {
	store := cachestoretest.New(t)
	addRoom(t, store, "!lobby:example.com", "Lobby", "", "@dave:example.com")
	resolver, err := NewResolver(priorityConfig(t, ""), store, zerolog.Nop())
	require.NoError(t, err)
	defer resolver.Close()

	_, err = resolver.Refresh(context.Background())
	require.NoError(t, err)
	users, err := resolver.UsersInPriorityRooms(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestWatcherReloadsAllowlist(t *testing.T) {
	store := cachestoretest.New(t)
	addRoom(t, store, "!lobby:example.com", "Lobby", "", "@dave:example.com")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("priority_rooms:\n    ids: []\n"), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	resolver, err := NewResolver(&cfg.PriorityRooms, store, zerolog.Nop())
	require.NoError(t, err)
	defer resolver.Close()

	watcher := NewWatcher(path, resolver, zerolog.Nop())
	watcher.Debounce = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	isPriority := func() bool {
		room, err := store.GetRoom(context.Background(), "!lobby:example.com")
		return err == nil && room.IsPriority
	}
	require.False(t, isPriority())

	// The watch is registered asynchronously, so keep rewriting until the
	// reload lands.
	assert.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("priority_rooms:\n    ids: [\"!lobby:example.com\"]\n"), 0o600)
		return isPriority()
	}, 5*time.Second, 50*time.Millisecond)
}
