// Package cachestoretest opens throwaway cache databases for tests.
package cachestoretest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/roomcache/pkg/cachestore"
	"github.com/lrhodin/roomcache/pkg/config"
)

// New opens an empty SQLite-backed store in the test's temp dir.
func New(t testing.TB, opts ...cachestore.Option) *cachestore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	cfg := config.DatabaseConfig{
		Type:         "sqlite3",
		URI:          fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
	}
	store, err := cachestore.Open(context.Background(), cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// Clock is a manually advanced time source for cachestore.WithClock.
type Clock struct {
	lock sync.Mutex
	t    time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{t: start}
}

func (c *Clock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.lock.Lock()
	c.t = c.t.Add(d)
	c.lock.Unlock()
}

// Snapshot is the comparable content of the cache, without the per-row sync
// clocks that change on every confirmation.
type Snapshot struct {
	Users       []cachestore.CachedUser
	Rooms       []cachestore.CachedRoom
	Memberships []cachestore.Membership
}

func Take(t testing.TB, store *cachestore.Store) Snapshot {
	t.Helper()
	ctx := context.Background()
	var snap Snapshot
	users, err := store.QueryUsers(ctx, cachestore.UserQuery{Limit: 1 << 20})
	require.NoError(t, err)
	for _, u := range users.Items {
		u.LastSynced = time.Time{}
		snap.Users = append(snap.Users, u)
	}
	rooms, err := store.ListRooms(ctx)
	require.NoError(t, err)
	for _, r := range rooms {
		r.LastSynced = time.Time{}
		snap.Rooms = append(snap.Rooms, r)
		members, err := store.RoomMembers(ctx, r.RoomID, "")
		require.NoError(t, err)
		for _, m := range members {
			m.LastSynced = time.Time{}
			snap.Memberships = append(snap.Memberships, m)
		}
	}
	return snap
}
