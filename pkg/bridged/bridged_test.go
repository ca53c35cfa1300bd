package bridged

import (
	"context"
	"regexp"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/roomcache/pkg/cachestore"
	"github.com/lrhodin/roomcache/pkg/cachestore/cachestoretest"
)

func TestDetectIsIdempotent(t *testing.T) {
	store := cachestoretest.New(t)
	ctx := context.Background()
	for _, userID := range []id.UserID{
		"@signal_0b4a8c2e:example.com",
		"@signal_7f1d:example.com",
		"@alice:example.com",
		"@notsignal_1:example.com",
	} {
		require.NoError(t, store.UpsertUser(ctx, cachestore.CachedUser{UserID: userID}))
	}
	detector := NewDetector(store, regexp.MustCompile(`^@signal_`), zerolog.Nop())

	updated, err := detector.Detect(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, updated)

	updated, err = detector.Detect(ctx)
	require.NoError(t, err)
	assert.Zero(t, updated)

	require.NoError(t, store.UpsertUser(ctx, cachestore.CachedUser{UserID: "@signal_new:example.com"}))
	updated, err = detector.Detect(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated)

	alice, err := store.GetUser(ctx, "@alice:example.com")
	require.NoError(t, err)
	assert.False(t, alice.IsBridged)
}

func TestDetectEmptyCache(t *testing.T) {
	detector := NewDetector(cachestoretest.New(t), regexp.MustCompile(`^@signal_`), zerolog.Nop())
	updated, err := detector.Detect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, updated)
}
