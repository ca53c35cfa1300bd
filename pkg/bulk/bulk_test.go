package bulk

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/roomcache/pkg/config"
	"github.com/lrhodin/roomcache/pkg/remote"
	"github.com/lrhodin/roomcache/pkg/remote/remotetest"
)

func newMessenger(t *testing.T, platform remote.Platform) *Messenger {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Bulk.BatchSize = 5
	cfg.Bulk.Parallelism = 3
	cfg.Bulk.BatchDelay = time.Millisecond
	cfg.Sync.MaxRetries = 2
	cfg.Sync.InitialBackoff = time.Millisecond
	cfg.Sync.MaxBackoff = 5 * time.Millisecond
	return New(platform, cfg, zerolog.Nop())
}

func users(n int) []id.UserID {
	out := make([]id.UserID, n)
	for i := range out {
		out[i] = id.UserID(fmt.Sprintf("@user%02d:example.com", i))
	}
	return out
}

func TestBatchesOf23(t *testing.T) {
	targets := userTargets(users(23))
	chunks, dropped := batches(targets, 5)
	assert.Zero(t, dropped)
	require.Len(t, chunks, 5)
	for _, chunk := range chunks[:4] {
		assert.Len(t, chunk, 5)
	}
	assert.Len(t, chunks[4], 3)
}

func TestBatchesDropDuplicates(t *testing.T) {
	chunks, dropped := batches([]string{"@a:x", "@b:x", "@a:x"}, 5)
	assert.Equal(t, 1, dropped)
	require.Len(t, chunks, 1)
	assert.Equal(t, []string{"@a:x", "@b:x"}, chunks[0])
}

func TestRepeatedTargetsAreCounted(t *testing.T) {
	fake := remotetest.New()
	m := newMessenger(t, fake)
	targets := users(22)
	targets = append(targets, targets[3])
	fake.FailTarget(targets[10].String(), errors.New("M_FORBIDDEN: not allowed"), -1)

	res := m.Invite(context.Background(), "!room:example.com", targets)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 21, res.TotalSuccess)
	assert.Equal(t, 1, res.TotalFailed)
	assert.Len(t, res.Results, 22)
	assert.Equal(t, len(targets), res.TotalSuccess+res.TotalFailed+res.Duplicates)

	invites := 0
	for _, call := range fake.Calls() {
		if call.Op == "invite" && call.UserID == targets[3] {
			invites++
		}
	}
	assert.Equal(t, 1, invites, "a repeated target is delivered once")
}

func TestInviteRecordsEveryTarget(t *testing.T) {
	fake := remotetest.New()
	m := newMessenger(t, fake)
	targets := users(23)
	fake.FailTarget(targets[7].String(), errors.New("M_FORBIDDEN: not allowed"), -1)
	fake.FailTarget(targets[20].String(), errors.New("M_FORBIDDEN: banned"), -1)

	res := m.Invite(context.Background(), "!room:example.com", targets)
	assert.Equal(t, OpInvite, res.Operation)
	assert.Equal(t, 5, res.Batches)
	assert.Equal(t, 21, res.TotalSuccess)
	assert.Equal(t, 2, res.TotalFailed)
	assert.Len(t, res.Results, 23)
	assert.Zero(t, res.Duplicates)
	assert.Equal(t, 23, res.TotalSuccess+res.TotalFailed+res.Duplicates)
	assert.False(t, res.Results[targets[7].String()].Success)
	assert.Equal(t, "M_FORBIDDEN: banned", res.Results[targets[20].String()].Error)
	assert.Equal(t, []string{
		"@user07:example.com: M_FORBIDDEN: not allowed",
		"@user20:example.com: M_FORBIDDEN: banned",
	}, res.Errors)

	// Permanent failures are not retried.
	invites := 0
	for _, call := range fake.Calls() {
		if call.Op == "invite" {
			invites++
		}
	}
	assert.Equal(t, 23, invites)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	fake := remotetest.New()
	m := newMessenger(t, fake)
	fake.FailTarget("@user01:example.com", remotetest.Timeout("send"), 1)
	fake.FailTarget("@user02:example.com", remotetest.Timeout("send"), -1)

	res := m.Send(context.Background(), userTargets(users(3)), "hello")
	assert.True(t, res.Results["@user00:example.com"].Success)
	assert.True(t, res.Results["@user01:example.com"].Success)
	assert.False(t, res.Results["@user02:example.com"].Success)
	assert.Equal(t, 2, res.TotalSuccess)
	assert.Equal(t, 1, res.TotalFailed)

	attempts := map[id.UserID]int{}
	for _, call := range fake.Calls() {
		attempts[call.UserID]++
	}
	assert.Equal(t, 1, attempts["@user00:example.com"])
	assert.Equal(t, 2, attempts["@user01:example.com"])
	assert.Equal(t, 3, attempts["@user02:example.com"])
}

func TestSendRoutesByTargetKind(t *testing.T) {
	fake := remotetest.New()
	m := newMessenger(t, fake)

	res := m.Send(context.Background(), []string{"@alice:example.com", "!room:example.com", "bogus"}, "hi")
	assert.Equal(t, 2, res.TotalSuccess)
	assert.Equal(t, 1, res.TotalFailed)
	assert.Contains(t, res.Results["bogus"].Error, "neither a user nor a room ID")

	calls := fake.Calls()
	require.Len(t, calls, 2)
	assert.ElementsMatch(t, []remotetest.Call{
		{Op: "send", UserID: "@alice:example.com", Text: "hi"},
		{Op: "send", RoomID: "!room:example.com", Text: "hi"},
	}, calls)
}

func TestRemovePassesReason(t *testing.T) {
	fake := remotetest.New()
	m := newMessenger(t, fake)

	res := m.Remove(context.Background(), "!room:example.com", users(2), "spam")
	assert.Equal(t, 2, res.TotalSuccess)
	for _, call := range fake.Calls() {
		assert.Equal(t, "remove", call.Op)
		assert.Equal(t, id.RoomID("!room:example.com"), call.RoomID)
		assert.Equal(t, "spam", call.Text)
	}
}

func TestNullPlatformFailsEveryTarget(t *testing.T) {
	m := newMessenger(t, remote.NullPlatform{})
	res := m.Invite(context.Background(), "!room:example.com", users(7))
	assert.Equal(t, 0, res.TotalSuccess)
	assert.Equal(t, 7, res.TotalFailed)
	assert.Equal(t, 2, res.Batches)
	for _, outcome := range res.Results {
		assert.Equal(t, remote.ErrNotConfigured.Error(), outcome.Error)
	}
}

func TestCanceledContextFailsRemainingTargets(t *testing.T) {
	fake := remotetest.New()
	m := newMessenger(t, fake)
	m.batchDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res := m.Invite(ctx, "!room:example.com", users(12))
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 5, res.TotalSuccess)
	assert.Equal(t, 7, res.TotalFailed)
	assert.Equal(t, context.Canceled.Error(), res.Results["@user11:example.com"].Error)
}
