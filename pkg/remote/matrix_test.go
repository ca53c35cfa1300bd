package remote_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/roomcache/pkg/cachestore"
	"github.com/lrhodin/roomcache/pkg/config"
	"github.com/lrhodin/roomcache/pkg/remote"
	"github.com/lrhodin/roomcache/pkg/remote/remotetest"
)

const botUser = id.UserID("@roomcache:example.com")

func newMatrixPlatform(t *testing.T, hs *remotetest.Homeserver) *remote.MatrixPlatform {
	t.Helper()
	mp, err := remote.NewMatrixPlatform(config.HomeserverConfig{
		URL:               hs.URL,
		UserID:            string(hs.UserID),
		AccessToken:       "secret",
		RequestTimeout:    5 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             100,
	}, remote.RetryPolicy{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, 2, zerolog.Nop())
	require.NoError(t, err)
	return mp
}

func roomName(name string) remotetest.Event {
	return remotetest.StateEvent("m.room.name", "", map[string]any{"name": name})
}

func byID(rooms []remote.RoomInfo) map[id.RoomID]remote.RoomInfo {
	out := make(map[id.RoomID]remote.RoomInfo, len(rooms))
	for _, room := range rooms {
		out[room.ID] = room
	}
	return out
}

func TestListRoomsKeepsRoomsWithFailedState(t *testing.T) {
	hs := remotetest.NewHomeserver(t, botUser)
	hs.AddRoom("!a:example.com",
		roomName("Alpha"),
		remotetest.Member("@alice:example.com", "join", "Alice"),
		remotetest.Member("@bob:example.com", "join", "Bob"),
		remotetest.Member("@carol:example.com", "join", "Carol"),
	)
	hs.AddRoom("!b:example.com", roomName("Beta"))
	hs.FailState("!b:example.com", http.StatusInternalServerError)
	mp := newMatrixPlatform(t, hs)

	rooms, err := mp.ListRooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	got := byID(rooms)
	alpha := got["!a:example.com"]
	assert.NoError(t, alpha.Err)
	assert.Equal(t, "Alpha", alpha.Name)
	assert.Equal(t, 3, alpha.MemberCount)
	assert.Equal(t, cachestore.RoomKindGroup, alpha.Kind)
	beta := got["!b:example.com"]
	require.Error(t, beta.Err)
	assert.True(t, remote.IsTransient(beta.Err))
	assert.Empty(t, beta.Name)
}

func TestListRoomsClassifiesKinds(t *testing.T) {
	hs := remotetest.NewHomeserver(t, botUser)
	hs.AddRoom("!named-dm:example.com", roomName("Chat with Alice"), remotetest.Member("@alice:example.com", "join", "Alice"))
	hs.AddRoom("!pair:example.com",
		remotetest.Member(botUser, "join", ""),
		remotetest.Member("@bob:example.com", "join", "Bob"),
	)
	hs.AddRoom("!trio:example.com",
		remotetest.Member(botUser, "join", ""),
		remotetest.Member("@bob:example.com", "join", "Bob"),
		remotetest.Member("@carol:example.com", "join", "Carol"),
	)
	hs.AddRoom("!secret:example.com",
		roomName("Secret"),
		remotetest.StateEvent("m.room.topic", "", map[string]any{"topic": "Hush"}),
		remotetest.StateEvent("m.room.encryption", "", map[string]any{"algorithm": "m.megolm.v1.aes-sha2"}),
	)
	hs.SetDirect(map[id.UserID][]id.RoomID{"@alice:example.com": {"!named-dm:example.com"}})
	mp := newMatrixPlatform(t, hs)

	rooms, err := mp.ListRooms(context.Background())
	require.NoError(t, err)
	got := byID(rooms)
	assert.Equal(t, cachestore.RoomKindDirect, got["!named-dm:example.com"].Kind)
	assert.Equal(t, cachestore.RoomKindDirect, got["!pair:example.com"].Kind)
	assert.Equal(t, cachestore.RoomKindGroup, got["!trio:example.com"].Kind)
	secret := got["!secret:example.com"]
	assert.Equal(t, cachestore.RoomKindGroup, secret.Kind)
	assert.Equal(t, "Hush", secret.Topic)
	assert.True(t, secret.Encrypted)
	assert.False(t, got["!trio:example.com"].Encrypted)
}

func TestListMembersConvertsMemberships(t *testing.T) {
	hs := remotetest.NewHomeserver(t, botUser)
	roomID := id.RoomID("!a:example.com")
	banned := remotetest.Member("@mallory:example.com", "ban", "")
	banned["content"].(map[string]any)["displayname"] = "Mallory"
	hs.AddRoom(roomID,
		roomName("Alpha"),
		remotetest.Member("@alice:example.com", "join", "Alice"),
		remotetest.Member("@bob:example.com", "invite", "Bob"),
		remotetest.Member("@carol:example.com", "leave", ""),
		banned,
		remotetest.Member("@dave:example.com", "knock", "Dave"),
	)
	mp := newMatrixPlatform(t, hs)

	members, err := mp.ListMembers(context.Background(), roomID)
	require.NoError(t, err)
	got := make(map[id.UserID]remote.MemberInfo, len(members))
	for _, m := range members {
		got[m.UserID] = m
	}
	require.Len(t, got, 4)
	assert.NotContains(t, got, id.UserID("@dave:example.com"))

	assert.Equal(t, cachestore.MembershipJoined, got["@alice:example.com"].Status)
	assert.Equal(t, "Alice", got["@alice:example.com"].DisplayName)
	assert.True(t, got["@alice:example.com"].ProfileKnown)
	assert.Equal(t, cachestore.MembershipInvited, got["@bob:example.com"].Status)
	assert.True(t, got["@bob:example.com"].ProfileKnown)

	assert.Equal(t, cachestore.MembershipLeft, got["@carol:example.com"].Status)
	assert.False(t, got["@carol:example.com"].ProfileKnown)
	mallory := got["@mallory:example.com"]
	assert.Equal(t, cachestore.MembershipLeft, mallory.Status)
	assert.False(t, mallory.ProfileKnown)
	assert.Empty(t, mallory.DisplayName)
}

func TestChangesFromSync(t *testing.T) {
	hs := remotetest.NewHomeserver(t, botUser)
	hs.AddRoom("!a:example.com",
		roomName("Renamed"),
		remotetest.Member("@alice:example.com", "join", "Alice"),
		remotetest.Member("@bob:example.com", "join", "Bob"),
		remotetest.Member("@carol:example.com", "join", "Carol"),
	)
	hs.AddRoom("!b:example.com", roomName("Beta"))
	hs.FailState("!b:example.com", http.StatusInternalServerError)
	early := time.UnixMilli(1_700_000_000_000)
	late := early.Add(time.Minute)
	hs.SetSync(map[string]any{
		"next_batch": "s42",
		"rooms": map[string]any{
			"join": map[string]any{
				"!a:example.com": map[string]any{
					"state": map[string]any{"events": []remotetest.Event{
						remotetest.Member("@carol:example.com", "join", "Carol"),
					}},
					"timeline": map[string]any{"events": []remotetest.Event{
						roomName("Renamed"),
						remotetest.Message("@alice:example.com", late),
						remotetest.Message("@alice:example.com", early),
						remotetest.Message("@bob:example.com", early),
						remotetest.Member("@dave:example.com", "ban", ""),
					}},
				},
				"!b:example.com": map[string]any{
					"timeline": map[string]any{"events": []remotetest.Event{
						remotetest.StateEvent("m.room.topic", "", map[string]any{"topic": "New"}),
					}},
				},
				"!quiet:example.com": map[string]any{},
			},
			"leave": map[string]any{
				"!gone:example.com": map[string]any{},
			},
		},
	})
	mp := newMatrixPlatform(t, hs)

	changes, err := mp.Changes(context.Background(), "s41")
	require.NoError(t, err)
	assert.Equal(t, []string{"s41"}, hs.Since())
	assert.Equal(t, "s42", changes.NextBatch)

	got := make(map[id.RoomID]remote.RoomChange, len(changes.Rooms))
	for _, change := range changes.Rooms {
		got[change.RoomID] = change
	}
	require.Len(t, got, 3)
	assert.NotContains(t, got, id.RoomID("!quiet:example.com"))

	a := got["!a:example.com"]
	require.NoError(t, a.Err)
	require.NotNil(t, a.Info)
	assert.Equal(t, "Renamed", a.Info.Name)
	assert.Equal(t, 3, a.Info.MemberCount)
	require.Len(t, a.Members, 2)
	assert.Equal(t, id.UserID("@carol:example.com"), a.Members[0].UserID)
	assert.Equal(t, cachestore.MembershipJoined, a.Members[0].Status)
	assert.Equal(t, id.UserID("@dave:example.com"), a.Members[1].UserID)
	assert.Equal(t, cachestore.MembershipLeft, a.Members[1].Status)
	require.Len(t, a.Activity, 2)
	assert.True(t, late.Equal(a.Activity["@alice:example.com"]))
	assert.True(t, early.Equal(a.Activity["@bob:example.com"]))

	b := got["!b:example.com"]
	require.Error(t, b.Err)
	assert.Nil(t, b.Info)

	assert.True(t, got["!gone:example.com"].Left)
}

func TestSendToUserCreatesDirectChatOnce(t *testing.T) {
	hs := remotetest.NewHomeserver(t, botUser)
	mp := newMatrixPlatform(t, hs)
	ctx := context.Background()
	alice := id.UserID("@alice:example.com")

	require.NoError(t, mp.SendToUser(ctx, alice, "first"))
	require.NoError(t, mp.SendToUser(ctx, alice, "second"))

	dm := id.RoomID("!dm1:example.com")
	assert.Equal(t, []remotetest.Call{
		{Op: "create_room", RoomID: dm, UserID: alice},
		{Op: "send", RoomID: dm, Text: "first"},
		{Op: "send", RoomID: dm, Text: "second"},
	}, hs.Calls())
	assert.Equal(t, map[id.UserID][]id.RoomID{alice: {dm}}, hs.Direct())
}

func TestSendToUserUsesExistingDirectChat(t *testing.T) {
	hs := remotetest.NewHomeserver(t, botUser)
	alice := id.UserID("@alice:example.com")
	hs.SetDirect(map[id.UserID][]id.RoomID{alice: {"!old:example.com", "!new:example.com"}})
	mp := newMatrixPlatform(t, hs)

	require.NoError(t, mp.SendToUser(context.Background(), alice, "hi"))
	assert.Equal(t, []remotetest.Call{{Op: "send", RoomID: "!new:example.com", Text: "hi"}}, hs.Calls())
}

func TestInviteAndRemove(t *testing.T) {
	hs := remotetest.NewHomeserver(t, botUser)
	roomID := id.RoomID("!a:example.com")
	hs.AddRoom(roomID, roomName("Alpha"))
	mp := newMatrixPlatform(t, hs)
	ctx := context.Background()

	require.NoError(t, mp.Invite(ctx, roomID, "@alice:example.com"))
	require.NoError(t, mp.Remove(ctx, roomID, "@bob:example.com", "spam"))
	require.NoError(t, mp.Ping(ctx))
	assert.Equal(t, []remotetest.Call{
		{Op: "invite", RoomID: roomID, UserID: "@alice:example.com"},
		{Op: "remove", RoomID: roomID, UserID: "@bob:example.com", Text: "spam"},
	}, hs.Calls())
}
