// Package remotetest provides an in-memory remote.Platform with scripted
// contents and failures.
package remotetest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/roomcache/pkg/cachestore"
	"github.com/lrhodin/roomcache/pkg/remote"
)

type Call struct {
	Op     string
	RoomID id.RoomID
	UserID id.UserID
	Text   string
}

type failure struct {
	err error
	// remaining is the number of calls left to fail, or -1 for all of them.
	remaining int
}

func (f *failure) next() error {
	if f == nil || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.err
}

type fakeRoom struct {
	info    remote.RoomInfo
	members map[id.UserID]remote.MemberInfo
}

type logEntry struct {
	seq    int
	change remote.RoomChange
}

type Platform struct {
	lock sync.Mutex

	rooms map[id.RoomID]*fakeRoom
	log   []logEntry
	seq   int

	listRoomsFailure *failure
	changesFailure   *failure
	pingFailure      *failure
	memberFailures   map[id.RoomID]*failure
	infoFailures     map[id.RoomID]*failure
	targetFailures   map[string]*failure

	calls       []Call
	memberCalls map[id.RoomID]int

	// BeforeListRooms, if set, runs at the start of every ListRooms call.
	BeforeListRooms func(ctx context.Context)
}

var _ remote.Platform = (*Platform)(nil)

func New() *Platform {
	return &Platform{
		rooms:          make(map[id.RoomID]*fakeRoom),
		memberFailures: make(map[id.RoomID]*failure),
		infoFailures:   make(map[id.RoomID]*failure),
		targetFailures: make(map[string]*failure),
		memberCalls:    make(map[id.RoomID]int),
	}
}

// Timeout returns a transient error like the one a timed out request produces.
func Timeout(op string) error {
	return &remote.TransientError{Op: op, Err: context.DeadlineExceeded}
}

func Joined(userID id.UserID, name string) remote.MemberInfo {
	return remote.MemberInfo{UserID: userID, DisplayName: name, Status: cachestore.MembershipJoined, ProfileKnown: true}
}

func Invited(userID id.UserID, name string) remote.MemberInfo {
	return remote.MemberInfo{UserID: userID, DisplayName: name, Status: cachestore.MembershipInvited, ProfileKnown: true}
}

// Members generates n joined members with IDs @<prefix>NN:example.com.
func Members(prefix string, n int) []remote.MemberInfo {
	members := make([]remote.MemberInfo, n)
	for i := range members {
		userID := id.UserID(fmt.Sprintf("@%s%02d:example.com", prefix, i))
		members[i] = Joined(userID, fmt.Sprintf("%s %d", prefix, i))
	}
	return members
}

func (p *Platform) appendLog(change remote.RoomChange) {
	p.seq++
	p.log = append(p.log, logEntry{seq: p.seq, change: change})
}

func (r *fakeRoom) snapshotInfo() remote.RoomInfo {
	info := r.info
	info.MemberCount = 0
	for _, m := range r.members {
		if m.Status == cachestore.MembershipJoined {
			info.MemberCount++
		}
	}
	if info.Kind == "" {
		info.Kind = cachestore.RoomKindGroup
	}
	return info
}

func (r *fakeRoom) sortedMembers() []remote.MemberInfo {
	members := slices.Collect(maps.Values(r.members))
	slices.SortFunc(members, func(a, b remote.MemberInfo) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return members
}

// SetRoom replaces a room and its whole member list.
func (p *Platform) SetRoom(info remote.RoomInfo, members ...remote.MemberInfo) {
	p.lock.Lock()
	defer p.lock.Unlock()
	room := &fakeRoom{info: info, members: make(map[id.UserID]remote.MemberInfo, len(members))}
	for _, m := range members {
		room.members[m.UserID] = m
	}
	if old, ok := p.rooms[info.ID]; ok {
		for userID, m := range old.members {
			if _, stillThere := room.members[userID]; !stillThere && m.Status != cachestore.MembershipLeft {
				room.members[userID] = remote.MemberInfo{UserID: userID, Status: cachestore.MembershipLeft}
			}
		}
	}
	p.rooms[info.ID] = room
	roomInfo := room.snapshotInfo()
	p.appendLog(remote.RoomChange{RoomID: info.ID, Info: &roomInfo, Members: room.sortedMembers()})
}

// SetMember adds or updates one member of an existing room.
func (p *Platform) SetMember(roomID id.RoomID, member remote.MemberInfo) {
	p.lock.Lock()
	defer p.lock.Unlock()
	room, ok := p.rooms[roomID]
	if !ok {
		panic(fmt.Sprintf("remotetest: unknown room %s", roomID))
	}
	room.members[member.UserID] = member
	p.appendLog(remote.RoomChange{RoomID: roomID, Members: []remote.MemberInfo{member}})
}

// Activity records a message sent by userID at ts.
func (p *Platform) Activity(roomID id.RoomID, userID id.UserID, ts time.Time) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.appendLog(remote.RoomChange{RoomID: roomID, Activity: map[id.UserID]time.Time{userID: ts}})
}

// RemoveRoom makes the cache account leave a room.
func (p *Platform) RemoveRoom(roomID id.RoomID) {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.rooms, roomID)
	p.appendLog(remote.RoomChange{RoomID: roomID, Left: true})
}

// FailListRooms makes the next times ListRooms calls fail, or all of them if
// times is negative.
func (p *Platform) FailListRooms(err error, times int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.listRoomsFailure = &failure{err: err, remaining: times}
}

func (p *Platform) FailChanges(err error, times int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.changesFailure = &failure{err: err, remaining: times}
}

func (p *Platform) FailPing(err error, times int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.pingFailure = &failure{err: err, remaining: times}
}

func (p *Platform) FailMembers(roomID id.RoomID, err error, times int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.memberFailures[roomID] = &failure{err: err, remaining: times}
}

// FailRoomInfo makes the details of one room unavailable. The room is still
// listed by ListRooms and Changes, with Err set.
func (p *Platform) FailRoomInfo(roomID id.RoomID, err error, times int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.infoFailures[roomID] = &failure{err: err, remaining: times}
}

// FailTarget makes bulk operations aimed at target fail. target is a user or
// room ID.
func (p *Platform) FailTarget(target string, err error, times int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.targetFailures[target] = &failure{err: err, remaining: times}
}

func (p *Platform) Calls() []Call {
	p.lock.Lock()
	defer p.lock.Unlock()
	return slices.Clone(p.calls)
}

func (p *Platform) MemberCalls(roomID id.RoomID) int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.memberCalls[roomID]
}

func (p *Platform) ListRooms(ctx context.Context) ([]remote.RoomInfo, error) {
	if p.BeforeListRooms != nil {
		p.BeforeListRooms(ctx)
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if err := p.listRoomsFailure.next(); err != nil {
		return nil, err
	}
	rooms := make([]remote.RoomInfo, 0, len(p.rooms))
	for _, roomID := range slices.Sorted(maps.Keys(p.rooms)) {
		if err := p.infoFailures[roomID].next(); err != nil {
			rooms = append(rooms, remote.RoomInfo{ID: roomID, Err: err})
			continue
		}
		rooms = append(rooms, p.rooms[roomID].snapshotInfo())
	}
	return rooms, nil
}

func (p *Platform) ListMembers(ctx context.Context, roomID id.RoomID) ([]remote.MemberInfo, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.memberCalls[roomID]++
	if err := p.memberFailures[roomID].next(); err != nil {
		return nil, err
	}
	room, ok := p.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s not found", roomID)
	}
	return room.sortedMembers(), nil
}

func (p *Platform) Changes(ctx context.Context, since string) (*remote.ChangeSet, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if err := p.changesFailure.next(); err != nil {
		return nil, err
	}
	out := &remote.ChangeSet{NextBatch: strconv.Itoa(p.seq)}
	if since == "" {
		for _, roomID := range slices.Sorted(maps.Keys(p.rooms)) {
			room := p.rooms[roomID]
			info := room.snapshotInfo()
			out.Rooms = append(out.Rooms, p.withInfoFailure(remote.RoomChange{RoomID: roomID, Info: &info, Members: room.sortedMembers()}))
		}
		return out, nil
	}
	after, err := strconv.Atoi(since)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor %q", since)
	}
	for _, entry := range p.log {
		if entry.seq > after {
			out.Rooms = append(out.Rooms, p.withInfoFailure(entry.change))
		}
	}
	return out, nil
}

func (p *Platform) withInfoFailure(change remote.RoomChange) remote.RoomChange {
	if change.Info == nil {
		return change
	}
	if err := p.infoFailures[change.RoomID].next(); err != nil {
		return remote.RoomChange{RoomID: change.RoomID, Err: err}
	}
	return change
}

func (p *Platform) record(call Call, target string) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.calls = append(p.calls, call)
	return p.targetFailures[target].next()
}

func (p *Platform) SendToUser(ctx context.Context, userID id.UserID, text string) error {
	return p.record(Call{Op: "send", UserID: userID, Text: text}, userID.String())
}

func (p *Platform) SendToRoom(ctx context.Context, roomID id.RoomID, text string) error {
	return p.record(Call{Op: "send", RoomID: roomID, Text: text}, roomID.String())
}

func (p *Platform) Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	return p.record(Call{Op: "invite", RoomID: roomID, UserID: userID}, userID.String())
}

func (p *Platform) Remove(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	return p.record(Call{Op: "remove", RoomID: roomID, UserID: userID, Text: reason}, userID.String())
}

func (p *Platform) Ping(ctx context.Context) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.pingFailure.next()
}
