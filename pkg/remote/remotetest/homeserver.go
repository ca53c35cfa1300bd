package remotetest

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mau.fi/util/exhttp"
	"maunium.net/go/mautrix/id"
)

// Event is a raw client-server API event.
type Event map[string]any

func StateEvent(evtType, stateKey string, content map[string]any) Event {
	return Event{
		"type":             evtType,
		"state_key":        stateKey,
		"content":          content,
		"sender":           "@admin:example.com",
		"event_id":         fmt.Sprintf("$%s/%s", evtType, stateKey),
		"origin_server_ts": int64(1),
	}
}

// Member returns an m.room.member event. The display name is left out if
// name is empty.
func Member(userID id.UserID, membership, name string) Event {
	content := map[string]any{"membership": membership}
	if name != "" {
		content["displayname"] = name
	}
	return StateEvent("m.room.member", string(userID), content)
}

func Message(sender id.UserID, ts time.Time) Event {
	return Event{
		"type":             "m.room.message",
		"content":          map[string]any{"msgtype": "m.text", "body": "hello"},
		"sender":           sender,
		"event_id":         fmt.Sprintf("$msg/%s/%d", sender, ts.UnixMilli()),
		"origin_server_ts": ts.UnixMilli(),
	}
}

// Homeserver fakes the parts of the client-server API that
// remote.MatrixPlatform uses. It records bulk calls like Platform does.
type Homeserver struct {
	URL    string
	UserID id.UserID

	lock        sync.Mutex
	rooms       []id.RoomID
	state       map[id.RoomID][]Event
	stateErrors map[id.RoomID]int
	direct      map[id.UserID][]id.RoomID
	syncResp    any
	since       []string
	calls       []Call
	created     int
}

func NewHomeserver(t testing.TB, userID id.UserID) *Homeserver {
	hs := &Homeserver{
		UserID:      userID,
		state:       make(map[id.RoomID][]Event),
		stateErrors: make(map[id.RoomID]int),
	}
	srv := httptest.NewServer(hs)
	t.Cleanup(srv.Close)
	hs.URL = srv.URL
	return hs
}

// AddRoom joins the cache account to a room with the given current state.
func (hs *Homeserver) AddRoom(roomID id.RoomID, state ...Event) {
	hs.lock.Lock()
	defer hs.lock.Unlock()
	hs.rooms = append(hs.rooms, roomID)
	hs.state[roomID] = state
}

// FailState makes /state of the room answer with the given status code.
func (hs *Homeserver) FailState(roomID id.RoomID, status int) {
	hs.lock.Lock()
	defer hs.lock.Unlock()
	hs.stateErrors[roomID] = status
}

// SetDirect sets the m.direct account data. Without it the account data is
// reported as not found.
func (hs *Homeserver) SetDirect(direct map[id.UserID][]id.RoomID) {
	hs.lock.Lock()
	defer hs.lock.Unlock()
	hs.direct = maps.Clone(direct)
}

func (hs *Homeserver) Direct() map[id.UserID][]id.RoomID {
	hs.lock.Lock()
	defer hs.lock.Unlock()
	return maps.Clone(hs.direct)
}

// SetSync sets the body every /sync request is answered with.
func (hs *Homeserver) SetSync(resp any) {
	hs.lock.Lock()
	defer hs.lock.Unlock()
	hs.syncResp = resp
}

// Since returns the since parameter of every /sync request so far.
func (hs *Homeserver) Since() []string {
	hs.lock.Lock()
	defer hs.lock.Unlock()
	return slices.Clone(hs.since)
}

func (hs *Homeserver) Calls() []Call {
	hs.lock.Lock()
	defer hs.lock.Unlock()
	return slices.Clone(hs.calls)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	exhttp.WriteJSONResponse(w, status, map[string]string{"errcode": code, "error": msg})
}

func (hs *Homeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path, ok := strings.CutPrefix(r.URL.Path, "/_matrix/client/v3/")
	if !ok {
		writeError(w, http.StatusNotFound, "M_UNRECOGNIZED", "unknown endpoint")
		return
	}
	parts := strings.Split(path, "/")
	hs.lock.Lock()
	defer hs.lock.Unlock()
	switch {
	case path == "account/whoami":
		exhttp.WriteJSONResponse(w, http.StatusOK, map[string]any{"user_id": hs.UserID, "device_id": "FAKE"})
	case path == "joined_rooms":
		exhttp.WriteJSONResponse(w, http.StatusOK, map[string]any{"joined_rooms": hs.rooms})
	case path == "sync":
		hs.since = append(hs.since, r.URL.Query().Get("since"))
		if hs.syncResp == nil {
			exhttp.WriteJSONResponse(w, http.StatusOK, map[string]any{"next_batch": "s0"})
			return
		}
		exhttp.WriteJSONResponse(w, http.StatusOK, hs.syncResp)
	case path == "createRoom":
		hs.createRoom(w, r)
	case len(parts) == 4 && parts[0] == "user" && parts[2] == "account_data":
		hs.accountData(w, r, parts[3])
	case len(parts) >= 3 && parts[0] == "rooms":
		hs.room(w, r, id.RoomID(parts[1]), parts[2])
	default:
		writeError(w, http.StatusNotFound, "M_UNRECOGNIZED", "unknown endpoint")
	}
}

func (hs *Homeserver) createRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Invite   []id.UserID `json:"invite"`
		IsDirect bool        `json:"is_direct"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return
	}
	hs.created++
	roomID := id.RoomID(fmt.Sprintf("!dm%d:example.com", hs.created))
	for _, userID := range req.Invite {
		hs.calls = append(hs.calls, Call{Op: "create_room", RoomID: roomID, UserID: userID})
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, map[string]any{"room_id": roomID})
}

func (hs *Homeserver) accountData(w http.ResponseWriter, r *http.Request, evtType string) {
	if evtType != "m.direct" {
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "account data not found")
		return
	}
	switch r.Method {
	case http.MethodPut:
		direct := make(map[id.UserID][]id.RoomID)
		if err := json.NewDecoder(r.Body).Decode(&direct); err != nil {
			writeError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
			return
		}
		hs.direct = direct
		exhttp.WriteJSONResponse(w, http.StatusOK, struct{}{})
	default:
		if hs.direct == nil {
			writeError(w, http.StatusNotFound, "M_NOT_FOUND", "account data not found")
			return
		}
		exhttp.WriteJSONResponse(w, http.StatusOK, hs.direct)
	}
}

func (hs *Homeserver) room(w http.ResponseWriter, r *http.Request, roomID id.RoomID, action string) {
	state, joined := hs.state[roomID]
	var body struct {
		Body   string    `json:"body"`
		UserID id.UserID `json:"user_id"`
		Reason string    `json:"reason"`
	}
	if r.Method != http.MethodGet {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
			return
		}
	}
	switch action {
	case "state":
		if status := hs.stateErrors[roomID]; status != 0 {
			writeError(w, status, "M_UNKNOWN", "state unavailable")
		} else if !joined {
			writeError(w, http.StatusForbidden, "M_FORBIDDEN", "not in room")
		} else {
			exhttp.WriteJSONResponse(w, http.StatusOK, state)
		}
	case "members":
		chunk := make([]Event, 0)
		for _, evt := range state {
			if evt["type"] == "m.room.member" {
				chunk = append(chunk, evt)
			}
		}
		exhttp.WriteJSONResponse(w, http.StatusOK, map[string]any{"chunk": chunk})
	case "send":
		hs.calls = append(hs.calls, Call{Op: "send", RoomID: roomID, Text: body.Body})
		exhttp.WriteJSONResponse(w, http.StatusOK, map[string]any{"event_id": fmt.Sprintf("$sent%d", len(hs.calls))})
	case "invite":
		hs.calls = append(hs.calls, Call{Op: "invite", RoomID: roomID, UserID: body.UserID})
		exhttp.WriteJSONResponse(w, http.StatusOK, struct{}{})
	case "kick":
		hs.calls = append(hs.calls, Call{Op: "remove", RoomID: roomID, UserID: body.UserID, Text: body.Reason})
		exhttp.WriteJSONResponse(w, http.StatusOK, struct{}{})
	default:
		writeError(w, http.StatusNotFound, "M_UNRECOGNIZED", "unknown endpoint")
	}
}
