package archive

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chat-archiver/event"
	"github.com/onnwee/chat-archiver/matrixapi"
	"github.com/onnwee/chat-archiver/store"
)

const (
	day14TS = int64(1699999000000) // 2023-11-14 UTC
	day15TS = int64(1700010000000) // 2023-11-15 UTC
)

// fakeHS is a scriptable homeserver: tests populate the response maps and
// inspect the recorded calls afterwards.
type fakeHS struct {
	t *testing.T

	mu       sync.Mutex
	joined   []string
	states   map[string][]map[string]any
	contexts map[string]func(limit string) map[string]any // roomID|eventID
	members  map[string]func(at string) any               // roomID
	pages    map[string]map[string]any                    // roomID|from

	contextCalls []string // eventID|limit
	memberCalls  []string // at tokens
}

func newFakeHS(t *testing.T) *fakeHS {
	return &fakeHS{
		t:        t,
		states:   make(map[string][]map[string]any),
		contexts: make(map[string]func(limit string) map[string]any),
		members:  make(map[string]func(at string) any),
		pages:    make(map[string]map[string]any),
	}
}

func (f *fakeHS) start() (*httptest.Server, *matrixapi.Client) {
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	f.t.Cleanup(srv.Close)
	return srv, matrixapi.NewClient(srv.URL, "test-token", 6, 5*time.Second)
}

func (f *fakeHS) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := strings.TrimPrefix(r.URL.Path, "/_matrix/client/r0/")
	parts := strings.Split(p, "/")
	switch {
	case p == "joined_rooms":
		writeJSON(w, map[string]any{"joined_rooms": f.joined})
	case len(parts) == 3 && parts[0] == "rooms" && parts[2] == "state":
		state, ok := f.states[parts[1]]
		if !ok {
			writeJSON(w, map[string]any{"errcode": "M_FORBIDDEN", "error": "no peeking"})
			return
		}
		writeJSON(w, state)
	case len(parts) == 4 && parts[0] == "rooms" && parts[2] == "context":
		limit := r.URL.Query().Get("limit")
		f.contextCalls = append(f.contextCalls, parts[3]+"|"+limit)
		fn, ok := f.contexts[parts[1]+"|"+parts[3]]
		if !ok {
			writeJSON(w, map[string]any{"errcode": "M_NOT_FOUND", "error": "no such event"})
			return
		}
		writeJSON(w, fn(limit))
	case len(parts) == 3 && parts[0] == "rooms" && parts[2] == "members":
		at := r.URL.Query().Get("at")
		f.memberCalls = append(f.memberCalls, at)
		fn, ok := f.members[parts[1]]
		if !ok {
			writeJSON(w, map[string]any{"chunk": []any{}})
			return
		}
		writeJSON(w, fn(at))
	case len(parts) == 3 && parts[0] == "rooms" && parts[2] == "messages":
		from := r.URL.Query().Get("from")
		res, ok := f.pages[parts[1]+"|"+from]
		if !ok {
			// unscripted token: the stream is exhausted
			writeJSON(w, map[string]any{"start": from, "end": from, "chunk": []any{}})
			return
		}
		writeJSON(w, res)
	default:
		f.t.Errorf("unexpected request %s", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func msg(id, sender, body string, ts int64) map[string]any {
	return map[string]any{
		"type":             "m.room.message",
		"event_id":         id,
		"sender":           sender,
		"origin_server_ts": ts,
		"content":          map[string]any{"msgtype": "m.text", "body": body},
	}
}

func memberJoin(userID, displayname string) map[string]any {
	content := map[string]any{"membership": "join"}
	if displayname != "" {
		content["displayname"] = displayname
	}
	return map[string]any{
		"type":      "m.room.member",
		"event_id":  "$member-" + userID,
		"sender":    userID,
		"state_key": userID,
		"content":   content,
	}
}

func roomState(name, historyEventID string) []map[string]any {
	return []map[string]any{
		{"type": "m.room.create", "event_id": "$create", "content": map[string]any{}},
		{"type": "m.room.name", "event_id": "$name", "content": map[string]any{"name": name}},
		{"type": "m.room.history_visibility", "event_id": historyEventID,
			"content": map[string]any{"history_visibility": "world_readable"}},
	}
}

func emptyContext(start, end string, ev map[string]any) map[string]any {
	return map[string]any{
		"start": start, "end": end, "event": ev,
		"events_before": []any{}, "events_after": []any{},
	}
}

func newArchiver(t *testing.T, client *matrixapi.Client) *Archiver {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return &Archiver{Client: client, Store: s}
}

func mustLoadDay(t *testing.T, s *store.Store, room, day string) []event.Event {
	t.Helper()
	events, err := s.LoadDay(room, day)
	if err != nil {
		t.Fatalf("LoadDay(%s, %s): %v", room, day, err)
	}
	return events
}

func TestFreshRoomBackfill(t *testing.T) {
	const roomID = "!fresh:example.org"
	f := newFakeHS(t)
	f.joined = []string{roomID}
	f.states[roomID] = roomState("Test Room", "$hist")
	histEvent := map[string]any{
		"type": "m.room.history_visibility", "event_id": "$hist",
		"content": map[string]any{"history_visibility": "world_readable"},
	}
	f.contexts[roomID+"|$hist"] = func(string) map[string]any {
		return emptyContext("t0s", "t0e", histEvent)
	}
	f.members[roomID] = func(string) any {
		return map[string]any{"chunk": []any{
			memberJoin("@alice:example.org", "Alice"),
			memberJoin("@bob:example.org", "Bob"),
		}}
	}
	f.pages[roomID+"|t0e"] = map[string]any{
		"start": "t0e", "end": "t1",
		"chunk": []any{
			msg("$m1", "@alice:example.org", "hello", day14TS),
			msg("$m2", "@bob:example.org", "hi", day14TS+1000),
			msg("$m3", "@alice:example.org", "new day", day15TS),
		},
	}

	_, client := f.start()
	a := newArchiver(t, client)
	outcomes, err := a.Run(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].Err != nil {
		t.Fatalf("outcomes = %+v", outcomes)
	}

	// anchoring at the history event must use a zero-width window
	if got := f.contextCalls[0]; got != "$hist|0" {
		t.Errorf("context call = %q, want $hist|0", got)
	}

	day14 := mustLoadDay(t, a.Store, "Test_Room", "2023-11-14")
	if len(day14) != 2 {
		t.Fatalf("day14 has %d events, want 2", len(day14))
	}
	if day14[0].SenderName != "Alice" || day14[1].SenderName != "Bob" {
		t.Errorf("sender names = %q, %q", day14[0].SenderName, day14[1].SenderName)
	}
	day15 := mustLoadDay(t, a.Store, "Test_Room", "2023-11-15")
	if len(day15) != 1 || day15[0].ID != "$m3" {
		t.Fatalf("day15 = %+v", day15)
	}

	cur, err := a.Store.LoadCursor("Test_Room")
	if err != nil {
		t.Fatal(err)
	}
	if cur == nil || cur.EventID != "$m3" {
		t.Errorf("cursor = %+v, want $m3", cur)
	}
}

func TestResumeMergesWithoutDuplicates(t *testing.T) {
	const roomID = "!resume:example.org"
	f := newFakeHS(t)
	f.joined = []string{roomID}
	f.states[roomID] = roomState("Test Room", "$hist")

	m2 := msg("$m2", "@bob:example.org", "hi", day14TS+1000)
	f.contexts[roomID+"|$m2"] = func(string) map[string]any {
		return map[string]any{
			"start": "tcs", "end": "tce", "event": m2,
			"events_before": []any{msg("$m1", "@alice:example.org", "hello", day14TS)},
			// the server re-sends m2: the merge must not duplicate it
			"events_after": []any{
				m2,
				msg("$m3", "@alice:example.org", "again", day14TS+2000),
				msg("$m4", "@bob:example.org", "new day", day15TS),
			},
		}
	}
	f.members[roomID] = func(string) any {
		return map[string]any{"chunk": []any{
			memberJoin("@alice:example.org", "Alice"),
			memberJoin("@bob:example.org", "Bob"),
		}}
	}

	_, client := f.start()
	a := newArchiver(t, client)
	seed := []event.Event{
		{Content: event.Content{Body: "hello", Msgtype: "m.text"}, TS: day14TS, SenderName: "Alice", SenderID: "@alice:example.org", ID: "$m1"},
		{Content: event.Content{Body: "hi", Msgtype: "m.text"}, TS: day14TS + 1000, SenderName: "Bob", SenderID: "@bob:example.org", ID: "$m2"},
	}
	if err := a.Store.SaveDay("Test_Room", "2023-11-14", seed); err != nil {
		t.Fatal(err)
	}
	if err := a.Store.SaveCursor("Test_Room", store.Cursor{EventID: "$m2"}); err != nil {
		t.Fatal(err)
	}

	outcomes, err := a.Run(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].Err != nil {
		t.Fatalf("outcomes = %+v", outcomes)
	}

	if got := f.contextCalls[0]; got != "$m2|10" {
		t.Errorf("context call = %q, want $m2|10", got)
	}

	day14 := mustLoadDay(t, a.Store, "Test_Room", "2023-11-14")
	if len(day14) != 3 {
		t.Fatalf("day14 has %d events, want 3: %+v", len(day14), day14)
	}
	for i, want := range []string{"$m1", "$m2", "$m3"} {
		if day14[i].ID != want {
			t.Errorf("day14[%d].ID = %q, want %q", i, day14[i].ID, want)
		}
	}
	day15 := mustLoadDay(t, a.Store, "Test_Room", "2023-11-15")
	if len(day15) != 1 || day15[0].ID != "$m4" {
		t.Fatalf("day15 = %+v", day15)
	}
	cur, err := a.Store.LoadCursor("Test_Room")
	if err != nil {
		t.Fatal(err)
	}
	if cur.EventID != "$m4" {
		t.Errorf("cursor = %q, want $m4", cur.EventID)
	}
}

func TestZeroWidthRetryOnForbiddenMembers(t *testing.T) {
	const roomID = "!retry:example.org"
	f := newFakeHS(t)
	f.joined = []string{roomID}
	f.states[roomID] = roomState("Retry Room", "$hist")

	m2 := msg("$m2", "@bob:example.org", "hi", day14TS)
	f.contexts[roomID+"|$m2"] = func(limit string) map[string]any {
		if limit == "0" {
			return emptyContext("t_new", "t_e2", m2)
		}
		return map[string]any{
			"start": "t_old", "end": "t_e1", "event": m2,
			"events_before": []any{},
			"events_after":  []any{msg("$m3", "@alice:example.org", "fresh", day14TS+1000)},
		}
	}
	f.members[roomID] = func(at string) any {
		if at == "t_old" {
			return map[string]any{"errcode": "M_FORBIDDEN", "error": "too early"}
		}
		return map[string]any{"chunk": []any{memberJoin("@alice:example.org", "Alice")}}
	}
	f.pages[roomID+"|t_e2"] = map[string]any{
		"start": "t_e2", "end": "t_e3",
		"chunk": []any{msg("$m3", "@alice:example.org", "fresh", day14TS+1000)},
	}

	_, client := f.start()
	a := newArchiver(t, client)
	if err := a.Store.SaveCursor("Retry_Room", store.Cursor{EventID: "$m2"}); err != nil {
		t.Fatal(err)
	}

	outcomes, err := a.Run(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0].Err != nil {
		t.Fatalf("outcome err = %v", outcomes[0].Err)
	}

	wantCtx := []string{"$m2|10", "$m2|0"}
	if len(f.contextCalls) != 2 || f.contextCalls[0] != wantCtx[0] || f.contextCalls[1] != wantCtx[1] {
		t.Errorf("context calls = %v, want %v", f.contextCalls, wantCtx)
	}
	wantAt := []string{"t_old", "t_new"}
	if len(f.memberCalls) != 2 || f.memberCalls[0] != wantAt[0] || f.memberCalls[1] != wantAt[1] {
		t.Errorf("member calls = %v, want %v", f.memberCalls, wantAt)
	}

	day14 := mustLoadDay(t, a.Store, "Retry_Room", "2023-11-14")
	if len(day14) != 1 || day14[0].ID != "$m3" || day14[0].SenderName != "Alice" {
		t.Fatalf("day14 = %+v", day14)
	}
}

func TestMembersFailureFallsBackToGuessedNames(t *testing.T) {
	const roomID = "!guess:example.org"
	f := newFakeHS(t)
	f.joined = []string{roomID}
	f.states[roomID] = roomState("Guess Room", "$hist")
	histEvent := map[string]any{
		"type": "m.room.history_visibility", "event_id": "$hist",
		"content": map[string]any{"history_visibility": "world_readable"},
	}
	f.contexts[roomID+"|$hist"] = func(string) map[string]any {
		return emptyContext("t0s", "t0e", histEvent)
	}
	f.members[roomID] = func(string) any {
		return map[string]any{"errcode": "M_FORBIDDEN", "error": "nope"}
	}
	f.pages[roomID+"|t0e"] = map[string]any{
		"start": "t0e", "end": "t1",
		"chunk": []any{msg("$m1", "@carol:example.org", "hello", day14TS)},
	}

	_, client := f.start()
	a := newArchiver(t, client)
	outcomes, err := a.Run(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0].Err != nil {
		t.Fatalf("outcome err = %v", outcomes[0].Err)
	}
	day14 := mustLoadDay(t, a.Store, "Guess_Room", "2023-11-14")
	if len(day14) != 1 || day14[0].SenderName != "carol" {
		t.Fatalf("day14 = %+v, want guessed name carol", day14)
	}
}

func TestPaginationDriftIsHardAndIsolated(t *testing.T) {
	const badRoom = "!bad:example.org"
	const goodRoom = "!good:example.org"
	f := newFakeHS(t)
	f.joined = []string{badRoom, goodRoom}
	f.states[badRoom] = roomState("Bad Room", "$histA")
	f.states[goodRoom] = roomState("Good Room", "$histB")

	histA := map[string]any{"type": "m.room.history_visibility", "event_id": "$histA",
		"content": map[string]any{"history_visibility": "world_readable"}}
	histB := map[string]any{"type": "m.room.history_visibility", "event_id": "$histB",
		"content": map[string]any{"history_visibility": "world_readable"}}
	f.contexts[badRoom+"|$histA"] = func(string) map[string]any { return emptyContext("a0", "a1", histA) }
	f.contexts[goodRoom+"|$histB"] = func(string) map[string]any { return emptyContext("b0", "b1", histB) }

	// nonempty chunk with a stable token: the server is lying about progress
	f.pages[badRoom+"|a1"] = map[string]any{
		"start": "a1", "end": "a1",
		"chunk": []any{msg("$x", "@a:example.org", "?", day14TS)},
	}
	f.pages[goodRoom+"|b1"] = map[string]any{
		"start": "b1", "end": "b2",
		"chunk": []any{msg("$g1", "@alice:example.org", "fine", day14TS)},
	}
	f.members[goodRoom] = func(string) any {
		return map[string]any{"chunk": []any{memberJoin("@alice:example.org", "Alice")}}
	}

	_, client := f.start()
	a := newArchiver(t, client)
	outcomes, err := a.Run(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	byRoom := make(map[string]Outcome)
	for _, o := range outcomes {
		byRoom[o.Room.ID] = o
	}

	var pagErr *PaginationError
	if !errors.As(byRoom[badRoom].Err, &pagErr) {
		t.Fatalf("bad room err = %v, want PaginationError", byRoom[badRoom].Err)
	}
	if byRoom[badRoom].Skipped {
		t.Error("pagination drift must be a hard failure, not a skip")
	}
	if byRoom[goodRoom].Err != nil {
		t.Errorf("good room err = %v", byRoom[goodRoom].Err)
	}
	day14 := mustLoadDay(t, a.Store, "Good_Room", "2023-11-14")
	if len(day14) != 1 || day14[0].ID != "$g1" {
		t.Fatalf("good room day14 = %+v", day14)
	}
}

func TestUnexpectedEventTypeIsDrift(t *testing.T) {
	const roomID = "!drift:example.org"
	f := newFakeHS(t)
	f.joined = []string{roomID}
	f.states[roomID] = roomState("Drift Room", "$hist")
	histEvent := map[string]any{"type": "m.room.history_visibility", "event_id": "$hist",
		"content": map[string]any{"history_visibility": "world_readable"}}
	f.contexts[roomID+"|$hist"] = func(string) map[string]any { return emptyContext("t0", "t1", histEvent) }
	f.pages[roomID+"|t1"] = map[string]any{
		"start": "t1", "end": "t2",
		"chunk": []any{map[string]any{
			"type": "m.reaction", "event_id": "$r1",
			"sender": "@a:example.org", "origin_server_ts": day14TS,
			"content": map[string]any{},
		}},
	}

	_, client := f.start()
	a := newArchiver(t, client)
	outcomes, err := a.Run(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	var drift *DriftError
	if !errors.As(outcomes[0].Err, &drift) {
		t.Fatalf("err = %v, want DriftError", outcomes[0].Err)
	}
	if drift.Type != "m.reaction" {
		t.Errorf("drift type = %q", drift.Type)
	}
	if outcomes[0].Skipped {
		t.Error("drift must be hard, not a skip")
	}
}

func TestSoftFailureSkipsRoom(t *testing.T) {
	const roomID = "!soft:example.org"
	f := newFakeHS(t)
	f.joined = []string{roomID}
	f.states[roomID] = roomState("Soft Room", "$hist")
	// context is unscripted: responds with an errcode

	_, client := f.start()
	a := newArchiver(t, client)
	outcomes, err := a.Run(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if !outcomes[0].Skipped {
		t.Errorf("errcode failure should be a skip, got %+v", outcomes[0])
	}
	var apiErr *matrixapi.APIError
	if !errors.As(outcomes[0].Err, &apiErr) {
		t.Errorf("err = %v, want APIError", outcomes[0].Err)
	}
}

func TestDiscoverRoomsExpandsSpacesAndHonorsExclusions(t *testing.T) {
	const (
		space    = "!space:example.org"
		child    = "!child:example.org"
		excluded = "!excluded:example.org"
		private  = "!private:example.org"
	)
	f := newFakeHS(t)
	f.joined = []string{space, excluded, private}
	f.states[space] = []map[string]any{
		{"type": "m.room.create", "event_id": "$c", "content": map[string]any{"type": "m.space"}},
		{"type": "m.room.name", "event_id": "$n", "content": map[string]any{"name": "The Space"}},
		{"type": "m.space.child", "event_id": "$sc", "state_key": child,
			"content": map[string]any{"via": []any{"example.org"}}},
	}
	f.states[child] = roomState("Child Room", "$histC")
	f.states[excluded] = roomState("Excluded Room", "$histE")
	// private: world-readable history event absent
	f.states[private] = []map[string]any{
		{"type": "m.room.create", "event_id": "$c2", "content": map[string]any{}},
		{"type": "m.room.history_visibility", "event_id": "$h2",
			"content": map[string]any{"history_visibility": "shared"}},
	}

	_, client := f.start()
	reg, err := DiscoverRooms(t.Context(), client, map[string]bool{excluded: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(reg.Rooms) != 1 {
		t.Fatalf("rooms = %+v, want only the space child", reg.Rooms)
	}
	got := reg.Rooms[0]
	if got.ID != child || got.Name != "Child Room" || got.Sanitized != "Child_Room" || got.HistoryEventID != "$histC" {
		t.Errorf("room = %+v", got)
	}
}

func TestIsSoft(t *testing.T) {
	if !IsSoft(&matrixapi.APIError{Errcode: "M_FORBIDDEN"}) {
		t.Error("APIError should be soft")
	}
	if !IsSoft(matrixapi.ErrTimeout) {
		t.Error("ErrTimeout should be soft")
	}
	if IsSoft(&DriftError{RoomID: "!x", Type: "m.sticker"}) {
		t.Error("DriftError must be hard")
	}
	if IsSoft(&PaginationError{Token: "t", Count: 3}) {
		t.Error("PaginationError must be hard")
	}
	if IsSoft(store.ErrCorrupt) {
		t.Error("corrupt store must be hard")
	}
}
