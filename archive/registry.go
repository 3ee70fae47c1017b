package archive

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/chat-archiver/event"
	"github.com/onnwee/chat-archiver/matrixapi"
)

// Room is one archivable channel discovered on the homeserver.
type Room struct {
	ID             string
	Name           string
	Sanitized      string
	HistoryEventID string // history-visibility event; resume point of last resort
}

// Registry is the explicit room list for one run. It is built once at
// orchestrator start and handed to each room task; nothing re-scans ad hoc.
type Registry struct {
	Rooms []Room
}

// DiscoverRooms enumerates joined rooms, expands spaces breadth-first
// (deduplicated by id, so child cycles terminate), and keeps rooms whose
// history is world-readable and which are not operator-excluded. State
// fetch failures are soft: the room is logged and skipped, discovery
// continues.
func DiscoverRooms(ctx context.Context, client *matrixapi.Client, excluded map[string]bool) (*Registry, error) {
	joined, err := client.JoinedRooms(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	toInspect := joined
	reg := &Registry{}
	var mu sync.Mutex

	for len(toInspect) > 0 {
		batch := toInspect
		toInspect = nil

		// Mark the batch seen up front so concurrent expansion of a cyclic
		// space graph cannot enqueue a room twice.
		var inspect []string
		for _, roomID := range batch {
			if excluded[roomID] || seen[roomID] {
				continue
			}
			seen[roomID] = true
			inspect = append(inspect, roomID)
		}

		var wg sync.WaitGroup
		for _, roomID := range inspect {
			wg.Add(1)
			go func(roomID string) {
				defer wg.Done()
				room, children, ok := inspectRoom(ctx, client, roomID)
				mu.Lock()
				defer mu.Unlock()
				toInspect = append(toInspect, children...)
				if ok {
					reg.Rooms = append(reg.Rooms, room)
				}
			}(roomID)
		}
		wg.Wait()
	}
	return reg, nil
}

// inspectRoom classifies one room from its state: space rooms yield children
// to expand, archivable rooms yield a Room, everything else is skipped.
func inspectRoom(ctx context.Context, client *matrixapi.Client, roomID string) (Room, []string, bool) {
	log := slog.Default().With(slog.String("component", "discover"), slog.String("room_id", roomID))
	state, err := client.RoomState(ctx, roomID)
	if err != nil {
		log.Warn("could not fetch room state", slog.Any("err", err))
		return Room{}, nil, false
	}

	name := "UNKNOWN"
	var createEvent *matrixapi.RawEvent
	var historyEventID string
	var children []string
	for i := range state {
		ev := &state[i]
		switch ev.Type {
		case matrixapi.TypeName:
			if ev.Content.Name != "" {
				name = ev.Content.Name
			}
		case matrixapi.TypeCreate:
			createEvent = ev
		case matrixapi.TypeHistoryVisibility:
			if ev.Content.HistoryVisibility == "world_readable" {
				historyEventID = ev.EventID
			}
		case matrixapi.TypeSpaceChild:
			if len(ev.Content.Via) > 0 {
				children = append(children, ev.StateKey)
			}
		}
	}
	log.Debug("looking at room", slog.String("name", name))

	if createEvent == nil {
		log.Warn("room has no create event; skipping")
		return Room{}, nil, false
	}
	if createEvent.Content.Type == matrixapi.RoomTypeSpace {
		log.Debug("room is a space", slog.Int("children", len(children)))
		return Room{}, children, false
	}
	if historyEventID == "" {
		log.Debug("history not world readable; skipping")
		return Room{}, nil, false
	}
	return Room{
		ID:             roomID,
		Name:           name,
		Sanitized:      event.SanitizeRoomName(name),
		HistoryEventID: historyEventID,
	}, nil, true
}
