package archive

import (
	"context"
	"errors"
	"log/slog"

	"github.com/onnwee/chat-archiver/event"
	"github.com/onnwee/chat-archiver/matrixapi"
)

// members resolves the joined members of a room as of a pagination token.
// An errcode response is a soft failure and returns (nil, nil): the caller
// falls back to deriving names from sender ids, or retries with a narrower
// window. Transport failures and timeouts are returned as errors.
func (a *Archiver) members(ctx context.Context, roomID, at string) (map[string]string, error) {
	res, err := a.Client.RoomMembers(ctx, roomID, at)
	if err != nil {
		var apiErr *matrixapi.APIError
		if errors.As(err, &apiErr) {
			slog.Warn("failed to get members",
				slog.String("room_id", roomID),
				slog.String("errcode", apiErr.Errcode),
				slog.String("error", apiErr.Message))
			return nil, nil
		}
		return nil, err
	}
	names := make(map[string]string, len(res.Chunk))
	for _, m := range res.Chunk {
		names[m.StateKey] = memberDisplayName(m)
	}
	return names, nil
}

// memberDisplayName extracts a member event's display name, falling back to
// the localpart of the user id. An explicitly empty displayname is honored.
func memberDisplayName(ev matrixapi.RawEvent) string {
	if ev.Content.Displayname != nil {
		return *ev.Content.Displayname
	}
	return event.GuessName(ev.StateKey)
}
