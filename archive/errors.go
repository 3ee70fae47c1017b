package archive

import (
	"errors"
	"fmt"

	"github.com/onnwee/chat-archiver/matrixapi"
)

// DriftError reports an event type that slipped through the history filter.
// It is deliberately fatal for the room: silently ignoring unknown event
// types risks silent data loss when the protocol changes under us.
type DriftError struct {
	RoomID string
	Type   string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("unexpected event type %s in room %s", e.Type, e.RoomID)
}

// PaginationError reports a nonempty page whose end token did not advance.
// The termination contract is "end token stabilizes"; a stable token with
// events attached means the server is misbehaving.
type PaginationError struct {
	Token string
	Count int
}

func (e *PaginationError) Error() string {
	return fmt.Sprintf("got %d events but pagination token %q did not change", e.Count, e.Token)
}

// IsSoft reports whether a room-level error only warrants skipping the room
// this run: server errcodes and request timeouts. Corrupt store, IO failures,
// and protocol drift are hard for the room.
func IsSoft(err error) bool {
	var apiErr *matrixapi.APIError
	return errors.As(err, &apiErr) || errors.Is(err, matrixapi.ErrTimeout)
}
