package matrixapi

import "encoding/json"

// Event types the archiver handles; anything else in a filtered history
// stream is protocol drift.
const (
	TypeMessage           = "m.room.message"
	TypeMember            = "m.room.member"
	TypeName              = "m.room.name"
	TypeCreate            = "m.room.create"
	TypeHistoryVisibility = "m.room.history_visibility"
	TypeSpaceChild        = "m.space.child"
)

// RoomTypeSpace is the m.room.create content type marking a space.
const RoomTypeSpace = "m.space"

// EventContent is the union of content fields across the event types the
// archiver reads. Unused fields simply stay zero for a given type.
type EventContent struct {
	// m.room.message
	Body          string         `json:"body"`
	Msgtype       string         `json:"msgtype"`
	Format        string         `json:"format"`
	FormattedBody string         `json:"formatted_body"`
	RelatesTo     *RelatesTo     `json:"m.relates_to"`
	NewContent    *MessageUpdate `json:"m.new_content"`

	// m.room.member
	Membership  string  `json:"membership"`
	Displayname *string `json:"displayname"`

	// state events
	Name              string   `json:"name"`               // m.room.name
	Type              string   `json:"type"`               // m.room.create
	HistoryVisibility string   `json:"history_visibility"` // m.room.history_visibility
	Via               []string `json:"via"`                // m.space.child

	// Raw is the undecoded content object, kept so message content can be
	// archived without losing keys this struct does not model.
	Raw json.RawMessage `json:"-"`
}

func (c *EventContent) UnmarshalJSON(data []byte) error {
	type plain EventContent
	var known plain
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	*c = EventContent(known)
	c.Raw = append([]byte(nil), data...)
	return nil
}

// RelatesTo is the relation block of an edit event.
type RelatesTo struct {
	RelType string `json:"rel_type"`
	EventID string `json:"event_id"`
}

// MessageUpdate is the m.new_content payload of an edit event.
type MessageUpdate struct {
	Body          string `json:"body"`
	Msgtype       string `json:"msgtype"`
	Format        string `json:"format"`
	FormattedBody string `json:"formatted_body"`
}

// RawEvent is a wire event as returned by history and state endpoints.
type RawEvent struct {
	Type           string       `json:"type"`
	EventID        string       `json:"event_id"`
	Sender         string       `json:"sender"`
	StateKey       string       `json:"state_key"`
	OriginServerTS int64        `json:"origin_server_ts"`
	Content        EventContent `json:"content"`
}

// ContextResponse is the window around one event. EventsBefore is reverse
// chronological, EventsAfter chronological, per the client-server spec.
type ContextResponse struct {
	Start        string     `json:"start"`
	End          string     `json:"end"`
	Event        RawEvent   `json:"event"`
	EventsBefore []RawEvent `json:"events_before"`
	EventsAfter  []RawEvent `json:"events_after"`
}

// MembersResponse lists member state events at a token.
type MembersResponse struct {
	Chunk []RawEvent `json:"chunk"`
}

// MessagesResponse is one page of room history.
type MessagesResponse struct {
	Start string     `json:"start"`
	End   string     `json:"end"`
	Chunk []RawEvent `json:"chunk"`
}
