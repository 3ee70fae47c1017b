// Package event defines the canonical shape of an archived chat message and
// the pure merge/bucketing rules the ingestion pipeline is built on.
package event

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Message types stored in day files. Anything else is filtered out before an
// event reaches the store.
const (
	MsgTypeText  = "m.text"
	MsgTypeEmote = "m.emote"
)

// RelTypeReplace marks an edit: the carrying event replaces the content of the
// event named by RelatesTo.EventID.
const RelTypeReplace = "m.replace"

// RelatesTo is the relation block of an edit event.
type RelatesTo struct {
	RelType string `json:"rel_type,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// NewContent carries the replacement body of an edit event.
type NewContent struct {
	Body          string `json:"body"`
	Msgtype       string `json:"msgtype,omitempty"`
	Format        string `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`
}

// Content is the message payload. Msgtype is empty only for events that were
// redacted after archival; ingestion never writes such events, renderers skip
// them. Matrix keys outside the named fields survive a round trip through
// Extra, serialized after the named keys in sorted order.
type Content struct {
	Body          string      `json:"body"`
	Msgtype       string      `json:"msgtype,omitempty"`
	Format        string      `json:"format,omitempty"`
	FormattedBody string      `json:"formatted_body,omitempty"`
	IsIrcNotice   bool        `json:"isIrcNotice,omitempty"`
	RelatesTo     *RelatesTo  `json:"m.relates_to,omitempty"`
	NewContent    *NewContent `json:"m.new_content,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var knownContentKeys = []string{
	"body", "msgtype", "format", "formatted_body",
	"isIrcNotice", "m.relates_to", "m.new_content",
}

func (c *Content) UnmarshalJSON(data []byte) error {
	type plain Content
	var known plain
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownContentKeys {
		delete(all, k)
	}
	*c = Content(known)
	if len(all) > 0 {
		c.Extra = all
	}
	return nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	field := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		kb, err := json.Marshal(key)
		if err != nil {
			return err
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(b)
		return nil
	}
	if err := field("body", c.Body); err != nil {
		return nil, err
	}
	if c.Msgtype != "" {
		if err := field("msgtype", c.Msgtype); err != nil {
			return nil, err
		}
	}
	if c.Format != "" {
		if err := field("format", c.Format); err != nil {
			return nil, err
		}
	}
	if c.FormattedBody != "" {
		if err := field("formatted_body", c.FormattedBody); err != nil {
			return nil, err
		}
	}
	if c.IsIrcNotice {
		if err := field("isIrcNotice", true); err != nil {
			return nil, err
		}
	}
	if c.RelatesTo != nil {
		if err := field("m.relates_to", c.RelatesTo); err != nil {
			return nil, err
		}
	}
	if c.NewContent != nil {
		if err := field("m.new_content", c.NewContent); err != nil {
			return nil, err
		}
	}
	keys := make([]string, 0, len(c.Extra))
	for k := range c.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := field(k, c.Extra[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Event is one archived chat message, immutable once stored.
// ID is empty for sources without stable event ids (IRC exports); such events
// are never deduplicated against each other.
type Event struct {
	Content    Content `json:"content"`
	TS         int64   `json:"ts"`
	SenderName string  `json:"senderName"`
	SenderID   string  `json:"senderId"`
	ID         string  `json:"id,omitempty"`
}

// IsReplace reports whether e is an edit of another event.
func (e Event) IsReplace() bool {
	return e.Content.RelatesTo != nil && e.Content.RelatesTo.RelType == RelTypeReplace
}

// MergeEvents concatenates existing and incoming, drops incoming events whose
// id was already seen (existing wins), and returns the result sorted ascending
// by timestamp. Id-less events always survive the merge; callers prevent
// overlap for those by cursor design. Pure and total.
func MergeEvents(existing, incoming []Event) []Event {
	out := make([]Event, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, e := range existing {
		if e.ID != "" {
			if _, ok := seen[e.ID]; ok {
				continue
			}
			seen[e.ID] = struct{}{}
		}
		out = append(out, e)
	}
	for _, e := range incoming {
		if e.ID != "" {
			if _, ok := seen[e.ID]; ok {
				continue
			}
			seen[e.ID] = struct{}{}
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out
}

// DayKey returns the UTC calendar day an event timestamp falls on, in the
// YYYY-MM-DD form used for day file names.
func DayKey(ts int64) string {
	return time.UnixMilli(ts).UTC().Format("2006-01-02")
}

// DayBatch is one UTC day's slice of a larger event batch.
type DayBatch struct {
	Day    string
	Events []Event
}

// SplitByDay buckets events into per-day batches ordered chronologically by
// day. Event order within a batch follows input order, so a stream that is
// already ascending by timestamp stays that way. Pure.
func SplitByDay(events []Event) []DayBatch {
	if len(events) == 0 {
		return nil
	}
	byDay := make(map[string][]Event)
	var days []string
	for _, e := range events {
		day := DayKey(e.TS)
		if _, ok := byDay[day]; !ok {
			days = append(days, day)
		}
		byDay[day] = append(byDay[day], e)
	}
	sort.Strings(days)
	out := make([]DayBatch, 0, len(days))
	for _, day := range days {
		out = append(out, DayBatch{Day: day, Events: byDay[day]})
	}
	return out
}

// ApplyEdits folds replace events into their targets and drops the applied
// replace events. It is a read-time projection: callers hold the stored
// history, this returns the rendered view of one day. A replace event whose
// target is not present (stored on another day) is kept as a normal event.
func ApplyEdits(events []Event) []Event {
	hasReplace := false
	for _, e := range events {
		if e.IsReplace() {
			hasReplace = true
			break
		}
	}
	if !hasReplace {
		return events
	}
	index := make(map[string]int, len(events))
	for i, e := range events {
		if e.ID != "" {
			index[e.ID] = i
		}
	}
	out := make([]Event, len(events))
	copy(out, events)
	dropped := make(map[int]struct{})
	for i, e := range events {
		if !e.IsReplace() || e.Content.NewContent == nil {
			continue
		}
		target, ok := index[e.Content.RelatesTo.EventID]
		if !ok {
			continue
		}
		nc := e.Content.NewContent
		out[target].Content = Content{
			Body:          nc.Body,
			Msgtype:       nc.Msgtype,
			Format:        nc.Format,
			FormattedBody: nc.FormattedBody,
			IsIrcNotice:   out[target].Content.IsIrcNotice,
		}
		dropped[i] = struct{}{}
	}
	if len(dropped) == 0 {
		return out
	}
	final := make([]Event, 0, len(out)-len(dropped))
	for i, e := range out {
		if _, ok := dropped[i]; ok {
			continue
		}
		final = append(final, e)
	}
	return final
}

var (
	unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_ \-.]+`)
	matrixLocalpart = regexp.MustCompile(`@([^:]+):`)
)

// SanitizeRoomName maps a room display name to a filesystem-safe directory
// name. A leading '#' (IRC channel marker) becomes an "irc-" prefix; spaces
// become underscores; anything outside [A-Za-z0-9_-.] is collapsed to one
// underscore.
func SanitizeRoomName(name string) string {
	if strings.HasPrefix(name, "#") {
		name = "irc-" + strings.ReplaceAll(name, "#", "")
	}
	name = strings.ReplaceAll(name, " ", "_")
	return unsafeNameChars.ReplaceAllString(name, "_")
}

// GuessName derives a fallback display name from a sender id when membership
// resolution did not produce one: the localpart of a Matrix user id, or the
// id itself stripped of a leading '@'.
func GuessName(senderID string) string {
	if m := matrixLocalpart.FindStringSubmatch(senderID); m != nil {
		return m[1]
	}
	return strings.TrimPrefix(senderID, "@")
}
