package archive

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/onnwee/chat-archiver/event"
	"github.com/onnwee/chat-archiver/matrixapi"
	"github.com/onnwee/chat-archiver/store"
	"github.com/onnwee/chat-archiver/telemetry"
)

// roomRun is the per-room ingestion state: the pagination tokens, the lazily
// resolved membership map, and the buffer of converted events not yet flushed
// to day files.
type roomRun struct {
	a    *Archiver
	room Room
	log  *slog.Logger

	// names is nil until the first message forces membership resolution.
	// Member events seen before that point are replayed into it afterwards.
	names map[string]string

	buffer        []event.Event
	prevToken     string
	nextToken     string
	latestEventID string
}

// ingestRoom brings one room's day files up to date and advances its cursor.
// Day files are written before the cursor, so a crash between the two replays
// events into an idempotent merge instead of losing them.
func (a *Archiver) ingestRoom(ctx context.Context, room Room) error {
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("room", room.Name),
		slog.String("room_id", room.ID))

	if err := a.Store.EnsureRoom(room.Sanitized); err != nil {
		return err
	}

	lastSeenID := room.HistoryEventID
	hadCursor := false
	cur, err := a.Store.LoadCursor(room.Sanitized)
	if err != nil {
		return err
	}
	if cur != nil && cur.EventID != "" {
		hadCursor = true
		lastSeenID = cur.EventID
		log.Debug("resuming from cursor", slog.String("event_id", lastSeenID))
	} else {
		// No usable cursor: fall back to the newest stored event, then to
		// the history-visibility event for a full backfill.
		id, err := a.Store.LatestStoredEventID(room.Sanitized)
		if err != nil {
			return err
		}
		if id != "" {
			lastSeenID = id
			log.Debug("resuming from newest day file", slog.String("event_id", lastSeenID))
		}
	}

	// Anchoring at the history event needs a zero-width window so the start
	// token points at the event itself; membership is not queryable before it.
	contextLimit := a.contextLimit()
	if lastSeenID == room.HistoryEventID {
		contextLimit = 0
	}
	res, err := a.Client.RoomContext(ctx, room.ID, lastSeenID, contextLimit)
	if err != nil {
		return err
	}

	r := &roomRun{a: a, room: room, log: log}
	r.prevToken = res.Start
	r.nextToken = res.End
	r.latestEventID = res.Event.EventID

	hasNewMessages := false
	for _, ev := range res.EventsAfter {
		if ev.Type == matrixapi.TypeMessage {
			hasNewMessages = true
			break
		}
	}
	if hasNewMessages {
		// The context window straddles our resume point, so membership has to
		// be reconciled here rather than lazily inside addEvents.
		names, err := a.members(ctx, room.ID, res.Start)
		if err != nil {
			return err
		}
		if names == nil && contextLimit > 0 {
			// The window's start token likely predates the visibility
			// boundary. Re-anchor with a zero-width context and retry.
			retry, err := a.Client.RoomContext(ctx, room.ID, lastSeenID, 0)
			if err != nil {
				return err
			}
			res = retry
			r.prevToken = res.Start
			r.nextToken = res.End
			r.latestEventID = res.Event.EventID
			names, err = a.members(ctx, room.ID, res.Start)
			if err != nil {
				return err
			}
		}
		if names != nil {
			r.names = names
			preceding := make([]matrixapi.RawEvent, 0, len(res.EventsBefore)+1)
			for i := len(res.EventsBefore) - 1; i >= 0; i-- {
				preceding = append(preceding, res.EventsBefore[i])
			}
			preceding = append(preceding, res.Event)
			r.replayJoins(preceding)
		}
	}
	if err := r.addEvents(ctx, res.EventsAfter); err != nil {
		return err
	}

	// The stream is exhausted when the end token stops advancing, not when a
	// page comes back short.
	hasMore := true
	for hasMore {
		log.Debug("fetching next page", slog.String("from", r.nextToken))
		page, err := a.Client.RoomMessages(ctx, room.ID, r.nextToken, a.PageSize)
		if err != nil {
			return err
		}
		telemetry.AddCounter(telemetry.PagesFetched)
		hasMore = page.End != "" && page.End != r.nextToken
		r.prevToken = page.Start
		r.nextToken = page.End
		if !hasMore && len(page.Chunk) > 0 {
			return &PaginationError{Token: page.End, Count: len(page.Chunk)}
		}
		if err := r.addEvents(ctx, page.Chunk); err != nil {
			return err
		}
	}

	if err := r.flush(true); err != nil {
		return err
	}

	if !hadCursor || lastSeenID != r.latestEventID {
		if err := a.Store.SaveCursor(room.Sanitized, store.Cursor{EventID: r.latestEventID}); err != nil {
			return err
		}
	}
	return nil
}

// addEvents converts one chronological batch of raw events into archived
// messages. Membership is resolved lazily at the first message, anchored at
// the token preceding the batch; member events before that point in the batch
// are replayed so later senders resolve correctly.
func (r *roomRun) addEvents(ctx context.Context, events []matrixapi.RawEvent) error {
	for i, ev := range events {
		switch ev.Type {
		case matrixapi.TypeMessage:
			mt := ev.Content.Msgtype
			if mt != event.MsgTypeText && mt != event.MsgTypeEmote {
				continue
			}
			if r.names == nil {
				names, err := r.a.members(ctx, r.room.ID, r.prevToken)
				if err != nil {
					return err
				}
				if names == nil {
					names = make(map[string]string)
				}
				r.names = names
				r.replayJoins(events[:i])
			}
			senderName, ok := r.names[ev.Sender]
			if !ok {
				senderName = event.GuessName(ev.Sender)
			}
			r.buffer = append(r.buffer, event.Event{
				Content:    toContent(ev.Content),
				TS:         ev.OriginServerTS,
				SenderName: senderName,
				SenderID:   ev.Sender,
				ID:         ev.EventID,
			})
		case matrixapi.TypeMember:
			if r.names != nil {
				r.resolveMemberEvent(ev)
			}
		default:
			return &DriftError{RoomID: r.room.ID, Type: ev.Type}
		}
	}
	if len(events) > 0 {
		r.latestEventID = events[len(events)-1].EventID
		return r.flush(false)
	}
	return nil
}

// resolveMemberEvent folds one member event into the name map. A known member
// only updates on an explicit displayname; an unknown member gets whatever
// the event yields, falling back to the id localpart.
func (r *roomRun) resolveMemberEvent(ev matrixapi.RawEvent) {
	if _, ok := r.names[ev.StateKey]; !ok {
		r.names[ev.StateKey] = memberDisplayName(ev)
	} else if ev.Content.Displayname != nil {
		r.names[ev.StateKey] = *ev.Content.Displayname
	}
}

// replayJoins replays the join events of a batch prefix into the name map.
func (r *roomRun) replayJoins(events []matrixapi.RawEvent) {
	for _, ev := range events {
		if ev.Type == matrixapi.TypeMember && ev.Content.Membership == "join" {
			r.resolveMemberEvent(ev)
		}
	}
}

// flush writes completed UTC days from the buffer to the store. The newest
// day stays buffered unless force is set, since more of it may still arrive.
func (r *roomRun) flush(force bool) error {
	batches := event.SplitByDay(r.buffer)
	if len(batches) == 0 {
		return nil
	}
	save := batches
	if !force {
		save = batches[:len(batches)-1]
	}
	for _, b := range save {
		if err := r.a.Store.AppendAndMerge(r.room.Sanitized, b.Day, b.Events); err != nil {
			return err
		}
		telemetry.AddCounter(telemetry.DayFilesSaved)
		telemetry.AddArchivedEvents(len(b.Events))
		r.log.Info("saved day", slog.String("day", b.Day), slog.Int("events", len(b.Events)))
	}
	if force {
		r.buffer = nil
	} else {
		r.buffer = batches[len(batches)-1].Events
	}
	return nil
}

// toContent converts wire content to the archived shape. Decoding from the
// raw bytes keeps content keys the wire struct does not model.
func toContent(c matrixapi.EventContent) event.Content {
	if len(c.Raw) > 0 {
		var out event.Content
		if err := json.Unmarshal(c.Raw, &out); err == nil {
			return out
		}
	}
	out := event.Content{
		Body:          c.Body,
		Msgtype:       c.Msgtype,
		Format:        c.Format,
		FormattedBody: c.FormattedBody,
	}
	if c.RelatesTo != nil {
		out.RelatesTo = &event.RelatesTo{
			RelType: c.RelatesTo.RelType,
			EventID: c.RelatesTo.EventID,
		}
	}
	if c.NewContent != nil {
		out.NewContent = &event.NewContent{
			Body:          c.NewContent.Body,
			Msgtype:       c.NewContent.Msgtype,
			Format:        c.NewContent.Format,
			FormattedBody: c.NewContent.FormattedBody,
		}
	}
	return out
}
