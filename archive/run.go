// Package archive orchestrates ingestion: it discovers archivable rooms on
// the homeserver, then brings each room's day files and cursor up to date
// concurrently. Rooms fail independently; one bad room never aborts a run.
package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/chat-archiver/matrixapi"
	"github.com/onnwee/chat-archiver/store"
	"github.com/onnwee/chat-archiver/telemetry"
)

// defaultContextLimit is the context window used around a resume event; the
// history page size default lives in the client.
const defaultContextLimit = 10

// Archiver wires the homeserver client to the day-file store. Concurrency is
// unbounded at the room level; the client's request gate is the real limit.
type Archiver struct {
	Client   *matrixapi.Client
	Store    *store.Store
	Excluded map[string]bool

	// PageSize is the history page size; 0 means 100.
	PageSize int
	// ContextLimit is the context window around the resume event; 0 means 10.
	ContextLimit int
}

func (a *Archiver) contextLimit() int {
	if a.ContextLimit > 0 {
		return a.ContextLimit
	}
	return defaultContextLimit
}

// Outcome is the result of ingesting one room. Skipped marks soft failures
// (server errcode, timeout) that only defer the room to the next run.
type Outcome struct {
	Room    Room
	Err     error
	Skipped bool
}

// Run executes one full ingestion pass and reports per-room outcomes. The
// returned error covers run-level failures only (room discovery); per-room
// failures are in the outcomes.
func (a *Archiver) Run(ctx context.Context) ([]Outcome, error) {
	ctx, span := telemetry.StartSpan(ctx, "archive", "archive.run")
	defer span.End()
	telemetry.AddCounter(telemetry.IngestRuns)
	start := time.Now()
	defer func() {
		if telemetry.TotalRunDuration != nil {
			telemetry.TotalRunDuration.Observe(time.Since(start).Seconds())
		}
	}()

	reg, err := DiscoverRooms(ctx, a.Client, a.Excluded)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetDiscoveredRooms(len(reg.Rooms))
	span.SetAttributes(attribute.Int("rooms.discovered", len(reg.Rooms)))

	outcomes := make([]Outcome, len(reg.Rooms))
	var wg sync.WaitGroup
	for i, room := range reg.Rooms {
		wg.Add(1)
		go func(i int, room Room) {
			defer wg.Done()
			outcomes[i] = a.runRoom(ctx, room)
		}(i, room)
	}
	wg.Wait()
	return outcomes, nil
}

func (a *Archiver) runRoom(ctx context.Context, room Room) Outcome {
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("room", room.Name),
		slog.String("room_id", room.ID))
	log.Info("fetching messages")

	ctx, span := telemetry.StartSpan(ctx, "archive", "archive.room",
		attribute.String("room.id", room.ID),
		attribute.String("room.name", room.Name))
	defer span.End()

	var err error
	took := telemetry.TimeFunc(telemetry.RoomIngestDuration, func() {
		err = a.ingestRoom(ctx, room)
	})

	out := Outcome{Room: room, Err: err}
	switch {
	case err == nil:
		telemetry.AddCounter(telemetry.RoomsIngested)
		log.Info("room up to date", slog.Duration("took", took))
	case IsSoft(err):
		out.Skipped = true
		telemetry.AddCounter(telemetry.RoomsSkipped)
		telemetry.RecordError(span, err)
		log.Warn("skipping room this run", slog.Any("err", err))
	default:
		telemetry.AddCounter(telemetry.RoomsFailed)
		telemetry.RecordError(span, err)
		log.Error("room ingestion failed", slog.Any("err", err))
	}
	return out
}
