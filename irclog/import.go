package irclog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/onnwee/chat-archiver/event"
	"github.com/onnwee/chat-archiver/store"
)

// Importer writes parsed IRC logs as day files under a historical store,
// kept separate from the live Matrix store. Before importing a channel it
// verifies the live store has no room for the same channel: the Matrix
// bridge names such rooms after the channel, and two sources for one room
// would collide without shared event ids.
type Importer struct {
	Historical *store.Store
	Live       *store.Store
}

// ImportResult summarizes one completed import.
type ImportResult struct {
	Channel string
	Days    int
	Events  int
}

// Import parses one log export and writes its events as per-day files named
// after the channel. Existing day files are never overwritten; hitting one
// aborts the import before any further writes.
func (im *Importer) Import(r io.Reader) (*ImportResult, error) {
	channel, events, err := Parse(r)
	if err != nil {
		return nil, err
	}
	if channel == "" {
		return nil, fmt.Errorf("log contains no events")
	}

	if im.Live != nil {
		liveName := event.SanitizeRoomName(channel)
		if _, err := os.Stat(im.Live.RoomDir(liveName)); err == nil {
			return nil, fmt.Errorf("channel %s already exists in non-historical logs as %s", channel, liveName)
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	batches := event.SplitByDay(events)
	for _, b := range batches {
		path := filepath.Join(im.Historical.RoomDir(channel), b.Day+".json")
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("%s already exists; not overwriting", path)
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	for _, b := range batches {
		if err := im.Historical.SaveDay(channel, b.Day, b.Events); err != nil {
			return nil, err
		}
	}
	return &ImportResult{Channel: channel, Days: len(batches), Events: len(events)}, nil
}
