// Package store is the durable side of the archive: per-room per-day JSON
// event files plus the per-room resume cursor. All writes are atomic
// (tmp file, fsync, rename) so a concurrent reader never observes a partial
// file and a crash never corrupts existing history.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/onnwee/chat-archiver/event"
)

// ErrCorrupt marks a day file that exists but does not parse. The ingestion
// run for that room must abort without touching the file.
var ErrCorrupt = errors.New("corrupt day file")

var dayFilePattern = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}-[0-9]{2}\.json$`)

// Store reads and writes one room tree under root (typically logs/json).
type Store struct {
	root string
}

// New creates the root directory if needed and returns a Store over it.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the directory the store was opened on.
func (s *Store) Root() string { return s.root }

// RoomDir returns the directory holding one room's day files. The room name
// must already be sanitized (event.SanitizeRoomName).
func (s *Store) RoomDir(room string) string {
	return filepath.Join(s.root, room)
}

// EnsureRoom creates the room directory.
func (s *Store) EnsureRoom(room string) error {
	if err := os.MkdirAll(s.RoomDir(room), 0o755); err != nil {
		return fmt.Errorf("store: mkdir room %s: %w", room, err)
	}
	return nil
}

func (s *Store) dayPath(room, day string) string {
	return filepath.Join(s.RoomDir(room), day+".json")
}

// LoadDay returns the stored events for one UTC day, or an empty slice when
// the file does not exist yet. A file that exists but does not decode fails
// with ErrCorrupt; the caller must not guess and overwrite.
func (s *Store) LoadDay(room, day string) ([]event.Event, error) {
	path := s.dayPath(room, day)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	events, err := DecodeEvents(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return events, nil
}

// SaveDay serializes events deterministically and writes the day file
// atomically.
func (s *Store) SaveDay(room, day string, events []event.Event) error {
	if err := s.EnsureRoom(room); err != nil {
		return err
	}
	return writeFileAtomic(s.dayPath(room, day), EncodeEvents(events))
}

// AppendAndMerge folds newEvents into the existing day file: load, merge by
// id (stored events win), sort by timestamp, rewrite. Idempotent, and the
// only write path ingestion uses.
func (s *Store) AppendAndMerge(room, day string, newEvents []event.Event) error {
	existing, err := s.LoadDay(room, day)
	if err != nil {
		return err
	}
	return s.SaveDay(room, day, event.MergeEvents(existing, newEvents))
}

// ListDays returns the room's day keys (YYYY-MM-DD) in ascending order.
func (s *Store) ListDays(room string) ([]string, error) {
	entries, err := os.ReadDir(s.RoomDir(room))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list %s: %w", room, err)
	}
	var days []string
	for _, ent := range entries {
		if ent.IsDir() || !dayFilePattern.MatchString(ent.Name()) {
			continue
		}
		days = append(days, ent.Name()[:len(ent.Name())-len(".json")])
	}
	sort.Strings(days)
	return days, nil
}

// LatestStoredEventID scans the room's day files newest-first and returns the
// id of the last stored event, or "" when the room has no stored events.
// Used as a resume fallback when no cursor file exists.
func (s *Store) LatestStoredEventID(room string) (string, error) {
	days, err := s.ListDays(room)
	if err != nil {
		return "", err
	}
	for i := len(days) - 1; i >= 0; i-- {
		events, err := s.LoadDay(room, days[i])
		if err != nil {
			return "", err
		}
		if len(events) > 0 {
			return events[len(events)-1].ID, nil
		}
	}
	return "", nil
}

// EncodeEvents serializes a day's events with one event object per line for
// diffability. The empty day is the literal "[]".
func EncodeEvents(events []event.Event) []byte {
	if len(events) == 0 {
		return []byte("[]")
	}
	var buf bytes.Buffer
	buf.WriteString("[\n")
	for i, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			// Event contains only marshalable types; unreachable.
			panic(err)
		}
		buf.Write(line)
		if i < len(events)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("]")
	return buf.Bytes()
}

// DecodeEvents parses a serialized day file.
func DecodeEvents(data []byte) ([]event.Event, error) {
	var events []event.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// writeFileAtomic writes via tmp file, fsync, rename so readers never see a
// partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".archive-tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("store: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	success = true
	return nil
}
