package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CursorFilename is the per-room resume pointer file.
const CursorFilename = "last-seen-event.txt"

// Cursor records the ingestion frontier for one room: the last event id
// durably stored, or for sources without stable ids the last stored
// timestamp. Exactly one of the fields is meaningful.
type Cursor struct {
	EventID string
	TS      int64
}

// legacyCursor covers the historical JSON cursor shapes: {file, ids} and
// {file, ts}, plus the current {ts} form for id-less sources.
type legacyCursor struct {
	EventID string   `json:"event_id"`
	File    string   `json:"file"`
	IDs     []string `json:"ids"`
	TS      int64    `json:"ts"`
}

func (s *Store) cursorPath(room string) string {
	return filepath.Join(s.RoomDir(room), CursorFilename)
}

// LoadCursor returns the room's cursor, or nil when the room was never
// ingested. Both the canonical bare-id format and the legacy JSON object
// formats are accepted; writes always use the canonical format.
func (s *Store) LoadCursor(room string) (*Cursor, error) {
	data, err := os.ReadFile(s.cursorPath(room))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read cursor for %s: %w", room, err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return nil, nil
	}
	if !strings.HasPrefix(raw, "{") {
		return &Cursor{EventID: raw}, nil
	}
	var legacy legacyCursor
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return nil, fmt.Errorf("store: parse cursor for %s: %w", room, err)
	}
	c := &Cursor{EventID: legacy.EventID, TS: legacy.TS}
	if c.EventID == "" && len(legacy.IDs) > 0 {
		c.EventID = legacy.IDs[len(legacy.IDs)-1]
	}
	if c.EventID == "" && c.TS == 0 {
		return nil, fmt.Errorf("store: cursor for %s carries neither id nor ts", room)
	}
	return c, nil
}

// SaveCursor durably writes the cursor. Callers must only invoke this after
// every event the cursor implies has been stored; writing it earlier risks
// permanent data loss on crash.
func (s *Store) SaveCursor(room string, c Cursor) error {
	if err := s.EnsureRoom(room); err != nil {
		return err
	}
	var data []byte
	switch {
	case c.EventID != "":
		data = []byte(c.EventID)
	case c.TS != 0:
		data = []byte(fmt.Sprintf(`{"ts":%d}`, c.TS))
	default:
		return fmt.Errorf("store: refusing to write empty cursor for %s", room)
	}
	return writeFileAtomic(s.cursorPath(room), data)
}
