package server

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/onnwee/chat-archiver/store"
)

// RunStatus is the outcome summary of the most recent ingestion run. The
// daemon loop records one after every pass; handlers only read.
type RunStatus struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Rooms      int       `json:"rooms"`
	Ingested   int       `json:"ingested"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

// Handlers holds the dependencies for all HTTP endpoints.
type Handlers struct {
	store *store.Store

	mu      sync.RWMutex
	lastRun *RunStatus
}

// NewHandlers constructs the endpoint set over a day-file store.
func NewHandlers(s *store.Store) *Handlers {
	return &Handlers{store: s}
}

// RecordRun publishes the outcome of a completed ingestion run.
func (h *Handlers) RecordRun(rs RunStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastRun = &rs
}

// HandleHealthz responds to liveness probe requests by checking that the
// store root is reachable.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := os.Stat(h.store.Root()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once at least one ingestion run has completed.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	last := h.lastRun
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if last == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":       "not_ready",
			"failed_check": "ingest",
			"error":        "no ingestion run has completed yet",
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports the summary of the most recent ingestion run.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	last := h.lastRun
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if last == nil {
		_ = json.NewEncoder(w).Encode(map[string]any{"lastRun": nil})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"lastRun": last})
}

type roomSummary struct {
	Name     string `json:"name"`
	Days     int    `json:"days"`
	FirstDay string `json:"firstDay,omitempty"`
	LastDay  string `json:"lastDay,omitempty"`
}

// HandleRooms lists archived rooms with their stored day ranges.
func (h *Handlers) HandleRooms(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(h.store.Root())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rooms := make([]roomSummary, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		days, err := h.store.ListDays(ent.Name())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		summary := roomSummary{Name: ent.Name(), Days: len(days)}
		if len(days) > 0 {
			summary.FirstDay = days[0]
			summary.LastDay = days[len(days)-1]
		}
		rooms = append(rooms, summary)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"rooms": rooms})
}
