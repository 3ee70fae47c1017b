// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	RoomsIngested  prometheus.Counter
	RoomsSkipped   prometheus.Counter
	RoomsFailed    prometheus.Counter
	PagesFetched   prometheus.Counter
	EventsArchived prometheus.Counter
	DayFilesSaved  prometheus.Counter
	IngestRuns     prometheus.Counter

	// Histograms (seconds)
	APIRequestDuration prometheus.ObserverVec
	RoomIngestDuration prometheus.Observer
	TotalRunDuration   prometheus.Observer

	// Gauges
	DiscoveredRoomsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RoomsIngested = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_rooms_ingested_total", Help: "Number of rooms ingested successfully"})
		RoomsSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_rooms_skipped_total", Help: "Number of rooms skipped due to soft failures"})
		RoomsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_rooms_failed_total", Help: "Number of rooms that failed hard"})
		PagesFetched = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_pages_fetched_total", Help: "Number of history pages fetched"})
		EventsArchived = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_events_total", Help: "Number of message events written to day files"})
		DayFilesSaved = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_day_files_saved_total", Help: "Number of day file writes"})
		IngestRuns = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_ingest_runs_total", Help: "Number of full ingestion runs"})
		APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "archive_api_request_duration_seconds", Help: "Homeserver API request duration seconds", Buckets: prometheus.DefBuckets}, []string{"outcome"})
		RoomIngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archive_room_ingest_duration_seconds", Help: "Per-room ingestion duration seconds", Buckets: prometheus.DefBuckets})
		TotalRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archive_run_duration_seconds", Help: "Full run duration seconds", Buckets: prometheus.DefBuckets})
		DiscoveredRoomsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "archive_discovered_rooms", Help: "Rooms discovered in the latest run"})
	})
}

// ObserveAPIRequest records one homeserver request. Safe before Init.
func ObserveAPIRequest(d time.Duration, outcome string) {
	if APIRequestDuration != nil {
		APIRequestDuration.With(prometheus.Labels{"outcome": outcome}).Observe(d.Seconds())
	}
}

// SetDiscoveredRooms records the size of the latest room registry.
func SetDiscoveredRooms(n int) {
	if DiscoveredRoomsGauge != nil {
		DiscoveredRoomsGauge.Set(float64(n))
	}
}

// AddCounter increments c if metrics are initialized.
func AddCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// AddArchivedEvents records n message events written to day files.
func AddArchivedEvents(n int) {
	if EventsArchived != nil {
		EventsArchived.Add(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
