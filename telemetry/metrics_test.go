package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init() // must not panic on duplicate registration
	if RoomsIngested == nil || APIRequestDuration == nil {
		t.Fatal("metrics not initialized")
	}
}

func TestObserveAPIRequestBeforeAndAfterInit(t *testing.T) {
	// Must be safe even if Init was never called in this process; Init is
	// package-global, so just verify no panic either way.
	ObserveAPIRequest(10*time.Millisecond, "ok")
	Init()
	ObserveAPIRequest(10*time.Millisecond, "errcode")
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Fatalf("empty context returned corr %q", got)
	}
	ctx = WithCorrelation(ctx, "run-123")
	if got := GetCorrelation(ctx); got != "run-123" {
		t.Fatalf("corr = %q, want run-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Fatal("LoggerWithCorr returned nil")
	}
}

func TestTimeFunc(t *testing.T) {
	ran := false
	d := TimeFunc(nil, func() { ran = true })
	if !ran {
		t.Fatal("fn not invoked")
	}
	if d < 0 {
		t.Fatalf("negative duration %v", d)
	}
}
