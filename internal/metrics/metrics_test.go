package metrics_test

import (
	"testing"
	"time"

	"github.com/bravo1goingdark/ucfp/internal/metrics"
)

func TestDefaultRecorderIsNoop(t *testing.T) {
	// Must not panic with nothing installed.
	metrics.Record(metrics.Event{TenantID: "t1", Mode: "semantic", Latency: time.Millisecond, HitCount: 3})
}

func TestSetRecorderReceivesEvents(t *testing.T) {
	var got []metrics.Event
	metrics.SetRecorder(metrics.RecorderFunc(func(e metrics.Event) {
		got = append(got, e)
	}))
	defer metrics.SetRecorder(nil)

	metrics.Record(metrics.Event{TenantID: "t1", Mode: "hybrid", HitCount: 5})
	if len(got) != 1 {
		t.Fatalf("expected 1 recorded event, got %d", len(got))
	}
	if got[0].TenantID != "t1" || got[0].Mode != "hybrid" || got[0].HitCount != 5 {
		t.Fatalf("unexpected event: %+v", got[0])
	}
}

func TestSetRecorderNilRestoresNoop(t *testing.T) {
	metrics.SetRecorder(metrics.RecorderFunc(func(metrics.Event) {
		t.Fatal("should not be called after nil reset")
	}))
	metrics.SetRecorder(nil)
	metrics.Record(metrics.Event{})
}
