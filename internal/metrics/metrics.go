// Package metrics exposes a process-wide installable observer for match
// calls. A host application installs a Recorder once at startup;
// matcher.MatchDocument reports to it on every call, success or failure.
// The default is a no-op so the core never requires an observer to be
// configured.
package metrics

import (
	"sync/atomic"
	"time"
)

// Recorder receives one event per matcher call.
type Recorder interface {
	Record(event Event)
}

// Event is the (tenant_id, effective_mode, wall_clock_latency, hit_count)
// tuple the matcher reports on every call.
type Event struct {
	TenantID string
	Mode     string
	Latency  time.Duration
	HitCount int
	Err      error
}

// RecorderFunc adapts a plain function to the Recorder interface.
type RecorderFunc func(Event)

// Record implements Recorder.
func (f RecorderFunc) Record(event Event) { f(event) }

// holder gives every Store the same concrete type; atomic.Value panics
// when consecutive stores carry different dynamic types.
type holder struct {
	r Recorder
}

var current atomic.Value // holds holder

func init() {
	current.Store(holder{r: noopRecorder{}})
}

type noopRecorder struct{}

func (noopRecorder) Record(Event) {}

// SetRecorder installs r as the process-wide recorder, replacing whatever
// was installed before. Passing nil restores the no-op default.
func SetRecorder(r Recorder) {
	if r == nil {
		r = noopRecorder{}
	}
	current.Store(holder{r: r})
}

// Record reports event to the currently installed recorder.
func Record(event Event) {
	current.Load().(holder).r.Record(event)
}
