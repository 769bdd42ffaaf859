// Package tracing keeps a rolling runtime trace of the relay so a slow or
// stuck forward can be inspected after the fact with `go tool trace`.
package tracing

import (
	"errors"
	"io"
	"net/http"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize is the trace ring buffer size used when none is given.
const DefaultBufferSize = 10 * 1024 * 1024

// MinAge is the least amount of history kept in the buffer.
const MinAge = 30 * time.Second

// ErrNotRunning is returned by Snapshot before Start or after Stop.
var ErrNotRunning = errors.New("trace recorder not running")

// Recorder wraps a runtime flight recorder. Only one can run per process.
type Recorder struct {
	maxBytes uint64

	mu sync.Mutex
	fr *trace.FlightRecorder
}

// New creates a stopped recorder keeping up to maxBytes of trace data.
func New(maxBytes int64) *Recorder {
	if maxBytes <= 0 {
		maxBytes = DefaultBufferSize
	}
	return &Recorder{maxBytes: uint64(maxBytes)}
}

// Start begins recording. Starting a running recorder is a no-op.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		return nil
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{MinAge: MinAge, MaxBytes: r.maxBytes})
	if err := fr.Start(); err != nil {
		return err
	}
	r.fr = fr
	return nil
}

// Running reports whether the recorder is active.
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fr != nil
}

// Snapshot writes the buffered trace to w.
func (r *Recorder) Snapshot(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return ErrNotRunning
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// Stop ends recording. It is safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}

// Handler serves a trace snapshot as a download.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.Running() {
			http.Error(w, "tracing not enabled (set trace_buffer)", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", "attachment; filename=pacsrelay-trace.out")
		if err := r.Snapshot(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
