// Package stats aggregates relay counters and reports them periodically.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pacsrelay/pacsrelay/internal/metrics"
)

// Counter names one aggregated count.
type Counter int

const (
	Received Counter = iota
	Stored
	Forwarded
	StoreFailures
	ForwardFailures
	Connections
	numCounters
)

var counterNames = [...]string{
	Received:        "received",
	Stored:          "stored",
	Forwarded:       "forwarded",
	StoreFailures:   "store_failures",
	ForwardFailures: "forward_failures",
	Connections:     "connections",
}

func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

// Snapshot is a consistent copy of the counters.
type Snapshot struct {
	Received        uint64
	Stored          uint64
	Forwarded       uint64
	StoreFailures   uint64
	ForwardFailures uint64
	Connections     uint64
	StartTime       time.Time
	Uptime          time.Duration
}

// ForwardSuccessRate returns forwarded/received, or 0 with ok=false when
// nothing was received yet.
func (s Snapshot) ForwardSuccessRate() (rate float64, ok bool) {
	if s.Received == 0 {
		return 0, false
	}
	return float64(s.Forwarded) / float64(s.Received), true
}

// Aggregator holds the counters for one relay instance.
type Aggregator struct {
	mu           sync.Mutex
	counts       [numCounters]uint64
	start        time.Time
	lastReported uint64
	reports      int

	metrics *metrics.RelayMetrics
	now     func() time.Time
}

// New creates an aggregator. m may be nil.
func New(m *metrics.RelayMetrics) *Aggregator {
	return &Aggregator{
		start:   time.Now(),
		metrics: m,
		now:     time.Now,
	}
}

// Increment adds one to c.
func (a *Aggregator) Increment(c Counter) {
	if c < 0 || c >= numCounters {
		return
	}
	a.mu.Lock()
	a.counts[c]++
	a.mu.Unlock()

	a.mirror(c)
}

func (a *Aggregator) mirror(c Counter) {
	m := a.metrics
	if m == nil {
		return
	}
	switch c {
	case Received:
		m.Received.Inc()
	case Stored:
		m.Stored.Inc()
	case Forwarded:
		m.Forwarded.Inc()
	case StoreFailures:
		m.StoreFailures.Inc()
	case ForwardFailures:
		m.ForwardFailures.Inc()
	case Connections:
		m.Connections.Inc()
	}
}

// Snapshot returns the current counters.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	return Snapshot{
		Received:        a.counts[Received],
		Stored:          a.counts[Stored],
		Forwarded:       a.counts[Forwarded],
		StoreFailures:   a.counts[StoreFailures],
		ForwardFailures: a.counts[ForwardFailures],
		Connections:     a.counts[Connections],
		StartTime:       a.start,
		Uptime:          a.now().Sub(a.start),
	}
}

// Report logs a snapshot if the received count changed since the last
// report, or unconditionally when force is set. It returns whether a line
// was emitted.
func (a *Aggregator) Report(force bool) bool {
	a.mu.Lock()
	snap := a.snapshotLocked()
	if !force && snap.Received == a.lastReported {
		a.mu.Unlock()
		return false
	}
	a.lastReported = snap.Received
	a.reports++
	a.mu.Unlock()

	ev := log.Info().
		Uint64("received", snap.Received).
		Uint64("stored", snap.Stored).
		Uint64("forwarded", snap.Forwarded).
		Uint64("store_failures", snap.StoreFailures).
		Uint64("forward_failures", snap.ForwardFailures).
		Uint64("connections", snap.Connections).
		Dur("uptime", snap.Uptime.Round(time.Second))
	if rate, ok := snap.ForwardSuccessRate(); ok {
		ev = ev.Float64("forward_success_rate", rate)
	}
	ev.Msg("relay statistics")
	return true
}

// Reports returns how many snapshots have been emitted.
func (a *Aggregator) Reports() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reports
}

// Run reports every interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Report(false)
		}
	}
}
