// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all relay metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// RelayMetrics holds all Prometheus metrics for one relay instance.
// Every method is safe to call on a nil *RelayMetrics.
type RelayMetrics struct {
	// Object counters, mirrored from the stats aggregator
	Received        prometheus.Counter
	Stored          prometheus.Counter
	Forwarded       prometheus.Counter
	StoreFailures   prometheus.Counter
	ForwardFailures prometheus.Counter
	Connections     prometheus.Counter

	// Per-attempt forward outcomes, labels: result (success, dial_error, send_error, rejected)
	ForwardAttempts *prometheus.CounterVec

	// Session lifecycle events, labels: event (requested, rejected, accepted)
	SessionEvents *prometheus.CounterVec

	// Latencies
	StoreDuration   prometheus.Histogram
	ForwardDuration prometheus.Histogram

	// Retention
	RetentionPurged prometheus.Counter
	RetentionErrors prometheus.Counter

	// Relay info (value is always 1)
	RelayInfo *prometheus.GaugeVec

	constLabels prometheus.Labels
}

// InitMetrics initializes all metrics with the relay identity as a constant label.
func InitMetrics(identity, version string) *RelayMetrics {
	constLabels := prometheus.Labels{
		"relay": identity,
	}

	m := &RelayMetrics{
		Received: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "pacsrelay_objects_received_total",
			Help:        "Total objects received from inbound sessions",
			ConstLabels: constLabels,
		}),
		Stored: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "pacsrelay_objects_stored_total",
			Help:        "Total objects staged on local disk",
			ConstLabels: constLabels,
		}),
		Forwarded: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "pacsrelay_objects_forwarded_total",
			Help:        "Total objects forwarded upstream",
			ConstLabels: constLabels,
		}),
		StoreFailures: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "pacsrelay_store_failures_total",
			Help:        "Objects that could not be staged",
			ConstLabels: constLabels,
		}),
		ForwardFailures: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "pacsrelay_forward_failures_total",
			Help:        "Objects that could not be forwarded after all attempts",
			ConstLabels: constLabels,
		}),
		Connections: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "pacsrelay_connections_total",
			Help:        "Inbound object deliveries",
			ConstLabels: constLabels,
		}),
		ForwardAttempts: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "pacsrelay_forward_attempts_total",
			Help:        "Forward attempts by outcome",
			ConstLabels: constLabels,
		}, []string{"result"}),
		SessionEvents: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "pacsrelay_session_events_total",
			Help:        "Inbound session lifecycle events",
			ConstLabels: constLabels,
		}, []string{"event"}),
		StoreDuration: promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
			Name:        "pacsrelay_store_duration_seconds",
			Help:        "Time to stage one object",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		ForwardDuration: promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
			Name:        "pacsrelay_forward_duration_seconds",
			Help:        "Time to forward one object including retries",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		RetentionPurged: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "pacsrelay_retention_purged_total",
			Help:        "Staged files purged by retention",
			ConstLabels: constLabels,
		}),
		RetentionErrors: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "pacsrelay_retention_errors_total",
			Help:        "Staged files retention failed to delete",
			ConstLabels: constLabels,
		}),
		RelayInfo: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "pacsrelay_info",
			Help: "Relay information (value is always 1)",
		}, []string{"relay", "version"}),
		constLabels: constLabels,
	}

	m.RelayInfo.WithLabelValues(identity, version).Set(1)

	return m
}

// TrackLedger exposes the ledger size through fn on every scrape.
func (m *RelayMetrics) TrackLedger(fn func() int) {
	if m == nil {
		return
	}
	promauto.With(Registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "pacsrelay_ledger_entries",
		Help:        "Forwarded files awaiting retention",
		ConstLabels: m.constLabels,
	}, func() float64 { return float64(fn()) })
}

// ObserveStore records a staging latency.
func (m *RelayMetrics) ObserveStore(d time.Duration) {
	if m == nil {
		return
	}
	m.StoreDuration.Observe(d.Seconds())
}

// ObserveForward records a forward latency.
func (m *RelayMetrics) ObserveForward(d time.Duration) {
	if m == nil {
		return
	}
	m.ForwardDuration.Observe(d.Seconds())
}

// ForwardAttempt counts one attempt by result.
func (m *RelayMetrics) ForwardAttempt(result string) {
	if m == nil {
		return
	}
	m.ForwardAttempts.WithLabelValues(result).Inc()
}

// SessionEvent counts one inbound session event.
func (m *RelayMetrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

// Retention records one sweep's outcome.
func (m *RelayMetrics) Retention(purged, failed int) {
	if m == nil {
		return
	}
	m.RetentionPurged.Add(float64(purged))
	m.RetentionErrors.Add(float64(failed))
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
