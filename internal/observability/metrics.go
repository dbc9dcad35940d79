package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	streamConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rforum",
			Subsystem: "stream",
			Name:      "connect_attempts_total",
			Help:      "Websocket connect attempts by outcome.",
		},
		[]string{"outcome"},
	)
	streamTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rforum",
			Subsystem: "stream",
			Name:      "state_transitions_total",
			Help:      "Connection state machine transitions.",
		},
		[]string{"state"},
	)
	framesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rforum",
			Subsystem: "stream",
			Name:      "frames_decoded_total",
			Help:      "Incoming frames by decode outcome.",
		},
		[]string{"outcome"},
	)
	eventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rforum",
			Subsystem: "stream",
			Name:      "events_dispatched_total",
			Help:      "Decoded events fanned out to subscribers.",
		},
		[]string{"tag"},
	)
	eventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rforum",
			Subsystem: "state",
			Name:      "events_applied_total",
			Help:      "Stream events applied to the reconciliation store.",
		},
		[]string{"tag", "outcome"},
	)
	baselineFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rforum",
			Subsystem: "state",
			Name:      "baseline_fetches_total",
			Help:      "REST baseline fetches by outcome.",
		},
		[]string{"outcome"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rforum",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status server HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rforum",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status server HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			streamConnects, streamTransitions, framesDecoded,
			eventsDispatched, eventsApplied, baselineFetches,
			httpRequests, httpDuration,
		)
	})
}

func RecordStreamConnect(outcome string) {
	RegisterMetrics()
	streamConnects.WithLabelValues(outcome).Inc()
}

func RecordStateTransition(state string) {
	RegisterMetrics()
	streamTransitions.WithLabelValues(state).Inc()
}

func RecordFrameDecode(outcome string) {
	RegisterMetrics()
	framesDecoded.WithLabelValues(outcome).Inc()
}

func RecordEventDispatched(tag string) {
	RegisterMetrics()
	eventsDispatched.WithLabelValues(tag).Inc()
}

func RecordEventApplied(tag, outcome string) {
	RegisterMetrics()
	eventsApplied.WithLabelValues(tag, outcome).Inc()
}

func RecordBaselineFetch(outcome string) {
	RegisterMetrics()
	baselineFetches.WithLabelValues(outcome).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
