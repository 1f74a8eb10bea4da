package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the client's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	clientInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reqdesk",
			Subsystem: "http_client",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight backend requests.",
		},
	)

	clientRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reqdesk",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of backend requests issued.",
		},
		[]string{"method", "path", "status"},
	)

	clientDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reqdesk",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of backend requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	storeOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reqdesk",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of entity store operations.",
		},
		[]string{"kind", "operation", "result"},
	)

	storeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reqdesk",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of entity store operations including the backend call.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"kind", "operation"},
	)

	cachedEntities = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "reqdesk",
			Subsystem: "store",
			Name:      "cached_entities",
			Help:      "Number of entities currently cached per kind.",
		},
		[]string{"kind"},
	)

	realtimeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reqdesk",
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Total number of change events received.",
		},
		[]string{"kind", "action"},
	)

	refreshRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reqdesk",
			Subsystem: "refresh",
			Name:      "runs_total",
			Help:      "Total number of scheduled collection refreshes.",
		},
		[]string{"kind", "success"},
	)
)

func init() {
	Registry.MustRegister(
		clientInFlight,
		clientRequests,
		clientDuration,
		storeOperations,
		storeDuration,
		cachedEntities,
		realtimeEvents,
		refreshRuns,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentTransport wraps an http.RoundTripper with backend request metrics.
func InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		start := time.Now()

		clientInFlight.Inc()
		defer clientInFlight.Dec()

		resp, err := next.RoundTrip(r)

		status := "error"
		if err == nil {
			status = strconv.Itoa(resp.StatusCode)
		}
		RecordClientRequest(r.Method, r.URL.Path, status, time.Since(start))
		return resp, err
	})
}

// RecordClientRequest records one backend request.
func RecordClientRequest(method, path, status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	method = strings.ToUpper(method)
	path = CanonicalPath(path)
	clientRequests.WithLabelValues(method, path, status).Inc()
	clientDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordStoreOperation records the outcome of one store action.
func RecordStoreOperation(kind, operation string, duration time.Duration, err error) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	storeOperations.WithLabelValues(kind, operation, result).Inc()
	storeDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
}

// SetCachedEntities records the size of a collection.
func SetCachedEntities(kind string, n int) {
	cachedEntities.WithLabelValues(kind).Set(float64(n))
}

// RecordRealtimeEvent counts a received change event.
func RecordRealtimeEvent(kind, action string) {
	if kind == "" {
		kind = "unknown"
	}
	realtimeEvents.WithLabelValues(kind, action).Inc()
}

// RecordRefresh counts a scheduled refresh of one collection.
func RecordRefresh(kind string, success bool) {
	refreshRuns.WithLabelValues(kind, strconv.FormatBool(success)).Inc()
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// CanonicalPath collapses entity ids so label cardinality stays bounded:
// /api/v1/epics/8f3e/status becomes /api/v1/epics/:id/status.
func CanonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	start := 0
	if len(parts) >= 2 && parts[0] == "api" {
		start = 2
	}
	if len(parts) <= start {
		return "/" + trimmed
	}
	// parts[start] is the resource; the segment after it is an id.
	if len(parts) > start+1 && parts[start] != "auth" {
		parts[start+1] = ":id"
	}
	return "/" + strings.Join(parts, "/")
}
