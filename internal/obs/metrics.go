package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by every handler.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "Whether the service currently reports ready (1) or not (0).",
	})
)

// Realtime sync metrics.
var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_active_sessions",
		Help: "Currently authenticated live sessions.",
	})

	RoomMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_room_memberships",
		Help: "Total (session, track) membership pairs.",
	})

	EventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_events_delivered_total",
			Help: "Events handed to session outbound channels.",
		},
		[]string{"kind"},
	)

	DeliveriesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_deliveries_dropped_total",
		Help: "Events dropped after exhausting delivery retries.",
	})

	MutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_mutations_total",
			Help: "Record mutation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	AuditFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_audit_append_failures_total",
		Help: "Audit entries that failed to persist. Fatal per entry; surfaced here.",
	})

	HistoryAppendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_history_append_failures_total",
		Help: "Accepted mutations whose history append failed after retries.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		ActiveSessions, RoomMembers, EventsDelivered, DeliveriesDropped,
		MutationsTotal, AuditFailures, HistoryAppendFailures,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers so metric cardinality stays bounded.
func CanonicalPath(raw string) string {
	path := raw
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "tracks":
		parts[2] = ":id"
		if len(parts) >= 5 && parts[3] == "records" {
			parts[4] = ":record_id"
		}
		return "/" + strings.Join(parts, "/")
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "notifications" && parts[3] == "read":
		parts[2] = ":id"
		return "/" + strings.Join(parts, "/")
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "notifications" &&
		parts[2] != "unread_count" && parts[2] != "read_all":
		parts[2] = ":id"
		return "/" + strings.Join(parts, "/")
	}
	return path
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so streaming responses keep working
// when instrumented.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
