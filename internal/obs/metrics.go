package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	registrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_registrations_total",
			Help: "Registrations accepted, by target kind.",
		},
		[]string{"kind"},
	)

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_decisions_total",
			Help: "Approval decisions recorded, by target kind and decision.",
		},
		[]string{"kind", "decision"},
	)

	authEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_auth_events_total",
			Help: "Authentication attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_notifications_total",
			Help: "Outbound notifications, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	storeConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_store_conflicts_total",
			Help: "Optimistic concurrency conflicts observed on commit, by operation.",
		},
		[]string{"operation"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "medgate_ready",
		Help: "1 when the record store answered the last readiness probe.",
	})

	initOnce sync.Once
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			registrationsTotal, decisionsTotal, authEventsTotal,
			notificationsTotal, storeConflictsTotal, readyGauge,
		)
	})
}

// Handler exposes the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RegistrationRecorded counts an accepted registration.
func RegistrationRecorded(kind string) { registrationsTotal.WithLabelValues(kind).Inc() }

// DecisionRecorded counts a committed approval decision.
func DecisionRecorded(kind, decision string) {
	decisionsTotal.WithLabelValues(kind, decision).Inc()
}

// AuthEventRecorded counts a login attempt by outcome.
func AuthEventRecorded(outcome string) { authEventsTotal.WithLabelValues(outcome).Inc() }

// NotificationResult counts a notification by kind and result (sent, failed, dropped).
func NotificationResult(kind, result string) {
	notificationsTotal.WithLabelValues(kind, result).Inc()
}

// StoreConflict counts an optimistic concurrency conflict.
func StoreConflict(operation string) { storeConflictsTotal.WithLabelValues(operation).Inc() }

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument measures in-flight requests, totals and latency.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := CanonicalPath(r.URL.Path)
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// CanonicalPath collapses identifier segments so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[3] == "decision" {
		switch parts[1] {
		case "institutions":
			return "/v1/institutions/:id/decision"
		case "practitioners":
			return "/v1/practitioners/:email/decision"
		}
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
