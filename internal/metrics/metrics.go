package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the service's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "salescrm",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salescrm",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "salescrm",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	codesAssigned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salescrm",
			Subsystem: "lifecycle",
			Name:      "codes_assigned_total",
			Help:      "Human codes committed, by entity.",
		},
		[]string{"entity"},
	)

	dealsMaterialized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "salescrm",
			Subsystem: "lifecycle",
			Name:      "deals_materialized_total",
			Help:      "Deals created by lead conversion.",
		},
	)

	activityLogged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salescrm",
			Subsystem: "lifecycle",
			Name:      "activity_logs_total",
			Help:      "Activity log rows committed, by action.",
		},
		[]string{"action"},
	)

	softDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salescrm",
			Subsystem: "lifecycle",
			Name:      "soft_deleted_total",
			Help:      "Rows soft-deleted directly or by cascade, by entity.",
		},
		[]string{"entity"},
	)

	writeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salescrm",
			Subsystem: "lifecycle",
			Name:      "write_failures_total",
			Help:      "Rolled back writes, by error class.",
		},
		[]string{"class"},
	)

	lookupCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salescrm",
			Subsystem: "lookup",
			Name:      "cache_requests_total",
			Help:      "Lookup cache reads, by result.",
		},
		[]string{"result"},
	)

	searchIndexing = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salescrm",
			Subsystem: "search",
			Name:      "index_operations_total",
			Help:      "Search index operations, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		codesAssigned,
		dealsMaterialized,
		activityLogged,
		softDeleted,
		writeFailures,
		lookupCache,
		searchIndexing,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request counts and latency per chi route pattern.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := routePattern(r)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Lifecycle feeds the lead/deal write counters.
type Lifecycle struct{}

func (Lifecycle) CodeAssigned(entity string) { codesAssigned.WithLabelValues(entity).Inc() }
func (Lifecycle) DealMaterialized()          { dealsMaterialized.Inc() }
func (Lifecycle) ActivityLogged(action string) {
	activityLogged.WithLabelValues(action).Inc()
}
func (Lifecycle) SoftDeleted(entity string, n int) {
	if n > 0 {
		softDeleted.WithLabelValues(entity).Add(float64(n))
	}
}

// RecordWriteFailure counts a rolled back write.
func RecordWriteFailure(class string) {
	if class == "" {
		class = "internal"
	}
	writeFailures.WithLabelValues(class).Inc()
}

func RecordLookupCache(hit bool) {
	if hit {
		lookupCache.WithLabelValues("hit").Inc()
		return
	}
	lookupCache.WithLabelValues("miss").Inc()
}

func RecordSearchIndex(err error) {
	if err != nil {
		searchIndexing.WithLabelValues("error").Inc()
		return
	}
	searchIndexing.WithLabelValues("ok").Inc()
}
