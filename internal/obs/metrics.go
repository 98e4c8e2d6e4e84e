package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by all endpoints.
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
)

// Broker domain metrics.
var (
	checkoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_checkouts_total",
			Help: "Checkout attempts by outcome reason code.",
		},
		[]string{"outcome"},
	)

	checkinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_checkins_total",
			Help: "Check-in attempts by outcome.",
		},
		[]string{"outcome"},
	)

	activeLeases = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_active_leases",
		Help: "Leases currently in the Active state.",
	})

	leasesExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_leases_expired_total",
		Help: "Leases moved to Expired by the background sweep.",
	})

	mintDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "broker_mint_duration_seconds",
		Help:    "Downstream credential mint latencies in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_ready",
		Help: "Readiness probe result (1 ready, 0 not ready).",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		checkoutsTotal, checkinsTotal, activeLeases, leasesExpired,
		mintDuration, ready,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCheckout counts one checkout attempt with its outcome reason code.
func ObserveCheckout(outcome string) { checkoutsTotal.WithLabelValues(outcome).Inc() }

// ObserveCheckin counts one check-in attempt with its outcome.
func ObserveCheckin(outcome string) { checkinsTotal.WithLabelValues(outcome).Inc() }

// SetActiveLeases publishes the current Active lease count.
func SetActiveLeases(n int) { activeLeases.Set(float64(n)) }

// LeaseExpired counts one sweep-driven expiry.
func LeaseExpired() { leasesExpired.Inc() }

// ObserveMint records the latency of one downstream mint call.
func ObserveMint(d time.Duration) { mintDuration.Observe(d.Seconds()) }

// SetReady publishes the readiness probe result.
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

// CanonicalPath collapses per-resource path segments so metric cardinality
// stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) == 3 && parts[0] == "v1" && parts[1] == "leases" {
		return "/v1/leases/:id"
	}
	return p
}

// statusWriter captures the response code for the metrics labels.
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
