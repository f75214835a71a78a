package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpCollectors struct {
	duration *prometheus.HistogramVec
	total    *prometheus.CounterVec
	inFlight prometheus.Gauge
}

func newHTTPCollectors() *httpCollectors {
	return &httpCollectors{
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conveyor_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		total: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conveyor_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "conveyor_http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),
	}
}

// RecordHTTP records one finished request.
func (r *Registry) RecordHTTP(method, route string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	r.http.duration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
	r.http.total.WithLabelValues(method, route, statusLabel).Inc()
}

// RouteNamer resolves the low-cardinality route label for a request.
type RouteNamer func(*http.Request) string

// Middleware instruments next with request duration, count and in-flight
// metrics. A nil namer labels every request with its URL path.
func (r *Registry) Middleware(namer RouteNamer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			r.http.inFlight.Inc()
			defer r.http.inFlight.Dec()

			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, req)

			route := req.URL.Path
			if namer != nil {
				if name := namer(req); name != "" {
					route = name
				}
			}
			r.RecordHTTP(req.Method, route, recorder.status, time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
