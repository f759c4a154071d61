package metrics

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// EnvLatencyBuckets holds comma separated bucket bounds in seconds, e.g. "0.05,0.1,1,10".
	EnvLatencyBuckets     = "DRS_HTTP_LATENCY_BUCKETS"
	RequestsCollectorName = "drs_http_requests_total"
	LatencyCollectorName  = "drs_http_request_duration_seconds"

	unmatchedRoute = "unmatched"
)

var defaultLatencyBuckets = []float64{0.05, 0.25, 1, 5, 30, 120}

// Middleware counts requests and observes their latency, partitioned by
// status code, method and chi route pattern. Route patterns keep object ids
// out of the label set.
type Middleware struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func latencyBuckets() ([]float64, error) {
	conf, ok := os.LookupEnv(EnvLatencyBuckets)
	if !ok || strings.TrimSpace(conf) == "" {
		return defaultLatencyBuckets, nil
	}
	var buckets []float64
	for _, v := range strings.Split(conf, ",") {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q: %w", EnvLatencyBuckets, v, err)
		}
		buckets = append(buckets, f)
	}
	return buckets, nil
}

// NewMiddleware returns the HTTP metrics middleware for the named service.
func NewMiddleware(name string) (*Middleware, error) {
	buckets, err := latencyBuckets()
	if err != nil {
		return nil, err
	}

	labels := []string{"code", "method", "route"}
	return &Middleware{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        RequestsCollectorName,
			Help:        "Number of HTTP requests partitioned by status code, method and route.",
			ConstLabels: prometheus.Labels{"service": name},
		}, labels),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        LatencyCollectorName,
			Help:        "Time spent serving HTTP requests partitioned by status code, method and route.",
			ConstLabels: prometheus.Labels{"service": name},
			Buckets:     buckets,
		}, labels),
	}, nil
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := strconv.Itoa(ww.Status())
		m.requests.WithLabelValues(code, r.Method, route).Inc()
		m.latency.WithLabelValues(code, r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Register adds the middleware collectors to reg.
func (m *Middleware) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.requests, m.latency} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
