// Package metrics provides Prometheus instrumentation for the compatibility
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only compat metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
)

// Metrics holds all Prometheus collectors used by the compatibility server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	GRPCRequestsTotal     *prometheus.CounterVec
	GRPCRequestDuration   *prometheus.HistogramVec
	RulesLoaded           prometheus.Gauge
	CacheLoadsTotal       prometheus.Counter
	CacheInvalidations    prometheus.Counter
	ChecksTotal           *prometheus.CounterVec
	CheckScore            *prometheus.HistogramVec
	IssuesTotal           *prometheus.CounterVec
	BundleRecommendations *prometheus.CounterVec
	AuthFailuresTotal     prometheus.Counter
	ActiveStreams         *prometheus.GaugeVec
}

// New creates and registers all compat metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compat_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "compat_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compat_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "compat_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		RulesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "compat_rules_loaded",
			Help: "Number of rules in the in-memory compatibility matrix.",
		}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compat_cache_loads_total",
			Help: "Total number of full rule matrix reloads.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compat_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered cache invalidations.",
		}),

		ChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compat_checks_total",
			Help: "Total number of compatibility checks.",
		}, []string{"kind", "compatible"}),

		CheckScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "compat_check_score",
			Help:    "Distribution of overall compatibility scores.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}, []string{"kind"}),

		IssuesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compat_issues_total",
			Help: "Total number of issues reported by compatibility checks.",
		}, []string{"severity"}),

		BundleRecommendations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compat_bundle_recommendations_total",
			Help: "Total number of bundle recommendations by recommended bundle.",
		}, []string{"bundle"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compat_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "compat_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.RulesLoaded,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.ChecksTotal,
		m.CheckScore,
		m.IssuesTotal,
		m.BundleRecommendations,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request count and latency. Routes are labelled by
// their ServeMux pattern so path parameters do not explode cardinality.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(recorder.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeGRPC(info.FullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count, latency, and active stream gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.ActiveStreams.WithLabelValues("grpc").Inc()
		defer m.ActiveStreams.WithLabelValues("grpc").Dec()
		start := time.Now()
		err := handler(srv, ss)
		m.observeGRPC(info.FullMethod, err, start)
		return err
	}
}

func (m *Metrics) observeGRPC(fullMethod string, err error, start time.Time) {
	method := path.Base(fullMethod)
	st, _ := status.FromError(err)
	code := st.Code().String()
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
}

// StreamOpened increments the active stream gauge for transport and returns
// the matching decrement.
func (m *Metrics) StreamOpened(transport string) func() {
	gauge := m.ActiveStreams.WithLabelValues(transport)
	gauge.Inc()
	return gauge.Dec
}

// RecordCheck counts a finished check, its score, and its issues by severity.
func (m *Metrics) RecordCheck(kind string, result core.CheckResult) {
	m.ChecksTotal.WithLabelValues(kind, strconv.FormatBool(result.Compatible)).Inc()
	m.CheckScore.WithLabelValues(kind).Observe(float64(result.OverallScore))
	for _, issue := range result.Issues {
		m.IssuesTotal.WithLabelValues(string(issue.Severity)).Inc()
	}
}

// RecordRecommendation increments the recommendation counter for bundleID.
func (m *Metrics) RecordRecommendation(bundleID string) {
	m.BundleRecommendations.WithLabelValues(bundleID).Inc()
}

// SetRulesLoaded updates the rule matrix size gauge.
func (m *Metrics) SetRulesLoaded(count int) {
	m.RulesLoaded.Set(float64(count))
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}

// IncAuthFailures increments the authentication failure counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}
