package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the Prometheus instruments. Each App owns its registry so
// parallel test instances never collide.
type Metrics struct {
	Registry *prometheus.Registry

	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	tickets     *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// NewMetrics registers the instruments on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bff_http_requests_total",
			Help: "HTTP requests by route, method, and status.",
		}, []string{"route", "method", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bff_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		tickets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bff_password_tickets_total",
			Help: "Password-change ticket issuance outcomes.",
		}, []string{"outcome"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bff_reset_flow_transitions_total",
			Help: "Reset flow state transitions.",
		}, []string{"state"}),
	}
}

// TicketIssued records a successful issuance.
func (m *Metrics) TicketIssued() {
	m.tickets.WithLabelValues("issued").Inc()
}

// TicketFailed records a failed issuance.
func (m *Metrics) TicketFailed() {
	m.tickets.WithLabelValues("failed").Inc()
}

// ResetTransition records a flow state change.
func (m *Metrics) ResetTransition(state ResetState) {
	m.transitions.WithLabelValues(state.String()).Inc()
}

// Middleware measures requests using the chi route pattern as the label.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		m.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
