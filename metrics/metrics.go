package metrics

import (
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Ledger holds the escrow collectors. A nil *Ledger is a valid no-op.
type Ledger struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	custody    prometheus.Gauge
	published  *prometheus.CounterVec
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewLedger creates the collectors and registers them on reg.
func NewLedger(reg prometheus.Registerer) *Ledger {
	m := &Ledger{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_operations_total",
			Help: "Ledger operations by name and outcome.",
		}, []string{"op", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_operation_duration_seconds",
			Help:    "Duration of ledger operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		custody: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_custody_value",
			Help: "Value currently held in open escrows, in minor units.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_outbox_published_total",
			Help: "Outbox publish attempts by outcome.",
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_http_requests_total",
			Help: "HTTP requests served by route, method and status.",
		}, []string{"route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	reg.MustRegister(m.operations, m.durations, m.custody, m.published, m.requests, m.latency)
	return m
}

func (m *Ledger) ObserveOperation(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.durations.WithLabelValues(op).Observe(elapsed.Seconds())
}

// SetCustody seeds the custody gauge, typically from an audit at startup.
func (m *Ledger) SetCustody(value int64) {
	if m == nil {
		return
	}
	m.custody.Set(float64(value))
}

func (m *Ledger) AddCustody(delta int64) {
	if m == nil {
		return
	}
	m.custody.Add(float64(delta))
}

func (m *Ledger) Published(outcome string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(outcome).Inc()
}

// Middleware records request counts and latency under route.
func (m *Ledger) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
			m.latency.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}
