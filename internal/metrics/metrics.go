// Package metrics provides Prometheus instrumentation for the PV engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PVCreditsTotal counts PV ledger credits written from purchases.
	PVCreditsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pvengine_pv_credits_total",
		Help: "PV credit entries written from purchase events",
	})

	// DuplicateEventsTotal counts inbound events ignored as already processed.
	DuplicateEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pvengine_duplicate_events_total",
		Help: "Events skipped because their idempotency key already exists",
	}, []string{"kind"})

	// SettlementRuns counts batch runs by kind and outcome.
	SettlementRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pvengine_settlement_runs_total",
		Help: "Settlement batch runs",
	}, []string{"kind", "outcome"})

	SettlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pvengine_settlement_duration_seconds",
		Help:    "Settlement batch duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"kind"})

	// KFactor is the throttle applied by the most recent weekly batch.
	KFactor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pvengine_k_factor",
		Help: "K-factor applied by the last weekly settlement",
	})

	// BonusPaidTotal accumulates money paid, by remark.
	BonusPaidTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pvengine_bonus_paid_total",
		Help: "Bonus amount credited or enqueued, in currency units",
	}, []string{"remark"})

	// SettlementUserFailures counts per-user failures inside batches.
	SettlementUserFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pvengine_settlement_user_failures_total",
		Help: "Per-user settlement steps that failed",
	}, []string{"kind"})

	// ReversalClamps counts reversal debits reduced to the available balance.
	ReversalClamps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pvengine_reversal_clamps_total",
		Help: "Reversal debits clamped to the available balance",
	}, []string{"asset"})

	PendingReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pvengine_pending_bonuses_released_total",
		Help: "Pending bonuses moved to wallets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pvengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pvengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pvengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
