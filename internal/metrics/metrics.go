// Package metrics provides Prometheus instrumentation for the dual
// investment engine.
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
	// EntriesTotal counts position entries by funding path and result.
	EntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dual_entries_total",
		Help: "Position entries by path and result",
	}, []string{"path", "result"})

	// EntryLatency tracks entry execution time by path.
	EntryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dual_entry_latency_seconds",
		Help:    "Position entry latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	// AdmissionRejections counts risk guard and borrow router rejections.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dual_admission_rejections_total",
		Help: "Entries rejected by admission control",
	}, []string{"check"})

	// SettlementsTotal counts settlement attempts by outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dual_settlements_total",
		Help: "Settlement attempts by outcome",
	}, []string{"outcome"})

	// BatchItemFailures counts batch settlement items that were skipped.
	BatchItemFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dual_batch_settlement_item_failures_total",
		Help: "Batch settlement items that failed and were skipped",
	})

	// PayoutFallbacks counts payouts that needed the withdraw-and-swap path.
	PayoutFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dual_payout_fallbacks_total",
		Help: "Settlement payouts delivered through the swap fallback",
	})

	// SwapRoutes counts swap attempts by route and result.
	SwapRoutes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dual_swap_route_attempts_total",
		Help: "Swap attempts by route and result",
	}, []string{"route", "result"})

	// VaultSupplied tracks deposit units held by the vault per market.
	VaultSupplied = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dual_vault_supplied_units",
		Help: "Deposit units supplied by the vault per market",
	}, []string{"market"})

	// KeeperScans counts keeper scan runs by result.
	KeeperScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dual_keeper_scans_total",
		Help: "Settlement keeper scans by result",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dual_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dual_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dual_http_request_duration_seconds",
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

		// Use the route pattern for the path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
