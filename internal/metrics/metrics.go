// Package metrics provides Prometheus instrumentation for the perp engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// SettlementEntriesTotal counts settlement entries by outcome
	// (applied or rejected).
	SettlementEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_settlement_entries_total",
		Help: "Total settlement entries processed",
	}, []string{"result"})

	// SettledVolume tracks cumulative execution cost per pair and effect.
	SettledVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_settled_volume_total",
		Help: "Cumulative settled execution cost in price-denom units",
	}, []string{"pair", "effect"})

	// OrderPlacementsTotal counts order placements by outcome.
	OrderPlacementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_order_placements_total",
		Help: "Total order placements processed",
	}, []string{"result"})

	// OrderCancellationsTotal counts orders removed by cancellation or a
	// failed placement result.
	OrderCancellationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_order_cancellations_total",
		Help: "Total orders removed",
	}, []string{"reason"})

	// LiquidationsTotal counts liquidation assessments by margin level.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidations_total",
		Help: "Liquidation requests by assessed margin level",
	}, []string{"level"})

	// FundingRateUpdates counts cumulative funding rate samples appended.
	FundingRateUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_funding_rate_updates_total",
		Help: "Funding rate samples recorded",
	})

	// RiskLimitRejections counts placements rejected by the exposure limiter.
	RiskLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_risk_limit_rejections_total",
		Help: "Order placements rejected by the exposure limiter",
	})

	// SudoLatency tracks batch application latency by message variant.
	SudoLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_sudo_latency_seconds",
		Help:    "Sudo batch latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"variant"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveSince records the time elapsed since start for a sudo variant.
func ObserveSince(variant string, start time.Time) {
	SudoLatency.WithLabelValues(variant).Observe(time.Since(start).Seconds())
}

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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}
